// Package ldap parses and evaluates RFC 1960 string filters against
// property maps, as used for service lookups and reference targets.
package ldap

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/kochabonline/scr/errors"
)

type Op int

const (
	OpAnd Op = iota
	OpOr
	OpNot
	OpEqual
	OpApprox
	OpGreaterEqual
	OpLessEqual
	OpPresent
	OpSubstring
)

// Filter is a parsed filter expression.
type Filter struct {
	op       Op
	attr     string
	value    string
	subs     []string // substring parts; "" at either end means an open wildcard
	children []*Filter
}

// Parse parses an RFC 1960 filter string.
func Parse(s string) (*Filter, error) {
	p := &parser{src: s}
	p.skipSpace()
	f, err := p.filter()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos != len(p.src) {
		return nil, p.errorf("unexpected trailing input")
	}
	return f, nil
}

// MustParse panics on malformed input. For constant filters only.
func MustParse(s string) *Filter {
	f, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return f
}

// Valid reports whether s is a well-formed filter.
func Valid(s string) bool {
	_, err := Parse(s)
	return err == nil
}

func (f *Filter) Op() Op { return f.op }

// Matches evaluates the filter. Attribute names are matched case-insensitively.
func (f *Filter) Matches(props map[string]any) bool {
	if f == nil {
		return true
	}
	switch f.op {
	case OpAnd:
		for _, c := range f.children {
			if !c.Matches(props) {
				return false
			}
		}
		return true
	case OpOr:
		for _, c := range f.children {
			if c.Matches(props) {
				return true
			}
		}
		return false
	case OpNot:
		return !f.children[0].Matches(props)
	}

	v, ok := lookup(props, f.attr)
	if !ok {
		return false
	}
	if f.op == OpPresent {
		return true
	}
	return f.compare(v)
}

func (f *Filter) String() string {
	var b strings.Builder
	f.write(&b)
	return b.String()
}

func (f *Filter) write(b *strings.Builder) {
	b.WriteByte('(')
	switch f.op {
	case OpAnd, OpOr, OpNot:
		b.WriteByte("&|!"[f.op])
		for _, c := range f.children {
			c.write(b)
		}
	case OpPresent:
		b.WriteString(f.attr)
		b.WriteString("=*")
	case OpSubstring:
		b.WriteString(f.attr)
		b.WriteByte('=')
		for i, s := range f.subs {
			if i > 0 {
				b.WriteByte('*')
			}
			b.WriteString(Escape(s))
		}
	default:
		b.WriteString(f.attr)
		b.WriteString([...]string{OpEqual: "=", OpApprox: "~=", OpGreaterEqual: ">=", OpLessEqual: "<="}[f.op])
		b.WriteString(Escape(f.value))
	}
	b.WriteByte(')')
}

// Escape quotes the filter special characters of a literal value.
func Escape(s string) string {
	if !strings.ContainsAny(s, `\*()`) {
		return s
	}
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '\\', '*', '(', ')':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func lookup(props map[string]any, key string) (any, bool) {
	if v, ok := props[key]; ok {
		return v, true
	}
	for k, v := range props {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return nil, false
}

func (f *Filter) compare(v any) bool {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			break
		}
		for i := range rv.Len() {
			if f.compare(rv.Index(i).Interface()) {
				return true
			}
		}
		return false
	case reflect.Invalid:
		return false
	}

	if f.op == OpSubstring {
		s, ok := v.(string)
		return ok && matchSubstring(f.subs, s)
	}

	switch rv.Kind() {
	case reflect.String:
		return compareString(f.op, rv.String(), f.value)
	case reflect.Bool:
		want, err := strconv.ParseBool(strings.TrimSpace(f.value))
		if err != nil {
			return false
		}
		return (f.op == OpEqual || f.op == OpApprox) && rv.Bool() == want
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		want, err := strconv.ParseInt(strings.TrimSpace(f.value), 10, 64)
		if err != nil {
			return false
		}
		return compareOrdered(f.op, rv.Int(), want)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		want, err := strconv.ParseUint(strings.TrimSpace(f.value), 10, 64)
		if err != nil {
			return false
		}
		return compareOrdered(f.op, rv.Uint(), want)
	case reflect.Float32, reflect.Float64:
		want, err := strconv.ParseFloat(strings.TrimSpace(f.value), 64)
		if err != nil {
			return false
		}
		return compareOrdered(f.op, rv.Float(), want)
	}

	if s, ok := v.(fmt.Stringer); ok {
		return compareString(f.op, s.String(), f.value)
	}
	return false
}

func compareOrdered[T int64 | uint64 | float64](op Op, have, want T) bool {
	switch op {
	case OpEqual, OpApprox:
		return have == want
	case OpGreaterEqual:
		return have >= want
	case OpLessEqual:
		return have <= want
	}
	return false
}

func compareString(op Op, have, want string) bool {
	switch op {
	case OpEqual:
		return have == want
	case OpApprox:
		return normalizeApprox(have) == normalizeApprox(want)
	case OpGreaterEqual:
		return have >= want
	case OpLessEqual:
		return have <= want
	}
	return false
}

func normalizeApprox(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), ""))
}

func matchSubstring(parts []string, s string) bool {
	last := len(parts) - 1
	for i, part := range parts {
		switch {
		case i == 0:
			if !strings.HasPrefix(s, part) {
				return false
			}
			s = s[len(part):]
		case i == last:
			return strings.HasSuffix(s, part)
		default:
			idx := strings.Index(s, part)
			if idx < 0 {
				return false
			}
			s = s[idx+len(part):]
		}
	}
	return true
}

type parser struct {
	src string
	pos int
}

func (p *parser) errorf(format string, args ...any) error {
	return errors.InvalidArgument("invalid filter %q at offset %d: %s", p.src, p.pos, fmt.Sprintf(format, args...))
}

func (p *parser) skipSpace() {
	for p.pos < len(p.src) && (p.src[p.pos] == ' ' || p.src[p.pos] == '\t' || p.src[p.pos] == '\n' || p.src[p.pos] == '\r') {
		p.pos++
	}
}

func (p *parser) peek() byte {
	if p.pos >= len(p.src) {
		return 0
	}
	return p.src[p.pos]
}

func (p *parser) filter() (*Filter, error) {
	if p.peek() != '(' {
		return nil, p.errorf("expected '('")
	}
	p.pos++
	p.skipSpace()

	var (
		f   *Filter
		err error
	)
	switch p.peek() {
	case '&':
		p.pos++
		f, err = p.list(OpAnd)
	case '|':
		p.pos++
		f, err = p.list(OpOr)
	case '!':
		p.pos++
		p.skipSpace()
		var child *Filter
		child, err = p.filter()
		f = &Filter{op: OpNot, children: []*Filter{child}}
	default:
		f, err = p.item()
	}
	if err != nil {
		return nil, err
	}

	p.skipSpace()
	if p.peek() != ')' {
		return nil, p.errorf("expected ')'")
	}
	p.pos++
	return f, nil
}

func (p *parser) list(op Op) (*Filter, error) {
	f := &Filter{op: op}
	p.skipSpace()
	for p.peek() == '(' {
		child, err := p.filter()
		if err != nil {
			return nil, err
		}
		f.children = append(f.children, child)
		p.skipSpace()
	}
	if len(f.children) == 0 {
		return nil, p.errorf("empty filter list")
	}
	return f, nil
}

func (p *parser) item() (*Filter, error) {
	start := p.pos
	for p.pos < len(p.src) && !strings.ContainsRune("=<>~()", rune(p.src[p.pos])) {
		p.pos++
	}
	attr := strings.TrimSpace(p.src[start:p.pos])
	if attr == "" {
		return nil, p.errorf("missing attribute")
	}

	f := &Filter{attr: attr}
	switch p.peek() {
	case '~':
		f.op = OpApprox
	case '>':
		f.op = OpGreaterEqual
	case '<':
		f.op = OpLessEqual
	case '=':
		f.op = OpEqual
	default:
		return nil, p.errorf("expected operator")
	}
	p.pos++
	if f.op != OpEqual {
		if p.peek() != '=' {
			return nil, p.errorf("expected '='")
		}
		p.pos++
	}

	parts, err := p.value()
	if err != nil {
		return nil, err
	}

	if len(parts) == 1 {
		f.value = parts[0]
		return f, nil
	}
	if f.op != OpEqual {
		return nil, p.errorf("wildcard not allowed for this operator")
	}
	if len(parts) == 2 && parts[0] == "" && parts[1] == "" {
		f.op = OpPresent
		return f, nil
	}
	f.op = OpSubstring
	f.subs = parts
	return f, nil
}

// value reads up to the closing paren, splitting on unescaped '*'.
func (p *parser) value() ([]string, error) {
	var (
		parts []string
		cur   strings.Builder
	)
	for {
		if p.pos >= len(p.src) {
			return nil, p.errorf("unterminated value")
		}
		c := p.src[p.pos]
		switch c {
		case ')':
			return append(parts, cur.String()), nil
		case '(':
			return nil, p.errorf("unescaped '('")
		case '*':
			parts = append(parts, cur.String())
			cur.Reset()
			p.pos++
		case '\\':
			p.pos++
			if p.pos >= len(p.src) {
				return nil, p.errorf("dangling escape")
			}
			cur.WriteByte(p.src[p.pos])
			p.pos++
		default:
			cur.WriteByte(c)
			p.pos++
		}
	}
}
