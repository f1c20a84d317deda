package reflect

import (
	"reflect"
	"strings"
)

type MapConfig struct {
	tag       string
	skipEmpty bool
}

func WithMapTag(tag string) func(*MapConfig) {
	return func(c *MapConfig) {
		c.tag = tag
	}
}

// WithMapSkipEmpty drops zero fields, empty slices and empty maps.
func WithMapSkipEmpty() func(*MapConfig) {
	return func(c *MapConfig) {
		c.skipEmpty = true
	}
}

// StructConvMap flattens a struct into a map keyed by the tag name of each
// exported field. Nested structs and slices of structs become maps and
// slices of maps, so the result only holds plain values.
func StructConvMap(target any, opts ...func(*MapConfig)) (map[string]any, error) {
	config := &MapConfig{
		tag: "json",
	}
	for _, opt := range opts {
		opt(config)
	}

	valueOf := reflect.ValueOf(target)
	for valueOf.Kind() == reflect.Ptr {
		if valueOf.IsNil() {
			return nil, ErrTagTargetMustNotBeNil
		}
		valueOf = valueOf.Elem()
	}
	if valueOf.Kind() != reflect.Struct {
		return nil, ErrMapTargetMustBeStruct
	}
	return structToMap(valueOf, config), nil
}

func structToMap(valueOf reflect.Value, config *MapConfig) map[string]any {
	typeOf := valueOf.Type()
	result := make(map[string]any, typeOf.NumField())
	for i := range typeOf.NumField() {
		field := typeOf.Field(i)
		if !field.IsExported() {
			continue
		}
		name, _, _ := strings.Cut(field.Tag.Get(config.tag), ",")
		if name == "-" {
			continue
		}
		if name == "" {
			name = field.Name
		}

		value := valueOf.Field(i)
		if config.skipEmpty && isEmpty(value) {
			continue
		}
		result[name] = plainValue(value, config)
	}
	return result
}

func plainValue(value reflect.Value, config *MapConfig) any {
	switch value.Kind() {
	case reflect.Struct:
		return structToMap(value, config)
	case reflect.Ptr:
		if !value.IsNil() && value.Elem().Kind() == reflect.Struct {
			return structToMap(value.Elem(), config)
		}
	case reflect.Slice, reflect.Array:
		if elemStruct(value.Type().Elem()) {
			out := make([]map[string]any, 0, value.Len())
			for i := range value.Len() {
				elem := value.Index(i)
				if elem.Kind() == reflect.Ptr {
					if elem.IsNil() {
						continue
					}
					elem = elem.Elem()
				}
				out = append(out, structToMap(elem, config))
			}
			return out
		}
	}
	return value.Interface()
}

func elemStruct(t reflect.Type) bool {
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Kind() == reflect.Struct
}

func isEmpty(value reflect.Value) bool {
	switch value.Kind() {
	case reflect.Slice, reflect.Map:
		return value.Len() == 0
	default:
		return value.IsZero()
	}
}
