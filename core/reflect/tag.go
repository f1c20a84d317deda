package reflect

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

var (
	ErrTagTargetMustBePointer = errors.New("target must be a pointer")
	ErrTagTargetMustNotBeNil  = errors.New("target must not be nil")
	ErrTagUnsupportedType     = errors.New("unsupported type")
	ErrMapTargetMustBeStruct  = errors.New("target must be a struct")
)

// TagOption configuration options
type TagOption struct {
	tag string // tag name for default values
}

// WithTag sets the tag name
func WithTag(tag string) func(*TagOption) {
	return func(c *TagOption) {
		c.tag = tag
	}
}

// SetDefaultTag fills the zero fields of the struct target points to from
// their default tag. Nested structs, pointers to structs and struct slice
// elements are filled with the same tag name. Errors name the field path.
func SetDefaultTag(target any, opts ...func(*TagOption)) error {
	valueOf := reflect.ValueOf(target)
	if valueOf.Kind() != reflect.Ptr {
		return ErrTagTargetMustBePointer
	}
	if valueOf.IsNil() {
		return ErrTagTargetMustNotBeNil
	}
	if valueOf.Elem().Kind() != reflect.Struct {
		return ErrMapTargetMustBeStruct
	}

	option := &TagOption{
		tag: "default",
	}
	for _, opt := range opts {
		opt(option)
	}

	return setStructDefaults(valueOf.Elem(), option.tag)
}

func setStructDefaults(v reflect.Value, tagName string) error {
	t := v.Type()
	for i := range t.NumField() {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		fieldValue := v.Field(i)
		tagValue := field.Tag.Get(tagName)

		// 已赋值的结构体仍需补齐内部字段
		if field.Type.Kind() == reflect.Struct {
			if err := setStructDefaults(fieldValue, tagName); err != nil {
				return fmt.Errorf("%s.%w", field.Name, err)
			}
			continue
		}
		if !fieldValue.IsZero() || tagValue == "" {
			continue
		}
		if err := setFieldValue(fieldValue, tagValue, tagName); err != nil {
			return fmt.Errorf("%s: %w", field.Name, err)
		}
	}
	return nil
}

// parseSetValue parses string value and sets it to reflect value
func parseSetValue(value reflect.Value, str string) error {
	switch value.Kind() {
	case reflect.String:
		value.SetString(str)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		parsed, err := strconv.ParseInt(str, 10, value.Type().Bits())
		if err != nil {
			return err
		}
		value.SetInt(parsed)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		parsed, err := strconv.ParseUint(str, 10, value.Type().Bits())
		if err != nil {
			return err
		}
		value.SetUint(parsed)
	case reflect.Float32, reflect.Float64:
		parsed, err := strconv.ParseFloat(str, value.Type().Bits())
		if err != nil {
			return err
		}
		value.SetFloat(parsed)
	case reflect.Bool:
		parsed, err := strconv.ParseBool(str)
		if err != nil {
			return err
		}
		value.SetBool(parsed)
	default:
		return ErrTagUnsupportedType
	}
	return nil
}

func setFieldValue(value reflect.Value, tagValue, tagName string) error {
	switch {
	case isBasicType(value.Kind()):
		return parseSetValue(value, tagValue)
	case value.Kind() == reflect.Ptr:
		value.Set(reflect.New(value.Type().Elem()))
		if value.Elem().Kind() == reflect.Struct {
			return setStructDefaults(value.Elem(), tagName)
		}
		return setFieldValue(value.Elem(), tagValue, tagName)
	case value.Kind() == reflect.Slice:
		return setSliceValue(value, tagValue, tagName)
	default:
		return ErrTagUnsupportedType
	}
}

// setSliceValue splits tagValue on commas. Struct elements take their own
// defaults, the tag only decides how many there are.
func setSliceValue(value reflect.Value, tagValue, tagName string) error {
	if tagValue == "" {
		return nil
	}

	tagValues := strings.Split(tagValue, ",")
	slice := reflect.MakeSlice(value.Type(), len(tagValues), len(tagValues))
	for i, val := range tagValues {
		elem := slice.Index(i)
		switch {
		case isBasicType(elem.Kind()):
			if err := parseSetValue(elem, strings.TrimSpace(val)); err != nil {
				return fmt.Errorf("element %d: %w", i, err)
			}
		case elem.Kind() == reflect.Struct:
			if err := setStructDefaults(elem, tagName); err != nil {
				return fmt.Errorf("element %d: %w", i, err)
			}
		default:
			return ErrTagUnsupportedType
		}
	}

	value.Set(slice)
	return nil
}

// isBasicType checks if it's a basic type
func isBasicType(kind reflect.Kind) bool {
	switch kind {
	case reflect.String, reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	default:
		return false
	}
}
