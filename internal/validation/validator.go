package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("validation failed")

// Validator checks `validate` struct tags. Supported rules:
//
//	required    the field is not its zero value (a non-nil pointer)
//	min=N       numbers are >= N, strings and slices have length >= N
//	max=N       numbers are <= N, strings and slices have length <= N
//	oneof=a b   the field, formatted as text, is one of the listed values
//
// Pointers are dereferenced; a nil pointer skips every rule but required.
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// Validate validates a struct
func (v *Validator) Validate(s interface{}) error {
	val := reflect.ValueOf(s)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}

	if val.Kind() != reflect.Struct {
		return fmt.Errorf("validate expects a struct, got %s", val.Kind())
	}

	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		fieldType := typ.Field(i)
		tag := fieldType.Tag.Get("validate")

		if tag == "" || !fieldType.IsExported() {
			continue
		}

		if err := v.validateField(val.Field(i), tag); err != nil {
			return fmt.Errorf("%s: %w", fieldName(fieldType), err)
		}
	}

	return nil
}

// fieldName prefers the JSON name, which is what API clients see.
func fieldName(f reflect.StructField) string {
	if name, _, _ := strings.Cut(f.Tag.Get("json"), ","); name != "" && name != "-" {
		return name
	}
	return f.Name
}

// validateField validates a single field
func (v *Validator) validateField(field reflect.Value, tag string) error {
	for _, rule := range strings.Split(tag, ",") {
		name, arg, _ := strings.Cut(rule, "=")

		if name == "required" {
			if field.IsZero() {
				return fmt.Errorf("field is required: %w", ErrInvalid)
			}
			continue
		}

		f := field
		if f.Kind() == reflect.Ptr {
			if f.IsNil() {
				continue
			}
			f = f.Elem()
		}

		switch name {
		case "min", "max":
			limit, err := strconv.ParseFloat(arg, 64)
			if err != nil {
				return fmt.Errorf("bad %s rule %q: %w", name, arg, err)
			}
			n, ok := measure(f)
			if !ok {
				return fmt.Errorf("%s does not apply to %s", name, f.Kind())
			}
			if name == "min" && n < limit {
				return fmt.Errorf("must be at least %s: %w", arg, ErrInvalid)
			}
			if name == "max" && n > limit {
				return fmt.Errorf("must be at most %s: %w", arg, ErrInvalid)
			}

		case "oneof":
			text := fmt.Sprint(f.Interface())
			allowed := strings.Fields(arg)
			found := false
			for _, a := range allowed {
				if a == text {
					found = true
					break
				}
			}
			if !found {
				return fmt.Errorf("must be one of %s: %w", strings.Join(allowed, ", "), ErrInvalid)
			}

		default:
			return fmt.Errorf("unknown rule %q", name)
		}
	}

	return nil
}

// measure returns the value compared by min and max.
func measure(f reflect.Value) (float64, bool) {
	switch f.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(f.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(f.Uint()), true
	case reflect.Float32, reflect.Float64:
		return f.Float(), true
	case reflect.String, reflect.Slice, reflect.Map, reflect.Array:
		return float64(f.Len()), true
	}
	return 0, false
}
