// Package schema decodes request payloads into typed per-operation structs
// and checks the constraints carried in their `validate` tags before the
// request is dispatched. Tags use go-playground/validator rules; the ones
// requests rely on are required, max, min and oneof. Failures are reported
// with the json field name.
//
// A request type may additionally implement [Validator] for predicates
// that span fields.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/zsiec/sofa/internal/failure"
)

// Validator is implemented by request types with custom predicates.
type Validator interface {
	Validate() error
}

var validate = newValidate()

func newValidate() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		switch name {
		case "-":
			return ""
		case "":
			return f.Name
		}
		return name
	})
	// An explicit null is as good as absent.
	v.RegisterCustomTypeFunc(func(fv reflect.Value) any {
		raw, _ := fv.Interface().(json.RawMessage)
		if len(raw) == 0 || string(raw) == "null" {
			return nil
		}
		return string(raw)
	}, json.RawMessage{})
	return v
}

// Decode unmarshals data into dst (a pointer to a struct) and validates it.
// An empty payload decodes as an empty object so that required-field
// errors are reported instead of syntax errors.
func Decode(data []byte, dst any) error {
	if len(data) == 0 || string(data) == "null" {
		data = []byte("{}")
	}
	if err := json.Unmarshal(data, dst); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return failure.Validation("%s was type %s, when it was supposed to be type %s",
				typeErr.Field, typeErr.Value, jsonType(typeErr.Type))
		}
		return failure.Validation("malformed request payload")
	}
	return Validate(dst)
}

// Validate checks the tags of v (a struct or pointer to struct) and then
// its Validator predicate, if any. Broken tags are programmer errors and
// are returned as plain errors.
func Validate(v any) (err error) {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer && rv.IsNil() {
		return failure.Validation("request payload was not provided")
	}

	defer func() {
		// validator panics on tags it cannot parse
		if r := recover(); r != nil {
			err = fmt.Errorf("schema: %T: %v", v, r)
		}
	}()
	if verr := validate.Struct(v); verr != nil {
		var fields validator.ValidationErrors
		if errors.As(verr, &fields) && len(fields) > 0 {
			return failure.Validation("%s", message(fields[0]))
		}
		return fmt.Errorf("schema: %w", verr)
	}

	if val, ok := v.(Validator); ok {
		return val.Validate()
	}
	return nil
}

func message(fe validator.FieldError) string {
	name := fe.Field()
	text := fe.Kind() == reflect.String
	switch fe.Tag() {
	case "required":
		return name + " is required, but was not provided"
	case "max":
		if text {
			return fmt.Sprintf("%s is longer than max length of %s", name, fe.Param())
		}
		return fmt.Sprintf("%s must be at most %s", name, fe.Param())
	case "min":
		if text {
			return fmt.Sprintf("%s is shorter than min length of %s", name, fe.Param())
		}
		return fmt.Sprintf("%s must be at least %s", name, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be %s", name, strings.Join(strings.Fields(fe.Param()), " or "))
	}
	return fmt.Sprintf("%s failed %s check", name, fe.Tag())
}

func jsonType(t reflect.Type) string {
	if t == nil {
		return "unknown"
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.String:
		return "string"
	case reflect.Bool:
		return "boolean"
	case reflect.Float32, reflect.Float64, reflect.Int, reflect.Int8, reflect.Int16,
		reflect.Int32, reflect.Int64, reflect.Uint, reflect.Uint8, reflect.Uint16,
		reflect.Uint32, reflect.Uint64:
		return "number"
	case reflect.Slice, reflect.Array:
		return "array"
	}
	return "object"
}
