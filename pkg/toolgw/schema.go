package toolgw

import (
	"fmt"
	"strings"
)

// FieldType is the declared type of a schema field.
type FieldType string

const (
	FieldString  FieldType = "string"
	FieldNumber  FieldType = "number"
	FieldInteger FieldType = "integer"
	FieldBool    FieldType = "bool"
	FieldObject  FieldType = "object"
	FieldArray   FieldType = "array"
)

// Field declares one parameter or result member.
type Field struct {
	Name     string    `json:"name"`
	Type     FieldType `json:"type"`
	Required bool      `json:"required"`
}

// Schema is the declared shape of a tool's parameters or result. Members not
// declared are rejected; decoded JSON numbers arrive as float64 and satisfy
// both number and integer (when integral).
type Schema struct {
	Fields []Field `json:"fields"`
}

// Validate type-checks values against the schema and returns the first
// violation found, in declaration order.
func (s Schema) Validate(values map[string]any) error {
	declared := make(map[string]Field, len(s.Fields))
	for _, f := range s.Fields {
		declared[f.Name] = f
		v, ok := values[f.Name]
		if !ok || v == nil {
			if f.Required {
				return fmt.Errorf("missing required field %q", f.Name)
			}
			continue
		}
		if err := checkType(f, v); err != nil {
			return err
		}
	}
	for name := range values {
		if _, ok := declared[name]; !ok {
			return fmt.Errorf("undeclared field %q", name)
		}
	}
	return nil
}

func checkType(f Field, v any) error {
	switch f.Type {
	case FieldString:
		if _, ok := v.(string); !ok {
			return typeErr(f, v)
		}
	case FieldNumber:
		if !isNumber(v) {
			return typeErr(f, v)
		}
	case FieldInteger:
		switch n := v.(type) {
		case int, int32, int64:
		case float64:
			if n != float64(int64(n)) {
				return typeErr(f, v)
			}
		default:
			return typeErr(f, v)
		}
	case FieldBool:
		if _, ok := v.(bool); !ok {
			return typeErr(f, v)
		}
	case FieldObject:
		if _, ok := v.(map[string]any); !ok {
			return typeErr(f, v)
		}
	case FieldArray:
		if _, ok := v.([]any); !ok {
			return typeErr(f, v)
		}
	default:
		return fmt.Errorf("field %q has unknown declared type %q", f.Name, f.Type)
	}
	return nil
}

func isNumber(v any) bool {
	switch v.(type) {
	case int, int32, int64, float32, float64:
		return true
	default:
		return false
	}
}

func typeErr(f Field, v any) error {
	return fmt.Errorf("field %q: expected %s, got %s", f.Name, f.Type, strings.TrimPrefix(fmt.Sprintf("%T", v), "*"))
}
