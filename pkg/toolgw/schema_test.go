package toolgw

import (
	"strings"
	"testing"
)

func accountSchema() Schema {
	return Schema{Fields: []Field{
		{Name: "account_id", Type: FieldString, Required: true},
		{Name: "limit", Type: FieldInteger},
		{Name: "include_pending", Type: FieldBool},
		{Name: "filters", Type: FieldObject},
	}}
}

func TestSchemaValidate_MissingRequired(t *testing.T) {
	err := accountSchema().Validate(map[string]any{"limit": 5})
	if err == nil || !strings.Contains(err.Error(), "account_id") {
		t.Fatalf("err = %v, want missing account_id", err)
	}
}

func TestSchemaValidate_UndeclaredFieldRejected(t *testing.T) {
	err := accountSchema().Validate(map[string]any{
		"account_id": "acc_1",
		"verbose":    true,
	})
	if err == nil || !strings.Contains(err.Error(), "verbose") {
		t.Fatalf("err = %v, want undeclared verbose", err)
	}
}

func TestSchemaValidate_IntegerAcceptsIntegralFloat(t *testing.T) {
	s := accountSchema()
	// Decoded JSON numbers arrive as float64.
	if err := s.Validate(map[string]any{"account_id": "a", "limit": 10.0}); err != nil {
		t.Fatalf("integral float rejected: %v", err)
	}
	if err := s.Validate(map[string]any{"account_id": "a", "limit": 10.5}); err == nil {
		t.Fatal("fractional value accepted as integer")
	}
	if err := s.Validate(map[string]any{"account_id": "a", "limit": int64(10)}); err != nil {
		t.Fatalf("int64 rejected: %v", err)
	}
}

func TestSchemaValidate_TypeMismatch(t *testing.T) {
	cases := map[string]map[string]any{
		"string": {"account_id": 42},
		"bool":   {"account_id": "a", "include_pending": "yes"},
		"object": {"account_id": "a", "filters": []any{"x"}},
	}
	for name, values := range cases {
		if err := accountSchema().Validate(values); err == nil {
			t.Errorf("%s mismatch accepted", name)
		}
	}
}

func TestSchemaValidate_OptionalNilSkipsTypeCheck(t *testing.T) {
	err := accountSchema().Validate(map[string]any{"account_id": "a", "limit": nil})
	if err != nil {
		t.Fatalf("nil optional field rejected: %v", err)
	}
}

func TestSchemaValidate_EmptySchemaRejectsAnyField(t *testing.T) {
	var s Schema
	if err := s.Validate(nil); err != nil {
		t.Fatalf("empty params against empty schema: %v", err)
	}
	if err := s.Validate(map[string]any{"x": 1}); err == nil {
		t.Fatal("undeclared field accepted by empty schema")
	}
}
