package schema

import (
	"testing"
)

func loadTestIndex(t *testing.T) *Index {
	t.Helper()
	idx := NewIndex()
	err := idx.Load([]SpecSource{
		{ServiceID: "billing", SpecPath: "testdata/billing-svc.yaml"},
	})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return idx
}

func TestIndex_Load(t *testing.T) {
	idx := loadTestIndex(t)

	if !idx.HasComponent("billing", "Invoice") {
		t.Fatal("Invoice component not indexed")
	}
	if !idx.HasComponent("billing", "Address") {
		t.Fatal("Address component not indexed")
	}
	if idx.HasComponent("billing", "Nope") {
		t.Fatal("unknown component resolved")
	}

	names := idx.AllComponents("billing")
	if len(names) != 2 || names[0] != "Address" {
		t.Fatalf("AllComponents() = %v", names)
	}
}

func TestValidateFields_UpdateMode(t *testing.T) {
	idx := loadTestIndex(t)

	// Update mode: missing required fields are not re-required.
	errs := idx.ValidateFields("billing", "Invoice", map[string]any{
		"status": "paid",
	}, false)
	if len(errs) != 0 {
		t.Fatalf("valid partial update rejected: %v", errs)
	}
}

func TestValidateFields_AddModeRequires(t *testing.T) {
	idx := loadTestIndex(t)

	errs := idx.ValidateFields("billing", "Invoice", map[string]any{
		"amount": 10.0,
	}, true)
	if len(errs) != 1 || errs[0].Field != "currency" {
		t.Fatalf("expected missing currency error, got %v", errs)
	}
}

func TestValidateFields_TypeAndConstraintErrors(t *testing.T) {
	idx := loadTestIndex(t)

	cases := []struct {
		name   string
		fields map[string]any
		field  string
	}{
		{"string type", map[string]any{"currency": 42}, "currency"},
		{"string too short", map[string]any{"currency": "E"}, "currency"},
		{"number type", map[string]any{"amount": "lots"}, "amount"},
		{"number below min", map[string]any{"amount": -5.0}, "amount"},
		{"integer fraction", map[string]any{"priority": 2.5}, "priority"},
		{"integer above max", map[string]any{"priority": 9}, "priority"},
		{"boolean type", map[string]any{"archived": "yes"}, "archived"},
		{"enum violation", map[string]any{"status": "torn"}, "status"},
		{"null non-nullable", map[string]any{"status": nil}, "status"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			errs := idx.ValidateFields("billing", "Invoice", tc.fields, false)
			if len(errs) == 0 {
				t.Fatalf("%s: expected a validation error", tc.name)
			}
			if errs[0].Field != tc.field {
				t.Fatalf("%s: error on field %q, want %q", tc.name, errs[0].Field, tc.field)
			}
		})
	}
}

func TestValidateFields_CoercesPostedStrings(t *testing.T) {
	idx := loadTestIndex(t)

	// Form submissions arrive as strings regardless of the schema type.
	errs := idx.ValidateFields("billing", "Invoice", map[string]any{
		"amount":   "250.50",
		"priority": "3",
		"archived": "true",
	}, false)
	if len(errs) != 0 {
		t.Fatalf("posted numeric strings rejected: %v", errs)
	}

	cases := []struct {
		name   string
		fields map[string]any
		field  string
	}{
		{"non-numeric number string", map[string]any{"amount": "two fifty"}, "amount"},
		{"fractional integer string", map[string]any{"priority": "2.5"}, "priority"},
		{"out-of-range integer string", map[string]any{"priority": "9"}, "priority"},
		{"below-minimum number string", map[string]any{"amount": "-1"}, "amount"},
		{"non-boolean string", map[string]any{"archived": "maybe"}, "archived"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			errs := idx.ValidateFields("billing", "Invoice", tc.fields, false)
			if len(errs) == 0 {
				t.Fatalf("%s: expected a validation error", tc.name)
			}
			if errs[0].Field != tc.field {
				t.Fatalf("%s: error on field %q, want %q", tc.name, errs[0].Field, tc.field)
			}
		})
	}
}

func TestValidateFields_NullableAndUnknownPass(t *testing.T) {
	idx := loadTestIndex(t)

	errs := idx.ValidateFields("billing", "Invoice", map[string]any{
		"note":           nil,     // nullable
		"unknown_field":  "extra", // not in the schema, ignored
		"amount":         250.0,
		"archived":       true,
	}, false)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
}

func TestValidateFields_UnknownComponent(t *testing.T) {
	idx := loadTestIndex(t)

	errs := idx.ValidateFields("billing", "Absent", map[string]any{}, false)
	if len(errs) != 1 {
		t.Fatalf("expected a single schema-not-found error, got %v", errs)
	}
}
