package validation

import (
	"context"
	"testing"

	"github.com/pitabwire/rekod/internal/entity"
	"github.com/pitabwire/rekod/internal/schema"
	"github.com/pitabwire/rekod/model"
)

func testRegistry() *entity.Registry {
	return entity.NewRegistry([]model.EntityDefinition{
		{
			ID: "invoices", Table: "invoices", KeyField: "id",
			UpdateCapability: "invoices:update:execute",
			Schema:           model.SchemaBinding{ServiceID: "billing", Component: "Invoice"},
			Fields: []model.FieldDefinition{
				{Name: "amount", Required: true},
				{Name: "currency", Required: true},
				{Name: "status"},
				{Name: "created_at", ReadOnly: true},
				{Name: "billing_address", Entity: "addresses"},
			},
		},
		{
			ID: "addresses", Table: "addresses", KeyField: "id",
			UpdateCapability: "invoices:update:execute",
			Fields: []model.FieldDefinition{
				{Name: "city", Required: true},
				{Name: "street"},
			},
		},
	})
}

func testSchemas(t *testing.T) *schema.Index {
	t.Helper()
	idx := schema.NewIndex()
	if err := idx.Load([]schema.SpecSource{
		{ServiceID: "billing", SpecPath: "../schema/testdata/billing-svc.yaml"},
	}); err != nil {
		t.Fatalf("load schemas: %v", err)
	}
	return idx
}

func TestValidate_UpdateMode_Valid(t *testing.T) {
	eng := NewEngine(testRegistry(), testSchemas(t))

	rec := model.NewRecord("invoices", "42", map[string]any{
		"amount": 100.0, "currency": "EUR", "status": "open",
	})
	rec.MergePosted(map[string]any{"amount": 250.0, "status": "paid"})

	eng.Validate(context.Background(), rec, ModeUpdate)

	if rec.HasError() {
		t.Fatalf("valid update flagged: %v", rec.AllErrors())
	}
}

func TestValidate_UpdateMode_SchemaViolation(t *testing.T) {
	eng := NewEngine(testRegistry(), testSchemas(t))

	rec := model.NewRecord("invoices", "42", map[string]any{"status": "open"})
	rec.MergePosted(map[string]any{"status": "torn"})

	eng.Validate(context.Background(), rec, ModeUpdate)

	if !rec.HasError() {
		t.Fatal("enum violation not attached")
	}
	errs := rec.AllErrors()
	if errs[0].Field != "status" || errs[0].Code != CodeInvalidValue {
		t.Fatalf("unexpected error: %+v", errs[0])
	}
}

func TestValidate_UpdateMode_RequiredEmptied(t *testing.T) {
	eng := NewEngine(testRegistry(), testSchemas(t))

	rec := model.NewRecord("invoices", "42", map[string]any{"currency": "EUR"})
	rec.MergePosted(map[string]any{"currency": "  "})

	eng.Validate(context.Background(), rec, ModeUpdate)

	errs := rec.AllErrors()
	if len(errs) == 0 || errs[0].Code != CodeRequired {
		t.Fatalf("emptying a required field must be rejected, got %v", errs)
	}
}

func TestValidate_UpdateMode_MissingRequiredNotReRequired(t *testing.T) {
	eng := NewEngine(testRegistry(), testSchemas(t))

	// amount and currency are stored but not re-posted; update mode must
	// not demand them.
	rec := model.NewRecord("invoices", "42", map[string]any{
		"amount": 100.0, "currency": "EUR",
	})
	rec.MergePosted(map[string]any{"status": "paid"})

	eng.Validate(context.Background(), rec, ModeUpdate)

	if rec.HasError() {
		t.Fatalf("update mode re-required stored fields: %v", rec.AllErrors())
	}
}

func TestValidate_AddMode_MissingRequired(t *testing.T) {
	eng := NewEngine(testRegistry(), testSchemas(t))

	rec := model.NewRecord("invoices", "", nil)
	rec.MergePosted(map[string]any{"status": "open"})

	eng.Validate(context.Background(), rec, ModeAdd)

	fields := map[string]bool{}
	for _, fe := range rec.AllErrors() {
		fields[fe.Field] = true
	}
	if !fields["amount"] || !fields["currency"] {
		t.Fatalf("add mode must require amount and currency, got %v", rec.AllErrors())
	}
}

func TestValidate_SubRecordErrorsLandInSubSlot(t *testing.T) {
	eng := NewEngine(testRegistry(), testSchemas(t))

	sub := model.NewRecord("addresses", "", map[string]any{"city": "Kampala"})
	sub.MergePosted(map[string]any{"city": ""})

	rec := model.NewRecord("invoices", "42", nil)
	rec.MergePosted(map[string]any{"billing_address": sub})

	eng.Validate(context.Background(), rec, ModeUpdate)

	if len(rec.Errors) != 0 {
		t.Fatalf("parent slot must stay clean, got %v", rec.Errors)
	}
	if len(sub.Errors) == 0 {
		t.Fatal("sub-record error missing")
	}
	if !rec.HasError() {
		t.Fatal("sub-record error must surface through HasError")
	}
}

func TestValidate_UnknownEntity(t *testing.T) {
	eng := NewEngine(testRegistry(), nil)

	rec := model.NewRecord("ghosts", "1", nil)
	eng.Validate(context.Background(), rec, ModeUpdate)

	if !rec.HasError() {
		t.Fatal("unknown entity must attach an error")
	}
}
