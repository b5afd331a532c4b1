package entity

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pitabwire/rekod/model"
)

const invoiceYAML = `
id: invoices
name: Invoices
table: invoices
key_field: id
version_field: row_version
update_capability: invoices:update:execute
schema:
  service_id: billing
  component: Invoice
fields:
  - name: amount
    required: true
  - name: status
  - name: created_at
    read_only: true
  - name: billing_address
    entity: addresses
`

const addressYAML = `
id: addresses
name: Addresses
table: addresses
key_field: id
update_capability: invoices:update:execute
fields:
  - name: city
    required: true
  - name: street
`

func writeDefs(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return dir
}

type fakeSchemas map[string]bool

func (f fakeSchemas) HasComponent(serviceID, component string) bool {
	return f[serviceID+":"+component]
}

func TestLoadAll(t *testing.T) {
	dir := writeDefs(t, map[string]string{
		"invoices.yaml":  invoiceYAML,
		"addresses.yaml": addressYAML,
		"ignored.txt":    "not yaml",
	})

	defs, err := NewLoader().LoadAll([]string{dir})
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(defs) != 2 {
		t.Fatalf("expected 2 definitions, got %d", len(defs))
	}
	for _, def := range defs {
		if def.Checksum == "" || def.SourceFile == "" {
			t.Fatalf("checksum/source not recorded: %+v", def)
		}
	}
}

func TestValidate_OK(t *testing.T) {
	dir := writeDefs(t, map[string]string{
		"invoices.yaml":  invoiceYAML,
		"addresses.yaml": addressYAML,
	})
	defs, err := NewLoader().LoadAll([]string{dir})
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}

	errs := NewValidator().Validate(defs, fakeSchemas{"billing:Invoice": true})
	if len(errs) != 0 {
		t.Fatalf("unexpected validation errors: %v", errs)
	}
}

func TestValidate_Problems(t *testing.T) {
	defs := []model.EntityDefinition{
		{
			ID: "broken",
			// table, key_field, capability, fields all missing
		},
		{
			ID: "parent", Table: "t", KeyField: "id", UpdateCapability: "c",
			Fields: []model.FieldDefinition{
				{Name: "child", Entity: "nonexistent"},
			},
			Schema: model.SchemaBinding{ServiceID: "svc", Component: "Missing"},
		},
	}

	errs := NewValidator().Validate(defs, fakeSchemas{})

	wantSubstrings := []string{
		"table is required",
		"key_field is required",
		"update_capability is required",
		"at least one field",
		"unknown entity",
		"schema component",
	}
	for _, want := range wantSubstrings {
		found := false
		for _, e := range errs {
			if strings.Contains(e.Message, want) {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("missing expected validation error %q in %v", want, errs)
		}
	}
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry([]model.EntityDefinition{
		{ID: "invoices"}, {ID: "addresses"},
	})

	if reg.Len() != 2 {
		t.Fatalf("Len: %d", reg.Len())
	}
	if _, ok := reg.Get("invoices"); !ok {
		t.Fatal("invoices not found")
	}
	if _, ok := reg.Get("absent"); ok {
		t.Fatal("absent entity resolved")
	}
	ids := reg.AllIDs()
	if len(ids) != 2 || ids[0] != "addresses" {
		t.Fatalf("AllIDs: %v", ids)
	}
}
