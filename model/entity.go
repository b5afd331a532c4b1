package model

// EntityDefinition describes one editable entity: where its rows live, how a
// row is identified, which capability an update requires, and how submitted
// values are validated. Definitions are loaded from YAML at startup.
type EntityDefinition struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`

	// Table is the durable-store table holding this entity's rows.
	Table string `yaml:"table"`

	// KeyField is the column and record field carrying the row selector.
	KeyField string `yaml:"key_field"`

	// VersionField is the optimistic-lock column. Empty disables locking.
	VersionField string `yaml:"version_field"`

	// UpdateCapability is required to update rows of this entity.
	UpdateCapability string `yaml:"update_capability"`

	// Schema binds the entity to an OpenAPI component schema used to
	// validate submitted values.
	Schema SchemaBinding `yaml:"schema"`

	// Fields lists the editable fields in display order.
	Fields []FieldDefinition `yaml:"fields"`

	// Checksum and SourceFile are set by the loader.
	Checksum   string `yaml:"-"`
	SourceFile string `yaml:"-"`
}

// SchemaBinding names an OpenAPI component schema in a loaded spec.
type SchemaBinding struct {
	ServiceID string `yaml:"service_id"`
	Component string `yaml:"component"`
}

// FieldDefinition describes one editable field of an entity.
type FieldDefinition struct {
	Name     string `yaml:"name"`
	Label    string `yaml:"label"`
	Required bool   `yaml:"required"`

	// ReadOnly fields are displayed but never persisted from a submission.
	ReadOnly bool `yaml:"read_only"`

	// Entity, when set, marks this field as an inline sub-record of the
	// named entity.
	Entity string `yaml:"entity"`
}

// Field returns the definition of the named field, or false if unknown.
func (e *EntityDefinition) Field(name string) (FieldDefinition, bool) {
	for _, f := range e.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldDefinition{}, false
}

// EditableFields returns the names of all fields that may be persisted from
// a submission.
func (e *EntityDefinition) EditableFields() []string {
	out := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		if !f.ReadOnly {
			out = append(out, f.Name)
		}
	}
	return out
}
