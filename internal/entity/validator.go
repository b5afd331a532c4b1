package entity

import (
	"fmt"

	"github.com/pitabwire/rekod/model"
)

// SchemaResolver answers whether a bound schema component exists in the
// loaded OpenAPI specs.
type SchemaResolver interface {
	HasComponent(serviceID, component string) bool
}

// ValidationError describes a problem with a loaded entity definition.
type ValidationError struct {
	EntityID   string
	SourceFile string
	Message    string
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("entity %q (%s): %s", e.EntityID, e.SourceFile, e.Message)
}

// Validator checks loaded entity definitions for internal consistency and
// resolvable schema bindings.
type Validator struct{}

// NewValidator creates a new entity Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks all definitions. It returns one error per problem found;
// an empty slice means the set is loadable.
func (v *Validator) Validate(defs []model.EntityDefinition, schemas SchemaResolver) []ValidationError {
	var errs []ValidationError

	byID := make(map[string]bool, len(defs))
	for _, def := range defs {
		if byID[def.ID] {
			errs = append(errs, verr(def, "duplicate entity ID"))
		}
		byID[def.ID] = true
	}

	for _, def := range defs {
		if def.ID == "" {
			errs = append(errs, verr(def, "id is required"))
		}
		if def.Table == "" {
			errs = append(errs, verr(def, "table is required"))
		}
		if def.KeyField == "" {
			errs = append(errs, verr(def, "key_field is required"))
		}
		if def.UpdateCapability == "" {
			errs = append(errs, verr(def, "update_capability is required"))
		}
		if len(def.Fields) == 0 {
			errs = append(errs, verr(def, "at least one field is required"))
		}

		seen := make(map[string]bool, len(def.Fields))
		for _, f := range def.Fields {
			if f.Name == "" {
				errs = append(errs, verr(def, "field with empty name"))
				continue
			}
			if seen[f.Name] {
				errs = append(errs, verr(def, fmt.Sprintf("duplicate field %q", f.Name)))
			}
			seen[f.Name] = true

			if f.Entity != "" && !byID[f.Entity] {
				errs = append(errs, verr(def, fmt.Sprintf("field %q references unknown entity %q", f.Name, f.Entity)))
			}
		}

		if def.Schema.Component != "" && schemas != nil {
			if !schemas.HasComponent(def.Schema.ServiceID, def.Schema.Component) {
				errs = append(errs, verr(def, fmt.Sprintf("schema component %s/%s not found",
					def.Schema.ServiceID, def.Schema.Component)))
			}
		}
	}

	return errs
}

func verr(def model.EntityDefinition, msg string) ValidationError {
	return ValidationError{EntityID: def.ID, SourceFile: def.SourceFile, Message: msg}
}
