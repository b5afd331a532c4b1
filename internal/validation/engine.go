// Package validation checks a submitted record against its entity definition
// and bound OpenAPI schema, attaching error annotations in place.
package validation

import (
	"context"
	"strings"

	"github.com/pitabwire/rekod/internal/entity"
	"github.com/pitabwire/rekod/internal/schema"
	"github.com/pitabwire/rekod/model"
)

// Validation modes. Update mode checks only the submitted fields; add mode
// additionally requires every required field to be present.
const (
	ModeUpdate = "update"
	ModeAdd    = "add"
)

// Field error codes attached by the engine.
const (
	CodeRequired     = "REQUIRED"
	CodeInvalidValue = "INVALID_VALUE"
	CodeUnknown      = "UNKNOWN_ENTITY"
)

// Engine validates records in place. It holds no per-request state and is
// safe for concurrent use.
type Engine struct {
	entities *entity.Registry
	schemas  *schema.Index
}

// NewEngine creates a validation Engine over the given registry and schema
// index. The schema index may be nil, in which case only entity field rules
// apply.
func NewEngine(entities *entity.Registry, schemas *schema.Index) *Engine {
	return &Engine{entities: entities, schemas: schemas}
}

// Validate checks the record's submitted fields and attaches error
// annotations to the record's error slots. Sub-records present in the
// submission are validated the same way, each into its own error slot.
func (e *Engine) Validate(ctx context.Context, rec *model.Record, mode string) {
	def, ok := e.entities.Get(rec.Entity)
	if !ok {
		rec.AddError(CodeUnknown, "unknown entity "+rec.Entity)
		return
	}

	scope := rec.PostedFields()
	if mode == ModeAdd {
		scope = rec.Fields
	}

	plain := make(map[string]any, len(scope))
	for name, value := range scope {
		if sub, isSub := value.(*model.Record); isSub {
			if sub != nil {
				e.Validate(ctx, sub, mode)
			}
			continue
		}
		plain[name] = value
	}

	e.applyFieldRules(rec, def, plain, mode)

	if def.Schema.Component != "" && e.schemas != nil {
		for _, ve := range e.schemas.ValidateFields(def.Schema.ServiceID, def.Schema.Component, plain, mode == ModeAdd) {
			rec.AddFieldError(ve.Field, codeForMessage(ve.Message), ve.Message)
		}
	}
}

// applyFieldRules enforces the entity definition's per-field rules.
func (e *Engine) applyFieldRules(rec *model.Record, def model.EntityDefinition, plain map[string]any, mode string) {
	for _, f := range def.Fields {
		value, present := plain[f.Name]

		if !present {
			if mode == ModeAdd && f.Required && f.Entity == "" {
				rec.AddFieldError(f.Name, CodeRequired, f.Name+" is required")
			}
			continue
		}

		// Submitted read-only fields are dropped at persistence time, not
		// rejected here.
		if f.ReadOnly {
			continue
		}

		if f.Required && isEmpty(value) {
			rec.AddFieldError(f.Name, CodeRequired, f.Name+" must not be empty")
		}
	}
}

func isEmpty(value any) bool {
	if value == nil {
		return true
	}
	s, ok := value.(string)
	return ok && strings.TrimSpace(s) == ""
}

func codeForMessage(msg string) string {
	if strings.Contains(strings.ToLower(msg), "required") {
		return CodeRequired
	}
	return CodeInvalidValue
}
