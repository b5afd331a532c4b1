// Package schema loads and indexes OpenAPI specifications, providing
// component schema lookup and submitted-field validation.
package schema

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/getkin/kin-openapi/openapi3"
)

// SpecSource describes an OpenAPI spec file to load.
type SpecSource struct {
	ServiceID string
	SpecPath  string
}

// ValidationError describes a schema validation error.
type ValidationError struct {
	Field   string
	Message string
}

// Index is an in-memory index of OpenAPI component schemas keyed by
// (serviceID, component).
type Index struct {
	components map[string]*openapi3.Schema // key: "serviceID:component"
	byService  map[string][]string         // serviceID → []component
}

// NewIndex creates an empty schema index.
func NewIndex() *Index {
	return &Index{
		components: make(map[string]*openapi3.Schema),
		byService:  make(map[string][]string),
	}
}

func componentKey(serviceID, component string) string {
	return serviceID + ":" + component
}

// Load parses OpenAPI specs from the given sources and indexes all component
// schemas.
func (idx *Index) Load(specs []SpecSource) error {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false

	for _, src := range specs {
		doc, err := loader.LoadFromFile(src.SpecPath)
		if err != nil {
			return fmt.Errorf("schema: loading %s (%s): %w", src.ServiceID, src.SpecPath, err)
		}

		if err := doc.Validate(context.Background()); err != nil {
			return fmt.Errorf("schema: validating %s: %w", src.ServiceID, err)
		}

		if doc.Components == nil {
			continue
		}
		for name, ref := range doc.Components.Schemas {
			if ref == nil || ref.Value == nil {
				continue
			}
			idx.components[componentKey(src.ServiceID, name)] = ref.Value
			idx.byService[src.ServiceID] = append(idx.byService[src.ServiceID], name)
		}
	}

	for svc := range idx.byService {
		sort.Strings(idx.byService[svc])
	}
	return nil
}

// HasComponent reports whether the named component schema was indexed.
func (idx *Index) HasComponent(serviceID, component string) bool {
	_, ok := idx.components[componentKey(serviceID, component)]
	return ok
}

// AllComponents returns the component names indexed for a service, sorted.
func (idx *Index) AllComponents(serviceID string) []string {
	names := make([]string, len(idx.byService[serviceID]))
	copy(names, idx.byService[serviceID])
	return names
}

// ValidateFields validates field values against the named component schema.
// When requireMissing is false only the fields actually present are checked,
// which is the update-mode behavior: stored fields not re-posted are not
// re-required. Returns an empty slice if valid.
func (idx *Index) ValidateFields(serviceID, component string, fields map[string]any, requireMissing bool) []ValidationError {
	sch, ok := idx.components[componentKey(serviceID, component)]
	if !ok {
		return []ValidationError{{Message: fmt.Sprintf("schema %s/%s not found", serviceID, component)}}
	}

	var errs []ValidationError

	if requireMissing {
		for _, req := range sch.Required {
			if _, exists := fields[req]; !exists {
				errs = append(errs, ValidationError{
					Field:   req,
					Message: fmt.Sprintf("%s is required", req),
				})
			}
		}
	}

	for name, value := range fields {
		propRef, ok := sch.Properties[name]
		if !ok || propRef == nil || propRef.Value == nil {
			continue
		}
		errs = append(errs, checkValue(name, value, propRef.Value)...)
	}

	return errs
}

// checkValue validates a single field value against its property schema.
func checkValue(field string, value any, sch *openapi3.Schema) []ValidationError {
	if value == nil {
		if !sch.Nullable {
			return []ValidationError{{Field: field, Message: fmt.Sprintf("%s must not be null", field)}}
		}
		return nil
	}

	var errs []ValidationError

	fail := func(format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	switch {
	case sch.Type.Is(openapi3.TypeString):
		s, ok := value.(string)
		if !ok {
			fail("%s must be a string", field)
			break
		}
		if sch.MinLength > 0 && uint64(len(s)) < sch.MinLength {
			fail("%s must be at least %d characters", field, sch.MinLength)
		}
		if sch.MaxLength != nil && uint64(len(s)) > *sch.MaxLength {
			fail("%s must be at most %d characters", field, *sch.MaxLength)
		}
	case sch.Type.Is(openapi3.TypeInteger):
		n, ok := asNumber(value)
		if !ok || n != float64(int64(n)) {
			fail("%s must be an integer", field)
			break
		}
		errs = append(errs, checkRange(field, n, sch)...)
	case sch.Type.Is(openapi3.TypeNumber):
		n, ok := asNumber(value)
		if !ok {
			fail("%s must be a number", field)
			break
		}
		errs = append(errs, checkRange(field, n, sch)...)
	case sch.Type.Is(openapi3.TypeBoolean):
		if !asBool(value) {
			fail("%s must be a boolean", field)
		}
	}

	if len(sch.Enum) > 0 {
		matched := false
		for _, allowed := range sch.Enum {
			if fmt.Sprint(allowed) == fmt.Sprint(value) {
				matched = true
				break
			}
		}
		if !matched {
			fail("%s has an unsupported value", field)
		}
	}

	return errs
}

func checkRange(field string, n float64, sch *openapi3.Schema) []ValidationError {
	var errs []ValidationError
	if sch.Min != nil && n < *sch.Min {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf("%s must be at least %v", field, *sch.Min)})
	}
	if sch.Max != nil && n > *sch.Max {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf("%s must be at most %v", field, *sch.Max)})
	}
	return errs
}

// asNumber coerces a field value to float64. Form posts submit every value
// as a string, so numeric strings are parsed rather than rejected.
func asNumber(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

func asBool(value any) bool {
	switch v := value.(type) {
	case bool:
		return true
	case string:
		_, err := strconv.ParseBool(v)
		return err == nil
	default:
		return false
	}
}
