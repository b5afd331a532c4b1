// Package store persists entity records. Three implementations exist:
// a PostgreSQL store for table-backed entities, a Redis store for rows
// that live only inside a user session, and an in-memory store for tests
// and single-instance deployments. The active implementation is chosen
// once at startup from configuration.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/pitabwire/rekod/model"
)

// ErrUnknownFailure is returned when a backend rejects an update without
// producing any diagnostic of its own. Callers treat it as fatal; it exists
// so a failed update always carries a non-empty reason.
var ErrUnknownFailure = errors.New("store: update failed without diagnostic")

// UserError is a store rejection caused by the submitted data itself, such
// as a constraint violation or a concurrent-edit conflict. The update flow
// surfaces these on the record as validation errors instead of failing the
// whole request.
type UserError struct {
	Code    string
	Message string
}

func (e *UserError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewUserError creates a user-class store error.
func NewUserError(code, message string) *UserError {
	return &UserError{Code: code, Message: message}
}

// IsUserError reports whether err is a user-class store rejection.
func IsUserError(err error) bool {
	var ue *UserError
	return errors.As(err, &ue)
}

// RecordStore loads and updates persisted entity records.
type RecordStore interface {
	// Get loads the stored row identified by selector. Returns NOT_FOUND
	// if no such row exists.
	Get(ctx context.Context, def *model.EntityDefinition, selector string) (*model.Record, error)

	// Update persists the record's current field values with optimistic
	// locking against rec.Version. On success the record's Version is
	// advanced to the stored value. A *UserError return means the data was
	// rejected and the caller should re-present the form; any other error
	// is fatal and nothing was written.
	Update(ctx context.Context, def *model.EntityDefinition, rec *model.Record) error

	// Ping verifies the backend is reachable. Used by readiness checks.
	Ping(ctx context.Context) error
}

// scalarFields filters out sub-record values, which persist through their
// own entity definitions rather than as columns of the parent.
func scalarFields(rec *model.Record) map[string]any {
	out := make(map[string]any, len(rec.Fields))
	for k, v := range rec.Fields {
		if _, isSub := v.(*model.Record); isSub {
			continue
		}
		out[k] = v
	}
	return out
}
