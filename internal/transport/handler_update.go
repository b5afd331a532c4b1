package transport

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/rekod/internal/navigation"
	"github.com/pitabwire/rekod/internal/observability"
	"github.com/pitabwire/rekod/internal/update"
	"github.com/pitabwire/rekod/model"
)

// updateResponse is the wire shape returned by both update endpoints.
type updateResponse struct {
	Outcome model.Outcome     `json:"outcome"`
	Effect  navigation.Effect `json:"effect"`
}

type decideFunc func(ctx context.Context, def *model.EntityDefinition, rec *model.Record, sig model.Signals) (model.Outcome, navigation.Effect)

func handleUpdate(deps Dependencies) http.HandlerFunc {
	return updateHandler(deps, func(f *update.Flow) decideFunc { return f.Decide })
}

// updateHandler loads the stored row, merges the submitted field overlay onto
// it, and hands the record to the decision flow. The flow owns authorization,
// token verification, validation, and persistence; the handler only shapes
// the request and the response.
func updateHandler(deps Dependencies, pick func(*update.Flow) decideFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		entityID := chi.URLParam(r, "entityId")
		def, ok := deps.Entities.Get(entityID)
		if !ok {
			WriteNotFound(w, "unknown entity "+entityID)
			return
		}

		if err := r.ParseForm(); err != nil {
			WriteError(w, model.NewBadRequestError("malformed form body"))
			return
		}
		sig := model.ParseSignals(r.PostForm)

		rec, err := deps.Store.Get(r.Context(), &def, sig.Selector)
		if err != nil {
			WriteError(w, err)
			return
		}
		if v := r.PostForm.Get(sig.FieldPrefix + model.WireVersion); v != "" {
			if n, perr := strconv.ParseInt(v, 10, 64); perr == nil {
				rec.Version = n
			}
		}
		mergeSubmission(rec, &def, sig.FieldPrefix, r.PostForm)

		start := time.Now()
		outcome, eff := pick(deps.Flow)(r.Context(), &def, rec, sig)
		observeOutcome(deps.Metrics, def.ID, outcome, time.Since(start))

		WriteJSON(w, http.StatusOK, updateResponse{Outcome: outcome, Effect: eff})
	}
}

// mergeSubmission applies submitted form values onto the stored record as a
// posted overlay. Only fields the entity declares editable are taken; dotted
// keys address inline sub-record fields (e.g. "shipping.street"). Keys are
// resolved after stripping the submission's optional field prefix, matching
// how the token keys are namespaced.
func mergeSubmission(rec *model.Record, def *model.EntityDefinition, prefix string, form map[string][]string) {
	posted := make(map[string]any)
	subs := make(map[string]map[string]any)

	for key, vals := range form {
		if len(vals) == 0 {
			continue
		}
		name := strings.TrimPrefix(key, prefix)
		if strings.HasPrefix(name, "atk") {
			// Control fields carry signals, not data.
			continue
		}
		if field, subField, isSub := strings.Cut(name, "."); isSub {
			fd, ok := def.Field(field)
			if !ok || fd.ReadOnly || fd.Entity == "" {
				continue
			}
			if subs[field] == nil {
				subs[field] = make(map[string]any)
			}
			subs[field][subField] = vals[0]
			continue
		}
		fd, ok := def.Field(name)
		if !ok || fd.ReadOnly || fd.Entity != "" {
			continue
		}
		posted[name] = vals[0]
	}

	for field, values := range subs {
		fd, _ := def.Field(field)
		subRec, _ := rec.Get(field).(*model.Record)
		if subRec == nil {
			subRec = model.NewRecord(fd.Entity, "", nil)
		}
		subRec.MergePosted(values)
		posted[field] = subRec
	}

	rec.MergePosted(posted)
}

func observeOutcome(m *observability.Metrics, entity string, outcome model.Outcome, d time.Duration) {
	if m == nil {
		return
	}
	m.RecordUpdateOutcome(entity, string(outcome), d)
	if outcome == model.OutcomeValidationFailed {
		m.RecordValidationFailure(entity)
	}
}
