// Package update implements the update-submission flow: the decision
// procedure that turns a loaded record plus the submission's request
// signals into exactly one outcome, with at most one store mutation and
// one navigation effect per invocation.
package update

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/pitabwire/rekod/internal/navigation"
	"github.com/pitabwire/rekod/internal/notify"
	"github.com/pitabwire/rekod/internal/store"
	"github.com/pitabwire/rekod/internal/validation"
	"github.com/pitabwire/rekod/model"
)

// CapabilityResolver answers which capabilities the acting subject holds.
type CapabilityResolver interface {
	Resolve(rctx *model.RequestContext) (model.CapabilitySet, error)
}

// TokenValidator verifies the submitted anti-forgery token.
type TokenValidator interface {
	Validate(rctx *model.RequestContext, fieldPrefix, token string) bool
}

// RecordValidator mutates the record's error slots in place.
type RecordValidator interface {
	Validate(ctx context.Context, rec *model.Record, mode string)
}

// RenderCache invalidates cached renderings of a stored row.
type RenderCache interface {
	Invalidate(ctx context.Context, entityID, selector string) error
}

// PreUpdateHook runs before validation and may attach errors to the record.
type PreUpdateHook func(ctx context.Context, rec *model.Record)

// SuccessHandler builds the effect for a persisted record.
type SuccessHandler func(rec *model.Record, sig model.Signals) navigation.Effect

// ErrorHandler builds the effect for a failed update. err is nil for plain
// validation failures and carries the store diagnostic otherwise.
type ErrorHandler func(rec *model.Record, sig model.Signals, err error) navigation.Effect

// Flow is the update decision procedure with its collaborators bound at
// construction. It holds no per-request state.
type Flow struct {
	resolver  CapabilityResolver
	csrf      TokenValidator
	validator RecordValidator
	store     store.RecordStore
	notifier  notify.Notifier
	nav       *navigation.Builder
	cache     RenderCache
	preUpdate PreUpdateHook
	onSuccess SuccessHandler
	onError   ErrorHandler
	logger    *zap.Logger
	tracer    trace.Tracer
}

// Option customizes a Flow.
type Option func(*Flow)

// WithPreUpdate installs a hook that runs before validation.
func WithPreUpdate(hook PreUpdateHook) Option {
	return func(f *Flow) { f.preUpdate = hook }
}

// WithOnSuccess replaces the default success effect.
func WithOnSuccess(h SuccessHandler) Option {
	return func(f *Flow) { f.onSuccess = h }
}

// WithOnError replaces the default failure effect.
func WithOnError(h ErrorHandler) Option {
	return func(f *Flow) { f.onError = h }
}

// WithRenderCache installs a render cache invalidated after each persist.
func WithRenderCache(cache RenderCache) Option {
	return func(f *Flow) { f.cache = cache }
}

// WithTracer installs a tracer for the decision span.
func WithTracer(tracer trace.Tracer) Option {
	return func(f *Flow) { f.tracer = tracer }
}

// NewFlow builds a Flow over its collaborators.
func NewFlow(
	resolver CapabilityResolver,
	csrf TokenValidator,
	validator RecordValidator,
	recordStore store.RecordStore,
	notifier notify.Notifier,
	nav *navigation.Builder,
	logger *zap.Logger,
	opts ...Option,
) *Flow {
	f := &Flow{
		resolver:  resolver,
		csrf:      csrf,
		validator: validator,
		store:     recordStore,
		notifier:  notifier,
		nav:       nav,
		logger:    logger,
		tracer:    otel.Tracer("rekod/update"),
	}
	f.onSuccess = f.defaultSuccess
	f.onError = f.defaultError
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Decide runs the full decision procedure for one submission. Exactly one
// outcome is produced; the checks short-circuit in order, so a rejected
// submission never reaches validation or the store.
func (f *Flow) Decide(ctx context.Context, def *model.EntityDefinition, rec *model.Record, sig model.Signals) (model.Outcome, navigation.Effect) {
	ctx, span := f.tracer.Start(ctx, "update.decide", trace.WithAttributes(
		attribute.String("entity", def.ID),
		attribute.String("selector", rec.Selector),
	))
	defer span.End()

	rctx := model.RequestContextFrom(ctx)

	if !f.authorized(rctx, def) {
		span.SetAttributes(attribute.String("outcome", string(model.OutcomeAccessDenied)))
		return model.OutcomeAccessDenied, f.nav.AccessDenied()
	}

	if !f.csrf.Validate(rctx, sig.FieldPrefix, sig.CSRFToken) {
		f.logger.Warn("csrf token rejected",
			zap.String("entity", def.ID),
			zap.String("subject_id", subjectID(rctx)),
		)
		span.SetAttributes(attribute.String("outcome", string(model.OutcomeCSRFRejected)))
		return model.OutcomeCSRFRejected, f.nav.AccessDenied()
	}

	var outcome model.Outcome
	var eff navigation.Effect

	switch {
	case sig.SaveRequested():
		outcome, eff = f.process(ctx, def, rec, sig)
	case sig.Cancel:
		f.notifier.Emit(ctx, notify.EventCancel, rec)
		outcome, eff = model.OutcomeCancelled, f.nav.Cancelled(rec)
	default:
		// No recognized button: a silent refresh back to the edit view,
		// not an error.
		outcome, eff = model.OutcomeNoActionTaken, f.nav.NoAction(rec, sig.Tab)
	}

	span.SetAttributes(attribute.String("outcome", string(outcome)))
	return outcome, eff
}

// DecideDialog runs the identical decision procedure for a submission that
// originated inside a dialog, substituting dialog effects for redirects.
func (f *Flow) DecideDialog(ctx context.Context, def *model.EntityDefinition, rec *model.Record, sig model.Signals) (model.Outcome, navigation.Effect) {
	onSuccess := func(rec *model.Record, sig model.Signals) navigation.Effect {
		eff := f.nav.DialogSaved(rec)
		if sig.Escape != "" {
			eff.Target = sig.Escape
		}
		return eff
	}
	onError := func(rec *model.Record, sig model.Signals, err error) navigation.Effect {
		eff := f.nav.DialogFailed(rec, sig.Tab)
		if err != nil && !store.IsUserError(err) {
			eff.Message = storeMessage(err)
		}
		return eff
	}

	sub := *f
	sub.onSuccess = onSuccess
	sub.onError = onError

	outcome, eff := sub.Decide(ctx, def, rec, sig)
	switch outcome {
	case model.OutcomeAccessDenied, model.OutcomeCSRFRejected:
		// Rejections render inside the dialog; the page underneath stays.
		return outcome, f.nav.AccessDeniedDialog()
	case model.OutcomeCancelled:
		return outcome, f.nav.DialogCancelled()
	case model.OutcomeNoActionTaken:
		return outcome, navigation.Effect{Type: navigation.EffectDialogClose}
	default:
		return outcome, eff
	}
}

// process runs steps that follow a save request: change snapshot, hook,
// validation, persistence, notification.
func (f *Flow) process(ctx context.Context, def *model.EntityDefinition, rec *model.Record, sig model.Signals) (model.Outcome, navigation.Effect) {
	// Suspend the submitted overlay so the change snapshot sees stored
	// values, then restore before anything else observes the record. The
	// ordering is load-bearing: snapshot before validate, restore right
	// after snapshot.
	overlay := rec.SuspendPosted()
	stored := rec.Snapshot()
	rec.RestorePosted(overlay)
	changed := changedFields(stored, rec)

	if f.preUpdate != nil {
		f.preUpdate(ctx, rec)
	}

	f.validator.Validate(ctx, rec, validation.ModeUpdate)

	if rec.HasError() {
		return model.OutcomeValidationFailed, f.onError(rec, sig, nil)
	}

	err := f.store.Update(ctx, def, rec)
	if err == nil {
		f.notifier.Emit(ctx, notify.EventUpdate, rec)
		f.invalidateCache(ctx, def, rec)
		f.logger.Info("record persisted",
			zap.String("entity", def.ID),
			zap.String("selector", rec.Selector),
			zap.Int64("version", rec.Version),
			zap.Strings("changed", changed),
		)
		return model.OutcomePersisted, f.onSuccess(rec, sig)
	}

	if store.IsUserError(err) {
		var ue *store.UserError
		errors.As(err, &ue)
		rec.AddError(ue.Code, ue.Message)
		return model.OutcomeValidationFailed, f.onError(rec, sig, err)
	}

	f.logger.Error("record update failed",
		zap.String("entity", def.ID),
		zap.String("selector", rec.Selector),
		zap.Error(err),
	)
	return model.OutcomeFatalStoreError, f.onError(rec, sig, err)
}

func (f *Flow) authorized(rctx *model.RequestContext, def *model.EntityDefinition) bool {
	if rctx == nil {
		return false
	}
	caps, err := f.resolver.Resolve(rctx)
	if err != nil {
		f.logger.Error("capability resolution failed",
			zap.String("subject_id", rctx.SubjectID),
			zap.Error(err),
		)
		return false
	}
	return caps.Has(def.UpdateCapability)
}

func (f *Flow) invalidateCache(ctx context.Context, def *model.EntityDefinition, rec *model.Record) {
	if f.cache == nil {
		return
	}
	if err := f.cache.Invalidate(ctx, def.ID, rec.Selector); err != nil {
		f.logger.Warn("render cache invalidation failed",
			zap.String("entity", def.ID),
			zap.String("selector", rec.Selector),
			zap.Error(err),
		)
	}
}

func (f *Flow) defaultSuccess(rec *model.Record, sig model.Signals) navigation.Effect {
	if sig.WantsClose() {
		return f.nav.Saved(rec)
	}
	return f.nav.SavedStay(rec, sig.Tab)
}

func (f *Flow) defaultError(rec *model.Record, sig model.Signals, err error) navigation.Effect {
	if err != nil && !store.IsUserError(err) {
		return f.nav.StoreFailed(rec, storeMessage(err))
	}
	return f.nav.ValidationFailed(rec, sig.Tab)
}

// storeMessage extracts a non-empty diagnostic from a fatal store error.
func storeMessage(err error) string {
	var env *model.ErrorEnvelope
	if errors.As(err, &env) && env.Message != "" {
		return env.Message
	}
	if msg := err.Error(); msg != "" {
		return msg
	}
	return store.ErrUnknownFailure.Error()
}

// changedFields lists the posted fields whose value differs from the
// stored row, for the audit log.
func changedFields(stored map[string]any, rec *model.Record) []string {
	var changed []string
	for _, field := range rec.Order {
		posted, isPosted := rec.PostedFields()[field]
		if !isPosted {
			continue
		}
		if _, isSub := posted.(*model.Record); isSub {
			changed = append(changed, field)
			continue
		}
		if old, exists := stored[field]; !exists || old != posted {
			changed = append(changed, field)
		}
	}
	return changed
}

func subjectID(rctx *model.RequestContext) string {
	if rctx == nil {
		return ""
	}
	return rctx.SubjectID
}
