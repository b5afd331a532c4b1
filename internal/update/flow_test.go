package update

import (
	"context"
	"errors"
	"net/url"
	"testing"

	"go.uber.org/zap"

	"github.com/pitabwire/rekod/internal/navigation"
	"github.com/pitabwire/rekod/internal/store"
	"github.com/pitabwire/rekod/model"
)

// --- collaborator stubs ---

type stubResolver struct {
	caps model.CapabilitySet
	err  error
}

func (s *stubResolver) Resolve(_ *model.RequestContext) (model.CapabilitySet, error) {
	return s.caps, s.err
}

type stubCSRF struct{ ok bool }

func (s *stubCSRF) Validate(_ *model.RequestContext, _, _ string) bool { return s.ok }

type stubValidator struct {
	calls int
	fn    func(rec *model.Record)
}

func (s *stubValidator) Validate(_ context.Context, rec *model.Record, _ string) {
	s.calls++
	if s.fn != nil {
		s.fn(rec)
	}
}

type mockStore struct {
	updates int
	err     error
}

func (m *mockStore) Get(_ context.Context, _ *model.EntityDefinition, _ string) (*model.Record, error) {
	return nil, model.NewNotFoundError("not backed")
}

func (m *mockStore) Update(_ context.Context, _ *model.EntityDefinition, rec *model.Record) error {
	m.updates++
	if m.err == nil {
		rec.Version++
	}
	return m.err
}

func (m *mockStore) Ping(_ context.Context) error { return nil }

type countingNotifier struct {
	events []string
}

func (c *countingNotifier) Emit(_ context.Context, event string, _ *model.Record) {
	c.events = append(c.events, event)
}

type recordingCache struct {
	invalidated []string
}

func (c *recordingCache) Invalidate(_ context.Context, entityID, selector string) error {
	c.invalidated = append(c.invalidated, entityID+"/"+selector)
	return nil
}

// --- fixture ---

type fixture struct {
	flow      *Flow
	resolver  *stubResolver
	csrf      *stubCSRF
	validator *stubValidator
	store     *mockStore
	notifier  *countingNotifier
	cache     *recordingCache
}

func newFixture(opts ...Option) *fixture {
	fx := &fixture{
		resolver:  &stubResolver{caps: model.CapabilitySet{"invoices:*": true}},
		csrf:      &stubCSRF{ok: true},
		validator: &stubValidator{},
		store:     &mockStore{},
		notifier:  &countingNotifier{},
		cache:     &recordingCache{},
	}
	nav := navigation.NewBuilder("/ui/feedback", "/ui/edit", "edit", "/ui/views/refresh")
	opts = append([]Option{WithRenderCache(fx.cache)}, opts...)
	fx.flow = NewFlow(fx.resolver, fx.csrf, fx.validator, fx.store, fx.notifier, nav, zap.NewNop(), opts...)
	return fx
}

func flowDef() *model.EntityDefinition {
	return &model.EntityDefinition{
		ID:               "invoice",
		Table:            "invoices",
		KeyField:         "id",
		UpdateCapability: "invoices:update:execute",
	}
}

func flowCtx() context.Context {
	return model.WithRequestContext(context.Background(), &model.RequestContext{
		SubjectID: "user-1",
		SessionID: "sess-1",
		Roles:     []string{"invoice_editor"},
	})
}

func flowRec() *model.Record {
	rec := model.NewRecord("invoice", "inv-1", map[string]any{"amount": 100.0, "currency": "EUR"})
	rec.Version = 1
	rec.MergePosted(map[string]any{"amount": 250.0})
	return rec
}

func saveClose() model.Signals { return model.Signals{SaveAndClose: true, CSRFToken: "tok"} }

func saveNoClose() model.Signals { return model.Signals{NoClose: true, CSRFToken: "tok"} }

// --- tests ---

func TestDecide_AccessDenied(t *testing.T) {
	fx := newFixture()
	fx.resolver.caps = model.CapabilitySet{}

	outcome, eff := fx.flow.Decide(flowCtx(), flowDef(), flowRec(), saveClose())

	if outcome != model.OutcomeAccessDenied {
		t.Fatalf("outcome = %s, want AccessDenied", outcome)
	}
	if eff.Type != navigation.EffectAccessDenied {
		t.Errorf("effect = %s, want access_denied", eff.Type)
	}
	if fx.validator.calls != 0 || fx.store.updates != 0 {
		t.Error("denied submission must not reach validation or the store")
	}
}

func TestDecide_AccessDeniedOnResolverError(t *testing.T) {
	fx := newFixture()
	fx.resolver.err = errors.New("policy backend down")

	outcome, _ := fx.flow.Decide(flowCtx(), flowDef(), flowRec(), saveClose())
	if outcome != model.OutcomeAccessDenied {
		t.Fatalf("outcome = %s, want AccessDenied when resolution fails", outcome)
	}
}

func TestDecide_AccessDeniedWithoutRequestContext(t *testing.T) {
	fx := newFixture()

	outcome, _ := fx.flow.Decide(context.Background(), flowDef(), flowRec(), saveClose())
	if outcome != model.OutcomeAccessDenied {
		t.Fatalf("outcome = %s, want AccessDenied without a request context", outcome)
	}
}

func TestDecide_CSRFRejected(t *testing.T) {
	fx := newFixture()
	fx.csrf.ok = false

	outcome, eff := fx.flow.Decide(flowCtx(), flowDef(), flowRec(), saveClose())

	if outcome != model.OutcomeCSRFRejected {
		t.Fatalf("outcome = %s, want CSRFRejected", outcome)
	}
	if eff.Type != navigation.EffectAccessDenied {
		t.Errorf("effect = %s, forgery rejection must look like access denied", eff.Type)
	}
	if fx.validator.calls != 0 || fx.store.updates != 0 {
		t.Error("rejected token must short-circuit validation and persistence")
	}
}

func TestDecide_Cancelled(t *testing.T) {
	fx := newFixture()
	sig := model.Signals{Cancel: true, CSRFToken: "tok"}

	outcome, eff := fx.flow.Decide(flowCtx(), flowDef(), flowRec(), sig)

	if outcome != model.OutcomeCancelled {
		t.Fatalf("outcome = %s, want Cancelled", outcome)
	}
	if eff.Feedback != navigation.FeedbackCancelled {
		t.Errorf("feedback = %s, want %s", eff.Feedback, navigation.FeedbackCancelled)
	}
	if fx.store.updates != 0 {
		t.Error("cancel must not mutate the store")
	}
}

func TestDecide_CancelReplayIsIdempotent(t *testing.T) {
	fx := newFixture()
	sig := model.Signals{Cancel: true, CSRFToken: "tok"}

	for i := 0; i < 2; i++ {
		outcome, _ := fx.flow.Decide(flowCtx(), flowDef(), flowRec(), sig)
		if outcome != model.OutcomeCancelled {
			t.Fatalf("replay %d: outcome = %s, want Cancelled", i, outcome)
		}
	}
	if fx.store.updates != 0 {
		t.Error("replayed cancel must never mutate the store")
	}
}

func TestDecide_NoActionTaken(t *testing.T) {
	fx := newFixture()
	sig := model.Signals{CSRFToken: "tok"}

	outcome, eff := fx.flow.Decide(flowCtx(), flowDef(), flowRec(), sig)

	if outcome != model.OutcomeNoActionTaken {
		t.Fatalf("outcome = %s, want NoActionTaken", outcome)
	}
	if eff.Type != navigation.EffectRedirect || eff.Feedback != "" {
		t.Errorf("effect = %+v, want a silent redirect", eff)
	}
	if fx.store.updates != 0 || len(fx.notifier.events) != 0 {
		t.Error("no-action refresh must have no side effects")
	}
}

func TestDecide_NoActionReturnsToEditView(t *testing.T) {
	fx := newFixture()
	sig := model.Signals{CSRFToken: "tok", Tab: "billing"}

	_, eff := fx.flow.Decide(flowCtx(), flowDef(), flowRec(), sig)

	u, err := url.Parse(eff.Target)
	if err != nil {
		t.Fatalf("target parse error: %v", err)
	}
	if u.Path != "/ui/edit/invoice" {
		t.Errorf("target path = %s, silent refresh must return to the edit view", u.Path)
	}
	q := u.Query()
	if q.Get(model.WireSelector) != "inv-1" {
		t.Errorf("selector = %s, want inv-1", q.Get(model.WireSelector))
	}
	if q.Get(model.WireTab) != "billing" {
		t.Errorf("tab = %s, want the submitted tab", q.Get(model.WireTab))
	}
	if !eff.ReplaceStack {
		t.Error("silent refresh must replace the history entry")
	}
}

func TestDecide_CancelFeedbackCarriesSelector(t *testing.T) {
	fx := newFixture()
	sig := model.Signals{Cancel: true, CSRFToken: "tok"}

	_, eff := fx.flow.Decide(flowCtx(), flowDef(), flowRec(), sig)

	u, err := url.Parse(eff.Target)
	if err != nil {
		t.Fatalf("target parse error: %v", err)
	}
	if got := u.Query().Get(model.WireSelector); got != "inv-1" {
		t.Errorf("selector = %q, cancel feedback must name the row", got)
	}
}

func TestDecide_TabThreadedThroughStayOnEdit(t *testing.T) {
	fx := newFixture()
	sig := saveNoClose()
	sig.Tab = "billing"

	outcome, eff := fx.flow.Decide(flowCtx(), flowDef(), flowRec(), sig)
	if outcome != model.OutcomePersisted {
		t.Fatalf("outcome = %s, want Persisted", outcome)
	}
	u, err := url.Parse(eff.Target)
	if err != nil {
		t.Fatalf("target parse error: %v", err)
	}
	if got := u.Query().Get(model.WireTab); got != "billing" {
		t.Errorf("tab = %q, stay-on-edit must return to the submitted tab", got)
	}
}

func TestDecide_ValidationFailedBlocksPersist(t *testing.T) {
	fx := newFixture()
	fx.validator.fn = func(rec *model.Record) {
		rec.AddFieldError("amount", "INVALID_VALUE", "out of range")
	}

	outcome, eff := fx.flow.Decide(flowCtx(), flowDef(), flowRec(), saveClose())

	if outcome != model.OutcomeValidationFailed {
		t.Fatalf("outcome = %s, want ValidationFailed", outcome)
	}
	if fx.store.updates != 0 {
		t.Error("a failing record must never reach the store")
	}
	if eff.Type != navigation.EffectRenderEdit || len(eff.Errors) != 1 {
		t.Errorf("effect = %+v, want render_edit with the field error", eff)
	}
}

func TestDecide_SubRecordErrorBlocksPersist(t *testing.T) {
	fx := newFixture()
	fx.validator.fn = func(rec *model.Record) {
		sub := rec.Get("shipping").(*model.Record)
		sub.AddFieldError("city", "REQUIRED", "city is required")
	}

	rec := flowRec()
	rec.Set("shipping", model.NewRecord("address", "", map[string]any{"city": ""}))

	outcome, _ := fx.flow.Decide(flowCtx(), flowDef(), rec, saveClose())
	if outcome != model.OutcomeValidationFailed {
		t.Fatalf("outcome = %s, want ValidationFailed from the sub-record slot", outcome)
	}
	if fx.store.updates != 0 {
		t.Error("sub-record error must block persistence")
	}
}

func TestDecide_PersistedSaveAndClose(t *testing.T) {
	fx := newFixture()

	outcome, eff := fx.flow.Decide(flowCtx(), flowDef(), flowRec(), saveClose())

	if outcome != model.OutcomePersisted {
		t.Fatalf("outcome = %s, want Persisted", outcome)
	}
	if fx.store.updates != 1 {
		t.Errorf("store updates = %d, want exactly 1", fx.store.updates)
	}
	if len(fx.notifier.events) != 1 || fx.notifier.events[0] != "update" {
		t.Errorf("notifications = %v, want exactly one update event", fx.notifier.events)
	}
	if eff.Feedback != navigation.FeedbackSuccess {
		t.Errorf("feedback = %s, want %s", eff.Feedback, navigation.FeedbackSuccess)
	}
	if len(fx.cache.invalidated) != 1 || fx.cache.invalidated[0] != "invoice/inv-1" {
		t.Errorf("cache invalidations = %v, want the persisted row", fx.cache.invalidated)
	}
}

func TestDecide_PersistedNoCloseStaysOnEdit(t *testing.T) {
	fx := newFixture()

	outcome, eff := fx.flow.Decide(flowCtx(), flowDef(), flowRec(), saveNoClose())

	if outcome != model.OutcomePersisted {
		t.Fatalf("outcome = %s, want Persisted", outcome)
	}
	if eff.Type != navigation.EffectRedirect {
		t.Fatalf("effect = %s, want redirect", eff.Type)
	}
	if want := "/ui/edit/invoice"; len(eff.Target) < len(want) || eff.Target[:len(want)] != want {
		t.Errorf("target = %s, want the edit view for the same row", eff.Target)
	}
}

func TestDecide_UserStoreErrorBecomesValidationFailure(t *testing.T) {
	fx := newFixture()
	fx.store.err = store.NewUserError("CONSTRAINT_VIOLATION", "duplicate invoice number")

	rec := flowRec()
	outcome, eff := fx.flow.Decide(flowCtx(), flowDef(), rec, saveClose())

	if outcome != model.OutcomeValidationFailed {
		t.Fatalf("outcome = %s, want ValidationFailed for a user-class store error", outcome)
	}
	if !rec.HasError() {
		t.Error("user-class store error must attach to the record")
	}
	if len(fx.notifier.events) != 0 {
		t.Error("rejected update must not notify")
	}
	if eff.Type != navigation.EffectRenderEdit {
		t.Errorf("effect = %s, want render_edit", eff.Type)
	}
}

func TestDecide_FatalStoreError(t *testing.T) {
	fx := newFixture()
	fx.store.err = model.NewStoreError("connection reset by peer")

	outcome, eff := fx.flow.Decide(flowCtx(), flowDef(), flowRec(), saveClose())

	if outcome != model.OutcomeFatalStoreError {
		t.Fatalf("outcome = %s, want FatalStoreError", outcome)
	}
	if eff.Feedback != navigation.FeedbackFailed {
		t.Errorf("feedback = %s, want %s", eff.Feedback, navigation.FeedbackFailed)
	}
	if eff.Message != "connection reset by peer" {
		t.Errorf("message = %q, want the raw store diagnostic", eff.Message)
	}
	if len(fx.notifier.events) != 0 || len(fx.cache.invalidated) != 0 {
		t.Error("fatal store error must not notify or touch the cache")
	}
}

func TestDecide_UnknownStoreFailureCarriesSentinel(t *testing.T) {
	fx := newFixture()
	fx.store.err = store.ErrUnknownFailure

	outcome, eff := fx.flow.Decide(flowCtx(), flowDef(), flowRec(), saveClose())

	if outcome != model.OutcomeFatalStoreError {
		t.Fatalf("outcome = %s, want FatalStoreError", outcome)
	}
	if eff.Message == "" {
		t.Error("an unknown failure must still carry a non-empty diagnostic")
	}
}

func TestDecide_SnapshotOrdering(t *testing.T) {
	fx := newFixture()
	fx.validator.fn = func(rec *model.Record) {
		// By validation time the overlay must be restored.
		if rec.Get("amount") != 250.0 {
			panic("overlay not restored before validation")
		}
		if rec.PostedFields() == nil {
			panic("posted overlay lost")
		}
	}

	outcome, _ := fx.flow.Decide(flowCtx(), flowDef(), flowRec(), saveClose())
	if outcome != model.OutcomePersisted {
		t.Fatalf("outcome = %s, want Persisted", outcome)
	}
}

func TestDecide_PreUpdateHookRunsBeforeValidation(t *testing.T) {
	var order []string
	fx := newFixture(WithPreUpdate(func(_ context.Context, rec *model.Record) {
		order = append(order, "hook")
		rec.AddError("BLOCKED", "held by period close")
	}))
	fx.validator.fn = func(_ *model.Record) { order = append(order, "validate") }

	outcome, _ := fx.flow.Decide(flowCtx(), flowDef(), flowRec(), saveClose())

	if outcome != model.OutcomeValidationFailed {
		t.Fatalf("outcome = %s, want ValidationFailed from the hook's error", outcome)
	}
	if len(order) != 2 || order[0] != "hook" || order[1] != "validate" {
		t.Fatalf("order = %v, want hook before validation", order)
	}
	if fx.store.updates != 0 {
		t.Error("hook error must block persistence")
	}
}

func TestDecide_StrategyPairOverride(t *testing.T) {
	custom := navigation.Effect{Type: navigation.EffectRedirect, Target: "/elsewhere"}
	fx := newFixture(WithOnSuccess(func(_ *model.Record, _ model.Signals) navigation.Effect {
		return custom
	}))

	outcome, eff := fx.flow.Decide(flowCtx(), flowDef(), flowRec(), saveClose())
	if outcome != model.OutcomePersisted {
		t.Fatalf("outcome = %s, want Persisted", outcome)
	}
	if eff.Target != "/elsewhere" {
		t.Errorf("target = %s, want the custom handler's effect", eff.Target)
	}
}

func TestDecideDialog_Saved(t *testing.T) {
	fx := newFixture()

	outcome, eff := fx.flow.DecideDialog(flowCtx(), flowDef(), flowRec(), saveClose())

	if outcome != model.OutcomePersisted {
		t.Fatalf("outcome = %s, want Persisted", outcome)
	}
	if eff.Type != navigation.EffectDialogClose {
		t.Errorf("effect = %s, want dialog_close", eff.Type)
	}
	if eff.Target != "/ui/views/refresh" {
		t.Errorf("target = %s, want the configured refresh URL", eff.Target)
	}
}

func TestDecideDialog_EscapeOverridesRefreshTarget(t *testing.T) {
	fx := newFixture()
	sig := saveClose()
	sig.Escape = "/ui/views/special"

	_, eff := fx.flow.DecideDialog(flowCtx(), flowDef(), flowRec(), sig)
	if eff.Target != "/ui/views/special" {
		t.Errorf("target = %s, want the escape override", eff.Target)
	}
}

func TestDecideDialog_ValidationFailed(t *testing.T) {
	fx := newFixture()
	fx.validator.fn = func(rec *model.Record) {
		rec.AddFieldError("amount", "INVALID_VALUE", "out of range")
	}

	outcome, eff := fx.flow.DecideDialog(flowCtx(), flowDef(), flowRec(), saveClose())

	if outcome != model.OutcomeValidationFailed {
		t.Fatalf("outcome = %s, want ValidationFailed", outcome)
	}
	if eff.Type != navigation.EffectDialogUpdate || len(eff.Errors) != 1 {
		t.Errorf("effect = %+v, want dialog_update with the field error", eff)
	}
}

func TestDecideDialog_Cancelled(t *testing.T) {
	fx := newFixture()
	sig := model.Signals{Cancel: true, CSRFToken: "tok"}

	outcome, eff := fx.flow.DecideDialog(flowCtx(), flowDef(), flowRec(), sig)

	if outcome != model.OutcomeCancelled {
		t.Fatalf("outcome = %s, want Cancelled", outcome)
	}
	if eff.Type != navigation.EffectDialogClose {
		t.Errorf("effect = %s, want dialog_close", eff.Type)
	}
	if fx.store.updates != 0 {
		t.Error("dialog cancel must not mutate the store")
	}
}

func TestDecideDialog_AccessDeniedStaysInDialog(t *testing.T) {
	fx := newFixture()
	fx.resolver.caps = model.CapabilitySet{}

	outcome, eff := fx.flow.DecideDialog(flowCtx(), flowDef(), flowRec(), saveClose())

	if outcome != model.OutcomeAccessDenied {
		t.Fatalf("outcome = %s, want AccessDenied", outcome)
	}
	if eff.Type != navigation.EffectDialogUpdate {
		t.Errorf("effect = %s, a denied dialog submit must render inside the dialog", eff.Type)
	}
	if eff.Message == "" {
		t.Error("denied dialog update must carry a message")
	}
	if fx.store.updates != 0 {
		t.Error("denied dialog submit must not mutate the store")
	}
}

func TestDecideDialog_CSRFRejectedStaysInDialog(t *testing.T) {
	fx := newFixture()
	fx.csrf.ok = false

	outcome, eff := fx.flow.DecideDialog(flowCtx(), flowDef(), flowRec(), saveClose())

	if outcome != model.OutcomeCSRFRejected {
		t.Fatalf("outcome = %s, want CSRFRejected", outcome)
	}
	if eff.Type != navigation.EffectDialogUpdate {
		t.Errorf("effect = %s, a rejected dialog submit must render inside the dialog", eff.Type)
	}
	if fx.store.updates != 0 {
		t.Error("rejected dialog submit must not mutate the store")
	}
}
