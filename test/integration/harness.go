// Package integration exercises the full HTTP stack end to end: a real
// router with JWT authentication against a test JWKS issuer, the static
// capability policy, the anti-forgery token manager, entity definitions
// and OpenAPI schemas loaded from testdata, and an in-memory record store.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/rekod/internal/capability"
	"github.com/pitabwire/rekod/internal/config"
	"github.com/pitabwire/rekod/internal/csrf"
	"github.com/pitabwire/rekod/internal/entity"
	"github.com/pitabwire/rekod/internal/navigation"
	"github.com/pitabwire/rekod/internal/notify"
	"github.com/pitabwire/rekod/internal/observability"
	"github.com/pitabwire/rekod/internal/schema"
	"github.com/pitabwire/rekod/internal/store"
	"github.com/pitabwire/rekod/internal/transport"
	"github.com/pitabwire/rekod/internal/update"
	"github.com/pitabwire/rekod/internal/validation"
	"github.com/pitabwire/rekod/model"
)

// UpdateResponse mirrors the JSON body returned by the update endpoints.
type UpdateResponse struct {
	Outcome string            `json:"outcome"`
	Effect  navigation.Effect `json:"effect"`
}

// ErrorBody mirrors the JSON error envelope returned on request failures.
type ErrorBody struct {
	Error *model.ErrorEnvelope `json:"error"`
}

// TestHarness wires the full service for integration tests.
type TestHarness struct {
	t        *testing.T
	server   *httptest.Server
	issuer   *tokenIssuer
	csrf     *csrf.Manager
	Store    *store.MemoryRecordStore
	Entities *entity.Registry
}

type seedRow struct {
	entityID string
	selector string
	fields   map[string]any
}

type harnessConfig struct {
	policyFile string
	seeds      []seedRow
	preUpdate  update.PreUpdateHook
}

// HarnessOption customizes the harness.
type HarnessOption func(*harnessConfig)

// WithPolicyFile points the capability evaluator at a different policy file.
func WithPolicyFile(path string) HarnessOption {
	return func(hc *harnessConfig) { hc.policyFile = path }
}

// WithSeed inserts a stored row before the server starts.
func WithSeed(entityID, selector string, fields map[string]any) HarnessOption {
	return func(hc *harnessConfig) {
		hc.seeds = append(hc.seeds, seedRow{entityID: entityID, selector: selector, fields: fields})
	}
}

// WithPreUpdate installs a hook on the update flow.
func WithPreUpdate(hook update.PreUpdateHook) HarnessOption {
	return func(hc *harnessConfig) { hc.preUpdate = hook }
}

// NewHarness assembles the service the way cmd/rekod does, substituting the
// in-memory store and a throwaway JWKS issuer, and starts an HTTP server.
func NewHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := harnessConfig{
		policyFile: filepath.Join(testdataDir(), "policies.yaml"),
	}
	for _, opt := range opts {
		opt(&hc)
	}

	issuer := newTokenIssuer(t)

	cfg := config.Defaults()
	cfg.Identity.Issuer = issuer.Issuer()
	cfg.Identity.Audience = issuer.Audience()
	cfg.Identity.JWKSURL = issuer.JWKSURL()
	cfg.Observability.Metrics.Enabled = false

	logger := zap.NewNop()

	schemaIdx := schema.NewIndex()
	err := schemaIdx.Load([]schema.SpecSource{
		{ServiceID: "billing", SpecPath: filepath.Join(testdataDir(), "specs", "billing.yaml")},
	})
	if err != nil {
		t.Fatalf("load schemas: %v", err)
	}

	defs, err := entity.NewLoader().LoadAll([]string{filepath.Join(testdataDir(), "entities")})
	if err != nil {
		t.Fatalf("load entities: %v", err)
	}
	if verrs := entity.NewValidator().Validate(defs, schemaIdx); len(verrs) > 0 {
		t.Fatalf("entity definitions invalid: %v", verrs)
	}
	registry := entity.NewRegistry(defs)

	evaluator, err := capability.NewStaticPolicyEvaluator(hc.policyFile)
	if err != nil {
		t.Fatalf("load policy file: %v", err)
	}
	resolver := capability.NewResolver(evaluator, time.Minute)

	mem := store.NewMemoryRecordStore()
	for _, seed := range hc.seeds {
		mem.Seed(seed.entityID, seed.selector, seed.fields)
	}

	mgr, err := csrf.NewManager([]byte("integration-secret-0123456789abcdef"), time.Hour)
	if err != nil {
		t.Fatalf("csrf manager: %v", err)
	}

	var flowOpts []update.Option
	if hc.preUpdate != nil {
		flowOpts = append(flowOpts, update.WithPreUpdate(hc.preUpdate))
	}

	flow := update.NewFlow(
		resolver,
		mgr,
		validation.NewEngine(registry, schemaIdx),
		mem,
		notify.NewFanout(notify.NewAuditNotifier(logger)),
		navigation.NewBuilder(cfg.Update.FeedbackPath, cfg.Update.EditPath, cfg.Update.EditAction, cfg.Update.DialogSaveURL),
		logger,
		flowOpts...,
	)

	jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL, logger)

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Logger:       logger,
		Authenticate: transport.JWTAuthenticator(cfg.Identity, jwks),
		Entities:     registry,
		Store:        mem,
		Flow:         flow,
		Ready: observability.ReadinessChecks{
			EntitiesLoaded: func() bool { return registry.Len() > 0 },
			SchemasLoaded:  func() bool { return len(schemaIdx.AllComponents("billing")) > 0 },
			RecordStore:    pingChecker{store: mem},
		},
	})

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &TestHarness{
		t:        t,
		server:   server,
		issuer:   issuer,
		csrf:     mgr,
		Store:    mem,
		Entities: registry,
	}
}

type pingChecker struct {
	store store.RecordStore
}

func (c pingChecker) HealthCheck(ctx context.Context) error {
	return c.store.Ping(ctx)
}

// GenerateToken creates a valid access token for the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates an access token that expired an hour ago.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// CSRFToken mints a form token bound to the claims' subject and session.
func (h *TestHarness) CSRFToken(claims TestClaims, fieldPrefix string) string {
	h.t.Helper()

	token, err := h.csrf.Issue(&model.RequestContext{
		SubjectID: claims.SubjectID,
		SessionID: claims.SessionID,
	}, fieldPrefix)
	if err != nil {
		h.t.Fatalf("issue csrf token: %v", err)
	}
	return token
}

// PostForm submits a form-encoded POST with a Bearer token.
func (h *TestHarness) PostForm(path string, form url.Values, token string) *http.Response {
	h.t.Helper()
	return h.PostFormWithHeaders(path, form, token, nil)
}

// PostFormWithHeaders submits a form-encoded POST with additional headers.
func (h *TestHarness) PostFormWithHeaders(path string, form url.Values, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost,
		h.server.URL+path, strings.NewReader(form.Encode()))
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{
		Timeout: 10 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("POST %s failed: %v", path, err)
	}
	return resp
}

// GET performs a plain GET request, optionally authenticated.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, h.server.URL+path, nil)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("GET %s failed: %v", path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// Decide posts an update submission and returns the decoded response.
func (h *TestHarness) Decide(entityID string, form url.Values, token string) UpdateResponse {
	h.t.Helper()

	resp := h.PostForm("/ui/records/"+entityID+"/update", form, token)
	h.AssertStatus(h.t, resp, http.StatusOK)

	var out UpdateResponse
	h.ParseJSON(resp, &out)
	return out
}

// StoredFields reads the current stored row back through the record store.
func (h *TestHarness) StoredFields(entityID, selector string) map[string]any {
	h.t.Helper()

	def, ok := h.Entities.Get(entityID)
	if !ok {
		h.t.Fatalf("entity %q not registered", entityID)
	}
	rec, err := h.Store.Get(context.Background(), &def, selector)
	if err != nil {
		h.t.Fatalf("read back %s/%s: %v", entityID, selector, err)
	}
	return rec.Snapshot()
}

// --- Default test claims ---

// EditorClaims returns TestClaims for a user allowed to update invoices.
func EditorClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-editor",
		TenantID:  "acme-corp",
		Email:     "editor@acme.example.com",
		SessionID: "sess-editor-1",
		Roles:     []string{"invoice_editor"},
	}
}

// ViewerClaims returns TestClaims for a read-only user.
func ViewerClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-viewer",
		TenantID:  "acme-corp",
		Email:     "viewer@acme.example.com",
		SessionID: "sess-viewer-1",
		Roles:     []string{"invoice_viewer"},
	}
}

// --- Helpers ---

// testdataDir returns the absolute path to the testdata directory.
func testdataDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "testdata")
}

// InvoiceFixture returns the stored fields of a typical invoice row.
func InvoiceFixture(id, status string) map[string]any {
	return map[string]any{
		"id":       id,
		"status":   status,
		"customer": "Test Customer",
		"total":    "99.99",
		"notes":    "",
	}
}

// FormatJSON converts a value to indented JSON for test output.
func FormatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
