package integration

import (
	"net/http"
	"testing"

	"github.com/pitabwire/rekod/model"
)

func TestUpdate_MissingToken_IsUnauthorized(t *testing.T) {
	h := NewHarness(t, WithSeed("invoice", "inv-1", InvoiceFixture("inv-1", "draft")))
	claims := EditorClaims()

	form := submission("inv-1", h.CSRFToken(claims, ""), map[string]string{
		model.WireSaveAndClose: "1",
		"status":               "paid",
	})

	resp := h.PostForm("/ui/records/invoice/update", form, "")
	h.AssertStatus(t, resp, http.StatusUnauthorized)

	if stored := h.StoredFields("invoice", "inv-1"); stored["status"] != "draft" {
		t.Errorf("stored status = %v, unauthenticated submission persisted", stored["status"])
	}
}

func TestUpdate_ExpiredToken_IsUnauthorized(t *testing.T) {
	h := NewHarness(t, WithSeed("invoice", "inv-1", InvoiceFixture("inv-1", "draft")))
	claims := EditorClaims()

	form := submission("inv-1", h.CSRFToken(claims, ""), map[string]string{
		model.WireSaveAndClose: "1",
		"status":               "paid",
	})

	resp := h.PostForm("/ui/records/invoice/update", form, h.GenerateExpiredToken(claims))
	h.AssertStatus(t, resp, http.StatusUnauthorized)

	var body ErrorBody
	h.ParseJSON(resp, &body)
	if body.Error == nil || body.Error.Code != model.ErrUnauthorized {
		t.Errorf("error body = %s, want code %s", FormatJSON(body), model.ErrUnauthorized)
	}
}

func TestUpdate_MissingCapability_IsAccessDenied(t *testing.T) {
	h := NewHarness(t, WithSeed("invoice", "inv-1", InvoiceFixture("inv-1", "draft")))
	claims := ViewerClaims()
	token := h.GenerateToken(claims)

	form := submission("inv-1", h.CSRFToken(claims, ""), map[string]string{
		model.WireSaveAndClose: "1",
		"status":               "paid",
	})

	out := h.Decide("invoice", form, token)

	if out.Outcome != "access_denied" {
		t.Fatalf("outcome = %q, want access_denied\n%s", out.Outcome, FormatJSON(out))
	}
	if out.Effect.Type != "access_denied" {
		t.Errorf("effect type = %q, want access_denied", out.Effect.Type)
	}
	if stored := h.StoredFields("invoice", "inv-1"); stored["status"] != "draft" {
		t.Errorf("stored status = %v, denied submission persisted", stored["status"])
	}
}

func TestUpdate_ForgedCSRFToken_IsRejected(t *testing.T) {
	h := NewHarness(t, WithSeed("invoice", "inv-1", InvoiceFixture("inv-1", "draft")))
	claims := EditorClaims()
	token := h.GenerateToken(claims)

	form := submission("inv-1", "not-a-real-token", map[string]string{
		model.WireSaveAndClose: "1",
		"status":               "paid",
	})

	out := h.Decide("invoice", form, token)

	if out.Outcome != "csrf_rejected" {
		t.Fatalf("outcome = %q, want csrf_rejected\n%s", out.Outcome, FormatJSON(out))
	}
	if stored := h.StoredFields("invoice", "inv-1"); stored["status"] != "draft" {
		t.Errorf("stored status = %v, forged submission persisted", stored["status"])
	}
}

func TestUpdate_CSRFTokenFromAnotherSession_IsRejected(t *testing.T) {
	h := NewHarness(t, WithSeed("invoice", "inv-1", InvoiceFixture("inv-1", "draft")))
	claims := EditorClaims()
	token := h.GenerateToken(claims)

	other := claims
	other.SessionID = "sess-hijacked"
	form := submission("inv-1", h.CSRFToken(other, ""), map[string]string{
		model.WireSaveAndClose: "1",
		"status":               "paid",
	})

	out := h.Decide("invoice", form, token)

	if out.Outcome != "csrf_rejected" {
		t.Fatalf("outcome = %q, want csrf_rejected\n%s", out.Outcome, FormatJSON(out))
	}
}

func TestUpdate_CSRFTokenForAnotherPrefix_IsRejected(t *testing.T) {
	h := NewHarness(t, WithSeed("invoice", "inv-1", InvoiceFixture("inv-1", "draft")))
	claims := EditorClaims()
	token := h.GenerateToken(claims)

	// A token minted for the unprefixed form must not validate a prefixed one.
	form := submission("inv-1", "", map[string]string{
		model.WireFieldPrefix:       "w1_",
		"w1_" + model.WireCSRFToken: h.CSRFToken(claims, ""),
		model.WireSaveAndClose:      "1",
		"w1_status":                 "paid",
	})

	out := h.Decide("invoice", form, token)

	if out.Outcome != "csrf_rejected" {
		t.Fatalf("outcome = %q, want csrf_rejected\n%s", out.Outcome, FormatJSON(out))
	}
}

func TestUpdate_UnknownEntity_IsNotFound(t *testing.T) {
	h := NewHarness(t)
	claims := EditorClaims()
	token := h.GenerateToken(claims)

	form := submission("x-1", h.CSRFToken(claims, ""), map[string]string{
		model.WireSaveAndClose: "1",
	})

	resp := h.PostForm("/ui/records/ledger/update", form, token)
	h.AssertStatus(t, resp, http.StatusNotFound)
}

func TestUpdate_UnknownSelector_IsNotFound(t *testing.T) {
	h := NewHarness(t)
	claims := EditorClaims()
	token := h.GenerateToken(claims)

	form := submission("inv-missing", h.CSRFToken(claims, ""), map[string]string{
		model.WireSaveAndClose: "1",
	})

	resp := h.PostForm("/ui/records/invoice/update", form, token)
	h.AssertStatus(t, resp, http.StatusNotFound)

	var body ErrorBody
	h.ParseJSON(resp, &body)
	if body.Error == nil || body.Error.Code != model.ErrNotFound {
		t.Errorf("error body = %s, want code %s", FormatJSON(body), model.ErrNotFound)
	}
}

func TestHealthEndpoints_AreUnauthenticated(t *testing.T) {
	h := NewHarness(t, WithSeed("invoice", "inv-1", InvoiceFixture("inv-1", "draft")))

	resp := h.GET("/health", "")
	h.AssertStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = h.GET("/ready", "")
	h.AssertStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}

func TestUpdate_ResponseCarriesCorrelationID(t *testing.T) {
	h := NewHarness(t, WithSeed("invoice", "inv-1", InvoiceFixture("inv-1", "draft")))
	claims := EditorClaims()
	token := h.GenerateToken(claims)

	form := submission("inv-1", h.CSRFToken(claims, ""), map[string]string{
		model.WireSaveAndClose: "1",
		"status":               "paid",
	})

	resp := h.PostFormWithHeaders("/ui/records/invoice/update", form, token,
		map[string]string{"X-Correlation-Id": "corr-42"})
	defer resp.Body.Close()

	if got := resp.Header.Get("X-Correlation-Id"); got != "corr-42" {
		t.Errorf("X-Correlation-Id = %q, want corr-42", got)
	}
}
