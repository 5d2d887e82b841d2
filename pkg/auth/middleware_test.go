package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMiddlewarePassesAnonymousThrough(t *testing.T) {
	validator, _, _, _ := setupTestValidator(t)

	var sawClaims *Claims
	handler := Middleware(validator)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawClaims = ClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("Expected anonymous request to pass, got %d", rr.Code)
	}
	if sawClaims != nil {
		t.Errorf("Expected no claims for anonymous request, got %+v", sawClaims)
	}
}

func TestMiddlewareAttachesClaimsForValidToken(t *testing.T) {
	validator, privateKey, issuer, audience := setupTestValidator(t)

	var sawClaims *Claims
	handler := Middleware(validator)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawClaims = ClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	token := createTestJWT(t, privateKey, issuer, audience, "user-123", map[string]any{"plan": "premium"})

	req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("Expected authenticated request to pass, got %d", rr.Code)
	}
	if sawClaims == nil {
		t.Fatal("Expected claims in request context")
	}
	if sawClaims.Subject != "user-123" || sawClaims.Plan != "premium" {
		t.Errorf("Unexpected claims: %+v", sawClaims)
	}
}

func TestMiddlewareRejectsInvalidToken(t *testing.T) {
	validator, _, _, _ := setupTestValidator(t)

	handler := Middleware(validator)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("Handler should not run for an invalid token")
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 for invalid token, got %d", rr.Code)
	}
}

func TestMiddlewareRejectsMalformedHeader(t *testing.T) {
	validator, _, _, _ := setupTestValidator(t)

	handler := Middleware(validator)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("Handler should not run for a malformed header")
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 for malformed header, got %d", rr.Code)
	}
}
