package oauth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/giantswarm/oauth2-server/internal/testutil"
	"github.com/giantswarm/oauth2-server/storage"
)

// staticIdentityFinder resolves every request to a fixed identity, or to
// nothing when identityID is empty.
type staticIdentityFinder struct {
	identityID string
}

func (f *staticIdentityFinder) ResolveIdentity(_ *http.Request, _ time.Time) (string, bool) {
	if f.identityID == "" {
		return "", false
	}
	return f.identityID, true
}

func newTestHandler(t *testing.T, f *testFixture, identityID string) *Handler {
	t.Helper()
	return NewHandler(f.server, &staticIdentityFinder{identityID: identityID}, nil)
}

func postForm(h http.HandlerFunc, path string, form url.Values, basicAuth ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if len(basicAuth) == 2 {
		req.SetBasicAuth(basicAuth[0], basicAuth[1])
	}
	rr := httptest.NewRecorder()
	h(rr, req)
	return rr
}

// ============================================================
// /auth
// ============================================================

func TestServeAuthorization_RedirectsWithCode(t *testing.T) {
	f := newTestFixture(t)
	h := newTestHandler(t, f, "test-user-123")

	req := httptest.NewRequest(http.MethodGet,
		"/auth?client_id=test-client-id&response_type=code&redirect_uri=https://example.com/callback&state=xyz", nil)
	rr := httptest.NewRecorder()
	h.ServeAuthorization(rr, req)

	if rr.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rr.Code)
	}
	location := rr.Header().Get("Location")
	if !strings.HasPrefix(location, "https://example.com/callback?code=") {
		t.Errorf("Location = %q, want callback with code", location)
	}
	if !strings.HasSuffix(location, "&state=xyz") {
		t.Errorf("Location = %q, want state echoed", location)
	}
}

func TestServeAuthorization_UnresolvedIdentityRedirectsToLogin(t *testing.T) {
	f := newTestFixture(t)
	h := newTestHandler(t, f, "")

	req := httptest.NewRequest(http.MethodGet, "/auth?client_id=test-client-id&response_type=code", nil)
	rr := httptest.NewRecorder()
	h.ServeAuthorization(rr, req)

	if rr.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rr.Code)
	}
	location := rr.Header().Get("Location")
	if !strings.HasPrefix(location, "https://auth.example.com/login?continue=") {
		t.Errorf("Location = %q, want login page with continue parameter", location)
	}
}

func TestServeAuthorization_UnknownClient(t *testing.T) {
	f := newTestFixture(t)
	h := newTestHandler(t, f, "test-user-123")

	req := httptest.NewRequest(http.MethodGet, "/auth?client_id=stranger&response_type=code", nil)
	rr := httptest.NewRecorder()
	h.ServeAuthorization(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
	var body ErrorResponse
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Error != ErrorCodeUnauthorizedClient {
		t.Errorf("error = %q, want unauthorized_client", body.Error)
	}
}

// ============================================================
// /token
// ============================================================

func seedCode(f *testFixture, now time.Time) {
	f.authorizations.AddAuthorization(&storage.Authorization{
		Code:       "pending-code",
		ClientID:   "test-client-id",
		IdentityID: "test-user-123",
		Scopes:     []string{"openid"},
		CreatedAt:  now,
		ExpiresAt:  now.Add(10 * time.Minute),
	})
}

func TestServeToken_AuthorizationCodeGrant(t *testing.T) {
	f := newTestFixture(t)
	h := newTestHandler(t, f, "")
	seedCode(f, time.Now())

	rr := postForm(h.ServeToken, "/token", url.Values{
		"grant_type": {"authorization_code"},
		"code":       {"pending-code"},
	}, "test-client-id", "secret")

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", rr.Code, rr.Body.String())
	}

	var body TokenResponse
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.AccessToken == "" {
		t.Error("access_token missing")
	}
	if body.TokenType != "Bearer" {
		t.Errorf("token_type = %q, want Bearer", body.TokenType)
	}
	if body.ExpiresIn != 3600 {
		t.Errorf("expires_in = %d, want 3600", body.ExpiresIn)
	}
	if body.RefreshToken == "" {
		t.Error("refresh_token missing")
	}
	if rr.Header().Get("Cache-Control") != "no-store, no-cache, must-revalidate, private" {
		t.Error("token responses must carry cache suppression headers")
	}
}

func TestServeToken_RefreshTokenGrant(t *testing.T) {
	f := newTestFixture(t)
	h := newTestHandler(t, f, "")

	f.tokens.AddRefreshToken("valid-refresh", storage.IssueRequest{
		ClientID:   "test-client-id",
		IdentityID: "test-user-123",
	})

	rr := postForm(h.ServeToken, "/token", url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {"valid-refresh"},
	}, "test-client-id", "secret")

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", rr.Code, rr.Body.String())
	}

	var body TokenResponse
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.RefreshToken == "" || body.RefreshToken == "valid-refresh" {
		t.Errorf("refresh_token = %q, want a rotated value", body.RefreshToken)
	}
}

func TestServeToken_RequiresClientAuthentication(t *testing.T) {
	f := newTestFixture(t)
	h := newTestHandler(t, f, "")
	seedCode(f, time.Now())

	tests := []struct {
		name string
		auth []string
	}{
		{"missing credentials", nil},
		{"wrong secret", []string{"test-client-id", "wrong"}},
		{"unknown client", []string{"stranger", "secret"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := postForm(h.ServeToken, "/token", url.Values{
				"grant_type": {"authorization_code"},
				"code":       {"pending-code"},
			}, tt.auth...)

			if rr.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", rr.Code)
			}
			var body ErrorResponse
			if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if body.Error != ErrorCodeInvalidClient {
				t.Errorf("error = %q, want invalid_client", body.Error)
			}
		})
	}
}

func TestServeToken_MissingRequiredParameter(t *testing.T) {
	f := newTestFixture(t)
	h := newTestHandler(t, f, "")

	tests := []struct {
		name      string
		grantType string
	}{
		{"authorization_code without code", "authorization_code"},
		{"refresh_token without token", "refresh_token"},
		{"jwt-bearer without assertion", GrantTypeJWTBearer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := postForm(h.ServeToken, "/token", url.Values{
				"grant_type": {tt.grantType},
			}, "test-client-id", "secret")

			if rr.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rr.Code)
			}
			var body ErrorResponse
			if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if body.Error != ErrorCodeInvalidRequest {
				t.Errorf("error = %q, want invalid_request", body.Error)
			}
		})
	}
}

func TestServeToken_UnsupportedGrantType(t *testing.T) {
	f := newTestFixture(t)
	h := newTestHandler(t, f, "")

	rr := postForm(h.ServeToken, "/token", url.Values{
		"grant_type": {"password"},
	})

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
	var body ErrorResponse
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Error != ErrorCodeUnsupportedGrantType {
		t.Errorf("error = %q, want unsupported_grant_type", body.Error)
	}
}

func TestServeToken_RejectsGET(t *testing.T) {
	f := newTestFixture(t)
	h := newTestHandler(t, f, "")

	req := httptest.NewRequest(http.MethodGet, "/token?grant_type=authorization_code", nil)
	rr := httptest.NewRecorder()
	h.ServeToken(rr, req)

	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rr.Code)
	}
}

func TestServeToken_JWTBearerSkipsClientAuth(t *testing.T) {
	f := newTestFixture(t)
	h := newTestHandler(t, f, "")
	now := time.Now()

	key, publicPEM := testutil.GenerateTestRSAKey(t)
	f.serviceAccounts.AddServiceAccount(testIssuer, &storage.ServiceAccount{
		ClientEmail:  testIssuer,
		ClientID:     "svc-client-id",
		PublicKeyPEM: publicPEM,
	})

	assertion := testutil.SignTestAssertion(t, key, jwt.MapClaims{
		"iss": testIssuer,
		"aud": "https://auth.example.com/token",
		"exp": now.Add(time.Hour).Unix(),
	})

	// The assertion itself authenticates the caller: no basic auth.
	rr := postForm(h.ServeToken, "/token", url.Values{
		"grant_type": {GrantTypeJWTBearer},
		"assertion":  {assertion},
	})

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", rr.Code, rr.Body.String())
	}
	var body TokenResponse
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.AccessToken == "" {
		t.Error("access_token missing")
	}
}

// ============================================================
// /revoke
// ============================================================

func TestServeTokenRevocation(t *testing.T) {
	f := newTestFixture(t)
	h := newTestHandler(t, f, "")
	now := time.Now()

	f.tokens.AddToken(&storage.BearerToken{
		Value:      "owned-token",
		IdentityID: "test-user-123",
		ClientID:   "test-client-id",
		ExpiresAt:  now.Add(time.Hour),
	})

	rr := postForm(h.ServeTokenRevocation, "/revoke", url.Values{
		"token": {"owned-token"},
	}, "test-client-id", "secret")

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}

	// Unknown token: still 200.
	rr = postForm(h.ServeTokenRevocation, "/revoke", url.Values{
		"token": {"nonexistent"},
	}, "test-client-id", "secret")
	if rr.Code != http.StatusOK {
		t.Errorf("status for unknown token = %d, want 200", rr.Code)
	}
}

func TestServeTokenRevocation_RequiresClientAuth(t *testing.T) {
	f := newTestFixture(t)
	h := newTestHandler(t, f, "")

	rr := postForm(h.ServeTokenRevocation, "/revoke", url.Values{
		"token": {"anything"},
	})

	if rr.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rr.Code)
	}
}

// ============================================================
// /tokenInfo
// ============================================================

func TestServeTokenInfo(t *testing.T) {
	f := newTestFixture(t)
	h := newTestHandler(t, f, "")
	now := time.Now()

	f.tokens.AddToken(&storage.BearerToken{
		Value:      "live-token",
		GrantType:  storage.GrantTypeAuthorizationCode,
		IdentityID: "test-user-123",
		ClientID:   "test-client-id",
		ExpiresAt:  now.Add(time.Hour),
	})

	req := httptest.NewRequest(http.MethodGet, "/tokenInfo?access_token=live-token", nil)
	rr := httptest.NewRecorder()
	h.ServeTokenInfo(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var body IntrospectionResponse
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if !body.Active {
		t.Error("token should be active")
	}
	if body.ClientID != "test-client-id" {
		t.Errorf("client_id = %q, want test-client-id", body.ClientID)
	}
}

func TestServeTokenInfo_InactiveToken(t *testing.T) {
	f := newTestFixture(t)
	h := newTestHandler(t, f, "")

	req := httptest.NewRequest(http.MethodGet, "/tokenInfo?access_token=nonexistent", nil)
	rr := httptest.NewRecorder()
	h.ServeTokenInfo(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 with inactive body", rr.Code)
	}
	var body IntrospectionResponse
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Active {
		t.Error("unknown token must be inactive")
	}
}

// ============================================================
// /userInfo
// ============================================================

func TestServeUserInfo(t *testing.T) {
	f := newTestFixture(t)
	h := newTestHandler(t, f, "")
	now := time.Now()

	f.tokens.AddToken(&storage.BearerToken{
		Value:      "ui-token",
		GrantType:  storage.GrantTypeAuthorizationCode,
		IdentityID: "test-user-123",
		ClientID:   "test-client-id",
		ExpiresAt:  now.Add(time.Hour),
	})

	req := httptest.NewRequest(http.MethodGet, "/userInfo?access_token=ui-token", nil)
	rr := httptest.NewRecorder()
	h.ServeUserInfo(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	// JSON numbers decode as float64; the wire value is what matters.
	if body["id"] != float64(985) {
		t.Errorf("id = %v, want 985", body["id"])
	}
	if body["claim1"] != "v" {
		t.Errorf("claim1 = %v, want v", body["claim1"])
	}
	if body["claim2"] != float64(342) {
		t.Errorf("claim2 = %v, want numeric 342", body["claim2"])
	}
}

func TestServeUserInfo_UnauthorizedHasNoBody(t *testing.T) {
	f := newTestFixture(t)
	h := newTestHandler(t, f, "")

	req := httptest.NewRequest(http.MethodGet, "/userInfo?access_token=nonexistent", nil)
	rr := httptest.NewRecorder()
	h.ServeUserInfo(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
	if rr.Body.Len() != 0 {
		t.Errorf("body = %q, want empty: the response must not say why", rr.Body.String())
	}
}

func TestServeUserInfo_UnresolvedIdentityIs400(t *testing.T) {
	f := newTestFixture(t)
	h := newTestHandler(t, f, "")
	now := time.Now()

	f.tokens.AddToken(&storage.BearerToken{
		Value:      "orphan",
		IdentityID: "ghost",
		ExpiresAt:  now.Add(time.Hour),
	})

	req := httptest.NewRequest(http.MethodGet, "/userInfo?access_token=orphan", nil)
	rr := httptest.NewRecorder()
	h.ServeUserInfo(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}

// ============================================================
// Routing and rate limiting
// ============================================================

func TestRegisterRoutes(t *testing.T) {
	f := newTestFixture(t)
	h := newTestHandler(t, f, "test-user-123")

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	for _, path := range []string{"/auth", "/token", "/revoke", "/tokenInfo", "/userInfo"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, req)
		if rr.Code == http.StatusNotFound {
			t.Errorf("route %s not registered", path)
		}
	}
}

func TestCheckRateLimit(t *testing.T) {
	f := newTestFixture(t)

	server, err := NewServer(f.clients, f.authorizations, f.tokens, f.identities, f.serviceAccounts, &Config{
		LoginPageURL: "https://auth.example.com/login",
		RateLimit:    RateLimitConfig{Rate: 1, Burst: 1},
	})
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	defer server.Stop()

	h := NewHandler(server, &staticIdentityFinder{identityID: "test-user-123"}, nil)

	var lastCode int
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/auth?client_id=test-client-id&response_type=code", nil)
		req.RemoteAddr = "203.0.113.5:1234"
		rr := httptest.NewRecorder()
		h.ServeAuthorization(rr, req)
		lastCode = rr.Code
	}

	if lastCode != http.StatusTooManyRequests {
		t.Errorf("status after burst = %d, want 429", lastCode)
	}
}
