package oauth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/giantswarm/oauth2-server/internal/testutil"
	"github.com/giantswarm/oauth2-server/storage"
)

// ============================================================
// Authorization Code Grant
// ============================================================

func TestExchangeAuthorizationCode(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()
	now := testutil.FixedTime()

	client := testutil.GenerateTestClient()
	f.authorizations.AddAuthorization(&storage.Authorization{
		Code:       "pending-code",
		ClientID:   client.ID,
		IdentityID: "test-user-123",
		Scopes:     []string{"openid", "email"},
		CreatedAt:  now,
		ExpiresAt:  now.Add(10 * time.Minute),
	})

	resp, err := f.server.ExchangeAuthorizationCode(ctx, client, "pending-code", now)
	if err != nil {
		t.Fatalf("ExchangeAuthorizationCode() error = %v", err)
	}

	if resp.Token.IdentityID != "test-user-123" {
		t.Errorf("IdentityID = %q, want test-user-123", resp.Token.IdentityID)
	}
	if resp.Token.GrantType != storage.GrantTypeAuthorizationCode {
		t.Errorf("GrantType = %q, want authorization_code", resp.Token.GrantType)
	}
	if len(resp.Token.Scopes) != 2 {
		t.Errorf("Scopes = %v, want the authorization's scopes", resp.Token.Scopes)
	}
	if resp.RefreshToken == "" {
		t.Error("response should carry a refresh token")
	}
}

func TestExchangeAuthorizationCode_Replay(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()
	now := testutil.FixedTime()

	client := testutil.GenerateTestClient()
	f.authorizations.AddAuthorization(&storage.Authorization{
		Code:       "one-shot",
		ClientID:   client.ID,
		IdentityID: "test-user-123",
		CreatedAt:  now,
		ExpiresAt:  now.Add(10 * time.Minute),
	})

	if _, err := f.server.ExchangeAuthorizationCode(ctx, client, "one-shot", now); err != nil {
		t.Fatalf("first exchange error = %v", err)
	}

	_, err := f.server.ExchangeAuthorizationCode(ctx, client, "one-shot", now)
	assertInvalidGrant(t, err)
}

func TestExchangeAuthorizationCode_UnknownCode(t *testing.T) {
	f := newTestFixture(t)

	_, err := f.server.ExchangeAuthorizationCode(context.Background(), testutil.GenerateTestClient(), "nonexistent", testutil.FixedTime())
	assertInvalidGrant(t, err)
}

func TestExchangeAuthorizationCode_ExpiredCode(t *testing.T) {
	f := newTestFixture(t)
	now := testutil.FixedTime()

	client := testutil.GenerateTestClient()
	f.authorizations.AddAuthorization(&storage.Authorization{
		Code:       "stale",
		ClientID:   client.ID,
		IdentityID: "test-user-123",
		CreatedAt:  now.Add(-time.Hour),
		ExpiresAt:  now.Add(-50 * time.Minute),
	})

	_, err := f.server.ExchangeAuthorizationCode(context.Background(), client, "stale", now)
	assertInvalidGrant(t, err)
}

// ============================================================
// Refresh Token Grant
// ============================================================

func TestRefreshAccessToken(t *testing.T) {
	f := newTestFixture(t)
	now := testutil.FixedTime()

	f.tokens.AddRefreshToken("valid-refresh", storage.IssueRequest{
		ClientID:   "test-client-id",
		IdentityID: "test-user-123",
		Scopes:     []string{"openid"},
	})

	resp, err := f.server.RefreshAccessToken(context.Background(), testutil.GenerateTestClient(), "valid-refresh", now)
	if err != nil {
		t.Fatalf("RefreshAccessToken() error = %v", err)
	}

	if resp.Token.Value == "" {
		t.Error("refresh should mint a new access token")
	}
	if resp.RefreshToken == "" || resp.RefreshToken == "valid-refresh" {
		t.Errorf("RefreshToken = %q, want a rotated value", resp.RefreshToken)
	}
	if resp.Token.GrantType != storage.GrantTypeRefreshToken {
		t.Errorf("GrantType = %q, want refresh_token", resp.Token.GrantType)
	}
}

func TestRefreshAccessToken_InvalidToken(t *testing.T) {
	f := newTestFixture(t)

	_, err := f.server.RefreshAccessToken(context.Background(), testutil.GenerateTestClient(), "nonexistent", testutil.FixedTime())
	assertInvalidGrant(t, err)
}

func TestRefreshAccessToken_ExpiredToken(t *testing.T) {
	f := newTestFixture(t)

	f.tokens.RefreshTokenFunc = func(_ context.Context, _ string, _ time.Time) (*storage.TokenResponse, error) {
		return nil, storage.ErrTokenExpired
	}

	// Expired and unknown collapse into the same outward error.
	_, err := f.server.RefreshAccessToken(context.Background(), testutil.GenerateTestClient(), "expired", testutil.FixedTime())
	assertInvalidGrant(t, err)
}

// ============================================================
// JWT-Bearer Grant
// ============================================================

const testIssuer = "svc@project.example.com"

func TestExchangeAssertion(t *testing.T) {
	f := newTestFixture(t)
	now := testutil.FixedTime()

	key, publicPEM := testutil.GenerateTestRSAKey(t)
	f.serviceAccounts.AddServiceAccount(testIssuer, &storage.ServiceAccount{
		ClientEmail:  testIssuer,
		ClientID:     "svc-client-id",
		PublicKeyPEM: publicPEM,
		Scopes:       []string{"service"},
	})

	assertion := testutil.SignTestAssertion(t, key, jwt.MapClaims{
		"iss": testIssuer,
		"aud": "https://auth.example.com/token",
		"exp": now.Add(time.Hour).Unix(),
		"iat": now.Unix(),
	})

	resp, err := f.server.ExchangeAssertion(context.Background(), assertion, now)
	if err != nil {
		t.Fatalf("ExchangeAssertion() error = %v", err)
	}

	if resp.Token.ClientID != "svc-client-id" {
		t.Errorf("ClientID = %q, want svc-client-id", resp.Token.ClientID)
	}
	if resp.Token.IdentityID != testIssuer {
		t.Errorf("IdentityID = %q, want the service account email", resp.Token.IdentityID)
	}
	if resp.Token.GrantType != storage.GrantTypeJWT {
		t.Errorf("GrantType = %q, want jwt", resp.Token.GrantType)
	}
}

func TestExchangeAssertion_Malformed(t *testing.T) {
	f := newTestFixture(t)

	_, err := f.server.ExchangeAssertion(context.Background(), "not.a-jwt", testutil.FixedTime())
	assertInvalidGrant(t, err)
}

func TestExchangeAssertion_RejectsHMAC(t *testing.T) {
	f := newTestFixture(t)
	now := testutil.FixedTime()

	_, publicPEM := testutil.GenerateTestRSAKey(t)
	f.serviceAccounts.AddServiceAccount(testIssuer, &storage.ServiceAccount{
		ClientEmail:  testIssuer,
		ClientID:     "svc-client-id",
		PublicKeyPEM: publicPEM,
	})

	// HS256 signed with the public key bytes: the classic algorithm
	// confusion attempt. It must fail at the allow-list, before any
	// verification happens.
	assertion := testutil.SignTestAssertionWithMethod(t, jwt.SigningMethodHS256, []byte(publicPEM), jwt.MapClaims{
		"iss": testIssuer,
		"exp": now.Add(time.Hour).Unix(),
	})

	_, err := f.server.ExchangeAssertion(context.Background(), assertion, now)
	assertInvalidGrant(t, err)

	if f.serviceAccounts.CallCounts["FindServiceAccount"] != 0 {
		t.Error("service account lookup must not happen for a rejected algorithm")
	}
}

func TestExchangeAssertion_RejectsNoneAlgorithm(t *testing.T) {
	f := newTestFixture(t)
	now := testutil.FixedTime()

	assertion := testutil.SignTestAssertionWithMethod(t, jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, jwt.MapClaims{
		"iss": testIssuer,
		"exp": now.Add(time.Hour).Unix(),
	})

	_, err := f.server.ExchangeAssertion(context.Background(), assertion, now)
	assertInvalidGrant(t, err)
}

func TestExchangeAssertion_UnknownIssuer(t *testing.T) {
	f := newTestFixture(t)
	now := testutil.FixedTime()

	key, _ := testutil.GenerateTestRSAKey(t)
	assertion := testutil.SignTestAssertion(t, key, jwt.MapClaims{
		"iss": "unknown@issuer",
		"exp": now.Add(time.Hour).Unix(),
	})

	_, err := f.server.ExchangeAssertion(context.Background(), assertion, now)
	assertInvalidGrant(t, err)
}

func TestExchangeAssertion_SignatureMismatch(t *testing.T) {
	f := newTestFixture(t)
	now := testutil.FixedTime()

	_, publicPEM := testutil.GenerateTestRSAKey(t)
	f.serviceAccounts.AddServiceAccount(testIssuer, &storage.ServiceAccount{
		ClientEmail:  testIssuer,
		ClientID:     "svc-client-id",
		PublicKeyPEM: publicPEM,
	})

	// Signed with a different key than the one on record.
	otherKey, _ := testutil.GenerateTestRSAKey(t)
	assertion := testutil.SignTestAssertion(t, otherKey, jwt.MapClaims{
		"iss": testIssuer,
		"exp": now.Add(time.Hour).Unix(),
	})

	_, err := f.server.ExchangeAssertion(context.Background(), assertion, now)
	assertInvalidGrant(t, err)
}

func TestExchangeAssertion_Expired(t *testing.T) {
	f := newTestFixture(t)
	now := testutil.FixedTime()

	key, publicPEM := testutil.GenerateTestRSAKey(t)
	f.serviceAccounts.AddServiceAccount(testIssuer, &storage.ServiceAccount{
		ClientEmail:  testIssuer,
		ClientID:     "svc-client-id",
		PublicKeyPEM: publicPEM,
	})

	assertion := testutil.SignTestAssertion(t, key, jwt.MapClaims{
		"iss": testIssuer,
		"exp": now.Add(-time.Minute).Unix(),
	})

	_, err := f.server.ExchangeAssertion(context.Background(), assertion, now)
	assertInvalidGrant(t, err)
}

func TestExchangeAssertion_AudienceMismatch(t *testing.T) {
	f := newTestFixture(t)
	now := testutil.FixedTime()

	key, publicPEM := testutil.GenerateTestRSAKey(t)
	f.serviceAccounts.AddServiceAccount(testIssuer, &storage.ServiceAccount{
		ClientEmail:  testIssuer,
		ClientID:     "svc-client-id",
		PublicKeyPEM: publicPEM,
	})

	// Well-signed assertions addressed to someone else must not be
	// redeemable here.
	tests := []struct {
		name string
		aud  string
	}{
		{"foreign audience", "https://other.example.com/token"},
		{"absent audience", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims := jwt.MapClaims{
				"iss": testIssuer,
				"exp": now.Add(time.Hour).Unix(),
			}
			if tt.aud != "" {
				claims["aud"] = tt.aud
			}
			assertion := testutil.SignTestAssertion(t, key, claims)

			_, err := f.server.ExchangeAssertion(context.Background(), assertion, now)
			assertInvalidGrant(t, err)
		})
	}
}

// assertInvalidGrant verifies the collapsed grant failure: every rejected
// code, refresh token, or assertion surfaces as the same invalid_grant error.
func assertInvalidGrant(t *testing.T, err error) {
	t.Helper()

	var oauthErr *Error
	if !errors.As(err, &oauthErr) {
		t.Fatalf("error = %v, want *Error", err)
	}
	if oauthErr.Code != ErrorCodeInvalidGrant {
		t.Errorf("Code = %q, want invalid_grant", oauthErr.Code)
	}
	if oauthErr.Status != 400 {
		t.Errorf("Status = %d, want 400", oauthErr.Status)
	}
}
