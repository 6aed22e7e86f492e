package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/giantswarm/oauth2-server/storage"
)

// FixedTime returns a deterministic instant for time-sensitive tests.
// All expiry arithmetic in tests should derive from this value.
func FixedTime() time.Time {
	return time.Date(2026, time.March, 14, 9, 30, 0, 0, time.UTC)
}

// GenerateTestClient creates a confidential test client
func GenerateTestClient() *storage.Client {
	return &storage.Client{
		ID:   "test-client-id",
		Name: "Test Client",
		// bcrypt hash of "secret"
		SecretHash:   "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy",
		RedirectURIs: []string{"https://example.com/callback"},
		Scopes:       []string{"openid", "email", "profile"},
		CreatedAt:    FixedTime(),
	}
}

// GenerateTestIdentity creates a test identity with custom claims
func GenerateTestIdentity() *storage.Identity {
	return &storage.Identity{
		ID:         985,
		Name:       "Test User",
		GivenName:  "Test",
		FamilyName: "User",
		Email:      "test@example.com",
		Picture:    "https://example.com/photo.jpg",
		Claims:     map[string]any{"claim1": "v", "claim2": int64(342)},
	}
}

// GenerateTestToken creates a bearer token valid for one hour from FixedTime
func GenerateTestToken() *storage.BearerToken {
	return &storage.BearerToken{
		Value:      GenerateRandomString(32),
		GrantType:  storage.GrantTypeAuthorizationCode,
		IdentityID: "test-user-123",
		ClientID:   "test-client-id",
		Scopes:     []string{"openid", "email"},
		ExpiresAt:  FixedTime().Add(time.Hour),
	}
}

// GenerateTestRSAKey generates an RSA key pair for assertion tests,
// returning the private key and its public half as PEM.
func GenerateTestRSAKey(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate RSA key: %v", err)
	}

	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("failed to marshal public key: %v", err)
	}
	publicPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

	return key, string(publicPEM)
}

// SignTestAssertion produces a signed RS256 assertion with the given claims
func SignTestAssertion(t *testing.T, key *rsa.PrivateKey, claims jwt.MapClaims) string {
	t.Helper()

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign assertion: %v", err)
	}
	return signed
}

// SignTestAssertionWithMethod produces an assertion signed with an arbitrary
// method, for exercising algorithm rejection paths.
func SignTestAssertionWithMethod(t *testing.T, method jwt.SigningMethod, key any, claims jwt.MapClaims) string {
	t.Helper()

	token := jwt.NewWithClaims(method, claims)
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign assertion: %v", err)
	}
	return signed
}

// GenerateRandomString generates a random base64-encoded string
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// AssertNoError fails the test if err is not nil
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error but got nil")
	}
}

// AssertEqual fails the test if got != want
func AssertEqual(t *testing.T, got, want interface{}) {
	t.Helper()
	if got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

// AssertStringContains fails the test if s does not contain substr
func AssertStringContains(t *testing.T, s, substr string) {
	t.Helper()
	if !strings.Contains(s, substr) {
		t.Errorf("string %q does not contain %q", s, substr)
	}
}

// AssertTrue fails the test if condition is false
func AssertTrue(t *testing.T, condition bool, message string) {
	t.Helper()
	if !condition {
		t.Errorf("assertion failed: %s", message)
	}
}
