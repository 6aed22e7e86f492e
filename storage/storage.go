// Package storage defines the repository contracts for clients, authorizations,
// tokens, identities, and service accounts, plus the domain types they exchange.
// It supports various backend implementations including in-memory and Valkey.
package storage

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by repository implementations.
// Callers branch on these with errors.Is, never on message text.
var (
	// ErrNotFound indicates the requested record does not exist
	ErrNotFound = errors.New("storage: not found")

	// ErrTokenExpired indicates the token exists but is no longer valid
	// at the supplied reference instant
	ErrTokenExpired = errors.New("storage: token expired")

	// ErrCodeAlreadyUsed indicates an authorization code replay attempt
	ErrCodeAlreadyUsed = errors.New("storage: authorization code already used")

	// ErrInvalidCredentials indicates client secret validation failed
	ErrInvalidCredentials = errors.New("storage: invalid client credentials")

	// ErrAccessDenied indicates the authorization request was declined
	// (unsupported response type, identity not entitled)
	ErrAccessDenied = errors.New("storage: access denied")
)

// GrantType identifies the OAuth mechanism a token was obtained through.
type GrantType string

const (
	GrantTypeAuthorizationCode GrantType = "authorization_code"
	GrantTypeRefreshToken      GrantType = "refresh_token"
	GrantTypeJWT               GrantType = "jwt"
)

// Client represents a registered OAuth client application.
type Client struct {
	ID           string
	SecretHash   string // bcrypt hash; empty for public clients
	Name         string
	RedirectURIs []string
	Scopes       []string
	Public       bool
	CreatedAt    time.Time
}

// DetermineRedirectURL validates a requested redirect URI against the client's
// registration and returns the canonical URI to use. A mismatch returns false;
// no fallback URI is ever substituted. An empty request resolves to the first
// registered URI so single-URI clients may omit the parameter.
func (c *Client) DetermineRedirectURL(requested string) (string, bool) {
	if len(c.RedirectURIs) == 0 {
		return "", false
	}
	if requested == "" {
		return c.RedirectURIs[0], true
	}
	for _, uri := range c.RedirectURIs {
		if uri == requested {
			return uri, true
		}
	}
	return "", false
}

// Authorization is a one-time credential bound to a client and an identity.
// It is created on a successful /auth request and consumed exactly once when
// exchanged for a token.
type Authorization struct {
	Code         string
	ClientID     string
	IdentityID   string
	ResponseType string
	Scopes       []string
	CreatedAt    time.Time
	ExpiresAt    time.Time
	Used         bool
}

// BearerToken is the access-token record. IdentityID may be empty for
// service-account tokens tied to a service principal rather than a human.
type BearerToken struct {
	Value      string
	GrantType  GrantType
	IdentityID string
	ClientID   string
	Scopes     []string
	ExpiresAt  time.Time
}

// AvailableAt reports whether the token is valid strictly before its expiry
// relative to the supplied instant.
func (t *BearerToken) AvailableAt(now time.Time) bool {
	return now.Before(t.ExpiresAt)
}

// ExpiresInSeconds returns the remaining lifetime in whole seconds at the
// supplied instant.
func (t *BearerToken) ExpiresInSeconds(now time.Time) int64 {
	return int64(t.ExpiresAt.Sub(now) / time.Second)
}

// TokenResponse is the result of a successful issuance or refresh.
// RefreshToken is empty when the grant does not mint one.
type TokenResponse struct {
	Token        *BearerToken
	RefreshToken string
}

// Identity is a resolved end-user or service profile. Claims is an open map of
// private claims surfaced verbatim in userinfo responses.
type Identity struct {
	ID         int64
	Name       string
	GivenName  string
	FamilyName string
	Email      string
	Picture    string
	Claims     map[string]any
}

// ServiceAccount is a non-human principal authenticating with signed JWT
// assertions. PublicKeyPEM holds the PEM-encoded RSA public key used to verify
// assertion signatures.
type ServiceAccount struct {
	ClientEmail  string
	ClientID     string
	PublicKeyPEM string
	Scopes       []string
}

// IssueRequest carries everything Tokens.Issue needs to mint a token.
type IssueRequest struct {
	GrantType  GrantType
	ClientID   string
	IdentityID string
	Scopes     []string
}

// ClientRepository manages registered OAuth clients.
// All methods accept context.Context for tracing and cancellation.
type ClientRepository interface {
	// FindByID retrieves a client by ID. Returns ErrNotFound if absent.
	FindByID(ctx context.Context, id string) (*Client, error)

	// ValidateSecret validates a client's secret against its stored hash.
	// Returns ErrInvalidCredentials on mismatch and ErrNotFound for unknown
	// clients.
	ValidateSecret(ctx context.Context, id, secret string) error
}

// ClientAuthorizationRepository issues and redeems one-time authorization
// codes. Code consumption MUST be atomic: two concurrent redemption attempts
// for the same code result in exactly one success.
type ClientAuthorizationRepository interface {
	// Authorize creates a new authorization for the client and identity.
	// Returns ErrAccessDenied when the response type is unsupported or the
	// identity is not entitled.
	Authorize(ctx context.Context, client *Client, identityID, responseType string, scopes []string, now time.Time) (*Authorization, error)

	// ConsumeCode atomically validates client ownership, marks the code used,
	// and returns the authorization. Returns ErrNotFound for unknown or
	// foreign codes and ErrCodeAlreadyUsed on replay.
	ConsumeCode(ctx context.Context, clientID, code string, now time.Time) (*Authorization, error)
}

// Tokens is the system of record for bearer token state. Every time-sensitive
// operation takes the reference instant explicitly; implementations never
// sample a clock of their own.
type Tokens interface {
	// Issue mints a new bearer token and, for grants that support it, an
	// associated refresh token.
	Issue(ctx context.Context, req IssueRequest, now time.Time) (*TokenResponse, error)

	// RefreshToken exchanges a refresh token for a new access token, rotating
	// the refresh token. Returns ErrNotFound or ErrTokenExpired on failure.
	// Rotation MUST be atomic: concurrent refreshes of the same value yield
	// exactly one success.
	RefreshToken(ctx context.Context, refreshToken string, now time.Time) (*TokenResponse, error)

	// FindTokenAvailableAt retrieves a token valid at the supplied instant.
	// Returns ErrNotFound for unknown tokens and ErrTokenExpired for known
	// but expired ones.
	FindTokenAvailableAt(ctx context.Context, value string, now time.Time) (*BearerToken, error)

	// Revoke invalidates a token. Revoking an unknown token is not an error.
	Revoke(ctx context.Context, value string) error
}

// IdentityFinder resolves the identity behind an issued token. The grant type
// is passed through because a JWT-bearer-derived token may resolve differently
// than an authorization-code-derived one.
type IdentityFinder interface {
	FindIdentity(ctx context.Context, identityID string, grantType GrantType, now time.Time) (*Identity, error)
}

// ServiceAccountRepository resolves service accounts for the JWT-bearer grant.
type ServiceAccountRepository interface {
	// FindServiceAccount retrieves a service account by the assertion's
	// issuer. Returns ErrNotFound if absent.
	FindServiceAccount(ctx context.Context, issuer string) (*ServiceAccount, error)
}
