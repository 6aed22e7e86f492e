package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/oauth2"

	"github.com/giantswarm/oauth2-server/storage"
)

// Compile-time interface check
var _ storage.Tokens = (*Store)(nil)

// ============================================================
// Tokens Implementation
// ============================================================

// bearerTokenJSON is the JSON representation of a bearer token
type bearerTokenJSON struct {
	Value      string   `json:"value"`
	GrantType  string   `json:"grant_type"`
	IdentityID string   `json:"identity_id"`
	ClientID   string   `json:"client_id"`
	Scopes     []string `json:"scopes,omitempty"`
	ExpiresAt  int64    `json:"expires_at"`
}

// refreshTokenJSON is the JSON representation of a refresh token record
type refreshTokenJSON struct {
	IdentityID string   `json:"identity_id"`
	ClientID   string   `json:"client_id"`
	Scopes     []string `json:"scopes,omitempty"`
	ExpiresAt  int64    `json:"expires_at"`
}

// Issue mints a bearer token and an associated refresh token, both stored
// with a TTL so Valkey reaps them after expiry.
func (s *Store) Issue(ctx context.Context, req storage.IssueRequest, now time.Time) (resp *storage.TokenResponse, err error) {
	defer func(start time.Time) { s.recordStorageOperation(ctx, "issue_token", err, start) }(time.Now())

	if req.ClientID == "" {
		return nil, fmt.Errorf("clientID cannot be empty")
	}
	if err := validateStringLength(req.ClientID, MaxIDLength, "clientID"); err != nil {
		return nil, err
	}
	if err := validateStringLength(req.IdentityID, MaxIDLength, "identityID"); err != nil {
		return nil, err
	}

	token := &storage.BearerToken{
		Value:      oauth2.GenerateVerifier(),
		GrantType:  req.GrantType,
		IdentityID: req.IdentityID,
		ClientID:   req.ClientID,
		Scopes:     req.Scopes,
		ExpiresAt:  now.Add(s.accessTokenTTL),
	}

	data, err := json.Marshal(bearerTokenJSON{
		Value:      token.Value,
		GrantType:  string(token.GrantType),
		IdentityID: token.IdentityID,
		ClientID:   token.ClientID,
		Scopes:     token.Scopes,
		ExpiresAt:  token.ExpiresAt.Unix(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal token: %w", err)
	}

	key := s.tokenKey(token.Value)
	ttl := calculateTTL(token.ExpiresAt, now)
	if err := s.client.Do(ctx, s.client.B().Set().Key(key).Value(string(data)).Ex(ttl).Build()).Error(); err != nil {
		return nil, fmt.Errorf("failed to save token: %w", err)
	}

	refreshValue := oauth2.GenerateVerifier()
	refreshExpiresAt := now.Add(s.refreshTokenTTL)
	refreshData, err := json.Marshal(refreshTokenJSON{
		IdentityID: req.IdentityID,
		ClientID:   req.ClientID,
		Scopes:     req.Scopes,
		ExpiresAt:  refreshExpiresAt.Unix(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal refresh token: %w", err)
	}

	refreshKey := s.refreshTokenKey(refreshValue)
	refreshTTL := calculateTTL(refreshExpiresAt, now)
	if err := s.client.Do(ctx, s.client.B().Set().Key(refreshKey).Value(string(refreshData)).Ex(refreshTTL).Build()).Error(); err != nil {
		return nil, fmt.Errorf("failed to save refresh token: %w", err)
	}

	s.logger.Debug("Issued token",
		"client_id", req.ClientID,
		"grant_type", req.GrantType)

	return &storage.TokenResponse{Token: token, RefreshToken: refreshValue}, nil
}

// RefreshToken rotates a refresh token. GETDEL removes the old value in the
// same command that reads it, so concurrent redemptions of one value yield
// exactly one success across all server instances.
func (s *Store) RefreshToken(ctx context.Context, refreshToken string, now time.Time) (resp *storage.TokenResponse, err error) {
	defer func(start time.Time) { s.recordStorageOperation(ctx, "refresh_token", err, start) }(time.Now())

	if err := validateStringLength(refreshToken, MaxTokenLength, "refreshToken"); err != nil {
		return nil, err
	}

	key := s.refreshTokenKey(refreshToken)
	data, err := s.client.Do(ctx, s.client.B().Getdel().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to consume refresh token: %w", err)
	}

	var record refreshTokenJSON
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal refresh token: %w", err)
	}

	if now.Unix() >= record.ExpiresAt {
		return nil, storage.ErrTokenExpired
	}

	return s.Issue(ctx, storage.IssueRequest{
		GrantType:  storage.GrantTypeRefreshToken,
		ClientID:   record.ClientID,
		IdentityID: record.IdentityID,
		Scopes:     record.Scopes,
	}, now)
}

// FindTokenAvailableAt retrieves a token valid at the supplied instant.
func (s *Store) FindTokenAvailableAt(ctx context.Context, value string, now time.Time) (found *storage.BearerToken, err error) {
	defer func(start time.Time) { s.recordStorageOperation(ctx, "get_token", err, start) }(time.Now())

	if err := validateStringLength(value, MaxTokenLength, "token"); err != nil {
		return nil, err
	}

	key := s.tokenKey(value)
	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get token: %w", err)
	}

	var j bearerTokenJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token: %w", err)
	}

	token := &storage.BearerToken{
		Value:      j.Value,
		GrantType:  storage.GrantType(j.GrantType),
		IdentityID: j.IdentityID,
		ClientID:   j.ClientID,
		Scopes:     j.Scopes,
		ExpiresAt:  time.Unix(j.ExpiresAt, 0),
	}

	// The TTL reaps the key eventually; the instant check is authoritative.
	if !token.AvailableAt(now) {
		return nil, storage.ErrTokenExpired
	}

	return token, nil
}

// Revoke invalidates a token value. Both the bearer token and refresh token
// namespaces are cleared, and unknown values are not an error.
func (s *Store) Revoke(ctx context.Context, value string) (err error) {
	defer func(start time.Time) { s.recordStorageOperation(ctx, "revoke_token", err, start) }(time.Now())

	if err := validateStringLength(value, MaxTokenLength, "token"); err != nil {
		return err
	}

	if err := s.client.Do(ctx, s.client.B().Del().Key(s.tokenKey(value), s.refreshTokenKey(value)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}

	s.logger.Debug("Revoked token")
	return nil
}
