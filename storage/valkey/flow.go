package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/giantswarm/oauth2-server/storage"
)

// Compile-time interface checks
var (
	_ storage.ClientRepository              = (*Store)(nil)
	_ storage.ClientAuthorizationRepository = (*Store)(nil)
	_ storage.IdentityFinder                = (*Store)(nil)
	_ storage.ServiceAccountRepository      = (*Store)(nil)
)

// ============================================================
// ClientRepository Implementation
// ============================================================

// clientJSON is the JSON representation of a client
type clientJSON struct {
	ID           string   `json:"id"`
	SecretHash   string   `json:"secret_hash,omitempty"`
	Name         string   `json:"name,omitempty"`
	RedirectURIs []string `json:"redirect_uris,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
	Public       bool     `json:"public,omitempty"`
	CreatedAt    int64    `json:"created_at"`
}

// SaveClient stores a client, hashing the supplied plaintext secret.
// An empty secret registers a public client.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client, secret string) error {
	if client == nil || client.ID == "" {
		return fmt.Errorf("client with ID is required")
	}
	if err := validateStringLength(client.ID, MaxIDLength, "clientID"); err != nil {
		return err
	}

	if secret != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("failed to hash client secret: %w", err)
		}
		client.SecretHash = string(hash)
	} else {
		client.Public = true
	}
	if client.CreatedAt.IsZero() {
		client.CreatedAt = time.Now()
	}

	data, err := json.Marshal(clientJSON{
		ID:           client.ID,
		SecretHash:   client.SecretHash,
		Name:         client.Name,
		RedirectURIs: client.RedirectURIs,
		Scopes:       client.Scopes,
		Public:       client.Public,
		CreatedAt:    client.CreatedAt.Unix(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}

	key := s.clientKey(client.ID)
	if err := s.client.Do(ctx, s.client.B().Set().Key(key).Value(string(data)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}

	s.logger.Debug("Saved client", "client_id", client.ID, "public", client.Public)
	return nil
}

// FindByID retrieves a client by ID.
func (s *Store) FindByID(ctx context.Context, id string) (client *storage.Client, err error) {
	defer func(start time.Time) { s.recordStorageOperation(ctx, "get_client", err, start) }(time.Now())

	key := s.clientKey(id)

	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get client: %w", err)
	}

	var j clientJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal client: %w", err)
	}

	return &storage.Client{
		ID:           j.ID,
		SecretHash:   j.SecretHash,
		Name:         j.Name,
		RedirectURIs: j.RedirectURIs,
		Scopes:       j.Scopes,
		Public:       j.Public,
		CreatedAt:    time.Unix(j.CreatedAt, 0),
	}, nil
}

// ValidateSecret validates a client's secret against its stored bcrypt hash.
func (s *Store) ValidateSecret(ctx context.Context, id, secret string) error {
	client, err := s.FindByID(ctx, id)
	if err != nil {
		// Burn a comparison anyway so unknown and known clients take
		// comparable time.
		_ = bcrypt.CompareHashAndPassword([]byte("$2a$10$000000000000000000000u"), []byte(secret))
		return err
	}
	if client.Public {
		if secret == "" {
			return nil
		}
		return storage.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(client.SecretHash), []byte(secret)); err != nil {
		return storage.ErrInvalidCredentials
	}
	return nil
}

// ============================================================
// ClientAuthorizationRepository Implementation
// ============================================================

// authorizationJSON is the JSON representation of an authorization code.
// The field names are shared with the consume Lua script.
type authorizationJSON struct {
	Code         string   `json:"code"`
	ClientID     string   `json:"client_id"`
	IdentityID   string   `json:"identity_id"`
	ResponseType string   `json:"response_type"`
	Scopes       []string `json:"scopes,omitempty"`
	CreatedAt    int64    `json:"created_at"`
	ExpiresAt    int64    `json:"expires_at"`
	Used         bool     `json:"used"`
}

// Authorize creates a one-time authorization code for the client and
// identity. Only the "code" response type is supported; anything else, and
// any identity this store has never seen, is declined.
func (s *Store) Authorize(ctx context.Context, client *storage.Client, identityID, responseType string, scopes []string, now time.Time) (authorization *storage.Authorization, err error) {
	defer func(start time.Time) { s.recordStorageOperation(ctx, "authorize", err, start) }(time.Now())

	if responseType != "code" {
		return nil, storage.ErrAccessDenied
	}
	if err := validateStringLength(identityID, MaxIDLength, "identityID"); err != nil {
		return nil, err
	}

	count, err := s.client.Do(ctx, s.client.B().Exists().Key(s.identityKey(identityID)).Build()).AsInt64()
	if err != nil {
		return nil, fmt.Errorf("failed to check identity: %w", err)
	}
	if count == 0 {
		return nil, storage.ErrAccessDenied
	}

	authorization = &storage.Authorization{
		Code:         oauth2.GenerateVerifier(),
		ClientID:     client.ID,
		IdentityID:   identityID,
		ResponseType: responseType,
		Scopes:       scopes,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.codeTTL),
	}

	data, err := json.Marshal(authorizationJSON{
		Code:         authorization.Code,
		ClientID:     authorization.ClientID,
		IdentityID:   authorization.IdentityID,
		ResponseType: authorization.ResponseType,
		Scopes:       authorization.Scopes,
		CreatedAt:    authorization.CreatedAt.Unix(),
		ExpiresAt:    authorization.ExpiresAt.Unix(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal authorization: %w", err)
	}

	key := s.codeKey(authorization.Code)
	ttl := calculateTTL(authorization.ExpiresAt, now)
	if err := s.client.Do(ctx, s.client.B().Set().Key(key).Value(string(data)).Ex(ttl).Build()).Error(); err != nil {
		return nil, fmt.Errorf("failed to save authorization: %w", err)
	}

	s.logger.Debug("Issued authorization code", "client_id", client.ID)
	return authorization, nil
}

// ConsumeCode atomically validates ownership and single use, marks the code
// used, and returns the authorization. Atomicity comes from the Lua script.
func (s *Store) ConsumeCode(ctx context.Context, clientID, code string, now time.Time) (consumed *storage.Authorization, err error) {
	defer func(start time.Time) { s.recordStorageOperation(ctx, "consume_code", err, start) }(time.Now())

	if err := validateStringLength(code, MaxTokenLength, "code"); err != nil {
		return nil, err
	}

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaAtomicConsumeCode).
			Numkeys(1).
			Key(s.codeKey(code)).
			Arg(clientID).
			Arg(strconv.FormatInt(now.Unix(), 10)).
			Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to consume authorization code: %w", err)
	}

	switch result {
	case "NOT_FOUND", "EXPIRED":
		return nil, storage.ErrNotFound
	case "ALREADY_USED":
		return nil, storage.ErrCodeAlreadyUsed
	}

	var j authorizationJSON
	if err := json.Unmarshal([]byte(result), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal authorization: %w", err)
	}

	return &storage.Authorization{
		Code:         j.Code,
		ClientID:     j.ClientID,
		IdentityID:   j.IdentityID,
		ResponseType: j.ResponseType,
		Scopes:       j.Scopes,
		CreatedAt:    time.Unix(j.CreatedAt, 0),
		ExpiresAt:    time.Unix(j.ExpiresAt, 0),
		Used:         true,
	}, nil
}

// ============================================================
// IdentityFinder Implementation
// ============================================================

// identityJSON is the JSON representation of an identity
type identityJSON struct {
	ID         int64          `json:"id"`
	Name       string         `json:"name,omitempty"`
	GivenName  string         `json:"given_name,omitempty"`
	FamilyName string         `json:"family_name,omitempty"`
	Email      string         `json:"email,omitempty"`
	Picture    string         `json:"picture,omitempty"`
	Claims     map[string]any `json:"claims,omitempty"`
}

// SaveIdentity stores an identity under the given identifier.
func (s *Store) SaveIdentity(ctx context.Context, identityID string, identity *storage.Identity) error {
	if identityID == "" || identity == nil {
		return fmt.Errorf("identityID and identity are required")
	}
	if err := validateStringLength(identityID, MaxIDLength, "identityID"); err != nil {
		return err
	}

	data, err := json.Marshal(identityJSON{
		ID:         identity.ID,
		Name:       identity.Name,
		GivenName:  identity.GivenName,
		FamilyName: identity.FamilyName,
		Email:      identity.Email,
		Picture:    identity.Picture,
		Claims:     identity.Claims,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal identity: %w", err)
	}

	key := s.identityKey(identityID)
	if err := s.client.Do(ctx, s.client.B().Set().Key(key).Value(string(data)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to save identity: %w", err)
	}
	return nil
}

// FindIdentity resolves the identity behind a token. The grant type is
// accepted for contract compatibility; this store resolves all grants from
// the same identity namespace.
func (s *Store) FindIdentity(ctx context.Context, identityID string, _ storage.GrantType, _ time.Time) (*storage.Identity, error) {
	key := s.identityKey(identityID)

	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get identity: %w", err)
	}

	var j identityJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal identity: %w", err)
	}

	return &storage.Identity{
		ID:         j.ID,
		Name:       j.Name,
		GivenName:  j.GivenName,
		FamilyName: j.FamilyName,
		Email:      j.Email,
		Picture:    j.Picture,
		Claims:     j.Claims,
	}, nil
}

// ============================================================
// ServiceAccountRepository Implementation
// ============================================================

// serviceAccountJSON is the JSON representation of a service account
type serviceAccountJSON struct {
	ClientEmail  string   `json:"client_email"`
	ClientID     string   `json:"client_id"`
	PublicKeyPEM string   `json:"public_key_pem"`
	Scopes       []string `json:"scopes,omitempty"`
}

// SaveServiceAccount stores a service account keyed by its issuer.
func (s *Store) SaveServiceAccount(ctx context.Context, issuer string, account *storage.ServiceAccount) error {
	if issuer == "" || account == nil {
		return fmt.Errorf("issuer and account are required")
	}
	if err := validateStringLength(issuer, MaxIDLength, "issuer"); err != nil {
		return err
	}

	data, err := json.Marshal(serviceAccountJSON{
		ClientEmail:  account.ClientEmail,
		ClientID:     account.ClientID,
		PublicKeyPEM: account.PublicKeyPEM,
		Scopes:       account.Scopes,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal service account: %w", err)
	}

	key := s.serviceAccountKey(issuer)
	if err := s.client.Do(ctx, s.client.B().Set().Key(key).Value(string(data)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to save service account: %w", err)
	}
	return nil
}

// FindServiceAccount retrieves a service account by assertion issuer.
func (s *Store) FindServiceAccount(ctx context.Context, issuer string) (*storage.ServiceAccount, error) {
	key := s.serviceAccountKey(issuer)

	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get service account: %w", err)
	}

	var j serviceAccountJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal service account: %w", err)
	}

	return &storage.ServiceAccount{
		ClientEmail:  j.ClientEmail,
		ClientID:     j.ClientID,
		PublicKeyPEM: j.PublicKeyPEM,
		Scopes:       j.Scopes,
	}, nil
}
