// Package memory provides an in-memory implementation of all storage
// contracts. It is suitable for development, testing, and single-instance
// deployments.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/giantswarm/oauth2-server/instrumentation"
	"github.com/giantswarm/oauth2-server/storage"
)

const (
	defaultAccessTokenTTL       = time.Hour
	defaultRefreshTokenTTL      = 90 * 24 * time.Hour
	defaultAuthorizationCodeTTL = 10 * time.Minute
	defaultCleanupInterval      = time.Minute
)

// Config holds the store's lifetimes and housekeeping settings.
type Config struct {
	AccessTokenTTL       time.Duration
	RefreshTokenTTL      time.Duration
	AuthorizationCodeTTL time.Duration
	CleanupInterval      time.Duration
	Logger               *slog.Logger
}

// refreshTokenRecord carries everything needed to mint a successor token
// when a refresh token is redeemed.
type refreshTokenRecord struct {
	identityID string
	clientID   string
	scopes     []string
	expiresAt  time.Time
}

// Store is an in-memory implementation of all storage contracts.
type Store struct {
	mu sync.RWMutex

	clients         map[string]*storage.Client
	authorizations  map[string]*storage.Authorization
	accessTokens    map[string]*storage.BearerToken
	refreshTokens   map[string]*refreshTokenRecord
	identities      map[string]*storage.Identity
	serviceAccounts map[string]*storage.ServiceAccount

	accessTokenTTL  time.Duration
	refreshTokenTTL time.Duration
	codeTTL         time.Duration

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
	instr           *instrumentation.Instrumentation
}

// Compile-time interface checks to ensure Store implements all contracts
var (
	_ storage.ClientRepository              = (*Store)(nil)
	_ storage.ClientAuthorizationRepository = (*Store)(nil)
	_ storage.Tokens                        = (*Store)(nil)
	_ storage.IdentityFinder                = (*Store)(nil)
	_ storage.ServiceAccountRepository      = (*Store)(nil)
)

// New creates a new in-memory store with default lifetimes and a one-minute
// cleanup interval.
func New() *Store {
	return NewWithConfig(Config{})
}

// NewWithConfig creates a new in-memory store with custom settings.
func NewWithConfig(cfg Config) *Store {
	if cfg.AccessTokenTTL == 0 {
		cfg.AccessTokenTTL = defaultAccessTokenTTL
	}
	if cfg.RefreshTokenTTL == 0 {
		cfg.RefreshTokenTTL = defaultRefreshTokenTTL
	}
	if cfg.AuthorizationCodeTTL == 0 {
		cfg.AuthorizationCodeTTL = defaultAuthorizationCodeTTL
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = defaultCleanupInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Store{
		clients:         make(map[string]*storage.Client),
		authorizations:  make(map[string]*storage.Authorization),
		accessTokens:    make(map[string]*storage.BearerToken),
		refreshTokens:   make(map[string]*refreshTokenRecord),
		identities:      make(map[string]*storage.Identity),
		serviceAccounts: make(map[string]*storage.ServiceAccount),
		accessTokenTTL:  cfg.AccessTokenTTL,
		refreshTokenTTL: cfg.RefreshTokenTTL,
		codeTTL:         cfg.AuthorizationCodeTTL,
		cleanupInterval: cfg.CleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          cfg.Logger,
	}

	go s.cleanupLoop()

	return s
}

// Stop terminates the background cleanup goroutine.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCleanup)
	})
}

// SetInstrumentation attaches OpenTelemetry instrumentation to the store.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instr = inst
}

// recordStorageOperation records metrics for one storage operation.
func (s *Store) recordStorageOperation(ctx context.Context, operation string, err error, startTime time.Time) {
	if s.instr == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	s.instr.Metrics().RecordStorageOperation(ctx, operation, result,
		float64(time.Since(startTime).Milliseconds()))
}

// ============================================================
// ClientRepository
// ============================================================

// RegisterClient stores a client, hashing the supplied plaintext secret.
// An empty secret registers a public client.
func (s *Store) RegisterClient(client *storage.Client, secret string) error {
	if client == nil || client.ID == "" {
		return fmt.Errorf("client with ID is required")
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

	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[client.ID] = client

	s.logger.Debug("Registered client", "client_id", client.ID, "public", client.Public)
	return nil
}

// FindByID retrieves a client by ID.
func (s *Store) FindByID(ctx context.Context, id string) (client *storage.Client, err error) {
	defer func(start time.Time) { s.recordStorageOperation(ctx, "get_client", err, start) }(time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	found, ok := s.clients[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	copied := *found
	return &copied, nil
}

// ValidateSecret validates a client's secret against its stored bcrypt hash.
func (s *Store) ValidateSecret(_ context.Context, id, secret string) error {
	s.mu.RLock()
	client, ok := s.clients[id]
	s.mu.RUnlock()

	if !ok {
		// Burn a comparison anyway so unknown and known clients take
		// comparable time.
		_ = bcrypt.CompareHashAndPassword([]byte("$2a$10$000000000000000000000u"), []byte(secret))
		return storage.ErrNotFound
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
// ClientAuthorizationRepository
// ============================================================

// Authorize creates a one-time authorization code for the client and
// identity. Only the "code" response type is supported; anything else, and
// any identity this store has never seen, is declined.
func (s *Store) Authorize(ctx context.Context, client *storage.Client, identityID, responseType string, scopes []string, now time.Time) (authorization *storage.Authorization, err error) {
	defer func(start time.Time) { s.recordStorageOperation(ctx, "authorize", err, start) }(time.Now())

	if responseType != "code" {
		return nil, storage.ErrAccessDenied
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.identities[identityID]; !ok {
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
	s.authorizations[authorization.Code] = authorization

	copied := *authorization
	return &copied, nil
}

// ConsumeCode atomically validates ownership and single use, marks the code
// used, and returns the authorization. The mutex makes check-and-mark a
// single step: concurrent redemptions of one code see exactly one success.
func (s *Store) ConsumeCode(ctx context.Context, clientID, code string, now time.Time) (consumed *storage.Authorization, err error) {
	defer func(start time.Time) { s.recordStorageOperation(ctx, "consume_code", err, start) }(time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	authorization, ok := s.authorizations[code]
	if !ok || authorization.ClientID != clientID {
		// A foreign client's code is indistinguishable from an unknown one.
		return nil, storage.ErrNotFound
	}
	if authorization.Used {
		return nil, storage.ErrCodeAlreadyUsed
	}
	if !now.Before(authorization.ExpiresAt) {
		return nil, storage.ErrNotFound
	}

	authorization.Used = true

	copied := *authorization
	return &copied, nil
}

// ============================================================
// Tokens
// ============================================================

// Issue mints a bearer token and an associated refresh token.
func (s *Store) Issue(ctx context.Context, req storage.IssueRequest, now time.Time) (resp *storage.TokenResponse, err error) {
	defer func(start time.Time) { s.recordStorageOperation(ctx, "issue_token", err, start) }(time.Now())

	if req.ClientID == "" {
		return nil, fmt.Errorf("clientID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.issueLocked(req, now), nil
}

// issueLocked mints a token pair. Caller holds the write lock.
func (s *Store) issueLocked(req storage.IssueRequest, now time.Time) *storage.TokenResponse {
	token := &storage.BearerToken{
		Value:      oauth2.GenerateVerifier(),
		GrantType:  req.GrantType,
		IdentityID: req.IdentityID,
		ClientID:   req.ClientID,
		Scopes:     req.Scopes,
		ExpiresAt:  now.Add(s.accessTokenTTL),
	}
	s.accessTokens[token.Value] = token

	refreshValue := oauth2.GenerateVerifier()
	s.refreshTokens[refreshValue] = &refreshTokenRecord{
		identityID: req.IdentityID,
		clientID:   req.ClientID,
		scopes:     req.Scopes,
		expiresAt:  now.Add(s.refreshTokenTTL),
	}

	copied := *token
	return &storage.TokenResponse{Token: &copied, RefreshToken: refreshValue}
}

// RefreshToken rotates a refresh token: the old value is deleted and a new
// access/refresh pair is minted under the same lock, so two concurrent
// redemptions of one value yield exactly one success.
func (s *Store) RefreshToken(ctx context.Context, refreshToken string, now time.Time) (resp *storage.TokenResponse, err error) {
	defer func(start time.Time) { s.recordStorageOperation(ctx, "refresh_token", err, start) }(time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.refreshTokens[refreshToken]
	if !ok {
		return nil, storage.ErrNotFound
	}
	delete(s.refreshTokens, refreshToken)

	if !now.Before(record.expiresAt) {
		return nil, storage.ErrTokenExpired
	}

	return s.issueLocked(storage.IssueRequest{
		GrantType:  storage.GrantTypeRefreshToken,
		ClientID:   record.clientID,
		IdentityID: record.identityID,
		Scopes:     record.scopes,
	}, now), nil
}

// FindTokenAvailableAt retrieves a token valid at the supplied instant.
func (s *Store) FindTokenAvailableAt(ctx context.Context, value string, now time.Time) (found *storage.BearerToken, err error) {
	defer func(start time.Time) { s.recordStorageOperation(ctx, "get_token", err, start) }(time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	token, ok := s.accessTokens[value]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if !token.AvailableAt(now) {
		return nil, storage.ErrTokenExpired
	}
	copied := *token
	return &copied, nil
}

// Revoke invalidates a token. Unknown values are not an error.
func (s *Store) Revoke(ctx context.Context, value string) (err error) {
	defer func(start time.Time) { s.recordStorageOperation(ctx, "revoke_token", err, start) }(time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.accessTokens, value)
	delete(s.refreshTokens, value)
	return nil
}

// ============================================================
// IdentityFinder / ServiceAccountRepository
// ============================================================

// RegisterIdentity stores an identity under the given identifier.
func (s *Store) RegisterIdentity(identityID string, identity *storage.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identities[identityID] = identity
}

// FindIdentity resolves the identity behind a token. The grant type is
// accepted for contract compatibility; this store resolves all grants from
// the same identity table.
func (s *Store) FindIdentity(_ context.Context, identityID string, _ storage.GrantType, _ time.Time) (*storage.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	identity, ok := s.identities[identityID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	copied := *identity
	return &copied, nil
}

// RegisterServiceAccount stores a service account keyed by its issuer.
func (s *Store) RegisterServiceAccount(issuer string, account *storage.ServiceAccount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.serviceAccounts[issuer] = account
}

// FindServiceAccount retrieves a service account by assertion issuer.
func (s *Store) FindServiceAccount(_ context.Context, issuer string) (*storage.ServiceAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	account, ok := s.serviceAccounts[issuer]
	if !ok {
		return nil, storage.ErrNotFound
	}
	copied := *account
	return &copied, nil
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanupExpired(time.Now())
		case <-s.stopCleanup:
			return
		}
	}
}

// cleanupExpired is garbage collection only; validity decisions always go
// through the explicit-instant lookups above.
func (s *Store) cleanupExpired(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for code, authorization := range s.authorizations {
		if !now.Before(authorization.ExpiresAt) {
			delete(s.authorizations, code)
			removed++
		}
	}
	for value, token := range s.accessTokens {
		if !token.AvailableAt(now) {
			delete(s.accessTokens, value)
			removed++
		}
	}
	for value, record := range s.refreshTokens {
		if !now.Before(record.expiresAt) {
			delete(s.refreshTokens, value)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Debug("Cleaned up expired records", "removed", removed)
	}
}
