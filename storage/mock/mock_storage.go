// Package mock provides mock implementations of storage contracts for testing.
package mock

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/giantswarm/oauth2-server/storage"
)

// ============================================================
// MockClientRepository
// ============================================================

// MockClientRepository is a mock implementation of ClientRepository for testing
type MockClientRepository struct {
	mu                 sync.RWMutex
	clients            map[string]*storage.Client
	secrets            map[string]string
	FindByIDFunc       func(ctx context.Context, id string) (*storage.Client, error)
	ValidateSecretFunc func(ctx context.Context, id, secret string) error
	CallCounts         map[string]int
}

var _ storage.ClientRepository = (*MockClientRepository)(nil)

// NewMockClientRepository creates a new mock client repository
func NewMockClientRepository() *MockClientRepository {
	m := &MockClientRepository{
		clients:    make(map[string]*storage.Client),
		secrets:    make(map[string]string),
		CallCounts: make(map[string]int),
	}

	m.FindByIDFunc = func(_ context.Context, id string) (*storage.Client, error) {
		m.mu.RLock()
		defer m.mu.RUnlock()
		client, ok := m.clients[id]
		if !ok {
			return nil, storage.ErrNotFound
		}
		return client, nil
	}

	m.ValidateSecretFunc = func(_ context.Context, id, secret string) error {
		m.mu.RLock()
		defer m.mu.RUnlock()
		want, ok := m.secrets[id]
		if !ok {
			return storage.ErrNotFound
		}
		if want != secret {
			return storage.ErrInvalidCredentials
		}
		return nil
	}

	return m
}

// AddClient registers a client with a plaintext secret for lookup
func (m *MockClientRepository) AddClient(client *storage.Client, secret string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[client.ID] = client
	m.secrets[client.ID] = secret
}

func (m *MockClientRepository) FindByID(ctx context.Context, id string) (*storage.Client, error) {
	m.countCall("FindByID")
	return m.FindByIDFunc(ctx, id)
}

func (m *MockClientRepository) ValidateSecret(ctx context.Context, id, secret string) error {
	m.countCall("ValidateSecret")
	return m.ValidateSecretFunc(ctx, id, secret)
}

func (m *MockClientRepository) countCall(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCounts[name]++
}

// ============================================================
// MockAuthorizationRepository
// ============================================================

// MockAuthorizationRepository is a mock implementation of
// ClientAuthorizationRepository for testing
type MockAuthorizationRepository struct {
	mu              sync.RWMutex
	authorizations  map[string]*storage.Authorization
	AuthorizeFunc   func(ctx context.Context, client *storage.Client, identityID, responseType string, scopes []string, now time.Time) (*storage.Authorization, error)
	ConsumeCodeFunc func(ctx context.Context, clientID, code string, now time.Time) (*storage.Authorization, error)
	CallCounts      map[string]int
}

var _ storage.ClientAuthorizationRepository = (*MockAuthorizationRepository)(nil)

// NewMockAuthorizationRepository creates a new mock authorization repository
func NewMockAuthorizationRepository() *MockAuthorizationRepository {
	m := &MockAuthorizationRepository{
		authorizations: make(map[string]*storage.Authorization),
		CallCounts:     make(map[string]int),
	}

	codeSequence := 0
	m.AuthorizeFunc = func(_ context.Context, client *storage.Client, identityID, responseType string, scopes []string, now time.Time) (*storage.Authorization, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		codeSequence++
		authorization := &storage.Authorization{
			Code:         "code-" + strconv.Itoa(codeSequence),
			ClientID:     client.ID,
			IdentityID:   identityID,
			ResponseType: responseType,
			Scopes:       scopes,
			CreatedAt:    now,
			ExpiresAt:    now.Add(10 * time.Minute),
		}
		m.authorizations[authorization.Code] = authorization
		return authorization, nil
	}

	m.ConsumeCodeFunc = func(_ context.Context, clientID, code string, now time.Time) (*storage.Authorization, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		authorization, ok := m.authorizations[code]
		if !ok || authorization.ClientID != clientID {
			return nil, storage.ErrNotFound
		}
		if authorization.Used {
			return nil, storage.ErrCodeAlreadyUsed
		}
		if !now.Before(authorization.ExpiresAt) {
			return nil, storage.ErrNotFound
		}
		authorization.Used = true
		return authorization, nil
	}

	return m
}

// AddAuthorization seeds a pending authorization code
func (m *MockAuthorizationRepository) AddAuthorization(authorization *storage.Authorization) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.authorizations[authorization.Code] = authorization
}

func (m *MockAuthorizationRepository) Authorize(ctx context.Context, client *storage.Client, identityID, responseType string, scopes []string, now time.Time) (*storage.Authorization, error) {
	m.countCall("Authorize")
	return m.AuthorizeFunc(ctx, client, identityID, responseType, scopes, now)
}

func (m *MockAuthorizationRepository) ConsumeCode(ctx context.Context, clientID, code string, now time.Time) (*storage.Authorization, error) {
	m.countCall("ConsumeCode")
	return m.ConsumeCodeFunc(ctx, clientID, code, now)
}

func (m *MockAuthorizationRepository) countCall(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCounts[name]++
}

// ============================================================
// MockTokens
// ============================================================

// MockTokens is a mock implementation of Tokens for testing
type MockTokens struct {
	mu                       sync.RWMutex
	tokens                   map[string]*storage.BearerToken
	refreshTokens            map[string]storage.IssueRequest
	sequence                 int
	IssueFunc                func(ctx context.Context, req storage.IssueRequest, now time.Time) (*storage.TokenResponse, error)
	RefreshTokenFunc         func(ctx context.Context, refreshToken string, now time.Time) (*storage.TokenResponse, error)
	FindTokenAvailableAtFunc func(ctx context.Context, value string, now time.Time) (*storage.BearerToken, error)
	RevokeFunc               func(ctx context.Context, value string) error
	CallCounts               map[string]int
}

var _ storage.Tokens = (*MockTokens)(nil)

// NewMockTokens creates a new mock token source
func NewMockTokens() *MockTokens {
	m := &MockTokens{
		tokens:        make(map[string]*storage.BearerToken),
		refreshTokens: make(map[string]storage.IssueRequest),
		CallCounts:    make(map[string]int),
	}

	m.IssueFunc = func(_ context.Context, req storage.IssueRequest, now time.Time) (*storage.TokenResponse, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.issueLocked(req, now), nil
	}

	m.RefreshTokenFunc = func(_ context.Context, refreshToken string, now time.Time) (*storage.TokenResponse, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		req, ok := m.refreshTokens[refreshToken]
		if !ok {
			return nil, storage.ErrNotFound
		}
		delete(m.refreshTokens, refreshToken)
		req.GrantType = storage.GrantTypeRefreshToken
		return m.issueLocked(req, now), nil
	}

	m.FindTokenAvailableAtFunc = func(_ context.Context, value string, now time.Time) (*storage.BearerToken, error) {
		m.mu.RLock()
		defer m.mu.RUnlock()
		token, ok := m.tokens[value]
		if !ok {
			return nil, storage.ErrNotFound
		}
		if !token.AvailableAt(now) {
			return nil, storage.ErrTokenExpired
		}
		return token, nil
	}

	m.RevokeFunc = func(_ context.Context, value string) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.tokens, value)
		delete(m.refreshTokens, value)
		return nil
	}

	return m
}

// issueLocked mints a deterministic token pair. Caller holds the lock.
func (m *MockTokens) issueLocked(req storage.IssueRequest, now time.Time) *storage.TokenResponse {
	m.sequence++
	token := &storage.BearerToken{
		Value:      "access-token-" + strconv.Itoa(m.sequence),
		GrantType:  req.GrantType,
		IdentityID: req.IdentityID,
		ClientID:   req.ClientID,
		Scopes:     req.Scopes,
		ExpiresAt:  now.Add(time.Hour),
	}
	m.tokens[token.Value] = token
	refreshValue := "refresh-token-" + strconv.Itoa(m.sequence)
	m.refreshTokens[refreshValue] = req
	return &storage.TokenResponse{Token: token, RefreshToken: refreshValue}
}

// AddToken seeds an issued bearer token
func (m *MockTokens) AddToken(token *storage.BearerToken) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[token.Value] = token
}

// AddRefreshToken seeds a redeemable refresh token
func (m *MockTokens) AddRefreshToken(value string, req storage.IssueRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshTokens[value] = req
}

func (m *MockTokens) Issue(ctx context.Context, req storage.IssueRequest, now time.Time) (*storage.TokenResponse, error) {
	m.countCall("Issue")
	return m.IssueFunc(ctx, req, now)
}

func (m *MockTokens) RefreshToken(ctx context.Context, refreshToken string, now time.Time) (*storage.TokenResponse, error) {
	m.countCall("RefreshToken")
	return m.RefreshTokenFunc(ctx, refreshToken, now)
}

func (m *MockTokens) FindTokenAvailableAt(ctx context.Context, value string, now time.Time) (*storage.BearerToken, error) {
	m.countCall("FindTokenAvailableAt")
	return m.FindTokenAvailableAtFunc(ctx, value, now)
}

func (m *MockTokens) Revoke(ctx context.Context, value string) error {
	m.countCall("Revoke")
	return m.RevokeFunc(ctx, value)
}

func (m *MockTokens) countCall(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCounts[name]++
}

// ============================================================
// MockIdentityFinder
// ============================================================

// MockIdentityFinder is a mock implementation of IdentityFinder for testing
type MockIdentityFinder struct {
	mu               sync.RWMutex
	identities       map[string]*storage.Identity
	FindIdentityFunc func(ctx context.Context, identityID string, grantType storage.GrantType, now time.Time) (*storage.Identity, error)
	CallCounts       map[string]int
}

var _ storage.IdentityFinder = (*MockIdentityFinder)(nil)

// NewMockIdentityFinder creates a new mock identity finder
func NewMockIdentityFinder() *MockIdentityFinder {
	m := &MockIdentityFinder{
		identities: make(map[string]*storage.Identity),
		CallCounts: make(map[string]int),
	}

	m.FindIdentityFunc = func(_ context.Context, identityID string, _ storage.GrantType, _ time.Time) (*storage.Identity, error) {
		m.mu.RLock()
		defer m.mu.RUnlock()
		identity, ok := m.identities[identityID]
		if !ok {
			return nil, storage.ErrNotFound
		}
		return identity, nil
	}

	return m
}

// AddIdentity registers an identity for lookup
func (m *MockIdentityFinder) AddIdentity(identityID string, identity *storage.Identity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.identities[identityID] = identity
}

func (m *MockIdentityFinder) FindIdentity(ctx context.Context, identityID string, grantType storage.GrantType, now time.Time) (*storage.Identity, error) {
	m.countCall("FindIdentity")
	return m.FindIdentityFunc(ctx, identityID, grantType, now)
}

func (m *MockIdentityFinder) countCall(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCounts[name]++
}

// ============================================================
// MockServiceAccountRepository
// ============================================================

// MockServiceAccountRepository is a mock implementation of
// ServiceAccountRepository for testing
type MockServiceAccountRepository struct {
	mu                     sync.RWMutex
	accounts               map[string]*storage.ServiceAccount
	FindServiceAccountFunc func(ctx context.Context, issuer string) (*storage.ServiceAccount, error)
	CallCounts             map[string]int
}

var _ storage.ServiceAccountRepository = (*MockServiceAccountRepository)(nil)

// NewMockServiceAccountRepository creates a new mock service account repository
func NewMockServiceAccountRepository() *MockServiceAccountRepository {
	m := &MockServiceAccountRepository{
		accounts:   make(map[string]*storage.ServiceAccount),
		CallCounts: make(map[string]int),
	}

	m.FindServiceAccountFunc = func(_ context.Context, issuer string) (*storage.ServiceAccount, error) {
		m.mu.RLock()
		defer m.mu.RUnlock()
		account, ok := m.accounts[issuer]
		if !ok {
			return nil, storage.ErrNotFound
		}
		return account, nil
	}

	return m
}

// AddServiceAccount registers a service account for lookup
func (m *MockServiceAccountRepository) AddServiceAccount(issuer string, account *storage.ServiceAccount) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[issuer] = account
}

func (m *MockServiceAccountRepository) FindServiceAccount(ctx context.Context, issuer string) (*storage.ServiceAccount, error) {
	m.countCall("FindServiceAccount")
	return m.FindServiceAccountFunc(ctx, issuer)
}

func (m *MockServiceAccountRepository) countCall(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCounts[name]++
}
