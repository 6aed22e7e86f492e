// Package valkey provides a Valkey-backed implementation of the storage
// contracts for multi-instance deployments. Authorization code redemption
// uses a Lua script and refresh rotation uses GETDEL, so single-use
// guarantees hold across server instances.
package valkey

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/giantswarm/oauth2-server/instrumentation"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "oauth2:"

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	// MaxTokenLength caps token and code strings to prevent oversized keys
	MaxTokenLength = 512

	// MaxIDLength caps identifiers (clientID, identityID, issuer)
	MaxIDLength = 256

	defaultAccessTokenTTL       = time.Hour
	defaultRefreshTokenTTL      = 90 * 24 * time.Hour
	defaultAuthorizationCodeTTL = 10 * time.Minute
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "oauth2:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger

	// AccessTokenTTL is the lifetime of issued bearer tokens (default 1h)
	AccessTokenTTL time.Duration

	// RefreshTokenTTL is the lifetime of refresh tokens (default 90 days)
	RefreshTokenTTL time.Duration

	// AuthorizationCodeTTL is the lifetime of authorization codes (default 10m)
	AuthorizationCodeTTL time.Duration
}

// Store is a Valkey-backed implementation of all storage contracts.
type Store struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger
	instr  *instrumentation.Instrumentation

	accessTokenTTL  time.Duration
	refreshTokenTTL time.Duration
	codeTTL         time.Duration
}

// New creates a new Valkey-backed storage instance.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.AccessTokenTTL == 0 {
		cfg.AccessTokenTTL = defaultAccessTokenTTL
	}
	if cfg.RefreshTokenTTL == 0 {
		cfg.RefreshTokenTTL = defaultRefreshTokenTTL
	}
	if cfg.AuthorizationCodeTTL == 0 {
		cfg.AuthorizationCodeTTL = defaultAuthorizationCodeTTL
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client:          client,
		prefix:          prefix,
		logger:          logger,
		accessTokenTTL:  cfg.AccessTokenTTL,
		refreshTokenTTL: cfg.RefreshTokenTTL,
		codeTTL:         cfg.AuthorizationCodeTTL,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.logger = logger
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

// validateStringLength checks if a string exceeds the maximum allowed length
func validateStringLength(value string, maxLen int, fieldName string) error {
	if len(value) > maxLen {
		return fmt.Errorf("%s exceeds maximum length of %d bytes", fieldName, maxLen)
	}
	return nil
}

// ============================================================
// Key Helpers
// ============================================================

// clientKey returns the key for a client: {prefix}client:{clientID}
func (s *Store) clientKey(clientID string) string {
	return fmt.Sprintf("%sclient:%s", s.prefix, clientID)
}

// codeKey returns the key for an authorization code: {prefix}code:{code}
func (s *Store) codeKey(code string) string {
	return fmt.Sprintf("%scode:%s", s.prefix, code)
}

// tokenKey returns the key for a bearer token: {prefix}token:{value}
func (s *Store) tokenKey(value string) string {
	return fmt.Sprintf("%stoken:%s", s.prefix, value)
}

// refreshTokenKey returns the key for a refresh token: {prefix}refresh:{value}
func (s *Store) refreshTokenKey(value string) string {
	return fmt.Sprintf("%srefresh:%s", s.prefix, value)
}

// identityKey returns the key for an identity: {prefix}identity:{identityID}
func (s *Store) identityKey(identityID string) string {
	return fmt.Sprintf("%sidentity:%s", s.prefix, identityID)
}

// serviceAccountKey returns the key for a service account: {prefix}serviceaccount:{issuer}
func (s *Store) serviceAccountKey(issuer string) string {
	return fmt.Sprintf("%sserviceaccount:%s", s.prefix, issuer)
}

// ============================================================
// Lua Scripts for Atomic Operations
// ============================================================

// luaAtomicConsumeCode atomically validates and burns an authorization code.
// Redemption must be a single step so only ONE concurrent request can
// succeed; anything else opens the door to code replay.
//
// KEYS[1] = code key (e.g., "oauth2:code:abc123")
// ARGV[1] = requesting client ID
// ARGV[2] = current Unix timestamp in seconds
//
// Returns:
//   - Original JSON data if the code was valid and is now marked used
//   - "NOT_FOUND" if the key doesn't exist or belongs to another client
//     (a foreign client's attempt does not burn the owner's code)
//   - "EXPIRED" if the code has expired
//   - "ALREADY_USED" if the code was redeemed before
const luaAtomicConsumeCode = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local code = cjson.decode(data)

if code.client_id ~= ARGV[1] then
    return 'NOT_FOUND'
end

local now = tonumber(ARGV[2])
local expiresAt = tonumber(code.expires_at)
if expiresAt and now >= expiresAt then
    return 'EXPIRED'
end

if code.used then
    return 'ALREADY_USED'
end

code.used = true
redis.call('SET', KEYS[1], cjson.encode(code), 'KEEPTTL')

return data
`

// isNilError checks if the error indicates a nil/not-found result from Valkey.
// Uses the valkey-go library's built-in nil detection for robustness.
func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}

// calculateTTL returns the remaining lifetime of a record expiring at the
// given instant, rounded up so records never vanish before their expiry.
func calculateTTL(expiresAt, now time.Time) time.Duration {
	ttl := expiresAt.Sub(now)
	if ttl <= 0 {
		return 0
	}
	if rem := ttl % time.Second; rem > 0 {
		ttl += time.Second - rem
	}
	return ttl
}
