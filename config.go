package oauth

import (
	"log/slog"
)

// Config holds the OAuth server configuration
// Structured using composition for better organization and maintainability
type Config struct {
	// Issuer is the server's issuer identifier (base URL). When set,
	// JWT-bearer assertions must name it (or its token endpoint) in their
	// aud claim. Token and code lifetimes are owned by the store configs.
	Issuer string

	// LoginPageURL is where /auth redirects when no resource-owner identity
	// can be resolved for the request
	LoginPageURL string

	// Rate limiting configuration
	RateLimit RateLimitConfig

	// Security settings
	Security SecurityConfig

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	// Rate is requests per second allowed per IP. Zero disables limiting.
	Rate int

	// Burst is the maximum burst size allowed per IP.
	Burst int

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool

	// TrustedProxyCount is the number of trusted proxies in front of this
	// server, used to extract the client IP from X-Forwarded-For.
	TrustedProxyCount int
}

// SecurityConfig holds security settings (secure by default)
type SecurityConfig struct {
	// EnableAuditLogging enables security audit logging.
	// Logs auth events, token operations, and violations (sensitive data hashed).
	EnableAuditLogging bool
}

// applySecureDefaults applies secure-by-default configuration values
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	if config.RateLimit.Rate > 0 && config.RateLimit.Burst == 0 {
		config.RateLimit.Burst = config.RateLimit.Rate * 2
	}
	if config.RateLimit.TrustProxy && config.RateLimit.TrustedProxyCount == 0 {
		config.RateLimit.TrustedProxyCount = 1
		logger.Warn("TrustProxy enabled without TrustedProxyCount, assuming 1")
	}
	return config
}
