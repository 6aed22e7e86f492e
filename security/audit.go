// Package security provides security features for the OAuth server including
// rate limiting, audit logging, client IP extraction, and secure response
// headers.
package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor handles security event logging with PII protection.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
	}
}

// Event represents a security audit event
type Event struct {
	Type       string
	IdentityID string
	ClientID   string
	Details    map[string]any
	Timestamp  time.Time
}

// LogEvent logs a security event with hashed PII
func (a *Auditor) LogEvent(event Event) {
	if !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"identity_hash", hashForLogging(event.IdentityID),
		"client_id", event.ClientID,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogTokenIssued logs when a bearer token is issued
func (a *Auditor) LogTokenIssued(identityID, clientID, grantType string) {
	a.LogEvent(Event{
		Type:       "token_issued",
		IdentityID: identityID,
		ClientID:   clientID,
		Details: map[string]any{
			"grant_type": grantType,
		},
	})
}

// LogTokenRefreshed logs when a token is refreshed (and rotated)
func (a *Auditor) LogTokenRefreshed(identityID, clientID string) {
	a.LogEvent(Event{
		Type:       "token_refreshed",
		IdentityID: identityID,
		ClientID:   clientID,
		Details: map[string]any{
			"rotated": true,
		},
	})
}

// LogTokenRevoked logs when a token is revoked
func (a *Auditor) LogTokenRevoked(identityID, clientID string) {
	a.LogEvent(Event{
		Type:       "token_revoked",
		IdentityID: identityID,
		ClientID:   clientID,
	})
}

// LogAuthFailure logs a failed client authentication attempt
func (a *Auditor) LogAuthFailure(clientID, ipAddress string) {
	a.LogEvent(Event{
		Type:     "auth_failure",
		ClientID: clientID,
		Details: map[string]any{
			"ip_address": ipAddress,
		},
	})
}

// LogAuthorizationRejected logs a rejected or denied /auth request
func (a *Auditor) LogAuthorizationRejected(clientID, reason string) {
	a.LogEvent(Event{
		Type:     "authorization_rejected",
		ClientID: clientID,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogCodeReuse logs an authorization code replay attempt
func (a *Auditor) LogCodeReuse(clientID string) {
	a.LogEvent(Event{
		Type:     "authorization_code_reuse",
		ClientID: clientID,
	})
}

// LogAssertionRejected logs a rejected JWT-bearer assertion. The reason is
// logged here even though the outward response is a generic invalid_grant.
func (a *Auditor) LogAssertionRejected(issuer, reason string) {
	a.LogEvent(Event{
		Type:       "assertion_rejected",
		IdentityID: issuer,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// hashForLogging hashes identifiers so audit logs carry no raw PII.
// Empty values stay empty so service tokens remain distinguishable.
func hashForLogging(value string) string {
	if value == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:8])
}
