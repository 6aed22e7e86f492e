package oauth

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/oauth2-server/instrumentation"
	"github.com/giantswarm/oauth2-server/internal/util"
	"github.com/giantswarm/oauth2-server/jws"
	"github.com/giantswarm/oauth2-server/storage"
)

// codeLogLength is the number of characters of an authorization code that
// may appear in logs
const codeLogLength = 8

// ExchangeAuthorizationCode converts a one-time authorization code into a
// bearer token. The client has already been authenticated by the routing
// layer. Code consumption is atomic at the store: concurrent redemptions of
// the same code yield exactly one success.
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, client *storage.Client, code string, now time.Time) (*storage.TokenResponse, error) {
	authorization, err := s.authorizations.ConsumeCode(ctx, client.ID, code, now)
	if err != nil {
		if errors.Is(err, storage.ErrCodeAlreadyUsed) {
			s.Logger.Warn("Authorization code replay detected",
				"client_id", client.ID,
				"code_prefix", util.SafeTruncate(code, codeLogLength))
			if s.Auditor != nil {
				s.Auditor.LogCodeReuse(client.ID)
			}
		} else {
			s.Logger.Warn("Authorization code exchange failed", "client_id", client.ID, "error", err)
		}
		return nil, ErrInvalidGrant("authorization code is invalid or expired")
	}

	resp, err := s.tokens.Issue(ctx, storage.IssueRequest{
		GrantType:  storage.GrantTypeAuthorizationCode,
		ClientID:   client.ID,
		IdentityID: authorization.IdentityID,
		Scopes:     authorization.Scopes,
	}, now)
	if err != nil {
		s.Logger.Error("Token issuance failed", "client_id", client.ID, "error", err)
		return nil, ErrServerError("token issuance failed")
	}

	if s.Auditor != nil {
		s.Auditor.LogTokenIssued(authorization.IdentityID, client.ID, string(storage.GrantTypeAuthorizationCode))
	}
	s.recordTokenIssued(ctx, client.ID, storage.GrantTypeAuthorizationCode)

	return resp, nil
}

// RefreshAccessToken exchanges a refresh token for a new access token.
// The store rotates the refresh token: the old value is invalidated and the
// response carries its replacement.
func (s *Server) RefreshAccessToken(ctx context.Context, client *storage.Client, refreshToken string, now time.Time) (*storage.TokenResponse, error) {
	resp, err := s.tokens.RefreshToken(ctx, refreshToken, now)
	if err != nil {
		s.Logger.Warn("Token refresh failed", "client_id", client.ID, "error", err)
		return nil, ErrInvalidGrant("refresh token is invalid or expired")
	}

	if s.Auditor != nil {
		s.Auditor.LogTokenRefreshed(resp.Token.IdentityID, client.ID)
	}
	s.recordTokenIssued(ctx, client.ID, storage.GrantTypeRefreshToken)

	return resp, nil
}

// ExchangeAssertion implements the JWT-bearer grant (RFC 7523). The header
// and claims are decoded without being trusted; the declared algorithm is
// checked against the allow-list before any signature bytes are examined, and
// only a successfully verified assertion reaches service account resolution.
// Every failure collapses into the same invalid_grant response so callers
// cannot probe which check failed; the distinct conditions are logged.
func (s *Server) ExchangeAssertion(ctx context.Context, assertion string, now time.Time) (*storage.TokenResponse, error) {
	a, err := jws.DecodeAssertion(assertion)
	if err != nil {
		s.Logger.Warn("Assertion rejected: malformed", "error", err)
		return nil, ErrInvalidGrant("assertion is not valid")
	}

	signature, ok := s.signatures(a.Signature, a.Header)
	if !ok {
		s.Logger.Warn("Assertion rejected: unsupported algorithm", "alg", a.Header.Alg)
		if s.Auditor != nil {
			s.Auditor.LogAssertionRejected(a.Claims.Iss, "unsupported_algorithm")
		}
		s.recordAssertionRejected(ctx, "unsupported_algorithm")
		return nil, ErrInvalidGrant("assertion is not valid")
	}

	account, err := s.serviceAccounts.FindServiceAccount(ctx, a.Claims.Iss)
	if err != nil {
		s.Logger.Warn("Assertion rejected: unknown service account", "iss", a.Claims.Iss)
		s.recordAssertionRejected(ctx, "unknown_service_account")
		return nil, ErrInvalidGrant("assertion is not valid")
	}

	key, err := jws.ParseRSAPublicKey([]byte(account.PublicKeyPEM))
	if err != nil {
		s.Logger.Error("Service account key unusable", "iss", a.Claims.Iss, "error", err)
		return nil, ErrInvalidGrant("assertion is not valid")
	}

	if !signature.Verify(a.SigningInput, key) {
		s.Logger.Warn("Assertion rejected: signature mismatch", "iss", a.Claims.Iss)
		if s.Auditor != nil {
			s.Auditor.LogAssertionRejected(a.Claims.Iss, "signature_mismatch")
		}
		s.recordAssertionRejected(ctx, "signature_mismatch")
		return nil, ErrInvalidGrant("assertion is not valid")
	}

	if !a.Claims.ValidAt(now) {
		s.Logger.Warn("Assertion rejected: outside validity window", "iss", a.Claims.Iss)
		s.recordAssertionRejected(ctx, "expired")
		return nil, ErrInvalidGrant("assertion is not valid")
	}

	// The assertion must be addressed to this server. Both the bare issuer
	// and its token endpoint are accepted as the audience.
	if iss := s.Config.Issuer; iss != "" && a.Claims.Aud != iss && a.Claims.Aud != iss+"/token" {
		s.Logger.Warn("Assertion rejected: audience mismatch", "iss", a.Claims.Iss, "aud", a.Claims.Aud)
		if s.Auditor != nil {
			s.Auditor.LogAssertionRejected(a.Claims.Iss, "audience_mismatch")
		}
		s.recordAssertionRejected(ctx, "audience_mismatch")
		return nil, ErrInvalidGrant("assertion is not valid")
	}

	resp, err := s.tokens.Issue(ctx, storage.IssueRequest{
		GrantType:  storage.GrantTypeJWT,
		ClientID:   account.ClientID,
		IdentityID: account.ClientEmail,
		Scopes:     account.Scopes,
	}, now)
	if err != nil {
		s.Logger.Error("Token issuance failed", "client_id", account.ClientID, "error", err)
		return nil, ErrServerError("token issuance failed")
	}

	if s.Auditor != nil {
		s.Auditor.LogTokenIssued(account.ClientEmail, account.ClientID, string(storage.GrantTypeJWT))
	}
	s.recordTokenIssued(ctx, account.ClientID, storage.GrantTypeJWT)

	return resp, nil
}

func (s *Server) recordTokenIssued(ctx context.Context, clientID string, grantType storage.GrantType) {
	if s.instr == nil {
		return
	}
	s.instr.Metrics().TokensIssued.Add(ctx, 1, instrumentation.WithAttributes(
		attribute.String(instrumentation.AttrClientID, clientID),
		attribute.String(instrumentation.AttrGrantType, string(grantType)),
	))
}

func (s *Server) recordAssertionRejected(ctx context.Context, reason string) {
	if s.instr == nil {
		return
	}
	s.instr.Metrics().AssertionsRejected.Add(ctx, 1, instrumentation.WithAttributes(
		attribute.String(instrumentation.AttrRejectReason, reason),
	))
}
