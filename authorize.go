package oauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/oauth2-server/instrumentation"
	"github.com/giantswarm/oauth2-server/storage"
)

// AuthorizationRequest carries the parameters of an /auth request after the
// routing layer has resolved the resource owner's identity.
type AuthorizationRequest struct {
	ClientID     string
	RedirectURI  string
	ResponseType string
	Scopes       []string
	IdentityID   string
	State        string
}

// Authorize runs the authorization code issuance flow and returns the URL the
// user agent must be redirected to. Both outcomes that reach the client,
// a fresh code and an access_denied denial, are redirects to the validated
// callback URI. Only failures where the redirect target itself is untrusted
// (unknown client, redirect URI mismatch) return an error instead, because
// redirecting there would hand the response to an unauthenticated location.
func (s *Server) Authorize(ctx context.Context, req AuthorizationRequest, now time.Time) (string, error) {
	client, err := s.clients.FindByID(ctx, req.ClientID)
	if err != nil {
		s.Logger.Warn("Authorization rejected: unknown client", "client_id", req.ClientID)
		if s.Auditor != nil {
			s.Auditor.LogAuthorizationRejected(req.ClientID, "unknown_client")
		}
		return "", ErrUnauthorizedClient("unknown client")
	}

	callback, ok := client.DetermineRedirectURL(req.RedirectURI)
	if !ok {
		s.Logger.Warn("Authorization rejected: redirect URI mismatch",
			"client_id", client.ID, "redirect_uri", req.RedirectURI)
		if s.Auditor != nil {
			s.Auditor.LogAuthorizationRejected(client.ID, "redirect_uri_mismatch")
		}
		return "", ErrUnauthorizedClient("client redirect URI is not matching the configured one")
	}

	authorization, err := s.authorizations.Authorize(ctx, client, req.IdentityID, req.ResponseType, req.Scopes, now)
	if errors.Is(err, storage.ErrAccessDenied) {
		// RFC 6749 section 4.2.2.1: the redirect URI has already been
		// validated against the registration, so the denial goes back to it
		// rather than to an error page.
		s.Logger.Info("Authorization denied",
			"client_id", client.ID, "response_type", req.ResponseType, "error", err)
		if s.Auditor != nil {
			s.Auditor.LogAuthorizationRejected(client.ID, "access_denied")
		}
		return fmt.Sprintf("%s?error=%s", callback, ErrorCodeAccessDenied), nil
	}
	if err != nil {
		// Only an actual decline may masquerade as access_denied. A store
		// failure is the server's problem, not the resource owner's answer.
		s.Logger.Error("Authorization store failure", "client_id", client.ID, "error", err)
		return "", ErrServerError("authorization could not be processed")
	}

	if s.instr != nil {
		s.instr.Metrics().CodesIssued.Add(ctx, 1,
			instrumentation.WithAttributes(attribute.String(instrumentation.AttrClientID, client.ID)))
	}
	s.Logger.Info("Authorization code issued", "client_id", client.ID)

	return callbackURL(callback, authorization.Code, req.State), nil
}

// callbackURL builds the success redirect. Codes are URL-safe by
// construction; state is echoed verbatim and only when non-empty. An absent
// state produces no state parameter at all.
func callbackURL(callback, code, state string) string {
	if state == "" {
		return fmt.Sprintf("%s?code=%s", callback, code)
	}
	return fmt.Sprintf("%s?code=%s&state=%s", callback, code, state)
}
