package oauth

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth2-server/instrumentation"
	"github.com/giantswarm/oauth2-server/security"
	"github.com/giantswarm/oauth2-server/storage"
)

const tokenTypeBearer = "Bearer"

// GrantTypeJWTBearer is the grant_type parameter value for RFC 7523
// JWT-bearer token requests.
const GrantTypeJWTBearer = "urn:ietf:params:oauth:grant-type:jwt-bearer"

// ResourceOwnerIdentityFinder resolves the end user behind an /auth request
// (typically from a session cookie). It is an external collaborator: when no
// identity can be resolved the handler redirects to the login page instead of
// running the authorization flow.
type ResourceOwnerIdentityFinder interface {
	ResolveIdentity(r *http.Request, now time.Time) (string, bool)
}

// Handler is a thin HTTP adapter for the OAuth Server.
// It routes requests, enforces parameter and header preconditions, extracts
// basic-auth client credentials, and samples the clock exactly once per
// request so every downstream decision shares the same instant.
type Handler struct {
	server         *Server
	identityFinder ResourceOwnerIdentityFinder
	logger         *slog.Logger
	tracer         trace.Tracer
}

// NewHandler creates a new HTTP handler wrapping the given server
func NewHandler(server *Server, identityFinder ResourceOwnerIdentityFinder, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		server:         server,
		identityFinder: identityFinder,
		logger:         logger,
	}
	if server.instr != nil {
		h.tracer = server.instr.Tracer("oauth2-server/http")
	}
	return h
}

// RegisterRoutes registers all OAuth endpoints on the given mux
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/auth", h.ServeAuthorization)
	mux.HandleFunc("/token", h.ServeToken)
	mux.HandleFunc("/revoke", h.ServeTokenRevocation)
	mux.HandleFunc("/tokenInfo", h.ServeTokenInfo)
	mux.HandleFunc("/userInfo", h.ServeUserInfo)
}

// ServeAuthorization handles the /auth endpoint. Success and access denial
// are both 302 redirects to the validated redirect URI; only an unknown
// client or a redirect URI mismatch produce an error response, since the
// redirect target itself is untrusted in those cases.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.authorize")
		defer span.End()
	}

	clientIP := security.GetClientIP(r, h.server.Config.RateLimit.TrustProxy, h.server.Config.RateLimit.TrustedProxyCount)
	if h.checkRateLimit(w, clientIP, "auth") {
		return
	}

	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "failed to parse request", http.StatusBadRequest)
		return
	}

	identityID, ok := h.identityFinder.ResolveIdentity(r, now)
	if !ok {
		loginURL := fmt.Sprintf("%s?continue=%s", h.server.Config.LoginPageURL, r.URL.RequestURI())
		http.Redirect(w, r, loginURL, http.StatusFound)
		return
	}

	redirectTo, err := h.server.Authorize(ctx, AuthorizationRequest{
		ClientID:     r.FormValue("client_id"),
		RedirectURI:  r.FormValue("redirect_uri"),
		ResponseType: r.FormValue("response_type"),
		Scopes:       splitScopes(r.FormValue("scope")),
		IdentityID:   identityID,
		State:        r.FormValue("state"),
	}, now)
	if err != nil {
		instrumentation.SetSpanError(span, "authorization rejected")
		h.writeOAuthError(w, err)
		return
	}

	instrumentation.SetSpanSuccess(span)
	security.SetSecurityHeaders(w)
	http.Redirect(w, r, redirectTo, http.StatusFound)
}

// ServeToken handles the /token endpoint. Grant handlers form a closed set
// selected by an explicit match on grant_type; anything else is rejected as
// unsupported before the engine is involved.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	now := time.Now()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "failed to parse request", http.StatusBadRequest)
		return
	}

	clientIP := security.GetClientIP(r, h.server.Config.RateLimit.TrustProxy, h.server.Config.RateLimit.TrustedProxyCount)
	if h.checkRateLimit(w, clientIP, "token") {
		return
	}

	grantType := r.FormValue("grant_type")

	switch grantType {
	case string(storage.GrantTypeAuthorizationCode):
		h.handleAuthorizationCodeGrant(w, r, now)
	case string(storage.GrantTypeRefreshToken):
		h.handleRefreshTokenGrant(w, r, now)
	case GrantTypeJWTBearer:
		h.handleJWTBearerGrant(w, r, now)
	default:
		h.writeError(w, ErrorCodeUnsupportedGrantType, fmt.Sprintf("grant type %q not supported", grantType), http.StatusBadRequest)
	}
}

func (h *Handler) handleAuthorizationCodeGrant(w http.ResponseWriter, r *http.Request, now time.Time) {
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.token_exchange")
		defer span.End()
	}

	code := r.FormValue("code")
	if code == "" {
		instrumentation.SetSpanError(span, "code missing")
		h.writeError(w, ErrorCodeInvalidRequest, "required parameter 'code' missing", http.StatusBadRequest)
		return
	}

	client, ok := h.authenticateClient(w, r, span)
	if !ok {
		return
	}

	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrClientID, client.ID))

	resp, err := h.server.ExchangeAuthorizationCode(ctx, client, code, now)
	if err != nil {
		instrumentation.SetSpanError(span, "code exchange failed")
		h.writeOAuthError(w, err)
		return
	}

	instrumentation.SetSpanSuccess(span)
	h.writeTokenResponse(w, resp, now)
}

func (h *Handler) handleRefreshTokenGrant(w http.ResponseWriter, r *http.Request, now time.Time) {
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.token_refresh")
		defer span.End()
	}

	refreshToken := r.FormValue("refresh_token")
	if refreshToken == "" {
		instrumentation.SetSpanError(span, "refresh_token missing")
		h.writeError(w, ErrorCodeInvalidRequest, "required parameter 'refresh_token' missing", http.StatusBadRequest)
		return
	}

	client, ok := h.authenticateClient(w, r, span)
	if !ok {
		return
	}

	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrClientID, client.ID))

	resp, err := h.server.RefreshAccessToken(ctx, client, refreshToken, now)
	if err != nil {
		instrumentation.SetSpanError(span, "token refresh failed")
		h.writeOAuthError(w, err)
		return
	}

	instrumentation.SetSpanSuccess(span)
	h.writeTokenResponse(w, resp, now)
}

func (h *Handler) handleJWTBearerGrant(w http.ResponseWriter, r *http.Request, now time.Time) {
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.token_assertion")
		defer span.End()
	}

	assertion := r.FormValue("assertion")
	if assertion == "" {
		instrumentation.SetSpanError(span, "assertion missing")
		h.writeError(w, ErrorCodeInvalidRequest, "required parameter 'assertion' missing", http.StatusBadRequest)
		return
	}

	resp, err := h.server.ExchangeAssertion(ctx, assertion, now)
	if err != nil {
		instrumentation.SetSpanError(span, "assertion exchange failed")
		h.writeOAuthError(w, err)
		return
	}

	instrumentation.SetSpanSuccess(span)
	h.writeTokenResponse(w, resp, now)
}

// ServeTokenRevocation handles the /revoke endpoint (RFC 7009). After client
// authentication the response is 200 regardless of outcome so token existence
// does not leak.
func (h *Handler) ServeTokenRevocation(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.token_revocation")
		defer span.End()
	}

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "failed to parse request", http.StatusBadRequest)
		return
	}

	token := r.FormValue("token")
	if token == "" {
		h.writeError(w, ErrorCodeInvalidRequest, "required parameter 'token' missing", http.StatusBadRequest)
		return
	}

	client, ok := h.authenticateClient(w, r, span)
	if !ok {
		return
	}

	if err := h.server.RevokeToken(ctx, client, token, now); err != nil {
		instrumentation.RecordError(span, err)
		// Revocation reports success even when the store failed; RFC 7009
		// treats the endpoint as best-effort and idempotent.
	}

	instrumentation.SetSpanSuccess(span)
	security.SetSecurityHeaders(w)
	w.WriteHeader(http.StatusOK)
}

// ServeTokenInfo handles the /tokenInfo introspection endpoint.
func (h *Handler) ServeTokenInfo(w http.ResponseWriter, r *http.Request) {
	now := time.Now()

	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "failed to parse request", http.StatusBadRequest)
		return
	}

	accessToken := r.FormValue("access_token")
	if accessToken == "" {
		h.writeError(w, ErrorCodeInvalidRequest, "required parameter 'access_token' missing", http.StatusBadRequest)
		return
	}

	if h.server.instr != nil {
		h.server.instr.Metrics().Introspections.Add(r.Context(), 1)
	}

	h.writeJSON(w, http.StatusOK, h.server.IntrospectToken(r.Context(), accessToken, now))
}

// ServeUserInfo handles the /userInfo endpoint: 401 for a bad or expired
// token, 400 for a valid token whose identity cannot be resolved.
func (h *Handler) ServeUserInfo(w http.ResponseWriter, r *http.Request) {
	now := time.Now()

	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "failed to parse request", http.StatusBadRequest)
		return
	}

	accessToken := r.FormValue("access_token")
	if accessToken == "" {
		h.writeError(w, ErrorCodeInvalidRequest, "required parameter 'access_token' missing", http.StatusBadRequest)
		return
	}

	body, err := h.server.UserInfo(r.Context(), accessToken, now)
	if err != nil {
		if oauthErr, ok := err.(*Error); ok && oauthErr.Status == http.StatusUnauthorized {
			// No body: the response must not reveal whether the token was
			// unknown or merely expired.
			security.SetSecurityHeaders(w)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		h.writeOAuthError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, body)
}

// authenticateClient extracts basic-auth credentials and validates them
// against the client repository. It writes the error response itself and
// reports false when authentication fails.
func (h *Handler) authenticateClient(w http.ResponseWriter, r *http.Request, span trace.Span) (*storage.Client, bool) {
	ctx := r.Context()

	clientID, clientSecret, ok := r.BasicAuth()
	if !ok {
		instrumentation.SetSpanError(span, "missing authorization header")
		h.writeError(w, ErrorCodeInvalidClient, "client authentication required", http.StatusUnauthorized)
		return nil, false
	}

	if err := h.server.clients.ValidateSecret(ctx, clientID, clientSecret); err != nil {
		clientIP := security.GetClientIP(r, h.server.Config.RateLimit.TrustProxy, h.server.Config.RateLimit.TrustedProxyCount)
		h.logger.Warn("Client authentication failed", "client_id", clientID, "ip", clientIP)
		if h.server.Auditor != nil {
			h.server.Auditor.LogAuthFailure(clientID, clientIP)
		}
		instrumentation.SetSpanError(span, "client authentication failed")
		h.writeError(w, ErrorCodeInvalidClient, "client authentication failed", http.StatusUnauthorized)
		return nil, false
	}

	client, err := h.server.clients.FindByID(ctx, clientID)
	if err != nil {
		instrumentation.SetSpanError(span, "client not found")
		h.writeError(w, ErrorCodeInvalidClient, "client authentication failed", http.StatusUnauthorized)
		return nil, false
	}
	return client, true
}

// checkRateLimit applies the per-IP limiter. Returns true when the request
// was rejected.
func (h *Handler) checkRateLimit(w http.ResponseWriter, clientIP, endpoint string) bool {
	if h.server.RateLimiter == nil {
		return false
	}
	if h.server.RateLimiter.Allow(clientIP) {
		return false
	}
	h.logger.Warn("Rate limit exceeded", "ip", clientIP, "endpoint", endpoint)
	h.writeError(w, ErrorCodeInvalidRequest, "too many requests", http.StatusTooManyRequests)
	return true
}

func (h *Handler) writeTokenResponse(w http.ResponseWriter, resp *storage.TokenResponse, now time.Time) {
	h.writeJSON(w, http.StatusOK, &TokenResponse{
		AccessToken:  resp.Token.Value,
		TokenType:    tokenTypeBearer,
		ExpiresIn:    resp.Token.ExpiresInSeconds(now),
		RefreshToken: resp.RefreshToken,
		Scope:        joinScopes(resp.Token.Scopes),
	})
}

func (h *Handler) writeOAuthError(w http.ResponseWriter, err error) {
	if oauthErr, ok := err.(*Error); ok {
		h.writeError(w, oauthErr.Code, oauthErr.Description, oauthErr.Status)
		return
	}
	h.writeError(w, ErrorCodeServerError, "internal error", http.StatusInternalServerError)
}

func (h *Handler) writeError(w http.ResponseWriter, code, description string, status int) {
	h.writeJSON(w, status, &ErrorResponse{Error: code, ErrorDescription: description})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	security.SetSecurityHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

func splitScopes(scope string) []string {
	return strings.Fields(scope)
}
