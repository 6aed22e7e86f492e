package oauth

// ErrorResponse represents an OAuth error response body
type ErrorResponse struct {
	// Error is the error code
	Error string `json:"error"`

	// ErrorDescription provides additional information
	ErrorDescription string `json:"error_description,omitempty"`
}

// TokenResponse represents an OAuth 2.0 token endpoint response body
type TokenResponse struct {
	// AccessToken is the access token
	AccessToken string `json:"access_token"`

	// TokenType is the type of token (always "Bearer")
	TokenType string `json:"token_type"`

	// ExpiresIn is the lifetime in seconds of the access token
	ExpiresIn int64 `json:"expires_in,omitempty"`

	// RefreshToken is the refresh token (optional)
	RefreshToken string `json:"refresh_token,omitempty"`

	// Scope is the scope of the access token
	Scope string `json:"scope,omitempty"`
}

// IntrospectionResponse represents a token introspection response (RFC 7662).
// When Active is false every other field is omitted so inactive results do
// not leak token metadata.
type IntrospectionResponse struct {
	// Active indicates whether the token is valid at the request instant
	Active bool `json:"active"`

	// Scope is the space-separated list of scopes associated with the token
	Scope string `json:"scope,omitempty"`

	// ClientID is the client the token was issued to
	ClientID string `json:"client_id,omitempty"`

	// Sub is the identity the token is bound to (empty for service tokens)
	Sub string `json:"sub,omitempty"`

	// Exp is the token expiry as a Unix timestamp
	Exp int64 `json:"exp,omitempty"`

	// GrantType records the OAuth mechanism the token was obtained through
	GrantType string `json:"grant_type,omitempty"`

	// TokenType is the type of token (always "Bearer" when active)
	TokenType string `json:"token_type,omitempty"`
}
