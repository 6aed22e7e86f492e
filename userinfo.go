package oauth

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/giantswarm/oauth2-server/storage"
)

// errIdentityNotResolved is returned by UserInfo when the access token is
// valid but the identity behind it cannot be found. This is a data
// consistency fault, not an authentication fault, and it surfaces as a 400
// rather than the 401 an invalid token gets.
var errIdentityNotResolved = NewError(ErrorCodeInvalidRequest, "identity could not be resolved", http.StatusBadRequest)

// errTokenNotAvailable covers both unknown and expired tokens. The body
// carries no detail about which.
var errTokenNotAvailable = NewError(ErrorCodeInvalidRequest, "token is not valid", http.StatusUnauthorized)

// UserInfo resolves the identity behind an access token as of the supplied
// instant and returns the claims body for the userinfo endpoint. The token's
// grant type is passed to the identity finder because a JWT-bearer-derived
// token may resolve differently than an authorization-code-derived one.
//
// Private claims are flattened into the top level of the body verbatim:
// strings stay strings, numbers stay numbers.
func (s *Server) UserInfo(ctx context.Context, accessToken string, now time.Time) (map[string]any, error) {
	token, err := s.tokens.FindTokenAvailableAt(ctx, accessToken, now)
	if err != nil {
		return nil, errTokenNotAvailable
	}

	identity, err := s.identities.FindIdentity(ctx, token.IdentityID, token.GrantType, now)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.Logger.Warn("Identity behind valid token not found",
				"identity_id", token.IdentityID, "grant_type", token.GrantType)
			return nil, errIdentityNotResolved
		}
		s.Logger.Error("Identity lookup failed", "identity_id", token.IdentityID, "error", err)
		return nil, ErrServerError("identity lookup failed")
	}

	body := map[string]any{
		"id":          identity.ID,
		"name":        identity.Name,
		"email":       identity.Email,
		"given_name":  identity.GivenName,
		"family_name": identity.FamilyName,
	}
	if identity.Picture != "" {
		body["picture"] = identity.Picture
	}
	for key, value := range identity.Claims {
		body[key] = value
	}
	return body, nil
}
