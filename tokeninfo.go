package oauth

import (
	"context"
	"strings"
	"time"

	"github.com/giantswarm/oauth2-server/storage"
)

// IntrospectToken answers a token introspection query as of the supplied
// instant. Unknown and expired tokens both produce an explicit inactive
// result rather than an error, so resource servers always get a definite
// answer and never learn why a token is inactive.
func (s *Server) IntrospectToken(ctx context.Context, value string, now time.Time) *IntrospectionResponse {
	token, err := s.tokens.FindTokenAvailableAt(ctx, value, now)
	if err != nil {
		return &IntrospectionResponse{Active: false}
	}

	return &IntrospectionResponse{
		Active:    true,
		Scope:     joinScopes(token.Scopes),
		ClientID:  token.ClientID,
		Sub:       token.IdentityID,
		Exp:       token.ExpiresAt.Unix(),
		GrantType: string(token.GrantType),
		TokenType: tokenTypeBearer,
	}
}

// RevokeToken invalidates a token on behalf of the authenticated client.
// The operation is idempotent and non-leaking: revoking an unknown, expired,
// or foreign token reports success just like revoking a live one, so callers
// cannot use the endpoint to probe token existence. Only a token owned by the
// requesting client is actually deleted.
func (s *Server) RevokeToken(ctx context.Context, client *storage.Client, value string, now time.Time) error {
	token, err := s.tokens.FindTokenAvailableAt(ctx, value, now)
	if err != nil {
		return nil
	}
	if token.ClientID != client.ID {
		s.Logger.Warn("Revocation skipped: token owned by another client",
			"client_id", client.ID, "owner", token.ClientID)
		return nil
	}

	if err := s.tokens.Revoke(ctx, value); err != nil {
		s.Logger.Error("Token revocation failed", "client_id", client.ID, "error", err)
		return err
	}

	if s.Auditor != nil {
		s.Auditor.LogTokenRevoked(token.IdentityID, client.ID)
	}
	if s.instr != nil {
		s.instr.Metrics().TokensRevoked.Add(ctx, 1)
	}
	s.Logger.Info("Token revoked", "client_id", client.ID)
	return nil
}

func joinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}
