package oauth

import (
	"fmt"
	"log/slog"

	"github.com/giantswarm/oauth2-server/instrumentation"
	"github.com/giantswarm/oauth2-server/jws"
	"github.com/giantswarm/oauth2-server/security"
	"github.com/giantswarm/oauth2-server/storage"
)

// Server implements the OAuth 2.0 grant-processing and token-lifecycle engine.
// It is stateless and request-scoped: all shared mutable state lives behind
// the storage contracts, and every time-sensitive decision takes the reference
// instant as an explicit parameter. The engine never samples a clock itself.
type Server struct {
	clients         storage.ClientRepository
	authorizations  storage.ClientAuthorizationRepository
	tokens          storage.Tokens
	identities      storage.IdentityFinder
	serviceAccounts storage.ServiceAccountRepository
	signatures      jws.SignatureFactory

	Auditor     *security.Auditor
	RateLimiter *security.RateLimiter
	Logger      *slog.Logger
	Config      *Config

	instr *instrumentation.Instrumentation
}

// NewServer creates a new OAuth server engine. The signature factory defaults
// to jws.RS256Only; overriding it is intended for tests only.
func NewServer(
	clients storage.ClientRepository,
	authorizations storage.ClientAuthorizationRepository,
	tokens storage.Tokens,
	identities storage.IdentityFinder,
	serviceAccounts storage.ServiceAccountRepository,
	config *Config,
) (*Server, error) {
	if clients == nil {
		return nil, fmt.Errorf("client repository is required")
	}
	if authorizations == nil {
		return nil, fmt.Errorf("client authorization repository is required")
	}
	if tokens == nil {
		return nil, fmt.Errorf("tokens is required")
	}
	if identities == nil {
		return nil, fmt.Errorf("identity finder is required")
	}
	if serviceAccounts == nil {
		return nil, fmt.Errorf("service account repository is required")
	}
	if config == nil {
		config = &Config{}
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	config = applySecureDefaults(config, logger)

	srv := &Server{
		clients:         clients,
		authorizations:  authorizations,
		tokens:          tokens,
		identities:      identities,
		serviceAccounts: serviceAccounts,
		signatures:      jws.RS256Only,
		Logger:          logger,
		Config:          config,
	}

	if config.Security.EnableAuditLogging {
		srv.Auditor = security.NewAuditor(logger, true)
	}
	if config.RateLimit.Rate > 0 {
		srv.RateLimiter = security.NewRateLimiter(config.RateLimit.Rate, config.RateLimit.Burst, logger)
	}

	return srv, nil
}

// SetSignatureFactory overrides the JWS signature factory.
func (s *Server) SetSignatureFactory(f jws.SignatureFactory) {
	s.signatures = f
}

// SetInstrumentation attaches OpenTelemetry instrumentation to the engine.
func (s *Server) SetInstrumentation(instr *instrumentation.Instrumentation) {
	s.instr = instr
}

// Stop releases background resources held by the server's collaborators.
func (s *Server) Stop() {
	if s.RateLimiter != nil {
		s.RateLimiter.Stop()
	}
}
