package auth

import (
	"context"
	"fmt"
	"net/http"
)

// NewAuthenticator builds the user authenticator for the configured mode,
// chained after pipeline token authentication when a token secret is set.
// The returned OIDCService is non-nil in oidc mode so callers can mount the
// login routes.
func NewAuthenticator(ctx context.Context, cfg Config) (Authenticator, *OIDCService, error) {
	var user Authenticator
	var oidcSvc *OIDCService
	switch cfg.Mode {
	case ModeOIDC:
		svc, err := NewOIDCService(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		user, oidcSvc = svc, svc
	case ModeDev:
		user = NewDevAuthenticator(cfg)
	case ModeGateway:
		gw, err := NewGatewayHeadersAuthenticator(cfg.GatewaySecret)
		if err != nil {
			return nil, nil, err
		}
		user = gw
	case ModeDisabled:
		user = AnonymousAuthenticator{}
	default:
		return nil, nil, fmt.Errorf("unsupported auth mode: %q", cfg.Mode)
	}

	if cfg.PipelineTokenSecret == "" {
		return user, oidcSvc, nil
	}
	pipelines, err := NewPipelineTokenAuthenticator(cfg.PipelineTokenSecret)
	if err != nil {
		return nil, nil, err
	}
	return Chain{pipelines, user}, oidcSvc, nil
}

// MountLogin registers the OIDC browser login routes on mux.
func (s *OIDCService) MountLogin(mux *http.ServeMux) error {
	login, err := s.LoginHandler()
	if err != nil {
		return err
	}
	callback, err := s.CallbackHandler()
	if err != nil {
		return err
	}
	mux.HandleFunc("GET /auth/login", login)
	mux.HandleFunc("GET /auth/callback", callback)
	mux.HandleFunc("POST /auth/logout", s.LogoutHandler())
	mux.HandleFunc("GET /auth/session", s.SessionHandler())
	return nil
}
