package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

const (
	loginCookieName = "retriever_login"
	loginFlowTTL    = 10 * time.Minute
)

// OIDCService authenticates users from an ID token in the Authorization header
// or the session cookie set by the login callback.
type OIDCService struct {
	cfg      Config
	verifier *oidc.IDTokenVerifier
	oauth2   oauth2.Config
}

func NewOIDCService(ctx context.Context, cfg Config) (*OIDCService, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Mode != ModeOIDC {
		return nil, fmt.Errorf("auth mode must be oidc (got %q)", cfg.Mode)
	}
	provider, err := oidc.NewProvider(ctx, cfg.OIDCIssuerURL)
	if err != nil {
		return nil, fmt.Errorf("oidc provider: %w", err)
	}
	return &OIDCService{
		cfg:      cfg,
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.OIDCClientID}),
		oauth2: oauth2.Config{
			ClientID:     cfg.OIDCClientID,
			ClientSecret: cfg.OIDCClientSecret,
			Endpoint:     provider.Endpoint(),
			RedirectURL:  cfg.OIDCRedirectURL,
			Scopes:       cfg.OIDCScopes,
		},
	}, nil
}

func (s *OIDCService) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	raw := bearerToken(r)
	if raw == "" {
		raw = cookieValue(r, s.cfg.SessionCookieName)
	}
	if raw == "" {
		return Identity{}, ErrUnauthenticated
	}
	idToken, err := s.verifier.Verify(ctx, raw)
	if err != nil {
		return Identity{}, err
	}
	var claims map[string]any
	if err := idToken.Claims(&claims); err != nil {
		return Identity{}, err
	}
	return identityFromClaims(claims, s.cfg)
}

// identityFromClaims maps ID token claims onto an Identity. Dataset grants
// for the group:<name> grantees come from the groups claim.
func identityFromClaims(claims map[string]any, cfg Config) (Identity, error) {
	subject := strings.TrimSpace(stringClaim(claims, "sub"))
	if subject == "" {
		return Identity{}, errors.New("id token has no subject")
	}
	return Identity{
		Subject: subject,
		Email:   stringClaim(claims, cfg.EmailClaim),
		Roles:   listClaim(claims, cfg.RolesClaim),
		Groups:  listClaim(claims, cfg.GroupsClaim),
	}, nil
}

// loginFlow is the state carried between the login redirect and the callback.
type loginFlow struct {
	State    string `json:"state"`
	Verifier string `json:"verifier"`
	Nonce    string `json:"nonce"`
	ReturnTo string `json:"return_to"`
}

func (f loginFlow) encode() (string, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

func decodeLoginFlow(raw string) (loginFlow, error) {
	data, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return loginFlow{}, err
	}
	var f loginFlow
	if err := json.Unmarshal(data, &f); err != nil {
		return loginFlow{}, err
	}
	if f.State == "" || f.Verifier == "" || f.Nonce == "" {
		return loginFlow{}, errors.New("incomplete login flow")
	}
	return f, nil
}

func (s *OIDCService) LoginHandler() (http.HandlerFunc, error) {
	if err := s.cfg.ValidateForLogin(); err != nil {
		return nil, err
	}
	return func(w http.ResponseWriter, r *http.Request) {
		flow := loginFlow{
			Verifier: oauth2.GenerateVerifier(),
			ReturnTo: safeReturnTo(r.URL.Query().Get("return_to")),
		}
		var err error
		if flow.State, err = randomToken(); err == nil {
			flow.Nonce, err = randomToken()
		}
		var encoded string
		if err == nil {
			encoded, err = flow.encode()
		}
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal_error"})
			return
		}
		s.setCookie(w, loginCookieName, encoded, loginFlowTTL)
		http.Redirect(w, r, s.oauth2.AuthCodeURL(
			flow.State,
			oauth2.AccessTypeOnline,
			oauth2.S256ChallengeOption(flow.Verifier),
			oidc.Nonce(flow.Nonce),
		), http.StatusFound)
	}, nil
}

func (s *OIDCService) CallbackHandler() (http.HandlerFunc, error) {
	if err := s.cfg.ValidateForLogin(); err != nil {
		return nil, err
	}
	return func(w http.ResponseWriter, r *http.Request) {
		state, code := r.URL.Query().Get("state"), r.URL.Query().Get("code")
		if state == "" || code == "" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "missing_code_or_state"})
			return
		}
		flow, err := decodeLoginFlow(cookieValue(r, loginCookieName))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "missing_login_flow"})
			return
		}
		if flow.State != state {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_state"})
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()
		token, err := s.oauth2.Exchange(ctx, code, oauth2.VerifierOption(flow.Verifier))
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "token_exchange_failed"})
			return
		}
		rawIDToken, _ := token.Extra("id_token").(string)
		if rawIDToken == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "missing_id_token"})
			return
		}
		idToken, err := s.verifier.Verify(ctx, rawIDToken)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid_id_token"})
			return
		}
		if idToken.Nonce == "" || idToken.Nonce != flow.Nonce {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid_nonce"})
			return
		}

		s.setCookie(w, s.cfg.SessionCookieName, rawIDToken, s.cfg.SessionCookieMaxAge)
		s.setCookie(w, loginCookieName, "", -1)
		http.Redirect(w, r, flow.ReturnTo, http.StatusFound)
	}, nil
}

func (s *OIDCService) LogoutHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.setCookie(w, s.cfg.SessionCookieName, "", -1)
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	}
}

// SessionHandler reports who the session cookie belongs to.
func (s *OIDCService) SessionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, err := s.Authenticate(r.Context(), r)
		switch {
		case errors.Is(err, ErrUnauthenticated):
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
			return
		case err != nil:
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid_token"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"subject": identity.Subject,
			"email":   identity.Email,
			"roles":   identity.Roles,
			"groups":  identity.Groups,
		})
	}
}

// setCookie writes an HttpOnly cookie; a negative ttl deletes it.
func (s *OIDCService) setCookie(w http.ResponseWriter, name, value string, ttl time.Duration) {
	maxAge := -1
	if ttl > 0 {
		maxAge = int(ttl.Seconds())
	}
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   s.cfg.SessionCookieSecure,
		SameSite: parseSameSite(s.cfg.SessionCookieSameSite),
	})
}

func bearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func cookieValue(r *http.Request, name string) string {
	cookie, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(cookie.Value)
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// safeReturnTo keeps redirects on this host.
func safeReturnTo(raw string) string {
	u, err := url.Parse(raw)
	if raw == "" || err != nil || u.IsAbs() || u.Host != "" {
		return "/"
	}
	if !strings.HasPrefix(u.Path, "/") || strings.HasPrefix(u.Path, "//") {
		return "/"
	}
	return u.Path
}

func parseSameSite(raw string) http.SameSite {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteLaxMode
	}
}

func stringClaim(claims map[string]any, key string) string {
	s, _ := claims[key].(string)
	return s
}

// listClaim reads a list-valued claim; a string value is split on commas.
func listClaim(claims map[string]any, key string) []string {
	var items []string
	switch typed := claims[key].(type) {
	case string:
		return parseCSV(typed)
	case []string:
		items = typed
	case []any:
		for _, item := range typed {
			if s, ok := item.(string); ok {
				items = append(items, s)
			}
		}
	default:
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s := strings.ToLower(strings.TrimSpace(item)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
