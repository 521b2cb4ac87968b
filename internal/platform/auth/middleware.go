package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

type AuthorizeFunc func(r *http.Request, identity Identity) error

type DenyEvent struct {
	Time       time.Time
	Status     int
	Reason     string
	Error      string
	RequestID  string
	Method     string
	Path       string
	Subject    string
	Email      string
	Roles      []string
	RemoteAddr string
	UserAgent  string
}

type AuditFunc func(ctx context.Context, event DenyEvent) error

type Middleware struct {
	Logger        *slog.Logger
	Authenticator Authenticator
	Authorize     AuthorizeFunc
	Audit         AuditFunc
	SkipPrefixes  []string
}

// Wrap authenticates every request outside SkipPrefixes, runs Authorize and
// stores the identity in the request context.
func (m Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.skipped(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		identity, err := m.Authenticator.Authenticate(r.Context(), r)
		switch {
		case errors.Is(err, ErrUnauthenticated):
			m.deny(w, r, Identity{}, http.StatusUnauthorized, "unauthenticated", "unauthorized", err)
			return
		case err != nil:
			m.deny(w, r, Identity{}, http.StatusUnauthorized, "invalid_token", "invalid_token", err)
			return
		}
		if m.Authorize != nil {
			if err := m.Authorize(r, identity); err != nil {
				m.deny(w, r, identity, http.StatusForbidden, "forbidden", "forbidden", err)
				return
			}
		}
		next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), identity)))
	})
}

func (m Middleware) skipped(path string) bool {
	for _, prefix := range m.SkipPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// deny logs and audits a rejected request, then writes the JSON error body.
func (m Middleware) deny(w http.ResponseWriter, r *http.Request, identity Identity, status int, reason, code string, err error) {
	event := DenyEvent{
		Time:       time.Now().UTC(),
		Status:     status,
		Reason:     reason,
		Error:      err.Error(),
		RequestID:  r.Header.Get("X-Request-Id"),
		Method:     r.Method,
		Path:       r.URL.Path,
		Subject:    identity.Actor(),
		Email:      identity.Email,
		Roles:      identity.Roles,
		RemoteAddr: r.RemoteAddr,
		UserAgent:  r.UserAgent(),
	}
	if m.Logger != nil {
		m.Logger.Warn("auth deny",
			"reason", reason,
			"status", status,
			"request_id", event.RequestID,
			"method", event.Method,
			"path", event.Path,
			"subject", event.Subject,
			"error", event.Error,
		)
	}
	if m.Audit != nil {
		if auditErr := m.Audit(r.Context(), event); auditErr != nil && m.Logger != nil {
			m.Logger.Warn("audit deny failed", "request_id", event.RequestID, "error", auditErr)
		}
	}
	writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": event.RequestID,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}

// CallerAuthorizer admits pipelines and users holding at least the viewer role.
// Dataset level checks happen in the handlers.
func CallerAuthorizer() AuthorizeFunc {
	return func(r *http.Request, identity Identity) error {
		if identity.IsPipeline() {
			return nil
		}
		if HasAtLeast(identity.Roles, RoleViewer) {
			return nil
		}
		return ErrForbidden
	}
}
