package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	HeaderSubject = "X-Retriever-Subject"
	HeaderEmail   = "X-Retriever-Email"
	HeaderRoles   = "X-Retriever-Roles"
	HeaderGroups  = "X-Retriever-Groups"

	HeaderGatewayTimestamp = "X-Retriever-Auth-Ts"
	HeaderGatewaySignature = "X-Retriever-Auth-Sig"
)

// GatewayHeadersAuthenticator trusts identity headers set by an authenticating
// reverse proxy, provided they carry a fresh HMAC signature.
type GatewayHeadersAuthenticator struct {
	Secret  string
	MaxSkew time.Duration
	now     func() time.Time
}

func NewGatewayHeadersAuthenticator(secret string) (*GatewayHeadersAuthenticator, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("AUTH_GATEWAY_SECRET is required")
	}
	return &GatewayHeadersAuthenticator{
		Secret:  secret,
		MaxSkew: 5 * time.Minute,
		now:     time.Now,
	}, nil
}

func (a *GatewayHeadersAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	subject := strings.TrimSpace(r.Header.Get(HeaderSubject))
	if subject == "" {
		return Identity{}, ErrUnauthenticated
	}

	email := strings.TrimSpace(r.Header.Get(HeaderEmail))
	rolesRaw := strings.TrimSpace(r.Header.Get(HeaderRoles))
	groupsRaw := strings.TrimSpace(r.Header.Get(HeaderGroups))

	ts := strings.TrimSpace(r.Header.Get(HeaderGatewayTimestamp))
	sig := strings.TrimSpace(r.Header.Get(HeaderGatewaySignature))
	if ts == "" || sig == "" {
		return Identity{}, ErrUnauthenticated
	}

	if err := VerifyGatewayTimestamp(ts, a.now().UTC(), a.MaxSkew); err != nil {
		return Identity{}, err
	}
	expected, err := ComputeGatewaySignature(a.Secret, ts, r.Method, r.URL.Path, r.Header.Get("X-Request-Id"), subject, email, rolesRaw, groupsRaw)
	if err != nil {
		return Identity{}, err
	}
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return Identity{}, errors.New("invalid signature")
	}

	return Identity{
		Subject: subject,
		Email:   email,
		Roles:   parseCSV(rolesRaw),
		Groups:  parseCSV(groupsRaw),
	}, nil
}

func ComputeGatewaySignature(secret, ts, method, path, requestID, subject, email, roles, groups string) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("gateway secret is required")
	}
	if strings.TrimSpace(ts) == "" {
		return "", errors.New("timestamp is required")
	}
	parts := []string{
		strings.TrimSpace(ts),
		strings.ToUpper(strings.TrimSpace(method)),
		strings.TrimSpace(path),
		strings.TrimSpace(requestID),
		strings.TrimSpace(subject),
		strings.TrimSpace(email),
		strings.TrimSpace(roles),
		strings.TrimSpace(groups),
	}
	mac := hmac.New(sha256.New, []byte(secret))
	if _, err := mac.Write([]byte(strings.Join(parts, "\n"))); err != nil {
		return "", fmt.Errorf("hmac: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}

func VerifyGatewayTimestamp(ts string, now time.Time, maxSkew time.Duration) error {
	parsed, err := strconv.ParseInt(strings.TrimSpace(ts), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp: %w", err)
	}
	if maxSkew <= 0 {
		return nil
	}
	tsTime := time.Unix(parsed, 0).UTC()
	if tsTime.After(now.Add(maxSkew)) || tsTime.Before(now.Add(-maxSkew)) {
		return errors.New("timestamp outside allowed skew")
	}
	return nil
}
