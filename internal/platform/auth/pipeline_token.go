package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// HeaderAPIKey carries the pipeline token on pipeline-to-backend calls.
const HeaderAPIKey = "X-API-KEY"

const (
	pipelineTokenIssuer   = "buoy-retriever"
	pipelineTokenAudience = "pipelines"
	pipelineSubjectPrefix = "pipeline:"
)

var ErrPipelineTokenInvalid = errors.New("pipeline token is invalid")

// IssuePipelineToken signs an HS256 token naming the pipeline slug.
func IssuePipelineToken(secret, pipeline string, ttl time.Duration, now time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("PIPELINE_TOKEN_SECRET is required")
	}
	pipeline = strings.TrimSpace(pipeline)
	if pipeline == "" {
		return "", errors.New("pipeline is required")
	}
	if ttl <= 0 {
		return "", errors.New("ttl must be positive")
	}
	if now.IsZero() {
		now = time.Now()
	}
	claims := jwt.RegisteredClaims{
		Issuer:    pipelineTokenIssuer,
		Subject:   pipelineSubjectPrefix + pipeline,
		Audience:  jwt.ClaimStrings{pipelineTokenAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign pipeline token: %w", err)
	}
	return signed, nil
}

// VerifyPipelineToken returns the pipeline slug the token was issued for.
func VerifyPipelineToken(secret, token string, now time.Time) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrPipelineTokenInvalid
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(pipelineTokenIssuer),
		jwt.WithAudience(pipelineTokenAudience),
		jwt.WithExpirationRequired(),
	}
	if !now.IsZero() {
		opts = append(opts, jwt.WithTimeFunc(func() time.Time { return now }))
	}
	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return "", fmt.Errorf("%w: %v", ErrPipelineTokenInvalid, err)
	}
	if !strings.HasPrefix(claims.Subject, pipelineSubjectPrefix) {
		return "", ErrPipelineTokenInvalid
	}
	pipeline := strings.TrimPrefix(claims.Subject, pipelineSubjectPrefix)
	if pipeline == "" {
		return "", ErrPipelineTokenInvalid
	}
	return pipeline, nil
}

type PipelineTokenAuthenticator struct {
	Secret string
	now    func() time.Time
}

func NewPipelineTokenAuthenticator(secret string) (*PipelineTokenAuthenticator, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("PIPELINE_TOKEN_SECRET is required")
	}
	return &PipelineTokenAuthenticator{Secret: secret, now: time.Now}, nil
}

func (a *PipelineTokenAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	raw := strings.TrimSpace(r.Header.Get(HeaderAPIKey))
	if raw == "" {
		return Identity{}, ErrUnauthenticated
	}
	pipeline, err := VerifyPipelineToken(a.Secret, raw, a.now())
	if err != nil {
		return Identity{}, err
	}
	return Identity{Pipeline: pipeline}, nil
}
