package auth

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

func TestGatewayTimestamp_Verify(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	if err := VerifyGatewayTimestamp("1700000000", now, 5*time.Minute); err != nil {
		t.Fatalf("VerifyGatewayTimestamp() err=%v", err)
	}
	if err := VerifyGatewayTimestamp("1690000000", now, 5*time.Minute); err == nil {
		t.Fatalf("expected timestamp to be rejected")
	}
}

func signedGatewayRequest(t *testing.T, secret string, now time.Time) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "http://example.test/datasets/", nil)
	req.Header.Set("X-Request-Id", "rid-2")
	req.Header.Set(HeaderSubject, "alice")
	req.Header.Set(HeaderEmail, "alice@example.test")
	req.Header.Set(HeaderRoles, "editor")
	req.Header.Set(HeaderGroups, "ops,qc")

	ts := strconv.FormatInt(now.Unix(), 10)
	sig, err := ComputeGatewaySignature(secret, ts, req.Method, req.URL.Path, "rid-2", "alice", "alice@example.test", "editor", "ops,qc")
	if err != nil {
		t.Fatalf("ComputeGatewaySignature() err=%v", err)
	}
	req.Header.Set(HeaderGatewayTimestamp, ts)
	req.Header.Set(HeaderGatewaySignature, sig)
	return req
}

func TestGatewayHeadersAuthenticator(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	authn, err := NewGatewayHeadersAuthenticator("test-secret")
	if err != nil {
		t.Fatalf("NewGatewayHeadersAuthenticator() err=%v", err)
	}
	authn.now = func() time.Time { return now }

	req := signedGatewayRequest(t, "test-secret", now)
	identity, err := authn.Authenticate(req.Context(), req)
	if err != nil {
		t.Fatalf("Authenticate() err=%v", err)
	}
	if identity.Subject != "alice" {
		t.Fatalf("Subject=%q, want alice", identity.Subject)
	}
	if len(identity.Groups) != 2 {
		t.Fatalf("Groups=%v, want 2 groups", identity.Groups)
	}
}

func TestGatewayHeadersAuthenticatorRejectsTampering(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	authn, _ := NewGatewayHeadersAuthenticator("test-secret")
	authn.now = func() time.Time { return now }

	req := signedGatewayRequest(t, "test-secret", now)
	req.Header.Set(HeaderGroups, "ops,qc,admins")
	if _, err := authn.Authenticate(req.Context(), req); err == nil {
		t.Fatalf("expected signature failure after header change")
	}
}
