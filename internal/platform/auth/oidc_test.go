package auth

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"golang.org/x/oauth2"
)

func TestSafeReturnTo(t *testing.T) {
	cases := map[string]string{
		"":                        "/",
		"/datasets":               "/datasets",
		"https://evil.test/phish": "/",
		"//evil":                  "/",
		"relative":                "/",
	}
	for in, want := range cases {
		if got := safeReturnTo(in); got != want {
			t.Fatalf("safeReturnTo(%q)=%q, want %q", in, got, want)
		}
	}
}

func TestIdentityFromClaims(t *testing.T) {
	cfg := Config{EmailClaim: "email", RolesClaim: "roles", GroupsClaim: "groups"}
	identity, err := identityFromClaims(map[string]any{
		"sub":    "alice",
		"email":  "alice@example.test",
		"roles":  []any{"Editor", " ", 7},
		"groups": "Ops, neracoos,ops",
	}, cfg)
	if err != nil {
		t.Fatalf("identityFromClaims: %v", err)
	}
	if identity.Subject != "alice" || identity.Email != "alice@example.test" {
		t.Fatalf("identity=%+v", identity)
	}
	if len(identity.Roles) != 1 || identity.Roles[0] != "editor" {
		t.Fatalf("roles=%v, want [editor]", identity.Roles)
	}
	if strings.Join(identity.Groups, ",") != "ops,neracoos" {
		t.Fatalf("groups=%v, want [ops neracoos]", identity.Groups)
	}

	if _, err := identityFromClaims(map[string]any{"email": "x@example.test"}, cfg); err == nil {
		t.Fatalf("expected error without subject")
	}
}

func TestLoginFlowRoundTrip(t *testing.T) {
	flow := loginFlow{State: "s", Verifier: oauth2.GenerateVerifier(), Nonce: "n", ReturnTo: "/datasets"}
	encoded, err := flow.encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := decodeLoginFlow(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != flow {
		t.Fatalf("flow=%+v, want %+v", got, flow)
	}

	partial, _ := loginFlow{State: "s"}.encode()
	if _, err := decodeLoginFlow(partial); err == nil {
		t.Fatalf("expected error for incomplete flow")
	}
	if _, err := decodeLoginFlow("%%%"); err == nil {
		t.Fatalf("expected error for garbage cookie")
	}
}

func TestBearerToken(t *testing.T) {
	cases := map[string]string{
		"Bearer abc":   "abc",
		"bearer  abc ": "abc",
		"Basic abc":    "",
		"abc":          "",
	}
	for header, want := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", header)
		if got := bearerToken(req); got != want {
			t.Fatalf("bearerToken(%q)=%q, want %q", header, got, want)
		}
	}
}

func TestLoginHandlerRedirectsWithPKCE(t *testing.T) {
	svc := &OIDCService{
		cfg: Config{
			Mode:                  ModeOIDC,
			OIDCClientSecret:      "secret",
			OIDCRedirectURL:       "http://localhost/auth/callback",
			SessionCookieSameSite: "lax",
		},
		oauth2: oauth2.Config{
			ClientID:    "retriever",
			Endpoint:    oauth2.Endpoint{AuthURL: "https://idp.example.test/authorize"},
			RedirectURL: "http://localhost/auth/callback",
		},
	}
	login, err := svc.LoginHandler()
	if err != nil {
		t.Fatalf("LoginHandler: %v", err)
	}
	rec := httptest.NewRecorder()
	login(rec, httptest.NewRequest(http.MethodGet, "/auth/login?return_to=/datasets", nil))
	if rec.Code != http.StatusFound {
		t.Fatalf("status=%d, want 302", rec.Code)
	}
	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("location: %v", err)
	}
	q := loc.Query()
	if q.Get("code_challenge_method") != "S256" || q.Get("code_challenge") == "" || q.Get("nonce") == "" {
		t.Fatalf("query=%v, want pkce and nonce", q)
	}

	var cookie *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == loginCookieName {
			cookie = c
		}
	}
	if cookie == nil {
		t.Fatalf("login cookie not set")
	}
	flow, err := decodeLoginFlow(cookie.Value)
	if err != nil {
		t.Fatalf("decode cookie: %v", err)
	}
	if flow.State != q.Get("state") || flow.Nonce != q.Get("nonce") || flow.ReturnTo != "/datasets" {
		t.Fatalf("flow=%+v does not match redirect %v", flow, q)
	}
}
