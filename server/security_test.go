package server

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v3"
)

func setupTestApp(t *testing.T) *App {
	t.Helper()
	cfg := testConfig()
	cfg.Server.DevMode = false
	return newTestApp(t, cfg, newStubIdP())
}

// TestSecurityFakeCookies checks that forged session cookies never authenticate.
func TestSecurityFakeCookies(t *testing.T) {
	app := setupTestApp(t)

	otherKey := func() string {
		signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: []byte(strings.Repeat("x", 32))}, nil)
		if err != nil {
			t.Fatal(err)
		}
		obj, err := signer.Sign([]byte("some-session-id"))
		if err != nil {
			t.Fatal(err)
		}
		v, _ := obj.CompactSerialize()
		return v
	}

	tests := []struct {
		name        string
		cookieValue string
		description string
	}{
		{"fake_session_id", "fake-session-12345", "Bare session id should be ignored"},
		{"sql_injection_in_cookie", "' OR '1'='1", "SQL injection in cookie should be safely ignored"},
		{"extremely_long_cookie", strings.Repeat("A", 50000), "Extremely long cookie should not cause issues"},
		{"cookie_with_special_chars", "session<script>alert(1)</script>", "Special characters should be safely handled"},
		{"unsigned_jws", "eyJhbGciOiJub25lIn0.c2Vzc2lvbg.", "alg none must be rejected"},
		{"foreign_key_jws", otherKey(), "Cookie signed with another key must be rejected"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/forward-auth/auth", nil)
			req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: tt.cookieValue})

			w := httptest.NewRecorder()
			app.Routes().ServeHTTP(w, req)

			if w.Code >= 500 {
				t.Errorf("%s: server error %d", tt.description, w.Code)
			}
			if w.Code == http.StatusOK {
				t.Errorf("%s: forged cookie granted access", tt.description)
			}
		})
	}
}

// TestSecurityFakeCredentials checks Authorization headers that must never pass.
func TestSecurityFakeCredentials(t *testing.T) {
	app := setupTestApp(t)

	tests := []struct {
		name   string
		header string
	}{
		{"empty_basic", "Basic "},
		{"basic_no_colon", "Basic " + base64.StdEncoding.EncodeToString([]byte("alicesecret"))},
		{"basic_empty_user", basicHeader("", "secret")},
		{"basic_wrong_password", basicHeader("alice", "secret ")},
		{"bearer_unknown_token", "Bearer eyJhbGciOiJub25lIn0.eyJzdWIiOiJhbGljZSJ9."},
		{"bearer_empty", "Bearer "},
		{"scheme_only", "Bearer"},
		{"unknown_scheme", "Negotiate YIIC"},
		{"null_bytes", "Basic \x00\x00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/forward-auth/auth", nil)
			req.Header.Set("Authorization", tt.header)
			w := httptest.NewRecorder()
			app.Routes().ServeHTTP(w, req)

			if w.Code != http.StatusUnauthorized {
				t.Errorf("expected 401, got %d", w.Code)
			}
			if w.Body.String() != "KO" {
				t.Errorf("expected KO body, got %q", w.Body.String())
			}
		})
	}
}

// TestSecurityOpenRedirect checks that logout only follows allow-listed targets.
func TestSecurityOpenRedirect(t *testing.T) {
	app := setupTestApp(t)

	maliciousRedirects := []string{
		"http://evil.com/callback",
		"https://evil.com",
		"//evil.com/callback",
		"javascript:alert(1)",
		"data:text/html,<script>alert(1)</script>",
		"https://app.example.com/bye@evil.com",
		"https://app.example.com/bye/../../evil.com",
		"https://app.example.com/bye#evil.com",
	}

	for _, redirect := range maliciousRedirects {
		t.Run("redirect_"+redirect, func(t *testing.T) {
			for _, entry := range []string{"/forward-auth/oidc/logout", "/forward-auth/logout"} {
				req := httptest.NewRequest("GET", entry+"?to="+url.QueryEscape(redirect), nil)
				w := httptest.NewRecorder()
				app.Routes().ServeHTTP(w, req)

				if w.Code != http.StatusFound {
					t.Fatalf("%s: expected redirect, got %d", entry, w.Code)
				}
				location := w.Header().Get("Location")
				if entry == "/forward-auth/logout" {
					// the root trampoline only forwards; the logout handler decides
					continue
				}
				final, err := url.Parse(location)
				if err != nil {
					t.Fatalf("bad location %q", location)
				}
				if final.Query().Get("redirect_uri") != "/" {
					t.Errorf("open redirect: %s", location)
				}
			}
		})
	}
}

// TestSecurityCallbackCSRF checks that a callback without the matching state is refused.
func TestSecurityCallbackCSRF(t *testing.T) {
	idp := newStubIdP()
	app := newTestApp(t, testConfig(), idp)
	victim := newBrowser(t, app)
	victim.get("/forward-auth/oidc/login", nil)

	attacker := newBrowser(t, app)
	rec := attacker.get("/forward-auth/oidc/login", nil)
	loc, _ := url.Parse(rec.Header().Get("Location"))
	attackerState := loc.Query().Get("state")

	rec = victim.get("/forward-auth/oidc/callback?code=attacker-code&state="+url.QueryEscape(attackerState), nil)
	if rec.Header().Get("Location") != "/access-denied" {
		t.Fatalf("cross-session state accepted: %s", rec.Header().Get("Location"))
	}
	if len(idp.codes) != 0 {
		t.Errorf("code exchanged despite state mismatch")
	}
	if victim.session(app).Auth {
		t.Errorf("victim session authenticated with attacker code")
	}
}

// TestSecurityHeaderInjection checks that mapped values cannot smuggle extra headers.
func TestSecurityHeaderInjection(t *testing.T) {
	app := setupTestApp(t)
	b := newBrowser(t, app)
	b.seed(app, Session{
		Name: "auth",
		Auth: true,
		AuthAttributes: map[string]any{
			"preferred_username": "alice\r\nX-Injected: 1",
			"groups":             []any{"/user"},
			"exp":                float64(time.Now().Add(time.Hour).Unix()),
		},
		AuthErrors: []string{},
	})

	srv := httptest.NewServer(app.Routes())
	defer srv.Close()

	req, _ := http.NewRequest("GET", srv.URL+"/forward-auth/auth?target=header&scope=user", nil)
	req.AddCookie(b.cookie)
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.Header.Get("X-Injected") != "" {
		t.Errorf("header injection successful")
	}
	if resp.StatusCode >= 500 {
		t.Errorf("server error %d", resp.StatusCode)
	}
}

// TestSecurityInformationDisclosure checks error bodies stay terse.
func TestSecurityInformationDisclosure(t *testing.T) {
	app := setupTestApp(t)

	tests := []struct {
		name     string
		path     string
		header   string
		forbid   []string
		wantCode int
	}{
		{"auth_rejection", "/forward-auth/auth", basicHeader("alice", "wrong"), []string{"alice", "invalid", "grant"}, http.StatusUnauthorized},
		{"me_rejection", "/forward-auth/me", basicHeader("alice", "wrong"), []string{"alice", "invalid"}, http.StatusUnauthorized},
		{"info_unauthenticated", "/forward-auth/info/query", "", []string{"auth_attributes"}, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			app.Routes().ServeHTTP(w, req)

			if w.Code != tt.wantCode {
				t.Errorf("expected %d, got %d", tt.wantCode, w.Code)
			}
			body := strings.ToLower(w.Body.String())
			for _, s := range tt.forbid {
				if strings.Contains(body, s) {
					t.Errorf("response leaks %q: %s", s, body)
				}
			}
		})
	}
}

// TestSecuritySessionCookieFlags checks production cookie attributes.
func TestSecuritySessionCookieFlags(t *testing.T) {
	app := setupTestApp(t)
	req := httptest.NewRequest("GET", "/forward-auth/auth", nil)
	w := httptest.NewRecorder()
	app.Routes().ServeHTTP(w, req)

	c := sessionCookie(t, w)
	if !c.HttpOnly {
		t.Error("session cookie must be HttpOnly")
	}
	if !c.Secure {
		t.Error("session cookie must be Secure outside dev mode")
	}
	if c.SameSite != http.SameSiteLaxMode {
		t.Errorf("unexpected SameSite %v", c.SameSite)
	}
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("missing nosniff outside dev mode")
	}
}

// TestSecurityRandomnessQuality checks state and nonce values do not repeat.
func TestSecurityRandomnessQuality(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		v := randomString(24)
		if len(v) != 32 {
			t.Fatalf("unexpected length %d", len(v))
		}
		if seen[v] {
			t.Fatalf("duplicate random value %q", v)
		}
		seen[v] = true
	}
}
