package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"fwdauth/server"
)

type stubProvider struct {
	url string
}

func (s *stubProvider) AuthCodeURL(state, nonce, scope string) string {
	return s.url
}

func (s *stubProvider) Exchange(ctx context.Context, code, expectedNonce string) (server.ProviderTokens, error) {
	return server.ProviderTokens{}, nil
}

func (s *stubProvider) EndSessionURL(idTokenHint, returnTo, state string) (string, error) {
	return returnTo, nil
}

func (s *stubProvider) EndSessionEndpoint() string { return "" }

func (s *stubProvider) PasswordGrant(ctx context.Context, username, password string) (server.Identity, error) {
	return server.Identity{}, nil
}

func (s *stubProvider) RefreshGrant(ctx context.Context, refreshToken string) (server.Identity, error) {
	return server.Identity{}, nil
}

func TestRunConnectSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/start":
			http.Redirect(w, r, "/login", http.StatusFound)
		case "/login":
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("login"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := server.DefaultConfig()

	if err := runConnect(context.Background(), cfg, logger, &stubProvider{url: srv.URL + "/start"}, nil); err != nil {
		t.Fatalf("runConnect returned error: %v", err)
	}
}

func TestRunConnectFailureStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := server.DefaultConfig()

	if err := runConnect(context.Background(), cfg, logger, &stubProvider{url: srv.URL}, nil); err == nil {
		t.Fatalf("expected error but got nil")
	}
}

func TestRunConnectMissingIssuer(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := server.DefaultConfig()

	if err := runConnect(context.Background(), cfg, logger, nil, nil); err == nil {
		t.Fatalf("expected error without issuer")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":        slog.LevelInfo,
		"INFO":    slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"Warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"ERR":     slog.LevelError,
	}

	for input, want := range tests {
		got, err := parseLogLevel(input)
		if err != nil {
			t.Fatalf("parseLogLevel(%q) returned error: %v", input, err)
		}
		if got != want {
			t.Fatalf("parseLogLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestParseLogLevelInvalid(t *testing.T) {
	if _, err := parseLogLevel("trace"); err == nil {
		t.Fatalf("expected error for unsupported level")
	}
}

func TestRunConfigInitWritesLoadableConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	answers := strings.Join([]string{
		"y",
		"",
		"",
		"https://sso.example.com/realms/main",
		"gateway",
		"secret",
		"n",
	}, "\n") + "\n"

	if err := runConfigInit(path, strings.NewReader(answers), logger); err != nil {
		t.Fatalf("runConfigInit: %v", err)
	}

	cfg, err := server.LoadConfig(path)
	if err != nil {
		t.Fatalf("load written config: %v", err)
	}
	if cfg.OIDC.Issuer != "https://sso.example.com/realms/main" {
		t.Fatalf("issuer = %q", cfg.OIDC.Issuer)
	}
	if cfg.OIDC.Registration.ClientID != "gateway" {
		t.Fatalf("client_id = %q", cfg.OIDC.Registration.ClientID)
	}

	if err := runConfigInit(path, strings.NewReader(answers), logger); err == nil {
		t.Fatalf("expected error when config already exists")
	}
}

func TestProbeTargets(t *testing.T) {
	cfg := server.DefaultConfig()
	if got := probeTargets(cfg); len(got) != 0 {
		t.Fatalf("expected no targets, got %v", got)
	}

	cfg.OIDC.Issuer = "https://sso.example.com/realms/main/"
	cfg.Manager.TokenURL = "https://sso.example.com/realms/master/protocol/openid-connect/token"
	got := probeTargets(cfg)
	if len(got) != 2 {
		t.Fatalf("expected 2 targets, got %d", len(got))
	}
	if got[0].url != "https://sso.example.com/realms/main/.well-known/openid-configuration" {
		t.Fatalf("discovery url = %q", got[0].url)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, err := loadConfig(filepath.Join(t.TempDir(), "nope.yaml"), logger)
	if err == nil || !strings.Contains(err.Error(), "-config-cmd=init") {
		t.Fatalf("expected init hint, got %v", err)
	}
}
