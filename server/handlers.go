package server

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config     Config
	Logger     *slog.Logger
	Sessions   *SessionManager
	Cache      Cache
	Dispatcher *Dispatcher
	Mappers    *MapperRegistry
	Provider   IdentityProvider
	Tokens     *TokenStore
	Admin      *AdminClient
	Metrics    *Metrics

	now     func() time.Time
	closers []func() error
}

// Deps are the swappable collaborators of an App.
type Deps struct {
	Provider   IdentityProvider
	Store      SessionStore
	Cache      Cache
	Validators *ValidatorRegistry
	HTTPClient *http.Client
}

// NewApp wires together the application state from configuration.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	var deps Deps
	var closers []func() error

	if cfg.RedisAddr() != "" {
		client, err := NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		closers = append(closers, client.Close)
		deps.Store = NewRedisSessionStore(client, cfg.Session.Prefix)
		deps.Cache = NewRedisCache(client, cfg.Cache.Prefix, cfg.CacheTTL())
		logger.Info("using redis storage", "addr", cfg.RedisAddr(), "db", cfg.Redis.DB)
	} else {
		logger.Info("using in-memory storage")
	}

	if cfg.OIDC.Issuer != "" {
		provider, err := NewOIDCProvider(ctx, cfg.OIDC, cfg.IdPTimeout(), logger)
		if err != nil {
			if !cfg.Server.DevMode {
				closeAll(closers)
				return nil, err
			}
			logger.Warn("provider init failed", "issuer", cfg.OIDC.Issuer, "error", err)
		} else {
			deps.Provider = provider
		}
	}

	app, err := newApp(cfg, logger, deps)
	if err != nil {
		closeAll(closers)
		return nil, err
	}
	app.closers = closers
	return app, nil
}

func newApp(cfg Config, logger *slog.Logger, deps Deps) (*App, error) {
	if deps.Store == nil {
		deps.Store = NewInMemoryStore()
	}
	if deps.Cache == nil {
		deps.Cache = NewMemoryCache(cfg.CacheTTL())
	}
	if deps.Validators == nil {
		if deps.Provider != nil {
			deps.Validators = DefaultValidators(deps.Provider)
		} else {
			deps.Validators = NewValidatorRegistry()
		}
	}
	if deps.HTTPClient == nil {
		deps.HTTPClient = newIdPHTTPClient(cfg.IdPTimeout())
	}

	sessions, err := NewSessionManager(cfg, deps.Store, logger)
	if err != nil {
		return nil, err
	}

	metrics := NewMetrics()
	app := &App{
		Config:     cfg,
		Logger:     logger,
		Sessions:   sessions,
		Cache:      deps.Cache,
		Dispatcher: NewDispatcher(deps.Cache, deps.Validators, cfg.CacheTTL(), cfg.IdPTimeout(), logger, metrics),
		Mappers:    NewMapperRegistry(cfg, logger),
		Provider:   deps.Provider,
		Metrics:    metrics,
		now:        time.Now,
	}

	if cfg.Manager.TokenURL != "" {
		app.Tokens = NewTokenStore(cfg.Manager, deps.HTTPClient, logger, metrics)
		app.Admin = NewAdminClient(cfg.Manager, deps.HTTPClient, app.Tokens)
	}

	return app, nil
}

// Close releases backend connections.
func (a *App) Close() error {
	closeAll(a.closers)
	return nil
}

func closeAll(fns []func() error) {
	for _, fn := range fns {
		_ = fn()
	}
}

// Ping checks the shared backend when one is configured.
func (a *App) Ping(ctx context.Context) error {
	if rc, ok := a.Cache.(*RedisCache); ok {
		return rc.client.Ping(ctx).Err()
	}
	return nil
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := a.Ping(r.Context()); err != nil {
		a.Logger.Warn("health check failed", "error", err)
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

// saveSession persists the session, logging failures.
func (a *App) saveSession(w http.ResponseWriter, r *http.Request, sess *Session) {
	if err := a.Sessions.Save(r.Context(), w, sess); err != nil {
		a.Logger.Error("session save failed", "error", err)
	}
}

// loadSession never fails the request; store errors yield a fresh session.
func (a *App) loadSession(r *http.Request) *Session {
	sess, err := a.Sessions.Load(r)
	if err != nil {
		a.Logger.Error("session load failed", "error", err)
		return &Session{ID: a.Sessions.store.NewID(), AuthErrors: []string{}, fresh: true}
	}
	return sess
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func randomString(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
