// Package client helps upstream services read the session the gateway
// advertises through the X-Auth-Session-Endpoint header.
package client

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

const (
	// EndpointHeader is set by the gateway on every allowed request.
	EndpointHeader = "X-Auth-Session-Endpoint"
	// SessionNameHeader carries the session name.
	SessionNameHeader = "X-Auth-Session-Name"

	defaultCookieName = "auth_session"
	maxCacheEntries   = 10000
)

var (
	// ErrNoEndpoint means the request did not pass through the gateway.
	ErrNoEndpoint = errors.New("session endpoint header missing")
	// ErrUntrustedEndpoint means the endpoint is outside the configured gateway URL.
	ErrUntrustedEndpoint = errors.New("session endpoint not trusted")
	// ErrNotAuthenticated means the gateway refused the session.
	ErrNotAuthenticated = errors.New("session not authenticated")
	// ErrForbidden means the requested scope was denied.
	ErrForbidden = errors.New("session scope denied")
)

// SessionConfig configures the session reader.
type SessionConfig struct {
	GatewayURL string
	CookieName string
	CacheTTL   time.Duration
	HTTPClient *http.Client
}

// SessionReader fetches and caches session documents from the gateway.
type SessionReader struct {
	cfg    SessionConfig
	client *http.Client
	now    func() time.Time

	mu    sync.RWMutex
	cache map[string]cachedInfo
}

type cachedInfo struct {
	info    *Info
	expires time.Time
}

// Info is the JSON document returned by the gateway's info endpoint.
type Info struct {
	raw []byte
}

// NewSessionReader creates a reader with sane defaults.
func NewSessionReader(cfg SessionConfig) *SessionReader {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if cfg.CookieName == "" {
		cfg.CookieName = defaultCookieName
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 30 * time.Second
	}
	cfg.GatewayURL = strings.TrimSuffix(cfg.GatewayURL, "/")
	return &SessionReader{cfg: cfg, client: client, now: time.Now, cache: map[string]cachedInfo{}}
}

// Fetch resolves the session behind r. Documents are cached per endpoint and cookie.
func (s *SessionReader) Fetch(ctx context.Context, r *http.Request) (*Info, error) {
	endpoint := r.Header.Get(EndpointHeader)
	if endpoint == "" {
		return nil, ErrNoEndpoint
	}
	if s.cfg.GatewayURL != "" && !strings.HasPrefix(endpoint, s.cfg.GatewayURL+"/") {
		return nil, fmt.Errorf("%w: %s", ErrUntrustedEndpoint, endpoint)
	}

	cookie, err := r.Cookie(s.cfg.CookieName)
	if err != nil {
		return nil, ErrNotAuthenticated
	}
	key := cacheKey(endpoint, cookie.Value)

	s.mu.RLock()
	entry, ok := s.cache[key]
	s.mu.RUnlock()
	if ok {
		if s.now().Before(entry.expires) {
			return entry.info, nil
		}
		s.mu.Lock()
		if cur, found := s.cache[key]; found && !s.now().Before(cur.expires) {
			delete(s.cache, key)
		}
		s.mu.Unlock()
	}

	info, err := s.fetch(ctx, endpoint, cookie)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if len(s.cache) >= maxCacheEntries {
		s.evictLocked()
	}
	s.cache[key] = cachedInfo{info: info, expires: s.now().Add(s.cfg.CacheTTL)}
	s.mu.Unlock()
	return info, nil
}

// evictLocked drops expired entries, then arbitrary ones until the cache has room.
func (s *SessionReader) evictLocked() {
	now := s.now()
	for k, e := range s.cache {
		if !now.Before(e.expires) {
			delete(s.cache, k)
		}
	}
	for k := range s.cache {
		if len(s.cache) < maxCacheEntries {
			break
		}
		delete(s.cache, k)
	}
}

func (s *SessionReader) fetch(ctx context.Context, endpoint string, cookie *http.Cookie) (*Info, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.AddCookie(&http.Cookie{Name: cookie.Name, Value: cookie.Value})
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return nil, ErrNotAuthenticated
	case http.StatusForbidden:
		return nil, ErrForbidden
	default:
		return nil, fmt.Errorf("session fetch failed: %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(body) {
		return nil, errors.New("session document is not valid JSON")
	}
	return &Info{raw: body}, nil
}

func cacheKey(endpoint, cookie string) string {
	sum := sha256.Sum256([]byte(endpoint + "\x00" + cookie))
	return hex.EncodeToString(sum[:])
}

// Get evaluates a gjson path against the document.
func (i *Info) Get(path string) gjson.Result {
	return gjson.GetBytes(i.raw, strings.TrimPrefix(strings.TrimPrefix(path, "$"), "."))
}

// Authenticated reports the auth flag of a raw session document.
func (i *Info) Authenticated() bool {
	return i.Get("auth").Bool()
}

// Username is preferred_username from the session attributes.
func (i *Info) Username() string {
	return i.Get("auth_attributes.preferred_username").String()
}

// Groups lists the session's group paths.
func (i *Info) Groups() []string {
	var out []string
	for _, g := range i.Get("auth_attributes.groups").Array() {
		out = append(out, g.String())
	}
	return out
}

// HasGroup reports whether the session is a member of group.
func (i *Info) HasGroup(group string) bool {
	return slices.Contains(i.Groups(), group)
}

// Raw returns the document bytes.
func (i *Info) Raw() []byte {
	return i.raw
}

// RequireSession middleware fetches the session and injects it into context.
// When groups are given the session must belong to at least one of them.
func RequireSession(s *SessionReader, groups ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			info, err := s.Fetch(r.Context(), r)
			if err != nil {
				status := http.StatusUnauthorized
				if errors.Is(err, ErrForbidden) {
					status = http.StatusForbidden
				}
				http.Error(w, http.StatusText(status), status)
				return
			}
			if len(groups) > 0 && !slices.ContainsFunc(groups, info.HasGroup) {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			ctx := context.WithValue(r.Context(), infoKey{}, info)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// InfoFromContext retrieves the session attached by the middleware.
func InfoFromContext(ctx context.Context) (*Info, bool) {
	info, ok := ctx.Value(infoKey{}).(*Info)
	return info, ok
}

type infoKey struct{}
