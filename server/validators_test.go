package server

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubGranter accepts alice:secret and the refresh token "rt-good".
type stubGranter struct {
	calls atomic.Int32
	delay time.Duration
	err   error
}

func (g *stubGranter) PasswordGrant(ctx context.Context, username, password string) (Identity, error) {
	g.calls.Add(1)
	if err := g.wait(ctx); err != nil {
		return Identity{}, err
	}
	if g.err != nil {
		return Identity{}, g.err
	}
	if username != "alice" || password != "secret" {
		return Identity{}, ErrCredentialInvalid
	}
	return Identity{Subject: "u-alice", Username: "alice", Groups: []string{"/admin"}}, nil
}

func (g *stubGranter) RefreshGrant(ctx context.Context, refreshToken string) (Identity, error) {
	g.calls.Add(1)
	if err := g.wait(ctx); err != nil {
		return Identity{}, err
	}
	if refreshToken != "rt-good" {
		return Identity{}, ErrCredentialInvalid
	}
	return Identity{Subject: "u-svc", Username: "svc"}, nil
}

func (g *stubGranter) wait(ctx context.Context) error {
	if g.delay == 0 {
		return nil
	}
	select {
	case <-time.After(g.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func basicHeader(user, pass string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
}

func newTestDispatcher(g TokenGranter, timeout time.Duration) *Dispatcher {
	return NewDispatcher(NewMemoryCache(0), DefaultValidators(g), DefaultCacheTTL, timeout, testLogger(), NewMetrics())
}

func TestDispatcherBasicCachesSuccess(t *testing.T) {
	t.Parallel()
	g := &stubGranter{}
	d := newTestDispatcher(g, time.Second)
	ctx := context.Background()

	first, err := d.Authorize(ctx, basicHeader("alice", "secret"))
	require.NoError(t, err)
	assert.True(t, first.Authenticated)
	assert.False(t, first.CacheHit)
	assert.Equal(t, "alice", first.Identity.Username)

	second, err := d.Authorize(ctx, basicHeader("alice", "secret"))
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.Equal(t, first.Identity, second.Identity)
	assert.Equal(t, int32(1), g.calls.Load(), "second request must be served from cache")
}

func TestDispatcherRejectionIsNotCached(t *testing.T) {
	t.Parallel()
	g := &stubGranter{}
	d := newTestDispatcher(g, time.Second)
	ctx := context.Background()

	for range 2 {
		_, err := d.Authorize(ctx, basicHeader("alice", "wrong"))
		require.ErrorIs(t, err, ErrCredentialInvalid)
	}
	assert.Equal(t, int32(2), g.calls.Load())
}

func TestDispatcherBearer(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher(&stubGranter{}, time.Second)

	dec, err := d.Authorize(context.Background(), "bearer rt-good")
	require.NoError(t, err)
	assert.Equal(t, "svc", dec.Identity.Username)

	_, err = d.Authorize(context.Background(), "Bearer rt-bad")
	require.ErrorIs(t, err, ErrCredentialInvalid)
}

func TestDispatcherUnknownScheme(t *testing.T) {
	t.Parallel()
	g := &stubGranter{}
	d := newTestDispatcher(g, time.Second)

	_, err := d.Authorize(context.Background(), "Digest abc")
	require.ErrorIs(t, err, ErrUnknownValidator)
	assert.Zero(t, g.calls.Load())
}

func TestDispatcherMalformedHeader(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher(&stubGranter{}, time.Second)

	for _, header := range []string{"Basic", "Basic ", "Basic a b", "Basic !!notbase64", basicHeader("", "x")} {
		_, err := d.Authorize(context.Background(), header)
		assert.ErrorIs(t, err, ErrCredentialInvalid, header)
	}
}

func TestDispatcherTimeoutRejects(t *testing.T) {
	t.Parallel()
	g := &stubGranter{delay: time.Second}
	d := newTestDispatcher(g, 20*time.Millisecond)

	_, err := d.Authorize(context.Background(), basicHeader("alice", "secret"))
	require.ErrorIs(t, err, ErrIdPUnreachable)

	g.delay = 0
	_, err = d.Authorize(context.Background(), basicHeader("alice", "secret"))
	require.NoError(t, err, "a timeout must not poison the cache")
}

func TestDispatcherUnreachablePropagates(t *testing.T) {
	t.Parallel()
	g := &stubGranter{err: errors.Join(ErrIdPUnreachable, errors.New("connection refused"))}
	d := newTestDispatcher(g, time.Second)

	_, err := d.Authorize(context.Background(), basicHeader("alice", "secret"))
	require.ErrorIs(t, err, ErrIdPUnreachable)
}

func TestDispatcherCollapsesConcurrentValidations(t *testing.T) {
	t.Parallel()
	g := &stubGranter{delay: 50 * time.Millisecond}
	d := newTestDispatcher(g, time.Second)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.Authorize(context.Background(), basicHeader("alice", "secret"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Less(t, g.calls.Load(), int32(8))
}

func TestDispatcherDropsUnreadableCacheEntry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	g := &stubGranter{}
	cache := NewMemoryCache(0)
	d := NewDispatcher(cache, DefaultValidators(g), DefaultCacheTTL, time.Second, testLogger(), nil)

	header := basicHeader("alice", "secret")
	require.NoError(t, cache.Put(ctx, CacheKey(header), []byte("not json"), 0))

	dec, err := d.Authorize(ctx, header)
	require.NoError(t, err)
	assert.False(t, dec.CacheHit)
	assert.Equal(t, int32(1), g.calls.Load())
}

func TestValidatorRegistryCaseInsensitive(t *testing.T) {
	t.Parallel()
	reg := NewValidatorRegistry()
	reg.Register("Token", ValidatorFunc(func(context.Context, string) (Identity, error) {
		return Identity{Subject: "x"}, nil
	}))

	v, err := reg.Lookup("TOKEN")
	require.NoError(t, err)
	id, err := v.Validate(context.Background(), "anything")
	require.NoError(t, err)
	assert.Equal(t, "x", id.Subject)

	_, err = reg.Lookup("basic")
	assert.ErrorIs(t, err, ErrUnknownValidator)
}
