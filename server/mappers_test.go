package server

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mapperConfig() Config {
	cfg := DefaultConfig()
	cfg.Server.PublicURL = "https://gw.example.com"
	cfg.Mappers.Header = ScopeTable{
		"admin": {
			"X-Auth-User":   "$.auth_attributes.preferred_username",
			"X-Auth-Email":  "auth_attributes.email",
			"X-Auth-Broken": "$.auth_attributes.missing",
		},
		"user": {"X-Auth-User": "auth_attributes.preferred_username"},
	}
	cfg.Mappers.JSON = ScopeTable{
		"profile": {"email": "$.auth_attributes.email", "groups": "auth_attributes.groups"},
	}
	return cfg
}

func authedSession(groups ...string) *Session {
	g := make([]any, len(groups))
	for i, v := range groups {
		g[i] = v
	}
	return &Session{
		Name:       "auth",
		Auth:       true,
		AuthErrors: []string{},
		AuthAttributes: map[string]any{
			"preferred_username": "alice",
			"email":              "alice@example.com",
			"groups":             g,
			"exp":                float64(4_000_000_000),
		},
	}
}

func TestRawMapper(t *testing.T) {
	t.Parallel()
	reg := NewMapperRegistry(mapperConfig(), testLogger())
	m, err := reg.Lookup("raw")
	require.NoError(t, err)

	sess := authedSession("/user")
	h := http.Header{}
	require.NoError(t, m.Auth(h, sess, ""))
	assert.Equal(t, "https://gw.example.com/forward-auth/info/query", h.Get("X-Auth-Session-Endpoint"))
	assert.Equal(t, "auth", h.Get("X-Auth-Session-Name"))

	first, err := m.Info(sess, "")
	require.NoError(t, err)
	second, err := m.Info(sess, "")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, true, first["auth"])
	assert.Equal(t, []string{}, first["auth_errors"])
}

func TestHeaderMapperGrantsMember(t *testing.T) {
	t.Parallel()
	reg := NewMapperRegistry(mapperConfig(), testLogger())
	m, err := reg.Lookup("header")
	require.NoError(t, err)

	h := http.Header{}
	require.NoError(t, m.Auth(h, authedSession("/admin"), "admin"))
	assert.Equal(t, "alice", h.Get("X-Auth-User"))
	assert.Equal(t, "alice@example.com", h.Get("X-Auth-Email"))
	assert.Empty(t, h.Get("X-Auth-Broken"), "missing paths are skipped")
	assert.NotEmpty(t, h.Get("X-Auth-Session-Endpoint"))
}

func TestHeaderMapperDeniesNonMember(t *testing.T) {
	t.Parallel()
	reg := NewMapperRegistry(mapperConfig(), testLogger())
	m, err := reg.Lookup("header")
	require.NoError(t, err)

	err = m.Auth(http.Header{}, authedSession("/user"), "admin")
	require.ErrorIs(t, err, ErrScopeDenied)

	err = m.Auth(http.Header{}, authedSession("/admin"), "unconfigured")
	require.ErrorIs(t, err, ErrScopeDenied)

	err = m.Auth(http.Header{}, authedSession("admin"), "admin")
	require.ErrorIs(t, err, ErrScopeDenied, "group names carry a leading slash")
}

func TestJSONMapper(t *testing.T) {
	t.Parallel()
	reg := NewMapperRegistry(mapperConfig(), testLogger())
	m, err := reg.Lookup("json")
	require.NoError(t, err)

	h := http.Header{}
	require.NoError(t, m.Auth(h, authedSession(), "my profile"))
	assert.Equal(t, "https://gw.example.com/forward-auth/info/query?target=json&scope=my+profile", h.Get("X-Auth-Session-Endpoint"))

	info, err := m.Info(authedSession("/a", "/b"), "profile")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", info["email"])
	assert.Equal(t, []any{"/a", "/b"}, info["groups"])
	assert.Contains(t, info, "raw")

	_, err = m.Info(authedSession(), "nope")
	require.ErrorIs(t, err, ErrScopeDenied)
}

func TestMapperRegistryUnknown(t *testing.T) {
	t.Parallel()
	reg := NewMapperRegistry(mapperConfig(), testLogger())
	_, err := reg.Lookup("saml")
	require.ErrorIs(t, err, ErrUnknownMapper)

	reg.Register("saml", &RawMapper{})
	_, err = reg.Lookup("saml")
	require.NoError(t, err)
}

func TestNormalizePath(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "a.b", normalizePath("$.a.b"))
	assert.Equal(t, "a.b", normalizePath(" a.b "))
	assert.Equal(t, "a.b", normalizePath(".a.b"))
	assert.Equal(t, "auth_attributes.groups.0", normalizePath("$.auth_attributes.groups[0]"))
	assert.Equal(t, "auth_attributes.email", normalizePath("$['auth_attributes'][\"email\"]"))
	assert.Equal(t, `a.x\.y`, normalizePath("$.a['x.y']"))
	assert.Equal(t, "items.#.id", normalizePath("$.items[*].id"))
	assert.Equal(t, "auth_attributes.groups", normalizePath("$.auth_attributes.groups[*]"))
	assert.Equal(t, "groups.#", normalizePath("groups.#"), "gjson syntax passes through")
}

func TestHeaderMapperIndexedPaths(t *testing.T) {
	t.Parallel()
	cfg := mapperConfig()
	cfg.Mappers.Header["admin"] = map[string]string{
		"X-Auth-First-Group": "$.auth_attributes.groups[0]",
		"X-Auth-Email":       "$['auth_attributes']['email']",
	}
	m, err := NewMapperRegistry(cfg, testLogger()).Lookup("header")
	require.NoError(t, err)

	h := http.Header{}
	require.NoError(t, m.Auth(h, authedSession("/admin", "/ops"), "admin"))
	assert.Equal(t, "/admin", h.Get("X-Auth-First-Group"))
	assert.Equal(t, "alice@example.com", h.Get("X-Auth-Email"))
}
