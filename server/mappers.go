package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"slices"
	"strings"

	"github.com/tidwall/gjson"
)

const (
	headerSessionEndpoint = "X-Auth-Session-Endpoint"
	headerSessionName     = "X-Auth-Session-Name"
)

// Mapper projects an authenticated session into the gateway response.
type Mapper interface {
	// Auth sets response headers for scope. It returns ErrScopeDenied to deny.
	Auth(h http.Header, sess *Session, scope string) error
	// Info returns the identity document for scope.
	Info(sess *Session, scope string) (map[string]any, error)
}

// MapperRegistry resolves a target name to a Mapper.
type MapperRegistry struct {
	mappers map[string]Mapper
}

// NewMapperRegistry builds the raw, header and json mappers from config.
func NewMapperRegistry(cfg Config, logger *slog.Logger) *MapperRegistry {
	endpoint := cfg.Server.PublicURL + cfg.Endpoints.Info
	raw := &RawMapper{InfoEndpoint: endpoint}
	return &MapperRegistry{mappers: map[string]Mapper{
		"raw":    raw,
		"header": &HeaderMapper{RawMapper: raw, Scopes: cfg.Mappers.Header, Logger: logger},
		"json":   &JSONMapper{RawMapper: raw, Scopes: cfg.Mappers.JSON, Logger: logger},
	}}
}

// Register adds or replaces a mapper.
func (r *MapperRegistry) Register(name string, m Mapper) {
	r.mappers[name] = m
}

// Lookup returns the named mapper or ErrUnknownMapper.
func (r *MapperRegistry) Lookup(name string) (Mapper, error) {
	m, ok := r.mappers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMapper, name)
	}
	return m, nil
}

// RawMapper exposes the session auth fields unchanged.
type RawMapper struct {
	InfoEndpoint string
}

func (m *RawMapper) Auth(h http.Header, sess *Session, _ string) error {
	h.Set(headerSessionEndpoint, m.InfoEndpoint+"/query")
	h.Set(headerSessionName, sess.Name)
	return nil
}

func (m *RawMapper) Info(sess *Session, _ string) (map[string]any, error) {
	attrs := sess.AuthAttributes
	if attrs == nil {
		attrs = map[string]any{}
	}
	errs := sess.AuthErrors
	if errs == nil {
		errs = []string{}
	}
	return map[string]any{
		"auth":              sess.Auth,
		"auth_errors":       errs,
		"auth_nameid":       sess.AuthNameID,
		"auth_sessionindex": sess.AuthSessionIndex,
		"auth_attributes":   attrs,
	}, nil
}

// HeaderMapper gates a scope on group membership and emits configured headers.
type HeaderMapper struct {
	*RawMapper
	Scopes ScopeTable
	Logger *slog.Logger
}

func (m *HeaderMapper) Auth(h http.Header, sess *Session, scope string) error {
	headers, ok := m.Scopes[scope]
	if !ok {
		return fmt.Errorf("%w: scope %q not configured", ErrScopeDenied, scope)
	}
	if err := m.RawMapper.Auth(h, sess, scope); err != nil {
		return err
	}
	info, _ := m.RawMapper.Info(sess, scope)
	groups := stringSlice(sess.AuthAttributes["groups"])
	if !slices.Contains(groups, "/"+scope) {
		return fmt.Errorf("%w: not a member of %s group", ErrScopeDenied, scope)
	}

	doc, err := json.Marshal(info)
	if err != nil {
		m.Logger.Error("failed to set scope headers", "scope", scope, "error", err)
		return nil
	}
	for header, path := range headers {
		res := gjson.GetBytes(doc, normalizePath(path))
		if !res.Exists() {
			m.Logger.Error("failed to set scope header", "scope", scope, "header", header, "path", path)
			continue
		}
		h.Set(header, res.String())
	}
	return nil
}

// JSONMapper points the session endpoint at a scoped JSON document.
type JSONMapper struct {
	*RawMapper
	Scopes ScopeTable
	Logger *slog.Logger
}

func (m *JSONMapper) Auth(h http.Header, sess *Session, scope string) error {
	h.Set(headerSessionEndpoint, m.InfoEndpoint+"/query?target=json&scope="+url.QueryEscape(scope))
	h.Set(headerSessionName, sess.Name)
	return nil
}

func (m *JSONMapper) Info(sess *Session, scope string) (map[string]any, error) {
	fields, ok := m.Scopes[scope]
	if !ok {
		return nil, fmt.Errorf("%w: scope %q not configured", ErrScopeDenied, scope)
	}
	raw, _ := m.RawMapper.Info(sess, scope)
	result := map[string]any{"raw": raw}

	doc, err := json.Marshal(raw)
	if err != nil {
		m.Logger.Error("failed to set scope data", "scope", scope, "error", err)
		return result, nil
	}
	for key, path := range fields {
		res := gjson.GetBytes(doc, normalizePath(path))
		if !res.Exists() {
			m.Logger.Error("failed to set scope data", "scope", scope, "key", key, "path", path)
			continue
		}
		result[key] = res.Value()
	}
	return result, nil
}

var (
	bracketIndex = regexp.MustCompile(`\[\s*(\d+|\*)\s*\]`)
	bracketKey   = regexp.MustCompile(`\[\s*(?:'([^']*)'|"([^"]*)")\s*\]`)
	gjsonSpecial = strings.NewReplacer(".", `\.`, "*", `\*`, "?", `\?`, "|", `\|`, "#", `\#`, "@", `\@`)
)

// normalizePath turns JSONPath-style "$.a.b", "$.a[0]" and "$['a']" into gjson
// syntax. Plain gjson paths pass through unchanged.
func normalizePath(path string) string {
	path = strings.TrimSpace(path)
	path = strings.TrimPrefix(path, "$")
	path = strings.TrimSuffix(path, "[*]")
	path = bracketKey.ReplaceAllStringFunc(path, func(m string) string {
		sub := bracketKey.FindStringSubmatch(m)
		return "." + gjsonSpecial.Replace(sub[1]+sub[2])
	})
	path = bracketIndex.ReplaceAllStringFunc(path, func(m string) string {
		idx := bracketIndex.FindStringSubmatch(m)[1]
		if idx == "*" {
			return ".#"
		}
		return "." + idx
	})
	return strings.TrimPrefix(path, ".")
}
