package server

import (
	"strings"
	"time"
)

// Session is the per-browser state persisted in the session store.
type Session struct {
	ID               string           `json:"-"`
	Name             string           `json:"name"`
	Auth             bool             `json:"auth"`
	AuthAttributes   map[string]any   `json:"auth_attributes,omitempty"`
	AuthErrors       []string         `json:"auth_errors"`
	AuthNameID       string           `json:"auth_nameid"`
	AuthSessionIndex string           `json:"auth_sessionindex"`
	State            string           `json:"state,omitempty"`
	Nonce            string           `json:"nonce,omitempty"`
	IDToken          string           `json:"id_token,omitempty"`
	Forwarded        ForwardedCapture `json:"forwarded"`
	APIToken         *Token           `json:"api_token,omitempty"`
	ExpiresAt        time.Time        `json:"expires_at"`

	// fresh marks a session that has not been persisted yet.
	fresh bool
}

// ForwardedCapture holds the X-Forwarded-* values seen on the last auth check.
// A nil field means the header was not captured.
type ForwardedCapture struct {
	Proto *string `json:"proto,omitempty"`
	Host  *string `json:"host,omitempty"`
	Port  *string `json:"port,omitempty"`
	URI   *string `json:"uri,omitempty"`
}

// Reset drops all auth state while keeping the session ID and expiry.
func (s *Session) Reset() {
	id, exp := s.ID, s.ExpiresAt
	*s = Session{ID: id, ExpiresAt: exp}
}

// Expired reports whether auth_attributes.exp is missing or already in the past.
func (s *Session) Expired(now time.Time) bool {
	if len(s.AuthAttributes) == 0 {
		return true
	}
	exp, ok := numericClaim(s.AuthAttributes["exp"])
	if !ok {
		return true
	}
	return exp < now.Unix()
}

// Token implements TokenHolder.
func (s *Session) Token() *Token {
	return s.APIToken
}

// SetToken implements TokenHolder.
func (s *Session) SetToken(t *Token) {
	s.APIToken = t
}

// Identity is the validated identity payload cached per credential.
type Identity struct {
	Subject   string         `json:"sub,omitempty"`
	Username  string         `json:"preferred_username,omitempty"`
	Email     string         `json:"email,omitempty"`
	Groups    []string       `json:"groups"`
	ExpiresAt int64          `json:"exp,omitempty"`
	Claims    map[string]any `json:"claims,omitempty"`
}

// identityFromClaims normalizes IdP claims into an Identity.
func identityFromClaims(claims map[string]any) Identity {
	id := Identity{Claims: claims, Groups: []string{}}
	if v, ok := claims["sub"].(string); ok {
		id.Subject = v
	}
	if v, ok := claims["preferred_username"].(string); ok {
		id.Username = v
	}
	if v, ok := claims["email"].(string); ok {
		id.Email = v
	}
	if exp, ok := numericClaim(claims["exp"]); ok {
		id.ExpiresAt = exp
	}
	id.Groups = stringSlice(claims["groups"])
	return id
}

func numericClaim(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	case interface{ Int64() (int64, error) }:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}

func stringSlice(v any) []string {
	out := []string{}
	switch list := v.(type) {
	case []string:
		out = append(out, list...)
	case []any:
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
	case string:
		for _, s := range strings.Fields(list) {
			out = append(out, s)
		}
	}
	return out
}
