package server

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-jose/go-jose/v3"
)

const sessionCookieName = "auth_session"

var errBadSessionCookie = errors.New("session cookie signature invalid")

// SessionManager handles cookie-backed sessions. The cookie carries the session ID
// as an HS256 compact JWS; the session body lives in the SessionStore.
type SessionManager struct {
	store        SessionStore
	logger       *slog.Logger
	ttl          time.Duration
	secure       bool
	sameSite     http.SameSite
	cookieDomain string
	key          []byte
	signer       jose.Signer
}

// NewSessionManager constructs a session manager honouring config.
func NewSessionManager(cfg Config, store SessionStore, logger *slog.Logger) (*SessionManager, error) {
	sameSite := http.SameSiteLaxMode
	secure := !cfg.Server.DevMode

	secret := []byte(cfg.Server.SessionSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate session secret: %w", err)
		}
		logger.Warn("session secret not configured, using ephemeral key")
	}
	key := sha256.Sum256(secret)

	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: key[:]}, nil)
	if err != nil {
		return nil, fmt.Errorf("session signer: %w", err)
	}

	return &SessionManager{
		store:        store,
		logger:       logger,
		ttl:          cfg.SessionTTL(),
		secure:       secure,
		sameSite:     sameSite,
		cookieDomain: cfg.Server.CookieDomain,
		key:          key[:],
		signer:       signer,
	}, nil
}

// Load returns the session bound to the request cookie, or a fresh unsaved session.
func (sm *SessionManager) Load(r *http.Request) (*Session, error) {
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		id, err := sm.verify(cookie.Value)
		if err != nil {
			sm.logger.Debug("session cookie rejected", "error", err)
		} else {
			sess, ok, err := sm.store.GetSession(r.Context(), id)
			if err != nil {
				return nil, err
			}
			if ok {
				return &sess, nil
			}
		}
	}

	return &Session{
		ID:         sm.store.NewID(),
		AuthErrors: []string{},
		ExpiresAt:  time.Now().Add(sm.ttl),
		fresh:      true,
	}, nil
}

// Save persists the session and (re)issues the cookie.
func (sm *SessionManager) Save(ctx context.Context, w http.ResponseWriter, sess *Session) error {
	sess.ExpiresAt = time.Now().Add(sm.ttl)
	if err := sm.store.SaveSession(ctx, *sess, sm.ttl); err != nil {
		return err
	}
	sess.fresh = false
	value, err := sm.sign(sess.ID)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    value,
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: sm.sameSite,
		MaxAge:   int(sm.ttl.Seconds()),
	})
	return nil
}

// Clear wipes the session state and removes the cookie.
func (sm *SessionManager) Clear(ctx context.Context, w http.ResponseWriter, sess *Session) {
	if sess != nil {
		if err := sm.store.DeleteSession(ctx, sess.ID); err != nil {
			sm.logger.Warn("session delete failed", "error", err)
		}
		sess.Reset()
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: sm.sameSite,
		MaxAge:   -1,
	})
}

// Renew resets all session state under a new ID, dropping the old record.
func (sm *SessionManager) Renew(ctx context.Context, sess *Session) {
	if err := sm.store.DeleteSession(ctx, sess.ID); err != nil {
		sm.logger.Warn("session delete failed", "error", err)
	}
	sess.Reset()
	sess.ID = sm.store.NewID()
	sess.AuthErrors = []string{}
}

func (sm *SessionManager) sign(id string) (string, error) {
	obj, err := sm.signer.Sign([]byte(id))
	if err != nil {
		return "", fmt.Errorf("sign session cookie: %w", err)
	}
	return obj.CompactSerialize()
}

func (sm *SessionManager) verify(value string) (string, error) {
	obj, err := jose.ParseSigned(value)
	if err != nil {
		return "", errBadSessionCookie
	}
	if len(obj.Signatures) != 1 || obj.Signatures[0].Header.Algorithm != string(jose.HS256) {
		return "", errBadSessionCookie
	}
	payload, err := obj.Verify(sm.key)
	if err != nil {
		return "", errBadSessionCookie
	}
	return string(payload), nil
}
