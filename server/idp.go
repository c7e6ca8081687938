package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// IdentityProvider is the behaviour the gateway needs from the upstream IdP.
type IdentityProvider interface {
	AuthCodeURL(state, nonce, scope string) string
	Exchange(ctx context.Context, code, expectedNonce string) (ProviderTokens, error)
	EndSessionURL(idTokenHint, returnTo, state string) (string, error)
	EndSessionEndpoint() string
	TokenGranter
}

// TokenGranter runs the direct grants used by credential validators.
type TokenGranter interface {
	PasswordGrant(ctx context.Context, username, password string) (Identity, error)
	RefreshGrant(ctx context.Context, refreshToken string) (Identity, error)
}

// ProviderTokens is the verified result of a code exchange.
type ProviderTokens struct {
	RawIDToken       string
	Claims           map[string]any
	RefreshToken     string
	RefreshExpiresIn int64
	// HasRefreshExpiry is false when the IdP omits refresh_expires_in.
	HasRefreshExpiry bool
}

// errNoGrant means there is no token to end a session with.
var errNoGrant = errors.New("no grant for end-session request")

// OIDCProvider wraps the discovered IdP and the gateway's client registration.
type OIDCProvider struct {
	codeConfig   *oauth2.Config
	directConfig *oauth2.Config
	verifier     *oidc.IDTokenVerifier
	endSession   string
	httpClient   *http.Client
	logger       *slog.Logger
}

// NewOIDCProvider initializes the provider via discovery.
func NewOIDCProvider(ctx context.Context, cfg OIDCConfig, timeout time.Duration, logger *slog.Logger) (*OIDCProvider, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("oidc issuer required")
	}

	httpClient := newIdPHTTPClient(timeout)
	discoveryCtx := oidc.ClientContext(ctx, httpClient)

	op, err := oidc.NewProvider(discoveryCtx, strings.TrimSuffix(cfg.Issuer, "/"))
	if err != nil {
		return nil, fmt.Errorf("%w: discover %s: %v", ErrIdPUnreachable, cfg.Issuer, err)
	}

	var meta struct {
		EndSessionEndpoint string `json:"end_session_endpoint"`
	}
	if err := op.Claims(&meta); err != nil {
		return nil, fmt.Errorf("parse discovery document: %w", err)
	}

	redirect := ""
	if len(cfg.Registration.RedirectURIs) > 0 {
		redirect = strings.TrimSuffix(cfg.Registration.RedirectURIs[0], "/") + "/callback"
	}

	codeEndpoint := op.Endpoint()
	codeEndpoint.AuthStyle = oauth2.AuthStyleInHeader
	directEndpoint := op.Endpoint()
	directEndpoint.AuthStyle = oauth2.AuthStyleInParams

	return &OIDCProvider{
		codeConfig: &oauth2.Config{
			ClientID:     cfg.Registration.ClientID,
			ClientSecret: cfg.Registration.ClientSecret,
			RedirectURL:  redirect,
			Endpoint:     codeEndpoint,
			Scopes:       []string{oidc.ScopeOpenID},
		},
		directConfig: &oauth2.Config{
			ClientID:     cfg.Registration.ClientID,
			ClientSecret: cfg.Registration.ClientSecret,
			Endpoint:     directEndpoint,
			Scopes:       []string{oidc.ScopeOpenID},
		},
		verifier:   op.Verifier(&oidc.Config{ClientID: cfg.Registration.ClientID}),
		endSession: meta.EndSessionEndpoint,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

func newIdPHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
	}
	return &http.Client{Timeout: timeout, Transport: transport}
}

func (p *OIDCProvider) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
}

// AuthCodeURL constructs the authorization request. scope is space separated.
func (p *OIDCProvider) AuthCodeURL(state, nonce, scope string) string {
	cfg := *p.codeConfig
	if scope != "" {
		cfg.Scopes = strings.Fields(scope)
	}
	return cfg.AuthCodeURL(state, oauth2.SetAuthURLParam("nonce", nonce))
}

// Exchange trades the code for tokens using client_secret_basic and verifies the id_token.
func (p *OIDCProvider) Exchange(ctx context.Context, code, expectedNonce string) (ProviderTokens, error) {
	ctx = p.clientContext(ctx)
	tok, err := p.codeConfig.Exchange(ctx, code)
	if err != nil {
		return ProviderTokens{}, classifyGrantError("exchange code", err)
	}

	rawIDToken, ok := tok.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return ProviderTokens{}, errors.New("id_token missing in response")
	}

	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return ProviderTokens{}, fmt.Errorf("verify id_token: %w", err)
	}
	if expectedNonce != "" && idToken.Nonce != expectedNonce {
		return ProviderTokens{}, errors.New("nonce mismatch")
	}

	var claims map[string]any
	if err := idToken.Claims(&claims); err != nil {
		return ProviderTokens{}, fmt.Errorf("parse claims: %w", err)
	}

	out := ProviderTokens{
		RawIDToken:   rawIDToken,
		Claims:       claims,
		RefreshToken: tok.RefreshToken,
	}
	out.RefreshExpiresIn, out.HasRefreshExpiry = extraInt(tok.Extra("refresh_expires_in"))
	return out, nil
}

// PasswordGrant validates username/password with a resource-owner password grant.
func (p *OIDCProvider) PasswordGrant(ctx context.Context, username, password string) (Identity, error) {
	ctx = p.clientContext(ctx)
	tok, err := p.directConfig.PasswordCredentialsToken(ctx, username, password)
	if err != nil {
		return Identity{}, classifyGrantError("password grant", err)
	}
	return p.identityFromToken(ctx, tok), nil
}

// RefreshGrant validates a refresh token with a refresh_token grant.
func (p *OIDCProvider) RefreshGrant(ctx context.Context, refreshToken string) (Identity, error) {
	ctx = p.clientContext(ctx)
	src := p.directConfig.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return Identity{}, classifyGrantError("refresh grant", err)
	}
	return p.identityFromToken(ctx, tok), nil
}

// identityFromToken prefers verified id_token claims and falls back to the access token body.
func (p *OIDCProvider) identityFromToken(ctx context.Context, tok *oauth2.Token) Identity {
	if raw, ok := tok.Extra("id_token").(string); ok && raw != "" {
		if idToken, err := p.verifier.Verify(ctx, raw); err == nil {
			var claims map[string]any
			if err := idToken.Claims(&claims); err == nil {
				return identityFromClaims(claims)
			}
		} else {
			p.logger.Debug("id_token verify failed", "error", err)
		}
	}
	if claims, err := unverifiedClaims(tok.AccessToken); err == nil {
		return identityFromClaims(claims)
	}
	id := Identity{Groups: []string{}}
	if !tok.Expiry.IsZero() {
		id.ExpiresAt = tok.Expiry.Unix()
	}
	return id
}

// unverifiedClaims decodes a JWT body received directly from the IdP token endpoint.
func unverifiedClaims(raw string) (map[string]any, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// EndSessionEndpoint returns the discovered end_session_endpoint.
func (p *OIDCProvider) EndSessionEndpoint() string {
	return p.endSession
}

// EndSessionURL builds an RP-initiated logout URL. It returns errNoGrant without an id_token.
func (p *OIDCProvider) EndSessionURL(idTokenHint, returnTo, state string) (string, error) {
	if p.endSession == "" {
		return "", errors.New("end_session_endpoint not advertised")
	}
	if idTokenHint == "" {
		return "", errNoGrant
	}
	u, err := url.Parse(p.endSession)
	if err != nil {
		return "", fmt.Errorf("parse end_session_endpoint: %w", err)
	}
	q := u.Query()
	q.Set("id_token_hint", idTokenHint)
	q.Set("post_logout_redirect_uri", returnTo)
	q.Set("redirect_uri", returnTo)
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// classifyGrantError maps an OAuth error response to ErrCredentialInvalid and anything else to ErrIdPUnreachable.
func classifyGrantError(op string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil && re.Response.StatusCode < 500 {
		return fmt.Errorf("%s: %w: %s", op, ErrCredentialInvalid, re.ErrorCode)
	}
	return fmt.Errorf("%s: %w: %v", op, ErrIdPUnreachable, err)
}

func extraInt(v any) (int64, bool) {
	switch n := v.(type) {
	case nil:
		return 0, false
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	default:
		return numericClaim(v)
	}
}
