package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const adminClientID = "admin-cli"

// Token is an IdP admin API token as returned by the token endpoint.
type Token struct {
	AccessToken      string `json:"access_token"`
	ExpiresIn        int    `json:"expires_in"`
	RefreshExpiresIn int    `json:"refresh_expires_in"`
	RefreshToken     string `json:"refresh_token"`
	TokenType        string `json:"token_type"`
	SessionState     string `json:"session_state"`
	Scope            string `json:"scope"`
}

// String renders the Authorization header value.
func (t Token) String() string {
	return t.TokenType + " " + t.AccessToken
}

// AuthCreds are the static service credentials for a password grant.
type AuthCreds struct {
	Username  string
	Password  string
	ClientID  string
	GrantType string
}

// NewAuthCreds fills the admin-cli defaults.
func NewAuthCreds(username, password string) AuthCreds {
	return AuthCreds{Username: username, Password: password, ClientID: adminClientID, GrantType: "password"}
}

func (c AuthCreds) form() url.Values {
	return url.Values{
		"username":   {c.Username},
		"password":   {c.Password},
		"client_id":  {c.ClientID},
		"grant_type": {c.GrantType},
	}
}

// RefreshCreds carry a refresh_token grant.
type RefreshCreds struct {
	ClientID     string
	GrantType    string
	RefreshToken string
}

// NewRefreshCreds fills the admin-cli defaults.
func NewRefreshCreds(refreshToken string) RefreshCreds {
	return RefreshCreds{ClientID: adminClientID, GrantType: "refresh_token", RefreshToken: refreshToken}
}

func (c RefreshCreds) form() url.Values {
	return url.Values{
		"client_id":     {c.ClientID},
		"grant_type":    {c.GrantType},
		"refresh_token": {c.RefreshToken},
	}
}

// TokenHolder is where the current admin token lives between requests.
type TokenHolder interface {
	Token() *Token
	SetToken(*Token)
}

// APIError is the error part of an APIResponse.
type APIError struct {
	Message   any `json:"message"`
	ErrorCode int `json:"error_code,omitempty"`
}

// APIResponse wraps every admin API result.
type APIResponse struct {
	Status  int               `json:"status"`
	Success bool              `json:"success"`
	Error   APIError          `json:"error"`
	Data    any               `json:"data"`
	Debug   map[string]any    `json:"debug"`
	Headers map[string]string `json:"headers"`
}

// FailedResponse builds an unsuccessful APIResponse.
func FailedResponse(status int, message any) APIResponse {
	return APIResponse{
		Status:  status,
		Success: false,
		Error:   APIError{Message: message, ErrorCode: status},
		Data:    map[string]any{},
		Debug:   map[string]any{},
		Headers: map[string]string{},
	}
}

// Err returns ErrTokenExpired when the wrapped call was rejected with 401.
func (r APIResponse) Err() error {
	if !r.Success && r.Error.ErrorCode == http.StatusUnauthorized {
		return ErrTokenExpired
	}
	return nil
}

// newAPIResponse reads an upstream HTTP response into an APIResponse.
func newAPIResponse(resp *http.Response) APIResponse {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	var data any
	if len(body) > 0 {
		if err := json.Unmarshal(body, &data); err != nil {
			data = string(body)
		}
	}

	out := APIResponse{
		Status:  resp.StatusCode,
		Success: resp.StatusCode >= 200 && resp.StatusCode < 300,
		Data:    map[string]any{},
		Debug:   map[string]any{},
		Headers: map[string]string{},
	}
	if out.Success {
		if data != nil {
			out.Data = data
		}
	} else {
		out.Error = APIError{Message: data, ErrorCode: resp.StatusCode}
	}
	if loc := resp.Header.Get("Location"); loc != "" {
		out.Headers["Location"] = loc
	}
	return out
}

// AdminCall performs one admin API request with the given token.
type AdminCall func(ctx context.Context, tok *Token) (APIResponse, error)

// TokenStore acquires and refreshes the admin API token.
type TokenStore struct {
	tokenURL string
	creds    AuthCreds
	client   *http.Client
	logger   *slog.Logger
	metrics  *Metrics
}

// NewTokenStore builds a store for the configured service account.
func NewTokenStore(cfg ManagerConfig, client *http.Client, logger *slog.Logger, metrics *Metrics) *TokenStore {
	return &TokenStore{
		tokenURL: cfg.TokenURL,
		creds:    NewAuthCreds(cfg.Username, cfg.Password),
		client:   client,
		logger:   logger,
		metrics:  metrics,
	}
}

// Acquire fetches a brand-new token from the service credentials.
func (s *TokenStore) Acquire(ctx context.Context) (*Token, error) {
	tok, status, err := s.post(ctx, s.creds.form())
	if err != nil {
		return nil, fmt.Errorf("acquire admin token: %w", err)
	}
	if status < 200 || status >= 300 {
		return nil, fmt.Errorf("acquire admin token: status %d", status)
	}
	return tok, nil
}

// Refresh exchanges refreshToken for a new token.
func (s *TokenStore) Refresh(ctx context.Context, refreshToken string) (*Token, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("%w: no refresh token", ErrTokenRefreshFailed)
	}
	tok, status, err := s.post(ctx, NewRefreshCreds(refreshToken).form())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenRefreshFailed, err)
	}
	if status < 200 || status >= 300 {
		return nil, fmt.Errorf("%w: status %d", ErrTokenRefreshFailed, status)
	}
	return tok, nil
}

// GetToken returns the held token, acquiring one on first use.
func (s *TokenStore) GetToken(ctx context.Context, holder TokenHolder) (*Token, error) {
	if tok := holder.Token(); tok != nil && tok.AccessToken != "" {
		return tok, nil
	}
	tok, err := s.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	holder.SetToken(tok)
	return tok, nil
}

// WithTokenRefresh runs call and, if the IdP reports the token expired, refreshes
// (or re-acquires) the token and retries exactly once.
func (s *TokenStore) WithTokenRefresh(ctx context.Context, holder TokenHolder, call AdminCall) (APIResponse, error) {
	tok, err := s.GetToken(ctx, holder)
	if err != nil {
		return FailedResponse(http.StatusBadGateway, err.Error()), err
	}

	resp, err := call(ctx, tok)
	if err != nil || !errors.Is(resp.Err(), ErrTokenExpired) {
		return resp, err
	}

	s.logger.Debug("admin token rejected, refreshing", "error", resp.Err())
	fresh, err := s.Refresh(ctx, tok.RefreshToken)
	if err != nil {
		s.logger.Info("admin token refresh failed, re-acquiring", "error", err)
		fresh, err = s.Acquire(ctx)
		if err != nil {
			return resp, fmt.Errorf("%w: %v", ErrTokenRefreshFailed, err)
		}
	}
	holder.SetToken(fresh)
	s.metrics.adminRetried()

	return call(ctx, fresh)
}

func (s *TokenStore) post(ctx context.Context, form url.Values) (*Token, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrIdPUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
		return nil, resp.StatusCode, nil
	}

	var tok Token
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("decode token: %w", err)
	}
	return &tok, resp.StatusCode, nil
}

// statusText renders an upstream status for logs.
func statusText(code int) string {
	return strconv.Itoa(code) + " " + http.StatusText(code)
}
