package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
)

// AdminClient is a pass-through to the IdP user and group management API.
type AdminClient struct {
	userURL  string
	groupURL string
	client   *http.Client
	tokens   *TokenStore
}

// NewAdminClient builds the client from the manager config.
func NewAdminClient(cfg ManagerConfig, client *http.Client, tokens *TokenStore) *AdminClient {
	return &AdminClient{
		userURL:  cfg.UserURL,
		groupURL: cfg.GroupURL,
		client:   client,
		tokens:   tokens,
	}
}

// Users returns the realm's user collection URL.
func (c *AdminClient) Users(realm string) string {
	return strings.TrimSuffix(strings.ReplaceAll(c.userURL, "{realm}", url.PathEscape(realm)), "/")
}

// Groups returns the realm's group collection URL.
func (c *AdminClient) Groups(realm string) string {
	return strings.TrimSuffix(strings.ReplaceAll(c.groupURL, "{realm}", url.PathEscape(realm)), "/")
}

// Call runs one request through the token refresh wrapper.
func (c *AdminClient) Call(ctx context.Context, holder TokenHolder, method, target string, body []byte) (APIResponse, error) {
	return c.tokens.WithTokenRefresh(ctx, holder, func(ctx context.Context, tok *Token) (APIResponse, error) {
		return c.do(ctx, tok, method, target, body)
	})
}

func (c *AdminClient) do(ctx context.Context, tok *Token, method, target string, body []byte) (APIResponse, error) {
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return FailedResponse(http.StatusBadRequest, err.Error()), err
	}
	req.Header.Set("Authorization", tok.String())
	req.Header.Set("Accept", "application/json")
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return FailedResponse(http.StatusBadGateway, err.Error()), fmt.Errorf("%w: %v", ErrIdPUnreachable, err)
	}
	defer resp.Body.Close()
	return newAPIResponse(resp), nil
}

// Membership is the body of the bulk membership endpoint.
type Membership struct {
	Users  []string `json:"users"`
	Groups []string `json:"groups"`
}

func (a *App) adminRoutes(r chi.Router) {
	r.Get("/clear_token", a.handleClearToken)

	r.Group(func(r chi.Router) {
		r.Use(a.requireAuthenticated)
		a.adminAPIRoutes(r)
	})
}

// requireAuthenticated rejects callers without a live, authenticated session.
func (a *App) requireAuthenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := a.Sessions.Load(r)
		if err != nil {
			a.Logger.Error("session load failed", "error", err)
			writeAPIResponse(w, FailedResponse(http.StatusInternalServerError, "session unavailable"))
			return
		}
		if sess.Expired(a.now()) || !sess.Auth {
			writeAPIResponse(w, FailedResponse(http.StatusUnauthorized, "authentication required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *App) adminAPIRoutes(r chi.Router) {
	r.Route("/user/{realm}", func(r chi.Router) {
		r.Get("/", a.adminForward(func(r *http.Request) string { return a.Admin.Users(chi.URLParam(r, "realm")) }))
		r.Post("/", a.adminForward(func(r *http.Request) string { return a.Admin.Users(chi.URLParam(r, "realm")) }))

		userURL := func(r *http.Request) string {
			return a.Admin.Users(chi.URLParam(r, "realm")) + "/" + url.PathEscape(chi.URLParam(r, "userID"))
		}
		r.Get("/{userID}", a.adminForward(userURL))
		r.Put("/{userID}", a.adminForward(userURL))
		r.Delete("/{userID}", a.adminForward(userURL))
		r.Get("/{userID}/groups", a.adminForward(func(r *http.Request) string { return userURL(r) + "/groups" }))

		membershipURL := func(r *http.Request) string {
			return userURL(r) + "/groups/" + url.PathEscape(chi.URLParam(r, "groupID"))
		}
		r.Put("/{userID}/groups/{groupID}", a.adminForward(membershipURL))
		r.Delete("/{userID}/groups/{groupID}", a.adminForward(membershipURL))
	})

	r.Route("/group/{realm}", func(r chi.Router) {
		groups := func(r *http.Request) string { return a.Admin.Groups(chi.URLParam(r, "realm")) }
		r.Get("/", a.adminForward(groups))
		r.Post("/", a.adminForward(groups))

		r.Put("/membership", a.handleMembership(http.MethodPut))
		r.Delete("/membership", a.handleMembership(http.MethodDelete))

		groupURL := func(r *http.Request) string {
			return groups(r) + "/" + url.PathEscape(chi.URLParam(r, "groupID"))
		}
		r.Get("/{groupID}", a.adminForward(groupURL))
		r.Put("/{groupID}", a.adminForward(groupURL))
		r.Delete("/{groupID}", a.adminForward(groupURL))
	})
}

// adminForward relays the request method, query and body to the URL built by target.
func (a *App) adminForward(target func(r *http.Request) string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, err := a.Sessions.Load(r)
		if err != nil {
			a.Logger.Error("session load failed", "error", err)
			writeAPIResponse(w, FailedResponse(http.StatusInternalServerError, "session unavailable"))
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			writeAPIResponse(w, FailedResponse(http.StatusBadRequest, "invalid body"))
			return
		}

		dest := target(r)
		if r.URL.RawQuery != "" {
			dest += "?" + r.URL.RawQuery
		}

		resp, err := a.Admin.Call(r.Context(), sess, r.Method, dest, body)
		if err != nil {
			a.Logger.Error("admin call failed", "method", r.Method, "path", r.URL.Path, "error", err)
		} else if !resp.Success {
			a.Logger.Info("admin call rejected", "method", r.Method, "path", r.URL.Path, "status", statusText(resp.Status))
		}
		a.saveSession(w, r, sess)
		writeAPIResponse(w, resp)
	}
}

// handleMembership adds (PUT) or removes (DELETE) every user to or from every group.
func (a *App) handleMembership(method string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var m Membership
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&m); err != nil {
			writeAPIResponse(w, FailedResponse(http.StatusBadRequest, "invalid membership body"))
			return
		}
		sess, err := a.Sessions.Load(r)
		if err != nil {
			a.Logger.Error("session load failed", "error", err)
			writeAPIResponse(w, FailedResponse(http.StatusInternalServerError, "session unavailable"))
			return
		}

		realm := chi.URLParam(r, "realm")
		results := make(map[string]map[string]APIResponse, len(m.Users))
		out := APIResponse{Status: http.StatusOK, Success: true, Debug: map[string]any{}, Headers: map[string]string{}}
		for _, user := range m.Users {
			results[user] = make(map[string]APIResponse, len(m.Groups))
			for _, group := range m.Groups {
				dest := a.Admin.Users(realm) + "/" + url.PathEscape(user) + "/groups/" + url.PathEscape(group)
				resp, err := a.Admin.Call(r.Context(), sess, method, dest, nil)
				if err != nil {
					a.Logger.Error("membership call failed", "user", user, "group", group, "error", err)
				}
				if !resp.Success {
					out.Success = false
					out.Status = resp.Status
					out.Error = resp.Error
				}
				results[user][group] = resp
			}
		}
		out.Data = results
		a.saveSession(w, r, sess)
		writeAPIResponse(w, out)
	}
}

func (a *App) handleClearToken(w http.ResponseWriter, r *http.Request) {
	sess, err := a.Sessions.Load(r)
	if err == nil {
		sess.SetToken(nil)
		a.saveSession(w, r, sess)
	}
	http.Redirect(w, r, a.Config.Server.PublicURL+a.Config.Endpoints.Root+"/", http.StatusFound)
}

func writeAPIResponse(w http.ResponseWriter, resp APIResponse) {
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
