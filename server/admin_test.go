package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAdminTestApp(t *testing.T, api *fakeAdminAPI) *App {
	t.Helper()
	srv := httptest.NewServer(api.handler())
	t.Cleanup(srv.Close)

	cfg := testConfig()
	cfg.Manager = ManagerConfig{
		TokenURL: srv.URL + "/token",
		UserURL:  srv.URL + "/admin/realms/{realm}/users",
		GroupURL: srv.URL + "/admin/realms/{realm}/groups",
		Username: "svc",
		Password: "pw",
	}
	app, err := newApp(cfg, testLogger(), Deps{Provider: newStubIdP(), HTTPClient: srv.Client()})
	require.NoError(t, err)
	require.NotNil(t, app.Admin)
	return app
}

// adminBrowser carries an authenticated session.
func adminBrowser(t *testing.T, app *App) *browser {
	b := newBrowser(t, app)
	b.seed(app, *authedSession("/admin"))
	return b
}

func (b *browser) send(method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if b.cookie != nil {
		req.AddCookie(b.cookie)
	}
	rec := httptest.NewRecorder()
	b.h.ServeHTTP(rec, req)
	for _, c := range rec.Result().Cookies() {
		if c.Name == sessionCookieName && c.MaxAge >= 0 {
			b.cookie = c
		}
	}
	return rec
}

func TestAdminRoutesDisabledWithoutManager(t *testing.T) {
	t.Parallel()
	app := newTestApp(t, testConfig(), newStubIdP())
	rec := newBrowser(t, app).get("/forward-auth/api/v1/clear_token", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminRequiresAuthenticatedSession(t *testing.T) {
	t.Parallel()
	api := &fakeAdminAPI{}
	app := newAdminTestApp(t, api)

	anon := newBrowser(t, app)
	rec := anon.send(http.MethodGet, "/forward-auth/api/v1/user/main/u1", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = anon.send(http.MethodPut, "/forward-auth/api/v1/group/main/membership", `{"users":["u1"],"groups":["g1"]}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	expired := *authedSession("/admin")
	expired.AuthAttributes["exp"] = float64(1)
	b := newBrowser(t, app)
	b.seed(app, expired)
	rec = b.send(http.MethodGet, "/forward-auth/api/v1/user/main/u1", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	assert.Empty(t, api.grants)
	assert.Zero(t, api.apiCalls)
}

func TestAdminForwardKeepsTokenInSession(t *testing.T) {
	t.Parallel()
	api := &fakeAdminAPI{}
	app := newAdminTestApp(t, api)
	b := adminBrowser(t, app)

	rec := b.send(http.MethodGet, "/forward-auth/api/v1/user/main/u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp APIResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "at-1", b.session(app).Token().AccessToken)

	rec = b.send(http.MethodGet, "/forward-auth/api/v1/user/main/u1/groups", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"password"}, api.grants, "the session token is reused")
	assert.Equal(t, "Bearer at-1", api.lastAuthz)
}

func TestAdminCreateUserRelaysLocation(t *testing.T) {
	t.Parallel()
	api := &fakeAdminAPI{}
	app := newAdminTestApp(t, api)

	rec := adminBrowser(t, app).send(http.MethodPost, "/forward-auth/api/v1/user/main/", `{"username":"bob"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var resp APIResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "https://sso.example.com/admin/realms/main/users/new-id", resp.Headers["Location"])
	assert.JSONEq(t, `{"username":"bob"}`, api.lastBody)
}

func TestAdminMembership(t *testing.T) {
	t.Parallel()
	api := &fakeAdminAPI{}
	app := newAdminTestApp(t, api)
	b := adminBrowser(t, app)

	rec := b.send(http.MethodPut, "/forward-auth/api/v1/group/main/membership", `{"users":["u1","u2"],"groups":["g1","g2"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Success bool                                  `json:"success"`
		Data    map[string]map[string]json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Len(t, resp.Data, 2)
	assert.Len(t, resp.Data["u1"], 2)
	assert.Equal(t, 4, api.apiCalls)

	rec = b.send(http.MethodDelete, "/forward-auth/api/v1/group/main/membership", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminClearToken(t *testing.T) {
	t.Parallel()
	api := &fakeAdminAPI{}
	app := newAdminTestApp(t, api)
	b := adminBrowser(t, app)

	b.send(http.MethodGet, "/forward-auth/api/v1/user/main/u1", "")
	require.NotNil(t, b.session(app).Token())

	rec := b.get("/forward-auth/api/v1/clear_token", nil)
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, testPublicURL+"/forward-auth/", rec.Header().Get("Location"))
	assert.Nil(t, b.session(app).Token())

	b.send(http.MethodGet, "/forward-auth/api/v1/user/main/u1", "")
	assert.Equal(t, []string{"password", "password"}, api.grants)
}
