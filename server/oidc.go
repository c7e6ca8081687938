package server

import (
	"errors"
	"net/http"
	"net/url"
	"slices"
)

const (
	loginScope   = "openid"
	offlineScope = "openid offline_access"
)

func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	a.startLogin(w, r, loginScope)
}

func (a *App) handleTokenRedirect(w http.ResponseWriter, r *http.Request) {
	a.startLogin(w, r, offlineScope)
}

// startLogin stores a fresh state and nonce and sends the browser to the IdP.
func (a *App) startLogin(w http.ResponseWriter, r *http.Request, scope string) {
	if a.Provider == nil {
		a.Logger.Error("login requested without identity provider")
		http.Redirect(w, r, a.Config.Endpoints.AccessDenied, http.StatusFound)
		return
	}

	sess := a.loadSession(r)
	sess.State = randomString(24)
	sess.Nonce = randomString(24)
	a.saveSession(w, r, sess)

	http.Redirect(w, r, a.Provider.AuthCodeURL(sess.State, sess.Nonce, scope), http.StatusFound)
}

func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	sess := a.loadSession(r)
	q := r.URL.Query()

	if sess.State == "" || q.Get("state") != sess.State {
		a.Logger.Warn("callback state mismatch", "has_state", sess.State != "")
		http.Redirect(w, r, a.Config.Endpoints.AccessDenied, http.StatusFound)
		return
	}
	if errCode := q.Get("error"); errCode != "" {
		a.Logger.Warn("idp returned error", "error", errCode, "description", q.Get("error_description"))
		http.Redirect(w, r, a.Config.Endpoints.AccessDenied, http.StatusFound)
		return
	}
	if a.Provider == nil {
		http.Redirect(w, r, a.Config.Endpoints.AccessDenied, http.StatusFound)
		return
	}

	tokens, err := a.Provider.Exchange(r.Context(), q.Get("code"), sess.Nonce)
	if err != nil {
		a.Logger.Error("code exchange failed", "error", err)
		http.Redirect(w, r, a.Config.Endpoints.AccessDenied, http.StatusFound)
		return
	}
	sess.State = ""
	sess.Nonce = ""

	forwarded := sess.Forwarded
	if tokens.HasRefreshExpiry && tokens.RefreshExpiresIn == 0 {
		next := "/token?id=" + url.QueryEscape(tokens.RefreshToken)
		forwarded.URI = &next
	}
	target := buildRedirectURL(forwarded, a.Config.Auth.LoginDefaultRedirectURL)

	a.Sessions.Renew(r.Context(), sess)
	sess.Name = "auth"
	sess.Auth = true
	sess.AuthAttributes = tokens.Claims
	sess.AuthErrors = []string{}
	sess.IDToken = tokens.RawIDToken
	a.saveSession(w, r, sess)

	if a.Config.OIDC.Debug {
		a.Logger.Warn("callback redirect", "url", target)
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// buildRedirectURL reassembles proto://host[:port]uri from the forwarded captures.
// An absolute captured URI is already a full target and is returned as is.
func buildRedirectURL(f ForwardedCapture, fallback string) string {
	if f.URI != nil {
		if u, err := url.Parse(*f.URI); err == nil && u.Scheme != "" && u.Host != "" {
			return *f.URI
		}
	}
	if f.Proto == nil || f.Host == nil || f.Port == nil {
		if f.URI != nil {
			return *f.URI
		}
		return fallback
	}

	proto, host, port := *f.Proto, *f.Host, *f.Port
	uri := ""
	if f.URI != nil {
		uri = *f.URI
	}
	if (proto == "http" && port == "80") || (proto == "https" && port == "443") {
		return proto + "://" + host + uri
	}
	return proto + "://" + host + ":" + port + uri
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	to := r.URL.Query().Get("to")
	if to == "" {
		to = a.Config.Auth.LoginHandler
	}
	a.logout(w, r, to, false)
}

func (a *App) handleToken(w http.ResponseWriter, r *http.Request) {
	a.logout(w, r, a.Config.Endpoints.OIDC+"/token/redirect", true)
}

// logout ends the IdP session and always clears the local one. Untrusted
// targets must appear in the logout allow-list.
func (a *App) logout(w http.ResponseWriter, r *http.Request, to string, trusted bool) {
	if !trusted && !slices.Contains(a.Config.Auth.LogoutAllowedRedirectURLs, to) {
		to = a.Config.Auth.LogoutDefaultRedirectURL
	}

	sess := a.loadSession(r)
	location := to
	if a.Provider != nil {
		endSession, err := a.Provider.EndSessionURL(sess.IDToken, to, randomString(16))
		switch {
		case err == nil:
			location = endSession
		case errors.Is(err, errNoGrant) && a.Provider.EndSessionEndpoint() != "":
			location = a.Provider.EndSessionEndpoint() + "?redirect_uri=" + url.QueryEscape(to)
		default:
			a.Logger.Warn("end session unavailable", "error", err)
		}
	}

	if a.Config.OIDC.Debug {
		a.Logger.Warn("logout redirect", "url", location)
	}
	a.Sessions.Clear(r.Context(), w, sess)
	http.Redirect(w, r, location, http.StatusFound)
}
