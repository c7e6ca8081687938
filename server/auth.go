package server

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
)

var forwardedHeaders = []string{"X-Forwarded-Proto", "X-Forwarded-Host", "X-Forwarded-Port", "X-Forwarded-Uri"}

var staticSuffixes = []string{".ico", ".js", ".css"}

// isStaticAsset reports whether uri is a static asset that never needs auth.
func isStaticAsset(uri string) bool {
	if !strings.HasPrefix(uri, "/static") {
		return false
	}
	for _, suffix := range staticSuffixes {
		if strings.HasSuffix(uri, suffix) {
			return true
		}
	}
	return false
}

// captureForwarded copies the X-Forwarded-* headers present on r into the session.
func captureForwarded(r *http.Request, sess *Session) {
	for _, name := range forwardedHeaders {
		values, ok := r.Header[http.CanonicalHeaderKey(name)]
		if !ok || len(values) == 0 {
			continue
		}
		v := values[0]
		switch name {
		case "X-Forwarded-Proto":
			sess.Forwarded.Proto = &v
		case "X-Forwarded-Host":
			sess.Forwarded.Host = &v
		case "X-Forwarded-Port":
			sess.Forwarded.Port = &v
		case "X-Forwarded-Uri":
			sess.Forwarded.URI = &v
		}
	}
}

// handleAuth is the forward-auth decision endpoint.
func (a *App) handleAuth(w http.ResponseWriter, r *http.Request) {
	forwardedURI, hasURI := r.Header["X-Forwarded-Uri"]
	if hasURI && len(forwardedURI) > 0 && isStaticAsset(forwardedURI[0]) {
		a.decide(r, "static")
		writeText(w, http.StatusOK, "OK")
		return
	}

	sess := a.loadSession(r)
	header := r.Header.Get("Authorization")
	// Credential-only clients carry no cookie; do not mint a session per call.
	if header == "" || !sess.fresh {
		captureForwarded(r, sess)
		a.saveSession(w, r, sess)
	}

	if header != "" {
		if _, err := a.Dispatcher.Authorize(r.Context(), header); err != nil {
			a.decide(r, "deny")
			writeText(w, http.StatusUnauthorized, "KO")
			return
		}
		a.decide(r, "allow")
		writeText(w, http.StatusOK, "OK")
		return
	}

	if hasURI && len(forwardedURI) > 0 && strings.Contains(forwardedURI[0], "/api/v1") {
		next := a.baseURL(r)
		if referer := r.Header.Get("Referer"); referer != "" && !strings.Contains(referer, "/api/v1") && a.trustedReferer(referer, sess.Forwarded) {
			next = referer
		}
		sess.Forwarded.URI = &next
		a.saveSession(w, r, sess)
	}

	if sess.Expired(a.now()) {
		a.decide(r, "login")
		http.Redirect(w, r, a.Config.Auth.LoginHandler, http.StatusFound)
		return
	}

	if !sess.Auth && !a.Config.Global.DisableAuth {
		a.decide(r, "login")
		http.Redirect(w, r, a.Config.Auth.AuthRedirect, http.StatusFound)
		return
	}

	target := r.URL.Query().Get("target")
	if target == "" {
		target = "raw"
	}
	scope := r.URL.Query().Get("scope")

	mapper, err := a.Mappers.Lookup(target)
	if err != nil {
		a.Logger.Error("failed to map auth data", "target", target, "error", err)
		a.decide(r, "allow")
		writeText(w, http.StatusOK, "OK")
		return
	}

	mapped := http.Header{}
	if err := mapper.Auth(mapped, sess, scope); err != nil {
		if errors.Is(err, ErrScopeDenied) {
			a.Logger.Info("scope denied", "target", target, "scope", scope, "error", err)
			a.decide(r, "scope_denied")
			http.Redirect(w, r, a.Config.Endpoints.AccessDenied, http.StatusFound)
			return
		}
		a.Logger.Error("failed to map auth data", "target", target, "error", err)
		mapped = http.Header{}
	}
	for k, v := range mapped {
		w.Header()[k] = v
	}
	a.decide(r, "allow")
	writeText(w, http.StatusOK, "OK")
}

// handleMe returns a short identity summary for the session or Authorization header.
func (a *App) handleMe(w http.ResponseWriter, r *http.Request) {
	sess := a.loadSession(r)
	if len(sess.AuthAttributes) > 0 {
		writeJSON(w, map[string]any{
			"username": sess.AuthAttributes["preferred_username"],
			"groups":   stringSlice(sess.AuthAttributes["groups"]),
		})
		return
	}

	if header := r.Header.Get("Authorization"); header != "" {
		decision, err := a.Dispatcher.Authorize(r.Context(), header)
		if err != nil {
			writeJSONStatus(w, http.StatusUnauthorized, map[string]any{})
			return
		}
		writeJSON(w, map[string]any{
			"username": decision.Identity.Username,
			"groups":   decision.Identity.Groups,
		})
		return
	}

	writeJSON(w, map[string]any{})
}

// handleInfoQuery serves the mapper info document referenced by X-Auth-Session-Endpoint.
func (a *App) handleInfoQuery(w http.ResponseWriter, r *http.Request) {
	sess := a.loadSession(r)
	if sess.Expired(a.now()) || (!sess.Auth && !a.Config.Global.DisableAuth) {
		writeJSONStatus(w, http.StatusUnauthorized, map[string]any{})
		return
	}

	target := r.URL.Query().Get("target")
	if target == "" {
		target = "raw"
	}
	mapper, err := a.Mappers.Lookup(target)
	if err != nil {
		writeJSONStatus(w, http.StatusNotFound, map[string]any{"error": err.Error()})
		return
	}

	info, err := mapper.Info(sess, r.URL.Query().Get("scope"))
	if err != nil {
		if errors.Is(err, ErrScopeDenied) {
			writeJSONStatus(w, http.StatusForbidden, map[string]any{"error": err.Error()})
			return
		}
		a.Logger.Error("failed to map info data", "target", target, "error", err)
		writeJSON(w, map[string]any{})
		return
	}
	writeJSON(w, info)
}

// redirectTo returns a handler that bounces to a fixed location.
func (a *App) redirectTo(location string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, location, http.StatusFound)
	}
}

// handleRootLogout forwards to the configured logout handler, keeping ?to.
func (a *App) handleRootLogout(w http.ResponseWriter, r *http.Request) {
	location := a.Config.Auth.LogoutHandler
	if to := r.URL.Query().Get("to"); to != "" {
		location += "?to=" + url.QueryEscape(to)
	}
	http.Redirect(w, r, location, http.StatusFound)
}

// trustedReferer reports whether referer is relative or points at the forwarded
// host or the gateway itself.
func (a *App) trustedReferer(referer string, f ForwardedCapture) bool {
	u, err := url.Parse(referer)
	if err != nil {
		return false
	}
	if u.Scheme == "" && u.Host == "" {
		return strings.HasPrefix(u.Path, "/") && !strings.HasPrefix(u.Path, "//")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	host := u.Hostname()
	if f.Host != nil && host == stripPort(*f.Host) {
		return true
	}
	if pub, err := url.Parse(a.Config.Server.PublicURL); err == nil && host == pub.Hostname() {
		return true
	}
	return false
}

func stripPort(hostport string) string {
	if u, err := url.Parse("//" + hostport); err == nil {
		return u.Hostname()
	}
	return hostport
}

// baseURL is the public URL of the current request without its query.
func (a *App) baseURL(r *http.Request) string {
	return a.Config.Server.PublicURL + r.URL.Path
}

func (a *App) decide(r *http.Request, decision string) {
	a.Metrics.decision(decision)
	setDecision(r.Context(), decision)
}
