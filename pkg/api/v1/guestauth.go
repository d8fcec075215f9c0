package v1

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/stevedylandev/stevedylan.dev/pkg/logger"
	"github.com/stevedylandev/stevedylan.dev/pkg/session"
	"github.com/stevedylandev/stevedylan.dev/pkg/telemetry"
)

// defaultGuestReturn is where guests land after login when no returnTo was
// given or the given one was not a site-relative path.
const defaultGuestReturn = "/now"

// GuestAuthRouter sets up the guest login flow routes. Guests authenticate
// against their own PDS, resolved from the handle they supply, and may
// belong to any ATProto account.
func GuestAuthRouter(deps *Deps) http.Handler {
	routes := &guestAuthRoutes{deps}
	r := chi.NewRouter()
	r.Get("/client-metadata.json", routes.clientMetadata)
	r.Get("/login", routes.login)
	r.Get("/callback", routes.callback)
	r.Post("/logout", routes.logout)
	r.Get("/status", routes.status)
	return r
}

type guestAuthRoutes struct {
	*Deps
}

func (g *guestAuthRoutes) clientMetadata(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, newClientMetadata(
		g.Config.GuestClientID(),
		"Steve Dylan's Blog (Guest)",
		g.Config.APIURL,
		g.Config.GuestRedirectURI(),
		GuestScope,
	))
}

// sanitizeReturnTo keeps redirects on the site. Anything that is not a
// site-relative path falls back to the default.
func sanitizeReturnTo(returnTo string) string {
	if returnTo == "" || !strings.HasPrefix(returnTo, "/") || strings.HasPrefix(returnTo, "//") {
		return defaultGuestReturn
	}
	return returnTo
}

func (g *guestAuthRoutes) login(w http.ResponseWriter, r *http.Request) {
	handle := r.URL.Query().Get("handle")
	if handle == "" {
		g.redirectWithError(w, r, "handle_required")
		return
	}
	returnTo := sanitizeReturnTo(r.URL.Query().Get("returnTo"))

	ident, err := g.Resolver.ResolvePDS(r.Context(), handle)
	if err != nil {
		// One generic code for every resolution failure.
		g.redirectWithError(w, r, "invalid_handle")
		return
	}

	authURL, state, err := g.beginLogin(r.Context(),
		ident.PDSURL, g.Config.GuestClientID(), g.Config.GuestRedirectURI(), GuestScope)
	if err != nil {
		logger.Errorf("guest login failed: %v", err)
		g.redirectWithError(w, r, "login_failed")
		return
	}

	// Stash what the callback needs under the same state key.
	if err := g.Store.StashGuestReturn(r.Context(), state, returnTo); err != nil {
		logger.Errorf("failed to stash return target: %v", err)
		g.redirectWithError(w, r, "login_failed")
		return
	}
	if err := g.Store.StashGuestPDS(r.Context(), state, ident.PDSURL); err != nil {
		logger.Errorf("failed to stash PDS URL: %v", err)
		g.redirectWithError(w, r, "login_failed")
		return
	}

	http.Redirect(w, r, authURL, http.StatusFound)
}

func (g *guestAuthRoutes) callback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if oauthErr := query.Get("error"); oauthErr != "" {
		logger.Errorf("authorization server returned error: %s (%s)",
			oauthErr, query.Get("error_description"))
		g.redirectWithError(w, r, oauthErr)
		return
	}

	code, state := query.Get("code"), query.Get("state")
	if code == "" || state == "" {
		g.redirectWithError(w, r, "missing_params")
		return
	}

	returnTo, err := g.Store.ConsumeGuestReturn(r.Context(), state)
	if err != nil {
		returnTo = defaultGuestReturn
	}
	if _, err := g.Store.ConsumeGuestPDS(r.Context(), state); err != nil {
		g.redirectWithError(w, r, "missing_pds")
		return
	}

	_, sess, err := g.completeLogin(
		r.Context(), code, state, g.Config.GuestClientID(), g.Config.GuestRedirectURI())
	switch {
	case errors.Is(err, session.ErrNotFound):
		g.redirectWithError(w, r, "invalid_state")
		return
	case err != nil:
		logger.Errorf("guest callback failed: %v", err)
		g.Metrics.Logins.WithLabelValues(telemetry.FlowGuest, telemetry.OutcomeFailure).Inc()
		g.redirectWithError(w, r, "callback_failed")
		return
	}

	// Any ATProto account may hold a guest session; the scope limits what
	// it can do.
	sessionID, err := session.GenerateID()
	if err != nil {
		g.redirectWithError(w, r, "callback_failed")
		return
	}
	guestID, err := session.GenerateID()
	if err != nil {
		g.redirectWithError(w, r, "callback_failed")
		return
	}

	if err := g.Store.CreateSession(r.Context(), sessionID, sess); err != nil {
		logger.Errorf("failed to store guest session: %v", err)
		g.redirectWithError(w, r, "callback_failed")
		return
	}
	if err := g.Store.MapGuestSession(r.Context(), guestID, sessionID); err != nil {
		logger.Errorf("failed to map guest session: %v", err)
		_ = g.Store.DeleteSession(r.Context(), sessionID)
		g.redirectWithError(w, r, "callback_failed")
		return
	}

	g.Metrics.Logins.WithLabelValues(telemetry.FlowGuest, telemetry.OutcomeSuccess).Inc()
	g.setSessionCookie(w, session.Descriptor{Kind: session.KindGuest, ID: guestID})
	http.Redirect(w, r, g.Config.ClientURL+returnTo, http.StatusFound)
}

func (g *guestAuthRoutes) logout(w http.ResponseWriter, r *http.Request) {
	if desc, ok := cookieDescriptor(r); ok && desc.IsGuest() {
		if sessionID, err := g.Store.ResolveGuestSession(r.Context(), desc.ID); err == nil {
			if err := g.Store.DeleteSession(r.Context(), sessionID); err != nil {
				logger.Errorf("failed to delete guest session: %v", err)
			}
		}
		if err := g.Store.DeleteGuestMapping(r.Context(), desc.ID); err != nil {
			logger.Errorf("failed to delete guest mapping: %v", err)
		}
	}
	g.clearSessionCookie(w)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (g *guestAuthRoutes) status(w http.ResponseWriter, r *http.Request) {
	desc, ok := cookieDescriptor(r)
	if !ok || !desc.IsGuest() {
		writeJSON(w, http.StatusOK, statusResponse{Authenticated: false})
		return
	}

	sessionID, err := g.Store.ResolveGuestSession(r.Context(), desc.ID)
	if err != nil {
		g.clearSessionCookie(w)
		writeJSON(w, http.StatusOK, statusResponse{Authenticated: false})
		return
	}

	sess, err := g.Store.GetSession(r.Context(), sessionID)
	if err != nil {
		_ = g.Store.DeleteGuestMapping(r.Context(), desc.ID)
		g.clearSessionCookie(w)
		writeJSON(w, http.StatusOK, statusResponse{Authenticated: false})
		return
	}

	sess, err = g.freshSession(r.Context(), sessionID, sess, g.Config.GuestClientID())
	if err != nil {
		logger.Errorf("guest session refresh failed: %v", err)
		_ = g.Store.DeleteSession(r.Context(), sessionID)
		_ = g.Store.DeleteGuestMapping(r.Context(), desc.ID)
		g.clearSessionCookie(w)
		writeJSON(w, http.StatusOK, statusResponse{Authenticated: false})
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{Authenticated: true, DID: sess.DID, IsGuest: true})
}
