package v1

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stevedylandev/stevedylan.dev/pkg/logger"
	"github.com/stevedylandev/stevedylan.dev/pkg/session"
	"github.com/stevedylandev/stevedylan.dev/pkg/telemetry"
)

// AuthRouter sets up the owner login flow routes.
func AuthRouter(deps *Deps) http.Handler {
	routes := &authRoutes{deps}
	r := chi.NewRouter()
	r.Get("/client-metadata.json", routes.clientMetadata)
	r.Get("/login", routes.login)
	r.Get("/callback", routes.callback)
	r.Post("/logout", routes.logout)
	r.Get("/status", routes.status)
	return r
}

type authRoutes struct {
	*Deps
}

func (a *authRoutes) clientMetadata(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, newClientMetadata(
		a.Config.OwnerClientID(),
		"Steve Dylan's Blog",
		a.Config.APIURL,
		a.Config.OwnerRedirectURI(),
		OwnerScope,
	))
}

func (a *authRoutes) login(w http.ResponseWriter, r *http.Request) {
	authURL, _, err := a.beginLogin(r.Context(),
		a.Config.PDSURL, a.Config.OwnerClientID(), a.Config.OwnerRedirectURI(), OwnerScope)
	if err != nil {
		logger.Errorf("owner login failed: %v", err)
		a.redirectWithError(w, r, "login_failed")
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

func (a *authRoutes) callback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if oauthErr := query.Get("error"); oauthErr != "" {
		logger.Errorf("authorization server returned error: %s (%s)",
			oauthErr, query.Get("error_description"))
		a.redirectWithError(w, r, oauthErr)
		return
	}

	code, state := query.Get("code"), query.Get("state")
	if code == "" || state == "" {
		a.redirectWithError(w, r, "missing_params")
		return
	}

	tokenResp, sess, err := a.completeLogin(
		r.Context(), code, state, a.Config.OwnerClientID(), a.Config.OwnerRedirectURI())
	switch {
	case errors.Is(err, session.ErrNotFound):
		a.redirectWithError(w, r, "invalid_state")
		return
	case err != nil:
		logger.Errorf("owner callback failed: %v", err)
		a.Metrics.Logins.WithLabelValues(telemetry.FlowOwner, telemetry.OutcomeFailure).Inc()
		a.redirectWithError(w, r, "callback_failed")
		return
	}

	// Only the site owner may hold an owner session.
	if tokenResp.Sub != a.Config.AllowedDID {
		logger.Warnf("login attempt from non-owner DID %s", tokenResp.Sub)
		a.Metrics.Logins.WithLabelValues(telemetry.FlowOwner, telemetry.OutcomeFailure).Inc()
		a.redirectWithError(w, r, "unauthorized")
		return
	}

	sessionID, err := session.GenerateID()
	if err != nil {
		logger.Errorf("failed to generate session ID: %v", err)
		a.redirectWithError(w, r, "callback_failed")
		return
	}
	if err := a.Store.CreateSession(r.Context(), sessionID, sess); err != nil {
		logger.Errorf("failed to store session: %v", err)
		a.redirectWithError(w, r, "callback_failed")
		return
	}

	a.Metrics.Logins.WithLabelValues(telemetry.FlowOwner, telemetry.OutcomeSuccess).Inc()
	a.setSessionCookie(w, session.Descriptor{Kind: session.KindOwner, ID: sessionID})
	http.Redirect(w, r, a.Config.ClientURL+"/now/post", http.StatusFound)
}

func (a *authRoutes) logout(w http.ResponseWriter, r *http.Request) {
	if desc, ok := cookieDescriptor(r); ok && !desc.IsGuest() {
		if err := a.Store.DeleteSession(r.Context(), desc.ID); err != nil {
			logger.Errorf("failed to delete session: %v", err)
		}
	}
	a.clearSessionCookie(w)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (a *authRoutes) status(w http.ResponseWriter, r *http.Request) {
	desc, ok := cookieDescriptor(r)
	if !ok || desc.IsGuest() {
		// Guest cookies belong to the guest status endpoint; do not clear
		// them here.
		writeJSON(w, http.StatusOK, statusResponse{Authenticated: false})
		return
	}

	sess, err := a.Store.GetSession(r.Context(), desc.ID)
	if err != nil {
		a.clearSessionCookie(w)
		writeJSON(w, http.StatusOK, statusResponse{Authenticated: false})
		return
	}

	sess, err = a.freshSession(r.Context(), desc.ID, sess, a.Config.OwnerClientID())
	if err != nil {
		// The refresh token is no longer usable; the session is dead.
		logger.Errorf("owner session refresh failed: %v", err)
		_ = a.Store.DeleteSession(r.Context(), desc.ID)
		a.clearSessionCookie(w)
		writeJSON(w, http.StatusOK, statusResponse{Authenticated: false})
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{Authenticated: true, DID: sess.DID})
}
