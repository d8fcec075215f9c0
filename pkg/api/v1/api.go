// Package v1 implements the route handlers for the site API: the owner and
// guest OAuth flows, session status, and the "now" page read/write endpoints.
package v1

import (
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/stevedylandev/stevedylan.dev/pkg/auth/identity"
	"github.com/stevedylandev/stevedylan.dev/pkg/auth/oauth"
	"github.com/stevedylandev/stevedylan.dev/pkg/config"
	"github.com/stevedylandev/stevedylan.dev/pkg/logger"
	"github.com/stevedylandev/stevedylan.dev/pkg/networking"
	"github.com/stevedylandev/stevedylan.dev/pkg/pds"
	"github.com/stevedylandev/stevedylan.dev/pkg/session"
	"github.com/stevedylandev/stevedylan.dev/pkg/telemetry"
)

// OAuth scopes for the two client identities.
const (
	// OwnerScope grants the owner client general repo access.
	OwnerScope = "atproto transition:generic"

	// GuestScope lets guests create comment records and nothing else.
	GuestScope = "atproto repo:site.standard.document.comment?action=create"
)

// Deps bundles the collaborators the handlers share. Tests swap in fake
// servers through Client and an in-memory Store.
type Deps struct {
	Config     *config.Config
	Store      session.Store
	Client     networking.HTTPClient
	Negotiator *oauth.Negotiator
	Resolver   *identity.Resolver
	PDS        *pds.Client
	Metrics    *telemetry.Metrics
}

// secureCookies reports whether cookies should carry the Secure attribute.
// Off only for localhost development.
func (d *Deps) secureCookies() bool {
	parsed, err := url.Parse(d.Config.APIURL)
	if err != nil {
		return true
	}
	return !networking.IsLocalhost(parsed.Hostname())
}

func (d *Deps) setSessionCookie(w http.ResponseWriter, desc session.Descriptor) {
	http.SetCookie(w, session.NewCookie(desc.CookieValue(), d.Config.CookieDomain, d.secureCookies()))
}

func (d *Deps) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, session.ClearCookie(d.Config.CookieDomain, d.secureCookies()))
}

// cookieDescriptor reads and parses the session cookie, if any.
func cookieDescriptor(r *http.Request) (session.Descriptor, bool) {
	cookie, err := r.Cookie(session.CookieName)
	if err != nil || cookie.Value == "" {
		return session.Descriptor{}, false
	}
	return session.ParseCookieValue(cookie.Value), true
}

// redirectWithError sends the browser back to the site's /now page with a
// machine-readable error code. Interactive flows never render errors
// themselves.
func (d *Deps) redirectWithError(w http.ResponseWriter, r *http.Request, code string) {
	target := d.Config.ClientURL + "/now?error=" + url.QueryEscape(code)
	http.Redirect(w, r, target, http.StatusFound)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Errorf("failed to encode response: %v", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// clientMetadata is the OAuth client metadata document. ATProto resolves
// client identity by fetching this document from the client_id URL.
type clientMetadata struct {
	ClientID                string   `json:"client_id"`
	ClientName              string   `json:"client_name"`
	ClientURI               string   `json:"client_uri"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	Scope                   string   `json:"scope"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	ApplicationType         string   `json:"application_type"`
	DPoPBoundAccessTokens   bool     `json:"dpop_bound_access_tokens"`
}

func newClientMetadata(clientID, name, clientURI, redirectURI, scope string) clientMetadata {
	return clientMetadata{
		ClientID:                clientID,
		ClientName:              name,
		ClientURI:               clientURI,
		RedirectURIs:            []string{redirectURI},
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		Scope:                   scope,
		TokenEndpointAuthMethod: "none",
		ApplicationType:         "web",
		DPoPBoundAccessTokens:   true,
	}
}

// statusResponse is the /status body for both flows.
type statusResponse struct {
	Authenticated bool   `json:"authenticated"`
	DID           string `json:"did,omitempty"`
	IsGuest       bool   `json:"isGuest,omitempty"`
}
