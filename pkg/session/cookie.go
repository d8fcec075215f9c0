package session

import (
	"net/http"
	"time"
)

// CookieName is the session cookie. The value is a Descriptor cookie value,
// never a token.
const CookieName = "session_id"

// NewCookie builds the session cookie. SameSite=Lax lets top-level OAuth
// redirects carry the cookie while blocking cross-site subrequests. The
// domain is set only in production so localhost development keeps host-only
// cookies, and Secure follows the same split.
func NewCookie(value, domain string, secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    value,
		Path:     "/",
		Domain:   domain,
		MaxAge:   int(SessionTTL / time.Second),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// ClearCookie builds an expired cookie that removes the session cookie. The
// attributes must match NewCookie or browsers treat it as a different cookie.
func ClearCookie(domain string, secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		Domain:   domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
}
