// Package config holds the runtime configuration for the site API.
//
// The configuration is assembled once at startup (flags and environment via
// viper in cmd/siteapi) and passed explicitly into every component
// constructor. No package reads configuration ambiently.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// RedisConfig holds connection settings for the Redis session store.
type RedisConfig struct {
	// Addr is the host:port of the Redis server.
	Addr string

	// Username and Password authenticate against Redis ACLs. Optional.
	Username string
	Password string

	// DB selects the Redis logical database.
	DB int

	// KeyPrefix namespaces all keys, e.g. "siteapi:".
	KeyPrefix string

	// Timeouts (defaults: Dial=5s, Read=3s, Write=3s).
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Config is the complete configuration for the API server.
type Config struct {
	// ListenAddr is the host:port the HTTP server binds to.
	ListenAddr string

	// APIURL is the public base URL of this API, without trailing slash.
	// Client IDs and redirect URIs are derived from it.
	APIURL string

	// ClientURL is the public base URL of the website the API serves.
	// Interactive flows redirect back to it.
	ClientURL string

	// PDSURL is the base URL of the site owner's PDS.
	PDSURL string

	// AllowedDID is the single DID permitted to hold an owner session.
	AllowedDID string

	// CookieDomain scopes the session cookie in production (e.g.
	// ".stevedylan.dev"). Empty means host-only, which is what localhost
	// development wants.
	CookieDomain string

	// AllowedOrigins are the origins permitted by CORS with credentials.
	AllowedOrigins []string

	// Redis configures the durable session store. Ignored when
	// UseMemoryStore is set.
	Redis RedisConfig

	// UseMemoryStore swaps the Redis store for the in-memory one.
	// Development only: sessions do not survive a restart.
	UseMemoryStore bool

	// AllowPrivateIPs permits outbound requests to private addresses.
	// Development only.
	AllowPrivateIPs bool

	// Debug enables debug logging.
	Debug bool
}

// OwnerClientID returns the OAuth client_id for owner logins.
// ATProto clients are identified by the URL of their metadata document.
func (c *Config) OwnerClientID() string {
	return c.APIURL + "/auth/client-metadata.json"
}

// OwnerRedirectURI returns the owner flow callback URL.
func (c *Config) OwnerRedirectURI() string {
	return c.APIURL + "/auth/callback"
}

// GuestClientID returns the OAuth client_id for guest logins.
func (c *Config) GuestClientID() string {
	return c.APIURL + "/guest-auth/client-metadata.json"
}

// GuestRedirectURI returns the guest flow callback URL.
func (c *Config) GuestRedirectURI() string {
	return c.APIURL + "/guest-auth/callback"
}

// Validate checks that required fields are present and well-formed.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen address is required")
	}
	for name, value := range map[string]string{
		"api-url":    c.APIURL,
		"client-url": c.ClientURL,
		"pds-url":    c.PDSURL,
	} {
		if value == "" {
			return fmt.Errorf("%s is required", name)
		}
		parsed, err := url.Parse(value)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("%s %q is not a valid URL", name, value)
		}
		if strings.HasSuffix(value, "/") {
			return fmt.Errorf("%s must not have a trailing slash", name)
		}
	}
	if c.AllowedDID == "" {
		return fmt.Errorf("allowed DID is required")
	}
	if !strings.HasPrefix(c.AllowedDID, "did:") {
		return fmt.Errorf("allowed DID %q must be a DID", c.AllowedDID)
	}
	if !c.UseMemoryStore && c.Redis.Addr == "" {
		return fmt.Errorf("redis address is required unless the memory store is enabled")
	}
	return nil
}
