// Package session persists OAuth handshake state and authenticated sessions
// in a TTL key-value store. Two backends exist: an in-memory store for
// development and tests, and a Redis store for production where multiple
// instances share session state.
package session

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/stevedylandev/stevedylan.dev/pkg/auth/dpop"
)

// Sentinel errors shared by all store backends.
var (
	// ErrNotFound is returned when a key does not exist or has expired.
	ErrNotFound = errors.New("session: not found")
)

// Lifetimes for stored entries.
const (
	// AuthStateTTL bounds how long a login attempt may sit between the
	// redirect to the authorization server and the callback.
	AuthStateTTL = 10 * time.Minute

	// SessionTTL is the sliding session lifetime. It is re-armed every time
	// the session record is rewritten (creation and token refresh).
	SessionTTL = 14 * 24 * time.Hour

	// GuestStashTTL bounds the return-URL and PDS stashes that ride along
	// with a guest login attempt.
	GuestStashTTL = AuthStateTTL

	// ExpiryMargin is subtracted from the access token expiry so a refresh
	// happens before the token actually dies mid-request.
	ExpiryMargin = 60 * time.Second
)

// AuthState is the per-login-attempt state stored between the authorization
// redirect and the callback. It is keyed by the OAuth state parameter and
// consumed exactly once.
type AuthState struct {
	// State is the random correlation value, repeated here for logging.
	State string `json:"state"`

	// PDSURL is the PDS the handshake is running against.
	PDSURL string `json:"pds_url"`

	// AuthServerURL is the issuer of the authorization server metadata.
	AuthServerURL string `json:"auth_server_url"`

	// PKCEVerifier is the plaintext verifier matching the challenge sent
	// in the pushed authorization request.
	PKCEVerifier string `json:"pkce_verifier"`

	// KeyPair is the serialized DPoP key pair generated for this attempt.
	// The same key must sign the code exchange and every later request.
	KeyPair *dpop.SerializedKeyPair `json:"key_pair"`

	// DPoPNonce is the server nonce observed during the handshake so far.
	DPoPNonce string `json:"dpop_nonce,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// StoredSession is an authenticated session record. Everything needed to act
// on the user's behalf lives here: the DPoP-bound tokens and the key pair
// they are bound to.
type StoredSession struct {
	// DID is the authenticated user's stable identifier.
	DID string `json:"did"`

	// PDSURL is the PDS that issued the tokens.
	PDSURL string `json:"pds_url"`

	// AuthServerURL is the issuer used for refreshes.
	AuthServerURL string `json:"auth_server_url"`

	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`

	// KeyPair is the serialized DPoP key pair the tokens are bound to.
	KeyPair *dpop.SerializedKeyPair `json:"key_pair"`

	// DPoPNonce is the most recent server nonce, carried forward so the
	// next signed request usually succeeds on the first try.
	DPoPNonce string `json:"dpop_nonce,omitempty"`

	// ExpiresAt is when the access token expires.
	ExpiresAt time.Time `json:"expires_at"`

	CreatedAt time.Time `json:"created_at"`
}

// IsExpired reports whether the access token should be refreshed before use.
// The margin makes a token count as expired slightly early, so a request
// signed now cannot land on the PDS after the token dies.
func (s *StoredSession) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt.Add(-ExpiryMargin))
}

// GenerateID produces a random identifier for sessions and guest mappings.
func GenerateID() (string, error) {
	idBytes := make([]byte, 32)
	if _, err := rand.Read(idBytes); err != nil {
		return "", fmt.Errorf("failed to generate session ID: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(idBytes), nil
}

func cloneKeyPair(kp *dpop.SerializedKeyPair) *dpop.SerializedKeyPair {
	if kp == nil {
		return nil
	}
	clone := &dpop.SerializedKeyPair{
		PrivateJWK: append([]byte(nil), kp.PrivateJWK...),
		PublicJWK:  append([]byte(nil), kp.PublicJWK...),
	}
	return clone
}

func cloneAuthState(state *AuthState) *AuthState {
	if state == nil {
		return nil
	}
	clone := *state
	clone.KeyPair = cloneKeyPair(state.KeyPair)
	return &clone
}

func cloneSession(sess *StoredSession) *StoredSession {
	if sess == nil {
		return nil
	}
	clone := *sess
	clone.KeyPair = cloneKeyPair(sess.KeyPair)
	return &clone
}
