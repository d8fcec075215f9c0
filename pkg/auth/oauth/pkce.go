package oauth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/oauth2"
)

// PKCE is a proof-key-for-code-exchange pair. The verifier stays server-side
// in the auth state; the S256 challenge travels in the PAR.
type PKCE struct {
	Verifier  string
	Challenge string
}

// PKCEMethodS256 is the only challenge method this client uses.
const PKCEMethodS256 = "S256"

// GeneratePKCE produces a random verifier and its S256 challenge.
func GeneratePKCE() PKCE {
	verifier := oauth2.GenerateVerifier()
	return PKCE{
		Verifier:  verifier,
		Challenge: oauth2.S256ChallengeFromVerifier(verifier),
	}
}

// GenerateState produces a random high-entropy correlation token. It keys
// the stored auth state and doubles as CSRF protection on callback.
func GenerateState() (string, error) {
	stateBytes := make([]byte, 32)
	if _, err := rand.Read(stateBytes); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(stateBytes), nil
}
