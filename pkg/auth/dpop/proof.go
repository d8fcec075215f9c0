package dpop

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// NonceHeader is the response header an authorization or resource server
// uses to hand out a fresh DPoP nonce.
const NonceHeader = "DPoP-Nonce"

// ProofOptions describes the request a proof is bound to.
type ProofOptions struct {
	// Method is the HTTP method of the request being proven.
	Method string

	// URL is the exact target URL. The server compares it byte for byte
	// against the request URL, so it must match what goes on the wire.
	URL string

	// Nonce is the last nonce the server handed out, if any.
	Nonce string

	// AccessToken, when set, binds the proof to that token via an "ath"
	// hash claim. Required for resource server calls, omitted for
	// authorization server calls.
	AccessToken string
}

// CreateProof builds a signed, single-use DPoP proof JWT for a request.
// The proof carries a fresh jti on every call and embeds the public key in
// its protected header so the server can verify it without prior key
// exchange.
func CreateProof(kp *KeyPair, opts ProofOptions) (string, error) {
	if opts.Method == "" || opts.URL == "" {
		return "", fmt.Errorf("proof requires a method and URL")
	}

	claims := jwt.MapClaims{
		"jti": uuid.NewString(),
		"htm": strings.ToUpper(opts.Method),
		"htu": opts.URL,
		"iat": time.Now().Unix(),
	}
	if opts.Nonce != "" {
		claims["nonce"] = opts.Nonce
	}
	if opts.AccessToken != "" {
		hash := sha256.Sum256([]byte(opts.AccessToken))
		claims["ath"] = base64.RawURLEncoding.EncodeToString(hash[:])
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["typ"] = "dpop+jwt"
	token.Header["jwk"] = kp.publicJWK

	signed, err := token.SignedString(kp.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign proof: %w", err)
	}
	return signed, nil
}

// NonceFromHeader extracts the DPoP nonce from response headers, or "" if
// the server did not send one.
func NonceFromHeader(h http.Header) string {
	return h.Get(NonceHeader)
}
