// Package dpop implements Demonstrating Proof-of-Possession (RFC 9449) key
// handling and proof generation for DPoP-bound OAuth tokens.
//
// Each login flow generates a fresh P-256 key pair. The key pair is
// serialized as a pair of JSON Web Keys so it can live in the session store,
// and is immutable for the life of the session it ends up bound to.
package dpop

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lestrrat-go/jwx/v3/jwk"
)

// ErrMalformedKey is returned when stored key material cannot be
// reconstructed into a usable key pair.
var ErrMalformedKey = errors.New("malformed key material")

// KeyPair is a P-256 signing key pair used for DPoP proofs.
type KeyPair struct {
	privateKey *ecdsa.PrivateKey
	publicJWK  jwk.Key
}

// SerializedKeyPair is the storable JWK form of a KeyPair.
type SerializedKeyPair struct {
	PrivateJWK json.RawMessage `json:"private_jwk"`
	PublicJWK  json.RawMessage `json:"public_jwk"`
}

// GenerateKeyPair creates a new P-256 key pair. Failure here means the
// underlying crypto provider failed and is fatal for the caller.
func GenerateKeyPair() (*KeyPair, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate P-256 key: %w", err)
	}

	publicJWK, err := jwk.Import(&privateKey.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to build public JWK: %w", err)
	}

	return &KeyPair{
		privateKey: privateKey,
		publicJWK:  publicJWK,
	}, nil
}

// PublicJWK returns the public half as a JWK, suitable for embedding in a
// proof header.
func (kp *KeyPair) PublicJWK() jwk.Key {
	return kp.publicJWK
}

// Export serializes both halves as JWKs for storage. The private JWK must
// only ever travel to the session store.
func (kp *KeyPair) Export() (*SerializedKeyPair, error) {
	privateJWK, err := jwk.Import(kp.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to build private JWK: %w", err)
	}

	privateJSON, err := json.Marshal(privateJWK)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private JWK: %w", err)
	}
	publicJSON, err := json.Marshal(kp.publicJWK)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public JWK: %w", err)
	}

	return &SerializedKeyPair{
		PrivateJWK: privateJSON,
		PublicJWK:  publicJSON,
	}, nil
}

// ImportKeyPair reconstructs a key pair from its stored JWK form.
// Returns ErrMalformedKey if the JWKs are structurally invalid or are not a
// P-256 key.
func ImportKeyPair(stored *SerializedKeyPair) (*KeyPair, error) {
	if stored == nil || len(stored.PrivateJWK) == 0 || len(stored.PublicJWK) == 0 {
		return nil, fmt.Errorf("%w: missing JWK", ErrMalformedKey)
	}

	privateKey, err := jwk.ParseKey(stored.PrivateJWK)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}

	var rawKey ecdsa.PrivateKey
	if err := jwk.Export(privateKey, &rawKey); err != nil {
		return nil, fmt.Errorf("%w: not an EC private key: %v", ErrMalformedKey, err)
	}
	if rawKey.Curve != elliptic.P256() {
		return nil, fmt.Errorf("%w: unexpected curve", ErrMalformedKey)
	}

	publicJWK, err := jwk.ParseKey(stored.PublicJWK)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}

	return &KeyPair{
		privateKey: &rawKey,
		publicJWK:  publicJWK,
	}, nil
}
