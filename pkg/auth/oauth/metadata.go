package oauth

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/stevedylandev/stevedylan.dev/pkg/networking"
)

// WellKnownOAuthServerPath is where a PDS publishes its authorization server
// metadata.
const WellKnownOAuthServerPath = "/.well-known/oauth-authorization-server"

// metadataFetchMaxTries bounds the retry of the metadata GET. The fetch is
// idempotent, so transient network failures are retried; HTTP-level errors
// are not.
const metadataFetchMaxTries = 3

// ServerMetadata is the authorization server's capability document.
type ServerMetadata struct {
	Issuer                             string   `json:"issuer"`
	AuthorizationEndpoint              string   `json:"authorization_endpoint"`
	TokenEndpoint                      string   `json:"token_endpoint"`
	PushedAuthorizationRequestEndpoint string   `json:"pushed_authorization_request_endpoint"`
	ScopesSupported                    []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported             []string `json:"response_types_supported,omitempty"`
	GrantTypesSupported                []string `json:"grant_types_supported,omitempty"`
	DPoPSigningAlgValuesSupported      []string `json:"dpop_signing_alg_values_supported,omitempty"`
}

// Validate checks that the endpoints this flow depends on are present.
func (m *ServerMetadata) Validate() error {
	if m.AuthorizationEndpoint == "" {
		return fmt.Errorf("metadata missing authorization_endpoint")
	}
	if m.TokenEndpoint == "" {
		return fmt.Errorf("metadata missing token_endpoint")
	}
	if m.PushedAuthorizationRequestEndpoint == "" {
		return fmt.Errorf("metadata missing pushed_authorization_request_endpoint")
	}
	return nil
}

// FetchServerMetadata retrieves the authorization server metadata for a PDS.
// Transient network failures are retried with backoff; a malformed or
// non-200 response fails immediately.
func FetchServerMetadata(ctx context.Context, client networking.HTTPClient, pdsURL string) (*ServerMetadata, error) {
	metadataURL := pdsURL + WellKnownOAuthServerPath

	operation := func() (*ServerMetadata, error) {
		result, err := networking.FetchJSON[ServerMetadata](ctx, client, metadataURL)
		if err != nil {
			if _, ok := networking.AsHTTPError(err); ok {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		if err := result.Data.Validate(); err != nil {
			return nil, backoff.Permanent(err)
		}
		return &result.Data, nil
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 250 * time.Millisecond

	metadata, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(metadataFetchMaxTries),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch OAuth metadata from %s: %w", metadataURL, err)
	}
	return metadata, nil
}
