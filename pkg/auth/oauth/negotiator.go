package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/stevedylandev/stevedylan.dev/pkg/auth/dpop"
	"github.com/stevedylandev/stevedylan.dev/pkg/logger"
	"github.com/stevedylandev/stevedylan.dev/pkg/networking"
)

// maxNonceRetries bounds how many times a request is re-signed and re-sent
// after a use_dpop_nonce response. The server hands the nonce out on first
// contact, so one retry is all a well-behaved server ever needs.
const maxNonceRetries = 1

// TokenResponse is a successful token endpoint response.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope"`

	// Sub is the DID of the authenticated user.
	Sub string `json:"sub"`
}

// PARResponse is a successful pushed authorization request response.
type PARResponse struct {
	RequestURI string `json:"request_uri"`
	ExpiresIn  int64  `json:"expires_in"`
}

// Negotiator executes the multi-step OAuth handshake against a PDS's
// authorization server. It holds no per-flow state; intermediate handshake
// state lives in the session store between steps.
type Negotiator struct {
	client networking.HTTPClient
}

// NewNegotiator creates a Negotiator using the given HTTP client.
func NewNegotiator(client networking.HTTPClient) *Negotiator {
	return &Negotiator{client: client}
}

// PARRequest carries the parameters of a pushed authorization request.
type PARRequest struct {
	Metadata    *ServerMetadata
	ClientID    string
	RedirectURI string
	State       string
	PKCE        PKCE
	Scope       string
}

// SendPAR pushes the authorization parameters to the server and returns the
// short-lived request URI plus the nonce to carry into the next step.
func (n *Negotiator) SendPAR(
	ctx context.Context,
	req PARRequest,
	keyPair *dpop.KeyPair,
	nonce string,
) (*PARResponse, string, error) {
	form := url.Values{
		"client_id":             {req.ClientID},
		"redirect_uri":          {req.RedirectURI},
		"response_type":         {"code"},
		"state":                 {req.State},
		"scope":                 {req.Scope},
		"code_challenge":        {req.PKCE.Challenge},
		"code_challenge_method": {PKCEMethodS256},
	}

	resp, nonce, err := postWithProof[PARResponse](
		ctx, n.client, req.Metadata.PushedAuthorizationRequestEndpoint, form, keyPair, nonce)
	if err != nil {
		return nil, nonce, fmt.Errorf("PAR failed: %w", err)
	}
	if resp.RequestURI == "" {
		return nil, nonce, fmt.Errorf("PAR response missing request_uri")
	}
	return resp, nonce, nil
}

// BuildAuthorizationURL constructs the URL the user's browser is redirected
// to after a successful PAR. No network call.
func BuildAuthorizationURL(metadata *ServerMetadata, requestURI, clientID string) (string, error) {
	authURL, err := url.Parse(metadata.AuthorizationEndpoint)
	if err != nil {
		return "", fmt.Errorf("invalid authorization endpoint: %w", err)
	}
	query := authURL.Query()
	query.Set("request_uri", requestURI)
	query.Set("client_id", clientID)
	authURL.RawQuery = query.Encode()
	return authURL.String(), nil
}

// ExchangeCode trades the authorization code for DPoP-bound tokens.
func (n *Negotiator) ExchangeCode(
	ctx context.Context,
	metadata *ServerMetadata,
	code, codeVerifier, clientID, redirectURI string,
	keyPair *dpop.KeyPair,
	nonce string,
) (*TokenResponse, string, error) {
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {redirectURI},
		"client_id":     {clientID},
		"code_verifier": {codeVerifier},
	}

	resp, nonce, err := postWithProof[TokenResponse](
		ctx, n.client, metadata.TokenEndpoint, form, keyPair, nonce)
	if err != nil {
		return nil, nonce, fmt.Errorf("token exchange failed: %w", err)
	}
	if resp.AccessToken == "" || resp.Sub == "" {
		return nil, nonce, fmt.Errorf("token response missing access_token or sub")
	}
	return resp, nonce, nil
}

// Refresh trades a refresh token for a new token set using the same DPoP key
// the tokens were bound to. A failure here means the session is no longer
// viable; callers must not swallow it.
func (n *Negotiator) Refresh(
	ctx context.Context,
	metadata *ServerMetadata,
	refreshToken, clientID string,
	keyPair *dpop.KeyPair,
	nonce string,
) (*TokenResponse, string, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {clientID},
	}

	resp, nonce, err := postWithProof[TokenResponse](
		ctx, n.client, metadata.TokenEndpoint, form, keyPair, nonce)
	if err != nil {
		return nil, nonce, fmt.Errorf("token refresh failed: %w", err)
	}
	if resp.AccessToken == "" {
		return nil, nonce, fmt.Errorf("refresh response missing access_token")
	}
	return resp, nonce, nil
}

// postWithProof POSTs a form with a freshly signed DPoP proof, retrying
// exactly once when the server answers use_dpop_nonce with a fresh nonce.
// It returns the parsed response and the nonce the next request should use.
func postWithProof[T any](
	ctx context.Context,
	client networking.HTTPClient,
	endpoint string,
	form url.Values,
	keyPair *dpop.KeyPair,
	nonce string,
) (*T, string, error) {
	for attempt := 0; ; attempt++ {
		proof, err := dpop.CreateProof(keyPair, dpop.ProofOptions{
			Method: http.MethodPost,
			URL:    endpoint,
			Nonce:  nonce,
		})
		if err != nil {
			return nil, nonce, err
		}

		result, err := networking.FetchJSONWithForm[T](ctx, client, endpoint, form,
			networking.WithHeader("DPoP", proof))
		if err == nil {
			if fresh := dpop.NonceFromHeader(result.Headers); fresh != "" {
				nonce = fresh
			}
			return &result.Data, nonce, nil
		}

		httpErr, ok := networking.AsHTTPError(err)
		if !ok {
			// Transport-level failure. The POST is not idempotent, so no retry.
			return nil, nonce, err
		}

		if httpErr.StatusCode == http.StatusBadRequest || httpErr.StatusCode == http.StatusUnauthorized {
			var oauthErr errorResponse
			// An unparseable body falls through to AuthorizationError with
			// an empty code, which reads as a plain rejection.
			_ = json.Unmarshal([]byte(httpErr.Body), &oauthErr)

			fresh := dpop.NonceFromHeader(httpErr.Header)
			if oauthErr.Error == errUseDPoPNonce && fresh != "" {
				if attempt >= maxNonceRetries {
					return nil, nonce, ErrNonceRetryExhausted
				}
				logger.Debugw("retrying with fresh DPoP nonce", "endpoint", endpoint)
				nonce = fresh
				continue
			}

			return nil, nonce, &AuthorizationError{
				Code:        oauthErr.Error,
				Description: oauthErr.ErrorDescription,
				StatusCode:  httpErr.StatusCode,
			}
		}

		return nil, nonce, err
	}
}
