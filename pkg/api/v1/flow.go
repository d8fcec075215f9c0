package v1

import (
	"context"
	"fmt"
	"time"

	"github.com/stevedylandev/stevedylan.dev/pkg/auth/dpop"
	"github.com/stevedylandev/stevedylan.dev/pkg/auth/oauth"
	"github.com/stevedylandev/stevedylan.dev/pkg/logger"
	"github.com/stevedylandev/stevedylan.dev/pkg/session"
	"github.com/stevedylandev/stevedylan.dev/pkg/telemetry"
)

// beginLogin runs the front half of the OAuth handshake against the given
// PDS: fresh DPoP key, PKCE, state, pushed authorization request. It stores
// the auth state and returns the authorization URL to redirect the browser
// to, plus the state for callers that stash extra data under it.
func (d *Deps) beginLogin(ctx context.Context, pdsURL, clientID, redirectURI, scope string) (authURL, state string, err error) {
	metadata, err := oauth.FetchServerMetadata(ctx, d.Client, pdsURL)
	if err != nil {
		return "", "", err
	}

	keyPair, err := dpop.GenerateKeyPair()
	if err != nil {
		return "", "", err
	}
	serialized, err := keyPair.Export()
	if err != nil {
		return "", "", err
	}

	state, err = oauth.GenerateState()
	if err != nil {
		return "", "", err
	}
	pkce := oauth.GeneratePKCE()

	parResp, nonce, err := d.Negotiator.SendPAR(ctx, oauth.PARRequest{
		Metadata:    metadata,
		ClientID:    clientID,
		RedirectURI: redirectURI,
		State:       state,
		PKCE:        pkce,
		Scope:       scope,
	}, keyPair, "")
	if err != nil {
		return "", "", err
	}

	err = d.Store.StoreAuthState(ctx, state, &session.AuthState{
		State:         state,
		PDSURL:        pdsURL,
		AuthServerURL: metadata.Issuer,
		PKCEVerifier:  pkce.Verifier,
		KeyPair:       serialized,
		DPoPNonce:     nonce,
		CreatedAt:     time.Now().UTC(),
	})
	if err != nil {
		return "", "", err
	}

	authURL, err = oauth.BuildAuthorizationURL(metadata, parResp.RequestURI, clientID)
	if err != nil {
		return "", "", err
	}
	return authURL, state, nil
}

// completeLogin runs the back half of the handshake: consume the one-time
// auth state, rebuild the DPoP key, and exchange the code for tokens. A
// missing or replayed state returns session.ErrNotFound.
func (d *Deps) completeLogin(ctx context.Context, code, state, clientID, redirectURI string) (*oauth.TokenResponse, *session.StoredSession, error) {
	authState, err := d.Store.ConsumeAuthState(ctx, state)
	if err != nil {
		return nil, nil, err
	}

	keyPair, err := dpop.ImportKeyPair(authState.KeyPair)
	if err != nil {
		return nil, nil, err
	}

	metadata, err := oauth.FetchServerMetadata(ctx, d.Client, authState.PDSURL)
	if err != nil {
		return nil, nil, err
	}

	tokenResp, nonce, err := d.Negotiator.ExchangeCode(
		ctx, metadata, code, authState.PKCEVerifier, clientID, redirectURI, keyPair, authState.DPoPNonce)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now().UTC()
	sess := &session.StoredSession{
		DID:           tokenResp.Sub,
		PDSURL:        authState.PDSURL,
		AuthServerURL: authState.AuthServerURL,
		AccessToken:   tokenResp.AccessToken,
		RefreshToken:  tokenResp.RefreshToken,
		KeyPair:       authState.KeyPair,
		DPoPNonce:     nonce,
		ExpiresAt:     now.Add(time.Duration(tokenResp.ExpiresIn) * time.Second),
		CreatedAt:     now,
	}
	return tokenResp, sess, nil
}

// refreshSession exchanges the refresh token for new tokens and writes the
// result back with a compare-and-swap. If another request refreshed the
// session first, the store keeps the winner's record and this call returns
// the re-read winner instead of an error.
func (d *Deps) refreshSession(ctx context.Context, realID string, sess *session.StoredSession, clientID string) (*session.StoredSession, error) {
	keyPair, err := dpop.ImportKeyPair(sess.KeyPair)
	if err != nil {
		return nil, err
	}

	metadata, err := oauth.FetchServerMetadata(ctx, d.Client, sess.PDSURL)
	if err != nil {
		return nil, err
	}

	tokenResp, nonce, err := d.Negotiator.Refresh(
		ctx, metadata, sess.RefreshToken, clientID, keyPair, sess.DPoPNonce)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	updated := *sess
	updated.AccessToken = tokenResp.AccessToken
	if tokenResp.RefreshToken != "" {
		updated.RefreshToken = tokenResp.RefreshToken
	}
	updated.DPoPNonce = nonce
	updated.ExpiresAt = now.Add(time.Duration(tokenResp.ExpiresIn) * time.Second)
	updated.KeyPair = sess.KeyPair

	swapped, err := d.Store.UpdateSessionIf(ctx, realID, sess.AccessToken, &updated)
	if err != nil {
		return nil, err
	}
	if !swapped {
		logger.Debugw("session refreshed concurrently, using winner's tokens")
		return d.Store.GetSession(ctx, realID)
	}
	return &updated, nil
}

// freshSession returns a session with a usable access token, refreshing if
// the stored token is inside the expiry margin.
func (d *Deps) freshSession(ctx context.Context, realID string, sess *session.StoredSession, clientID string) (*session.StoredSession, error) {
	if !sess.IsExpired(time.Now()) || sess.RefreshToken == "" {
		return sess, nil
	}

	refreshed, err := d.refreshSession(ctx, realID, sess, clientID)
	if err != nil {
		d.Metrics.TokenRefreshes.WithLabelValues(telemetry.OutcomeFailure).Inc()
		return nil, fmt.Errorf("token refresh failed: %w", err)
	}
	d.Metrics.TokenRefreshes.WithLabelValues(telemetry.OutcomeSuccess).Inc()
	return refreshed, nil
}
