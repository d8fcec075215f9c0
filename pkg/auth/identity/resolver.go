// Package identity resolves human-readable ATProto handles to the PDS that
// hosts them. Guest logins arrive with a handle; the OAuth handshake and all
// subsequent signed writes must go to that identity's own PDS.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/stevedylandev/stevedylan.dev/pkg/logger"
	"github.com/stevedylandev/stevedylan.dev/pkg/networking"
)

// ErrResolution is returned for every resolution failure. Callers present a
// single generic "invalid handle" error upward; which stage failed is logged
// but never leaked, so handles cannot be enumerated through error shapes.
var ErrResolution = errors.New("identity resolution failed")

// Default public resolution endpoints.
const (
	DefaultHandleResolverURL = "https://public.api.bsky.app"
	DefaultPLCDirectoryURL   = "https://plc.directory"
)

// pdsServiceID and pdsServiceType identify the PDS entry in a DID document.
const (
	pdsServiceID   = "#atproto_pds"
	pdsServiceType = "AtprotoPersonalDataServer"
)

// Identity is a resolved ATProto identity.
type Identity struct {
	// DID is the stable identifier.
	DID string

	// PDSURL is the base URL of the PDS hosting this identity's repo.
	PDSURL string
}

// Resolver maps handles and DIDs to their PDS endpoints.
type Resolver struct {
	client            networking.HTTPClient
	handleResolverURL string
	plcDirectoryURL   string
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithHandleResolverURL overrides the public handle resolution endpoint.
func WithHandleResolverURL(baseURL string) ResolverOption {
	return func(r *Resolver) {
		r.handleResolverURL = baseURL
	}
}

// WithPLCDirectoryURL overrides the PLC directory endpoint.
func WithPLCDirectoryURL(baseURL string) ResolverOption {
	return func(r *Resolver) {
		r.plcDirectoryURL = baseURL
	}
}

// NewResolver creates a Resolver using the given HTTP client.
func NewResolver(client networking.HTTPClient, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		client:            client,
		handleResolverURL: DefaultHandleResolverURL,
		plcDirectoryURL:   DefaultPLCDirectoryURL,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// didDocument is the subset of a DID document this resolver reads.
type didDocument struct {
	Service []struct {
		ID              string `json:"id"`
		Type            string `json:"type"`
		ServiceEndpoint string `json:"serviceEndpoint"`
	} `json:"service"`
}

// ResolvePDS resolves a handle or DID to the identity's PDS endpoint.
// A value that is already a DID skips handle resolution. The DID document is
// fetched from the PLC directory for did:plc, or from the identity's own
// domain for did:web.
func (r *Resolver) ResolvePDS(ctx context.Context, handleOrDID string) (*Identity, error) {
	did := handleOrDID
	if !strings.HasPrefix(handleOrDID, "did:") {
		resolved, err := r.resolveHandle(ctx, handleOrDID)
		if err != nil {
			logger.Debugw("handle resolution failed", "error", err)
			return nil, ErrResolution
		}
		did = resolved
	}

	doc, err := r.fetchDIDDocument(ctx, did)
	if err != nil {
		logger.Debugw("DID document fetch failed", "did", did, "error", err)
		return nil, ErrResolution
	}

	for _, service := range doc.Service {
		if service.ID == pdsServiceID || service.Type == pdsServiceType {
			if service.ServiceEndpoint == "" {
				break
			}
			return &Identity{
				DID:    did,
				PDSURL: strings.TrimSuffix(service.ServiceEndpoint, "/"),
			}, nil
		}
	}

	logger.Debugw("DID document has no PDS service entry", "did", did)
	return nil, ErrResolution
}

func (r *Resolver) resolveHandle(ctx context.Context, handle string) (string, error) {
	resolveURL := fmt.Sprintf("%s/xrpc/com.atproto.identity.resolveHandle?handle=%s",
		r.handleResolverURL, url.QueryEscape(handle))

	result, err := networking.FetchJSON[struct {
		DID string `json:"did"`
	}](ctx, r.client, resolveURL)
	if err != nil {
		return "", err
	}
	if result.Data.DID == "" {
		return "", fmt.Errorf("empty DID for handle")
	}
	return result.Data.DID, nil
}

func (r *Resolver) fetchDIDDocument(ctx context.Context, did string) (*didDocument, error) {
	var docURL string
	switch {
	case strings.HasPrefix(did, "did:plc:"):
		docURL = r.plcDirectoryURL + "/" + url.PathEscape(did)
	case strings.HasPrefix(did, "did:web:"):
		domain := strings.TrimPrefix(did, "did:web:")
		docURL = "https://" + domain + "/.well-known/did.json"
	default:
		return nil, fmt.Errorf("unsupported DID method %q", did)
	}

	result, err := networking.FetchJSON[didDocument](ctx, r.client, docURL,
		networking.WithoutContentTypeValidation())
	if err != nil {
		return nil, err
	}
	return &result.Data, nil
}
