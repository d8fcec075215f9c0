// Package pds is a minimal ATProto PDS client covering what the site needs:
// DPoP-authenticated record creation and the public record listing that
// backs the RSS feed.
package pds

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/stevedylandev/stevedylan.dev/pkg/auth/dpop"
	"github.com/stevedylandev/stevedylan.dev/pkg/auth/oauth"
	"github.com/stevedylandev/stevedylan.dev/pkg/logger"
	"github.com/stevedylandev/stevedylan.dev/pkg/networking"
)

// Record collections this client writes.
const (
	// CollectionFeedPost holds the owner's "now" posts.
	CollectionFeedPost = "app.bsky.feed.post"

	// CollectionComment holds visitor comments, written to the
	// commenter's own repo.
	CollectionComment = "site.standard.document.comment"
)

// maxNonceRetries bounds the use_dpop_nonce retry, same contract as the
// token endpoints.
const maxNonceRetries = 1

const errUseDPoPNonce = "use_dpop_nonce"

// Client talks to a PDS over XRPC.
type Client struct {
	client networking.HTTPClient
}

// NewClient creates a Client using the given HTTP client.
func NewClient(client networking.HTTPClient) *Client {
	return &Client{client: client}
}

// Credentials carries everything needed to sign a write on behalf of a
// session: the DPoP-bound access token and the key it is bound to.
type Credentials struct {
	PDSURL      string
	DID         string
	AccessToken string
	KeyPair     *dpop.KeyPair

	// Nonce is the most recent server nonce, if known. Starting with a
	// known nonce usually saves the retry round trip.
	Nonce string
}

// RecordRef points at a record by URI and CID.
type RecordRef struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

// ReplyRef threads a post under a parent.
type ReplyRef struct {
	Root   RecordRef `json:"root"`
	Parent RecordRef `json:"parent"`
}

// FeedPost is an app.bsky.feed.post record.
type FeedPost struct {
	Type      string    `json:"$type"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
	Reply     *ReplyRef `json:"reply,omitempty"`
}

// NewFeedPost builds a post record with the type field set.
func NewFeedPost(text string, reply *ReplyRef) *FeedPost {
	return &FeedPost{
		Type:      CollectionFeedPost,
		Text:      text,
		CreatedAt: time.Now().UTC(),
		Reply:     reply,
	}
}

// Comment is a site.standard.document.comment record.
type Comment struct {
	Type      string    `json:"$type"`
	Text      string    `json:"text"`
	Document  string    `json:"document"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewComment builds a comment record pointing at the commented document.
func NewComment(text, documentURI string) *Comment {
	return &Comment{
		Type:      CollectionComment,
		Text:      text,
		Document:  documentURI,
		CreatedAt: time.Now().UTC(),
	}
}

type createRecordRequest struct {
	Repo       string `json:"repo"`
	Collection string `json:"collection"`
	Record     any    `json:"record"`
}

// CreateRecordResponse is the PDS response to a successful write.
type CreateRecordResponse struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

// CreateRecord writes a record to the credential holder's repo. The proof
// binds the access token via its hash, and a 401 use_dpop_nonce answer is
// retried exactly once with the fresh nonce. The returned nonce should be
// written back to the session for the next request.
func (c *Client) CreateRecord(
	ctx context.Context,
	creds *Credentials,
	collection string,
	record any,
) (*CreateRecordResponse, string, error) {
	endpoint := creds.PDSURL + "/xrpc/com.atproto.repo.createRecord"

	payload, err := json.Marshal(createRecordRequest{
		Repo:       creds.DID,
		Collection: collection,
		Record:     record,
	})
	if err != nil {
		return nil, creds.Nonce, fmt.Errorf("failed to marshal record: %w", err)
	}

	nonce := creds.Nonce
	for attempt := 0; ; attempt++ {
		proof, err := dpop.CreateProof(creds.KeyPair, dpop.ProofOptions{
			Method:      http.MethodPost,
			URL:         endpoint,
			Nonce:       nonce,
			AccessToken: creds.AccessToken,
		})
		if err != nil {
			return nil, nonce, err
		}

		result, err := networking.FetchJSON[CreateRecordResponse](ctx, c.client, endpoint,
			networking.WithMethod(http.MethodPost),
			networking.WithHeader("Content-Type", networking.ContentTypeJSON),
			networking.WithHeader("Authorization", "DPoP "+creds.AccessToken),
			networking.WithHeader("DPoP", proof),
			networking.WithBody(bytes.NewReader(payload)),
		)
		if err == nil {
			if fresh := dpop.NonceFromHeader(result.Headers); fresh != "" {
				nonce = fresh
			}
			return &result.Data, nonce, nil
		}

		httpErr, ok := networking.AsHTTPError(err)
		if !ok {
			return nil, nonce, err
		}

		if httpErr.StatusCode == http.StatusUnauthorized {
			var xrpcErr struct {
				Error string `json:"error"`
			}
			_ = json.Unmarshal([]byte(httpErr.Body), &xrpcErr)

			fresh := dpop.NonceFromHeader(httpErr.Header)
			if xrpcErr.Error == errUseDPoPNonce && fresh != "" {
				if attempt >= maxNonceRetries {
					return nil, nonce, oauth.ErrNonceRetryExhausted
				}
				logger.Debugw("retrying record write with fresh DPoP nonce", "collection", collection)
				nonce = fresh
				continue
			}
		}

		return nil, nonce, fmt.Errorf("record write failed: %w", err)
	}
}

// ListedRecord is one entry of a repo.listRecords response.
type ListedRecord struct {
	URI   string      `json:"uri"`
	CID   string      `json:"cid"`
	Value RecordValue `json:"value"`
}

// RecordValue is the subset of post record fields the feed renders.
type RecordValue struct {
	Type      string    `json:"$type"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
	Reply     *ReplyRef `json:"reply,omitempty"`
	Embed     *Embed    `json:"embed,omitempty"`
}

// Embed carries attached images.
type Embed struct {
	Type   string       `json:"$type"`
	Images []EmbedImage `json:"images,omitempty"`
}

// EmbedImage is one attached image with its blob reference.
type EmbedImage struct {
	Alt   string `json:"alt"`
	Image struct {
		Ref struct {
			Link string `json:"$link"`
		} `json:"ref"`
	} `json:"image"`
}

// ListRecordsResponse is the repo.listRecords page.
type ListRecordsResponse struct {
	Records []ListedRecord `json:"records"`
	Cursor  string         `json:"cursor,omitempty"`
}

// ListRecords reads records from a public repo. No authentication; record
// listing is public PDS data.
func (c *Client) ListRecords(
	ctx context.Context,
	pdsURL, repo, collection string,
	limit int,
) (*ListRecordsResponse, error) {
	query := url.Values{
		"repo":       {repo},
		"collection": {collection},
		"limit":      {strconv.Itoa(limit)},
		"filter":     {"posts_no_replies"},
	}
	endpoint := pdsURL + "/xrpc/com.atproto.repo.listRecords?" + query.Encode()

	result, err := networking.FetchJSON[ListRecordsResponse](ctx, c.client, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	return &result.Data, nil
}

// BlobURL returns the public URL of a blob, used for embedded images.
func BlobURL(pdsURL, did, cid string) string {
	query := url.Values{"did": {did}, "cid": {cid}}
	return pdsURL + "/xrpc/com.atproto.sync.getBlob?" + query.Encode()
}
