package pds

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevedylandev/stevedylan.dev/pkg/auth/dpop"
	"github.com/stevedylandev/stevedylan.dev/pkg/auth/oauth"
)

// proofClaims decodes a DPoP proof payload without verifying the signature.
func proofClaims(t *testing.T, proof string) map[string]any {
	t.Helper()

	parts := strings.Split(proof, ".")
	require.Len(t, parts, 3)
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	require.NoError(t, err)

	claims := make(map[string]any)
	require.NoError(t, json.Unmarshal(payload, &claims))
	return claims
}

func testCredentials(t *testing.T, pdsURL string) *Credentials {
	t.Helper()

	keyPair, err := dpop.GenerateKeyPair()
	require.NoError(t, err)

	return &Credentials{
		PDSURL:      pdsURL,
		DID:         "did:plc:ia2zdnhjaokf5lazhxrmj6eu",
		AccessToken: "access-token",
		KeyPair:     keyPair,
	}
}

// fakePDS records createRecord requests and can demand a nonce on the first
// n requests (-1 for every request).
type fakePDS struct {
	server       *httptest.Server
	requests     atomic.Int64
	nonceDemands int64

	lastAuth   string
	lastProof  string
	lastBody   createRecordRequest
	lastRecord json.RawMessage
}

func newFakePDS(t *testing.T, nonceDemands int64) *fakePDS {
	t.Helper()

	f := &fakePDS{nonceDemands: nonceDemands}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /xrpc/com.atproto.repo.createRecord", func(w http.ResponseWriter, r *http.Request) {
		n := f.requests.Add(1)

		f.lastAuth = r.Header.Get("Authorization")
		f.lastProof = r.Header.Get("DPoP")

		var body struct {
			Repo       string          `json:"repo"`
			Collection string          `json:"collection"`
			Record     json.RawMessage `json:"record"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.lastBody = createRecordRequest{Repo: body.Repo, Collection: body.Collection}
		f.lastRecord = body.Record

		if f.nonceDemands < 0 || n <= f.nonceDemands {
			w.Header().Set("DPoP-Nonce", "fresh-nonce")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"use_dpop_nonce","message":"Authorization requires nonce"}`))
			return
		}

		w.Header().Set("DPoP-Nonce", "next-nonce")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"uri":"at://did:plc:ia2zdnhjaokf5lazhxrmj6eu/app.bsky.feed.post/3k44","cid":"bafyrei"}`))
	})

	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func TestCreateRecordSignsAndBindsToken(t *testing.T) {
	t.Parallel()

	pds := newFakePDS(t, 0)
	creds := testCredentials(t, pds.server.URL)
	client := NewClient(pds.server.Client())

	post := NewFeedPost("hello from the now page", nil)
	resp, nonce, err := client.CreateRecord(context.Background(), creds, CollectionFeedPost, post)
	require.NoError(t, err)

	assert.Equal(t, "at://did:plc:ia2zdnhjaokf5lazhxrmj6eu/app.bsky.feed.post/3k44", resp.URI)
	assert.Equal(t, "bafyrei", resp.CID)
	assert.Equal(t, "next-nonce", nonce, "success response nonce is carried forward")

	assert.Equal(t, "DPoP access-token", pds.lastAuth)
	assert.Equal(t, "did:plc:ia2zdnhjaokf5lazhxrmj6eu", pds.lastBody.Repo)
	assert.Equal(t, CollectionFeedPost, pds.lastBody.Collection)

	var record FeedPost
	require.NoError(t, json.Unmarshal(pds.lastRecord, &record))
	assert.Equal(t, CollectionFeedPost, record.Type)
	assert.Equal(t, "hello from the now page", record.Text)

	claims := proofClaims(t, pds.lastProof)
	assert.Equal(t, "POST", claims["htm"])
	assert.Equal(t, pds.server.URL+"/xrpc/com.atproto.repo.createRecord", claims["htu"])

	tokenHash := sha256.Sum256([]byte("access-token"))
	assert.Equal(t, base64.RawURLEncoding.EncodeToString(tokenHash[:]), claims["ath"],
		"proof must bind the access token")
}

func TestCreateRecordRetriesOnceWithFreshNonce(t *testing.T) {
	t.Parallel()

	pds := newFakePDS(t, 1)
	creds := testCredentials(t, pds.server.URL)
	client := NewClient(pds.server.Client())

	_, _, err := client.CreateRecord(
		context.Background(), creds, CollectionFeedPost, NewFeedPost("retry me", nil))
	require.NoError(t, err)

	assert.EqualValues(t, 2, pds.requests.Load())

	// The retried proof carries the nonce the server handed out.
	claims := proofClaims(t, pds.lastProof)
	assert.Equal(t, "fresh-nonce", claims["nonce"])
}

func TestCreateRecordNonceRetryExhausted(t *testing.T) {
	t.Parallel()

	pds := newFakePDS(t, -1)
	creds := testCredentials(t, pds.server.URL)
	client := NewClient(pds.server.Client())

	_, _, err := client.CreateRecord(
		context.Background(), creds, CollectionFeedPost, NewFeedPost("never", nil))
	require.ErrorIs(t, err, oauth.ErrNonceRetryExhausted)

	// Original request plus exactly one retry.
	assert.EqualValues(t, 2, pds.requests.Load())
}

func TestCreateRecordNonRetriableError(t *testing.T) {
	t.Parallel()

	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"InvalidRequest","message":"record failed validation"}`))
	}))
	t.Cleanup(server.Close)

	client := NewClient(server.Client())
	_, _, err := client.CreateRecord(
		context.Background(), testCredentials(t, server.URL), CollectionFeedPost,
		NewFeedPost("bad", nil))
	require.Error(t, err)
	assert.NotErrorIs(t, err, oauth.ErrNonceRetryExhausted)
	assert.EqualValues(t, 1, requests.Load(), "validation errors are not retried")
}

func TestListRecords(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/xrpc/com.atproto.repo.listRecords", r.URL.Path)
		assert.Equal(t, "did:plc:ia2zdnhjaokf5lazhxrmj6eu", r.URL.Query().Get("repo"))
		assert.Equal(t, CollectionFeedPost, r.URL.Query().Get("collection"))
		assert.Equal(t, "50", r.URL.Query().Get("limit"))
		assert.Equal(t, "posts_no_replies", r.URL.Query().Get("filter"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"records": [
				{
					"uri": "at://did:plc:ia2zdnhjaokf5lazhxrmj6eu/app.bsky.feed.post/3k44",
					"cid": "bafyrei",
					"value": {
						"$type": "app.bsky.feed.post",
						"text": "a small update",
						"createdAt": "2026-08-01T12:00:00Z"
					}
				}
			]
		}`))
	}))
	t.Cleanup(server.Close)

	client := NewClient(server.Client())
	resp, err := client.ListRecords(
		context.Background(), server.URL, "did:plc:ia2zdnhjaokf5lazhxrmj6eu", CollectionFeedPost, 50)
	require.NoError(t, err)

	require.Len(t, resp.Records, 1)
	record := resp.Records[0]
	assert.Equal(t, "a small update", record.Value.Text)
	assert.Equal(t, time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC), record.Value.CreatedAt)
	assert.Nil(t, record.Value.Reply)
}

func TestBlobURL(t *testing.T) {
	t.Parallel()

	got := BlobURL("https://polybius.social", "did:plc:abc", "bafyimg")
	assert.Equal(t,
		"https://polybius.social/xrpc/com.atproto.sync.getBlob?cid=bafyimg&did=did%3Aplc%3Aabc",
		got)
}
