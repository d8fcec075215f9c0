package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testDID = "did:plc:ia2zdnhjaokf5lazhxrmj6eu"
	testPDS = "https://polybius.social"
)

// newTestDirectory serves handle resolution and PLC directory lookups for a
// single known identity.
func newTestDirectory(t *testing.T, serviceJSON string) *Resolver {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /xrpc/com.atproto.identity.resolveHandle", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("handle") != "steve.example.com" {
			http.Error(w, `{"error":"HandleNotFound"}`, http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"did": testDID})
	})
	mux.HandleFunc("GET /"+testDID, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"id":%q,"service":%s}`, testDID, serviceJSON)
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return NewResolver(server.Client(),
		WithHandleResolverURL(server.URL),
		WithPLCDirectoryURL(server.URL),
	)
}

func TestResolvePDSFromHandle(t *testing.T) {
	t.Parallel()

	resolver := newTestDirectory(t,
		`[{"id":"#atproto_pds","type":"AtprotoPersonalDataServer","serviceEndpoint":"https://polybius.social"}]`)

	identity, err := resolver.ResolvePDS(context.Background(), "steve.example.com")
	require.NoError(t, err)
	assert.Equal(t, testDID, identity.DID)
	assert.Equal(t, testPDS, identity.PDSURL)
}

func TestResolvePDSWithDIDSkipsHandleResolution(t *testing.T) {
	t.Parallel()

	resolver := newTestDirectory(t,
		`[{"id":"#atproto_pds","type":"AtprotoPersonalDataServer","serviceEndpoint":"https://polybius.social/"}]`)

	identity, err := resolver.ResolvePDS(context.Background(), testDID)
	require.NoError(t, err)
	assert.Equal(t, testDID, identity.DID)
	assert.Equal(t, testPDS, identity.PDSURL, "trailing slash is trimmed")
}

func TestResolvePDSMatchesServiceByType(t *testing.T) {
	t.Parallel()

	resolver := newTestDirectory(t,
		`[{"id":"#other","type":"SomethingElse","serviceEndpoint":"https://other.example"},`+
			`{"id":"#pds-alt","type":"AtprotoPersonalDataServer","serviceEndpoint":"https://polybius.social"}]`)

	identity, err := resolver.ResolvePDS(context.Background(), testDID)
	require.NoError(t, err)
	assert.Equal(t, testPDS, identity.PDSURL)
}

func TestResolvePDSFailuresAreGeneric(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		serviceJSON string
		input       string
	}{
		{
			name:        "unknown handle",
			serviceJSON: `[]`,
			input:       "nobody.example.com",
		},
		{
			name:        "no PDS service entry",
			serviceJSON: `[{"id":"#other","type":"SomethingElse","serviceEndpoint":"https://other.example"}]`,
			input:       testDID,
		},
		{
			name:        "empty service endpoint",
			serviceJSON: `[{"id":"#atproto_pds","type":"AtprotoPersonalDataServer","serviceEndpoint":""}]`,
			input:       testDID,
		},
		{
			name:        "unsupported DID method",
			serviceJSON: `[]`,
			input:       "did:key:zQ3shunexample",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			resolver := newTestDirectory(t, tc.serviceJSON)
			_, err := resolver.ResolvePDS(context.Background(), tc.input)
			// Every failure collapses to the same sentinel so callers
			// cannot distinguish resolution stages.
			require.ErrorIs(t, err, ErrResolution)
			assert.Equal(t, ErrResolution.Error(), err.Error())
		})
	}
}

func TestResolvePDSDirectoryUnavailable(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down for maintenance", http.StatusServiceUnavailable)
	}))
	t.Cleanup(server.Close)

	resolver := NewResolver(server.Client(),
		WithHandleResolverURL(server.URL),
		WithPLCDirectoryURL(server.URL),
	)

	_, err := resolver.ResolvePDS(context.Background(), testDID)
	require.ErrorIs(t, err, ErrResolution)
}
