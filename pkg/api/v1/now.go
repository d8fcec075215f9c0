package v1

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stevedylandev/stevedylan.dev/pkg/auth/dpop"
	"github.com/stevedylandev/stevedylan.dev/pkg/logger"
	"github.com/stevedylandev/stevedylan.dev/pkg/pds"
	"github.com/stevedylandev/stevedylan.dev/pkg/session"
	"github.com/stevedylandev/stevedylan.dev/pkg/telemetry"
)

// feedPageSize is how many posts the RSS feed reads from the PDS.
const feedPageSize = 50

var errNoSession = errors.New("no valid session")

// NowRouter sets up the "now" page routes: the public RSS feed and the
// authenticated write endpoints.
func NowRouter(deps *Deps) http.Handler {
	routes := &nowRoutes{deps}
	r := chi.NewRouter()
	r.Get("/rss", routes.rss)
	r.Post("/post", routes.post)
	r.Post("/reply", routes.reply)
	return r
}

type nowRoutes struct {
	*Deps
}

// sessionFromRequest resolves the cookie to a live session record, following
// the guest indirection when needed. realID is the session store key.
func (n *nowRoutes) sessionFromRequest(r *http.Request) (realID string, sess *session.StoredSession, isGuest bool, err error) {
	desc, ok := cookieDescriptor(r)
	if !ok {
		return "", nil, false, errNoSession
	}

	realID = desc.ID
	if desc.IsGuest() {
		realID, err = n.Store.ResolveGuestSession(r.Context(), desc.ID)
		if err != nil {
			return "", nil, true, errNoSession
		}
	}

	sess, err = n.Store.GetSession(r.Context(), realID)
	if err != nil {
		return "", nil, desc.IsGuest(), errNoSession
	}
	return realID, sess, desc.IsGuest(), nil
}

// writeRecord refreshes the session if needed, signs the write, and persists
// the nonce the PDS handed back so the next write skips the retry.
func (n *nowRoutes) writeRecord(
	r *http.Request,
	realID string,
	sess *session.StoredSession,
	clientID, collection string,
	record any,
) (*pds.CreateRecordResponse, error) {
	sess, err := n.freshSession(r.Context(), realID, sess, clientID)
	if err != nil {
		return nil, err
	}

	keyPair, err := dpop.ImportKeyPair(sess.KeyPair)
	if err != nil {
		return nil, err
	}

	resp, nonce, err := n.PDS.CreateRecord(r.Context(), &pds.Credentials{
		PDSURL:      sess.PDSURL,
		DID:         sess.DID,
		AccessToken: sess.AccessToken,
		KeyPair:     keyPair,
		Nonce:       sess.DPoPNonce,
	}, collection, record)

	if nonce != "" && nonce != sess.DPoPNonce {
		updated := *sess
		updated.DPoPNonce = nonce
		// Best effort; a lost nonce only costs one retry next time.
		if _, uerr := n.Store.UpdateSessionIf(r.Context(), realID, sess.AccessToken, &updated); uerr != nil {
			logger.Debugw("failed to persist DPoP nonce", "error", uerr)
		}
	}

	outcome := telemetry.OutcomeSuccess
	if err != nil {
		outcome = telemetry.OutcomeFailure
	}
	n.Metrics.RecordWrites.WithLabelValues(collection, outcome).Inc()
	return resp, err
}

type postRequest struct {
	Text  string        `json:"text"`
	Reply *pds.ReplyRef `json:"reply,omitempty"`
}

// post creates a "now" post in the owner's repo. Owner sessions only.
func (n *nowRoutes) post(w http.ResponseWriter, r *http.Request) {
	realID, sess, isGuest, err := n.sessionFromRequest(r)
	if err != nil || isGuest {
		writeJSONError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	if sess.DID != n.Config.AllowedDID {
		writeJSONError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req postRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == "" {
		writeJSONError(w, http.StatusBadRequest, "text is required")
		return
	}

	resp, err := n.writeRecord(r, realID, sess,
		n.Config.OwnerClientID(), pds.CollectionFeedPost, pds.NewFeedPost(req.Text, req.Reply))
	if err != nil {
		logger.Errorf("post write failed: %v", err)
		writeJSONError(w, http.StatusBadGateway, "failed to create post")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"uri":     resp.URI,
		"cid":     resp.CID,
	})
}

type replyRequest struct {
	Text     string `json:"text"`
	Document string `json:"document"`
}

// reply creates a comment record in the caller's own repo. Owner and guest
// sessions both qualify; guests write to their own PDS.
func (n *nowRoutes) reply(w http.ResponseWriter, r *http.Request) {
	realID, sess, isGuest, err := n.sessionFromRequest(r)
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req replyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == "" || req.Document == "" {
		writeJSONError(w, http.StatusBadRequest, "text and document are required")
		return
	}

	clientID := n.Config.OwnerClientID()
	if isGuest {
		clientID = n.Config.GuestClientID()
	}

	resp, err := n.writeRecord(r, realID, sess,
		clientID, pds.CollectionComment, pds.NewComment(req.Text, req.Document))
	if err != nil {
		logger.Errorf("reply write failed: %v", err)
		writeJSONError(w, http.StatusBadGateway, "failed to create reply")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"uri":     resp.URI,
		"cid":     resp.CID,
	})
}

// rss serves the owner's posts as an RSS 2.0 feed. Errors degrade to an
// empty feed rather than a broken one, so readers keep polling.
func (n *nowRoutes) rss(w http.ResponseWriter, r *http.Request) {
	var records []pds.ListedRecord
	resp, err := n.PDS.ListRecords(
		r.Context(), n.Config.PDSURL, n.Config.AllowedDID, pds.CollectionFeedPost, feedPageSize)
	if err != nil {
		logger.Errorf("failed to list feed records: %v", err)
	} else {
		records = resp.Records
	}

	feed := buildFeed(n.Config, records, time.Now().UTC())
	body, err := renderFeed(feed)
	if err != nil {
		logger.Errorf("failed to render feed: %v", err)
		http.Error(w, "failed to render feed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/xml")
	_, _ = w.Write(body)
}
