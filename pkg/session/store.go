package session

import "context"

// Store is the TTL key-value contract both backends implement.
//
// Auth states are one-time-use: ConsumeAuthState removes the entry
// atomically so a replayed callback cannot complete a second exchange.
// Session updates go through UpdateSessionIf, a compare-and-swap keyed on
// the access token, so concurrent refreshes cannot clobber each other.
type Store interface {
	// StoreAuthState saves per-login-attempt state keyed by the OAuth
	// state parameter, with AuthStateTTL.
	StoreAuthState(ctx context.Context, state string, authState *AuthState) error

	// ConsumeAuthState returns the auth state and deletes it in one step.
	// Returns ErrNotFound if the state is unknown, expired, or already
	// consumed.
	ConsumeAuthState(ctx context.Context, state string) (*AuthState, error)

	// CreateSession stores a session record with SessionTTL.
	CreateSession(ctx context.Context, id string, sess *StoredSession) error

	// GetSession returns the session record, or ErrNotFound.
	GetSession(ctx context.Context, id string) (*StoredSession, error)

	// UpdateSessionIf replaces the session record only if the stored
	// access token still equals expectedAccessToken, re-arming SessionTTL.
	// Returns (false, nil) when another writer got there first, and
	// (false, ErrNotFound) when the session no longer exists.
	UpdateSessionIf(ctx context.Context, id, expectedAccessToken string, sess *StoredSession) (bool, error)

	// DeleteSession removes a session record. Deleting a missing session
	// is not an error.
	DeleteSession(ctx context.Context, id string) error

	// MapGuestSession links an opaque guest ID to the real session ID so
	// the guest cookie never carries the session ID itself.
	MapGuestSession(ctx context.Context, guestID, sessionID string) error

	// ResolveGuestSession returns the session ID behind a guest ID, or
	// ErrNotFound.
	ResolveGuestSession(ctx context.Context, guestID string) (string, error)

	// DeleteGuestMapping removes a guest indirection entry.
	DeleteGuestMapping(ctx context.Context, guestID string) error

	// StashGuestReturn saves the post-login redirect target for a guest
	// login attempt, keyed by state, with GuestStashTTL.
	StashGuestReturn(ctx context.Context, state, returnTo string) error

	// ConsumeGuestReturn returns and deletes the stashed redirect target.
	ConsumeGuestReturn(ctx context.Context, state string) (string, error)

	// StashGuestPDS saves the PDS URL a guest login attempt resolved to,
	// keyed by state, with GuestStashTTL.
	StashGuestPDS(ctx context.Context, state, pdsURL string) error

	// ConsumeGuestPDS returns and deletes the stashed PDS URL.
	ConsumeGuestPDS(ctx context.Context, state string) (string, error)

	// Health reports whether the backend is reachable.
	Health(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
