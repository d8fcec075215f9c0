package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stevedylandev/stevedylan.dev/pkg/config"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// Key types under the configured prefix.
const (
	keyTypeAuthState    = "auth_state"
	keyTypeSession      = "session"
	keyTypeGuestSession = "guest_session"
	keyTypeGuestReturn  = "guest_return"
	keyTypeGuestPDS     = "guest_pds"
)

// RedisStore implements Store on Redis. TTLs are enforced by Redis itself;
// one-time consumption uses GETDEL and session updates use a WATCH
// transaction, so the guarantees hold across multiple API instances.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg config.RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStore{
		client:    client,
		keyPrefix: cfg.KeyPrefix,
	}, nil
}

// NewRedisStoreWithClient creates a RedisStore with a pre-configured client.
// This is useful for testing with miniredis.
func NewRedisStoreWithClient(client redis.UniversalClient, keyPrefix string) *RedisStore {
	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

// Close closes the Redis client connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Health checks Redis connectivity.
func (s *RedisStore) Health(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) key(keyType, id string) string {
	return s.keyPrefix + keyType + ":" + id
}

// StoreAuthState saves per-login-attempt state with AuthStateTTL.
func (s *RedisStore) StoreAuthState(ctx context.Context, state string, authState *AuthState) error {
	data, err := json.Marshal(authState)
	if err != nil {
		return fmt.Errorf("failed to marshal auth state: %w", err)
	}
	return s.client.Set(ctx, s.key(keyTypeAuthState, state), data, AuthStateTTL).Err()
}

// ConsumeAuthState returns and deletes the auth state with GETDEL, so a
// replayed callback cannot complete a second exchange.
func (s *RedisStore) ConsumeAuthState(ctx context.Context, state string) (*AuthState, error) {
	data, err := s.client.GetDel(ctx, s.key(keyTypeAuthState, state)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to consume auth state: %w", err)
	}

	var authState AuthState
	if err := json.Unmarshal(data, &authState); err != nil {
		return nil, fmt.Errorf("failed to unmarshal auth state: %w", err)
	}
	return &authState, nil
}

// CreateSession stores a session record with SessionTTL.
func (s *RedisStore) CreateSession(ctx context.Context, id string, sess *StoredSession) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	return s.client.Set(ctx, s.key(keyTypeSession, id), data, SessionTTL).Err()
}

// GetSession returns the session record, or ErrNotFound.
func (s *RedisStore) GetSession(ctx context.Context, id string) (*StoredSession, error) {
	data, err := s.client.Get(ctx, s.key(keyTypeSession, id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var sess StoredSession
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &sess, nil
}

// UpdateSessionIf swaps the session record inside a WATCH transaction. If
// another writer rewrites the key between the read and the write, the
// transaction aborts and the caller's refresh result is discarded.
func (s *RedisStore) UpdateSessionIf(
	ctx context.Context, id, expectedAccessToken string, sess *StoredSession,
) (bool, error) {
	key := s.key(keyTypeSession, id)

	swapped := false
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			return fmt.Errorf("failed to get session: %w", err)
		}

		var current StoredSession
		if err := json.Unmarshal(data, &current); err != nil {
			return fmt.Errorf("failed to unmarshal session: %w", err)
		}
		if current.AccessToken != expectedAccessToken {
			// Another writer already refreshed this session.
			return nil
		}

		payload, err := json.Marshal(sess)
		if err != nil {
			return fmt.Errorf("failed to marshal session: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, SessionTTL)
			return nil
		})
		if err == nil {
			swapped = true
		}
		return err
	}, key)

	switch {
	case errors.Is(err, redis.TxFailedErr):
		return false, nil
	case errors.Is(err, ErrNotFound):
		return false, ErrNotFound
	case err != nil:
		return false, err
	}
	return swapped, nil
}

// DeleteSession removes a session record.
func (s *RedisStore) DeleteSession(ctx context.Context, id string) error {
	return s.client.Del(ctx, s.key(keyTypeSession, id)).Err()
}

// MapGuestSession links a guest ID to a session ID with SessionTTL.
func (s *RedisStore) MapGuestSession(ctx context.Context, guestID, sessionID string) error {
	return s.client.Set(ctx, s.key(keyTypeGuestSession, guestID), sessionID, SessionTTL).Err()
}

// ResolveGuestSession returns the session ID behind a guest ID.
func (s *RedisStore) ResolveGuestSession(ctx context.Context, guestID string) (string, error) {
	sessionID, err := s.client.Get(ctx, s.key(keyTypeGuestSession, guestID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to resolve guest session: %w", err)
	}
	return sessionID, nil
}

// DeleteGuestMapping removes a guest indirection entry.
func (s *RedisStore) DeleteGuestMapping(ctx context.Context, guestID string) error {
	return s.client.Del(ctx, s.key(keyTypeGuestSession, guestID)).Err()
}

// StashGuestReturn saves the post-login redirect target with GuestStashTTL.
func (s *RedisStore) StashGuestReturn(ctx context.Context, state, returnTo string) error {
	return s.client.Set(ctx, s.key(keyTypeGuestReturn, state), returnTo, GuestStashTTL).Err()
}

// ConsumeGuestReturn returns and deletes the stashed redirect target.
func (s *RedisStore) ConsumeGuestReturn(ctx context.Context, state string) (string, error) {
	return s.getDelString(ctx, s.key(keyTypeGuestReturn, state))
}

// StashGuestPDS saves the resolved PDS URL with GuestStashTTL.
func (s *RedisStore) StashGuestPDS(ctx context.Context, state, pdsURL string) error {
	return s.client.Set(ctx, s.key(keyTypeGuestPDS, state), pdsURL, GuestStashTTL).Err()
}

// ConsumeGuestPDS returns and deletes the stashed PDS URL.
func (s *RedisStore) ConsumeGuestPDS(ctx context.Context, state string) (string, error) {
	return s.getDelString(ctx, s.key(keyTypeGuestPDS, state))
}

func (s *RedisStore) getDelString(ctx context.Context, key string) (string, error) {
	value, err := s.client.GetDel(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to consume %s: %w", key, err)
	}
	return value, nil
}

// Compile-time interface compliance check
var _ Store = (*RedisStore)(nil)
