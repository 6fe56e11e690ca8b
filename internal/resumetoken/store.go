package resumetoken

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when no token is stored for a session.
var ErrNotFound = errors.New("resumetoken: not found")

// Store persists encoded tokens outside the process so a later invocation
// can resume a session the earlier process emitted. Backed by Redis; the
// desktop shell passes tokens around in memory and never needs this, but
// headless operation across restarts does.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

// NewStore connects a Store over an existing Redis client. TTL bounds how
// long a token stays resumable; zero means no expiry.
func NewStore(client *redis.Client, ttl time.Duration) *Store {
	return &Store{client: client, ttl: ttl}
}

func key(sessionID string) string {
	return "crawl:resume_token:" + sessionID
}

// Save stores the encoded token under its session id.
func (s *Store) Save(ctx context.Context, t Token) error {
	encoded, err := Encode(t)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, key(t.SessionID), encoded, s.ttl).Err(); err != nil {
		return fmt.Errorf("resumetoken: saving token for %s: %w", t.SessionID, err)
	}
	return nil
}

// Load retrieves and decodes the token for sessionID.
func (s *Store) Load(ctx context.Context, sessionID string) (Token, error) {
	encoded, err := s.client.Get(ctx, key(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return Token{}, ErrNotFound
	}
	if err != nil {
		return Token{}, fmt.Errorf("resumetoken: loading token for %s: %w", sessionID, err)
	}
	return Decode(encoded)
}

// Delete removes a consumed token so it cannot be replayed after the
// resumed session completes.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, key(sessionID)).Err(); err != nil {
		return fmt.Errorf("resumetoken: deleting token for %s: %w", sessionID, err)
	}
	return nil
}
