package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/huddle/chat-app/internal/presence"
)

const (
	// PresencePrefix is the Redis key prefix for per-room presence hashes.
	PresencePrefix = "presence:"

	// PresenceTTL bounds how long a room's presence hash survives without a
	// refresh, so members of a crashed process eventually disappear.
	PresenceTTL = 90 * time.Second

	// presenceRefreshEvery is the interval at which live subscriptions
	// re-track themselves to keep the hash alive.
	presenceRefreshEvery = 30 * time.Second
)

// PresenceStore keeps the authoritative per-room membership set in a Redis
// hash (field = username, value = JSON entry). It is the ground truth that
// subscribers sync from on (re)connect; join/leave events merely keep
// already-connected sessions incrementally up to date.
type PresenceStore struct {
	rdb *redis.Client
}

// NewPresenceStore creates a presence store using the provided Redis client.
func NewPresenceStore(rdb *redis.Client) *PresenceStore {
	return &PresenceStore{rdb: rdb}
}

// Track records a member in the room's presence hash and refreshes the TTL.
// A re-track overwrites the stored entry, which is harmless: trackers apply
// first-join-wins on their side.
func (s *PresenceStore) Track(ctx context.Context, room string, e presence.Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("transport: marshal presence entry: %w", err)
	}

	key := PresencePrefix + room
	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, key, e.User, data)
	pipe.Expire(ctx, key, PresenceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("transport: track presence: %w", err)
	}
	return nil
}

// Untrack removes a member from the room's presence hash.
func (s *PresenceStore) Untrack(ctx context.Context, room, user string) error {
	if err := s.rdb.HDel(ctx, PresencePrefix+room, user).Err(); err != nil {
		return fmt.Errorf("transport: untrack presence: %w", err)
	}
	return nil
}

// Snapshot returns the room's current membership. Entries that fail to
// decode are skipped; presence is best-effort.
func (s *PresenceStore) Snapshot(ctx context.Context, room string) ([]presence.Entry, error) {
	fields, err := s.rdb.HGetAll(ctx, PresencePrefix+room).Result()
	if err != nil {
		return nil, fmt.Errorf("transport: presence snapshot: %w", err)
	}

	entries := make([]presence.Entry, 0, len(fields))
	for user, raw := range fields {
		var e presence.Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			log.Printf("[presence] skipping undecodable entry for %s in room %s: %v", user, room, err)
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}
