// Package authz decides whether a user may perform privileged room actions
// (approving talk requests, muting, managing the stage). Confirmed
// room-creator lookups against the durable store are cached in Redis with a
// TTL so the hot path of talk approval does not pay a database round trip,
// while stale grants expire on their own.
package authz

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/voicestage/voicestage-server/internal/directory"
	"github.com/voicestage/voicestage-server/internal/store"
)

func creatorKey(userID string) string { return "roomCreator:" + userID }

// Checker answers admin checks against the directory, a Redis cache and the
// durable record store.
type Checker struct {
	rdb   redis.UniversalClient
	dir   directory.Directory
	store store.RecordStore
	ttl   time.Duration
}

// NewChecker builds a checker. ttl bounds how long a confirmed creator
// mapping may be served without re-consulting the durable store.
func NewChecker(rdb redis.UniversalClient, dir directory.Directory, st store.RecordStore, ttl time.Duration) *Checker {
	return &Checker{rdb: rdb, dir: dir, store: st, ttl: ttl}
}

// IsAdmin reports whether userID administers roomID. A false result is a
// denial, not an error; errors mean the check itself could not be performed.
func (c *Checker) IsAdmin(ctx context.Context, userID, roomID string) (bool, error) {
	room, err := c.dir.Room(ctx, roomID)
	if err != nil {
		if errors.Is(err, directory.ErrRoomNotFound) {
			return false, nil
		}
		return false, err
	}

	cached, err := c.rdb.Get(ctx, creatorKey(userID)).Result()
	if err == nil {
		return cached == room.CreatorID && cached == userID, nil
	}
	if !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("read creator cache: %w", err)
	}

	// Cache miss: confirm against the durable record, filtered by the
	// requester's own durable membership.
	rec, err := c.store.FindRoomForMember(ctx, roomID, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("confirm creator: %w", err)
	}
	if rec.CreatorID != userID {
		return false, nil
	}

	if err := c.rdb.Set(ctx, creatorKey(userID), rec.CreatorID, c.ttl).Err(); err != nil {
		return false, fmt.Errorf("populate creator cache: %w", err)
	}
	return rec.CreatorID == room.CreatorID, nil
}

// Invalidate drops a cached creator mapping. Unused by the realtime paths
// today; room ownership cannot change through this server.
func (c *Checker) Invalidate(ctx context.Context, userID string) error {
	if err := c.rdb.Del(ctx, creatorKey(userID)).Err(); err != nil {
		return fmt.Errorf("invalidate creator cache: %w", err)
	}
	return nil
}
