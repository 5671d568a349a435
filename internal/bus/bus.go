// Package bus is the cross-instance fan-out channel for room traffic. Chat
// comments are published on comments:{roomId}; room notifications (joins,
// talk requests, mutes and the rest of the stage lifecycle) on
// events:{roomId}. Every server process holds a single pattern subscription
// covering both and hands received payloads to handlers that deliver them to
// locally connected clients. Delivery is at-most-once per process and never
// blocks the publisher.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	commentPrefix  = "comments:"
	commentPattern = "comments:*"
	noticePrefix   = "events:"
	noticePattern  = "events:*"

	// resubscribeDelay spaces out reconnect attempts after a subscription
	// failure.
	resubscribeDelay = time.Second
)

// Comment is the chat fan-out payload.
type Comment struct {
	RoomID  string `json:"roomId"`
	UserID  string `json:"user"`
	Content string `json:"message"`
	SentAt  int64  `json:"sentAt"`
}

// Notice is a room notification fanned out to every instance. Origin
// identifies the publishing process so it can skip its own echo.
type Notice struct {
	RoomID string `json:"roomId"`
	Event  string `json:"event"`
	UserID string `json:"userId,omitempty"`
	Name   string `json:"name,omitempty"`
	Origin string `json:"origin"`
}

// Handler consumes comments received from the bus.
type Handler func(roomID string, c Comment)

// NoticeHandler consumes room notifications received from the bus.
type NoticeHandler func(roomID string, n Notice)

// Publisher publishes room traffic onto room-scoped channels.
type Publisher interface {
	Publish(ctx context.Context, roomID string, c Comment) error
	PublishNotice(ctx context.Context, roomID string, n Notice) error
}

// Bus implements publish and the per-process pattern subscription.
type Bus struct {
	rdb redis.UniversalClient
	log *zerolog.Logger
}

// New builds a bus over the given client.
func New(rdb redis.UniversalClient, logger *zerolog.Logger) *Bus {
	return &Bus{rdb: rdb, log: logger}
}

// Publish serializes the comment onto the room's comment channel.
func (b *Bus) Publish(ctx context.Context, roomID string, c Comment) error {
	c.RoomID = roomID
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal comment: %w", err)
	}
	if err := b.rdb.Publish(ctx, commentPrefix+roomID, payload).Err(); err != nil {
		return fmt.Errorf("publish comment: %w", err)
	}
	return nil
}

// PublishNotice serializes the notification onto the room's event channel.
func (b *Bus) PublishNotice(ctx context.Context, roomID string, n Notice) error {
	n.RoomID = roomID
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notice: %w", err)
	}
	if err := b.rdb.Publish(ctx, noticePrefix+roomID, payload).Err(); err != nil {
		return fmt.Errorf("publish notice: %w", err)
	}
	return nil
}

// Run holds the pattern subscriptions until the context is cancelled,
// invoking the matching handler for every received payload. Subscription
// failures are logged and retried; malformed payloads are dropped.
func (b *Bus) Run(ctx context.Context, comments Handler, notices NoticeHandler) error {
	for {
		if err := b.consume(ctx, comments, notices); err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return ctx.Err()
			}
			b.log.Error().Err(err).Msg("fan-out subscription lost, resubscribing")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(resubscribeDelay):
		}
	}
}

func (b *Bus) consume(ctx context.Context, comments Handler, notices NoticeHandler) error {
	pubsub := b.rdb.PSubscribe(ctx, commentPattern, noticePattern)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("subscription channel closed")
			}

			switch {
			case strings.HasPrefix(msg.Channel, commentPrefix):
				roomID := strings.TrimPrefix(msg.Channel, commentPrefix)
				var c Comment
				if err := json.Unmarshal([]byte(msg.Payload), &c); err != nil {
					b.log.Warn().Err(err).Str("room_id", roomID).Msg("drop malformed comment")
					continue
				}
				if c.RoomID == "" {
					c.RoomID = roomID
				}
				comments(roomID, c)

			case strings.HasPrefix(msg.Channel, noticePrefix):
				roomID := strings.TrimPrefix(msg.Channel, noticePrefix)
				var n Notice
				if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
					b.log.Warn().Err(err).Str("room_id", roomID).Msg("drop malformed notice")
					continue
				}
				if n.RoomID == "" {
					n.RoomID = roomID
				}
				notices(roomID, n)
			}
		}
	}
}
