package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// NotificationStream publishes resolution notifications to a Redis stream
// and lets the notify worker consume them. The stream is capped so an idle
// worker cannot make Redis grow without bound.
type NotificationStream struct {
	client *redis.Client
	stream string
}

const streamMaxLen = 10000

func NewNotificationStream(client *redis.Client, stream string) *NotificationStream {
	return &NotificationStream{client: client, stream: stream}
}

func (s *NotificationStream) Publish(ctx context.Context, payload []byte) error {
	err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]any{"payload": payload},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", s.stream, err)
	}
	return nil
}

// Notification is one undelivered stream entry.
type Notification struct {
	ID      string
	Payload []byte
}

// Read blocks up to `block` for entries after lastID ("0" reads from the
// start, "$" from now on). It returns the consumed entries and the new
// cursor position.
func (s *NotificationStream) Read(ctx context.Context, lastID string, block time.Duration) ([]Notification, string, error) {
	res, err := s.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{s.stream, lastID},
		Count:   100,
		Block:   block,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, lastID, nil
		}
		return nil, lastID, fmt.Errorf("xread %s: %w", s.stream, err)
	}

	var out []Notification
	cursor := lastID
	for _, stream := range res {
		for _, msg := range stream.Messages {
			n := Notification{ID: msg.ID}
			if raw, ok := msg.Values["payload"]; ok {
				switch v := raw.(type) {
				case string:
					n.Payload = []byte(v)
				case []byte:
					n.Payload = v
				}
			}
			out = append(out, n)
			cursor = msg.ID
		}
	}

	return out, cursor, nil
}
