package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pixelforge/pixelforge/pkg/models"
	"github.com/redis/go-redis/v9"
)

// Bus distributes job progress events. Events are appended to a short-lived
// per-user Redis Stream for replay and fanned out over pub/sub for live
// subscribers, so a reconnecting client can resume from its last seen
// sequence ID without missing or duplicating events.
type Bus interface {
	// Publish appends the event to the user's stream and broadcasts it.
	// On return the event's SequenceID is set to the stream entry ID.
	Publish(ctx context.Context, userID uuid.UUID, event *models.ProgressEvent) error

	// Subscribe returns a live event feed for the user. The caller must
	// Close the subscription when done.
	Subscribe(ctx context.Context, userID uuid.UUID) (*Subscription, error)

	// Replay returns events recorded after lastEventID (exclusive), in
	// order. An empty lastEventID replays nothing.
	Replay(ctx context.Context, userID uuid.UUID, lastEventID string) ([]models.ProgressEvent, error)
}

// Subscription is a live event feed backed by Redis pub/sub.
type Subscription struct {
	C      <-chan models.ProgressEvent
	pubsub *redis.PubSub
	done   chan struct{}
}

// Close terminates the feed and releases the pub/sub connection.
func (s *Subscription) Close() error {
	close(s.done)
	return s.pubsub.Close()
}

// RedisBus is the Redis Streams implementation of Bus.
type RedisBus struct {
	client *redis.Client
	logger *slog.Logger
	maxLen int64
	ttl    time.Duration
}

func NewRedisBus(client *redis.Client, logger *slog.Logger, maxLen int64, ttl time.Duration) *RedisBus {
	if maxLen <= 0 {
		maxLen = 1000
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisBus{client: client, logger: logger, maxLen: maxLen, ttl: ttl}
}

func (b *RedisBus) Publish(ctx context.Context, userID uuid.UUID, event *models.ProgressEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	key := UserStreamKey(userID)
	id, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]any{"data": payload},
	}).Result()
	if err != nil {
		return fmt.Errorf("append event to stream: %w", err)
	}
	event.SequenceID = id

	// Refresh the stream TTL on every append; streams for idle users decay.
	if err := b.client.Expire(ctx, key, b.ttl).Err(); err != nil {
		b.logger.Warn("failed to refresh stream TTL", "stream", key, "error", err)
	}

	// Re-marshal so live subscribers see the sequence ID too.
	payload, err = json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, userChannel(userID), payload).Err(); err != nil {
		return fmt.Errorf("broadcast event: %w", err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, userID uuid.UUID) (*Subscription, error) {
	pubsub := b.client.Subscribe(ctx, userChannel(userID))
	// Force the subscription to be established before we return, so events
	// published after Subscribe are never dropped.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe to user channel: %w", err)
	}

	out := make(chan models.ProgressEvent, 64)
	done := make(chan struct{})
	sub := &Subscription{C: out, pubsub: pubsub, done: done}

	go func() {
		defer close(out)
		ch := pubsub.Channel()
		for {
			select {
			case <-done:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var event models.ProgressEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					b.logger.Warn("dropping malformed event", "user_id", userID, "error", err)
					continue
				}
				select {
				case out <- event:
				case <-done:
					return
				}
			}
		}
	}()

	return sub, nil
}

func (b *RedisBus) Replay(ctx context.Context, userID uuid.UUID, lastEventID string) ([]models.ProgressEvent, error) {
	if lastEventID == "" {
		return nil, nil
	}

	// "(" makes the range exclusive of the client's last seen entry.
	entries, err := b.client.XRange(ctx, UserStreamKey(userID), "("+lastEventID, "+").Result()
	if err != nil {
		return nil, fmt.Errorf("replay stream: %w", err)
	}

	events := make([]models.ProgressEvent, 0, len(entries))
	for _, entry := range entries {
		raw, ok := entry.Values["data"].(string)
		if !ok {
			continue
		}
		var event models.ProgressEvent
		if err := json.Unmarshal([]byte(raw), &event); err != nil {
			b.logger.Warn("skipping malformed replay entry", "user_id", userID, "entry_id", entry.ID, "error", err)
			continue
		}
		event.SequenceID = entry.ID
		events = append(events, event)
	}
	return events, nil
}
