package feed

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"chatroom/pkg/domain"
)

const (
	channelPrefix  = "chatroom:feed:"
	initialBackoff = 250 * time.Millisecond
	maxBackoff     = 10 * time.Second
)

// Feed is the room change feed: every committed message insert is published
// here and delivered to all live subscribers in publish order.
type Feed struct {
	client *redis.Client
	room   string
}

// New builds a feed bound to one room channel.
func New(client *redis.Client, room string) *Feed {
	return &Feed{client: client, room: room}
}

func (f *Feed) channel() string {
	return channelPrefix + f.room
}

// Publish broadcasts an inserted message to all subscribers.
func (f *Feed) Publish(ctx context.Context, msg domain.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return f.client.Publish(ctx, f.channel(), payload).Err()
}

// Subscription is an owned handle on a live feed subscription.
// Cancel must be called when the consumer is torn down.
type Subscription struct {
	cancel context.CancelFunc
	once   sync.Once
	done   chan struct{}
}

// Cancel stops delivery and releases the underlying connection.
// Safe to call more than once; it blocks until the receive loop has exited.
func (s *Subscription) Cancel() {
	s.once.Do(s.cancel)
	<-s.done
}

// Subscribe opens a subscription delivering each inserted message to onInsert,
// one at a time, in the order received. On connection failure the receive loop
// reconnects with capped exponential backoff instead of going silent.
func (f *Feed) Subscribe(ctx context.Context, onInsert func(domain.Message)) *Subscription {
	ctx, cancel := context.WithCancel(ctx)
	sub := &Subscription{cancel: cancel, done: make(chan struct{})}
	go f.receiveLoop(ctx, onInsert, sub.done)
	return sub
}

func (f *Feed) receiveLoop(ctx context.Context, onInsert func(domain.Message), done chan<- struct{}) {
	defer close(done)
	backoff := initialBackoff
	for {
		if ctx.Err() != nil {
			return
		}
		pubsub := f.client.Subscribe(ctx, f.channel())
		for {
			raw, err := pubsub.ReceiveMessage(ctx)
			if err != nil {
				_ = pubsub.Close()
				if ctx.Err() != nil || errors.Is(err, context.Canceled) {
					return
				}
				slog.Warn("feed disconnected, reconnecting", "room", f.room, "backoff", backoff.String(), "err", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
				}
				backoff = min(backoff*2, maxBackoff)
				break
			}
			backoff = initialBackoff
			var msg domain.Message
			if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
				slog.Warn("feed event decode failed", "room", f.room, "err", err)
				continue
			}
			onInsert(msg)
		}
	}
}
