package feed

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"chatroom/pkg/domain"
)

func newTestFeed(t *testing.T) *Feed {
	t.Helper()
	srv := miniredis.RunT(t)
	return New(redis.NewClient(&redis.Options{Addr: srv.Addr()}), "test-room")
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting: %s", msg)
}

func TestFeedDeliversInPublishOrder(t *testing.T) {
	f := newTestFeed(t)

	var mu sync.Mutex
	var got []string
	sub := f.Subscribe(context.Background(), func(msg domain.Message) {
		mu.Lock()
		got = append(got, msg.ID)
		mu.Unlock()
	})
	defer sub.Cancel()

	// Redis drops pubsub messages published before the SUBSCRIBE lands.
	time.Sleep(50 * time.Millisecond)

	for _, id := range []string{"m1", "m2", "m3"} {
		if err := f.Publish(context.Background(), domain.Message{ID: id, Room: "test-room"}); err != nil {
			t.Fatalf("publish %s: %v", id, err)
		}
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, "three deliveries")

	mu.Lock()
	defer mu.Unlock()
	for i, want := range []string{"m1", "m2", "m3"} {
		if got[i] != want {
			t.Fatalf("delivery order = %v", got)
		}
	}
}

func TestSubscriptionCancelStopsDelivery(t *testing.T) {
	f := newTestFeed(t)

	var mu sync.Mutex
	count := 0
	sub := f.Subscribe(context.Background(), func(domain.Message) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	time.Sleep(50 * time.Millisecond)

	sub.Cancel()
	// Second cancel must be safe.
	sub.Cancel()

	if err := f.Publish(context.Background(), domain.Message{ID: "after-cancel"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 0 {
		t.Fatalf("expected no deliveries after cancel, got %d", count)
	}
}

func TestFeedReconnectsAfterDisconnect(t *testing.T) {
	srv := miniredis.RunT(t)
	f := New(redis.NewClient(&redis.Options{Addr: srv.Addr()}), "test-room")

	var mu sync.Mutex
	var got []string
	sub := f.Subscribe(context.Background(), func(msg domain.Message) {
		mu.Lock()
		got = append(got, msg.ID)
		mu.Unlock()
	})
	defer sub.Cancel()
	time.Sleep(50 * time.Millisecond)

	if err := f.Publish(context.Background(), domain.Message{ID: "before"}); err != nil {
		t.Fatalf("publish before: %v", err)
	}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, "delivery before disconnect")

	// Drop every connection; the receive loop must resubscribe on its own.
	srv.Close()
	if err := srv.Restart(); err != nil {
		t.Fatalf("restart miniredis: %v", err)
	}
	waitFor(t, func() bool {
		if err := f.Publish(context.Background(), domain.Message{ID: "after"}); err != nil {
			return false
		}
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= 2
	}, "delivery after reconnect")

	mu.Lock()
	defer mu.Unlock()
	if got[len(got)-1] != "after" {
		t.Fatalf("expected post-reconnect delivery, got %v", got)
	}
}

func TestFeedsAreRoomScoped(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	lobby := New(client, "lobby")
	other := New(client, "other")

	var mu sync.Mutex
	count := 0
	sub := lobby.Subscribe(context.Background(), func(domain.Message) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	defer sub.Cancel()
	time.Sleep(50 * time.Millisecond)

	if err := other.Publish(context.Background(), domain.Message{ID: "x", Room: "other"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 0 {
		t.Fatalf("lobby subscriber received another room's event")
	}
}
