package bus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func waitFor(t *testing.T, ch <-chan *domain.Message) *domain.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
		return nil
	}
}

func TestChannelBus(t *testing.T) {
	bus := NewChannelBus(100)
	defer bus.Close()

	ctx := context.Background()

	t.Run("PublishAndSubscribe", func(t *testing.T) {
		got := make(chan *domain.Message, 1)

		_, err := bus.Subscribe(ctx, domain.TopicBatchSubmitted, func(ctx context.Context, msg *domain.Message) error {
			got <- msg
			return nil
		})
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}

		payload, _ := json.Marshal(domain.BatchSubmittedEvent{BatchID: "batch-1", Mode: domain.ModeHybrid})
		if err := bus.Publish(ctx, domain.TopicBatchSubmitted, payload); err != nil {
			t.Fatalf("publish failed: %v", err)
		}

		msg := waitFor(t, got)
		if msg.Topic != domain.TopicBatchSubmitted || msg.ID == "" {
			t.Errorf("unexpected envelope: %+v", msg)
		}

		var event domain.BatchSubmittedEvent
		if err := json.Unmarshal(msg.Payload, &event); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if event.BatchID != "batch-1" {
			t.Errorf("expected batch-1, got %s", event.BatchID)
		}
	})

	t.Run("TopicIsolation", func(t *testing.T) {
		var other atomic.Int32
		got := make(chan *domain.Message, 1)

		bus.Subscribe(ctx, "kestrel.test.a", func(ctx context.Context, msg *domain.Message) error {
			got <- msg
			return nil
		})
		bus.Subscribe(ctx, "kestrel.test.b", func(ctx context.Context, msg *domain.Message) error {
			other.Add(1)
			return nil
		})

		bus.Publish(ctx, "kestrel.test.a", []byte("a"))
		waitFor(t, got)

		if other.Load() != 0 {
			t.Errorf("other topic should receive 0 messages, got %d", other.Load())
		}
	})

	t.Run("Unsubscribe", func(t *testing.T) {
		got := make(chan *domain.Message, 2)

		sub, _ := bus.Subscribe(ctx, "kestrel.test.unsub", func(ctx context.Context, msg *domain.Message) error {
			got <- msg
			return nil
		})

		bus.Publish(ctx, "kestrel.test.unsub", []byte("msg1"))
		waitFor(t, got)

		if err := sub.Unsubscribe(); err != nil {
			t.Fatalf("unsubscribe failed: %v", err)
		}
		bus.Publish(ctx, "kestrel.test.unsub", []byte("msg2"))

		select {
		case msg := <-got:
			t.Errorf("unexpected message after unsubscribe: %s", msg.Payload)
		case <-time.After(50 * time.Millisecond):
		}

		bus.mu.RLock()
		_, still := bus.subscriptions["kestrel.test.unsub"]
		bus.mu.RUnlock()
		if still {
			t.Error("subscription should be removed from the bus")
		}
	})

	t.Run("MultipleSubscribers", func(t *testing.T) {
		got1 := make(chan *domain.Message, 1)
		got2 := make(chan *domain.Message, 1)

		bus.Subscribe(ctx, "kestrel.test.multi", func(ctx context.Context, msg *domain.Message) error {
			got1 <- msg
			return nil
		})
		bus.Subscribe(ctx, "kestrel.test.multi", func(ctx context.Context, msg *domain.Message) error {
			got2 <- msg
			return nil
		})

		bus.Publish(ctx, "kestrel.test.multi", []byte("broadcast"))

		if a, b := waitFor(t, got1), waitFor(t, got2); a.ID != b.ID {
			t.Errorf("subscribers should see the same message, got %s and %s", a.ID, b.ID)
		}
	})

	t.Run("HandlerErrorKeepsSubscription", func(t *testing.T) {
		var calls atomic.Int32
		done := make(chan *domain.Message, 2)

		bus.Subscribe(ctx, "kestrel.test.err", func(ctx context.Context, msg *domain.Message) error {
			calls.Add(1)
			done <- msg
			return errors.New("boom")
		})

		bus.Publish(ctx, "kestrel.test.err", []byte("1"))
		bus.Publish(ctx, "kestrel.test.err", []byte("2"))
		waitFor(t, done)
		waitFor(t, done)

		if calls.Load() != 2 {
			t.Errorf("expected 2 calls, got %d", calls.Load())
		}
	})

	t.Run("Ping", func(t *testing.T) {
		if err := bus.Ping(ctx); err != nil {
			t.Errorf("ping failed: %v", err)
		}
	})

	t.Run("SubscriptionTopic", func(t *testing.T) {
		sub, _ := bus.Subscribe(ctx, domain.TopicRunCompleted, func(ctx context.Context, msg *domain.Message) error {
			return nil
		})

		if sub.Topic() != domain.TopicRunCompleted {
			t.Errorf("expected topic %s, got %s", domain.TopicRunCompleted, sub.Topic())
		}
	})
}

func TestChannelBusClose(t *testing.T) {
	bus := NewChannelBus(100)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool

	bus.Subscribe(ctx, "kestrel.test.close", func(ctx context.Context, msg *domain.Message) error {
		close(started)
		<-release
		finished.Store(true)
		return nil
	})
	bus.Publish(ctx, "kestrel.test.close", []byte("data"))
	<-started

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()

	if err := bus.Close(); err != nil {
		t.Errorf("close failed: %v", err)
	}
	if !finished.Load() {
		t.Error("close should wait for running handlers")
	}

	if err := bus.Publish(ctx, "kestrel.test.close", []byte("data")); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if _, err := bus.Subscribe(ctx, "kestrel.test.close", nil); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if err := bus.Ping(ctx); err == nil {
		t.Error("expected ping error after close")
	}
	if err := bus.Close(); err != nil {
		t.Errorf("second close should be a no-op: %v", err)
	}
}

func TestNewBus(t *testing.T) {
	t.Run("ChannelType", func(t *testing.T) {
		bus, err := New(domain.EventBusConfig{Type: "channel", ChannelBufferSize: 50})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer bus.Close()

		if _, ok := bus.(*ChannelBus); !ok {
			t.Error("expected ChannelBus for channel type")
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		if _, err := New(domain.EventBusConfig{Type: "kafka"}); !errors.Is(err, domain.ErrInvalidConfig) {
			t.Errorf("expected ErrInvalidConfig for unsupported type, got %v", err)
		}
	})

	t.Run("EmptyTypeDefaultsToChannel", func(t *testing.T) {
		bus, err := New(domain.EventBusConfig{})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer bus.Close()

		if _, ok := bus.(*ChannelBus); !ok {
			t.Error("expected ChannelBus for empty type")
		}
	})
}

func TestNATSDefaults(t *testing.T) {
	cfg := withNATSDefaults(domain.EventBusConfig{Type: "nats"})
	if cfg.NATSUrl != "nats://127.0.0.1:4222" {
		t.Errorf("unexpected default url: %s", cfg.NATSUrl)
	}
	if cfg.NATSMaxReconnects != 10 || cfg.NATSReconnectWait != 5 {
		t.Errorf("unexpected reconnect defaults: %+v", cfg)
	}

	withToken := natsOptions(domain.EventBusConfig{NATSToken: "secret", NATSMaxReconnects: 1, NATSReconnectWait: 1})
	without := natsOptions(domain.EventBusConfig{NATSMaxReconnects: 1, NATSReconnectWait: 1})
	if len(withToken) != len(without)+1 {
		t.Errorf("expected token option to be appended")
	}
}

func TestDecodeEnvelope(t *testing.T) {
	data, _ := json.Marshal(newMessage(domain.TopicVerdictFlagged, []byte(`{"runId":"r"}`)))

	msg, err := decodeEnvelope(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if msg.Topic != domain.TopicVerdictFlagged || string(msg.Payload) != `{"runId":"r"}` {
		t.Errorf("unexpected message: %+v", msg)
	}

	if _, err := decodeEnvelope([]byte("not json")); err == nil {
		t.Error("expected error for malformed envelope")
	}
}

func TestChannelBusHighLoad(t *testing.T) {
	bus := NewChannelBus(1000)
	defer bus.Close()

	ctx := context.Background()

	var received atomic.Int32
	const messageCount = 100

	var wg sync.WaitGroup
	wg.Add(messageCount)

	bus.Subscribe(ctx, "kestrel.test.load", func(ctx context.Context, msg *domain.Message) error {
		received.Add(1)
		wg.Done()
		return nil
	})

	for i := 0; i < messageCount; i++ {
		bus.Publish(ctx, "kestrel.test.load", []byte("msg"))
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if received.Load() != messageCount {
			t.Errorf("expected %d messages, got %d", messageCount, received.Load())
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout: received %d/%d messages", received.Load(), messageCount)
	}
}
