package bus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemoryBus_PublishSubscribe(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	ctx := context.Background()
	received := make(chan *Message, 1)

	sub, err := bus.Subscribe(ctx, "ferryman.task.finished", func(msg *Message) []byte {
		received <- msg
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	err = bus.Publish(ctx, "ferryman.task.finished", []byte(`{"status":"succeeded"}`))
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case msg := <-received:
		if string(msg.Data) != `{"status":"succeeded"}` {
			t.Errorf("unexpected payload %q", string(msg.Data))
		}
		if msg.Subject != "ferryman.task.finished" {
			t.Errorf("unexpected subject %q", msg.Subject)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for message")
	}
}

func TestMemoryBus_Wildcard(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	ctx := context.Background()
	var received atomic.Int32

	sub, err := bus.Subscribe(ctx, "ferryman.pool.*", func(msg *Message) []byte {
		received.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	subjects := []string{
		"ferryman.pool.handle_started",
		"ferryman.pool.handle_crashed",
		"ferryman.task.finished", // should not match
	}
	for _, s := range subjects {
		if err := bus.Publish(ctx, s, []byte("x")); err != nil {
			t.Fatalf("Publish(%s) failed: %v", s, err)
		}
	}

	deadline := time.After(time.Second)
	for received.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("expected 2 messages, got %d", received.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}

	// Give the non-matching publish a moment to (not) arrive.
	time.Sleep(20 * time.Millisecond)
	if got := received.Load(); got != 2 {
		t.Errorf("wildcard matched %d subjects, want 2", got)
	}
}

func TestMemoryBus_Request(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, "ferryman.pool.stats", func(msg *Message) []byte {
		return []byte("ok")
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	reply, err := bus.Request(ctx, "ferryman.pool.stats", nil, time.Second)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if string(reply) != "ok" {
		t.Errorf("reply = %q, want ok", string(reply))
	}
}

func TestMemoryBus_RequestNoResponders(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	_, err := bus.Request(context.Background(), "nobody.home", nil, 100*time.Millisecond)
	if err != ErrNoResponders {
		t.Errorf("err = %v, want ErrNoResponders", err)
	}
}

func TestMemoryBus_Closed(t *testing.T) {
	bus := NewMemoryBus()
	bus.Close()

	if err := bus.Publish(context.Background(), "x", nil); err != ErrClosed {
		t.Errorf("Publish after close = %v, want ErrClosed", err)
	}
	if _, err := bus.Subscribe(context.Background(), "x", func(*Message) []byte { return nil }); err != ErrClosed {
		t.Errorf("Subscribe after close = %v, want ErrClosed", err)
	}
}

func TestMatchSubject(t *testing.T) {
	tests := []struct {
		pattern, subject string
		want             bool
	}{
		{"a.b.c", "a.b.c", true},
		{"a.*.c", "a.b.c", true},
		{"a.*", "a.b.c", false},
		{"a.>", "a.b.c", true},
		{"a.b", "a.b.c", false},
		{"*", "a", true},
	}
	for _, tt := range tests {
		if got := matchSubject(tt.pattern, tt.subject); got != tt.want {
			t.Errorf("matchSubject(%q, %q) = %v, want %v", tt.pattern, tt.subject, got, tt.want)
		}
	}
}
