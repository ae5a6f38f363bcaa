package bus

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within 1s")
}

func TestMemory_PublishSubscribe(t *testing.T) {
	b := NewMemory(MemoryOptions{}, nil)
	defer b.Close()
	ctx := context.Background()

	var got atomic.Value
	sub, err := b.Subscribe(ctx, "/notification/+/+", func(ctx context.Context, msg Message) {
		got.Store(msg.Topic + "=" + string(msg.Payload))
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := b.Publish(ctx, "/notification/bid/3", []byte("3")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	waitFor(t, func() bool { return got.Load() != nil })
	if v := got.Load().(string); v != "/notification/bid/3=3" {
		t.Errorf("delivered %q", v)
	}

	if err := sub.Unsubscribe(); err != nil {
		t.Errorf("Unsubscribe failed: %v", err)
	}
}

func TestMemory_Duplicates(t *testing.T) {
	b := NewMemory(MemoryOptions{Duplicates: 2}, nil)
	defer b.Close()
	ctx := context.Background()

	var n atomic.Int32
	_, _ = b.Subscribe(ctx, "/agent/grid", func(context.Context, Message) { n.Add(1) })
	_ = b.Publish(ctx, "/agent/grid", nil)

	waitFor(t, func() bool { return n.Load() == 3 })
}

func TestMemory_PublishPayloadCopied(t *testing.T) {
	b := NewMemory(MemoryOptions{}, nil)
	defer b.Close()
	ctx := context.Background()

	got := make(chan string, 1)
	_, _ = b.Subscribe(ctx, "/x", func(_ context.Context, msg Message) { got <- string(msg.Payload) })

	payload := []byte("7")
	_ = b.Publish(ctx, "/x", payload)
	payload[0] = '9'

	select {
	case v := <-got:
		if v != "7" {
			t.Errorf("payload = %q, want 7", v)
		}
	case <-time.After(time.Second):
		t.Fatal("no delivery")
	}
}

func TestMemory_Closed(t *testing.T) {
	b := NewMemory(MemoryOptions{}, nil)
	_ = b.Close()
	ctx := context.Background()

	if err := b.Publish(ctx, "/x", nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Publish after Close = %v, want ErrClosed", err)
	}
	if _, err := b.Subscribe(ctx, "/x", func(context.Context, Message) {}); !errors.Is(err, ErrClosed) {
		t.Errorf("Subscribe after Close = %v, want ErrClosed", err)
	}
	if err := b.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}
}

func TestMemory_RejectsWildcardPublish(t *testing.T) {
	b := NewMemory(MemoryOptions{}, nil)
	defer b.Close()
	if err := b.Publish(context.Background(), "/agent/+", nil); err == nil {
		t.Error("Publish with wildcard topic should fail")
	}
}
