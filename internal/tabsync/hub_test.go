package tabsync

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
)

func mustSubscribe(t *testing.T, e *Endpoint, fn func([]byte)) func() {
	t.Helper()
	unsub, err := e.Subscribe(fn)
	if err != nil {
		t.Fatalf("failed to subscribe: %v", err)
	}
	return unsub
}

func mustPublish(t *testing.T, e *Endpoint, payload string) {
	t.Helper()
	if err := e.Publish(context.Background(), []byte(payload)); err != nil {
		t.Fatalf("failed to publish %q: %v", payload, err)
	}
}

func TestHub_DeliversToOthersOnly(t *testing.T) {
	hub := NewHub("notification-sync", zap.NewNop())
	a, b, c := hub.Join(), hub.Join(), hub.Join()

	var gotA, gotB, gotC []string
	mustSubscribe(t, a, func(p []byte) { gotA = append(gotA, string(p)) })
	mustSubscribe(t, b, func(p []byte) { gotB = append(gotB, string(p)) })
	mustSubscribe(t, c, func(p []byte) { gotC = append(gotC, string(p)) })

	mustPublish(t, a, "hello")

	if len(gotA) != 0 {
		t.Errorf("sender received its own message: %v", gotA)
	}
	for name, got := range map[string][]string{"b": gotB, "c": gotC} {
		if len(got) != 1 || got[0] != "hello" {
			t.Errorf("%s: expected [hello], got %v", name, got)
		}
	}
}

func TestHub_PayloadIsCopied(t *testing.T) {
	hub := NewHub("notification-sync", zap.NewNop())
	a, b := hub.Join(), hub.Join()

	var got []byte
	mustSubscribe(t, b, func(p []byte) { got = p })

	payload := []byte("state")
	if err := a.Publish(context.Background(), payload); err != nil {
		t.Fatalf("failed to publish: %v", err)
	}
	payload[0] = 'X'

	if string(got) != "state" {
		t.Errorf("expected receiver copy to stay %q, got %q", "state", got)
	}
}

func TestHub_Unsubscribe(t *testing.T) {
	hub := NewHub("notification-sync", zap.NewNop())
	a, b := hub.Join(), hub.Join()

	calls := 0
	unsub := mustSubscribe(t, b, func([]byte) { calls++ })

	mustPublish(t, a, "1")
	unsub()
	unsub()
	mustPublish(t, a, "2")

	if calls != 1 {
		t.Errorf("expected 1 delivery, got %d", calls)
	}
}

func TestHub_Close(t *testing.T) {
	ctx := context.Background()
	hub := NewHub("notification-sync", zap.NewNop())
	a, b := hub.Join(), hub.Join()
	if hub.Members() != 2 {
		t.Fatalf("expected 2 members, got %d", hub.Members())
	}

	calls := 0
	mustSubscribe(t, b, func([]byte) { calls++ })

	for i := 0; i < 2; i++ {
		if err := b.Close(); err != nil {
			t.Fatalf("close %d: %v", i, err)
		}
	}
	if hub.Members() != 1 {
		t.Errorf("expected 1 member after close, got %d", hub.Members())
	}

	mustPublish(t, a, "x")
	if calls != 0 {
		t.Errorf("closed endpoint received %d messages", calls)
	}

	if err := b.Publish(ctx, []byte("x")); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed from Publish, got %v", err)
	}
	if _, err := b.Subscribe(func([]byte) {}); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed from Subscribe, got %v", err)
	}
}
