package stream

import (
	"encoding/json"
	"testing"
	"time"
)

func TestDecisionEvent(t *testing.T) {
	t.Parallel()

	evt := DecisionEvent(json.RawMessage(`{"allowed":true,"reason":"Allow"}`))
	if evt.Type != EventTypeDecision {
		t.Fatalf("expected decision type, got %q", evt.Type)
	}
	if evt.At == "" {
		t.Fatal("expected timestamp")
	}
	var payload map[string]any
	if err := json.Unmarshal(evt.Data, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["reason"] != "Allow" {
		t.Fatalf("unexpected payload: %v", payload)
	}
}

func TestPublishSequencesAndDelivers(t *testing.T) {
	t.Parallel()

	h := NewHub()
	sub := h.Subscribe(4)
	h.Publish(DecisionEvent(nil))
	h.Publish(DecisionEvent(nil))

	first := receive(t, sub)
	second := receive(t, sub)
	if first.Seq != 1 || second.Seq != 2 {
		t.Fatalf("sequence must increase per publish: %d then %d", first.Seq, second.Seq)
	}

	h.Unsubscribe(sub)
	// Must not panic on repeated calls.
	h.Unsubscribe(sub)
}

func TestPublishDropsWhenBufferFull(t *testing.T) {
	t.Parallel()

	h := NewHub()
	slow := h.Subscribe(1)
	h.Publish(DecisionEvent(nil))
	h.Publish(DecisionEvent(nil)) // no room; dropped

	if got := slow.Dropped(); got != 1 {
		t.Fatalf("expected 1 dropped event, got %d", got)
	}
	stats := h.Stats()
	if stats.Subscribers != 1 || stats.Published != 2 || stats.Dropped != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	// The subscriber still sees the first event and detects the gap by Seq.
	evt := receive(t, slow)
	if evt.Seq != 1 {
		t.Fatalf("expected seq 1, got %d", evt.Seq)
	}
}

func TestUnsubscribedReceiverGetsClosedChannel(t *testing.T) {
	t.Parallel()

	h := NewHub()
	sub := h.Subscribe(1)
	h.Unsubscribe(sub)
	if _, ok := <-sub.C; ok {
		t.Fatal("channel must be closed after unsubscribe")
	}
	// Publishing after unsubscribe reaches nobody and must not panic.
	h.Publish(DecisionEvent(nil))
}

func receive(t *testing.T, sub *Subscriber) Event {
	t.Helper()
	select {
	case evt := <-sub.C:
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
		return Event{}
	}
}
