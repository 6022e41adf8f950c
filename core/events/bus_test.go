package events

import (
	"testing"

	"github.com/solana-turbin3/Q1-26-Accel-Meowy/core/types"
)

func TestBusFansOutToSinksAndSubscribers(t *testing.T) {
	rec := &Recorder{}
	bus := NewBus(rec, nil)

	ch, cancel := bus.Subscribe(4)
	if bus.Subscribers() != 1 {
		t.Fatalf("expected one subscriber")
	}
	bus.Emit(Payload{Evt: &types.Event{Type: "escrow.opened"}})

	select {
	case evt := <-ch:
		if evt.EventType() != "escrow.opened" {
			t.Fatalf("unexpected event %q", evt.EventType())
		}
	default:
		t.Fatalf("subscriber did not receive event")
	}
	if got := rec.Types(); len(got) != 1 || got[0] != "escrow.opened" {
		t.Fatalf("unexpected recorded events %v", got)
	}

	cancel()
	cancel()
	if bus.Subscribers() != 0 {
		t.Fatalf("expected subscriber removal")
	}
	if _, ok := <-ch; ok {
		t.Fatalf("expected closed channel")
	}
}

func TestBusDropsForSlowSubscriber(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(1)
	defer cancel()
	bus.Emit(Payload{Evt: &types.Event{Type: "a"}})
	bus.Emit(Payload{Evt: &types.Event{Type: "b"}})
	if evt := <-ch; evt.EventType() != "a" {
		t.Fatalf("expected first event to be kept, got %q", evt.EventType())
	}
	select {
	case evt := <-ch:
		t.Fatalf("expected second event dropped, got %q", evt.EventType())
	default:
	}
}

func TestEventCloneIsDeep(t *testing.T) {
	evt := &types.Event{Type: "x", Attributes: map[string]string{"k": "v"}}
	clone := evt.Clone()
	clone.Attributes["k"] = "changed"
	if evt.Attributes["k"] != "v" {
		t.Fatalf("clone shares attributes")
	}
}
