package provider

import (
	"testing"

	"github.com/matheus3301/chathub/internal/model"
)

func TestEmitterRegistrationOrder(t *testing.T) {
	var e Emitter
	var order []string

	e.Subscribe(func(Event) { order = append(order, "first") })
	e.Subscribe(func(Event) { order = append(order, "second") })
	e.Subscribe(func(Event) { order = append(order, "third") })

	e.Emit(Event{Kind: EventChatUpdated, Source: model.SourceTelegram})

	want := []string{"first", "second", "third"}
	if len(order) != len(want) {
		t.Fatalf("got %d deliveries, want %d", len(order), len(want))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("delivery %d: got %q, want %q", i, order[i], want[i])
		}
	}
}

func TestEmitterUnsubscribe(t *testing.T) {
	var e Emitter
	calls := 0

	id := e.Subscribe(func(Event) { calls++ })
	e.Emit(Event{Kind: EventChatUpdated})
	e.Unsubscribe(id)
	e.Emit(Event{Kind: EventChatUpdated})

	if calls != 1 {
		t.Errorf("got %d calls, want 1", calls)
	}
}

func TestEmitterUnknownHandle(t *testing.T) {
	var e Emitter
	e.Unsubscribe(99) // must not panic
}
