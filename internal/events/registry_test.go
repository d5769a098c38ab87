package events

import (
	"encoding/json"
	"testing"
)

func testRegistry() *Registry {
	return NewRegistry(nil)
}

func TestPublishInRegistrationOrder(t *testing.T) {
	reg := testRegistry()

	var got []string
	reg.Subscribe("new_message", func(json.RawMessage) { got = append(got, "first") })
	reg.Subscribe("new_message", func(json.RawMessage) { got = append(got, "second") })
	reg.Subscribe("new_message", func(json.RawMessage) { got = append(got, "third") })

	reg.Publish("new_message", nil)

	want := []string{"first", "second", "third"}
	if len(got) != len(want) {
		t.Fatalf("expected %d calls, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("call %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestPanickingHandlerDoesNotStopSiblings(t *testing.T) {
	reg := testRegistry()

	var after int
	reg.Subscribe("new_message", func(json.RawMessage) { panic("boom") })
	reg.Subscribe("new_message", func(json.RawMessage) { after++ })

	reg.Publish("new_message", nil)

	if after != 1 {
		t.Fatalf("sibling handler did not run, calls=%d", after)
	}
}

func TestUnsubscribeRemovesOnlyThatHandler(t *testing.T) {
	reg := testRegistry()

	var a, b int
	subA := reg.Subscribe("room_updated", func(json.RawMessage) { a++ })
	reg.Subscribe("room_updated", func(json.RawMessage) { b++ })

	reg.Unsubscribe(subA)
	reg.Publish("room_updated", nil)

	if a != 0 {
		t.Fatalf("removed handler still fired %d times", a)
	}
	if b != 1 {
		t.Fatalf("remaining handler fired %d times, expected 1", b)
	}
}

func TestResubscribeAfterTeardownFiresOnce(t *testing.T) {
	reg := testRegistry()

	var calls int
	handler := func(json.RawMessage) { calls++ }

	// Simulate a logical session: subscribe, tear down, subscribe again.
	reg.Subscribe("new_message", handler)
	reg.UnsubscribeAll()
	reg.Subscribe("new_message", handler)

	reg.Publish("new_message", nil)

	if calls != 1 {
		t.Fatalf("expected exactly one delivery after teardown+resubscribe, got %d", calls)
	}
}

func TestPublishUnknownEventIsNoop(t *testing.T) {
	reg := testRegistry()
	reg.Publish("ghost_event", json.RawMessage(`{"x":1}`))
}

func TestPayloadReachesHandlers(t *testing.T) {
	reg := testRegistry()

	var seen string
	reg.Subscribe("user_typing", func(data json.RawMessage) {
		var payload struct {
			UserName string `json:"userName"`
		}
		if err := json.Unmarshal(data, &payload); err != nil {
			t.Errorf("unmarshal payload: %v", err)
			return
		}
		seen = payload.UserName
	})

	reg.Publish("user_typing", json.RawMessage(`{"userName":"alice"}`))

	if seen != "alice" {
		t.Fatalf("expected payload userName alice, got %q", seen)
	}
}
