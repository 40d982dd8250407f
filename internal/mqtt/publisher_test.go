package mqtt

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/dokzlo13/motiond/internal/clock"
	"github.com/dokzlo13/motiond/internal/eventbus"
)

type sent struct {
	topic    string
	retained bool
	payload  StatePayload
}

func newTestPublisher(t *testing.T) (*Publisher, *[]sent) {
	t.Helper()
	clk := clock.Fake(time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC))
	p, err := New(Config{Broker: "tcp://127.0.0.1:1", ClientID: "motiond", TopicPrefix: "motiond", QoS: 1}, clk)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var out []sent
	p.send = func(topic string, retained bool, data []byte) error {
		var sp StatePayload
		if err := json.Unmarshal(data, &sp); err != nil {
			t.Fatalf("payload is not JSON: %v", err)
		}
		out = append(out, sent{topic: topic, retained: retained, payload: sp})
		return nil
	}
	return p, &out
}

func TestHandlePublishesTransition(t *testing.T) {
	p, out := newTestPublisher(t)
	at := time.Date(2026, 1, 1, 8, 2, 0, 0, time.UTC)

	p.Handle(eventbus.Event{
		Type: eventbus.EventTypeTransition,
		Data: map[string]interface{}{
			"area":       "Living Room",
			"phase":      "dimmed",
			"brightness": 128,
			"chain":      "c1",
			"reason":     "dim",
			"at":         at,
		},
	})

	if len(*out) != 1 {
		t.Fatalf("published %d messages, want 1", len(*out))
	}
	got := (*out)[0]
	if got.topic != "motiond/area/living-room/state" || !got.retained {
		t.Errorf("topic = %q retained = %v", got.topic, got.retained)
	}
	if got.payload.Phase != "dimmed" || got.payload.Reason != "dim" || got.payload.Chain != "c1" {
		t.Errorf("payload = %+v", got.payload)
	}
	if got.payload.Brightness == nil || *got.payload.Brightness != 128 {
		t.Errorf("brightness = %v, want 128", got.payload.Brightness)
	}
	if got.payload.Timestamp != "2026-01-01T08:02:00Z" {
		t.Errorf("timestamp = %q", got.payload.Timestamp)
	}
}

func TestHandleOverrideMarksUntracked(t *testing.T) {
	p, out := newTestPublisher(t)

	p.Handle(eventbus.Event{
		Type: eventbus.EventTypeOverride,
		Data: map[string]interface{}{"area": "hall", "phase": "active"},
	})

	if len(*out) != 1 {
		t.Fatalf("published %d messages, want 1", len(*out))
	}
	got := (*out)[0].payload
	if got.Phase != "untracked" || got.Reason != "override" || got.Brightness != nil {
		t.Errorf("payload = %+v", got)
	}
	if got.Timestamp != "2026-01-01T08:00:00Z" {
		t.Errorf("timestamp = %q, want clock time", got.Timestamp)
	}
}

func TestHandleIgnoresOtherEvents(t *testing.T) {
	p, out := newTestPublisher(t)

	p.Handle(eventbus.Event{Type: eventbus.EventTypePresence, Data: map[string]interface{}{"area": "hall"}})
	p.Handle(eventbus.Event{Type: eventbus.EventTypeCommandFailed, Data: map[string]interface{}{"area": "hall"}})
	p.Handle(eventbus.Event{Type: eventbus.EventTypeTransition, Data: map[string]interface{}{}})

	if len(*out) != 0 {
		t.Errorf("published %d messages, want 0", len(*out))
	}
}

func TestNewValidates(t *testing.T) {
	if _, err := New(Config{}, nil); !errors.Is(err, ErrInvalidBroker) {
		t.Errorf("New(no broker) = %v, want ErrInvalidBroker", err)
	}
	if _, err := New(Config{Broker: "tcp://localhost:1883", QoS: 3}, nil); !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("New(qos 3) = %v, want ErrInvalidQoS", err)
	}
}

func TestSlug(t *testing.T) {
	tests := map[string]string{
		"hall":             "hall",
		"Living Room":      "living-room",
		"  Kid's room #2 ": "kid-s-room-2",
		"Küche":            "k-che",
		"!!!":              "area",
	}
	for in, want := range tests {
		if got := Slug(in); got != want {
			t.Errorf("Slug(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestStatusPayload(t *testing.T) {
	data := buildStatusPayload("offline", "motiond", "graceful_shutdown", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	want := `{"status":"offline","client_id":"motiond","reason":"graceful_shutdown","timestamp":"2026-01-01T00:00:00Z"}`
	if string(data) != want {
		t.Errorf("payload = %s, want %s", data, want)
	}
}
