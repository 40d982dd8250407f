package deconz

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Resource kinds used in REST paths and feed messages.
const (
	ResourceLights  = "lights"
	ResourceGroups  = "groups"
	ResourceSensors = "sensors"
)

// Command is the body of a PUT to a light or group action endpoint.
// Unset fields are omitted so the hub leaves them unchanged.
type Command struct {
	On             *bool `json:"on,omitempty"`
	Bri            *int  `json:"bri,omitempty"`
	TransitionTime *int  `json:"transitiontime,omitempty"` // tenths of a second
}

// TurnOn switches the target on at bri.
func TurnOn(bri int) Command {
	on := true
	return Command{On: &on, Bri: &bri}
}

// Fade moves the target to bri over transition.
func Fade(bri int, transition time.Duration) Command {
	ds := int(transition / (100 * time.Millisecond))
	return Command{Bri: &bri, TransitionTime: &ds}
}

// TurnOff switches the target off.
func TurnOff() Command {
	off := false
	return Command{On: &off}
}

// ReportedState is what the hub reports for a light or group.
type ReportedState struct {
	On  bool
	Bri int
}

// targetState covers both the group reply (state.all_on, action.bri) and the
// single light reply (state.on, state.bri).
type targetState struct {
	State struct {
		AllOn *bool `json:"all_on"`
		On    *bool `json:"on"`
		Bri   *int  `json:"bri"`
	} `json:"state"`
	Action *struct {
		Bri *int `json:"bri"`
	} `json:"action"`
}

// DecodeState extracts the power and brightness the hub reports.
func DecodeState(raw []byte) (ReportedState, error) {
	var ts targetState
	if err := json.Unmarshal(raw, &ts); err != nil {
		return ReportedState{}, fmt.Errorf("%w: %v", ErrMalformedState, err)
	}

	on := ts.State.AllOn
	if on == nil {
		on = ts.State.On
	}

	var bri *int
	if ts.Action != nil && ts.Action.Bri != nil {
		bri = ts.Action.Bri
	} else {
		bri = ts.State.Bri
	}

	if on == nil || bri == nil {
		return ReportedState{}, fmt.Errorf("%w: missing on/bri fields", ErrMalformedState)
	}
	return ReportedState{On: *on, Bri: *bri}, nil
}

// EventMessage is a decoded feed frame.
type EventMessage struct {
	Event    string // "e": changed, added, ...
	Resource string // "r": sensors, lights, groups
	Type     string // "t": event
	ID       int
	UniqueID string
	Presence *bool // nil unless the frame carries state.presence
}

// IsPresence reports whether the frame is a sensor frame carrying state.presence.
func (m EventMessage) IsPresence() bool {
	return m.Resource == ResourceSensors && m.Presence != nil
}

type rawEvent struct {
	Event    string `json:"e"`
	ID       string `json:"id"`
	Resource string `json:"r"`
	Type     string `json:"t"`
	UniqueID string `json:"uniqueid"`
	State    *struct {
		Presence *bool `json:"presence"`
	} `json:"state"`
}

// DecodeEvent parses a feed frame. The id must be numeric.
func DecodeEvent(data []byte) (EventMessage, error) {
	var raw rawEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return EventMessage{}, err
	}

	id, err := strconv.Atoi(raw.ID)
	if err != nil {
		return EventMessage{}, fmt.Errorf("non-numeric resource id %q", raw.ID)
	}

	msg := EventMessage{
		Event:    raw.Event,
		Resource: raw.Resource,
		Type:     raw.Type,
		ID:       id,
		UniqueID: raw.UniqueID,
	}
	if raw.State != nil {
		msg.Presence = raw.State.Presence
	}
	return msg, nil
}
