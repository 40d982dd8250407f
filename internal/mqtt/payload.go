package mqtt

import (
	"encoding/json"
	"time"

	"github.com/dokzlo13/motiond/internal/eventbus"
)

// StatePayload is the retained JSON document on an area's state topic.
type StatePayload struct {
	Area       string `json:"area"`
	Phase      string `json:"phase"`
	Brightness *int   `json:"brightness"`
	Chain      string `json:"chain,omitempty"`
	Reason     string `json:"reason,omitempty"`
	DryRun     bool   `json:"dry_run,omitempty"`
	Timestamp  string `json:"timestamp"`
}

// statePayload builds the state document from an area notification.
// It reports false for events without an area.
func statePayload(e eventbus.Event, now time.Time) (StatePayload, bool) {
	area, _ := e.Data["area"].(string)
	if area == "" {
		return StatePayload{}, false
	}

	p := StatePayload{Area: area}
	p.Phase, _ = e.Data["phase"].(string)
	p.Chain, _ = e.Data["chain"].(string)
	p.DryRun, _ = e.Data["dry_run"].(bool)

	switch e.Type {
	case eventbus.EventTypeOverride:
		// An override always ends the chain untracked.
		p.Phase = "untracked"
		p.Reason = "override"
	default:
		p.Reason, _ = e.Data["reason"].(string)
	}

	if bri, ok := e.Data["brightness"].(int); ok {
		p.Brightness = &bri
	}

	at := now
	if t, ok := e.Data["at"].(time.Time); ok {
		at = t
	}
	p.Timestamp = at.UTC().Format(time.RFC3339)
	return p, true
}

type statusPayload struct {
	Status    string `json:"status"`
	ClientID  string `json:"client_id"`
	Reason    string `json:"reason,omitempty"`
	Timestamp string `json:"timestamp"`
}

func buildStatusPayload(status, clientID, reason string, at time.Time) []byte {
	data, _ := json.Marshal(statusPayload{
		Status:    status,
		ClientID:  clientID,
		Reason:    reason,
		Timestamp: at.UTC().Format(time.RFC3339),
	})
	return data
}
