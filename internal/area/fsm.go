package area

// FloorBrightness is the lowest meaningful non-off brightness. At or below it
// the next step is switching off rather than dimming further.
const FloorBrightness = 2

// Phase is the lifecycle state of an area.
type Phase int

const (
	// PhaseUntracked means no timer chain is running and the hub state is not
	// known to match what the controller last applied (startup, external
	// override, or a failed command).
	PhaseUntracked Phase = iota
	// PhaseOff means the last command was "off" and no timer is pending.
	PhaseOff
	// PhaseActive means the light is at schedule brightness with a dim
	// (or hard off) timer pending.
	PhaseActive
	// PhaseDimmed means the light is at reduced brightness with an off timer pending.
	PhaseDimmed
)

// String returns a human-readable name for the phase.
func (p Phase) String() string {
	switch p {
	case PhaseUntracked:
		return "untracked"
	case PhaseOff:
		return "off"
	case PhaseActive:
		return "active"
	case PhaseDimmed:
		return "dimmed"
	default:
		return "unknown"
	}
}

// Action is what a pending timer does when it fires.
type Action int

const (
	// ActionDim re-validates the hub state and halves the brightness.
	ActionDim Action = iota
	// ActionSoftOff re-validates, fades to the floor, then switches off.
	ActionSoftOff
	// ActionHardOff switches off.
	ActionHardOff
)

// String returns a human-readable name for the action.
func (a Action) String() string {
	switch a {
	case ActionDim:
		return "dim"
	case ActionSoftOff:
		return "soft_off"
	case ActionHardOff:
		return "hard_off"
	default:
		return "unknown"
	}
}

// nextAfter picks the follow-up action for a freshly applied brightness.
func nextAfter(brightness int, dimmable Action) Action {
	if brightness > FloorBrightness {
		return dimmable
	}
	return ActionHardOff
}
