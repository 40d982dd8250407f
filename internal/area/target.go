package area

import (
	"fmt"

	"github.com/dokzlo13/motiond/internal/deconz"
)

// Target is the hub resource an area drives: a single light or a group.
type Target struct {
	Kind string // deconz.ResourceLights or deconz.ResourceGroups
	ID   int
}

// NewTarget builds a target from the two optional config fields.
// Exactly one of light and group must be set.
func NewTarget(light, group *int) (Target, error) {
	switch {
	case light != nil && group != nil:
		return Target{}, fmt.Errorf("both target_light and target_group are set")
	case light != nil:
		return LightTarget(*light), nil
	case group != nil:
		return GroupTarget(*group), nil
	default:
		return Target{}, fmt.Errorf("one of target_light or target_group is required")
	}
}

// LightTarget addresses a single light.
func LightTarget(id int) Target {
	return Target{Kind: deconz.ResourceLights, ID: id}
}

// GroupTarget addresses a group of lights.
func GroupTarget(id int) Target {
	return Target{Kind: deconz.ResourceGroups, ID: id}
}

// IsZero reports whether the target is unset.
func (t Target) IsZero() bool {
	return t.Kind == ""
}

func (t Target) valid() bool {
	return (t.Kind == deconz.ResourceLights || t.Kind == deconz.ResourceGroups) && t.ID >= 0
}

func (t Target) String() string {
	return fmt.Sprintf("%s/%d", t.Kind, t.ID)
}
