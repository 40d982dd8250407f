package mqtt

import (
	"fmt"
	"strings"
)

// Topics builds the topic names below a configured prefix.
//
//	Topics{Prefix: "motiond"}.AreaState("Living Room")
//	// Returns: "motiond/area/living-room/state"
type Topics struct {
	Prefix string
}

// AreaState is the retained state topic of one area.
func (t Topics) AreaState(area string) string {
	return fmt.Sprintf("%s/area/%s/state", t.Prefix, Slug(area))
}

// Status carries the daemon's online/offline status and its Last Will.
func (t Topics) Status() string {
	return t.Prefix + "/status"
}

// Slug lowercases name and replaces every run of characters outside
// [a-z0-9] with a single dash.
func Slug(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	s := strings.TrimSuffix(b.String(), "-")
	if s == "" {
		return "area"
	}
	return s
}
