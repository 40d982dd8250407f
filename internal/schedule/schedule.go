// Package schedule maps a time of day to a target brightness.
package schedule

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// MaxBrightness is the highest brightness the hub accepts.
const MaxBrightness = 255

// ErrEmpty is returned when a table is built without entries.
var ErrEmpty = errors.New("schedule table has no entries")

// Match patterns like "22:15", "06:30", "7:05"
var fixedPattern = regexp.MustCompile(`^(\d{1,2}):(\d{2})$`)

// Entry sets Brightness from Threshold (offset since local midnight) onwards.
type Entry struct {
	Threshold  time.Duration
	Brightness int
}

// Table is an immutable, threshold-ordered brightness schedule.
// It is safe for concurrent use.
type Table struct {
	entries []Entry
}

// New validates entries and returns a table sorted by threshold.
func New(entries []Entry) (*Table, error) {
	if len(entries) == 0 {
		return nil, ErrEmpty
	}

	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Threshold < sorted[j].Threshold })

	for i, e := range sorted {
		if e.Threshold < 0 || e.Threshold >= 24*time.Hour {
			return nil, fmt.Errorf("threshold %s outside of a day", formatTimeOfDay(e.Threshold))
		}
		if e.Brightness < 0 || e.Brightness > MaxBrightness {
			return nil, fmt.Errorf("brightness %d at %s outside 0-%d", e.Brightness, formatTimeOfDay(e.Threshold), MaxBrightness)
		}
		if i > 0 && sorted[i-1].Threshold == e.Threshold {
			return nil, fmt.Errorf("duplicate threshold %s", formatTimeOfDay(e.Threshold))
		}
	}

	return &Table{entries: sorted}, nil
}

// Parse builds a table from "HH:MM" -> brightness pairs, the configuration form.
func Parse(raw map[string]int) (*Table, error) {
	entries := make([]Entry, 0, len(raw))
	for expr, bri := range raw {
		threshold, err := ParseTimeOfDay(expr)
		if err != nil {
			return nil, err
		}
		entries = append(entries, Entry{Threshold: threshold, Brightness: bri})
	}
	return New(entries)
}

// ParseTimeOfDay parses "HH:MM" into an offset since midnight.
func ParseTimeOfDay(expr string) (time.Duration, error) {
	matches := fixedPattern.FindStringSubmatch(strings.TrimSpace(expr))
	if matches == nil {
		return 0, fmt.Errorf("invalid time of day %q, expected HH:MM", expr)
	}

	hour, _ := strconv.Atoi(matches[1])
	min, _ := strconv.Atoi(matches[2])
	if hour > 23 {
		return 0, fmt.Errorf("invalid hour: %d", hour)
	}
	if min > 59 {
		return 0, fmt.Errorf("invalid minute: %d", min)
	}

	return time.Duration(hour)*time.Hour + time.Duration(min)*time.Minute, nil
}

// TimeOfDay returns the offset of t since midnight in t's location.
func TimeOfDay(t time.Time) time.Duration {
	h, m, s := t.Clock()
	return time.Duration(h)*time.Hour +
		time.Duration(m)*time.Minute +
		time.Duration(s)*time.Second +
		time.Duration(t.Nanosecond())
}

// BrightnessAt returns the brightness of the latest entry whose threshold is
// not after at's time of day, or 0 when at is earlier than every entry.
// With dimDown the result is halved, rounding up.
func (t *Table) BrightnessAt(at time.Time, dimDown bool) int {
	tod := TimeOfDay(at)

	level := 0
	for _, e := range t.entries {
		if e.Threshold > tod {
			break
		}
		level = e.Brightness
	}

	if dimDown {
		level = DimDown(level)
	}
	return level
}

// DimDown halves a brightness with ceiling rounding.
func DimDown(level int) int {
	if level <= 0 {
		return 0
	}
	return (level + 1) / 2
}

// Entries returns a copy of the entries in threshold order.
func (t *Table) Entries() []Entry {
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// String renders the table as "HH:MM=bri" pairs.
func (t *Table) String() string {
	parts := make([]string, len(t.entries))
	for i, e := range t.entries {
		parts[i] = fmt.Sprintf("%s=%d", formatTimeOfDay(e.Threshold), e.Brightness)
	}
	return strings.Join(parts, " ")
}

func formatTimeOfDay(d time.Duration) string {
	return fmt.Sprintf("%02d:%02d", int(d/time.Hour), int(d%time.Hour/time.Minute))
}
