package area

import "fmt"

// ConfigError reports a missing or contradictory area setting.
type ConfigError struct {
	Area   string
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	name := e.Area
	if name == "" {
		name = "(unnamed)"
	}
	return fmt.Sprintf("area %s: %s: %s", name, e.Field, e.Reason)
}
