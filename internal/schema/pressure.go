package schema

import "strings"

// Pressure represents an escalation level for in-conversation nudges while
// tool-call volume grows inside a rolling window.
type Pressure string

const (
	PressureNone   Pressure = ""
	PressureGentle Pressure = "gentle"
	PressureFirm   Pressure = "firm"
	PressureUrgent Pressure = "urgent"
)

// ParsePressure validates a raw string. Defaults to PressureNone.
func ParsePressure(raw string) Pressure {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "gentle":
		return PressureGentle
	case "firm":
		return PressureFirm
	case "urgent":
		return PressureUrgent
	default:
		return PressureNone
	}
}

// Rank returns the numeric escalation order (higher = more urgent).
// none=0, gentle=1, firm=2, urgent=3.
func (p Pressure) Rank() int {
	switch p {
	case PressureGentle:
		return 1
	case PressureFirm:
		return 2
	case PressureUrgent:
		return 3
	default:
		return 0
	}
}
