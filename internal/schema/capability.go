package schema

import "strings"

// Capability represents a tool's subagent-access classification.
type Capability string

const (
	CapabilityFull     Capability = "full"
	CapabilityReadOnly Capability = "read_only"
	CapabilityDenied   Capability = "denied"
)

// ParseCapability validates a raw string. Defaults to CapabilityDenied so an
// unrecognized or missing declaration never widens a subagent's tool set.
func ParseCapability(raw string) Capability {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "full":
		return CapabilityFull
	case "read_only", "readonly":
		return CapabilityReadOnly
	case "denied":
		return CapabilityDenied
	default:
		return CapabilityDenied
	}
}

// Exposed returns true if tools with this capability appear in a subagent's
// registry at all.
func (c Capability) Exposed() bool {
	return c == CapabilityFull || c == CapabilityReadOnly
}
