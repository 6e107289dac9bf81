// protocol.go defines the companion side of the channel protocol.
//
// Field sequence (C = specializer, S = companion):
//
//	C: string  config_path
//	S: string  resolved_package          (empty if config unreadable)
//	C: bool    identity_matches
//	  if false: (connection ends)
//	S: u32     delay_microseconds
//	S: string  agent_filename             (empty if not found)
//	  if config_mode: override copied internally, nothing on the wire
//	(connection ends)
package companion

import (
	"regexp"
	"strings"
)

// State is a step of the per-connection protocol. States run strictly in
// order; a connection may stop early but never skips or reorders.
type State int

const (
	StateAwaitConfigPath State = iota
	StateResolve
	StateSendPackage
	StateAwaitGate
	StateSendDelay
	StateResolveArtifact
	StateCopyOverride
	StateCopyAgent
	StateClose
)

var stateNames = [...]string{
	StateAwaitConfigPath: "await_config_path",
	StateResolve:         "resolve",
	StateSendPackage:     "send_package",
	StateAwaitGate:       "await_gate",
	StateSendDelay:       "send_delay",
	StateResolveArtifact: "resolve_artifact",
	StateCopyOverride:    "copy_override",
	StateCopyAgent:       "copy_agent",
	StateClose:           "close",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

var packagePattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.]*$`)

// ValidPackage reports whether name is safe to join under the data root.
// Android package names are dot-separated Java identifiers; anything with a
// separator, a leading dot or an empty segment is refused.
func ValidPackage(name string) bool {
	return len(name) <= 255 &&
		packagePattern.MatchString(name) &&
		!strings.Contains(name, "..") &&
		!strings.HasSuffix(name, ".")
}
