// Package events publishes delivery events from the companion to NATS.
//
// The feed is optional and operator-facing: each file the companion copies
// into an app directory (or fails to) produces one "delivery" event on
// <subject>.<package>. Publishing never blocks or fails a companion request;
// errors are logged and dropped.
package events

import (
	"encoding/json"
	"strings"
	"time"
)

// TypeDelivery is the envelope type for delivery events.
const TypeDelivery = "delivery"

// Envelope wraps all published messages with type information.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp string          `json:"timestamp"`
}

// Delivery describes one privileged copy.
type Delivery struct {
	Package string `json:"package"`
	Path    string `json:"path"`
	Role    string `json:"role"`
	Arch    string `json:"arch"`
	Digest  string `json:"digest,omitempty"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
}

// Encode wraps d in an envelope stamped with at.
func Encode(d Delivery, at time.Time) ([]byte, error) {
	payload, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{
		Type:      TypeDelivery,
		Payload:   payload,
		Timestamp: at.UTC().Format(time.RFC3339),
	})
}

// Subject returns the subject for a package. Dots in package names would
// add subject tokens, so they are replaced with underscores.
func Subject(prefix, pkg string) string {
	return prefix + "." + strings.ReplaceAll(pkg, ".", "_")
}
