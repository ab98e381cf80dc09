// Package tools maintains the tool catalog and the progressive loading
// strategies that select a minimal relevant tool set per agent invocation.
package tools

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
)

// Priority ranks a tool for the size-limit tie-break.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// rank orders priorities for the drop rule (lower keeps first).
func (p Priority) rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	default:
		return 3
	}
}

// UniversalTag marks tools included by every strategy.
const UniversalTag = "universal"

// Descriptor is the static metadata of a discovered tool.
type Descriptor struct {
	Name        string   `json:"name" yaml:"name"`
	Server      string   `json:"server" yaml:"server"`
	Description string   `json:"description" yaml:"description"`
	InputSchema string   `json:"input_schema,omitempty" yaml:"input_schema,omitempty"` // JSON Schema
	Priority    Priority `json:"priority" yaml:"priority"`
	Tags        []string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// hasTag reports whether the descriptor carries the given tag.
func (d Descriptor) hasTag(tag string) bool {
	for _, t := range d.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Hash returns a stable content hash of a tool set: sorted tool names fed
// into SHA-256. Used as the binding-cache key component.
func Hash(descriptors []Descriptor) string {
	names := make([]string, len(descriptors))
	for i, d := range descriptors {
		names[i] = d.Name
	}
	sort.Strings(names)

	h := sha256.New()
	for _, name := range names {
		h.Write([]byte(name))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
