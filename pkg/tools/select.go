package tools

import (
	"sort"
	"strings"
)

// Strategy names a tool loading strategy.
type Strategy string

const (
	// StrategyMinimal selects universal tools plus keyword matches from
	// the task description.
	StrategyMinimal Strategy = "minimal"
	// StrategyAgentProfile selects the agent's declared recommended and
	// shared tools.
	StrategyAgentProfile Strategy = "agent_profile"
	// StrategyProgressive is minimal plus the critical/high tools of the
	// agent profile.
	StrategyProgressive Strategy = "progressive"
	// StrategyFull selects every discovered tool. Expensive in tokens.
	StrategyFull Strategy = "full"
)

// AgentProfile is an agent's static tool configuration.
type AgentProfile struct {
	RecommendedTools []string
	SharedTools      []string
}

// DefaultMaxTools is the default selection size limit.
const DefaultMaxTools = 60

// Select computes the ordered tool set for one agent invocation.
// It is a pure function of its inputs: the same (task, profile, strategy,
// snapshot, limit) always yields the identical ordered list.
//
// Order is catalog discovery order. When the selection exceeds limit, the
// tie-break keeps all critical tools, then high in discovery order, then
// medium, dropping low first.
func Select(taskDescription string, profile AgentProfile, strategy Strategy, snap *Snapshot, limit int) []Descriptor {
	if limit <= 0 {
		limit = DefaultMaxTools
	}

	var picked map[string]bool
	switch strategy {
	case StrategyFull:
		picked = make(map[string]bool, len(snap.Tools))
		for _, d := range snap.Tools {
			picked[d.Name] = true
		}
	case StrategyAgentProfile:
		picked = profileSet(profile, snap)
	case StrategyProgressive:
		picked = minimalSet(taskDescription, snap)
		for name := range profileSet(profile, snap) {
			if d, ok := snap.Lookup(name); ok {
				if d.Priority == PriorityCritical || d.Priority == PriorityHigh {
					picked[name] = true
				}
			}
		}
	default: // StrategyMinimal
		picked = minimalSet(taskDescription, snap)
	}

	// Materialise in discovery order.
	selected := make([]Descriptor, 0, len(picked))
	for _, d := range snap.Tools {
		if picked[d.Name] {
			selected = append(selected, d)
		}
	}

	if len(selected) <= limit {
		return selected
	}
	return truncate(selected, limit)
}

// minimalSet is the universal tools plus tools whose tags match any
// keyword of the task description (lower-cased, whitespace-tokenised).
func minimalSet(taskDescription string, snap *Snapshot) map[string]bool {
	picked := make(map[string]bool)
	for _, d := range snap.Universal() {
		picked[d.Name] = true
	}

	keywords := make(map[string]bool)
	for _, tok := range strings.Fields(strings.ToLower(taskDescription)) {
		keywords[tok] = true
	}
	for _, d := range snap.Tools {
		for _, tag := range d.Tags {
			if keywords[strings.ToLower(tag)] {
				picked[d.Name] = true
				break
			}
		}
	}
	return picked
}

func profileSet(profile AgentProfile, snap *Snapshot) map[string]bool {
	picked := make(map[string]bool)
	for _, name := range profile.RecommendedTools {
		if _, ok := snap.Lookup(name); ok {
			picked[name] = true
		}
	}
	for _, name := range profile.SharedTools {
		if _, ok := snap.Lookup(name); ok {
			picked[name] = true
		}
	}
	return picked
}

// truncate applies the priority tie-break. Stable within each priority
// class: discovery order is preserved.
func truncate(selected []Descriptor, limit int) []Descriptor {
	indexed := make([]int, len(selected))
	for i := range indexed {
		indexed[i] = i
	}
	sort.SliceStable(indexed, func(a, b int) bool {
		return selected[indexed[a]].Priority.rank() < selected[indexed[b]].Priority.rank()
	})

	keep := make(map[int]bool, limit)
	for _, idx := range indexed[:limit] {
		keep[idx] = true
	}

	out := make([]Descriptor, 0, limit)
	for i, d := range selected {
		if keep[i] {
			out = append(out, d)
		}
	}
	return out
}
