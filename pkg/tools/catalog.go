package tools

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Discoverer enumerates the currently available tools, e.g. by querying
// the configured tool servers.
type Discoverer interface {
	Discover(ctx context.Context) ([]Descriptor, error)
}

// Snapshot is an immutable view of the catalog at one discovery pass.
// Order is discovery order; selection tie-breaks depend on it.
type Snapshot struct {
	Tools      []Descriptor
	FetchedAt  time.Time
	byName     map[string]int
	universals []Descriptor
}

// newSnapshot indexes a tool list.
func newSnapshot(tools []Descriptor, at time.Time) *Snapshot {
	s := &Snapshot{
		Tools:     tools,
		FetchedAt: at,
		byName:    make(map[string]int, len(tools)),
	}
	for i, d := range tools {
		s.byName[d.Name] = i
		if d.Priority == PriorityCritical && d.hasTag(UniversalTag) {
			s.universals = append(s.universals, d)
		}
	}
	return s
}

// Lookup returns the descriptor for a tool name.
func (s *Snapshot) Lookup(name string) (Descriptor, bool) {
	i, ok := s.byName[name]
	if !ok {
		return Descriptor{}, false
	}
	return s.Tools[i], true
}

// Universal returns the universal tool set (critical + "universal" tag).
func (s *Snapshot) Universal() []Descriptor {
	return s.universals
}

// Catalog caches tool discovery results with a TTL. Readers get an atomic
// snapshot pointer; refresh happens under a write lock so concurrent
// readers never observe a partially built snapshot. A failed refresh
// serves the last cached snapshot; with no cache at all, an empty
// snapshot is returned and selection degrades to the universal set
// (which is then also empty).
type Catalog struct {
	discoverer Discoverer
	ttl        time.Duration

	refreshMu sync.Mutex
	current   atomic.Pointer[Snapshot]
}

// NewCatalog creates a catalog. ttl governs how long a snapshot is served
// before the next Snapshot call triggers re-discovery.
func NewCatalog(discoverer Discoverer, ttl time.Duration) *Catalog {
	c := &Catalog{discoverer: discoverer, ttl: ttl}
	c.current.Store(newSnapshot(nil, time.Time{}))
	return c
}

// Snapshot returns the current catalog view, refreshing it when stale.
func (c *Catalog) Snapshot(ctx context.Context) *Snapshot {
	snap := c.current.Load()
	if time.Since(snap.FetchedAt) < c.ttl {
		return snap
	}

	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	// Another goroutine may have refreshed while we waited.
	snap = c.current.Load()
	if time.Since(snap.FetchedAt) < c.ttl {
		return snap
	}

	tools, err := c.discoverer.Discover(ctx)
	if err != nil {
		slog.Warn("Tool discovery failed, serving cached catalog",
			"error", err, "cached_tools", len(snap.Tools), "cached_at", snap.FetchedAt)
		return snap
	}

	fresh := newSnapshot(tools, time.Now())
	c.current.Store(fresh)
	slog.Debug("Tool catalog refreshed", "tools", len(tools))
	return fresh
}

// StaticDiscoverer serves a fixed tool list, e.g. from configuration files
// or tests.
type StaticDiscoverer struct {
	Descriptors []Descriptor
}

// Discover returns the static list.
func (d *StaticDiscoverer) Discover(context.Context) ([]Descriptor, error) {
	return d.Descriptors, nil
}
