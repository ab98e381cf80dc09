package tools

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func catalogFixture() []Descriptor {
	return []Descriptor{
		{Name: "read_file", Server: "fs", Priority: PriorityCritical, Tags: []string{"universal"}},
		{Name: "write_file", Server: "fs", Priority: PriorityCritical, Tags: []string{"universal"}},
		{Name: "git_diff", Server: "git", Priority: PriorityHigh, Tags: []string{"git", "review"}},
		{Name: "git_commit", Server: "git", Priority: PriorityHigh, Tags: []string{"git"}},
		{Name: "deploy_service", Server: "infra", Priority: PriorityHigh, Tags: []string{"deploy", "infra"}},
		{Name: "terraform_plan", Server: "infra", Priority: PriorityMedium, Tags: []string{"terraform", "infra"}},
		{Name: "render_docs", Server: "docs", Priority: PriorityLow, Tags: []string{"docs", "readme"}},
		{Name: "spellcheck", Server: "docs", Priority: PriorityLow, Tags: []string{"docs"}},
	}
}

func snapFixture() *Snapshot {
	return newSnapshot(catalogFixture(), time.Now())
}

func TestSelectMinimal(t *testing.T) {
	snap := snapFixture()

	got := Select("deploy the api to staging", AgentProfile{}, StrategyMinimal, snap, 0)

	names := toolNames(got)
	// Universal set plus the "deploy" tag match, in discovery order.
	assert.Equal(t, []string{"read_file", "write_file", "deploy_service"}, names)
}

func TestSelectMinimalNoMatchesFallsBackToUniversal(t *testing.T) {
	snap := snapFixture()
	got := Select("何かを", AgentProfile{}, StrategyMinimal, snap, 0)
	assert.Equal(t, []string{"read_file", "write_file"}, toolNames(got))
}

func TestSelectAgentProfile(t *testing.T) {
	snap := snapFixture()
	profile := AgentProfile{
		RecommendedTools: []string{"git_diff", "git_commit", "no_such_tool"},
		SharedTools:      []string{"read_file"},
	}

	got := Select("anything", profile, StrategyAgentProfile, snap, 0)
	assert.Equal(t, []string{"read_file", "git_diff", "git_commit"}, toolNames(got))
}

func TestSelectProgressive(t *testing.T) {
	snap := snapFixture()
	profile := AgentProfile{
		RecommendedTools: []string{"git_diff", "terraform_plan"}, // medium profile tool excluded
	}

	got := Select("update readme docs", profile, StrategyProgressive, snap, 0)
	// minimal: universal + docs/readme tags; progressive adds high-priority git_diff
	// but not the medium terraform_plan.
	assert.Equal(t, []string{"read_file", "write_file", "git_diff", "render_docs", "spellcheck"}, toolNames(got))
}

func TestSelectFull(t *testing.T) {
	snap := snapFixture()
	got := Select("", AgentProfile{}, StrategyFull, snap, 0)
	assert.Len(t, got, len(catalogFixture()))
}

func TestSelectLimitDropsLowFirst(t *testing.T) {
	snap := snapFixture()

	got := Select("", AgentProfile{}, StrategyFull, snap, 6)

	names := toolNames(got)
	assert.Len(t, names, 6)
	assert.NotContains(t, names, "render_docs")
	assert.NotContains(t, names, "spellcheck")
	// Survivors stay in discovery order.
	assert.Equal(t, []string{"read_file", "write_file", "git_diff", "git_commit", "deploy_service", "terraform_plan"}, names)
}

func TestSelectDeterministic(t *testing.T) {
	snap := snapFixture()
	profile := AgentProfile{RecommendedTools: []string{"git_diff"}}

	first := Select("fix the deploy pipeline", profile, StrategyProgressive, snap, 4)
	for i := 0; i < 20; i++ {
		again := Select("fix the deploy pipeline", profile, StrategyProgressive, snap, 4)
		require.Equal(t, first, again)
	}
}

func TestHashStable(t *testing.T) {
	a := []Descriptor{{Name: "b"}, {Name: "a"}}
	b := []Descriptor{{Name: "a"}, {Name: "b"}}
	assert.Equal(t, Hash(a), Hash(b))
	assert.NotEqual(t, Hash(a), Hash([]Descriptor{{Name: "a"}}))
}

type failingDiscoverer struct {
	tools []Descriptor
	fail  bool
}

func (d *failingDiscoverer) Discover(context.Context) ([]Descriptor, error) {
	if d.fail {
		return nil, errors.New("discovery unreachable")
	}
	return d.tools, nil
}

func TestCatalogServesStaleOnRefreshFailure(t *testing.T) {
	disc := &failingDiscoverer{tools: catalogFixture()}
	catalog := NewCatalog(disc, time.Millisecond)

	snap := catalog.Snapshot(context.Background())
	require.Len(t, snap.Tools, len(catalogFixture()))

	disc.fail = true
	time.Sleep(5 * time.Millisecond)

	stale := catalog.Snapshot(context.Background())
	assert.Len(t, stale.Tools, len(catalogFixture()))
}

func TestCatalogEmptyWithoutCache(t *testing.T) {
	catalog := NewCatalog(&failingDiscoverer{fail: true}, time.Minute)
	snap := catalog.Snapshot(context.Background())
	assert.Empty(t, snap.Tools)
	assert.Empty(t, snap.Universal())
}

func toolNames(ds []Descriptor) []string {
	names := make([]string, len(ds))
	for i, d := range ds {
		names[i] = d.Name
	}
	return names
}
