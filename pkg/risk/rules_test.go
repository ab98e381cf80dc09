package risk

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coderelay/relay/pkg/model"
)

func TestAssessDefaults(t *testing.T) {
	assessor, err := NewAssessor(nil)
	require.NoError(t, err)

	tests := []struct {
		name         string
		op           model.PendingOperation
		wantRule     string
		wantLevel    model.RiskLevel
		wantApproval bool
	}{
		{
			name:         "production deploy is critical",
			op:           model.PendingOperation{Kind: "deploy", Environment: "production"},
			wantRule:     "prod_deploy",
			wantLevel:    model.RiskCritical,
			wantApproval: true,
		},
		{
			name:         "staging deploy falls through to default",
			op:           model.PendingOperation{Kind: "deploy", Environment: "staging"},
			wantRule:     "default",
			wantLevel:    model.RiskLow,
			wantApproval: false,
		},
		{
			name:         "terraform apply in staging is high",
			op:           model.PendingOperation{Kind: "terraform_apply", Environment: "staging"},
			wantRule:     "infra_change",
			wantLevel:    model.RiskHigh,
			wantApproval: true,
		},
		{
			name:         "terraform apply in dev is default",
			op:           model.PendingOperation{Kind: "terraform_apply", Environment: "dev"},
			wantRule:     "default",
			wantLevel:    model.RiskLow,
			wantApproval: false,
		},
		{
			name:         "db migration needs approval in any environment",
			op:           model.PendingOperation{Kind: "db_migrate", Environment: "dev"},
			wantRule:     "db_migration",
			wantLevel:    model.RiskMedium,
			wantApproval: true,
		},
		{
			name:         "docs update is low without approval",
			op:           model.PendingOperation{Kind: "update_docs"},
			wantRule:     "docs_update",
			wantLevel:    model.RiskLow,
			wantApproval: false,
		},
		{
			name:         "unknown kind defaults to low",
			op:           model.PendingOperation{Kind: "make_coffee"},
			wantRule:     "default",
			wantLevel:    model.RiskLow,
			wantApproval: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := assessor.Assess(tt.op)
			assert.Equal(t, tt.wantRule, got.Rule)
			assert.Equal(t, tt.wantLevel, got.Level)
			assert.Equal(t, tt.wantApproval, got.RequiresApproval)
		})
	}
}

func TestLoadRulesFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
rules:
  - name: everything_is_critical
    kinds: [deploy]
    risk: critical
    approval: true
  - name: default
    risk: low
    approval: false
`), 0o600))

	rules, err := LoadRules(path)
	require.NoError(t, err)
	require.Len(t, rules, 2)

	assessor, err := NewAssessor(rules)
	require.NoError(t, err)

	got := assessor.Assess(model.PendingOperation{Kind: "deploy", Environment: "dev"})
	assert.Equal(t, model.RiskCritical, got.Level)
	assert.True(t, got.RequiresApproval)
}

func TestRuleValidation(t *testing.T) {
	t.Run("rejects empty set", func(t *testing.T) {
		_, err := NewAssessor([]Rule{})
		assert.Error(t, err)
	})

	t.Run("rejects invalid level", func(t *testing.T) {
		_, err := NewAssessor([]Rule{{Name: "bad", Level: "catastrophic"}})
		assert.Error(t, err)
	})

	t.Run("rejects missing catch-all", func(t *testing.T) {
		_, err := NewAssessor([]Rule{{Name: "only", Kinds: []string{"deploy"}, Level: "low"}})
		assert.Error(t, err)
	})
}

func TestReloadSwapsRules(t *testing.T) {
	assessor, err := NewAssessor(nil)
	require.NoError(t, err)

	require.NoError(t, assessor.Reload([]Rule{
		{Name: "paranoid", Level: "critical", RequiresApproval: true},
	}))

	got := assessor.Assess(model.PendingOperation{Kind: "update_docs"})
	assert.Equal(t, "paranoid", got.Rule)
	assert.True(t, got.RequiresApproval)
}
