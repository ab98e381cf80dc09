// Package risk classifies pending operations into risk levels that drive
// the approval policy. Rules are data-driven and reloadable; evaluation
// is pure.
package risk

import (
	"fmt"
	"os"
	"slices"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"github.com/coderelay/relay/pkg/model"
)

// Rule is one classification rule. The first rule whose condition matches
// wins. Empty condition fields match anything.
type Rule struct {
	Name             string   `yaml:"name"`
	Kinds            []string `yaml:"kinds"`
	Environments     []string `yaml:"environments"`
	Level            string   `yaml:"risk"`
	RequiresApproval bool     `yaml:"approval"`
}

func (r Rule) matches(op model.PendingOperation) bool {
	if len(r.Kinds) > 0 && !slices.Contains(r.Kinds, op.Kind) {
		return false
	}
	if len(r.Environments) > 0 && !slices.Contains(r.Environments, op.Environment) {
		return false
	}
	return true
}

// Assessment is the result of rule evaluation.
type Assessment struct {
	Rule             string
	Level            model.RiskLevel
	RequiresApproval bool
}

// Assessor evaluates a rule set. The rule slice is swapped atomically on
// reload, so concurrent Assess calls always see a consistent set.
type Assessor struct {
	rules atomic.Pointer[[]Rule]
}

// DefaultRules is the built-in policy used when no rules file is
// configured. Unknown kinds fall through to the final default rule.
func DefaultRules() []Rule {
	return []Rule{
		{Name: "prod_deploy", Kinds: []string{"deploy"}, Environments: []string{"production"}, Level: "critical", RequiresApproval: true},
		{Name: "infra_change", Kinds: []string{"terraform_apply", "compose_up", "k8s_apply"}, Environments: []string{"staging", "production"}, Level: "high", RequiresApproval: true},
		{Name: "db_migration", Kinds: []string{"db_migrate"}, Level: "medium", RequiresApproval: true},
		{Name: "docs_update", Kinds: []string{"update_docs"}, Level: "low", RequiresApproval: false},
		{Name: "default", Level: "low", RequiresApproval: false},
	}
}

// NewAssessor creates an assessor with the given rules; nil means the
// built-in defaults.
func NewAssessor(rules []Rule) (*Assessor, error) {
	if rules == nil {
		rules = DefaultRules()
	}
	if err := validateRules(rules); err != nil {
		return nil, err
	}
	a := &Assessor{}
	a.rules.Store(&rules)
	return a, nil
}

// Reload replaces the rule set atomically.
func (a *Assessor) Reload(rules []Rule) error {
	if err := validateRules(rules); err != nil {
		return err
	}
	a.rules.Store(&rules)
	return nil
}

// Assess evaluates the operation against the rules, first match wins.
func (a *Assessor) Assess(op model.PendingOperation) Assessment {
	for _, r := range *a.rules.Load() {
		if r.matches(op) {
			return Assessment{Rule: r.Name, Level: model.RiskLevel(r.Level), RequiresApproval: r.RequiresApproval}
		}
	}
	// Unreachable when the rule set is valid (validateRules requires a
	// catch-all), but keep a safe fallback.
	return Assessment{Rule: "default", Level: model.RiskLow}
}

// LoadRules reads a YAML rules file.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading risk rules: %w", err)
	}
	var doc struct {
		Rules []Rule `yaml:"rules"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing risk rules: %w", err)
	}
	if err := validateRules(doc.Rules); err != nil {
		return nil, err
	}
	return doc.Rules, nil
}

func validateRules(rules []Rule) error {
	if len(rules) == 0 {
		return fmt.Errorf("risk rule set is empty")
	}
	valid := []string{string(model.RiskLow), string(model.RiskMedium), string(model.RiskHigh), string(model.RiskCritical)}
	for _, r := range rules {
		if r.Name == "" {
			return fmt.Errorf("risk rule missing name")
		}
		if !slices.Contains(valid, r.Level) {
			return fmt.Errorf("risk rule %q: invalid level %q", r.Name, r.Level)
		}
	}
	last := rules[len(rules)-1]
	if len(last.Kinds) > 0 || len(last.Environments) > 0 {
		return fmt.Errorf("last risk rule %q must be a catch-all", last.Name)
	}
	return nil
}
