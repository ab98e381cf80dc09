package graph

import (
	"strings"

	"github.com/coderelay/relay/pkg/model"
)

// operationKinds maps task keywords to operation kinds, checked in
// order. Multi-word patterns match as phrases.
var operationKinds = []struct {
	pattern string
	kind    string
}{
	{"terraform apply", "terraform_apply"},
	{"terraform_apply", "terraform_apply"},
	{"docker compose up", "compose_up"},
	{"compose up", "compose_up"},
	{"kubectl apply", "k8s_apply"},
	{"k8s apply", "k8s_apply"},
	{"deploy", "deploy"},
	{"rollout", "deploy"},
	{"migration", "db_migrate"},
	{"migrate", "db_migrate"},
	{"readme", "update_docs"},
	{"documentation", "update_docs"},
	{"docs", "update_docs"},
	{"runbook", "update_docs"},
}

var environments = []string{"production", "prod", "staging", "development", "dev"}

// DeriveOperation extracts the pending operation a task implies, for
// risk assessment before any side effect happens. Returns nil when the
// task maps to no recognised operation kind.
//
// The extraction is lexical and deliberately conservative: an
// unrecognised task yields nil, which the risk rules treat as the
// low-risk default.
func DeriveOperation(task string, pc model.ProjectContext) *model.PendingOperation {
	lowered := strings.ToLower(task)

	var kind string
	for _, k := range operationKinds {
		if strings.Contains(lowered, k.pattern) {
			kind = k.kind
			break
		}
	}
	if kind == "" {
		return nil
	}

	env := ""
	for _, e := range environments {
		if containsWord(lowered, e) {
			env = canonicalEnv(e)
			break
		}
	}

	target := pc.Repository
	if target == "" {
		target = deriveTarget(task)
	}

	return &model.PendingOperation{
		Kind:        kind,
		Target:      target,
		Environment: env,
	}
}

func canonicalEnv(env string) string {
	switch env {
	case "prod":
		return "production"
	case "dev":
		return "development"
	default:
		return env
	}
}

func containsWord(text, word string) bool {
	for _, tok := range strings.Fields(text) {
		if strings.Trim(tok, ".,!?:;") == word {
			return true
		}
	}
	return false
}

// deriveTarget picks the most version-ish or name-ish token after the
// verb as a best-effort operation target.
func deriveTarget(task string) string {
	for _, tok := range strings.Fields(task) {
		trimmed := strings.Trim(tok, ".,!?:;")
		if len(trimmed) > 1 && (trimmed[0] == 'v' && isDigit(trimmed[1]) || strings.Contains(trimmed, "/")) {
			return trimmed
		}
	}
	return "unspecified"
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }
