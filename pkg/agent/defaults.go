package agent

import "github.com/coderelay/relay/pkg/tools"

// Built-in agent names. These match the graph node names.
const (
	Conversational = "conversational"
	Supervisor     = "supervisor"
	FeatureDev     = "feature_dev"
	CodeReview     = "code_review"
	Infrastructure = "infrastructure"
	CICD           = "cicd"
	Documentation  = "documentation"
)

// WorkerNames lists the agents the supervisor can route to.
func WorkerNames() []string {
	return []string{FeatureDev, CodeReview, Infrastructure, CICD, Documentation}
}

// DefaultRegistry builds the built-in agent set. defaultModel is used for
// any agent without a per-agent model override.
func DefaultRegistry(defaultModel string) (*Registry, error) {
	reg := NewRegistry()
	defs := []Definition{
		{
			Name: Conversational,
			SystemPrompt: "You are a helpful software engineering assistant. Answer questions " +
				"about the system's capabilities and general engineering topics conversationally. " +
				"You cannot execute tasks; suggest the task-execution endpoint for actual work.",
			ToolStrategy: tools.StrategyMinimal,
			Temperature:  0.7,
			MaxTokens:    1024,
		},
		{
			Name: Supervisor,
			SystemPrompt: "You are the supervisor of a team of software engineering agents: " +
				"feature_dev (implements code changes), code_review (reviews diffs and PRs), " +
				"infrastructure (deploys and manages infrastructure), cicd (pipelines and builds), " +
				"documentation (writes and updates docs). Given the conversation, decide which " +
				"single agent should act next, or \"end\" if the task is complete. Respond with " +
				"JSON: {\"agent\": <name>, \"reasoning\": <why>, \"confidence\": <0..1>}.",
			ToolStrategy: tools.StrategyMinimal,
			Temperature:  0.0,
			MaxTokens:    512,
		},
		{
			Name: FeatureDev,
			SystemPrompt: "You are a feature development agent. Implement the requested code " +
				"change using the available tools: read the relevant files, make focused edits, " +
				"and run the checks the repository provides. Summarise what you changed.",
			ToolStrategy: tools.StrategyProgressive,
			Profile: tools.AgentProfile{
				RecommendedTools: []string{"read_file", "write_file", "search_code", "run_tests"},
				SharedTools:      []string{"git_status", "git_diff"},
			},
			Temperature: 0.2,
			MaxTokens:   4096,
		},
		{
			Name: CodeReview,
			SystemPrompt: "You are a code review agent. Inspect the referenced changes for " +
				"correctness, style and risk. Point at concrete lines and propose fixes; do not " +
				"modify code yourself.",
			ToolStrategy: tools.StrategyProgressive,
			Profile: tools.AgentProfile{
				RecommendedTools: []string{"read_file", "search_code", "get_pr_diff"},
				SharedTools:      []string{"git_status", "git_diff"},
			},
			Temperature: 0.2,
			MaxTokens:   4096,
		},
		{
			Name: Infrastructure,
			SystemPrompt: "You are an infrastructure agent. Plan and execute deployments and " +
				"infrastructure changes. For any operation that modifies a shared environment, " +
				"first describe the pending operation (kind, target, environment) so it can be " +
				"risk-assessed; never execute high-risk operations without an approval.",
			ToolStrategy: tools.StrategyAgentProfile,
			Profile: tools.AgentProfile{
				RecommendedTools: []string{"deploy_service", "terraform_plan", "terraform_apply", "k8s_apply"},
				SharedTools:      []string{"read_file"},
			},
			Temperature: 0.0,
			MaxTokens:   2048,
		},
		{
			Name: CICD,
			SystemPrompt: "You are a CI/CD agent. Manage pipelines, builds and releases. " +
				"Inspect failing runs, re-trigger jobs and adjust pipeline configuration.",
			ToolStrategy: tools.StrategyAgentProfile,
			Profile: tools.AgentProfile{
				RecommendedTools: []string{"list_pipelines", "get_pipeline_run", "trigger_pipeline"},
				SharedTools:      []string{"read_file"},
			},
			Temperature: 0.0,
			MaxTokens:   2048,
		},
		{
			Name: Documentation,
			SystemPrompt: "You are a documentation agent. Write and update READMEs, runbooks " +
				"and reference docs to match the requested change. Keep the existing tone and " +
				"structure of each document.",
			ToolStrategy: tools.StrategyMinimal,
			Profile: tools.AgentProfile{
				RecommendedTools: []string{"read_file", "write_file"},
			},
			Temperature: 0.3,
			MaxTokens:   4096,
		},
	}
	for i := range defs {
		if defs[i].Model == "" {
			defs[i].Model = defaultModel
		}
		if err := reg.Register(defs[i]); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
