package agentloop

import (
	"regexp"

	"github.com/martinemde/turnloop/unifiedllm"
)

var reasoningModel = regexp.MustCompile(`^(o\d|codex-|gpt-5)`)

// summaryModels also get reasoning summaries streamed back.
var summaryModels = map[string]bool{
	"o3":      true,
	"o4-mini": true,
}

// ReasoningFor returns the reasoning block for model, or nil when the model
// does not reason. effort overrides the default "high" for reasoning models
// and is ignored for the rest.
func ReasoningFor(model, effort string) *unifiedllm.ReasoningConfig {
	if !reasoningModel.MatchString(model) {
		return nil
	}
	cfg := &unifiedllm.ReasoningConfig{Effort: "high"}
	if effort != "" {
		cfg.Effort = effort
	}
	if summaryModels[model] {
		cfg.Summary = "auto"
	}
	return cfg
}
