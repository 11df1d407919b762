// Package compiler turns raw prompt text into Universal Command Protocol
// packets. Compilation is deterministic: the same normalized prompt and
// options always produce the same intent, constraints, safety flags, tools,
// plan, and budget (only the compiled_at stamp differs).
package compiler

import (
	"time"

	"github.com/ucplabs/ucp/internal/tokens"
	"github.com/ucplabs/ucp/pkg/models"
)

// Options parameterize one compilation against a target provider.
type Options struct {
	// ContextWindow of the target model. Defaults to 4096.
	ContextWindow int
	// MaxTokens requested by the caller. Defaults to 1024.
	MaxTokens int
	// TargetModels the packet is compiled for. Defaults to ["default"].
	TargetModels []string
}

func (o Options) withDefaults() Options {
	if o.ContextWindow <= 0 {
		o.ContextWindow = 4096
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = 1024
	}
	if len(o.TargetModels) == 0 {
		o.TargetModels = []string{"default"}
	}
	return o
}

// Compile analyzes an already-normalized prompt and emits a command packet.
// The intent's raw_prompt_hash is left empty; the pipeline fills it in with
// the RAW_PROMPT hop hash once the hop exists.
func Compile(prompt string, opts Options) *models.CommandPacket {
	opts = opts.withDefaults()

	intent := ClassifyIntent(prompt)
	constraints := ExtractConstraints(prompt)
	safetyFlags := DetectSafetyFlags(prompt)
	requiredTools := IdentifyTools(prompt, intent)

	promptTokens := tokens.Estimate(prompt)

	return &models.CommandPacket{
		UCPVersion:    models.UCPVersion,
		CompiledAt:    time.Now().UTC(),
		Intent:        intent,
		Constraints:   constraints,
		SafetyFlags:   safetyFlags,
		RequiredTools: requiredTools,
		ExecutionPlan: BuildExecutionPlan(intent, constraints, requiredTools),
		FallbackPlan:  BuildFallbackPlan(),
		TargetModels:  opts.TargetModels,
		TokenBudget:   tokens.Budget(promptTokens, opts.ContextWindow, opts.MaxTokens),
		Metadata: models.PacketMetadata{
			PromptLength:    len(prompt),
			ConstraintCount: len(constraints),
			SafetyFlagCount: len(safetyFlags),
			ToolCount:       len(requiredTools),
		},
	}
}
