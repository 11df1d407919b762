package compiler

import (
	"fmt"

	"github.com/ucplabs/ucp/pkg/models"
)

// BuildExecutionPlan assembles the ordered step list for a packet. Only
// steps with something to do are emitted, and step numbers are renumbered
// sequentially from 1 so skipped stages never leave gaps.
func BuildExecutionPlan(intent models.Intent, constraints []models.Constraint, tools []models.Tool) []models.PlanStep {
	steps := []models.PlanStep{{
		Action:      "prepare_context",
		Description: "Prepare and validate input context",
	}}

	if len(constraints) > 0 {
		steps = append(steps, models.PlanStep{
			Action:      "apply_constraints",
			Description: "Apply extracted constraints to prompt",
			Constraints: constraints,
		})
	}

	if len(tools) > 0 {
		names := make([]string, len(tools))
		for i, t := range tools {
			names[i] = t.Name
		}
		steps = append(steps, models.PlanStep{
			Action:      "invoke_tools",
			Description: "Invoke required tools",
			Tools:       names,
		})
	}

	steps = append(steps, models.PlanStep{
		Action:      "generate_response",
		Description: fmt.Sprintf("Generate %s response", intent.Type),
	})

	for _, c := range constraints {
		if c.Type == models.ConstraintFormat {
			steps = append(steps, models.PlanStep{
				Action:      "format_output",
				Description: fmt.Sprintf("Format output as %v", c.Value),
			})
			break
		}
	}

	steps = append(steps, models.PlanStep{
		Action:      "validate_output",
		Description: "Validate output against constraints and safety rules",
	})

	for i := range steps {
		steps[i].Step = i + 1
	}
	return steps
}

// BuildFallbackPlan returns the fixed recovery policy attached to every
// packet: two retries with a simplified prompt, plus condition-specific
// remediations.
func BuildFallbackPlan() models.FallbackPlan {
	return models.FallbackPlan{
		OnError:    "retry_with_simplified_prompt",
		MaxRetries: 2,
		FallbackActions: []models.FallbackAction{
			{Condition: "timeout", Action: "reduce_max_tokens"},
			{Condition: "rate_limit", Action: "queue_and_retry"},
			{Condition: "content_filter", Action: "sanitize_and_retry"},
			{Condition: "parse_error", Action: "request_structured_output"},
		},
	}
}
