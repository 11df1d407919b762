package compiler

import (
	"testing"

	"github.com/ucplabs/ucp/pkg/models"
)

func planActions(steps []models.PlanStep) []string {
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = s.Action
	}
	return out
}

func TestBuildExecutionPlanMinimal(t *testing.T) {
	steps := BuildExecutionPlan(models.Intent{Type: models.IntentGeneral}, nil, nil)

	want := []string{"prepare_context", "generate_response", "validate_output"}
	got := planActions(steps)
	if len(got) != len(want) {
		t.Fatalf("actions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("step %d action = %s, want %s", i+1, got[i], want[i])
		}
	}
}

func TestBuildExecutionPlanFull(t *testing.T) {
	constraints := []models.Constraint{
		{Type: models.ConstraintFormat, Value: "json"},
		{Type: models.ConstraintLength, Value: 50, Unit: "words"},
	}
	tools := []models.Tool{{Name: "calculator"}}
	steps := BuildExecutionPlan(models.Intent{Type: models.IntentAnalysis}, constraints, tools)

	want := []string{
		"prepare_context", "apply_constraints", "invoke_tools",
		"generate_response", "format_output", "validate_output",
	}
	got := planActions(steps)
	if len(got) != len(want) {
		t.Fatalf("actions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("step %d action = %s, want %s", i+1, got[i], want[i])
		}
	}
}

func TestExecutionPlanStepsAreSequential(t *testing.T) {
	steps := BuildExecutionPlan(
		models.Intent{Type: models.IntentCodeGeneration},
		[]models.Constraint{{Type: models.ConstraintTone, Value: "formal"}},
		nil,
	)
	for i, s := range steps {
		if s.Step != i+1 {
			t.Errorf("step %d numbered %d, numbering must be gapless from 1", i, s.Step)
		}
	}
}

func TestBuildFallbackPlan(t *testing.T) {
	plan := BuildFallbackPlan()
	if plan.OnError != "retry_with_simplified_prompt" {
		t.Errorf("OnError = %q", plan.OnError)
	}
	if plan.MaxRetries != 2 {
		t.Errorf("MaxRetries = %d, want 2", plan.MaxRetries)
	}
	actions := map[string]string{}
	for _, a := range plan.FallbackActions {
		actions[a.Condition] = a.Action
	}
	if actions["timeout"] != "reduce_max_tokens" ||
		actions["rate_limit"] != "queue_and_retry" ||
		actions["content_filter"] != "sanitize_and_retry" ||
		actions["parse_error"] != "request_structured_output" {
		t.Errorf("fallback actions = %v", actions)
	}
}
