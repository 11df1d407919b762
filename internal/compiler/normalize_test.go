package compiler

import (
	"testing"

	"github.com/ucplabs/ucp/pkg/models"
)

func TestNormalizeCollapsesWhitespace(t *testing.T) {
	got := Normalize("  hello\t\n  world  ", nil)
	if got != "hello world" {
		t.Errorf("Normalize = %q, want %q", got, "hello world")
	}
}

func TestNormalizeAppliesRulesInPriorityOrder(t *testing.T) {
	rules := []models.UCPRule{
		{ID: "b", RuleType: models.RuleReplace, IsActive: true, Priority: 2,
			Condition: models.RuleCondition{Pattern: "beta"},
			Action:    models.RuleAction{Replacement: "gamma"}},
		{ID: "a", RuleType: models.RuleReplace, IsActive: true, Priority: 1,
			Condition: models.RuleCondition{Pattern: "alpha"},
			Action:    models.RuleAction{Replacement: "beta"}},
	}
	// Priority 1 rewrites alpha → beta, then priority 2 rewrites it again.
	got := Normalize("alpha", rules)
	if got != "gamma" {
		t.Errorf("Normalize = %q, want %q", got, "gamma")
	}
}

func TestNormalizeReplaceIsCaseInsensitive(t *testing.T) {
	rules := []models.UCPRule{
		{ID: "r", RuleType: models.RuleReplace, IsActive: true,
			Condition: models.RuleCondition{Pattern: "please"},
			Action:    models.RuleAction{Replacement: ""}},
	}
	got := Normalize("PLEASE help Please", rules)
	if got != "help" {
		t.Errorf("Normalize = %q, want %q", got, "help")
	}
}

func TestNormalizeSkipsInactiveAndBadRules(t *testing.T) {
	rules := []models.UCPRule{
		{ID: "off", RuleType: models.RuleReplace, IsActive: false,
			Condition: models.RuleCondition{Pattern: "keep"},
			Action:    models.RuleAction{Replacement: "drop"}},
		{ID: "broken", RuleType: models.RuleReplace, IsActive: true,
			Condition: models.RuleCondition{Pattern: "([unclosed"},
			Action:    models.RuleAction{Replacement: "x"}},
	}
	got := Normalize("keep this", rules)
	if got != "keep this" {
		t.Errorf("Normalize = %q, want input unchanged", got)
	}
}
