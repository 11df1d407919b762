package compiler

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/ucplabs/ucp/internal/store"
	"github.com/ucplabs/ucp/pkg/models"
)

// rulesFile is the YAML shape of a normalization-rule seed file:
//
//	rules:
//	  - id: strip-greeting
//	    name: Strip greeting
//	    type: replace
//	    active: true
//	    priority: 10
//	    pattern: "^(hi|hello)[,!]?\\s*"
//	    replacement: ""
type rulesFile struct {
	Rules []ruleEntry `yaml:"rules"`
}

type ruleEntry struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Type        string `yaml:"type"`
	Active      *bool  `yaml:"active"`
	Priority    int    `yaml:"priority"`
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement"`
}

// LoadRulesFile parses a YAML rule seed file into rule records.
func LoadRulesFile(path string) ([]models.UCPRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	var parsed rulesFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parse rules file: %w", err)
	}

	out := make([]models.UCPRule, 0, len(parsed.Rules))
	for i, entry := range parsed.Rules {
		ruleType := models.RuleType(entry.Type)
		if ruleType != models.RuleReplace && ruleType != models.RuleTrimWhitespace {
			return nil, fmt.Errorf("rules[%d]: unknown rule type %q", i, entry.Type)
		}
		if ruleType == models.RuleReplace && entry.Pattern == "" {
			return nil, fmt.Errorf("rules[%d]: replace rule needs a pattern", i)
		}
		id := entry.ID
		if id == "" {
			id = uuid.NewString()
		}
		active := true
		if entry.Active != nil {
			active = *entry.Active
		}
		out = append(out, models.UCPRule{
			ID:        id,
			Name:      entry.Name,
			RuleType:  ruleType,
			IsActive:  active,
			Priority:  entry.Priority,
			Condition: models.RuleCondition{Pattern: entry.Pattern},
			Action:    models.RuleAction{Replacement: entry.Replacement},
		})
	}
	return out, nil
}

// SeedRules loads a rule file into the store, updating rules whose IDs
// already exist. A missing file is not an error; rules are optional.
func SeedRules(ctx context.Context, st store.Store, path string) error {
	if path == "" {
		return nil
	}
	rules, err := LoadRulesFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Debug().Str("path", path).Msg("No rules file, skipping seed")
			return nil
		}
		return err
	}
	for i := range rules {
		rule := rules[i]
		if _, err := st.GetRule(ctx, rule.ID); err == nil {
			if err := st.UpdateRule(ctx, &rule); err != nil {
				return fmt.Errorf("update rule %s: %w", rule.ID, err)
			}
			continue
		}
		if err := st.CreateRule(ctx, &rule); err != nil {
			return fmt.Errorf("create rule %s: %w", rule.ID, err)
		}
	}
	log.Info().Int("rules", len(rules)).Str("path", path).Msg("📐 Normalization rules seeded")
	return nil
}
