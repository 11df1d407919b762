package compiler

import (
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/ucplabs/ucp/pkg/models"
)

var whitespaceRun = regexp.MustCompile(`\s+`)

// Normalize trims the raw prompt, applies the active rules in ascending
// priority order, then collapses whitespace runs to single spaces. A rule
// whose pattern does not compile is skipped with a warning; normalization
// never fails.
func Normalize(raw string, rules []models.UCPRule) string {
	normalized := strings.TrimSpace(raw)

	active := make([]models.UCPRule, 0, len(rules))
	for _, r := range rules {
		if r.IsActive {
			active = append(active, r)
		}
	}
	for i := 1; i < len(active); i++ {
		for j := i; j > 0 && active[j].Priority < active[j-1].Priority; j-- {
			active[j], active[j-1] = active[j-1], active[j]
		}
	}

	for _, rule := range active {
		switch rule.RuleType {
		case models.RuleReplace:
			re, err := regexp.Compile("(?i)" + rule.Condition.Pattern)
			if err != nil {
				log.Warn().Str("rule_id", rule.ID).Err(err).Msg("skipping rule with bad pattern")
				continue
			}
			normalized = re.ReplaceAllString(normalized, rule.Action.Replacement)
		case models.RuleTrimWhitespace:
			normalized = strings.TrimSpace(whitespaceRun.ReplaceAllString(normalized, " "))
		}
	}

	return strings.TrimSpace(whitespaceRun.ReplaceAllString(normalized, " "))
}
