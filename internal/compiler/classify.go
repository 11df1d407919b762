package compiler

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/ucplabs/ucp/pkg/models"
)

// Classification is pure text analysis over the normalized prompt. Every
// function here is total: no input makes them fail, they only degrade to
// weaker answers (general intent, empty slices).

var (
	lengthPattern   = regexp.MustCompile(`(?i)(\d+)\s*(words?|characters?|sentences?|paragraphs?)`)
	languagePattern = regexp.MustCompile(`(?i)in\s+(english|spanish|french|german|chinese|japanese|korean|portuguese|italian|russian)`)

	emailPattern = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)
	phonePattern = regexp.MustCompile(`\b\d{3}[-.]?\d{3}[-.]?\d{4}\b`)
	ssnPattern   = regexp.MustCompile(`\b\d{3}-?\d{2}-?\d{4}\b`)
)

// sensitiveKeywords each raise a medium-severity flag when present.
var sensitiveKeywords = []string{
	"password", "hack", "exploit", "weapon",
	"illegal", "confidential", "private", "secret",
}

// intentRules are checked in order; the first group with any matching
// marker wins. Markers are plain substring checks against the lowercased
// prompt, so "code" inside a longer word still counts.
var intentRules = []struct {
	intent     models.IntentType
	confidence float64
	markers    []string
}{
	{models.IntentCodeGeneration, 0.85, []string{"code", "program", "function", "script"}},
	{models.IntentExplanation, 0.9, []string{"explain", "what is", "how does"}},
	{models.IntentAnalysis, 0.85, []string{"analyze", "review", "evaluate"}},
	{models.IntentContentGeneration, 0.8, []string{"write", "create", "generate"}},
	{models.IntentTransformation, 0.9, []string{"translate", "convert"}},
	{models.IntentSummarization, 0.95, []string{"summarize", "summary"}},
	{models.IntentQuestionAnswering, 0.75, []string{"?", "why", "when", "where"}},
}

// ClassifyIntent maps a prompt to an intent label with a fixed confidence.
// Prompts matching nothing fall through to general at 0.6.
func ClassifyIntent(prompt string) models.Intent {
	lower := strings.ToLower(prompt)
	for _, rule := range intentRules {
		for _, marker := range rule.markers {
			if strings.Contains(lower, marker) {
				return models.Intent{Type: rule.intent, Confidence: rule.confidence}
			}
		}
	}
	return models.Intent{Type: models.IntentGeneral, Confidence: 0.6}
}

// ExtractConstraints detects length, format, tone, and language constraints.
// Detection is additive: every matching category contributes, so a prompt
// can carry several format or tone constraints at once.
func ExtractConstraints(prompt string) []models.Constraint {
	constraints := []models.Constraint{}
	lower := strings.ToLower(prompt)

	if m := lengthPattern.FindStringSubmatch(prompt); m != nil {
		n, _ := strconv.Atoi(m[1])
		constraints = append(constraints, models.Constraint{
			Type:  models.ConstraintLength,
			Value: n,
			Unit:  strings.ToLower(m[2]),
		})
	}

	for _, f := range []string{"json", "markdown"} {
		if strings.Contains(lower, f) {
			constraints = append(constraints, models.Constraint{Type: models.ConstraintFormat, Value: f})
		}
	}
	if strings.Contains(lower, "bullet") || strings.Contains(lower, "list") {
		constraints = append(constraints, models.Constraint{Type: models.ConstraintFormat, Value: "list"})
	}
	if strings.Contains(lower, "table") {
		constraints = append(constraints, models.Constraint{Type: models.ConstraintFormat, Value: "table"})
	}

	// "informal" contains "formal", so such prompts flag both tones.
	if strings.Contains(lower, "formal") {
		constraints = append(constraints, models.Constraint{Type: models.ConstraintTone, Value: "formal"})
	}
	if strings.Contains(lower, "casual") || strings.Contains(lower, "informal") {
		constraints = append(constraints, models.Constraint{Type: models.ConstraintTone, Value: "casual"})
	}
	if strings.Contains(lower, "professional") {
		constraints = append(constraints, models.Constraint{Type: models.ConstraintTone, Value: "professional"})
	}

	if m := languagePattern.FindStringSubmatch(prompt); m != nil {
		constraints = append(constraints, models.Constraint{
			Type:  models.ConstraintLanguage,
			Value: strings.ToLower(m[1]),
		})
	}

	return constraints
}

// DetectSafetyFlags scans for sensitive keywords and PII patterns. One flag
// is raised per matching keyword and per matching PII pattern; SSN-shaped
// numbers are the only high-severity signal.
func DetectSafetyFlags(prompt string) []models.SafetyFlag {
	flags := []models.SafetyFlag{}
	lower := strings.ToLower(prompt)

	for _, kw := range sensitiveKeywords {
		if strings.Contains(lower, kw) {
			flags = append(flags, models.SafetyFlag{
				Type:     "sensitive_content",
				Keyword:  kw,
				Severity: models.SeverityMedium,
			})
		}
	}

	if emailPattern.MatchString(prompt) {
		flags = append(flags, models.SafetyFlag{Type: "pii_detected", Subtype: "email", Severity: models.SeverityLow})
	}
	if phonePattern.MatchString(prompt) {
		flags = append(flags, models.SafetyFlag{Type: "pii_detected", Subtype: "phone", Severity: models.SeverityLow})
	}
	if ssnPattern.MatchString(prompt) {
		flags = append(flags, models.SafetyFlag{Type: "pii_detected", Subtype: "ssn", Severity: models.SeverityHigh})
	}

	return flags
}

// IdentifyTools suggests tools from the intent plus keyword hints. Tools
// are never marked required at compile time.
func IdentifyTools(prompt string, intent models.Intent) []models.Tool {
	tools := []models.Tool{}
	lower := strings.ToLower(prompt)

	add := func(name string) { tools = append(tools, models.Tool{Name: name, Required: false}) }

	if intent.Type == models.IntentCodeGeneration {
		add("code_interpreter")
	}
	if strings.Contains(lower, "search") || strings.Contains(lower, "find") || strings.Contains(lower, "lookup") {
		add("web_search")
	}
	if strings.Contains(lower, "image") || strings.Contains(lower, "picture") || strings.Contains(lower, "photo") {
		add("image_generation")
	}
	if strings.Contains(lower, "file") || strings.Contains(lower, "document") || strings.Contains(lower, "pdf") {
		add("file_handler")
	}
	if strings.Contains(lower, "calculate") || strings.Contains(lower, "math") || strings.Contains(lower, "compute") {
		add("calculator")
	}

	return tools
}
