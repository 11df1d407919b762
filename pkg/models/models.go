package models

import (
	"fmt"
	"time"
)

// ── Protocol Constants ───────────────────────────────────────

// UCPVersion is the protocol version stamped into every compiled packet.
const UCPVersion = "1.0.0"

// GenesisHash seeds the hop hash chain: 64 zero characters, the prev_hash
// of the first hop in every session.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// MaxPromptLength is the hard cap on raw prompt size, in characters.
// Inputs beyond this are rejected before any pipeline stage runs.
const MaxPromptLength = 50000

// ReservedSystemTokens is the fixed allowance subtracted from the context
// window before the response budget is computed.
const ReservedSystemTokens = 200

// Token accounting methods recorded on hops.
const (
	TokenMethodLocal    = "local-estimated"
	TokenMethodProvider = "provider-reported"
)

// ── Hops ─────────────────────────────────────────────────────

// HopType identifies a stage in the compile/execute pipeline. Hops are
// appended in this order; compile produces the first three, provider
// execution the last three.
type HopType string

const (
	HopRawPrompt        HopType = "RAW_PROMPT"
	HopNormalizedPrompt HopType = "NORMALIZED_PROMPT"
	HopUCPPacket        HopType = "UCP_PACKET"
	HopProviderRequest  HopType = "PROVIDER_REQUEST"
	HopProviderResponse HopType = "PROVIDER_RESPONSE"
	HopFinalOutput      HopType = "FINAL_OUTPUT"
)

// ScoreBreakdown records the individual terms of a hop's quality score.
// Each term is rounded to the nearest integer independently of the
// aggregate, so the terms may not sum exactly to 100−score.
type ScoreBreakdown struct {
	TokenEfficiency int `json:"token_efficiency"`
	LatencyPenalty  int `json:"latency_penalty"`
	ContextPressure int `json:"context_pressure"`
	ParseValidity   int `json:"parse_validity"`
}

// Hop is one link in a session's hash-chained ledger. SHA256Hash commits to
// PrevHash and Content, so any retroactive edit to a hop invalidates every
// hop after it.
type Hop struct {
	ID             string         `json:"id"`
	SessionID      string         `json:"session_id"`
	HopIndex       int            `json:"hop_index"`
	HopType        HopType        `json:"hop_type"`
	Content        string         `json:"content"`
	TokensIn       int            `json:"tokens_in"`
	TokensOut      int            `json:"tokens_out"`
	LatencyMs      int64          `json:"latency_ms"`
	Score          int            `json:"score"`
	ScoreBreakdown ScoreBreakdown `json:"score_breakdown"`
	SHA256Hash     string         `json:"sha256_hash"`
	PrevHash       string         `json:"prev_hash"`
	TokenMethod    string         `json:"token_method"`
	CreatedAt      time.Time      `json:"created_at"`
}

// ── Command Packet ───────────────────────────────────────────

// IntentType classifies what the prompt is asking for.
type IntentType string

const (
	IntentCodeGeneration    IntentType = "code_generation"
	IntentExplanation       IntentType = "explanation"
	IntentAnalysis          IntentType = "analysis"
	IntentContentGeneration IntentType = "content_generation"
	IntentTransformation    IntentType = "transformation"
	IntentSummarization     IntentType = "summarization"
	IntentQuestionAnswering IntentType = "question_answering"
	IntentGeneral           IntentType = "general"
)

type Intent struct {
	Type       IntentType `json:"type"`
	Confidence float64    `json:"confidence"`
	// RawPromptHash is the sha256_hash of the session's RAW_PROMPT hop,
	// tying the packet back to the exact input it was compiled from.
	RawPromptHash string `json:"raw_prompt_hash,omitempty"`
}

// ConstraintType identifies a detected output constraint.
type ConstraintType string

const (
	ConstraintLength   ConstraintType = "length"
	ConstraintFormat   ConstraintType = "format"
	ConstraintTone     ConstraintType = "tone"
	ConstraintLanguage ConstraintType = "language"
)

// Constraint is one detected output requirement. Value is an int count for
// length constraints and a string label otherwise; Unit is set only for
// length ("words", "characters", "sentences", "paragraphs").
type Constraint struct {
	Type  ConstraintType `json:"type"`
	Value any            `json:"value"`
	Unit  string         `json:"unit,omitempty"`
}

// Severity grades a safety flag.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

type SafetyFlag struct {
	Type     string   `json:"type"`
	Keyword  string   `json:"keyword,omitempty"`
	Subtype  string   `json:"subtype,omitempty"`
	Severity Severity `json:"severity"`
}

// Tool is a capability the prompt appears to need. Tools are advisory:
// Required is always false at compile time.
type Tool struct {
	Name     string `json:"name"`
	Required bool   `json:"required"`
}

// PlanStep is one step of the ordered execution plan. Step numbers start at
// 1 and are strictly sequential with no gaps.
type PlanStep struct {
	Step        int          `json:"step"`
	Action      string       `json:"action"`
	Description string       `json:"description"`
	Constraints []Constraint `json:"constraints,omitempty"`
	Tools       []string     `json:"tools,omitempty"`
}

type FallbackAction struct {
	Condition string `json:"condition"`
	Action    string `json:"action"`
}

type FallbackPlan struct {
	OnError         string           `json:"on_error"`
	MaxRetries      int              `json:"max_retries"`
	FallbackActions []FallbackAction `json:"fallback_actions"`
}

// TokenBudget is the compile-time response budget derived from the provider
// context window. MaxTokens never exceeds the requested maximum and never
// overruns the window after prompt and reserved tokens are set aside.
type TokenBudget struct {
	MaxTokens             int `json:"max_tokens"`
	ContextWindow         int `json:"context_window"`
	EstimatedPromptTokens int `json:"estimated_prompt_tokens"`
	ReservedSystemTokens  int `json:"reserved_system_tokens"`
}

// PacketMetadata carries summary counters for quick inspection without
// walking the packet body.
type PacketMetadata struct {
	PromptLength    int `json:"prompt_length"`
	ConstraintCount int `json:"constraint_count"`
	SafetyFlagCount int `json:"safety_flag_count"`
	ToolCount       int `json:"tool_count"`
}

// CommandPacket is the structured artifact the compiler emits: the prompt's
// intent, constraints, safety flags, tool hints, execution plan, fallback
// plan, and token budget, all derived deterministically from the normalized
// prompt text.
type CommandPacket struct {
	UCPVersion    string         `json:"ucp_version"`
	CompiledAt    time.Time      `json:"compiled_at"`
	Intent        Intent         `json:"intent"`
	Constraints   []Constraint   `json:"constraints"`
	SafetyFlags   []SafetyFlag   `json:"safety_flags"`
	RequiredTools []Tool         `json:"required_tools"`
	ExecutionPlan []PlanStep     `json:"execution_plan"`
	FallbackPlan  FallbackPlan   `json:"fallback_plan"`
	TargetModels  []string       `json:"target_models,omitempty"`
	TokenBudget   TokenBudget    `json:"token_budget"`
	Metadata      PacketMetadata `json:"metadata"`
}

// ── Sessions ─────────────────────────────────────────────────

type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionCompiling SessionStatus = "compiling"
	SessionRunning   SessionStatus = "running"
	SessionSuccess   SessionStatus = "success"
	SessionError     SessionStatus = "error"
)

// ReplayData snapshots everything needed to re-run a session from its
// compiled packet without re-deriving it.
type ReplayData struct {
	RawPrompt        string         `json:"raw_prompt"`
	NormalizedPrompt string         `json:"normalized_prompt"`
	Packet           *CommandPacket `json:"ucp_packet,omitempty"`
	ProviderConfigID string         `json:"provider_config_id,omitempty"`
	MaxTokens        int            `json:"max_tokens,omitempty"`
}

// Session tracks one prompt's journey through compilation and provider
// execution, with aggregate token, cost, and quality accounting.
type Session struct {
	ID               string        `json:"id"`
	UserID           string        `json:"user_id,omitempty"`
	ProviderConfigID string        `json:"provider_config_id,omitempty"`
	ModelName        string        `json:"model_name,omitempty"`
	Status           SessionStatus `json:"status"`
	RawPrompt        string        `json:"raw_prompt"`
	FinalOutput      string        `json:"final_output,omitempty"`
	PromptTokens     int           `json:"prompt_tokens"`
	CompletionTokens int           `json:"completion_tokens"`
	TotalTokens      int           `json:"total_tokens"`
	CostEstimate     float64       `json:"cost_estimate"`
	TotalLatencyMs   int64         `json:"total_latency_ms"`
	// SessionScore is the mean of all hop scores, recomputed whenever a
	// hop is appended.
	SessionScore      int     `json:"session_score"`
	ContextWindowUsed float64 `json:"context_window_used"`
	// ChainHash is the sha256_hash of the most recent hop: the integrity
	// commitment for the whole session ledger.
	ChainHash    string      `json:"chain_hash,omitempty"`
	ErrorMessage string      `json:"error_message,omitempty"`
	ReplayData   *ReplayData `json:"replay_data,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// ── API Keys ─────────────────────────────────────────────────

type APIKeyStatus string

const (
	APIKeyActive  APIKeyStatus = "active"
	APIKeyRevoked APIKeyStatus = "revoked"
)

// Permission gates what an API key may do. Execute covers packet
// submission, read covers session/ledger queries, and the remaining three
// gate individual driver namespaces at dispatch time.
type Permission string

const (
	PermExecute Permission = "execute"
	PermRead    Permission = "read"
	PermHTTP    Permission = "http"
	PermStorage Permission = "storage"
	PermLLM     Permission = "llm"
)

// APIKey is the stored record for one issued key. The plaintext key exists
// only in the issuance response; only its SHA-256 hash and a 12-character
// display prefix persist.
type APIKey struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	KeyPrefix   string       `json:"key_prefix"`
	KeyHash     string       `json:"-"`
	Permissions []Permission `json:"permissions"`
	// RateLimit is the maximum number of authorized uses per rolling hour.
	RateLimit   int          `json:"rate_limit"`
	UsageCount  int64        `json:"usage_count"`
	Status      APIKeyStatus `json:"status"`
	ExpiresAt   *time.Time   `json:"expires_at,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	LastUsedAt  *time.Time   `json:"last_used_at,omitempty"`
	WindowStart *time.Time   `json:"window_start,omitempty"`
	WindowCount int          `json:"window_count"`
}

// HasPermission reports whether the key grants p.
func (k *APIKey) HasPermission(p Permission) bool {
	for _, have := range k.Permissions {
		if have == p {
			return true
		}
	}
	return false
}

// ── Normalization Rules ──────────────────────────────────────

// RuleType selects a normalization behavior.
type RuleType string

const (
	// RuleReplace substitutes every case-insensitive match of the
	// condition pattern with the action replacement.
	RuleReplace RuleType = "replace"
	// RuleTrimWhitespace collapses runs of whitespace to single spaces.
	RuleTrimWhitespace RuleType = "trim_whitespace"
)

type RuleCondition struct {
	Pattern string `json:"pattern,omitempty"`
}

type RuleAction struct {
	Replacement string `json:"replacement,omitempty"`
}

// UCPRule is one configurable normalization rule. Active rules run in
// ascending priority order before compilation; a rule whose pattern fails
// to compile is skipped, never fatal.
type UCPRule struct {
	ID        string        `json:"id"`
	Name      string        `json:"name,omitempty"`
	RuleType  RuleType      `json:"rule_type"`
	IsActive  bool          `json:"is_active"`
	Priority  int           `json:"priority"`
	Condition RuleCondition `json:"condition"`
	Action    RuleAction    `json:"action"`
}

// ── Provider Configs ─────────────────────────────────────────

// ProviderConfig describes one upstream chat-completion provider: where to
// reach it, which model to request, the context window that drives token
// budgeting, and per-1k-token rates for cost estimates.
type ProviderConfig struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	BaseURL         string    `json:"base_url"`
	APIKey          string    `json:"-"`
	DefaultModel    string    `json:"default_model"`
	ContextWindow   int       `json:"context_window"`
	MaxTokens       int       `json:"max_tokens"`
	CostPer1kInput  float64   `json:"cost_per_1k_input"`
	CostPer1kOutput float64   `json:"cost_per_1k_output"`
	CreatedAt       time.Time `json:"created_at"`
}

// ── Error Taxonomy ───────────────────────────────────────────

// ErrorKind partitions every failure the engine can surface. Handlers map
// kinds to HTTP status codes; internal callers branch with KindOf.
type ErrorKind string

const (
	// KindInvalidInput: the caller's input was rejected before any work ran.
	KindInvalidInput ErrorKind = "invalid_input"
	// KindUnauthorized: missing, unknown, revoked, expired, or
	// under-privileged credentials.
	KindUnauthorized ErrorKind = "unauthorized"
	// KindRateLimited: a valid key exceeded its hourly allowance.
	KindRateLimited ErrorKind = "rate_limited"
	// KindCompilation: a compile stage failed mid-pipeline; hops appended
	// before the failure remain in the ledger.
	KindCompilation ErrorKind = "compilation_failure"
	// KindOperation: an executable-packet operation failed at runtime.
	KindOperation ErrorKind = "operation_failure"
	// KindNotFound: a referenced entity does not exist.
	KindNotFound ErrorKind = "not_found"
	// KindInternal: everything else.
	KindInternal ErrorKind = "internal"
)

// Error is the engine-wide error type. SessionID and LastHopIndex are set
// on compilation failures so callers can inspect the partial hop chain.
type Error struct {
	Kind         ErrorKind `json:"kind"`
	Message      string    `json:"message"`
	SessionID    string    `json:"session_id,omitempty"`
	LastHopIndex *int      `json:"last_hop_index,omitempty"`
	Err          error     `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a taxonomy error with a formatted message.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a taxonomy kind to an underlying error.
func WrapError(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the taxonomy kind from err, walking wrapped errors.
// Unclassified errors report KindInternal; nil reports "".
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind
		}
		type unwrapper interface{ Unwrap() error }
		u, ok := err.(unwrapper)
		if !ok {
			return KindInternal
		}
		err = u.Unwrap()
	}
	return KindInternal
}
