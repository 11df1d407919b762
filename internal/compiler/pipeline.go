package compiler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/ucplabs/ucp/internal/ledger"
	"github.com/ucplabs/ucp/internal/store"
	"github.com/ucplabs/ucp/internal/tokens"
	"github.com/ucplabs/ucp/pkg/models"
)

// Pipeline runs full compilations: it validates input, manages the
// session record, and appends the RAW_PROMPT, NORMALIZED_PROMPT, and
// UCP_PACKET hops through the ledger.
type Pipeline struct {
	store  store.Store
	ledger *ledger.Ledger
}

func NewPipeline(st store.Store, l *ledger.Ledger) *Pipeline {
	return &Pipeline{store: st, ledger: l}
}

// CompileRequest is one compilation job.
type CompileRequest struct {
	// SessionID resumes an existing session when set; a fresh session is
	// created otherwise.
	SessionID        string
	UserID           string
	RawPrompt        string
	ProviderConfigID string
	MaxTokens        int
}

// HopSummary is the wire shape for a hop in compile results: everything
// except the full content.
type HopSummary struct {
	ID             string                `json:"id"`
	HopIndex       int                   `json:"hop_index"`
	HopType        models.HopType        `json:"hop_type"`
	TokensIn       int                   `json:"tokens_in"`
	TokensOut      int                   `json:"tokens_out"`
	LatencyMs      int64                 `json:"latency_ms"`
	Score          int                   `json:"score"`
	ScoreBreakdown models.ScoreBreakdown `json:"score_breakdown"`
	SHA256Hash     string                `json:"sha256_hash"`
	TokenMethod    string                `json:"token_method"`
}

// CompileTotals aggregates the compile stage.
type CompileTotals struct {
	PromptTokens         int     `json:"prompt_tokens"`
	ContextWindowUsed    float64 `json:"context_window_used"`
	CompilationLatencyMs int64   `json:"compilation_latency_ms"`
}

// CompileResult is returned from a successful compilation.
type CompileResult struct {
	SessionID string                `json:"session_id"`
	Packet    *models.CommandPacket `json:"ucp_packet"`
	Hops      []HopSummary          `json:"hops"`
	Totals    CompileTotals         `json:"totals"`
	ChainHash string                `json:"chain_hash"`
}

// Compile runs the three-hop compile pipeline. Validation failures reject
// the input before any hop is written; failures after that leave the hops
// already appended in place and surface a compilation_failure carrying the
// session ID and last completed hop index.
func (p *Pipeline) Compile(ctx context.Context, req CompileRequest) (*CompileResult, error) {
	start := time.Now()

	if req.RawPrompt == "" {
		return nil, models.NewError(models.KindInvalidInput, "prompt must not be empty")
	}
	if len(req.RawPrompt) > models.MaxPromptLength {
		return nil, models.NewError(models.KindInvalidInput,
			"prompt exceeds maximum length (%d characters)", models.MaxPromptLength)
	}

	// Provider config is optional; compilation degrades to default budget
	// parameters without one.
	contextWindow := 4096
	maxTokens := req.MaxTokens
	targetModels := []string{"default"}
	modelName := "default"
	if req.ProviderConfigID != "" {
		cfg, err := p.store.GetProviderConfig(ctx, req.ProviderConfigID)
		if err != nil {
			var nf *store.ErrNotFound
			if !errors.As(err, &nf) {
				return nil, fmt.Errorf("load provider config: %w", err)
			}
		} else {
			if cfg.ContextWindow > 0 {
				contextWindow = cfg.ContextWindow
			}
			if maxTokens <= 0 {
				maxTokens = cfg.MaxTokens
			}
			targetModels = []string{cfg.DefaultModel}
			modelName = cfg.DefaultModel
		}
	}

	rules, err := p.store.ListRules(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}

	session, err := p.resolveSession(ctx, req, modelName)
	if err != nil {
		return nil, err
	}

	fail := func(stage string, cause error) error {
		p.markFailed(ctx, session, cause)
		lastIndex := -1
		if last, lhErr := p.store.LastHop(ctx, session.ID); lhErr == nil {
			lastIndex = last.HopIndex
		}
		e := models.WrapError(models.KindCompilation, cause, "%s failed", stage)
		e.SessionID = session.ID
		if lastIndex >= 0 {
			e.LastHopIndex = &lastIndex
		}
		return e
	}

	// Hop A: raw prompt.
	hopA, err := p.ledger.Append(ctx, ledger.AppendInput{
		SessionID:     session.ID,
		HopType:       models.HopRawPrompt,
		Content:       req.RawPrompt,
		TokensIn:      tokens.Estimate(req.RawPrompt),
		ContextWindow: contextWindow,
	})
	if err != nil {
		return nil, fail("raw prompt hop", err)
	}

	// Hop B: normalized prompt.
	normalized := Normalize(req.RawPrompt, rules)
	hopB, err := p.ledger.Append(ctx, ledger.AppendInput{
		SessionID:     session.ID,
		HopType:       models.HopNormalizedPrompt,
		Content:       normalized,
		TokensIn:      tokens.Estimate(normalized),
		LatencyMs:     time.Since(start).Milliseconds(),
		ContextWindow: contextWindow,
	})
	if err != nil {
		return nil, fail("normalization hop", err)
	}

	// Hop C: compiled packet, tied back to the raw prompt by hash.
	packet := Compile(normalized, Options{
		ContextWindow: contextWindow,
		MaxTokens:     maxTokens,
		TargetModels:  targetModels,
	})
	packet.Intent.RawPromptHash = hopA.SHA256Hash

	packetJSON, err := json.MarshalIndent(packet, "", "  ")
	if err != nil {
		return nil, fail("packet encoding", err)
	}
	hopC, err := p.ledger.Append(ctx, ledger.AppendInput{
		SessionID:     session.ID,
		HopType:       models.HopUCPPacket,
		Content:       string(packetJSON),
		TokensIn:      tokens.Estimate(string(packetJSON)),
		LatencyMs:     time.Since(start).Milliseconds(),
		ContextWindow: contextWindow,
	})
	if err != nil {
		return nil, fail("packet hop", err)
	}

	promptTokens := hopA.TokensIn + hopB.TokensIn + hopC.TokensIn
	contextUsed := tokens.WindowUsedPct(promptTokens, contextWindow)

	session.Status = models.SessionCompiling
	session.PromptTokens = promptTokens
	session.TotalTokens = promptTokens
	session.TotalLatencyMs = time.Since(start).Milliseconds()
	session.ContextWindowUsed = contextUsed
	session.ChainHash = hopC.SHA256Hash
	session.ReplayData = &models.ReplayData{
		RawPrompt:        req.RawPrompt,
		NormalizedPrompt: normalized,
		Packet:           packet,
		ProviderConfigID: req.ProviderConfigID,
		MaxTokens:        req.MaxTokens,
	}
	if score, sErr := p.ledger.SessionScore(ctx, session.ID); sErr == nil {
		session.SessionScore = score
	}
	if err := p.store.UpdateSession(ctx, session); err != nil {
		return nil, fail("session update", err)
	}

	log.Info().
		Str("session_id", session.ID).
		Str("intent", string(packet.Intent.Type)).
		Int("prompt_tokens", promptTokens).
		Int64("latency_ms", session.TotalLatencyMs).
		Msg("🧩 Prompt compiled")

	return &CompileResult{
		SessionID: session.ID,
		Packet:    packet,
		Hops:      summarize([]*models.Hop{hopA, hopB, hopC}),
		Totals: CompileTotals{
			PromptTokens:         promptTokens,
			ContextWindowUsed:    contextUsed,
			CompilationLatencyMs: session.TotalLatencyMs,
		},
		ChainHash: hopC.SHA256Hash,
	}, nil
}

func (p *Pipeline) resolveSession(ctx context.Context, req CompileRequest, modelName string) (*models.Session, error) {
	if req.SessionID != "" {
		session, err := p.store.GetSession(ctx, req.SessionID)
		if err == nil {
			session.Status = models.SessionCompiling
			session.RawPrompt = req.RawPrompt
			if err := p.store.UpdateSession(ctx, session); err != nil {
				return nil, fmt.Errorf("update session: %w", err)
			}
			return session, nil
		}
		var nf *store.ErrNotFound
		if !errors.As(err, &nf) {
			return nil, fmt.Errorf("load session: %w", err)
		}
	}

	session := &models.Session{
		ID:               uuid.NewString(),
		UserID:           req.UserID,
		ProviderConfigID: req.ProviderConfigID,
		ModelName:        modelName,
		Status:           models.SessionCompiling,
		RawPrompt:        req.RawPrompt,
		CreatedAt:        time.Now().UTC(),
		UpdatedAt:        time.Now().UTC(),
	}
	if err := p.store.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return session, nil
}

func (p *Pipeline) markFailed(ctx context.Context, session *models.Session, cause error) {
	session.Status = models.SessionError
	session.ErrorMessage = cause.Error()
	if err := p.store.UpdateSession(ctx, session); err != nil {
		log.Warn().Err(err).Str("session_id", session.ID).Msg("could not record session failure")
	}
}

func summarize(hops []*models.Hop) []HopSummary {
	out := make([]HopSummary, len(hops))
	for i, h := range hops {
		out[i] = HopSummary{
			ID:             h.ID,
			HopIndex:       h.HopIndex,
			HopType:        h.HopType,
			TokensIn:       h.TokensIn,
			TokensOut:      h.TokensOut,
			LatencyMs:      h.LatencyMs,
			Score:          h.Score,
			ScoreBreakdown: h.ScoreBreakdown,
			SHA256Hash:     h.SHA256Hash,
			TokenMethod:    h.TokenMethod,
		}
	}
	return out
}
