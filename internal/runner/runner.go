// Package runner implements the provider-execution stage: it takes a
// compiled session, sends the packet's prompt to the configured provider,
// and extends the session's hop chain with the PROVIDER_REQUEST,
// PROVIDER_RESPONSE, and FINAL_OUTPUT hops.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ucplabs/ucp/internal/compiler"
	"github.com/ucplabs/ucp/internal/ledger"
	"github.com/ucplabs/ucp/internal/provider"
	"github.com/ucplabs/ucp/internal/store"
	"github.com/ucplabs/ucp/internal/tokens"
	"github.com/ucplabs/ucp/pkg/models"
)

type chatClient interface {
	Chat(ctx context.Context, req provider.ChatRequest) (*provider.ChatResult, error)
}

// Runner executes compiled sessions against their provider.
type Runner struct {
	store  store.Store
	ledger *ledger.Ledger

	// fallback supplies the provider endpoint and API key from the
	// environment when the session's stored config carries no secret
	// (secrets are never persisted) or no provider is set at all.
	fallback models.ProviderConfig
	timeout  time.Duration

	// newClient is swappable in tests.
	newClient func(cfg models.ProviderConfig) chatClient
}

func New(st store.Store, l *ledger.Ledger, fallback models.ProviderConfig, timeout time.Duration) *Runner {
	r := &Runner{store: st, ledger: l, fallback: fallback, timeout: timeout}
	r.newClient = func(cfg models.ProviderConfig) chatClient {
		return provider.NewClient(cfg, r.timeout)
	}
	return r
}

// Totals aggregates the finished session.
type Totals struct {
	PromptTokens      int     `json:"prompt_tokens"`
	CompletionTokens  int     `json:"completion_tokens"`
	TotalTokens       int     `json:"total_tokens"`
	TotalCostEstimate float64 `json:"total_cost_estimate"`
	TotalLatencyMs    int64   `json:"total_latency_ms"`
	ContextWindowUsed float64 `json:"context_window_used"`
	SessionScore      int     `json:"session_score"`
	TokenMethod       string  `json:"token_method"`
}

// Result is returned from a successful provider execution.
type Result struct {
	SessionID   string                `json:"session_id"`
	FinalOutput string                `json:"final_output"`
	NewHops     []compiler.HopSummary `json:"new_hops"`
	Totals      Totals                `json:"totals"`
	ChainHash   string                `json:"chain_hash"`
}

// Execute runs the provider stage for a compiled session. The session must
// already carry a UCP_PACKET hop. On provider failure the session is marked
// error with the partial chain preserved.
func (r *Runner) Execute(ctx context.Context, sessionID string) (*Result, error) {
	start := time.Now()

	session, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	hops, err := r.store.ListHops(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load hops: %w", err)
	}
	var packetHop *models.Hop
	for _, h := range hops {
		if h.HopType == models.HopUCPPacket {
			packetHop = &h
			break
		}
	}
	if packetHop == nil {
		return nil, models.NewError(models.KindInvalidInput, "session not compiled; run compile first")
	}

	cfg, err := r.resolveProvider(ctx, session)
	if err != nil {
		return nil, err
	}
	contextWindow := cfg.ContextWindow
	if contextWindow <= 0 {
		contextWindow = 4096
	}

	var packet models.CommandPacket
	if err := json.Unmarshal([]byte(packetHop.Content), &packet); err != nil {
		return nil, models.WrapError(models.KindInternal, err, "decode packet hop")
	}

	normalizedPrompt := session.RawPrompt
	if session.ReplayData != nil && session.ReplayData.NormalizedPrompt != "" {
		normalizedPrompt = session.ReplayData.NormalizedPrompt
	}

	session.Status = models.SessionRunning
	if err := r.store.UpdateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("update session: %w", err)
	}

	chatReq := provider.NewChatRequest(&packet, normalizedPrompt, cfg)

	// Hop D: the exact request sent to the provider.
	requestJSON, err := json.MarshalIndent(chatReq, "", "  ")
	if err != nil {
		return nil, r.failSession(ctx, session, models.WrapError(models.KindInternal, err, "encode provider request"), start)
	}
	hopD, err := r.ledger.Append(ctx, ledger.AppendInput{
		SessionID:     session.ID,
		HopType:       models.HopProviderRequest,
		Content:       string(requestJSON),
		TokensIn:      tokens.Estimate(string(requestJSON)),
		LatencyMs:     time.Since(start).Milliseconds(),
		ContextWindow: contextWindow,
	})
	if err != nil {
		return nil, r.failSession(ctx, session, fmt.Errorf("provider request hop: %w", err), start)
	}

	chatResult, err := r.newClient(cfg).Chat(ctx, chatReq)
	if err != nil {
		wrapped := err
		if models.KindOf(err) != models.KindRateLimited {
			wrapped = models.WrapError(models.KindOperation, err, "provider call failed")
		}
		return nil, r.failSession(ctx, session, wrapped, start)
	}

	// Hop E: sanitized provider response, provider-reported tokens when
	// the usage block is present.
	sanitized := provider.Sanitize(chatResult.Raw)
	responseJSON, err := json.MarshalIndent(sanitized, "", "  ")
	if err != nil {
		return nil, r.failSession(ctx, session, models.WrapError(models.KindInternal, err, "encode provider response"), start)
	}

	tokenMethod := models.TokenMethodLocal
	completionTokens := 0
	promptTokens := 0
	if chatResult.Usage != nil {
		tokenMethod = models.TokenMethodProvider
		promptTokens = chatResult.Usage.PromptTokens
		completionTokens = chatResult.Usage.CompletionTokens
	} else {
		messagesJSON, _ := json.Marshal(chatReq.Messages)
		promptTokens = tokens.Estimate(string(messagesJSON))
	}

	hopE, err := r.ledger.Append(ctx, ledger.AppendInput{
		SessionID:     session.ID,
		HopType:       models.HopProviderResponse,
		Content:       string(responseJSON),
		TokensIn:      promptTokens,
		TokensOut:     completionTokens,
		LatencyMs:     chatResult.LatencyMs,
		ContextWindow: contextWindow,
		TokenMethod:   tokenMethod,
	})
	if err != nil {
		return nil, r.failSession(ctx, session, fmt.Errorf("provider response hop: %w", err), start)
	}

	// Hop F: the extracted assistant output closes the chain.
	finalOutput := chatResult.Content
	hopF, err := r.ledger.Append(ctx, ledger.AppendInput{
		SessionID:     session.ID,
		HopType:       models.HopFinalOutput,
		Content:       finalOutput,
		TokensOut:     tokens.Estimate(finalOutput),
		LatencyMs:     time.Since(start).Milliseconds(),
		ContextWindow: contextWindow,
		TokenMethod:   tokenMethod,
	})
	if err != nil {
		return nil, r.failSession(ctx, session, fmt.Errorf("final output hop: %w", err), start)
	}

	totalPromptTokens := session.PromptTokens + promptTokens
	totalTokens := totalPromptTokens + completionTokens
	totalCost := float64(totalPromptTokens)/1000*cfg.CostPer1kInput +
		float64(completionTokens)/1000*cfg.CostPer1kOutput
	contextUsed := tokens.WindowUsedPct(totalPromptTokens, contextWindow)
	totalLatency := time.Since(start).Milliseconds()

	sessionScore := session.SessionScore
	if score, sErr := r.ledger.SessionScore(ctx, session.ID); sErr == nil {
		sessionScore = score
	}

	session.Status = models.SessionSuccess
	session.FinalOutput = finalOutput
	session.PromptTokens = totalPromptTokens
	session.CompletionTokens = completionTokens
	session.TotalTokens = totalTokens
	session.CostEstimate = totalCost
	session.TotalLatencyMs = totalLatency
	session.SessionScore = sessionScore
	session.ContextWindowUsed = contextUsed
	session.ChainHash = hopF.SHA256Hash
	if err := r.store.UpdateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("update session: %w", err)
	}

	log.Info().
		Str("session_id", session.ID).
		Int("total_tokens", totalTokens).
		Int64("latency_ms", totalLatency).
		Str("token_method", tokenMethod).
		Msg("🚀 Session executed")

	return &Result{
		SessionID:   session.ID,
		FinalOutput: finalOutput,
		NewHops:     summarize(hopD, hopE, hopF),
		Totals: Totals{
			PromptTokens:      totalPromptTokens,
			CompletionTokens:  completionTokens,
			TotalTokens:       totalTokens,
			TotalCostEstimate: totalCost,
			TotalLatencyMs:    totalLatency,
			ContextWindowUsed: contextUsed,
			SessionScore:      sessionScore,
			TokenMethod:       tokenMethod,
		},
		ChainHash: hopF.SHA256Hash,
	}, nil
}

// resolveProvider loads the session's provider config, layering in the
// environment fallback for missing secrets and endpoints. Stored configs
// never carry API keys.
func (r *Runner) resolveProvider(ctx context.Context, session *models.Session) (models.ProviderConfig, error) {
	cfg := r.fallback
	if session.ProviderConfigID != "" {
		stored, err := r.store.GetProviderConfig(ctx, session.ProviderConfigID)
		if err != nil {
			var nf *store.ErrNotFound
			if !errors.As(err, &nf) {
				return cfg, fmt.Errorf("load provider config: %w", err)
			}
		} else {
			cfg = *stored
			if cfg.APIKey == "" {
				cfg.APIKey = r.fallback.APIKey
			}
		}
	}
	if cfg.BaseURL == "" {
		return cfg, models.NewError(models.KindInvalidInput, "no provider configured for this session")
	}
	return cfg, nil
}

// failSession marks the session errored, preserving whatever hops already
// chained, and decorates the error with session context.
func (r *Runner) failSession(ctx context.Context, session *models.Session, cause error, start time.Time) error {
	session.Status = models.SessionError
	session.ErrorMessage = cause.Error()
	session.TotalLatencyMs = time.Since(start).Milliseconds()
	if err := r.store.UpdateSession(ctx, session); err != nil {
		log.Error().Err(err).Str("session_id", session.ID).Msg("Failed to record session error")
	}

	var e *models.Error
	if !errors.As(cause, &e) {
		e = models.WrapError(models.KindOperation, cause, "provider execution failed")
	}
	e.SessionID = session.ID
	if last, err := r.store.LastHop(ctx, session.ID); err == nil {
		idx := last.HopIndex
		e.LastHopIndex = &idx
	}
	return e
}

func summarize(hops ...*models.Hop) []compiler.HopSummary {
	out := make([]compiler.HopSummary, 0, len(hops))
	for _, h := range hops {
		out = append(out, compiler.HopSummary{
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
		})
	}
	return out
}
