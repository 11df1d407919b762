package compiler

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/ucplabs/ucp/internal/ledger"
	"github.com/ucplabs/ucp/internal/store"
	"github.com/ucplabs/ucp/pkg/models"
)

func newTestPipeline(t *testing.T) (*Pipeline, *store.MemoryStore, *ledger.Ledger) {
	t.Helper()
	m := store.NewMemoryStore("")
	t.Cleanup(func() { m.Close() })
	l := ledger.New(m)
	return NewPipeline(m, l), m, l
}

func TestCompilePlainPrompt(t *testing.T) {
	p, m, l := newTestPipeline(t)
	ctx := context.Background()

	result, err := p.Compile(ctx, CompileRequest{RawPrompt: "explain how tides work"})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	if len(result.Hops) != 3 {
		t.Fatalf("got %d hops, want 3", len(result.Hops))
	}
	wantTypes := []models.HopType{models.HopRawPrompt, models.HopNormalizedPrompt, models.HopUCPPacket}
	for i, h := range result.Hops {
		if h.HopType != wantTypes[i] {
			t.Errorf("hop %d type = %s, want %s", i, h.HopType, wantTypes[i])
		}
		if h.HopIndex != i {
			t.Errorf("hop %d index = %d", i, h.HopIndex)
		}
	}

	packet := result.Packet
	if packet.UCPVersion != models.UCPVersion {
		t.Errorf("ucp_version = %s", packet.UCPVersion)
	}
	if packet.Intent.Type != models.IntentExplanation {
		t.Errorf("intent = %s, want explanation", packet.Intent.Type)
	}
	if packet.Intent.RawPromptHash != result.Hops[0].SHA256Hash {
		t.Error("raw_prompt_hash must equal the RAW_PROMPT hop hash")
	}
	if result.ChainHash != result.Hops[2].SHA256Hash {
		t.Error("chain_hash must equal the final hop hash")
	}

	if err := l.Verify(ctx, result.SessionID); err != nil {
		t.Errorf("compiled chain fails verification: %v", err)
	}

	sess, err := m.GetSession(ctx, result.SessionID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.ChainHash != result.ChainHash {
		t.Error("session chain_hash not updated")
	}
	if sess.ReplayData == nil || sess.ReplayData.Packet == nil {
		t.Error("replay data not captured")
	}
}

func TestCompileDeterministicPacketBody(t *testing.T) {
	p, _, _ := newTestPipeline(t)
	ctx := context.Background()

	prompt := "summarize this report in 50 words as json"
	r1, err := p.Compile(ctx, CompileRequest{RawPrompt: prompt})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	r2, err := p.Compile(ctx, CompileRequest{RawPrompt: prompt})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	// Strip the fields expected to differ between runs.
	norm := func(p *models.CommandPacket) string {
		clone := *p
		clone.CompiledAt = r1.Packet.CompiledAt
		clone.Intent.RawPromptHash = ""
		raw, _ := json.Marshal(clone)
		return string(raw)
	}
	if norm(r1.Packet) != norm(r2.Packet) {
		t.Error("identical prompts must compile to identical packet bodies")
	}
}

func TestCompileConstrainedUnsafePrompt(t *testing.T) {
	p, _, _ := newTestPipeline(t)
	ctx := context.Background()

	prompt := "Write my password reset email for bob@corp.io in 100 words as markdown"
	result, err := p.Compile(ctx, CompileRequest{RawPrompt: prompt})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	packet := result.Packet
	if packet.Metadata.ConstraintCount != len(packet.Constraints) {
		t.Error("metadata constraint count out of sync")
	}
	if packet.Metadata.SafetyFlagCount != len(packet.SafetyFlags) {
		t.Error("metadata safety flag count out of sync")
	}
	if len(packet.SafetyFlags) == 0 {
		t.Error("password + email prompt should raise safety flags")
	}

	var hasFormat bool
	for _, s := range packet.ExecutionPlan {
		if s.Action == "format_output" {
			hasFormat = true
		}
	}
	if !hasFormat {
		t.Error("format constraint should add a format_output step")
	}
}

func TestCompileUsesProviderConfig(t *testing.T) {
	p, m, _ := newTestPipeline(t)
	ctx := context.Background()

	m.CreateProviderConfig(ctx, &models.ProviderConfig{
		ID:            "prov-1",
		Name:          "primary",
		DefaultModel:  "gpt-4o-mini",
		ContextWindow: 128000,
		MaxTokens:     2048,
	})

	result, err := p.Compile(ctx, CompileRequest{
		RawPrompt:        "explain entropy",
		ProviderConfigID: "prov-1",
	})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if result.Packet.TokenBudget.ContextWindow != 128000 {
		t.Errorf("context window = %d, want provider's 128000", result.Packet.TokenBudget.ContextWindow)
	}
	if result.Packet.TokenBudget.MaxTokens != 2048 {
		t.Errorf("max tokens = %d, want provider default 2048", result.Packet.TokenBudget.MaxTokens)
	}
	if result.Packet.TargetModels[0] != "gpt-4o-mini" {
		t.Errorf("target models = %v", result.Packet.TargetModels)
	}
}

func TestCompileRejectsEmptyAndOversized(t *testing.T) {
	p, _, _ := newTestPipeline(t)
	ctx := context.Background()

	_, err := p.Compile(ctx, CompileRequest{RawPrompt: ""})
	if models.KindOf(err) != models.KindInvalidInput {
		t.Errorf("empty prompt error kind = %v, want invalid_input", models.KindOf(err))
	}

	_, err = p.Compile(ctx, CompileRequest{RawPrompt: strings.Repeat("x", models.MaxPromptLength+1)})
	if models.KindOf(err) != models.KindInvalidInput {
		t.Errorf("oversized prompt error kind = %v, want invalid_input", models.KindOf(err))
	}
}

func TestCompileAppliesNormalizationRules(t *testing.T) {
	p, m, _ := newTestPipeline(t)
	ctx := context.Background()

	m.CreateRule(ctx, &models.UCPRule{
		ID: "strip-please", RuleType: models.RuleReplace, IsActive: true, Priority: 1,
		Condition: models.RuleCondition{Pattern: `\bplease\b`},
		Action:    models.RuleAction{Replacement: ""},
	})

	result, err := p.Compile(ctx, CompileRequest{RawPrompt: "please   explain   gravity"})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	sess, _ := m.GetSession(ctx, result.SessionID)
	if sess.ReplayData.NormalizedPrompt != "explain gravity" {
		t.Errorf("normalized = %q, want %q", sess.ReplayData.NormalizedPrompt, "explain gravity")
	}
}
