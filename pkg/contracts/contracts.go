// Package contracts defines the service interfaces for the UCP engine.
//
// These interfaces form the composition boundary: the handlers and server
// wiring depend on them, so a deployment can swap any stage — a different
// compiler, a remote execution engine, an external key service — without
// touching the HTTP layer.
package contracts

import (
	"context"

	"github.com/ucplabs/ucp/internal/compiler"
	"github.com/ucplabs/ucp/internal/interpreter"
	"github.com/ucplabs/ucp/internal/keys"
	"github.com/ucplabs/ucp/internal/runner"
	"github.com/ucplabs/ucp/internal/store"
	"github.com/ucplabs/ucp/pkg/models"
)

// Store is a type alias for the internal Store interface, exposed so
// embedding applications can reference it without importing internal/.
type Store = store.Store

// ErrNotFound is a type alias for the internal ErrNotFound error.
type ErrNotFound = store.ErrNotFound

// ── Compilation ─────────────────────────────────────────────

// CompilerService turns raw prompts into command packets, appending the
// RAW_PROMPT / NORMALIZED_PROMPT / UCP_PACKET hops to the session ledger.
type CompilerService interface {
	Compile(ctx context.Context, req compiler.CompileRequest) (*compiler.CompileResult, error)
}

// ── Provider Execution ──────────────────────────────────────

// RunnerService executes a compiled session against its provider,
// extending the hop chain with the provider request, response, and final
// output.
type RunnerService interface {
	Execute(ctx context.Context, sessionID string) (*runner.Result, error)
}

// ── Packet Execution ────────────────────────────────────────

// ExecutionService runs executable packets and returns their receipts.
type ExecutionService interface {
	Execute(ctx context.Context, p *interpreter.ExecPacket) (*interpreter.Receipt, error)
}

// ── Ledger Verification ─────────────────────────────────────

// LedgerService exposes chain verification and session scoring.
type LedgerService interface {
	Verify(ctx context.Context, sessionID string) error
	SessionScore(ctx context.Context, sessionID string) (int, error)
}

// ── Key Management ──────────────────────────────────────────

// KeyService manages API key lifecycle, authorization, and packet
// signature verification.
type KeyService interface {
	Generate(ctx context.Context, in keys.GenerateInput) (string, *models.APIKey, error)
	Authorize(ctx context.Context, plaintext string, perm models.Permission) (*models.APIKey, error)
	Revoke(ctx context.Context, id string) (*models.APIKey, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]models.APIKey, error)
	VerifySignature(ctx context.Context, plaintext, claimedPrefix string, packet any, signature string) error
}
