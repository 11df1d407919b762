// Package store provides the storage interface and implementations for the
// UCP engine: an in-memory store with JSON snapshots and a PostgreSQL
// store.
package store

import (
	"context"

	"github.com/ucplabs/ucp/pkg/models"
)

// Store is the primary storage interface for the engine. All handler and
// pipeline code depends on this interface, making it easy to swap between
// in-memory (tests, single node) and PostgreSQL (production)
// implementations.
type Store interface {
	SessionStore
	HopStore
	APIKeyStore
	RuleStore
	ProviderConfigStore

	// Ping checks if the backing storage is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error

	// Migrate prepares the backing storage (DDL for Postgres, snapshot
	// load for memory).
	Migrate(ctx context.Context) error
}

// ── Session Store ───────────────────────────────────────────

type SessionStore interface {
	GetSession(ctx context.Context, id string) (*models.Session, error)
	CreateSession(ctx context.Context, session *models.Session) error
	UpdateSession(ctx context.Context, session *models.Session) error
	DeleteSession(ctx context.Context, id string) error
	ListSessions(ctx context.Context, userID string, limit int) ([]models.Session, error)
}

// ── Hop Store ───────────────────────────────────────────────

// HopStore is append-only: hops are never updated or individually deleted,
// only removed wholesale when their session is deleted.
type HopStore interface {
	AppendHop(ctx context.Context, hop *models.Hop) error
	ListHops(ctx context.Context, sessionID string) ([]models.Hop, error)
	// LastHop returns the highest-index hop for a session, or ErrNotFound
	// when the session has none.
	LastHop(ctx context.Context, sessionID string) (*models.Hop, error)
}

// ── API Key Store ───────────────────────────────────────────

type APIKeyStore interface {
	GetAPIKey(ctx context.Context, id string) (*models.APIKey, error)
	// GetAPIKeyByHash looks a key up by its SHA-256 hash, the only form
	// the plaintext is ever stored in.
	GetAPIKeyByHash(ctx context.Context, hash string) (*models.APIKey, error)
	ListAPIKeys(ctx context.Context) ([]models.APIKey, error)
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	UpdateAPIKey(ctx context.Context, key *models.APIKey) error
	DeleteAPIKey(ctx context.Context, id string) error
}

// ── Rule Store ──────────────────────────────────────────────

type RuleStore interface {
	ListRules(ctx context.Context, activeOnly bool) ([]models.UCPRule, error)
	GetRule(ctx context.Context, id string) (*models.UCPRule, error)
	CreateRule(ctx context.Context, rule *models.UCPRule) error
	UpdateRule(ctx context.Context, rule *models.UCPRule) error
	DeleteRule(ctx context.Context, id string) error
}

// ── Provider Config Store ───────────────────────────────────

type ProviderConfigStore interface {
	ListProviderConfigs(ctx context.Context) ([]models.ProviderConfig, error)
	GetProviderConfig(ctx context.Context, id string) (*models.ProviderConfig, error)
	CreateProviderConfig(ctx context.Context, cfg *models.ProviderConfig) error
	UpdateProviderConfig(ctx context.Context, cfg *models.ProviderConfig) error
	DeleteProviderConfig(ctx context.Context, id string) error
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}
