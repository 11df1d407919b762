// Package store — PostgreSQL Store implementation backed by pgx.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/ucplabs/ucp/pkg/models"
)

// PostgresStore implements Store on a pgx connection pool. Structured
// columns carry the fields used in WHERE clauses; the full record is kept
// alongside as JSONB so the schema does not chase every model change.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to connURL and runs migrations.
func NewPostgresStore(ctx context.Context, connURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}

	log.Info().Msg("Postgres store initialized")
	return s, nil
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	ddl := `
		CREATE TABLE IF NOT EXISTS ucp_sessions (
			id         TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			record     JSONB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_ucp_sessions_user ON ucp_sessions (user_id, created_at DESC);

		CREATE TABLE IF NOT EXISTS ucp_hops (
			session_id TEXT NOT NULL REFERENCES ucp_sessions(id) ON DELETE CASCADE,
			hop_index  INT  NOT NULL,
			record     JSONB NOT NULL,
			PRIMARY KEY (session_id, hop_index)
		);

		CREATE TABLE IF NOT EXISTS ucp_api_keys (
			id       TEXT PRIMARY KEY,
			key_hash TEXT NOT NULL UNIQUE,
			record   JSONB NOT NULL
		);

		CREATE TABLE IF NOT EXISTS ucp_rules (
			id     TEXT PRIMARY KEY,
			record JSONB NOT NULL
		);

		CREATE TABLE IF NOT EXISTS ucp_providers (
			id     TEXT PRIMARY KEY,
			record JSONB NOT NULL
		);
	`
	_, err := s.pool.Exec(ctx, ddl)
	return err
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// apiKeyRecord mirrors models.APIKey with the hash included, since the
// public JSON shape deliberately omits it.
type apiKeyRecord struct {
	models.APIKey
	KeyHash string `json:"key_hash"`
}

// ── Session Store ───────────────────────────────────────────

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT record FROM ucp_sessions WHERE id = $1`, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "session", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	var sess models.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &sess, nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, session *models.Session) error {
	raw, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO ucp_sessions (id, user_id, created_at, record) VALUES ($1, $2, $3, $4)`,
		session.ID, session.UserID, session.CreatedAt, raw)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateSession(ctx context.Context, session *models.Session) error {
	raw, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE ucp_sessions SET record = $2 WHERE id = $1`, session.ID, raw)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "session", Key: session.ID}
	}
	return nil
}

func (s *PostgresStore) DeleteSession(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM ucp_sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "session", Key: id}
	}
	return nil
}

func (s *PostgresStore) ListSessions(ctx context.Context, userID string, limit int) ([]models.Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT record FROM ucp_sessions
		 WHERE ($1 = '' OR user_id = $1)
		 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var result []models.Session
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var sess models.Session
		if err := json.Unmarshal(raw, &sess); err != nil {
			return nil, fmt.Errorf("decode session: %w", err)
		}
		result = append(result, sess)
	}
	return result, rows.Err()
}

// ── Hop Store ───────────────────────────────────────────────

func (s *PostgresStore) AppendHop(ctx context.Context, hop *models.Hop) error {
	raw, err := json.Marshal(hop)
	if err != nil {
		return fmt.Errorf("encode hop: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO ucp_hops (session_id, hop_index, record) VALUES ($1, $2, $3)`,
		hop.SessionID, hop.HopIndex, raw)
	if err != nil {
		return fmt.Errorf("append hop: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListHops(ctx context.Context, sessionID string) ([]models.Hop, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT record FROM ucp_hops WHERE session_id = $1 ORDER BY hop_index`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list hops: %w", err)
	}
	defer rows.Close()

	result := []models.Hop{}
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var hop models.Hop
		if err := json.Unmarshal(raw, &hop); err != nil {
			return nil, fmt.Errorf("decode hop: %w", err)
		}
		result = append(result, hop)
	}
	return result, rows.Err()
}

func (s *PostgresStore) LastHop(ctx context.Context, sessionID string) (*models.Hop, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT record FROM ucp_hops WHERE session_id = $1 ORDER BY hop_index DESC LIMIT 1`,
		sessionID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "hop", Key: sessionID}
	}
	if err != nil {
		return nil, fmt.Errorf("last hop: %w", err)
	}
	var hop models.Hop
	if err := json.Unmarshal(raw, &hop); err != nil {
		return nil, fmt.Errorf("decode hop: %w", err)
	}
	return &hop, nil
}

// ── API Key Store ───────────────────────────────────────────

func (s *PostgresStore) GetAPIKey(ctx context.Context, id string) (*models.APIKey, error) {
	return s.queryAPIKey(ctx, `SELECT record FROM ucp_api_keys WHERE id = $1`, id)
}

func (s *PostgresStore) GetAPIKeyByHash(ctx context.Context, hash string) (*models.APIKey, error) {
	return s.queryAPIKey(ctx, `SELECT record FROM ucp_api_keys WHERE key_hash = $1`, hash)
}

func (s *PostgresStore) queryAPIKey(ctx context.Context, query, arg string) (*models.APIKey, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, query, arg).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "api_key", Key: arg}
	}
	if err != nil {
		return nil, fmt.Errorf("get api key: %w", err)
	}
	var rec apiKeyRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode api key: %w", err)
	}
	key := rec.APIKey
	key.KeyHash = rec.KeyHash
	return &key, nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context) ([]models.APIKey, error) {
	rows, err := s.pool.Query(ctx, `SELECT record FROM ucp_api_keys ORDER BY record->>'created_at' DESC`)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var result []models.APIKey
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var rec apiKeyRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("decode api key: %w", err)
		}
		key := rec.APIKey
		key.KeyHash = rec.KeyHash
		result = append(result, key)
	}
	return result, rows.Err()
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	raw, err := json.Marshal(apiKeyRecord{APIKey: *key, KeyHash: key.KeyHash})
	if err != nil {
		return fmt.Errorf("encode api key: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO ucp_api_keys (id, key_hash, record) VALUES ($1, $2, $3)`,
		key.ID, key.KeyHash, raw)
	if err != nil {
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateAPIKey(ctx context.Context, key *models.APIKey) error {
	raw, err := json.Marshal(apiKeyRecord{APIKey: *key, KeyHash: key.KeyHash})
	if err != nil {
		return fmt.Errorf("encode api key: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE ucp_api_keys SET key_hash = $2, record = $3 WHERE id = $1`,
		key.ID, key.KeyHash, raw)
	if err != nil {
		return fmt.Errorf("update api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "api_key", Key: key.ID}
	}
	return nil
}

func (s *PostgresStore) DeleteAPIKey(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM ucp_api_keys WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "api_key", Key: id}
	}
	return nil
}

// ── Rule Store ──────────────────────────────────────────────

func (s *PostgresStore) ListRules(ctx context.Context, activeOnly bool) ([]models.UCPRule, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT record FROM ucp_rules
		 WHERE NOT $1 OR (record->>'is_active')::boolean
		 ORDER BY (record->>'priority')::int`, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	var result []models.UCPRule
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var rule models.UCPRule
		if err := json.Unmarshal(raw, &rule); err != nil {
			return nil, fmt.Errorf("decode rule: %w", err)
		}
		result = append(result, rule)
	}
	return result, rows.Err()
}

func (s *PostgresStore) GetRule(ctx context.Context, id string) (*models.UCPRule, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT record FROM ucp_rules WHERE id = $1`, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "rule", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get rule: %w", err)
	}
	var rule models.UCPRule
	if err := json.Unmarshal(raw, &rule); err != nil {
		return nil, fmt.Errorf("decode rule: %w", err)
	}
	return &rule, nil
}

func (s *PostgresStore) CreateRule(ctx context.Context, rule *models.UCPRule) error {
	return s.upsertJSON(ctx, "ucp_rules", rule.ID, rule, true)
}

func (s *PostgresStore) UpdateRule(ctx context.Context, rule *models.UCPRule) error {
	return s.upsertJSON(ctx, "ucp_rules", rule.ID, rule, false)
}

func (s *PostgresStore) DeleteRule(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM ucp_rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "rule", Key: id}
	}
	return nil
}

// ── Provider Config Store ───────────────────────────────────

func (s *PostgresStore) ListProviderConfigs(ctx context.Context) ([]models.ProviderConfig, error) {
	rows, err := s.pool.Query(ctx, `SELECT record FROM ucp_providers ORDER BY record->>'name'`)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	defer rows.Close()

	var result []models.ProviderConfig
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var cfg models.ProviderConfig
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("decode provider: %w", err)
		}
		result = append(result, cfg)
	}
	return result, rows.Err()
}

func (s *PostgresStore) GetProviderConfig(ctx context.Context, id string) (*models.ProviderConfig, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT record FROM ucp_providers WHERE id = $1`, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "provider_config", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get provider: %w", err)
	}
	var cfg models.ProviderConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("decode provider: %w", err)
	}
	return &cfg, nil
}

func (s *PostgresStore) CreateProviderConfig(ctx context.Context, cfg *models.ProviderConfig) error {
	return s.upsertJSON(ctx, "ucp_providers", cfg.ID, cfg, true)
}

func (s *PostgresStore) UpdateProviderConfig(ctx context.Context, cfg *models.ProviderConfig) error {
	return s.upsertJSON(ctx, "ucp_providers", cfg.ID, cfg, false)
}

func (s *PostgresStore) DeleteProviderConfig(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM ucp_providers WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete provider: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "provider_config", Key: id}
	}
	return nil
}

// upsertJSON writes one record-table row. insert=true performs an upsert;
// insert=false requires the row to exist.
func (s *PostgresStore) upsertJSON(ctx context.Context, table, id string, v any, insert bool) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", table, err)
	}
	if insert {
		_, err = s.pool.Exec(ctx,
			`INSERT INTO `+table+` (id, record) VALUES ($1, $2)
			 ON CONFLICT (id) DO UPDATE SET record = EXCLUDED.record`, id, raw)
		if err != nil {
			return fmt.Errorf("insert %s: %w", table, err)
		}
		return nil
	}
	tag, err := s.pool.Exec(ctx, `UPDATE `+table+` SET record = $2 WHERE id = $1`, id, raw)
	if err != nil {
		return fmt.Errorf("update %s: %w", table, err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: table, Key: id}
	}
	return nil
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
