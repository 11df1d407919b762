// Package store — in-memory Store implementation.
// Used when PostgreSQL is not configured (local dev, tests, single node).
// Supports file-based snapshot persistence so data survives restarts.
package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/ucplabs/ucp/pkg/models"
)

// snapshot is the JSON-serializable shape written to disk.
type snapshot struct {
	Sessions map[string]*models.Session `json:"sessions"`
	Hops     map[string][]*models.Hop   `json:"hops"` // key: session_id → ordered hop list
	APIKeys  map[string]*models.APIKey  `json:"api_keys"`
	// KeyHashes carries id → key_hash, since APIKey excludes the hash
	// from its JSON shape.
	KeyHashes map[string]string                 `json:"key_hashes"`
	Rules     map[string]*models.UCPRule        `json:"rules"`
	Providers map[string]*models.ProviderConfig `json:"providers"`
}

// MemoryStore implements Store with in-memory maps.
type MemoryStore struct {
	mu        sync.RWMutex
	sessions  map[string]*models.Session        // key: id
	hops      map[string][]*models.Hop          // key: session_id, ordered by hop_index
	apiKeys   map[string]*models.APIKey         // key: id
	keyByHash map[string]string                 // key_hash → id
	rules     map[string]*models.UCPRule        // key: id
	providers map[string]*models.ProviderConfig // key: id

	// Persistence
	snapshotPath string        // empty = no persistence
	saveMu       sync.Mutex    // guards file writes
	saveCh       chan struct{} // debounce channel
	doneCh       chan struct{} // signals background goroutines to stop

	// Session TTL — sessions (and their hops) older than this are evicted.
	// Set via UCP_SESSION_TTL (Go duration string); defaults to 7 days.
	sessionTTL time.Duration
}

// NewMemoryStore creates a new in-memory store. snapshotPath enables
// file persistence when non-empty; relative paths resolve from the
// working directory.
func NewMemoryStore(snapshotPath string) *MemoryStore {
	sessionTTL := 7 * 24 * time.Hour
	if ttlStr := os.Getenv("UCP_SESSION_TTL"); ttlStr != "" {
		if parsed, err := time.ParseDuration(ttlStr); err == nil {
			sessionTTL = parsed
		} else {
			log.Warn().Str("value", ttlStr).Msg("Invalid UCP_SESSION_TTL, using default 7d")
		}
	}

	m := &MemoryStore{
		sessions:     make(map[string]*models.Session),
		hops:         make(map[string][]*models.Hop),
		apiKeys:      make(map[string]*models.APIKey),
		keyByHash:    make(map[string]string),
		rules:        make(map[string]*models.UCPRule),
		providers:    make(map[string]*models.ProviderConfig),
		saveCh:       make(chan struct{}, 1),
		doneCh:       make(chan struct{}),
		snapshotPath: snapshotPath,
		sessionTTL:   sessionTTL,
	}

	if m.snapshotPath != "" {
		if dir := filepath.Dir(m.snapshotPath); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				log.Warn().Err(err).Str("dir", dir).Msg("Cannot create data dir, persistence disabled")
				m.snapshotPath = ""
			}
		}
	}

	if m.snapshotPath != "" {
		m.loadSnapshot()
		go m.saveLoop()
	}

	go m.sessionEvictionLoop()

	log.Info().
		Str("session_ttl", sessionTTL.String()).
		Str("snapshot", m.snapshotPath).
		Msg("Memory store configured")

	return m
}

// requestSave signals the background goroutine to persist data.
// Non-blocking: coalesces multiple rapid writes into one disk flush.
func (m *MemoryStore) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
		// Already pending
	}
}

// saveLoop runs in a goroutine, debouncing save requests (max 1 write per 500ms).
func (m *MemoryStore) saveLoop() {
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			time.Sleep(500 * time.Millisecond) // debounce
			m.saveSnapshot()
		}
	}
}

// sessionEvictionLoop periodically removes sessions older than sessionTTL,
// along with their hop chains.
func (m *MemoryStore) sessionEvictionLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.doneCh:
			return
		case <-ticker.C:
			m.evictExpiredSessions()
		}
	}
}

func (m *MemoryStore) evictExpiredSessions() {
	cutoff := time.Now().Add(-m.sessionTTL)

	m.mu.Lock()
	var evicted int
	for id, s := range m.sessions {
		if s.CreatedAt.Before(cutoff) {
			delete(m.sessions, id)
			delete(m.hops, id)
			evicted++
		}
	}
	m.mu.Unlock()

	if evicted > 0 {
		log.Info().Int("evicted", evicted).Str("ttl", m.sessionTTL.String()).Msg("Evicted expired sessions")
		m.requestSave()
	}
}

// saveSnapshot persists all data to disk as JSON.
func (m *MemoryStore) saveSnapshot() {
	m.mu.RLock()
	hashes := make(map[string]string, len(m.apiKeys))
	for id, k := range m.apiKeys {
		hashes[id] = k.KeyHash
	}
	snap := snapshot{
		Sessions:  m.sessions,
		Hops:      m.hops,
		APIKeys:   m.apiKeys,
		KeyHashes: hashes,
		Rules:     m.rules,
		Providers: m.providers,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	m.mu.RUnlock()

	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal snapshot")
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	// Write to temp file then rename for atomicity
	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("Failed to write snapshot tmp")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to rename snapshot")
		return
	}

	log.Debug().Str("path", m.snapshotPath).Msg("Snapshot saved")
}

// loadSnapshot reads data from disk on startup.
func (m *MemoryStore) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", m.snapshotPath).Msg("No snapshot file found, starting fresh")
			return
		}
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Failed to read snapshot")
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to parse snapshot, starting fresh")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if snap.Sessions != nil {
		m.sessions = snap.Sessions
	}
	if snap.Hops != nil {
		m.hops = snap.Hops
	}
	if snap.APIKeys != nil {
		m.apiKeys = snap.APIKeys
		for id, k := range m.apiKeys {
			if h, ok := snap.KeyHashes[id]; ok {
				k.KeyHash = h
			}
			m.keyByHash[k.KeyHash] = id
		}
	}
	if snap.Rules != nil {
		m.rules = snap.Rules
	}
	if snap.Providers != nil {
		m.providers = snap.Providers
	}

	log.Info().
		Int("sessions", len(m.sessions)).
		Int("api_keys", len(m.apiKeys)).
		Int("rules", len(m.rules)).
		Int("providers", len(m.providers)).
		Str("path", m.snapshotPath).
		Msg("Snapshot loaded")
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

// Close stops background goroutines and forces a final snapshot write.
// Safe to call multiple times (second call is a no-op).
func (m *MemoryStore) Close() error {
	select {
	case <-m.doneCh:
		// Already closed
		return nil
	default:
		close(m.doneCh)
	}

	// Force a final snapshot write so no in-flight data is lost
	if m.snapshotPath != "" {
		log.Info().Msg("Flushing final snapshot before shutdown...")
		m.saveSnapshot()
	}

	log.Info().Msg("Memory store closed")
	return nil
}

func (m *MemoryStore) Migrate(_ context.Context) error { return nil }

// ── Session Store ───────────────────────────────────────────

func (m *MemoryStore) GetSession(_ context.Context, id string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "session", Key: id}
	}
	copy := *s
	return &copy, nil
}

func (m *MemoryStore) CreateSession(_ context.Context, session *models.Session) error {
	m.mu.Lock()
	copy := *session
	m.sessions[session.ID] = &copy
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) UpdateSession(_ context.Context, session *models.Session) error {
	m.mu.Lock()
	if _, ok := m.sessions[session.ID]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "session", Key: session.ID}
	}
	copy := *session
	copy.UpdatedAt = time.Now().UTC()
	m.sessions[session.ID] = &copy
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	if _, ok := m.sessions[id]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "session", Key: id}
	}
	delete(m.sessions, id)
	delete(m.hops, id)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListSessions(_ context.Context, userID string, limit int) ([]models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.Session
	for _, s := range m.sessions {
		if userID == "" || s.UserID == userID {
			result = append(result, *s)
		}
	}
	// Newest first
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// ── Hop Store ───────────────────────────────────────────────

func (m *MemoryStore) AppendHop(_ context.Context, hop *models.Hop) error {
	m.mu.Lock()
	copy := *hop
	m.hops[hop.SessionID] = append(m.hops[hop.SessionID], &copy)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListHops(_ context.Context, sessionID string) ([]models.Hop, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	chain := m.hops[sessionID]
	result := make([]models.Hop, len(chain))
	for i, h := range chain {
		result[i] = *h
	}
	sort.Slice(result, func(i, j int) bool { return result[i].HopIndex < result[j].HopIndex })
	return result, nil
}

func (m *MemoryStore) LastHop(_ context.Context, sessionID string) (*models.Hop, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	chain := m.hops[sessionID]
	if len(chain) == 0 {
		return nil, &ErrNotFound{Entity: "hop", Key: sessionID}
	}
	last := chain[0]
	for _, h := range chain[1:] {
		if h.HopIndex > last.HopIndex {
			last = h
		}
	}
	copy := *last
	return &copy, nil
}

// ── API Key Store ───────────────────────────────────────────

func (m *MemoryStore) GetAPIKey(_ context.Context, id string) (*models.APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.apiKeys[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "api_key", Key: id}
	}
	copy := *k
	return &copy, nil
}

func (m *MemoryStore) GetAPIKeyByHash(_ context.Context, hash string) (*models.APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.keyByHash[hash]
	if !ok {
		return nil, &ErrNotFound{Entity: "api_key", Key: "hash"}
	}
	copy := *m.apiKeys[id]
	return &copy, nil
}

func (m *MemoryStore) ListAPIKeys(_ context.Context) ([]models.APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.APIKey
	for _, k := range m.apiKeys {
		result = append(result, *k)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result, nil
}

func (m *MemoryStore) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	m.mu.Lock()
	copy := *key
	m.apiKeys[key.ID] = &copy
	m.keyByHash[key.KeyHash] = key.ID
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) UpdateAPIKey(_ context.Context, key *models.APIKey) error {
	m.mu.Lock()
	if _, ok := m.apiKeys[key.ID]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "api_key", Key: key.ID}
	}
	copy := *key
	m.apiKeys[key.ID] = &copy
	m.keyByHash[key.KeyHash] = key.ID
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) DeleteAPIKey(_ context.Context, id string) error {
	m.mu.Lock()
	k, ok := m.apiKeys[id]
	if !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "api_key", Key: id}
	}
	delete(m.keyByHash, k.KeyHash)
	delete(m.apiKeys, id)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// ── Rule Store ──────────────────────────────────────────────

func (m *MemoryStore) ListRules(_ context.Context, activeOnly bool) ([]models.UCPRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.UCPRule
	for _, r := range m.rules {
		if activeOnly && !r.IsActive {
			continue
		}
		result = append(result, *r)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Priority < result[j].Priority })
	return result, nil
}

func (m *MemoryStore) GetRule(_ context.Context, id string) (*models.UCPRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rules[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "rule", Key: id}
	}
	copy := *r
	return &copy, nil
}

func (m *MemoryStore) CreateRule(_ context.Context, rule *models.UCPRule) error {
	m.mu.Lock()
	copy := *rule
	m.rules[rule.ID] = &copy
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) UpdateRule(_ context.Context, rule *models.UCPRule) error {
	m.mu.Lock()
	if _, ok := m.rules[rule.ID]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "rule", Key: rule.ID}
	}
	copy := *rule
	m.rules[rule.ID] = &copy
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) DeleteRule(_ context.Context, id string) error {
	m.mu.Lock()
	if _, ok := m.rules[id]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "rule", Key: id}
	}
	delete(m.rules, id)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// ── Provider Config Store ───────────────────────────────────

func (m *MemoryStore) ListProviderConfigs(_ context.Context) ([]models.ProviderConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.ProviderConfig
	for _, p := range m.providers {
		result = append(result, *p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func (m *MemoryStore) GetProviderConfig(_ context.Context, id string) (*models.ProviderConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.providers[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "provider_config", Key: id}
	}
	copy := *p
	return &copy, nil
}

func (m *MemoryStore) CreateProviderConfig(_ context.Context, cfg *models.ProviderConfig) error {
	m.mu.Lock()
	copy := *cfg
	m.providers[cfg.ID] = &copy
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) UpdateProviderConfig(_ context.Context, cfg *models.ProviderConfig) error {
	m.mu.Lock()
	if _, ok := m.providers[cfg.ID]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "provider_config", Key: cfg.ID}
	}
	copy := *cfg
	m.providers[cfg.ID] = &copy
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) DeleteProviderConfig(_ context.Context, id string) error {
	m.mu.Lock()
	if _, ok := m.providers[id]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "provider_config", Key: id}
	}
	delete(m.providers, id)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
