// Package keys manages API keys and packet signing. Plaintext key material
// exists only in the moment of creation and in callers' hands: the store
// holds a SHA-256 hash plus a 12-character display prefix, and every
// authorization re-hashes the presented plaintext.
package keys

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ucplabs/ucp/internal/digest"
	"github.com/ucplabs/ucp/internal/store"
	"github.com/ucplabs/ucp/pkg/models"
)

const (
	keyPrefix   = "ucp_"
	keyLength   = 32
	keyAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

	// displayPrefixLen characters of the plaintext survive as the
	// human-readable identifier.
	displayPrefixLen = 12

	// rateWindow is the rolling period RateLimit applies to.
	rateWindow = time.Hour
)

// Signature header names for remotely submitted signed packets.
const (
	HeaderSignature = "X-UCP-Signature"
	HeaderKeyPrefix = "X-UCP-Key-Prefix"
)

// Service manages key lifecycle, authorization, and HMAC signing.
type Service struct {
	store store.Store

	// rateMu serializes the read-modify-write of rolling window counters.
	rateMu           sync.Mutex
	defaultRateLimit int
}

func NewService(st store.Store, defaultRateLimit int) *Service {
	if defaultRateLimit <= 0 {
		defaultRateLimit = 100
	}
	return &Service{store: st, defaultRateLimit: defaultRateLimit}
}

// GenerateInput describes a key to create.
type GenerateInput struct {
	Name        string
	Permissions []models.Permission
	RateLimit   int
	// ExpiresAt is nil for keys that never expire.
	ExpiresAt *time.Time
}

// Generate creates a key and returns the plaintext exactly once. Only the
// hash and display prefix are persisted; the plaintext cannot be recovered.
func (s *Service) Generate(ctx context.Context, in GenerateInput) (string, *models.APIKey, error) {
	plaintext, err := randomKey()
	if err != nil {
		return "", nil, fmt.Errorf("generate key material: %w", err)
	}

	name := in.Name
	if name == "" {
		name = "Unnamed Key"
	}
	permissions := in.Permissions
	if len(permissions) == 0 {
		permissions = []models.Permission{models.PermExecute, models.PermRead}
	}
	rateLimit := in.RateLimit
	if rateLimit <= 0 {
		rateLimit = s.defaultRateLimit
	}

	key := &models.APIKey{
		ID:          uuid.NewString(),
		Name:        name,
		KeyPrefix:   plaintext[:displayPrefixLen] + "...",
		KeyHash:     digest.SHA256Hex(plaintext),
		Permissions: permissions,
		RateLimit:   rateLimit,
		Status:      models.APIKeyActive,
		ExpiresAt:   in.ExpiresAt,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.CreateAPIKey(ctx, key); err != nil {
		return "", nil, fmt.Errorf("store key: %w", err)
	}

	log.Info().
		Str("key_id", key.ID).
		Str("key_prefix", key.KeyPrefix).
		Int("rate_limit", key.RateLimit).
		Msg("🔑 API key created")
	return plaintext, key, nil
}

func randomKey() (string, error) {
	buf := make([]byte, keyLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, keyLength)
	for i, b := range buf {
		out[i] = keyAlphabet[int(b)%len(keyAlphabet)]
	}
	return keyPrefix + string(out), nil
}

// Authorize validates a presented plaintext key for one operation needing
// perm: the key must exist, be active, be unexpired, grant the permission,
// and have rate-limit budget in the current rolling hour. Success counts
// against the window and updates usage accounting.
func (s *Service) Authorize(ctx context.Context, plaintext string, perm models.Permission) (*models.APIKey, error) {
	key, err := s.store.GetAPIKeyByHash(ctx, digest.SHA256Hex(plaintext))
	if err != nil {
		var nf *store.ErrNotFound
		if errors.As(err, &nf) {
			return nil, models.NewError(models.KindUnauthorized, "invalid API key")
		}
		return nil, fmt.Errorf("look up key: %w", err)
	}

	if key.Status != models.APIKeyActive {
		return nil, models.NewError(models.KindUnauthorized, "API key is %s", key.Status)
	}
	now := time.Now().UTC()
	if key.ExpiresAt != nil && now.After(*key.ExpiresAt) {
		return nil, models.NewError(models.KindUnauthorized, "API key expired")
	}
	if !key.HasPermission(perm) {
		return nil, models.NewError(models.KindUnauthorized, "API key lacks %q permission", perm)
	}

	s.rateMu.Lock()
	defer s.rateMu.Unlock()

	if key.WindowStart == nil || now.Sub(*key.WindowStart) >= rateWindow {
		key.WindowStart = &now
		key.WindowCount = 0
	}
	if key.RateLimit > 0 && key.WindowCount >= key.RateLimit {
		return nil, models.NewError(models.KindRateLimited,
			"rate limit exceeded: %d requests per hour", key.RateLimit)
	}
	key.WindowCount++
	key.UsageCount++
	key.LastUsedAt = &now
	if err := s.store.UpdateAPIKey(ctx, key); err != nil {
		return nil, fmt.Errorf("record key usage: %w", err)
	}
	return key, nil
}

// Revoke deactivates a key. Revoking an already-revoked key is a no-op.
func (s *Service) Revoke(ctx context.Context, id string) (*models.APIKey, error) {
	key, err := s.store.GetAPIKey(ctx, id)
	if err != nil {
		return nil, err
	}
	if key.Status == models.APIKeyRevoked {
		return key, nil
	}
	key.Status = models.APIKeyRevoked
	if err := s.store.UpdateAPIKey(ctx, key); err != nil {
		return nil, fmt.Errorf("revoke key: %w", err)
	}
	log.Info().Str("key_id", id).Msg("🔒 API key revoked")
	return key, nil
}

// Delete removes a key record entirely.
func (s *Service) Delete(ctx context.Context, id string) error {
	return s.store.DeleteAPIKey(ctx, id)
}

// List returns all key records (hashes never serialize).
func (s *Service) List(ctx context.Context) ([]models.APIKey, error) {
	return s.store.ListAPIKeys(ctx)
}

// Sign computes the HMAC-SHA256 signature of a packet under a plaintext
// key. The packet is canonicalized (sorted keys) first so semantically
// identical JSON always signs the same.
func Sign(packet any, plaintext string) (string, error) {
	canonical, err := digest.CanonicalJSON(packet)
	if err != nil {
		return "", fmt.Errorf("canonicalize packet: %w", err)
	}
	return digest.HMACSHA256Hex(plaintext, canonical), nil
}

// VerifySignature checks a remotely submitted signed packet: the presented
// plaintext must hash to a key whose display prefix matches the claimed
// one, and the signature must match the HMAC of the canonicalized packet
// under that plaintext.
func (s *Service) VerifySignature(ctx context.Context, plaintext, claimedPrefix string, packet any, signature string) error {
	key, err := s.store.GetAPIKeyByHash(ctx, digest.SHA256Hex(plaintext))
	if err != nil {
		var nf *store.ErrNotFound
		if errors.As(err, &nf) {
			return models.NewError(models.KindUnauthorized, "invalid API key")
		}
		return fmt.Errorf("look up key: %w", err)
	}
	if claimedPrefix != "" && key.KeyPrefix != claimedPrefix {
		return models.NewError(models.KindUnauthorized, "key prefix mismatch")
	}
	want, err := Sign(packet, plaintext)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(want), []byte(signature)) {
		return models.NewError(models.KindUnauthorized, "packet signature mismatch")
	}
	return nil
}
