package keys

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/ucplabs/ucp/internal/digest"
	"github.com/ucplabs/ucp/internal/store"
	"github.com/ucplabs/ucp/pkg/models"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	m := store.NewMemoryStore("")
	t.Cleanup(func() { m.Close() })
	return NewService(m, 100)
}

func TestGenerateKeyShape(t *testing.T) {
	s := newTestService(t)
	plaintext, key, err := s.Generate(context.Background(), GenerateInput{Name: "ci"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !strings.HasPrefix(plaintext, "ucp_") {
		t.Errorf("plaintext prefix = %q", plaintext[:4])
	}
	if len(plaintext) != 4+32 {
		t.Errorf("plaintext length = %d, want 36", len(plaintext))
	}
	for _, c := range plaintext[4:] {
		if !strings.ContainsRune(keyAlphabet, c) {
			t.Errorf("character %q outside key alphabet", c)
		}
	}
	if key.KeyPrefix != plaintext[:12]+"..." {
		t.Errorf("display prefix = %q", key.KeyPrefix)
	}
	if key.KeyHash != digest.SHA256Hex(plaintext) {
		t.Error("stored hash does not match plaintext")
	}
	if key.Status != models.APIKeyActive {
		t.Errorf("status = %q", key.Status)
	}
	// Defaulted fields.
	if key.Name != "ci" || key.RateLimit != 100 {
		t.Errorf("name/rate = %q/%d", key.Name, key.RateLimit)
	}
	if len(key.Permissions) != 1 && !key.HasPermission(models.PermExecute) {
		t.Errorf("default permissions = %v", key.Permissions)
	}
}

func TestGenerateKeysAreUnique(t *testing.T) {
	s := newTestService(t)
	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		plaintext, _, err := s.Generate(context.Background(), GenerateInput{})
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		if seen[plaintext] {
			t.Fatal("duplicate key generated")
		}
		seen[plaintext] = true
	}
}

func TestAuthorize(t *testing.T) {
	s := newTestService(t)
	plaintext, _, err := s.Generate(context.Background(), GenerateInput{
		Permissions: []models.Permission{models.PermExecute},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	key, err := s.Authorize(context.Background(), plaintext, models.PermExecute)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if key.UsageCount != 1 || key.LastUsedAt == nil {
		t.Errorf("usage accounting = %d/%v", key.UsageCount, key.LastUsedAt)
	}

	if _, err := s.Authorize(context.Background(), "ucp_wrongwrongwrongwrongwrongwrong", models.PermExecute); models.KindOf(err) != models.KindUnauthorized {
		t.Errorf("unknown key kind = %q, want unauthorized", models.KindOf(err))
	}
	if _, err := s.Authorize(context.Background(), plaintext, models.PermLLM); models.KindOf(err) != models.KindUnauthorized {
		t.Errorf("missing permission kind = %q, want unauthorized", models.KindOf(err))
	}
}

func TestAuthorizeRevokedAndExpired(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	plaintext, key, err := s.Generate(ctx, GenerateInput{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if _, err := s.Revoke(ctx, key.ID); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	// Idempotent.
	if _, err := s.Revoke(ctx, key.ID); err != nil {
		t.Fatalf("second Revoke: %v", err)
	}
	if _, err := s.Authorize(ctx, plaintext, models.PermRead); models.KindOf(err) != models.KindUnauthorized {
		t.Errorf("revoked key kind = %q, want unauthorized", models.KindOf(err))
	}

	past := time.Now().UTC().Add(-time.Minute)
	expired, _, err := s.Generate(ctx, GenerateInput{ExpiresAt: &past})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if _, err := s.Authorize(ctx, expired, models.PermRead); models.KindOf(err) != models.KindUnauthorized {
		t.Errorf("expired key kind = %q, want unauthorized", models.KindOf(err))
	}
}

func TestAuthorizeRateLimit(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	plaintext, _, err := s.Generate(ctx, GenerateInput{RateLimit: 3})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := s.Authorize(ctx, plaintext, models.PermRead); err != nil {
			t.Fatalf("Authorize %d: %v", i, err)
		}
	}
	_, err = s.Authorize(ctx, plaintext, models.PermRead)
	if models.KindOf(err) != models.KindRateLimited {
		t.Errorf("kind = %q, want rate_limited", models.KindOf(err))
	}
}

func TestAuthorizeRateWindowRolls(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	plaintext, key, err := s.Generate(ctx, GenerateInput{RateLimit: 1})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if _, err := s.Authorize(ctx, plaintext, models.PermRead); err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if _, err := s.Authorize(ctx, plaintext, models.PermRead); models.KindOf(err) != models.KindRateLimited {
		t.Fatalf("expected rate limit, got %v", err)
	}

	// Age the window past an hour; the next call starts a fresh one.
	stale := time.Now().UTC().Add(-2 * time.Hour)
	stored, err := s.store.GetAPIKey(ctx, key.ID)
	if err != nil {
		t.Fatalf("GetAPIKey: %v", err)
	}
	stored.WindowStart = &stale
	if err := s.store.UpdateAPIKey(ctx, stored); err != nil {
		t.Fatalf("UpdateAPIKey: %v", err)
	}
	if _, err := s.Authorize(ctx, plaintext, models.PermRead); err != nil {
		t.Errorf("Authorize after window roll: %v", err)
	}
}

func TestDeleteKey(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	plaintext, key, err := s.Generate(ctx, GenerateInput{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if err := s.Delete(ctx, key.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Authorize(ctx, plaintext, models.PermRead); models.KindOf(err) != models.KindUnauthorized {
		t.Errorf("deleted key kind = %q, want unauthorized", models.KindOf(err))
	}
}

func TestSignAndVerify(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	plaintext, key, err := s.Generate(ctx, GenerateInput{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	packet := map[string]any{"id": "p1", "ucp_version": "1.0.0", "ops": []any{map[string]any{"op": "kv.get"}}}
	sig, err := Sign(packet, plaintext)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	// Key order must not matter.
	reordered := map[string]any{"ucp_version": "1.0.0", "ops": []any{map[string]any{"op": "kv.get"}}, "id": "p1"}
	sig2, err := Sign(reordered, plaintext)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if sig != sig2 {
		t.Error("signature depends on key order")
	}

	if err := s.VerifySignature(ctx, plaintext, key.KeyPrefix, packet, sig); err != nil {
		t.Errorf("VerifySignature: %v", err)
	}
	if err := s.VerifySignature(ctx, plaintext, key.KeyPrefix, packet, "deadbeef"); models.KindOf(err) != models.KindUnauthorized {
		t.Errorf("bad signature kind = %q, want unauthorized", models.KindOf(err))
	}
	if err := s.VerifySignature(ctx, plaintext, "ucp_other...", packet, sig); models.KindOf(err) != models.KindUnauthorized {
		t.Errorf("prefix mismatch kind = %q, want unauthorized", models.KindOf(err))
	}
	if err := s.VerifySignature(ctx, "ucp_notarealkeynotarealkeynotarea", key.KeyPrefix, packet, sig); models.KindOf(err) != models.KindUnauthorized {
		t.Errorf("unknown plaintext kind = %q, want unauthorized", models.KindOf(err))
	}

	// Tampered packet fails verification.
	tampered := map[string]any{"id": "p2", "ucp_version": "1.0.0", "ops": []any{map[string]any{"op": "kv.get"}}}
	if err := s.VerifySignature(ctx, plaintext, key.KeyPrefix, tampered, sig); models.KindOf(err) != models.KindUnauthorized {
		t.Errorf("tampered packet kind = %q, want unauthorized", models.KindOf(err))
	}
}
