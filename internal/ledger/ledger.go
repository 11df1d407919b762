// Package ledger maintains the hash-chained hop record behind every
// session. Each hop commits to its predecessor's hash, so any retroactive
// edit is detectable by rewalking the chain.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ucplabs/ucp/internal/digest"
	"github.com/ucplabs/ucp/internal/store"
	"github.com/ucplabs/ucp/pkg/models"
)

// Ledger appends and verifies hop chains. A per-session mutex serializes
// appends so concurrent writers cannot fork a chain.
type Ledger struct {
	store store.Store

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(st store.Store) *Ledger {
	return &Ledger{store: st, locks: make(map[string]*sync.Mutex)}
}

func (l *Ledger) sessionLock(sessionID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[sessionID] = lock
	}
	return lock
}

// AppendInput describes one hop to be chained.
type AppendInput struct {
	SessionID     string
	HopType       models.HopType
	Content       string
	TokensIn      int
	TokensOut     int
	LatencyMs     int64
	ContextWindow int
	TokenMethod   string
}

// Append links a new hop onto the session chain: prev_hash is the previous
// hop's hash (or the genesis hash for the first hop), sha256_hash is
// SHA-256(prev_hash || content), and hop_index continues the sequence.
// The hop is scored before persisting.
func (l *Ledger) Append(ctx context.Context, in AppendInput) (*models.Hop, error) {
	lock := l.sessionLock(in.SessionID)
	lock.Lock()
	defer lock.Unlock()

	prevHash := models.GenesisHash
	hopIndex := 0
	last, err := l.store.LastHop(ctx, in.SessionID)
	if err != nil {
		var nf *store.ErrNotFound
		if !errors.As(err, &nf) {
			return nil, fmt.Errorf("load last hop: %w", err)
		}
	} else {
		prevHash = last.SHA256Hash
		hopIndex = last.HopIndex + 1
	}

	tokenMethod := in.TokenMethod
	if tokenMethod == "" {
		tokenMethod = models.TokenMethodLocal
	}

	hop := &models.Hop{
		ID:          uuid.NewString(),
		SessionID:   in.SessionID,
		HopIndex:    hopIndex,
		HopType:     in.HopType,
		Content:     in.Content,
		TokensIn:    in.TokensIn,
		TokensOut:   in.TokensOut,
		LatencyMs:   in.LatencyMs,
		SHA256Hash:  digest.SHA256Hex(prevHash + in.Content),
		PrevHash:    prevHash,
		TokenMethod: tokenMethod,
		CreatedAt:   time.Now().UTC(),
	}
	hop.Score, hop.ScoreBreakdown = Score(hop, in.ContextWindow)

	if err := l.store.AppendHop(ctx, hop); err != nil {
		return nil, fmt.Errorf("append hop: %w", err)
	}
	return hop, nil
}

// Verify rewalks a session's chain and reports the first inconsistency:
// a non-genesis start, an index gap, a prev_hash mismatch, or a hop whose
// stored hash does not match SHA-256(prev_hash || content). A nil error
// means the chain is intact.
func (l *Ledger) Verify(ctx context.Context, sessionID string) error {
	hops, err := l.store.ListHops(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("list hops: %w", err)
	}

	prevHash := models.GenesisHash
	for i, hop := range hops {
		if hop.HopIndex != i {
			return fmt.Errorf("hop %d: index %d breaks the sequence", i, hop.HopIndex)
		}
		if hop.PrevHash != prevHash {
			return fmt.Errorf("hop %d: prev_hash does not match prior hop", i)
		}
		if want := digest.SHA256Hex(prevHash + hop.Content); hop.SHA256Hash != want {
			return fmt.Errorf("hop %d: content hash mismatch", i)
		}
		prevHash = hop.SHA256Hash
	}
	return nil
}

// SessionScore returns the mean of all hop scores for a session, rounded
// to the nearest integer. Sessions with no hops score zero.
func (l *Ledger) SessionScore(ctx context.Context, sessionID string) (int, error) {
	hops, err := l.store.ListHops(ctx, sessionID)
	if err != nil {
		return 0, fmt.Errorf("list hops: %w", err)
	}
	if len(hops) == 0 {
		return 0, nil
	}
	total := 0
	for _, h := range hops {
		total += h.Score
	}
	return (total + len(hops)/2) / len(hops), nil
}
