package synth

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dawnotemu/voicecore/pkg/lock"
)

// dedupTTL is how long a synthesis request guard blocks a repeat request for
// the same (voice, story) pair. There is no explicit release: TTL expiry is
// the only way the guard clears, so a second request racing the first one
// within this window is always turned away rather than double-dispatched.
const dedupTTL = 10 * time.Second

// Deduplicator guards against two concurrent synthesis requests for the same
// (voice, story) pair racing each other into duplicate work.
type Deduplicator struct {
	locker *lock.Locker
}

// NewDeduplicator creates a Deduplicator.
func NewDeduplicator(locker *lock.Locker) *Deduplicator {
	return &Deduplicator{locker: locker}
}

// TryAcquire attempts to claim the dedup guard for (voiceID, storyID),
// returning acquired=false if another request already holds it. The caller
// never releases the guard explicitly — it is left to expire on its own.
func (d *Deduplicator) TryAcquire(ctx context.Context, voiceID, storyID uuid.UUID) (acquired bool, err error) {
	_, ok, err := d.locker.TryAcquire(ctx, lock.DedupLockName(voiceID.String(), storyID.String()), dedupTTL)
	if err != nil {
		return false, fmt.Errorf("acquiring synthesis dedup guard: %w", err)
	}
	return ok, nil
}
