// Package lock implements a single-holder, TTL-bounded lock on top of Redis,
// used both for per-voice allocation locks and the synthesis request
// deduplication guard.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotHeld is returned by Release when the caller's token no longer matches
// the current holder (expired and reacquired by someone else, or never held).
var ErrNotHeld = errors.New("lock: not held by this token")

// Locker acquires and releases named, TTL-bounded locks backed by Redis
// SET-NX. The TTL is a dead-worker safety net: a holder that crashes without
// releasing still frees the lock once it expires.
type Locker struct {
	rdb     *redis.Client
	release *redis.Script
}

// New creates a Locker.
func New(rdb *redis.Client) *Locker {
	return &Locker{
		rdb:     rdb,
		release: redis.NewScript(releaseScript),
	}
}

// TryAcquire attempts to acquire name for ttl, returning a token that must be
// presented to Release. ok is false if another holder already has the lock.
func (l *Locker) TryAcquire(ctx context.Context, name string, ttl time.Duration) (token string, ok bool, err error) {
	token = uuid.New().String()
	set, err := l.rdb.SetNX(ctx, name, token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquiring lock %s: %w", name, err)
	}
	if !set {
		return "", false, nil
	}
	return token, true, nil
}

// releaseScript deletes the key only if it still holds our token, so a lock
// that already expired and was reacquired by someone else is never released
// out from under them.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`

// Release releases name if token is still the current holder. Returns
// ErrNotHeld if the token no longer matches (already expired/reacquired).
func (l *Locker) Release(ctx context.Context, name, token string) error {
	res, err := l.release.Run(ctx, l.rdb, []string{name}, token).Result()
	if err != nil {
		return fmt.Errorf("releasing lock %s: %w", name, err)
	}
	n, _ := res.(int64)
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// WithLock runs fn while holding name, releasing on every exit path. Returns
// ok=false without running fn if the lock is already held elsewhere.
func (l *Locker) WithLock(ctx context.Context, name string, ttl time.Duration, fn func(ctx context.Context) error) (ok bool, err error) {
	token, acquired, err := l.TryAcquire(ctx, name, ttl)
	if err != nil {
		return false, err
	}
	if !acquired {
		return false, nil
	}
	defer func() {
		if releaseErr := l.Release(ctx, name, token); releaseErr != nil && !errors.Is(releaseErr, ErrNotHeld) {
			// Nothing more we can do here; the TTL will eventually free it.
			_ = releaseErr
		}
	}()

	return true, fn(ctx)
}

// VoiceAllocLockName returns the lock key for a voice's allocation lock.
func VoiceAllocLockName(voiceID string) string {
	return "voice_alloc_lock:" + voiceID
}

// DedupLockName returns the lock key used by the synthesis request
// deduplication guard for a given (voice, story) pair.
func DedupLockName(voiceID, storyID string) string {
	return "audio:synth:dedup:" + voiceID + ":" + storyID
}
