// Package kvqueue implements the delay-scored allocation queue: a Redis
// sorted set holding eligibility scores plus a side hash holding the queued
// payload, keyed by voice ID so repeated enqueues collapse instead of
// stacking duplicate work.
package kvqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Entry is the payload queued for allocation of a single voice.
type Entry struct {
	VoiceID            string `json:"voice_id"`
	RecordingObjectKey string `json:"recording_object_key"`
	Filename           string `json:"filename"`
	UserID             string `json:"user_id"`
	VoiceName          string `json:"voice_name"`
	Attempts           int    `json:"attempts"`
	ServiceProvider    string `json:"service_provider"`
}

// ScoredEntry pairs a queued Entry with its eligibility score, as returned by
// Snapshot for observability endpoints.
type ScoredEntry struct {
	Entry Entry
	Score float64
}

const (
	zsetKeyFmt = "voiceslot:queue:zset:%s"
	hashKeyFmt = "voiceslot:queue:entries:%s"
)

// Queue is a named delay-scored queue backed by Redis.
type Queue struct {
	rdb      *redis.Client
	name     string
	dequeue1 *redis.Script
}

// New creates a Queue bound to a logical queue name (e.g. the provider), so
// distinct providers can maintain independent queues on the same Redis
// instance.
func New(rdb *redis.Client, name string) *Queue {
	return &Queue{
		rdb:      rdb,
		name:     name,
		dequeue1: redis.NewScript(dequeueScript),
	}
}

func (q *Queue) zsetKey() string { return fmt.Sprintf(zsetKeyFmt, q.name) }
func (q *Queue) hashKey() string { return fmt.Sprintf(hashKeyFmt, q.name) }

// Enqueue upserts payload under voiceID with an eligibility score of
// now+delay. A repeat enqueue for the same voice overwrites the payload and
// score rather than creating a second entry.
func (q *Queue) Enqueue(ctx context.Context, voiceID string, entry Entry, delay time.Duration) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling queue entry: %w", err)
	}

	score := float64(time.Now().Add(delay).Unix())

	pipe := q.rdb.TxPipeline()
	pipe.ZAdd(ctx, q.zsetKey(), redis.Z{Score: score, Member: voiceID})
	pipe.HSet(ctx, q.hashKey(), voiceID, raw)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueueing voice %s: %w", voiceID, err)
	}
	return nil
}

// dequeueScript atomically pops the lowest-scored eligible member: it finds
// the single member with score <= now (ZRANGEBYSCORE already returns
// ascending order, tie-broken lexicographically by Redis), removes it from
// both the sorted set and the side hash, and returns its payload. Keeping the
// ZREM and HDEL together in one script is what prevents two workers racing
// on the same entry.
const dequeueScript = `
local zkey = KEYS[1]
local hkey = KEYS[2]
local now = ARGV[1]

local members = redis.call("ZRANGEBYSCORE", zkey, "-inf", now, "LIMIT", 0, 1)
if #members == 0 then
  return false
end

local member = members[1]
redis.call("ZREM", zkey, member)
local payload = redis.call("HGET", hkey, member)
redis.call("HDEL", hkey, member)
return payload
`

// Dequeue atomically pops one eligible entry (score <= now), by lowest score
// first. Returns ok=false if nothing is eligible.
func (q *Queue) Dequeue(ctx context.Context) (entry Entry, ok bool, err error) {
	now := fmt.Sprintf("%d", time.Now().Unix())
	res, err := q.dequeue1.Run(ctx, q.rdb, []string{q.zsetKey(), q.hashKey()}, now).Result()
	if err != nil {
		if err == redis.Nil {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("dequeue script: %w", err)
	}

	raw, isString := res.(string)
	if !isString {
		// Script returned false (nothing eligible).
		return Entry{}, false, nil
	}

	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return Entry{}, false, fmt.Errorf("unmarshaling dequeued entry: %w", err)
	}
	return entry, true, nil
}

// DequeueReadyBatch pops up to limit eligible entries, each via the atomic
// single-pop script, so no two callers in a batch drain race on the same
// entry either.
func (q *Queue) DequeueReadyBatch(ctx context.Context, limit int) ([]Entry, error) {
	entries := make([]Entry, 0, limit)
	for i := 0; i < limit; i++ {
		entry, ok, err := q.Dequeue(ctx)
		if err != nil {
			return entries, err
		}
		if !ok {
			break
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Remove deletes voiceID's queued entry, if any.
func (q *Queue) Remove(ctx context.Context, voiceID string) error {
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, q.zsetKey(), voiceID)
	pipe.HDel(ctx, q.hashKey(), voiceID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("removing voice %s from queue: %w", voiceID, err)
	}
	return nil
}

// Length returns the number of entries currently queued.
func (q *Queue) Length(ctx context.Context) (int64, error) {
	n, err := q.rdb.ZCard(ctx, q.zsetKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("counting queue length: %w", err)
	}
	return n, nil
}

// IsEnqueued reports whether voiceID currently has a queued entry.
func (q *Queue) IsEnqueued(ctx context.Context, voiceID string) (bool, error) {
	score, err := q.rdb.ZScore(ctx, q.zsetKey(), voiceID).Result()
	if err != nil {
		if err == redis.Nil {
			return false, nil
		}
		return false, fmt.Errorf("checking enqueued state of %s: %w", voiceID, err)
	}
	_ = score
	return true, nil
}

// Position returns voiceID's zero-based rank in the queue (ascending by
// score), or ok=false if it is not queued.
func (q *Queue) Position(ctx context.Context, voiceID string) (rank int64, ok bool, err error) {
	rank, err = q.rdb.ZRank(ctx, q.zsetKey(), voiceID).Result()
	if err != nil {
		if err == redis.Nil {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("ranking %s: %w", voiceID, err)
	}
	return rank, true, nil
}

// Snapshot returns up to limit queued entries in score order, for admin
// status endpoints.
func (q *Queue) Snapshot(ctx context.Context, limit int64) ([]ScoredEntry, error) {
	zs, err := q.rdb.ZRangeWithScores(ctx, q.zsetKey(), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("snapshotting queue: %w", err)
	}
	if len(zs) == 0 {
		return nil, nil
	}

	voiceIDs := make([]string, len(zs))
	for i, z := range zs {
		voiceIDs[i], _ = z.Member.(string)
	}

	raws, err := q.rdb.HMGet(ctx, q.hashKey(), voiceIDs...).Result()
	if err != nil {
		return nil, fmt.Errorf("fetching queue payloads: %w", err)
	}

	out := make([]ScoredEntry, 0, len(zs))
	for i, raw := range raws {
		s, isString := raw.(string)
		if !isString {
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(s), &entry); err != nil {
			continue
		}
		out = append(out, ScoredEntry{Entry: entry, Score: zs[i].Score})
	}
	return out, nil
}
