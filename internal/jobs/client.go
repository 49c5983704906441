package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

// Client dispatches voice-allocation and synthesis tasks to the broker. It
// implements both voiceslot.AllocationDispatcher and
// synth.SynthesisDispatcher so those packages never import asynq directly.
type Client struct {
	client *asynq.Client
}

// NewClient builds a Client against the given Redis URL.
func NewClient(redisURL string) (*Client, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URI: %w", err)
	}
	return &Client{client: asynq.NewClient(opt)}, nil
}

// Close releases the underlying broker connection.
func (c *Client) Close() error {
	return c.client.Close()
}

// DispatchAllocation enqueues a voice-allocation task, implementing
// voiceslot.AllocationDispatcher.
func (c *Client) DispatchAllocation(ctx context.Context, voiceID uuid.UUID) error {
	payload, err := json.Marshal(allocateVoicePayload{VoiceID: voiceID})
	if err != nil {
		return fmt.Errorf("marshalling allocation payload: %w", err)
	}
	task := asynq.NewTask(TaskAllocateVoice, payload)
	_, err = c.client.EnqueueContext(ctx, task, asynq.MaxRetry(3), asynq.Retention(24*time.Hour))
	if err != nil {
		return fmt.Errorf("enqueuing allocation task: %w", err)
	}
	return nil
}

// DispatchQueueDrain enqueues a queue-drain task after delay, implementing
// voiceslot.AllocationDispatcher.
func (c *Client) DispatchQueueDrain(ctx context.Context, delay time.Duration) error {
	task := asynq.NewTask(TaskDrainQueue, nil)
	opts := []asynq.Option{asynq.MaxRetry(3), asynq.Retention(time.Hour)}
	if delay > 0 {
		opts = append(opts, asynq.ProcessIn(delay))
	}
	_, err := c.client.EnqueueContext(ctx, task, opts...)
	if err != nil {
		return fmt.Errorf("enqueuing queue-drain task: %w", err)
	}
	return nil
}

// DispatchSynthesis enqueues a synthesis task, implementing
// synth.SynthesisDispatcher.
func (c *Client) DispatchSynthesis(ctx context.Context, audioRequestID uuid.UUID) error {
	payload, err := json.Marshal(synthesizePayload{AudioRequestID: audioRequestID})
	if err != nil {
		return fmt.Errorf("marshalling synthesis payload: %w", err)
	}
	task := asynq.NewTask(TaskSynthesize, payload)
	_, err = c.client.EnqueueContext(ctx, task, asynq.MaxRetry(5), asynq.Retention(24*time.Hour))
	if err != nil {
		return fmt.Errorf("enqueuing synthesis task: %w", err)
	}
	return nil
}

// DispatchSynthesisRetry re-enqueues a synthesis task after delay,
// implementing synth.SynthesisDispatcher.
func (c *Client) DispatchSynthesisRetry(ctx context.Context, audioRequestID uuid.UUID, delay time.Duration) error {
	payload, err := json.Marshal(synthesizePayload{AudioRequestID: audioRequestID})
	if err != nil {
		return fmt.Errorf("marshalling synthesis retry payload: %w", err)
	}
	task := asynq.NewTask(TaskSynthesizeRetry, payload)
	opts := []asynq.Option{asynq.MaxRetry(5), asynq.Retention(24 * time.Hour)}
	if delay > 0 {
		opts = append(opts, asynq.ProcessIn(delay))
	}
	_, err = c.client.EnqueueContext(ctx, task, opts...)
	if err != nil {
		return fmt.Errorf("enqueuing synthesis retry task: %w", err)
	}
	return nil
}
