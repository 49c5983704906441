// Package jobs wires the voice slot allocator and synthesis orchestrator to
// an asynq-backed background task broker: task-type constants, a dispatcher
// client implemented against voiceslot.AllocationDispatcher and
// synth.SynthesisDispatcher, and a ServeMux-style handler registration for
// the worker process.
package jobs

import (
	"github.com/google/uuid"
)

// Task type constants, the asynq analogue of Celery-style @shared_task
// names, but explicit rather than decorator-driven.
const (
	TaskAllocateVoice   = "voice:allocate"
	TaskDrainQueue      = "voice:drain_queue"
	TaskSynthesize      = "synth:render"
	TaskSynthesizeRetry = "synth:render_retry"
)

// allocateVoicePayload is the body of a TaskAllocateVoice task.
type allocateVoicePayload struct {
	VoiceID uuid.UUID `json:"voice_id"`
}

// synthesizePayload is the body of a TaskSynthesize / TaskSynthesizeRetry
// task.
type synthesizePayload struct {
	AudioRequestID uuid.UUID `json:"audio_request_id"`
}
