// Package ttsprovider abstracts the upstream voice-cloning / text-to-speech
// vendor behind a single capability interface, so the allocator and
// synthesis orchestrator never depend on a specific vendor's wire format.
package ttsprovider

import (
	"context"
	"errors"
	"io"
	"time"
)

// Name identifies a configured provider. Capacity accounting and queueing
// are always scoped per provider.
type Name string

const (
	ElevenLabs Name = "elevenlabs"
	Cartesia   Name = "cartesia"
)

// VoiceSettings carries the tunable synthesis parameters. Not every field
// applies to every provider; implementations ignore what they don't use.
type VoiceSettings struct {
	Stability        float64
	SimilarityBoost  float64
	Style            float64
	Speed            string
	Language         string
}

// CloneResult is the outcome of a successful clone_voice call.
type CloneResult struct {
	RemoteVoiceID string
}

// RateLimitedError is returned when the provider responds 429, carrying the
// provider's suggested backoff.
type RateLimitedError struct {
	RetryAfter time.Duration
	Message    string
}

func (e *RateLimitedError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "provider rate limited the request"
}

// ErrVoiceNotFound indicates the remote voice no longer exists upstream.
var ErrVoiceNotFound = errors.New("ttsprovider: remote voice not found")

// Provider is the capability set every upstream voice vendor must implement.
type Provider interface {
	Name() Name

	// CloneVoice uploads a recording sample and creates a new remote voice.
	CloneVoice(ctx context.Context, sample io.Reader, filename, voiceName, language string) (CloneResult, error)

	// DeleteVoice removes a remote voice. Implementations must treat a
	// "not found" response as success (idempotent delete).
	DeleteVoice(ctx context.Context, remoteVoiceID string) error

	// SynthesizeSpeech renders text through the given remote voice and
	// streams back the encoded audio (mp3).
	SynthesizeSpeech(ctx context.Context, remoteVoiceID, text string, settings VoiceSettings) (io.ReadCloser, error)
}

// Registry resolves a provider by name, so orchestration code can stay
// provider-agnostic and simply look up whichever vendor a Voice is tagged
// with.
type Registry struct {
	providers map[Name]Provider
}

// NewRegistry builds a Registry from a set of configured providers.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[Name]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

// Get returns the provider registered under name, or ok=false if none is
// configured.
func (r *Registry) Get(name Name) (Provider, bool) {
	p, ok := r.providers[name]
	return p, ok
}
