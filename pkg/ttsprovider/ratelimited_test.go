package ttsprovider

import (
	"context"
	"errors"
	"io"
	"testing"
)

type stubProvider struct {
	name       Name
	cloneCalls int
}

func (s *stubProvider) Name() Name { return s.name }

func (s *stubProvider) CloneVoice(ctx context.Context, sample io.Reader, filename, voiceName, language string) (CloneResult, error) {
	s.cloneCalls++
	return CloneResult{RemoteVoiceID: "remote-1"}, nil
}

func (s *stubProvider) DeleteVoice(ctx context.Context, remoteVoiceID string) error {
	return nil
}

func (s *stubProvider) SynthesizeSpeech(ctx context.Context, remoteVoiceID, text string, settings VoiceSettings) (io.ReadCloser, error) {
	return io.NopCloser(nil), nil
}

func TestRateLimited_DelegatesAndCounts(t *testing.T) {
	stub := &stubProvider{name: ElevenLabs}
	rl := NewRateLimited(stub, 1000, 10)

	res, err := rl.CloneVoice(context.Background(), nil, "f.mp3", "name", "en")
	if err != nil {
		t.Fatalf("CloneVoice: %v", err)
	}
	if res.RemoteVoiceID != "remote-1" {
		t.Errorf("RemoteVoiceID = %q, want %q", res.RemoteVoiceID, "remote-1")
	}
	if stub.cloneCalls != 1 {
		t.Errorf("cloneCalls = %d, want 1", stub.cloneCalls)
	}
	if rl.Name() != ElevenLabs {
		t.Errorf("Name() = %q, want %q", rl.Name(), ElevenLabs)
	}
}

func TestRateLimited_RespectsCancelledContext(t *testing.T) {
	stub := &stubProvider{name: ElevenLabs}
	rl := NewRateLimited(stub, 0.0001, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := rl.CloneVoice(ctx, nil, "f.mp3", "name", "en")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
