package ttsprovider

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestElevenLabsProvider_Name(t *testing.T) {
	p := NewElevenLabsProvider("key", nil)
	if p.Name() != ElevenLabs {
		t.Errorf("Name() = %q, want %q", p.Name(), ElevenLabs)
	}
}

func TestElevenLabsProvider_CloneVoice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("xi-api-key") != "test-key" {
			t.Errorf("missing/incorrect xi-api-key header")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"voice_id":"el_abc123"}`))
	}))
	defer srv.Close()

	p := NewElevenLabsProvider("test-key", srv.Client())
	p.baseURL = srv.URL

	res, err := p.CloneVoice(context.Background(), strings.NewReader("sample audio"), "sample.mp3", "My Voice", "en")
	if err != nil {
		t.Fatalf("CloneVoice: %v", err)
	}
	if res.RemoteVoiceID != "el_abc123" {
		t.Errorf("RemoteVoiceID = %q, want %q", res.RemoteVoiceID, "el_abc123")
	}
}

func TestElevenLabsProvider_DeleteVoice_NotFoundIsIdempotent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	p := NewElevenLabsProvider("test-key", srv.Client())
	p.baseURL = srv.URL

	if err := p.DeleteVoice(context.Background(), "el_gone"); err != nil {
		t.Fatalf("expected nil error for already-deleted voice, got %v", err)
	}
}

func TestElevenLabsProvider_SynthesizeSpeech_RateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "5")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"message":"rate limited"}`))
	}))
	defer srv.Close()

	p := NewElevenLabsProvider("test-key", srv.Client())
	p.baseURL = srv.URL

	_, err := p.SynthesizeSpeech(context.Background(), "el_abc123", "hello", VoiceSettings{})
	if err == nil {
		t.Fatal("expected an error from a persistently rate-limited provider")
	}
	var rlErr *RateLimitedError
	if !errors.As(err, &rlErr) {
		t.Fatalf("expected a RateLimitedError, got %v (%T)", err, err)
	}
	if rlErr.RetryAfter.Seconds() != 5 {
		t.Errorf("RetryAfter = %v, want 5s", rlErr.RetryAfter)
	}
}

func TestElevenLabsProvider_SynthesizeSpeech_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte("fake-mp3-bytes"))
	}))
	defer srv.Close()

	p := NewElevenLabsProvider("test-key", srv.Client())
	p.baseURL = srv.URL

	rc, err := p.SynthesizeSpeech(context.Background(), "el_abc123", "hello", VoiceSettings{})
	if err != nil {
		t.Fatalf("SynthesizeSpeech: %v", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("reading audio: %v", err)
	}
	if string(data) != "fake-mp3-bytes" {
		t.Errorf("audio = %q, want %q", data, "fake-mp3-bytes")
	}
}
