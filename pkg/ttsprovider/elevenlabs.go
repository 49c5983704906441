package ttsprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const elevenLabsBaseURL = "https://api.elevenlabs.io/v1"

// ElevenLabsProvider talks to the ElevenLabs voice cloning and
// text-to-speech API.
type ElevenLabsProvider struct {
	apiKey  string
	hc      *http.Client
	baseURL string
}

// NewElevenLabsProvider builds an ElevenLabsProvider. hc may be nil, in
// which case a client with a sane timeout is created.
func NewElevenLabsProvider(apiKey string, hc *http.Client) *ElevenLabsProvider {
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &ElevenLabsProvider{apiKey: apiKey, hc: hc, baseURL: elevenLabsBaseURL}
}

func (p *ElevenLabsProvider) Name() Name { return ElevenLabs }

func (p *ElevenLabsProvider) CloneVoice(ctx context.Context, sample io.Reader, filename, voiceName, language string) (CloneResult, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	fw, err := w.CreateFormFile("files", filename)
	if err != nil {
		return CloneResult{}, fmt.Errorf("creating multipart file field: %w", err)
	}
	if _, err := io.Copy(fw, sample); err != nil {
		return CloneResult{}, fmt.Errorf("copying sample into multipart body: %w", err)
	}
	_ = w.WriteField("name", voiceName)
	_ = w.WriteField("remove_background_noise", "false")
	if err := w.Close(); err != nil {
		return CloneResult{}, fmt.Errorf("closing multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/voices/add", &body)
	if err != nil {
		return CloneResult{}, fmt.Errorf("building clone request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("xi-api-key", p.apiKey)

	resp, err := p.hc.Do(req)
	if err != nil {
		return CloneResult{}, fmt.Errorf("calling elevenlabs clone: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return CloneResult{}, rateLimitedFrom(resp)
	}
	if resp.StatusCode != http.StatusOK {
		return CloneResult{}, fmt.Errorf("elevenlabs clone failed: %s", errorDetail(resp))
	}

	var out struct {
		VoiceID string `json:"voice_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return CloneResult{}, fmt.Errorf("decoding elevenlabs clone response: %w", err)
	}
	if out.VoiceID == "" {
		return CloneResult{}, fmt.Errorf("elevenlabs did not return a voice_id")
	}

	return CloneResult{RemoteVoiceID: out.VoiceID}, nil
}

func (p *ElevenLabsProvider) DeleteVoice(ctx context.Context, remoteVoiceID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, p.baseURL+"/voices/"+remoteVoiceID, nil)
	if err != nil {
		return fmt.Errorf("building delete request: %w", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)

	resp, err := p.hc.Do(req)
	if err != nil {
		return fmt.Errorf("calling elevenlabs delete: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil // idempotent: already gone upstream
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("elevenlabs delete failed: %s", errorDetail(resp))
	}
	return nil
}

type elevenLabsTTSRequest struct {
	Text          string               `json:"text"`
	ModelID       string               `json:"model_id"`
	VoiceSettings elevenLabsVoiceKnobs `json:"voice_settings"`
}

type elevenLabsVoiceKnobs struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style"`
	UseSpeakerBoost bool    `json:"use_speaker_boost"`
	Speed           float64 `json:"speed"`
}

func (p *ElevenLabsProvider) SynthesizeSpeech(ctx context.Context, remoteVoiceID, text string, settings VoiceSettings) (io.ReadCloser, error) {
	payload := elevenLabsTTSRequest{
		Text:    text,
		ModelID: "eleven_multilingual_v2",
		VoiceSettings: elevenLabsVoiceKnobs{
			Stability:       orDefault(settings.Stability, 0.65),
			SimilarityBoost: orDefault(settings.SimilarityBoost, 0.9),
			Style:           settings.Style,
			UseSpeakerBoost: true,
			Speed:           1.0,
		},
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling tts request: %w", err)
	}

	url := fmt.Sprintf("%s/text-to-speech/%s/stream", p.baseURL, remoteVoiceID)

	op := func() (io.ReadCloser, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("building synth request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "audio/mpeg")
		req.Header.Set("xi-api-key", p.apiKey)

		resp, err := p.hc.Do(req)
		if err != nil {
			return nil, fmt.Errorf("calling elevenlabs synth: %w", err)
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			rlErr := rateLimitedFrom(resp)
			resp.Body.Close()
			return nil, rlErr
		}
		if resp.StatusCode >= 500 {
			detail := errorDetail(resp)
			resp.Body.Close()
			return nil, fmt.Errorf("elevenlabs synth server error: %s", detail)
		}
		if resp.StatusCode != http.StatusOK {
			detail := errorDetail(resp)
			resp.Body.Close()
			return nil, backoff.Permanent(fmt.Errorf("elevenlabs synth failed: %s", detail))
		}

		return resp.Body, nil
	}

	return backoff.Retry(ctx, op,
		backoff.WithMaxTries(3),
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
	)
}

func orDefault(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}

func rateLimitedFrom(resp *http.Response) error {
	retryAfter := 0
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil {
			retryAfter = secs
		}
	}
	return &RateLimitedError{
		RetryAfter: time.Duration(retryAfter) * time.Second,
		Message:    errorDetail(resp),
	}
}

func errorDetail(resp *http.Response) string {
	var body struct {
		Detail  string `json:"detail"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil {
		if body.Detail != "" {
			return body.Detail
		}
		if body.Message != "" {
			return body.Message
		}
	}
	return resp.Status
}
