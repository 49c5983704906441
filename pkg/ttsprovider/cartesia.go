package ttsprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const cartesiaBaseURL = "https://api.cartesia.ai"
const cartesiaAPIVersion = "2024-11-13"
const cartesiaDefaultModel = "sonic-2"

// CartesiaProvider talks to the Cartesia voice cloning and text-to-speech API.
type CartesiaProvider struct {
	apiKey  string
	hc      *http.Client
	baseURL string
}

// NewCartesiaProvider builds a CartesiaProvider. hc may be nil, in which
// case a client with a sane timeout is created.
func NewCartesiaProvider(apiKey string, hc *http.Client) *CartesiaProvider {
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &CartesiaProvider{apiKey: apiKey, hc: hc, baseURL: cartesiaBaseURL}
}

func (p *CartesiaProvider) Name() Name { return Cartesia }

func (p *CartesiaProvider) setHeaders(req *http.Request) {
	req.Header.Set("X-API-Key", p.apiKey)
	req.Header.Set("Cartesia-Version", cartesiaAPIVersion)
}

func (p *CartesiaProvider) CloneVoice(ctx context.Context, sample io.Reader, filename, voiceName, language string) (CloneResult, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	fw, err := w.CreateFormFile("clip", filename)
	if err != nil {
		return CloneResult{}, fmt.Errorf("creating multipart field: %w", err)
	}
	if _, err := io.Copy(fw, sample); err != nil {
		return CloneResult{}, fmt.Errorf("copying sample into multipart body: %w", err)
	}
	_ = w.WriteField("name", voiceName)
	_ = w.WriteField("language", orDefaultStr(language, "en"))
	_ = w.WriteField("mode", "similarity")
	_ = w.WriteField("enhance", "true")
	if err := w.Close(); err != nil {
		return CloneResult{}, fmt.Errorf("closing multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/voices/clone", &body)
	if err != nil {
		return CloneResult{}, fmt.Errorf("building clone request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	p.setHeaders(req)

	resp, err := p.hc.Do(req)
	if err != nil {
		return CloneResult{}, fmt.Errorf("calling cartesia clone: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return CloneResult{}, rateLimitedFrom(resp)
	}
	if resp.StatusCode != http.StatusOK {
		return CloneResult{}, fmt.Errorf("cartesia clone failed: %s", errorDetail(resp))
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return CloneResult{}, fmt.Errorf("decoding cartesia clone response: %w", err)
	}
	if out.ID == "" {
		return CloneResult{}, fmt.Errorf("cartesia did not return a voice id")
	}

	return CloneResult{RemoteVoiceID: out.ID}, nil
}

func (p *CartesiaProvider) DeleteVoice(ctx context.Context, remoteVoiceID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, p.baseURL+"/voices/"+remoteVoiceID, nil)
	if err != nil {
		return fmt.Errorf("building delete request: %w", err)
	}
	p.setHeaders(req)

	resp, err := p.hc.Do(req)
	if err != nil {
		return fmt.Errorf("calling cartesia delete: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("cartesia delete failed: %s", errorDetail(resp))
	}
	return nil
}

type cartesiaTTSRequest struct {
	ModelID      string             `json:"model_id"`
	Transcript   string             `json:"transcript"`
	Voice        cartesiaVoiceRef   `json:"voice"`
	OutputFormat cartesiaOutputSpec `json:"output_format"`
	Language     string             `json:"language"`
	Speed        string             `json:"speed,omitempty"`
}

type cartesiaVoiceRef struct {
	ID string `json:"id"`
}

type cartesiaOutputSpec struct {
	Type string `json:"type"`
}

func (p *CartesiaProvider) SynthesizeSpeech(ctx context.Context, remoteVoiceID, text string, settings VoiceSettings) (io.ReadCloser, error) {
	payload := cartesiaTTSRequest{
		ModelID:      cartesiaDefaultModel,
		Transcript:   text,
		Voice:        cartesiaVoiceRef{ID: remoteVoiceID},
		OutputFormat: cartesiaOutputSpec{Type: "mp3"},
		Language:     orDefaultStr(settings.Language, "en"),
		Speed:        orDefaultStr(settings.Speed, "normal"),
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling tts request: %w", err)
	}

	op := func() (io.ReadCloser, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/tts/bytes", bytes.NewReader(raw))
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("building synth request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		p.setHeaders(req)

		resp, err := p.hc.Do(req)
		if err != nil {
			return nil, fmt.Errorf("calling cartesia synth: %w", err)
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			rlErr := rateLimitedFrom(resp)
			resp.Body.Close()
			return nil, rlErr
		}
		if resp.StatusCode >= 500 {
			detail := errorDetail(resp)
			resp.Body.Close()
			return nil, fmt.Errorf("cartesia synth server error: %s", detail)
		}
		if resp.StatusCode != http.StatusOK {
			detail := errorDetail(resp)
			resp.Body.Close()
			return nil, backoff.Permanent(fmt.Errorf("cartesia synth failed: %s", detail))
		}

		return resp.Body, nil
	}

	return backoff.Retry(ctx, op,
		backoff.WithMaxTries(3),
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
	)
}

func orDefaultStr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
