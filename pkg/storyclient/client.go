// Package storyclient calls the external story-content service to resolve
// the narration text for a story. The story content store itself is out of
// scope for this service; this package only consumes its public API.
package storyclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/dawnotemu/voicecore/pkg/synth"
)

// storyTextResponse is the response shape from GET /integration/stories/{id}/text.
type storyTextResponse struct {
	Text     string `json:"text"`
	Language string `json:"language"`
}

// Client calls the story content service's integration API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// NewClient creates a story content client with a 10-second timeout.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    baseURL,
		apiKey:     apiKey,
	}
}

// GetStoryText implements synth.StoryTextProvider by fetching the story's
// narration text and language tag.
func (c *Client) GetStoryText(ctx context.Context, storyID uuid.UUID) (synth.StoryText, error) {
	url := fmt.Sprintf("%s/integration/stories/%s/text", c.baseURL, storyID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return synth.StoryText{}, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return synth.StoryText{}, fmt.Errorf("calling story service: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return synth.StoryText{}, fmt.Errorf("story not found")
	}
	if resp.StatusCode != http.StatusOK {
		return synth.StoryText{}, fmt.Errorf("story service returned HTTP %d", resp.StatusCode)
	}

	var result storyTextResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return synth.StoryText{}, fmt.Errorf("decoding response: %w", err)
	}
	return synth.StoryText{Text: result.Text, Language: result.Language}, nil
}
