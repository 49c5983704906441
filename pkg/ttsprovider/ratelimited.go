package ttsprovider

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// RateLimited wraps a Provider with an outbound token-bucket limiter, so a
// single provider's quota can't be exhausted by a burst of concurrent
// synthesis requests from this service.
type RateLimited struct {
	Provider
	limiter *rate.Limiter
}

// NewRateLimited wraps p with a limiter allowing ratePerSecond requests per
// second, bursting up to burst.
func NewRateLimited(p Provider, ratePerSecond float64, burst int) *RateLimited {
	return &RateLimited{
		Provider: p,
		limiter:  rate.NewLimiter(rate.Limit(ratePerSecond), burst),
	}
}

func (r *RateLimited) CloneVoice(ctx context.Context, sample io.Reader, filename, voiceName, language string) (CloneResult, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return CloneResult{}, err
	}
	return r.Provider.CloneVoice(ctx, sample, filename, voiceName, language)
}

func (r *RateLimited) SynthesizeSpeech(ctx context.Context, remoteVoiceID, text string, settings VoiceSettings) (io.ReadCloser, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.Provider.SynthesizeSpeech(ctx, remoteVoiceID, text, settings)
}
