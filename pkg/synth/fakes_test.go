package synth

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dawnotemu/voicecore/pkg/ledger"
	"github.com/dawnotemu/voicecore/pkg/ttsprovider"
	"github.com/dawnotemu/voicecore/pkg/voiceslot"
)

// fakeStore is an in-memory stand-in for *Store, satisfying both
// OrchestratorStore and WorkerStore.
type fakeStore struct {
	mu       sync.Mutex
	requests map[uuid.UUID]AudioRequest
}

func newFakeStore(requests ...AudioRequest) *fakeStore {
	s := &fakeStore{requests: make(map[uuid.UUID]AudioRequest)}
	for _, r := range requests {
		s.requests[r.ID] = r
	}
	return s
}

func (s *fakeStore) Get(ctx context.Context, id uuid.UUID) (AudioRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return AudioRequest{}, ErrRequestNotFound
	}
	return r, nil
}

func (s *fakeStore) GetByVoiceStory(ctx context.Context, storyID, voiceID uuid.UUID) (AudioRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.requests {
		if r.StoryID == storyID && r.VoiceID == voiceID {
			return r, nil
		}
	}
	return AudioRequest{}, ErrRequestNotFound
}

func (s *fakeStore) Create(ctx context.Context, p CreateParams) (AudioRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := AudioRequest{ID: uuid.New(), StoryID: p.StoryID, VoiceID: p.VoiceID, UserID: p.UserID, Status: StatusPending}
	s.requests[r.ID] = r
	return r, nil
}

func (s *fakeStore) ResetToPending(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return ErrRequestNotFound
	}
	r.Status = StatusPending
	r.ErrorMessage = nil
	r.CreditsCharged = nil
	s.requests[id] = r
	return nil
}

func (s *fakeStore) MarkCreditsCharged(ctx context.Context, id uuid.UUID, credits int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return ErrRequestNotFound
	}
	r.CreditsCharged = &credits
	s.requests[id] = r
	return nil
}

func (s *fakeStore) MarkProcessing(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return ErrRequestNotFound
	}
	r.Status = StatusProcessing
	s.requests[id] = r
	return nil
}

func (s *fakeStore) MarkError(ctx context.Context, id uuid.UUID, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return ErrRequestNotFound
	}
	r.Status = StatusError
	r.ErrorMessage = &message
	s.requests[id] = r
	return nil
}

func (s *fakeStore) IncrementAttempts(ctx context.Context, id uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return 0, ErrRequestNotFound
	}
	r.Attempts++
	s.requests[id] = r
	return r.Attempts, nil
}

func (s *fakeStore) MarkReady(ctx context.Context, id uuid.UUID, objectKey string, durationSeconds float64, fileSizeBytes int64) (AudioRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return AudioRequest{}, ErrRequestNotFound
	}
	r.Status = StatusReady
	r.ObjectKey = &objectKey
	r.DurationSeconds = &durationSeconds
	r.FileSizeBytes = &fileSizeBytes
	s.requests[id] = r
	return r, nil
}

func (s *fakeStore) snapshot(id uuid.UUID) AudioRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[id]
}

// fakeVoices is a stand-in VoiceLookup.
type fakeVoices struct {
	voices map[uuid.UUID]voiceslot.Voice
}

func (f *fakeVoices) Get(ctx context.Context, id uuid.UUID) (voiceslot.Voice, error) {
	v, ok := f.voices[id]
	if !ok {
		return voiceslot.Voice{}, voiceslot.ErrVoiceNotFound
	}
	return v, nil
}

// fakeStories is a stand-in StoryTextProvider.
type fakeStories struct {
	text map[uuid.UUID]StoryText
	err  error
}

func (f *fakeStories) GetStoryText(ctx context.Context, storyID uuid.UUID) (StoryText, error) {
	if f.err != nil {
		return StoryText{}, f.err
	}
	return f.text[storyID], nil
}

// fakeLedger is a stand-in CreditLedger that records calls.
type fakeLedger struct {
	mu           sync.Mutex
	debitErr     error
	refundErr    error
	debits       []ledger.DebitParams
	refunds      []uuid.UUID
}

func (f *fakeLedger) Debit(ctx context.Context, p ledger.DebitParams) (ledger.CreditTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.debits = append(f.debits, p)
	if f.debitErr != nil {
		return ledger.CreditTransaction{}, f.debitErr
	}
	return ledger.CreditTransaction{ID: uuid.New(), UserID: p.UserID, Amount: -p.Amount}, nil
}

func (f *fakeLedger) RefundByAudioRequest(ctx context.Context, userID, audioRequestID uuid.UUID, reason string) (ledger.CreditTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refunds = append(f.refunds, audioRequestID)
	if f.refundErr != nil {
		return ledger.CreditTransaction{}, f.refundErr
	}
	return ledger.CreditTransaction{ID: uuid.New(), UserID: userID}, nil
}

// fakeAllocator is a stand-in SlotAllocator.
type fakeAllocator struct {
	state voiceslot.SlotState
	err   error
	calls int
}

func (f *fakeAllocator) EnsureActiveVoice(ctx context.Context, voiceID uuid.UUID) (voiceslot.SlotState, error) {
	f.calls++
	if f.err != nil {
		return voiceslot.SlotState{}, f.err
	}
	return f.state, nil
}

// fakeDispatcher is a stand-in SynthesisDispatcher.
type fakeDispatcher struct {
	mu            sync.Mutex
	dispatched    []uuid.UUID
	retried       []uuid.UUID
	dispatchErr   error
}

func (d *fakeDispatcher) DispatchSynthesis(ctx context.Context, audioRequestID uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dispatched = append(d.dispatched, audioRequestID)
	return d.dispatchErr
}

func (d *fakeDispatcher) DispatchSynthesisRetry(ctx context.Context, audioRequestID uuid.UUID, delay time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.retried = append(d.retried, audioRequestID)
	return nil
}

// fakeUploader is a stand-in Uploader.
type fakeUploader struct {
	mu      sync.Mutex
	objects map[string][]byte
	err     error
}

func newFakeUploader() *fakeUploader { return &fakeUploader{objects: make(map[string][]byte)} }

func (f *fakeUploader) Upload(ctx context.Context, key string, body io.Reader, contentType, cacheControl, contentDisposition string, metadata map[string]string) error {
	if f.err != nil {
		return f.err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
	return nil
}

// fakeWarmer is a stand-in VoiceWarmer.
type fakeWarmer struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeWarmer) ExtendWarmHold(ctx context.Context, id uuid.UUID, now, warmHoldExpiry time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return nil
}

var errFakeProvider = errors.New("fake provider failure")

// fakeProvider is a stand-in ttsprovider.Provider.
type fakeProvider struct {
	name       ttsprovider.Name
	audio      []byte
	err        error
	rateLimit  *ttsprovider.RateLimitedError
	callCount  int
}

func (p *fakeProvider) Name() ttsprovider.Name { return p.name }

func (p *fakeProvider) CloneVoice(ctx context.Context, sample io.Reader, filename, voiceName, language string) (ttsprovider.CloneResult, error) {
	return ttsprovider.CloneResult{}, nil
}

func (p *fakeProvider) DeleteVoice(ctx context.Context, remoteVoiceID string) error { return nil }

func (p *fakeProvider) SynthesizeSpeech(ctx context.Context, remoteVoiceID, text string, settings ttsprovider.VoiceSettings) (io.ReadCloser, error) {
	p.callCount++
	if p.rateLimit != nil && p.callCount == 1 {
		rl := *p.rateLimit
		return nil, &rl
	}
	if p.err != nil {
		return nil, p.err
	}
	return io.NopCloser(bytes.NewReader(p.audio)), nil
}
