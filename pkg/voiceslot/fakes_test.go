package voiceslot

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dawnotemu/voicecore/pkg/ttsprovider"
)

// fakeStore is an in-memory stand-in for *Store, satisfying AllocatorStore,
// WorkerStore, and ReclaimerStore so the three components can be exercised
// without a live Postgres connection.
type fakeStore struct {
	mu                  sync.Mutex
	voices              map[uuid.UUID]Voice
	historicalRemoteIDs map[string]uuid.UUID
}

func newFakeStore(voices ...Voice) *fakeStore {
	s := &fakeStore{voices: make(map[uuid.UUID]Voice), historicalRemoteIDs: make(map[string]uuid.UUID)}
	for _, v := range voices {
		s.voices[v.ID] = v
	}
	return s
}

func (s *fakeStore) Get(ctx context.Context, id uuid.UUID) (Voice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.voices[id]
	if !ok {
		return Voice{}, ErrVoiceNotFound
	}
	return v, nil
}

func (s *fakeStore) ExtendSlotLock(ctx context.Context, id uuid.UUID, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.voices[id]
	if !ok {
		return ErrVoiceNotFound
	}
	v.SlotLockExpiresAt = &expiresAt
	s.voices[id] = v
	return nil
}

func (s *fakeStore) MarkAllocating(ctx context.Context, id uuid.UUID, slotLockExpiresAt time.Time) (Voice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.voices[id]
	if !ok {
		return Voice{}, ErrVoiceNotFound
	}
	v.Status = StatusProcessing
	v.AllocationStatus = AllocAllocating
	v.SlotLockExpiresAt = &slotLockExpiresAt
	s.voices[id] = v
	return v, nil
}

func (s *fakeStore) MarkQueuedBackToRecorded(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.voices[id]
	if !ok {
		return ErrVoiceNotFound
	}
	v.Status = StatusRecorded
	v.AllocationStatus = AllocRecorded
	s.voices[id] = v
	return nil
}

func (s *fakeStore) MarkReady(ctx context.Context, id uuid.UUID, remoteVoiceID string, now time.Time) (Voice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.voices[id]
	if !ok {
		return Voice{}, ErrVoiceNotFound
	}
	v.RemoteVoiceID = &remoteVoiceID
	v.Status = StatusReady
	v.AllocationStatus = AllocReady
	v.AllocatedAt = &now
	v.LastUsedAt = &now
	v.ErrorMessage = nil
	s.voices[id] = v
	return v, nil
}

func (s *fakeStore) MarkError(ctx context.Context, id uuid.UUID, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.voices[id]
	if !ok {
		return ErrVoiceNotFound
	}
	v.Status = StatusError
	v.AllocationStatus = AllocRecorded
	v.ErrorMessage = &message
	v.RemoteVoiceID = nil
	s.voices[id] = v
	return nil
}

func (s *fakeStore) CountActiveByProvider(ctx context.Context, provider string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, v := range s.voices {
		if v.ServiceProvider == provider && (v.AllocationStatus == AllocReady || v.AllocationStatus == AllocAllocating) {
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) ListReclaimCandidates(ctx context.Context, warmHold time.Duration, limit int) ([]Voice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var candidates []Voice
	for _, v := range s.voices {
		if v.AllocationStatus != AllocReady {
			continue
		}
		if v.SlotLockExpiresAt == nil || v.SlotLockExpiresAt.After(now) {
			continue
		}
		if v.LastUsedAt == nil || v.LastUsedAt.After(now.Add(-warmHold)) {
			continue
		}
		candidates = append(candidates, v)
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].LastUsedAt.Before(*candidates[j].LastUsedAt)
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

func (s *fakeStore) MarkReclaimed(ctx context.Context, id uuid.UUID, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.voices[id]
	if !ok {
		return ErrVoiceNotFound
	}
	if v.AllocationStatus != AllocReady {
		return errors.New("fakeStore: voice is no longer ready")
	}
	v.AllocationStatus = AllocRecorded
	v.Status = StatusRecorded
	v.RemoteVoiceID = nil
	s.voices[id] = v
	return nil
}

func (s *fakeStore) Create(ctx context.Context, p CreateParams) (Voice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := Voice{
		ID:                 uuid.New(),
		OwnerUserID:        p.OwnerUserID,
		Name:               p.Name,
		RecordingObjectKey: p.RecordingObjectKey,
		SampleFilename:     p.SampleFilename,
		ServiceProvider:    p.ServiceProvider,
		Status:             StatusRecorded,
		AllocationStatus:   AllocRecorded,
		CreatedAt:          time.Now(),
		UpdatedAt:          time.Now(),
	}
	s.voices[v.ID] = v
	return v, nil
}

func (s *fakeStore) Delete(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.voices[id]; !ok {
		return ErrVoiceNotFound
	}
	delete(s.voices, id)
	return nil
}

func (s *fakeStore) GetVoiceIDByHistoricalRemoteID(ctx context.Context, remoteVoiceID string) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.historicalRemoteIDs[remoteVoiceID]; ok {
		return id, nil
	}
	return uuid.Nil, ErrVoiceNotFound
}

func (s *fakeStore) snapshot(id uuid.UUID) Voice {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.voices[id]
}

// fakeDispatcher records dispatched tasks instead of handing them to asynq.
type fakeDispatcher struct {
	mu          sync.Mutex
	allocations []uuid.UUID
	queueDrains int
	dispatchErr error
}

func (d *fakeDispatcher) DispatchAllocation(ctx context.Context, voiceID uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dispatchErr != nil {
		return d.dispatchErr
	}
	d.allocations = append(d.allocations, voiceID)
	return nil
}

func (d *fakeDispatcher) DispatchQueueDrain(ctx context.Context, delay time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queueDrains++
	return nil
}

// fakeDownloader returns a fixed byte slice for any key.
type fakeDownloader struct {
	data []byte
	err  error
}

func (f *fakeDownloader) Download(ctx context.Context, key string) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.data, nil
}

// fakeObjectStore is an in-memory stand-in for the S3-backed object store.
type fakeObjectStore struct {
	mu         sync.Mutex
	objects    map[string][]byte
	uploadErr  error
	deleteErr  error
	deletedKey []string
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{objects: make(map[string][]byte)}
}

func (f *fakeObjectStore) Upload(ctx context.Context, key string, body io.Reader, contentType, cacheControl, contentDisposition string, metadata map[string]string) error {
	if f.uploadErr != nil {
		return f.uploadErr
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

func (f *fakeObjectStore) Download(ctx context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return nil, errors.New("fakeObjectStore: key not found")
	}
	return data, nil
}

func (f *fakeObjectStore) Delete(ctx context.Context, keys ...string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.objects, k)
		f.deletedKey = append(f.deletedKey, k)
	}
	return nil
}

// fakeProvider is a scriptable ttsprovider.Provider.
type fakeProvider struct {
	name       ttsprovider.Name
	cloneErr   error
	cloneID    string
	deleteErr  error
	deletedIDs []string
	mu         sync.Mutex
}

func (p *fakeProvider) Name() ttsprovider.Name { return p.name }

func (p *fakeProvider) CloneVoice(ctx context.Context, sample io.Reader, filename, voiceName, language string) (ttsprovider.CloneResult, error) {
	if p.cloneErr != nil {
		return ttsprovider.CloneResult{}, p.cloneErr
	}
	return ttsprovider.CloneResult{RemoteVoiceID: p.cloneID}, nil
}

func (p *fakeProvider) DeleteVoice(ctx context.Context, remoteVoiceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.deleteErr != nil {
		return p.deleteErr
	}
	p.deletedIDs = append(p.deletedIDs, remoteVoiceID)
	return nil
}

func (p *fakeProvider) SynthesizeSpeech(ctx context.Context, remoteVoiceID, text string, settings ttsprovider.VoiceSettings) (io.ReadCloser, error) {
	return nil, errors.New("fakeProvider: SynthesizeSpeech not used in this test")
}
