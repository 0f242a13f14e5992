package services

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"trial-scout/config"
	"trial-scout/models"
	"trial-scout/providers/moaengine"
	"trial-scout/providers/vectorindex"
)

// testConfig liefert eine kleine, deterministische Konfiguration für Tests.
func testConfig() *config.Config {
	return &config.Config{
		RegistryBatchSize:    100,
		RegistryPayloadLimit: 6000,
		VectorIndexTopK:      50,
		TaggingBatchSize:     20,
		TaggingMaxRetries:    2,
		RetagConfidence:      0.55,
		QASampleSize:         30,
		FreshnessSLAHours:    24,
		DisplayRefreshBudget: 5 * time.Second,
		IncrementalSinceDays: 7,
		IncrementalLimit:     2000,
		CandidateMin:         5,
		CandidateMax:         50,
	}
}

func testTrial(nctID, title string) *models.TrialRecord {
	rec := &models.TrialRecord{
		NCTID:             nctID,
		Title:             title,
		RecruitmentStatus: models.StatusRecruiting,
		StudyType:         models.StudyTypeInterventional,
	}
	rec.ContentChecksum = ContentChecksum(rec)
	return rec
}

// fakeStore ist eine In-Memory-Implementierung von TrialStore und MoAStore.
type fakeStore struct {
	mu      sync.Mutex
	trials  map[string]*models.TrialRecord
	vectors map[string]*models.MoAVector

	searchErr  error
	upserts    int
	vecUpserts int
}

func newFakeStore(recs ...*models.TrialRecord) *fakeStore {
	s := &fakeStore{
		trials:  map[string]*models.TrialRecord{},
		vectors: map[string]*models.MoAVector{},
	}
	for _, rec := range recs {
		s.trials[rec.NCTID] = rec
	}
	return s
}

func (s *fakeStore) SearchLocal(ctx context.Context, terms []string, limit int) ([]*models.TrialRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.searchErr != nil {
		return nil, s.searchErr
	}
	var out []*models.TrialRecord
	for _, rec := range s.trials {
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *fakeStore) FindByNCTIDs(ctx context.Context, ids []string) ([]*models.TrialRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.TrialRecord
	for _, id := range ids {
		if rec, ok := s.trials[id]; ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *fakeStore) ListVerifiedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*models.TrialRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.TrialRecord
	for _, rec := range s.trials {
		if rec.LastVerifiedAt == nil || rec.LastVerifiedAt.Before(cutoff) {
			out = append(out, rec)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *fakeStore) Upsert(ctx context.Context, rec *models.TrialRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trials[rec.NCTID] = rec
	s.upserts++
	return nil
}

func (s *fakeStore) GetVectors(ctx context.Context, ids []string) (map[string]*models.MoAVector, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]*models.MoAVector{}
	for _, id := range ids {
		if vec, ok := s.vectors[id]; ok {
			out[id] = vec
		}
	}
	return out, nil
}

func (s *fakeStore) UpsertVector(ctx context.Context, vec *models.MoAVector) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vectors[vec.NCTID] = vec
	s.vecUpserts++
	return nil
}

// fakeRegistry ist ein konfigurierbarer RegistryProvider.
type fakeRegistry struct {
	mu           sync.Mutex
	searchResult []*models.TrialRecord
	searchErr    error
	batchFn      func(ids []string) (map[string]*models.TrialRecord, error)
	delay        time.Duration
	batchCalls   int
	searchCalls  int
}

func (r *fakeRegistry) Name() string { return "fake-registry" }

func (r *fakeRegistry) SearchCondition(ctx context.Context, query string, maxRecords int) ([]*models.TrialRecord, error) {
	r.mu.Lock()
	r.searchCalls++
	result, err := r.searchResult, r.searchErr
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if maxRecords > 0 && len(result) > maxRecords {
		result = result[:maxRecords]
	}
	return result, nil
}

func (r *fakeRegistry) FetchStatusBatch(ctx context.Context, ids []string) (map[string]*models.TrialRecord, error) {
	r.mu.Lock()
	r.batchCalls++
	fn, delay := r.batchFn, r.delay
	r.mu.Unlock()
	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	if fn != nil {
		return fn(ids)
	}
	out := map[string]*models.TrialRecord{}
	for _, id := range ids {
		out[id] = testTrial(id, "refreshed "+id)
	}
	return out, nil
}

func (r *fakeRegistry) calls() (search, batch int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.searchCalls, r.batchCalls
}

// fakeIndex ist ein konfigurierbarer VectorIndex.
type fakeIndex struct {
	enabled bool
	matches []vectorindex.Match
	err     error
	queries int
}

func (f *fakeIndex) Enabled() bool { return f.enabled }

func (f *fakeIndex) QueryIDs(ctx context.Context, vector []float64, topK int) ([]vectorindex.Match, error) {
	f.queries++
	if f.err != nil {
		return nil, f.err
	}
	return f.matches, nil
}

// fakeTagger ist ein konfigurierbarer MoATagger.
type fakeTagger struct {
	mu      sync.Mutex
	fn      func(trials []moaengine.TagInput) (*moaengine.BatchResult, error)
	calls   int
	batches [][]string
}

func (f *fakeTagger) Name() string { return "fake-engine" }

func (f *fakeTagger) TagBatch(ctx context.Context, trials []moaengine.TagInput) (*moaengine.BatchResult, error) {
	f.mu.Lock()
	f.calls++
	var ids []string
	for _, t := range trials {
		ids = append(ids, t.NCTID)
	}
	f.batches = append(f.batches, ids)
	fn := f.fn
	f.mu.Unlock()

	if fn != nil {
		return fn(trials)
	}
	res := &moaengine.BatchResult{
		ModelVersion: "test-model-v1",
		Results:      map[string]moaengine.TagResult{},
	}
	for _, t := range trials {
		res.Results[t.NCTID] = moaengine.TagResult{
			NCTID:      t.NCTID,
			Vector:     models.MechVector{0.9, 0, 0, 0, 0, 0, 0},
			Confidence: 0.9,
		}
	}
	return res, nil
}

func (f *fakeTagger) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testLogger() *zap.Logger {
	return zap.NewNop()
}
