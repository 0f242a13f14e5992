package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trial-scout/models"
	"trial-scout/providers"
)

func newTestRefresh(store *fakeStore, registry *fakeRegistry) *RefreshService {
	r := NewRefreshService(testConfig(), store, registry, testLogger())
	r.Policy = RetryPolicy{
		MaxAttempts:         2,
		InitialBackoff:      time.Millisecond,
		MaxBackoff:          2 * time.Millisecond,
		IsolateOnBadRequest: true,
	}
	return r
}

func TestNormalizeIDsFiltersMalformed(t *testing.T) {
	valid, dropped := NormalizeIDs([]string{
		"NCT12345678",
		"12345679",       // Ziffern ohne Präfix
		"nct:12345680",   // Präfix-Variante
		" NCT12345678 ",  // Duplikat mit Whitespace
		"NCT123",         // zu kurz
		"not-a-trial-id", // Müll
		"",
	})

	assert.Equal(t, []string{"NCT12345678", "NCT12345679", "NCT12345680"}, valid)
	assert.Len(t, dropped, 3)
}

func TestSplitBatchesRespectsBatchSize(t *testing.T) {
	cfg := testConfig()
	cfg.RegistryBatchSize = 2
	r := NewRefreshService(cfg, newFakeStore(), &fakeRegistry{}, testLogger())

	batches := r.splitBatches([]string{"NCT00000001", "NCT00000002", "NCT00000003", "NCT00000004", "NCT00000005"})
	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 2)
	assert.Len(t, batches[2], 1)
}

func TestSplitBatchesRespectsPayloadLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RegistryPayloadLimit = 30 // Platz für zwei IDs plus Trenner
	r := NewRefreshService(cfg, newFakeStore(), &fakeRegistry{}, testLogger())

	batches := r.splitBatches([]string{"NCT00000001", "NCT00000002", "NCT00000003"})
	require.Len(t, batches, 2)
	assert.Len(t, batches[0], 2)
	assert.Len(t, batches[1], 1)
}

func TestRefreshDisplayedHappyPath(t *testing.T) {
	store := newFakeStore()
	registry := &fakeRegistry{}
	r := newTestRefresh(store, registry)

	ids := []string{"NCT00000001", "NCT00000002", "garbage-id"}
	refreshed, outcome := r.RefreshDisplayed(context.Background(), ids, time.Second)

	assert.Len(t, refreshed, 2)
	assert.Equal(t, 2, outcome.Refreshed)
	assert.Equal(t, 0, outcome.StaleServed)
	assert.Equal(t, []string{"garbage-id"}, outcome.DroppedInvalid)

	// Persistiert mit frischer Checksumme und Verifikationszeitpunkt.
	assert.Equal(t, 2, store.upserts)
	rec := refreshed["NCT00000001"]
	require.NotNil(t, rec)
	assert.NotEmpty(t, rec.ContentChecksum)
	require.NotNil(t, rec.LastVerifiedAt)
	assert.WithinDuration(t, time.Now(), *rec.LastVerifiedAt, 5*time.Second)
}

func TestRefreshDisplayedHonorsBudget(t *testing.T) {
	cfg := testConfig()
	cfg.RegistryBatchSize = 1
	store := newFakeStore()
	registry := &fakeRegistry{delay: 60 * time.Millisecond}
	r := NewRefreshService(cfg, store, registry, testLogger())
	r.Policy = RetryPolicy{MaxAttempts: 1, InitialBackoff: time.Millisecond}

	var ids []string
	for i := 0; i < 20; i++ {
		ids = append(ids, fmt.Sprintf("NCT000000%02d", i))
	}

	start := time.Now()
	refreshed, outcome := r.RefreshDisplayed(context.Background(), ids, 150*time.Millisecond)
	elapsed := time.Since(start)

	// Der Aufruf kommt nahe am Budget zurück, nicht erst nach 20*60ms.
	assert.Less(t, elapsed, time.Second)
	assert.Less(t, len(refreshed), len(ids))
	// Nicht geschaffte Records werden stale ausgeliefert, nie verworfen.
	assert.Equal(t, len(ids)-len(refreshed), outcome.StaleServed)
	assert.Equal(t, len(refreshed), outcome.Refreshed)
}

func TestRefreshDisplayedIsolatesPoisonRecord(t *testing.T) {
	store := newFakeStore()
	registry := &fakeRegistry{
		batchFn: func(ids []string) (map[string]*models.TrialRecord, error) {
			if len(ids) > 1 {
				return nil, fmt.Errorf("batch rejected: %w", providers.ErrBadRequest)
			}
			if ids[0] == "NCT00000099" {
				return nil, fmt.Errorf("unknown id: %w", providers.ErrBadRequest)
			}
			return map[string]*models.TrialRecord{ids[0]: testTrial(ids[0], "ok")}, nil
		},
	}
	r := newTestRefresh(store, registry)

	refreshed, outcome := r.RefreshDisplayed(context.Background(),
		[]string{"NCT00000001", "NCT00000099", "NCT00000002"}, time.Second)

	// Der fehlerhafte Datensatz wird isoliert, der Rest des Batches überlebt.
	assert.Len(t, refreshed, 2)
	assert.Contains(t, refreshed, "NCT00000001")
	assert.Contains(t, refreshed, "NCT00000002")
	assert.Equal(t, []string{"NCT00000099"}, outcome.PoisonIDs)
	assert.Equal(t, 0, outcome.StaleServed)
}

func TestRefreshDisplayedKeepsLastKnownGoodOnOutage(t *testing.T) {
	store := newFakeStore()
	registry := &fakeRegistry{
		batchFn: func(ids []string) (map[string]*models.TrialRecord, error) {
			return nil, providers.ErrUnavailable
		},
	}
	r := newTestRefresh(store, registry)

	refreshed, outcome := r.RefreshDisplayed(context.Background(),
		[]string{"NCT00000001", "NCT00000002"}, time.Second)

	assert.Empty(t, refreshed)
	assert.Equal(t, 2, outcome.StaleServed)
	assert.Empty(t, outcome.PoisonIDs)
	assert.Zero(t, store.upserts, "a failed refresh must never overwrite stored data")
}

func TestRefreshIncremental(t *testing.T) {
	old := testTrial("NCT00000001", "Old Trial")
	older := testTrial("NCT00000002", "Older Trial")
	store := newFakeStore(old, older)
	registry := &fakeRegistry{}
	r := newTestRefresh(store, registry)

	count, err := r.RefreshIncremental(context.Background(), 7, 100)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Equal(t, 2, store.upserts)
}
