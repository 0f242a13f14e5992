package services

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trial-scout/models"
	"trial-scout/providers/vectorindex"
)

func TestBuildQueriesAlwaysNonEmpty(t *testing.T) {
	d := NewDiscoveryService(testConfig(), newFakeStore(), nil, nil, testLogger())

	queries := d.BuildQueries(models.PatientProfile{})
	require.NotEmpty(t, queries, "discovery must always emit at least one query")
	assert.Equal(t, []string{"cancer"}, queries)
}

func TestBuildQueriesFromProfile(t *testing.T) {
	d := NewDiscoveryService(testConfig(), newFakeStore(), nil, nil, testLogger())

	queries := d.BuildQueries(models.PatientProfile{
		Condition:  "breast cancer",
		Stage:      "IV",
		Biomarkers: []string{"HER2+", "breast cancer"}, // Duplikat gegen die Condition
	})

	assert.Equal(t, []string{
		"breast cancer",
		"breast cancer IV",
		"breast cancer HER2+",
		"breast cancer breast cancer",
	}, queries)
}

func TestBuildQueriesBiomarkersOnly(t *testing.T) {
	d := NewDiscoveryService(testConfig(), newFakeStore(), nil, nil, testLogger())

	queries := d.BuildQueries(models.PatientProfile{Biomarkers: []string{"KRAS G12C"}})
	assert.Equal(t, []string{"KRAS G12C"}, queries)
}

func TestDiscoverLocalStoreFirst(t *testing.T) {
	store := newFakeStore(
		testTrial("NCT00000001", "Trial One"),
		testTrial("NCT00000002", "Trial Two"),
	)
	cfg := testConfig()
	cfg.CandidateMin = 1 // Pool ist sofort groß genug
	registry := &fakeRegistry{}
	d := NewDiscoveryService(cfg, store, nil, registry, testLogger())

	set := d.Discover(context.Background(), models.PatientProfile{Condition: "cancer"})

	assert.Len(t, set.IDs, 2)
	assert.Equal(t, 2, set.SourceCounts[SourceLocalStore])
	assert.Equal(t, 0, set.SourceCounts[SourceRegistry])
	searches, _ := registry.calls()
	assert.Zero(t, searches, "registry must not be hit when the local pool suffices")
}

func TestDiscoverFallsBackToRegistry(t *testing.T) {
	store := newFakeStore()
	registry := &fakeRegistry{
		searchResult: []*models.TrialRecord{
			testTrial("NCT00000010", "Registry Trial"),
		},
	}
	d := NewDiscoveryService(testConfig(), store, nil, registry, testLogger())

	set := d.Discover(context.Background(), models.PatientProfile{Condition: "sarcoma"})

	require.Contains(t, set.Records, "NCT00000010")
	assert.Equal(t, 1, set.SourceCounts[SourceRegistry])
	// Neu entdeckte Studien werden sofort persistiert und tragen eine Checksumme.
	assert.Equal(t, 1, store.upserts)
	assert.NotEmpty(t, set.Records["NCT00000010"].ContentChecksum)
}

func TestDiscoverUsesVectorIndex(t *testing.T) {
	stored := testTrial("NCT00000020", "Indexed Trial")
	store := newFakeStore(stored)
	index := &fakeIndex{
		enabled: true,
		matches: []vectorindex.Match{
			{ID: "NCT00000020", Score: 0.92},
			{ID: "NCT00000021", Score: 0.88}, // kein lokaler Record
		},
	}
	d := NewDiscoveryService(testConfig(), store, index, nil, testLogger())

	set := d.Discover(context.Background(), models.PatientProfile{
		Condition:       "glioma",
		MechanismVector: models.MechVector{0.5, 0, 0, 0, 0, 0.5, 0},
	})

	assert.Equal(t, 1, index.queries)
	// Auch Index-Treffer ohne lokalen Record bleiben Kandidaten;
	// der Refresh holt die Daten später nach.
	assert.Contains(t, set.IDs, "NCT00000021")
	assert.GreaterOrEqual(t, set.SourceCounts[SourceVectorIndex], 1)
}

func TestDiscoverSkipsIndexWithoutMechanismVector(t *testing.T) {
	index := &fakeIndex{enabled: true}
	d := NewDiscoveryService(testConfig(), newFakeStore(), index, nil, testLogger())

	d.Discover(context.Background(), models.PatientProfile{Condition: "glioma"})
	assert.Zero(t, index.queries)
}

func TestDiscoverSourceFailuresAreNotFatal(t *testing.T) {
	store := newFakeStore()
	store.searchErr = errors.New("store down")
	registry := &fakeRegistry{searchErr: errors.New("registry down")}
	index := &fakeIndex{enabled: true, err: errors.New("index down")}
	d := NewDiscoveryService(testConfig(), store, index, registry, testLogger())

	set := d.Discover(context.Background(), models.PatientProfile{
		Condition:       "lymphoma",
		MechanismVector: models.MechVector{1, 0, 0, 0, 0, 0, 0},
	})

	assert.Empty(t, set.IDs)
	// Jede ausgefallene Quelle hinterlässt eine Diagnose-Note.
	assert.GreaterOrEqual(t, len(set.Notes), 2)
}

func TestDiscoverRespectsCandidateMax(t *testing.T) {
	cfg := testConfig()
	cfg.CandidateMax = 3
	var recs []*models.TrialRecord
	for _, id := range []string{"NCT00000001", "NCT00000002", "NCT00000003", "NCT00000004", "NCT00000005"} {
		recs = append(recs, testTrial(id, "Trial "+id))
	}
	d := NewDiscoveryService(cfg, newFakeStore(recs...), nil, nil, testLogger())

	set := d.Discover(context.Background(), models.PatientProfile{Condition: "cancer"})
	assert.Len(t, set.IDs, 3)
}
