package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"trial-scout/config"
	"trial-scout/models"
	"trial-scout/providers"
	"trial-scout/providers/moaengine"
)

// MoATagger ist die Schnittstelle zur Text-Understanding-Engine.
type MoATagger interface {
	TagBatch(ctx context.Context, trials []moaengine.TagInput) (*moaengine.BatchResult, error)
	Name() string
}

// TaggingOutcome fasst einen Tagging-Lauf für Provenance und Operatoren zusammen.
type TaggingOutcome struct {
	Candidates    int
	Tagged        int
	Reused        int
	FailedBatches int

	QASampled int
	QAPassed  int
	QAFailed  int
}

// QAErrorRate gibt die Fehlerquote der QA-Stichproben zurück.
func (o *TaggingOutcome) QAErrorRate() float64 {
	if o.QASampled == 0 {
		return 0
	}
	return float64(o.QAFailed) / float64(o.QASampled)
}

// TaggingService berechnet MoA-Vektoren pro Studie über die MoA-Engine,
// checksummen-gated: unveränderte Studien werden nie erneut getaggt.
type TaggingService struct {
	Config  *config.Config
	Store   TrialStore
	Vectors MoAStore
	Tagger  MoATagger
	Logger  *zap.Logger
	Policy  RetryPolicy

	now func() time.Time
}

// NewTaggingService erstellt eine neue Instanz des TaggingService.
func NewTaggingService(cfg *config.Config, store TrialStore, vectors MoAStore, tagger MoATagger, logger *zap.Logger) *TaggingService {
	return &TaggingService{
		Config:  cfg,
		Store:   store,
		Vectors: vectors,
		Tagger:  tagger,
		Logger:  logger,
		Policy:  DefaultTaggingPolicy(cfg.TaggingMaxRetries),
		now:     time.Now,
	}
}

// NeedsTagging entscheidet, ob eine Studie (wieder) getaggt werden muss:
// kein Vektor, Checksummen-Abweichung, oder zu niedrige Confidence bei einer
// Studie aus dem Priority-Korpus (rekrutierend).
func (t *TaggingService) NeedsTagging(rec *models.TrialRecord, vec *models.MoAVector) bool {
	if vec == nil {
		return true
	}
	if !vec.ValidFor(rec.ContentChecksum) {
		return true
	}
	if vec.Confidence < t.Config.RetagConfidence && isPriorityCorpus(rec) {
		return true
	}
	return false
}

func isPriorityCorpus(rec *models.TrialRecord) bool {
	return rec.RecruitmentStatus == models.StatusRecruiting ||
		rec.RecruitmentStatus == models.StatusNotYetRecruiting
}

// EnsureTagged stellt sicher, dass alle übergebenen Studien einen gültigen
// MoA-Vektor haben. Gültige gecachte Vektoren werden wiederverwendet; nur
// Kandidaten gehen in Batches zur Engine. Rückgabe: alle gültigen Vektoren.
func (t *TaggingService) EnsureTagged(ctx context.Context, records []*models.TrialRecord) (map[string]*models.MoAVector, *TaggingOutcome) {
	outcome := &TaggingOutcome{}
	valid := make(map[string]*models.MoAVector)
	if len(records) == 0 {
		return valid, outcome
	}

	ids := make([]string, 0, len(records))
	for _, rec := range records {
		ids = append(ids, rec.NCTID)
	}
	existing, err := t.Vectors.GetVectors(ctx, ids)
	if err != nil {
		t.Logger.Error("Laden der gecachten MoA-Vektoren fehlgeschlagen", zap.Error(err))
		existing = map[string]*models.MoAVector{}
	}

	var candidates []*models.TrialRecord
	for _, rec := range records {
		vec := existing[rec.NCTID]
		if t.NeedsTagging(rec, vec) {
			candidates = append(candidates, rec)
			continue
		}
		valid[rec.NCTID] = vec
		outcome.Reused++
	}
	outcome.Candidates = len(candidates)

	log := t.Logger.With(zap.Int("records", len(records)), zap.Int("candidates", len(candidates)))
	if len(candidates) == 0 {
		log.Debug("Keine Tagging-Kandidaten, alle Vektoren aktuell.")
		return valid, outcome
	}
	log.Info("Starte Batch-Tagging.")

	var allFresh []*models.MoAVector
	for _, batch := range t.batchCandidates(candidates) {
		fresh, err := t.tagBatch(ctx, batch)
		if err != nil {
			outcome.FailedBatches++
			if errors.Is(err, providers.ErrQuotaExhausted) {
				// Kontingent weg: harter Stopp, der Rest wartet auf den nächsten Lauf.
				log.Error("MoA-Engine-Kontingent erschöpft, Tagging-Lauf wird abgebrochen", zap.Error(err))
				break
			}
			log.Warn("Tagging-Batch fehlgeschlagen, bleibt für den nächsten Lauf ungetaggt",
				zap.Int("batch_size", len(batch)), zap.Error(err))
			continue
		}
		for _, vec := range fresh {
			valid[vec.NCTID] = vec
			outcome.Tagged++
		}
		allFresh = append(allFresh, fresh...)
		t.runQA(fresh, outcome)
	}

	// Abschließende Stichprobe über den gesamten Lauf. Die Batch-Stichproben
	// allein würden bei Batch-Größen über der Sample-Größe die Lauf-Garantie
	// min(30, n) verlieren.
	t.runQA(allFresh, outcome)

	log.Info("Batch-Tagging abgeschlossen",
		zap.Int("tagged", outcome.Tagged),
		zap.Int("reused", outcome.Reused),
		zap.Int("failed_batches", outcome.FailedBatches),
		zap.Float64("qa_error_rate", outcome.QAErrorRate()))
	return valid, outcome
}

// RunScheduled ist der geplante Tagging-Lauf über den gesamten Bestand.
func (t *TaggingService) RunScheduled(ctx context.Context) (*TaggingOutcome, error) {
	records, err := t.Store.ListVerifiedBefore(ctx, t.now(), t.Config.IncrementalLimit)
	if err != nil {
		return nil, fmt.Errorf("tagging candidates: %w", err)
	}
	_, outcome := t.EnsureTagged(ctx, records)
	return outcome, nil
}

func (t *TaggingService) batchCandidates(candidates []*models.TrialRecord) [][]*models.TrialRecord {
	size := t.Config.TaggingBatchSize
	if size <= 0 {
		size = 20
	}
	var batches [][]*models.TrialRecord
	for start := 0; start < len(candidates); start += size {
		end := start + size
		if end > len(candidates) {
			end = len(candidates)
		}
		batches = append(batches, candidates[start:end])
	}
	return batches
}

// tagBatch schickt einen Batch mit Retry-Policy zur Engine und persistiert
// die Ergebnisse checksummen-versioniert.
func (t *TaggingService) tagBatch(ctx context.Context, batch []*models.TrialRecord) ([]*models.MoAVector, error) {
	inputs := make([]moaengine.TagInput, 0, len(batch))
	byID := make(map[string]*models.TrialRecord, len(batch))
	for _, rec := range batch {
		byID[rec.NCTID] = rec
		input := moaengine.TagInput{
			NCTID:      rec.NCTID,
			Title:      rec.Title,
			Summary:    rec.BriefSummary,
			Conditions: rec.Conditions,
		}
		for _, iv := range rec.Interventions {
			input.Interventions = append(input.Interventions, iv.Name)
		}
		inputs = append(inputs, input)
	}

	var result *moaengine.BatchResult
	err := t.Policy.Do(ctx, func(ctx context.Context) error {
		var callErr error
		result, callErr = t.Tagger.TagBatch(ctx, inputs)
		return callErr
	})
	if err != nil {
		return nil, err
	}

	taggedAt := t.now().UTC()
	var fresh []*models.MoAVector
	for id, res := range result.Results {
		rec, ok := byID[id]
		if !ok {
			continue
		}
		vec := &models.MoAVector{
			NCTID:           id,
			Vector:          res.Vector,
			Confidence:      res.Confidence,
			TaggingChecksum: rec.ContentChecksum,
			Source:          t.Tagger.Name(),
			ModelVersion:    result.ModelVersion,
			TaggedAt:        taggedAt,
		}
		if err := t.Vectors.UpsertVector(ctx, vec); err != nil {
			t.Logger.Error("Persistieren des MoA-Vektors fehlgeschlagen",
				zap.String("nct_id", id), zap.Error(err))
			continue
		}
		fresh = append(fresh, vec)
	}
	return fresh, nil
}

// runQA zieht eine deterministische Stichprobe min(QASampleSize, n) (nach
// NCTID sortiert) und verifiziert die Invarianten der Engine-Ausgabe. Läuft
// pro Batch und einmal über den gesamten Lauf. QA blockiert die Ingestion
// nie, sie zählt nur pass/fail für die Fehlerquote der Operatoren.
func (t *TaggingService) runQA(vectors []*models.MoAVector, outcome *TaggingOutcome) {
	if len(vectors) == 0 {
		return
	}
	sample := make([]*models.MoAVector, len(vectors))
	copy(sample, vectors)
	sort.Slice(sample, func(i, j int) bool { return sample[i].NCTID < sample[j].NCTID })

	n := t.Config.QASampleSize
	if n <= 0 {
		n = 30
	}
	if n > len(sample) {
		n = len(sample)
	}

	for _, vec := range sample[:n] {
		outcome.QASampled++
		if err := VerifyTagging(vec); err != nil {
			outcome.QAFailed++
			t.Logger.Warn("QA-Stichprobe fehlgeschlagen",
				zap.String("nct_id", vec.NCTID), zap.Error(err))
		} else {
			outcome.QAPassed++
		}
	}
}

// VerifyTagging prüft deterministisch die Invarianten eines Tagging-Ergebnisses:
// Confidence und alle Komponenten in [0,1]; bei behauptetem Primär-Mechanismus
// (Confidence ≥ 0.5) mindestens eine Komponente ungleich null.
func VerifyTagging(vec *models.MoAVector) error {
	if vec.Confidence < 0 || vec.Confidence > 1 {
		return fmt.Errorf("confidence %v outside [0,1]", vec.Confidence)
	}
	if len(vec.Vector) != len(models.MechanismAxes) {
		return fmt.Errorf("vector has %d components, expected %d", len(vec.Vector), len(models.MechanismAxes))
	}
	for i, c := range vec.Vector {
		if c < 0 || c > 1 {
			return fmt.Errorf("component %s = %v outside [0,1]", models.MechanismAxes[i], c)
		}
	}
	if vec.Confidence >= 0.5 && vec.Vector.AllZero() {
		return fmt.Errorf("primary mechanism asserted (confidence %v) but vector is all-zero", vec.Confidence)
	}
	return nil
}
