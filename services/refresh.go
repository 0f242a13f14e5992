package services

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"trial-scout/config"
	"trial-scout/models"
	"trial-scout/providers"
	"trial-scout/providers/ctgov"
)

// RefreshOutcome fasst einen Refresh-Lauf für die Provenance zusammen.
type RefreshOutcome struct {
	Requested int
	Refreshed int
	// StaleServed: angefragt, aber im Budget nicht geschafft oder vom Register
	// nicht beantwortet. Diese Records werden mit Last-Known-Good-Daten
	// ausgeliefert und als stale markiert, niemals verworfen.
	StaleServed int
	// DroppedInvalid: IDs, die die Normalisierung nicht überlebt haben und
	// gar nicht erst ans Register geschickt wurden.
	DroppedInvalid []string
	// PoisonIDs: vom Register dauerhaft abgelehnte IDs (Client-Fehler auch als
	// Einzel-Request). Werden nicht endlos wiederholt.
	PoisonIDs []string
}

// RefreshService hält last_verified_at pro Record aktuell: zeitbudgetierter
// Refresh der angezeigten Records plus unbegrenzter Hintergrund-Refresh.
type RefreshService struct {
	Config   *config.Config
	Store    TrialStore
	Registry providers.RegistryProvider
	Logger   *zap.Logger
	Policy   RetryPolicy

	// now ist injizierbar für Tests.
	now func() time.Time
}

// NewRefreshService erstellt eine neue Instanz des RefreshService.
func NewRefreshService(cfg *config.Config, store TrialStore, registry providers.RegistryProvider, logger *zap.Logger) *RefreshService {
	return &RefreshService{
		Config:   cfg,
		Store:    store,
		Registry: registry,
		Logger:   logger,
		Policy:   DefaultRegistryPolicy(),
		now:      time.Now,
	}
}

// NormalizeIDs validiert und normalisiert Register-IDs vor jedem Batch-Call.
// Leere und strukturell ungültige IDs werden vor dem Versand aussortiert.
func NormalizeIDs(ids []string) (valid []string, dropped []string) {
	seen := make(map[string]bool, len(ids))
	for _, raw := range ids {
		id := ctgov.NormalizeNCTID(raw)
		if id == "" {
			dropped = append(dropped, raw)
			continue
		}
		if !seen[id] {
			seen[id] = true
			valid = append(valid, id)
		}
	}
	return valid, dropped
}

// RefreshDisplayed refresht nur die Records, die gleich angezeigt werden,
// unter einem harten Wall-Clock-Budget. Bei Budget-Überschreitung wird
// zurückgegeben, was fertig wurde; der Rest bleibt Last-Known-Good und darf
// im Hintergrund zu Ende laufen und den Store für das nächste Mal füllen.
func (r *RefreshService) RefreshDisplayed(ctx context.Context, ids []string, budget time.Duration) (map[string]*models.TrialRecord, *RefreshOutcome) {
	if budget <= 0 {
		budget = r.Config.DisplayRefreshBudget
	}
	log := r.Logger.With(zap.Int("requested", len(ids)), zap.Duration("budget", budget))
	log.Info("Starte zeitbudgetierten Display-Refresh.")

	valid, dropped := NormalizeIDs(ids)
	outcome := &RefreshOutcome{Requested: len(ids), DroppedInvalid: dropped}
	if len(dropped) > 0 {
		log.Warn("Ungültige IDs vor dem Register-Call aussortiert", zap.Strings("dropped", dropped))
	}

	refreshed := make(map[string]*models.TrialRecord)
	deadlineCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	batches := r.splitBatches(valid)
	for i, batch := range batches {
		if deadlineCtx.Err() != nil {
			// Budget aufgebraucht: Rest im Hintergrund fertig refreshen.
			remaining := flatten(batches[i:])
			log.Warn("Refresh-Budget überschritten, Rest läuft im Hintergrund weiter",
				zap.Int("completed", len(refreshed)), zap.Int("remaining", len(remaining)))
			go r.refreshInBackground(remaining)
			break
		}

		records, poison := r.fetchBatchIsolating(deadlineCtx, batch)
		outcome.PoisonIDs = append(outcome.PoisonIDs, poison...)
		for id, rec := range records {
			r.persist(ctx, rec)
			refreshed[id] = rec
		}
	}

	outcome.Refreshed = len(refreshed)
	outcome.StaleServed = len(valid) - len(refreshed) - len(outcome.PoisonIDs)
	if outcome.StaleServed < 0 {
		outcome.StaleServed = 0
	}
	log.Info("Display-Refresh abgeschlossen",
		zap.Int("refreshed", outcome.Refreshed),
		zap.Int("stale_served", outcome.StaleServed),
		zap.Int("poison", len(outcome.PoisonIDs)))
	return refreshed, outcome
}

// RefreshIncremental ist der unbegrenzte Hintergrund-Job: re-verifiziert die
// ältesten Records in ID-Batches. Idempotent und überlappungssicher, da jeder
// Record unabhängig committed wird.
func (r *RefreshService) RefreshIncremental(ctx context.Context, sinceDays, limit int) (int, error) {
	if sinceDays <= 0 {
		sinceDays = r.Config.IncrementalSinceDays
	}
	if limit <= 0 {
		limit = r.Config.IncrementalLimit
	}
	cutoff := r.now().Add(-time.Duration(sinceDays) * 24 * time.Hour)
	log := r.Logger.With(zap.Time("cutoff", cutoff), zap.Int("limit", limit))
	log.Info("Starte inkrementellen Refresh.")

	records, err := r.Store.ListVerifiedBefore(ctx, cutoff, limit)
	if err != nil {
		log.Error("Laden der Refresh-Kandidaten fehlgeschlagen", zap.Error(err))
		return 0, err
	}

	ids := make([]string, 0, len(records))
	for _, rec := range records {
		ids = append(ids, rec.NCTID)
	}
	valid, dropped := NormalizeIDs(ids)
	if len(dropped) > 0 {
		log.Warn("Ungültige gespeicherte IDs übersprungen", zap.Strings("dropped", dropped))
	}

	refreshed := 0
	for _, batch := range r.splitBatches(valid) {
		if ctx.Err() != nil {
			// Abbruch lässt bereits committete Updates intakt.
			return refreshed, ctx.Err()
		}
		records, _ := r.fetchBatchIsolating(ctx, batch)
		for _, rec := range records {
			r.persist(ctx, rec)
			refreshed++
		}
	}

	log.Info("Inkrementeller Refresh abgeschlossen", zap.Int("refreshed", refreshed))
	return refreshed, nil
}

// splitBatches zerlegt IDs in Batches unterhalb des dokumentierten
// Register-Limits und der Payload-Obergrenze des gejointen ID-Strings.
func (r *RefreshService) splitBatches(ids []string) [][]string {
	maxBatch := r.Config.RegistryBatchSize
	if maxBatch <= 0 {
		maxBatch = 100
	}
	payloadLimit := r.Config.RegistryPayloadLimit
	if payloadLimit <= 0 {
		payloadLimit = 6000
	}

	var batches [][]string
	var current []string
	payload := 0
	for _, id := range ids {
		// +1 für den Trenner im gejointen Request
		if len(current) >= maxBatch || (payload+len(id)+1) > payloadLimit {
			if len(current) > 0 {
				batches = append(batches, current)
			}
			current = nil
			payload = 0
		}
		current = append(current, id)
		payload += len(id) + 1
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}

// fetchBatchIsolating holt einen Batch mit Retry-Policy. Bei einem
// Client-Fehler wird der Batch in Einzel-Requests zerlegt, um den
// fehlerhaften Datensatz zu isolieren, statt den ganzen Batch zu verwerfen.
func (r *RefreshService) fetchBatchIsolating(ctx context.Context, batch []string) (map[string]*models.TrialRecord, []string) {
	var result map[string]*models.TrialRecord
	err := r.Policy.Do(ctx, func(ctx context.Context) error {
		var callErr error
		result, callErr = r.Registry.FetchStatusBatch(ctx, batch)
		return callErr
	})
	if err == nil {
		return result, nil
	}

	if !errors.Is(err, providers.ErrBadRequest) || !r.Policy.IsolateOnBadRequest || len(batch) == 1 {
		if errors.Is(err, providers.ErrBadRequest) && len(batch) == 1 {
			r.Logger.Warn("Register lehnt ID dauerhaft ab, wird verworfen",
				zap.String("nct_id", batch[0]), zap.Error(err))
			return nil, []string{batch[0]}
		}
		r.Logger.Warn("Batch-Refresh fehlgeschlagen, Records bleiben Last-Known-Good",
			zap.Int("batch_size", len(batch)), zap.Error(err))
		return nil, nil
	}

	// Isolations-Modus: jeden Eintrag einzeln anfragen.
	r.Logger.Warn("Client-Fehler im Batch, wiederhole als Einzel-Requests",
		zap.Int("batch_size", len(batch)), zap.Error(err))
	merged := make(map[string]*models.TrialRecord)
	var poison []string
	for _, id := range batch {
		if ctx.Err() != nil {
			break
		}
		single, singlePoison := r.fetchBatchIsolating(ctx, []string{id})
		poison = append(poison, singlePoison...)
		for k, v := range single {
			merged[k] = v
		}
	}
	return merged, poison
}

// persist schreibt einen frisch verifizierten Record mit neuer Checksumme.
// Ein fehlgeschlagener Refresh überschreibt nie Last-Known-Good-Daten:
// hierher kommen nur vollständige Register-Antworten.
func (r *RefreshService) persist(ctx context.Context, rec *models.TrialRecord) {
	rec.ContentChecksum = ContentChecksum(rec)
	now := r.now().UTC()
	rec.LastVerifiedAt = &now
	if err := r.Store.Upsert(ctx, rec); err != nil {
		r.Logger.Error("Persistieren des refreshten Records fehlgeschlagen",
			zap.String("nct_id", rec.NCTID), zap.Error(err))
	}
}

// refreshInBackground verarbeitet nach Budget-Überschreitung verbliebene IDs
// ohne Zeitlimit weiter, damit der Store beim nächsten Request frisch ist.
func (r *RefreshService) refreshInBackground(ids []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	for _, batch := range r.splitBatches(ids) {
		records, _ := r.fetchBatchIsolating(ctx, batch)
		for _, rec := range records {
			r.persist(ctx, rec)
		}
	}
}

func flatten(batches [][]string) []string {
	var out []string
	for _, b := range batches {
		out = append(out, b...)
	}
	return out
}
