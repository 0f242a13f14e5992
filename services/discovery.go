package services

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"trial-scout/config"
	"trial-scout/models"
	"trial-scout/providers"
	"trial-scout/providers/vectorindex"
)

// Quellnamen in der Provenance.
const (
	SourceLocalStore  = "local_store"
	SourceVectorIndex = "vector_index"
	SourceRegistry    = "registry"
)

// CandidateSet ist das Ergebnis der Discovery: geordnete IDs plus, wo
// vorhanden, die vollständigen Records, damit nachgelagerte Stufen auch bei
// fehlgeschlagenem Refresh autoritative Metadaten behalten.
type CandidateSet struct {
	IDs     []string
	Records map[string]*models.TrialRecord

	Queries      []string
	SourceCounts map[string]int
	Notes        []string
}

// DiscoveryService baut aus einem Patientenprofil eine begrenzte Kandidatenmenge.
// Reihenfolge der Quellen: lokaler Store → Vektor-Index → Live-Register.
type DiscoveryService struct {
	Config   *config.Config
	Store    TrialStore
	Index    VectorIndex
	Registry providers.RegistryProvider
	Logger   *zap.Logger
}

// NewDiscoveryService erstellt eine neue Instanz des DiscoveryService.
func NewDiscoveryService(cfg *config.Config, store TrialStore, index VectorIndex, registry providers.RegistryProvider, logger *zap.Logger) *DiscoveryService {
	return &DiscoveryService{Config: cfg, Store: store, Index: index, Registry: registry, Logger: logger}
}

// BuildQueries baut Suchbegriffe aus den verfügbaren Profilfeldern.
// Es wird immer mindestens eine nicht-leere Query emittiert; ohne brauchbares
// Feld fällt die Suche auf eine generische Query zurück statt zu scheitern.
func (d *DiscoveryService) BuildQueries(profile models.PatientProfile) []string {
	var queries []string
	seen := make(map[string]bool)
	add := func(q string) {
		q = strings.TrimSpace(q)
		if q != "" && !seen[strings.ToLower(q)] {
			seen[strings.ToLower(q)] = true
			queries = append(queries, q)
		}
	}

	condition := strings.TrimSpace(profile.Condition)
	if condition != "" {
		add(condition)
		if profile.Stage != "" {
			add(condition + " " + profile.Stage)
		}
		for _, bm := range profile.Biomarkers {
			add(condition + " " + bm)
		}
	} else {
		for _, bm := range profile.Biomarkers {
			add(bm)
		}
	}

	if len(queries) == 0 {
		// Generischer Fallback: lieber breit suchen als gar nicht.
		add("cancer")
	}
	return queries
}

// Discover sammelt Kandidaten aus allen Quellen. Quellen-Ausfälle sind
// nicht fatal: zurückgegeben wird immer, was eingesammelt werden konnte,
// mit Provenance, welche Quelle wie viel geliefert hat.
func (d *DiscoveryService) Discover(ctx context.Context, profile models.PatientProfile) *CandidateSet {
	queries := d.BuildQueries(profile)
	log := d.Logger.With(zap.Strings("queries", queries))
	log.Info("Starte Trial-Discovery.")

	set := &CandidateSet{
		Records:      make(map[string]*models.TrialRecord),
		Queries:      queries,
		SourceCounts: map[string]int{SourceLocalStore: 0, SourceVectorIndex: 0, SourceRegistry: 0},
	}

	// 1. Lokaler Store
	records, err := d.Store.SearchLocal(ctx, queries, d.Config.CandidateMax)
	if err != nil {
		log.Error("Lokale Kandidatensuche fehlgeschlagen", zap.Error(err))
		set.Notes = append(set.Notes, fmt.Sprintf("local store search failed: %v", err))
	}
	for _, rec := range records {
		if d.addRecord(set, rec) {
			set.SourceCounts[SourceLocalStore]++
		}
	}

	// 2. Vektor-Index, falls der Pool zu klein ist und ein Mechanismus-Vektor vorliegt
	if len(set.IDs) < d.Config.CandidateMin && d.Index != nil && d.Index.Enabled() && !profile.MechanismVector.AllZero() {
		matches, err := d.Index.QueryIDs(ctx, profile.MechanismVector, d.Config.VectorIndexTopK)
		if err != nil {
			log.Warn("Vektor-Index-Lookup fehlgeschlagen", zap.Error(err))
			set.Notes = append(set.Notes, fmt.Sprintf("vector index lookup failed: %v", err))
		} else {
			added := d.addByIDs(ctx, set, matchIDs(matches))
			set.SourceCounts[SourceVectorIndex] = added
			log.Info("Vektor-Index hat Kandidaten geliefert", zap.Int("added", added))
		}
	}

	// 3. Live-Register als letzte Stufe
	if len(set.IDs) < d.Config.CandidateMin && d.Registry != nil {
		for _, query := range queries {
			if len(set.IDs) >= d.Config.CandidateMax {
				break
			}
			found, err := d.Registry.SearchCondition(ctx, query, d.Config.CandidateMax-len(set.IDs))
			if err != nil {
				log.Warn("Register-Suche fehlgeschlagen",
					zap.String("provider", d.Registry.Name()), zap.String("query", query), zap.Error(err))
				set.Notes = append(set.Notes, fmt.Sprintf("registry search %q failed: %v", query, err))
				continue
			}
			for _, rec := range found {
				rec.ContentChecksum = ContentChecksum(rec)
				if d.addRecord(set, rec) {
					set.SourceCounts[SourceRegistry]++
					// Neu entdeckte Studien landen sofort im Store.
					if err := d.Store.Upsert(ctx, rec); err != nil {
						log.Warn("Persistieren eines Register-Treffers fehlgeschlagen",
							zap.String("nct_id", rec.NCTID), zap.Error(err))
					}
				}
			}
		}
	}

	log.Info("Discovery abgeschlossen",
		zap.Int("total", len(set.IDs)),
		zap.Int("from_store", set.SourceCounts[SourceLocalStore]),
		zap.Int("from_index", set.SourceCounts[SourceVectorIndex]),
		zap.Int("from_registry", set.SourceCounts[SourceRegistry]))
	return set
}

// addRecord nimmt einen Record in die Kandidatenmenge auf (de-dupliziert über NCTID).
func (d *DiscoveryService) addRecord(set *CandidateSet, rec *models.TrialRecord) bool {
	if rec == nil || rec.NCTID == "" {
		return false
	}
	if _, exists := set.Records[rec.NCTID]; exists {
		return false
	}
	if len(set.IDs) >= d.Config.CandidateMax {
		return false
	}
	set.Records[rec.NCTID] = rec
	set.IDs = append(set.IDs, rec.NCTID)
	return true
}

// addByIDs lädt Records für Index-Treffer nach; IDs ohne lokalen Record
// bleiben trotzdem in der Kandidatenliste und werden später per Refresh geholt.
func (d *DiscoveryService) addByIDs(ctx context.Context, set *CandidateSet, ids []string) int {
	records, err := d.Store.FindByNCTIDs(ctx, ids)
	if err != nil {
		d.Logger.Warn("Nachladen der Index-Treffer fehlgeschlagen", zap.Error(err))
	}
	byID := make(map[string]*models.TrialRecord, len(records))
	for _, rec := range records {
		byID[rec.NCTID] = rec
	}

	added := 0
	for _, id := range ids {
		if _, exists := set.Records[id]; exists {
			continue
		}
		if len(set.IDs) >= d.Config.CandidateMax {
			break
		}
		if rec, ok := byID[id]; ok {
			set.Records[id] = rec
		}
		set.IDs = append(set.IDs, id)
		added++
	}
	return added
}

func matchIDs(matches []vectorindex.Match) []string {
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m.ID)
	}
	return out
}
