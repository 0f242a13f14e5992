package services

import (
	"context"
	"time"

	"trial-scout/models"
	"trial-scout/providers/vectorindex"
)

// TrialStore ist der lokale Kandidaten-Store. Er ist die einzige harte
// Abhängigkeit des Match-Pfads: fällt er aus, liefern wir eine leere Liste
// mit Diagnose statt eines opaken Fehlers.
type TrialStore interface {
	// SearchLocal sucht Kandidaten per Freitext über Titel und Conditions.
	SearchLocal(ctx context.Context, terms []string, limit int) ([]*models.TrialRecord, error)
	// FindByNCTIDs lädt Records für die gegebenen IDs (fehlende IDs fehlen im Ergebnis).
	FindByNCTIDs(ctx context.Context, ids []string) ([]*models.TrialRecord, error)
	// ListVerifiedBefore liefert Records, deren letzte Verifikation vor cutoff
	// liegt (oder fehlt), geordnet nach Alter, für den inkrementellen Refresh.
	ListVerifiedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*models.TrialRecord, error)
	// Upsert schreibt einen Record atomar (ganzer Datensatz, gekeyt über NCTID).
	Upsert(ctx context.Context, rec *models.TrialRecord) error
}

// MoAStore ist die checksummen-versionierte MoA-Vektor-Ablage.
type MoAStore interface {
	GetVectors(ctx context.Context, ids []string) (map[string]*models.MoAVector, error)
	// UpsertVector ersetzt den Vektor einer Studie als Ganzes (atomar pro Key),
	// damit kein Leser je eine Checksumme sieht, die nicht zum Vektor passt.
	UpsertVector(ctx context.Context, vec *models.MoAVector) error
}

// VectorIndex ist der Nearest-Neighbour-Lookup über Trial-Embeddings.
type VectorIndex interface {
	Enabled() bool
	QueryIDs(ctx context.Context, vector []float64, topK int) ([]vectorindex.Match, error)
}
