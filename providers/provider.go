package providers

import (
	"context"
	"errors"

	"trial-scout/models"
)

// Fehlerklassen externer Aufrufe, auf die Retry-Policies reagieren.
var (
	// ErrBadRequest: Anfrage wurde vom Dienst als fehlerhaft abgelehnt (4xx außer 429).
	// Nicht blind wiederholen, sondern den fehlerhaften Datensatz isolieren.
	ErrBadRequest = errors.New("bad request")
	// ErrRateLimited: Dienst drosselt (429). Mit Backoff wiederholen.
	ErrRateLimited = errors.New("rate limited")
	// ErrQuotaExhausted: Kontingent dauerhaft erschöpft. Harter Stopp, kein Retry.
	ErrQuotaExhausted = errors.New("quota exhausted")
	// ErrUnavailable: transienter Server-/Netzwerkfehler (5xx, Timeout).
	ErrUnavailable = errors.New("service unavailable")
)

// RegistryProvider ist das Interface für ein externes Studienregister.
type RegistryProvider interface {
	// SearchCondition führt eine seitenweise Freitextsuche aus und liefert
	// standardisierte TrialRecord-Modelle (ohne Persistenz).
	SearchCondition(ctx context.Context, query string, maxRecords int) ([]*models.TrialRecord, error)

	// FetchStatusBatch holt aktuelle Metadaten für bereits normalisierte IDs.
	// Die Batch-Größe muss der Aufrufer begrenzen; Ergebnis ist pro ID gekeyt.
	FetchStatusBatch(ctx context.Context, ids []string) (map[string]*models.TrialRecord, error)

	// Name gibt den eindeutigen Namen des Providers zurück (z.B. "ctgov").
	Name() string
}
