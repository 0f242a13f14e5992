package services

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"trial-scout/models"
)

// checksumPayload enthält genau die Felder, deren Änderung die
// MoA-Interpretation einer Studie beeinflussen kann. Reihenfolge und
// Feldnamen sind Teil des Checksummen-Vertrags: nicht umsortieren.
type checksumPayload struct {
	Title         string                `json:"title"`
	Interventions []models.Intervention `json:"interventions"`
	Conditions    []string              `json:"conditions"`
	Summary       string                `json:"summary"`
}

// ContentChecksum berechnet die deterministische Content-Checksumme eines TrialRecord.
// Jede Änderung an den abgedeckten Feldern invalidiert den gecachten MoA-Vektor.
func ContentChecksum(rec *models.TrialRecord) string {
	payload := checksumPayload{
		Title:         rec.Title,
		Interventions: rec.Interventions,
		Conditions:    rec.Conditions,
		Summary:       rec.BriefSummary,
	}
	b, _ := json.Marshal(payload)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
