package models

import (
	"math"
	"time"
)

// MechanismAxes ist die kanonische Achsenreihenfolge aller MoA-Vektoren.
// Patientenprofil und Trial-Vektoren müssen denselben Raum verwenden.
var MechanismAxes = []string{
	"dna_damage_repair",
	"ras_mapk",
	"pi3k_akt",
	"angiogenesis",
	"her2",
	"immuno_oncology",
	"efflux",
}

// MechVector ist ein Vektor über die MechanismAxes (feste Länge).
type MechVector []float64

// AllZero meldet, ob der Vektor leer ist oder nur Nullen enthält.
func (v MechVector) AllZero() bool {
	for _, c := range v {
		if c != 0 {
			return false
		}
	}
	return true
}

// Norm gibt die L2-Norm zurück.
func (v MechVector) Norm() float64 {
	var sum float64
	for _, c := range v {
		sum += c * c
	}
	return math.Sqrt(sum)
}

// MoAVector speichert den Mechanism-of-Action-Vektor einer Studie,
// versioniert über die Content-Checksumme des zugehörigen TrialRecord.
type MoAVector struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	NCTID  string     `json:"nct_id" gorm:"column:nct_id;uniqueIndex;not null"`
	Vector MechVector `json:"vector" gorm:"serializer:json;type:jsonb"`

	Confidence      float64 `json:"confidence"`
	TaggingChecksum string  `json:"tagging_checksum" gorm:"index"`

	// Provenance
	Source       string    `json:"source"`
	ModelVersion string    `json:"model_version"`
	TaggedAt     time.Time `json:"tagged_at"`
}

// TableName gibt explizit den Tabellennamen an.
func (MoAVector) TableName() string {
	return "moa_vectors"
}

// ValidFor meldet, ob der Vektor für die gegebene Content-Checksumme noch gültig ist.
// Bei Abweichung ist der Vektor stale und darf nicht ins Scoring einfließen.
func (m *MoAVector) ValidFor(contentChecksum string) bool {
	return m.TaggingChecksum != "" && m.TaggingChecksum == contentChecksum
}
