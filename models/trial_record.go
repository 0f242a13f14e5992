package models

import (
	"time"

	"gorm.io/datatypes"
)

// Recruitment-Status-Werte, wie sie das Register liefert (normalisiert auf Großschreibung).
const (
	StatusRecruiting          = "RECRUITING"
	StatusNotYetRecruiting    = "NOT_YET_RECRUITING"
	StatusActiveNotRecruiting = "ACTIVE_NOT_RECRUITING"
	StatusEnrollingByInvite   = "ENROLLING_BY_INVITATION"
	StatusCompleted           = "COMPLETED"
	StatusTerminated          = "TERMINATED"
	StatusSuspended           = "SUSPENDED"
	StatusWithdrawn           = "WITHDRAWN"
	StatusUnknown             = "UNKNOWN"
)

// Studientypen laut Register.
const (
	StudyTypeInterventional = "INTERVENTIONAL"
	StudyTypeObservational  = "OBSERVATIONAL"
)

// Intervention ist eine einzelne Intervention einer Studie (z.B. ein Wirkstoff).
type Intervention struct {
	Name string `json:"name"`
	Type string `json:"type"` // DRUG, BIOLOGICAL, PROCEDURE, DEVICE, ...
}

// TrialRecord repräsentiert eine klinische Studie und deren Metadaten aus dem Register.
type TrialRecord struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	NCTID string `json:"nct_id" gorm:"column:nct_id;uniqueIndex;not null"`
	Title string `json:"title"`

	BriefSummary      string `json:"brief_summary,omitempty" gorm:"type:text"`
	RecruitmentStatus string `json:"recruitment_status" gorm:"index;default:'UNKNOWN'"`
	StudyType         string `json:"study_type,omitempty" gorm:"index"`
	Phase             string `json:"phase,omitempty"`

	Conditions    []string       `json:"conditions,omitempty" gorm:"serializer:json;type:jsonb"`
	Interventions []Intervention `json:"interventions,omitempty" gorm:"serializer:json;type:jsonb"`
	Locations     []string       `json:"locations,omitempty" gorm:"serializer:json;type:jsonb"`

	// Eligibility: Freitext plus die strukturierten Kriterien, die wir verlässlich parsen können.
	EligibilityText   string   `json:"eligibility_text,omitempty" gorm:"type:text"`
	MinAgeYears       float64  `json:"min_age_years,omitempty"`
	MaxAgeYears       float64  `json:"max_age_years,omitempty"` // 0 = keine Obergrenze
	Sex               string   `json:"sex,omitempty"`           // ALL, FEMALE, MALE
	ExclusionKeywords []string `json:"exclusion_keywords,omitempty" gorm:"serializer:json;type:jsonb"`

	// ContentChecksum deckt alle Felder ab, die die MoA-Interpretation beeinflussen.
	ContentChecksum string     `json:"content_checksum" gorm:"index"`
	LastVerifiedAt  *time.Time `json:"last_verified_at"`

	// Letzte Roh-Antwort des Registers, für Audit und Re-Parsing.
	RawPayload datatypes.JSON `json:"-" gorm:"type:jsonb"`
}

// TableName gibt explizit den Tabellennamen an.
func (TrialRecord) TableName() string {
	return "trial_records"
}

// Stale meldet, ob der Datensatz älter als das SLA-Fenster ist.
// Ein Datensatz ohne last_verified_at gilt immer als stale.
func (t *TrialRecord) Stale(now time.Time, sla time.Duration) bool {
	if t.LastVerifiedAt == nil {
		return true
	}
	return now.Sub(*t.LastVerifiedAt) > sla
}

// DrugInterventions liefert nur die Wirkstoff-Interventionen (DRUG/BIOLOGICAL).
func (t *TrialRecord) DrugInterventions() []Intervention {
	var out []Intervention
	for _, iv := range t.Interventions {
		if iv.Type == "DRUG" || iv.Type == "BIOLOGICAL" {
			out = append(out, iv)
		}
	}
	return out
}
