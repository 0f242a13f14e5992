package models

import "time"

// Interpretation ist die Einstufung eines Holistic-Scores.
type Interpretation string

const (
	InterpretationContraindicated Interpretation = "CONTRAINDICATED"
	InterpretationHigh            Interpretation = "HIGH"
	InterpretationMedium          Interpretation = "MEDIUM"
	InterpretationLow             Interpretation = "LOW"
	InterpretationVeryLow         Interpretation = "VERY_LOW"
)

// Gewichte der Holistic-Score-Formel. Summe = 1.
const (
	WeightMechanismFit = 0.5
	WeightEligibility  = 0.3
	WeightPGxSafety    = 0.2
)

// EligibilitySignal ist die Eligibility-Aufschlüsselung für eine einzelne Studie.
// Wird pro Request berechnet, nie persistiert.
type EligibilitySignal struct {
	DiseaseMatch   float64 `json:"disease_match"`
	StatusMatch    float64 `json:"status_match"`
	AgeMatch       float64 `json:"age_match"`
	BiomarkerMatch float64 `json:"biomarker_match"`

	// Ein hartes Kriterium schlägt fehl ⇒ Score = 0, keine Abwägung.
	HardFailure       bool   `json:"hard_failure"`
	HardFailureReason string `json:"hard_failure_reason,omitempty"`

	Score float64 `json:"score"`
}

// HolisticScoreResult ist das vollständige, erklärbare Scoring-Ergebnis einer Studie.
type HolisticScoreResult struct {
	NCTID string `json:"nct_id"`
	Title string `json:"title"`

	HolisticScore    float64        `json:"holistic_score"`
	MechanismFit     float64        `json:"mechanism_fit"`
	EligibilityScore float64        `json:"eligibility_score"`
	PGxSafetyScore   float64        `json:"pgx_safety_score"`
	Interpretation   Interpretation `json:"interpretation"`

	Eligibility EligibilitySignal `json:"eligibility"`

	Rationale []string `json:"rationale"`
	Caveats   []string `json:"caveats,omitempty"`

	RecruitmentStatus string     `json:"recruitment_status"`
	Phase             string     `json:"phase,omitempty"`
	LastVerifiedAt    *time.Time `json:"last_verified_at"`
	Stale             bool       `json:"stale"`
}

// DroppedTrial dokumentiert eine im Hard-Filter verworfene Studie.
type DroppedTrial struct {
	NCTID  string `json:"nct_id"`
	Reason string `json:"reason"`
}

// MatchProvenance macht jede Ranking-Entscheidung auditierbar:
// welche Quellen wie viele Kandidaten geliefert haben, was refreshed bzw.
// stale ausgeliefert wurde und welche Formel gewertet hat.
type MatchProvenance struct {
	RequestID   string    `json:"request_id"`
	GeneratedAt time.Time `json:"generated_at"`

	Queries      []string       `json:"queries"`
	SourceCounts map[string]int `json:"source_counts"`

	RefreshedCount     int `json:"refreshed_count"`
	StaleServedCount   int `json:"stale_served_count"`
	FreshlyTaggedCount int `json:"freshly_tagged_count"`
	ReusedTagCount     int `json:"reused_tag_count"`

	Dropped []DroppedTrial `json:"dropped,omitempty"`
	Notes   []string       `json:"notes,omitempty"`

	ScoringFormula string `json:"scoring_formula"`
}

// RankedTrialList ist die Antwort eines Match-Requests.
type RankedTrialList struct {
	Results    []HolisticScoreResult `json:"results"`
	Provenance MatchProvenance       `json:"provenance"`
}
