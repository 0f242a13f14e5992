package models

// PGxFinding ist ein extern berechneter pharmakogenomischer Befund:
// (Gen, Variante) → Adjustment-Faktor für einen konkreten Wirkstoff.
// 1.0 = unbedenklich, 0.0 = kontraindiziert.
type PGxFinding struct {
	Gene             string  `json:"gene"`
	Variant          string  `json:"variant"`
	Drug             string  `json:"drug"`
	AdjustmentFactor float64 `json:"adjustment_factor"`
}

// PatientProfile ist das Eingabeprofil für einen Match-Request.
// Mechanismus-Vektor und PGx-Befunde werden von externen Analyse-Services
// geliefert und hier nur konsumiert.
type PatientProfile struct {
	Condition     string   `json:"condition"`
	Stage         string   `json:"stage,omitempty"`
	TreatmentLine string   `json:"treatment_line,omitempty"`
	Location      string   `json:"location,omitempty"`
	Biomarkers    []string `json:"biomarkers,omitempty"`
	AgeYears      float64  `json:"age_years,omitempty"`
	Sex           string   `json:"sex,omitempty"`

	MechanismVector MechVector   `json:"mechanism_vector,omitempty"`
	PGxFindings     []PGxFinding `json:"pgx_findings,omitempty"`
}
