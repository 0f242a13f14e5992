package services

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"trial-scout/config"
	"trial-scout/models"
)

// ScoringFormula dokumentiert die Gewichtung in der Provenance jeder Antwort.
const ScoringFormula = "0.5*mechanism_fit + 0.3*eligibility + 0.2*pgx_safety"

// Gewichte innerhalb des Eligibility-Scores.
const (
	eligWeightDisease   = 0.40
	eligWeightStatus    = 0.25
	eligWeightAge       = 0.20
	eligWeightBiomarker = 0.15
)

// MatchService orchestriert einen Match-Request:
// Discovery → budgetierter Refresh → Tagging → Hard-Filter → Scoring → Ranking.
type MatchService struct {
	Config    *config.Config
	Discovery *DiscoveryService
	Refresh   *RefreshService
	Tagging   *TaggingService
	Logger    *zap.Logger

	now func() time.Time
}

// NewMatchService erstellt eine neue Instanz des MatchService.
func NewMatchService(cfg *config.Config, discovery *DiscoveryService, refresh *RefreshService, tagging *TaggingService, logger *zap.Logger) *MatchService {
	return &MatchService{
		Config:    cfg,
		Discovery: discovery,
		Refresh:   refresh,
		Tagging:   tagging,
		Logger:    logger,
		now:       time.Now,
	}
}

// Match liefert die gerankte Trial-Liste für ein Patientenprofil. Die Pipeline
// degradiert pro Stufe statt zu scheitern: Quellen-Ausfälle, Budget-Überläufe
// und fehlende Vektoren landen als Notes bzw. Caveats in der Antwort.
func (m *MatchService) Match(ctx context.Context, profile models.PatientProfile, maxResults int) *models.RankedTrialList {
	requestID := uuid.NewString()
	log := m.Logger.With(zap.String("request_id", requestID), zap.String("condition", profile.Condition))
	log.Info("Starte Match-Request.")

	out := &models.RankedTrialList{
		Results: []models.HolisticScoreResult{},
		Provenance: models.MatchProvenance{
			RequestID:      requestID,
			GeneratedAt:    m.now().UTC(),
			ScoringFormula: ScoringFormula,
		},
	}

	// 1. Discovery
	candidates := m.Discovery.Discover(ctx, profile)
	out.Provenance.Queries = candidates.Queries
	out.Provenance.SourceCounts = candidates.SourceCounts
	out.Provenance.Notes = append(out.Provenance.Notes, candidates.Notes...)
	if len(candidates.IDs) == 0 {
		log.Warn("Keine Kandidaten gefunden, leere Antwort.")
		out.Provenance.Notes = append(out.Provenance.Notes, "no candidate trials found for the given profile")
		return out
	}

	// 2. Budgetierter Refresh der Kandidaten, die gleich angezeigt werden
	refreshed, refreshOutcome := m.Refresh.RefreshDisplayed(ctx, candidates.IDs, m.Config.DisplayRefreshBudget)
	out.Provenance.RefreshedCount = refreshOutcome.Refreshed
	out.Provenance.StaleServedCount = refreshOutcome.StaleServed
	for _, id := range refreshOutcome.PoisonIDs {
		out.Provenance.Dropped = append(out.Provenance.Dropped,
			models.DroppedTrial{NCTID: id, Reason: "registry permanently rejects this id"})
	}
	for _, raw := range refreshOutcome.DroppedInvalid {
		out.Provenance.Dropped = append(out.Provenance.Dropped,
			models.DroppedTrial{NCTID: raw, Reason: "structurally invalid registry id"})
	}

	// Refreshte Records gewinnen gegen die Discovery-Kopie.
	records := make([]*models.TrialRecord, 0, len(candidates.IDs))
	for _, id := range candidates.IDs {
		rec := candidates.Records[id]
		if fresh, ok := refreshed[id]; ok {
			rec = fresh
		}
		if rec == nil {
			out.Provenance.Dropped = append(out.Provenance.Dropped,
				models.DroppedTrial{NCTID: id, Reason: "no record available from any source"})
			continue
		}
		records = append(records, rec)
	}

	// 3. Hard-Filter vor dem teuren Tagging
	var scoreable []*models.TrialRecord
	for _, rec := range records {
		if reason := m.hardFilter(profile, rec); reason != "" {
			out.Provenance.Dropped = append(out.Provenance.Dropped,
				models.DroppedTrial{NCTID: rec.NCTID, Reason: reason})
			continue
		}
		scoreable = append(scoreable, rec)
	}
	if len(scoreable) == 0 {
		log.Warn("Alle Kandidaten im Hard-Filter verworfen.")
		out.Provenance.Notes = append(out.Provenance.Notes, "all candidates removed by hard filters")
		return out
	}

	// 4. MoA-Vektoren sicherstellen (checksummen-gated)
	vectors, tagOutcome := m.Tagging.EnsureTagged(ctx, scoreable)
	out.Provenance.FreshlyTaggedCount = tagOutcome.Tagged
	out.Provenance.ReusedTagCount = tagOutcome.Reused
	if tagOutcome.FailedBatches > 0 {
		out.Provenance.Notes = append(out.Provenance.Notes,
			fmt.Sprintf("%d tagging batches failed; affected trials scored with neutral mechanism fit", tagOutcome.FailedBatches))
	}

	// 5. Scoring
	nowUTC := m.now().UTC()
	for _, rec := range scoreable {
		result := m.Score(profile, rec, vectors[rec.NCTID], nowUTC)
		out.Results = append(out.Results, result)
	}

	// 6. Ranking: Holistic desc, Ties über Mechanism-Fit, dann Eligibility.
	// Kontraindizierte Studien immer ans Ende, egal wie gut der Rest passt.
	sort.SliceStable(out.Results, func(i, j int) bool {
		a, b := out.Results[i], out.Results[j]
		ac := a.Interpretation == models.InterpretationContraindicated
		bc := b.Interpretation == models.InterpretationContraindicated
		if ac != bc {
			return bc
		}
		if a.HolisticScore != b.HolisticScore {
			return a.HolisticScore > b.HolisticScore
		}
		if a.MechanismFit != b.MechanismFit {
			return a.MechanismFit > b.MechanismFit
		}
		return a.EligibilityScore > b.EligibilityScore
	})
	if maxResults > 0 && len(out.Results) > maxResults {
		out.Results = out.Results[:maxResults]
	}

	log.Info("Match-Request abgeschlossen",
		zap.Int("ranked", len(out.Results)),
		zap.Int("dropped", len(out.Provenance.Dropped)),
		zap.Int("refreshed", out.Provenance.RefreshedCount),
		zap.Int("stale_served", out.Provenance.StaleServedCount))
	return out
}

// hardFilter entfernt Studien, die nie angezeigt werden dürfen. Rückgabe ist
// der Drop-Grund für die Provenance, leer wenn die Studie scoringfähig ist.
func (m *MatchService) hardFilter(profile models.PatientProfile, rec *models.TrialRecord) string {
	if rec.StudyType != "" && rec.StudyType != models.StudyTypeInterventional {
		return fmt.Sprintf("study type %s is not interventional", rec.StudyType)
	}
	for _, keyword := range rec.ExclusionKeywords {
		kw := strings.ToLower(strings.TrimSpace(keyword))
		if kw == "" {
			continue
		}
		for _, bm := range profile.Biomarkers {
			if strings.Contains(strings.ToLower(bm), kw) || strings.Contains(kw, strings.ToLower(bm)) {
				return fmt.Sprintf("exclusion criterion %q conflicts with biomarker %q", keyword, bm)
			}
		}
	}
	return ""
}

// Score berechnet das vollständige, erklärbare Ergebnis einer einzelnen Studie.
func (m *MatchService) Score(profile models.PatientProfile, rec *models.TrialRecord, vec *models.MoAVector, now time.Time) models.HolisticScoreResult {
	result := models.HolisticScoreResult{
		NCTID:             rec.NCTID,
		Title:             rec.Title,
		RecruitmentStatus: rec.RecruitmentStatus,
		Phase:             rec.Phase,
		LastVerifiedAt:    rec.LastVerifiedAt,
		Stale:             rec.Stale(now, m.Config.FreshnessSLA()),
	}
	if result.Stale {
		result.Caveats = append(result.Caveats, "record is older than the freshness window; status may have changed")
	}

	// Mechanism-Fit
	fit, haveData := MechanismFit(profile.MechanismVector, vec)
	result.MechanismFit = fit
	if haveData {
		result.Rationale = append(result.Rationale,
			fmt.Sprintf("mechanism fit %.2f against tagged mechanism profile (model %s)", fit, vec.ModelVersion))
	} else {
		result.Caveats = append(result.Caveats, "no mechanism data available; neutral mechanism fit assumed")
	}

	// Eligibility
	result.Eligibility = EligibilityFor(profile, rec)
	result.EligibilityScore = result.Eligibility.Score
	if result.Eligibility.HardFailure {
		result.Rationale = append(result.Rationale, "eligibility hard failure: "+result.Eligibility.HardFailureReason)
	} else {
		result.Rationale = append(result.Rationale,
			fmt.Sprintf("eligibility %.2f (disease %.2f, status %.2f, age %.2f, biomarker %.2f)",
				result.Eligibility.Score, result.Eligibility.DiseaseMatch, result.Eligibility.StatusMatch,
				result.Eligibility.AgeMatch, result.Eligibility.BiomarkerMatch))
	}

	// PGx-Sicherheit
	pgx, pgxNotes := PGxSafety(profile, rec)
	result.PGxSafetyScore = pgx
	result.Rationale = append(result.Rationale, pgxNotes...)

	result.HolisticScore = models.WeightMechanismFit*result.MechanismFit +
		models.WeightEligibility*result.EligibilityScore +
		models.WeightPGxSafety*result.PGxSafetyScore
	result.Interpretation = Interpret(result.HolisticScore, result.PGxSafetyScore)
	return result
}

// MechanismFit ist die Kosinus-Ähnlichkeit zwischen Patienten- und
// Trial-Vektor, geklippt auf [0,1]. Fehlende oder unbrauchbare Daten ergeben
// den neutralen Wert 0.5; der zweite Rückgabewert meldet, ob echte Daten
// eingeflossen sind.
func MechanismFit(patient models.MechVector, vec *models.MoAVector) (float64, bool) {
	if patient.AllZero() || vec == nil || vec.Vector.AllZero() || len(patient) != len(vec.Vector) {
		return 0.5, false
	}
	var dot float64
	for i := range patient {
		dot += patient[i] * vec.Vector[i]
	}
	cos := dot / (patient.Norm() * vec.Vector.Norm())
	return math.Min(1, math.Max(0, cos)), true
}

// EligibilityFor bewertet die strukturierten Eligibility-Kriterien. Ein hartes
// Kriterium (falsches Geschlecht, Alter außerhalb des Fensters) setzt den
// Score auf 0, ohne Abwägung gegen die weichen Komponenten.
func EligibilityFor(profile models.PatientProfile, rec *models.TrialRecord) models.EligibilitySignal {
	sig := models.EligibilitySignal{}

	if rec.Sex != "" && rec.Sex != "ALL" && profile.Sex != "" &&
		!strings.EqualFold(rec.Sex, profile.Sex) {
		sig.HardFailure = true
		sig.HardFailureReason = fmt.Sprintf("trial restricted to sex %s", rec.Sex)
		return sig
	}
	if profile.AgeYears > 0 {
		if rec.MinAgeYears > 0 && profile.AgeYears < rec.MinAgeYears {
			sig.HardFailure = true
			sig.HardFailureReason = fmt.Sprintf("patient below minimum age %.0f", rec.MinAgeYears)
			return sig
		}
		if rec.MaxAgeYears > 0 && profile.AgeYears > rec.MaxAgeYears {
			sig.HardFailure = true
			sig.HardFailureReason = fmt.Sprintf("patient above maximum age %.0f", rec.MaxAgeYears)
			return sig
		}
		sig.AgeMatch = 1
	} else {
		// Unbekanntes Alter: neutral statt bestrafen.
		sig.AgeMatch = 0.5
	}

	sig.DiseaseMatch = diseaseMatch(profile.Condition, rec)
	sig.StatusMatch = statusMatch(rec.RecruitmentStatus)
	sig.BiomarkerMatch = biomarkerMatch(profile.Biomarkers, rec)

	sig.Score = eligWeightDisease*sig.DiseaseMatch +
		eligWeightStatus*sig.StatusMatch +
		eligWeightAge*sig.AgeMatch +
		eligWeightBiomarker*sig.BiomarkerMatch
	return sig
}

func diseaseMatch(condition string, rec *models.TrialRecord) float64 {
	cond := strings.ToLower(strings.TrimSpace(condition))
	if cond == "" {
		return 0.5
	}
	for _, c := range rec.Conditions {
		lc := strings.ToLower(c)
		if strings.Contains(lc, cond) || strings.Contains(cond, lc) {
			return 1
		}
	}
	if strings.Contains(strings.ToLower(rec.Title), cond) {
		return 1
	}
	// Teilweise Token-Überlappung (z.B. "breast cancer" vs "metastatic breast carcinoma")
	for _, token := range strings.Fields(cond) {
		if len(token) < 4 {
			continue
		}
		for _, c := range rec.Conditions {
			if strings.Contains(strings.ToLower(c), token) {
				return 0.5
			}
		}
	}
	return 0
}

func statusMatch(status string) float64 {
	switch status {
	case models.StatusRecruiting:
		return 1
	case models.StatusNotYetRecruiting:
		return 0.8
	case models.StatusEnrollingByInvite:
		return 0.7
	case models.StatusActiveNotRecruiting:
		return 0.4
	case models.StatusCompleted, models.StatusTerminated, models.StatusSuspended, models.StatusWithdrawn:
		return 0
	default:
		return 0.3
	}
}

func biomarkerMatch(biomarkers []string, rec *models.TrialRecord) float64 {
	if len(biomarkers) == 0 {
		return 0.5
	}
	haystack := strings.ToLower(rec.Title + " " + rec.BriefSummary + " " + rec.EligibilityText)
	hits := 0
	for _, bm := range biomarkers {
		if strings.Contains(haystack, strings.ToLower(strings.TrimSpace(bm))) {
			hits++
		}
	}
	return float64(hits) / float64(len(biomarkers))
}

// PGxSafety ist das Minimum der Adjustment-Faktoren über alle Befunde, deren
// Wirkstoff in den Trial-Interventionen vorkommt. Kein relevanter Befund ⇒ 1.
// Ein Faktor von 0 bedeutet kontraindiziert, das Minimum gewinnt immer.
func PGxSafety(profile models.PatientProfile, rec *models.TrialRecord) (float64, []string) {
	drugs := rec.DrugInterventions()
	if len(drugs) == 0 || len(profile.PGxFindings) == 0 {
		return 1, nil
	}

	score := 1.0
	var notes []string
	for _, finding := range profile.PGxFindings {
		fd := strings.ToLower(strings.TrimSpace(finding.Drug))
		if fd == "" {
			continue
		}
		for _, iv := range drugs {
			name := strings.ToLower(iv.Name)
			if !strings.Contains(name, fd) && !strings.Contains(fd, name) {
				continue
			}
			if finding.AdjustmentFactor < score {
				score = finding.AdjustmentFactor
			}
			if finding.AdjustmentFactor == 0 {
				notes = append(notes, fmt.Sprintf("contraindicated: %s %s rules out %s",
					finding.Gene, finding.Variant, iv.Name))
			} else if finding.AdjustmentFactor < 1 {
				notes = append(notes, fmt.Sprintf("pgx adjustment %.2f for %s via %s %s",
					finding.AdjustmentFactor, iv.Name, finding.Gene, finding.Variant))
			}
		}
	}
	if score < 0 {
		score = 0
	}
	return score, notes
}

// Interpret stuft den Holistic-Score ein. Ein PGx-Score von 0 ist immer
// CONTRAINDICATED, unabhängig davon, wie gut der Rest passt.
func Interpret(holistic, pgxSafety float64) models.Interpretation {
	if pgxSafety == 0 {
		return models.InterpretationContraindicated
	}
	switch {
	case holistic >= 0.8:
		return models.InterpretationHigh
	case holistic >= 0.6:
		return models.InterpretationMedium
	case holistic >= 0.4:
		return models.InterpretationLow
	default:
		return models.InterpretationVeryLow
	}
}
