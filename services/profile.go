package services

import (
	"strconv"
	"strings"

	"trial-scout/models"
)

// ResolveField löst einen Wert aus einem heterogenen Caller-Payload auf.
// Verschiedene Aufrufer liefern verschachtelte oder flache Feldkonventionen;
// statt Ad-hoc-Lookups pro Call-Site probieren wir eine geordnete Liste von
// Pfaden (mit "." als Trenner) und nehmen den ersten vorhandenen Wert.
func ResolveField(payload map[string]any, paths ...string) (any, bool) {
	for _, path := range paths {
		cur := any(payload)
		found := true
		for _, seg := range strings.Split(path, ".") {
			m, ok := cur.(map[string]any)
			if !ok {
				found = false
				break
			}
			cur, ok = m[seg]
			if !ok {
				found = false
				break
			}
		}
		if found && cur != nil {
			return cur, true
		}
	}
	return nil, false
}

// ResolveString wie ResolveField, mit String-Koerzierung.
func ResolveString(payload map[string]any, paths ...string) string {
	v, ok := ResolveField(payload, paths...)
	if !ok {
		return ""
	}
	s, _ := coerceString(v)
	return s
}

// ResolveFloat wie ResolveField, mit Zahl-Koerzierung (akzeptiert auch Strings).
func ResolveFloat(payload map[string]any, paths ...string) float64 {
	v, ok := ResolveField(payload, paths...)
	if !ok {
		return 0
	}
	f, _ := coerceFloat(v)
	return f
}

// ResolveStrings liefert eine String-Liste (akzeptiert []any, []string oder CSV-String).
func ResolveStrings(payload map[string]any, paths ...string) []string {
	v, ok := ResolveField(payload, paths...)
	if !ok {
		return nil
	}
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		var out []string
		for _, e := range t {
			if s, ok := coerceString(e); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		var out []string
		for _, s := range strings.Split(t, ",") {
			s = strings.TrimSpace(s)
			if s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// ResolveProfile baut aus einem rohen Caller-Payload ein PatientProfile.
// Die Pfadlisten decken die bekannten Feldkonventionen der Aufrufer ab.
func ResolveProfile(raw map[string]any) models.PatientProfile {
	profile := models.PatientProfile{
		Condition:     ResolveString(raw, "condition", "diagnosis.condition", "disease", "patient.condition"),
		Stage:         ResolveString(raw, "stage", "diagnosis.stage", "patient.stage"),
		TreatmentLine: ResolveString(raw, "treatment_line", "treatment.line", "line_of_therapy"),
		Location:      ResolveString(raw, "location", "patient.location", "address.city"),
		Sex:           strings.ToUpper(ResolveString(raw, "sex", "patient.sex", "gender")),
		AgeYears:      ResolveFloat(raw, "age_years", "age", "patient.age"),
		Biomarkers:    ResolveStrings(raw, "biomarkers", "molecular.biomarkers", "patient.biomarkers"),
	}

	if v, ok := ResolveField(raw, "mechanism_vector", "molecular.mechanism_vector"); ok {
		profile.MechanismVector = coerceVector(v)
	}
	if v, ok := ResolveField(raw, "pgx_findings", "molecular.pgx_findings"); ok {
		profile.PGxFindings = coerceFindings(v)
	}
	return profile
}

func coerceString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int:
		return strconv.Itoa(t), true
	default:
		return "", false
	}
}

func coerceFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err == nil {
			return f, true
		}
		return 0, false
	default:
		return 0, false
	}
}

func coerceVector(v any) models.MechVector {
	switch t := v.(type) {
	case []float64:
		return models.MechVector(t)
	case []any:
		out := make(models.MechVector, 0, len(t))
		for _, e := range t {
			f, _ := coerceFloat(e)
			out = append(out, f)
		}
		return out
	default:
		return nil
	}
}

func coerceFindings(v any) []models.PGxFinding {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []models.PGxFinding
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		f := models.PGxFinding{
			Gene:    ResolveString(m, "gene"),
			Variant: ResolveString(m, "variant", "allele"),
			Drug:    ResolveString(m, "drug", "medication"),
		}
		// Fehlender Faktor heißt "kein Befund", nicht "kontraindiziert".
		if av, ok := ResolveField(m, "adjustment_factor", "adjustment", "factor"); ok {
			f.AdjustmentFactor, _ = coerceFloat(av)
		} else {
			f.AdjustmentFactor = 1
		}
		if f.Gene != "" && f.Drug != "" {
			out = append(out, f)
		}
	}
	return out
}
