package ctgov

import (
	"regexp"
	"strconv"
	"strings"
)

// StudiesResponse ist die Top-Level-Struktur der Register-API-Antwort (v2).
type StudiesResponse struct {
	Studies       []Study `json:"studies"`
	NextPageToken string  `json:"nextPageToken"`
}

// Study repräsentiert eine einzelne Studie in der API-Antwort.
type Study struct {
	ProtocolSection ProtocolSection `json:"protocolSection"`
}

type ProtocolSection struct {
	IdentificationModule struct {
		NCTID      string `json:"nctId"`
		BriefTitle string `json:"briefTitle"`
	} `json:"identificationModule"`
	StatusModule struct {
		OverallStatus string `json:"overallStatus"`
	} `json:"statusModule"`
	DescriptionModule struct {
		BriefSummary string `json:"briefSummary"`
	} `json:"descriptionModule"`
	DesignModule struct {
		StudyType string   `json:"studyType"`
		Phases    []string `json:"phases"`
	} `json:"designModule"`
	ConditionsModule struct {
		Conditions []string `json:"conditions"`
	} `json:"conditionsModule"`
	ArmsInterventionsModule struct {
		Interventions []struct {
			Type string `json:"type"`
			Name string `json:"name"`
		} `json:"interventions"`
	} `json:"armsInterventionsModule"`
	EligibilityModule struct {
		EligibilityCriteria string `json:"eligibilityCriteria"`
		MinimumAge          string `json:"minimumAge"`
		MaximumAge          string `json:"maximumAge"`
		Sex                 string `json:"sex"`
	} `json:"eligibilityModule"`
	ContactsLocationsModule struct {
		Locations []struct {
			City    string `json:"city"`
			Country string `json:"country"`
		} `json:"locations"`
	} `json:"contactsLocationsModule"`
}

var nctIDPattern = regexp.MustCompile(`^NCT\d{8}$`)

// NormalizeNCTID normalisiert eine Register-ID (Trim, Großschreibung, optionales
// "nct:"-Präfix). Leere oder strukturell ungültige IDs ergeben "".
func NormalizeNCTID(raw string) string {
	s := strings.ToUpper(strings.TrimSpace(raw))
	s = strings.TrimPrefix(s, "NCT:")
	if !strings.HasPrefix(s, "NCT") {
		// nur Ziffern? Dann Präfix ergänzen.
		if _, err := strconv.Atoi(s); err == nil && len(s) == 8 {
			s = "NCT" + s
		}
	}
	if !nctIDPattern.MatchString(s) {
		return ""
	}
	return s
}

// parseAgeYears parst Altersangaben wie "18 Years" oder "6 Months" in Jahre.
func parseAgeYears(raw string) float64 {
	raw = strings.TrimSpace(strings.ToLower(raw))
	if raw == "" || raw == "n/a" {
		return 0
	}
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return 0
	}
	val, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0
	}
	if len(fields) > 1 {
		switch {
		case strings.HasPrefix(fields[1], "month"):
			return val / 12
		case strings.HasPrefix(fields[1], "week"):
			return val / 52
		case strings.HasPrefix(fields[1], "day"):
			return val / 365
		}
	}
	return val
}
