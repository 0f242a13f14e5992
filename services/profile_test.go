package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trial-scout/models"
)

func TestResolveFieldOrderedPaths(t *testing.T) {
	payload := map[string]any{
		"diagnosis": map[string]any{"condition": "ovarian cancer"},
		"condition": "breast cancer",
	}

	// Der erste vorhandene Pfad gewinnt.
	v, ok := ResolveField(payload, "condition", "diagnosis.condition")
	require.True(t, ok)
	assert.Equal(t, "breast cancer", v)

	v, ok = ResolveField(payload, "disease", "diagnosis.condition")
	require.True(t, ok)
	assert.Equal(t, "ovarian cancer", v)

	_, ok = ResolveField(payload, "missing", "also.missing")
	assert.False(t, ok)
}

func TestResolveProfileFlat(t *testing.T) {
	raw := map[string]any{
		"condition":  "metastatic breast cancer",
		"stage":      "IV",
		"age":        float64(54),
		"sex":        "female",
		"biomarkers": []any{"HER2+", "PIK3CA"},
	}

	profile := ResolveProfile(raw)
	assert.Equal(t, "metastatic breast cancer", profile.Condition)
	assert.Equal(t, "IV", profile.Stage)
	assert.Equal(t, 54.0, profile.AgeYears)
	assert.Equal(t, "FEMALE", profile.Sex)
	assert.Equal(t, []string{"HER2+", "PIK3CA"}, profile.Biomarkers)
}

func TestResolveProfileNested(t *testing.T) {
	raw := map[string]any{
		"diagnosis": map[string]any{
			"condition": "colorectal cancer",
			"stage":     "III",
		},
		"patient": map[string]any{
			"age": "61",
			"sex": "male",
		},
		"molecular": map[string]any{
			"biomarkers":       "KRAS G12C, MSI-H",
			"mechanism_vector": []any{0.1, 0.9, 0.0, 0.0, 0.0, 0.2, 0.0},
		},
	}

	profile := ResolveProfile(raw)
	assert.Equal(t, "colorectal cancer", profile.Condition)
	assert.Equal(t, "III", profile.Stage)
	assert.Equal(t, 61.0, profile.AgeYears)
	assert.Equal(t, "MALE", profile.Sex)
	assert.Equal(t, []string{"KRAS G12C", "MSI-H"}, profile.Biomarkers)
	require.Len(t, profile.MechanismVector, 7)
	assert.Equal(t, 0.9, profile.MechanismVector[1])
}

func TestResolveProfilePGxFindings(t *testing.T) {
	raw := map[string]any{
		"condition": "aml",
		"pgx_findings": []any{
			map[string]any{
				"gene": "DPYD", "variant": "*2A", "drug": "capecitabine",
				"adjustment_factor": float64(0),
			},
			map[string]any{
				// Fehlender Faktor heißt "kein Befund", nicht "kontraindiziert".
				"gene": "TPMT", "variant": "*3C", "drug": "mercaptopurine",
			},
			map[string]any{
				// Ohne Gen und Wirkstoff nicht verwertbar.
				"variant": "*1",
			},
		},
	}

	profile := ResolveProfile(raw)
	require.Len(t, profile.PGxFindings, 2)
	assert.Equal(t, models.PGxFinding{Gene: "DPYD", Variant: "*2A", Drug: "capecitabine", AdjustmentFactor: 0}, profile.PGxFindings[0])
	assert.Equal(t, 1.0, profile.PGxFindings[1].AdjustmentFactor)
}

func TestResolveStringsCSV(t *testing.T) {
	raw := map[string]any{"biomarkers": " EGFR , , ALK "}
	assert.Equal(t, []string{"EGFR", "ALK"}, ResolveStrings(raw, "biomarkers"))
}
