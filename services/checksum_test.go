package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trial-scout/models"
)

func TestContentChecksumDeterministic(t *testing.T) {
	a := &models.TrialRecord{
		Title:      "Olaparib in BRCA-Mutated Ovarian Cancer",
		Conditions: []string{"Ovarian Cancer"},
		Interventions: []models.Intervention{
			{Name: "Olaparib", Type: "DRUG"},
		},
		BriefSummary: "PARP inhibition in BRCA carriers.",
	}
	b := &models.TrialRecord{
		Title:      "Olaparib in BRCA-Mutated Ovarian Cancer",
		Conditions: []string{"Ovarian Cancer"},
		Interventions: []models.Intervention{
			{Name: "Olaparib", Type: "DRUG"},
		},
		BriefSummary: "PARP inhibition in BRCA carriers.",
	}

	require.NotEmpty(t, ContentChecksum(a))
	assert.Equal(t, ContentChecksum(a), ContentChecksum(b))
}

func TestContentChecksumChangesWithContent(t *testing.T) {
	base := testTrial("NCT00000001", "Base Title")
	baseSum := ContentChecksum(base)

	modified := testTrial("NCT00000001", "Base Title")
	modified.BriefSummary = "now with an expanded arm"
	assert.NotEqual(t, baseSum, ContentChecksum(modified))

	retitled := testTrial("NCT00000001", "New Title")
	assert.NotEqual(t, baseSum, ContentChecksum(retitled))

	newArm := testTrial("NCT00000001", "Base Title")
	newArm.Interventions = []models.Intervention{{Name: "Trastuzumab", Type: "BIOLOGICAL"}}
	assert.NotEqual(t, baseSum, ContentChecksum(newArm))
}

func TestContentChecksumIgnoresStatusAndTimestamps(t *testing.T) {
	// Status-Flips und Verifikationszeitpunkte ändern die MoA-Interpretation
	// nicht und dürfen deshalb kein Re-Tagging auslösen.
	a := testTrial("NCT00000001", "Stable Trial")
	a.RecruitmentStatus = models.StatusRecruiting

	b := testTrial("NCT00000001", "Stable Trial")
	b.RecruitmentStatus = models.StatusCompleted

	assert.Equal(t, ContentChecksum(a), ContentChecksum(b))
}
