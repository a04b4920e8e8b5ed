package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChecklistForMode(t *testing.T) {
	assert.Len(t, ExternaChecklist, 11)
	assert.Len(t, InternaChecklist, 9)
	assert.Equal(t, ExternaChecklist, ChecklistForMode(ModeExterna))
	assert.Equal(t, InternaChecklist, ChecklistForMode(ModeInterna))
	// unknown mode defaults to the full checklist
	assert.Equal(t, ExternaChecklist, ChecklistForMode(""))
}

func TestChecklistStepNumbersAreSharedAcrossModes(t *testing.T) {
	externa := map[int]string{}
	for _, item := range ExternaChecklist {
		externa[item.StepNo] = item.Label
	}
	// Every INTERNA step exists in EXTERNA under the same number and label.
	for _, item := range InternaChecklist {
		label, ok := externa[item.StepNo]
		assert.True(t, ok, "step %d missing from EXTERNA", item.StepNo)
		assert.Equal(t, label, item.Label)
	}
	// INTERNA drops exactly FALSO TRAMO and ANCLAJE.
	assert.NotContains(t, labels(InternaChecklist), "FALSO TRAMO")
	assert.NotContains(t, labels(InternaChecklist), "ANCLAJE")
}

func TestChecklistOrdinalsAreSequential(t *testing.T) {
	for _, list := range [][]ChecklistItem{ExternaChecklist, InternaChecklist} {
		for i, item := range list {
			assert.Equal(t, i+1, item.Ordinal)
			assert.GreaterOrEqual(t, item.StepNo, MinStepNo)
			assert.LessOrEqual(t, item.StepNo, MaxStepNo)
		}
	}
}

func TestStepTitle(t *testing.T) {
	assert.Equal(t, "FACHADA", StepTitle(5))
	assert.Equal(t, "ACTA DE INSTALACION", StepTitle(15))
	assert.Equal(t, "PASO 99", StepTitle(99))
}

func TestStepKeyHelpers(t *testing.T) {
	assert.Equal(t, StepKey{StepNo: 7, Kind: StepKindReal}, RealStep(7))
	assert.Equal(t, StepKey{StepNo: 7, Kind: StepKindAuthorization}, AuthStep(7))
	assert.NotEqual(t, RealStep(7), AuthStep(7))
}

func labels(items []ChecklistItem) []string {
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = item.Label
	}
	return out
}
