package export

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"grantmatch-backend/internal/results"
)

func TestRefinedXLSXWritesOneRowPerRecord(t *testing.T) {
	records := []results.RefinedRecord{
		{
			ProjectID:       "project-1",
			ExternalItemID:  "101",
			Title:           "Fonds vert",
			URL:             "https://aides-territoires.beta.gouv.fr/aides/fonds-vert/",
			RelevanceScore:  87.5,
			RelevanceLevel:  "Très pertinente",
			Justification:   "Correspond au projet",
			Strengths:       []string{"Montant élevé", " "},
			Weaknesses:      []string{"Délai court"},
			Recommendations: "Déposer avant juin",
		},
		{ProjectID: "project-1", ExternalItemID: "102", Title: "Aide locale", RelevanceScore: 40},
	}

	body, err := RefinedXLSX(records)
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(body))
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{SheetName}, f.GetSheetList())
	rows, err := f.GetRows(SheetName)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, headers, rows[0])
	assert.Equal(t, "Fonds vert", rows[1][0])
	assert.Equal(t, "87.5", rows[1][2])
	assert.Equal(t, "- Montant élevé", rows[1][5])
	assert.Equal(t, "- Délai court", rows[1][6])
	assert.Equal(t, "Aide locale", rows[2][0])
}

func TestRefinedXLSXEmpty(t *testing.T) {
	body, err := RefinedXLSX(nil)
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(body))
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(SheetName)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}
