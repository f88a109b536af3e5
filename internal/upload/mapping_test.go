package upload

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapColumnsSynonyms(t *testing.T) {
	cm, err := MapColumns([]string{"Qty", "MPN", "Mfr", "Ref Des", "Part Description"})
	require.NoError(t, err)

	assert.Equal(t, 1, cm.Columns[fieldPartNumber])
	assert.Equal(t, 2, cm.Columns[fieldManufacturer])
	assert.Equal(t, 0, cm.Columns[fieldQuantity])
	assert.Equal(t, 3, cm.Columns[fieldReferences])
	assert.Equal(t, 4, cm.Columns[fieldDescription])
	assert.InDelta(t, 1.0, cm.Confidence, 0.001)
}

func TestMapColumnsFirstMatchWins(t *testing.T) {
	// "Part" and "MPN" both map to part_number; the earlier column wins.
	cm, err := MapColumns([]string{"Part", "MPN"})
	require.NoError(t, err)
	assert.Equal(t, 0, cm.Columns[fieldPartNumber])
	assert.InDelta(t, 0.2, cm.Confidence, 0.001)
}

func TestMapColumnsMissingRequired(t *testing.T) {
	_, err := MapColumns([]string{"Qty", "Manufacturer", "Description"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "part_number")
}

func TestParse(t *testing.T) {
	raw := &RawBOM{
		Headers: []string{"MPN", "Mfr", "Qty", "RefDes"},
		Rows: [][]string{
			{"LM358", "TI", "4", "U1,U2"},
			{"STM32F103", "ST", "not-a-number", "U3"},
			{"GRM188"}, // ragged row
		},
	}

	items, cm, err := Parse("bom-1", raw)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.InDelta(t, 0.8, cm.Confidence, 0.001) // no description column

	assert.Equal(t, 1, items[0].LineNumber)
	assert.Equal(t, "LM358", items[0].RawPartNumber)
	assert.Equal(t, "TI", items[0].RawManufacturer)
	assert.Equal(t, 4, items[0].Quantity)
	assert.Equal(t, "U1,U2", items[0].References)

	// Unparsable quantity falls back to 1.
	assert.Equal(t, 1, items[1].Quantity)

	// Ragged row: missing cells are empty, quantity defaults.
	assert.Equal(t, "GRM188", items[2].RawPartNumber)
	assert.Empty(t, items[2].RawManufacturer)
	assert.Equal(t, 1, items[2].Quantity)
	assert.Equal(t, "bom-1", items[2].BOMID)
}
