package gate

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/bomflow/internal/model"
)

func TestUsableMPN(t *testing.T) {
	tests := []struct {
		raw  string
		want bool
	}{
		{"LM358", true},
		{"stm32f103c8t6", true},
		{"100", true},
		{"RES", true},
		{"", false},
		{"   ", false},
		{"TBD", false},
		{"n/a", false},
		{"DNP", false},
		{"Do Not Populate", false},
		{"-", false},
		{"?", false},
		{"ab", false},
		{"!!", false},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.Equal(t, tt.want, UsableMPN(tt.raw))
		})
	}
}

func TestScore(t *testing.T) {
	cfg := DefaultConfig()

	fullItem := model.LineItemRecord{
		RawPartNumber:   "LM358",
		RawManufacturer: "TI",
		RawDescription:  "dual op-amp",
	}

	tests := []struct {
		name             string
		batch            Batch
		wantScore        float64
		requiresApproval bool
	}{
		{
			name: "perfect batch auto-admits",
			batch: Batch{
				Items:             []model.LineItemRecord{fullItem, fullItem},
				MappingConfidence: 1,
			},
			wantScore:        100,
			requiresApproval: false,
		},
		{
			name: "empty batch scores mapping only",
			batch: Batch{
				MappingConfidence: 1,
			},
			wantScore:        25, // only the mapping component
			requiresApproval: true,
		},
		{
			name: "placeholder MPNs drag the score below threshold",
			batch: Batch{
				Items: []model.LineItemRecord{
					fullItem,
					{RawPartNumber: "TBD", RawManufacturer: "TI", RawDescription: "x"},
					{RawPartNumber: "DNP", RawManufacturer: "TI", RawDescription: "x"},
					{RawPartNumber: "n/a", RawManufacturer: "TI", RawDescription: "x"},
				},
				MappingConfidence: 1,
			},
			wantScore:        70, // 40*0.25 + 20 + 15 + 25
			requiresApproval: true,
		},
		{
			name: "mapping confidence clamped to 1",
			batch: Batch{
				Items:             []model.LineItemRecord{fullItem},
				MappingConfidence: 3,
			},
			wantScore:        100,
			requiresApproval: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Score(cfg, tt.batch)
			assert.InDelta(t, tt.wantScore, v.Score, 0.001)
			assert.Equal(t, tt.requiresApproval, v.RequiresApproval)
			assert.Len(t, v.ComponentScores, 4)
		})
	}
}

func TestScoreDeterministic(t *testing.T) {
	batch := Batch{
		Items: []model.LineItemRecord{
			{RawPartNumber: "LM358", RawManufacturer: "TI"},
			{RawPartNumber: "TBD"},
		},
		MappingConfidence: 0.8,
	}
	first := Score(DefaultConfig(), batch)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Score(DefaultConfig(), batch))
	}
}
