// Package gate implements pre-admission quality scoring for uploaded BOM
// batches. Scoring is a pure function of the parsed batch: the same input
// always yields the same verdict, so a retried admission never flips a
// batch between auto-admit and approval-gated.
package gate

import (
	"regexp"
	"strings"

	"github.com/sells-group/bomflow/internal/model"
)

// Config holds the component weights and admission threshold. Weights sum
// to 100 so the final score lands on a 0-100 scale.
type Config struct {
	UsableMPNWeight        float64
	ManufacturerWeight     float64
	DescriptionWeight      float64
	MappingWeight          float64
	AdmissibilityThreshold float64
}

// DefaultConfig returns the standard gate configuration.
// Weights sum to 100.
func DefaultConfig() Config {
	return Config{
		UsableMPNWeight:        40,
		ManufacturerWeight:     20,
		DescriptionWeight:      15,
		MappingWeight:          25,
		AdmissibilityThreshold: 80,
	}
}

// Verdict is the gate's output for one batch.
type Verdict struct {
	Score            float64            `json:"score"`
	RequiresApproval bool               `json:"requires_approval"`
	ComponentScores  map[string]float64 `json:"component_scores"`
}

// Batch is the gate's input: the parsed line items plus the upload reader's
// confidence that it mapped the source columns correctly (0-1).
type Batch struct {
	Items             []model.LineItemRecord
	MappingConfidence float64
}

// Placeholder part numbers that show up in real-world BOM exports. A row
// carrying one of these has no usable MPN.
var placeholderMPNs = map[string]struct{}{
	"tbd": {}, "tba": {}, "n/a": {}, "na": {}, "none": {}, "unknown": {},
	"dnp": {}, "do not populate": {}, "-": {}, "?": {}, "x": {},
}

// An MPN needs at least one digit or three consecutive letters to be worth
// sending to a matcher; pure punctuation or one-character tokens are noise.
var usableMPNPattern = regexp.MustCompile(`[0-9]|[A-Za-z]{3,}`)

// Score computes the batch's 0-100 quality score and approval verdict.
func Score(cfg Config, batch Batch) Verdict {
	components := map[string]float64{
		"usable_mpn":   scoreUsableMPN(batch.Items),
		"manufacturer": scorePresence(batch.Items, func(it model.LineItemRecord) string { return it.RawManufacturer }),
		"description":  scorePresence(batch.Items, func(it model.LineItemRecord) string { return it.RawDescription }),
		"mapping":      clamp01(batch.MappingConfidence),
	}

	weights := map[string]float64{
		"usable_mpn":   cfg.UsableMPNWeight,
		"manufacturer": cfg.ManufacturerWeight,
		"description":  cfg.DescriptionWeight,
		"mapping":      cfg.MappingWeight,
	}

	var score float64
	for k, component := range components {
		score += component * weights[k]
	}

	return Verdict{
		Score:            score,
		RequiresApproval: score < cfg.AdmissibilityThreshold,
		ComponentScores:  components,
	}
}

// UsableMPN reports whether a raw part number is worth matching against
// the catalog.
func UsableMPN(raw string) bool {
	mpn := strings.TrimSpace(raw)
	if mpn == "" {
		return false
	}
	if _, placeholder := placeholderMPNs[strings.ToLower(mpn)]; placeholder {
		return false
	}
	return usableMPNPattern.MatchString(mpn)
}

func scoreUsableMPN(items []model.LineItemRecord) float64 {
	if len(items) == 0 {
		return 0
	}
	usable := 0
	for _, it := range items {
		if UsableMPN(it.RawPartNumber) {
			usable++
		}
	}
	return float64(usable) / float64(len(items))
}

func scorePresence(items []model.LineItemRecord, field func(model.LineItemRecord) string) float64 {
	if len(items) == 0 {
		return 0
	}
	present := 0
	for _, it := range items {
		if strings.TrimSpace(field(it)) != "" {
			present++
		}
	}
	return float64(present) / float64(len(items))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
