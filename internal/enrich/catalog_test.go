package enrich

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/bomflow/internal/model"
)

func testCatalog() *Catalog {
	return NewCatalog([]CatalogEntry{
		{
			MPN: "LM358", Manufacturer: "Texas Instruments",
			Description: "Dual operational amplifier", Category: "amplifiers",
			LifecycleStatus: "active", RiskScore: 0.1,
			DatasheetURL: "https://example.com/lm358.pdf",
		},
		{
			MPN: "STM32F103C8T6", Manufacturer: "STMicroelectronics",
			Description: "ARM Cortex-M3 MCU",
		},
		{
			MPN: "GRM188R71H104KA93D", Manufacturer: "Murata",
		},
	})
}

func TestMatchExact(t *testing.T) {
	c := testCatalog()
	ctx := context.Background()

	m, err := c.Match(ctx, &model.LineItemRecord{
		RawPartNumber: "lm358", RawManufacturer: "Texas Instruments Inc.",
	})
	require.NoError(t, err)
	assert.Equal(t, "LM358", m.ComponentRef)
	assert.Equal(t, model.MatchMethodExact, m.Method)
	assert.InDelta(t, 100, m.Confidence, 0.001)

	// Exact MPN, unknown manufacturer: still exact, less confident.
	m, err = c.Match(ctx, &model.LineItemRecord{
		RawPartNumber: "LM358", RawManufacturer: "Shenzhen Parts Ltd",
	})
	require.NoError(t, err)
	assert.Equal(t, model.MatchMethodExact, m.Method)
	assert.InDelta(t, 90, m.Confidence, 0.001)
}

func TestMatchFuzzyPackagingVariant(t *testing.T) {
	c := testCatalog()

	// LM358N: packaging suffix over catalog's LM358.
	m, err := c.Match(context.Background(), &model.LineItemRecord{
		RawPartNumber: "LM358N", RawManufacturer: "TI",
	})
	require.NoError(t, err)
	assert.Equal(t, "LM358", m.ComponentRef)
	assert.Equal(t, model.MatchMethodFuzzy, m.Method)
	assert.Greater(t, m.Confidence, 50.0)
	assert.Less(t, m.Confidence, 90.0)
}

func TestMatchNoMatch(t *testing.T) {
	c := testCatalog()
	ctx := context.Background()

	_, err := c.Match(ctx, &model.LineItemRecord{RawPartNumber: "XYZ999999"})
	require.ErrorIs(t, err, ErrNoMatch)

	// Empty and sub-threshold prefixes never fuzzy-match.
	_, err = c.Match(ctx, &model.LineItemRecord{RawPartNumber: "---"})
	require.ErrorIs(t, err, ErrNoMatch)
	_, err = c.Match(ctx, &model.LineItemRecord{RawPartNumber: "LM3"})
	require.ErrorIs(t, err, ErrNoMatch)
}

func TestEnrichConfidenceTracksCompleteness(t *testing.T) {
	c := testCatalog()
	ctx := context.Background()
	item := &model.LineItemRecord{RawPartNumber: "LM358", Quantity: 4, References: "U1,U2"}

	// Fully populated record.
	e, err := c.Enrich(ctx, item, "LM358")
	require.NoError(t, err)
	assert.InDelta(t, 100, e.Confidence, 0.001)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(e.Payload, &payload))
	assert.Equal(t, "LM358", payload["mpn"])
	assert.Equal(t, "texas instruments", payload["normalized_manufacturer"])
	assert.Equal(t, float64(4), payload["quantity"])
	assert.Equal(t, "U1,U2", payload["references"])

	// Bare stub: baseline confidence only.
	e, err = c.Enrich(ctx, item, "GRM188R71H104KA93D")
	require.NoError(t, err)
	assert.InDelta(t, 40, e.Confidence, 0.001)

	_, err = c.Enrich(ctx, item, "UNKNOWN")
	require.Error(t, err)
}

func TestLoadCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
		{"mpn": "LM358", "manufacturer": "Texas Instruments"},
		{"mpn": "lm-358", "manufacturer": "Overriding Duplicate"}
	]`), 0o644))

	c, err := LoadCatalog(path)
	require.NoError(t, err)

	// Later duplicates of the same normalized MPN win.
	m, err := c.Match(context.Background(), &model.LineItemRecord{RawPartNumber: "LM358"})
	require.NoError(t, err)
	assert.Equal(t, "LM358", m.ComponentRef)
	e, err := c.Enrich(context.Background(), &model.LineItemRecord{Quantity: 1}, m.ComponentRef)
	require.NoError(t, err)
	assert.Contains(t, string(e.Payload), "Overriding Duplicate")

	_, err = LoadCatalog(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}
