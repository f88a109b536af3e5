package enrich

import (
	"context"
	"encoding/json"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/bomflow/internal/model"
)

// CatalogEntry is one known component in the reference catalog.
type CatalogEntry struct {
	MPN             string            `json:"mpn"`
	Manufacturer    string            `json:"manufacturer"`
	Description     string            `json:"description"`
	Category        string            `json:"category"`
	LifecycleStatus string            `json:"lifecycle_status"`
	RiskScore       float64           `json:"risk_score"`
	DatasheetURL    string            `json:"datasheet_url,omitempty"`
	Attributes      map[string]string `json:"attributes,omitempty"`
}

// Catalog is an in-memory component catalog indexed by normalized MPN.
// It implements both Matcher and Enricher.
type Catalog struct {
	byMPN   map[string]*CatalogEntry
	ordered []string // normalized MPNs, for prefix scans
}

// minimum normalized-MPN overlap for a fuzzy candidate
const fuzzyMinPrefix = 5

// LoadCatalog reads a JSON catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "enrich: read catalog %s", path)
	}

	var entries []CatalogEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, eris.Wrap(err, "enrich: parse catalog")
	}
	return NewCatalog(entries), nil
}

// NewCatalog builds a Catalog from entries. Later duplicates of the same
// normalized MPN win.
func NewCatalog(entries []CatalogEntry) *Catalog {
	c := &Catalog{byMPN: make(map[string]*CatalogEntry, len(entries))}
	for i := range entries {
		key := NormalizeMPN(entries[i].MPN)
		if key == "" {
			continue
		}
		if _, dup := c.byMPN[key]; !dup {
			c.ordered = append(c.ordered, key)
		}
		c.byMPN[key] = &entries[i]
	}
	zap.L().Debug("catalog loaded", zap.Int("entries", len(c.byMPN)))
	return c
}

// Match resolves an item by normalized MPN. Exact hits score 100 when the
// manufacturer agrees too, 90 on MPN alone. Failing that, a prefix overlap
// of at least fuzzyMinPrefix characters (packaging-suffix variants like
// LM358N vs LM358) is accepted at reduced confidence.
func (c *Catalog) Match(ctx context.Context, item *model.LineItemRecord) (*Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mpn := NormalizeMPN(item.RawPartNumber)
	if mpn == "" {
		return nil, ErrNoMatch
	}

	if entry, ok := c.byMPN[mpn]; ok {
		confidence := 90.0
		if manufacturerAgrees(item.RawManufacturer, entry.Manufacturer) {
			confidence = 100
		}
		return &Match{ComponentRef: mpn, Confidence: confidence, Method: model.MatchMethodExact}, nil
	}

	if ref, overlap := c.bestPrefix(mpn); ref != "" {
		entry := c.byMPN[ref]
		confidence := 50 + 30*overlap
		if manufacturerAgrees(item.RawManufacturer, entry.Manufacturer) {
			confidence += 10
		}
		return &Match{ComponentRef: ref, Confidence: confidence, Method: model.MatchMethodFuzzy}, nil
	}

	return nil, ErrNoMatch
}

// bestPrefix returns the catalog key sharing the longest prefix relation
// with mpn, and the overlap as a fraction of the longer string.
func (c *Catalog) bestPrefix(mpn string) (string, float64) {
	var bestKey string
	var bestOverlap float64
	for _, key := range c.ordered {
		shorter, longer := key, mpn
		if len(shorter) > len(longer) {
			shorter, longer = longer, shorter
		}
		if len(shorter) < fuzzyMinPrefix || !strings.HasPrefix(longer, shorter) {
			continue
		}
		overlap := float64(len(shorter)) / float64(len(longer))
		if overlap > bestOverlap {
			bestKey, bestOverlap = key, overlap
		}
	}
	return bestKey, bestOverlap
}

func manufacturerAgrees(raw, catalog string) bool {
	a := NormalizeManufacturer(raw)
	b := NormalizeManufacturer(catalog)
	return a != "" && a == b
}

// enrichedPayload is the normalized component data written to storage.
type enrichedPayload struct {
	MPN                    string            `json:"mpn"`
	NormalizedManufacturer string            `json:"normalized_manufacturer"`
	Manufacturer           string            `json:"manufacturer"`
	Description            string            `json:"description"`
	Category               string            `json:"category"`
	LifecycleStatus        string            `json:"lifecycle_status"`
	RiskScore              float64           `json:"risk_score"`
	DatasheetURL           string            `json:"datasheet_url,omitempty"`
	Attributes             map[string]string `json:"attributes,omitempty"`
	Quantity               int               `json:"quantity"`
	References             string            `json:"references,omitempty"`
}

// Enrich builds the normalized payload for a matched item. Confidence is
// the completeness of the catalog record on a 0-100 scale: a record with
// lifecycle and risk data routes durably, a bare stub stays ephemeral.
func (c *Catalog) Enrich(ctx context.Context, item *model.LineItemRecord, componentRef string) (*Enrichment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entry, ok := c.byMPN[componentRef]
	if !ok {
		return nil, eris.Errorf("enrich: unknown component ref %q", componentRef)
	}

	payload, err := json.Marshal(enrichedPayload{
		MPN:                    entry.MPN,
		NormalizedManufacturer: NormalizeManufacturer(entry.Manufacturer),
		Manufacturer:           entry.Manufacturer,
		Description:            entry.Description,
		Category:               entry.Category,
		LifecycleStatus:        entry.LifecycleStatus,
		RiskScore:              entry.RiskScore,
		DatasheetURL:           entry.DatasheetURL,
		Attributes:             entry.Attributes,
		Quantity:               item.Quantity,
		References:             item.References,
	})
	if err != nil {
		return nil, eris.Wrap(err, "enrich: marshal payload")
	}

	return &Enrichment{Payload: payload, Confidence: completeness(entry)}, nil
}

// completeness scores how fully populated a catalog record is.
func completeness(entry *CatalogEntry) float64 {
	score := 40.0 // a resolvable MPN and manufacturer are the baseline
	if entry.Description != "" {
		score += 15
	}
	if entry.Category != "" {
		score += 10
	}
	if entry.LifecycleStatus != "" {
		score += 20
	}
	if entry.RiskScore > 0 {
		score += 10
	}
	if entry.DatasheetURL != "" {
		score += 5
	}
	return score
}
