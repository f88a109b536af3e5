package claude

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/bomflow/internal/enrich"
	"github.com/sells-group/bomflow/internal/model"
)

const enrichSystemPrompt = `You normalize electronic component data. Given a raw BOM line item,
respond with ONLY a JSON object, no prose, with these fields:
  mpn (string), normalized_manufacturer (string), manufacturer (string),
  description (string), category (string), lifecycle_status (one of:
  active, nrnd, eol, obsolete, unknown), risk_score (number 0-100),
  confidence (number 0-100, your confidence in this normalization).
Use "unknown" and low confidence rather than guessing.`

// Enricher normalizes matched line items through the Anthropic API. It is
// used where the catalog record is too thin to produce a payload locally.
type Enricher struct {
	client    Client
	model     string
	maxTokens int64
}

// NewEnricher creates a Claude-backed enricher.
func NewEnricher(client Client, model string, maxTokens int) *Enricher {
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &Enricher{client: client, model: model, maxTokens: int64(maxTokens)}
}

// Enrich asks the model for a normalized payload. The model's self-reported
// confidence drives the storage-tier routing downstream.
func (e *Enricher) Enrich(ctx context.Context, item *model.LineItemRecord, componentRef string) (*enrich.Enrichment, error) {
	prompt := fmt.Sprintf(
		"Component reference: %s\nRaw part number: %s\nRaw manufacturer: %s\nRaw description: %s\nQuantity: %d",
		componentRef, item.RawPartNumber, item.RawManufacturer, item.RawDescription, item.Quantity,
	)

	resp, err := e.client.CreateMessage(ctx, MessageRequest{
		Model:     e.model,
		MaxTokens: e.maxTokens,
		System:    enrichSystemPrompt,
		Messages:  []Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return nil, err
	}
	resp.Usage.LogUsage(e.model, "enrich")

	payload, confidence, err := parseEnrichment(resp.Text)
	if err != nil {
		return nil, eris.Wrapf(err, "claude: item %s/%d", item.BOMID, item.LineNumber)
	}
	return &enrich.Enrichment{Payload: payload, Confidence: confidence}, nil
}

// parseEnrichment extracts the JSON object from the model's reply and pulls
// out the confidence field. Replies wrapped in code fences are tolerated.
func parseEnrichment(text string) (json.RawMessage, float64, error) {
	trimmed := strings.TrimSpace(text)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start < 0 || end <= start {
		return nil, 0, eris.New("claude: response contains no JSON object")
	}
	raw := json.RawMessage(trimmed[start : end+1])

	var probe struct {
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, 0, eris.Wrap(err, "claude: malformed enrichment JSON")
	}
	if probe.Confidence < 0 || probe.Confidence > 100 {
		return nil, 0, eris.Errorf("claude: confidence %.1f out of range", probe.Confidence)
	}
	return raw, probe.Confidence, nil
}
