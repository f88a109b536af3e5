// Package enrich defines the matching and enrichment collaborators the
// orchestrator drives, plus a catalog-backed implementation of both.
package enrich

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/sells-group/bomflow/internal/model"
)

// ErrNoMatch is returned by a Matcher when the item cannot be resolved to
// any known component. It is a result, not a failure: the item is recorded
// as no_match and the batch continues.
var ErrNoMatch = eris.New("enrich: no match")

// Match is a successful component resolution.
type Match struct {
	ComponentRef string
	Confidence   float64
	Method       model.MatchMethod
}

// Matcher resolves a raw line item to a component reference.
type Matcher interface {
	Match(ctx context.Context, item *model.LineItemRecord) (*Match, error)
}

// Enrichment is the normalized payload produced for a matched item.
type Enrichment struct {
	Payload    json.RawMessage
	Confidence float64
}

// Enricher produces the normalized enrichment payload for a matched item.
type Enricher interface {
	Enrich(ctx context.Context, item *model.LineItemRecord, componentRef string) (*Enrichment, error)
}
