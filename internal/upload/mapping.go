package upload

import (
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/bomflow/internal/model"
)

// canonical fields the mapper tries to locate in the header row.
const (
	fieldPartNumber   = "part_number"
	fieldManufacturer = "manufacturer"
	fieldDescription  = "description"
	fieldQuantity     = "quantity"
	fieldReferences   = "references"
)

// requiredFields must map for a usable BOM; the rest improve quality but
// are optional.
var requiredFields = []string{fieldPartNumber}

// headerSynonyms maps lowercased, squashed header spellings seen in the
// wild onto canonical fields.
var headerSynonyms = map[string]string{
	"partnumber": fieldPartNumber, "partno": fieldPartNumber, "part": fieldPartNumber,
	"mpn": fieldPartNumber, "mfrpart": fieldPartNumber, "mfgpartnumber": fieldPartNumber,
	"manufacturerpartnumber": fieldPartNumber, "pn": fieldPartNumber,

	"manufacturer": fieldManufacturer, "mfr": fieldManufacturer, "mfg": fieldManufacturer,
	"maker": fieldManufacturer, "brand": fieldManufacturer, "vendor": fieldManufacturer,

	"description": fieldDescription, "desc": fieldDescription, "partdescription": fieldDescription,
	"value": fieldDescription, "comment": fieldDescription,

	"quantity": fieldQuantity, "qty": fieldQuantity, "count": fieldQuantity,

	"references": fieldReferences, "refdes": fieldReferences, "designator": fieldReferences,
	"designators": fieldReferences, "ref": fieldReferences, "refs": fieldReferences,
}

// ColumnMap records which source column feeds each canonical field.
type ColumnMap struct {
	Columns    map[string]int // canonical field -> column index
	Confidence float64        // 0-1, fraction of canonical fields located
}

// MapColumns resolves the header row onto canonical fields. Missing a
// required field is an error; missing optional fields only lowers
// Confidence.
func MapColumns(headers []string) (*ColumnMap, error) {
	cm := &ColumnMap{Columns: make(map[string]int)}
	for i, h := range headers {
		key := squash(h)
		field, ok := headerSynonyms[key]
		if !ok {
			continue
		}
		// First matching column wins; a second "part" column is usually an
		// internal SKU, not the MPN.
		if _, taken := cm.Columns[field]; !taken {
			cm.Columns[field] = i
		}
	}

	for _, f := range requiredFields {
		if _, ok := cm.Columns[f]; !ok {
			return nil, eris.Errorf("upload: no column maps to %s (headers: %s)", f, strings.Join(headers, ", "))
		}
	}

	allFields := []string{fieldPartNumber, fieldManufacturer, fieldDescription, fieldQuantity, fieldReferences}
	cm.Confidence = float64(len(cm.Columns)) / float64(len(allFields))
	return cm, nil
}

// Parse maps a raw upload onto line items. Line numbers are 1-based over
// the data rows.
func Parse(bomID string, raw *RawBOM) ([]model.LineItemRecord, *ColumnMap, error) {
	cm, err := MapColumns(raw.Headers)
	if err != nil {
		return nil, nil, err
	}

	items := make([]model.LineItemRecord, 0, len(raw.Rows))
	for i, row := range raw.Rows {
		item := model.LineItemRecord{
			BOMID:           bomID,
			LineNumber:      i + 1,
			RawPartNumber:   cell(row, cm.Columns, fieldPartNumber),
			RawManufacturer: cell(row, cm.Columns, fieldManufacturer),
			RawDescription:  cell(row, cm.Columns, fieldDescription),
			References:      cell(row, cm.Columns, fieldReferences),
			Quantity:        1,
		}
		if q := cell(row, cm.Columns, fieldQuantity); q != "" {
			if n, err := strconv.Atoi(q); err == nil && n > 0 {
				item.Quantity = n
			}
		}
		items = append(items, item)
	}
	return items, cm, nil
}

func cell(row []string, columns map[string]int, field string) string {
	idx, ok := columns[field]
	if !ok || idx >= len(row) {
		return ""
	}
	return row[idx]
}

func squash(header string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(header) {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
