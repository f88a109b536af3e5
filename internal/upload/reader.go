// Package upload parses BOM files (XLSX and CSV) into line items and maps
// their columns onto the canonical fields, reporting how confident the
// mapping is. That confidence feeds the admission quality gate.
package upload

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"golang.org/x/text/encoding/htmlindex"
)

// RawBOM is a parsed-but-unmapped upload: the header row plus data rows.
type RawBOM struct {
	Headers []string
	Rows    [][]string
}

// Options configures file parsing.
type Options struct {
	SheetIndex int    // XLSX only, default 0
	SheetName  string // XLSX only, overrides SheetIndex when set
	Charset    string // CSV only, e.g. "windows-1252"; default UTF-8
}

// ReadFile parses a BOM file, dispatching on extension.
func ReadFile(path string, opts Options) (*RawBOM, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx":
		return readXLSX(path, opts)
	case ".csv", ".txt":
		return readCSV(path, opts)
	default:
		return nil, eris.Errorf("upload: unsupported file type %q", filepath.Ext(path))
	}
}

func readXLSX(path string, opts Options) (*RawBOM, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "upload: open xlsx")
	}

	sheet, err := pickSheet(f, opts)
	if err != nil {
		return nil, err
	}

	bom := &RawBOM{}
	for i, row := range sheet.Rows {
		cells := make([]string, len(row.Cells))
		for j, cell := range row.Cells {
			cells[j] = strings.TrimSpace(cell.String())
		}
		if i == 0 {
			bom.Headers = cells
			continue
		}
		if blankRow(cells) {
			continue
		}
		bom.Rows = append(bom.Rows, cells)
	}

	if bom.Headers == nil {
		return nil, eris.New("upload: xlsx file is empty")
	}
	return bom, nil
}

func pickSheet(f *xlsx.File, opts Options) (*xlsx.Sheet, error) {
	if opts.SheetName != "" {
		sheet, ok := f.Sheet[opts.SheetName]
		if !ok {
			return nil, eris.Errorf("upload: sheet %q not found", opts.SheetName)
		}
		return sheet, nil
	}
	if opts.SheetIndex >= len(f.Sheets) {
		return nil, eris.Errorf("upload: sheet index %d out of range (file has %d sheets)", opts.SheetIndex, len(f.Sheets))
	}
	return f.Sheets[opts.SheetIndex], nil
}

func readCSV(path string, opts Options) (*RawBOM, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrap(err, "upload: open csv")
	}
	defer f.Close()

	var src io.Reader = f
	if opts.Charset != "" {
		enc, err := htmlindex.Get(opts.Charset)
		if err != nil {
			return nil, eris.Wrapf(err, "upload: unsupported charset %q", opts.Charset)
		}
		src = enc.NewDecoder().Reader(f)
	}

	reader := csv.NewReader(src)
	reader.FieldsPerRecord = -1 // real-world exports have ragged rows
	reader.TrimLeadingSpace = true

	bom := &RawBOM{}
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrap(err, "upload: read csv row")
		}
		for i := range record {
			record[i] = strings.TrimSpace(record[i])
		}
		if bom.Headers == nil {
			bom.Headers = record
			continue
		}
		if blankRow(record) {
			continue
		}
		bom.Rows = append(bom.Rows, record)
	}

	if bom.Headers == nil {
		return nil, eris.New("upload: csv file is empty")
	}
	return bom, nil
}

func blankRow(cells []string) bool {
	for _, c := range cells {
		if c != "" {
			return false
		}
	}
	return true
}
