// Package sheet decodes uploaded CSV and XLSX sheets into raw records keyed by header.
package sheet

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/okian/tally/internal/domain/model"
)

// Format is an upload file format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// Sentinel error kinds for this package. These allow errors.Is/As from callers.
var (
	ErrUnsupportedFormat = errors.New("unsupported sheet format")
	ErrNoHeader          = errors.New("sheet has no header row")
	ErrDuplicateHeader   = errors.New("duplicate column header")
	ErrTooManyRows       = errors.New("sheet exceeds row limit")
)

const utf8BOM = "\ufeff"

// FormatFromName picks the format from a file extension.
func FormatFromName(name string) (Format, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".csv":
		return FormatCSV, nil
	case ".xlsx", ".xlsm":
		return FormatXLSX, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, name)
	}
}

// Table is a decoded sheet. Lines[i] is the 1-based sheet line Records[i]
// was read from; the header is line 1.
type Table struct {
	Records []model.RawRecord
	Lines   []int
}

// Line returns the sheet line of record i, or 0 when i is out of range.
func (t *Table) Line(i int) int {
	if i < 0 || i >= len(t.Lines) {
		return 0
	}
	return t.Lines[i]
}

// row is one sheet row with the line it starts on.
type row struct {
	line  int
	cells []string
}

type options struct {
	maxRows int
}

// Option applies a decoding option.
type Option func(*options)

// WithMaxRows rejects sheets with more than n data rows. Zero means unlimited.
func WithMaxRows(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.maxRows = n
		}
	}
}

// Decode reads every data row of r. The first row is the header; fully blank
// rows are skipped and cells beyond the header are ignored. Skipped rows do not
// shift what Table.Line reports.
func Decode(r io.Reader, format Format, opts ...Option) (*Table, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	var (
		rows []row
		err  error
	)
	switch format {
	case FormatCSV:
		rows, err = readCSV(r)
	case FormatXLSX:
		rows, err = readXLSX(r)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	if err != nil {
		return nil, err
	}
	return records(rows, o.maxRows)
}

func readCSV(r io.Reader) ([]row, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	var rows []row
	for {
		cells, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv: %w", err)
		}
		// Quoted cells may span lines; a row starts where its first cell does.
		line, _ := cr.FieldPos(0)
		rows = append(rows, row{line: line, cells: cells})
	}
	if len(rows) > 0 && len(rows[0].cells) > 0 {
		rows[0].cells[0] = strings.TrimPrefix(rows[0].cells[0], utf8BOM)
	}
	return rows, nil
}

func readXLSX(r io.Reader) ([]row, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("open xlsx: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, ErrNoHeader
	}
	// Raw values keep dates as serials and amounts free of display formatting.
	// GetRows keeps empty rows between filled ones, so index i is sheet row i+1.
	cells, err := f.GetRows(sheets[0], excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", sheets[0], err)
	}
	rows := make([]row, len(cells))
	for i := range cells {
		rows[i] = row{line: i + 1, cells: cells[i]}
	}
	return rows, nil
}

func records(rows []row, maxRows int) (*Table, error) {
	if len(rows) == 0 {
		return nil, ErrNoHeader
	}
	header := make([]string, len(rows[0].cells))
	seen := make(map[string]struct{}, len(header))
	for i, h := range rows[0].cells {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		if _, dup := seen[strings.ToLower(h)]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateHeader, h)
		}
		seen[strings.ToLower(h)] = struct{}{}
		header[i] = h
	}
	if len(seen) == 0 {
		return nil, ErrNoHeader
	}

	out := &Table{
		Records: make([]model.RawRecord, 0, len(rows)-1),
		Lines:   make([]int, 0, len(rows)-1),
	}
	for _, r := range rows[1:] {
		if blank(r.cells) {
			continue
		}
		if maxRows > 0 && len(out.Records) == maxRows {
			return nil, fmt.Errorf("%w: more than %d rows", ErrTooManyRows, maxRows)
		}
		rec := make(model.RawRecord, len(seen))
		for i, h := range header {
			if h == "" {
				continue
			}
			if i < len(r.cells) {
				rec[h] = r.cells[i]
			} else {
				rec[h] = ""
			}
		}
		out.Records = append(out.Records, rec)
		out.Lines = append(out.Lines, r.line)
	}
	return out, nil
}

func blank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
