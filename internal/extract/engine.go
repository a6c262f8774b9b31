// Package extract turns spreadsheet bytes into a lazy sequence of normalized
// cell records. It performs no persistence and no status mutation.
package extract

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/sheetflow/sheetflow/constants"
)

var (
	// ErrNoData indicates the source has no header row or no data rows.
	ErrNoData = errors.New("NO_DATA_FOUND")
	// ErrUnsupportedFormat indicates the source is not a readable workbook.
	ErrUnsupportedFormat = errors.New("UNSUPPORTED_FORMAT")
)

// Record is one normalized non-blank cell. RowNumber is 1-based and excludes
// the header row.
type Record struct {
	RowNumber  int
	ColumnName string
	Value      string
	Kind       constants.ValueKind
}

// Document is a parsed workbook. Records are consumed through Next, which
// never rewinds: the sequence is finite and non-restartable.
type Document struct {
	columns []string
	rows    [][]string
	next    int
}

// Parse reads the first sheet of an xlsx/xls workbook. Row 0 is the header
// (column names); it is required and excluded from output records. The row
// count is known up front so callers can persist totals before streaming.
func Parse(data []byte) (*Document, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	defer func() { _ = f.Close() }()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("%w: workbook has no sheets", ErrNoData)
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: sheet %q has no header row", ErrNoData, sheets[0])
	}
	if len(rows) == 1 {
		return nil, fmt.Errorf("%w: sheet %q has a header but no data rows", ErrNoData, sheets[0])
	}

	columns := make([]string, len(rows[0]))
	for i, h := range rows[0] {
		columns[i] = strings.TrimSpace(h)
	}
	return &Document{columns: columns, rows: rows[1:]}, nil
}

// Columns returns the header row names. Blank header cells yield empty names
// and their columns are never emitted.
func (d *Document) Columns() []string {
	return d.columns
}

// TotalRows is the number of data rows (header excluded).
func (d *Document) TotalRows() int {
	return len(d.rows)
}

// Next returns the records of the next data row, skipping blank cells. A row
// whose cells are all blank yields an empty slice; it still counts as a
// processed row. ok is false once the sequence is exhausted.
func (d *Document) Next() ([]Record, bool) {
	if d.next >= len(d.rows) {
		return nil, false
	}
	raw := d.rows[d.next]
	rowNumber := d.next + 1
	d.next++

	var recs []Record
	for i, col := range d.columns {
		if col == "" || i >= len(raw) {
			continue
		}
		value := strings.TrimSpace(raw[i])
		if value == "" {
			continue
		}
		recs = append(recs, Record{
			RowNumber:  rowNumber,
			ColumnName: col,
			Value:      value,
			Kind:       InferKind(value),
		})
	}
	return recs, true
}
