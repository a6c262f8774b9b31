package entity

import (
	"github.com/google/uuid"

	"github.com/sheetflow/sheetflow/constants"
)

// ExtractedRecord represents one normalized non-blank spreadsheet cell.
// RowNumber is 1-based and excludes the header row.
type ExtractedRecord struct {
	JobID      uuid.UUID           `json:"job_id"`
	RowNumber  int                 `json:"row_number"`
	ColumnName string              `json:"column_name"`
	Value      string              `json:"value"`
	ValueKind  constants.ValueKind `json:"value_kind"`
}
