package entity

import (
	"time"

	"github.com/google/uuid"

	"github.com/sheetflow/sheetflow/constants"
)

// ProcessingJob represents one file-to-records conversion job for data
// transfer between layers.
type ProcessingJob struct {
	ID             uuid.UUID           `json:"id"`
	OwnerID        uuid.UUID           `json:"owner_id"`
	Filename       string              `json:"filename"`
	SourceLocation string              `json:"source_location"`
	SourceFormat   string              `json:"source_format"`
	Status         constants.JobStatus `json:"status"`
	TotalRows      *int                `json:"total_rows,omitempty"`
	ProcessedRows  *int                `json:"processed_rows,omitempty"`
	ErrorDetail    *string             `json:"error_detail,omitempty"`
	RetryCount     int                 `json:"retry_count"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
	CompletedAt    *time.Time          `json:"completed_at,omitempty"`
}
