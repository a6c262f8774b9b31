package constants

// JobStatus is the canonical status for rows in processing_job.
type JobStatus string

// Stable values (store these exact strings in DB).
const (
	JobStatusPending    JobStatus = "PENDING"     // created, waiting for a worker
	JobStatusInProgress JobStatus = "IN_PROGRESS" // owned by exactly one worker
	JobStatusCompleted  JobStatus = "COMPLETED"   // terminal success
	JobStatusFailed     JobStatus = "FAILED"      // failure; eligible for operator retry
	JobStatusCancelled  JobStatus = "CANCELLED"   // terminal, operator-issued
)

// Terminal reports whether no transition may leave s.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusCancelled
}
