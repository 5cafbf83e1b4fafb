package models

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of an async job.
type JobStatus string

const (
	JobStatusPending JobStatus = "PENDING"
	JobStatusRunning JobStatus = "RUNNING"
	JobStatusSuccess JobStatus = "SUCCESS"
	JobStatusFailed  JobStatus = "FAILED"
)

// JobKind identifies which pipeline a job runs.
type JobKind string

const (
	JobKindIngestSales JobKind = "ingest_sales"
	JobKindForecast    JobKind = "forecast"
)

var validTransitions = map[JobStatus][]JobStatus{
	JobStatusPending: {JobStatusRunning, JobStatusFailed},
	JobStatusRunning: {JobStatusSuccess, JobStatusFailed},
}

// IsTerminal reports whether no further transition can leave s.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusSuccess || s == JobStatusFailed
}

// CanTransitionTo reports whether s -> next is a forward move of the job lifecycle.
// PENDING -> FAILED is allowed so a job that could not be dispatched still gets a
// terminal explanation.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	for _, a := range validTransitions[s] {
		if a == next {
			return true
		}
	}
	return false
}

// Job tracks an async ingestion or forecast run. The API returns the job id on
// submission; clients poll GET /api/v1/jobs/{job_id} until status is SUCCESS or FAILED.
type Job struct {
	ID                uuid.UUID  `db:"id"                  json:"id"`
	CompanyID         uuid.UUID  `db:"company_id"          json:"company_id"`
	OwnerID           uuid.UUID  `db:"owner_id"            json:"owner_id"`
	Kind              JobKind    `db:"kind"                json:"kind"`
	Status            JobStatus  `db:"status"              json:"status"`
	Result            *string    `db:"result"              json:"result,omitempty"`
	Attempts          int        `db:"attempts"            json:"attempts"`
	LeaseUntil        *time.Time `db:"lease_until"         json:"-"`
	IngestCommittedAt *time.Time `db:"ingest_committed_at" json:"-"`
	StartedAt         *time.Time `db:"started_at"          json:"started_at,omitempty"`
	CompletedAt       *time.Time `db:"completed_at"        json:"completed_at,omitempty"`
	CreatedAt         time.Time  `db:"created_at"          json:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at"          json:"updated_at"`
}

// JobEvent is published whenever a job changes status.
type JobEvent struct {
	JobID  uuid.UUID `json:"job_id"`
	Status JobStatus `json:"status"`
}
