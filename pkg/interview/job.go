package interview

import (
	"encoding/json"
	"time"
)

// JobStatus tracks the lifecycle of one asynchronous job event.
type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobDead    JobStatus = "dead"
)

// JobEvent is an asynchronous unit of work with a schema-validated payload.
//
// Delivery is at-least-once; a job that exhausts its attempts moves to the
// dead status and stays visible for manual inspection.
type JobEvent struct {
	ID          string
	Name        string
	Payload     json.RawMessage
	Status      JobStatus
	Attempts    int
	MaxAttempts int
	NextRunAt   time.Time
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
