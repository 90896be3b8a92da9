package models

import (
	"time"

	"github.com/google/uuid"
)

// Notification event types pushed to the delivery channel. Delivery is
// best-effort; the pipeline never blocks on it.
const (
	EventJobStatusChanged  = "job.status_changed"
	EventJobProgress       = "job.progress"
	EventTaskStatusChanged = "task.status_changed"
)

// JobEvent is the payload for job-level notifications.
type JobEvent struct {
	JobID              uuid.UUID `json:"job_id"`
	Status             JobStatus `json:"status"`
	TaskCount          int       `json:"task_count"`
	CompletedTaskCount int       `json:"completed_task_count"`
	FailedTaskCount    int       `json:"failed_task_count"`
	ErrorMessage       string    `json:"error_message,omitempty"`
	At                 time.Time `json:"at"`
}

// TaskEvent is the payload for task-level notifications.
type TaskEvent struct {
	JobID  uuid.UUID  `json:"job_id"`
	TaskID uuid.UUID  `json:"task_id"`
	Status TaskStatus `json:"status"`
	At     time.Time  `json:"at"`
}
