package models

import (
	"time"

	"github.com/google/uuid"
)

// Job is one user submission: run a prompt template over every record of a
// file against a model. Progress counters are written only through the
// atomic increment path in the store; `0 <= completed <= task_count` always
// holds and completed_task_count is monotonically non-decreasing.
type Job struct {
	ID                 uuid.UUID `db:"id"                   json:"id"`
	AccountID          uuid.UUID `db:"account_id"           json:"account_id"`
	FileID             uuid.UUID `db:"file_id"              json:"file_id"`
	PromptID           uuid.UUID `db:"prompt_id"            json:"prompt_id"`
	Model              string    `db:"model"                json:"model"`
	Status             JobStatus `db:"status"               json:"status"`
	TaskCount          int       `db:"task_count"           json:"task_count"`
	CompletedTaskCount int       `db:"completed_task_count" json:"completed_task_count"`
	FailedTaskCount    int       `db:"failed_task_count"    json:"failed_task_count"`
	EstimatedCredits   int64     `db:"estimated_credits"    json:"estimated_credits"`
	OutputFields       []string  `db:"output_fields"        json:"output_fields"`
	ResultPath         *string   `db:"result_path"          json:"result_path,omitempty"`
	ErrorMessage       *string   `db:"error_message"        json:"error_message,omitempty"`
	Version            int64     `db:"version"              json:"-"`
	CreatedAt          time.Time `db:"created_at"           json:"created_at"`
	UpdatedAt          time.Time `db:"updated_at"           json:"updated_at"`
}

// JobTask is one unit of work: one file record rendered through the job's
// prompt. Model and queue name are copied from the job at dispatch time and
// never change afterwards, so routing stays deterministic even if the model
// registry is refreshed mid-job.
type JobTask struct {
	ID           uuid.UUID  `db:"id"            json:"id"`
	JobID        uuid.UUID  `db:"job_id"        json:"job_id"`
	RecordID     uuid.UUID  `db:"record_id"     json:"record_id"`
	Model        string     `db:"model"         json:"model"`
	QueueName    string     `db:"queue_name"    json:"-"`
	Status       TaskStatus `db:"status"        json:"status"`
	Response     *string    `db:"response"      json:"response,omitempty"`
	ErrorMessage *string    `db:"error_message" json:"error_message,omitempty"`
	BeginAt      *time.Time `db:"begin_at"      json:"begin_at,omitempty"`
	EndAt        *time.Time `db:"end_at"        json:"end_at,omitempty"`
	CreatedAt    time.Time  `db:"created_at"    json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"    json:"updated_at"`
}
