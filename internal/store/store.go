package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/promptbatch/promptbatch/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")
var ErrInvalidTransition = errors.New("invalid status transition")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	GetAccount(ctx context.Context, id uuid.UUID) (*models.Account, error)
	GetDefaultAccount(ctx context.Context) (*models.Account, error)
	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error

	// ReserveCredits atomically reserves amount against the account's free
	// balance; it reports false when the balance cannot cover the reservation.
	ReserveCredits(ctx context.Context, accountID uuid.UUID, amount int64) (bool, error)
	SettleCredits(ctx context.Context, accountID uuid.UUID, amount int64) error
	ReleaseCredits(ctx context.Context, accountID uuid.UUID, amount int64) error

	CreateFile(ctx context.Context, file *models.File, records []*models.FileRecord) error
	GetFile(ctx context.Context, id uuid.UUID) (*models.File, error)
	GetDeclaredFields(ctx context.Context, fileID uuid.UUID) ([]string, error)
	GetFileRecords(ctx context.Context, fileID uuid.UUID) ([]*models.FileRecord, error)
	GetFileRecord(ctx context.Context, id uuid.UUID) (*models.FileRecord, error)

	CreatePrompt(ctx context.Context, p *models.Prompt) error
	GetPrompt(ctx context.Context, id uuid.UUID) (*models.Prompt, error)

	ListModelProviders(ctx context.Context) ([]*models.ModelProvider, error)
	SetModelProviderEnabled(ctx context.Context, name string, enabled bool) error

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, int, error)

	// TransitionJob applies from -> to with a compare-and-swap on the current
	// status. It reports false when the job was not in `from` (lost race or
	// already terminal) and ErrInvalidTransition when the edge is not in the
	// state machine at all.
	TransitionJob(ctx context.Context, id uuid.UUID, from, to models.JobStatus, opts ...JobUpdateOption) (bool, error)

	// CancelJob moves any non-terminal job to cancelled, returning the status
	// it held before. applied is false for jobs already terminal.
	CancelJob(ctx context.Context, id uuid.UUID) (prev models.JobStatus, applied bool, err error)

	// ForceFailJob moves any non-terminal job to failed with a message.
	ForceFailJob(ctx context.Context, id uuid.UUID, msg string) (bool, error)

	// IncrementJobProgress is the hot-path atomic update for job progress
	// counters. Concurrent increments from multiple workers never lose an
	// update; increments against a job no longer in processing are discarded
	// (applied=false).
	IncrementJobProgress(ctx context.Context, jobID uuid.UUID, failed bool) (JobProgress, bool, error)

	// ListStalledJobs finds processing jobs whose tasks have all settled but
	// which never left processing: an increment was lost between a task's
	// terminal write and the counter update, or the finalizer crashed.
	// olderThan keeps jobs still moving out of the result.
	ListStalledJobs(ctx context.Context, olderThan time.Duration, limit int) ([]uuid.UUID, error)

	// RepairJobProgress recomputes a processing job's counters from its
	// tasks' terminal statuses. applied is false when the job is not in
	// processing.
	RepairJobProgress(ctx context.Context, jobID uuid.UUID) (JobProgress, bool, error)

	CreateTasks(ctx context.Context, tasks []*models.JobTask) error
	GetTask(ctx context.Context, id uuid.UUID) (*models.JobTask, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]*models.JobTask, int, error)

	// StartTask marks a submitted task processing with a begin timestamp.
	// applied=false means the task already left submitted (redelivery).
	StartTask(ctx context.Context, id uuid.UUID) (bool, error)

	// FinishTask writes the task's single terminal status. applied=false means
	// the task was already terminal; callers must then skip aggregation.
	FinishTask(ctx context.Context, id uuid.UUID, status models.TaskStatus, response, errMsg *string) (bool, error)

	ListStuckTasks(ctx context.Context, olderThan time.Duration, limit int) ([]*models.JobTask, error)
	ListOutputRows(ctx context.Context, jobID uuid.UUID) ([]OutputRow, error)
}

// JobFilter narrows and paginates job listings.
type JobFilter struct {
	AccountID uuid.UUID
	Status    models.JobStatus
	Model     string
	Page      int
	Limit     int
}

// TaskFilter narrows and paginates task listings for one job.
type TaskFilter struct {
	JobID  uuid.UUID
	Status models.TaskStatus
	Page   int
	Limit  int
}

// JobProgress is the counter snapshot returned by IncrementJobProgress,
// observed atomically with the increment itself.
type JobProgress struct {
	TaskCount int
	Completed int
	Failed    int
}

// OutputRow joins a terminal task with its source record for result-file
// construction, ordered by record position.
type OutputRow struct {
	Task     models.JobTask
	Position int
	Fields   map[string]string
}

// JobUpdate collects the optional column writes a status transition may
// carry. ApplyJobOptions folds options into one; alternate Store
// implementations use it the same way PostgresStore does.
type JobUpdate struct {
	ErrorMessage     *string
	EstimatedCredits *int64
	TaskCount        *int
	ResultPath       *string
}

type JobUpdateOption func(*JobUpdate)

func ApplyJobOptions(opts ...JobUpdateOption) JobUpdate {
	var u JobUpdate
	for _, opt := range opts {
		opt(&u)
	}
	return u
}

func WithErrorMessage(msg string) JobUpdateOption {
	return func(p *JobUpdate) {
		p.ErrorMessage = &msg
	}
}

func WithEstimatedCredits(credits int64) JobUpdateOption {
	return func(p *JobUpdate) {
		p.EstimatedCredits = &credits
	}
}

func WithTaskCount(n int) JobUpdateOption {
	return func(p *JobUpdate) {
		p.TaskCount = &n
	}
}

func WithResultPath(path string) JobUpdateOption {
	return func(p *JobUpdate) {
		p.ResultPath = &path
	}
}
