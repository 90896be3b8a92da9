// Package job implements the job lifecycle state machine and the
// task-distribution engine: admission, validation, dispatch, task execution,
// aggregation and reconciliation.
package job

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/promptbatch/promptbatch/internal/store"
	"github.com/promptbatch/promptbatch/pkg/models"
)

// Status-cache TTL for job status entries.
const statusCacheTTL = 30 * time.Minute

// Admission errors surfaced synchronously to the API layer.
var (
	ErrFileNotFound   = errors.New("file not found")
	ErrPromptNotFound = errors.New("prompt not found")
	ErrUnknownModel   = errors.New("unknown model")
	ErrModelDisabled  = errors.New("model is disabled")
	ErrNotOwner       = errors.New("resource belongs to another account")
)

// Store is the slice of the data layer the job engine depends on.
// *store.PostgresStore satisfies it; tests use an in-memory double.
type Store interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	TransitionJob(ctx context.Context, id uuid.UUID, from, to models.JobStatus, opts ...store.JobUpdateOption) (bool, error)
	CancelJob(ctx context.Context, id uuid.UUID) (models.JobStatus, bool, error)
	ForceFailJob(ctx context.Context, id uuid.UUID, msg string) (bool, error)
	IncrementJobProgress(ctx context.Context, jobID uuid.UUID, failed bool) (store.JobProgress, bool, error)
	ListStalledJobs(ctx context.Context, olderThan time.Duration, limit int) ([]uuid.UUID, error)
	RepairJobProgress(ctx context.Context, jobID uuid.UUID) (store.JobProgress, bool, error)

	CreateTasks(ctx context.Context, tasks []*models.JobTask) error
	GetTask(ctx context.Context, id uuid.UUID) (*models.JobTask, error)
	StartTask(ctx context.Context, id uuid.UUID) (bool, error)
	FinishTask(ctx context.Context, id uuid.UUID, status models.TaskStatus, response, errMsg *string) (bool, error)
	ListStuckTasks(ctx context.Context, olderThan time.Duration, limit int) ([]*models.JobTask, error)
	ListOutputRows(ctx context.Context, jobID uuid.UUID) ([]store.OutputRow, error)

	GetFile(ctx context.Context, id uuid.UUID) (*models.File, error)
	GetDeclaredFields(ctx context.Context, fileID uuid.UUID) ([]string, error)
	GetFileRecords(ctx context.Context, fileID uuid.UUID) ([]*models.FileRecord, error)
	GetFileRecord(ctx context.Context, id uuid.UUID) (*models.FileRecord, error)
	GetPrompt(ctx context.Context, id uuid.UUID) (*models.Prompt, error)

	ReserveCredits(ctx context.Context, accountID uuid.UUID, amount int64) (bool, error)
	SettleCredits(ctx context.Context, accountID uuid.UUID, amount int64) error
	ReleaseCredits(ctx context.Context, accountID uuid.UUID, amount int64) error
}

// StatusCache mirrors authoritative job status into a fast lookup path.
// Failures are tolerated; the store remains the source of truth. A cached
// terminal status is safe to act on because terminal states never revert.
type StatusCache interface {
	SetJobStatus(ctx context.Context, jobID uuid.UUID, status models.JobStatus, ttl time.Duration) error
	GetJobStatus(ctx context.Context, jobID uuid.UUID) (models.JobStatus, bool, error)
}

// Registry resolves a model name to its queue and backend.
type Registry interface {
	Resolve(name string) (models.ModelProvider, bool)
}

// noopCache is used when no cache is wired, e.g. in tests.
type noopCache struct{}

func (noopCache) SetJobStatus(context.Context, uuid.UUID, models.JobStatus, time.Duration) error {
	return nil
}

func (noopCache) GetJobStatus(context.Context, uuid.UUID) (models.JobStatus, bool, error) {
	return "", false, nil
}
