package job

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/promptbatch/promptbatch/internal/notify"
	"github.com/promptbatch/promptbatch/internal/queue"
	"github.com/promptbatch/promptbatch/pkg/models"
)

// SubmitParams is a validated submission request.
type SubmitParams struct {
	AccountID    uuid.UUID
	FileID       uuid.UUID
	PromptID     uuid.UUID
	Model        string
	OutputFields []string
}

// Admission is the intake gate: it checks that the submission's references
// exist and the model accepts new work, creates the job, and hands it to the
// validation queue. Structural validation itself happens asynchronously.
type Admission struct {
	store    Store
	registry Registry
	broker   queue.Broker
	cache    StatusCache
	notifier notify.Notifier
}

func NewAdmission(s Store, reg Registry, broker queue.Broker, cache StatusCache, notifier notify.Notifier) *Admission {
	if cache == nil {
		cache = noopCache{}
	}
	if notifier == nil {
		notifier = notify.LogNotifier{}
	}
	return &Admission{store: s, registry: reg, broker: broker, cache: cache, notifier: notifier}
}

// Submit admits a job. Admission errors are returned synchronously and leave
// no job behind; once the job row exists it is guaranteed to progress: a
// failed hand-off to the validation queue forces the job to failed rather
// than stranding it in pending_validation.
func (a *Admission) Submit(ctx context.Context, params SubmitParams) (*models.Job, error) {
	file, err := a.store.GetFile(ctx, params.FileID)
	if err != nil {
		return nil, ErrFileNotFound
	}
	if file.AccountID != params.AccountID {
		return nil, ErrNotOwner
	}

	prompt, err := a.store.GetPrompt(ctx, params.PromptID)
	if err != nil {
		return nil, ErrPromptNotFound
	}
	if prompt.AccountID != params.AccountID {
		return nil, ErrNotOwner
	}

	entry, ok := a.registry.Resolve(params.Model)
	if !ok {
		return nil, ErrUnknownModel
	}
	if !entry.Enabled {
		return nil, ErrModelDisabled
	}

	now := time.Now().UTC()
	j := &models.Job{
		ID:           uuid.New(),
		AccountID:    params.AccountID,
		FileID:       params.FileID,
		PromptID:     params.PromptID,
		Model:        params.Model,
		Status:       models.JobPendingValidation,
		OutputFields: params.OutputFields,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := a.store.CreateJob(ctx, j); err != nil {
		return nil, fmt.Errorf("creating job: %w", err)
	}

	if err := a.broker.Publish(ctx, queue.ValidationQueue, j.ID.String()); err != nil {
		msg := fmt.Sprintf("enqueue validation: %v", err)
		_, _ = a.store.ForceFailJob(ctx, j.ID, msg)
		return nil, fmt.Errorf("publishing validation message: %w", err)
	}

	_ = a.cache.SetJobStatus(ctx, j.ID, j.Status, statusCacheTTL)
	a.notifier.Send(models.EventJobStatusChanged, models.JobEvent{
		JobID: j.ID, Status: j.Status, At: now,
	}, j.AccountID)

	return j, nil
}

// Cancel marks a job cancelled. In-flight queue messages are not recalled;
// workers observe the terminal status and discard their results. Credits
// reserved at dispatch are released.
func (a *Admission) Cancel(ctx context.Context, jobID, accountID uuid.UUID) (*models.Job, error) {
	j, err := a.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.AccountID != accountID {
		return nil, ErrNotOwner
	}

	prev, applied, err := a.store.CancelJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("cancelling job: %w", err)
	}
	if applied {
		if reservedAtOrAfterDispatch(prev) {
			_ = a.store.ReleaseCredits(ctx, j.AccountID, j.EstimatedCredits)
		}
		_ = a.cache.SetJobStatus(ctx, jobID, models.JobCancelled, statusCacheTTL)
		a.notifier.Send(models.EventJobStatusChanged, models.JobEvent{
			JobID: jobID, Status: models.JobCancelled, At: time.Now().UTC(),
		}, j.AccountID)
	}

	return a.store.GetJob(ctx, jobID)
}

// reservedAtOrAfterDispatch reports whether a job in the given status holds a
// credit reservation that must be released on cancellation.
func reservedAtOrAfterDispatch(s models.JobStatus) bool {
	switch s {
	case models.JobSubmitted, models.JobProcessing, models.JobPendingOutput, models.JobGeneratingOutput:
		return true
	}
	return false
}
