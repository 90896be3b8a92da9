package job

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/promptbatch/promptbatch/internal/notify"
	"github.com/promptbatch/promptbatch/internal/store"
	"github.com/promptbatch/promptbatch/pkg/models"
)

// OutputBuilder renders a finished job's rows into a result artifact and
// returns its path.
type OutputBuilder interface {
	Build(ctx context.Context, j *models.Job, rows []store.OutputRow) (string, error)
}

// Aggregator advances job progress as tasks settle and resolves the terminal
// state once the last task lands. Counter movement is a single conditional
// database statement, so N workers finishing concurrently still produce
// exactly N increments, and only one of them wins the transition out of
// processing.
type Aggregator struct {
	store    Store
	output   OutputBuilder
	cache    StatusCache
	notifier notify.Notifier
}

func NewAggregator(s Store, output OutputBuilder, cache StatusCache, notifier notify.Notifier) *Aggregator {
	if cache == nil {
		cache = noopCache{}
	}
	if notifier == nil {
		notifier = notify.LogNotifier{}
	}
	return &Aggregator{store: s, output: output, cache: cache, notifier: notifier}
}

// TaskFinished records one settled task. Increments that find the job outside
// processing or already fully counted are discarded; redelivered results
// never inflate the counters past task_count.
func (a *Aggregator) TaskFinished(ctx context.Context, jobID uuid.UUID, failed bool) error {
	progress, applied, err := a.store.IncrementJobProgress(ctx, jobID, failed)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}

	j, err := a.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	a.notifier.Send(models.EventJobProgress, models.JobEvent{
		JobID:              jobID,
		Status:             j.Status,
		TaskCount:          progress.TaskCount,
		CompletedTaskCount: progress.Completed,
		FailedTaskCount:    progress.Failed,
		At:                 time.Now().UTC(),
	}, j.AccountID)

	if progress.Completed < progress.TaskCount {
		return nil
	}
	return a.finalize(ctx, j, progress)
}

// Resync realigns a processing job's counters with its tasks' terminal
// statuses and finalizes the job when every task has settled. It heals jobs
// whose increment was lost after a task's terminal write, or whose finalizer
// died before moving the job out of processing.
func (a *Aggregator) Resync(ctx context.Context, jobID uuid.UUID) error {
	progress, applied, err := a.store.RepairJobProgress(ctx, jobID)
	if err != nil {
		return err
	}
	if !applied || progress.Completed < progress.TaskCount {
		return nil
	}
	j, err := a.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	return a.finalize(ctx, j, progress)
}

// finalize runs once per job: the processing to pending_output transition is
// a compare-and-swap, and whichever caller loses it walks away.
func (a *Aggregator) finalize(ctx context.Context, j *models.Job, progress store.JobProgress) error {
	applied, err := a.store.TransitionJob(ctx, j.ID, models.JobProcessing, models.JobPendingOutput)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}
	a.announce(ctx, j, models.JobPendingOutput, progress)

	if _, err := a.store.TransitionJob(ctx, j.ID, models.JobPendingOutput, models.JobGeneratingOutput); err != nil {
		return err
	}
	a.announce(ctx, j, models.JobGeneratingOutput, progress)

	rows, err := a.store.ListOutputRows(ctx, j.ID)
	if err != nil {
		return a.failOutput(ctx, j, progress, fmt.Errorf("collecting output rows: %w", err))
	}
	resultPath, err := a.output.Build(ctx, j, rows)
	if err != nil {
		return a.failOutput(ctx, j, progress, fmt.Errorf("building result file: %w", err))
	}

	terminal := models.JobCompleted
	opts := []store.JobUpdateOption{store.WithResultPath(resultPath)}
	switch {
	case progress.Failed == progress.TaskCount:
		terminal = models.JobFailed
		opts = append(opts, store.WithErrorMessage("all tasks failed"))
	case progress.Failed > 0:
		terminal = models.JobCompletedWithErrors
		opts = append(opts, store.WithErrorMessage(fmt.Sprintf("%d of %d tasks failed", progress.Failed, progress.TaskCount)))
	}

	applied, err = a.store.TransitionJob(ctx, j.ID, models.JobGeneratingOutput, terminal, opts...)
	if err != nil {
		return err
	}
	if applied {
		a.settle(ctx, j, progress)
		a.announce(ctx, j, terminal, progress)
	}
	return nil
}

// settle converts the dispatch-time reservation into real spend. Successful
// tasks are charged their per-record share; the rest of the reservation is
// released back to the account.
func (a *Aggregator) settle(ctx context.Context, j *models.Job, progress store.JobProgress) {
	if progress.TaskCount == 0 || j.EstimatedCredits == 0 {
		return
	}
	perRecord := j.EstimatedCredits / int64(progress.TaskCount)
	succeeded := int64(progress.TaskCount - progress.Failed)
	charge := perRecord * succeeded
	if charge > 0 {
		_ = a.store.SettleCredits(ctx, j.AccountID, charge)
	}
	if remainder := j.EstimatedCredits - charge; remainder > 0 {
		_ = a.store.ReleaseCredits(ctx, j.AccountID, remainder)
	}
}

func (a *Aggregator) failOutput(ctx context.Context, j *models.Job, progress store.JobProgress, cause error) error {
	applied, err := a.store.ForceFailJob(ctx, j.ID, cause.Error())
	if err != nil {
		return err
	}
	if applied {
		_ = a.store.ReleaseCredits(ctx, j.AccountID, j.EstimatedCredits)
		a.announce(ctx, j, models.JobFailed, progress)
	}
	return nil
}

func (a *Aggregator) announce(ctx context.Context, j *models.Job, status models.JobStatus, progress store.JobProgress) {
	_ = a.cache.SetJobStatus(ctx, j.ID, status, statusCacheTTL)
	a.notifier.Send(models.EventJobStatusChanged, models.JobEvent{
		JobID:              j.ID,
		Status:             status,
		TaskCount:          progress.TaskCount,
		CompletedTaskCount: progress.Completed,
		FailedTaskCount:    progress.Failed,
		At:                 time.Now().UTC(),
	}, j.AccountID)
}
