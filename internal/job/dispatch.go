package job

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/promptbatch/promptbatch/internal/notify"
	"github.com/promptbatch/promptbatch/internal/queue"
	"github.com/promptbatch/promptbatch/internal/store"
	"github.com/promptbatch/promptbatch/pkg/models"
)

// Dispatcher turns a validated job into per-record tasks: it reserves the
// estimated credits, writes one task per file record with the model's queue
// name captured on the row, and publishes the task IDs. Once a task row
// exists its routing never changes, even if the registry is refreshed.
type Dispatcher struct {
	store    Store
	registry Registry
	broker   queue.Broker
	cache    StatusCache
	notifier notify.Notifier
}

func NewDispatcher(s Store, reg Registry, broker queue.Broker, cache StatusCache, notifier notify.Notifier) *Dispatcher {
	if cache == nil {
		cache = noopCache{}
	}
	if notifier == nil {
		notifier = notify.LogNotifier{}
	}
	return &Dispatcher{store: s, registry: reg, broker: broker, cache: cache, notifier: notifier}
}

// Dispatch moves a validated job through credit reservation into processing.
// It is idempotent: a job that already left validated is a no-op. A denied
// reservation parks the job in insufficient_credits with zero tasks created.
func (d *Dispatcher) Dispatch(ctx context.Context, jobID uuid.UUID) error {
	j, err := d.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if j.Status != models.JobValidated {
		return nil
	}

	ok, err := d.store.ReserveCredits(ctx, j.AccountID, j.EstimatedCredits)
	if err != nil {
		return fmt.Errorf("reserving credits: %w", err)
	}
	if !ok {
		applied, err := d.store.TransitionJob(ctx, jobID, models.JobValidated, models.JobInsufficientCredits,
			store.WithErrorMessage(fmt.Sprintf("account balance cannot cover %d credits", j.EstimatedCredits)))
		if err != nil {
			return err
		}
		if applied {
			d.announce(ctx, j, models.JobInsufficientCredits)
		}
		return nil
	}

	entry, found := d.registry.Resolve(j.Model)
	if !found {
		_ = d.store.ReleaseCredits(ctx, j.AccountID, j.EstimatedCredits)
		_, _ = d.store.ForceFailJob(ctx, jobID, fmt.Sprintf("model %q left the registry before dispatch", j.Model))
		d.announce(ctx, j, models.JobFailed)
		return nil
	}

	records, err := d.store.GetFileRecords(ctx, j.FileID)
	if err != nil {
		return fmt.Errorf("loading file records: %w", err)
	}

	now := time.Now().UTC()
	tasks := make([]*models.JobTask, 0, len(records))
	for _, rec := range records {
		tasks = append(tasks, &models.JobTask{
			ID:        uuid.New(),
			JobID:     j.ID,
			RecordID:  rec.ID,
			Model:     j.Model,
			QueueName: entry.QueueName,
			Status:    models.TaskSubmitted,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}

	applied, err := d.store.TransitionJob(ctx, jobID, models.JobValidated, models.JobSubmitted,
		store.WithTaskCount(len(tasks)))
	if err != nil {
		return err
	}
	if !applied {
		// Another dispatcher won the race; it owns the reservation too.
		_ = d.store.ReleaseCredits(ctx, j.AccountID, j.EstimatedCredits)
		return nil
	}
	d.announce(ctx, j, models.JobSubmitted)

	if err := d.store.CreateTasks(ctx, tasks); err != nil {
		_ = d.store.ReleaseCredits(ctx, j.AccountID, j.EstimatedCredits)
		_, _ = d.store.ForceFailJob(ctx, jobID, fmt.Sprintf("creating tasks: %v", err))
		d.announce(ctx, j, models.JobFailed)
		return nil
	}

	applied, err = d.store.TransitionJob(ctx, jobID, models.JobSubmitted, models.JobProcessing)
	if err != nil {
		return err
	}
	if applied {
		d.announce(ctx, j, models.JobProcessing)
	}

	// Publish failures are tolerated here: the task rows are durable and the
	// reconciler republishes anything still sitting in submitted.
	for _, t := range tasks {
		if err := d.broker.Publish(ctx, t.QueueName, t.ID.String()); err != nil {
			slog.Warn("publishing task", "task_id", t.ID, "queue", t.QueueName, "error", err)
		}
	}
	return nil
}

func (d *Dispatcher) announce(ctx context.Context, j *models.Job, status models.JobStatus) {
	_ = d.cache.SetJobStatus(ctx, j.ID, status, statusCacheTTL)
	d.notifier.Send(models.EventJobStatusChanged, models.JobEvent{
		JobID: j.ID, Status: status, TaskCount: j.TaskCount, At: time.Now().UTC(),
	}, j.AccountID)
}
