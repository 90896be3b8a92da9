package job

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/promptbatch/promptbatch/internal/notify"
	"github.com/promptbatch/promptbatch/pkg/models"
	"github.com/promptbatch/promptbatch/pkg/prompt"
)

// Worker executes individual tasks pulled from a model queue: it renders the
// prompt against the task's record, invokes the LLM backend under a bounded
// timeout, and records the terminal result exactly once. Messages are
// redelivered at-least-once, so every step re-checks authoritative state.
type Worker struct {
	store      Store
	registry   Registry
	providers  map[string]models.LLMProvider
	aggregator *Aggregator
	cache      StatusCache
	notifier   notify.Notifier
	timeout    time.Duration
}

func NewWorker(s Store, reg Registry, providers map[string]models.LLMProvider, agg *Aggregator, cache StatusCache, notifier notify.Notifier, timeout time.Duration) *Worker {
	if cache == nil {
		cache = noopCache{}
	}
	if notifier == nil {
		notifier = notify.LogNotifier{}
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Worker{store: s, registry: reg, providers: providers, aggregator: agg, cache: cache, notifier: notifier, timeout: timeout}
}

// Handle is the queue.Handler for task messages. Returning nil acknowledges
// the message; an error leaves it pending for redelivery.
func (w *Worker) Handle(ctx context.Context, payload string) error {
	taskID, err := uuid.Parse(payload)
	if err != nil {
		slog.Warn("discarding unparseable task message", "payload", payload)
		return nil
	}

	t, err := w.store.GetTask(ctx, taskID)
	if err != nil {
		slog.Warn("task message for missing task", "task_id", taskID)
		return nil
	}
	if t.Status.Terminal() {
		return nil
	}

	// Terminal statuses never revert, so a cached terminal status lets a
	// backlog of tasks for a dead job drain without touching the job row.
	if cached, ok, _ := w.cache.GetJobStatus(ctx, t.JobID); ok && cached.Terminal() {
		return nil
	}

	j, err := w.store.GetJob(ctx, t.JobID)
	if err != nil || j.Status.Terminal() {
		// Cancelled or failed jobs drop their in-flight work silently.
		return nil
	}

	started, err := w.store.StartTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !started {
		// Redelivery after a worker crash leaves the task in processing;
		// take it over. Anything else is already settled.
		t, err = w.store.GetTask(ctx, taskID)
		if err != nil || t.Status != models.TaskProcessing {
			return nil
		}
	}

	response, execErr := w.execute(ctx, j, t)

	// A job cancelled mid-inference wins over the result: discard without a
	// terminal write so no counters move on a dead job.
	j, err = w.store.GetJob(ctx, t.JobID)
	if err != nil || j.Status.Terminal() {
		return nil
	}

	var (
		status  = models.TaskCompleted
		respPtr *string
		errPtr  *string
	)
	if execErr != nil {
		status = models.TaskFailed
		msg := execErr.Error()
		errPtr = &msg
	} else {
		respPtr = &response
	}

	applied, err := w.store.FinishTask(ctx, taskID, status, respPtr, errPtr)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}

	w.notifier.Send(models.EventTaskStatusChanged, models.TaskEvent{
		JobID: t.JobID, TaskID: taskID, Status: status, At: time.Now().UTC(),
	}, j.AccountID)

	return w.aggregator.TaskFinished(ctx, t.JobID, status == models.TaskFailed)
}

func (w *Worker) execute(ctx context.Context, j *models.Job, t *models.JobTask) (string, error) {
	rec, err := w.store.GetFileRecord(ctx, t.RecordID)
	if err != nil {
		return "", fmt.Errorf("loading record: %w", err)
	}
	p, err := w.store.GetPrompt(ctx, j.PromptID)
	if err != nil {
		return "", fmt.Errorf("loading prompt: %w", err)
	}

	rendered, err := prompt.Render(p.Template, rec.Fields)
	if err != nil {
		return "", fmt.Errorf("rendering prompt: %w", err)
	}

	entry, found := w.registry.Resolve(t.Model)
	if !found {
		return "", fmt.Errorf("model %q is no longer registered", t.Model)
	}
	provider, ok := w.providers[entry.Provider]
	if !ok {
		return "", fmt.Errorf("no client configured for provider %q", entry.Provider)
	}

	invokeCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	return provider.Generate(invokeCtx, t.Model, rendered)
}
