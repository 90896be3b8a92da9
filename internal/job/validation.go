package job

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/promptbatch/promptbatch/internal/notify"
	"github.com/promptbatch/promptbatch/internal/store"
	"github.com/promptbatch/promptbatch/pkg/models"
	"github.com/promptbatch/promptbatch/pkg/prompt"
)

// Validator consumes the validation queue. It checks structural compatibility
// between the prompt's placeholders and the file's declared fields, estimates
// the credit cost, and hands validated jobs to the dispatcher. Every path out
// of validating is terminal-or-forward: a job is never left stuck there.
type Validator struct {
	store      Store
	registry   Registry
	dispatcher *Dispatcher
	cache      StatusCache
	notifier   notify.Notifier
}

func NewValidator(s Store, reg Registry, d *Dispatcher, cache StatusCache, notifier notify.Notifier) *Validator {
	if cache == nil {
		cache = noopCache{}
	}
	if notifier == nil {
		notifier = notify.LogNotifier{}
	}
	return &Validator{store: s, registry: reg, dispatcher: d, cache: cache, notifier: notifier}
}

// Handle is the queue.Handler for validation messages. The payload is a job
// UUID; authoritative state is re-fetched from the store. Redelivery of an
// already-progressed job is acknowledged as a no-op.
func (v *Validator) Handle(ctx context.Context, payload string) error {
	jobID, err := uuid.Parse(payload)
	if err != nil {
		slog.Warn("discarding unparseable validation message", "payload", payload)
		return nil
	}

	j, err := v.store.GetJob(ctx, jobID)
	if err != nil {
		// Job gone; nothing to validate.
		slog.Warn("validation message for missing job", "job_id", jobID)
		return nil
	}
	if j.Status != models.JobPendingValidation {
		return nil
	}

	applied, err := v.store.TransitionJob(ctx, jobID, models.JobPendingValidation, models.JobValidating)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}

	estimate, failMsg := v.validate(ctx, j)
	if failMsg != "" {
		return v.fail(ctx, j, failMsg)
	}

	applied, err = v.store.TransitionJob(ctx, jobID, models.JobValidating, models.JobValidated,
		store.WithEstimatedCredits(estimate))
	if err != nil || !applied {
		return err
	}
	v.announce(ctx, j, models.JobValidated)

	// Validated jobs move straight into credit admission and dispatch.
	return v.dispatcher.Dispatch(ctx, jobID)
}

// validate runs the structural checks. It returns either a credit estimate or
// a human-readable failure message; internal errors map to failure messages
// so the job can never wedge in validating.
func (v *Validator) validate(ctx context.Context, j *models.Job) (int64, string) {
	p, err := v.store.GetPrompt(ctx, j.PromptID)
	if err != nil {
		return 0, fmt.Sprintf("loading prompt: %v", err)
	}

	declared, err := v.store.GetDeclaredFields(ctx, j.FileID)
	if err != nil {
		return 0, fmt.Sprintf("loading file fields: %v", err)
	}

	placeholders := prompt.Placeholders(p.Template)
	if len(placeholders) == 0 {
		return 0, "prompt template references no placeholder fields"
	}

	declaredSet := make(map[string]struct{}, len(declared))
	for _, f := range declared {
		declaredSet[f] = struct{}{}
	}
	for _, name := range placeholders {
		if _, ok := declaredSet[name]; !ok {
			return 0, fmt.Sprintf("placeholder %q has no matching field in the file", name)
		}
	}

	file, err := v.store.GetFile(ctx, j.FileID)
	if err != nil {
		return 0, fmt.Sprintf("loading file: %v", err)
	}
	if file.RecordCount == 0 {
		return 0, "file has no usable records"
	}

	costPerRecord := int64(1)
	if entry, ok := v.registry.Resolve(j.Model); ok {
		costPerRecord = entry.CostPerRecord
	}
	return int64(file.RecordCount) * costPerRecord, ""
}

func (v *Validator) fail(ctx context.Context, j *models.Job, msg string) error {
	applied, err := v.store.TransitionJob(ctx, j.ID, models.JobValidating, models.JobValidationFailed,
		store.WithErrorMessage(msg))
	if err != nil {
		return err
	}
	if applied {
		slog.Info("job validation failed", "job_id", j.ID, "reason", msg)
		v.announce(ctx, j, models.JobValidationFailed)
	}
	return nil
}

func (v *Validator) announce(ctx context.Context, j *models.Job, status models.JobStatus) {
	_ = v.cache.SetJobStatus(ctx, j.ID, status, statusCacheTTL)
	v.notifier.Send(models.EventJobStatusChanged, models.JobEvent{
		JobID: j.ID, Status: status, At: time.Now().UTC(),
	}, j.AccountID)
}
