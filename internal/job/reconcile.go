package job

import (
	"context"
	"log/slog"
	"time"

	"github.com/promptbatch/promptbatch/internal/queue"
)

const (
	stuckTaskBatch  = 256
	stalledJobBatch = 64
)

// Reconciler is the safety net for lost messages and lost counter updates:
// on a fixed interval it republishes tasks that have sat in submitted past
// the grace window, reclaims stream entries whose consumer died before
// acknowledging, and resyncs processing jobs whose tasks have all settled
// but whose counters never caught up. Together with idempotent handlers
// this keeps delivery at-least-once without ever wedging a job.
type Reconciler struct {
	store      Store
	broker     queue.Broker
	queues     QueueSource
	handlers   *PoolManager
	aggregator *Aggregator
	interval   time.Duration
	grace      time.Duration
}

// QueueSource lists every queue the reconciler should sweep.
type QueueSource interface {
	QueueNames() []string
}

func NewReconciler(s Store, broker queue.Broker, queues QueueSource, handlers *PoolManager, agg *Aggregator, interval, grace time.Duration) *Reconciler {
	return &Reconciler{store: s, broker: broker, queues: queues, handlers: handlers, aggregator: agg, interval: interval, grace: grace}
}

// Run blocks until ctx is cancelled, sweeping once per interval.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one reconciliation pass.
func (r *Reconciler) Sweep(ctx context.Context) {
	r.republishStuck(ctx)
	r.reclaim(ctx)
	r.resyncStalled(ctx)
}

// resyncStalled heals processing jobs whose tasks have all settled but which
// never finalized, typically because a progress increment failed after the
// task's terminal write and the redelivery found the task already settled.
func (r *Reconciler) resyncStalled(ctx context.Context) {
	ids, err := r.store.ListStalledJobs(ctx, r.grace, stalledJobBatch)
	if err != nil {
		slog.Error("listing stalled jobs", "error", err)
		return
	}
	for _, id := range ids {
		if err := r.aggregator.Resync(ctx, id); err != nil {
			slog.Warn("resyncing stalled job", "job_id", id, "error", err)
			continue
		}
		slog.Info("resynced stalled job", "job_id", id)
	}
}

// republishStuck pushes submitted-but-unclaimed tasks back onto their queue.
// The queue name stored on the task row is authoritative, so tasks keep their
// original routing even after a registry refresh.
func (r *Reconciler) republishStuck(ctx context.Context) {
	tasks, err := r.store.ListStuckTasks(ctx, r.grace, stuckTaskBatch)
	if err != nil {
		slog.Error("listing stuck tasks", "error", err)
		return
	}
	for _, t := range tasks {
		if err := r.broker.Publish(ctx, t.QueueName, t.ID.String()); err != nil {
			slog.Warn("republishing stuck task", "task_id", t.ID, "queue", t.QueueName, "error", err)
			continue
		}
		slog.Info("republished stuck task", "task_id", t.ID, "queue", t.QueueName)
	}
}

func (r *Reconciler) reclaim(ctx context.Context) {
	names := append([]string{queue.ValidationQueue}, r.queues.QueueNames()...)
	for _, name := range names {
		h, ok := r.handlers.Handler(name)
		if !ok {
			continue
		}
		n, err := r.broker.ReclaimStale(ctx, name, "reconciler", r.grace, h)
		if err != nil {
			slog.Warn("reclaiming stale messages", "queue", name, "error", err)
			continue
		}
		if n > 0 {
			slog.Info("reclaimed stale messages", "queue", name, "count", n)
		}
	}
}
