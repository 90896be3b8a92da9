package job

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/promptbatch/promptbatch/internal/queue"
)

// PoolManager runs a fixed-size consumer pool per queue. Queues can be added
// while the pool is live, which is how a registry refresh brings a new
// model's queue online; running consumers are never stopped, so in-flight
// work on a queue that lost its model drains normally.
type PoolManager struct {
	broker   queue.Broker
	perQueue int

	mu       sync.Mutex
	handlers map[string]queue.Handler
	wg       sync.WaitGroup
}

func NewPoolManager(broker queue.Broker, perQueue int) *PoolManager {
	if perQueue <= 0 {
		perQueue = 1
	}
	return &PoolManager{
		broker:   broker,
		perQueue: perQueue,
		handlers: make(map[string]queue.Handler),
	}
}

// Ensure declares the queue and starts its consumers if this is the first
// time the queue is seen. Subsequent calls for the same name are no-ops.
func (p *PoolManager) Ensure(ctx context.Context, name string, h queue.Handler) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, running := p.handlers[name]; running {
		return nil
	}

	if err := p.broker.EnsureQueue(ctx, name); err != nil {
		return fmt.Errorf("ensuring queue %q: %w", name, err)
	}
	p.handlers[name] = h

	for i := 0; i < p.perQueue; i++ {
		consumer := fmt.Sprintf("%s-%d", name, i)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			if err := p.broker.Consume(ctx, name, consumer, h); err != nil && ctx.Err() == nil {
				slog.Error("consumer exited", "queue", name, "consumer", consumer, "error", err)
			}
		}()
	}
	slog.Info("started queue consumers", "queue", name, "count", p.perQueue)
	return nil
}

// Handler returns the handler registered for a queue, if any.
func (p *PoolManager) Handler(name string) (queue.Handler, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.handlers[name]
	return h, ok
}

// Wait blocks until every consumer goroutine has returned. Callers cancel
// the context passed to Ensure first.
func (p *PoolManager) Wait() {
	p.wg.Wait()
}
