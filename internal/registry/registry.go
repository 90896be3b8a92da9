// Package registry resolves model names to their queue and LLM backend.
package registry

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/promptbatch/promptbatch/pkg/models"
)

// Source loads model provider rows, typically from the store.
type Source interface {
	ListModelProviders(ctx context.Context) ([]*models.ModelProvider, error)
}

// Registry is a read-mostly map of model name -> provider entry. Lookups are
// lock-free against a copy-on-write snapshot, so a concurrent Refresh never
// blocks or tears a reader. Refresh replaces the mapping wholesale; queues
// referenced by in-flight tasks are unaffected because tasks capture their
// queue name at dispatch time.
type Registry struct {
	source   Source
	snapshot atomic.Pointer[map[string]models.ModelProvider]
}

// New creates an empty registry. Call Refresh before first use.
func New(source Source) *Registry {
	r := &Registry{source: source}
	empty := map[string]models.ModelProvider{}
	r.snapshot.Store(&empty)
	return r
}

// Refresh reloads provider rows and swaps in a new snapshot.
// Safe to call concurrently with Resolve.
func (r *Registry) Refresh(ctx context.Context) error {
	providers, err := r.source.ListModelProviders(ctx)
	if err != nil {
		return fmt.Errorf("refresh model registry: %w", err)
	}

	next := make(map[string]models.ModelProvider, len(providers))
	for _, p := range providers {
		next[p.Name] = *p
	}
	r.snapshot.Store(&next)
	return nil
}

// Resolve returns the registry entry for a model name. Disabled models are
// returned with Enabled=false; callers decide whether that matters (admission
// rejects them, task workers do not).
func (r *Registry) Resolve(name string) (models.ModelProvider, bool) {
	m := *r.snapshot.Load()
	p, ok := m[name]
	return p, ok
}

// QueueNames returns the queue of every known model, enabled or not.
// Disabled models keep their queues because queued tasks still reference them.
func (r *Registry) QueueNames() []string {
	m := *r.snapshot.Load()
	seen := make(map[string]struct{}, len(m))
	var names []string
	for _, p := range m {
		if _, ok := seen[p.QueueName]; ok {
			continue
		}
		seen[p.QueueName] = struct{}{}
		names = append(names, p.QueueName)
	}
	return names
}
