package job_test

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/promptbatch/promptbatch/internal/job"
	"github.com/promptbatch/promptbatch/internal/queue"
	"github.com/promptbatch/promptbatch/internal/store"
	"github.com/promptbatch/promptbatch/pkg/models"
)

// memStore is an in-memory job.Store with the same conditional-write
// semantics as PostgresStore: transitions and counter increments are guarded
// by status checks under one lock.
type memStore struct {
	mu sync.Mutex

	jobs     map[uuid.UUID]*models.Job
	tasks    map[uuid.UUID]*models.JobTask
	files    map[uuid.UUID]*models.File
	records  map[uuid.UUID]*models.FileRecord
	prompts  map[uuid.UUID]*models.Prompt
	balance  int64
	reserved int64

	reserveErr     error
	createTasksErr error
	outputRowsErr  error
	incrementErr   error // consumed by the next IncrementJobProgress call
}

func newMemStore() *memStore {
	return &memStore{
		jobs:    make(map[uuid.UUID]*models.Job),
		tasks:   make(map[uuid.UUID]*models.JobTask),
		files:   make(map[uuid.UUID]*models.File),
		records: make(map[uuid.UUID]*models.FileRecord),
		prompts: make(map[uuid.UUID]*models.Prompt),
		balance: 1_000_000,
	}
}

var _ job.Store = (*memStore)(nil)

func (m *memStore) CreateJob(_ context.Context, j *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *j
	m.jobs[j.ID] = &cp
	return nil
}

func (m *memStore) GetJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *memStore) TransitionJob(_ context.Context, id uuid.UUID, from, to models.JobStatus, opts ...store.JobUpdateOption) (bool, error) {
	if !from.CanTransitionTo(to) {
		return false, store.ErrInvalidTransition
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != from {
		return false, nil
	}
	j.Status = to
	u := store.ApplyJobOptions(opts...)
	if u.ErrorMessage != nil {
		j.ErrorMessage = u.ErrorMessage
	}
	if u.EstimatedCredits != nil {
		j.EstimatedCredits = *u.EstimatedCredits
	}
	if u.TaskCount != nil {
		j.TaskCount = *u.TaskCount
	}
	if u.ResultPath != nil {
		j.ResultPath = u.ResultPath
	}
	j.Version++
	j.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *memStore) CancelJob(_ context.Context, id uuid.UUID) (models.JobStatus, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return "", false, store.ErrNotFound
	}
	prev := j.Status
	if prev.Terminal() {
		return prev, false, nil
	}
	j.Status = models.JobCancelled
	j.Version++
	return prev, true, nil
}

func (m *memStore) ForceFailJob(_ context.Context, id uuid.UUID, msg string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status.Terminal() {
		return false, nil
	}
	j.Status = models.JobFailed
	j.ErrorMessage = &msg
	j.Version++
	return true, nil
}

func (m *memStore) IncrementJobProgress(_ context.Context, jobID uuid.UUID, failed bool) (store.JobProgress, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.incrementErr; err != nil {
		m.incrementErr = nil
		return store.JobProgress{}, false, err
	}
	j, ok := m.jobs[jobID]
	if !ok || j.Status != models.JobProcessing || j.CompletedTaskCount >= j.TaskCount {
		return store.JobProgress{}, false, nil
	}
	j.CompletedTaskCount++
	if failed {
		j.FailedTaskCount++
	}
	return store.JobProgress{
		TaskCount: j.TaskCount,
		Completed: j.CompletedTaskCount,
		Failed:    j.FailedTaskCount,
	}, true, nil
}

func (m *memStore) ListStalledJobs(_ context.Context, olderThan time.Duration, limit int) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().UTC().Add(-olderThan)
	var ids []uuid.UUID
	for id, j := range m.jobs {
		if j.Status != models.JobProcessing || j.UpdatedAt.After(cutoff) {
			continue
		}
		settled := 0
		for _, t := range m.tasks {
			if t.JobID == id && t.Status.Terminal() {
				settled++
			}
		}
		if settled == j.TaskCount {
			ids = append(ids, id)
		}
		if len(ids) == limit {
			break
		}
	}
	return ids, nil
}

func (m *memStore) RepairJobProgress(_ context.Context, jobID uuid.UUID) (store.JobProgress, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok || j.Status != models.JobProcessing {
		return store.JobProgress{}, false, nil
	}
	settled, failed := 0, 0
	for _, t := range m.tasks {
		if t.JobID != jobID || !t.Status.Terminal() {
			continue
		}
		settled++
		if t.Status == models.TaskFailed {
			failed++
		}
	}
	j.CompletedTaskCount = settled
	j.FailedTaskCount = failed
	j.Version++
	j.UpdatedAt = time.Now().UTC()
	return store.JobProgress{
		TaskCount: j.TaskCount,
		Completed: j.CompletedTaskCount,
		Failed:    j.FailedTaskCount,
	}, true, nil
}

func (m *memStore) CreateTasks(_ context.Context, tasks []*models.JobTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createTasksErr != nil {
		return m.createTasksErr
	}
	for _, t := range tasks {
		cp := *t
		m.tasks[t.ID] = &cp
	}
	return nil
}

func (m *memStore) GetTask(_ context.Context, id uuid.UUID) (*models.JobTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *memStore) StartTask(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || t.Status != models.TaskSubmitted {
		return false, nil
	}
	now := time.Now().UTC()
	t.Status = models.TaskProcessing
	t.BeginAt = &now
	return true, nil
}

func (m *memStore) FinishTask(_ context.Context, id uuid.UUID, status models.TaskStatus, response, errMsg *string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || t.Status != models.TaskProcessing {
		return false, nil
	}
	now := time.Now().UTC()
	t.Status = status
	t.Response = response
	t.ErrorMessage = errMsg
	t.EndAt = &now
	return true, nil
}

func (m *memStore) ListStuckTasks(_ context.Context, olderThan time.Duration, limit int) ([]*models.JobTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().UTC().Add(-olderThan)
	var out []*models.JobTask
	for _, t := range m.tasks {
		if t.Status == models.TaskSubmitted && t.CreatedAt.Before(cutoff) {
			cp := *t
			out = append(out, &cp)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) ListOutputRows(_ context.Context, jobID uuid.UUID) ([]store.OutputRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outputRowsErr != nil {
		return nil, m.outputRowsErr
	}
	var out []store.OutputRow
	for _, t := range m.tasks {
		if t.JobID != jobID || !t.Status.Terminal() {
			continue
		}
		rec := m.records[t.RecordID]
		row := store.OutputRow{Task: *t}
		if rec != nil {
			row.Position = rec.Position
			row.Fields = rec.Fields
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (m *memStore) GetFile(_ context.Context, id uuid.UUID) (*models.File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *f
	return &cp, nil
}

func (m *memStore) GetDeclaredFields(_ context.Context, fileID uuid.UUID) ([]string, error) {
	f, err := m.GetFile(context.Background(), fileID)
	if err != nil {
		return nil, err
	}
	return f.DeclaredFields, nil
}

func (m *memStore) GetFileRecords(_ context.Context, fileID uuid.UUID) ([]*models.FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.FileRecord
	for _, r := range m.records {
		if r.FileID == fileID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (m *memStore) GetFileRecord(_ context.Context, id uuid.UUID) (*models.FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memStore) GetPrompt(_ context.Context, id uuid.UUID) (*models.Prompt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.prompts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memStore) ReserveCredits(_ context.Context, _ uuid.UUID, amount int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reserveErr != nil {
		return false, m.reserveErr
	}
	if m.balance-m.reserved < amount {
		return false, nil
	}
	m.reserved += amount
	return true, nil
}

func (m *memStore) SettleCredits(_ context.Context, _ uuid.UUID, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balance -= amount
	m.reserved -= amount
	return nil
}

func (m *memStore) ReleaseCredits(_ context.Context, _ uuid.UUID, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reserved -= amount
	return nil
}

// seedFile adds a file plus count records, every record carrying the same
// field map, and returns the file ID.
func (m *memStore) seedFile(accountID uuid.UUID, declared []string, rows []map[string]string) uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	fileID := uuid.New()
	m.files[fileID] = &models.File{
		ID:             fileID,
		AccountID:      accountID,
		Name:           "dataset.csv",
		DeclaredFields: declared,
		RecordCount:    len(rows),
	}
	for i, fields := range rows {
		id := uuid.New()
		m.records[id] = &models.FileRecord{ID: id, FileID: fileID, Position: i + 1, Fields: fields}
	}
	return fileID
}

func (m *memStore) seedPrompt(accountID uuid.UUID, template string) uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New()
	m.prompts[id] = &models.Prompt{ID: id, AccountID: accountID, Name: "test prompt", Template: template}
	return id
}

func (m *memStore) taskIDs(jobID uuid.UUID) []uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []uuid.UUID
	for _, t := range m.tasks {
		if t.JobID == jobID {
			ids = append(ids, t.ID)
		}
	}
	return ids
}

// fakeBroker records published payloads per queue.
type fakeBroker struct {
	mu         sync.Mutex
	published  map[string][]string
	publishErr error
}

var _ queue.Broker = (*fakeBroker)(nil)

func newFakeBroker() *fakeBroker {
	return &fakeBroker{published: make(map[string][]string)}
}

func (b *fakeBroker) EnsureQueue(context.Context, string) error { return nil }

func (b *fakeBroker) Publish(_ context.Context, name, payload string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishErr != nil {
		return b.publishErr
	}
	b.published[name] = append(b.published[name], payload)
	return nil
}

func (b *fakeBroker) Consume(ctx context.Context, _, _ string, _ queue.Handler) error {
	<-ctx.Done()
	return ctx.Err()
}

func (b *fakeBroker) ReclaimStale(context.Context, string, string, time.Duration, queue.Handler) (int, error) {
	return 0, nil
}

func (b *fakeBroker) Ping(context.Context) error { return nil }

func (b *fakeBroker) messages(queueName string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.published[queueName]...)
}

// fakeRegistry serves a fixed provider table.
type fakeRegistry struct {
	entries map[string]models.ModelProvider
}

func newFakeRegistry(entries ...models.ModelProvider) *fakeRegistry {
	r := &fakeRegistry{entries: make(map[string]models.ModelProvider)}
	for _, e := range entries {
		r.entries[e.Name] = e
	}
	return r
}

func (r *fakeRegistry) Resolve(name string) (models.ModelProvider, bool) {
	e, ok := r.entries[name]
	return e, ok
}

func (r *fakeRegistry) QueueNames() []string {
	var names []string
	for _, e := range r.entries {
		names = append(names, e.QueueName)
	}
	return names
}

// fakeCache is an in-memory job.StatusCache.
type fakeCache struct {
	mu       sync.Mutex
	statuses map[uuid.UUID]models.JobStatus
}

func newFakeCache() *fakeCache {
	return &fakeCache{statuses: make(map[uuid.UUID]models.JobStatus)}
}

func (c *fakeCache) SetJobStatus(_ context.Context, jobID uuid.UUID, status models.JobStatus, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses[jobID] = status
	return nil
}

func (c *fakeCache) GetJobStatus(_ context.Context, jobID uuid.UUID) (models.JobStatus, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	status, ok := c.statuses[jobID]
	return status, ok, nil
}

// fakeNotifier captures sent events.
type fakeNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *fakeNotifier) Send(eventType string, _ any, _ uuid.UUID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, eventType)
}

func (n *fakeNotifier) count(eventType string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, e := range n.events {
		if e == eventType {
			c++
		}
	}
	return c
}
