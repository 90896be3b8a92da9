package store_test

import (
	"context"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/promptbatch/promptbatch/internal/store"
	"github.com/promptbatch/promptbatch/pkg/models"
)

// migrationsDir returns the absolute path to the migrations directory.
func migrationsDir() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..", "migrations")
}

// setupTestDB spins up a Postgres container, runs migrations, and returns a pool + cleanup.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("promptbatch_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	err = store.RunMigrations(connStr, migrationsDir())
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	return pool
}

// defaultAccountID returns the UUID of the seeded default account.
func defaultAccountID(t *testing.T, s store.Store) uuid.UUID {
	t.Helper()
	account, err := s.GetDefaultAccount(context.Background())
	require.NoError(t, err)
	return account.ID
}

// seedJobFixtures creates a file with records and a prompt, returning their IDs.
func seedJobFixtures(t *testing.T, s store.Store, accountID uuid.UUID, recordCount int) (uuid.UUID, uuid.UUID) {
	t.Helper()
	ctx := context.Background()

	fileID := uuid.New()
	records := make([]*models.FileRecord, 0, recordCount)
	for i := 0; i < recordCount; i++ {
		records = append(records, &models.FileRecord{
			ID:       uuid.New(),
			FileID:   fileID,
			Position: i + 1,
			Fields:   map[string]string{"review": "text"},
		})
	}
	err := s.CreateFile(ctx, &models.File{
		ID:             fileID,
		AccountID:      accountID,
		Name:           "reviews.csv",
		DeclaredFields: []string{"review"},
		RecordCount:    recordCount,
	}, records)
	require.NoError(t, err)

	p := &models.Prompt{
		ID:        uuid.New(),
		AccountID: accountID,
		Name:      "sentiment",
		Template:  "Classify {{review}}",
	}
	require.NoError(t, s.CreatePrompt(ctx, p))
	return fileID, p.ID
}

// seedJob creates a job in the given status with tasks already dispatched.
func seedJob(t *testing.T, s store.Store, accountID uuid.UUID, status models.JobStatus, taskCount int) *models.Job {
	t.Helper()
	ctx := context.Background()
	fileID, promptID := seedJobFixtures(t, s, accountID, taskCount)

	j := &models.Job{
		ID:           uuid.New(),
		AccountID:    accountID,
		FileID:       fileID,
		PromptID:     promptID,
		Model:        "llama3",
		Status:       models.JobPendingValidation,
		OutputFields: []string{"review"},
	}
	require.NoError(t, s.CreateJob(ctx, j))

	path := []models.JobStatus{
		models.JobValidating, models.JobValidated, models.JobSubmitted, models.JobProcessing,
	}
	from := models.JobPendingValidation
	for _, next := range path {
		if from == status {
			break
		}
		var opts []store.JobUpdateOption
		if next == models.JobSubmitted {
			opts = append(opts, store.WithTaskCount(taskCount))
		}
		applied, err := s.TransitionJob(ctx, j.ID, from, next, opts...)
		require.NoError(t, err)
		require.True(t, applied)
		from = next
	}

	if status == models.JobProcessing || status == models.JobSubmitted {
		records, err := s.GetFileRecords(ctx, fileID)
		require.NoError(t, err)
		tasks := make([]*models.JobTask, 0, len(records))
		for _, rec := range records {
			tasks = append(tasks, &models.JobTask{
				ID:        uuid.New(),
				JobID:     j.ID,
				RecordID:  rec.ID,
				Model:     "llama3",
				QueueName: "tasks.llama3",
				Status:    models.TaskSubmitted,
			})
		}
		require.NoError(t, s.CreateTasks(ctx, tasks))
	}

	got, err := s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, status, got.Status)
	return got
}

// --- Account Tests ---

func TestGetDefaultAccount(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)

	account, err := s.GetDefaultAccount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "default", account.Name)
	assert.Equal(t, int64(100000), account.CreditBalance)
	assert.Equal(t, int64(0), account.CreditReserved)
}

func TestReserveCredits_Boundary(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	accountID := defaultAccountID(t, s)

	ok, err := s.ReserveCredits(ctx, accountID, 100000)
	require.NoError(t, err)
	assert.True(t, ok, "reserving the full balance succeeds")

	ok, err = s.ReserveCredits(ctx, accountID, 1)
	require.NoError(t, err)
	assert.False(t, ok, "no headroom left")

	require.NoError(t, s.ReleaseCredits(ctx, accountID, 40000))
	ok, err = s.ReserveCredits(ctx, accountID, 40000)
	require.NoError(t, err)
	assert.True(t, ok, "released credits are reservable again")

	require.NoError(t, s.SettleCredits(ctx, accountID, 100000))
	account, err := s.GetAccount(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), account.CreditBalance)
	assert.Equal(t, int64(0), account.CreditReserved)
}

// --- Job Tests ---

func TestTransitionJob_CASAndInvalidEdges(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	accountID := defaultAccountID(t, s)

	j := seedJob(t, s, accountID, models.JobPendingValidation, 2)

	// Skipping a state is rejected before touching the database.
	_, err := s.TransitionJob(ctx, j.ID, models.JobPendingValidation, models.JobValidated)
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	applied, err := s.TransitionJob(ctx, j.ID, models.JobPendingValidation, models.JobValidating)
	require.NoError(t, err)
	assert.True(t, applied)

	// The same CAS again loses: the row already moved.
	applied, err = s.TransitionJob(ctx, j.ID, models.JobPendingValidation, models.JobValidating)
	require.NoError(t, err)
	assert.False(t, applied)

	got, err := s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobValidating, got.Status)
	assert.Equal(t, int64(1), got.Version)
}

func TestCancelJob_ReturnsPreviousStatus(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	accountID := defaultAccountID(t, s)

	j := seedJob(t, s, accountID, models.JobProcessing, 2)

	prev, applied, err := s.CancelJob(ctx, j.ID)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, models.JobProcessing, prev)

	// Cancelling again is a no-op on a terminal row.
	_, applied, err = s.CancelJob(ctx, j.ID)
	require.NoError(t, err)
	assert.False(t, applied)

	got, err := s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCancelled, got.Status)
}

func TestIncrementJobProgress_Concurrent(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	accountID := defaultAccountID(t, s)

	const taskCount = 24
	j := seedJob(t, s, accountID, models.JobProcessing, taskCount)

	var wg sync.WaitGroup
	for i := 0; i < taskCount; i++ {
		wg.Add(1)
		go func(failed bool) {
			defer wg.Done()
			_, applied, err := s.IncrementJobProgress(ctx, j.ID, failed)
			assert.NoError(t, err)
			assert.True(t, applied)
		}(i%4 == 0)
	}
	wg.Wait()

	got, err := s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, taskCount, got.CompletedTaskCount)
	assert.Equal(t, taskCount/4, got.FailedTaskCount)

	// The counters are full; further increments are discarded.
	_, applied, err := s.IncrementJobProgress(ctx, j.ID, false)
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestIncrementJobProgress_RequiresProcessing(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	accountID := defaultAccountID(t, s)

	j := seedJob(t, s, accountID, models.JobValidated, 2)

	_, applied, err := s.IncrementJobProgress(ctx, j.ID, false)
	require.NoError(t, err)
	assert.False(t, applied, "counters only move while processing")
}

// --- Task Tests ---

func TestTaskLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	accountID := defaultAccountID(t, s)

	j := seedJob(t, s, accountID, models.JobProcessing, 2)
	tasks, total, err := s.ListTasks(ctx, store.TaskFilter{JobID: j.ID})
	require.NoError(t, err)
	require.Equal(t, 2, total)

	taskID := tasks[0].ID

	started, err := s.StartTask(ctx, taskID)
	require.NoError(t, err)
	assert.True(t, started)

	// A second claim loses.
	started, err = s.StartTask(ctx, taskID)
	require.NoError(t, err)
	assert.False(t, started)

	resp := "positive"
	applied, err := s.FinishTask(ctx, taskID, models.TaskCompleted, &resp, nil)
	require.NoError(t, err)
	assert.True(t, applied)

	// Finishing twice is a no-op.
	applied, err = s.FinishTask(ctx, taskID, models.TaskFailed, nil, nil)
	require.NoError(t, err)
	assert.False(t, applied)

	got, err := s.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, got.Status)
	require.NotNil(t, got.Response)
	assert.Equal(t, "positive", *got.Response)
	assert.NotNil(t, got.BeginAt)
	assert.NotNil(t, got.EndAt)
}

func TestFinishTask_RejectsNonTerminalStatus(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	accountID := defaultAccountID(t, s)

	j := seedJob(t, s, accountID, models.JobProcessing, 1)
	tasks, _, err := s.ListTasks(ctx, store.TaskFilter{JobID: j.ID})
	require.NoError(t, err)

	_, err = s.FinishTask(ctx, tasks[0].ID, models.TaskProcessing, nil, nil)
	assert.Error(t, err)
}

func TestListStuckTasks(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	accountID := defaultAccountID(t, s)

	seedJob(t, s, accountID, models.JobProcessing, 3)

	// Nothing is older than an hour yet.
	stuck, err := s.ListStuckTasks(ctx, time.Hour, 10)
	require.NoError(t, err)
	assert.Empty(t, stuck)

	// Everything submitted is older than zero.
	stuck, err = s.ListStuckTasks(ctx, 0, 10)
	require.NoError(t, err)
	assert.Len(t, stuck, 3)

	// Claimed tasks drop out of the stuck set.
	_, err = s.StartTask(ctx, stuck[0].ID)
	require.NoError(t, err)
	remaining, err := s.ListStuckTasks(ctx, 0, 10)
	require.NoError(t, err)
	assert.Len(t, remaining, 2)
}

func TestRepairJobProgress_ResyncsSettledTasks(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	accountID := defaultAccountID(t, s)

	j := seedJob(t, s, accountID, models.JobProcessing, 2)
	tasks, _, err := s.ListTasks(ctx, store.TaskFilter{JobID: j.ID})
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	// Settle both tasks without touching the counters, as if every
	// increment after the terminal writes was lost.
	resp := "fine"
	msg := "boom"
	for i, task := range tasks {
		_, err = s.StartTask(ctx, task.ID)
		require.NoError(t, err)
		status, response, errMsg := models.TaskCompleted, &resp, (*string)(nil)
		if i == 1 {
			status, response, errMsg = models.TaskFailed, nil, &msg
		}
		_, err = s.FinishTask(ctx, task.ID, status, response, errMsg)
		require.NoError(t, err)
	}

	// The job is stalled: every task settled, counters untouched.
	stalled, err := s.ListStalledJobs(ctx, 0, 10)
	require.NoError(t, err)
	require.Contains(t, stalled, j.ID)

	progress, applied, err := s.RepairJobProgress(ctx, j.ID)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, store.JobProgress{TaskCount: 2, Completed: 2, Failed: 1}, progress)

	got, err := s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.CompletedTaskCount)
	assert.Equal(t, 1, got.FailedTaskCount)
}

func TestListStalledJobs_SkipsJobsStillMoving(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	accountID := defaultAccountID(t, s)

	j := seedJob(t, s, accountID, models.JobProcessing, 2)
	tasks, _, err := s.ListTasks(ctx, store.TaskFilter{JobID: j.ID})
	require.NoError(t, err)

	// Only one of two tasks settled: the job is in flight, not stalled.
	_, err = s.StartTask(ctx, tasks[0].ID)
	require.NoError(t, err)
	resp := "fine"
	_, err = s.FinishTask(ctx, tasks[0].ID, models.TaskCompleted, &resp, nil)
	require.NoError(t, err)

	stalled, err := s.ListStalledJobs(ctx, 0, 10)
	require.NoError(t, err)
	assert.NotContains(t, stalled, j.ID)

	// A job outside processing is never repaired.
	_, _, err = s.CancelJob(ctx, j.ID)
	require.NoError(t, err)
	_, applied, err := s.RepairJobProgress(ctx, j.ID)
	require.NoError(t, err)
	assert.False(t, applied)
}

// --- Output Rows ---

func TestListOutputRows_OrderedByPosition(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	accountID := defaultAccountID(t, s)

	j := seedJob(t, s, accountID, models.JobProcessing, 3)
	tasks, _, err := s.ListTasks(ctx, store.TaskFilter{JobID: j.ID})
	require.NoError(t, err)

	for i, task := range tasks {
		_, err := s.StartTask(ctx, task.ID)
		require.NoError(t, err)
		resp := "ok"
		status := models.TaskCompleted
		if i == 1 {
			status = models.TaskFailed
		}
		_, err = s.FinishTask(ctx, task.ID, status, &resp, nil)
		require.NoError(t, err)
	}

	rows, err := s.ListOutputRows(ctx, j.ID)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	for i, row := range rows {
		assert.Equal(t, i+1, row.Position)
		assert.Equal(t, "text", row.Fields["review"])
	}
}

// --- Model Providers ---

func TestModelProviders(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	providers, err := s.ListModelProviders(ctx)
	require.NoError(t, err)
	require.Len(t, providers, 1)
	assert.Equal(t, "llama3", providers[0].Name)
	assert.Equal(t, "tasks.llama3", providers[0].QueueName)
	assert.True(t, providers[0].Enabled)

	require.NoError(t, s.SetModelProviderEnabled(ctx, "llama3", false))
	providers, err = s.ListModelProviders(ctx)
	require.NoError(t, err)
	assert.False(t, providers[0].Enabled)

	err = s.SetModelProviderEnabled(ctx, "missing", true)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// --- Listing ---

func TestListJobs_Filtering(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	accountID := defaultAccountID(t, s)

	seedJob(t, s, accountID, models.JobProcessing, 1)
	seedJob(t, s, accountID, models.JobValidated, 1)

	all, total, err := s.ListJobs(ctx, store.JobFilter{AccountID: accountID})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, all, 2)

	processing, total, err := s.ListJobs(ctx, store.JobFilter{
		AccountID: accountID,
		Status:    models.JobProcessing,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, processing, 1)
	assert.Equal(t, models.JobProcessing, processing[0].Status)

	none, total, err := s.ListJobs(ctx, store.JobFilter{AccountID: uuid.New()})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, none)
}
