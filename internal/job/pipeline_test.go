package job_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptbatch/promptbatch/internal/job"
	llmmock "github.com/promptbatch/promptbatch/internal/llm/mock"
	"github.com/promptbatch/promptbatch/pkg/models"
)

const (
	testModel = "llama3"
	testQueue = "model.llama3"
)

// engine wires the full pipeline against in-memory fakes. Queue hops are
// driven by hand in tests: messages land in the fake broker and the test
// feeds them to the right handler.
type engine struct {
	store      *memStore
	broker     *fakeBroker
	notifier   *fakeNotifier
	registry   *fakeRegistry
	admission  *job.Admission
	validator  *job.Validator
	dispatcher *job.Dispatcher
	worker     *job.Worker
	aggregator *job.Aggregator
	accountID  uuid.UUID
}

func newEngine(t *testing.T, providers map[string]models.LLMProvider) *engine {
	t.Helper()
	if providers == nil {
		providers = map[string]models.LLMProvider{"mock": llmmock.NewMockProvider()}
	}
	st := newMemStore()
	br := newFakeBroker()
	nt := &fakeNotifier{}
	reg := newFakeRegistry(models.ModelProvider{
		Name: testModel, Provider: "mock", QueueName: testQueue, Enabled: true, CostPerRecord: 2,
	})

	agg := job.NewAggregator(st, job.NewXLSXBuilder(t.TempDir()), nil, nt)
	disp := job.NewDispatcher(st, reg, br, nil, nt)
	return &engine{
		store:      st,
		broker:     br,
		notifier:   nt,
		registry:   reg,
		admission:  job.NewAdmission(st, reg, br, nil, nt),
		validator:  job.NewValidator(st, reg, disp, nil, nt),
		dispatcher: disp,
		worker:     job.NewWorker(st, reg, providers, agg, nil, nt, time.Second),
		aggregator: agg,
		accountID:  uuid.New(),
	}
}

// submit admits a job over a seeded three-row file and a matching prompt.
func (e *engine) submit(t *testing.T, rows []map[string]string) *models.Job {
	t.Helper()
	fileID := e.store.seedFile(e.accountID, []string{"review"}, rows)
	promptID := e.store.seedPrompt(e.accountID, "Classify the sentiment of {{review}}")
	j, err := e.admission.Submit(context.Background(), job.SubmitParams{
		AccountID:    e.accountID,
		FileID:       fileID,
		PromptID:     promptID,
		Model:        testModel,
		OutputFields: []string{"review"},
	})
	require.NoError(t, err)
	return j
}

// drainTasks runs the worker over every message currently on the model queue.
func (e *engine) drainTasks(t *testing.T) {
	t.Helper()
	for _, payload := range e.broker.messages(testQueue) {
		require.NoError(t, e.worker.Handle(context.Background(), payload))
	}
}

func threeRows() []map[string]string {
	return []map[string]string{
		{"review": "loved it"},
		{"review": "hated it"},
		{"review": "it was fine"},
	}
}

func TestPipelineCompletesJob(t *testing.T) {
	e := newEngine(t, nil)
	j := e.submit(t, threeRows())
	assert.Equal(t, models.JobPendingValidation, j.Status)

	msgs := e.broker.messages("validation")
	require.Len(t, msgs, 1)
	require.NoError(t, e.validator.Handle(context.Background(), msgs[0]))

	mid, err := e.store.GetJob(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobProcessing, mid.Status)
	assert.Equal(t, 3, mid.TaskCount)
	assert.Equal(t, int64(6), mid.EstimatedCredits)

	e.drainTasks(t)

	final, err := e.store.GetJob(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, final.Status)
	assert.Equal(t, 3, final.CompletedTaskCount)
	assert.Equal(t, 0, final.FailedTaskCount)
	require.NotNil(t, final.ResultPath)

	_, err = os.Stat(*final.ResultPath)
	assert.NoError(t, err, "result workbook should exist on disk")

	// All reserved credits were settled.
	assert.Equal(t, int64(0), e.store.reserved)
	assert.Equal(t, int64(1_000_000-6), e.store.balance)
}

func TestPipelineRedeliveredTaskDoesNotDoubleCount(t *testing.T) {
	e := newEngine(t, nil)
	j := e.submit(t, threeRows())
	require.NoError(t, e.validator.Handle(context.Background(), e.broker.messages("validation")[0]))

	msgs := e.broker.messages(testQueue)
	require.Len(t, msgs, 3)
	for _, payload := range msgs {
		require.NoError(t, e.worker.Handle(context.Background(), payload))
		// Redelivery of the same message.
		require.NoError(t, e.worker.Handle(context.Background(), payload))
	}

	final, err := e.store.GetJob(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, final.Status)
	assert.Equal(t, 3, final.CompletedTaskCount)
}

func TestPipelineCancelledJobDiscardsResults(t *testing.T) {
	e := newEngine(t, nil)
	j := e.submit(t, threeRows())
	require.NoError(t, e.validator.Handle(context.Background(), e.broker.messages("validation")[0]))

	_, err := e.admission.Cancel(context.Background(), j.ID, e.accountID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), e.store.reserved, "cancellation releases the reservation")

	e.drainTasks(t)

	final, err := e.store.GetJob(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCancelled, final.Status)
	assert.Equal(t, 0, final.CompletedTaskCount, "no counters move on a cancelled job")
}
