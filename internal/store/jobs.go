package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/promptbatch/promptbatch/pkg/models"
)

const jobColumns = `id, account_id, file_id, prompt_id, model, status, task_count,
	completed_task_count, failed_task_count, estimated_credits, output_fields,
	result_path, error_message, version, created_at, updated_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	var status string
	err := row.Scan(&j.ID, &j.AccountID, &j.FileID, &j.PromptID, &j.Model, &status,
		&j.TaskCount, &j.CompletedTaskCount, &j.FailedTaskCount, &j.EstimatedCredits,
		&j.OutputFields, &j.ResultPath, &j.ErrorMessage, &j.Version, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.Status = models.JobStatus(status)
	return &j, nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, account_id, file_id, prompt_id, model, status, output_fields, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		job.ID, job.AccountID, job.FileID, job.PromptID, job.Model, string(job.Status),
		job.OutputFields, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, int, error) {
	conditions := []string{"account_id = $1"}
	args := []any{filter.AccountID}
	argIdx := 2

	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.Model != "" {
		conditions = append(conditions, fmt.Sprintf("model = $%d", argIdx))
		args = append(args, filter.Model)
		argIdx++
	}

	where := strings.Join(conditions, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM jobs WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	limit, offset := normalizePage(filter.Page, filter.Limit)
	query := fmt.Sprintf(`SELECT %s FROM jobs WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		jobColumns, where, argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, total, rows.Err()
}

func (s *PostgresStore) TransitionJob(ctx context.Context, id uuid.UUID, from, to models.JobStatus, opts ...JobUpdateOption) (bool, error) {
	if !from.CanTransitionTo(to) {
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	params := ApplyJobOptions(opts...)

	query := `UPDATE jobs SET status = $3, version = version + 1, updated_at = NOW()`
	args := []any{id, string(from), string(to)}
	argIdx := 4

	if params.ErrorMessage != nil {
		query += fmt.Sprintf(", error_message = $%d", argIdx)
		args = append(args, *params.ErrorMessage)
		argIdx++
	}
	if params.EstimatedCredits != nil {
		query += fmt.Sprintf(", estimated_credits = $%d", argIdx)
		args = append(args, *params.EstimatedCredits)
		argIdx++
	}
	if params.TaskCount != nil {
		query += fmt.Sprintf(", task_count = $%d", argIdx)
		args = append(args, *params.TaskCount)
		argIdx++
	}
	if params.ResultPath != nil {
		query += fmt.Sprintf(", result_path = $%d", argIdx)
		args = append(args, *params.ResultPath)
		argIdx++
	}

	query += " WHERE id = $1 AND status = $2"

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("transition job %s -> %s: %w", from, to, err)
	}
	return tag.RowsAffected() == 1, nil
}

var terminalJobStatuses = []string{
	string(models.JobCompleted),
	string(models.JobCompletedWithErrors),
	string(models.JobFailed),
	string(models.JobInsufficientCredits),
	string(models.JobCancelled),
	string(models.JobValidationFailed),
}

func (s *PostgresStore) CancelJob(ctx context.Context, id uuid.UUID) (models.JobStatus, bool, error) {
	var prev string
	err := s.pool.QueryRow(ctx,
		`UPDATE jobs j SET status = $2, version = version + 1, updated_at = NOW()
		 FROM (SELECT id, status FROM jobs WHERE id = $1 FOR UPDATE) old
		 WHERE j.id = old.id AND old.status != ALL($3)
		 RETURNING old.status`,
		id, string(models.JobCancelled), terminalJobStatuses).Scan(&prev)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("cancel job: %w", err)
	}
	return models.JobStatus(prev), true, nil
}

func (s *PostgresStore) ForceFailJob(ctx context.Context, id uuid.UUID, msg string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $2, error_message = $3, version = version + 1, updated_at = NOW()
		 WHERE id = $1 AND status != ALL($4)`,
		id, string(models.JobFailed), msg, terminalJobStatuses)
	if err != nil {
		return false, fmt.Errorf("force fail job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) IncrementJobProgress(ctx context.Context, jobID uuid.UUID, failed bool) (JobProgress, bool, error) {
	var p JobProgress
	err := s.pool.QueryRow(ctx,
		`UPDATE jobs SET
		   completed_task_count = completed_task_count + 1,
		   failed_task_count = failed_task_count + CASE WHEN $2 THEN 1 ELSE 0 END,
		   version = version + 1,
		   updated_at = NOW()
		 WHERE id = $1 AND status = $3 AND completed_task_count < task_count
		 RETURNING task_count, completed_task_count, failed_task_count`,
		jobID, failed, string(models.JobProcessing),
	).Scan(&p.TaskCount, &p.Completed, &p.Failed)
	if errors.Is(err, pgx.ErrNoRows) {
		// Job is terminal or not processing; the completion is discarded.
		return JobProgress{}, false, nil
	}
	if err != nil {
		return JobProgress{}, false, fmt.Errorf("increment job progress: %w", err)
	}
	return p, true, nil
}

var terminalTaskStatuses = []string{
	string(models.TaskCompleted),
	string(models.TaskFailed),
}

func (s *PostgresStore) ListStalledJobs(ctx context.Context, olderThan time.Duration, limit int) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT j.id FROM jobs j
		 WHERE j.status = $1
		   AND j.updated_at < NOW() - make_interval(secs => $2)
		   AND j.task_count = (SELECT COUNT(*) FROM job_tasks t
		                       WHERE t.job_id = j.id AND t.status = ANY($3))
		 ORDER BY j.updated_at LIMIT $4`,
		string(models.JobProcessing), olderThan.Seconds(), terminalTaskStatuses, limit)
	if err != nil {
		return nil, fmt.Errorf("list stalled jobs: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan stalled job: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) RepairJobProgress(ctx context.Context, jobID uuid.UUID) (JobProgress, bool, error) {
	var p JobProgress
	err := s.pool.QueryRow(ctx,
		`UPDATE jobs j SET
		   completed_task_count = t.settled,
		   failed_task_count = t.failed,
		   version = version + 1,
		   updated_at = NOW()
		 FROM (SELECT COUNT(*) FILTER (WHERE status = ANY($3)) AS settled,
		              COUNT(*) FILTER (WHERE status = $4) AS failed
		       FROM job_tasks WHERE job_id = $1) t
		 WHERE j.id = $1 AND j.status = $2
		 RETURNING j.task_count, j.completed_task_count, j.failed_task_count`,
		jobID, string(models.JobProcessing), terminalTaskStatuses, string(models.TaskFailed),
	).Scan(&p.TaskCount, &p.Completed, &p.Failed)
	if errors.Is(err, pgx.ErrNoRows) {
		return JobProgress{}, false, nil
	}
	if err != nil {
		return JobProgress{}, false, fmt.Errorf("repair job progress: %w", err)
	}
	return p, true, nil
}

// --- Tasks ---

const taskColumns = `id, job_id, record_id, model, queue_name, status, response,
	error_message, begin_at, end_at, created_at, updated_at`

func scanTask(row pgx.Row) (*models.JobTask, error) {
	var t models.JobTask
	var status string
	err := row.Scan(&t.ID, &t.JobID, &t.RecordID, &t.Model, &t.QueueName, &status,
		&t.Response, &t.ErrorMessage, &t.BeginAt, &t.EndAt, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Status = models.TaskStatus(status)
	return &t, nil
}

func (s *PostgresStore) CreateTasks(ctx context.Context, tasks []*models.JobTask) error {
	_, err := s.pool.CopyFrom(ctx,
		pgx.Identifier{"job_tasks"},
		[]string{"id", "job_id", "record_id", "model", "queue_name", "status", "created_at", "updated_at"},
		pgx.CopyFromSlice(len(tasks), func(i int) ([]any, error) {
			t := tasks[i]
			return []any{t.ID, t.JobID, t.RecordID, t.Model, t.QueueName, string(t.Status), t.CreatedAt, t.UpdatedAt}, nil
		}))
	if err != nil {
		return fmt.Errorf("create job tasks: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTask(ctx context.Context, id uuid.UUID) (*models.JobTask, error) {
	t, err := scanTask(s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM job_tasks WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*models.JobTask, int, error) {
	conditions := []string{"job_id = $1"}
	args := []any{filter.JobID}
	argIdx := 2

	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, string(filter.Status))
		argIdx++
	}

	where := strings.Join(conditions, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM job_tasks WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	limit, offset := normalizePage(filter.Page, filter.Limit)
	query := fmt.Sprintf(`SELECT %s FROM job_tasks WHERE %s ORDER BY created_at LIMIT $%d OFFSET $%d`,
		taskColumns, where, argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.JobTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, total, rows.Err()
}

func (s *PostgresStore) StartTask(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE job_tasks SET status = $2, begin_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND status = $3`,
		id, string(models.TaskProcessing), string(models.TaskSubmitted))
	if err != nil {
		return false, fmt.Errorf("start task: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) FinishTask(ctx context.Context, id uuid.UUID, status models.TaskStatus, response, errMsg *string) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("%w: finish with non-terminal status %s", ErrInvalidTransition, status)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE job_tasks SET status = $2, response = $3, error_message = $4, end_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND status = $5`,
		id, string(status), response, errMsg, string(models.TaskProcessing))
	if err != nil {
		return false, fmt.Errorf("finish task: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ListStuckTasks(ctx context.Context, olderThan time.Duration, limit int) ([]*models.JobTask, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM job_tasks
		 WHERE status = $1 AND created_at < NOW() - make_interval(secs => $2)
		 ORDER BY created_at LIMIT $3`,
		string(models.TaskSubmitted), olderThan.Seconds(), limit)
	if err != nil {
		return nil, fmt.Errorf("list stuck tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.JobTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stuck task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *PostgresStore) ListOutputRows(ctx context.Context, jobID uuid.UUID) ([]OutputRow, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT t.id, t.job_id, t.record_id, t.model, t.queue_name, t.status, t.response,
		        t.error_message, t.begin_at, t.end_at, t.created_at, t.updated_at,
		        r.position, r.fields
		 FROM job_tasks t
		 JOIN file_records r ON r.id = t.record_id
		 WHERE t.job_id = $1
		 ORDER BY r.position`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list output rows: %w", err)
	}
	defer rows.Close()

	var out []OutputRow
	for rows.Next() {
		var row OutputRow
		var status string
		if err := rows.Scan(&row.Task.ID, &row.Task.JobID, &row.Task.RecordID, &row.Task.Model,
			&row.Task.QueueName, &status, &row.Task.Response, &row.Task.ErrorMessage,
			&row.Task.BeginAt, &row.Task.EndAt, &row.Task.CreatedAt, &row.Task.UpdatedAt,
			&row.Position, &row.Fields); err != nil {
			return nil, fmt.Errorf("scan output row: %w", err)
		}
		row.Task.Status = models.TaskStatus(status)
		out = append(out, row)
	}
	return out, rows.Err()
}

func normalizePage(page, limit int) (int, int) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if page <= 0 {
		page = 1
	}
	return limit, (page - 1) * limit
}
