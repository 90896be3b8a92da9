package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/promptbatch/promptbatch/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Accounts ---

func (s *PostgresStore) GetAccount(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	var a models.Account
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, credit_balance, credit_reserved, created_at, updated_at
		 FROM accounts WHERE id = $1`, id,
	).Scan(&a.ID, &a.Name, &a.CreditBalance, &a.CreditReserved, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return &a, nil
}

func (s *PostgresStore) GetDefaultAccount(ctx context.Context) (*models.Account, error) {
	var a models.Account
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, credit_balance, credit_reserved, created_at, updated_at
		 FROM accounts WHERE name = 'default' LIMIT 1`,
	).Scan(&a.ID, &a.Name, &a.CreditBalance, &a.CreditReserved, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get default account: %w", err)
	}
	return &a, nil
}

func (s *PostgresStore) ReserveCredits(ctx context.Context, accountID uuid.UUID, amount int64) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE accounts SET credit_reserved = credit_reserved + $2, updated_at = NOW()
		 WHERE id = $1 AND credit_balance - credit_reserved >= $2`, accountID, amount)
	if err != nil {
		return false, fmt.Errorf("reserve credits: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) SettleCredits(ctx context.Context, accountID uuid.UUID, amount int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE accounts
		 SET credit_balance = credit_balance - $2,
		     credit_reserved = GREATEST(credit_reserved - $2, 0),
		     updated_at = NOW()
		 WHERE id = $1`, accountID, amount)
	if err != nil {
		return fmt.Errorf("settle credits: %w", err)
	}
	return nil
}

func (s *PostgresStore) ReleaseCredits(ctx context.Context, accountID uuid.UUID, amount int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE accounts SET credit_reserved = GREATEST(credit_reserved - $2, 0), updated_at = NOW()
		 WHERE id = $1`, accountID, amount)
	if err != nil {
		return fmt.Errorf("release credits: %w", err)
	}
	return nil
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, account_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.AccountID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

// --- Files ---

func (s *PostgresStore) CreateFile(ctx context.Context, file *models.File, records []*models.FileRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create file: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO files (id, account_id, name, declared_fields, record_count, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		file.ID, file.AccountID, file.Name, file.DeclaredFields, file.RecordCount, file.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create file: %w", err)
	}

	_, err = tx.CopyFrom(ctx,
		pgx.Identifier{"file_records"},
		[]string{"id", "file_id", "position", "fields"},
		pgx.CopyFromSlice(len(records), func(i int) ([]any, error) {
			r := records[i]
			return []any{r.ID, r.FileID, r.Position, r.Fields}, nil
		}))
	if err != nil {
		return fmt.Errorf("copy file records: %w", err)
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) GetFile(ctx context.Context, id uuid.UUID) (*models.File, error) {
	var f models.File
	err := s.pool.QueryRow(ctx,
		`SELECT id, account_id, name, declared_fields, record_count, created_at
		 FROM files WHERE id = $1`, id,
	).Scan(&f.ID, &f.AccountID, &f.Name, &f.DeclaredFields, &f.RecordCount, &f.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get file: %w", err)
	}
	return &f, nil
}

func (s *PostgresStore) GetDeclaredFields(ctx context.Context, fileID uuid.UUID) ([]string, error) {
	var fields []string
	err := s.pool.QueryRow(ctx,
		`SELECT declared_fields FROM files WHERE id = $1`, fileID).Scan(&fields)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get declared fields: %w", err)
	}
	return fields, nil
}

func (s *PostgresStore) GetFileRecords(ctx context.Context, fileID uuid.UUID) ([]*models.FileRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, file_id, position, fields FROM file_records
		 WHERE file_id = $1 ORDER BY position`, fileID)
	if err != nil {
		return nil, fmt.Errorf("get file records: %w", err)
	}
	defer rows.Close()

	var records []*models.FileRecord
	for rows.Next() {
		var r models.FileRecord
		if err := rows.Scan(&r.ID, &r.FileID, &r.Position, &r.Fields); err != nil {
			return nil, fmt.Errorf("scan file record: %w", err)
		}
		records = append(records, &r)
	}
	return records, rows.Err()
}

func (s *PostgresStore) GetFileRecord(ctx context.Context, id uuid.UUID) (*models.FileRecord, error) {
	var r models.FileRecord
	err := s.pool.QueryRow(ctx,
		`SELECT id, file_id, position, fields FROM file_records WHERE id = $1`, id,
	).Scan(&r.ID, &r.FileID, &r.Position, &r.Fields)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get file record: %w", err)
	}
	return &r, nil
}

// --- Prompts ---

func (s *PostgresStore) CreatePrompt(ctx context.Context, p *models.Prompt) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO prompts (id, account_id, name, template, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		p.ID, p.AccountID, p.Name, p.Template, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create prompt: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPrompt(ctx context.Context, id uuid.UUID) (*models.Prompt, error) {
	var p models.Prompt
	err := s.pool.QueryRow(ctx,
		`SELECT id, account_id, name, template, created_at, updated_at
		 FROM prompts WHERE id = $1`, id,
	).Scan(&p.ID, &p.AccountID, &p.Name, &p.Template, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get prompt: %w", err)
	}
	return &p, nil
}

// --- Model Providers ---

func (s *PostgresStore) ListModelProviders(ctx context.Context) ([]*models.ModelProvider, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT name, provider, queue_name, enabled, cost_per_record, updated_at
		 FROM model_providers ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list model providers: %w", err)
	}
	defer rows.Close()

	var providers []*models.ModelProvider
	for rows.Next() {
		var p models.ModelProvider
		if err := rows.Scan(&p.Name, &p.Provider, &p.QueueName, &p.Enabled, &p.CostPerRecord, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan model provider: %w", err)
		}
		providers = append(providers, &p)
	}
	return providers, rows.Err()
}

func (s *PostgresStore) SetModelProviderEnabled(ctx context.Context, name string, enabled bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE model_providers SET enabled = $2, updated_at = NOW() WHERE name = $1`, name, enabled)
	if err != nil {
		return fmt.Errorf("set model provider enabled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
