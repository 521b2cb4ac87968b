package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/buoy-retriever/retriever-go/internal/domain"
	"github.com/buoy-retriever/retriever-go/internal/repo"
)

// RunStore is the postgres run registry.
type RunStore struct {
	db  TxDB
	now func() time.Time
}

func NewRunStore(db TxDB) *RunStore {
	if db == nil {
		return nil
	}
	return &RunStore{db: db, now: time.Now}
}

const runColumns = `run_id, job, partition_key, request_key, status, error, created_at, updated_at`

func scanRun(row rowScanner) (domain.Run, error) {
	var r domain.Run
	var status string
	if err := row.Scan(&r.ID, &r.Job, &r.Partition, &r.RequestKey, &status, &r.Error, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return domain.Run{}, err
	}
	r.Status = domain.RunStatus(status)
	return r, nil
}

func (s *RunStore) Submit(ctx context.Context, requests []domain.DispatchRequest) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("run store not initialized")
	}
	inserted := 0
	for _, req := range requests {
		if err := req.Validate(); err != nil {
			return inserted, err
		}
		now := s.now().UTC()
		res, err := s.db.ExecContext(
			ctx,
			`INSERT INTO runs (run_id, job, partition_key, request_key, status, error, created_at, updated_at)
			 VALUES ($1,$2,$3,$4,$5,'',$6,$6)
			 ON CONFLICT (job, request_key) DO NOTHING`,
			ulid.Make().String(),
			strings.TrimSpace(req.Job),
			strings.TrimSpace(req.Partition),
			strings.TrimSpace(req.RequestKey),
			string(domain.RunQueued),
			now,
		)
		if err != nil {
			return inserted, fmt.Errorf("submit run: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return inserted, fmt.Errorf("submit run: %w", err)
		}
		inserted += int(n)
	}
	return inserted, nil
}

func (s *RunStore) Get(ctx context.Context, id string) (domain.Run, error) {
	if s == nil || s.db == nil {
		return domain.Run{}, fmt.Errorf("run store not initialized")
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = $1`, strings.TrimSpace(id))
	r, err := scanRun(row)
	if err != nil {
		return domain.Run{}, handleNotFound(err)
	}
	return r, nil
}

func (s *RunStore) ListByStatus(ctx context.Context, job string, statuses []domain.RunStatus) ([]domain.Run, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("run store not initialized")
	}
	job = strings.TrimSpace(job)
	if job == "" {
		return nil, fmt.Errorf("job is required")
	}
	args := []any{job}
	query := `SELECT ` + runColumns + ` FROM runs WHERE job = $1`
	if len(statuses) > 0 {
		query += " AND status IN (" + placeholders(2, len(statuses)) + ")"
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += " ORDER BY created_at, run_id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Run, 0)
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return out, nil
}

func (s *RunStore) ClaimNext(ctx context.Context, jobs []string) (domain.Run, error) {
	if s == nil || s.db == nil {
		return domain.Run{}, fmt.Errorf("run store not initialized")
	}
	if len(jobs) == 0 {
		return domain.Run{}, repo.ErrNotFound
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Run{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	args := []any{string(domain.RunQueued)}
	for _, j := range jobs {
		args = append(args, strings.TrimSpace(j))
	}
	var id string
	err = tx.QueryRowContext(
		ctx,
		`SELECT run_id FROM runs
		 WHERE status = $1 AND job IN (`+placeholders(2, len(jobs))+`)
		 ORDER BY created_at, run_id
		 LIMIT 1
		 FOR UPDATE SKIP LOCKED`,
		args...,
	).Scan(&id)
	if err != nil {
		return domain.Run{}, handleNotFound(err)
	}
	row := tx.QueryRowContext(
		ctx,
		`UPDATE runs SET status = $2, updated_at = $3 WHERE run_id = $1 RETURNING `+runColumns,
		id,
		string(domain.RunStarting),
		s.now().UTC(),
	)
	run, err := scanRun(row)
	if err != nil {
		return domain.Run{}, fmt.Errorf("claim run: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Run{}, fmt.Errorf("commit: %w", err)
	}
	return run, nil
}

func (s *RunStore) UpdateStatus(ctx context.Context, id string, status domain.RunStatus, message string) (domain.Run, error) {
	if s == nil || s.db == nil {
		return domain.Run{}, fmt.Errorf("run store not initialized")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Run{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM runs WHERE run_id = $1 FOR UPDATE`, strings.TrimSpace(id)).Scan(&current)
	if err != nil {
		return domain.Run{}, handleNotFound(err)
	}
	if err := domain.ValidateTransition(domain.RunStatus(current), status); err != nil {
		return domain.Run{}, fmt.Errorf("%v: %w", err, repo.ErrConflict)
	}
	row := tx.QueryRowContext(
		ctx,
		`UPDATE runs SET status = $2, error = $3, updated_at = $4 WHERE run_id = $1 RETURNING `+runColumns,
		strings.TrimSpace(id),
		string(status),
		strings.TrimSpace(message),
		s.now().UTC(),
	)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Run{}, repo.ErrNotFound
		}
		return domain.Run{}, fmt.Errorf("update run status: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Run{}, fmt.Errorf("commit: %w", err)
	}
	return run, nil
}
