package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/buoy-retriever/retriever-go/internal/domain"
	"github.com/buoy-retriever/retriever-go/internal/repo"
)

type DatasetStore struct {
	db  DB
	now func() time.Time
}

func NewDatasetStore(db DB) *DatasetStore {
	if db == nil {
		return nil
	}
	return &DatasetStore{db: db, now: time.Now}
}

const datasetColumns = `dataset_id, slug, state, pipeline_id, created_at, edited_at`

func scanDataset(row rowScanner) (domain.Dataset, error) {
	var d domain.Dataset
	var state string
	if err := row.Scan(&d.ID, &d.Slug, &state, &d.PipelineID, &d.CreatedAt, &d.EditedAt); err != nil {
		return domain.Dataset{}, err
	}
	d.State = domain.DatasetState(state)
	return d, nil
}

func (s *DatasetStore) Create(ctx context.Context, dataset domain.Dataset) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("dataset store not initialized")
	}
	if err := dataset.Validate(); err != nil {
		return err
	}
	createdAt := normalizeTime(dataset.CreatedAt)
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO datasets (
			dataset_id,
			slug,
			state,
			pipeline_id,
			created_at,
			edited_at
		) VALUES ($1,$2,$3,$4,$5,$5)`,
		strings.TrimSpace(dataset.ID),
		strings.TrimSpace(dataset.Slug),
		string(dataset.State),
		strings.TrimSpace(dataset.PipelineID),
		createdAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert dataset: %w", repo.ErrConflict)
		}
		return fmt.Errorf("insert dataset: %w", err)
	}
	return nil
}

func (s *DatasetStore) Get(ctx context.Context, id string) (domain.Dataset, error) {
	return s.getBy(ctx, "dataset_id", id)
}

func (s *DatasetStore) GetBySlug(ctx context.Context, slug string) (domain.Dataset, error) {
	return s.getBy(ctx, "slug", slug)
}

func (s *DatasetStore) getBy(ctx context.Context, column, value string) (domain.Dataset, error) {
	if s == nil || s.db == nil {
		return domain.Dataset{}, fmt.Errorf("dataset store not initialized")
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return domain.Dataset{}, fmt.Errorf("%s is required", column)
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+datasetColumns+` FROM datasets WHERE `+column+` = $1`, value)
	d, err := scanDataset(row)
	if err != nil {
		return domain.Dataset{}, handleNotFound(err)
	}
	return d, nil
}

func buildDatasetListQuery(filter repo.DatasetFilter) (string, []any) {
	clauses := make([]string, 0, 2)
	args := make([]any, 0, 3)
	if strings.TrimSpace(filter.PipelineID) != "" {
		args = append(args, strings.TrimSpace(filter.PipelineID))
		clauses = append(clauses, fmt.Sprintf("pipeline_id = $%d", len(args)))
	}
	if filter.State != "" {
		args = append(args, string(filter.State))
		clauses = append(clauses, fmt.Sprintf("state = $%d", len(args)))
	}
	query := `SELECT ` + datasetColumns + ` FROM datasets`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY slug"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return query, args
}

func (s *DatasetStore) List(ctx context.Context, filter repo.DatasetFilter) ([]domain.Dataset, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("dataset store not initialized")
	}
	query, args := buildDatasetListQuery(filter)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list datasets: %w", err)
	}
	defer rows.Close()

	datasets := make([]domain.Dataset, 0)
	for rows.Next() {
		d, err := scanDataset(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dataset: %w", err)
		}
		datasets = append(datasets, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list datasets: %w", err)
	}
	return datasets, nil
}

func (s *DatasetStore) UpdateState(ctx context.Context, id string, state domain.DatasetState) (domain.Dataset, error) {
	if s == nil || s.db == nil {
		return domain.Dataset{}, fmt.Errorf("dataset store not initialized")
	}
	if !state.Valid() {
		return domain.Dataset{}, fmt.Errorf("invalid dataset state %q", state)
	}
	row := s.db.QueryRowContext(
		ctx,
		`UPDATE datasets SET state = $2, edited_at = $3 WHERE dataset_id = $1 RETURNING `+datasetColumns,
		strings.TrimSpace(id),
		string(state),
		s.now().UTC(),
	)
	d, err := scanDataset(row)
	if err != nil {
		return domain.Dataset{}, handleNotFound(err)
	}
	return d, nil
}
