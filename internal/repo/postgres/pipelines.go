package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/buoy-retriever/retriever-go/internal/domain"
)

type PipelineStore struct {
	db  DB
	now func() time.Time
}

func NewPipelineStore(db DB) *PipelineStore {
	if db == nil {
		return nil
	}
	return &PipelineStore{db: db, now: time.Now}
}

const pipelineColumns = `pipeline_id, slug, name, description, config_schema, active, created_at, edited_at`

func scanPipeline(row rowScanner) (domain.Pipeline, error) {
	var p domain.Pipeline
	var schema []byte
	if err := row.Scan(&p.ID, &p.Slug, &p.Name, &p.Description, &schema, &p.Active, &p.CreatedAt, &p.EditedAt); err != nil {
		return domain.Pipeline{}, err
	}
	p.ConfigSchema = schema
	return p, nil
}

func (s *PipelineStore) Upsert(ctx context.Context, pipeline domain.Pipeline) (domain.Pipeline, error) {
	if s == nil || s.db == nil {
		return domain.Pipeline{}, fmt.Errorf("pipeline store not initialized")
	}
	if err := pipeline.Validate(); err != nil {
		return domain.Pipeline{}, err
	}
	now := s.now().UTC()
	row := s.db.QueryRowContext(
		ctx,
		`INSERT INTO pipelines (
			pipeline_id,
			slug,
			name,
			description,
			config_schema,
			active,
			created_at,
			edited_at
		) VALUES ($1,$2,$3,$4,$5,TRUE,$6,$6)
		ON CONFLICT (slug) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			config_schema = EXCLUDED.config_schema,
			active = TRUE,
			edited_at = EXCLUDED.edited_at
		RETURNING `+pipelineColumns,
		strings.TrimSpace(pipeline.ID),
		strings.TrimSpace(pipeline.Slug),
		strings.TrimSpace(pipeline.Name),
		strings.TrimSpace(pipeline.Description),
		normalizeJSON(pipeline.ConfigSchema),
		now,
	)
	out, err := scanPipeline(row)
	if err != nil {
		return domain.Pipeline{}, fmt.Errorf("upsert pipeline: %w", err)
	}
	return out, nil
}

func (s *PipelineStore) Get(ctx context.Context, id string) (domain.Pipeline, error) {
	return s.getBy(ctx, "pipeline_id", id)
}

func (s *PipelineStore) GetBySlug(ctx context.Context, slug string) (domain.Pipeline, error) {
	return s.getBy(ctx, "slug", slug)
}

func (s *PipelineStore) getBy(ctx context.Context, column, value string) (domain.Pipeline, error) {
	if s == nil || s.db == nil {
		return domain.Pipeline{}, fmt.Errorf("pipeline store not initialized")
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return domain.Pipeline{}, fmt.Errorf("%s is required", column)
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+pipelineColumns+` FROM pipelines WHERE `+column+` = $1`, value)
	p, err := scanPipeline(row)
	if err != nil {
		return domain.Pipeline{}, handleNotFound(err)
	}
	return p, nil
}

func (s *PipelineStore) List(ctx context.Context) ([]domain.Pipeline, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("pipeline store not initialized")
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+pipelineColumns+` FROM pipelines ORDER BY slug`)
	if err != nil {
		return nil, fmt.Errorf("list pipelines: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Pipeline, 0)
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pipeline: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list pipelines: %w", err)
	}
	return out, nil
}
