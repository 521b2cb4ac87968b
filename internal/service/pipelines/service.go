// Package pipelines keeps the registry of ETL pipelines and their config schemas.
package pipelines

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/buoy-retriever/retriever-go/internal/domain"
	"github.com/buoy-retriever/retriever-go/internal/platform/configschema"
	"github.com/buoy-retriever/retriever-go/internal/repo"
	"github.com/buoy-retriever/retriever-go/internal/service/permissions"
)

var ErrInvalidSchema = errors.New("invalid pipeline config schema")

type Service struct {
	pipelines repo.PipelineRepository
	audit     repo.AuditEventAppender
	logger    *slog.Logger
	newID     func() string
}

func New(pipelineRepo repo.PipelineRepository, audit repo.AuditEventAppender, logger *slog.Logger) *Service {
	if pipelineRepo == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{pipelines: pipelineRepo, audit: audit, logger: logger, newID: uuid.NewString}
}

// Definition is what a pipeline reports about itself on startup.
type Definition struct {
	Slug         string          `json:"slug"`
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	ConfigSchema json.RawMessage `json:"config_schema"`
}

// Register creates the pipeline or refreshes the one with the same slug.
func (s *Service) Register(ctx context.Context, caller permissions.Caller, def Definition) (domain.Pipeline, error) {
	def.Slug = strings.TrimSpace(def.Slug)
	if err := domain.ValidateSlug(def.Slug); err != nil {
		return domain.Pipeline{}, err
	}
	if strings.TrimSpace(def.Name) == "" {
		def.Name = def.Slug
	}
	if _, err := configschema.Compile(def.Slug, def.ConfigSchema); err != nil {
		return domain.Pipeline{}, fmt.Errorf("%w: %w", ErrInvalidSchema, err)
	}
	id := s.newID()
	if existing, err := s.pipelines.GetBySlug(ctx, def.Slug); err == nil {
		id = existing.ID
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Pipeline{}, err
	}
	p, err := s.pipelines.Upsert(ctx, domain.Pipeline{
		ID:           id,
		Slug:         def.Slug,
		Name:         strings.TrimSpace(def.Name),
		Description:  strings.TrimSpace(def.Description),
		ConfigSchema: def.ConfigSchema,
		Active:       true,
	})
	if err != nil {
		return domain.Pipeline{}, err
	}
	if s.audit != nil {
		if _, err := s.audit.Append(ctx, caller.Event(domain.ActionPipelineRegistered, domain.ResourcePipeline, p.ID, domain.Metadata{"slug": p.Slug})); err != nil {
			s.logger.Warn("audit append failed", "action", domain.ActionPipelineRegistered, "error", err)
		}
	}
	return p, nil
}

func (s *Service) Get(ctx context.Context, id string) (domain.Pipeline, error) {
	return s.pipelines.Get(ctx, strings.TrimSpace(id))
}

func (s *Service) GetBySlug(ctx context.Context, slug string) (domain.Pipeline, error) {
	return s.pipelines.GetBySlug(ctx, strings.TrimSpace(slug))
}

func (s *Service) List(ctx context.Context) ([]domain.Pipeline, error) {
	return s.pipelines.List(ctx)
}
