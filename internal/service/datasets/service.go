// Package datasets manages datasets, their permission grants, and the view
// of configurations handed to pipelines.
package datasets

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/buoy-retriever/retriever-go/internal/domain"
	"github.com/buoy-retriever/retriever-go/internal/platform/auth"
	"github.com/buoy-retriever/retriever-go/internal/repo"
	"github.com/buoy-retriever/retriever-go/internal/service/permissions"
)

type Service struct {
	datasets  repo.DatasetRepository
	pipelines repo.PipelineRepository
	configs   repo.ConfigRepository
	gate      *permissions.Gate
	audit     repo.AuditEventAppender
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
}

func New(
	datasetRepo repo.DatasetRepository,
	pipelineRepo repo.PipelineRepository,
	configRepo repo.ConfigRepository,
	gate *permissions.Gate,
	audit repo.AuditEventAppender,
	logger *slog.Logger,
) *Service {
	if datasetRepo == nil || pipelineRepo == nil || configRepo == nil || gate == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		datasets:  datasetRepo,
		pipelines: pipelineRepo,
		configs:   configRepo,
		gate:      gate,
		audit:     audit,
		logger:    logger,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// Entry is a dataset as shown to a user.
type Entry struct {
	Dataset  domain.Dataset
	Pipeline string
	Flags    permissions.Flags
}

// PipelineConfig is one promoted config handed to the pipeline that runs it.
type PipelineConfig struct {
	Slug        string             `json:"slug"`
	Config      json.RawMessage    `json:"config"`
	ConfigState domain.ConfigState `json:"config_state"`
}

// Create registers a dataset under a pipeline and grants the creator Publish.
func (s *Service) Create(ctx context.Context, caller permissions.Caller, slug, pipelineSlug string) (Entry, error) {
	if caller.IsPipeline() || caller.Subject == "" || !auth.HasAtLeast(caller.Roles, auth.RoleEditor) {
		return Entry{}, fmt.Errorf("create dataset: %w", auth.ErrForbidden)
	}
	slug = strings.TrimSpace(slug)
	if err := domain.ValidateSlug(slug); err != nil {
		return Entry{}, err
	}
	pipeline, err := s.pipelines.GetBySlug(ctx, pipelineSlug)
	if err != nil {
		return Entry{}, fmt.Errorf("pipeline %s: %w", pipelineSlug, err)
	}
	now := s.now().UTC()
	ds := domain.Dataset{
		ID:         s.newID(),
		Slug:       slug,
		State:      domain.DatasetActive,
		PipelineID: pipeline.ID,
		CreatedAt:  now,
		EditedAt:   now,
	}
	if err := s.datasets.Create(ctx, ds); err != nil {
		return Entry{}, err
	}
	if err := s.gate.GrantPublish(ctx, domain.UserGrantee(caller.Subject), ds.ID, caller.Actor()); err != nil {
		return Entry{}, err
	}
	s.appendAudit(ctx, caller.Event(domain.ActionDatasetCreated, domain.ResourceDataset, ds.ID, domain.Metadata{
		"slug":     ds.Slug,
		"pipeline": pipeline.Slug,
	}))
	return Entry{Dataset: ds, Pipeline: pipeline.Slug, Flags: permissions.Flags{CanView: true, CanEdit: true, CanPublish: true}}, nil
}

// Resolve looks a dataset up by slug without a permission check.
func (s *Service) Resolve(ctx context.Context, slug string) (domain.Dataset, error) {
	return s.datasets.GetBySlug(ctx, strings.TrimSpace(slug))
}

func (s *Service) Get(ctx context.Context, caller permissions.Caller, slug string) (Entry, error) {
	ds, err := s.Resolve(ctx, slug)
	if err != nil {
		return Entry{}, err
	}
	flags, err := s.gate.FlagsFor(ctx, caller.Identity, ds.ID)
	if err != nil {
		return Entry{}, err
	}
	if !flags.CanView {
		return Entry{}, fmt.Errorf("view dataset %s: %w", ds.Slug, auth.ErrForbidden)
	}
	return Entry{Dataset: ds, Pipeline: s.pipelineSlug(ctx, ds.PipelineID), Flags: flags}, nil
}

// List returns the datasets the caller can view.
func (s *Service) List(ctx context.Context, caller permissions.Caller) ([]Entry, error) {
	all, err := s.datasets.List(ctx, repo.DatasetFilter{})
	if err != nil {
		return nil, err
	}
	slugs := map[string]string{}
	out := make([]Entry, 0, len(all))
	for _, ds := range all {
		flags, err := s.gate.FlagsFor(ctx, caller.Identity, ds.ID)
		if err != nil {
			return nil, err
		}
		if !flags.CanView {
			continue
		}
		ps, ok := slugs[ds.PipelineID]
		if !ok {
			ps = s.pipelineSlug(ctx, ds.PipelineID)
			slugs[ds.PipelineID] = ps
		}
		out = append(out, Entry{Dataset: ds, Pipeline: ps, Flags: flags})
	}
	return out, nil
}

// SetState enables or disables a dataset. Disabled datasets are not handed to pipelines.
func (s *Service) SetState(ctx context.Context, caller permissions.Caller, slug string, state domain.DatasetState) (domain.Dataset, error) {
	if !state.Valid() {
		return domain.Dataset{}, fmt.Errorf("invalid dataset state %q", state)
	}
	ds, err := s.Resolve(ctx, slug)
	if err != nil {
		return domain.Dataset{}, err
	}
	if err := s.gate.Require(ctx, caller.Identity, ds.ID, domain.PermissionPublish); err != nil {
		return domain.Dataset{}, err
	}
	if ds.State == state {
		return ds, nil
	}
	updated, err := s.datasets.UpdateState(ctx, ds.ID, state)
	if err != nil {
		return domain.Dataset{}, err
	}
	s.appendAudit(ctx, caller.Event(domain.ActionDatasetState, domain.ResourceDataset, ds.ID, domain.Metadata{
		"from": string(ds.State),
		"to":   string(state),
	}))
	return updated, nil
}

// ForPipeline lists, for every Active dataset of the pipeline, its Published
// and Testing configs.
func (s *Service) ForPipeline(ctx context.Context, pipelineSlug string) ([]PipelineConfig, error) {
	pipeline, err := s.pipelines.GetBySlug(ctx, strings.TrimSpace(pipelineSlug))
	if err != nil {
		return nil, err
	}
	datasets, err := s.datasets.List(ctx, repo.DatasetFilter{PipelineID: pipeline.ID, State: domain.DatasetActive})
	if err != nil {
		return nil, err
	}
	out := make([]PipelineConfig, 0, len(datasets))
	for _, ds := range datasets {
		for _, state := range []domain.ConfigState{domain.ConfigPublished, domain.ConfigTesting} {
			cfgs, err := s.configs.ListByDataset(ctx, ds.ID, state)
			if err != nil {
				return nil, fmt.Errorf("dataset %s configs: %w", ds.Slug, err)
			}
			for _, cfg := range cfgs {
				out = append(out, PipelineConfig{Slug: ds.Slug, Config: cfg.Config, ConfigState: cfg.State})
			}
		}
	}
	return out, nil
}

func (s *Service) ListGrants(ctx context.Context, caller permissions.Caller, slug string) ([]domain.Grant, error) {
	ds, err := s.manageable(ctx, caller, slug)
	if err != nil {
		return nil, err
	}
	return s.gate.ListGrants(ctx, ds.ID)
}

func (s *Service) Grant(ctx context.Context, caller permissions.Caller, slug, grantee string, p domain.Permission) error {
	ds, err := s.manageable(ctx, caller, slug)
	if err != nil {
		return err
	}
	if err := s.gate.Grant(ctx, grantee, ds.ID, p, caller.Actor()); err != nil {
		return err
	}
	s.appendAudit(ctx, caller.Event(domain.ActionPermissionGranted, domain.ResourceDataset, ds.ID, domain.Metadata{
		"grantee":    grantee,
		"permission": string(p),
	}))
	return nil
}

// Revoke removes one permission level; it reports whether a record existed.
func (s *Service) Revoke(ctx context.Context, caller permissions.Caller, slug, grantee string, p domain.Permission) (bool, error) {
	ds, err := s.manageable(ctx, caller, slug)
	if err != nil {
		return false, err
	}
	removed, err := s.gate.Revoke(ctx, grantee, ds.ID, p)
	if err != nil || !removed {
		return removed, err
	}
	s.appendAudit(ctx, caller.Event(domain.ActionPermissionRevoked, domain.ResourceDataset, ds.ID, domain.Metadata{
		"grantee":    grantee,
		"permission": string(p),
	}))
	return true, nil
}

func (s *Service) manageable(ctx context.Context, caller permissions.Caller, slug string) (domain.Dataset, error) {
	ds, err := s.Resolve(ctx, slug)
	if err != nil {
		return domain.Dataset{}, err
	}
	if err := s.gate.Require(ctx, caller.Identity, ds.ID, domain.PermissionPublish); err != nil {
		return domain.Dataset{}, err
	}
	return ds, nil
}

func (s *Service) pipelineSlug(ctx context.Context, id string) string {
	p, err := s.pipelines.Get(ctx, id)
	if err != nil {
		s.logger.Warn("dataset pipeline lookup failed", "pipeline_id", id, "error", err)
		return ""
	}
	return p.Slug
}

func (s *Service) appendAudit(ctx context.Context, event domain.AuditEvent) {
	if s.audit == nil {
		return
	}
	if _, err := s.audit.Append(ctx, event); err != nil {
		s.logger.Warn("audit append failed", "action", event.Action, "resource_id", event.ResourceID, "error", err)
	}
}
