// Package configs manages versioned dataset configurations and their
// Draft/Testing/Published lifecycle.
package configs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/buoy-retriever/retriever-go/internal/domain"
	"github.com/buoy-retriever/retriever-go/internal/platform/configschema"
	"github.com/buoy-retriever/retriever-go/internal/repo"
	"github.com/buoy-retriever/retriever-go/internal/service/permissions"
)

var (
	ErrInvalidPayload     = errors.New("invalid config payload")
	ErrInvariantViolation = repo.ErrInvariantViolation
)

type Service struct {
	configs   repo.ConfigRepository
	datasets  repo.DatasetRepository
	pipelines repo.PipelineRepository
	gate      *permissions.Gate
	audit     repo.AuditEventAppender
	schemas   *configschema.Cache
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
}

func New(
	configRepo repo.ConfigRepository,
	datasetRepo repo.DatasetRepository,
	pipelineRepo repo.PipelineRepository,
	gate *permissions.Gate,
	audit repo.AuditEventAppender,
	logger *slog.Logger,
) *Service {
	if configRepo == nil || datasetRepo == nil || pipelineRepo == nil || gate == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		configs:   configRepo,
		datasets:  datasetRepo,
		pipelines: pipelineRepo,
		gate:      gate,
		audit:     audit,
		schemas:   configschema.NewCache(),
		logger:    logger,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// CreateDraft stores payload as a new Draft config of the dataset.
func (s *Service) CreateDraft(ctx context.Context, caller permissions.Caller, datasetID string, payload json.RawMessage) (domain.DatasetConfig, error) {
	dataset, err := s.datasets.Get(ctx, datasetID)
	if err != nil {
		return domain.DatasetConfig{}, err
	}
	if err := s.gate.Require(ctx, caller.Identity, dataset.ID, domain.PermissionEdit); err != nil {
		return domain.DatasetConfig{}, err
	}
	if err := s.validatePayload(ctx, dataset, payload); err != nil {
		return domain.DatasetConfig{}, err
	}
	cfg, err := s.insertDraft(ctx, caller, dataset.ID, payload)
	if err != nil {
		return domain.DatasetConfig{}, err
	}
	s.appendAudit(ctx, caller.Event(domain.ActionConfigCreated, domain.ResourceDatasetConfig, cfg.ID, domain.Metadata{
		"dataset_id": dataset.ID,
		"dataset":    dataset.Slug,
	}))
	return cfg, nil
}

func (s *Service) Get(ctx context.Context, caller permissions.Caller, configID string) (domain.DatasetConfig, error) {
	cfg, err := s.configs.Get(ctx, strings.TrimSpace(configID))
	if err != nil {
		return domain.DatasetConfig{}, err
	}
	if err := s.gate.Require(ctx, caller.Identity, cfg.DatasetID, domain.PermissionView); err != nil {
		return domain.DatasetConfig{}, err
	}
	return cfg, nil
}

// List returns the configs of a dataset, newest first, optionally filtered by state.
func (s *Service) List(ctx context.Context, caller permissions.Caller, datasetID string, states ...domain.ConfigState) ([]domain.DatasetConfig, error) {
	if _, err := s.datasets.Get(ctx, datasetID); err != nil {
		return nil, err
	}
	if err := s.gate.Require(ctx, caller.Identity, datasetID, domain.PermissionView); err != nil {
		return nil, err
	}
	return s.configs.ListByDataset(ctx, datasetID, states...)
}

// UpdatePayload edits a Draft in place. A Testing or Published config is
// left untouched and the edit lands on a new Draft; copied reports which
// path was taken.
func (s *Service) UpdatePayload(ctx context.Context, caller permissions.Caller, configID string, payload json.RawMessage) (cfg domain.DatasetConfig, copied bool, err error) {
	current, err := s.configs.Get(ctx, strings.TrimSpace(configID))
	if err != nil {
		return domain.DatasetConfig{}, false, err
	}
	dataset, err := s.datasets.Get(ctx, current.DatasetID)
	if err != nil {
		return domain.DatasetConfig{}, false, err
	}
	if err := s.gate.Require(ctx, caller.Identity, dataset.ID, domain.PermissionEdit); err != nil {
		return domain.DatasetConfig{}, false, err
	}
	if err := s.validatePayload(ctx, dataset, payload); err != nil {
		return domain.DatasetConfig{}, false, err
	}

	if current.State == domain.ConfigDraft {
		cfg, err = s.configs.UpdateDraftPayload(ctx, current.ID, payload)
		switch {
		case err == nil:
			s.appendAudit(ctx, caller.Event(domain.ActionConfigUpdated, domain.ResourceDatasetConfig, cfg.ID, domain.Metadata{
				"dataset_id": dataset.ID,
			}))
			return cfg, false, nil
		case !errors.Is(err, repo.ErrConflict):
			return domain.DatasetConfig{}, false, err
		}
		// Promoted between the read and the write.
	}

	cfg, err = s.insertDraft(ctx, caller, dataset.ID, payload)
	if err != nil {
		return domain.DatasetConfig{}, false, err
	}
	s.appendAudit(ctx, caller.Event(domain.ActionConfigCreated, domain.ResourceDatasetConfig, cfg.ID, domain.Metadata{
		"dataset_id":  dataset.ID,
		"copied_from": current.ID,
	}))
	return cfg, true, nil
}

// SetState moves a config to state. Promoting to Testing or Published demotes
// the dataset's current holder of that state to Draft in the same operation.
// Publishing a config and taking a Published one down both need Publish.
func (s *Service) SetState(ctx context.Context, caller permissions.Caller, configID string, state domain.ConfigState) (domain.DatasetConfig, error) {
	if !state.Valid() {
		return domain.DatasetConfig{}, fmt.Errorf("invalid config state %q", state)
	}
	current, err := s.configs.Get(ctx, strings.TrimSpace(configID))
	if err != nil {
		return domain.DatasetConfig{}, err
	}
	required := domain.PermissionEdit
	if state == domain.ConfigPublished || current.State == domain.ConfigPublished {
		required = domain.PermissionPublish
	}
	if err := s.gate.Require(ctx, caller.Identity, current.DatasetID, required); err != nil {
		return domain.DatasetConfig{}, err
	}

	change, err := s.configs.SetState(ctx, current.ID, state)
	if err != nil {
		return domain.DatasetConfig{}, err
	}
	if change.From != change.Config.State {
		s.appendAudit(ctx, caller.Event(domain.ActionConfigState, domain.ResourceDatasetConfig, change.Config.ID, domain.Metadata{
			"dataset_id": change.Config.DatasetID,
			"from":       string(change.From),
			"to":         string(change.Config.State),
			"demoted":    change.Demoted,
		}))
	}
	return change.Config, nil
}

func (s *Service) insertDraft(ctx context.Context, caller permissions.Caller, datasetID string, payload json.RawMessage) (domain.DatasetConfig, error) {
	now := s.now().UTC()
	cfg := domain.DatasetConfig{
		ID:        s.newID(),
		DatasetID: datasetID,
		Config:    append(json.RawMessage(nil), payload...),
		State:     domain.ConfigDraft,
		CreatedBy: caller.Actor(),
		CreatedAt: now,
		EditedAt:  now,
	}
	if err := s.configs.Create(ctx, cfg); err != nil {
		return domain.DatasetConfig{}, err
	}
	return cfg, nil
}

func (s *Service) validatePayload(ctx context.Context, dataset domain.Dataset, payload json.RawMessage) error {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' || !json.Valid(trimmed) {
		return fmt.Errorf("%w: config must be a JSON object", ErrInvalidPayload)
	}
	pipeline, err := s.pipelines.Get(ctx, dataset.PipelineID)
	if err != nil {
		return fmt.Errorf("load pipeline %s: %w", dataset.PipelineID, err)
	}
	if err := s.schemas.Validate(pipeline.Slug, pipeline.ConfigSchema, trimmed); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	return nil
}

func (s *Service) appendAudit(ctx context.Context, event domain.AuditEvent) {
	if s.audit == nil {
		return
	}
	if _, err := s.audit.Append(ctx, event); err != nil {
		s.logger.Warn("audit append failed", "action", event.Action, "resource_id", event.ResourceID, "error", err)
	}
}
