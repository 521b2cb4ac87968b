package repo

import (
	"context"
	"encoding/json"

	"github.com/buoy-retriever/retriever-go/internal/domain"
)

type DatasetFilter struct {
	PipelineID string
	State      domain.DatasetState
	Limit      int
}

type PipelineRepository interface {
	// Upsert creates the pipeline or updates the existing one with the same slug.
	Upsert(ctx context.Context, pipeline domain.Pipeline) (domain.Pipeline, error)
	Get(ctx context.Context, id string) (domain.Pipeline, error)
	GetBySlug(ctx context.Context, slug string) (domain.Pipeline, error)
	List(ctx context.Context) ([]domain.Pipeline, error)
}

type DatasetRepository interface {
	Create(ctx context.Context, dataset domain.Dataset) error
	Get(ctx context.Context, id string) (domain.Dataset, error)
	GetBySlug(ctx context.Context, slug string) (domain.Dataset, error)
	List(ctx context.Context, filter DatasetFilter) ([]domain.Dataset, error)
	UpdateState(ctx context.Context, id string, state domain.DatasetState) (domain.Dataset, error)
}

// StateChange is the outcome of a config state write.
type StateChange struct {
	Config domain.DatasetConfig
	From   domain.ConfigState
	// Demoted lists configs moved back to Draft to make room for Config.
	Demoted []string
}

// ConfigRepository stores versioned dataset configs. SetState must be atomic
// and serialized per dataset.
type ConfigRepository interface {
	Create(ctx context.Context, cfg domain.DatasetConfig) error
	Get(ctx context.Context, id string) (domain.DatasetConfig, error)
	ListByDataset(ctx context.Context, datasetID string, states ...domain.ConfigState) ([]domain.DatasetConfig, error)
	// UpdateDraftPayload replaces the payload of a Draft config. It returns
	// ErrConflict when the config is no longer a Draft.
	UpdateDraftPayload(ctx context.Context, id string, payload json.RawMessage) (domain.DatasetConfig, error)
	SetState(ctx context.Context, id string, state domain.ConfigState) (StateChange, error)
	StateCounts(ctx context.Context, datasetID string) (domain.ConfigStateCounts, error)
}

type PermissionRepository interface {
	// Insert is idempotent on (grantee, dataset, permission).
	Insert(ctx context.Context, grant domain.Grant) error
	Delete(ctx context.Context, grantee, datasetID string, permission domain.Permission) (bool, error)
	// Held returns every permission any of the grantees holds on the dataset.
	Held(ctx context.Context, grantees []string, datasetID string) (map[domain.Permission]bool, error)
	ListByDataset(ctx context.Context, datasetID string) ([]domain.Grant, error)
}

// AuditEventAppender appends immutable audit events.
type AuditEventAppender interface {
	Append(ctx context.Context, event domain.AuditEvent) (int64, error)
}

// RunRegistry tracks job runs per partition.
type RunRegistry interface {
	// Submit enqueues one Queued run per request, skipping requests whose
	// (job, request key) was already submitted. It returns the number enqueued.
	Submit(ctx context.Context, requests []domain.DispatchRequest) (int, error)
	Get(ctx context.Context, id string) (domain.Run, error)
	ListByStatus(ctx context.Context, job string, statuses []domain.RunStatus) ([]domain.Run, error)
	// ClaimNext moves the oldest Queued run of one of the jobs to Starting.
	// It returns ErrNotFound when nothing is queued.
	ClaimNext(ctx context.Context, jobs []string) (domain.Run, error)
	UpdateStatus(ctx context.Context, id string, status domain.RunStatus, message string) (domain.Run, error)
}

type CursorStore interface {
	Load(ctx context.Context, sensor string) (string, bool, error)
	Save(ctx context.Context, sensor string, value string) error
}
