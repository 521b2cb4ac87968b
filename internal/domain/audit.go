package domain

import (
	"errors"
	"net"
	"strings"
	"time"
)

// Actions recorded by the backend. Rejected requests are recorded as
// "auth.<reason>" against the http resource.
const (
	ActionPipelineRegistered = "pipeline.registered"
	ActionDatasetCreated     = "dataset.created"
	ActionDatasetState       = "dataset.state_changed"
	ActionPermissionGranted  = "permission.granted"
	ActionPermissionRevoked  = "permission.revoked"
	ActionConfigCreated      = "config.created"
	ActionConfigUpdated      = "config.updated"
	ActionConfigState        = "config.state_changed"
)

const (
	ResourcePipeline      = "pipeline"
	ResourceDataset       = "dataset"
	ResourceDatasetConfig = "dataset_config"
	ResourceHTTP          = "http"
)

// Metadata is the free-form payload of an audit event, stored as JSON.
type Metadata map[string]any

// AuditEvent records one change to a pipeline, dataset, grant or config, or
// one rejected request. Stored events are never updated; IntegritySHA256 is
// filled in on insert.
type AuditEvent struct {
	EventID         int64
	OccurredAt      time.Time
	Actor           string
	Action          string
	ResourceType    string
	ResourceID      string
	RequestID       string
	IP              net.IP
	UserAgent       string
	Payload         Metadata
	IntegritySHA256 string
}

func (e AuditEvent) Validate() error {
	if e.OccurredAt.IsZero() {
		return errors.New("occurred_at is required")
	}
	for _, f := range []struct{ name, value string }{
		{"actor", e.Actor},
		{"action", e.Action},
		{"resource_type", e.ResourceType},
		{"resource_id", e.ResourceID},
	} {
		if strings.TrimSpace(f.value) == "" {
			return errors.New(f.name + " is required")
		}
	}
	return nil
}
