package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type ConfigState string

const (
	ConfigDraft     ConfigState = "Draft"
	ConfigTesting   ConfigState = "Testing"
	ConfigPublished ConfigState = "Published"
)

func (s ConfigState) Valid() bool {
	switch s {
	case ConfigDraft, ConfigTesting, ConfigPublished:
		return true
	default:
		return false
	}
}

// Exclusive reports whether at most one config per dataset may hold the state.
func (s ConfigState) Exclusive() bool {
	return s == ConfigTesting || s == ConfigPublished
}

// ParseConfigState accepts the canonical names case-insensitively.
func ParseConfigState(raw string) (ConfigState, error) {
	for _, s := range []ConfigState{ConfigDraft, ConfigTesting, ConfigPublished} {
		if strings.EqualFold(strings.TrimSpace(raw), string(s)) {
			return s, nil
		}
	}
	return "", fmt.Errorf("invalid config state %q", raw)
}

// DatasetConfig is one version of a dataset's configuration document. The
// payload is opaque here and validated against the pipeline schema at the edge.
type DatasetConfig struct {
	ID        string
	DatasetID string
	Config    json.RawMessage
	State     ConfigState
	CreatedBy string
	CreatedAt time.Time
	EditedAt  time.Time
}

func (c DatasetConfig) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return errors.New("config id is required")
	}
	if strings.TrimSpace(c.DatasetID) == "" {
		return errors.New("dataset id is required")
	}
	if !c.State.Valid() {
		return fmt.Errorf("invalid config state %q", c.State)
	}
	if len(c.Config) == 0 || !json.Valid(c.Config) {
		return errors.New("config must be a JSON document")
	}
	return nil
}

// ConfigStateCounts tallies the configs of one dataset per state.
type ConfigStateCounts map[ConfigState]int

// CheckExclusive verifies the one-Testing, one-Published invariant.
func (c ConfigStateCounts) CheckExclusive() error {
	for _, s := range []ConfigState{ConfigTesting, ConfigPublished} {
		if c[s] > 1 {
			return fmt.Errorf("%d configs in state %s", c[s], s)
		}
	}
	return nil
}
