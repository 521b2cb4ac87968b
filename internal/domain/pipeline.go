package domain

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Pipeline is an ETL pipeline that registers itself with the backend along with
// the JSON schema its dataset configurations must satisfy.
type Pipeline struct {
	ID           string
	Slug         string
	Name         string
	Description  string
	ConfigSchema json.RawMessage
	Active       bool
	CreatedAt    time.Time
	EditedAt     time.Time
}

func (p Pipeline) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return errors.New("pipeline id is required")
	}
	if err := ValidateSlug(p.Slug); err != nil {
		return err
	}
	if strings.TrimSpace(p.Name) == "" {
		return errors.New("pipeline name is required")
	}
	return nil
}
