package domain

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

type DatasetState string

const (
	DatasetActive   DatasetState = "Active"
	DatasetDisabled DatasetState = "Disabled"
)

func (s DatasetState) Valid() bool {
	return s == DatasetActive || s == DatasetDisabled
}

// Dataset is a single station or source feed processed by one pipeline. Its
// configuration lives in versioned DatasetConfig records.
type Dataset struct {
	ID         string
	Slug       string
	State      DatasetState
	PipelineID string
	CreatedAt  time.Time
	EditedAt   time.Time
}

var slugPattern = regexp.MustCompile(`^[-a-zA-Z0-9_]+$`)

// ValidateSlug accepts letters, digits, hyphens and underscores.
func ValidateSlug(slug string) error {
	slug = strings.TrimSpace(slug)
	if slug == "" {
		return errors.New("slug is required")
	}
	if !slugPattern.MatchString(slug) {
		return fmt.Errorf("invalid slug %q", slug)
	}
	return nil
}

// SafeSlug is the identifier used for job names and datastore paths.
func SafeSlug(slug string) string {
	return strings.ReplaceAll(strings.ToLower(slug), "-", "_")
}

func (d Dataset) SafeSlug() string {
	return SafeSlug(d.Slug)
}

func (d Dataset) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return errors.New("dataset id is required")
	}
	if err := ValidateSlug(d.Slug); err != nil {
		return err
	}
	if !d.State.Valid() {
		return fmt.Errorf("invalid dataset state %q", d.State)
	}
	if strings.TrimSpace(d.PipelineID) == "" {
		return errors.New("pipeline id is required")
	}
	return nil
}
