// Package s3timeseries is the pipeline collecting daily CSV files that data
// providers drop into an S3 bucket.
package s3timeseries

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/buoy-retriever/retriever-go/internal/backendapi"
	"github.com/buoy-retriever/retriever-go/internal/domain"
	"github.com/buoy-retriever/retriever-go/internal/partition"
	"github.com/buoy-retriever/retriever-go/internal/pipelines"
	"github.com/buoy-retriever/retriever-go/internal/platform/objectstore"
	"github.com/buoy-retriever/retriever-go/internal/sensor"
)

const Slug = "s3_timeseries"

var (
	//go:embed schema.json
	schema []byte
	//go:embed attributes.yaml
	attributesYAML []byte
)

type Reader struct {
	Sep     *string `json:"sep"`
	Comment *string `json:"comment"`
}

type FilePattern struct {
	DayPattern string `json:"day_pattern"`
}

type Source struct {
	Bucket string `json:"bucket"`
	Prefix string `json:"prefix"`
}

type VarMap struct {
	Source string `json:"source"`
	Output string `json:"output"`
}

// ProfileDepth maps the columns measured at one depth, e.g. CurSpd3, onto
// the shared output names. Depth is written to the depth column when set.
type ProfileDepth struct {
	Depth    *float64          `json:"depth"`
	Mappings map[string]string `json:"mappings"`
}

type Config struct {
	StartDate        string               `json:"start_date"`
	Reader           Reader               `json:"reader"`
	DatasetType      string               `json:"dataset_type"`
	SourceTimeVar    string               `json:"source_time_var"`
	FilePattern      FilePattern          `json:"file_pattern"`
	S3Source         Source               `json:"s3_source"`
	Station          string               `json:"station"`
	Latitude         *float64             `json:"latitude"`
	Longitude        *float64             `json:"longitude"`
	DropVars         []string             `json:"drop_vars"`
	VariableMappings []VarMap             `json:"variable_mappings"`
	ProfileData      []ProfileDepth       `json:"profile_data"`
	Attributes       pipelines.Attributes `json:"attributes"`
}

func (c *Config) Validate() error {
	if c.SourceTimeVar == "" {
		c.SourceTimeVar = "datetime"
	}
	if c.S3Source.Prefix == "" {
		c.S3Source.Prefix = "/"
	}
	if _, err := partition.NewDaily(c.StartDate); err != nil {
		return err
	}
	if _, err := sensor.ParsePattern(c.FilePattern.DayPattern); err != nil {
		return err
	}
	if strings.TrimSpace(c.S3Source.Bucket) == "" {
		return errors.New("s3_source.bucket is required")
	}
	if strings.TrimSpace(c.Station) == "" {
		return errors.New("station is required")
	}
	switch c.DatasetType {
	case "timeseries":
	case "profile":
		if len(c.ProfileData) == 0 {
			return errors.New("profile_data is required for profile datasets")
		}
		for i, d := range c.ProfileData {
			if len(d.Mappings) == 0 {
				return fmt.Errorf("profile_data[%d].mappings is required", i)
			}
		}
	default:
		return fmt.Errorf("dataset_type %q must be timeseries or profile", c.DatasetType)
	}
	for name, v := range map[string]*string{"sep": c.Reader.Sep, "comment": c.Reader.Comment} {
		if v != nil && len([]rune(*v)) > 1 {
			return fmt.Errorf("reader.%s must be a single character", name)
		}
	}
	return nil
}

type Pipeline struct {
	source objectstore.Store
}

// New builds the pipeline reading provider files from source.
func New(source objectstore.Store) *Pipeline {
	return &Pipeline{source: source}
}

func (p *Pipeline) Definition() backendapi.PipelineDefinition {
	return backendapi.PipelineDefinition{
		Slug:         Slug,
		Name:         "S3 Timeseries",
		Description:  "Fetch time series data from CSV files in S3",
		ConfigSchema: schema,
	}
}

func (p *Pipeline) Build(ctx context.Context, env pipelines.Env, entries []backendapi.Dataset) (pipelines.Plan, error) {
	if err := env.Validate(); err != nil {
		return pipelines.Plan{}, err
	}
	if p.source == nil {
		return pipelines.Plan{}, errors.New("s3_timeseries needs a source store")
	}
	env = env.WithDefaults()
	base, err := pipelines.ParseAttributes(attributesYAML)
	if err != nil {
		return pipelines.Plan{}, err
	}

	var plan pipelines.Plan
	for _, ds := range backendapi.DecodeAll[Config](env.Logger, entries) {
		ds := ds
		pattern, _ := sensor.ParsePattern(ds.Config.FilePattern.DayPattern)
		daily, _ := partition.NewDaily(ds.Config.StartDate)
		c := &collector{source: p.source, env: env, dataset: ds, pattern: pattern}

		jobName := pipelines.DailyJobName(ds.Key())
		job := func(ctx context.Context, run domain.Run) error {
			if !daily.Contains(run.Partition, env.Now()) {
				return fmt.Errorf("partition %s outside %s", run.Partition, ds.Slug)
			}
			return c.collect(ctx, run.Partition)
		}
		if err := plan.AddJob(jobName, job); err != nil {
			return pipelines.Plan{}, err
		}

		name := sensor.Name(ds.Key())
		cursor := sensor.NewCursor()
		if env.Cursors != nil {
			if cursor, err = sensor.LoadCursor(ctx, env.Cursors, name); err != nil {
				return pipelines.Plan{}, err
			}
		}
		s, err := sensor.New(sensor.Config{
			Name:       name,
			Job:        jobName,
			Bucket:     ds.Config.S3Source.Bucket,
			Prefix:     ds.Config.S3Source.Prefix,
			Pattern:    pattern,
			Partitions: daily,
		}, p.source, sensor.NewDeduplicator(env.Runs), cursor, env.Logger.With("dataset", ds.Slug))
		if err != nil {
			return pipelines.Plan{}, fmt.Errorf("sensor for %s: %w", ds.Slug, err)
		}
		plan.Sensors = append(plan.Sensors, s)

		global := map[string]any{"station": ds.Config.Station}
		if ds.Config.Latitude != nil {
			global["latitude"] = *ds.Config.Latitude
		}
		if ds.Config.Longitude != nil {
			global["longitude"] = *ds.Config.Longitude
		}
		attrs := base.Merge(ds.Config.Attributes).Merge(pipelines.Attributes{Global: global})
		if err := pipelines.PublishAttributes(ctx, env, ds.Key(), attrs); err != nil {
			env.Logger.Warn("publish attributes failed", "dataset", ds.Slug, "error", err)
		}
	}
	return plan, nil
}
