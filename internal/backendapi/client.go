// Package backendapi is the pipeline-side client of the backend HTTP API.
package backendapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/buoy-retriever/retriever-go/internal/domain"
	"github.com/buoy-retriever/retriever-go/internal/platform/auth"
	"github.com/buoy-retriever/retriever-go/internal/platform/env"
)

type Config struct {
	BaseURL string
	// APIKey is sent as the pipeline token. When empty and TokenSecret is
	// set, a token is issued per pipeline.
	APIKey      string
	TokenSecret string
	TokenTTL    time.Duration
	Timeout     time.Duration
}

func ConfigFromEnv() (Config, error) {
	timeout, err := env.Duration("PIPELINE_BACKEND_TIMEOUT", 30*time.Second)
	if err != nil {
		return Config{}, err
	}
	ttl, err := env.Duration("PIPELINE_TOKEN_TTL", time.Hour)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		BaseURL:     env.String("PIPELINE_BACKEND_URL", "http://backend:8080/backend/api/"),
		APIKey:      env.String("PIPELINE_API_KEY", ""),
		TokenSecret: env.String("PIPELINE_TOKEN_SECRET", ""),
		TokenTTL:    ttl,
		Timeout:     timeout,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid backend url %q", c.BaseURL)
	}
	if c.Timeout <= 0 {
		return errors.New("backend timeout must be positive")
	}
	return nil
}

// PipelineDefinition is posted on startup to register a pipeline.
type PipelineDefinition struct {
	Slug         string          `json:"slug"`
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	ConfigSchema json.RawMessage `json:"config_schema"`
}

type Pipeline struct {
	ID     string `json:"id"`
	Slug   string `json:"slug"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

// Dataset is one promoted dataset config as served by the backend.
type Dataset struct {
	Slug        string             `json:"slug"`
	Config      json.RawMessage    `json:"config"`
	ConfigState domain.ConfigState `json:"config_state"`
}

// HTTPError is a non-2xx backend answer.
type HTTPError struct {
	StatusCode int
	Code       string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("backend returned %d (%s)", e.StatusCode, e.Code)
	}
	return fmt.Sprintf("backend returned %d", e.StatusCode)
}

type Client struct {
	cfg  Config
	http *http.Client
	now  func() time.Time
}

func NewClient(cfg Config, transport http.RoundTripper) *Client {
	if !strings.HasSuffix(cfg.BaseURL, "/") {
		cfg.BaseURL += "/"
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout, Transport: transport},
		now:  time.Now,
	}
}

// RegisterPipeline creates or updates the pipeline on the backend.
func (c *Client) RegisterPipeline(ctx context.Context, def PipelineDefinition) (Pipeline, error) {
	body, err := json.Marshal(def)
	if err != nil {
		return Pipeline{}, err
	}
	var out Pipeline
	if err := c.do(ctx, def.Slug, http.MethodPost, "pipelines/", body, &out); err != nil {
		return Pipeline{}, fmt.Errorf("register pipeline %s: %w", def.Slug, err)
	}
	return out, nil
}

// DatasetsForPipeline returns the Published and Testing configs of every
// active dataset of the pipeline.
func (c *Client) DatasetsForPipeline(ctx context.Context, pipelineSlug string) ([]Dataset, error) {
	var out []Dataset
	path := "datasets/by-pipeline/" + url.PathEscape(pipelineSlug) + "/"
	if err := c.do(ctx, pipelineSlug, http.MethodGet, path, nil, &out); err != nil {
		return nil, fmt.Errorf("datasets for pipeline %s: %w", pipelineSlug, err)
	}
	return out, nil
}

func (c *Client) token(pipeline string) (string, error) {
	if c.cfg.APIKey != "" {
		return c.cfg.APIKey, nil
	}
	if c.cfg.TokenSecret == "" {
		return "", nil
	}
	return auth.IssuePipelineToken(c.cfg.TokenSecret, pipeline, c.cfg.TokenTTL, c.now())
}

func (c *Client) do(ctx context.Context, pipeline, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	token, err := c.token(pipeline)
	if err != nil {
		return fmt.Errorf("issue pipeline token: %w", err)
	}
	if token != "" {
		req.Header.Set(auth.HeaderAPIKey, token)
	}
	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	data, err := io.ReadAll(io.LimitReader(res.Body, 16<<20))
	if err != nil {
		return err
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		var payload struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(data, &payload)
		return &HTTPError{StatusCode: res.StatusCode, Code: payload.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Validator is implemented by typed configs with checks beyond decoding.
type Validator interface {
	Validate() error
}

// Typed is a dataset whose config decoded into the pipeline's config type.
type Typed[C any] struct {
	Slug        string
	ConfigState domain.ConfigState
	Config      C
}

// Key names the dataset's jobs, sensors and datastore root. Testing configs
// run beside the Published one under a separate key.
func (t Typed[C]) Key() string {
	key := domain.SafeSlug(t.Slug)
	if t.ConfigState == domain.ConfigTesting {
		key += "_testing"
	}
	return key
}

// DecodeAll decodes every entry into C. Entries that fail to decode or
// validate are logged and skipped.
func DecodeAll[C any](logger *slog.Logger, entries []Dataset) []Typed[C] {
	if logger == nil {
		logger = slog.Default()
	}
	out := make([]Typed[C], 0, len(entries))
	for _, e := range entries {
		var cfg C
		if err := json.Unmarshal(e.Config, &cfg); err != nil {
			logger.Warn("skipping dataset with undecodable config", "dataset", e.Slug, "state", e.ConfigState, "error", err)
			continue
		}
		if v, ok := any(&cfg).(Validator); ok {
			if err := v.Validate(); err != nil {
				logger.Warn("skipping dataset with invalid config", "dataset", e.Slug, "state", e.ConfigState, "error", err)
				continue
			}
		}
		out = append(out, Typed[C]{Slug: e.Slug, ConfigState: e.ConfigState, Config: cfg})
	}
	return out
}
