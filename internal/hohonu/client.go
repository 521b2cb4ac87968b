// Package hohonu fetches tide gauge water levels from the Hohonu API.
package hohonu

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/buoy-retriever/retriever-go/internal/partition"
	"github.com/buoy-retriever/retriever-go/internal/platform/env"
	"github.com/buoy-retriever/retriever-go/internal/platform/metrics"
)

const DefaultBaseURL = "https://dashboard.hohonu.io/api/v1"

// ErrNoData is returned when the API answers without usable observations.
var ErrNoData = errors.New("no data available")

type Config struct {
	BaseURL   string
	APIKey    string
	Timeout   time.Duration
	RateLimit float64
	Burst     int
	Datum     string
}

func ConfigFromEnv() (Config, error) {
	timeout, err := env.Duration("HOHONU_TIMEOUT", 30*time.Second)
	if err != nil {
		return Config{}, err
	}
	limit, err := env.Float("HOHONU_RATE_LIMIT", 1)
	if err != nil {
		return Config{}, err
	}
	burst, err := env.Int("HOHONU_RATE_BURST", 2)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		BaseURL:   env.String("HOHONU_BASE_URL", DefaultBaseURL),
		APIKey:    env.String("HOHONU_API_KEY", ""),
		Timeout:   timeout,
		RateLimit: limit,
		Burst:     burst,
		Datum:     env.String("HOHONU_DATUM", "NAVD"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return errors.New("HOHONU_API_KEY is required")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid hohonu base url %q", c.BaseURL)
	}
	if c.RateLimit <= 0 {
		return errors.New("hohonu rate limit must be positive")
	}
	if c.Burst <= 0 {
		return errors.New("hohonu rate burst must be positive")
	}
	return nil
}

// StatusError is a non-2xx answer from the API.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("hohonu returned %d: %s", e.StatusCode, e.Body)
}

type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

func NewClient(cfg Config, transport http.RoundTripper) *Client {
	if cfg.Datum == "" {
		cfg.Datum = "NAVD"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout, Transport: transport},
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "hohonu",
			MaxRequests: 1,
			Timeout:     time.Minute,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			// 4xx answers do not count against the breaker.
			IsSuccessful: func(err error) bool {
				var se *StatusError
				if errors.As(err, &se) {
					return se.StatusCode < 500
				}
				return err == nil
			},
		}),
	}
}

// Daily loads the water levels of one station for a YYYY-MM-DD partition.
func (c *Client) Daily(ctx context.Context, stationID, day string) (Response, error) {
	from, to, err := partition.Window(day)
	if err != nil {
		return Response{}, err
	}
	q := url.Values{}
	q.Set("from", from.Format(partition.DailyLayout))
	q.Set("to", to.Format(partition.DailyLayout))
	q.Set("datum", c.cfg.Datum)
	q.Set("qc_level", "1")
	q.Set("predictions", "false")
	endpoint := strings.TrimSuffix(c.cfg.BaseURL, "/") + "/stations/" + url.PathEscape(stationID) + "/waterlevel?" + q.Encode()

	if err := c.limiter.Wait(ctx); err != nil {
		return Response{}, fmt.Errorf("rate limiter: %w", err)
	}
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.get(ctx, endpoint)
	})
	if err != nil {
		metrics.VendorRequests.WithLabelValues("hohonu", outcome(err)).Inc()
		return Response{}, fmt.Errorf("hohonu station %s day %s: %w", stationID, day, err)
	}
	metrics.VendorRequests.WithLabelValues("hohonu", "ok").Inc()
	resp := out.(Response)
	if len(resp.Data.WaterLevel) == 0 {
		return Response{}, fmt.Errorf("station %s day %s: %w", stationID, day, ErrNoData)
	}
	return resp, nil
}

func (c *Client) get(ctx context.Context, endpoint string) (Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Response{}, err
	}
	req.Header.Set("Authorization", c.cfg.APIKey)
	req.Header.Set("Accept", "application/json")
	res, err := c.http.Do(req)
	if err != nil {
		return Response{}, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 32<<20))
	if err != nil {
		return Response{}, err
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return Response{}, &StatusError{StatusCode: res.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	var out Response
	if err := json.Unmarshal(body, &out); err != nil {
		return Response{}, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}

func outcome(err error) string {
	var se *StatusError
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return "breaker_open"
	case errors.As(err, &se):
		return fmt.Sprintf("http_%d", se.StatusCode)
	default:
		return "error"
	}
}
