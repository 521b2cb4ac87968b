package hohonu

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/sony/gobreaker"
)

const sample = `{
  "meta": {"location": "Wells", "station_id": "hohonu-180", "data_source": "hohonu", "measurement_type": "waterlevel",
           "datum": {"label": "NAVD", "unit": "feet"}},
  "data": {"waterlevel": [
    {"t": "2024-03-10T00:00:00Z", "o": 1.25, "p": null, "f": "1,1,1,1,1,2"},
    {"t": "2024-03-10T00:06:00Z", "o": 1.31, "p": null, "f": "1,1,1,1,1,1"}
  ]}
}`

func testClient(url string) *Client {
	return NewClient(Config{BaseURL: url, APIKey: "secret", RateLimit: 1000, Burst: 10}, nil)
}

func TestDailyBuildsRequest(t *testing.T) {
	var gotPath, gotQuery, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(sample))
	}))
	defer srv.Close()

	resp, err := testClient(srv.URL).Daily(context.Background(), "hohonu-180", "2024-03-10")
	if err != nil {
		t.Fatalf("Daily: %v", err)
	}
	if gotPath != "/stations/hohonu-180/waterlevel" {
		t.Fatalf("path=%q", gotPath)
	}
	if gotQuery != "datum=NAVD&from=2024-03-10&predictions=false&qc_level=1&to=2024-03-11" {
		t.Fatalf("query=%q", gotQuery)
	}
	if gotAuth != "secret" {
		t.Fatalf("authorization=%q", gotAuth)
	}
	if resp.Meta.Datum.Label != "NAVD" || len(resp.Data.WaterLevel) != 2 {
		t.Fatalf("resp=%+v", resp)
	}
}

func TestTableSplitsFlags(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(sample))
	}))
	defer srv.Close()
	resp, err := testClient(srv.URL).Daily(context.Background(), "hohonu-180", "2024-03-10")
	if err != nil {
		t.Fatalf("Daily: %v", err)
	}
	header, rows, err := resp.Table()
	if err != nil {
		t.Fatalf("Table: %v", err)
	}
	if len(header) != 9 || header[3] != "gap_test" || header[8] != "neighbor_test" {
		t.Fatalf("header=%v", header)
	}
	if rows[0][1] != "1.25" || rows[0][2] != "" || rows[0][8] != "2" {
		t.Fatalf("row=%v", rows[0])
	}
}

func TestDailyEmptyIsNoData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"meta":{},"data":{"waterlevel":[]}}`))
	}))
	defer srv.Close()
	_, err := testClient(srv.URL).Daily(context.Background(), "x", "2024-03-10")
	if !errors.Is(err, ErrNoData) {
		t.Fatalf("err=%v, want ErrNoData", err)
	}
}

func TestDailyStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unknown station", http.StatusNotFound)
	}))
	defer srv.Close()
	_, err := testClient(srv.URL).Daily(context.Background(), "x", "2024-03-10")
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusNotFound {
		t.Fatalf("err=%v, want 404 StatusError", err)
	}
}

func TestBreakerOpensAfterServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()
	c := testClient(srv.URL)
	for i := 0; i < 5; i++ {
		if _, err := c.Daily(context.Background(), "x", "2024-03-10"); err == nil {
			t.Fatalf("expected error")
		}
	}
	_, err := c.Daily(context.Background(), "x", "2024-03-10")
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("err=%v, want open breaker", err)
	}
	if got := calls.Load(); got != 5 {
		t.Fatalf("calls=%d, want 5", got)
	}
}

func TestDailyRejectsBadPartition(t *testing.T) {
	c := testClient("http://127.0.0.1:1")
	if _, err := c.Daily(context.Background(), "x", "March 10"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("HOHONU_API_KEY", "k")
	t.Setenv("HOHONU_RATE_LIMIT", "2.5")
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv: %v", err)
	}
	if cfg.RateLimit != 2.5 || cfg.BaseURL != DefaultBaseURL || cfg.Datum != "NAVD" {
		t.Fatalf("cfg=%+v", cfg)
	}
	t.Setenv("HOHONU_API_KEY", "")
	if _, err := ConfigFromEnv(); err == nil {
		t.Fatalf("expected error without api key")
	}
}
