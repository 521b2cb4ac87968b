package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/buoy-retriever/retriever-go/internal/platform/auth"
)

const tideSchema = `{
  "type": "object",
  "required": ["hohonu_id", "start_date"],
  "properties": {
    "hohonu_id": {"type": "string"},
    "start_date": {"type": "string"}
  }
}`

// headerAuthenticator trusts test headers in place of a real identity provider.
type headerAuthenticator struct{}

func (headerAuthenticator) Authenticate(_ context.Context, r *http.Request) (auth.Identity, error) {
	if p := r.Header.Get("X-Test-Pipeline"); p != "" {
		return auth.Identity{Pipeline: p}, nil
	}
	user := r.Header.Get("X-Test-User")
	if user == "" {
		return auth.Identity{}, auth.ErrUnauthenticated
	}
	var roles []string
	if raw := r.Header.Get("X-Test-Roles"); raw != "" {
		roles = strings.Split(raw, ",")
	}
	return auth.Identity{Subject: user, Roles: roles}, nil
}

type client struct {
	t       *testing.T
	handler http.Handler
	headers map[string]string
}

func newTestHandler(t *testing.T) http.Handler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h, err := newHandler(logger, memoryStores(), headerAuthenticator{}, nil, nil)
	if err != nil {
		t.Fatalf("newHandler: %v", err)
	}
	return h
}

func as(t *testing.T, h http.Handler, headers map[string]string) client {
	return client{t: t, handler: h, headers: headers}
}

func (c client) do(method, path string, body any, out any) int {
	c.t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			c.t.Fatalf("Marshal: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, apiPrefix+path, reader)
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	c.handler.ServeHTTP(rec, req)
	if out != nil && rec.Code < 300 {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			c.t.Fatalf("%s %s: decode %q: %v", method, path, rec.Body.String(), err)
		}
	}
	return rec.Code
}

type world struct {
	pipeline client
	editor   client
	olive    client
	stranger client
	config   datasetConfig
}

func setup(t *testing.T) world {
	t.Helper()
	h := newTestHandler(t)
	w := world{
		pipeline: as(t, h, map[string]string{"X-Test-Pipeline": "hohonu"}),
		editor:   as(t, h, map[string]string{"X-Test-User": "ed", "X-Test-Roles": "editor"}),
		olive:    as(t, h, map[string]string{"X-Test-User": "olive", "X-Test-Roles": "viewer"}),
		stranger: as(t, h, map[string]string{"X-Test-User": "sam", "X-Test-Roles": "viewer"}),
	}
	var p pipeline
	if code := w.pipeline.do(http.MethodPost, "/pipelines/", map[string]any{
		"slug": "hohonu", "name": "Hohonu", "config_schema": json.RawMessage(tideSchema),
	}, &p); code != http.StatusOK {
		t.Fatalf("register pipeline code=%d, want 200", code)
	}
	if !p.Active || p.Slug != "hohonu" {
		t.Fatalf("pipeline=%+v", p)
	}
	var ds dataset
	if code := w.editor.do(http.MethodPost, "/datasets/", createDatasetRequest{Slug: "wells-tide", Pipeline: "hohonu"}, &ds); code != http.StatusCreated {
		t.Fatalf("create dataset code=%d, want 201", code)
	}
	if !ds.UserCanEdit || !ds.UserCanPublish || ds.State != "Active" {
		t.Fatalf("dataset=%+v", ds)
	}
	if code := w.editor.do(http.MethodPost, "/datasets/wells-tide/configs", map[string]any{
		"config": map[string]any{"hohonu_id": "hohonu-180", "start_date": "2024-03-01"},
	}, &w.config); code != http.StatusCreated {
		t.Fatalf("create config code=%d, want 201", code)
	}
	if w.config.State != "Draft" {
		t.Fatalf("config state=%s, want Draft", w.config.State)
	}
	return w
}

func TestOpenAPIDocumentIsPublic(t *testing.T) {
	h := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, apiPrefix+"/openapi.json", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("code=%d, want 200", rec.Code)
	}
	var doc struct {
		Paths map[string]json.RawMessage `json:"paths"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	for _, p := range []string{"/pipelines/", "/datasets/by-pipeline/{pipeline_slug}/", "/configs/{config_id}/state"} {
		if _, ok := doc.Paths[p]; !ok {
			t.Fatalf("path %s missing from document", p)
		}
	}
}

func TestUnauthenticatedRequestsAreRejected(t *testing.T) {
	h := newTestHandler(t)
	code := as(t, h, nil).do(http.MethodGet, "/datasets/", nil, nil)
	if code != http.StatusUnauthorized {
		t.Fatalf("code=%d, want 401", code)
	}
}

func TestPipelineRoutesNeedPipelineToken(t *testing.T) {
	w := setup(t)
	if code := w.editor.do(http.MethodGet, "/datasets/by-pipeline/hohonu/", nil, nil); code != http.StatusForbidden {
		t.Fatalf("code=%d, want 403", code)
	}
	if code := w.editor.do(http.MethodPost, "/pipelines/", map[string]any{"slug": "x", "config_schema": map[string]any{}}, nil); code != http.StatusForbidden {
		t.Fatalf("code=%d, want 403", code)
	}
	if code := w.pipeline.do(http.MethodPost, "/pipelines/", map[string]any{
		"slug": "broken", "config_schema": map[string]any{"type": 12},
	}, nil); code != http.StatusUnprocessableEntity {
		t.Fatalf("code=%d, want 422 for an invalid schema", code)
	}
}

func TestConfigLifecycle(t *testing.T) {
	w := setup(t)
	id := w.config.ID

	var entries []struct {
		Slug        string          `json:"slug"`
		Config      json.RawMessage `json:"config"`
		ConfigState string          `json:"config_state"`
	}
	if code := w.pipeline.do(http.MethodGet, "/datasets/by-pipeline/hohonu/", nil, &entries); code != http.StatusOK || len(entries) != 0 {
		t.Fatalf("code=%d entries=%v, want no promoted configs", code, entries)
	}

	var cfg datasetConfig
	if code := w.editor.do(http.MethodPost, "/configs/"+id+"/state", configStateRequest{State: "Testing"}, &cfg); code != http.StatusOK {
		t.Fatalf("Testing code=%d, want 200", code)
	}
	if cfg.State != "Testing" {
		t.Fatalf("state=%s, want Testing", cfg.State)
	}
	if code := w.pipeline.do(http.MethodGet, "/datasets/by-pipeline/hohonu/", nil, &entries); code != http.StatusOK {
		t.Fatalf("by-pipeline code=%d", code)
	}
	if len(entries) != 1 || entries[0].Slug != "wells-tide" || entries[0].ConfigState != "Testing" {
		t.Fatalf("entries=%+v", entries)
	}

	// ed holds the whole ladder as the creator; a plain Edit grant cannot publish.
	if code := w.editor.do(http.MethodPost, "/datasets/wells-tide/permissions", grantRequest{Grantee: "user:olive", Permission: "edit"}, nil); code != http.StatusNoContent {
		t.Fatalf("grant code=%d, want 204", code)
	}
	if code := w.olive.do(http.MethodPost, "/configs/"+id+"/state", configStateRequest{State: "Published"}, nil); code != http.StatusForbidden {
		t.Fatalf("publish with edit code=%d, want 403", code)
	}
	if code := w.editor.do(http.MethodPost, "/datasets/wells-tide/permissions", grantRequest{Grantee: "user:olive", Permission: "publish"}, nil); code != http.StatusNoContent {
		t.Fatalf("grant code=%d, want 204", code)
	}
	if code := w.olive.do(http.MethodPost, "/configs/"+id+"/state", configStateRequest{State: "published"}, &cfg); code != http.StatusOK {
		t.Fatalf("publish code=%d, want 200", code)
	}
	if cfg.State != "Published" {
		t.Fatalf("state=%s, want Published", cfg.State)
	}

	var edited datasetConfig
	if code := w.editor.do(http.MethodPatch, "/configs/"+id, map[string]any{
		"config": map[string]any{"hohonu_id": "hohonu-181", "start_date": "2024-03-01"},
	}, &edited); code != http.StatusCreated {
		t.Fatalf("edit published code=%d, want 201", code)
	}
	if edited.ID == id || edited.State != "Draft" {
		t.Fatalf("edited=%+v, want a new Draft", edited)
	}
	var original datasetConfig
	if code := w.editor.do(http.MethodGet, "/configs/"+id, nil, &original); code != http.StatusOK || original.State != "Published" {
		t.Fatalf("code=%d original=%+v", code, original)
	}

	var list []datasetConfig
	if code := w.editor.do(http.MethodGet, "/datasets/wells-tide/configs?state=Draft", nil, &list); code != http.StatusOK || len(list) != 1 {
		t.Fatalf("code=%d drafts=%d, want 1", code, len(list))
	}
}

func TestConfigPayloadIsValidatedAgainstSchema(t *testing.T) {
	w := setup(t)
	code := w.editor.do(http.MethodPost, "/datasets/wells-tide/configs", map[string]any{"config": map[string]any{"hohonu_id": 5}}, nil)
	if code != http.StatusUnprocessableEntity {
		t.Fatalf("code=%d, want 422", code)
	}
	code = w.editor.do(http.MethodPatch, "/configs/"+w.config.ID, map[string]any{"config": []int{1}}, nil)
	if code != http.StatusUnprocessableEntity {
		t.Fatalf("code=%d, want 422", code)
	}
}

func TestDatasetVisibility(t *testing.T) {
	w := setup(t)
	var list []dataset
	if code := w.stranger.do(http.MethodGet, "/datasets/", nil, &list); code != http.StatusOK || len(list) != 0 {
		t.Fatalf("code=%d list=%v, want empty", code, list)
	}
	if code := w.stranger.do(http.MethodGet, "/datasets/wells-tide", nil, nil); code != http.StatusForbidden {
		t.Fatalf("code=%d, want 403", code)
	}
	if code := w.stranger.do(http.MethodPost, "/datasets/", createDatasetRequest{Slug: "other", Pipeline: "hohonu"}, nil); code != http.StatusForbidden {
		t.Fatalf("viewer create code=%d, want 403", code)
	}
	if code := w.editor.do(http.MethodPost, "/datasets/", createDatasetRequest{Slug: "wells-tide", Pipeline: "hohonu"}, nil); code != http.StatusConflict {
		t.Fatalf("duplicate create code=%d, want 409", code)
	}
	if code := w.editor.do(http.MethodGet, "/datasets/missing", nil, nil); code != http.StatusNotFound {
		t.Fatalf("code=%d, want 404", code)
	}

	if code := w.editor.do(http.MethodPost, "/datasets/wells-tide/permissions", grantRequest{Grantee: "user:sam", Permission: "view"}, nil); code != http.StatusNoContent {
		t.Fatalf("grant code=%d", code)
	}
	var ds dataset
	if code := w.stranger.do(http.MethodGet, "/datasets/wells-tide", nil, &ds); code != http.StatusOK {
		t.Fatalf("code=%d, want 200", code)
	}
	if ds.UserCanEdit || ds.UserCanPublish {
		t.Fatalf("flags=%+v, want view only", ds)
	}
	if code := w.stranger.do(http.MethodPatch, "/datasets/wells-tide", updateDatasetRequest{State: "Disabled"}, nil); code != http.StatusForbidden {
		t.Fatalf("code=%d, want 403", code)
	}
}

func TestDisabledDatasetsAreHiddenFromPipelines(t *testing.T) {
	w := setup(t)
	if code := w.editor.do(http.MethodPost, "/configs/"+w.config.ID+"/state", configStateRequest{State: "Published"}, nil); code != http.StatusOK {
		t.Fatalf("publish code=%d", code)
	}
	var ds dataset
	if code := w.editor.do(http.MethodPatch, "/datasets/wells-tide", updateDatasetRequest{State: "Disabled"}, &ds); code != http.StatusOK || ds.State != "Disabled" {
		t.Fatalf("code=%d dataset=%+v", code, ds)
	}
	var entries []json.RawMessage
	if code := w.pipeline.do(http.MethodGet, "/datasets/by-pipeline/hohonu/", nil, &entries); code != http.StatusOK || len(entries) != 0 {
		t.Fatalf("code=%d entries=%d, want none", code, len(entries))
	}
}

func TestPermissionManagement(t *testing.T) {
	w := setup(t)
	if code := w.editor.do(http.MethodPost, "/datasets/wells-tide/permissions", grantRequest{Grantee: "olive", Permission: "view"}, nil); code != http.StatusBadRequest {
		t.Fatalf("bad grantee code=%d, want 400", code)
	}
	if code := w.editor.do(http.MethodPost, "/datasets/wells-tide/permissions", grantRequest{Grantee: "group:ops", Permission: "admin"}, nil); code != http.StatusBadRequest {
		t.Fatalf("bad permission code=%d, want 400", code)
	}
	if code := w.editor.do(http.MethodPost, "/datasets/wells-tide/permissions", grantRequest{Grantee: "group:ops", Permission: "edit"}, nil); code != http.StatusNoContent {
		t.Fatalf("grant code=%d", code)
	}
	var grants []grant
	if code := w.editor.do(http.MethodGet, "/datasets/wells-tide/permissions", nil, &grants); code != http.StatusOK {
		t.Fatalf("list code=%d", code)
	}
	held := map[string]bool{}
	for _, g := range grants {
		held[g.Grantee+"/"+string(g.Permission)] = true
	}
	for _, want := range []string{"user:ed/publish", "group:ops/view", "group:ops/edit"} {
		if !held[want] {
			t.Fatalf("grant %s missing from %v", want, grants)
		}
	}
	if code := w.editor.do(http.MethodDelete, "/datasets/wells-tide/permissions/group:ops/edit", nil, nil); code != http.StatusNoContent {
		t.Fatalf("revoke code=%d, want 204", code)
	}
	if code := w.editor.do(http.MethodDelete, "/datasets/wells-tide/permissions/group:ops/edit", nil, nil); code != http.StatusNotFound {
		t.Fatalf("second revoke code=%d, want 404", code)
	}
	if code := w.olive.do(http.MethodGet, "/datasets/wells-tide/permissions", nil, nil); code != http.StatusForbidden {
		t.Fatalf("code=%d, want 403", code)
	}
}

func TestDecodeJSON_DisallowUnknownFields(t *testing.T) {
	req := httptest.NewRequest("POST", "http://example.test/", strings.NewReader(`{"slug":"a","extra":1}`))
	var dst createDatasetRequest
	if err := decodeJSON(req, &dst); err == nil {
		t.Fatalf("expected error")
	}
}

func TestDecodeJSON_RejectsExtraValue(t *testing.T) {
	req := httptest.NewRequest("POST", "http://example.test/", strings.NewReader(`{"slug":"a"} {"slug":"b"}`))
	var dst createDatasetRequest
	if err := decodeJSON(req, &dst); err == nil {
		t.Fatalf("expected error")
	}
}
