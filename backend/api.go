package main

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/buoy-retriever/retriever-go/internal/domain"
	"github.com/buoy-retriever/retriever-go/internal/platform/auth"
	"github.com/buoy-retriever/retriever-go/internal/platform/configschema"
	"github.com/buoy-retriever/retriever-go/internal/repo"
	configsvc "github.com/buoy-retriever/retriever-go/internal/service/configs"
	datasetsvc "github.com/buoy-retriever/retriever-go/internal/service/datasets"
	"github.com/buoy-retriever/retriever-go/internal/service/permissions"
	pipelinesvc "github.com/buoy-retriever/retriever-go/internal/service/pipelines"
)

const apiPrefix = "/backend/api"

type backendAPI struct {
	logger    *slog.Logger
	pipelines *pipelinesvc.Service
	datasets  *datasetsvc.Service
	configs   *configsvc.Service
}

func newBackendAPI(logger *slog.Logger, pipelines *pipelinesvc.Service, datasets *datasetsvc.Service, configs *configsvc.Service) *backendAPI {
	return &backendAPI{logger: logger, pipelines: pipelines, datasets: datasets, configs: configs}
}

func (api *backendAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST "+apiPrefix+"/pipelines/{$}", api.handleRegisterPipeline)
	mux.HandleFunc("GET "+apiPrefix+"/pipelines/{$}", api.handleListPipelines)
	mux.HandleFunc("GET "+apiPrefix+"/pipelines/{pipeline_id}", api.handleGetPipeline)

	mux.HandleFunc("GET "+apiPrefix+"/datasets/{$}", api.handleListDatasets)
	mux.HandleFunc("POST "+apiPrefix+"/datasets/{$}", api.handleCreateDataset)
	mux.HandleFunc("GET "+apiPrefix+"/datasets/by-pipeline/{pipeline_slug}/{$}", api.handleDatasetsForPipeline)
	mux.HandleFunc("GET "+apiPrefix+"/datasets/{slug}", api.handleGetDataset)
	mux.HandleFunc("PATCH "+apiPrefix+"/datasets/{slug}", api.handleUpdateDataset)

	mux.HandleFunc("GET "+apiPrefix+"/datasets/{slug}/configs", api.handleListConfigs)
	mux.HandleFunc("POST "+apiPrefix+"/datasets/{slug}/configs", api.handleCreateConfig)
	mux.HandleFunc("GET "+apiPrefix+"/configs/{config_id}", api.handleGetConfig)
	mux.HandleFunc("PATCH "+apiPrefix+"/configs/{config_id}", api.handleUpdateConfig)
	mux.HandleFunc("POST "+apiPrefix+"/configs/{config_id}/state", api.handleSetConfigState)

	mux.HandleFunc("GET "+apiPrefix+"/datasets/{slug}/permissions", api.handleListGrants)
	mux.HandleFunc("POST "+apiPrefix+"/datasets/{slug}/permissions", api.handleGrant)
	mux.HandleFunc("DELETE "+apiPrefix+"/datasets/{slug}/permissions/{grantee}/{permission}", api.handleRevoke)
}

type pipeline struct {
	ID           string          `json:"id"`
	Slug         string          `json:"slug"`
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	ConfigSchema json.RawMessage `json:"config_schema,omitempty"`
	Active       bool            `json:"active"`
	Created      time.Time       `json:"created"`
	Edited       time.Time       `json:"edited"`
}

type dataset struct {
	ID             string              `json:"id"`
	Slug           string              `json:"slug"`
	State          domain.DatasetState `json:"state"`
	Pipeline       string              `json:"pipeline"`
	Created        time.Time           `json:"created"`
	Edited         time.Time           `json:"edited"`
	UserCanEdit    bool                `json:"user_can_edit"`
	UserCanPublish bool                `json:"user_can_publish"`
}

type datasetConfig struct {
	ID        string             `json:"id"`
	Dataset   string             `json:"dataset_id"`
	Config    json.RawMessage    `json:"config"`
	State     domain.ConfigState `json:"state"`
	CreatedBy string             `json:"created_by"`
	Created   time.Time          `json:"created"`
	Edited    time.Time          `json:"edited"`
}

type grant struct {
	Grantee    string            `json:"grantee"`
	Permission domain.Permission `json:"permission"`
	GrantedBy  string            `json:"granted_by"`
	GrantedAt  time.Time         `json:"granted_at"`
}

type createDatasetRequest struct {
	Slug     string `json:"slug"`
	Pipeline string `json:"pipeline"`
}

type updateDatasetRequest struct {
	State string `json:"state"`
}

type configPayloadRequest struct {
	Config json.RawMessage `json:"config"`
}

type configStateRequest struct {
	State string `json:"state"`
}

type grantRequest struct {
	Grantee    string `json:"grantee"`
	Permission string `json:"permission"`
}

func toPipeline(p domain.Pipeline, withSchema bool) pipeline {
	out := pipeline{
		ID:          p.ID,
		Slug:        p.Slug,
		Name:        p.Name,
		Description: p.Description,
		Active:      p.Active,
		Created:     p.CreatedAt,
		Edited:      p.EditedAt,
	}
	if withSchema {
		out.ConfigSchema = p.ConfigSchema
	}
	return out
}

func toDataset(e datasetsvc.Entry) dataset {
	return dataset{
		ID:             e.Dataset.ID,
		Slug:           e.Dataset.Slug,
		State:          e.Dataset.State,
		Pipeline:       e.Pipeline,
		Created:        e.Dataset.CreatedAt,
		Edited:         e.Dataset.EditedAt,
		UserCanEdit:    e.Flags.CanEdit,
		UserCanPublish: e.Flags.CanPublish,
	}
}

func toConfig(c domain.DatasetConfig) datasetConfig {
	return datasetConfig{
		ID:        c.ID,
		Dataset:   c.DatasetID,
		Config:    c.Config,
		State:     c.State,
		CreatedBy: c.CreatedBy,
		Created:   c.CreatedAt,
		Edited:    c.EditedAt,
	}
}

func (api *backendAPI) handleRegisterPipeline(w http.ResponseWriter, r *http.Request) {
	caller, ok := api.pipelineCaller(w, r)
	if !ok {
		return
	}
	var def pipelinesvc.Definition
	if err := decodeJSON(r, &def); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	if err := domain.ValidateSlug(def.Slug); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_slug")
		return
	}
	p, err := api.pipelines.Register(r.Context(), caller, def)
	if err != nil {
		if errors.Is(err, pipelinesvc.ErrInvalidSchema) {
			api.writeError(w, r, http.StatusUnprocessableEntity, "invalid_config_schema")
			return
		}
		api.writeServiceError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, toPipeline(p, false))
}

func (api *backendAPI) handleListPipelines(w http.ResponseWriter, r *http.Request) {
	if _, ok := api.caller(w, r); !ok {
		return
	}
	all, err := api.pipelines.List(r.Context())
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	out := make([]pipeline, 0, len(all))
	for _, p := range all {
		out = append(out, toPipeline(p, false))
	}
	api.writeJSON(w, http.StatusOK, out)
}

func (api *backendAPI) handleGetPipeline(w http.ResponseWriter, r *http.Request) {
	if _, ok := api.caller(w, r); !ok {
		return
	}
	p, err := api.pipelines.Get(r.Context(), strings.TrimSpace(r.PathValue("pipeline_id")))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, toPipeline(p, true))
}

func (api *backendAPI) handleListDatasets(w http.ResponseWriter, r *http.Request) {
	caller, ok := api.caller(w, r)
	if !ok {
		return
	}
	entries, err := api.datasets.List(r.Context(), caller)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	out := make([]dataset, 0, len(entries))
	for _, e := range entries {
		out = append(out, toDataset(e))
	}
	api.writeJSON(w, http.StatusOK, out)
}

func (api *backendAPI) handleCreateDataset(w http.ResponseWriter, r *http.Request) {
	caller, ok := api.caller(w, r)
	if !ok {
		return
	}
	var req createDatasetRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	if err := domain.ValidateSlug(req.Slug); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_slug")
		return
	}
	if strings.TrimSpace(req.Pipeline) == "" {
		api.writeError(w, r, http.StatusBadRequest, "pipeline_required")
		return
	}
	entry, err := api.datasets.Create(r.Context(), caller, req.Slug, strings.TrimSpace(req.Pipeline))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusBadRequest, "unknown_pipeline")
			return
		}
		api.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", apiPrefix+"/datasets/"+entry.Dataset.Slug)
	api.writeJSON(w, http.StatusCreated, toDataset(entry))
}

func (api *backendAPI) handleDatasetsForPipeline(w http.ResponseWriter, r *http.Request) {
	if _, ok := api.pipelineCaller(w, r); !ok {
		return
	}
	configs, err := api.datasets.ForPipeline(r.Context(), r.PathValue("pipeline_slug"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, configs)
}

func (api *backendAPI) handleGetDataset(w http.ResponseWriter, r *http.Request) {
	caller, ok := api.caller(w, r)
	if !ok {
		return
	}
	entry, err := api.datasets.Get(r.Context(), caller, r.PathValue("slug"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, toDataset(entry))
}

func (api *backendAPI) handleUpdateDataset(w http.ResponseWriter, r *http.Request) {
	caller, ok := api.caller(w, r)
	if !ok {
		return
	}
	var req updateDatasetRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	state := domain.DatasetState(strings.TrimSpace(req.State))
	if !state.Valid() {
		api.writeError(w, r, http.StatusBadRequest, "invalid_state")
		return
	}
	if _, err := api.datasets.SetState(r.Context(), caller, r.PathValue("slug"), state); err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	entry, err := api.datasets.Get(r.Context(), caller, r.PathValue("slug"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, toDataset(entry))
}

func (api *backendAPI) handleListConfigs(w http.ResponseWriter, r *http.Request) {
	caller, ok := api.caller(w, r)
	if !ok {
		return
	}
	var states []domain.ConfigState
	for _, raw := range r.URL.Query()["state"] {
		state, err := domain.ParseConfigState(raw)
		if err != nil {
			api.writeError(w, r, http.StatusBadRequest, "invalid_state")
			return
		}
		states = append(states, state)
	}
	ds, err := api.datasets.Resolve(r.Context(), r.PathValue("slug"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	configs, err := api.configs.List(r.Context(), caller, ds.ID, states...)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	out := make([]datasetConfig, 0, len(configs))
	for _, c := range configs {
		out = append(out, toConfig(c))
	}
	api.writeJSON(w, http.StatusOK, out)
}

func (api *backendAPI) handleCreateConfig(w http.ResponseWriter, r *http.Request) {
	caller, ok := api.caller(w, r)
	if !ok {
		return
	}
	var req configPayloadRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	ds, err := api.datasets.Resolve(r.Context(), r.PathValue("slug"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	cfg, err := api.configs.CreateDraft(r.Context(), caller, ds.ID, req.Config)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", apiPrefix+"/configs/"+cfg.ID)
	api.writeJSON(w, http.StatusCreated, toConfig(cfg))
}

func (api *backendAPI) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	caller, ok := api.caller(w, r)
	if !ok {
		return
	}
	cfg, err := api.configs.Get(r.Context(), caller, r.PathValue("config_id"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, toConfig(cfg))
}

// handleUpdateConfig answers 201 with the new Draft when the edited config
// had been promoted, and 200 when a Draft was edited in place.
func (api *backendAPI) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	caller, ok := api.caller(w, r)
	if !ok {
		return
	}
	var req configPayloadRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	cfg, copied, err := api.configs.UpdatePayload(r.Context(), caller, r.PathValue("config_id"), req.Config)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	if copied {
		w.Header().Set("Location", apiPrefix+"/configs/"+cfg.ID)
		api.writeJSON(w, http.StatusCreated, toConfig(cfg))
		return
	}
	api.writeJSON(w, http.StatusOK, toConfig(cfg))
}

func (api *backendAPI) handleSetConfigState(w http.ResponseWriter, r *http.Request) {
	caller, ok := api.caller(w, r)
	if !ok {
		return
	}
	var req configStateRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	state, err := domain.ParseConfigState(req.State)
	if err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_state")
		return
	}
	cfg, err := api.configs.SetState(r.Context(), caller, r.PathValue("config_id"), state)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, toConfig(cfg))
}

func (api *backendAPI) handleListGrants(w http.ResponseWriter, r *http.Request) {
	caller, ok := api.caller(w, r)
	if !ok {
		return
	}
	grants, err := api.datasets.ListGrants(r.Context(), caller, r.PathValue("slug"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	out := make([]grant, 0, len(grants))
	for _, g := range grants {
		out = append(out, grant{Grantee: g.Grantee, Permission: g.Permission, GrantedBy: g.GrantedBy, GrantedAt: g.GrantedAt})
	}
	api.writeJSON(w, http.StatusOK, out)
}

func (api *backendAPI) handleGrant(w http.ResponseWriter, r *http.Request) {
	caller, ok := api.caller(w, r)
	if !ok {
		return
	}
	var req grantRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	grantee, p, ok := api.grantArgs(w, r, req.Grantee, req.Permission)
	if !ok {
		return
	}
	if err := api.datasets.Grant(r.Context(), caller, r.PathValue("slug"), grantee, p); err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (api *backendAPI) handleRevoke(w http.ResponseWriter, r *http.Request) {
	caller, ok := api.caller(w, r)
	if !ok {
		return
	}
	grantee, p, ok := api.grantArgs(w, r, r.PathValue("grantee"), r.PathValue("permission"))
	if !ok {
		return
	}
	removed, err := api.datasets.Revoke(r.Context(), caller, r.PathValue("slug"), grantee, p)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	if !removed {
		api.writeError(w, r, http.StatusNotFound, "not_found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (api *backendAPI) grantArgs(w http.ResponseWriter, r *http.Request, rawGrantee, rawPermission string) (string, domain.Permission, bool) {
	grantee := strings.TrimSpace(rawGrantee)
	if err := domain.ValidateGrantee(grantee); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_grantee")
		return "", "", false
	}
	p, err := domain.ParsePermission(rawPermission)
	if err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_permission")
		return "", "", false
	}
	return grantee, p, true
}

// caller builds the request's caller from the identity the auth middleware
// stored on the context.
func (api *backendAPI) caller(w http.ResponseWriter, r *http.Request) (permissions.Caller, bool) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		api.writeError(w, r, http.StatusUnauthorized, "unauthorized")
		return permissions.Caller{}, false
	}
	return permissions.Caller{
		Identity:  identity,
		RequestID: r.Header.Get("X-Request-Id"),
		UserAgent: r.UserAgent(),
		IP:        requestIP(r.RemoteAddr),
	}, true
}

// pipelineCaller admits pipeline tokens and admins.
func (api *backendAPI) pipelineCaller(w http.ResponseWriter, r *http.Request) (permissions.Caller, bool) {
	caller, ok := api.caller(w, r)
	if !ok {
		return permissions.Caller{}, false
	}
	if !caller.IsPipeline() && !caller.IsAdmin() {
		api.writeError(w, r, http.StatusForbidden, "forbidden")
		return permissions.Caller{}, false
	}
	return caller, true
}

func (api *backendAPI) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, repo.ErrNotFound):
		api.writeError(w, r, http.StatusNotFound, "not_found")
	case errors.Is(err, auth.ErrForbidden):
		api.writeError(w, r, http.StatusForbidden, "forbidden")
	case errors.Is(err, configsvc.ErrInvalidPayload), errors.Is(err, configschema.ErrInvalid):
		api.writeError(w, r, http.StatusUnprocessableEntity, "invalid_config")
	case errors.Is(err, repo.ErrInvariantViolation):
		api.writeError(w, r, http.StatusConflict, "config_state_conflict")
	case errors.Is(err, repo.ErrConflict):
		api.writeError(w, r, http.StatusConflict, "conflict")
	default:
		api.logger.Error("request failed", "request_id", r.Header.Get("X-Request-Id"), "method", r.Method, "path", r.URL.Path, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
	}
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("multiple JSON values")
	}
	return nil
}

func (api *backendAPI) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}

func (api *backendAPI) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	api.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": r.Header.Get("X-Request-Id"),
	})
}

func requestIP(remoteAddr string) net.IP {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}
