package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"

	"github.com/getkin/kin-openapi/openapi3"
)

type route struct {
	method  string
	path    string
	id      string
	summary string
	body    *openapi3.Schema
	status  int
	result  *openapi3.Schema
}

var pathParam = regexp.MustCompile(`\{([a-z_]+)\}`)

func routes() []route {
	object := openapi3.NewObjectSchema
	list := func() *openapi3.Schema { return openapi3.NewArraySchema().WithItems(openapi3.NewObjectSchema()) }
	str := openapi3.NewStringSchema
	return []route{
		{http.MethodPost, "/pipelines/", "registerPipeline", "Create or refresh a pipeline by slug",
			object().WithProperty("slug", str()).WithProperty("name", str()).WithProperty("description", str()).
				WithProperty("config_schema", object()).WithRequired([]string{"slug", "config_schema"}), http.StatusOK, object()},
		{http.MethodGet, "/pipelines/", "listPipelines", "List pipelines", nil, http.StatusOK, list()},
		{http.MethodGet, "/pipelines/{pipeline_id}", "getPipeline", "Get a pipeline with its config schema", nil, http.StatusOK, object()},
		{http.MethodGet, "/datasets/", "listDatasets", "List datasets the caller can view", nil, http.StatusOK, list()},
		{http.MethodPost, "/datasets/", "createDataset", "Create a dataset",
			object().WithProperty("slug", str()).WithProperty("pipeline", str()).WithRequired([]string{"slug", "pipeline"}), http.StatusCreated, object()},
		{http.MethodGet, "/datasets/by-pipeline/{pipeline_slug}/", "datasetsForPipeline", "Published and Testing configs of a pipeline's active datasets", nil, http.StatusOK, list()},
		{http.MethodGet, "/datasets/{slug}", "getDataset", "Get a dataset", nil, http.StatusOK, object()},
		{http.MethodPatch, "/datasets/{slug}", "updateDataset", "Enable or disable a dataset",
			object().WithProperty("state", str().WithEnum("Active", "Disabled")).WithRequired([]string{"state"}), http.StatusOK, object()},
		{http.MethodGet, "/datasets/{slug}/configs", "listConfigs", "List a dataset's configs", nil, http.StatusOK, list()},
		{http.MethodPost, "/datasets/{slug}/configs", "createConfig", "Create a Draft config",
			object().WithProperty("config", object()).WithRequired([]string{"config"}), http.StatusCreated, object()},
		{http.MethodGet, "/configs/{config_id}", "getConfig", "Get a config", nil, http.StatusOK, object()},
		{http.MethodPatch, "/configs/{config_id}", "updateConfig", "Edit a Draft, or copy a promoted config into a new Draft",
			object().WithProperty("config", object()).WithRequired([]string{"config"}), http.StatusOK, object()},
		{http.MethodPost, "/configs/{config_id}/state", "setConfigState", "Move a config to Draft, Testing or Published",
			object().WithProperty("state", str().WithEnum("Draft", "Testing", "Published")).WithRequired([]string{"state"}), http.StatusOK, object()},
		{http.MethodGet, "/datasets/{slug}/permissions", "listGrants", "List permission grants", nil, http.StatusOK, list()},
		{http.MethodPost, "/datasets/{slug}/permissions", "grant", "Grant a permission and every lower level",
			object().WithProperty("grantee", str()).WithProperty("permission", str().WithEnum("view", "edit", "publish")).
				WithRequired([]string{"grantee", "permission"}), http.StatusNoContent, nil},
		{http.MethodDelete, "/datasets/{slug}/permissions/{grantee}/{permission}", "revoke", "Revoke one permission level", nil, http.StatusNoContent, nil},
	}
}

// openAPIDocument describes the backend API.
func openAPIDocument(version string) (*openapi3.T, error) {
	errorResponse := openapi3.NewResponse().WithDescription("error").
		WithJSONSchema(openapi3.NewObjectSchema().WithProperty("error", openapi3.NewStringSchema()).WithProperty("request_id", openapi3.NewStringSchema()))

	items := map[string]*openapi3.PathItem{}
	var order []string
	for _, rt := range routes() {
		item, ok := items[rt.path]
		if !ok {
			item = &openapi3.PathItem{}
			items[rt.path] = item
			order = append(order, rt.path)
		}
		op := openapi3.NewOperation()
		op.OperationID = rt.id
		op.Summary = rt.summary
		for _, m := range pathParam.FindAllStringSubmatch(rt.path, -1) {
			op.AddParameter(openapi3.NewPathParameter(m[1]).WithSchema(openapi3.NewStringSchema()))
		}
		if rt.body != nil {
			op.RequestBody = &openapi3.RequestBodyRef{Value: openapi3.NewRequestBody().WithRequired(true).WithJSONSchema(rt.body)}
		}
		ok200 := openapi3.NewResponse().WithDescription(http.StatusText(rt.status))
		if rt.result != nil {
			ok200 = ok200.WithJSONSchema(rt.result)
		}
		op.Responses = openapi3.NewResponses(openapi3.WithStatus(rt.status, &openapi3.ResponseRef{Value: ok200}))
		op.Responses.Set("default", &openapi3.ResponseRef{Value: errorResponse})
		item.SetOperation(rt.method, op)
	}

	paths := openapi3.NewPaths()
	for _, p := range order {
		paths.Set(p, items[p])
	}
	doc := &openapi3.T{
		OpenAPI: "3.0.3",
		Info: &openapi3.Info{
			Title:       "Buoy Retriever backend",
			Description: "Pipelines, datasets, versioned dataset configs and dataset permissions.",
			Version:     version,
		},
		Servers: openapi3.Servers{{URL: apiPrefix}},
		Paths:   paths,
	}
	if err := doc.Validate(context.Background()); err != nil {
		return nil, fmt.Errorf("openapi document: %w", err)
	}
	return doc, nil
}

func openAPIHandler(doc *openapi3.T) (http.HandlerFunc, error) {
	body, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	}, nil
}
