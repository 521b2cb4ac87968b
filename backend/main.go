package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/buoy-retriever/retriever-go/internal/platform/auditlog"
	"github.com/buoy-retriever/retriever-go/internal/platform/auth"
	"github.com/buoy-retriever/retriever-go/internal/platform/env"
	"github.com/buoy-retriever/retriever-go/internal/platform/httpserver"
	"github.com/buoy-retriever/retriever-go/internal/platform/postgres"
	"github.com/buoy-retriever/retriever-go/internal/repo"
	"github.com/buoy-retriever/retriever-go/internal/repo/memory"
	repopg "github.com/buoy-retriever/retriever-go/internal/repo/postgres"
	configsvc "github.com/buoy-retriever/retriever-go/internal/service/configs"
	datasetsvc "github.com/buoy-retriever/retriever-go/internal/service/datasets"
	"github.com/buoy-retriever/retriever-go/internal/service/permissions"
	pipelinesvc "github.com/buoy-retriever/retriever-go/internal/service/pipelines"
)

const (
	service    = "backend"
	apiVersion = "1.0.0"
)

type stores struct {
	pipelines   repo.PipelineRepository
	datasets    repo.DatasetRepository
	configs     repo.ConfigRepository
	permissions repo.PermissionRepository
	audit       repo.AuditEventAppender
}

func memoryStores() stores {
	datasets := memory.NewDatasetStore()
	return stores{
		pipelines:   memory.NewPipelineStore(),
		datasets:    datasets,
		configs:     memory.NewConfigStore(datasets),
		permissions: memory.NewPermissionStore(),
		audit:       &memory.AuditLog{},
	}
}

func postgresStores(db *sql.DB) stores {
	return stores{
		pipelines:   repopg.NewPipelineStore(db),
		datasets:    repopg.NewDatasetStore(db),
		configs:     repopg.NewConfigStore(db),
		permissions: repopg.NewPermissionStore(db),
		audit:       repopg.NewAuditAppender(db),
	}
}

// newHandler assembles the API behind authentication. Operational endpoints,
// the API description and the login routes stay public.
func newHandler(logger *slog.Logger, st stores, authenticator auth.Authenticator, denyAudit auth.AuditFunc, mount func(*http.ServeMux) error, checks ...httpserver.ReadinessCheck) (http.Handler, error) {
	gate := permissions.New(st.permissions)
	pipelines := pipelinesvc.New(st.pipelines, st.audit, logger)
	datasets := datasetsvc.New(st.datasets, st.pipelines, st.configs, gate, st.audit, logger)
	configs := configsvc.New(st.configs, st.datasets, st.pipelines, gate, st.audit, logger)
	if pipelines == nil || datasets == nil || configs == nil {
		return nil, errors.New("incomplete store set")
	}

	doc, err := openAPIDocument(apiVersion)
	if err != nil {
		return nil, err
	}
	docHandler, err := openAPIHandler(doc)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	httpserver.Mount(mux, service, checks...)
	mux.HandleFunc("GET "+apiPrefix+"/openapi.json", docHandler)
	if mount != nil {
		if err := mount(mux); err != nil {
			return nil, fmt.Errorf("mount login: %w", err)
		}
	}
	newBackendAPI(logger, pipelines, datasets, configs).register(mux)

	handler := auth.Middleware{
		Logger:        logger,
		Authenticator: authenticator,
		Authorize:     auth.CallerAuthorizer(),
		Audit:         denyAudit,
		SkipPrefixes:  []string{"/healthz", "/readyz", "/metrics", "/auth/", apiPrefix + "/openapi.json"},
	}.Wrap(mux)
	return httpserver.Wrap(logger, service, handler), nil
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("BACKEND_HTTP_ADDR", ":8080")
	shutdownTimeout, err := env.Duration("BACKEND_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	storeKind := strings.ToLower(strings.TrimSpace(env.String("BACKEND_STORE", "postgres")))

	authCfg, err := auth.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid auth config", "error", err)
		os.Exit(2)
	}
	authenticator, oidcService, err := auth.NewAuthenticator(ctx, authCfg)
	if err != nil {
		logger.Error("auth init failed", "mode", authCfg.Mode, "error", err)
		os.Exit(1)
	}
	var mountLogin func(*http.ServeMux) error
	if oidcService != nil {
		mountLogin = oidcService.MountLogin
	}

	var (
		st        stores
		denyAudit auth.AuditFunc
		checks    []httpserver.ReadinessCheck
	)
	switch storeKind {
	case "memory":
		logger.Warn("using in-memory store; state is lost on restart")
		st = memoryStores()
	case "postgres":
		dbCfg, err := postgres.ConfigFromEnv()
		if err != nil {
			logger.Error("invalid database config", "error", err)
			os.Exit(2)
		}
		if dbCfg.ApplicationName == "" {
			dbCfg.ApplicationName = "retriever-" + service
		}
		db, err := postgres.Open(ctx, dbCfg)
		if err != nil {
			logger.Error("database unavailable", "error", err)
			os.Exit(1)
		}
		defer func() { _ = db.Close() }()
		st = postgresStores(db)
		denyAudit = func(ctx context.Context, event auth.DenyEvent) error {
			auditCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
			defer cancel()
			return auditlog.InsertAuthDeny(auditCtx, db, service, event)
		}
		checks = append(checks, httpserver.ReadinessCheck{
			Name:    "postgres",
			Check:   db.PingContext,
			Timeout: 750 * time.Millisecond,
		})
	default:
		logger.Error("invalid env", "env", "BACKEND_STORE", "value", storeKind)
		os.Exit(2)
	}

	handler, err := newHandler(logger, st, authenticator, denyAudit, mountLogin, checks...)
	if err != nil {
		logger.Error("backend init failed", "error", err)
		os.Exit(2)
	}

	cfg := httpserver.Config{
		Service:         service,
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}
	if err := httpserver.Run(ctx, logger, cfg, handler); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}
