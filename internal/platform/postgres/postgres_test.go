package postgres

import (
	"context"
	"io/fs"
	"strings"
	"testing"
	"time"
)

func TestConfigFromEnvDefaults(t *testing.T) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}
	if !cfg.AutoMigrate {
		t.Fatalf("AutoMigrate=false, want true by default")
	}
}

func TestConfigValidateRejectsIdleAboveOpen(t *testing.T) {
	t.Setenv("DATABASE_MAX_OPEN_CONNS", "2")
	t.Setenv("DATABASE_MAX_IDLE_CONNS", "3")
	if _, err := ConfigFromEnv(); err == nil {
		t.Fatalf("expected error when idle conns exceed open conns")
	}
}

func TestOpenRejectsMalformedURL(t *testing.T) {
	_, err := Open(context.Background(), Config{
		URL:          "postgres://buoy@localhost:notaport/buoy_retriever",
		PingTimeout:  time.Second,
		MaxOpenConns: 1,
	})
	if err == nil || !strings.Contains(err.Error(), "parse DATABASE_URL") {
		t.Fatalf("Open() err=%v, want parse error", err)
	}
}

func TestMigrationsArePairedAndOrdered(t *testing.T) {
	entries, err := fs.ReadDir(migrationFiles, "migrations")
	if err != nil {
		t.Fatalf("ReadDir() err=%v", err)
	}
	ups, downs := 0, 0
	for _, e := range entries {
		switch {
		case strings.HasSuffix(e.Name(), ".up.sql"):
			ups++
		case strings.HasSuffix(e.Name(), ".down.sql"):
			downs++
		default:
			t.Fatalf("unexpected migration file %q", e.Name())
		}
	}
	if ups == 0 || ups != downs {
		t.Fatalf("ups=%d downs=%d, want equal and non-zero", ups, downs)
	}
}

func TestSchemaEnforcesSinglePromotedConfig(t *testing.T) {
	raw, err := fs.ReadFile(migrationFiles, "migrations/000001_init.up.sql")
	if err != nil {
		t.Fatalf("ReadFile() err=%v", err)
	}
	schema := string(raw)
	for _, want := range []string{
		"ON dataset_configs (dataset_id) WHERE state = 'Testing'",
		"ON dataset_configs (dataset_id) WHERE state = 'Published'",
		"PRIMARY KEY (grantee, dataset_id, permission)",
		"UNIQUE (job, request_key)",
	} {
		if !strings.Contains(schema, want) {
			t.Fatalf("schema missing %q", want)
		}
	}
}
