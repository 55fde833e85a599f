package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PRODUCTION_DATABASE_URL", "postgres://prod/db")
	t.Setenv("PRODUCTION_CIDRS", "10.0.0.0/8, 172.16.0.0/12,")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.WorkflowMode != WorkflowAuto {
		t.Fatalf("workflow = %q, want auto", cfg.WorkflowMode)
	}
	if cfg.PollInterval != 2*time.Second || cfg.PollBudget != 10*time.Minute {
		t.Fatalf("poll = %s/%s", cfg.PollInterval, cfg.PollBudget)
	}
	if len(cfg.ProductionCIDRs) != 2 || cfg.ProductionCIDRs[1] != "172.16.0.0/12" {
		t.Fatalf("cidrs = %v", cfg.ProductionCIDRs)
	}
	if cfg.OriginHeader != "X-Request-Origin" {
		t.Fatalf("origin header = %q", cfg.OriginHeader)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("PRODUCTION_DATABASE_URL", "postgres://prod/db")

	t.Setenv("WORKFLOW_MODE", "sometimes")
	if _, err := Load(); err == nil {
		t.Fatal("expected workflow mode error")
	}

	t.Setenv("WORKFLOW_MODE", "manual")
	t.Setenv("DOWNLOAD_POLL_INTERVAL", "soon")
	if _, err := Load(); err == nil {
		t.Fatal("expected duration parse error")
	}

	t.Setenv("DOWNLOAD_POLL_INTERVAL", "5s")
	t.Setenv("DOWNLOAD_POLL_BUDGET", "1s")
	if _, err := Load(); err == nil {
		t.Fatal("expected budget < interval error")
	}
}

func TestLoadRequiresProductionDatabase(t *testing.T) {
	t.Setenv("PRODUCTION_DATABASE_URL", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected missing production database error")
	}
}
