package config

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestValidateDefaultsPass(t *testing.T) {
	cfg := Defaults()
	if err := Validate(cfg); err != nil {
		t.Fatalf("Defaults should pass validation: %v", err)
	}
}

func TestValidatePrimaryEmpty(t *testing.T) {
	cfg := Defaults()
	cfg.Database.Primary = ""
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "database.primary must not be empty")
}

func TestValidateIdleExceedsOpen(t *testing.T) {
	cfg := Defaults()
	cfg.Database.MaxOpenConns = 2
	cfg.Database.MaxIdleConns = 4
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "must not exceed max_open_conns")
}

func TestValidateUnknownForkProvider(t *testing.T) {
	cfg := Defaults()
	cfg.Forks.Provider = "docker"
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), `forks.provider "docker" is invalid`)
}

func TestValidateCLIProviderNeedsParent(t *testing.T) {
	cfg := Defaults()
	cfg.Forks.Provider = "cli"
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "forks.cli.parent_service must not be empty")
}

func TestValidateLocalProviderRejectsPostgres(t *testing.T) {
	cfg := Defaults()
	cfg.Database.Primary = "postgres://localhost/app"
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "requires a SQLite primary")
}

func TestValidateWorker(t *testing.T) {
	cfg := Defaults()
	cfg.Worker.PollInterval = 0
	cfg.Worker.BatchSize = 0
	cfg.Worker.MaxAttempts = 3
	cfg.Worker.RetryBackoff = 0
	cfg.Worker.ClaimTTL = -time.Second
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	if len(ve.Errors) != 4 {
		t.Errorf("got %d errors, want 4: %v", len(ve.Errors), ve.Errors)
	}
}

func TestValidateSyncClaimTTL(t *testing.T) {
	cfg := Defaults()
	cfg.Sync.ClaimTTL = -time.Minute
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "sync.claim_ttl must be >= 0")

	cfg.Sync.ClaimTTL = 0
	if err := Validate(cfg); err != nil {
		t.Fatalf("claim_ttl 0 disables reaping: %v", err)
	}
}

func TestValidateSchedules(t *testing.T) {
	tests := []struct {
		schedule string
		ok       bool
	}{
		{"30s", true},
		{"@every 1m", true},
		{"*/5 * * * *", true},
		{"-5s", false},
		{"soon", false},
		{"", false},
	}
	for _, tt := range tests {
		cfg := Defaults()
		cfg.Sync.AutoSync = ScheduleConfig{Enabled: true, Schedule: tt.schedule}
		err := Validate(cfg)
		if (err == nil) != tt.ok {
			t.Errorf("schedule %q: err = %v, want ok=%v", tt.schedule, err, tt.ok)
		}
	}
}

func TestValidateLearningTables(t *testing.T) {
	cfg := Defaults()
	cfg.Sync.LearningTables = []string{"ok_table", "bad-table"}
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), `"bad-table" is not a valid table name`)
}

func TestValidateCluster(t *testing.T) {
	cfg := Defaults()
	cfg.Cluster = &ClusterConfig{Enabled: true, RedisURL: "http://localhost:6379", LockTTL: "abc"}
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "must be a redis:// or rediss:// URL")
	assertContains(t, err.Error(), `cluster.lock_ttl "abc"`)
}

func TestValidateLogger(t *testing.T) {
	cfg := Defaults()
	cfg.Logger.Level = "verbose"
	cfg.Logger.Format = "xml"
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), `logger.level "verbose"`)
	assertContains(t, err.Error(), `logger.format "xml"`)
}

func assertContains(t *testing.T, s, substr string) {
	t.Helper()
	if !strings.Contains(s, substr) {
		t.Errorf("expected %q to contain %q", s, substr)
	}
}
