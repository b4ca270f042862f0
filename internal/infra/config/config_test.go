package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Worker.BatchSize != 10 {
		t.Errorf("Worker.BatchSize = %d, want 10", cfg.Worker.BatchSize)
	}
	if cfg.Worker.MaxAttempts != 1 {
		t.Errorf("Worker.MaxAttempts = %d, want 1", cfg.Worker.MaxAttempts)
	}
	if cfg.Forks.Provider != "local" {
		t.Errorf("Forks.Provider = %q, want %q", cfg.Forks.Provider, "local")
	}
	if len(cfg.Sync.LearningTables) != 2 {
		t.Errorf("Sync.LearningTables = %v", cfg.Sync.LearningTables)
	}
}

func TestLoadNonExistentReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Worker.PollInterval != 5*time.Second {
		t.Errorf("expected defaults, got PollInterval=%v", cfg.Worker.PollInterval)
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "forkmesh.yaml")
	content := `
database:
  primary: "` + filepath.Join(dir, "primary.db") + `"
worker:
  poll_interval: 2s
  batch_size: 4
  max_attempts: 3
  retry_backoff: 10s
  claim_ttl: 5m
sync:
  auto_sync:
    enabled: true
    schedule: "@every 1m"
logger:
  level: "debug"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Worker.PollInterval != 2*time.Second {
		t.Errorf("PollInterval = %v, want 2s", cfg.Worker.PollInterval)
	}
	if cfg.Worker.BatchSize != 4 || cfg.Worker.MaxAttempts != 3 {
		t.Errorf("Worker = %+v", cfg.Worker)
	}
	if cfg.Worker.ClaimTTL != 5*time.Minute || cfg.Sync.ClaimTTL != time.Hour {
		t.Errorf("ClaimTTL = %v/%v, want 5m/1h", cfg.Worker.ClaimTTL, cfg.Sync.ClaimTTL)
	}
	if !cfg.Sync.AutoSync.Enabled || cfg.Sync.AutoSync.Schedule != "@every 1m" {
		t.Errorf("AutoSync = %+v", cfg.Sync.AutoSync)
	}
	if cfg.Logger.Level != "debug" {
		t.Errorf("Logger.Level = %q, want debug", cfg.Logger.Level)
	}
	// Untouched sections keep defaults.
	if cfg.Events.BufferSize != 1024 {
		t.Errorf("Events.BufferSize = %d, want 1024", cfg.Events.BufferSize)
	}
}

func TestLoadRejectsInsecurePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "forkmesh.yaml")
	if err := os.WriteFile(path, []byte("logger:\n  level: info\n"), 0666); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(path, 0666); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected permission error")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "forkmesh.yaml")
	if err := os.WriteFile(path, []byte("worker: [unterminated"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FORKMESH_DATABASE_PRIMARY", "/tmp/override.db")
	t.Setenv("FORKMESH_WORKER_POLL_INTERVAL", "750ms")
	t.Setenv("FORKMESH_WORKER_BATCH_SIZE", "3")
	t.Setenv("FORKMESH_SYNC_AUTO", "true")
	t.Setenv("FORKMESH_CLUSTER_REDIS_URL", "redis://cache:6379")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	if cfg.Database.Primary != "/tmp/override.db" {
		t.Errorf("Primary = %q", cfg.Database.Primary)
	}
	if cfg.Worker.PollInterval != 750*time.Millisecond {
		t.Errorf("PollInterval = %v", cfg.Worker.PollInterval)
	}
	if cfg.Worker.BatchSize != 3 {
		t.Errorf("BatchSize = %d", cfg.Worker.BatchSize)
	}
	if !cfg.Sync.AutoSync.Enabled {
		t.Error("AutoSync should be enabled")
	}
	if cfg.Cluster == nil || !cfg.Cluster.Enabled || cfg.Cluster.RedisURL != "redis://cache:6379" {
		t.Errorf("Cluster = %+v", cfg.Cluster)
	}
}

func TestEnvOverridesIgnoreGarbage(t *testing.T) {
	t.Setenv("FORKMESH_WORKER_POLL_INTERVAL", "soon")
	t.Setenv("FORKMESH_WORKER_BATCH_SIZE", "-1")
	cfg := Defaults()
	ApplyEnvOverrides(cfg)
	if cfg.Worker.PollInterval != 5*time.Second || cfg.Worker.BatchSize != 10 {
		t.Errorf("garbage env should be ignored: %+v", cfg.Worker)
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	enc, err := EncryptValue("postgres://user:secret@db/app", "passphrase")
	if err != nil {
		t.Fatalf("EncryptValue: %v", err)
	}
	got, err := DecryptValue(enc, "passphrase")
	if err != nil {
		t.Fatalf("DecryptValue: %v", err)
	}
	if got != "postgres://user:secret@db/app" {
		t.Errorf("got %q", got)
	}
	if _, err := DecryptValue(enc, "wrong"); err == nil {
		t.Error("expected error with wrong passphrase")
	}
}

func TestLoadDecryptsSecrets(t *testing.T) {
	dir := t.TempDir()
	primary := filepath.Join(dir, "secret.db")
	enc, err := EncryptValue(primary, "k3y")
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "forkmesh.yaml")
	if err := os.WriteFile(path, []byte("database:\n  primary: \"enc:"+enc+"\"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("FORKMESH_CONFIG_KEY", "k3y")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.Primary != primary {
		t.Errorf("Primary = %q, want %q", cfg.Database.Primary, primary)
	}
}
