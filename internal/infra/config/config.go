package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for forkmesh.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Forks    ForksConfig    `yaml:"forks"`
	Agents   AgentsConfig   `yaml:"agents"`
	Worker   WorkerConfig   `yaml:"worker"`
	Sync     SyncConfig     `yaml:"sync"`
	Events   EventsConfig   `yaml:"events"`
	Cluster  *ClusterConfig `yaml:"cluster,omitempty"` // nil = standalone mode
	Logger   LoggerConfig   `yaml:"logger"`
	Tracer   TracerConfig   `yaml:"tracer"`
}

// DatabaseConfig describes the primary datastore and pool sizing shared by every endpoint.
type DatabaseConfig struct {
	// Primary is a SQLite path, a "file:" DSN or a postgres:// URL.
	Primary         string        `yaml:"primary"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	BusyTimeout     time.Duration `yaml:"busy_timeout"`
}

// ForksConfig selects and tunes the fork provider.
type ForksConfig struct {
	Provider       string               `yaml:"provider"` // "local" or "cli"
	Local          LocalForkConfig      `yaml:"local"`
	CLI            CLIForkConfig        `yaml:"cli"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
}

// LocalForkConfig configures the SQLite-file fork provider.
type LocalForkConfig struct {
	Dir         string `yaml:"dir"`
	SnapshotDir string `yaml:"snapshot_dir"`
}

// CLIForkConfig configures the control-plane CLI fork provider.
type CLIForkConfig struct {
	Binary        string        `yaml:"binary"`
	ParentService string        `yaml:"parent_service"`
	Timeout       time.Duration `yaml:"timeout"`
}

// CircuitBreakerConfig holds circuit breaker settings for fork provider calls.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// RateLimitConfig throttles fork provider calls. RPS 0 disables the limiter.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// AgentsConfig controls agent lifecycle behavior of the daemon.
type AgentsConfig struct {
	RestoreOnStart        bool `yaml:"restore_on_start"`
	StopOnShutdown        bool `yaml:"stop_on_shutdown"`
	DeleteForksOnShutdown bool `yaml:"delete_forks_on_shutdown"`
}

// WorkerConfig tunes the task worker loop.
type WorkerConfig struct {
	Enabled      bool          `yaml:"enabled"`
	PollInterval time.Duration `yaml:"poll_interval"`
	BatchSize    int           `yaml:"batch_size"`
	// MaxAttempts of 1 disables retries.
	MaxAttempts  int           `yaml:"max_attempts"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	// ClaimTTL is how long a task may stay running before it is treated as
	// abandoned by a dead worker. 0 never reaps.
	ClaimTTL time.Duration `yaml:"claim_ttl"`
}

// SyncConfig tunes the synchronizer's scheduled work.
type SyncConfig struct {
	AutoSync       ScheduleConfig      `yaml:"auto_sync"`
	LearningMerge  LearningMergeConfig `yaml:"learning_merge"`
	LearningTables []string            `yaml:"learning_tables"`
	// ClaimTTL is how long a job may stay running before another process
	// may take it over. 0 never reaps.
	ClaimTTL time.Duration `yaml:"claim_ttl"`
}

// ScheduleConfig is a toggled cron expression or duration string.
type ScheduleConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"`
}

// LearningMergeConfig periodically merges learning tables from every running agent into Target.
type LearningMergeConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"`
	Target   string `yaml:"target"`
}

// EventsConfig sizes the in-memory event log and the optional on-disk journal.
type EventsConfig struct {
	BufferSize int `yaml:"buffer_size"`
	// JournalPath, when set, appends every event to a JSONL file.
	JournalPath      string        `yaml:"journal_path"`
	JournalRetention time.Duration `yaml:"journal_retention"` // 0 keeps everything
}

// ClusterConfig enables redis-backed leases and event fan-out.
type ClusterConfig struct {
	Enabled  bool   `yaml:"enabled"`
	NodeID   string `yaml:"node_id"`   // auto-generated if empty
	RedisURL string `yaml:"redis_url"` // e.g. "redis://localhost:6379"
	LockTTL  string `yaml:"lock_ttl"`  // duration string (default: 30s)
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// DefaultLearningTables are the tables agents push learned rows through.
var DefaultLearningTables = []string{"learned_patterns", "optimization_history"}

// defaultDataDir returns the persistent data directory under $HOME/.forkmesh.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".forkmesh")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Database: DatabaseConfig{
			Primary:         filepath.Join(dataDir, "primary.db"),
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			BusyTimeout:     5 * time.Second,
		},
		Forks: ForksConfig{
			Provider: "local",
			Local: LocalForkConfig{
				Dir:         filepath.Join(dataDir, "forks"),
				SnapshotDir: filepath.Join(dataDir, "snapshots"),
			},
			CLI: CLIForkConfig{
				Binary:  "tiger",
				Timeout: 10 * time.Minute,
			},
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:     true,
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Agents: AgentsConfig{
			RestoreOnStart: true,
			StopOnShutdown: false,
		},
		Worker: WorkerConfig{
			Enabled:      true,
			PollInterval: 5 * time.Second,
			BatchSize:    10,
			MaxAttempts:  1,
			RetryBackoff: 30 * time.Second,
			ClaimTTL:     30 * time.Minute,
		},
		Sync: SyncConfig{
			AutoSync:       ScheduleConfig{Enabled: false, Schedule: "30s"},
			LearningMerge:  LearningMergeConfig{Enabled: false, Schedule: "@every 10m", Target: "primary"},
			LearningTables: append([]string(nil), DefaultLearningTables...),
			ClaimTTL:       time.Hour,
		},
		Events: EventsConfig{BufferSize: 1024},
		Logger: LoggerConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 14,
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads config from a YAML file, falling back to defaults when the file
// does not exist. Environment overrides and secret decryption are applied
// before validation.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := validatePermissions(path); err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("FORKMESH_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides applies FORKMESH_* environment variables on top of cfg.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FORKMESH_DATABASE_PRIMARY"); v != "" {
		cfg.Database.Primary = v
	}
	if v := os.Getenv("FORKMESH_FORKS_PROVIDER"); v != "" {
		cfg.Forks.Provider = v
	}
	if v := os.Getenv("FORKMESH_FORKS_DIR"); v != "" {
		cfg.Forks.Local.Dir = v
	}
	if v := os.Getenv("FORKMESH_FORKS_CLI_BINARY"); v != "" {
		cfg.Forks.CLI.Binary = v
	}
	if v := os.Getenv("FORKMESH_FORKS_CLI_PARENT"); v != "" {
		cfg.Forks.CLI.ParentService = v
	}
	if v := os.Getenv("FORKMESH_WORKER_ENABLED"); v == "false" {
		cfg.Worker.Enabled = false
	}
	if v := os.Getenv("FORKMESH_WORKER_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Worker.PollInterval = d
		}
	}
	if v := os.Getenv("FORKMESH_WORKER_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Worker.BatchSize = n
		}
	}
	if v := os.Getenv("FORKMESH_WORKER_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Worker.MaxAttempts = n
		}
	}
	if v := os.Getenv("FORKMESH_SYNC_AUTO"); v == "true" {
		cfg.Sync.AutoSync.Enabled = true
	}
	if v := os.Getenv("FORKMESH_SYNC_AUTO_SCHEDULE"); v != "" {
		cfg.Sync.AutoSync.Schedule = v
	}
	if v := os.Getenv("FORKMESH_EVENTS_JOURNAL"); v != "" {
		cfg.Events.JournalPath = v
	}
	if v := os.Getenv("FORKMESH_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("FORKMESH_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("FORKMESH_LOGGER_OUTPUT"); v != "" {
		cfg.Logger.Output = v
	}
	if v := os.Getenv("FORKMESH_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("FORKMESH_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("FORKMESH_CLUSTER_REDIS_URL"); v != "" {
		if cfg.Cluster == nil {
			cfg.Cluster = &ClusterConfig{}
		}
		cfg.Cluster.Enabled = true
		cfg.Cluster.RedisURL = v
	}
	if v := os.Getenv("FORKMESH_CLUSTER_NODE_ID"); v != "" && cfg.Cluster != nil {
		cfg.Cluster.NodeID = v
	}
}

// decryptSecrets replaces "enc:"-prefixed values with their plaintext.
func decryptSecrets(cfg *Config, passphrase string) error {
	fields := map[string]*string{
		"database.primary": &cfg.Database.Primary,
	}
	if cfg.Cluster != nil {
		fields["cluster.redis_url"] = &cfg.Cluster.RedisURL
	}
	for name, fp := range fields {
		if !strings.HasPrefix(*fp, "enc:") {
			continue
		}
		decrypted, err := DecryptValue(strings.TrimPrefix(*fp, "enc:"), passphrase)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*fp = decrypted
	}
	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
// The result is meant to be stored in the config file as "enc:<value>".
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	// Format: hex(salt) + ":" + hex(nonce+ciphertext)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts a value produced by EncryptValue.
func DecryptValue(encrypted, passphrase string) (string, error) {
	saltHex, dataHex, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", fmt.Errorf("invalid encrypted format")
	}

	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}
	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	plaintext, err := gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	// Argon2id, 32-byte key.
	key := argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
