package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"forkmesh/internal/adapter/sqldb"
	"forkmesh/internal/infra/config"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

const checkTimeout = 10 * time.Second

func newDoctorCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "doctor",
		Short:   "Check the config, the primary database, the fork provider and the cluster",
		GroupID: "manage",
		Args:    cobra.NoArgs,
		RunE:    func(*cobra.Command, []string) error { return runDoctor(configPath) },
	}
}

// runDoctor executes all health checks and reports results.
func runDoctor(cfgPath string) error {
	cfg, cfgErr := config.Load(cfgPath)

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "Primary database", Fn: checkPrimary},
		{Name: "Fork provider", Fn: checkForkProvider},
		{Name: "Cluster", Fn: checkCluster},
	}

	fmt.Println("forkmesh doctor")
	fmt.Println(strings.Repeat("=", 50))
	fmt.Println()

	var pass, warn, fail int
	for _, check := range checks {
		result := check.Fn(cfg)
		result.Name = check.Name

		fmt.Printf("  %s %s: %s\n", statusIcon(result.Status), result.Name, result.Message)
		if result.Fix != "" {
			fmt.Printf("      Fix: %s\n", result.Fix)
		}
		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Println()
	fmt.Println(strings.Repeat("-", 50))
	fmt.Printf("Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)
	if fail > 0 {
		return fmt.Errorf("%d check(s) failed", fail)
	}
	return nil
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return green("[PASS]")
	case StatusWarn:
		return yellow("[WARN]")
	case StatusFail:
		return red("[FAIL]")
	default:
		return "[????]"
	}
}

// checkConfigFile returns a check that reports whether the config file
// exists and parses correctly.
func checkConfigFile(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config error: %v", cfgErr),
				Fix:     "Check config.yaml syntax and FORKMESH_* overrides",
			}
		}
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("no config file at %s, using defaults", cfgPath),
			}
		}
		return CheckResult{Status: StatusPass, Message: fmt.Sprintf("config loaded from %s", cfgPath)}
	}
}

// checkPrimary opens the primary database and lists its tables.
func checkPrimary(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "cannot check, config not loaded"}
	}
	ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
	defer cancel()

	opts := sqldb.DefaultPoolOptions()
	opts.BusyTimeout = cfg.Database.BusyTimeout
	db, dialect, err := sqldb.Open(ctx, cfg.Database.Primary, opts)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot open %s: %v", redact(cfg.Database.Primary), err),
			Fix:     "Set database.primary or FORKMESH_DATABASE_PRIMARY",
		}
	}
	defer db.Close()

	tables, err := dialect.Tables(ctx, db)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("list tables: %v", err)}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%s reachable (%s, %d tables)", redact(cfg.Database.Primary), dialect.Name(), len(tables)),
	}
}

// checkForkProvider verifies the local fork directory is writable or the CLI
// binary is on PATH.
func checkForkProvider(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "cannot check, config not loaded"}
	}
	if cfg.Forks.Provider == "cli" {
		path, err := exec.LookPath(cfg.Forks.CLI.Binary)
		if err != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("fork CLI %q not found", cfg.Forks.CLI.Binary),
				Fix:     "Install the control-plane CLI or set forks.cli.binary",
			}
		}
		return CheckResult{Status: StatusPass, Message: fmt.Sprintf("fork CLI at %s (parent %s)", path, cfg.Forks.CLI.ParentService)}
	}

	for _, dir := range []string{cfg.Forks.Local.Dir, cfg.Forks.Local.SnapshotDir} {
		if res, ok := checkWritableDir(dir); !ok {
			return res
		}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("local forks in %s writable", cfg.Forks.Local.Dir)}
}

func checkWritableDir(dir string) (CheckResult, bool) {
	absDir, _ := filepath.Abs(dir)
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("directory %s cannot be created: %v", absDir, err),
			Fix:     fmt.Sprintf("Create the directory: mkdir -p %s", absDir),
		}, false
	}
	testFile := filepath.Join(absDir, ".doctor-check")
	if err := os.WriteFile(testFile, []byte("ok"), 0o644); err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("directory %s is not writable: %v", absDir, err),
			Fix:     fmt.Sprintf("Fix permissions: chmod 755 %s", absDir),
		}, false
	}
	os.Remove(testFile)
	return CheckResult{}, true
}

// checkCluster pings redis when cluster mode is enabled.
func checkCluster(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusWarn, Message: "cannot check, config not loaded"}
	}
	if cfg.Cluster == nil || !cfg.Cluster.Enabled {
		return CheckResult{Status: StatusPass, Message: "standalone mode"}
	}
	opts, err := goredis.ParseURL(cfg.Cluster.RedisURL)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("bad redis URL: %v", err)}
	}
	rdb := goredis.NewClient(opts)
	defer rdb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
	defer cancel()
	start := time.Now()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot reach %s: %v", redact(cfg.Cluster.RedisURL), err),
			Fix:     "Start redis or set cluster.redis_url",
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("redis reachable (latency: %dms)", time.Since(start).Milliseconds()),
	}
}
