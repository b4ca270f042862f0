package forkprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"forkmesh/internal/domain"
)

// Runner executes an external command and returns its stdout.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs commands with os/exec. Stderr is folded into the error.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return out, fmt.Errorf("%w: %s", err, msg)
		}
		return out, err
	}
	return out, nil
}

// CLIProvider drives a control-plane binary that forks a managed database
// service. Output is parsed as JSON.
type CLIProvider struct {
	binary  string
	parent  string
	timeout time.Duration
	run     Runner
	logger  *slog.Logger
}

var _ domain.ForkProvider = (*CLIProvider)(nil)

// NewCLIProvider returns a provider that forks parent through binary. A nil
// run uses ExecRunner.
func NewCLIProvider(binary, parent string, timeout time.Duration, run Runner, logger *slog.Logger) *CLIProvider {
	if binary == "" {
		binary = "tiger"
	}
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	if run == nil {
		run = ExecRunner
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CLIProvider{binary: binary, parent: parent, timeout: timeout, run: run, logger: logger}
}

// cliService is the JSON shape the control plane prints for a service.
type cliService struct {
	ServiceID string    `json:"service_id"`
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	ParentID  string    `json:"parent_id"`
}

func (s cliService) fork() domain.Fork {
	id := s.ServiceID
	if id == "" {
		id = s.ID
	}
	return domain.Fork{ID: id, Name: s.Name, Status: s.Status, CreatedAt: s.CreatedAt, ParentID: s.ParentID}
}

func (p *CLIProvider) CreateFork(ctx context.Context, opts domain.ForkOptions) (*domain.Fork, error) {
	args := []string{"service", "fork", p.parent, "--output", "json"}
	if opts.Name != "" {
		args = append(args, "--name", opts.Name)
	}
	switch opts.Strategy {
	case "", domain.ForkNow:
		args = append(args, "--now")
	case domain.ForkLastSnapshot:
		args = append(args, "--last-snapshot")
	case domain.ForkToTimestamp:
		if opts.Timestamp == nil {
			return nil, domain.NewSubSystemError("fork", "CLIProvider.CreateFork", domain.ErrInvalidInput, "timestamp is required")
		}
		args = append(args, "--to-timestamp", opts.Timestamp.UTC().Format(time.RFC3339))
	default:
		return nil, domain.NewSubSystemError("fork", "CLIProvider.CreateFork", domain.ErrInvalidInput,
			fmt.Sprintf("unknown strategy %q", opts.Strategy))
	}
	if opts.CPU != "" {
		args = append(args, "--cpu", opts.CPU)
	}
	if opts.Memory != "" {
		args = append(args, "--memory", opts.Memory)
	}
	if opts.WaitForCompletion {
		args = append(args, "--wait")
	}

	out, err := p.exec(ctx, "CLIProvider.CreateFork", args...)
	if err != nil {
		return nil, err
	}
	var svc cliService
	if err := json.Unmarshal(out, &svc); err != nil {
		return nil, domain.NewSubSystemError("fork", "CLIProvider.CreateFork", domain.ErrProviderError,
			fmt.Sprintf("decode output: %v", err))
	}
	f := svc.fork()
	if f.ID == "" {
		return nil, domain.NewSubSystemError("fork", "CLIProvider.CreateFork", domain.ErrProviderError, "output has no service id")
	}
	if f.ParentID == "" {
		f.ParentID = p.parent
	}
	p.logger.Info("fork created", "fork_id", f.ID, "name", f.Name)
	return &f, nil
}

// DeleteFork treats an already deleted service as success.
func (p *CLIProvider) DeleteFork(ctx context.Context, id string) error {
	_, err := p.exec(ctx, "CLIProvider.DeleteFork", "service", "delete", id, "--confirm")
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "not found") {
		return nil
	}
	return err
}

func (p *CLIProvider) GetConnectionString(ctx context.Context, id string) (string, error) {
	out, err := p.exec(ctx, "CLIProvider.GetConnectionString", "db", "connection-string", id)
	if err != nil {
		return "", err
	}
	dsn := strings.TrimSpace(string(out))
	if dsn == "" {
		return "", domain.NewSubSystemError("fork", "CLIProvider.GetConnectionString", domain.ErrProviderError, "empty connection string")
	}
	return dsn, nil
}

func (p *CLIProvider) ListServices(ctx context.Context) ([]domain.Fork, error) {
	out, err := p.exec(ctx, "CLIProvider.ListServices", "service", "list", "--output", "json")
	if err != nil {
		return nil, err
	}
	var svcs []cliService
	if err := json.Unmarshal(out, &svcs); err != nil {
		return nil, domain.NewSubSystemError("fork", "CLIProvider.ListServices", domain.ErrProviderError,
			fmt.Sprintf("decode output: %v", err))
	}
	forks := make([]domain.Fork, 0, len(svcs))
	for _, s := range svcs {
		forks = append(forks, s.fork())
	}
	return forks, nil
}

func (p *CLIProvider) exec(ctx context.Context, op string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	p.logger.Debug("running fork provider command", "binary", p.binary, "args", args)
	out, err := p.run(ctx, p.binary, args...)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, domain.NewSubSystemError("fork", op, domain.ErrTimeout, err.Error())
		}
		return nil, domain.NewSubSystemError("fork", op, domain.ErrProviderError, err.Error())
	}
	return out, nil
}
