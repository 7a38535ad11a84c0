package argocd

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/davarch/ci-controlplane/internal/domain"
	"github.com/davarch/ci-controlplane/internal/infrastructure/retry"
)

const redacted = "******"

// Quote wraps s in single quotes for /bin/sh. Embedded single quotes become
// '\''.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Command quotes every argument and joins them into a shell command line.
func Command(args ...string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = Quote(a)
	}
	return strings.Join(quoted, " ")
}

// Runner executes a shell command line and returns its stdout and stderr.
type Runner func(ctx context.Context, command string) (stdout, stderr string, err error)

// ShellRunner runs the command through /bin/sh -c.
func ShellRunner(ctx context.Context, command string) (string, string, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

type CLIConfig struct {
	Binary   string
	Server   string
	Username string
	Password string
	Insecure bool
	GRPCWeb  bool

	LoginRetry retry.Policy
	SyncRetry  retry.Policy
}

func (c CLIConfig) withDefaults() CLIConfig {
	if c.Binary == "" {
		c.Binary = "argocd"
	}
	if c.Username == "" {
		c.Username = "admin"
	}
	if c.LoginRetry.MaxAttempts == 0 && c.LoginRetry.MinInterval == 0 {
		c.LoginRetry = retry.Policy{MinInterval: 2 * time.Second, MaxInterval: 32 * time.Second, Factor: 2, MaxAttempts: 5}
	}
	if c.SyncRetry.MaxAttempts == 0 && c.SyncRetry.MinInterval == 0 {
		c.SyncRetry = retry.Policy{MinInterval: 5 * time.Second, MaxInterval: 30 * time.Second, Factor: 2, MaxAttempts: 5}
	}
	return c
}

type CLI struct {
	cfg CLIConfig
	run Runner
	log *zap.Logger

	// mu serializes invocations; the argocd CLI keeps its session in a
	// shared config file.
	mu sync.Mutex
}

func NewCLI(cfg CLIConfig, run Runner, log *zap.Logger) *CLI {
	if run == nil {
		run = ShellRunner
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &CLI{cfg: cfg.withDefaults(), run: run, log: log}
}

func (c *CLI) loginArgs(password string) []string {
	args := []string{c.cfg.Binary, "login", c.cfg.Server, "--username", c.cfg.Username, "--password", password}
	if c.cfg.Insecure {
		args = append(args, "--insecure")
	}
	if c.cfg.GRPCWeb {
		args = append(args, "--grpc-web")
	}
	return args
}

// Login authenticates the CLI session, retrying failures with exponential
// backoff.
func (c *CLI) Login(ctx context.Context) error {
	if c.cfg.Server == "" {
		return &domain.ConfigError{Field: "argocd.server", Message: "server is required"}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	command := Command(c.loginArgs(c.cfg.Password)...)
	shown := Command(c.loginArgs(redacted)...)
	return retry.Do(ctx, c.cfg.LoginRetry, func(ctx context.Context) error {
		c.log.Debug("argocd login", zap.String("cmd", shown))
		stdout, stderr, err := c.run(ctx, command)
		if err != nil {
			return classifyCLI("login", err, stdout, stderr)
		}
		return nil
	}, func(err error, next time.Duration) {
		c.log.Warn("argocd login failed, retrying", zap.Duration("next", next), zap.Error(err))
	})
}

// SyncArgs builds the argv of an application sync.
func (c *CLI) SyncArgs(ref domain.ArgoAppRef, opts domain.SyncOptions, timeout int) []string {
	args := []string{c.cfg.Binary, "app", "sync", ref.Name}
	if ref.Namespace != "" {
		args = append(args, "--app-namespace", ref.Namespace)
	}
	if opts.Revision != "" {
		args = append(args, "--revision", opts.Revision)
	}
	if opts.Prune {
		args = append(args, "--prune")
	}
	if opts.Force {
		args = append(args, "--force")
	}
	if opts.DryRun {
		args = append(args, "--dry-run")
	}
	if timeout > 0 {
		args = append(args, "--timeout", strconv.Itoa(timeout))
	}
	if c.cfg.GRPCWeb {
		args = append(args, "--grpc-web")
	}
	return args
}

// Sync triggers an application sync and returns the CLI stdout. Only the
// "another operation is already in progress" condition is retried; an
// expired session surfaces as an auth error for the caller to refresh.
func (c *CLI) Sync(ctx context.Context, ref domain.ArgoAppRef, opts domain.SyncOptions, timeout int) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	command := Command(c.SyncArgs(ref, opts, timeout)...)
	return retry.DoValue(ctx, c.cfg.SyncRetry, func(ctx context.Context) (string, error) {
		c.log.Debug("argocd sync", zap.String("cmd", command))
		stdout, stderr, err := c.run(ctx, command)
		if err != nil {
			return stdout, classifyCLI("sync", err, stdout, stderr)
		}
		return stdout, nil
	}, func(err error, next time.Duration) {
		c.log.Info("argocd sync busy, retrying", zap.String("app", ref.Name), zap.Duration("next", next))
	})
}

var (
	inProgressMarkers = []string{"another operation is already in progress", "FailedPrecondition"}
	authMarkers       = []string{"token is expired", "Unauthenticated", "invalid session", "Unauthorized"}
)

// classifyCLI turns a failed invocation into a provider error. Login failures
// stay retryable; sync failures are retryable only while another operation
// holds the application.
func classifyCLI(op string, err error, stdout, stderr string) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	out := strings.TrimSpace(stderr)
	if out == "" {
		out = strings.TrimSpace(stdout)
	}
	pe := &domain.ProviderError{Provider: Source, Op: op, Message: out, Err: err}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		pe.ProviderCode = "exit " + strconv.Itoa(exitErr.ExitCode())
	}

	combined := stdout + "\n" + stderr
	switch {
	case containsAny(combined, inProgressMarkers):
		pe.Kind, pe.Retryable = domain.KindConflict, true
	case containsAny(combined, authMarkers):
		pe.Kind, pe.Retryable = domain.KindAuth, op == "login"
	default:
		pe.Kind, pe.Retryable = domain.KindTransport, op == "login"
	}
	return pe
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
