// ichigyo/ichigyo_runner.go
// Defines the pluggable linter runner and the textlint subprocess implementation.
package ichigyo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// ============================================================================
// Runner Interface
// ============================================================================

// Runner lints a file on disk and returns the findings per file.
// An empty result means no findings and is not an error.
type Runner interface {
	Run(ctx context.Context, filePath, workDir string) ([]LinterResult, error)
}

// RunnerFunc adapts an ordinary function to the Runner interface.
type RunnerFunc func(ctx context.Context, filePath, workDir string) ([]LinterResult, error)

// Run calls f(ctx, filePath, workDir).
func (f RunnerFunc) Run(ctx context.Context, filePath, workDir string) ([]LinterResult, error) {
	return f(ctx, filePath, workDir)
}

// StaticRunner returns the same results for every file. Useful in tests and
// for driving the server without a Node.js toolchain.
type StaticRunner struct {
	Results []LinterResult
	Err     error
}

// Run returns the configured results or error.
func (r StaticRunner) Run(ctx context.Context, filePath, workDir string) ([]LinterResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.Results, r.Err
}

// ============================================================================
// Command Runner
// ============================================================================

// CommandRunner runs textlint as a subprocess with JSON output.
//
// The binary is resolved in order: the configured command, the project-local
// node_modules/.bin/textlint under workDir, then `npx textlint`.
// Safe for concurrent use; Configure may be called while runs are in flight.
type CommandRunner struct {
	mu      sync.RWMutex
	command string
	args    []string
	timeout time.Duration
	logger  *slog.Logger
}

// RunnerOption configures a CommandRunner.
type RunnerOption func(*CommandRunner)

// WithCommand sets an explicit linter executable.
func WithCommand(command string) RunnerOption {
	return func(r *CommandRunner) { r.command = command }
}

// WithArgs sets extra arguments placed before the output format flags.
func WithArgs(args ...string) RunnerOption {
	return func(r *CommandRunner) { r.args = append([]string(nil), args...) }
}

// WithTimeout sets the per-run timeout.
func WithTimeout(timeout time.Duration) RunnerOption {
	return func(r *CommandRunner) { r.timeout = timeout }
}

// WithRunnerLogger sets the logger used for subprocess diagnostics.
func WithRunnerLogger(logger *slog.Logger) RunnerOption {
	return func(r *CommandRunner) { r.logger = logger }
}

// NewCommandRunner creates a runner with defaults applied.
func NewCommandRunner(opts ...RunnerOption) *CommandRunner {
	r := &CommandRunner{timeout: defaultLintTimeoutSecs * time.Second}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return r
}

// NewCommandRunnerFromConfig creates a runner from the effective configuration.
func NewCommandRunnerFromConfig(cfg Config, logger *slog.Logger) *CommandRunner {
	return NewCommandRunner(
		WithCommand(cfg.TextlintCommand),
		WithArgs(cfg.TextlintArgs...),
		WithTimeout(cfg.LintTimeout),
		WithRunnerLogger(logger),
	)
}

// Configure replaces the command, arguments and timeout for subsequent runs.
func (r *CommandRunner) Configure(cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.command = cfg.TextlintCommand
	r.args = append([]string(nil), cfg.TextlintArgs...)
	if cfg.LintTimeout > 0 {
		r.timeout = cfg.LintTimeout
	}
}

// Run lints filePath from workDir. workDir defaults to the file's directory.
func (r *CommandRunner) Run(ctx context.Context, filePath, workDir string) ([]LinterResult, error) {
	if workDir == "" {
		workDir = filepath.Dir(filePath)
	}
	r.mu.RLock()
	command, args, timeout := r.command, append([]string(nil), r.args...), r.timeout
	r.mu.RUnlock()

	name, argv := resolveCommand(command, workDir)
	argv = append(argv, args...)
	argv = append(argv, "--format", "json", filePath)

	runLogger := r.logger.With("command", name, "file", filePath, "work_dir", workDir)
	runLogger.Debug("Running linter", "args", argv)

	output, err := r.execute(ctx, name, argv, workDir, timeout)
	if err != nil {
		runLogger.Warn("Linter run failed", "error", err)
		return nil, err
	}
	return parseLinterOutput(output)
}

// execute runs the subprocess and returns its stdout.
func (r *CommandRunner) execute(ctx context.Context, name string, argv []string, workDir string, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = defaultLintTimeoutSecs * time.Second
	}
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, name, argv...)
	cmd.Dir = workDir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	if errors.Is(cmdCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, fmt.Errorf("%w after %s: %s", ErrLinterTimeout, timeout, name)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil && cmd.ProcessState == nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrLinterUnavailable, name, err)
	}
	// textlint exits 1 when it reports findings; only a silent failure is fatal.
	if err != nil && stdout.Len() == 0 {
		return nil, fmt.Errorf("%w: %s: %w: %s", ErrLinterFailed, name, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// resolveCommand picks the executable and leading arguments for a run.
func resolveCommand(command, workDir string) (string, []string) {
	if command != "" {
		return command, nil
	}
	local := filepath.Join(workDir, "node_modules", ".bin", defaultLinterBinary)
	if info, err := os.Stat(local); err == nil && !info.IsDir() {
		return local, nil
	}
	return "npx", []string{defaultLinterBinary}
}

// parseLinterOutput decodes `textlint --format json` output.
func parseLinterOutput(output []byte) ([]LinterResult, error) {
	output = bytes.TrimSpace(output)
	if len(output) == 0 {
		return []LinterResult{}, nil
	}
	if !utf8.Valid(output) {
		return nil, fmt.Errorf("%w: output is not valid UTF-8", ErrLinterOutput)
	}
	var results []LinterResult
	if err := json.Unmarshal(output, &results); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLinterOutput, err)
	}
	return results, nil
}
