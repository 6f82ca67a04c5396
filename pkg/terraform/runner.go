// Package terraform drives the terraform CLI inside isolated per-machine
// workspaces. Each machine owns exactly one workspace directory under the
// runner's base dir, so concurrent deployments for different machines
// never share state files.
package terraform

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/machinist/machinist/pkg/engine"
)

const (
	planFile = "tfplan"

	// errorTailLines is how many trailing output lines travel with an
	// execution error for diagnosis.
	errorTailLines = 20
)

// Config configures the runner.
type Config struct {
	// Binary is the terraform executable, looked up on PATH when relative.
	Binary string `yaml:"binary"`

	// BaseDir is the root under which per-machine workspaces live.
	BaseDir string `yaml:"base_dir"`
}

// Runner executes terraform init/plan/apply/destroy. It implements
// engine.ExecutionRunner.
type Runner struct {
	binary  string
	baseDir string
	logger  zerolog.Logger
}

// NewRunner creates a runner and ensures the workspace base dir exists.
func NewRunner(cfg Config, logger zerolog.Logger) (*Runner, error) {
	if cfg.Binary == "" {
		cfg.Binary = "terraform"
	}
	if cfg.BaseDir == "" {
		return nil, fmt.Errorf("terraform base dir is required")
	}
	if err := os.MkdirAll(cfg.BaseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace base dir: %w", err)
	}
	return &Runner{
		binary:  cfg.Binary,
		baseDir: cfg.BaseDir,
		logger:  logger.With().Str("component", "terraform").Logger(),
	}, nil
}

func (r *Runner) workspacePath(workspace string) (string, error) {
	if workspace == "" || workspace != filepath.Base(workspace) || strings.HasPrefix(workspace, ".") {
		return "", engine.NewValidationError(fmt.Sprintf("invalid workspace name %q", workspace))
	}
	return filepath.Join(r.baseDir, workspace), nil
}

// Init writes the rendered source files into the workspace and runs
// terraform init.
func (r *Runner) Init(ctx context.Context, workspace string, source *engine.WorkspaceSource) error {
	dir, err := r.workspacePath(workspace)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create workspace: %w", err)
	}

	for name, content := range source.Files {
		if name != filepath.Base(name) {
			return engine.NewValidationError(fmt.Sprintf("invalid source file name %q", name))
		}
		mode := os.FileMode(0o644)
		// Variable files carry credentials.
		if strings.Contains(name, "tfvars") {
			mode = 0o600
		}
		if err := os.WriteFile(filepath.Join(dir, name), content, mode); err != nil {
			return fmt.Errorf("failed to write %s: %w", name, err)
		}
	}

	return r.stream(ctx, dir, nil, "init", "-input=false", "-no-color")
}

// Plan runs terraform plan into the workspace plan file, then reads the
// machine-readable form back for summarization. The raw JSON plan is
// returned alongside the summary.
func (r *Runner) Plan(ctx context.Context, workspace string, destroy bool, sink engine.LogSink) (*engine.PlanSummary, string, error) {
	dir, err := r.workspacePath(workspace)
	if err != nil {
		return nil, "", err
	}

	args := []string{"plan", "-input=false", "-no-color", "-out=" + planFile}
	if destroy {
		args = append(args, "-destroy")
	}
	if err := r.stream(ctx, dir, sink, args...); err != nil {
		return nil, "", err
	}

	raw, err := r.capture(ctx, dir, "show", "-json", planFile)
	if err != nil {
		return nil, "", err
	}

	summary, err := ParsePlan(raw)
	if err != nil {
		return nil, "", engine.NewExecutionError("failed to parse plan", err, nil)
	}
	return summary, string(raw), nil
}

// Apply executes the previously created plan file and returns the
// workspace outputs.
func (r *Runner) Apply(ctx context.Context, workspace string, sink engine.LogSink) (*engine.Outputs, error) {
	dir, err := r.workspacePath(workspace)
	if err != nil {
		return nil, err
	}

	if err := r.stream(ctx, dir, sink, "apply", "-input=false", "-no-color", "-auto-approve", planFile); err != nil {
		return nil, err
	}

	raw, err := r.capture(ctx, dir, "output", "-json")
	if err != nil {
		return nil, err
	}
	outputs, err := ParseOutputs(raw)
	if err != nil {
		return nil, engine.NewExecutionError("failed to parse outputs", err, nil)
	}
	return outputs, nil
}

// Destroy executes the previously created destroy plan and removes the
// workspace: a destroyed machine has no state left to keep.
func (r *Runner) Destroy(ctx context.Context, workspace string, sink engine.LogSink) error {
	dir, err := r.workspacePath(workspace)
	if err != nil {
		return err
	}

	if err := r.stream(ctx, dir, sink, "apply", "-input=false", "-no-color", "-auto-approve", planFile); err != nil {
		return err
	}

	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove workspace: %w", err)
	}
	return nil
}

// Cleanup removes workspace scratch, keeping the state file and provider
// cache. Safe to call for missing workspaces.
func (r *Runner) Cleanup(workspace string) error {
	dir, err := r.workspacePath(workspace)
	if err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(dir, planFile)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove plan file: %w", err)
	}
	return nil
}

// OrphanedWorkspaces lists workspaces holding a leftover plan file: the
// mark of a run interrupted before cleanup.
func (r *Runner) OrphanedWorkspaces() ([]string, error) {
	entries, err := os.ReadDir(r.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read workspace base dir: %w", err)
	}

	var orphans []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(r.baseDir, entry.Name(), planFile)); err == nil {
			orphans = append(orphans, entry.Name())
		}
	}
	return orphans, nil
}

// stream runs terraform with its output forwarded line by line to the
// sink. Context cancellation sends SIGTERM so terraform can release its
// state lock before exiting.
func (r *Runner) stream(ctx context.Context, dir string, sink engine.LogSink, args ...string) error {
	cmd := exec.CommandContext(ctx, r.binary, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "TF_IN_AUTOMATION=1")
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = 30 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdout: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return engine.NewExecutionError(fmt.Sprintf("failed to start terraform %s", args[0]), err, nil)
	}

	var tail []string
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if sink != nil {
			sink(engine.LogLevelInfo, "terraform", line)
		}
		tail = append(tail, line)
		if len(tail) > errorTailLines {
			tail = tail[1:]
		}
	}

	if err := cmd.Wait(); err != nil {
		r.logger.Error().Err(err).Str("dir", dir).Strs("args", args).Msg("terraform failed")
		return engine.NewExecutionError(fmt.Sprintf("terraform %s failed", args[0]), err, tail)
	}
	return nil
}

// capture runs terraform and returns its stdout wholesale, for the
// machine-readable subcommands.
func (r *Runner) capture(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, r.binary, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "TF_IN_AUTOMATION=1")
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = 30 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		tail := lastLines(stderr.String(), errorTailLines)
		return nil, engine.NewExecutionError(fmt.Sprintf("terraform %s failed", args[0]), err, tail)
	}
	return stdout.Bytes(), nil
}

func lastLines(s string, n int) []string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	if len(lines) == 1 && lines[0] == "" {
		return nil
	}
	return lines
}
