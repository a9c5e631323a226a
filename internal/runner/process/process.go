// Package process implements a runner that executes staged programs as local
// subprocesses.
package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/seantiz/kiln/internal/controller"
	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/runner"
)

// OptionEntrypoint names the file to execute inside an unpacked program.
const OptionEntrypoint = "entrypoint"

// DefaultEntrypoint is executed when an unpacked program sets no entrypoint.
const DefaultEntrypoint = "run"

// Environment variables exported to every program.
const (
	EnvRunID     = "KILN_RUN_ID"
	EnvWorkDir   = "KILN_WORK_DIR"
	EnvPluginDir = "KILN_PLUGIN_DIR"
	EnvProgram   = "KILN_PROGRAM"
	envUserArg   = "KILN_ARG_"
)

// Runner starts programs as child processes of the current process.
type Runner struct {
	logger *slog.Logger
}

// New creates a process runner.
func New(logger *slog.Logger) *Runner {
	return &Runner{logger: logger}
}

// Run starts the program and returns once the process has been spawned.
func (r *Runner) Run(_ context.Context, program runner.Program, opts model.Options) (controller.Controller, error) {
	runID := opts.Argument(model.OptionRunID)
	if runID == "" {
		return nil, fmt.Errorf("missing %s option", model.OptionRunID)
	}

	entry, err := entrypoint(program, opts)
	if err != nil {
		return nil, err
	}

	// The process outlives the launch request, so it is not bound to ctx.
	cmd := exec.Command(entry)
	cmd.Dir = program.WorkDir
	cmd.Env = append(os.Environ(), environment(program, opts)...)
	// Children of the program share its output pipes, so signals go to the
	// whole group.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start command: %w", err)
	}

	ctl := &Controller{
		Base:   controller.NewBase(runID, model.StateRunning),
		cmd:    cmd,
		logger: r.logger.With("run_id", runID, "program", program.Identity.String()),
	}
	ctl.logger.Info("process started", "pid", cmd.Process.Pid, "entrypoint", entry)

	go ctl.wait(stdout, stderr)
	return ctl, nil
}

// Controller drives a single child process.
type Controller struct {
	*controller.Base

	cmd      *exec.Cmd
	logger   *slog.Logger
	stopping atomic.Bool
}

// Stop sends SIGTERM to the program's process group and waits for the
// program to exit. If ctx expires first, the group is killed.
func (c *Controller) Stop(ctx context.Context) error {
	if c.State().IsTerminal() {
		return nil
	}
	c.stopping.Store(true)
	if err := c.signal(syscall.SIGTERM); err != nil {
		c.logger.Debug("SIGTERM failed, killing", "error", err)
		if killErr := c.signal(syscall.SIGKILL); killErr != nil {
			return fmt.Errorf("kill process: %w", killErr)
		}
	}

	select {
	case <-c.Done():
		return nil
	case <-ctx.Done():
		if err := c.signal(syscall.SIGKILL); err != nil {
			return fmt.Errorf("kill process: %w", err)
		}
		return ctx.Err()
	}
}

// Close kills the program's process group if it is still running.
func (c *Controller) Close() error {
	if c.State().IsTerminal() {
		return nil
	}
	c.stopping.Store(true)
	if err := c.signal(syscall.SIGKILL); err != nil {
		return fmt.Errorf("kill process: %w", err)
	}
	return nil
}

// signal delivers sig to the process group. A group that no longer exists
// has already exited, which is not an error.
func (c *Controller) signal(sig syscall.Signal) error {
	err := syscall.Kill(-c.cmd.Process.Pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

// wait streams output to the logger until the process exits, then reports
// the terminal state. A clean exit is a completion even if a stop raced
// with it.
func (c *Controller) wait(stdout, stderr io.Reader) {
	var wg sync.WaitGroup
	wg.Go(func() { c.streamLines("stdout", stdout) })
	wg.Go(func() { c.streamLines("stderr", stderr) })
	wg.Wait()

	err := c.cmd.Wait()
	switch {
	case err == nil:
		c.logger.Info("process completed")
		c.Complete()
	case c.stopping.Load():
		c.logger.Info("process stopped")
		c.Kill()
	default:
		c.logger.Warn("process failed", "error", err)
		c.Fail(fmt.Errorf("process exited: %w", err))
	}
}

func (c *Controller) streamLines(stream string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		c.logger.Debug("program output", "stream", stream, "line", scanner.Text())
	}
}

// entrypoint picks the file to execute: the configured entrypoint inside an
// unpacked program, or the program snapshot itself.
func entrypoint(program runner.Program, opts model.Options) (string, error) {
	if program.Dir == "" {
		return program.Path, nil
	}
	ep := opts.Argument(OptionEntrypoint)
	if ep == "" {
		ep = DefaultEntrypoint
	}
	if err := validatePath(program.Dir, ep); err != nil {
		return "", fmt.Errorf("invalid entrypoint: %w", err)
	}
	return filepath.Join(program.Dir, ep), nil
}

// validatePath checks that joining baseDir with relPath stays within baseDir.
func validatePath(baseDir, relPath string) error {
	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return fmt.Errorf("resolve base dir: %w", err)
	}
	cleaned := filepath.Clean(filepath.Join(absBase, relPath))
	if !strings.HasPrefix(cleaned, absBase+string(filepath.Separator)) {
		return fmt.Errorf("path %q escapes program directory", relPath)
	}
	return nil
}

// environment builds the KILN_* variables for a run. User arguments are
// exported as KILN_ARG_<KEY> in sorted key order.
func environment(program runner.Program, opts model.Options) []string {
	env := []string{
		EnvRunID + "=" + opts.Argument(model.OptionRunID),
		EnvWorkDir + "=" + program.WorkDir,
		EnvProgram + "=" + program.Identity.String(),
	}
	if dir := opts.Argument(model.OptionPluginDir); dir != "" {
		env = append(env, EnvPluginDir+"="+dir)
	}

	keys := make([]string, 0, len(opts.UserArguments))
	for k := range opts.UserArguments {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		name := strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(k))
		env = append(env, envUserArg+name+"="+opts.UserArguments[k])
	}
	return env
}

// Compile-time interface satisfaction checks.
var (
	_ runner.Runner         = (*Runner)(nil)
	_ controller.Controller = (*Controller)(nil)
	_ io.Closer             = (*Controller)(nil)
)
