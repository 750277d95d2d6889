package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/josenavas/qiita-client/internal/apperrors"
	"github.com/josenavas/qiita-client/internal/wire"
)

// Local runs commands directly on the host through the shell.
type Local struct {
	shell  string
	logger *slog.Logger
}

// NewLocal returns an executor that spawns commands with /bin/sh -c.
func NewLocal(logger *slog.Logger) *Local {
	if logger == nil {
		logger = slog.Default()
	}
	return &Local{
		shell:  "/bin/sh",
		logger: logger.With("component", "executor"),
	}
}

// Run executes the assignment's command with the workspace as its working
// directory. Output goes to the workspace log file; trailing stderr is kept
// in the Result for error reports.
func (l *Local) Run(ctx context.Context, a *wire.Assignment, workspace string) (*Result, error) {
	const op = "executor.local"

	paramsPath, err := writeParams(a, workspace)
	if err != nil {
		return nil, err
	}

	logFile, err := os.Create(filepath.Join(workspace, LogFile))
	if err != nil {
		return nil, apperrors.Internal(op, err)
	}
	defer logFile.Close()

	tail := newTailWriter(maxStderrTail)

	cmd := exec.CommandContext(ctx, l.shell, "-c", a.Command)
	cmd.Dir = workspace
	cmd.Env = commandEnv(os.Environ(), a, workspace, paramsPath)
	cmd.Stdout = logFile
	cmd.Stderr = io.MultiWriter(logFile, tail)
	// A grandchild holding the stderr pipe open must not stall Wait once
	// the command itself is gone.
	cmd.WaitDelay = 10 * time.Second

	logger := l.logger.With("jobId", a.JobID)
	logger.Info("Running command", "command", a.Command)
	start := time.Now()

	runErr := cmd.Run()
	if runErr != nil {
		// A cancelled context kills the process, which also surfaces as an
		// ExitError. Check cancellation first.
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s: %w", op, ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			logger.Warn("Command failed", "exitCode", exitErr.ExitCode(), "elapsed", time.Since(start))
			return &Result{ExitCode: exitErr.ExitCode(), Stderr: tail.String()}, nil
		}
		return nil, apperrors.Execution(op, runErr)
	}

	logger.Info("Command finished", "elapsed", time.Since(start))
	return &Result{ExitCode: 0, Stderr: tail.String()}, nil
}

// Ready reports whether the shell is available.
func (l *Local) Ready(ctx context.Context) error {
	if _, err := exec.LookPath(l.shell); err != nil {
		return fmt.Errorf("shell unavailable: %w", err)
	}
	return nil
}

// Close is a no-op for the local backend.
func (l *Local) Close() error {
	return nil
}

// Verify Local implements Executor
var _ Executor = (*Local)(nil)
