package executor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/josenavas/qiita-client/internal/wire"
)

func testAssignment(command string) *wire.Assignment {
	return &wire.Assignment{
		JobID:      "063e553b-327c-4818-ab4a-adfe58e49860",
		Command:    command,
		Parameters: map[string]any{"input_data": "123"},
	}
}

func TestLocal_RunSuccess(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	l := NewLocal(nil)

	res, err := l.Run(context.Background(), testAssignment("echo processing && echo done > marker.txt"), dir)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", res.ExitCode)
	}

	// Relative paths resolve against the workspace.
	if _, err := os.Stat(filepath.Join(dir, "marker.txt")); err != nil {
		t.Errorf("Command did not run in workspace: %v", err)
	}

	logData, err := os.ReadFile(filepath.Join(dir, LogFile))
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	if !strings.Contains(string(logData), "processing") {
		t.Errorf("Log file missing stdout, got %q", logData)
	}
}

func TestLocal_RunPassesEnvironment(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	l := NewLocal(nil)

	command := `printf '%s\n%s\n%s\n' "$QIITA_JOB_ID" "$QIITA_JOB_DIR" "$QIITA_PARAMS_FP" > env.txt`
	res, err := l.Run(context.Background(), testAssignment(command), dir)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("ExitCode = %d, want 0", res.ExitCode)
	}

	data, err := os.ReadFile(filepath.Join(dir, "env.txt"))
	if err != nil {
		t.Fatalf("Failed to read env capture: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 3 {
		t.Fatalf("Expected 3 env lines, got %d: %q", len(lines), data)
	}
	if lines[0] != "063e553b-327c-4818-ab4a-adfe58e49860" {
		t.Errorf("QIITA_JOB_ID = %q", lines[0])
	}
	if lines[1] != dir {
		t.Errorf("QIITA_JOB_DIR = %q, want %q", lines[1], dir)
	}
	if lines[2] != filepath.Join(dir, ParamsFile) {
		t.Errorf("QIITA_PARAMS_FP = %q, want %q", lines[2], filepath.Join(dir, ParamsFile))
	}
}

func TestLocal_RunCommandReadsParams(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	l := NewLocal(nil)

	res, err := l.Run(context.Background(), testAssignment(`grep -q input_data "$QIITA_PARAMS_FP"`), dir)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0; params file should contain the parameters", res.ExitCode)
	}
}

func TestLocal_RunFailureKeepsExitCodeAndStderr(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	l := NewLocal(nil)

	res, err := l.Run(context.Background(), testAssignment("echo demux failed >&2; exit 3"), dir)
	if err != nil {
		t.Fatalf("Run() error = %v, want nil for a command that exited", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", res.ExitCode)
	}
	if !strings.Contains(res.Stderr, "demux failed") {
		t.Errorf("Stderr = %q, want it to contain %q", res.Stderr, "demux failed")
	}

	// The log file carries stderr too.
	logData, err := os.ReadFile(filepath.Join(dir, LogFile))
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	if !strings.Contains(string(logData), "demux failed") {
		t.Errorf("Log file missing stderr, got %q", logData)
	}
}

func TestLocal_RunMissingCommandIsExitCode(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	l := NewLocal(nil)

	// The shell reports a missing executable with exit code 127; that is a
	// job failure, not an executor failure.
	res, err := l.Run(context.Background(), testAssignment("definitely-not-a-real-command-qiita"), dir)
	if err != nil {
		t.Fatalf("Run() error = %v, want nil", err)
	}
	if res.ExitCode != 127 {
		t.Errorf("ExitCode = %d, want 127", res.ExitCode)
	}
}

func TestLocal_RunStderrTailBounded(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	l := NewLocal(nil)

	command := `i=0; while [ $i -lt 2000 ]; do echo 0123456789 >&2; i=$((i+1)); done; echo LAST-LINE >&2; exit 1`
	res, err := l.Run(context.Background(), testAssignment(command), dir)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.ExitCode != 1 {
		t.Fatalf("ExitCode = %d, want 1", res.ExitCode)
	}
	if len(res.Stderr) > maxStderrTail {
		t.Errorf("Stderr length = %d, want at most %d", len(res.Stderr), maxStderrTail)
	}
	if !strings.Contains(res.Stderr, "LAST-LINE") {
		t.Errorf("Stderr should keep the most recent output, got tail %q", res.Stderr[max(0, len(res.Stderr)-80):])
	}
}

func TestLocal_RunCancelled(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	l := NewLocal(nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	res, err := l.Run(ctx, testAssignment("sleep 30"), dir)
	if res != nil {
		t.Errorf("Run() result = %+v, want nil after cancellation", res)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Run() error = %v, want context.DeadlineExceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("Run() took %v, cancellation should kill the command promptly", elapsed)
	}
}

func TestLocal_Ready(t *testing.T) {
	t.Parallel()

	if err := NewLocal(nil).Ready(context.Background()); err != nil {
		t.Errorf("Ready() error = %v, want nil", err)
	}
}

func TestLocal_RunMissingWorkspace(t *testing.T) {
	t.Parallel()

	l := NewLocal(nil)
	_, err := l.Run(context.Background(), testAssignment("true"), filepath.Join(t.TempDir(), "does-not-exist"))
	if err == nil {
		t.Fatal("Run() error = nil, want error for missing workspace")
	}
}
