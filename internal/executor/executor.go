// Package executor runs assignment commands to completion inside a prepared
// workspace. Commands are opaque: the worker hands them the decoded job
// parameters through a params file and collects whatever files they leave
// behind, without inspecting what they do in between.
package executor

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/josenavas/qiita-client/internal/apperrors"
	"github.com/josenavas/qiita-client/internal/wire"
)

// ParamsFile is written into the workspace before the command starts. It
// carries the job ID and decoded parameters so the command never needs its
// own server access.
const ParamsFile = "params.json"

// LogFile receives the command's stdout and stderr inside the workspace.
const LogFile = "command.log"

// maxStderrTail bounds how much trailing stderr is kept for error reports.
const maxStderrTail = 8 * 1024

// Result reports how a finished command exited.
type Result struct {
	ExitCode int
	Stderr   string // trailing stderr, attached to error reports
}

// Executor runs one assignment's command in a workspace directory.
//
// Run returns a Result whenever the command produced an exit code, even a
// non-zero one. It returns an error only when the command could not be run
// at all or the context was cancelled mid-run.
type Executor interface {
	Run(ctx context.Context, a *wire.Assignment, workspace string) (*Result, error)
	Ready(ctx context.Context) error
	Close() error
}

type paramsDoc struct {
	JobID      string         `json:"job_id"`
	Command    string         `json:"command"`
	Parameters map[string]any `json:"parameters"`
}

// writeParams places the params file in the workspace and returns its path.
func writeParams(a *wire.Assignment, workspace string) (string, error) {
	const op = "executor.params"

	doc := paramsDoc{JobID: a.JobID, Command: a.Command, Parameters: a.Parameters}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", apperrors.Internal(op, err)
	}

	path := filepath.Join(workspace, ParamsFile)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", apperrors.Internal(op, err)
	}
	return path, nil
}

// commandEnv builds the environment handed to the command. The variables
// mean the same thing on both backends: the workspace is always visible at
// the same path the worker sees.
func commandEnv(base []string, a *wire.Assignment, workspace, paramsPath string) []string {
	return append(base,
		"QIITA_JOB_ID="+a.JobID,
		"QIITA_JOB_DIR="+workspace,
		"QIITA_PARAMS_FP="+paramsPath,
	)
}

// tailWriter keeps the last max bytes written through it.
type tailWriter struct {
	max int
	buf []byte
}

func newTailWriter(max int) *tailWriter {
	return &tailWriter{max: max}
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	if len(w.buf) > w.max {
		w.buf = w.buf[len(w.buf)-w.max:]
	}
	return len(p), nil
}

func (w *tailWriter) String() string {
	return string(w.buf)
}
