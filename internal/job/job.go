// Package job models one assignment's lifecycle on this worker.
//
// A job starts out assigned, becomes running once the worker has proven
// ownership to the server, and ends in exactly one terminal state. Ownership
// can be revoked at any point before that; a revoked job drops back to
// assigned and its result, if one arrives later, is discarded rather than
// reported. All transitions are serialized on one mutex so a completion
// racing a revocation has exactly one winner.
package job

import (
	"fmt"
	"sync"

	"github.com/josenavas/qiita-client/internal/apperrors"
	"github.com/josenavas/qiita-client/internal/wire"
)

// State is a job's position in the lifecycle.
type State string

const (
	StateAssigned State = "assigned"
	StateRunning  State = "running"
	StateSuccess  State = "success"
	StateError    State = "error"
)

// terminal reports whether s is a final state.
func terminal(s State) bool {
	return s == StateSuccess || s == StateError
}

// Job tracks one assignment from receipt to acknowledged completion.
type Job struct {
	assignment *wire.Assignment

	mu      sync.Mutex
	state   State
	revoked bool
	acked   bool
}

// New wraps a decoded assignment in the initial assigned state.
func New(assignment *wire.Assignment) *Job {
	return &Job{
		assignment: assignment,
		state:      StateAssigned,
	}
}

// ID returns the server-assigned job ID.
func (j *Job) ID() string {
	return j.assignment.JobID
}

// Assignment returns the assignment this job was built from.
func (j *Job) Assignment() *wire.Assignment {
	return j.assignment
}

// State returns the current lifecycle state.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Start moves the job from assigned to running. The caller must have
// registered a heartbeat first; starting a job the server may have already
// reassigned is a client bug, so any other transition fails with
// ErrProtocol.
func (j *Job) Start() error {
	const op = "job.start"

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.revoked {
		return apperrors.Protocol(op, fmt.Sprintf("job %s: ownership was revoked before start", j.assignment.JobID))
	}
	if j.state != StateAssigned {
		return apperrors.Protocol(op, fmt.Sprintf("job %s: invalid transition %s -> %s", j.assignment.JobID, j.state, StateRunning))
	}
	j.state = StateRunning
	return nil
}

// Revoke records that the server no longer considers this worker the owner.
// It returns true exactly once, for the call that actually revoked the job;
// a job that already reached a terminal state keeps its result and Revoke
// returns false.
func (j *Job) Revoke() bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.revoked || terminal(j.state) {
		return false
	}
	j.revoked = true
	j.state = StateAssigned
	return true
}

// Complete records the job's terminal outcome. The bool reports whether the
// result should be sent to the server: a completion losing the race against
// a revocation returns (false, nil) and the result is silently dropped.
// Repeating the same outcome is a no-op that still reports true, so a
// completion report can be retried. Completing a job that never ran, or
// flipping an already recorded outcome, is a client bug and fails with
// ErrProtocol.
func (j *Job) Complete(success bool) (bool, error) {
	const op = "job.complete"

	target := StateError
	if success {
		target = StateSuccess
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	switch j.state {
	case StateRunning:
		j.state = target
		return true, nil
	case target:
		return true, nil
	case StateAssigned:
		if j.revoked {
			return false, nil
		}
		return false, apperrors.Protocol(op, fmt.Sprintf("job %s: invalid transition %s -> %s", j.assignment.JobID, j.state, target))
	default:
		return false, apperrors.Protocol(op, fmt.Sprintf("job %s: conflicting terminal outcomes %s and %s", j.assignment.JobID, j.state, target))
	}
}

// Acknowledge records that the server accepted the terminal report.
func (j *Job) Acknowledge() error {
	const op = "job.acknowledge"

	j.mu.Lock()
	defer j.mu.Unlock()

	if !terminal(j.state) {
		return apperrors.Protocol(op, fmt.Sprintf("job %s: cannot acknowledge in state %s", j.assignment.JobID, j.state))
	}
	j.acked = true
	return nil
}

// Acknowledged reports whether the server has accepted the terminal report.
func (j *Job) Acknowledged() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.acked
}

// Revoked reports whether ownership was lost before the job finished.
func (j *Job) Revoked() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.revoked
}

// Terminal reports whether the job reached a final state.
func (j *Job) Terminal() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return terminal(j.state)
}
