// Package servertest provides a scripted in-process stand-in for the
// orchestration server, used by worker and end-to-end tests. It speaks the
// real wire protocol: client-credential authentication, assignment polling,
// ownership heartbeats, step updates, token-deduplicated completion reports,
// and artifact transfer. Tests script the server (queued assignments,
// revocations, injected failures) and assert on what it recorded.
package servertest

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/josenavas/qiita-client/internal/wire"
)

// Credentials every Server accepts.
const (
	ClientID     = "test-client"
	ClientSecret = "test-secret"
)

// tokenTimedOut mirrors the oauth error body the real server sends when a
// bearer token has expired.
const tokenTimedOut = "Oauth2 error: token has timed out"

const maxUploadSize = 64 << 20

// jobRecord is the server-side view of one job.
type jobRecord struct {
	assignment  *wire.Assignment
	revoked     bool
	heartbeats  int
	steps       []string
	outcome     *wire.Completion
	completions []wire.Completion
	artifacts   map[string][]byte

	failBeats      int // remaining heartbeats to fail
	failBeatStatus int
	dropAcks       int // completions to record but answer 500
}

// Server is the scripted fake. All methods are safe for concurrent use.
type Server struct {
	*httptest.Server

	mu          sync.Mutex
	tokens      map[string]bool // issued tokens; false means expired
	authCalls   int
	queue       []*wire.Assignment
	jobs        map[string]*jobRecord
	polls       int
	pollWorkers []string

	failPolls      int
	failPollStatus int
}

// New starts a fake server. It is shut down when the test finishes.
func New(t testing.TB) *Server {
	t.Helper()

	s := &Server{
		tokens: make(map[string]bool),
		jobs:   make(map[string]*jobRecord),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /qiita_db/authenticate/{$}", s.handleAuthenticate)
	mux.HandleFunc("GET /qiita_db/jobs/poll", s.requireAuth(s.handlePoll))
	mux.HandleFunc("GET /qiita_db/jobs/{jobId}", s.requireAuth(s.handleJob))
	mux.HandleFunc("POST /qiita_db/jobs/{jobId}/heartbeat/{$}", s.requireAuth(s.handleHeartbeat))
	mux.HandleFunc("POST /qiita_db/jobs/{jobId}/step/{$}", s.requireAuth(s.handleStep))
	mux.HandleFunc("POST /qiita_db/jobs/{jobId}/complete/{$}", s.requireAuth(s.handleComplete))
	mux.HandleFunc("POST /qiita_db/jobs/{jobId}/artifacts/{name}", s.requireAuth(s.handleArtifactUpload))
	mux.HandleFunc("GET /qiita_db/jobs/{jobId}/artifacts/{name}", s.requireAuth(s.handleArtifactDownload))

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

func (s *Server) handleAuthenticate(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "malformed form body")
		return
	}
	if r.PostFormValue("grant_type") != "client" ||
		r.PostFormValue("client_id") != ClientID ||
		r.PostFormValue("client_secret") != ClientSecret {
		writeError(w, http.StatusUnauthorized, "invalid client credentials")
		return
	}

	s.mu.Lock()
	s.authCalls++
	token := fmt.Sprintf("token-%d", s.authCalls)
	s.tokens[token] = true
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": token,
		"token_type":   "user",
		"expires_in":   3600,
	})
}

// requireAuth validates the bearer token the way the real server does:
// unknown tokens get 401, expired ones get the oauth 400 body that tells
// the client to re-authenticate.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		s.mu.Lock()
		valid, issued := s.tokens[parts[1]]
		s.mu.Unlock()

		switch {
		case !issued:
			writeError(w, http.StatusUnauthorized, "unknown token")
		case !valid:
			writeJSON(w, http.StatusBadRequest, map[string]string{"error_description": tokenTimedOut})
		default:
			next(w, r)
		}
	}
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.polls++
	s.pollWorkers = append(s.pollWorkers, r.URL.Query().Get("worker"))

	if s.failPolls > 0 {
		s.failPolls--
		status := s.failPollStatus
		s.mu.Unlock()
		writeError(w, status, "injected poll failure")
		return
	}
	if len(s.queue) == 0 {
		s.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
		return
	}
	a := s.queue[0]
	s.queue = s.queue[1:]
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	rec, ok := s.jobs[r.PathValue("jobId")]
	s.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, rec.assignment)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.jobs[r.PathValue("jobId")]
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if rec.failBeats > 0 {
		rec.failBeats--
		writeError(w, rec.failBeatStatus, "injected heartbeat failure")
		return
	}
	if rec.revoked {
		writeError(w, http.StatusConflict, "job ownership revoked")
		return
	}
	rec.heartbeats++
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleStep(w http.ResponseWriter, r *http.Request) {
	var update wire.StepUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeError(w, http.StatusBadRequest, "invalid step body: "+err.Error())
		return
	}
	if update.Step == "" {
		writeError(w, http.StatusBadRequest, "step is required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.jobs[r.PathValue("jobId")]
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if rec.revoked {
		writeError(w, http.StatusConflict, "job ownership revoked")
		return
	}
	rec.steps = append(rec.steps, update.Step)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var report wire.Completion
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		writeError(w, http.StatusBadRequest, "invalid completion body: "+err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.jobs[r.PathValue("jobId")]
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if rec.revoked {
		writeError(w, http.StatusConflict, "job ownership revoked")
		return
	}
	if rec.outcome != nil {
		if duplicateReport(rec.outcome, &report) {
			writeJSON(w, http.StatusOK, map[string]bool{"success": true})
			return
		}
		writeError(w, http.StatusConflict, "conflicting completion report")
		return
	}

	out := report
	rec.outcome = &out
	rec.completions = append(rec.completions, report)

	if rec.dropAcks > 0 {
		rec.dropAcks--
		writeError(w, http.StatusInternalServerError, "injected ack loss")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// duplicateReport reports whether a repeat submission matches the recorded
// outcome. Dedup is keyed on the completion token when the assignment
// carried one; otherwise only an identical verdict counts as a repeat.
func duplicateReport(recorded, repeat *wire.Completion) bool {
	if recorded.CompletionToken != "" || repeat.CompletionToken != "" {
		return recorded.CompletionToken == repeat.CompletionToken
	}
	return recorded.Success == repeat.Success
}

func (s *Server) handleArtifactUpload(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxUploadSize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading upload body: "+err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.jobs[r.PathValue("jobId")]
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if rec.revoked {
		writeError(w, http.StatusConflict, "job ownership revoked")
		return
	}
	rec.artifacts[r.PathValue("name")] = data
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleArtifactDownload(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	rec, ok := s.jobs[r.PathValue("jobId")]
	var data []byte
	var found bool
	if ok {
		data, found = rec.artifacts[r.PathValue("name")]
	}
	s.mu.Unlock()

	if !found {
		writeError(w, http.StatusNotFound, "artifact not found")
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(data)
}

// Enqueue registers a and queues it for the next poll.
func (s *Server) Enqueue(a *wire.Assignment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureJobLocked(a.JobID).assignment = a
	s.queue = append(s.queue, a)
}

// Register records a without queueing it, for fetch-by-ID tests.
func (s *Server) Register(a *wire.Assignment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureJobLocked(a.JobID).assignment = a
}

// Revoke reassigns the job server-side: subsequent heartbeats, steps and
// reports from the old owner answer 409.
func (s *Server) Revoke(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureJobLocked(jobID).revoked = true
}

// ExpireTokens invalidates every issued token so the next authenticated
// request forces a re-authentication.
func (s *Server) ExpireTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for token := range s.tokens {
		s.tokens[token] = false
	}
}

// SetArtifact seeds a downloadable artifact, for input staging tests.
func (s *Server) SetArtifact(jobID, name string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureJobLocked(jobID).artifacts[name] = data
}

// FailPolls makes the next n poll requests answer status.
func (s *Server) FailPolls(n, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPolls = n
	s.failPollStatus = status
}

// FailHeartbeats makes the next n heartbeats for jobID answer status.
func (s *Server) FailHeartbeats(jobID string, n, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.ensureJobLocked(jobID)
	rec.failBeats = n
	rec.failBeatStatus = status
}

// DropCompletionAcks makes the server record the next n completion reports
// for jobID but answer 500, simulating a lost acknowledgement.
func (s *Server) DropCompletionAcks(jobID string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureJobLocked(jobID).dropAcks = n
}

// AuthCalls returns how many token grants were issued.
func (s *Server) AuthCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authCalls
}

// Polls returns how many poll requests arrived.
func (s *Server) Polls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.polls
}

// PollWorkers returns the worker IDs seen on poll requests, in order.
func (s *Server) PollWorkers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.pollWorkers...)
}

// Heartbeats returns how many accepted heartbeats jobID received.
func (s *Server) Heartbeats(jobID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.jobs[jobID]; ok {
		return rec.heartbeats
	}
	return 0
}

// Steps returns the recorded step updates for jobID, in arrival order.
func (s *Server) Steps(jobID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.jobs[jobID]; ok {
		return append([]string(nil), rec.steps...)
	}
	return nil
}

// Completions returns every completion report the server accepted for
// jobID. Deduplicated repeats are not included.
func (s *Server) Completions(jobID string) []wire.Completion {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.jobs[jobID]; ok {
		return append([]wire.Completion(nil), rec.completions...)
	}
	return nil
}

// Outcome returns the recorded terminal outcome for jobID, if any.
func (s *Server) Outcome(jobID string) (wire.Completion, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.jobs[jobID]; ok && rec.outcome != nil {
		return *rec.outcome, true
	}
	return wire.Completion{}, false
}

// Artifact returns the stored bytes for a job's named artifact.
func (s *Server) Artifact(jobID, name string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.jobs[jobID]; ok {
		data, found := rec.artifacts[name]
		return data, found
	}
	return nil, false
}

func (s *Server) ensureJobLocked(jobID string) *jobRecord {
	rec, ok := s.jobs[jobID]
	if !ok {
		rec = &jobRecord{artifacts: make(map[string][]byte)}
		s.jobs[jobID] = rec
	}
	return rec
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
