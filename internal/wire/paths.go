package wire

import (
	"fmt"
	"net/url"
)

// Server paths for the job-coordination protocol.

// PollPath is the endpoint a worker polls for new assignments. The server
// answers 200 with an assignment or 204 when no work is available.
func PollPath(workerID string) string {
	return "/qiita_db/jobs/poll?worker=" + url.QueryEscape(workerID)
}

// JobPath fetches the current server-side view of a job.
func JobPath(jobID string) string {
	return fmt.Sprintf("/qiita_db/jobs/%s", jobID)
}

// HeartbeatPath receives ownership pings. The server answers 200 while
// this worker owns the job and 409 once ownership moved elsewhere.
func HeartbeatPath(jobID string) string {
	return fmt.Sprintf("/qiita_db/jobs/%s/heartbeat/", jobID)
}

// StepPath receives progress updates for a running job.
func StepPath(jobID string) string {
	return fmt.Sprintf("/qiita_db/jobs/%s/step/", jobID)
}

// CompletePath receives the terminal report for a job.
func CompletePath(jobID string) string {
	return fmt.Sprintf("/qiita_db/jobs/%s/complete/", jobID)
}

// ArtifactPath transfers a named artifact for a job.
func ArtifactPath(jobID, name string) string {
	return fmt.Sprintf("/qiita_db/jobs/%s/artifacts/%s", jobID, url.PathEscape(name))
}
