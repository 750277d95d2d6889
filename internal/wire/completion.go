package wire

import (
	"encoding/json"
	"fmt"
)

// FilepathEntry is a (path, type) pair carried on the wire as a
// two-element JSON array.
type FilepathEntry struct {
	Path string
	Type string
}

// MarshalJSON encodes the entry as ["path", "type"].
func (f FilepathEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{f.Path, f.Type})
}

// UnmarshalJSON decodes a ["path", "type"] array.
func (f *FilepathEntry) UnmarshalJSON(data []byte) error {
	var tuple []string
	if err := json.Unmarshal(data, &tuple); err != nil {
		return fmt.Errorf("filepath entry must be a [path, type] array: %w", err)
	}
	if len(tuple) != 2 {
		return fmt.Errorf("filepath entry must have 2 elements, got %d", len(tuple))
	}
	f.Path, f.Type = tuple[0], tuple[1]
	return nil
}

// ArtifactPayload describes one named output artifact in a completion
// report.
type ArtifactPayload struct {
	ArtifactType string          `json:"artifact_type"`
	Filepaths    []FilepathEntry `json:"filepaths"`
}

// Completion is the terminal report for a job. Artifacts are only carried
// on success; the error text is only carried on failure.
type Completion struct {
	Success         bool
	Error           string
	Artifacts       map[string]ArtifactPayload
	CompletionToken string
}

// completionJSON is the wire mirror of Completion. The server expects all
// three core keys on every report, with artifacts null unless the job
// succeeded with outputs.
type completionJSON struct {
	Success         bool                       `json:"success"`
	Error           string                     `json:"error"`
	Artifacts       map[string]ArtifactPayload `json:"artifacts"`
	CompletionToken string                     `json:"completion_token,omitempty"`
}

// MarshalJSON encodes the completion report.
func (c Completion) MarshalJSON() ([]byte, error) {
	payload := completionJSON{
		Success:         c.Success,
		CompletionToken: c.CompletionToken,
	}
	if !c.Success {
		payload.Error = c.Error
	}
	if c.Success && len(c.Artifacts) > 0 {
		payload.Artifacts = c.Artifacts
	}
	return json.Marshal(payload)
}

// UnmarshalJSON decodes a completion report.
func (c *Completion) UnmarshalJSON(data []byte) error {
	var payload completionJSON
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}
	c.Success = payload.Success
	c.Error = payload.Error
	c.Artifacts = payload.Artifacts
	c.CompletionToken = payload.CompletionToken
	return nil
}

// StepUpdate is a progress message for a running job.
type StepUpdate struct {
	Step string `json:"step"`
}
