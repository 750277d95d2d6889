package wire

import (
	"encoding/json"
	"fmt"

	"github.com/josenavas/qiita-client/internal/apperrors"
)

// Assignment is a job handed to this worker by the server.
type Assignment struct {
	JobID           string
	Command         string
	Status          string
	Parameters      map[string]any
	CompletionToken string
	Inputs          []InputRef

	// Extra holds fields the server sent that this client version does not
	// know. They ride along unchanged when the assignment is re-encoded.
	Extra map[string]json.RawMessage
}

// InputRef names an input artifact the worker must stage before running.
type InputRef struct {
	Name    string `json:"name"`
	URL     string `json:"url"`
	Archive bool   `json:"archive,omitempty"` // unpack after download
}

// DecodeAssignment parses and validates an assignment payload. Errors name
// the offending field.
func DecodeAssignment(data []byte) (*Assignment, error) {
	const op = "wire.decodeAssignment"

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, apperrors.Decode(op, "", fmt.Sprintf("assignment is not a JSON object: %v", err))
	}

	a := &Assignment{}
	if err := decodeField(op, fields, "job_id", &a.JobID); err != nil {
		return nil, err
	}
	if err := decodeField(op, fields, "command", &a.Command); err != nil {
		return nil, err
	}
	if err := decodeField(op, fields, "status", &a.Status); err != nil {
		return nil, err
	}
	if err := decodeField(op, fields, "parameters", &a.Parameters); err != nil {
		return nil, err
	}
	if err := decodeField(op, fields, "completion_token", &a.CompletionToken); err != nil {
		return nil, err
	}
	if err := decodeField(op, fields, "inputs", &a.Inputs); err != nil {
		return nil, err
	}
	if len(fields) > 0 {
		a.Extra = fields
	}

	if err := a.validate(op); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Assignment) validate(op string) error {
	if a.JobID == "" {
		return apperrors.Decode(op, "job_id", "assignment missing job_id")
	}
	if len(a.JobID) > maxJobIDLength || !jobIDPattern.MatchString(a.JobID) {
		return apperrors.Decode(op, "job_id", fmt.Sprintf("invalid job_id %q", a.JobID))
	}
	if a.Command == "" {
		return apperrors.Decode(op, "command", "assignment missing command")
	}
	if len(a.Command) > maxCommandLength {
		return apperrors.Decode(op, "command", "command exceeds maximum length")
	}
	if a.Status != "" && !knownStatuses[a.Status] {
		return apperrors.Decode(op, "status", fmt.Sprintf("unknown status %q", a.Status))
	}
	for i, in := range a.Inputs {
		if in.Name == "" {
			return apperrors.Decode(op, "inputs", fmt.Sprintf("input[%d] missing name", i))
		}
		if in.URL == "" {
			return apperrors.Decode(op, "inputs", fmt.Sprintf("input[%d] missing url", i))
		}
	}
	return nil
}

// MarshalJSON re-encodes the assignment, preserving passthrough fields.
// Known fields win over passthrough duplicates.
func (a Assignment) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(a.Extra)+6)
	for k, v := range a.Extra {
		out[k] = v
	}

	set := func(name string, value any) error {
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", name, err)
		}
		out[name] = data
		return nil
	}

	if err := set("job_id", a.JobID); err != nil {
		return nil, err
	}
	if err := set("command", a.Command); err != nil {
		return nil, err
	}
	if a.Status != "" {
		if err := set("status", a.Status); err != nil {
			return nil, err
		}
	}
	if a.Parameters != nil {
		if err := set("parameters", a.Parameters); err != nil {
			return nil, err
		}
	}
	if a.CompletionToken != "" {
		if err := set("completion_token", a.CompletionToken); err != nil {
			return nil, err
		}
	}
	if a.Inputs != nil {
		if err := set("inputs", a.Inputs); err != nil {
			return nil, err
		}
	}

	return json.Marshal(out)
}
