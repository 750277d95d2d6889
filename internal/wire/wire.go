// Package wire implements the JSON payloads exchanged with the
// orchestration server: assignment decoding with unknown-field
// passthrough, step updates, and completion reports with their
// [path, type] filepath tuples.
package wire

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/josenavas/qiita-client/internal/apperrors"
)

// Validation limits for decoded assignments.
const (
	maxJobIDLength   = 128
	maxCommandLength = 4096
)

var jobIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

// Statuses the server vocabulary allows on a job.
var knownStatuses = map[string]bool{
	"queued":          true,
	"running":         true,
	"success":         true,
	"error":           true,
	"waiting":         true,
	"in_construction": true,
}

// decodeField decodes one named field from a raw JSON object, removing it
// from fields so leftovers can be preserved as passthrough. Absent and
// null fields leave dst untouched.
func decodeField(op string, fields map[string]json.RawMessage, name string, dst any) error {
	raw, ok := fields[name]
	if !ok || string(raw) == "null" {
		delete(fields, name)
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return apperrors.Decode(op, name, fmt.Sprintf("field %s: %v", name, err))
	}
	delete(fields, name)
	return nil
}
