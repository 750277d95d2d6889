package executor

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/josenavas/qiita-client/internal/apperrors"
)

// frame builds one multiplexed log frame the way the Docker daemon does.
func frame(stream byte, payload string) []byte {
	header := make([]byte, 8)
	header[0] = stream
	binary.BigEndian.PutUint32(header[4:], uint32(len(payload)))
	return append(header, payload...)
}

func TestDemuxLogs(t *testing.T) {
	t.Parallel()

	var in bytes.Buffer
	in.Write(frame(1, "starting\n"))
	in.Write(frame(2, "warning: low quality reads\n"))
	in.Write(frame(1, "done\n"))

	var stdout, stderr bytes.Buffer
	if err := demuxLogs(&in, &stdout, &stderr); err != nil {
		t.Fatalf("demuxLogs() error = %v", err)
	}
	if got := stdout.String(); got != "starting\ndone\n" {
		t.Errorf("stdout = %q, want %q", got, "starting\ndone\n")
	}
	if got := stderr.String(); got != "warning: low quality reads\n" {
		t.Errorf("stderr = %q, want %q", got, "warning: low quality reads\n")
	}
}

func TestDemuxLogs_EmptyStream(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer
	if err := demuxLogs(bytes.NewReader(nil), &stdout, &stderr); err != nil {
		t.Errorf("demuxLogs() error = %v, want nil", err)
	}
	if stdout.Len() != 0 || stderr.Len() != 0 {
		t.Errorf("Expected no output, got stdout=%q stderr=%q", stdout.String(), stderr.String())
	}
}

func TestDemuxLogs_SkipsEmptyFrames(t *testing.T) {
	t.Parallel()

	var in bytes.Buffer
	in.Write(frame(1, ""))
	in.Write(frame(1, "after\n"))

	var stdout, stderr bytes.Buffer
	if err := demuxLogs(&in, &stdout, &stderr); err != nil {
		t.Fatalf("demuxLogs() error = %v", err)
	}
	if got := stdout.String(); got != "after\n" {
		t.Errorf("stdout = %q, want %q", got, "after\n")
	}
}

func TestDemuxLogs_TruncatedPayload(t *testing.T) {
	t.Parallel()

	full := frame(1, "complete payload")
	truncated := full[:len(full)-5]

	var stdout, stderr bytes.Buffer
	if err := demuxLogs(bytes.NewReader(truncated), &stdout, &stderr); err == nil {
		t.Error("demuxLogs() error = nil, want error for truncated payload")
	}
}

func TestDemuxLogs_TruncatedHeader(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer
	if err := demuxLogs(bytes.NewReader([]byte{1, 0, 0}), &stdout, &stderr); err == nil {
		t.Error("demuxLogs() error = nil, want error for truncated header")
	}
}

func TestNewDocker_RequiresImage(t *testing.T) {
	t.Parallel()

	_, err := NewDocker(DockerConfig{}, nil)
	if !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("NewDocker() error = %v, want validation error", err)
	}
}
