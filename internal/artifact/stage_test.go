package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/josenavas/qiita-client/internal/apperrors"
	"github.com/josenavas/qiita-client/internal/wire"
	"github.com/josenavas/qiita-client/pkg/backoff"
)

// fakeFetcher serves canned bodies per URL and counts fetches. Scripted
// errors are consumed first; once exhausted, fetches succeed.
type fakeFetcher struct {
	mu     sync.Mutex
	bodies map[string][]byte
	errs   []error
	calls  int
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string, dst io.Writer) error {
	f.mu.Lock()
	f.calls++
	var err error
	if len(f.errs) > 0 {
		err, f.errs = f.errs[0], f.errs[1:]
	}
	body := f.bodies[url]
	f.mu.Unlock()

	if err != nil {
		return err
	}
	if body == nil {
		return apperrors.FromStatus("test", 404)
	}
	_, werr := dst.Write(body)
	return werr
}

func (f *fakeFetcher) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func stageRetry(attempts int) backoff.Policy {
	return backoff.Policy{
		MaxAttempts: attempts,
		Backoff:     &backoff.Config{Initial: time.Millisecond, Max: 2 * time.Millisecond},
	}
}

func TestStage_DownloadsInputs(t *testing.T) {
	t.Parallel()

	fake := &fakeFetcher{bodies: map[string][]byte{
		"/qiita_db/jobs/j1/artifacts/seqs":   []byte("ACGT"),
		"https://files.example.org/barcodes": []byte("GGTT"),
	}}
	s := NewStager(fake, stageRetry(1))

	dir := t.TempDir()
	inputs := []wire.InputRef{
		{Name: "seqs", URL: "/qiita_db/jobs/j1/artifacts/seqs"},
		{Name: "barcodes", URL: "https://files.example.org/barcodes"},
	}
	if err := s.Stage(context.Background(), inputs, dir); err != nil {
		t.Fatalf("Stage() error: %v", err)
	}

	if got := readFile(t, filepath.Join(dir, "inputs", "seqs")); got != "ACGT" {
		t.Errorf("seqs = %q", got)
	}
	if got := readFile(t, filepath.Join(dir, "inputs", "barcodes")); got != "GGTT" {
		t.Errorf("barcodes = %q", got)
	}
}

func TestStage_NoInputs(t *testing.T) {
	t.Parallel()

	s := NewStager(&fakeFetcher{}, stageRetry(1))
	dir := t.TempDir()
	if err := s.Stage(context.Background(), nil, dir); err != nil {
		t.Fatalf("Stage() error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "inputs")); !errors.Is(err, os.ErrNotExist) {
		t.Error("inputs directory created for empty input list")
	}
}

func TestStage_UnpacksArchivedInput(t *testing.T) {
	t.Parallel()

	// Build a real archive to serve.
	srcDir := t.TempDir()
	writeFile(t, filepath.Join(srcDir, "reads", "r1.fastq"), "ACGT")
	tarball := filepath.Join(srcDir, "reads.tar.gz")
	if err := archiveTarGz(filepath.Join(srcDir, "reads"), tarball); err != nil {
		t.Fatalf("archiveTarGz() error: %v", err)
	}
	archiveBytes, err := os.ReadFile(tarball)
	if err != nil {
		t.Fatalf("read tarball: %v", err)
	}

	fake := &fakeFetcher{bodies: map[string][]byte{
		"/qiita_db/jobs/j1/artifacts/reads": archiveBytes,
	}}
	s := NewStager(fake, stageRetry(1))

	dir := t.TempDir()
	inputs := []wire.InputRef{{Name: "reads", URL: "/qiita_db/jobs/j1/artifacts/reads", Archive: true}}
	if err := s.Stage(context.Background(), inputs, dir); err != nil {
		t.Fatalf("Stage() error: %v", err)
	}

	if got := readFile(t, filepath.Join(dir, "inputs", "reads", "r1.fastq")); got != "ACGT" {
		t.Errorf("unpacked r1.fastq = %q", got)
	}
}

func TestStage_RetriesTransientFailure(t *testing.T) {
	t.Parallel()

	fake := &fakeFetcher{
		bodies: map[string][]byte{"/qiita_db/jobs/j1/artifacts/seqs": []byte("ACGT")},
		errs:   []error{apperrors.Network("test", errors.New("connection reset"))},
	}
	s := NewStager(fake, stageRetry(3))

	dir := t.TempDir()
	inputs := []wire.InputRef{{Name: "seqs", URL: "/qiita_db/jobs/j1/artifacts/seqs"}}
	if err := s.Stage(context.Background(), inputs, dir); err != nil {
		t.Fatalf("Stage() error: %v", err)
	}
	if got := fake.fetchCount(); got != 2 {
		t.Errorf("fetches = %d, want 2", got)
	}
	if got := readFile(t, filepath.Join(dir, "inputs", "seqs")); got != "ACGT" {
		t.Errorf("seqs = %q after retry", got)
	}
}

func TestStage_BreakerOpensForFailingHost(t *testing.T) {
	t.Parallel()

	netErr := apperrors.Network("test", errors.New("no route to host"))
	fake := &fakeFetcher{errs: []error{netErr, netErr, netErr, netErr}}
	s := NewStager(fake, stageRetry(1))

	dir := t.TempDir()
	inputs := []wire.InputRef{{Name: "seqs", URL: "https://dead.example.org/seqs"}}

	for i := range defaultStageBreakerThreshold {
		if err := s.Stage(context.Background(), inputs, dir); err == nil {
			t.Fatalf("Stage() attempt %d succeeded, want failure", i+1)
		}
	}
	before := fake.fetchCount()

	err := s.Stage(context.Background(), inputs, dir)
	if err == nil {
		t.Fatal("Stage() succeeded with open breaker")
	}
	if got := fake.fetchCount(); got != before {
		t.Errorf("open breaker still fetched: %d -> %d", before, got)
	}
}

func TestStage_RejectsUnsafeInputName(t *testing.T) {
	t.Parallel()

	tests := []string{"../evil", "a/b", `a\b`}
	for _, name := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			s := NewStager(&fakeFetcher{}, stageRetry(1))
			inputs := []wire.InputRef{{Name: name, URL: "https://files.example.org/x"}}
			err := s.Stage(context.Background(), inputs, t.TempDir())
			if !errors.Is(err, apperrors.ErrValidation) {
				t.Errorf("Stage(%q) error = %v, want ErrValidation", name, err)
			}
		})
	}
}

func TestStage_TruncatesPartialDownloadOnRetry(t *testing.T) {
	t.Parallel()

	// First attempt writes a partial body before failing; the retry must
	// not leave the partial bytes prepended.
	partial := &partialFetcher{full: []byte("ACGTACGT")}
	s := NewStager(partial, stageRetry(2))

	dir := t.TempDir()
	inputs := []wire.InputRef{{Name: "seqs", URL: "https://files.example.org/seqs"}}
	if err := s.Stage(context.Background(), inputs, dir); err != nil {
		t.Fatalf("Stage() error: %v", err)
	}
	if got := readFile(t, filepath.Join(dir, "inputs", "seqs")); got != "ACGTACGT" {
		t.Errorf("seqs = %q, want full body only", got)
	}
}

type partialFetcher struct {
	mu    sync.Mutex
	calls int
	full  []byte
}

func (p *partialFetcher) Fetch(ctx context.Context, url string, dst io.Writer) error {
	p.mu.Lock()
	p.calls++
	first := p.calls == 1
	p.mu.Unlock()

	if first {
		dst.Write(p.full[:3])
		return apperrors.Network("test", fmt.Errorf("stream cut short"))
	}
	_, err := dst.Write(p.full)
	return err
}
