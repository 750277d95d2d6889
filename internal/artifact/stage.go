package artifact

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/josenavas/qiita-client/internal/apperrors"
	"github.com/josenavas/qiita-client/internal/wire"
	"github.com/josenavas/qiita-client/pkg/backoff"
	"github.com/josenavas/qiita-client/pkg/circuitbreaker"
)

// Staging defaults - these rarely need tuning.
const (
	defaultStageBreakerThreshold = 3
	defaultStageBreakerCooldown  = 30 * time.Second
)

// Fetcher streams a URL's body into a writer. Server-relative paths are
// authenticated; absolute URLs are fetched as-is.
type Fetcher interface {
	Fetch(ctx context.Context, url string, dst io.Writer) error
}

// Stager downloads a job's input artifacts into the workspace. Downloads
// are retried per input and guarded by per-host circuit breakers so one
// dead file host does not stall every job that references it.
type Stager struct {
	fetcher  Fetcher
	breakers *circuitbreaker.Registry
	retry    backoff.Policy
	logger   *slog.Logger
}

// NewStager creates a stager using retry for each download.
func NewStager(fetcher Fetcher, retry backoff.Policy) *Stager {
	if retry.Permanent == nil {
		retry.Permanent = func(err error) bool { return !apperrors.Retryable(err) }
	}
	return &Stager{
		fetcher: fetcher,
		breakers: circuitbreaker.NewRegistry(circuitbreaker.Config{
			Threshold: defaultStageBreakerThreshold,
			Cooldown:  defaultStageBreakerCooldown,
		}),
		retry:  retry,
		logger: slog.With("component", "stage"),
	}
}

// Stage downloads inputs into dir/inputs. An input marked archive is
// unpacked into a directory named after it.
func (s *Stager) Stage(ctx context.Context, inputs []wire.InputRef, dir string) error {
	const op = "artifact.stage"

	if len(inputs) == 0 {
		return nil
	}

	inputDir := filepath.Join(dir, "inputs")
	if err := os.MkdirAll(inputDir, 0o755); err != nil {
		return apperrors.Internal(op, err)
	}

	for _, in := range inputs {
		if strings.ContainsAny(in.Name, `/\`) || in.Name == ".." {
			return apperrors.Validation("inputs", fmt.Sprintf("input name %q is not a plain filename", in.Name))
		}
		if err := s.stageOne(ctx, in, inputDir); err != nil {
			return fmt.Errorf("input %s: %w", in.Name, err)
		}
	}
	return nil
}

func (s *Stager) stageOne(ctx context.Context, in wire.InputRef, inputDir string) error {
	const op = "artifact.stage"

	host := hostKey(in.URL)
	breaker := s.breakers.Get(host)
	if !breaker.Allow() {
		return apperrors.Network(op, fmt.Errorf("circuit open for host %s", host))
	}

	dest := filepath.Join(inputDir, in.Name)
	if in.Archive {
		dest += ".tar.gz"
	}

	start := time.Now()
	err := s.retry.Do(ctx, func(ctx context.Context) error {
		return s.download(ctx, in.URL, dest)
	})
	if err != nil {
		breaker.RecordFailure()
		return err
	}
	breaker.RecordSuccess()
	s.logger.Debug("Input staged", "name", in.Name, "host", host, "elapsed", time.Since(start))

	if in.Archive {
		if err := extractTarGz(dest, filepath.Join(inputDir, in.Name)); err != nil {
			return fmt.Errorf("unpack: %w", err)
		}
	}
	return nil
}

// download streams the URL into a fresh file, truncating any partial body
// a failed earlier attempt left behind.
func (s *Stager) download(ctx context.Context, rawURL, dest string) error {
	const op = "artifact.download"

	file, err := os.Create(dest)
	if err != nil {
		return apperrors.Internal(op, err)
	}
	defer file.Close()

	if err := s.fetcher.Fetch(ctx, rawURL, file); err != nil {
		return err
	}
	return file.Sync()
}

// hostKey keys circuit breakers by host. Server-relative inputs share one
// breaker under "server".
func hostKey(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return "server"
	}
	return parsed.Host
}
