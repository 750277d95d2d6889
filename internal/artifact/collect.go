package artifact

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"

	"github.com/josenavas/qiita-client/internal/apperrors"
	"github.com/josenavas/qiita-client/internal/wire"
	"github.com/josenavas/qiita-client/pkg/backoff"
)

// Transfer modes for collected outputs.
const (
	// ModeShared reports workspace-absolute paths; the server reads them
	// from a shared filesystem. This is the default deployment.
	ModeShared = "shared"
	// ModeUpload pushes the bytes to the server's artifact endpoint and
	// reports the uploaded names.
	ModeUpload = "upload"
)

// Uploader pushes an artifact body to the coordination server.
type Uploader interface {
	Upload(ctx context.Context, path string, size int64, open func() (io.ReadCloser, error)) error
}

// Collector turns a workspace manifest into completion payloads.
type Collector struct {
	uploader Uploader
	mode     string
	retry    backoff.Policy
	logger   *slog.Logger
}

// NewCollector creates a collector. mode must be ModeShared or ModeUpload;
// ModeUpload requires an uploader.
func NewCollector(uploader Uploader, mode string, retry backoff.Policy) *Collector {
	if mode == "" {
		mode = ModeShared
	}
	if retry.Permanent == nil {
		retry.Permanent = func(err error) bool { return !apperrors.Retryable(err) }
	}
	return &Collector{
		uploader: uploader,
		mode:     mode,
		retry:    retry,
		logger:   slog.With("component", "collect"),
	}
}

// Collect loads dir's manifest and prepares each output for reporting:
// directories are tarred, and in upload mode every file is pushed to the
// server. The returned map is nil when the job produced no outputs.
func (c *Collector) Collect(ctx context.Context, jobID, dir string) (map[string]wire.ArtifactPayload, error) {
	const op = "artifact.collect"

	manifest, err := LoadManifest(dir)
	if err != nil {
		return nil, err
	}
	if manifest == nil || len(manifest.Artifacts) == 0 {
		return nil, nil
	}

	payloads := make(map[string]wire.ArtifactPayload, len(manifest.Artifacts))
	for _, name := range slices.Sorted(maps.Keys(manifest.Artifacts)) {
		out := manifest.Artifacts[name]
		entries := make([]wire.FilepathEntry, 0, len(out.Filepaths))

		for _, fp := range out.Filepaths {
			full, err := resolveWithin(dir, fp.Path)
			if err != nil {
				return nil, apperrors.Execution(op, fmt.Errorf("artifact %s: %w", name, err))
			}
			info, err := os.Stat(full)
			if err != nil {
				return nil, apperrors.Execution(op, fmt.Errorf("artifact %s: %w", name, err))
			}

			if info.IsDir() {
				tarball := full + ".tar.gz"
				if err := archiveTarGz(full, tarball); err != nil {
					return nil, apperrors.Internal(op, fmt.Errorf("artifact %s: %w", name, err))
				}
				full = tarball
				if info, err = os.Stat(tarball); err != nil {
					return nil, apperrors.Internal(op, fmt.Errorf("artifact %s: %w", name, err))
				}
				c.logger.Debug("Directory output archived", "artifact", name, "path", tarball)
			}

			entryPath := full
			if c.mode == ModeUpload {
				// Prefix with the artifact name so outputs from different
				// artifacts cannot collide server-side.
				uploadName := name + "-" + filepath.Base(full)
				if err := c.upload(ctx, jobID, uploadName, full, info.Size()); err != nil {
					return nil, fmt.Errorf("artifact %s: %w", name, err)
				}
				entryPath = uploadName
			}
			entries = append(entries, wire.FilepathEntry{Path: entryPath, Type: fp.Type})
		}

		payloads[name] = wire.ArtifactPayload{ArtifactType: out.ArtifactType, Filepaths: entries}
	}
	return payloads, nil
}

func (c *Collector) upload(ctx context.Context, jobID, name, path string, size int64) error {
	return c.retry.Do(ctx, func(ctx context.Context) error {
		return c.uploader.Upload(ctx, wire.ArtifactPath(jobID, name), size, func() (io.ReadCloser, error) {
			return os.Open(path)
		})
	})
}
