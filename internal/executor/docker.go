package executor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"

	"github.com/josenavas/qiita-client/internal/apperrors"
	"github.com/josenavas/qiita-client/internal/wire"
)

// Docker runs commands inside containers on the host Docker daemon. The
// workspace is bind-mounted at its host path so the params file path and
// manifest paths mean the same thing on both sides of the mount.
type Docker struct {
	client   *client.Client
	image    string
	cpus     float64
	memoryMB int64
	logger   *slog.Logger
}

// DockerConfig holds the container backend settings.
type DockerConfig struct {
	Image    string  // image every job container runs (required)
	CPUs     float64 // CPU limit per container, 0 = unlimited
	MemoryMB int64   // memory limit per container in MiB, 0 = unlimited
}

// NewDocker connects to the Docker daemon configured in the environment.
func NewDocker(cfg DockerConfig, logger *slog.Logger) (*Docker, error) {
	if cfg.Image == "" {
		return nil, apperrors.Validation("executor.image", "docker executor requires an image")
	}

	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}
	return &Docker{
		client:   dockerClient,
		image:    cfg.Image,
		cpus:     cfg.CPUs,
		memoryMB: cfg.MemoryMB,
		logger:   logger.With("component", "executor"),
	}, nil
}

// Run executes the assignment's command in a fresh container and waits for
// it to exit. The container is removed whatever the outcome.
func (d *Docker) Run(ctx context.Context, a *wire.Assignment, workspace string) (*Result, error) {
	const op = "executor.docker"

	paramsPath, err := writeParams(a, workspace)
	if err != nil {
		return nil, err
	}

	logger := d.logger.With("jobId", a.JobID)

	if err := d.pullImageIfNeeded(ctx, d.image); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s: %w", op, ctx.Err())
		}
		return nil, apperrors.Execution(op, fmt.Errorf("pull %s: %w", d.image, err))
	}

	containerID, err := d.createContainer(ctx, a, workspace, paramsPath)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s: %w", op, ctx.Err())
		}
		return nil, apperrors.Execution(op, fmt.Errorf("create container: %w", err))
	}
	defer d.removeContainer(context.WithoutCancel(ctx), containerID)

	if err := d.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s: %w", op, ctx.Err())
		}
		return nil, apperrors.Execution(op, fmt.Errorf("start container: %w", err))
	}

	logger.Info("Container started", "image", d.image)
	start := time.Now()

	exitCode, waitErr := d.waitForExit(ctx, containerID)
	if waitErr != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s: %w", op, ctx.Err())
		}
		return nil, apperrors.Execution(op, waitErr)
	}

	tail := newTailWriter(maxStderrTail)
	if err := d.collectLogs(context.WithoutCancel(ctx), containerID, workspace, tail); err != nil {
		logger.Warn("Failed to collect container logs", "error", err)
	}

	logger.Info("Container finished", "exitCode", exitCode, "elapsed", time.Since(start))
	return &Result{ExitCode: exitCode, Stderr: tail.String()}, nil
}

// Ready reports whether the Docker daemon is reachable.
func (d *Docker) Ready(ctx context.Context) error {
	_, err := d.client.Ping(ctx)
	return err
}

// Close releases the Docker client.
func (d *Docker) Close() error {
	return d.client.Close()
}

func (d *Docker) pullImageIfNeeded(ctx context.Context, imageName string) error {
	_, err := d.client.ImageInspect(ctx, imageName)
	if err == nil {
		return nil
	}

	d.logger.Info("Pulling image", "image", imageName)
	reader, err := d.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func (d *Docker) createContainer(ctx context.Context, a *wire.Assignment, workspace, paramsPath string) (string, error) {
	containerConfig := &container.Config{
		Image:      d.image,
		Cmd:        []string{"/bin/sh", "-c", a.Command},
		Env:        commandEnv(nil, a, workspace, paramsPath),
		WorkingDir: workspace,
		Labels: map[string]string{
			"job.id":     a.JobID,
			"managed-by": "qiita-worker",
		},
	}

	hostConfig := &container.HostConfig{
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: workspace,
				Target: workspace,
			},
		},
		Resources: container.Resources{
			NanoCPUs: int64(d.cpus * 1e9),
			Memory:   d.memoryMB * 1024 * 1024,
		},
	}

	containerName := fmt.Sprintf("qiita-job-%s", a.JobID)
	resp, err := d.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, containerName)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (d *Docker) waitForExit(ctx context.Context, containerID string) (int, error) {
	statusCh, errCh := d.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)

	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	case err := <-errCh:
		return -1, err
	case status := <-statusCh:
		if status.Error != nil {
			return int(status.StatusCode), fmt.Errorf("%s", status.Error.Message)
		}
		return int(status.StatusCode), nil
	}
}

// collectLogs copies the finished container's output into the workspace log
// file, teeing stderr into tail for error reports.
func (d *Docker) collectLogs(ctx context.Context, containerID, workspace string, tail io.Writer) error {
	logs, err := d.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return err
	}
	defer logs.Close()

	logFile, err := os.Create(filepath.Join(workspace, LogFile))
	if err != nil {
		return err
	}
	defer logFile.Close()

	return demuxLogs(logs, logFile, io.MultiWriter(logFile, tail))
}

// demuxLogs splits Docker's multiplexed log stream into stdout and stderr
// writers. Each frame starts with an 8-byte header: the stream type, three
// padding bytes, then a big-endian payload size.
func demuxLogs(r io.Reader, stdout, stderr io.Writer) error {
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(r, header); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		size := int(header[4])<<24 | int(header[5])<<16 | int(header[6])<<8 | int(header[7])
		if size == 0 {
			continue
		}

		dst := stdout
		if header[0] == 2 {
			dst = stderr
		}
		if _, err := io.CopyN(dst, r, int64(size)); err != nil {
			return err
		}
	}
}

func (d *Docker) removeContainer(ctx context.Context, containerID string) {
	stopTimeout := 10
	_ = d.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &stopTimeout})
	_ = d.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
}

// Verify Docker implements Executor
var _ Executor = (*Docker)(nil)
