// Package config provides worker configuration loaded from a YAML file
// with environment variable overrides.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/josenavas/qiita-client/internal/apperrors"
)

// Duration wraps time.Duration so YAML can carry values like "30s".
type Duration time.Duration

// UnmarshalYAML decodes a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML encodes the duration back to its string form.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// Config holds the full worker configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Worker      WorkerConfig      `yaml:"worker"`
	Poll        PollConfig        `yaml:"poll"`
	Heartbeat   HeartbeatConfig   `yaml:"heartbeat"`
	Retry       RetryConfig       `yaml:"retry"`
	Progress    ProgressConfig    `yaml:"progress"`
	Ops         OpsConfig         `yaml:"ops"`
}

// ServerConfig locates the orchestration server.
type ServerConfig struct {
	URL      string   `yaml:"url"`
	CertFile string   `yaml:"cert_file"` // CA bundle for servers with self-signed certs
	Timeout  Duration `yaml:"timeout"`   // per-request timeout
}

// CredentialsConfig holds the OAuth2 client credentials.
type CredentialsConfig struct {
	ClientID         string `yaml:"client_id"`
	ClientSecret     string `yaml:"client_secret"`
	ClientSecretFile string `yaml:"client_secret_file"` // read instead of client_secret when set
}

// WorkerConfig identifies this worker and its execution backend.
type WorkerConfig struct {
	ID        string  `yaml:"id"`        // default: hostname plus random suffix
	Workspace string  `yaml:"workspace"` // scratch root for per-job directories
	Executor  string  `yaml:"executor"`  // "local" or "docker"
	Image     string  `yaml:"image"`     // container image for the docker executor
	CPUs      float64 `yaml:"cpus"`      // docker CPU limit per job, 0 = unlimited
	MemoryMB  int64   `yaml:"memory_mb"` // docker memory limit per job in MiB, 0 = unlimited

	// ArtifactMode is "upload" to push output bytes to the server or
	// "shared" to report workspace paths on a filesystem the server mounts.
	ArtifactMode string `yaml:"artifact_mode"`
}

// PollConfig paces the job poll loop.
type PollConfig struct {
	Interval         Duration `yaml:"interval"`
	BreakerThreshold int      `yaml:"breaker_threshold"`
	BreakerCooldown  Duration `yaml:"breaker_cooldown"`
}

// HeartbeatConfig paces ownership pings. Interval must stay under half the
// server-side ownership timeout so a single missed ping cannot forfeit a job.
type HeartbeatConfig struct {
	Interval      Duration `yaml:"interval"`
	ServerTimeout Duration `yaml:"server_timeout"`
	MaxMisses     int      `yaml:"max_misses"` // consecutive failures before ownership is considered lost
}

// RetryConfig shapes retry behavior for server requests and transfers.
type RetryConfig struct {
	MaxAttempts int      `yaml:"max_attempts"`
	Initial     Duration `yaml:"initial"`
	Max         Duration `yaml:"max"`
	Jitter      float64  `yaml:"jitter"`
}

// ProgressConfig sizes the async step-update reporter.
type ProgressConfig struct {
	Buffer int `yaml:"buffer"`
}

// OpsConfig exposes health and metrics. Empty listen address disables it.
type OpsConfig struct {
	Listen string `yaml:"listen"`
}

// Default returns the configuration defaults applied before file and
// environment values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Timeout: Duration(30 * time.Second),
		},
		Worker: WorkerConfig{
			Workspace:    filepath.Join(os.TempDir(), "qiita-worker"),
			Executor:     "local",
			ArtifactMode: "upload",
		},
		Poll: PollConfig{
			Interval:         Duration(5 * time.Second),
			BreakerThreshold: 5,
			BreakerCooldown:  Duration(30 * time.Second),
		},
		Heartbeat: HeartbeatConfig{
			Interval:      Duration(30 * time.Second),
			ServerTimeout: Duration(120 * time.Second),
			MaxMisses:     3,
		},
		Retry: RetryConfig{
			MaxAttempts: 4,
			Initial:     Duration(500 * time.Millisecond),
			Max:         Duration(8 * time.Second),
			Jitter:      0.2,
		},
		Progress: ProgressConfig{
			Buffer: 64,
		},
		Ops: OpsConfig{
			Listen: ":9090",
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file, and
// environment overrides, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, apperrors.Internal("config.load", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, apperrors.Validation("config", fmt.Sprintf("parse %s: %v", path, err))
		}
	}

	cfg.applyEnv()

	if cfg.Credentials.ClientSecret == "" && cfg.Credentials.ClientSecretFile != "" {
		cfg.Credentials.ClientSecret = GetSecretFile(cfg.Credentials.ClientSecretFile)
	}
	if cfg.Worker.ID == "" {
		cfg.Worker.ID = defaultWorkerID()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays QIITA_* environment variables on the loaded values.
func (c *Config) applyEnv() {
	c.Server.URL = GetEnv("QIITA_SERVER_URL", c.Server.URL)
	c.Server.CertFile = GetEnv("QIITA_SERVER_CERT", c.Server.CertFile)
	c.Credentials.ClientID = GetEnv("QIITA_CLIENT_ID", c.Credentials.ClientID)
	c.Credentials.ClientSecret = GetEnv("QIITA_CLIENT_SECRET", c.Credentials.ClientSecret)
	c.Credentials.ClientSecretFile = GetEnv("QIITA_CLIENT_SECRET_FILE", c.Credentials.ClientSecretFile)
	c.Worker.ID = GetEnv("QIITA_WORKER_ID", c.Worker.ID)
	c.Worker.Workspace = GetEnv("QIITA_WORKSPACE", c.Worker.Workspace)
	c.Worker.Executor = GetEnv("QIITA_EXECUTOR", c.Worker.Executor)
	c.Worker.Image = GetEnv("QIITA_EXECUTOR_IMAGE", c.Worker.Image)
	c.Worker.ArtifactMode = GetEnv("QIITA_ARTIFACT_MODE", c.Worker.ArtifactMode)
	c.Poll.Interval = Duration(GetDurationEnv("QIITA_POLL_INTERVAL", time.Duration(c.Poll.Interval)))
	c.Heartbeat.Interval = Duration(GetDurationEnv("QIITA_HEARTBEAT_INTERVAL", time.Duration(c.Heartbeat.Interval)))
	c.Heartbeat.ServerTimeout = Duration(GetDurationEnv("QIITA_HEARTBEAT_SERVER_TIMEOUT", time.Duration(c.Heartbeat.ServerTimeout)))
	c.Heartbeat.MaxMisses = GetIntEnv("QIITA_HEARTBEAT_MAX_MISSES", c.Heartbeat.MaxMisses)
	c.Retry.MaxAttempts = GetIntEnv("QIITA_RETRY_MAX_ATTEMPTS", c.Retry.MaxAttempts)
	c.Retry.Jitter = GetFloatEnv("QIITA_RETRY_JITTER", c.Retry.Jitter)
	c.Ops.Listen = GetEnv("QIITA_OPS_LISTEN", c.Ops.Listen)
}

// Validate checks the configuration for values the worker cannot run with.
func (c *Config) Validate() error {
	if c.Server.URL == "" {
		return apperrors.Validation("server.url", "server URL is required")
	}
	parsed, err := url.Parse(c.Server.URL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return apperrors.Validation("server.url", fmt.Sprintf("invalid server URL %q", c.Server.URL))
	}
	if c.Credentials.ClientID == "" {
		return apperrors.Validation("credentials.client_id", "client ID is required")
	}
	if c.Credentials.ClientSecret == "" {
		return apperrors.Validation("credentials.client_secret", "client secret is required")
	}
	if c.Worker.Workspace == "" {
		return apperrors.Validation("worker.workspace", "workspace directory is required")
	}
	switch c.Worker.Executor {
	case "local":
	case "docker":
		if c.Worker.Image == "" {
			return apperrors.Validation("worker.image", "docker executor requires an image")
		}
		if c.Worker.CPUs < 0 || c.Worker.MemoryMB < 0 {
			return apperrors.Validation("worker", "resource limits cannot be negative")
		}
	default:
		return apperrors.Validation("worker.executor", fmt.Sprintf("unknown executor %q", c.Worker.Executor))
	}
	if c.Worker.ArtifactMode != "upload" && c.Worker.ArtifactMode != "shared" {
		return apperrors.Validation("worker.artifact_mode", fmt.Sprintf("unknown artifact mode %q", c.Worker.ArtifactMode))
	}
	if c.Poll.Interval <= 0 {
		return apperrors.Validation("poll.interval", "poll interval must be positive")
	}
	if c.Heartbeat.Interval <= 0 {
		return apperrors.Validation("heartbeat.interval", "heartbeat interval must be positive")
	}
	if c.Heartbeat.ServerTimeout <= 0 {
		return apperrors.Validation("heartbeat.server_timeout", "server ownership timeout must be positive")
	}
	// At least two chances to ping inside the ownership window.
	if c.Heartbeat.Interval >= c.Heartbeat.ServerTimeout/2 {
		return apperrors.Validation("heartbeat.interval", fmt.Sprintf(
			"heartbeat interval %v must be under half the server timeout %v",
			c.Heartbeat.Interval, c.Heartbeat.ServerTimeout))
	}
	if c.Heartbeat.MaxMisses < 1 {
		return apperrors.Validation("heartbeat.max_misses", "max misses must be at least 1")
	}
	if c.Retry.MaxAttempts < 1 {
		return apperrors.Validation("retry.max_attempts", "retry attempts must be at least 1")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter >= 1 {
		return apperrors.Validation("retry.jitter", "jitter must be in [0, 1)")
	}
	if c.Progress.Buffer < 1 {
		return apperrors.Validation("progress.buffer", "progress buffer must be at least 1")
	}
	return nil
}

// defaultWorkerID derives a stable-enough identity for this process.
func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}
