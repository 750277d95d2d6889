// Package transport provides the authenticated HTTP channel to the
// orchestration server: token handling, error classification, and
// transparent one-shot re-authentication when a token expires.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/josenavas/qiita-client/internal/apperrors"
)

// tokenTimedOut is the error_description the server sends on a 400 when a
// bearer token expires mid-session.
const tokenTimedOut = "Oauth2 error: token has timed out"

const authenticatePath = "/qiita_db/authenticate/"

// MetricsRecorder is an optional hook for recording request metrics.
type MetricsRecorder interface {
	RecordRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64)
}

// Config for the transport client.
type Config struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	CertFile     string          // optional CA bundle for servers with self-signed certs
	Timeout      time.Duration   // per-request timeout; default 30s
	Metrics      MetricsRecorder // optional
}

// Client is an authenticated HTTP client for the orchestration server.
// It is safe for concurrent use; token refresh is serialized so overlapping
// expiries trigger a single re-authentication.
type Client struct {
	baseURL string
	config  Config
	client  *http.Client
	logger  *slog.Logger
	metrics MetricsRecorder

	mu    sync.Mutex
	token string
	gen   int // bumps on every successful token fetch
}

// New creates a transport client. It does not authenticate; call
// Authenticate before issuing requests.
func New(cfg Config) (*Client, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	httpTransport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	if cfg.CertFile != "" {
		pem, err := os.ReadFile(cfg.CertFile)
		if err != nil {
			return nil, apperrors.Internal("transport.loadCert", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, apperrors.Validation("server.cert_file",
				fmt.Sprintf("no certificates found in %s", cfg.CertFile))
		}
		httpTransport.TLSClientConfig = &tls.Config{RootCAs: pool}
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		config:  cfg,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: httpTransport,
		},
		logger:  slog.With("component", "transport"),
		metrics: cfg.Metrics,
	}, nil
}

// Authenticate fetches a fresh access token using the client credentials.
func (c *Client) Authenticate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetchTokenLocked(ctx)
}

// Authenticated reports whether the client currently holds a token.
func (c *Client) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token != ""
}

// Ready verifies a server session is attainable, authenticating if no token
// is held yet. It satisfies the health package's readiness probe.
func (c *Client) Ready(ctx context.Context) error {
	if c.Authenticated() {
		return nil
	}
	return c.Authenticate(ctx)
}

// fetchTokenLocked posts the credentials grant. Callers hold c.mu.
func (c *Client) fetchTokenLocked(ctx context.Context) error {
	const op = "transport.authenticate"

	form := url.Values{
		"client_id":     {c.config.ClientID},
		"client_secret": {c.config.ClientSecret},
		"grant_type":    {"client"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+authenticatePath, strings.NewReader(form.Encode()))
	if err != nil {
		return apperrors.Internal(op, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", op, ctx.Err())
		}
		return apperrors.Network(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperrors.Network(op, err)
	}
	if c.metrics != nil {
		c.metrics.RecordRequest(ctx, http.MethodPost, authenticatePath, resp.StatusCode, time.Since(start).Seconds())
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
		return apperrors.Auth(op, "server rejected client credentials")
	default:
		return apperrors.FromStatus(op, resp.StatusCode)
	}

	var grant struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(body, &grant); err != nil {
		return apperrors.Decode(op, "access_token", fmt.Sprintf("malformed token grant: %v", err))
	}
	if grant.AccessToken == "" {
		return apperrors.Decode(op, "access_token", "token grant missing access_token")
	}

	c.token = grant.AccessToken
	c.gen++
	c.logger.Debug("Access token refreshed")
	return nil
}

// session returns the current token and its generation.
func (c *Client) session() (string, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token, c.gen
}

// refresh re-authenticates unless another caller already replaced the
// token observed at generation gen.
func (c *Client) refresh(ctx context.Context, gen int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return nil
	}
	return c.fetchTokenLocked(ctx)
}

// Get issues an authenticated GET. A nil body with nil error means the
// server answered 204 No Content.
func (c *Client) Get(ctx context.Context, path string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

// Post issues an authenticated POST with an optional JSON payload.
func (c *Client) Post(ctx context.Context, path string, payload any) ([]byte, error) {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, apperrors.Internal("transport.post", err)
		}
	}
	return c.do(ctx, http.MethodPost, path, body)
}

// do sends the request, re-authenticating at most once if the token expired.
func (c *Client) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	op := "transport." + strings.ToLower(method)

	token, gen := c.session()
	status, body, err := c.send(ctx, method, path, payload, token)
	if err != nil {
		return nil, err
	}

	if expiredToken(status, body) {
		if err := c.refresh(ctx, gen); err != nil {
			return nil, err
		}
		token, _ = c.session()
		status, body, err = c.send(ctx, method, path, payload, token)
		if err != nil {
			return nil, err
		}
		if expiredToken(status, body) {
			return nil, apperrors.Auth(op, "token rejected after re-authentication")
		}
	}

	if err := apperrors.FromStatus(op, status); err != nil {
		c.logger.Debug("Request failed", "method", method, "path", path, "status", status)
		return nil, err
	}
	if status == http.StatusNoContent {
		return nil, nil
	}
	return body, nil
}

// send performs one HTTP exchange and returns the status and body.
func (c *Client) send(ctx context.Context, method, path string, payload []byte, token string) (int, []byte, error) {
	op := "transport." + strings.ToLower(method)

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, apperrors.Internal(op, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil, fmt.Errorf("%s: %w", op, ctx.Err())
		}
		return 0, nil, apperrors.Network(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, apperrors.Network(op, err)
	}
	if c.metrics != nil {
		c.metrics.RecordRequest(ctx, method, path, resp.StatusCode, time.Since(start).Seconds())
	}
	return resp.StatusCode, body, nil
}

// expiredToken reports whether the response indicates a dead bearer token.
func expiredToken(status int, body []byte) bool {
	if status == http.StatusUnauthorized {
		return true
	}
	if status != http.StatusBadRequest {
		return false
	}
	var payload struct {
		ErrorDescription string `json:"error_description"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return false
	}
	return payload.ErrorDescription == tokenTimedOut
}
