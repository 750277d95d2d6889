package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/josenavas/qiita-client/internal/apperrors"
)

// Fetch streams the body at rawURL into dst. Server-relative paths are
// resolved against the base URL and authenticated, with the same one-shot
// re-authentication as Get; absolute URLs point at third-party hosts and
// are fetched without credentials. dst may hold a partial body after an
// error; callers that retry should reset it.
func (c *Client) Fetch(ctx context.Context, rawURL string, dst io.Writer) error {
	if strings.HasPrefix(rawURL, "http://") || strings.HasPrefix(rawURL, "https://") {
		return c.fetchPlain(ctx, rawURL, dst)
	}
	return c.fetchAuthed(ctx, rawURL, dst)
}

func (c *Client) fetchPlain(ctx context.Context, rawURL string, dst io.Writer) error {
	const op = "transport.fetch"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return apperrors.Internal(op, err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", op, ctx.Err())
		}
		return apperrors.Network(op, err)
	}
	defer resp.Body.Close()

	if err := apperrors.FromStatus(op, resp.StatusCode); err != nil {
		return err
	}
	if _, err := io.Copy(dst, resp.Body); err != nil {
		return apperrors.Network(op, err)
	}
	return nil
}

func (c *Client) fetchAuthed(ctx context.Context, path string, dst io.Writer) error {
	const op = "transport.fetch"

	token, gen := c.session()
	status, errBody, err := c.fetchOnce(ctx, path, token, dst)
	if err != nil {
		return err
	}

	if expiredToken(status, errBody) {
		if err := c.refresh(ctx, gen); err != nil {
			return err
		}
		token, _ = c.session()
		status, errBody, err = c.fetchOnce(ctx, path, token, dst)
		if err != nil {
			return err
		}
		if expiredToken(status, errBody) {
			return apperrors.Auth(op, "token rejected after re-authentication")
		}
	}

	return apperrors.FromStatus(op, status)
}

// fetchOnce performs one authenticated exchange, copying a 2xx body into
// dst. For other statuses the (small) error body is returned so the caller
// can spot an expired token.
func (c *Client) fetchOnce(ctx context.Context, path, token string, dst io.Writer) (int, []byte, error) {
	const op = "transport.fetch"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, http.NoBody)
	if err != nil {
		return 0, nil, apperrors.Internal(op, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil, fmt.Errorf("%s: %w", op, ctx.Err())
		}
		return 0, nil, apperrors.Network(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if _, err := io.Copy(dst, resp.Body); err != nil {
			return 0, nil, apperrors.Network(op, err)
		}
		return resp.StatusCode, nil, nil
	}

	errBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, apperrors.Network(op, err)
	}
	return resp.StatusCode, errBody, nil
}

// Upload posts a body to path as an octet-stream. open is called once per
// attempt so the body can be replayed after re-authentication.
func (c *Client) Upload(ctx context.Context, path string, size int64, open func() (io.ReadCloser, error)) error {
	const op = "transport.upload"

	token, gen := c.session()
	status, errBody, err := c.uploadOnce(ctx, path, token, size, open)
	if err != nil {
		return err
	}

	if expiredToken(status, errBody) {
		if err := c.refresh(ctx, gen); err != nil {
			return err
		}
		token, _ = c.session()
		status, errBody, err = c.uploadOnce(ctx, path, token, size, open)
		if err != nil {
			return err
		}
		if expiredToken(status, errBody) {
			return apperrors.Auth(op, "token rejected after re-authentication")
		}
	}

	return apperrors.FromStatus(op, status)
}

func (c *Client) uploadOnce(ctx context.Context, path, token string, size int64, open func() (io.ReadCloser, error)) (int, []byte, error) {
	const op = "transport.upload"

	body, err := open()
	if err != nil {
		return 0, nil, apperrors.Internal(op, err)
	}
	defer body.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return 0, nil, apperrors.Internal(op, err)
	}
	req.ContentLength = size
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil, fmt.Errorf("%s: %w", op, ctx.Err())
		}
		return 0, nil, apperrors.Network(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil, nil
	}

	errBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, apperrors.Network(op, err)
	}
	return resp.StatusCode, errBody, nil
}
