package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/josenavas/qiita-client/internal/apperrors"
)

func TestFetch_Authenticated(t *testing.T) {
	t.Parallel()
	fs := newFakeServer(t, func(w http.ResponseWriter, r *http.Request, valid bool) {
		if !valid {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Path != "/qiita_db/jobs/j1/artifacts/seqs" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		io.WriteString(w, "ACGTACGT")
	})
	c := newTestClient(t, fs.URL)
	if err := c.Authenticate(context.Background()); err != nil {
		t.Fatalf("Authenticate() error: %v", err)
	}

	var buf bytes.Buffer
	if err := c.Fetch(context.Background(), "/qiita_db/jobs/j1/artifacts/seqs", &buf); err != nil {
		t.Fatalf("Fetch() error: %v", err)
	}
	if got := buf.String(); got != "ACGTACGT" {
		t.Errorf("fetched body %q", got)
	}
}

func TestFetch_ReauthenticatesOnExpiredToken(t *testing.T) {
	t.Parallel()
	fs := newFakeServer(t, func(w http.ResponseWriter, _ *http.Request, valid bool) {
		if !valid {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		io.WriteString(w, "payload")
	})
	c := newTestClient(t, fs.URL)
	if err := c.Authenticate(context.Background()); err != nil {
		t.Fatalf("Authenticate() error: %v", err)
	}

	// Expire the session server-side.
	token, _ := c.session()
	fs.mu.Lock()
	delete(fs.tokens, token)
	fs.mu.Unlock()

	var buf bytes.Buffer
	if err := c.Fetch(context.Background(), "/qiita_db/jobs/j1/artifacts/seqs", &buf); err != nil {
		t.Fatalf("Fetch() error: %v", err)
	}
	if got := buf.String(); got != "payload" {
		t.Errorf("fetched body %q", got)
	}
	if got := fs.authCalls.Load(); got != 2 {
		t.Errorf("auth calls = %d, want 2", got)
	}
}

func TestFetch_AbsoluteURLSendsNoCredentials(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var gotAuth string
	external := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotAuth = r.Header.Get("Authorization")
		mu.Unlock()
		io.WriteString(w, "external bytes")
	}))
	t.Cleanup(external.Close)

	fs := newFakeServer(t, func(w http.ResponseWriter, _ *http.Request, _ bool) {
		w.WriteHeader(http.StatusOK)
	})
	c := newTestClient(t, fs.URL)
	if err := c.Authenticate(context.Background()); err != nil {
		t.Fatalf("Authenticate() error: %v", err)
	}

	var buf bytes.Buffer
	if err := c.Fetch(context.Background(), external.URL+"/raw.fastq.gz", &buf); err != nil {
		t.Fatalf("Fetch() error: %v", err)
	}
	if got := buf.String(); got != "external bytes" {
		t.Errorf("fetched body %q", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if gotAuth != "" {
		t.Errorf("bearer token leaked to external host: %q", gotAuth)
	}
}

func TestFetch_NotFound(t *testing.T) {
	t.Parallel()
	fs := newFakeServer(t, func(w http.ResponseWriter, _ *http.Request, valid bool) {
		if !valid {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})
	c := newTestClient(t, fs.URL)
	if err := c.Authenticate(context.Background()); err != nil {
		t.Fatalf("Authenticate() error: %v", err)
	}

	err := c.Fetch(context.Background(), "/qiita_db/jobs/j1/artifacts/missing", io.Discard)
	if !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Fetch() error = %v, want ErrNotFound", err)
	}
}

func TestUpload_PostsOctetStream(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var gotBody []byte
	var gotContentType string
	fs := newFakeServer(t, func(w http.ResponseWriter, r *http.Request, valid bool) {
		if !valid {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		gotBody = body
		gotContentType = r.Header.Get("Content-Type")
		mu.Unlock()
	})
	c := newTestClient(t, fs.URL)
	if err := c.Authenticate(context.Background()); err != nil {
		t.Fatalf("Authenticate() error: %v", err)
	}

	payload := "demultiplexed sequence bytes"
	open := func() (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(payload)), nil
	}
	err := c.Upload(context.Background(), "/qiita_db/jobs/j1/artifacts/seqs", int64(len(payload)), open)
	if err != nil {
		t.Fatalf("Upload() error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if string(gotBody) != payload {
		t.Errorf("uploaded body %q", gotBody)
	}
	if gotContentType != "application/octet-stream" {
		t.Errorf("content type %q", gotContentType)
	}
}

func TestUpload_ReplaysBodyAfterReauthentication(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var gotBody []byte
	fs := newFakeServer(t, func(w http.ResponseWriter, r *http.Request, valid bool) {
		if !valid {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		gotBody = body
		mu.Unlock()
	})
	c := newTestClient(t, fs.URL)
	if err := c.Authenticate(context.Background()); err != nil {
		t.Fatalf("Authenticate() error: %v", err)
	}

	token, _ := c.session()
	fs.mu.Lock()
	delete(fs.tokens, token)
	fs.mu.Unlock()

	var opens atomic.Int64
	payload := "replayed bytes"
	open := func() (io.ReadCloser, error) {
		opens.Add(1)
		return io.NopCloser(strings.NewReader(payload)), nil
	}
	err := c.Upload(context.Background(), "/qiita_db/jobs/j1/artifacts/seqs", int64(len(payload)), open)
	if err != nil {
		t.Fatalf("Upload() error: %v", err)
	}

	if got := opens.Load(); got != 2 {
		t.Errorf("open called %d times, want 2", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if string(gotBody) != payload {
		t.Errorf("uploaded body %q after replay", gotBody)
	}
}

func TestUpload_RejectedIsPermanent(t *testing.T) {
	t.Parallel()
	fs := newFakeServer(t, func(w http.ResponseWriter, _ *http.Request, valid bool) {
		if !valid {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusUnprocessableEntity)
	})
	c := newTestClient(t, fs.URL)
	if err := c.Authenticate(context.Background()); err != nil {
		t.Fatalf("Authenticate() error: %v", err)
	}

	open := func() (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader("x")), nil
	}
	err := c.Upload(context.Background(), "/qiita_db/jobs/j1/artifacts/seqs", 1, open)
	if !errors.Is(err, apperrors.ErrRejected) {
		t.Fatalf("Upload() error = %v, want ErrRejected", err)
	}
	if apperrors.Retryable(err) {
		t.Error("422 rejection classified retryable")
	}
}
