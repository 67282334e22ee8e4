// Package storage downloads uploaded résumé files from Supabase object
// storage. One process-wide client is shared and rebuilt by atomic swap
// after failures; it is never mutated in place.
package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/talentbase/resumeflow/pkg/httppool"
)

const defaultOpTimeout = 30 * time.Second

// Options tunes per-operation behavior. The zero value means a 30 s
// operation timeout and no retries.
type Options struct {
	// Timeout bounds one download attempt. Non-positive means the
	// default.
	Timeout time.Duration
	// MaxRetries is how many times a transient failure is retried
	// after the first attempt. Zero disables retries.
	MaxRetries int
}

// Client fetches objects from a storage bucket.
type Client struct {
	baseURL       string
	serviceKey    string
	bucket        string
	opts          Options
	retryInterval time.Duration
	http          *http.Client
}

var (
	shared   atomic.Pointer[Client]
	initOnce sync.Once
)

// Shared returns the process-wide client, initializing it on first use.
func Shared(baseURL, serviceKey, bucket string, opts Options) *Client {
	initOnce.Do(func() {
		shared.Store(newClient(baseURL, serviceKey, bucket, opts))
	})
	return shared.Load()
}

// Rebuild replaces the shared client after a failure. Safe to call
// concurrently; readers keep using whichever instance they loaded.
func Rebuild(baseURL, serviceKey, bucket string, opts Options) *Client {
	c := newClient(baseURL, serviceKey, bucket, opts)
	shared.Store(c)
	return c
}

func newClient(baseURL, serviceKey, bucket string, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultOpTimeout
	}
	return &Client{
		baseURL:       baseURL,
		serviceKey:    serviceKey,
		bucket:        bucket,
		opts:          opts,
		retryInterval: 500 * time.Millisecond,
		http:          httppool.Shared(),
	}
}

// NewClient builds an unshared client, mainly for tests.
func NewClient(baseURL, serviceKey, bucket string, opts Options) *Client {
	return newClient(baseURL, serviceKey, bucket, opts)
}

// Download fetches one object by its path within the bucket, retrying
// transient failures per the client options. 4xx responses are not
// retried.
func (c *Client) Download(ctx context.Context, path string) ([]byte, error) {
	var data []byte
	op := func() error {
		var err error
		data, err = c.downloadOnce(ctx, path)
		return err
	}
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(c.retryInterval), uint64(c.opts.MaxRetries))
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return nil, err
	}
	return data, nil
}

func (c *Client) downloadOnce(ctx context.Context, path string) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/storage/v1/object/%s/%s",
		c.baseURL, url.PathEscape(c.bucket), escapePath(path))
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("building storage request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+c.serviceKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("storage download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, backoff.Permanent(fmt.Errorf("storage object not found: %s", path))
	}
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("storage download failed with status %d", resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading storage object: %w", err)
	}
	return data, nil
}

// escapePath escapes each segment but keeps the separators.
func escapePath(p string) string {
	segments := []byte(p)
	var out []byte
	start := 0
	for i := 0; i <= len(segments); i++ {
		if i == len(segments) || segments[i] == '/' {
			out = append(out, []byte(url.PathEscape(string(segments[start:i])))...)
			if i < len(segments) {
				out = append(out, '/')
			}
			start = i + 1
		}
	}
	return string(out)
}
