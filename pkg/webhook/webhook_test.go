package webhook

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastDelays(t *testing.T, n *Notifier) {
	t.Helper()
	for i := range n.delays {
		n.delays[i] = time.Millisecond
	}
}

func TestNotify_DeliversPayloadAndSecret(t *testing.T) {
	var gotSecret atomic.Value
	var gotBody atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSecret.Store(r.Header.Get("X-Webhook-Secret"))
		body, _ := io.ReadAll(r.Body)
		gotBody.Store(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(srv.URL, "s3cret", 0, 0, testLogger())
	err := n.Notify(context.Background(), Event{JobID: "job-1", Status: "completed"})
	require.NoError(t, err)

	assert.Equal(t, "s3cret", gotSecret.Load())
	var event Event
	require.NoError(t, json.Unmarshal(gotBody.Load().([]byte), &event))
	assert.Equal(t, "job-1", event.JobID)
	assert.Equal(t, "completed", event.Status)
}

func TestNotify_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(srv.URL, "", 0, 0, testLogger())
	fastDelays(t, n)
	err := n.Notify(context.Background(), Event{JobID: "job-1", Status: "failed"})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestNotify_ClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	n := New(srv.URL, "", 0, 0, testLogger())
	fastDelays(t, n)
	err := n.Notify(context.Background(), Event{JobID: "job-1", Status: "failed"})
	assert.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "400 must not be retried")
}

func TestNotify_RateLimitIsRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(srv.URL, "", 0, 0, testLogger())
	fastDelays(t, n)
	require.NoError(t, n.Notify(context.Background(), Event{JobID: "job-1", Status: "parsed"}))
	assert.Equal(t, int32(2), calls.Load())
}

func TestNotify_ExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := New(srv.URL, "", 0, 0, testLogger())
	fastDelays(t, n)
	err := n.Notify(context.Background(), Event{JobID: "job-1", Status: "failed"})
	assert.Error(t, err)
	assert.Equal(t, int32(4), calls.Load(), "initial attempt plus three retries")
}

func TestNotify_HonorsConfiguredRetryCount(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := New(srv.URL, "", time.Second, 1, testLogger())
	fastDelays(t, n)
	err := n.Notify(context.Background(), Event{JobID: "job-1", Status: "failed"})
	assert.Error(t, err)
	assert.Equal(t, int32(2), calls.Load(), "initial attempt plus one retry")
}

func TestNotify_DisabledWithoutURL(t *testing.T) {
	n := New("", "secret", 0, 0, testLogger())
	assert.False(t, n.Enabled())
	assert.NoError(t, n.Notify(context.Background(), Event{JobID: "job-1"}))
}

func TestPermanentStatus(t *testing.T) {
	assert.True(t, permanentStatus(400))
	assert.True(t, permanentStatus(404))
	assert.False(t, permanentStatus(408))
	assert.False(t, permanentStatus(429))
	assert.False(t, permanentStatus(500))
	assert.False(t, permanentStatus(200))
}
