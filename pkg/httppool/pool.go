// Package httppool owns the single process-wide HTTP connection pool shared
// by LLM traffic and webhook delivery. One of the two justified global
// singletons (the other is the storage client).
package httppool

import (
	"net"
	"net/http"
	"sync"
	"time"
)

const (
	maxConns              = 10
	maxIdleConns          = 5
	defaultConnectTimeout = 10 * time.Second
	idleConnTimeout       = 90 * time.Second
)

var (
	mu             sync.Mutex
	shared         *http.Client
	connectTimeout = defaultConnectTimeout
)

// SetConnectTimeout overrides the dial timeout for the shared client.
// It only takes effect before the first Shared call; afterwards the
// pool is already built and the call is a no-op.
func SetConnectTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	if shared == nil {
		connectTimeout = d
	}
}

// Shared returns the process-wide HTTP client. The client itself carries no
// total timeout; callers bound each request with a context deadline.
func Shared() *http.Client {
	mu.Lock()
	defer mu.Unlock()
	if shared == nil {
		shared = &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   connectTimeout,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxConnsPerHost:     maxConns,
				MaxIdleConns:        maxIdleConns,
				MaxIdleConnsPerHost: maxIdleConns,
				IdleConnTimeout:     idleConnTimeout,
			},
		}
	}
	return shared
}
