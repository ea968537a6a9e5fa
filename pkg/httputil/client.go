// Package httputil holds the shared outbound HTTP plumbing for the
// gateway: a pooled client for upstream API calls, bounded body reads,
// and a semaphore for capping in-flight calls.
package httputil

import (
	"io"
	"net"
	"net/http"
	"sync"
	"time"
)

// MaxResponseSize caps response body reads so a compromised upstream
// cannot OOM the gateway.
const MaxResponseSize = 10 << 20

// Upstream judge and embedding calls carry their own per-call context
// timeouts; the client timeout is a backstop.
const clientTimeout = 30 * time.Second

var pooledTransport = &http.Transport{
	Proxy: http.ProxyFromEnvironment,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
	ForceAttemptHTTP2:     true,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   10,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
}

var (
	sharedClient *http.Client
	clientOnce   sync.Once
)

// MediumClient returns the process-wide pooled client for standard
// upstream API calls. Reuse it; per-request http.Client values defeat
// connection pooling.
func MediumClient() *http.Client {
	clientOnce.Do(func() {
		sharedClient = &http.Client{
			Timeout:   clientTimeout,
			Transport: pooledTransport,
		}
	})
	return sharedClient
}

// ReadResponseBody reads at most maxSize bytes from r. A maxSize of
// zero or less falls back to MaxResponseSize.
func ReadResponseBody(r io.Reader, maxSize int64) ([]byte, error) {
	if maxSize <= 0 {
		maxSize = MaxResponseSize
	}
	return io.ReadAll(io.LimitReader(r, maxSize))
}

// ReadErrorBody reads an upstream error payload with a tighter 1MB cap.
func ReadErrorBody(r io.Reader) ([]byte, error) {
	const maxErrorSize = 1 << 20
	return io.ReadAll(io.LimitReader(r, maxErrorSize))
}

// DrainAndClose consumes the remainder of body before closing so the
// underlying connection returns to the pool.
func DrainAndClose(body io.ReadCloser) {
	if body != nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(body, MaxResponseSize))
		_ = body.Close()
	}
}
