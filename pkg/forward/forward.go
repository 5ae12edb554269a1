// Package forward implements the Request Gate & Forwarder's transparent
// HTTP proxying half (RGF): building the upstream request, stripping
// hop-by-hop headers, and retrying bounded-count on transient transport
// errors only.
package forward

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sethgrid/pester"
	"github.com/sirupsen/logrus"
)

// maxAttempts and retryBackoff match the bounded-retry contract: up to
// three attempts total, with at least a one second gap between them.
const (
	maxAttempts  = 3
	retryBackoff = time.Second
)

// requestHopByHopHeaders are stripped from the inbound request before it is
// replayed upstream.
var requestHopByHopHeaders = map[string]bool{
	"host":       true,
	"connection": true,
}

// responseHopByHopHeaders are stripped from the upstream response before it
// is mirrored to the original caller.
var responseHopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailers", "Transfer-Encoding", "Upgrade",
}

// Forwarder proxies an admitted request to the primary service's in-cluster
// DNS name, applying exactly the retry policy pester's Client gives us
// for free when only transport-level errors are treated as retryable: a
// pester.Client's Do only returns a non-nil error for dial/timeout
// failures, never for a successful round trip that carries a non-2xx
// status, so no separate error classification is needed here.
type Forwarder struct {
	client       *pester.Client
	upstreamHost string
	targetPort   int
}

// New builds a Forwarder targeting upstreamHost:targetPort, with each
// individual attempt bounded by forwardTimeout.
func New(upstreamHost string, targetPort int, forwardTimeout time.Duration) *Forwarder {
	client := pester.New()
	client.Concurrency = 1
	client.MaxRetries = maxAttempts
	client.Backoff = func(retry int) time.Duration { return retryBackoff }
	client.Timeout = forwardTimeout
	client.LogHook = func(e pester.ErrEntry) {
		logrus.WithFields(logrus.Fields{"method": e.Method, "url": e.URL}).
			WithError(e.Err).Warn("forward: upstream attempt failed, retrying")
	}

	return &Forwarder{
		client:       client,
		upstreamHost: upstreamHost,
		targetPort:   targetPort,
	}
}

// Forward replays r against the upstream service at path (leading slashes
// stripped) and returns the raw upstream response. The caller owns the
// response body and must close it. A non-nil error here always means the
// retries were exhausted or the request could not be constructed; it is
// the caller's job to translate that into a 502.
func (f *Forwarder) Forward(r *http.Request, path string) (*http.Response, error) {
	target := fmt.Sprintf("http://%s:%d/%s", f.upstreamHost, f.targetPort, strings.TrimLeft(path, "/"))
	if rq := r.URL.RawQuery; rq != "" {
		target += "?" + rq
	}

	var body []byte
	if r.Body != nil {
		b, err := io.ReadAll(r.Body)
		if err == nil {
			body = b
		}
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, target, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "building upstream request")
	}
	for k, vv := range r.Header {
		if requestHopByHopHeaders[strings.ToLower(k)] {
			continue
		}
		for _, v := range vv {
			req.Header.Add(k, v)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "forwarding to upstream")
	}

	for _, h := range responseHopByHopHeaders {
		resp.Header.Del(h)
	}
	return resp, nil
}
