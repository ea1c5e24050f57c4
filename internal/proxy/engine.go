// Copyright Kilo Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package proxy forwards gateway requests to the configured backends.
//
// The engine classifies every inbound body as streamed or buffered before
// building the outbound request. Multipart uploads, chunked bodies and
// anything over the buffer threshold are passed through as an untouched
// octet stream so the multipart boundary reaches the backend byte for byte;
// small JSON/text bodies are buffered once, which also makes them replayable
// for retries. These are two separate code paths on purpose.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand/v2"
	"mime"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kilo-project/kilo-gateway/internal/admission"
	"github.com/kilo-project/kilo-gateway/internal/gwhttp"
	"github.com/kilo-project/kilo-gateway/internal/gwmetrics"
	"github.com/kilo-project/kilo-gateway/internal/router"
)

// idempotent methods may be retried on connect failure or a 5xx response.
// Methods with side effects never are: in streamed mode the body is gone
// after the first attempt, and one uniform rule is easier to reason about
// than one depending on body mode.
var idempotentMethods = map[string]struct{}{
	http.MethodGet:     {},
	http.MethodHead:    {},
	http.MethodOptions: {},
}

const (
	backoffBase = 200 * time.Millisecond
	backoffCap  = 2 * time.Second
)

// Options tune the engine. Zero values are not usable; mainlib fills them
// from gwconfig.
type Options struct {
	BufferThreshold    int64
	RequestDeadline    time.Duration
	ConnectTimeout     time.Duration
	MaxAttempts        int
	BackendConcurrency int64
	BackendQueue       int64
}

// Engine is the proxy core. It owns the outbound HTTP transport; nothing
// else in the process dials backends.
type Engine struct {
	l         *slog.Logger
	table     *router.Table
	admission *admission.Admission
	metrics   *gwmetrics.Metrics
	transport http.RoundTripper
	opts      Options
	limiters  map[string]*backendLimiter
}

// New builds the engine and its transport. The connection pool is shared by
// all requests; per-backend concurrency is capped by limiters so one slow
// backend cannot exhaust sockets.
func New(table *router.Table, adm *admission.Admission, m *gwmetrics.Metrics, l *slog.Logger, opts Options) *Engine {
	limiters := make(map[string]*backendLimiter)
	for _, r := range table.Routes() {
		limiters[r.Name] = newBackendLimiter(opts.BackendConcurrency, opts.BackendQueue)
	}
	return &Engine{
		l:         l,
		table:     table,
		admission: adm,
		metrics:   m,
		opts:      opts,
		limiters:  limiters,
		transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   opts.ConnectTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:        256,
			MaxIdleConnsPerHost: int(opts.BackendConcurrency),
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// CloseIdleConnections releases pooled upstream connections, for shutdown.
func (e *Engine) CloseIdleConnections() {
	if t, ok := e.transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
}

// inflight is the transient state of one proxied request.
type inflight struct {
	route     *router.ServiceRoute
	tail      string // decoded path tail, leading slash or empty
	rawTail   string // escaped form of tail, preserved for the outbound URL
	requestID string
	// bodyBuf holds the buffered body; nil means streamed mode.
	bodyBuf  []byte
	streamed bool
	attempts int
}

// ServeHTTP handles one proxied request end to end: route, admit, dispatch
// with retries, then stream the response back.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	route, tail, name, ok := e.table.Resolve(r.URL.Path)
	if !ok {
		e.metrics.RequestsTotal.WithLabelValues("unknown", "404").Inc()
		gwhttp.Error(w, http.StatusNotFound, "unknown service", map[string]any{"service": name})
		return
	}
	if route.Protected && !e.admission.Admit(w, r) {
		e.metrics.RequestsTotal.WithLabelValues(route.Name, "403").Inc()
		return
	}

	start := time.Now()
	in := &inflight{
		route:     route,
		tail:      tail,
		rawTail:   rawTail(r.URL.EscapedPath(), route.Name),
		requestID: r.Header.Get("X-Request-Id"),
	}
	if in.requestID == "" {
		in.requestID = uuid.NewString()
	}

	ctx, cancel := context.WithTimeout(r.Context(), e.opts.RequestDeadline)
	defer cancel()

	if err := e.classifyBody(r, in); err != nil {
		gwhttp.Error(w, http.StatusBadRequest, "unreadable request body", map[string]any{"service": route.Name})
		e.metrics.RequestsTotal.WithLabelValues(route.Name, "400").Inc()
		return
	}

	lim := e.limiters[route.Name]
	e.metrics.QueueDepth.WithLabelValues(route.Name).Set(float64(lim.depth() + 1))
	err := lim.acquire(ctx)
	e.metrics.QueueDepth.WithLabelValues(route.Name).Set(float64(lim.depth()))
	if err != nil {
		e.finishEarly(w, r, in, err, start)
		return
	}
	defer lim.release()

	e.metrics.InFlight.WithLabelValues(route.Name).Inc()
	defer e.metrics.InFlight.WithLabelValues(route.Name).Dec()

	resp, err := e.dispatch(ctx, r, in)
	if err != nil {
		e.finishEarly(w, r, in, err, start)
		return
	}
	defer resp.Body.Close()

	// Headers first, then the body chunk by chunk. The response is never
	// buffered: model responses and image streams can be arbitrarily large.
	copyResponseHeaders(w, resp.Header)
	w.WriteHeader(resp.StatusCode)
	flushErr := flushCopy(w, resp.Body)

	e.metrics.RequestsTotal.WithLabelValues(route.Name, statusLabel(resp.StatusCode)).Inc()
	e.logAccess(r, in, resp.StatusCode, time.Since(start), flushErr)
}

// finishEarly maps a dispatch failure to its response. Response headers have
// not been written yet on any of these paths, so a JSON body is always
// possible.
func (e *Engine) finishEarly(w http.ResponseWriter, r *http.Request, in *inflight, err error, start time.Time) {
	name := in.route.Name
	var status int
	switch {
	case errors.Is(err, context.Canceled):
		// Caller went away; there is nobody to answer. 499 is only a
		// metrics label, nothing is written.
		e.metrics.RequestsTotal.WithLabelValues(name, "499").Inc()
		e.logAccess(r, in, 499, time.Since(start), err)
		return
	case errors.Is(err, errSaturated):
		status = http.StatusServiceUnavailable
		gwhttp.Error(w, status, "backend saturated", map[string]any{"service": name})
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
		gwhttp.Error(w, status, "upstream timeout", map[string]any{"service": name})
	default:
		status = http.StatusBadGateway
		gwhttp.Error(w, status, "upstream unavailable", map[string]any{
			"service":  name,
			"attempts": in.attempts,
		})
	}
	e.metrics.RequestsTotal.WithLabelValues(name, statusLabel(status)).Inc()
	e.logAccess(r, in, status, time.Since(start), err)
}

// classifyBody picks the body mode. Streamed when the request is multipart,
// chunked, or larger than the threshold; buffered otherwise.
func (e *Engine) classifyBody(r *http.Request, in *inflight) error {
	chunked := r.ContentLength < 0 && r.Body != http.NoBody && r.Body != nil
	switch {
	case isMultipart(r.Header.Get("Content-Type")),
		chunked,
		r.ContentLength > e.opts.BufferThreshold:
		in.streamed = true
	case r.ContentLength > 0:
		buf, err := io.ReadAll(io.LimitReader(r.Body, e.opts.BufferThreshold))
		if err != nil {
			return err
		}
		in.bodyBuf = buf
	}
	return nil
}

// isMultipart reports whether the content type is multipart/form-data.
// Media type names are case-insensitive (RFC 2045).
func isMultipart(ct string) bool {
	mt, _, err := mime.ParseMediaType(ct)
	return err == nil && mt == "multipart/form-data"
}

// dispatch runs the attempt loop. Only idempotent methods with a replayable
// (buffered or empty) body are retried; a consumed stream cannot be sent
// twice.
func (e *Engine) dispatch(ctx context.Context, r *http.Request, in *inflight) (*http.Response, error) {
	_, idempotent := idempotentMethods[r.Method]
	retryable := idempotent && !in.streamed

	var lastErr error
	for attempt := 1; attempt <= e.opts.MaxAttempts; attempt++ {
		in.attempts = attempt
		e.metrics.UpstreamAttemptsTotal.WithLabelValues(in.route.Name).Inc()

		out, err := e.buildUpstreamRequest(ctx, r, in)
		if err != nil {
			return nil, err
		}
		attemptStart := time.Now()
		resp, err := e.transport.RoundTrip(out)
		e.metrics.UpstreamLatencySeconds.WithLabelValues(in.route.Name).Observe(time.Since(attemptStart).Seconds())

		switch {
		case err != nil:
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			lastErr = err
		case resp.StatusCode >= 500:
			// A 5xx counts as an upstream failure: retried on idempotent
			// methods, surfaced as the gateway's 502 once attempts run out.
			// Drain a little so the connection can be reused.
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			lastErr = errors.New("upstream returned " + resp.Status)
		default:
			return resp, nil
		}

		if !retryable || attempt == e.opts.MaxAttempts {
			break
		}
		if err := sleepBackoff(ctx, attempt); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

// buildUpstreamRequest maps the inbound request onto the selected backend.
func (e *Engine) buildUpstreamRequest(ctx context.Context, r *http.Request, in *inflight) (*http.Request, error) {
	u := *in.route.BaseURL
	basePath := strings.TrimSuffix(u.Path, "/")
	u.Path = basePath + in.tail
	if in.rawTail != in.tail {
		u.RawPath = basePath + in.rawTail
	}
	u.RawQuery = r.URL.RawQuery

	var body io.Reader
	switch {
	case in.streamed:
		body = r.Body
	case in.bodyBuf != nil:
		body = bytes.NewReader(in.bodyBuf)
	}

	out, err := http.NewRequestWithContext(ctx, r.Method, u.String(), body)
	if err != nil {
		return nil, err
	}
	out.Header = cloneForUpstream(r.Header, admission.TokenHeader)
	setForwardedHeaders(out.Header, r)
	out.Header.Set("X-Request-Id", in.requestID)
	out.Host = u.Host

	if in.streamed {
		// Pass-through framing: drop the inbound Content-Length and let the
		// transport send chunked. The body bytes, boundary included, are
		// forwarded untouched.
		out.ContentLength = -1
		out.Header.Del("Content-Length")
	} else if in.bodyBuf != nil {
		out.ContentLength = int64(len(in.bodyBuf))
	}
	return out, nil
}

// sleepBackoff waits between attempts: exponential from backoffBase with
// full jitter, capped at backoffCap, aborted by context cancellation.
func sleepBackoff(ctx context.Context, attempt int) error {
	d := min(backoffBase<<(attempt-1), backoffCap)
	d = time.Duration(rand.Int64N(int64(d))) + d/2
	if d > backoffCap {
		d = backoffCap
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// flushCopy streams the body to the caller, flushing after every read so
// the first chunks arrive long before the upstream finishes.
func flushCopy(w http.ResponseWriter, from io.Reader) error {
	rc := http.NewResponseController(w)
	buf := make([]byte, 32*1024)
	for {
		n, rerr := from.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			_ = rc.Flush()
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}

// rawTail is the escaped path after the service segment.
func rawTail(escapedPath, name string) string {
	t := strings.TrimPrefix(escapedPath, "/"+name)
	if t == "/" {
		return ""
	}
	return t
}

func statusLabel(code int) string {
	return strconv.Itoa(code)
}

func (e *Engine) logAccess(r *http.Request, in *inflight, status int, d time.Duration, err error) {
	attrs := []any{
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("service", in.route.Name),
		slog.Int("status", status),
		slog.Int("attempts", in.attempts),
		slog.Duration("duration", d),
		slog.String("request_id", in.requestID),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		e.l.Warn("proxied request failed", attrs...)
		return
	}
	e.l.Debug("proxied request", attrs...)
}
