// Package proxy executes single upstream attempts for a resolved route and
// streams upstream responses back to the client.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/oarthurfc/delivery-app/internal/clientip"
	"github.com/oarthurfc/delivery-app/internal/routing"
)

// Kind classifies a failed attempt.
type Kind int

const (
	KindNetwork  Kind = iota // connection refused, reset, DNS failure
	KindTimeout              // the attempt hit its hard timeout
	KindCanceled             // the client went away
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindCanceled:
		return "canceled"
	default:
		return "network"
	}
}

// Error is returned by Dispatcher.Do when no upstream response was received.
type Error struct {
	Kind  Kind
	Route string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("upstream %s for route %s: %v", e.Kind, e.Route, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Request is one logical request to forward. Body is read once by the
// caller so every attempt can replay it.
type Request struct {
	Route   *routing.Route
	Inbound *http.Request
	Overlay http.Header
	Body    []byte
}

// Hop-by-hop headers are never forwarded (RFC 7230 section 6.1).
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// identityHeaders may only be set by the gateway.
var identityHeaders = []string{"X-User-Id", "X-User-Role"}

// Dispatcher sends attempts upstream. It keeps one transport per route so
// connection pools are isolated between upstreams.
type Dispatcher struct {
	transports map[string]http.RoundTripper
	fallback   http.RoundTripper
	clientIP   *clientip.Resolver
	logger     *slog.Logger
}

// New creates a Dispatcher with a transport for every route in table.
func New(table *routing.Table, resolver *clientip.Resolver, logger *slog.Logger) *Dispatcher {
	d := &Dispatcher{
		transports: make(map[string]http.RoundTripper),
		fallback:   newTransport(nil),
		clientIP:   resolver,
		logger:     logger,
	}
	for _, r := range table.Routes() {
		d.transports[r.ID] = newTransport(r)
	}
	return d
}

func newTransport(r *routing.Route) *http.Transport {
	t := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	if r != nil && r.ConnectionPool != nil {
		cp := r.ConnectionPool
		if cp.MaxIdleConns > 0 {
			t.MaxIdleConns = cp.MaxIdleConns
		}
		if cp.MaxIdlePerHost > 0 {
			t.MaxIdleConnsPerHost = cp.MaxIdlePerHost
		}
		if cp.IdleTimeout > 0 {
			t.IdleConnTimeout = cp.IdleTimeout
		}
	}
	return t
}

// Do performs one attempt. The attempt is bound to ctx and to the route's
// hard timeout; the timeout keeps running while the caller reads the body,
// and closing the body releases it. A non-nil error is always a *Error.
func (d *Dispatcher) Do(ctx context.Context, req Request) (*http.Response, error) {
	route := req.Route
	attemptCtx, cancel := context.WithTimeout(ctx, route.Timeout)

	out, err := d.outbound(attemptCtx, req)
	if err != nil {
		cancel()
		return nil, &Error{Kind: KindNetwork, Route: route.ID, Err: err}
	}

	rt := d.transports[route.ID]
	if rt == nil {
		rt = d.fallback
	}

	resp, err := rt.RoundTrip(out)
	if err != nil {
		cancel()
		return nil, &Error{Kind: classify(ctx, attemptCtx, err), Route: route.ID, Err: err}
	}
	resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// classify decides why an attempt failed: the client's context ended, the
// attempt's own deadline passed, or the network failed.
func classify(parent, attempt context.Context, err error) Kind {
	if parent.Err() != nil {
		return KindCanceled
	}
	if errors.Is(attempt.Err(), context.DeadlineExceeded) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}
	return KindNetwork
}

// outbound builds the upstream request without touching the inbound one.
func (d *Dispatcher) outbound(ctx context.Context, req Request) (*http.Request, error) {
	in := req.Inbound
	target := req.Route.Target(in.URL.Path, in.URL.RawQuery)

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	out, err := http.NewRequestWithContext(ctx, in.Method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("building upstream request: %w", err)
	}

	out.Header = in.Header.Clone()
	if out.Header == nil {
		out.Header = make(http.Header)
	}
	removeHopHeaders(out.Header)
	for _, h := range identityHeaders {
		out.Header.Del(h)
	}
	for k, v := range req.Route.Headers {
		out.Header.Set(k, v)
	}
	for k, vals := range req.Overlay {
		out.Header[k] = append([]string(nil), vals...)
	}

	// Forwarded chains from untrusted peers are dropped, not extended.
	peer := clientip.Peer(in)
	if prior := in.Header.Get("X-Forwarded-For"); prior != "" && d.clientIP.Trusted(peer) {
		out.Header.Set("X-Forwarded-For", prior+", "+peer)
	} else {
		out.Header.Set("X-Forwarded-For", peer)
	}
	out.Header.Set("X-Forwarded-Host", in.Host)
	proto := "http"
	if in.TLS != nil {
		proto = "https"
	}
	out.Header.Set("X-Forwarded-Proto", proto)

	if len(req.Body) == 0 && in.ContentLength == 0 {
		out.ContentLength = 0
	}
	return out, nil
}

func removeHopHeaders(h http.Header) {
	for _, f := range h.Values("Connection") {
		for _, name := range strings.Split(f, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// cancelBody releases the attempt context when the body is closed.
type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// Stream copies an upstream response to w verbatim, minus hop-by-hop
// headers, and closes the body. It adds X-Gateway-Latency measured from
// start.
func Stream(w http.ResponseWriter, resp *http.Response, start time.Time) error {
	defer resp.Body.Close()

	h := w.Header()
	for k, vals := range resp.Header {
		h[k] = append([]string(nil), vals...)
	}
	removeHopHeaders(h)
	h.Set("X-Gateway-Latency", time.Since(start).String())
	w.WriteHeader(resp.StatusCode)

	_, err := io.Copy(w, resp.Body)
	return err
}

// Discard drains a bounded amount of the body so the connection can be
// reused, then closes it.
func Discard(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}
