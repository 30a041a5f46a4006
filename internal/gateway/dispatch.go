package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/oarthurfc/delivery-app/internal/apierror"
	"github.com/oarthurfc/delivery-app/internal/circuitbreaker"
	"github.com/oarthurfc/delivery-app/internal/metrics"
	"github.com/oarthurfc/delivery-app/internal/middleware"
	"github.com/oarthurfc/delivery-app/internal/proxy"
	"github.com/oarthurfc/delivery-app/internal/retry"
)

// StatusClientClosedRequest is logged when the client went away before a
// response was produced.
const StatusClientClosedRequest = 499

// call tracks one logical request across its attempts.
type call struct {
	resp     *http.Response
	ticket   circuitbreaker.Ticket
	began    time.Time
	rejected error
	lastErr  error
	canceled bool
	failed   bool // a single-shot attempt hit a transport error
}

// dispatch is the terminal stage: it always answers the request.
func (g *Gateway) dispatch(ex Exchange) (Exchange, http.Handler) {
	return ex, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.forward(w, ex)
	})
}

func (g *Gateway) forward(w http.ResponseWriter, ex Exchange) {
	r := ex.Request
	route := ex.Route
	log := g.logger.With("route", route.ID, "request_id", middleware.GetRequestID(r.Context()))

	body, err := readBody(r)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			middleware.WriteBodyLimitError(w, r)
			return
		}
		log.Warn("failed to read request body", "error", err)
		apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.RequestCancelled, "failed to read request body")
		return
	}

	c := &call{}
	attempts, err := g.retrier.Do(r.Context(), route.Retry, func(ctx context.Context, n int) retry.Verdict {
		if n > 1 {
			metrics.RetryTotal.WithLabelValues(route.ID).Inc()
			log.Info("retrying upstream call", "attempt", n, "error", c.lastErr)
		}
		return g.attempt(ctx, c, proxy.Request{Route: route, Inbound: r, Overlay: ex.Overlay, Body: body})
	})

	switch {
	case c.rejected != nil:
		metrics.FallbacksTotal.WithLabelValues(route.ID, "breaker").Inc()
		log.Warn("circuit breaker rejected call, serving fallback", "attempts", attempts, "reason", c.rejected)
		g.fallback.Write(w, route.FallbackService)
	case errors.Is(err, retry.ErrExhausted):
		metrics.FallbacksTotal.WithLabelValues(route.ID, "exhausted").Inc()
		log.Warn("upstream attempts exhausted, serving fallback", "attempts", attempts, "error", c.lastErr)
		g.fallback.Write(w, route.FallbackService)
	case c.failed:
		metrics.FallbacksTotal.WithLabelValues(route.ID, "upstream_error").Inc()
		log.Warn("upstream call failed, serving fallback", "method", r.Method, "error", c.lastErr)
		g.fallback.Write(w, route.FallbackService)
	case c.canceled || err != nil:
		log.Info("client closed request", "status", StatusClientClosedRequest, "attempts", attempts)
		apierror.WriteJSON(w, r, http.StatusGatewayTimeout, apierror.RequestCancelled, "request cancelled before the upstream responded")
	case c.resp != nil:
		g.respond(w, c, log)
	default:
		apierror.WriteJSON(w, r, http.StatusInternalServerError, apierror.InternalError, "no upstream response")
	}
}

// attempt runs one permitted upstream call and decides whether the retry
// loop should go again. Requests whose method the policy does not retry
// always stop after their first attempt.
func (g *Gateway) attempt(ctx context.Context, c *call, req proxy.Request) retry.Verdict {
	route := req.Route
	repeatable := route.Retry.RetryableMethod(req.Inbound.Method)

	ticket, err := g.registry.Permit(route.ID, route.Breaker)
	if err != nil {
		c.rejected = err
		return retry.Done
	}

	began := time.Now()
	resp, err := g.dispatcher.Do(ctx, req)
	if err != nil {
		var perr *proxy.Error
		if errors.As(err, &perr) && perr.Kind == proxy.KindCanceled {
			g.registry.Release(ticket)
			c.canceled = true
			c.lastErr = err
			return retry.Done
		}
		g.registry.Record(ticket, true, time.Since(began))
		kind := proxy.KindNetwork
		if perr != nil {
			kind = perr.Kind
		}
		metrics.UpstreamErrors.WithLabelValues(route.ID, kind.String()).Inc()
		c.lastErr = err
		if !repeatable {
			c.failed = true
			return retry.Done
		}
		return retry.Again
	}

	if repeatable && route.Retry.RetryableStatus(resp.StatusCode) {
		proxy.Discard(resp)
		g.registry.Record(ticket, resp.StatusCode >= http.StatusInternalServerError, time.Since(began))
		metrics.UpstreamErrors.WithLabelValues(route.ID, "status").Inc()
		c.lastErr = fmt.Errorf("upstream responded %d", resp.StatusCode)
		return retry.Again
	}

	c.resp = resp
	c.ticket = ticket
	c.began = began
	return retry.Done
}

// respond streams the final upstream response and records its outcome
// once the body has been copied.
func (g *Gateway) respond(w http.ResponseWriter, c *call, log *slog.Logger) {
	status := c.resp.StatusCode
	err := proxy.Stream(w, c.resp, c.began)
	g.registry.Record(c.ticket, status >= http.StatusInternalServerError, time.Since(c.began))
	if err != nil {
		log.Debug("response stream interrupted", "status", status, "error", err)
	}
}

// readBody buffers the request body so every attempt can replay it.
func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}
