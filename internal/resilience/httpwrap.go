package resilience

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// ErrClientNotConfigured is returned when HTTPClient has no underlying client.
var ErrClientNotConfigured = errors.New("resilience: http client not configured")

// HTTPClient wraps an http.Client with a per-call timeout and a circuit breaker. It performs a
// single attempt per call; callers own any retry policy.
type HTTPClient struct {
	Client  *http.Client
	Breaker *Breaker
	Timeout time.Duration
	Target  string
	Logger  *zerolog.Logger
}

// Do executes the request once. Server errors (5xx) and transport errors count as breaker
// failures; the 5xx response body is drained and an error is returned in its place. When the
// breaker is open ErrOpenCircuit is returned without touching the network.
func (cl HTTPClient) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if cl.Client == nil {
		return nil, ErrClientNotConfigured
	}
	breaker := cl.Breaker
	if breaker == nil {
		breaker = NewBreaker(1, 1, time.Second)
	}
	if !breaker.Allow(ctx) {
		cl.logger().Warn().Str("target", cl.Target).Msg("outbound_rejected_open_circuit")
		return nil, ErrOpenCircuit
	}

	timeout := cl.Timeout
	if timeout <= 0 {
		timeout = cl.Client.Timeout
	}
	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		resp, err := cl.doOnce(callCtx, req, breaker)
		if err != nil || resp == nil {
			cancel()
			return resp, err
		}
		resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
		return resp, nil
	}
	return cl.doOnce(callCtx, req, breaker)
}

func (cl HTTPClient) doOnce(ctx context.Context, req *http.Request, breaker *Breaker) (*http.Response, error) {
	resp, err := cl.Client.Do(req.WithContext(ctx))
	if err != nil {
		// Caller cancellation is not counted against the dependency.
		if ctx.Err() == nil || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			breaker.Report(ctx, false)
		} else {
			breaker.Abandon()
		}
		return nil, err
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		breaker.Report(ctx, false)
		_ = resp.Body.Close()
		return nil, fmt.Errorf("resilience: %s responded %s", cl.targetLabel(), resp.Status)
	}
	breaker.Report(ctx, true)
	return resp, nil
}

func (cl HTTPClient) targetLabel() string {
	if cl.Target == "" {
		return "upstream"
	}
	return cl.Target
}

var breakerNopLogger = zerolog.Nop()

func (cl HTTPClient) logger() *zerolog.Logger {
	if cl.Logger == nil {
		return &breakerNopLogger
	}
	return cl.Logger
}

// cancelOnClose releases the per-call timeout once the caller is done with the body.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
