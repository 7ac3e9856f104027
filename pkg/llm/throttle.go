package llm

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// DefaultMinDelay is the enforced gap between the completion of one model
	// call and the start of the next.
	DefaultMinDelay = 2 * time.Second
	// DefaultCallTimeout bounds every individual model call.
	DefaultCallTimeout = 30 * time.Second
	// DefaultRetryDelay is the backoff before the single retry of a failed call.
	DefaultRetryDelay = 2 * time.Second
)

// ErrThrottleClosed is returned for requests enqueued after Close.
var ErrThrottleClosed = errors.New("llm throttle closed")

// Throttle serializes model access across every component of a scan. At most
// one model call is in flight at any time, regardless of how many agents are
// running. Requests are served in FIFO order.
type Throttle struct {
	provider   Provider
	minDelay   time.Duration
	timeout    time.Duration
	retryDelay time.Duration

	// sleep is injectable so tests can run without real delays.
	sleep func(ctx context.Context, d time.Duration)

	queue  chan *queuedRequest
	done   chan struct{}
	closed sync.Once
	wg     sync.WaitGroup
}

type queuedRequest struct {
	ctx      context.Context
	req      Request
	result   chan requestResult
	enqueued time.Time
}

type requestResult struct {
	resp Response
	err  error
}

// ThrottleOption configures a Throttle.
type ThrottleOption func(*Throttle)

// WithMinDelay overrides the inter-call gap.
func WithMinDelay(d time.Duration) ThrottleOption {
	return func(t *Throttle) { t.minDelay = d }
}

// WithCallTimeout overrides the per-call timeout.
func WithCallTimeout(d time.Duration) ThrottleOption {
	return func(t *Throttle) { t.timeout = d }
}

// WithRetryDelay overrides the retry backoff.
func WithRetryDelay(d time.Duration) ThrottleOption {
	return func(t *Throttle) { t.retryDelay = d }
}

// WithSleepFunc overrides how the dispatcher waits, for deterministic tests.
func WithSleepFunc(sleep func(ctx context.Context, d time.Duration)) ThrottleOption {
	return func(t *Throttle) { t.sleep = sleep }
}

// NewThrottle creates a Throttle wrapping the given provider and starts its
// dispatcher goroutine.
func NewThrottle(provider Provider, opts ...ThrottleOption) *Throttle {
	t := &Throttle{
		provider:   provider,
		minDelay:   DefaultMinDelay,
		timeout:    DefaultCallTimeout,
		retryDelay: DefaultRetryDelay,
		queue:      make(chan *queuedRequest, 256),
		done:       make(chan struct{}),
	}
	t.sleep = func(ctx context.Context, d time.Duration) {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
	}
	for _, opt := range opts {
		opt(t)
	}

	t.wg.Add(1)
	go t.dispatch()
	return t
}

// Enqueue submits a request and blocks until it has been executed or the
// context is cancelled. Requests are executed strictly one at a time.
func (t *Throttle) Enqueue(ctx context.Context, req Request) (Response, error) {
	qr := &queuedRequest{
		ctx:      ctx,
		req:      req,
		result:   make(chan requestResult, 1),
		enqueued: time.Now(),
	}

	select {
	case <-t.done:
		return Response{}, ErrThrottleClosed
	case t.queue <- qr:
	}

	select {
	case <-ctx.Done():
		// The dispatcher will still observe the cancelled context and skip
		// or abort the underlying call.
		return Response{}, ctx.Err()
	case res := <-qr.result:
		return res.resp, res.err
	}
}

// Close stops the dispatcher. Queued requests are rejected with
// ErrThrottleClosed.
func (t *Throttle) Close() {
	t.closed.Do(func() {
		close(t.done)
	})
	t.wg.Wait()
}

func (t *Throttle) dispatch() {
	defer t.wg.Done()

	var lastDone time.Time

	for {
		select {
		case <-t.done:
			t.drain()
			return
		case qr := <-t.queue:
			if qr.ctx.Err() != nil {
				qr.result <- requestResult{err: qr.ctx.Err()}
				continue
			}

			// Enforce the inter-call gap, measured from completion of the
			// previous call.
			if !lastDone.IsZero() {
				if gap := t.minDelay - time.Since(lastDone); gap > 0 {
					t.sleep(qr.ctx, gap)
				}
			}

			resp, err := t.callOnce(qr.ctx, qr.req)
			if err != nil && IsRetriableError(err) {
				log.Warn().Err(err).Dur("wait", t.retryDelay).Msg("Model call failed, retrying once")
				t.sleep(qr.ctx, t.retryDelay)
				resp, err = t.callOnce(qr.ctx, qr.req)
			}
			lastDone = time.Now()

			qr.result <- requestResult{resp: resp, err: err}
		}
	}
}

func (t *Throttle) drain() {
	for {
		select {
		case qr := <-t.queue:
			qr.result <- requestResult{err: ErrThrottleClosed}
		default:
			return
		}
	}
}

func (t *Throttle) callOnce(ctx context.Context, req Request) (Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.provider.Generate(callCtx, req)
}

// IsRetriableError reports whether an error looks like a transient provider
// failure: a timeout, a rate limit, or a dropped connection.
func IsRetriableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"rate limit", "rate_limit", "429", "timeout", "timed out", "connection reset", "econnreset", "too many requests"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
