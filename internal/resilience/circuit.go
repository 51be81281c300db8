package resilience

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// ErrOpenCircuit is returned when the circuit breaker refuses a request.
var ErrOpenCircuit = errors.New("resilience: circuit breaker open")

// State represents the current breaker state.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

var stateNames = map[State]string{Closed: "closed", Open: "open", HalfOpen: "half_open"}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

const (
	defaultWindow  = time.Minute
	windowBuckets  = 10
	defaultOpenFor = 30 * time.Second
)

// bucket counts outcomes for one slice of the rolling window.
type bucket struct {
	start     time.Time
	successes int
	failures  int
}

// Counts is a snapshot of the outcomes inside the rolling window.
type Counts struct {
	Successes int
	Failures  int
}

// Total returns the number of recorded outcomes.
func (c Counts) Total() int { return c.Successes + c.Failures }

// Breaker is a failure-ratio circuit breaker guarding one outbound dependency. Outcomes are
// counted over a rolling window; once at least minRequests are in the window and the failure
// ratio reaches the threshold it opens for openFor, then admits a single probe.
type Breaker struct {
	mu           sync.Mutex
	state        State
	buckets      [windowBuckets]bucket
	window       time.Duration
	minRequests  int
	failureRatio float64
	openedAt     time.Time
	openFor      time.Duration
	probing      bool
	target       string
	logger       zerolog.Logger
	now          func() time.Time
}

// NewBreaker constructs a breaker with a one minute rolling window.
func NewBreaker(minRequests int, failureRatio float64, openFor time.Duration) *Breaker {
	if minRequests <= 0 {
		minRequests = 1
	}
	if failureRatio <= 0 {
		failureRatio = 0.5
	}
	if failureRatio > 1 {
		failureRatio = 1
	}
	if openFor <= 0 {
		openFor = defaultOpenFor
	}
	return &Breaker{
		state:        Closed,
		window:       defaultWindow,
		minRequests:  minRequests,
		failureRatio: failureRatio,
		openFor:      openFor,
		logger:       zerolog.Nop(),
		now:          time.Now,
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Counts returns the outcomes currently inside the window.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.countsLocked(b.now())
}

// Allow reports whether a request is permitted. Once the cool-off has elapsed the first caller
// becomes the half-open probe; everyone else is refused until the probe reports.
func (b *Breaker) Allow(ctx context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if b.now().Sub(b.openedAt) < b.openFor {
			return false
		}
		b.changeStateLocked(ctx, HalfOpen)
		b.probing = true
		return true
	default:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
}

// Report records the outcome of a request admitted by Allow.
func (b *Breaker) Report(ctx context.Context, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		return
	case HalfOpen:
		b.probing = false
		if success {
			b.changeStateLocked(ctx, Closed)
		} else {
			b.changeStateLocked(ctx, Open)
		}
		return
	}

	now := b.now()
	cur := b.bucketLocked(now)
	if success {
		cur.successes++
	} else {
		cur.failures++
	}

	counts := b.countsLocked(now)
	if counts.Total() < b.minRequests {
		return
	}
	if float64(counts.Failures)/float64(counts.Total()) >= b.failureRatio {
		b.changeStateLocked(ctx, Open)
	}
}

// Abandon gives up an admitted request without an outcome, freeing the half-open probe slot.
func (b *Breaker) Abandon() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == HalfOpen {
		b.probing = false
	}
}

// WithTarget sets the dependency name used for metric labels and logs.
func (b *Breaker) WithTarget(target string) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.target = strings.TrimSpace(target)
	b.recordStateLocked()
	return b
}

// WithLogger configures the logger used for transition events.
func (b *Breaker) WithLogger(logger zerolog.Logger) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logger = logger
	return b
}

// WithWindow changes the rolling window length. Windows shorter than one nanosecond per
// bucket are raised to that minimum.
func (b *Breaker) WithWindow(window time.Duration) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	if window > 0 {
		b.window = max(window, windowBuckets*time.Nanosecond)
	}
	b.resetLocked()
	return b
}

// WithClock overrides the breaker clock.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	if now != nil {
		b.now = now
	}
	return b
}

func (b *Breaker) bucketWidth() time.Duration {
	return b.window / windowBuckets
}

// bucketLocked returns the bucket for now, recycling it if it belongs to an older slice.
func (b *Breaker) bucketLocked(now time.Time) *bucket {
	width := b.bucketWidth()
	start := now.Truncate(width)
	idx := int(start.UnixNano()/int64(width)) % windowBuckets
	if idx < 0 {
		idx += windowBuckets
	}
	cur := &b.buckets[idx]
	if !cur.start.Equal(start) {
		*cur = bucket{start: start}
	}
	return cur
}

func (b *Breaker) countsLocked(now time.Time) Counts {
	cutoff := now.Add(-b.window)
	var c Counts
	for _, bk := range b.buckets {
		if bk.start.IsZero() || !bk.start.After(cutoff) {
			continue
		}
		c.Successes += bk.successes
		c.Failures += bk.failures
	}
	return c
}

func (b *Breaker) resetLocked() {
	b.buckets = [windowBuckets]bucket{}
}

func (b *Breaker) changeStateLocked(ctx context.Context, next State) {
	prev := b.state
	if prev == next {
		b.recordStateLocked()
		return
	}
	b.state = next
	if next == Open {
		b.openedAt = b.now()
	}
	b.resetLocked()
	b.recordStateLocked()
	b.recordTransition(ctx, prev, next)
}

func (b *Breaker) recordStateLocked() {
	BreakerState.WithLabelValues(b.targetLabel()).Set(float64(b.state))
}

func (b *Breaker) recordTransition(ctx context.Context, from, to State) {
	label := b.targetLabel()
	BreakerTransitions.WithLabelValues(label, from.String(), to.String()).Inc()
	if to == Open {
		BreakerOpenedTotal.WithLabelValues(label).Inc()
	}

	logger := b.logger
	if ctxLogger := zerolog.Ctx(ctx); ctxLogger.GetLevel() != zerolog.Disabled {
		logger = *ctxLogger
	}
	evt := logger.Info()
	if to == Open {
		evt = logger.Warn()
	}
	evt = evt.Str("target", label).Str("from_state", from.String()).Str("to_state", to.String())
	if span := trace.SpanContextFromContext(ctx); span.IsValid() {
		evt = evt.Str("trace_id", span.TraceID().String())
	}
	evt.Msg("breaker_transition")
}

func (b *Breaker) targetLabel() string {
	if b.target == "" {
		return "default"
	}
	return b.target
}
