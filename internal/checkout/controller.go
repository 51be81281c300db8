package checkout

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/paylink-checkout/internal/obs"
	"github.com/noah-isme/paylink-checkout/internal/payment"
)

// Gateway is the subset of payment.Gateway the controller drives.
type Gateway interface {
	CreateOrder(ctx context.Context, in payment.CreateOrderInput) (payment.Order, error)
	FetchStatus(ctx context.Context, orderID int64) (payment.Order, error)
}

// Defaults applied by NewController.
const (
	DefaultPollInterval = time.Second
	DefaultUnitPrice    = 100
	DefaultDescription  = "Brussels Matcha Tea"
)

// Options tunes a Controller.
type Options struct {
	// UnitPrice is the price of one unit in minor currency units.
	UnitPrice int64
	// DefaultDescription is used when ConfirmOrder receives an empty description.
	DefaultDescription string
	// MaxQuantity caps the units per order. Zero leaves only the overflow bound.
	MaxQuantity int
	// ItemLabel, when set, adds a single line item {quantity, label} to created orders.
	ItemLabel string
	// PollInterval is the fixed delay between status checks.
	PollInterval time.Duration
	// FailureTolerance is the number of consecutive failed status checks tolerated before
	// the session fails. Zero makes the first failure fatal.
	FailureTolerance int
	Scheduler        Scheduler
	Logger           zerolog.Logger
	Now              func() time.Time
	NewID            func() string
}

func (o Options) withDefaults() Options {
	if o.UnitPrice <= 0 {
		o.UnitPrice = DefaultUnitPrice
	}
	if strings.TrimSpace(o.DefaultDescription) == "" {
		o.DefaultDescription = DefaultDescription
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.MaxQuantity < 0 {
		o.MaxQuantity = 0
	}
	if o.FailureTolerance < 0 {
		o.FailureTolerance = 0
	}
	if o.Scheduler == nil {
		o.Scheduler = SystemScheduler
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.NewID == nil {
		o.NewID = func() string { return uuid.NewString() }
	}
	return o
}

type subscriber struct {
	fn     func(Session)
	active atomic.Bool
}

// Controller drives one payment session at a time through creation, polling and a single
// terminal transition. All methods are safe for concurrent use.
//
// State changes are queued under mu and delivered to subscribers in order by whichever
// goroutine holds the delivering flag, so subscribers may call back into the controller.
type Controller struct {
	gateway Gateway
	opts    Options
	logger  zerolog.Logger

	mu       sync.Mutex
	session  Session
	gen      uint64
	task     Task
	cancel   context.CancelFunc
	runCtx   context.Context
	failures int
	done     chan struct{}
	closed   bool

	subs       []*subscriber
	pending    []Session
	releases   []chan struct{}
	delivering bool
}

// NewController returns an idle controller.
func NewController(gateway Gateway, opts Options) *Controller {
	opts = opts.withDefaults()
	c := &Controller{
		gateway: gateway,
		opts:    opts,
		logger:  opts.Logger,
		done:    make(chan struct{}),
	}
	c.session = Session{ID: opts.NewID(), Phase: PhaseIdle, UpdatedAt: opts.Now()}
	return c
}

// ConfirmOrder starts a session for quantity units. It returns once the session is in the
// creating phase; progress is observable through Subscribe, Snapshot and Done.
//
// Only idle or aborted controllers accept a confirmation. Otherwise an *InvalidStateError is
// returned and the active session keeps running; a duplicate confirmation never fails it.
// Confirming after an abort starts a fresh session with a new ID.
//
// ErrInvalidQuantity is returned for non-positive quantities, quantities above MaxQuantity and
// quantities whose total would not fit in an int64.
func (c *Controller) ConfirmOrder(quantity int, description string) error {
	if !c.validQuantity(quantity) {
		return ErrInvalidQuantity
	}
	c.mu.Lock()
	if phase := c.session.Phase; !phase.AcceptsConfirmation() {
		id := c.session.ID
		c.mu.Unlock()
		c.logger.Warn().Str("session_id", id).Str("phase", string(phase)).Msg("checkout_confirm_rejected")
		return &InvalidStateError{Phase: phase}
	}

	description = strings.TrimSpace(description)
	if description == "" {
		description = c.opts.DefaultDescription
	}
	if c.session.Phase == PhaseAborted {
		c.session = Session{ID: c.opts.NewID(), Seq: c.session.Seq}
		c.done = make(chan struct{})
		c.closed = false
	}
	c.session.Quantity = quantity
	c.session.Total = int64(quantity) * c.opts.UnitPrice
	c.session.Description = description
	c.session.Order = nil
	c.session.Failure = nil
	c.failures = 0

	c.gen++
	gen := c.gen
	c.runCtx, c.cancel = context.WithCancel(context.Background())
	c.transitionLocked(PhaseCreating)

	in := payment.CreateOrderInput{Total: c.session.Total, Description: description}
	if c.opts.ItemLabel != "" {
		in.Items = []payment.Item{{Quantity: quantity, Label: c.opts.ItemLabel}}
	}
	c.task = c.opts.Scheduler.AfterFunc(0, func() { c.create(gen, in) })
	c.mu.Unlock()

	c.flush()
	return nil
}

func (c *Controller) validQuantity(quantity int) bool {
	if quantity <= 0 {
		return false
	}
	if c.opts.MaxQuantity > 0 && quantity > c.opts.MaxQuantity {
		return false
	}
	return int64(quantity) <= math.MaxInt64/c.opts.UnitPrice
}

// Subscribe registers fn for every subsequent snapshot. The current state is not replayed;
// use Snapshot for that. The returned function unsubscribes and is idempotent.
func (c *Controller) Subscribe(fn func(Session)) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	sub := &subscriber{fn: fn}
	sub.active.Store(true)
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()

	return func() {
		if !sub.active.CompareAndSwap(true, false) {
			return
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, candidate := range c.subs {
			if candidate == sub {
				c.subs = append(c.subs[:i:i], c.subs[i+1:]...)
				break
			}
		}
	}
}

// Abort cancels the session. It is idempotent and a no-op once the session is terminal.
func (c *Controller) Abort() {
	c.mu.Lock()
	if c.session.Phase.Terminal() {
		c.mu.Unlock()
		return
	}
	c.finishLocked(PhaseAborted, nil)
	c.mu.Unlock()
	c.flush()
}

// Snapshot returns a copy of the latest session state.
func (c *Controller) Snapshot() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.clone()
}

// Done is closed once the current session is terminal and its final snapshot has been
// delivered to every subscriber.
func (c *Controller) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Wait blocks until Done is closed or ctx is done. Subscribers must not call it.
func (c *Controller) Wait(ctx context.Context) (Session, error) {
	select {
	case <-c.Done():
		return c.Snapshot(), nil
	case <-ctx.Done():
		return c.Snapshot(), ctx.Err()
	}
}

func (c *Controller) create(gen uint64, in payment.CreateOrderInput) {
	c.mu.Lock()
	if gen != c.gen || c.session.Phase != PhaseCreating {
		c.mu.Unlock()
		return
	}
	c.task = nil
	ctx := c.runCtx
	sessionID := c.session.ID
	c.mu.Unlock()

	ctx, span := otel.Tracer("checkout.Controller").Start(ctx, "Controller.CreateOrder")
	span.SetAttributes(attribute.String("checkout.session_id", sessionID), attribute.Int64("order.total", in.Total))
	order, err := c.gateway.CreateOrder(ctx, in)
	span.End()

	c.mu.Lock()
	if gen != c.gen || c.session.Phase != PhaseCreating {
		c.mu.Unlock()
		c.logger.Debug().Str("session_id", sessionID).Msg("checkout_stale_create_result")
		return
	}
	if err != nil {
		c.finishLocked(PhaseFailed, failureFor(err))
		c.mu.Unlock()
		c.flush()
		return
	}
	created := order.Clone()
	c.session.Order = &created
	c.transitionLocked(PhaseAwaitingPayment)
	c.transitionLocked(PhasePolling)
	c.scheduleLocked(gen)
	c.mu.Unlock()
	c.flush()
}

func (c *Controller) tick(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.session.Phase != PhasePolling || c.session.Order == nil {
		c.mu.Unlock()
		recordTick("stale")
		return
	}
	c.task = nil
	ctx := c.runCtx
	sessionID := c.session.ID
	orderID := c.session.Order.ID
	c.mu.Unlock()

	ctx, span := otel.Tracer("checkout.Controller").Start(ctx, "Controller.PollTick")
	span.SetAttributes(attribute.String("checkout.session_id", sessionID), attribute.Int64("order.id", orderID))
	order, err := c.gateway.FetchStatus(ctx, orderID)
	span.End()

	c.mu.Lock()
	if gen != c.gen || c.session.Phase != PhasePolling {
		c.mu.Unlock()
		recordTick("stale")
		c.logger.Debug().Str("session_id", sessionID).Msg("checkout_stale_tick_result")
		return
	}
	if err != nil {
		recordTick("error")
		c.failures++
		if c.failures <= c.opts.FailureTolerance {
			c.logger.Warn().Err(err).
				Str("session_id", sessionID).
				Int64("order_id", orderID).
				Int("consecutive_failures", c.failures).
				Msg("checkout_poll_failure_tolerated")
			c.scheduleLocked(gen)
			c.mu.Unlock()
			return
		}
		c.finishLocked(PhaseFailed, failureFor(err))
		c.mu.Unlock()
		c.flush()
		return
	}

	c.failures = 0
	recordTick(string(order.Status))
	updated := order.Clone()
	updated.PaymentLink = c.session.Order.PaymentLink
	c.session.Order = &updated
	switch order.Status {
	case payment.StatusPaid:
		c.finishLocked(PhasePaid, nil)
	case payment.StatusFailed:
		c.finishLocked(PhaseFailed, &Failure{Kind: FailureDeclined, Message: fmt.Sprintf("order %d was declined by the provider", orderID)})
	default:
		c.transitionLocked(PhasePolling)
		c.scheduleLocked(gen)
	}
	c.mu.Unlock()
	c.flush()
}

// scheduleLocked arms the next tick. At most one task exists at a time.
func (c *Controller) scheduleLocked(gen uint64) {
	if c.task != nil {
		c.task.Stop()
	}
	c.task = c.opts.Scheduler.AfterFunc(c.opts.PollInterval, func() { c.tick(gen) })
}

// finishLocked moves the session to a terminal phase and releases its task and context.
// Bumping the generation turns any in-flight callback into a no-op.
func (c *Controller) finishLocked(phase Phase, failure *Failure) {
	if c.task != nil {
		c.task.Stop()
		c.task = nil
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.gen++
	c.session.Failure = failure
	c.transitionLocked(phase)
	if !c.closed {
		c.releases = append(c.releases, c.done)
		c.closed = true
	}

	evt := c.logger.Info()
	if phase == PhaseFailed {
		evt = c.logger.Error()
	}
	if failure != nil {
		evt = evt.Str("failure_kind", string(failure.Kind)).Str("failure", failure.Message)
	}
	if c.session.Order != nil {
		evt = evt.Int64("order_id", c.session.Order.ID)
	}
	evt.Str("session_id", c.session.ID).Str("phase", string(phase)).Msg("checkout_session_finished")
}

func (c *Controller) transitionLocked(next Phase) {
	prev := c.session.Phase
	if !prev.CanTransition(next) {
		c.logger.Error().Str("session_id", c.session.ID).Str("from", string(prev)).Str("to", string(next)).Msg("checkout_illegal_transition")
		return
	}
	c.session.Phase = next
	c.session.Seq++
	c.session.UpdatedAt = c.opts.Now()
	c.pending = append(c.pending, c.session.clone())

	if obs.CheckoutTransitionsTotal != nil {
		obs.CheckoutTransitionsTotal.WithLabelValues(string(next)).Inc()
	}
	c.logger.Debug().
		Str("session_id", c.session.ID).
		Str("from", string(prev)).
		Str("phase", string(next)).
		Uint64("seq", c.session.Seq).
		Msg("checkout_transition")
}

// flush delivers queued snapshots. Only one goroutine delivers at a time; others leave their
// snapshots queued for it. Done channels of finished sessions are closed after their terminal
// snapshot went out.
func (c *Controller) flush() {
	c.mu.Lock()
	if c.delivering {
		c.mu.Unlock()
		return
	}
	c.delivering = true
	for len(c.pending) > 0 || len(c.releases) > 0 {
		batch, releases := c.pending, c.releases
		c.pending, c.releases = nil, nil
		subs := append([]*subscriber(nil), c.subs...)
		c.mu.Unlock()

		for _, snapshot := range batch {
			for _, sub := range subs {
				if sub.active.Load() {
					c.deliver(sub, snapshot)
				}
			}
		}
		for _, done := range releases {
			close(done)
		}

		c.mu.Lock()
	}
	c.delivering = false
	c.mu.Unlock()
}

func (c *Controller) deliver(sub *subscriber, snapshot Session) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Str("session_id", snapshot.ID).Msg("checkout_subscriber_panic")
		}
	}()
	sub.fn(snapshot.clone())
}

func recordTick(outcome string) {
	if obs.CheckoutPollTicksTotal != nil {
		obs.CheckoutPollTicksTotal.WithLabelValues(outcome).Inc()
	}
}
