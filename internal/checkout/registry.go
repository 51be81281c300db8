package checkout

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/paylink-checkout/internal/obs"
)

// Registry holds the controllers started by the storefront, one per buyer session. It is
// presentation state: nothing survives a restart.
type Registry struct {
	factory func() *Controller
	ttl     time.Duration
	now     func() time.Time
	logger  zerolog.Logger

	mu      sync.Mutex
	entries map[string]*registryEntry
}

type registryEntry struct {
	ctrl    *Controller
	touched time.Time
}

// NewRegistry builds a registry whose controllers come from factory. Sessions untouched for
// ttl are aborted and evicted by Sweep.
func NewRegistry(factory func() *Controller, ttl time.Duration, logger zerolog.Logger) *Registry {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Registry{
		factory: factory,
		ttl:     ttl,
		now:     time.Now,
		logger:  logger,
		entries: make(map[string]*registryEntry),
	}
}

// WithClock overrides the registry clock.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	if now != nil {
		r.now = now
	}
	return r
}

// Start creates a controller, registers it and confirms the order.
func (r *Registry) Start(quantity int, description string) (*Controller, error) {
	if quantity <= 0 {
		return nil, ErrInvalidQuantity
	}
	ctrl := r.factory()
	id := ctrl.Snapshot().ID

	r.mu.Lock()
	r.entries[id] = &registryEntry{ctrl: ctrl, touched: r.now()}
	r.updateGaugeLocked()
	r.mu.Unlock()

	if err := ctrl.ConfirmOrder(quantity, description); err != nil {
		r.remove(id)
		return nil, err
	}
	r.logger.Info().Str("session_id", id).Int("quantity", quantity).Msg("checkout_session_started")
	return ctrl, nil
}

// Get returns the controller for id and refreshes its idle timer.
func (r *Registry) Get(id string) (*Controller, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	entry.touched = r.now()
	return entry.ctrl, nil
}

// Discard aborts the session and forgets it.
func (r *Registry) Discard(id string) error {
	ctrl := r.remove(id)
	if ctrl == nil {
		return ErrSessionNotFound
	}
	ctrl.Abort()
	r.logger.Info().Str("session_id", id).Msg("checkout_session_discarded")
	return nil
}

// Sweep aborts and evicts sessions idle for longer than the TTL. It returns the number
// evicted.
func (r *Registry) Sweep() int {
	cutoff := r.now().Add(-r.ttl)
	var expired []*Controller

	r.mu.Lock()
	for id, entry := range r.entries {
		if entry.touched.Before(cutoff) {
			expired = append(expired, entry.ctrl)
			delete(r.entries, id)
		}
	}
	r.updateGaugeLocked()
	r.mu.Unlock()

	for _, ctrl := range expired {
		ctrl.Abort()
	}
	if len(expired) > 0 {
		r.logger.Info().Int("evicted", len(expired)).Msg("checkout_sessions_swept")
	}
	return len(expired)
}

// Run sweeps every interval until ctx is cancelled.
func (r *Registry) Run(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Close aborts every session.
func (r *Registry) Close() {
	r.mu.Lock()
	ctrls := make([]*Controller, 0, len(r.entries))
	for id, entry := range r.entries {
		ctrls = append(ctrls, entry.ctrl)
		delete(r.entries, id)
	}
	r.updateGaugeLocked()
	r.mu.Unlock()

	for _, ctrl := range ctrls {
		ctrl.Abort()
	}
	r.logger.Info().Int("aborted", len(ctrls)).Msg("checkout_registry_closed")
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Registry) remove(id string) *Controller {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[id]
	if !ok {
		return nil
	}
	delete(r.entries, id)
	r.updateGaugeLocked()
	return entry.ctrl
}

func (r *Registry) updateGaugeLocked() {
	if obs.CheckoutActiveSessions != nil {
		obs.CheckoutActiveSessions.Set(float64(len(r.entries)))
	}
}
