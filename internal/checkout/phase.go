package checkout

// Phase is the lifecycle stage of a payment session.
type Phase string

const (
	PhaseIdle            Phase = "idle"
	PhaseCreating        Phase = "creating"
	PhaseAwaitingPayment Phase = "awaiting_payment"
	PhasePolling         Phase = "polling"
	PhasePaid            Phase = "paid"
	PhaseFailed          Phase = "failed"
	PhaseAborted         Phase = "aborted"
)

var transitions = map[Phase][]Phase{
	PhaseIdle:            {PhaseCreating, PhaseAborted},
	PhaseCreating:        {PhaseAwaitingPayment, PhaseFailed, PhaseAborted},
	PhaseAwaitingPayment: {PhasePolling, PhaseFailed, PhaseAborted},
	PhasePolling:         {PhasePolling, PhasePaid, PhaseFailed, PhaseAborted},
	PhaseAborted:         {PhaseCreating},
}

// Terminal reports whether no further transitions happen within the session.
func (p Phase) Terminal() bool {
	return p == PhasePaid || p == PhaseFailed || p == PhaseAborted
}

// CanTransition reports whether next is a legal successor of p.
func (p Phase) CanTransition(next Phase) bool {
	for _, candidate := range transitions[p] {
		if candidate == next {
			return true
		}
	}
	return false
}

// AcceptsConfirmation reports whether a new order may be confirmed from p.
func (p Phase) AcceptsConfirmation() bool {
	return p == PhaseIdle || p == PhaseAborted
}
