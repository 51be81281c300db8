package checkout

import (
	"errors"
	"time"

	"github.com/noah-isme/paylink-checkout/internal/payment"
)

// FailureKind classifies why a session failed.
type FailureKind string

const (
	FailureConfiguration FailureKind = "configuration"
	FailureGateway       FailureKind = "gateway"
	FailureDeclined      FailureKind = "declined"
	FailureInternal      FailureKind = "internal"
)

// Failure explains a failed session.
type Failure struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
}

// Session is a published snapshot of a confirmation attempt. Snapshots are copies; mutating
// one has no effect on the controller.
type Session struct {
	ID          string         `json:"id"`
	Quantity    int            `json:"quantity"`
	Total       int64          `json:"total"`
	Description string         `json:"description,omitempty"`
	Phase       Phase          `json:"phase"`
	Order       *payment.Order `json:"order,omitempty"`
	Failure     *Failure       `json:"failure,omitempty"`
	Seq         uint64         `json:"seq"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// PaymentLink returns the order's link, or "" before the order exists.
func (s Session) PaymentLink() string {
	if s.Order == nil {
		return ""
	}
	return s.Order.PaymentLink
}

func (s Session) clone() Session {
	if s.Order != nil {
		order := s.Order.Clone()
		s.Order = &order
	}
	if s.Failure != nil {
		failure := *s.Failure
		s.Failure = &failure
	}
	return s
}

func failureFor(err error) *Failure {
	var cfgErr *payment.ConfigurationError
	switch {
	case errors.As(err, &cfgErr):
		return &Failure{Kind: FailureConfiguration, Message: err.Error()}
	case payment.IsGatewayError(err):
		return &Failure{Kind: FailureGateway, Message: err.Error()}
	default:
		return &Failure{Kind: FailureInternal, Message: err.Error()}
	}
}
