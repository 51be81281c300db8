package payment

import (
	"context"
	"fmt"
)

// Status is the settlement state reported by the provider. Values are taken literally from the
// provider payload.
type Status string

const (
	StatusPending Status = "pending"
	StatusPaid    Status = "paid"
	StatusFailed  Status = "failed"
)

// ParseStatus accepts only the exact provider literals.
func ParseStatus(raw string) (Status, error) {
	switch Status(raw) {
	case StatusPending, StatusPaid, StatusFailed:
		return Status(raw), nil
	default:
		return "", fmt.Errorf("%w: unknown status %q", ErrMalformedResponse, raw)
	}
}

// Terminal reports whether no further settlement changes are expected.
func (s Status) Terminal() bool {
	return s == StatusPaid || s == StatusFailed
}

// Item is an informational order line.
type Item struct {
	Quantity int    `json:"quantity"`
	Label    string `json:"label"`
}

// Order is the provider's record of a purchase.
type Order struct {
	ID          int64  `json:"id"`
	Total       int64  `json:"total"`
	Description string `json:"description,omitempty"`
	Items       []Item `json:"items,omitempty"`
	Status      Status `json:"status"`
	PaymentLink string `json:"paymentLink"`
}

// Clone returns a deep copy so snapshots never share the items slice.
func (o Order) Clone() Order {
	if o.Items != nil {
		items := make([]Item, len(o.Items))
		copy(items, o.Items)
		o.Items = items
	}
	return o
}

// Account is a validated set of provider credentials.
type Account struct {
	BaseURL string
	APIKey  string
	PlaceID int64
}

// CreateOrderRequest is the provider payload for opening an order.
type CreateOrderRequest struct {
	Total       int64
	Description string
	Items       []Item
}

// Provider abstracts the remote payment API. Implementations perform exactly one remote call
// per invocation and never retry.
type Provider interface {
	CreateOrder(ctx context.Context, account Account, req CreateOrderRequest) (Order, error)
	GetOrder(ctx context.Context, account Account, orderID int64) (Order, error)
}
