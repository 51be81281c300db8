package payment

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTotal is returned when an order total is not a positive amount of minor units.
	ErrInvalidTotal = errors.New("payment: total must be a positive amount of minor currency units")
	// ErrInvalidOrderID is returned when a status lookup is requested without a provider order id.
	ErrInvalidOrderID = errors.New("payment: order id must be positive")
	// ErrMalformedResponse marks provider payloads that cannot be trusted.
	ErrMalformedResponse = errors.New("payment: malformed provider response")
)

// Operation names used for errors, spans and metric labels.
const (
	OpCreateOrder = "create_order"
	OpFetchStatus = "fetch_status"
)

// ConfigurationError reports a missing or invalid deployment setting. It is raised before any
// network call and is never retried.
type ConfigurationError struct {
	Key    string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("payment: %s %s", e.Key, e.Reason)
}

// GatewayError wraps a transport failure or malformed response from the remote provider.
type GatewayError struct {
	Op    string
	Cause error
}

func (e *GatewayError) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause == nil {
		return fmt.Sprintf("payment: %s failed", e.Op)
	}
	return fmt.Sprintf("payment: %s failed: %v", e.Op, e.Cause)
}

// Unwrap exposes the underlying cause to errors.Is/As.
func (e *GatewayError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// IsConfigurationError reports whether err is (or wraps) a ConfigurationError.
func IsConfigurationError(err error) bool {
	var target *ConfigurationError
	return errors.As(err, &target)
}

// IsGatewayError reports whether err is (or wraps) a GatewayError.
func IsGatewayError(err error) bool {
	var target *GatewayError
	return errors.As(err, &target)
}
