package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/noah-isme/paylink-checkout/internal/obs"
)

// CreateOrderInput describes the order the buyer confirmed.
type CreateOrderInput struct {
	Total       int64
	Description string
	Items       []Item
}

// Gateway is a stateless wrapper around the remote provider. Credentials are resolved and
// validated on every call, provider failures are reported as *GatewayError and nothing is
// retried here.
type Gateway struct {
	Provider    Provider
	Credentials CredentialSource
	Logger      zerolog.Logger
}

// NewGateway constructs a Gateway.
func NewGateway(provider Provider, creds CredentialSource, logger zerolog.Logger) *Gateway {
	return &Gateway{Provider: provider, Credentials: creds, Logger: logger}
}

// CreateOrder opens an order with the provider. A successful result is pending and carries a
// payment link.
func (g *Gateway) CreateOrder(ctx context.Context, in CreateOrderInput) (Order, error) {
	if in.Total <= 0 {
		return Order{}, ErrInvalidTotal
	}
	ctx, span := otel.Tracer("payment.Gateway").Start(ctx, "Gateway.CreateOrder")
	defer span.End()
	span.SetAttributes(attribute.Int64("order.total", in.Total))

	var order Order
	err := g.call(ctx, OpCreateOrder, func(ctx context.Context, account Account) error {
		created, err := g.Provider.CreateOrder(ctx, account, CreateOrderRequest{
			Total:       in.Total,
			Description: strings.TrimSpace(in.Description),
			Items:       cloneItems(in.Items),
		})
		if err != nil {
			return err
		}
		if created.ID <= 0 {
			return fmt.Errorf("%w: missing order id", ErrMalformedResponse)
		}
		if strings.TrimSpace(created.PaymentLink) == "" {
			return fmt.Errorf("%w: missing payment link", ErrMalformedResponse)
		}
		status, err := ParseStatus(string(created.Status))
		if err != nil {
			return err
		}
		if status != StatusPending {
			return fmt.Errorf("%w: new order reported status %q", ErrMalformedResponse, status)
		}
		created.Status = status
		order = created
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Order{}, err
	}
	span.SetAttributes(attribute.Int64("order.id", order.ID))
	return order, nil
}

// FetchStatus reads the current state of an order. Every call reaches the provider.
func (g *Gateway) FetchStatus(ctx context.Context, orderID int64) (Order, error) {
	if orderID <= 0 {
		return Order{}, ErrInvalidOrderID
	}
	ctx, span := otel.Tracer("payment.Gateway").Start(ctx, "Gateway.FetchStatus")
	defer span.End()
	span.SetAttributes(attribute.Int64("order.id", orderID))

	var order Order
	err := g.call(ctx, OpFetchStatus, func(ctx context.Context, account Account) error {
		fetched, err := g.Provider.GetOrder(ctx, account, orderID)
		if err != nil {
			return err
		}
		if fetched.ID == 0 {
			fetched.ID = orderID
		}
		if fetched.ID != orderID {
			return fmt.Errorf("%w: asked for order %d, got %d", ErrMalformedResponse, orderID, fetched.ID)
		}
		status, err := ParseStatus(string(fetched.Status))
		if err != nil {
			return err
		}
		fetched.Status = status
		order = fetched
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Order{}, err
	}
	span.SetAttributes(attribute.String("order.status", string(order.Status)))
	return order, nil
}

// call resolves the account and runs fn once, translating failures into the package error
// kinds and recording metrics.
func (g *Gateway) call(ctx context.Context, op string, fn func(context.Context, Account) error) error {
	result := "error"
	start := time.Now()
	defer func() {
		if obs.GatewayRequestsTotal != nil {
			obs.GatewayRequestsTotal.WithLabelValues(op, result).Inc()
		}
		if obs.GatewayRequestDuration != nil && result != "config_error" {
			obs.GatewayRequestDuration.WithLabelValues(op).Observe(obs.DurationMillis(time.Since(start)))
		}
	}()

	account, err := g.account(ctx)
	if err != nil {
		result = "config_error"
		g.Logger.Error().Err(err).Str("operation", op).Msg("gateway_config_invalid")
		return err
	}
	if g.Provider == nil {
		result = "config_error"
		return &ConfigurationError{Key: "provider", Reason: "is not configured"}
	}

	if err := fn(ctx, account); err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			result = "cancelled"
		}
		g.Logger.Error().Err(err).Str("operation", op).Msg("gateway_call_failed")
		return &GatewayError{Op: op, Cause: err}
	}
	result = "success"
	return nil
}

func (g *Gateway) account(ctx context.Context) (Account, error) {
	if g.Credentials == nil {
		return Account{}, &ConfigurationError{Key: KeyBaseURL, Reason: "is not set"}
	}
	creds, err := g.Credentials.Credentials(ctx)
	if err != nil {
		var cfgErr *ConfigurationError
		if errors.As(err, &cfgErr) {
			return Account{}, err
		}
		return Account{}, &ConfigurationError{Key: "credentials", Reason: err.Error()}
	}
	return creds.Account()
}

func cloneItems(items []Item) []Item {
	if len(items) == 0 {
		return nil
	}
	out := make([]Item, len(items))
	copy(out, items)
	return out
}
