package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/noah-isme/paylink-checkout/internal/resilience"
)

const maxResponseBytes = 1 << 20

// HTTPProvider talks to the remote order API over HTTP/JSON. Each call is a single attempt
// through the breaker-guarded client.
type HTTPProvider struct {
	HTTP resilience.HTTPClient
}

type createOrderPayload struct {
	Total       int64  `json:"total"`
	Description string `json:"description,omitempty"`
	Items       []Item `json:"items,omitempty"`
}

type createOrderReply struct {
	OrderID int64  `json:"orderId"`
	Link    string `json:"link"`
	Status  string `json:"status"`
}

type orderReply struct {
	ID          int64  `json:"id"`
	Total       int64  `json:"total"`
	Description string `json:"description"`
	Items       []Item `json:"items"`
	Status      string `json:"status"`
	Link        string `json:"link"`
}

// CreateOrder implements Provider. The returned order carries the raw status; the gateway
// validates it.
func (p HTTPProvider) CreateOrder(ctx context.Context, account Account, req CreateOrderRequest) (Order, error) {
	body, err := json.Marshal(createOrderPayload{Total: req.Total, Description: req.Description, Items: req.Items})
	if err != nil {
		return Order{}, fmt.Errorf("encode order: %w", err)
	}
	endpoint := fmt.Sprintf("%s/places/%d/orders", account.BaseURL, account.PlaceID)
	var reply createOrderReply
	if err := p.roundTrip(ctx, account, http.MethodPost, endpoint, body, &reply); err != nil {
		return Order{}, err
	}
	return Order{
		ID:          reply.OrderID,
		Total:       req.Total,
		Description: req.Description,
		Items:       req.Items,
		Status:      Status(reply.Status),
		PaymentLink: reply.Link,
	}, nil
}

// GetOrder implements Provider.
func (p HTTPProvider) GetOrder(ctx context.Context, account Account, orderID int64) (Order, error) {
	endpoint := account.BaseURL + "/orders/" + strconv.FormatInt(orderID, 10)
	var reply orderReply
	if err := p.roundTrip(ctx, account, http.MethodGet, endpoint, nil, &reply); err != nil {
		return Order{}, err
	}
	return Order{
		ID:          reply.ID,
		Total:       reply.Total,
		Description: reply.Description,
		Items:       reply.Items,
		Status:      Status(reply.Status),
		PaymentLink: reply.Link,
	}, nil
}

func (p HTTPProvider) roundTrip(ctx context.Context, account Account, method, endpoint string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+account.APIKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.HTTP.Do(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return fmt.Errorf("provider responded %s", resp.Status)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return nil
}
