package config

import (
	"context"
	"fmt"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"

	"github.com/noah-isme/paylink-checkout/internal/payment"
)

// EnvCredentials resolves provider credentials from the process environment on every call,
// so rotated keys are picked up without a restart and a missing key is reported when an
// order is attempted rather than at boot.
type EnvCredentials struct{}

// Credentials implements payment.CredentialSource.
func (EnvCredentials) Credentials(context.Context) (payment.Credentials, error) {
	k := koanf.New(".")
	if err := k.Load(env.Provider("CHECKOUT_", ".", func(s string) string { return s }), nil); err != nil {
		return payment.Credentials{}, fmt.Errorf("load env: %w", err)
	}
	return payment.Credentials{
		BaseURL: k.String(payment.KeyBaseURL),
		APIKey:  k.String(payment.KeyAPIKey),
		PlaceID: k.String(payment.KeyPlaceID),
	}, nil
}
