package config_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/paylink-checkout/internal/config"
	"github.com/noah-isme/paylink-checkout/internal/payment"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.LoadForTests(map[string]string{
		"PORT":                            "",
		"CHECKOUT_POLL_INTERVAL":          "",
		"CHECKOUT_POLL_FAILURE_TOLERANCE": "",
		"CHECKOUT_UNIT_PRICE":             "",
		"CHECKOUT_DESCRIPTION":            "",
		"CHECKOUT_MAX_QUANTITY":           "",
		"CHECKOUT_SESSION_TTL":            "",
		"QR_SIZE_PX":                      "",
		"OUTBOUND_TIMEOUT":                "",
		"CIRCUIT_GATEWAY_FAILURE_RATE":    "",
	})
	require.NoError(t, err)

	require.Equal(t, ":8080", cfg.HTTPAddr())
	require.Equal(t, time.Second, cfg.Checkout.PollInterval)
	require.Equal(t, 0, cfg.Checkout.FailureTolerance)
	require.Equal(t, int64(100), cfg.Checkout.UnitPrice)
	require.Equal(t, "Brussels Matcha Tea", cfg.Checkout.Description)
	require.Equal(t, 99, cfg.Checkout.MaxQuantity)
	require.Equal(t, 15*time.Minute, cfg.Checkout.SessionTTL)
	require.Equal(t, 256, cfg.Checkout.QRSize)
	require.Equal(t, 5*time.Second, cfg.Gateway.Timeout)
	require.Equal(t, 0.5, cfg.Gateway.BreakerFailureRate)
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := config.LoadForTests(map[string]string{
		"PORT":                            ":9090",
		"CORS_ALLOWED_ORIGINS":            "https://shop.example, https://admin.example",
		"CHECKOUT_POLL_INTERVAL":          "2500ms",
		"CHECKOUT_POLL_FAILURE_TOLERANCE": "3",
		"CHECKOUT_UNIT_PRICE":             "250",
		"CHECKOUT_ITEM_LABEL":             "Matcha 30g",
		"OBS_ENABLE_PROMETHEUS":           "false",
	})
	require.NoError(t, err)

	require.Equal(t, ":9090", cfg.HTTPAddr())
	require.Equal(t, []string{"https://shop.example", "https://admin.example"}, cfg.CORSAllowedOrigins)
	require.Equal(t, 2500*time.Millisecond, cfg.Checkout.PollInterval)
	require.Equal(t, 3, cfg.Checkout.FailureTolerance)
	require.Equal(t, int64(250), cfg.Checkout.UnitPrice)
	require.Equal(t, "Matcha 30g", cfg.Checkout.ItemLabel)
	require.False(t, cfg.Obs.EnablePrometheus)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	_, err := config.LoadForTests(map[string]string{
		"CHECKOUT_POLL_INTERVAL":          "10ms",
		"CHECKOUT_POLL_FAILURE_TOLERANCE": "-1",
		"CHECKOUT_UNIT_PRICE":             "0",
	})
	require.Error(t, err)
	require.ErrorContains(t, err, "CHECKOUT_POLL_INTERVAL")
	require.ErrorContains(t, err, "CHECKOUT_POLL_FAILURE_TOLERANCE")
	require.ErrorContains(t, err, "CHECKOUT_UNIT_PRICE")
}

func TestLoadDoesNotRequireGatewayCredentials(t *testing.T) {
	_, err := config.LoadForTests(map[string]string{
		payment.KeyBaseURL: "",
		payment.KeyAPIKey:  "",
		payment.KeyPlaceID: "",
	})
	require.NoError(t, err)
}

func TestEnvCredentialsReadOnEveryCall(t *testing.T) {
	src := config.EnvCredentials{}

	err := config.WithEnv(map[string]string{
		payment.KeyBaseURL: "https://api.example",
		payment.KeyAPIKey:  "first",
		payment.KeyPlaceID: "12",
	}, func() error {
		creds, err := src.Credentials(context.Background())
		require.NoError(t, err)
		require.Equal(t, "first", creds.APIKey)
		account, err := creds.Account()
		require.NoError(t, err)
		require.Equal(t, int64(12), account.PlaceID)

		return config.WithEnv(map[string]string{payment.KeyAPIKey: "rotated"}, func() error {
			creds, err := src.Credentials(context.Background())
			require.NoError(t, err)
			require.Equal(t, "rotated", creds.APIKey)
			return nil
		})
	})
	require.NoError(t, err)
}

func TestEnvCredentialsMissingKey(t *testing.T) {
	err := config.WithEnv(map[string]string{
		payment.KeyBaseURL: "https://api.example",
		payment.KeyAPIKey:  "",
		payment.KeyPlaceID: "12",
	}, func() error {
		creds, err := config.EnvCredentials{}.Credentials(context.Background())
		require.NoError(t, err)
		_, err = creds.Account()
		var cfgErr *payment.ConfigurationError
		require.ErrorAs(t, err, &cfgErr)
		require.Equal(t, payment.KeyAPIKey, cfgErr.Key)
		return nil
	})
	require.NoError(t, err)
}
