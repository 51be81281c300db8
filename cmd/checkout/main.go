package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/noah-isme/paylink-checkout/internal/checkout"
	"github.com/noah-isme/paylink-checkout/internal/config"
	"github.com/noah-isme/paylink-checkout/internal/obs"
	"github.com/noah-isme/paylink-checkout/internal/payment"
	"github.com/noah-isme/paylink-checkout/internal/qr"
	"github.com/noah-isme/paylink-checkout/internal/resilience"
)

const (
	exitPaid        = 0
	exitFailed      = 1
	exitUsage       = 2
	exitInterrupted = 130
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitUsage)
	}
	logger := obs.NewLoggerTo(os.Stderr, "console", cfg.Obs.LogLevel)
	obs.MustRegisterDomainMetrics(cfg.Obs.MetricsNamespace, nil)

	breaker := resilience.NewBreaker(cfg.Gateway.BreakerMinRequests, cfg.Gateway.BreakerFailureRate, cfg.Gateway.BreakerOpenFor).
		WithTarget("checkout-gateway").
		WithLogger(logger)
	provider := payment.HTTPProvider{HTTP: resilience.HTTPClient{
		Client:  http.DefaultClient,
		Breaker: breaker,
		Timeout: cfg.Gateway.Timeout,
		Target:  "checkout-gateway",
		Logger:  &logger,
	}}
	gateway := payment.NewGateway(provider, config.EnvCredentials{}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := checkout.Options{
		UnitPrice:          cfg.Checkout.UnitPrice,
		DefaultDescription: cfg.Checkout.Description,
		MaxQuantity:        cfg.Checkout.MaxQuantity,
		ItemLabel:          cfg.Checkout.ItemLabel,
		PollInterval:       cfg.Checkout.PollInterval,
		FailureTolerance:   cfg.Checkout.FailureTolerance,
		Logger:             logger,
	}
	os.Exit(run(ctx, os.Args[1:], os.Stdout, gateway, opts))
}

// run drives one payment session to completion and returns the process exit code.
func run(ctx context.Context, args []string, stdout io.Writer, gateway checkout.Gateway, opts checkout.Options) int {
	fs := flag.NewFlagSet("checkout", flag.ContinueOnError)
	fs.SetOutput(stdout)
	quantity := fs.Int("quantity", 1, "number of units to buy")
	description := fs.String("description", "", "order description shown on the payment page")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	logger := opts.Logger

	ctrl := checkout.NewController(gateway, opts)
	linkShown := false
	unsubscribe := ctrl.Subscribe(func(s checkout.Session) {
		logger.Info().Str("phase", string(s.Phase)).Uint64("seq", s.Seq).Msg("checkout_phase")
		if link := s.PaymentLink(); link != "" && !linkShown {
			linkShown = true
			printLink(stdout, link, logger)
		}
	})
	defer unsubscribe()

	if err := ctrl.ConfirmOrder(*quantity, *description); err != nil {
		fmt.Fprintf(stdout, "cannot start checkout: %v\n", err)
		return exitUsage
	}

	final, err := ctrl.Wait(ctx)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		ctrl.Abort()
		fmt.Fprintln(stdout, "checkout aborted")
		return exitInterrupted
	}

	switch final.Phase {
	case checkout.PhasePaid:
		fmt.Fprintf(stdout, "payment received for order %d\n", final.Order.ID)
		return exitPaid
	case checkout.PhaseAborted:
		fmt.Fprintln(stdout, "checkout aborted")
		return exitInterrupted
	default:
		msg := "unknown error"
		if final.Failure != nil {
			msg = final.Failure.Message
		}
		fmt.Fprintf(stdout, "payment failed: %s\n", msg)
		return exitFailed
	}
}

func printLink(w io.Writer, link string, logger zerolog.Logger) {
	fmt.Fprintf(w, "Scan or open to pay: %s\n", link)
	art, err := qr.Terminal(link)
	if err != nil {
		logger.Warn().Err(err).Msg("qr_render_failed")
		return
	}
	fmt.Fprintln(w, art)
}
