package checkout_test

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/paylink-checkout/internal/checkout"
	"github.com/noah-isme/paylink-checkout/internal/obs"
	"github.com/noah-isme/paylink-checkout/internal/payment"
)

func TestPaidOnFirstTick(t *testing.T) {
	gw := newScriptedGateway(fetchStep{status: payment.StatusPaid})
	ctrl, sched, rec := newTestController(t, gw)
	require.Equal(t, checkout.PhaseIdle, ctrl.Snapshot().Phase)

	require.NoError(t, ctrl.ConfirmOrder(1, ""))
	require.Equal(t, []checkout.Phase{checkout.PhaseCreating}, rec.phases())

	sched.Fire(t) // create
	require.Equal(t, 1, sched.Outstanding())
	require.Equal(t, time.Second, sched.Next().delay)

	sched.Fire(t) // first tick
	require.Equal(t, []checkout.Phase{
		checkout.PhaseCreating,
		checkout.PhaseAwaitingPayment,
		checkout.PhasePolling,
		checkout.PhasePaid,
	}, rec.phases())
	require.Zero(t, sched.Outstanding())

	select {
	case <-ctrl.Done():
	default:
		t.Fatal("done channel should be closed after paid")
	}
	_, fetches := gw.calls()
	require.Equal(t, 1, fetches)
}

func TestPaymentScenarioPendingPendingPaid(t *testing.T) {
	gw := newScriptedGateway(
		fetchStep{status: payment.StatusPending},
		fetchStep{status: payment.StatusPending},
		fetchStep{status: payment.StatusPaid},
	)
	ctrl, sched, rec := newTestController(t, gw)

	require.NoError(t, ctrl.ConfirmOrder(2, ""))
	for sched.Next() != nil {
		require.LessOrEqual(t, sched.Outstanding(), 1)
		sched.Fire(t)
	}

	require.Equal(t, []checkout.Phase{
		checkout.PhaseCreating,
		checkout.PhaseAwaitingPayment,
		checkout.PhasePolling,
		checkout.PhasePolling,
		checkout.PhasePolling,
		checkout.PhasePaid,
	}, rec.phases())
	require.Equal(t, 1, rec.count(checkout.PhasePaid))
	require.Zero(t, sched.Outstanding())

	final := ctrl.Snapshot()
	require.Equal(t, checkout.PhasePaid, final.Phase)
	require.NotNil(t, final.Order)
	require.Equal(t, payment.StatusPaid, final.Order.Status)
	require.Equal(t, int64(42), final.Order.ID)
	require.Equal(t, int64(200), final.Total)
	require.Equal(t, "https://pay.example/o/42", final.PaymentLink())
	require.Equal(t, int64(200), gw.lastCreate.Total)
	require.Equal(t, checkout.DefaultDescription, gw.lastCreate.Description)

	creates, fetches := gw.calls()
	require.Equal(t, 1, creates)
	require.Equal(t, 3, fetches)

	for i, s := range rec.snapshots {
		require.Equal(t, uint64(i+1), s.Seq, "snapshot %d", i)
	}
}

func TestTickFailureIsFatalByDefault(t *testing.T) {
	gw := newScriptedGateway(
		fetchStep{status: payment.StatusPending},
		fetchStep{err: gatewayFailure(payment.OpFetchStatus)},
	)
	ctrl, sched, rec := newTestController(t, gw)

	require.NoError(t, ctrl.ConfirmOrder(1, ""))
	for sched.Next() != nil {
		sched.Fire(t)
	}

	require.Equal(t, checkout.PhaseFailed, rec.last().Phase)
	require.Equal(t, 1, rec.count(checkout.PhaseFailed))
	require.Zero(t, sched.Outstanding())

	final := ctrl.Snapshot()
	require.NotNil(t, final.Failure)
	require.Equal(t, checkout.FailureGateway, final.Failure.Kind)
	require.Contains(t, final.Failure.Message, "connection reset")
}

func TestFailureToleranceRecoversFromTransientErrors(t *testing.T) {
	gw := newScriptedGateway(
		fetchStep{err: gatewayFailure(payment.OpFetchStatus)},
		fetchStep{err: gatewayFailure(payment.OpFetchStatus)},
		fetchStep{status: payment.StatusPending},
		fetchStep{err: gatewayFailure(payment.OpFetchStatus)},
		fetchStep{err: gatewayFailure(payment.OpFetchStatus)},
		fetchStep{status: payment.StatusPaid},
	)
	ctrl, sched, rec := newTestController(t, gw, func(o *checkout.Options) { o.FailureTolerance = 2 })

	require.NoError(t, ctrl.ConfirmOrder(1, ""))
	for sched.Next() != nil {
		sched.Fire(t)
	}

	require.Equal(t, checkout.PhasePaid, ctrl.Snapshot().Phase)
	require.Zero(t, rec.count(checkout.PhaseFailed))
	require.Zero(t, sched.Outstanding())
	_, fetches := gw.calls()
	require.Equal(t, 6, fetches)
}

func TestFailureToleranceExhausted(t *testing.T) {
	gw := newScriptedGateway(
		fetchStep{err: gatewayFailure(payment.OpFetchStatus)},
		fetchStep{err: gatewayFailure(payment.OpFetchStatus)},
		fetchStep{err: gatewayFailure(payment.OpFetchStatus)},
	)
	ctrl, sched, rec := newTestController(t, gw, func(o *checkout.Options) { o.FailureTolerance = 2 })

	require.NoError(t, ctrl.ConfirmOrder(1, ""))
	for sched.Next() != nil {
		sched.Fire(t)
	}

	require.Equal(t, checkout.PhaseFailed, ctrl.Snapshot().Phase)
	require.Equal(t, 1, rec.count(checkout.PhaseFailed))
	_, fetches := gw.calls()
	require.Equal(t, 3, fetches)
}

func TestProviderDeclineFailsSession(t *testing.T) {
	gw := newScriptedGateway(fetchStep{status: payment.StatusFailed})
	ctrl, sched, _ := newTestController(t, gw)

	require.NoError(t, ctrl.ConfirmOrder(1, ""))
	sched.Fire(t)
	sched.Fire(t)

	final := ctrl.Snapshot()
	require.Equal(t, checkout.PhaseFailed, final.Phase)
	require.Equal(t, checkout.FailureDeclined, final.Failure.Kind)
	require.Equal(t, payment.StatusFailed, final.Order.Status)
	require.Zero(t, sched.Outstanding())
}

func TestCreateConfigurationErrorFailsWithoutPolling(t *testing.T) {
	gw := newScriptedGateway()
	gw.createErr = &payment.ConfigurationError{Key: payment.KeyAPIKey, Reason: "is not set"}
	ctrl, sched, rec := newTestController(t, gw)

	require.NoError(t, ctrl.ConfirmOrder(1, ""))
	sched.Fire(t)

	require.Equal(t, []checkout.Phase{checkout.PhaseCreating, checkout.PhaseFailed}, rec.phases())
	final := ctrl.Snapshot()
	require.Nil(t, final.Order)
	require.Equal(t, checkout.FailureConfiguration, final.Failure.Kind)
	require.Contains(t, final.Failure.Message, payment.KeyAPIKey)
	require.Zero(t, sched.Outstanding())
	_, fetches := gw.calls()
	require.Zero(t, fetches)
}

func TestCreateGatewayErrorFailsWithoutPolling(t *testing.T) {
	gw := newScriptedGateway()
	gw.createErr = gatewayFailure(payment.OpCreateOrder)
	ctrl, sched, rec := newTestController(t, gw)

	require.NoError(t, ctrl.ConfirmOrder(3, "Gift box"))
	sched.Fire(t)

	require.Equal(t, []checkout.Phase{checkout.PhaseCreating, checkout.PhaseFailed}, rec.phases())
	require.Equal(t, checkout.FailureGateway, ctrl.Snapshot().Failure.Kind)
	require.Equal(t, "Gift box", gw.lastCreate.Description)
	require.Equal(t, int64(300), gw.lastCreate.Total)
	require.Zero(t, sched.Outstanding())
}

func TestSecondConfirmRejectedWhileActive(t *testing.T) {
	gw := newScriptedGateway()
	ctrl, sched, rec := newTestController(t, gw)

	require.NoError(t, ctrl.ConfirmOrder(1, ""))
	err := ctrl.ConfirmOrder(1, "")
	var stateErr *checkout.InvalidStateError
	require.ErrorAs(t, err, &stateErr)
	require.Equal(t, checkout.PhaseCreating, stateErr.Phase)

	sched.Fire(t)
	require.True(t, checkout.IsInvalidState(ctrl.ConfirmOrder(5, "")))
	require.Equal(t, 1, sched.Outstanding())

	creates, _ := gw.calls()
	require.Equal(t, 1, creates)
	require.Equal(t, 1, ctrl.Snapshot().Quantity)
	require.Equal(t, 1, rec.count(checkout.PhaseCreating))
}

func TestConfirmRejectedAfterTerminalFailure(t *testing.T) {
	gw := newScriptedGateway(fetchStep{status: payment.StatusFailed})
	ctrl, sched, _ := newTestController(t, gw)

	require.NoError(t, ctrl.ConfirmOrder(1, ""))
	sched.Fire(t)
	sched.Fire(t)
	require.True(t, checkout.IsInvalidState(ctrl.ConfirmOrder(1, "")))
}

func TestInvalidQuantityLeavesControllerIdle(t *testing.T) {
	gw := newScriptedGateway()
	ctrl, sched, rec := newTestController(t, gw)

	require.ErrorIs(t, ctrl.ConfirmOrder(0, ""), checkout.ErrInvalidQuantity)
	require.ErrorIs(t, ctrl.ConfirmOrder(-4, ""), checkout.ErrInvalidQuantity)
	require.Equal(t, checkout.PhaseIdle, ctrl.Snapshot().Phase)
	require.Empty(t, rec.phases())
	require.Zero(t, sched.Outstanding())
}

func TestQuantityBoundedByTotalRange(t *testing.T) {
	gw := newScriptedGateway()
	ctrl, sched, _ := newTestController(t, gw)

	largest := int(math.MaxInt64 / 100)
	require.ErrorIs(t, ctrl.ConfirmOrder(largest+1, ""), checkout.ErrInvalidQuantity)
	require.ErrorIs(t, ctrl.ConfirmOrder(184467440737095517, ""), checkout.ErrInvalidQuantity)
	require.Equal(t, checkout.PhaseIdle, ctrl.Snapshot().Phase)
	require.Zero(t, sched.Outstanding())

	require.NoError(t, ctrl.ConfirmOrder(largest, ""))
	sched.Fire(t)
	require.Equal(t, int64(largest)*100, gw.lastCreate.Total)
	require.Positive(t, gw.lastCreate.Total)
}

func TestQuantityBoundedByMaxQuantity(t *testing.T) {
	gw := newScriptedGateway()
	ctrl, _, _ := newTestController(t, gw, func(o *checkout.Options) { o.MaxQuantity = 99 })

	require.ErrorIs(t, ctrl.ConfirmOrder(100, ""), checkout.ErrInvalidQuantity)
	require.Equal(t, checkout.PhaseIdle, ctrl.Snapshot().Phase)
	require.NoError(t, ctrl.ConfirmOrder(99, ""))
}

func TestDoneClosesAfterTerminalSnapshotDelivered(t *testing.T) {
	gw := newScriptedGateway(fetchStep{status: payment.StatusPaid})
	ctrl, sched, _ := newTestController(t, gw)

	release := make(chan struct{})
	entered := make(chan struct{})
	var once sync.Once
	ctrl.Subscribe(func(s checkout.Session) {
		if s.Phase == checkout.PhasePolling {
			once.Do(func() { close(entered) })
			<-release
		}
	})

	require.NoError(t, ctrl.ConfirmOrder(1, ""))
	create := sched.Next()
	go sched.run(create) // blocks in the subscriber while delivering
	<-entered

	tick := sched.Next()
	require.NotNil(t, tick)
	sched.run(tick)
	require.Equal(t, checkout.PhasePaid, ctrl.Snapshot().Phase)
	select {
	case <-ctrl.Done():
		t.Fatal("done closed before the paid snapshot was delivered")
	default:
	}

	close(release)
	select {
	case <-ctrl.Done():
	case <-time.After(time.Second):
		t.Fatal("done not closed after delivery")
	}
}

func TestAbortFromEveryNonTerminalPhase(t *testing.T) {
	cases := map[string]func(t *testing.T, ctrl *checkout.Controller, sched *manualScheduler){
		"idle": func(t *testing.T, ctrl *checkout.Controller, sched *manualScheduler) {},
		"creating": func(t *testing.T, ctrl *checkout.Controller, sched *manualScheduler) {
			require.NoError(t, ctrl.ConfirmOrder(1, ""))
		},
		"polling": func(t *testing.T, ctrl *checkout.Controller, sched *manualScheduler) {
			require.NoError(t, ctrl.ConfirmOrder(1, ""))
			sched.Fire(t)
			sched.Fire(t)
			require.Equal(t, checkout.PhasePolling, ctrl.Snapshot().Phase)
		},
	}
	for name, setup := range cases {
		t.Run(name, func(t *testing.T) {
			gw := newScriptedGateway()
			ctrl, sched, rec := newTestController(t, gw)
			setup(t, ctrl, sched)

			ctrl.Abort()
			ctrl.Abort()
			ctrl.Abort()

			require.Equal(t, checkout.PhaseAborted, ctrl.Snapshot().Phase)
			require.Equal(t, 1, rec.count(checkout.PhaseAborted))
			require.Zero(t, sched.Outstanding())
			select {
			case <-ctrl.Done():
			default:
				t.Fatal("done channel should be closed after abort")
			}
		})
	}
}

func TestAbortAfterTerminalIsNoop(t *testing.T) {
	gw := newScriptedGateway(fetchStep{status: payment.StatusPaid})
	ctrl, sched, rec := newTestController(t, gw)

	require.NoError(t, ctrl.ConfirmOrder(1, ""))
	sched.Fire(t)
	sched.Fire(t)
	ctrl.Abort()

	require.Equal(t, checkout.PhasePaid, ctrl.Snapshot().Phase)
	require.Zero(t, rec.count(checkout.PhaseAborted))
}

func TestAbortDuringInFlightCreateDiscardsResult(t *testing.T) {
	gw := newScriptedGateway()
	started := make(chan struct{})
	gw.createHook = func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}
	ctrl, sched, rec := newTestController(t, gw)

	require.NoError(t, ctrl.ConfirmOrder(1, ""))
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		sched.Fire(t)
	}()
	<-started
	ctrl.Abort()
	<-finished

	require.Equal(t, []checkout.Phase{checkout.PhaseCreating, checkout.PhaseAborted}, rec.phases())
	require.Nil(t, ctrl.Snapshot().Failure)
	require.Zero(t, sched.Outstanding())
}

func TestAbortDuringInFlightTickDiscardsResult(t *testing.T) {
	gw := newScriptedGateway(fetchStep{status: payment.StatusPaid})
	started := make(chan struct{})
	release := make(chan struct{})
	gw.fetchHook = func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}
	ctrl, sched, rec := newTestController(t, gw)

	require.NoError(t, ctrl.ConfirmOrder(1, ""))
	sched.Fire(t)

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		sched.Fire(t)
	}()
	<-started
	ctrl.Abort()
	close(release)
	<-finished

	require.Equal(t, checkout.PhaseAborted, ctrl.Snapshot().Phase)
	require.Zero(t, rec.count(checkout.PhasePaid))
	require.Zero(t, sched.Outstanding())
}

func TestStaleTickAfterAbortIsNoop(t *testing.T) {
	gw := newScriptedGateway(fetchStep{status: payment.StatusPaid})
	ctrl, sched, rec := newTestController(t, gw)

	require.NoError(t, ctrl.ConfirmOrder(1, ""))
	sched.Fire(t)
	stale := sched.Last()
	ctrl.Abort()

	// a timer that already fired when Stop was called still runs its callback
	stale.fn()

	require.Equal(t, checkout.PhaseAborted, ctrl.Snapshot().Phase)
	_, fetches := gw.calls()
	require.Zero(t, fetches)
	require.Equal(t, checkout.PhaseAborted, rec.last().Phase)
}

func TestConfirmAfterAbortStartsFreshSession(t *testing.T) {
	gw := newScriptedGateway(fetchStep{status: payment.StatusPaid})
	ctrl, sched, rec := newTestController(t, gw)

	require.NoError(t, ctrl.ConfirmOrder(1, ""))
	first := ctrl.Snapshot()
	firstDone := ctrl.Done()
	ctrl.Abort()

	require.NoError(t, ctrl.ConfirmOrder(2, ""))
	second := ctrl.Snapshot()
	require.NotEqual(t, first.ID, second.ID)
	require.Equal(t, checkout.PhaseCreating, second.Phase)
	require.Greater(t, second.Seq, first.Seq)
	<-firstDone
	select {
	case <-ctrl.Done():
		t.Fatal("new session must not start done")
	default:
	}

	for sched.Next() != nil {
		sched.Fire(t)
	}
	require.Equal(t, checkout.PhasePaid, ctrl.Snapshot().Phase)
	require.Equal(t, int64(200), gw.lastCreate.Total)
	require.Equal(t, []checkout.Phase{
		checkout.PhaseCreating,
		checkout.PhaseAborted,
		checkout.PhaseCreating,
		checkout.PhaseAwaitingPayment,
		checkout.PhasePolling,
		checkout.PhasePaid,
	}, rec.phases())
}

func TestSubscriberMayAbortReentrantly(t *testing.T) {
	gw := newScriptedGateway()
	ctrl, sched, rec := newTestController(t, gw)
	ctrl.Subscribe(func(s checkout.Session) {
		if s.Phase == checkout.PhasePolling {
			ctrl.Abort()
		}
	})

	require.NoError(t, ctrl.ConfirmOrder(1, ""))
	sched.Fire(t)

	require.Equal(t, []checkout.Phase{
		checkout.PhaseCreating,
		checkout.PhaseAwaitingPayment,
		checkout.PhasePolling,
		checkout.PhaseAborted,
	}, rec.phases())
	require.Zero(t, sched.Outstanding())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	gw := newScriptedGateway()
	ctrl, sched, _ := newTestController(t, gw)
	var got []checkout.Phase
	unsubscribe := ctrl.Subscribe(func(s checkout.Session) { got = append(got, s.Phase) })

	require.NoError(t, ctrl.ConfirmOrder(1, ""))
	unsubscribe()
	unsubscribe()
	sched.Fire(t)

	require.Equal(t, []checkout.Phase{checkout.PhaseCreating}, got)
}

func TestSubscriberPanicDoesNotBreakDelivery(t *testing.T) {
	gw := newScriptedGateway()
	ctrl, sched, _ := newTestController(t, gw)
	ctrl.Subscribe(func(checkout.Session) { panic("render failed") })
	late := &recorder{}
	ctrl.Subscribe(late.record)

	require.NoError(t, ctrl.ConfirmOrder(1, ""))
	sched.Fire(t)

	require.Equal(t, []checkout.Phase{
		checkout.PhaseCreating,
		checkout.PhaseAwaitingPayment,
		checkout.PhasePolling,
	}, late.phases())
}

func TestPaymentLinkIsImmutable(t *testing.T) {
	gw := newScriptedGateway(fetchStep{status: payment.StatusPending, link: "https://evil.example/redirect"})
	ctrl, sched, _ := newTestController(t, gw)

	require.NoError(t, ctrl.ConfirmOrder(1, ""))
	sched.Fire(t)
	sched.Fire(t)

	require.Equal(t, "https://pay.example/o/42", ctrl.Snapshot().PaymentLink())
}

func TestSnapshotsAreCopies(t *testing.T) {
	gw := newScriptedGateway()
	ctrl, sched, _ := newTestController(t, gw)
	require.NoError(t, ctrl.ConfirmOrder(1, ""))
	sched.Fire(t)

	snap := ctrl.Snapshot()
	snap.Order.PaymentLink = "mutated"
	snap.Phase = checkout.PhasePaid
	require.Equal(t, "https://pay.example/o/42", ctrl.Snapshot().PaymentLink())
	require.Equal(t, checkout.PhasePolling, ctrl.Snapshot().Phase)
}

func TestItemLabelAddsLineItem(t *testing.T) {
	gw := newScriptedGateway()
	ctrl, sched, _ := newTestController(t, gw, func(o *checkout.Options) { o.ItemLabel = "Matcha 30g" })
	require.NoError(t, ctrl.ConfirmOrder(3, ""))
	sched.Fire(t)
	require.Equal(t, []payment.Item{{Quantity: 3, Label: "Matcha 30g"}}, gw.lastCreate.Items)
}

func TestTransitionMetrics(t *testing.T) {
	before := testutil.ToFloat64(obs.CheckoutTransitionsTotal.WithLabelValues(string(checkout.PhasePaid)))
	ticksBefore := testutil.ToFloat64(obs.CheckoutPollTicksTotal.WithLabelValues("paid"))

	gw := newScriptedGateway(fetchStep{status: payment.StatusPaid})
	ctrl, sched, _ := newTestController(t, gw)
	require.NoError(t, ctrl.ConfirmOrder(1, ""))
	sched.Fire(t)
	sched.Fire(t)

	require.Equal(t, before+1, testutil.ToFloat64(obs.CheckoutTransitionsTotal.WithLabelValues(string(checkout.PhasePaid))))
	require.Equal(t, ticksBefore+1, testutil.ToFloat64(obs.CheckoutPollTicksTotal.WithLabelValues("paid")))
}

func TestSystemSchedulerDrivesSessionToPaid(t *testing.T) {
	gw := newScriptedGateway(
		fetchStep{status: payment.StatusPending},
		fetchStep{status: payment.StatusPaid},
	)
	ctrl := checkout.NewController(gw, checkout.Options{PollInterval: 5 * time.Millisecond})
	rec := &recorder{}
	ctrl.Subscribe(rec.record)

	require.NoError(t, ctrl.ConfirmOrder(1, ""))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	final, err := ctrl.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, checkout.PhasePaid, final.Phase)

	require.Eventually(t, func() bool { return rec.count(checkout.PhasePaid) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, []checkout.Phase{
		checkout.PhaseCreating,
		checkout.PhaseAwaitingPayment,
		checkout.PhasePolling,
		checkout.PhasePolling,
		checkout.PhasePaid,
	}, rec.phases())
}

func TestConcurrentAbortAndSnapshot(t *testing.T) {
	gw := newScriptedGateway()
	ctrl := checkout.NewController(gw, checkout.Options{PollInterval: time.Millisecond})
	rec := &recorder{}
	ctrl.Subscribe(rec.record)
	require.NoError(t, ctrl.ConfirmOrder(1, ""))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = ctrl.Snapshot()
			}
			ctrl.Abort()
		}()
	}
	wg.Wait()

	require.Equal(t, checkout.PhaseAborted, ctrl.Snapshot().Phase)
	require.Eventually(t, func() bool { return rec.count(checkout.PhaseAborted) == 1 }, time.Second, time.Millisecond)
	phases := rec.phases()
	require.Equal(t, checkout.PhaseAborted, phases[len(phases)-1])
}
