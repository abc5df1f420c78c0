package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/payoutd/internal/gateway"
	"github.com/mmeshcher/payoutd/internal/model"
	"github.com/mmeshcher/payoutd/internal/repository"
)

func TestCapture_PaidScenario(t *testing.T) {
	store := newMemStore()
	store.putBalance("o1", "500", "100")
	req := requested("r1", "o1", "150", "host@example.com")
	store.putRequest(req)

	gw := newStubGateway("b1", returns(model.BatchStatusPending), returns(model.BatchStatusSuccess))
	o, outcomes := newTestOrchestrator(t, store, store, gw)

	batchID, err := o.Capture(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "b1", batchID)

	out := waitOutcome(t, outcomes)
	require.NoError(t, out.Err)
	assert.Equal(t, model.RequestStatusPaid, out.Status)
	assert.Equal(t, 2, out.Polls)
	assert.Equal(t, 1, out.Reschedules)
	require.NotNil(t, out.Settlement)
	assert.Nil(t, out.Settlement.Mismatch, "verifier must report a match")

	stored := store.request("r1")
	assert.Equal(t, model.RequestStatusPaid, stored.Status)
	assert.Equal(t, "b1", stored.BatchID)
	assert.NotNil(t, stored.PaymentDate)

	balance, ok := store.balance("o1")
	require.True(t, ok)
	assert.True(t, balance.CurrentBalance.Equal(dec("350")), "current_balance = %s", balance.CurrentBalance)
	assert.True(t, balance.TotalPaid.Equal(dec("250")), "total_paid = %s", balance.TotalPaid)

	assert.False(t, o.InFlight("r1"))
}

func TestCapture_DeniedScenario(t *testing.T) {
	store := newMemStore()
	store.putBalance("o1", "500", "100")
	req := requested("r2", "o1", "150", "host@example.com")
	store.putRequest(req)

	gw := newStubGateway("b2", returns(model.BatchStatusDenied))
	o, outcomes := newTestOrchestrator(t, store, store, gw)

	_, err := o.Capture(context.Background(), req)
	require.NoError(t, err)

	out := waitOutcome(t, outcomes)
	var denied *PayoutDeniedError
	require.ErrorAs(t, out.Err, &denied)
	assert.ErrorIs(t, out.Err, ErrPayoutDenied)
	assert.Equal(t, "b2", denied.BatchID)
	assert.Equal(t, model.RequestStatusFailed, out.Status)

	assert.Equal(t, model.RequestStatusFailed, store.request("r2").Status)
	assert.False(t, o.InFlight("r2"))

	balance, _ := store.balance("o1")
	assert.True(t, balance.CurrentBalance.Equal(dec("500")))
	assert.True(t, balance.TotalPaid.Equal(dec("100")))

	_, _, updates := store.counters()
	assert.Zero(t, updates, "denied payout must not touch the balance")
}

func TestCapture_GatewayFailedStatus(t *testing.T) {
	store := newMemStore()
	store.putBalance("o1", "500", "100")
	req := requested("r1", "o1", "10", "host@example.com")
	store.putRequest(req)

	gw := newStubGateway("b1", returns(model.BatchStatusProcessing), returns(model.BatchStatusFailed))
	o, outcomes := newTestOrchestrator(t, store, store, gw)

	_, err := o.Capture(context.Background(), req)
	require.NoError(t, err)

	out := waitOutcome(t, outcomes)
	assert.ErrorIs(t, out.Err, ErrPayoutDenied)
	assert.Equal(t, model.RequestStatusFailed, store.request("r1").Status)
}

func TestCapture_InitiationFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "rejected", err: &gateway.RejectedError{StatusCode: 422, Message: "RECEIVER_UNREGISTERED"}},
		{name: "missing batch id", err: fmt.Errorf("%w: missing payout batch id", gateway.ErrMalformedResponse)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore()
			store.putBalance("o1", "500", "100")
			req := requested("r1", "o1", "150", "host@example.com")
			store.putRequest(req)

			gw := newStubGateway("b1")
			gw.createErr = tt.err
			o, _ := newTestOrchestrator(t, store, store, gw)

			_, err := o.Capture(context.Background(), req)

			var initErr *GatewayInitiationError
			require.ErrorAs(t, err, &initErr)
			assert.ErrorIs(t, err, ErrGatewayInitiation)
			assert.ErrorIs(t, err, tt.err)
			assert.Equal(t, model.RequestStatusFailed, store.request("r1").Status)
			assert.False(t, o.InFlight("r1"))

			_, status := gw.calls()
			assert.Zero(t, status, "no polling after failed initiation")
		})
	}
}

func TestCapture_InitiationOutcomeUnknown(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "deadline", err: context.DeadlineExceeded},
		{name: "connection reset", err: errors.New("read: connection reset by peer")},
		{name: "gateway unavailable", err: &gateway.UnavailableError{StatusCode: 503}},
		{name: "rate limited", err: &gateway.RateLimitError{RetryAfter: time.Second}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore()
			store.putBalance("o1", "500", "100")
			req := requested("r1", "o1", "150", "host@example.com")
			store.putRequest(req)

			gw := newStubGateway("b1", returns(model.BatchStatusSuccess))
			gw.failCreate(tt.err)
			o, outcomes := newTestOrchestrator(t, store, store, gw)

			_, err := o.Capture(context.Background(), req)
			require.ErrorIs(t, err, ErrInitiationUnconfirmed)
			assert.ErrorIs(t, err, tt.err)
			assert.NotErrorIs(t, err, ErrGatewayInitiation)
			assert.Equal(t, model.RequestStatusRequested, store.request("r1").Status)
			assert.False(t, o.InFlight("r1"))

			gw.failCreate(nil)
			batchID, err := o.Capture(context.Background(), req)
			require.NoError(t, err, "request stays capturable")
			assert.Equal(t, "b1", batchID)

			out := waitOutcome(t, outcomes)
			require.NoError(t, out.Err)
			assert.Equal(t, model.RequestStatusPaid, store.request("r1").Status)
		})
	}
}

func TestCapture_CallerCancellationDoesNotAbortInitiation(t *testing.T) {
	store := newMemStore()
	store.putBalance("o1", "500", "100")
	req := requested("r1", "o1", "150", "host@example.com")
	store.putRequest(req)

	gw := newStubGateway("b1", returns(model.BatchStatusPending))
	o, _ := newTestOrchestrator(t, store, store, gw, WithPollInterval(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	batchID, err := o.Capture(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "b1", batchID)

	gw.mu.Lock()
	assert.NoError(t, gw.createCtx, "gateway call must not see the caller's cancellation")
	gw.mu.Unlock()

	stored := store.request("r1")
	assert.Equal(t, model.RequestStatusCapturing, stored.Status)
	assert.Equal(t, "b1", stored.BatchID)
}

func TestCapture_Preconditions(t *testing.T) {
	tests := []struct {
		name string
		req  model.PayoutRequest
		want error
	}{
		{
			name: "paid",
			req:  model.PayoutRequest{ID: "r1", OwnerID: "o1", Amount: dec("10"), Destination: "a@b.c", Status: model.RequestStatusPaid},
			want: ErrTerminalRequest,
		},
		{
			name: "failed",
			req:  model.PayoutRequest{ID: "r1", OwnerID: "o1", Amount: dec("10"), Destination: "a@b.c", Status: model.RequestStatusFailed},
			want: ErrTerminalRequest,
		},
		{
			name: "capturing",
			req:  model.PayoutRequest{ID: "r1", OwnerID: "o1", Amount: dec("10"), Destination: "a@b.c", Status: model.RequestStatusCapturing},
			want: ErrAlreadyInFlight,
		},
		{
			name: "zero amount",
			req:  requested("r1", "o1", "0", "a@b.c"),
			want: ErrInvalidRequest,
		},
		{
			name: "empty destination",
			req:  requested("r1", "o1", "10", ""),
			want: ErrInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore()
			gw := newStubGateway("b1", returns(model.BatchStatusSuccess))
			o, _ := newTestOrchestrator(t, store, store, gw)

			_, err := o.Capture(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.want)

			create, _ := gw.calls()
			assert.Zero(t, create)
		})
	}
}

func TestCapture_RejectsSecondCaptureWhileInFlight(t *testing.T) {
	store := newMemStore()
	store.putBalance("o1", "500", "100")
	req := requested("r1", "o1", "150", "host@example.com")
	store.putRequest(req)

	gw := newStubGateway("b1", returns(model.BatchStatusPending))
	o, _ := newTestOrchestrator(t, store, store, gw, WithPollInterval(time.Hour))

	_, err := o.Capture(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, o.InFlight("r1"))

	_, err = o.Capture(context.Background(), req)
	assert.ErrorIs(t, err, ErrAlreadyInFlight)

	create, _ := gw.calls()
	assert.Equal(t, 1, create, "exactly one batch per capture")
}

func TestPoll_TwoReschedulesThenSingleReconcile(t *testing.T) {
	store := newMemStore()
	store.putBalance("o1", "500", "100")
	req := model.PayoutRequest{
		ID: "r1", OwnerID: "o1", Amount: dec("150"), Destination: "host@example.com",
		Status: model.RequestStatusCapturing, BatchID: "b1",
	}
	store.putRequest(req)

	gw := newStubGateway("b1",
		returns(model.BatchStatusPending),
		returns(model.BatchStatusProcessing),
		returns(model.BatchStatusSuccess),
	)
	o, _ := newTestOrchestrator(t, store, store, gw)

	out := o.Poll(context.Background(), "b1", req)
	require.NoError(t, out.Err)
	assert.Equal(t, 3, out.Polls)
	assert.Equal(t, 2, out.Reschedules)

	_, _, updates := store.counters()
	assert.Equal(t, 1, updates, "exactly one reconcile")
}

func TestPoll_TransientErrorsKeepPolling(t *testing.T) {
	store := newMemStore()
	store.putBalance("o1", "500", "100")
	req := model.PayoutRequest{
		ID: "r1", OwnerID: "o1", Amount: dec("50"), Destination: "host@example.com",
		Status: model.RequestStatusCapturing, BatchID: "b1",
	}
	store.putRequest(req)

	gw := newStubGateway("b1",
		failsWith(errors.New("connection reset by peer")),
		failsWith(&gateway.RateLimitError{}),
		returns(model.BatchStatusSuccess),
	)
	o, _ := newTestOrchestrator(t, store, store, gw)

	out := o.Poll(context.Background(), "b1", req)
	require.NoError(t, out.Err)
	assert.Equal(t, model.RequestStatusPaid, out.Status)
	assert.Equal(t, 3, out.Polls)
}

func TestPoll_UnknownStatus(t *testing.T) {
	newFixture := func() (*memStore, model.PayoutRequest) {
		store := newMemStore()
		store.putBalance("o1", "500", "100")
		req := model.PayoutRequest{
			ID: "r1", OwnerID: "o1", Amount: dec("50"), Destination: "host@example.com",
			Status: model.RequestStatusCapturing, BatchID: "b1",
		}
		store.putRequest(req)
		return store, req
	}

	t.Run("retried by default", func(t *testing.T) {
		store, req := newFixture()
		gw := newStubGateway("b1", returns("ON_HOLD"), returns(model.BatchStatusSuccess))
		o, _ := newTestOrchestrator(t, store, store, gw)

		out := o.Poll(context.Background(), "b1", req)
		require.NoError(t, out.Err)
		assert.Equal(t, model.RequestStatusPaid, out.Status)
	})

	t.Run("stops when retry disabled", func(t *testing.T) {
		store, req := newFixture()
		gw := newStubGateway("b1", returns("ON_HOLD"), returns(model.BatchStatusSuccess))
		o, _ := newTestOrchestrator(t, store, store, gw, WithRetryUnknown(false))

		out := o.Poll(context.Background(), "b1", req)
		assert.ErrorIs(t, out.Err, ErrUnrecognizedStatus)
		assert.Equal(t, model.RequestStatusCapturing, out.Status)
		assert.Equal(t, model.RequestStatusCapturing, store.request("r1").Status)
		assert.False(t, o.InFlight("r1"))
	})

	t.Run("allow-list controls transient statuses", func(t *testing.T) {
		store, req := newFixture()
		gw := newStubGateway("b1", returns(model.BatchStatusCreated), returns(model.BatchStatusSuccess))
		o, _ := newTestOrchestrator(t, store, store, gw,
			WithRetryUnknown(false),
			WithTransientStatuses([]string{"pending", "processing"}),
		)

		out := o.Poll(context.Background(), "b1", req)
		assert.ErrorIs(t, out.Err, ErrUnrecognizedStatus)
	})
}

func TestPoll_MaxAttemptsTimesOutThenResumes(t *testing.T) {
	store := newMemStore()
	store.putBalance("o1", "500", "100")
	req := requested("r1", "o1", "150", "host@example.com")
	store.putRequest(req)

	gw := newStubGateway("b1", returns(model.BatchStatusPending))
	o, outcomes := newTestOrchestrator(t, store, store, gw, WithMaxAttempts(3))

	_, err := o.Capture(context.Background(), req)
	require.NoError(t, err)

	out := waitOutcome(t, outcomes)
	assert.ErrorIs(t, out.Err, ErrPollTimeout)
	assert.Equal(t, model.RequestStatusTimedOut, out.Status)
	assert.Equal(t, 3, out.Polls)
	assert.Equal(t, 2, out.Reschedules)
	assert.Equal(t, model.RequestStatusTimedOut, store.request("r1").Status)
	assert.False(t, o.InFlight("r1"))

	gw.script("b1", returns(model.BatchStatusSuccess))
	require.NoError(t, o.Resume(context.Background(), "r1"))

	out = waitOutcome(t, outcomes)
	require.NoError(t, out.Err)
	assert.Equal(t, model.RequestStatusPaid, store.request("r1").Status)

	balance, _ := store.balance("o1")
	assert.True(t, balance.TotalPaid.Equal(dec("250")))
}

func TestPoll_DeadlineTimesOut(t *testing.T) {
	store := newMemStore()
	req := model.PayoutRequest{
		ID: "r1", OwnerID: "o1", Amount: dec("1"), Destination: "acc-1",
		Status: model.RequestStatusCapturing, BatchID: "b1",
	}
	store.putRequest(req)

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		now = now.Add(time.Minute)
		return now
	}

	gw := newStubGateway("b1", returns(model.BatchStatusPending))
	o, _ := newTestOrchestrator(t, store, store, gw, WithClock(clock), WithDeadline(3*time.Minute))

	out := o.Poll(context.Background(), "b1", req)
	assert.ErrorIs(t, out.Err, ErrPollTimeout)
	assert.Equal(t, model.RequestStatusTimedOut, store.request("r1").Status)
}

func TestResume_Rejections(t *testing.T) {
	store := newMemStore()
	store.putRequest(model.PayoutRequest{ID: "paid", OwnerID: "o1", Amount: dec("1"), Status: model.RequestStatusPaid, BatchID: "b1"})
	store.putRequest(model.PayoutRequest{ID: "nobatch", OwnerID: "o1", Amount: dec("1"), Status: model.RequestStatusCapturing})
	store.putRequest(model.PayoutRequest{ID: "fresh", OwnerID: "o1", Amount: dec("1"), Status: model.RequestStatusRequested})

	o, _ := newTestOrchestrator(t, store, store, newStubGateway("b1"))

	assert.ErrorIs(t, o.Resume(context.Background(), "paid"), ErrTerminalRequest)
	assert.ErrorIs(t, o.Resume(context.Background(), "nobatch"), ErrNotResumable)
	assert.ErrorIs(t, o.Resume(context.Background(), "fresh"), ErrNotResumable)
	assert.Error(t, o.Resume(context.Background(), "missing"))
}

func TestResumePending(t *testing.T) {
	store := newMemStore()
	store.putBalance("o1", "500", "100")
	store.putRequest(model.PayoutRequest{ID: "r1", OwnerID: "o1", Amount: dec("100"), Destination: "a@b.c", Status: model.RequestStatusCapturing, BatchID: "b1"})
	store.putRequest(model.PayoutRequest{ID: "r2", OwnerID: "o1", Amount: dec("100"), Destination: "a@b.c", Status: model.RequestStatusRequested})
	store.putRequest(model.PayoutRequest{ID: "r3", OwnerID: "o1", Amount: dec("100"), Destination: "a@b.c", Status: model.RequestStatusPaid, BatchID: "b0"})

	gw := newStubGateway("b1", returns(model.BatchStatusSuccess))
	o, outcomes := newTestOrchestrator(t, store, store, gw)

	n, err := o.ResumePending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	out := waitOutcome(t, outcomes)
	require.NoError(t, out.Err)
	assert.Equal(t, "r1", out.RequestID)
	assert.Equal(t, model.RequestStatusPaid, store.request("r1").Status)
	assert.Equal(t, model.RequestStatusRequested, store.request("r2").Status)
}

func TestResumePending_DebitedOnlyMarkedPaid(t *testing.T) {
	store := newMemStore()
	store.putBalance("o1", "350", "250")
	store.putRequest(model.PayoutRequest{ID: "r1", OwnerID: "o1", Amount: dec("150"), Destination: "a@b.c", Status: model.RequestStatusDebited, BatchID: "b1"})

	gw := newStubGateway("b1", returns(model.BatchStatusSuccess))
	o, outcomes := newTestOrchestrator(t, store, store, gw)

	n, err := o.ResumePending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	out := waitOutcome(t, outcomes)
	require.NoError(t, out.Err)
	assert.Equal(t, model.RequestStatusPaid, out.Status)
	assert.Equal(t, model.RequestStatusPaid, store.request("r1").Status)

	balance, _ := store.balance("o1")
	assert.True(t, balance.CurrentBalance.Equal(dec("350")))
	assert.True(t, balance.TotalPaid.Equal(dec("250")))

	_, status := gw.calls()
	assert.Zero(t, status)
}

func TestTerminalRequestIsIdempotent(t *testing.T) {
	store := newMemStore()
	store.putBalance("o1", "500", "100")
	req := requested("r1", "o1", "150", "host@example.com")
	store.putRequest(req)

	gw := newStubGateway("b1", returns(model.BatchStatusSuccess))
	o, outcomes := newTestOrchestrator(t, store, store, gw)

	_, err := o.Capture(context.Background(), req)
	require.NoError(t, err)
	out := waitOutcome(t, outcomes)
	require.NoError(t, out.Err)

	_, err = o.Capture(context.Background(), req)
	assert.ErrorIs(t, err, ErrTerminalRequest, "stale REQUESTED copy must not start a second batch")

	paid := store.request("r1")
	_, err = o.Capture(context.Background(), paid)
	assert.ErrorIs(t, err, ErrTerminalRequest)

	again := o.Poll(context.Background(), "b1", req)
	assert.ErrorIs(t, again.Err, ErrTerminalRequest)

	_, err = o.Reconcile(context.Background(), req)
	assert.ErrorIs(t, err, ErrTerminalRequest)

	fresh, _ := newTestOrchestrator(t, store, store, gw)
	_, err = fresh.Reconcile(context.Background(), req)
	assert.ErrorIs(t, err, ErrTerminalRequest, "stored PAID status guards a restarted orchestrator")

	balance, _ := store.balance("o1")
	assert.True(t, balance.CurrentBalance.Equal(dec("350")))
	assert.True(t, balance.TotalPaid.Equal(dec("250")))

	create, _ := gw.calls()
	assert.Equal(t, 1, create)
}

func TestClose_AbandonsPolling(t *testing.T) {
	store := newMemStore()
	store.putBalance("o1", "500", "100")
	req := requested("r1", "o1", "150", "host@example.com")
	store.putRequest(req)

	gw := newStubGateway("b1", returns(model.BatchStatusPending))
	o, outcomes := newTestOrchestrator(t, store, store, gw, WithPollInterval(time.Hour))

	_, err := o.Capture(context.Background(), req)
	require.NoError(t, err)

	require.NoError(t, o.Close())

	out := waitOutcome(t, outcomes)
	assert.ErrorIs(t, out.Err, context.Canceled)
	assert.Equal(t, model.RequestStatusCapturing, store.request("r1").Status)
	assert.False(t, o.InFlight("r1"))
}

func TestMetrics_RecordCaptureAndSettlement(t *testing.T) {
	store := newMemStore()
	store.putBalance("o1", "500", "100")
	req := requested("r1", "o1", "150", "host@example.com")
	store.putRequest(req)

	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	gw := newStubGateway("b1", returns(model.BatchStatusPending), returns(model.BatchStatusSuccess))
	o, outcomes := newTestOrchestrator(t, store, store, gw, WithMetrics(metrics))

	_, err := o.Capture(context.Background(), req)
	require.NoError(t, err)
	waitOutcome(t, outcomes)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.captures.WithLabelValues("initiated")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.settlements.WithLabelValues("paid")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.pollAttempts))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.inFlight))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.anomalies.WithLabelValues("balance_mismatch")))
}

func TestCaptureByID(t *testing.T) {
	store := newMemStore()
	store.putBalance("o1", "500", "100")
	store.putRequest(requested("r1", "o1", "150", "host@example.com"))

	gw := newStubGateway("b1", returns(model.BatchStatusSuccess))
	o, outcomes := newTestOrchestrator(t, store, store, gw)

	batchID, err := o.CaptureByID(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, "b1", batchID)
	waitOutcome(t, outcomes)

	_, err = o.CaptureByID(context.Background(), "r1")
	assert.ErrorIs(t, err, ErrTerminalRequest)

	_, err = o.CaptureByID(context.Background(), "missing")
	assert.ErrorIs(t, err, repository.ErrRequestNotFound)
}
