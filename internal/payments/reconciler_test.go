package payments

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kafkax "github.com/ariefcatur/go-shop-orders/internal/kafka"
	"github.com/ariefcatur/go-shop-orders/internal/orders"
)

var testNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

type fakeStore struct {
	payment  *Payment
	setOK    bool
	setCalls []Status
	failures int // SetStatus errors this many times before working
	refunded string
	refundOK bool
}

func (f *fakeStore) Get(context.Context, string) (*Payment, error) {
	if f.payment == nil {
		return nil, ErrNotFound
	}
	cp := *f.payment
	return &cp, nil
}

func (f *fakeStore) SetStatus(_ context.Context, _ string, from, to Status, _, _ string) (bool, error) {
	if f.failures > 0 {
		f.failures--
		return false, errors.New("connection reset by peer")
	}
	f.setCalls = append(f.setCalls, to)
	if f.setOK {
		f.payment.Status = to
	}
	return f.setOK, nil
}

func (f *fakeStore) MarkRefunded(_ context.Context, _, refundRef string) (bool, error) {
	f.refunded = refundRef
	return f.refundOK, nil
}

type fakeOrders struct {
	order     *orders.Order
	moved     bool
	markCalls int
}

func (f *fakeOrders) Get(context.Context, string) (*orders.Order, error) {
	if f.order == nil {
		return nil, orders.ErrNotFound
	}
	cp := *f.order
	return &cp, nil
}

func (f *fakeOrders) MarkProcessing(context.Context, string, time.Time) (bool, error) {
	f.markCalls++
	if f.moved {
		f.order.Status = orders.StatusProcessing
	}
	return f.moved, nil
}

type fakeLedger struct {
	commits int
	ok      bool
	err     error
}

func (f *fakeLedger) CommitAll(context.Context, string) (bool, error) {
	f.commits++
	return f.ok, f.err
}

type fakeProvider struct {
	refundRef string
	err       error
}

func (f fakeProvider) CreateIntent(context.Context, int64, string, string) (string, error) {
	return "pi_test", f.err
}

func (f fakeProvider) Refund(context.Context, string, int64) (string, error) {
	return f.refundRef, f.err
}

type fakePublisher struct {
	msgs [][]byte
}

func (f *fakePublisher) Publish(_, value []byte, _ ...kafkago.Header) {
	f.msgs = append(f.msgs, value)
}

func newReconciler(ps *fakeStore, os *fakeOrders, lg *fakeLedger, prov fakeProvider) (*Reconciler, *fakePublisher) {
	pub := &fakePublisher{}
	return &Reconciler{
		Payments: ps,
		Orders:   os,
		Ledger:   lg,
		Provider: prov,
		Producer: pub,
		Service:  "worker-test",
		Now:      func() time.Time { return testNow },
	}, pub
}

func approvedResult() orders.PaymentResultPayload {
	return orders.PaymentResultPayload{
		PaymentID:   "pay1",
		OrderID:     "o1",
		Result:      string(StatusApproved),
		ProviderRef: "pi_test",
	}
}

func TestApplyApproved(t *testing.T) {
	ps := &fakeStore{payment: &Payment{ID: "pay1", OrderID: "o1", Status: StatusPending}, setOK: true}
	exp := testNow.Add(5 * time.Minute)
	os := &fakeOrders{order: &orders.Order{ID: "o1", Status: orders.StatusPending, ReservationExpiresAt: &exp}, moved: true}
	lg := &fakeLedger{ok: true}
	rc, pub := newReconciler(ps, os, lg, fakeProvider{})

	require.NoError(t, rc.Apply(context.Background(), approvedResult()))

	assert.Equal(t, StatusApproved, ps.payment.Status)
	assert.Equal(t, orders.StatusProcessing, os.order.Status)
	assert.Equal(t, 1, lg.commits)
	assert.Len(t, pub.msgs, 1)
}

func TestApplyApprovedAfterExpiry(t *testing.T) {
	ps := &fakeStore{payment: &Payment{ID: "pay1", OrderID: "o1", Status: StatusPending}, setOK: true}
	os := &fakeOrders{order: &orders.Order{ID: "o1", Status: orders.StatusExpired}, moved: false}
	lg := &fakeLedger{ok: true}
	rc, pub := newReconciler(ps, os, lg, fakeProvider{})

	// the sweeper won: the handler must not commit already-released stock,
	// and must not fail the message either (nothing will change on redelivery)
	require.NoError(t, rc.Apply(context.Background(), approvedResult()))

	assert.Zero(t, lg.commits)
	assert.Empty(t, pub.msgs)
	assert.Equal(t, orders.StatusExpired, os.order.Status)
}

func TestApplyApprovedRedelivery(t *testing.T) {
	// a crash between MarkProcessing and CommitAll leaves the order PROCESSING
	// with reservations still RESERVED; the redelivered event finishes the job
	ps := &fakeStore{payment: &Payment{ID: "pay1", OrderID: "o1", Status: StatusApproved}, setOK: false}
	os := &fakeOrders{order: &orders.Order{ID: "o1", Status: orders.StatusProcessing}, moved: false}
	lg := &fakeLedger{ok: true}
	rc, pub := newReconciler(ps, os, lg, fakeProvider{})

	require.NoError(t, rc.Apply(context.Background(), approvedResult()))

	assert.Equal(t, 1, lg.commits)
	// the PENDING -> PROCESSING event went out on the first delivery
	assert.Empty(t, pub.msgs)
}

func TestApplyRejectedKeepsOrderPending(t *testing.T) {
	ps := &fakeStore{payment: &Payment{ID: "pay1", OrderID: "o1", Status: StatusPending}, setOK: true}
	exp := testNow.Add(5 * time.Minute)
	os := &fakeOrders{order: &orders.Order{ID: "o1", Status: orders.StatusPending, ReservationExpiresAt: &exp}}
	lg := &fakeLedger{}
	rc, pub := newReconciler(ps, os, lg, fakeProvider{})

	res := approvedResult()
	res.Result = string(StatusRejected)
	res.Reason = "card_declined"
	require.NoError(t, rc.Apply(context.Background(), res))

	assert.Equal(t, StatusRejected, ps.payment.Status)
	// the order keeps its reservation so the shopper can retry
	assert.Equal(t, orders.StatusPending, os.order.Status)
	assert.Zero(t, os.markCalls)
	assert.Zero(t, lg.commits)
	assert.Empty(t, pub.msgs)
}

func TestApplyUnknownResultDropped(t *testing.T) {
	ps := &fakeStore{payment: &Payment{ID: "pay1", Status: StatusPending}}
	rc, _ := newReconciler(ps, &fakeOrders{}, &fakeLedger{}, fakeProvider{})

	res := approvedResult()
	res.Result = "MAYBE"
	require.NoError(t, rc.Apply(context.Background(), res))
	assert.Empty(t, ps.setCalls)
}

func TestRefund(t *testing.T) {
	t.Run("approved and cancelled", func(t *testing.T) {
		ps := &fakeStore{
			payment:  &Payment{ID: "pay1", OrderID: "o1", Status: StatusApproved, ProviderRef: "pi_test", AmountCents: 2499},
			refundOK: true,
		}
		os := &fakeOrders{order: &orders.Order{ID: "o1", Status: orders.StatusCancelled}}
		rc, _ := newReconciler(ps, os, &fakeLedger{}, fakeProvider{refundRef: "re_1"})

		p, err := rc.Refund(context.Background(), "pay1")
		require.NoError(t, err)
		assert.Equal(t, StatusRefunded, p.Status)
		assert.Equal(t, "re_1", p.RefundRef)
		assert.Equal(t, "re_1", ps.refunded)
	})

	t.Run("payment not approved", func(t *testing.T) {
		ps := &fakeStore{payment: &Payment{ID: "pay1", OrderID: "o1", Status: StatusPending}}
		os := &fakeOrders{order: &orders.Order{ID: "o1", Status: orders.StatusCancelled}}
		rc, _ := newReconciler(ps, os, &fakeLedger{}, fakeProvider{})

		_, err := rc.Refund(context.Background(), "pay1")
		var rna *RefundNotAllowedError
		require.ErrorAs(t, err, &rna)
		assert.Equal(t, ReasonPaymentNotApproved, rna.Reason)
	})

	t.Run("order not cancelled", func(t *testing.T) {
		ps := &fakeStore{payment: &Payment{ID: "pay1", OrderID: "o1", Status: StatusApproved}}
		os := &fakeOrders{order: &orders.Order{ID: "o1", Status: orders.StatusProcessing}}
		rc, _ := newReconciler(ps, os, &fakeLedger{}, fakeProvider{})

		_, err := rc.Refund(context.Background(), "pay1")
		var rna *RefundNotAllowedError
		require.ErrorAs(t, err, &rna)
		assert.Equal(t, ReasonOrderNotCancelled, rna.Reason)
	})

	t.Run("provider failure leaves payment untouched", func(t *testing.T) {
		ps := &fakeStore{payment: &Payment{ID: "pay1", OrderID: "o1", Status: StatusApproved}}
		os := &fakeOrders{order: &orders.Order{ID: "o1", Status: orders.StatusCancelled}}
		rc, _ := newReconciler(ps, os, &fakeLedger{}, fakeProvider{err: errors.New("stripe down")})

		_, err := rc.Refund(context.Background(), "pay1")
		require.Error(t, err)
		assert.Empty(t, ps.refunded)
		assert.Equal(t, StatusApproved, ps.payment.Status)
	})
}

func resultMessage(eventID string, p orders.PaymentResultPayload) kafkago.Message {
	ev := orders.Envelope{
		EventID:      eventID,
		EventType:    orders.EventPaymentResult,
		EventVersion: 1,
		OccurredAt:   testNow,
		Producer:     "webhook-test",
		Payload:      kafkax.MustMarshal(p),
	}
	return kafkago.Message{Value: kafkax.MustMarshal(ev)}
}

// A transient DB failure during Apply must leave the event undeduplicated:
// the uncommitted offset redelivers it and the retry lands the approval.
func TestHandleResultRetriesTransientFailure(t *testing.T) {
	ps := &fakeStore{payment: &Payment{ID: "pay1", OrderID: "o1", Status: StatusPending}, setOK: true, failures: 1}
	exp := testNow.Add(5 * time.Minute)
	os := &fakeOrders{order: &orders.Order{ID: "o1", Status: orders.StatusPending, ReservationExpiresAt: &exp}, moved: true}
	lg := &fakeLedger{ok: true}
	rc, pub := newReconciler(ps, os, lg, fakeProvider{})

	mr := miniredis.RunT(t)
	rc.Redis = redis.NewClient(&redis.Options{Addr: mr.Addr()})

	m := resultMessage("ev-1", approvedResult())

	require.Error(t, rc.HandleResult(context.Background(), m))
	assert.Equal(t, StatusPending, ps.payment.Status)
	assert.Zero(t, lg.commits)

	// redelivery of the identical message applies for real
	require.NoError(t, rc.HandleResult(context.Background(), m))
	assert.Equal(t, StatusApproved, ps.payment.Status)
	assert.Equal(t, orders.StatusProcessing, os.order.Status)
	assert.Equal(t, 1, lg.commits)
	assert.Len(t, pub.msgs, 1)

	// and only now is the event a dedup no-op
	require.NoError(t, rc.HandleResult(context.Background(), m))
	assert.Equal(t, 1, lg.commits)
	assert.Len(t, pub.msgs, 1)
}

func TestHandleResultIgnoresOtherEvents(t *testing.T) {
	ps := &fakeStore{payment: &Payment{ID: "pay1", Status: StatusPending}}
	rc, _ := newReconciler(ps, &fakeOrders{}, &fakeLedger{}, fakeProvider{})

	mr := miniredis.RunT(t)
	rc.Redis = redis.NewClient(&redis.Options{Addr: mr.Addr()})

	ev := orders.Envelope{EventID: "ev-2", EventType: orders.EventOrderCreated, EventVersion: 1}
	m := kafkago.Message{Value: kafkax.MustMarshal(ev)}
	require.NoError(t, rc.HandleResult(context.Background(), m))
	assert.Empty(t, ps.setCalls)
}

func TestTerminal(t *testing.T) {
	// REJECTED is not terminal: the shopper may retry until the reservation
	// expires. APPROVED is not terminal either, a refund can still follow.
	for _, s := range []Status{StatusPending, StatusApproved, StatusRejected} {
		assert.Falsef(t, Terminal(s), "%s", s)
	}
	for _, s := range []Status{StatusCancelled, StatusRefunded, StatusExpired} {
		assert.Truef(t, Terminal(s), "%s", s)
	}
}
