package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"

	kafkax "github.com/ariefcatur/go-shop-orders/internal/kafka"
	"github.com/ariefcatur/go-shop-orders/internal/orders"
	"github.com/ariefcatur/go-shop-orders/internal/redisx"
)

type Store interface {
	Get(ctx context.Context, id string) (*Payment, error)
	SetStatus(ctx context.Context, id string, from, to Status, providerRef, reason string) (bool, error)
	MarkRefunded(ctx context.Context, id, refundRef string) (bool, error)
}

type OrderStore interface {
	Get(ctx context.Context, orderID string) (*orders.Order, error)
	MarkProcessing(ctx context.Context, orderID string, now time.Time) (bool, error)
}

type Ledger interface {
	CommitAll(ctx context.Context, orderID string) (bool, error)
}

type Publisher interface {
	Publish(key, value []byte, headers ...kafkago.Header)
}

// Reconciler is the only writer of payment status. It applies provider
// outcomes to payments and drives the PENDING -> PROCESSING order step.
type Reconciler struct {
	Payments Store
	Orders   OrderStore
	Ledger   Ledger
	Provider Provider
	Producer Publisher // order.status.changed
	Redis    *redis.Client
	Service  string
	Now      func() time.Time
}

func (rc *Reconciler) now() time.Time {
	if rc.Now != nil {
		return rc.Now()
	}
	return time.Now()
}

// HandleResult is the payment.result consumer handler.
func (rc *Reconciler) HandleResult(ctx context.Context, m kafkago.Message) error {
	var env orders.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		return err
	}
	if env.EventType != orders.EventPaymentResult {
		return nil
	} // ignore

	// dedup via Redis (by event_id)
	dkey := fmt.Sprintf(redisx.KeyDedup, "reconciler", env.EventID)
	exists, _ := redisx.Exists(ctx, rc.Redis, dkey)
	if exists {
		return nil
	}

	p, err := kafkax.UnwrapPayload[orders.PaymentResultPayload](env.Payload)
	if err != nil {
		return err
	}
	if err := rc.Apply(ctx, p); err != nil {
		// no dedup mark: the uncommitted offset redelivers and Apply retries
		return err
	}
	_ = rc.Redis.Set(ctx, dkey, "1", redisx.TTLDedup).Err()
	return nil
}

// Apply is idempotent: every write is a status CAS and the ledger treats a
// second commit as a no-op, so redelivered outcomes are harmless.
func (rc *Reconciler) Apply(ctx context.Context, res orders.PaymentResultPayload) error {
	switch res.Result {
	case string(StatusApproved):
		return rc.applyApproved(ctx, res)
	case string(StatusRejected), string(StatusCancelled):
		// order stays PENDING: retry is allowed until the reservation expires
		applied, err := rc.Payments.SetStatus(ctx, res.PaymentID, StatusPending, Status(res.Result), res.ProviderRef, res.Reason)
		if err != nil {
			return err
		}
		if !applied {
			log.Printf("payment %s: %s outcome ignored, not PENDING anymore", res.PaymentID, res.Result)
		}
		return nil
	default:
		log.Printf("payment %s: unknown provider result %q, dropping", res.PaymentID, res.Result)
		return nil
	}
}

func (rc *Reconciler) applyApproved(ctx context.Context, res orders.PaymentResultPayload) error {
	applied, err := rc.Payments.SetStatus(ctx, res.PaymentID, StatusPending, StatusApproved, res.ProviderRef, "")
	if err != nil {
		return err
	}
	if !applied {
		log.Printf("payment %s: approval redelivered, payment already settled", res.PaymentID)
	}

	moved, err := rc.Orders.MarkProcessing(ctx, res.OrderID, rc.now())
	if err != nil {
		return err
	}
	if !moved {
		o, err := rc.Orders.Get(ctx, res.OrderID)
		if err != nil {
			return err
		}
		if o.Status != orders.StatusProcessing {
			// the sweeper won the race; approval cannot revive the order.
			// admin path out: EXPIRED -> CANCELLED, then refund.
			log.Printf("payment %s approved but order %s is %s: %v",
				res.PaymentID, res.OrderID, o.Status, orders.ErrReservationExpired)
			return nil
		}
		// already PROCESSING: we crashed after the transition, finish the ledger step
	}

	committed, err := rc.Ledger.CommitAll(ctx, res.OrderID)
	if err != nil {
		return err
	}
	if moved {
		o, err := rc.Orders.Get(ctx, res.OrderID)
		if err != nil {
			return err
		}
		rc.emitStatus(o, orders.StatusPending, orders.StatusProcessing)
	} else if committed {
		log.Printf("order %s: recovered pending ledger commit", res.OrderID)
	}
	return nil
}

// Refund checks the cross-entity precondition explicitly instead of trusting
// the caller: payment APPROVED and order CANCELLED, nothing else qualifies.
func (rc *Reconciler) Refund(ctx context.Context, paymentID string) (*Payment, error) {
	p, err := rc.Payments.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusApproved {
		return nil, &RefundNotAllowedError{Reason: ReasonPaymentNotApproved}
	}
	o, err := rc.Orders.Get(ctx, p.OrderID)
	if err != nil {
		return nil, err
	}
	if o.Status != orders.StatusCancelled {
		return nil, &RefundNotAllowedError{Reason: ReasonOrderNotCancelled}
	}

	refundRef, err := rc.Provider.Refund(ctx, p.ProviderRef, p.AmountCents)
	if err != nil {
		return nil, fmt.Errorf("provider refund: %w", err)
	}
	applied, err := rc.Payments.MarkRefunded(ctx, paymentID, refundRef)
	if err != nil {
		return nil, err
	}
	if !applied {
		log.Printf("payment %s: refund raced another writer", paymentID)
	}
	p.Status = StatusRefunded
	p.RefundRef = refundRef
	return p, nil
}

func (rc *Reconciler) emitStatus(o *orders.Order, from, to orders.Status) {
	if rc.Producer == nil {
		return
	}
	at := rc.now()
	ev := orders.Envelope{
		EventID:       uuid.NewString(),
		EventType:     orders.EventOrderStatusChanged,
		EventVersion:  1,
		OccurredAt:    at.UTC(),
		Producer:      rc.Service,
		CorrelationID: o.ID,
		Payload: kafkax.MustMarshal(orders.OrderStatusChangedPayload{
			OrderID:        o.ID,
			TrackingNumber: o.TrackingNumber,
			Email:          o.Email,
			From:           from,
			To:             to,
			At:             at,
		}),
	}
	rc.Producer.Publish(orders.PartitionKey(o.ID), kafkax.MustMarshal(ev),
		kafkago.Header{Key: "x-event-type", Value: []byte(orders.EventOrderStatusChanged)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
}
