// Package sweeper runs the background passes over stale reservations:
// a frequent expiry sweep and a low-frequency purge of expired unpaid orders.
// Both are fire-and-forget: failures are logged and retried next tick.
package sweeper

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"

	kafkax "github.com/ariefcatur/go-shop-orders/internal/kafka"
	"github.com/ariefcatur/go-shop-orders/internal/orders"
)

type OrderStore interface {
	ListExpired(ctx context.Context, now time.Time, limit int) ([]string, error)
	MarkExpired(ctx context.Context, orderID string, now time.Time) (bool, error)
	Get(ctx context.Context, orderID string) (*orders.Order, error)
	PurgeExpired(ctx context.Context) (int64, error)
}

type Ledger interface {
	ReleaseAll(ctx context.Context, orderID string) (bool, error)
}

type Publisher interface {
	Publish(key, value []byte, headers ...kafkago.Header)
}

type Sweeper struct {
	Orders   OrderStore
	Ledger   Ledger
	Producer Publisher // order.status.changed
	Service  string

	SweepInterval time.Duration
	PurgeInterval time.Duration
	BatchSize     int

	Now func() time.Time
}

func (s *Sweeper) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Sweeper) Run(ctx context.Context) {
	sweepEvery := s.SweepInterval
	if sweepEvery <= 0 {
		sweepEvery = 45 * time.Second
	}
	purgeEvery := s.PurgeInterval
	if purgeEvery <= 0 {
		purgeEvery = 7 * 24 * time.Hour
	}
	sweep := time.NewTicker(sweepEvery)
	purge := time.NewTicker(purgeEvery)
	defer sweep.Stop()
	defer purge.Stop()

	log.Printf("sweeper started: sweep=%s purge=%s", sweepEvery, purgeEvery)
	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			s.SweepOnce(ctx)
		case <-purge.C:
			s.PurgeOnce(ctx)
		}
	}
}

// SweepOnce expires every PENDING order whose deadline has passed. The
// conditional MarkExpired claims the order; only the winning claim releases
// stock, so two concurrent sweeps release exactly once. One bad row never
// halts the rest.
func (s *Sweeper) SweepOnce(ctx context.Context) (expired int) {
	now := s.now()
	limit := s.BatchSize
	if limit <= 0 {
		limit = 500
	}
	ids, err := s.Orders.ListExpired(ctx, now, limit)
	if err != nil {
		log.Printf("sweep: list expired: %v", err)
		return 0
	}

	for _, id := range ids {
		applied, err := s.Orders.MarkExpired(ctx, id, now)
		if err != nil {
			log.Printf("sweep order %s: %v", id, err)
			continue
		}
		if !applied {
			// moved on between read and write (paid or cancelled); not ours
			continue
		}
		if _, err := s.Ledger.ReleaseAll(ctx, id); err != nil {
			log.Printf("sweep order %s: release: %v", id, err)
			continue
		}
		s.emitExpired(ctx, id, now)
		expired++
	}
	if expired > 0 {
		log.Printf("sweep: expired %d order(s)", expired)
	}
	return expired
}

// PurgeOnce enforces retention: expired orders without a completed payment
// are deleted for good.
func (s *Sweeper) PurgeOnce(ctx context.Context) {
	n, err := s.Orders.PurgeExpired(ctx)
	if err != nil {
		log.Printf("purge: %v", err)
		return
	}
	if n > 0 {
		log.Printf("purge: removed %d expired unpaid order(s)", n)
	}
}

func (s *Sweeper) emitExpired(ctx context.Context, orderID string, at time.Time) {
	if s.Producer == nil {
		return
	}
	payload := orders.OrderStatusChangedPayload{
		OrderID: orderID,
		From:    orders.StatusPending,
		To:      orders.StatusExpired,
		At:      at,
	}
	if o, err := s.Orders.Get(ctx, orderID); err == nil {
		payload.TrackingNumber = o.TrackingNumber
		payload.Email = o.Email
	}
	ev := orders.Envelope{
		EventID:       uuid.NewString(),
		EventType:     orders.EventOrderStatusChanged,
		EventVersion:  1,
		OccurredAt:    at.UTC(),
		Producer:      s.Service,
		CorrelationID: orderID,
		Payload:       kafkax.MustMarshal(payload),
	}
	s.Producer.Publish(orders.PartitionKey(orderID), kafkax.MustMarshal(ev),
		kafkago.Header{Key: "x-event-type", Value: []byte(orders.EventOrderStatusChanged)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
}
