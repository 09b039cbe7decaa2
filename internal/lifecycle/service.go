// Package lifecycle composes the order repo, stock ledger, state machine,
// payment provider and event producers behind the checkout / cancel / admin
// use cases. HTTP handlers stay thin on top of it.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/ariefcatur/go-shop-orders/internal/catalog"
	kafkax "github.com/ariefcatur/go-shop-orders/internal/kafka"
	"github.com/ariefcatur/go-shop-orders/internal/orders"
	"github.com/ariefcatur/go-shop-orders/internal/payments"
	"github.com/ariefcatur/go-shop-orders/internal/redisx"
)

type OrderStore interface {
	CreateCheckoutTx(ctx context.Context, externalID, userID, email string, items []orders.CheckoutItem, shippingCents int64, now time.Time, ttl time.Duration) (*orders.Order, bool, error)
	Get(ctx context.Context, orderID string) (*orders.Order, error)
	GetByTracking(ctx context.Context, trackingNumber string) (*orders.Order, error)
	GetStatus(ctx context.Context, orderID string) (orders.Status, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]orders.Order, error)
	UpdateStatusCAS(ctx context.Context, orderID string, from, to orders.Status, deliveredAt *time.Time, now time.Time) (bool, error)
	SetArchived(ctx context.Context, orderID string, archived bool, now time.Time) (bool, error)
	ListProducts(ctx context.Context) ([]orders.Product, error)
}

type Ledger interface {
	ReleaseAll(ctx context.Context, orderID string) (bool, error)
}

type PaymentStore interface {
	Create(ctx context.Context, p *payments.Payment) error
}

type Publisher interface {
	Publish(key, value []byte, headers ...kafkago.Header)
}

type Service struct {
	Orders   OrderStore
	Ledger   Ledger
	Payments PaymentStore
	Provider payments.Provider

	PubCreated Publisher // order.created
	PubStatus  Publisher // order.status.changed
	Redis      *redis.Client

	ServiceName       string
	ReservationTTL    time.Duration
	ShippingFlatCents int64
	Currency          string

	Now func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

type CheckoutRequest struct {
	ExternalID string                 `json:"external_id"`
	UserID     string                 `json:"user_id"`
	Email      string                 `json:"email"`
	Items      []orders.CheckoutItem `json:"items"`
}

type CheckoutResult struct {
	Order       *orders.Order
	PaymentID   string
	ProviderRef string
	Idempotent  bool
}

var ErrBadRequest = errors.New("missing fields")

// Checkout freezes prices and reserves stock in one transaction, then
// initiates the payment. A failed payment initiation does not undo the order:
// abandonment is handled uniformly by reservation expiry, and the payment can
// be retried while the order is PENDING.
func (s *Service) Checkout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	if req.ExternalID == "" || req.UserID == "" || len(req.Items) == 0 {
		return nil, ErrBadRequest
	}

	// Redis fast path for replays; the external_id column stays the truth.
	if s.Redis != nil {
		idemKey := fmt.Sprintf(redisx.KeyIdemCheckout, req.ExternalID)
		if id, err := s.Redis.Get(ctx, idemKey).Result(); err == nil && id != "" {
			if o, err := s.Orders.Get(ctx, id); err == nil {
				return &CheckoutResult{Order: o, Idempotent: true}, nil
			}
			// stale cache entry (order purged); fall through to the DB
		}
	}

	now := s.now()
	o, existed, err := s.Orders.CreateCheckoutTx(ctx, req.ExternalID, req.UserID, req.Email,
		req.Items, s.ShippingFlatCents, now, s.ReservationTTL)
	if err != nil {
		return nil, err
	}
	if existed {
		if s.Redis != nil {
			idemKey := fmt.Sprintf(redisx.KeyIdemCheckout, req.ExternalID)
			_ = s.Redis.Set(ctx, idemKey, o.ID, redisx.TTLIdempotency).Err()
		}
		return &CheckoutResult{Order: o, Idempotent: true}, nil
	}

	res := &CheckoutResult{Order: o}
	ref, err := s.Provider.CreateIntent(ctx, o.TotalCents, s.Currency, o.ID)
	if err != nil {
		log.Printf("order %s: payment intent failed, retry possible until expiry: %v", o.ID, err)
	} else {
		p := &payments.Payment{
			ID:          uuid.NewString(),
			OrderID:     o.ID,
			Status:      payments.StatusPending,
			AmountCents: o.TotalCents,
			Currency:    s.Currency,
			ProviderRef: ref,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := s.Payments.Create(ctx, p); err != nil {
			return nil, err
		}
		res.PaymentID, res.ProviderRef = p.ID, ref
	}

	if s.Redis != nil {
		idemKey := fmt.Sprintf(redisx.KeyIdemCheckout, req.ExternalID)
		_ = s.Redis.Set(ctx, idemKey, o.ID, redisx.TTLIdempotency).Err()
	}
	s.cacheStatus(ctx, o.ID, o.Status)

	s.publishCreated(o)
	return res, nil
}

// RetryPayment opens a fresh payment attempt for a PENDING order, e.g. after
// the provider rejected the previous one.
func (s *Service) RetryPayment(ctx context.Context, orderID string) (*payments.Payment, error) {
	o, err := s.Orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	switch {
	case o.Status == orders.StatusPending && o.ReservationExpiresAt != nil && o.ReservationExpiresAt.After(now):
		// still holding stock, payable
	case o.Status == orders.StatusPending || o.Status == orders.StatusExpired:
		return nil, orders.ErrReservationExpired
	default:
		return nil, fmt.Errorf("order %s is %s, not payable", orderID, o.Status)
	}

	ref, err := s.Provider.CreateIntent(ctx, o.TotalCents, s.Currency, o.ID)
	if err != nil {
		return nil, fmt.Errorf("payment intent: %w", err)
	}
	p := &payments.Payment{
		ID:          uuid.NewString(),
		OrderID:     o.ID,
		Status:      payments.StatusPending,
		AmountCents: o.TotalCents,
		Currency:    s.Currency,
		ProviderRef: ref,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.Payments.Create(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Cancel is reachable from every non-terminal state.
func (s *Service) Cancel(ctx context.Context, orderID string) (*orders.Order, error) {
	return s.transition(ctx, orderID, orders.StatusCancelled, nil)
}

// AdminTransition applies a requested status change through the transition
// table. PROCESSING and EXPIRED have no inbound edges in the table, so
// requesting them fails regardless of the caller's role.
func (s *Service) AdminTransition(ctx context.Context, orderID string, target orders.Status, deliveredAt *time.Time) (*orders.Order, error) {
	if !orders.ValidStatus(target) {
		return nil, fmt.Errorf("unknown status %q", target)
	}
	return s.transition(ctx, orderID, target, deliveredAt)
}

func (s *Service) transition(ctx context.Context, orderID string, target orders.Status, deliveredAt *time.Time) (*orders.Order, error) {
	o, err := s.Orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := orders.CheckTransition(o.Status, target); err != nil {
		return nil, err
	}

	now := s.now()
	var dAt *time.Time
	if target == orders.StatusDelivered {
		dAt = deliveredAt
		if dAt == nil {
			dAt = &now
		}
	}

	applied, err := s.Orders.UpdateStatusCAS(ctx, orderID, o.Status, target, dAt, now)
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, orders.ErrConflict
	}

	from := o.Status
	// stock goes back to the pool only when cancelling an unpaid reservation;
	// after commit the units are sold and restocking is a separate decision
	if target == orders.StatusCancelled && from == orders.StatusPending {
		if _, err := s.Ledger.ReleaseAll(ctx, orderID); err != nil {
			log.Printf("order %s: release after cancel failed, needs manual resolve: %v", orderID, err)
		}
	}

	o.Status = target
	o.Version++
	o.UpdatedAt = now
	if from == orders.StatusPending {
		o.ReservationExpiresAt = nil
	}
	if dAt != nil {
		o.DeliveredAt = dAt
	}

	s.cacheStatus(ctx, orderID, target)
	s.publishStatus(o, from, target, now)
	return o, nil
}

// Archive hides a delivered order from default listings; status untouched.
func (s *Service) Archive(ctx context.Context, orderID string, archived bool) error {
	applied, err := s.Orders.SetArchived(ctx, orderID, archived, s.now())
	if err != nil {
		return err
	}
	if !applied {
		return fmt.Errorf("order %s: archive allowed for DELIVERED orders only", orderID)
	}
	return nil
}

func (s *Service) GetOrder(ctx context.Context, orderID string) (*orders.Order, error) {
	return s.Orders.Get(ctx, orderID)
}

func (s *Service) GetOrderByTracking(ctx context.Context, trackingNumber string) (*orders.Order, error) {
	return s.Orders.GetByTracking(ctx, trackingNumber)
}

func (s *Service) ListOrders(ctx context.Context, userID string, limit int) ([]orders.Order, error) {
	return s.Orders.ListByUser(ctx, userID, limit)
}

// ProductView is the display-side evaluation of the same discount function
// that froze order prices; nothing here is ever persisted.
type ProductView struct {
	ID              string                `json:"id"`
	SKU             string                `json:"sku"`
	Name            string                `json:"name"`
	PriceCents      int64                 `json:"price_cents"`
	EffectiveCents  int64                 `json:"effective_cents"`
	DiscountState   catalog.DiscountState `json:"discount_state"`
	DiscountPercent float64               `json:"discount_percent"`
	AvailableStock  int                   `json:"available_stock"`
}

func (s *Service) ListProducts(ctx context.Context) ([]ProductView, error) {
	ps, err := s.Orders.ListProducts(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()
	out := make([]ProductView, 0, len(ps))
	for _, p := range ps {
		state, eff := catalog.Evaluate(p.Discount, p.PriceCents, now)
		pct := 0.0
		if state == catalog.DiscountActive {
			pct = p.Discount.Percentage
		}
		out = append(out, ProductView{
			ID:              p.ID,
			SKU:             p.SKU,
			Name:            p.Name,
			PriceCents:      p.PriceCents,
			EffectiveCents:  eff,
			DiscountState:   state,
			DiscountPercent: pct,
			AvailableStock:  p.Available(),
		})
	}
	return out, nil
}

func (s *Service) cacheStatus(ctx context.Context, orderID string, st orders.Status) {
	if s.Redis == nil {
		return
	}
	key := fmt.Sprintf(redisx.KeyOrderStatus, orderID)
	_ = s.Redis.Set(ctx, key, fmt.Sprintf(`{"status":%q}`, st), redisx.TTLStatusCache).Err()
}

func (s *Service) publishCreated(o *orders.Order) {
	if s.PubCreated == nil {
		return
	}
	items := make([]orders.ItemPrice, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, orders.ItemPrice{
			ProductID: it.ProductID, Qty: it.Qty, UnitFinalCents: it.UnitFinalCents,
		})
	}
	ev := orders.Envelope{
		EventID:       uuid.NewString(),
		EventType:     orders.EventOrderCreated,
		EventVersion:  1,
		OccurredAt:    s.now().UTC(),
		Producer:      s.ServiceName,
		CorrelationID: o.ID,
		Payload: kafkax.MustMarshal(orders.OrderCreatedPayload{
			OrderID:        o.ID,
			TrackingNumber: o.TrackingNumber,
			ExternalID:     o.ExternalID,
			UserID:         o.UserID,
			Items:          items,
			TotalCents:     o.TotalCents,
		}),
	}
	s.PubCreated.Publish(orders.PartitionKey(o.ID), kafkax.MustMarshal(ev),
		kafkago.Header{Key: "x-event-type", Value: []byte(orders.EventOrderCreated)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
}

func (s *Service) publishStatus(o *orders.Order, from, to orders.Status, at time.Time) {
	if s.PubStatus == nil {
		return
	}
	ev := orders.Envelope{
		EventID:       uuid.NewString(),
		EventType:     orders.EventOrderStatusChanged,
		EventVersion:  1,
		OccurredAt:    at.UTC(),
		Producer:      s.ServiceName,
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
	s.PubStatus.Publish(orders.PartitionKey(o.ID), kafkax.MustMarshal(ev),
		kafkago.Header{Key: "x-event-type", Value: []byte(orders.EventOrderStatusChanged)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
}
