package orders

import (
	"errors"
	"time"

	"github.com/ariefcatur/go-shop-orders/internal/catalog"
)

type Product struct {
	ID         string
	SKU        string
	Name       string
	Stock      int
	Reserved   int
	PriceCents int64
	Discount   catalog.Discount
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Available is derived, never stored.
func (p Product) Available() int { return p.Stock - p.Reserved }

type Order struct {
	ID             string
	TrackingNumber string
	ExternalID     string
	UserID         string
	Email          string
	Status         Status
	Items          []OrderItem
	SubtotalCents  int64
	ShippingCents  int64
	TotalCents     int64

	// ReservationExpiresAt is set only while the order is PENDING.
	ReservationExpiresAt *time.Time
	DeliveredAt          *time.Time
	ArchivedAt           *time.Time

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// OrderItem is frozen at checkout; prices never follow later discount changes.
type OrderItem struct {
	OrderID         string
	ProductID       string
	Qty             int
	UnitBaseCents   int64
	DiscountPercent float64
	UnitFinalCents  int64
	LineTotalCents  int64
}

var (
	ErrItemsRequired    = errors.New("order has no items")
	ErrTotalMismatch    = errors.New("total != subtotal + shipping")
	ErrLineMismatch     = errors.New("line total != unit final * qty")
	ErrDeadlineRequired = errors.New("pending order without reservation deadline")
)

// ValidateInvariants reports every violated order invariant.
func (o *Order) ValidateInvariants() []error {
	var errs []error
	if len(o.Items) == 0 {
		errs = append(errs, ErrItemsRequired)
	}
	var subtotal int64
	for _, it := range o.Items {
		if it.LineTotalCents != it.UnitFinalCents*int64(it.Qty) {
			errs = append(errs, ErrLineMismatch)
		}
		subtotal += it.LineTotalCents
	}
	if o.TotalCents != o.SubtotalCents+o.ShippingCents {
		errs = append(errs, ErrTotalMismatch)
	}
	if o.Status == StatusPending && o.ReservationExpiresAt == nil {
		errs = append(errs, ErrDeadlineRequired)
	}
	return errs
}

const (
	ReservationReserved  = "RESERVED"
	ReservationCommitted = "COMMITTED"
	ReservationReleased  = "RELEASED"
)

type Reservation struct {
	OrderID   string
	ProductID string
	Qty       int
	Status    string
	CreatedAt time.Time
}
