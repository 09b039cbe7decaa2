package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ariefcatur/go-shop-orders/internal/catalog"
)

type CheckoutItem struct {
	ProductID string `json:"product_id"`
	Qty       int    `json:"qty"`
}

type Repo struct{ DB *pgxpool.Pool }

const orderCols = `id, tracking_number, external_id, user_id, email, status,
	subtotal_cents, shipping_cents, total_cents,
	reservation_expires_at, delivered_at, archived_at,
	version, created_at, updated_at`

// CreateCheckoutTx creates a PENDING order with frozen per-item prices and an
// all-or-nothing stock reservation, idempotent via external_id.
// Reservation is linearizable per product: each product row is locked, the
// reserved counter bumped under a stock - reserved >= qty guard.
func (r *Repo) CreateCheckoutTx(ctx context.Context, externalID, userID, email string, items []CheckoutItem, shippingCents int64, now time.Time, ttl time.Duration) (*Order, bool, error) {
	// existing by external_id -> return as-is
	var existingID string
	err := r.DB.QueryRow(ctx, `SELECT id FROM orders WHERE external_id=$1`, externalID).Scan(&existingID)
	if err == nil {
		o, err := r.Get(ctx, existingID)
		return o, true, err
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, err
	}

	if len(items) == 0 {
		return nil, false, ErrItemsRequired
	}
	for _, it := range items {
		if it.Qty <= 0 {
			return nil, false, fmt.Errorf("invalid qty for product %s", it.ProductID)
		}
	}
	// duplicate product lines would double-reserve and then collide with the
	// order_items primary key, so they collapse into one line first
	items = mergeCheckoutItems(items)

	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var (
		rejects  []StockRejectedDetail
		frozen   []OrderItem
		subtotal int64
	)
	for _, it := range items {
		var (
			stock, reserved int
			priceCents      int64
			d               catalog.Discount
		)
		err := tx.QueryRow(ctx, `
			SELECT stock, reserved, price_cents,
			       discount_percent, discount_starts_at, discount_ends_at, discount_active
			FROM products WHERE id=$1 FOR UPDATE`, it.ProductID).
			Scan(&stock, &reserved, &priceCents, &d.Percentage, &d.StartsAt, &d.EndsAt, &d.IsActive)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, fmt.Errorf("product not found: %s", it.ProductID)
		}
		if err != nil {
			return nil, false, err
		}

		if stock-reserved < it.Qty {
			rejects = append(rejects, StockRejectedDetail{
				ProductID: it.ProductID, Required: it.Qty, Available: stock - reserved,
			})
			continue
		}

		ct, err := tx.Exec(ctx, `
			UPDATE products SET reserved = reserved + $2, updated_at = $3
			WHERE id=$1 AND stock - reserved >= $2`, it.ProductID, it.Qty, now)
		if err != nil {
			return nil, false, err
		}
		if ct.RowsAffected() != 1 {
			rejects = append(rejects, StockRejectedDetail{
				ProductID: it.ProductID, Required: it.Qty, Available: stock - reserved,
			})
			continue
		}

		// freeze price at order-creation time; later discount edits never touch it
		state, finalCents := catalog.Evaluate(d, priceCents, now)
		pct := 0.0
		if state == catalog.DiscountActive {
			pct = d.Percentage
		}
		frozen = append(frozen, OrderItem{
			ProductID:       it.ProductID,
			Qty:             it.Qty,
			UnitBaseCents:   priceCents,
			DiscountPercent: pct,
			UnitFinalCents:  finalCents,
			LineTotalCents:  finalCents * int64(it.Qty),
		})
		subtotal += finalCents * int64(it.Qty)
	}

	if len(rejects) > 0 {
		// rollback via defer: an order is never partially reserved
		return nil, false, &InsufficientStockError{Details: rejects}
	}

	deadline := now.Add(ttl)
	o := &Order{
		ID:                   uuid.NewString(),
		TrackingNumber:       newTrackingNumber(),
		ExternalID:           externalID,
		UserID:               userID,
		Email:                email,
		Status:               StatusPending,
		Items:                frozen,
		SubtotalCents:        subtotal,
		ShippingCents:        shippingCents,
		TotalCents:           subtotal + shippingCents,
		ReservationExpiresAt: &deadline,
		Version:              1,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO orders(id, tracking_number, external_id, user_id, email, status,
			subtotal_cents, shipping_cents, total_cents, reservation_expires_at,
			version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$12)`,
		o.ID, o.TrackingNumber, o.ExternalID, o.UserID, o.Email, o.Status,
		o.SubtotalCents, o.ShippingCents, o.TotalCents, deadline, o.Version, now)
	if err != nil {
		return nil, false, err
	}

	for i := range o.Items {
		o.Items[i].OrderID = o.ID
		it := o.Items[i]
		if _, err := tx.Exec(ctx, `
			INSERT INTO order_items(order_id, product_id, qty, unit_base_cents,
				discount_percent, unit_final_cents, line_total_cents)
			VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			it.OrderID, it.ProductID, it.Qty, it.UnitBaseCents,
			it.DiscountPercent, it.UnitFinalCents, it.LineTotalCents); err != nil {
			return nil, false, err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO reservations(order_id, product_id, qty, status, created_at)
			VALUES ($1,$2,$3,'RESERVED',$4)
			ON CONFLICT (order_id, product_id) DO NOTHING`,
			it.OrderID, it.ProductID, it.Qty, now); err != nil {
			return nil, false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	return o, false, nil
}

func (r *Repo) Get(ctx context.Context, orderID string) (*Order, error) {
	row := r.DB.QueryRow(ctx, `SELECT `+orderCols+` FROM orders WHERE id=$1`, orderID)
	return r.scanOrder(ctx, row)
}

func (r *Repo) GetByTracking(ctx context.Context, trackingNumber string) (*Order, error) {
	row := r.DB.QueryRow(ctx, `SELECT `+orderCols+` FROM orders WHERE tracking_number=$1`, trackingNumber)
	return r.scanOrder(ctx, row)
}

func (r *Repo) scanOrder(ctx context.Context, row pgx.Row) (*Order, error) {
	var o Order
	err := row.Scan(&o.ID, &o.TrackingNumber, &o.ExternalID, &o.UserID, &o.Email, &o.Status,
		&o.SubtotalCents, &o.ShippingCents, &o.TotalCents,
		&o.ReservationExpiresAt, &o.DeliveredAt, &o.ArchivedAt,
		&o.Version, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := r.DB.Query(ctx, `
		SELECT order_id, product_id, qty, unit_base_cents, discount_percent,
		       unit_final_cents, line_total_cents
		FROM order_items WHERE order_id=$1`, o.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var it OrderItem
		if err := rows.Scan(&it.OrderID, &it.ProductID, &it.Qty, &it.UnitBaseCents,
			&it.DiscountPercent, &it.UnitFinalCents, &it.LineTotalCents); err != nil {
			return nil, err
		}
		o.Items = append(o.Items, it)
	}
	return &o, rows.Err()
}

func (r *Repo) GetStatus(ctx context.Context, orderID string) (Status, error) {
	var s string
	err := r.DB.QueryRow(ctx, `SELECT status FROM orders WHERE id=$1`, orderID).Scan(&s)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return Status(s), nil
}

func (r *Repo) ListByUser(ctx context.Context, userID string, limit int) ([]Order, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	rows, err := r.DB.Query(ctx, `
		SELECT `+orderCols+` FROM orders
		WHERE user_id=$1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		var o Order
		if err := rows.Scan(&o.ID, &o.TrackingNumber, &o.ExternalID, &o.UserID, &o.Email, &o.Status,
			&o.SubtotalCents, &o.ShippingCents, &o.TotalCents,
			&o.ReservationExpiresAt, &o.DeliveredAt, &o.ArchivedAt,
			&o.Version, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// UpdateStatusCAS applies from->to only if the order still is in from.
// Leaving PENDING always clears the reservation deadline.
func (r *Repo) UpdateStatusCAS(ctx context.Context, orderID string, from, to Status, deliveredAt *time.Time, now time.Time) (bool, error) {
	ct, err := r.DB.Exec(ctx, `
		UPDATE orders SET status=$3, version=version+1, updated_at=$4,
			reservation_expires_at = CASE WHEN $2 = 'PENDING' THEN NULL ELSE reservation_expires_at END,
			delivered_at = COALESCE($5, delivered_at)
		WHERE id=$1 AND status=$2`, orderID, from, to, now, deliveredAt)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

// MarkProcessing is the reconciler-only PENDING -> PROCESSING step. It also
// re-checks the deadline so an approval racing the sweeper cannot revive an
// order whose reservation already lapsed.
func (r *Repo) MarkProcessing(ctx context.Context, orderID string, now time.Time) (bool, error) {
	ct, err := r.DB.Exec(ctx, `
		UPDATE orders SET status='PROCESSING', version=version+1, updated_at=$2,
			reservation_expires_at=NULL
		WHERE id=$1 AND status='PENDING' AND reservation_expires_at > $2`, orderID, now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

// MarkExpired is the sweeper-only PENDING -> EXPIRED step; the WHERE clause is
// the re-verification between read and write.
func (r *Repo) MarkExpired(ctx context.Context, orderID string, now time.Time) (bool, error) {
	ct, err := r.DB.Exec(ctx, `
		UPDATE orders SET status='EXPIRED', version=version+1, updated_at=$2,
			reservation_expires_at=NULL
		WHERE id=$1 AND status='PENDING' AND reservation_expires_at <= $2`, orderID, now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func (r *Repo) ListExpired(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT id FROM orders
		WHERE status='PENDING' AND reservation_expires_at <= $1 LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PurgeExpired deletes EXPIRED orders that never saw a completed payment.
// Items and reservations go with them (ON DELETE CASCADE).
func (r *Repo) PurgeExpired(ctx context.Context) (int64, error) {
	ct, err := r.DB.Exec(ctx, `
		DELETE FROM orders
		WHERE status='EXPIRED' AND NOT EXISTS (
			SELECT 1 FROM payments p
			WHERE p.order_id = orders.id AND p.status IN ('APPROVED','REFUNDED'))`)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}

// SetArchived hides/unhides a delivered order without touching its status.
func (r *Repo) SetArchived(ctx context.Context, orderID string, archived bool, now time.Time) (bool, error) {
	ct, err := r.DB.Exec(ctx, `
		UPDATE orders SET archived_at = CASE WHEN $2 THEN $3 ELSE NULL END, updated_at=$3
		WHERE id=$1 AND status='DELIVERED'`, orderID, archived, now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func (r *Repo) ListProducts(ctx context.Context) ([]Product, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT id, sku, name, stock, reserved, price_cents,
		       discount_percent, discount_starts_at, discount_ends_at, discount_active,
		       created_at, updated_at
		FROM products ORDER BY sku`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Product
	for rows.Next() {
		var p Product
		if err := rows.Scan(&p.ID, &p.SKU, &p.Name, &p.Stock, &p.Reserved, &p.PriceCents,
			&p.Discount.Percentage, &p.Discount.StartsAt, &p.Discount.EndsAt, &p.Discount.IsActive,
			&p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func mergeCheckoutItems(items []CheckoutItem) []CheckoutItem {
	merged := make([]CheckoutItem, 0, len(items))
	idx := make(map[string]int, len(items))
	for _, it := range items {
		if j, ok := idx[it.ProductID]; ok {
			merged[j].Qty += it.Qty
			continue
		}
		idx[it.ProductID] = len(merged)
		merged = append(merged, it)
	}
	return merged
}

func newTrackingNumber() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "TRK-" + strings.ToUpper(raw[:12])
}
