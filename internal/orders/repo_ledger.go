package orders

import (
	"context"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// LedgerRepo resolves an order's stock effect exactly once. Reservation rows
// carry the resolution state (RESERVED -> COMMITTED | RELEASED); a second
// commit/release finds no RESERVED rows and becomes a logged no-op, so
// at-least-once delivery upstream never double-counts stock.
type LedgerRepo struct{ DB *pgxpool.Pool }

// CommitAll turns the order's reservation into a permanent sale:
// stock and reserved both drop by the reserved qty.
func (r *LedgerRepo) CommitAll(ctx context.Context, orderID string) (bool, error) {
	return r.resolve(ctx, orderID, ReservationCommitted, true)
}

// ReleaseAll returns reserved units to the available pool: reserved drops,
// stock stays.
func (r *LedgerRepo) ReleaseAll(ctx context.Context, orderID string) (bool, error) {
	return r.resolve(ctx, orderID, ReservationReleased, false)
}

func (r *LedgerRepo) resolve(ctx context.Context, orderID, to string, sold bool) (bool, error) {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		UPDATE reservations SET status=$2
		WHERE order_id=$1 AND status='RESERVED'
		RETURNING product_id, qty`, orderID, to)
	if err != nil {
		return false, err
	}
	type rec struct {
		pid string
		qty int
	}
	var recs []rec
	for rows.Next() {
		var x rec
		if err := rows.Scan(&x.pid, &x.qty); err != nil {
			rows.Close()
			return false, err
		}
		recs = append(recs, x)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return false, err
	}

	if len(recs) == 0 {
		// double application: tolerated, warned, never a hard failure
		log.Printf("ledger %s order=%s: stock effect already resolved, skipping", to, orderID)
		return false, nil
	}

	for _, x := range recs {
		var ct pgconn.CommandTag
		if sold {
			ct, err = tx.Exec(ctx, `
				UPDATE products SET stock = stock - $2, reserved = reserved - $2, updated_at = now()
				WHERE id=$1 AND reserved >= $2 AND stock >= $2`, x.pid, x.qty)
		} else {
			ct, err = tx.Exec(ctx, `
				UPDATE products SET reserved = reserved - $2, updated_at = now()
				WHERE id=$1 AND reserved >= $2`, x.pid, x.qty)
		}
		if err != nil {
			return false, err
		}
		if ct.RowsAffected() != 1 {
			return false, fmt.Errorf("ledger %s order=%s product=%s: counter drift, refusing to go negative", to, orderID, x.pid)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}
