package payments

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Repo struct{ DB *pgxpool.Pool }

func (r *Repo) Create(ctx context.Context, p *Payment) error {
	_, err := r.DB.Exec(ctx, `
		INSERT INTO payments(id, order_id, status, amount_cents, currency, provider_ref, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$7)`,
		p.ID, p.OrderID, p.Status, p.AmountCents, p.Currency, p.ProviderRef, p.CreatedAt)
	return err
}

func (r *Repo) Get(ctx context.Context, id string) (*Payment, error) {
	var p Payment
	err := r.DB.QueryRow(ctx, `
		SELECT id, order_id, status, amount_cents, currency, provider_ref,
		       COALESCE(refund_ref,''), rejection_reason, created_at, updated_at
		FROM payments WHERE id=$1`, id).
		Scan(&p.ID, &p.OrderID, &p.Status, &p.AmountCents, &p.Currency, &p.ProviderRef,
			&p.RefundRef, &p.RejectionReason, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// SetStatus applies from->to only if the payment still is in from.
func (r *Repo) SetStatus(ctx context.Context, id string, from, to Status, providerRef, reason string) (bool, error) {
	ct, err := r.DB.Exec(ctx, `
		UPDATE payments SET status=$3,
			provider_ref = COALESCE(NULLIF($4,''), provider_ref),
			rejection_reason = NULLIF($5,''),
			updated_at = now()
		WHERE id=$1 AND status=$2`, id, from, to, providerRef, reason)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func (r *Repo) MarkRefunded(ctx context.Context, id, refundRef string) (bool, error) {
	ct, err := r.DB.Exec(ctx, `
		UPDATE payments SET status='REFUNDED', refund_ref=$2, updated_at=now()
		WHERE id=$1 AND status='APPROVED'`, id, refundRef)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}
