package orders

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func validOrder() Order {
	exp := time.Now().Add(20 * time.Minute)
	return Order{
		ID:     "o1",
		Status: StatusPending,
		Items: []OrderItem{
			{ProductID: "p1", Qty: 2, UnitBaseCents: 1000, UnitFinalCents: 900, LineTotalCents: 1800},
			{ProductID: "p2", Qty: 1, UnitBaseCents: 500, UnitFinalCents: 500, LineTotalCents: 500},
		},
		SubtotalCents:        2300,
		ShippingCents:        499,
		TotalCents:           2799,
		ReservationExpiresAt: &exp,
	}
}

func TestValidateInvariantsClean(t *testing.T) {
	o := validOrder()
	assert.Empty(t, o.ValidateInvariants())
}

func TestValidateInvariants(t *testing.T) {
	t.Run("no items", func(t *testing.T) {
		o := validOrder()
		o.Items = nil
		assert.Contains(t, o.ValidateInvariants(), ErrItemsRequired)
	})

	t.Run("total drift", func(t *testing.T) {
		o := validOrder()
		o.TotalCents = 9999
		assert.Contains(t, o.ValidateInvariants(), ErrTotalMismatch)
	})

	t.Run("line drift", func(t *testing.T) {
		o := validOrder()
		o.Items[0].LineTotalCents = 1750
		assert.Contains(t, o.ValidateInvariants(), ErrLineMismatch)
	})

	t.Run("pending without deadline", func(t *testing.T) {
		o := validOrder()
		o.ReservationExpiresAt = nil
		assert.Contains(t, o.ValidateInvariants(), ErrDeadlineRequired)
	})

	t.Run("deadline optional once processing", func(t *testing.T) {
		o := validOrder()
		o.Status = StatusProcessing
		o.ReservationExpiresAt = nil
		assert.Empty(t, o.ValidateInvariants())
	})
}

func TestProductAvailable(t *testing.T) {
	p := Product{Stock: 10, Reserved: 3}
	assert.Equal(t, 7, p.Available())
}
