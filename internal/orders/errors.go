package orders

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("order not found")

	// ErrConflict: a status CAS lost against a concurrent writer.
	ErrConflict = errors.New("order modified concurrently")

	// ErrReservationExpired: action attempted on a reservation already swept.
	ErrReservationExpired = errors.New("reservation expired")
)

type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}

// StockRejectedDetail reports one product that could not be reserved.
type StockRejectedDetail struct {
	ProductID string `json:"product_id"`
	Required  int    `json:"required"`
	Available int    `json:"available"`
}

type InsufficientStockError struct {
	Details []StockRejectedDetail
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %d product(s)", len(e.Details))
}
