package payments

import (
	"errors"
	"time"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusApproved  Status = "APPROVED"
	StatusRejected  Status = "REJECTED"
	StatusCancelled Status = "CANCELLED"
	StatusRefunded  Status = "REFUNDED"
	StatusExpired   Status = "EXPIRED"
)

func Terminal(s Status) bool {
	return s == StatusRefunded || s == StatusCancelled || s == StatusExpired
}

type Payment struct {
	ID              string
	OrderID         string
	Status          Status
	AmountCents     int64
	Currency        string
	ProviderRef     string // payment intent reference at the provider
	RefundRef       string
	RejectionReason *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

var ErrNotFound = errors.New("payment not found")

type RefundBlockReason string

const (
	ReasonPaymentNotApproved RefundBlockReason = "payment not approved"
	ReasonOrderNotCancelled  RefundBlockReason = "order not cancelled"
)

// RefundNotAllowedError carries which precondition failed; the two require
// different corrective actions (cancel the order first vs nothing to do).
type RefundNotAllowedError struct {
	Reason RefundBlockReason
}

func (e *RefundNotAllowedError) Error() string {
	return "refund not allowed: " + string(e.Reason)
}
