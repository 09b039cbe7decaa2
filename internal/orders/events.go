package orders

import (
	"encoding/json"
	"time"
)

const (
	EventOrderCreated       = "OrderCreated"
	EventOrderStatusChanged = "OrderStatusChanged"
	EventPaymentResult      = "PaymentResult"
)

type Envelope struct {
	EventID       string          `json:"event_id"`      // uuid
	EventType     string          `json:"event_type"`    // one of the consts above
	EventVersion  int             `json:"event_version"` // 1
	OccurredAt    time.Time       `json:"occurred_at"`   // RFC3339
	Producer      string          `json:"producer"`      // e.g. "shop-api"
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // usually order_id
	Payload       json.RawMessage `json:"payload"`
}

// ---- payload types per event ----

type ItemPrice struct {
	ProductID      string `json:"product_id"`
	Qty            int    `json:"qty"`
	UnitFinalCents int64  `json:"unit_final_cents"`
}

type OrderCreatedPayload struct {
	OrderID        string      `json:"order_id"`
	TrackingNumber string      `json:"tracking_number"`
	ExternalID     string      `json:"external_id"`
	UserID         string      `json:"user_id"`
	Items          []ItemPrice `json:"items"`
	TotalCents     int64       `json:"total_cents"`
}

type OrderStatusChangedPayload struct {
	OrderID        string    `json:"order_id"`
	TrackingNumber string    `json:"tracking_number,omitempty"`
	Email          string    `json:"email,omitempty"`
	From           Status    `json:"from"`
	To             Status    `json:"to"`
	At             time.Time `json:"at"`
}

// PaymentResultPayload is the normalized provider callback.
type PaymentResultPayload struct {
	PaymentID   string `json:"payment_id"`
	OrderID     string `json:"order_id"`
	Result      string `json:"result"` // APPROVED | REJECTED | CANCELLED
	ProviderRef string `json:"provider_ref,omitempty"`
	Reason      string `json:"reason,omitempty"`
}
