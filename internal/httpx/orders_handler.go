package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"

	kafkax "github.com/ariefcatur/go-shop-orders/internal/kafka"
	"github.com/ariefcatur/go-shop-orders/internal/lifecycle"
	"github.com/ariefcatur/go-shop-orders/internal/orders"
	"github.com/ariefcatur/go-shop-orders/internal/payments"
	"github.com/ariefcatur/go-shop-orders/internal/redisx"
)

type Publisher interface {
	Publish(key, value []byte, headers ...kafkago.Header)
}

type Handler struct {
	Svc        *lifecycle.Service
	Reconciler *payments.Reconciler
	Redis      *redis.Client
	PubPayment Publisher // payment.result, fed by the provider webhook
	Service    string
}

func (h *Handler) Register(r *chi.Mux) {
	r.Post("/checkout", h.checkout)
	r.Get("/orders", h.listOrders)
	r.Get("/orders/{id}", h.getOrder)
	r.Get("/orders/{id}/status", h.getOrderStatus)
	r.Get("/orders/tracking/{tn}", h.getByTracking)
	r.Post("/orders/{id}/cancel", h.cancelOrder)
	r.Post("/orders/{id}/status", h.adminTransition)
	r.Post("/orders/{id}/archive", h.archiveOrder)
	r.Post("/orders/{id}/payment", h.retryPayment)
	r.Post("/payments/{id}/refund", h.refundPayment)
	r.Post("/payments/webhook", h.paymentWebhook)
	r.Get("/products", h.listProducts)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error) {
	var (
		invalid  *orders.InvalidTransitionError
		shortage *orders.InsufficientStockError
		refund   *payments.RefundNotAllowedError
	)
	switch {
	case errors.Is(err, orders.ErrNotFound), errors.Is(err, payments.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	case errors.As(err, &shortage):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error": "insufficient stock", "details": shortage.Details,
		})
	case errors.As(err, &invalid):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"error": invalid.Error(), "from": string(invalid.From), "to": string(invalid.To),
		})
	case errors.As(err, &refund):
		writeJSON(w, http.StatusConflict, map[string]string{
			"error": "refund not allowed", "reason": string(refund.Reason),
		})
	case errors.Is(err, orders.ErrReservationExpired):
		writeJSON(w, http.StatusGone, map[string]string{"error": "reservation expired"})
	case errors.Is(err, orders.ErrConflict):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "concurrent update, retry"})
	case errors.Is(err, lifecycle.ErrBadRequest), errors.Is(err, orders.ErrItemsRequired):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

type checkoutResp struct {
	OrderID        string `json:"order_id"`
	TrackingNumber string `json:"tracking_number"`
	TotalCents     int64  `json:"total_cents"`
	ReservedUntil  string `json:"reserved_until,omitempty"`
	PaymentID      string `json:"payment_id,omitempty"`
	ProviderRef    string `json:"provider_ref,omitempty"`
	Idempotent     bool   `json:"idempotent"`
}

func (h *Handler) checkout(w http.ResponseWriter, r *http.Request) {
	var req lifecycle.CheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	res, err := h.Svc.Checkout(ctx, req)
	if err != nil {
		writeErr(w, err)
		return
	}
	resp := checkoutResp{
		OrderID:        res.Order.ID,
		TrackingNumber: res.Order.TrackingNumber,
		TotalCents:     res.Order.TotalCents,
		PaymentID:      res.PaymentID,
		ProviderRef:    res.ProviderRef,
		Idempotent:     res.Idempotent,
	}
	if res.Order.ReservationExpiresAt != nil {
		resp.ReservedUntil = res.Order.ReservationExpiresAt.Format(time.RFC3339)
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	o, err := h.Svc.GetOrder(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *Handler) getByTracking(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	o, err := h.Svc.GetOrderByTracking(ctx, chi.URLParam(r, "tn"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// getOrderStatus serves the cached status when fresh, DB otherwise.
func (h *Handler) getOrderStatus(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	key := fmt.Sprintf(redisx.KeyOrderStatus, orderID)
	if s, err := h.Redis.Get(ctx, key).Result(); err == nil && s != "" {
		writeJSON(w, http.StatusOK, json.RawMessage(s))
		return
	}

	st, err := h.Svc.Orders.GetStatus(ctx, orderID)
	if err != nil {
		writeErr(w, err)
		return
	}
	b, _ := json.Marshal(map[string]any{"status": st})
	_ = h.Redis.Set(ctx, key, b, redisx.TTLStatusCache).Err()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b)
}

func (h *Handler) listOrders(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing user_id"})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	os, err := h.Svc.ListOrders(ctx, userID, limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, os)
}

func (h *Handler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	o, err := h.Svc.Cancel(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order_id": o.ID, "status": o.Status})
}

func (h *Handler) adminTransition(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status      string     `json:"status"`
		DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	o, err := h.Svc.AdminTransition(ctx, chi.URLParam(r, "id"), orders.Status(req.Status), req.DeliveredAt)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order_id": o.ID, "status": o.Status})
}

func (h *Handler) archiveOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Archived bool `json:"archived"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := h.Svc.Archive(ctx, chi.URLParam(r, "id"), req.Archived); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"archived": req.Archived})
}

func (h *Handler) retryPayment(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	p, err := h.Svc.RetryPayment(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"payment_id": p.ID, "provider_ref": p.ProviderRef,
	})
}

func (h *Handler) refundPayment(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	p, err := h.Reconciler.Refund(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"payment_id": p.ID, "status": string(p.Status), "refund_ref": p.RefundRef,
	})
}

// paymentWebhook accepts the normalized provider callback and republishes it
// to payment.result; the worker applies it with at-least-once semantics.
func (h *Handler) paymentWebhook(w http.ResponseWriter, r *http.Request) {
	var req orders.PaymentResultPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if req.PaymentID == "" || req.OrderID == "" || req.Result == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing fields"})
		return
	}

	ev := orders.Envelope{
		EventID:       uuid.NewString(),
		EventType:     orders.EventPaymentResult,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      h.Service,
		TraceID:       r.Header.Get("X-Request-Id"),
		CorrelationID: req.OrderID,
		Payload:       kafkax.MustMarshal(req),
	}
	h.PubPayment.Publish(orders.PartitionKey(req.OrderID), kafkax.MustMarshal(ev),
		kafkago.Header{Key: "x-event-type", Value: []byte(orders.EventPaymentResult)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (h *Handler) listProducts(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	ps, err := h.Svc.ListProducts(ctx)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ps)
}
