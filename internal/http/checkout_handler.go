package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	d "github.com/gocart/checkout/domain"
	r "github.com/gocart/checkout/internal/repository"
	s "github.com/gocart/checkout/internal/service"
)

type CheckoutHandler struct {
	service s.CheckoutService
	timeout time.Duration
}

func NewCheckoutHandler(service s.CheckoutService, timeout time.Duration) *CheckoutHandler {
	return &CheckoutHandler{
		service: service,
		timeout: timeout,
	}
}

type InitiateCheckoutRequestDTO struct {
	IdempotencyKey string `json:"idempotency_key"`
}

type CheckoutResponseDTO struct {
	CheckoutID  string  `json:"checkout_id"`
	OrderID     string  `json:"order_id,omitempty"`
	Status      string  `json:"status"`
	TotalAmount float64 `json:"total_amount"`
	Currency    string  `json:"currency"`
}

// POST /api/v1/checkout
func (h *CheckoutHandler) InitiateCheckout(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), h.timeout)
	defer cancel()

	userID := userIDFromContext(req.Context())
	if userID == "" {
		respondError(w, http.StatusUnauthorized, "unauthorized", "missing user identity")
		return
	}

	var body InitiateCheckoutRequestDTO
	if req.Body != nil && req.ContentLength != 0 {
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
			return
		}
	}

	resp, err := h.service.InitiateCheckout(ctx, &d.CheckoutRequest{
		UserID:         userID,
		IdempotencyKey: body.IdempotencyKey,
	})
	if err != nil {
		h.respondCheckoutError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, toCheckoutDTO(resp))
}

// GET /api/v1/checkout/{checkout_id}
func (h *CheckoutHandler) GetCheckout(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), h.timeout)
	defer cancel()

	checkoutID := chi.URLParam(req, "checkout_id")

	resp, err := h.service.GetCheckout(ctx, checkoutID)
	if err != nil {
		if errors.Is(err, r.ErrSessionNotFound) {
			respondError(w, http.StatusNotFound, "not_found", "checkout not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "internal_error", "failed to load checkout")
		return
	}

	respondJSON(w, http.StatusOK, toCheckoutDTO(resp))
}

// respondCheckoutError maps the orchestrator's typed failures onto the
// API's structured error codes. The caller always gets a definitive
// outcome; ambiguous infrastructure failures point at the poll endpoint.
func (h *CheckoutHandler) respondCheckoutError(w http.ResponseWriter, err error) {
	var insufficient *d.InsufficientStockError
	switch {
	case errors.Is(err, d.ErrEmptyCart):
		respondError(w, http.StatusUnprocessableEntity, d.CodeEmptyCart, "cart is empty")
	case errors.As(err, &insufficient):
		respondJSON(w, http.StatusConflict, errorResponse{
			Code:    d.CodeInsufficientStock,
			Message: insufficient.Error(),
			SKU:     insufficient.SKU,
		})
	case errors.Is(err, d.ErrPaymentDeclined):
		respondError(w, http.StatusPaymentRequired, d.CodePaymentDeclined, "payment was declined")
	case errors.Is(err, d.ErrCheckoutFailed):
		respondError(w, http.StatusBadGateway, d.CodeCheckoutFailed, "checkout failed, all changes were rolled back")
	default:
		respondError(w, http.StatusBadGateway, d.CodeCheckoutFailed,
			"checkout did not reach a final state, poll GET /api/v1/checkout/{checkout_id}")
	}
}

func toCheckoutDTO(resp *d.CheckoutResponse) CheckoutResponseDTO {
	dto := CheckoutResponseDTO{
		CheckoutID:  resp.CheckoutID,
		Status:      resp.Status.String(),
		TotalAmount: resp.TotalAmount,
		Currency:    resp.Currency,
	}
	if resp.OrderID != nil {
		dto.OrderID = *resp.OrderID
	}
	return dto
}
