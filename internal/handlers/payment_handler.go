package handlers

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"

	"mpesa-relay/internal/services"
	"mpesa-relay/internal/services/gateway/daraja"
	"mpesa-relay/internal/status"
)

type PaymentHandler struct {
	app             *pocketbase.PocketBase
	paymentService  *services.PaymentService
	callbackService *services.CallbackService
	gateway         *daraja.Daraja
}

func NewPaymentHandler(app *pocketbase.PocketBase, paymentService *services.PaymentService, callbackService *services.CallbackService, gateway *daraja.Daraja) *PaymentHandler {
	return &PaymentHandler{
		app:             app,
		paymentService:  paymentService,
		callbackService: callbackService,
		gateway:         gateway,
	}
}

// InitiateSTKPush - Send the payment prompt to the customer's phone
func (h *PaymentHandler) InitiateSTKPush(e *core.RequestEvent) error {
	var req services.InitiateRequest
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}
	ctx := e.Request.Context()

	init, err := h.paymentService.Initiate(ctx, &req)
	if err != nil {
		switch {
		case errors.Is(err, status.ErrInvalidRequest):
			return apis.NewBadRequestError(err.Error(), nil)
		case errors.Is(err, status.ErrStorageUnavailable):
			slog.Error("h.paymentService.Initiate()", "orderID", req.OrderID, "error", err)
			return e.JSON(http.StatusServiceUnavailable, map[string]any{
				"status":  "error",
				"message": "payment service temporarily unavailable",
			})
		case errors.Is(err, status.ErrGatewayUnavailable):
			slog.Error("h.paymentService.Initiate()", "orderID", req.OrderID, "error", err)
			return e.JSON(http.StatusServiceUnavailable, map[string]any{
				"status":  "error",
				"message": "payment gateway unavailable, retry with a new order id",
			})
		default:
			slog.Error("h.paymentService.Initiate()", "orderID", req.OrderID, "error", err)
			return apis.NewInternalServerError("internal error", nil)
		}
	}

	return e.JSON(http.StatusOK, map[string]any{
		"status":              "success",
		"order_id":            init.OrderID,
		"merchant_request_id": init.MerchantRequestID,
		"checkout_request_id": init.CheckoutRequestID,
	})
}

// STKPushCallback - Webhook for gateway payment results. Only a payload we
// cannot parse gets a 4xx; any downstream failure is logged and acked so the
// gateway stops retrying.
func (h *PaymentHandler) STKPushCallback(e *core.RequestEvent) error {
	orderID := e.Request.PathValue("orderId")
	ctx := e.Request.Context()

	raw, err := io.ReadAll(e.Request.Body)
	if err != nil {
		return e.JSON(http.StatusBadRequest, map[string]any{"success": false})
	}

	if _, err := h.callbackService.HandleCallback(ctx, orderID, raw); err != nil {
		if errors.Is(err, status.ErrMalformedCallback) {
			slog.Warn("malformed callback payload", "orderID", orderID, "error", err)
			return e.JSON(http.StatusBadRequest, map[string]any{"success": false})
		}
		slog.Error("h.callbackService.HandleCallback()", "orderID", orderID, "error", err)
	}

	return e.JSON(http.StatusOK, map[string]any{
		"success":  true,
		"received": true,
	})
}

// ConfirmPayment - Query the gateway directly for one push's status
func (h *PaymentHandler) ConfirmPayment(e *core.RequestEvent) error {
	checkoutRequestID := e.Request.PathValue("checkoutRequestId")
	if checkoutRequestID == "" {
		return apis.NewBadRequestError("checkoutRequestId is required", nil)
	}
	ctx := e.Request.Context()

	reply, err := h.gateway.QueryStatus(ctx, checkoutRequestID)
	if err != nil {
		slog.Error("h.gateway.QueryStatus()", "checkoutRequestID", checkoutRequestID, "error", err)
		return e.JSON(http.StatusServiceUnavailable, map[string]any{
			"status":  "error",
			"message": "payment gateway unavailable",
		})
	}

	return e.JSON(http.StatusOK, reply)
}

// GetPayment - Current state of one initiation
func (h *PaymentHandler) GetPayment(e *core.RequestEvent) error {
	orderID := e.Request.PathValue("orderId")
	ctx := e.Request.Context()

	init, err := h.paymentService.Get(ctx, orderID)
	if err != nil {
		if errors.Is(err, status.ErrUnknownOrder) {
			return apis.NewNotFoundError("Payment not found", nil)
		}
		slog.Error("h.paymentService.Get()", "orderID", orderID, "error", err)
		return apis.NewInternalServerError("internal error", nil)
	}

	return e.JSON(http.StatusOK, map[string]any{
		"order_id":            init.OrderID,
		"member_id":           init.MemberID,
		"amount":              init.Amount.String(),
		"phone":               init.Phone,
		"payment_type_id":     init.PaymentTypeID,
		"status":              init.Status,
		"merchant_request_id": init.MerchantRequestID,
		"checkout_request_id": init.CheckoutRequestID,
		"receipt_number":      init.ReceiptNumber,
		"created":             init.CreatedAt,
		"updated":             init.UpdatedAt,
	})
}

// Warmup - Refresh the gateway access token ahead of traffic
func (h *PaymentHandler) Warmup(e *core.RequestEvent) error {
	ctx := e.Request.Context()
	if err := h.gateway.Warmup(ctx); err != nil {
		slog.Error("h.gateway.Warmup()", "error", err)
		return e.JSON(http.StatusServiceUnavailable, map[string]any{
			"status":  "error",
			"message": "gateway authentication failed",
		})
	}
	return e.JSON(http.StatusOK, map[string]any{"status": "success"})
}
