package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"mpesa-relay/internal/services/gateway/daraja"
	"mpesa-relay/internal/status"
	"mpesa-relay/models"
	"mpesa-relay/monitoring"
)

// Gateway is the outbound face of the mpesa backend: push initiation and
// the status-query fallback.
type Gateway interface {
	STKPush(ctx context.Context, r *daraja.STKPushRequest) (*daraja.STKPushResponse, error)
	QueryStatus(ctx context.Context, checkoutRequestID string) (*daraja.QueryResponse, error)
}

type PaymentService struct {
	ledger  Ledger
	gateway Gateway
	Redis   *redis.Client
}

func NewPaymentService(ledger Ledger, gateway Gateway, redisClient *redis.Client) *PaymentService {
	return &PaymentService{
		ledger:  ledger,
		gateway: gateway,
		Redis:   redisClient,
	}
}

type InitiateRequest struct {
	OrderID       string          `json:"order_id"`
	MemberID      string          `json:"member_id"`
	Amount        decimal.Decimal `json:"amount"`
	Phone         string          `json:"phone"`
	PaymentTypeID string          `json:"payment_type_id"`
}

func (r *InitiateRequest) validate() error {
	switch {
	case r.OrderID == "":
		return fmt.Errorf("%w: order_id is required", status.ErrInvalidRequest)
	case r.MemberID == "":
		return fmt.Errorf("%w: member_id is required", status.ErrInvalidRequest)
	case r.Phone == "":
		return fmt.Errorf("%w: phone is required", status.ErrInvalidRequest)
	case r.PaymentTypeID == "":
		return fmt.Errorf("%w: payment_type_id is required", status.ErrInvalidRequest)
	case !r.Amount.IsPositive():
		return fmt.Errorf("%w: amount must be positive", status.ErrInvalidRequest)
	}
	return nil
}

// Initiate records a payment attempt and sends the push prompt to the
// customer's phone. The initiation record is written before the gateway
// call, so a crash in between leaves a detectable orphaned "initiated"
// record instead of an untracked prompt.
func (s *PaymentService) Initiate(ctx context.Context, req *InitiateRequest) (*models.Initiation, error) {
	if err := req.validate(); err != nil {
		monitoring.TrackInitiation("invalid")
		return nil, err
	}

	init := &models.Initiation{
		OrderID:       req.OrderID,
		MemberID:      req.MemberID,
		Amount:        req.Amount,
		Phone:         req.Phone,
		PaymentTypeID: req.PaymentTypeID,
		Status:        models.StatusInitiated,
	}

	// Fail closed: no record, no gateway call.
	if err := s.ledger.CreateInitiation(ctx, init); err != nil {
		monitoring.TrackInitiation("storage_error")
		return nil, err
	}

	resp, err := s.gateway.STKPush(ctx, &daraja.STKPushRequest{
		OrderID: req.OrderID,
		Phone:   req.Phone,
		Amount:  req.Amount,
	})
	if err != nil {
		// The initiation stays "initiated"; the caller may retry with a
		// fresh order id.
		monitoring.TrackInitiation("gateway_error")
		return nil, fmt.Errorf("%w: %v", status.ErrGatewayUnavailable, err)
	}

	init.MerchantRequestID = resp.MerchantRequestID
	init.CheckoutRequestID = resp.CheckoutRequestID

	// Best effort: the callback carries both ids again, so a failed
	// backfill only degrades the sweep, not the callback path.
	if err := s.ledger.SetGatewayRefs(ctx, req.OrderID, resp.MerchantRequestID, resp.CheckoutRequestID); err != nil {
		slog.Error("failed to backfill gateway refs", "orderID", req.OrderID, "error", err)
	}

	monitoring.TrackInitiation("accepted")
	return init, nil
}

// Get returns the current state of one initiation.
func (s *PaymentService) Get(ctx context.Context, orderID string) (*models.Initiation, error) {
	return s.ledger.FindInitiation(ctx, orderID)
}
