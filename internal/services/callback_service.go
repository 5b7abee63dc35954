package services

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"mpesa-relay/internal/services/gateway/daraja"
	"mpesa-relay/internal/status"
	"mpesa-relay/models"
	"mpesa-relay/monitoring"
	"mpesa-relay/utils"
)

type CallbackConfig struct {
	// QueryTimeout bounds one status-query round trip.
	QueryTimeout time.Duration

	// SeenTTL is how long the Redis duplicate marker lives.
	SeenTTL time.Duration

	// SweepInterval and StaleAfter drive the reconciliation sweep.
	SweepInterval time.Duration
	StaleAfter    time.Duration
}

// CallbackService runs the receive, reconcile, record, notify pipeline for
// gateway webhooks, plus the background sweep for orders whose callback
// never arrived.
type CallbackService struct {
	ledger     Ledger
	gateway    Gateway
	notifier   Notifier
	redis      *redis.Client
	breaker    *utils.CircuitBreaker
	processors map[string]PaymentProcessor
	fallback   PaymentProcessor
	cfg        CallbackConfig
}

func NewCallbackService(ledger Ledger, gateway Gateway, notifier Notifier, redisClient *redis.Client, cfg CallbackConfig) *CallbackService {
	if cfg.QueryTimeout == 0 {
		cfg.QueryTimeout = 5 * time.Second
	}
	if cfg.SeenTTL == 0 {
		cfg.SeenTTL = 24 * time.Hour
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = 10 * time.Minute
	}
	if cfg.StaleAfter == 0 {
		cfg.StaleAfter = 30 * time.Minute
	}

	return &CallbackService{
		ledger:     ledger,
		gateway:    gateway,
		notifier:   notifier,
		redis:      redisClient,
		breaker:    utils.NewCircuitBreaker("daraja-query"),
		processors: newProcessorRegistry(ledger),
		fallback:   &defaultProcessor{},
		cfg:        cfg,
	}
}

// HandleCallback parses one raw webhook body and runs it through
// reconciliation. A malformed payload is the only error the HTTP layer
// turns into a 4xx; everything else still gets acknowledged upstream.
func (s *CallbackService) HandleCallback(ctx context.Context, orderID string, raw []byte) (*models.Outcome, error) {
	start := time.Now()
	defer func() {
		monitoring.ObserveCallbackDuration(time.Since(start))
	}()

	result, err := models.ParseCallback(orderID, raw)
	if err != nil {
		monitoring.TrackCallback("malformed")
		return nil, err
	}

	return s.Reconcile(ctx, result)
}

// Reconcile resolves a parsed callback against its initiation and drives
// the per-order state machine to a terminal status. Exactly one delivery
// per order wins; the storage-layer check-and-set is the correctness
// mechanism, the Redis marker only a fast path.
func (s *CallbackService) Reconcile(ctx context.Context, result *models.CallbackResult) (*models.Outcome, error) {
	orderID := result.OrderID

	if s.seenRecently(ctx, orderID) {
		monitoring.TrackCallback("duplicate")
		return nil, fmt.Errorf("reconcile: %w", status.ErrDuplicateCallback)
	}

	init, err := s.ledger.FindInitiation(ctx, orderID)
	if err != nil {
		// Never invent a record for an order this service did not start.
		monitoring.TrackCallback("unknown_order")
		return nil, err
	}
	if models.IsTerminal(init.Status) {
		s.markSeen(ctx, orderID, init.Status)
		monitoring.TrackCallback("duplicate")
		return nil, fmt.Errorf("reconcile: order %s already %s: %w", orderID, init.Status, status.ErrDuplicateCallback)
	}

	degraded := false
	if result.ResultCode == 0 && result.ReceiptNumber == nil {
		degraded = !s.backfillReceipt(ctx, init, result)
	}

	outcome := buildOutcome(result, degraded)

	applied, err := s.ledger.FinalizeOutcome(ctx, result, outcome)
	if err != nil {
		// The gateway already delivered this callback; surface the error
		// but still notify best effort. No seen marker, so a redelivery
		// gets another shot at recording the outcome.
		slog.Error("failed to record callback outcome", "orderID", orderID, "error", err)
		outcome.Degraded = true
		s.notifier.Notify(orderID, outcome)
		monitoring.TrackCallback("storage_error")
		monitoring.TrackDegradedReconciliation()
		return outcome, err
	}
	if !applied {
		s.markSeen(ctx, orderID, outcome.Status)
		monitoring.TrackCallback("duplicate")
		return nil, fmt.Errorf("reconcile: %w", status.ErrDuplicateCallback)
	}

	if outcome.Success() {
		if err := s.dispatch(ctx, init, outcome); err != nil {
			slog.Error("payment processor failed", "orderID", orderID, "paymentTypeID", init.PaymentTypeID, "error", err)
			outcome.Status = models.StatusProcessingFailed
			outcome.Degraded = true
			if merr := s.ledger.MarkProcessingFailed(ctx, orderID, err.Error()); merr != nil {
				slog.Error("failed to mark processing failure", "orderID", orderID, "error", merr)
			}
		}
	}

	if outcome.Degraded {
		monitoring.TrackDegradedReconciliation()
	}

	s.markSeen(ctx, orderID, outcome.Status)
	s.notifier.Notify(orderID, outcome)
	monitoring.TrackCallback(outcome.Status)

	return outcome, nil
}

// backfillReceipt fills in the receipt number for a success callback that
// arrived without one, using the gateway's status-query endpoint: bounded
// timeout, exactly one retry, guarded by a circuit breaker. Reports whether
// the receipt was recovered; on failure the caller proceeds with the
// incomplete result instead of failing the callback.
func (s *CallbackService) backfillReceipt(ctx context.Context, init *models.Initiation, result *models.CallbackResult) bool {
	checkoutRequestID := result.CheckoutRequestID
	if checkoutRequestID == "" {
		checkoutRequestID = init.CheckoutRequestID
	}
	if checkoutRequestID == "" {
		monitoring.TrackReconciliationQuery("failed")
		return false
	}

	var reply *daraja.QueryResponse
	for attempt := 0; attempt < 2; attempt++ {
		qctx, cancel := context.WithTimeout(ctx, s.cfg.QueryTimeout)
		err := s.breaker.Execute(qctx, func() error {
			q, err := s.gateway.QueryStatus(qctx, checkoutRequestID)
			if err != nil {
				return err
			}
			reply = q
			return nil
		})
		cancel()
		if err == nil {
			break
		}
		slog.Warn("status query failed", "orderID", init.OrderID, "attempt", attempt+1, "error", err)
	}

	if reply == nil {
		monitoring.TrackReconciliationQuery("failed")
		return false
	}
	if reply.ReceiptNumber == "" {
		// Well-formed but ambiguous: still a success, just without a
		// receipt to show for it.
		monitoring.TrackReconciliationQuery("ambiguous")
		return false
	}

	receipt := reply.ReceiptNumber
	result.ReceiptNumber = &receipt
	monitoring.TrackReconciliationQuery("backfilled")
	return true
}

// dispatch resolves the initiation's payment category and runs the matching
// processor. Unknown or unresolvable categories use the default processor.
func (s *CallbackService) dispatch(ctx context.Context, init *models.Initiation, outcome *models.Outcome) error {
	name := ""
	if pt, err := s.ledger.GetPaymentType(ctx, init.PaymentTypeID); err == nil {
		name = pt.Name
	} else {
		slog.Warn("payment type lookup failed, using default processor", "paymentTypeID", init.PaymentTypeID, "error", err)
	}

	proc, ok := s.processors[name]
	if !ok {
		proc = s.fallback
	}
	return proc.Process(ctx, init, outcome)
}

func buildOutcome(result *models.CallbackResult, degraded bool) *models.Outcome {
	outcome := &models.Outcome{
		OrderID:       result.OrderID,
		ResultCode:    result.ResultCode,
		ReceiptNumber: result.ReceiptNumber,
		Amount:        result.Amount,
		Phone:         result.Phone,
		PaidAt:        result.TransactionTime,
		Degraded:      degraded,
	}
	if result.ResultCode == 0 {
		outcome.Status = models.StatusCompleted
	} else {
		outcome.Status = models.StatusFailed
		outcome.Reason = result.ResultDesc
	}
	return outcome
}

func (s *CallbackService) seenRecently(ctx context.Context, orderID string) bool {
	if s.redis == nil {
		return false
	}
	n, err := s.redis.Exists(ctx, seenKey(orderID)).Result()
	return err == nil && n > 0
}

func (s *CallbackService) markSeen(ctx context.Context, orderID, terminalStatus string) {
	if s.redis == nil {
		return
	}
	if err := s.redis.Set(ctx, seenKey(orderID), terminalStatus, s.cfg.SeenTTL).Err(); err != nil {
		slog.Warn("failed to set callback seen marker", "orderID", orderID, "error", err)
	}
}

func seenKey(orderID string) string {
	return fmt.Sprintf("callback:seen:%s", orderID)
}

// ReconcileSweep periodically finalizes orders stuck in "initiated" whose
// callback never made it here, by asking the gateway directly. Runs until
// the context is cancelled.
func (s *CallbackService) ReconcileSweep(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *CallbackService) sweepOnce(ctx context.Context) {
	inits, err := s.ledger.FindStaleInitiations(ctx, s.cfg.StaleAfter, 50)
	if err != nil {
		slog.Error("reconciliation sweep query failed", "error", err)
		return
	}
	if len(inits) == 0 {
		return
	}

	slog.Info("reconciliation sweep", "stale", len(inits))

	for _, init := range inits {
		if init.CheckoutRequestID == "" {
			// The gateway never acknowledged this push; nothing to query.
			slog.Warn("stale initiation without checkout request id", "orderID", init.OrderID)
			continue
		}

		qctx, cancel := context.WithTimeout(ctx, s.cfg.QueryTimeout)
		reply, err := s.gateway.QueryStatus(qctx, init.CheckoutRequestID)
		cancel()
		if err != nil {
			slog.Warn("sweep status query failed", "orderID", init.OrderID, "error", err)
			continue
		}

		code, err := strconv.Atoi(reply.ResultCode)
		if err != nil {
			slog.Warn("sweep query returned non-numeric result code", "orderID", init.OrderID, "resultCode", reply.ResultCode)
			continue
		}

		result := &models.CallbackResult{
			OrderID:           init.OrderID,
			MerchantRequestID: reply.MerchantRequestID,
			CheckoutRequestID: init.CheckoutRequestID,
			ResultCode:        code,
			ResultDesc:        reply.ResultDesc,
		}
		if reply.ReceiptNumber != "" {
			result.ReceiptNumber = &reply.ReceiptNumber
		}

		if _, err := s.Reconcile(ctx, result); err != nil {
			slog.Warn("sweep reconciliation failed", "orderID", init.OrderID, "error", err)
		}
	}
}
