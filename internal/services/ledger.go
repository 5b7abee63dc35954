package services

import (
	"context"
	"fmt"
	"time"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/tools/types"
	"github.com/shopspring/decimal"

	"mpesa-relay/internal/status"
	"mpesa-relay/models"
)

// Ledger owns initiation records and exposes the storage operations the
// payment workflow needs. Implementations must make FinalizeOutcome
// idempotent by order id at the storage layer, since multiple process
// instances may handle duplicate webhook deliveries concurrently.
type Ledger interface {
	CreateInitiation(ctx context.Context, init *models.Initiation) error
	FindInitiation(ctx context.Context, orderID string) (*models.Initiation, error)
	SetGatewayRefs(ctx context.Context, orderID, merchantRequestID, checkoutRequestID string) error

	// FinalizeOutcome inserts the payment record and advances the
	// initiation to the outcome's terminal status in one logical
	// transaction. applied is false when the order already left the
	// "initiated" state, i.e. a duplicate delivery.
	FinalizeOutcome(ctx context.Context, result *models.CallbackResult, outcome *models.Outcome) (applied bool, err error)

	// MarkProcessingFailed downgrades a completed initiation whose
	// downstream processor failed. The payment record stays untouched.
	MarkProcessingFailed(ctx context.Context, orderID, reason string) error

	GetPaymentType(ctx context.Context, id string) (*models.PaymentType, error)
	ProcessRegistrationPayment(ctx context.Context, init *models.Initiation, outcome *models.Outcome) error
	MakeContribution(ctx context.Context, init *models.Initiation, outcome *models.Outcome) error

	// FindStaleInitiations returns orders stuck in "initiated" longer than
	// olderThan, for the reconciliation sweep.
	FindStaleInitiations(ctx context.Context, olderThan time.Duration, limit int) ([]*models.Initiation, error)
}

// PBLedger stores the ledger in PocketBase collections.
type PBLedger struct {
	app core.App
}

func NewLedger(app core.App) *PBLedger {
	return &PBLedger{app: app}
}

func (l *PBLedger) CreateInitiation(ctx context.Context, init *models.Initiation) error {
	collection, err := l.app.FindCollectionByNameOrId("payments")
	if err != nil {
		return fmt.Errorf("createInitiation: %w: %v", status.ErrStorageUnavailable, err)
	}

	record := core.NewRecord(collection)
	record.Set("order_id", init.OrderID)
	record.Set("member_id", init.MemberID)
	record.Set("amount", init.Amount.InexactFloat64())
	record.Set("phone", init.Phone)
	record.Set("payment_type_id", init.PaymentTypeID)
	record.Set("status", models.StatusInitiated)

	// The unique index on order_id keeps this to one initiation per order.
	if err := l.app.SaveWithContext(ctx, record); err != nil {
		return fmt.Errorf("createInitiation: %w: %v", status.ErrStorageUnavailable, err)
	}

	init.Status = models.StatusInitiated
	init.CreatedAt = record.GetDateTime("created").Time()
	init.UpdatedAt = record.GetDateTime("updated").Time()

	return nil
}

func (l *PBLedger) FindInitiation(ctx context.Context, orderID string) (*models.Initiation, error) {
	record, err := l.app.FindFirstRecordByData("payments", "order_id", orderID)
	if err != nil {
		return nil, fmt.Errorf("findInitiation: %w", status.ErrUnknownOrder)
	}
	return initiationFromRecord(record), nil
}

func (l *PBLedger) SetGatewayRefs(ctx context.Context, orderID, merchantRequestID, checkoutRequestID string) error {
	record, err := l.app.FindFirstRecordByData("payments", "order_id", orderID)
	if err != nil {
		return fmt.Errorf("setGatewayRefs: %w", status.ErrUnknownOrder)
	}

	record.Set("merchant_request_id", merchantRequestID)
	record.Set("checkout_request_id", checkoutRequestID)

	if err := l.app.SaveWithContext(ctx, record); err != nil {
		return fmt.Errorf("setGatewayRefs: %w: %v", status.ErrStorage, err)
	}
	return nil
}

func (l *PBLedger) FinalizeOutcome(ctx context.Context, result *models.CallbackResult, outcome *models.Outcome) (bool, error) {
	applied := false

	err := l.app.RunInTransaction(func(txApp core.App) error {
		params := dbx.Params{
			"order_id":    outcome.OrderID,
			"from":        models.StatusInitiated,
			"status":      outcome.Status,
			"result_code": outcome.ResultCode,
			"result_desc": outcome.Reason,
			"degraded":    outcome.Degraded,
			"receipt":     "",
			"paid_at":     "",
			"updated":     types.NowDateTime().String(),
		}
		if outcome.ReceiptNumber != nil {
			params["receipt"] = *outcome.ReceiptNumber
		}
		if outcome.PaidAt != nil {
			params["paid_at"] = outcome.PaidAt.UTC().Format(types.DefaultDateLayout)
		}

		// Atomic check-and-set: only the first delivery moves the order
		// out of "initiated". Everything after is a duplicate.
		res, err := txApp.DB().NewQuery(
			`UPDATE payments
			 SET status = {:status}, result_code = {:result_code}, result_desc = {:result_desc},
			     receipt_number = {:receipt}, degraded = {:degraded}, paid_at = {:paid_at},
			     updated = {:updated}
			 WHERE order_id = {:order_id} AND status = {:from}`,
		).Bind(params).Execute()
		if err != nil {
			return fmt.Errorf("finalizeOutcome: status update: %w", err)
		}

		rows, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("finalizeOutcome: rows affected: %w", err)
		}
		if rows == 0 {
			return nil
		}
		applied = true

		return l.insertCallback(txApp, result, outcome)
	})
	if err != nil {
		return false, fmt.Errorf("finalizeOutcome: %w: %v", status.ErrStorage, err)
	}

	return applied, nil
}

// insertCallback writes the immutable payment record for an order. Runs
// inside the FinalizeOutcome transaction.
func (l *PBLedger) insertCallback(txApp core.App, result *models.CallbackResult, outcome *models.Outcome) error {
	collection, err := txApp.FindCollectionByNameOrId("callbacks")
	if err != nil {
		return fmt.Errorf("insertCallback: %w", err)
	}

	record := core.NewRecord(collection)
	record.Set("order_id", result.OrderID)
	record.Set("merchant_request_id", result.MerchantRequestID)
	record.Set("checkout_request_id", result.CheckoutRequestID)
	record.Set("result_code", result.ResultCode)
	record.Set("result_desc", result.ResultDesc)
	if outcome.Amount != nil {
		record.Set("amount", outcome.Amount.InexactFloat64())
	}
	if outcome.ReceiptNumber != nil {
		record.Set("receipt_number", *outcome.ReceiptNumber)
	}
	if outcome.Phone != nil {
		record.Set("phone", *outcome.Phone)
	}
	if outcome.PaidAt != nil {
		record.Set("transaction_time", outcome.PaidAt.UTC().Format(types.DefaultDateLayout))
	}

	if err := txApp.Save(record); err != nil {
		return fmt.Errorf("insertCallback: %w", err)
	}
	return nil
}

func (l *PBLedger) MarkProcessingFailed(ctx context.Context, orderID, reason string) error {
	res, err := l.app.DB().NewQuery(
		`UPDATE payments
		 SET status = {:status}, result_desc = {:reason}, degraded = TRUE, updated = {:updated}
		 WHERE order_id = {:order_id} AND status = {:from}`,
	).Bind(dbx.Params{
		"status":   models.StatusProcessingFailed,
		"reason":   reason,
		"updated":  types.NowDateTime().String(),
		"order_id": orderID,
		"from":     models.StatusCompleted,
	}).Execute()
	if err != nil {
		return fmt.Errorf("markProcessingFailed: %w: %v", status.ErrStorage, err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return fmt.Errorf("markProcessingFailed: order %s not in completed state", orderID)
	}
	return nil
}

func (l *PBLedger) GetPaymentType(ctx context.Context, id string) (*models.PaymentType, error) {
	record, err := l.app.FindRecordById("payment_types", id)
	if err != nil {
		return nil, fmt.Errorf("getPaymentType: %w", err)
	}
	return &models.PaymentType{
		ID:   record.Id,
		Name: record.GetString("name"),
	}, nil
}

func (l *PBLedger) ProcessRegistrationPayment(ctx context.Context, init *models.Initiation, outcome *models.Outcome) error {
	member, err := l.app.FindRecordById("members", init.MemberID)
	if err != nil {
		return fmt.Errorf("processRegistrationPayment: member %s: %w", init.MemberID, err)
	}

	member.Set("registered", true)
	member.Set("registered_at", types.NowDateTime())
	if outcome.ReceiptNumber != nil {
		member.Set("registration_receipt", *outcome.ReceiptNumber)
	}

	if err := l.app.SaveWithContext(ctx, member); err != nil {
		return fmt.Errorf("processRegistrationPayment: %w", err)
	}
	return nil
}

func (l *PBLedger) MakeContribution(ctx context.Context, init *models.Initiation, outcome *models.Outcome) error {
	collection, err := l.app.FindCollectionByNameOrId("contributions")
	if err != nil {
		return fmt.Errorf("makeContribution: %w", err)
	}

	paidAt := time.Now().UTC()
	if outcome.PaidAt != nil {
		paidAt = *outcome.PaidAt
	}

	record := core.NewRecord(collection)
	record.Set("member_id", init.MemberID)
	record.Set("order_id", init.OrderID)
	record.Set("amount", init.Amount.InexactFloat64())
	record.Set("period", paidAt.Format("2006-01"))
	record.Set("paid_at", paidAt.Format(types.DefaultDateLayout))
	if outcome.ReceiptNumber != nil {
		record.Set("receipt_number", *outcome.ReceiptNumber)
	}

	if err := l.app.SaveWithContext(ctx, record); err != nil {
		return fmt.Errorf("makeContribution: %w", err)
	}
	return nil
}

func (l *PBLedger) FindStaleInitiations(ctx context.Context, olderThan time.Duration, limit int) ([]*models.Initiation, error) {
	cutoff := time.Now().Add(-olderThan).UTC().Format(types.DefaultDateLayout)

	var rows []dbx.NullStringMap
	err := l.app.DB().NewQuery(
		`SELECT * FROM payments
		 WHERE status = {:status} AND created < {:cutoff}
		 ORDER BY created ASC
		 LIMIT {:limit}`,
	).Bind(dbx.Params{
		"status": models.StatusInitiated,
		"cutoff": cutoff,
		"limit":  limit,
	}).All(&rows)
	if err != nil {
		return nil, fmt.Errorf("findStaleInitiations: %w", err)
	}

	inits := make([]*models.Initiation, 0, len(rows))
	for _, row := range rows {
		amount, _ := decimal.NewFromString(row["amount"].String)
		inits = append(inits, &models.Initiation{
			OrderID:           row["order_id"].String,
			MemberID:          row["member_id"].String,
			Amount:            amount,
			Phone:             row["phone"].String,
			PaymentTypeID:     row["payment_type_id"].String,
			Status:            row["status"].String,
			MerchantRequestID: row["merchant_request_id"].String,
			CheckoutRequestID: row["checkout_request_id"].String,
		})
	}

	return inits, nil
}

func initiationFromRecord(record *core.Record) *models.Initiation {
	return &models.Initiation{
		OrderID:           record.GetString("order_id"),
		MemberID:          record.GetString("member_id"),
		Amount:            decimal.NewFromFloat(record.GetFloat("amount")),
		Phone:             record.GetString("phone"),
		PaymentTypeID:     record.GetString("payment_type_id"),
		Status:            record.GetString("status"),
		MerchantRequestID: record.GetString("merchant_request_id"),
		CheckoutRequestID: record.GetString("checkout_request_id"),
		ReceiptNumber:     record.GetString("receipt_number"),
		CreatedAt:         record.GetDateTime("created").Time(),
		UpdatedAt:         record.GetDateTime("updated").Time(),
	}
}
