package services

import (
	"context"
	"log/slog"

	"mpesa-relay/models"
)

// PaymentProcessor applies the downstream domain operation for one payment
// category after the payment itself has been recorded. Each processor call
// is independent; a failure never rolls back the recorded payment.
type PaymentProcessor interface {
	Process(ctx context.Context, init *models.Initiation, outcome *models.Outcome) error
}

type registrationProcessor struct {
	ledger Ledger
}

func (p *registrationProcessor) Process(ctx context.Context, init *models.Initiation, outcome *models.Outcome) error {
	return p.ledger.ProcessRegistrationPayment(ctx, init, outcome)
}

type contributionProcessor struct {
	ledger Ledger
}

func (p *contributionProcessor) Process(ctx context.Context, init *models.Initiation, outcome *models.Outcome) error {
	return p.ledger.MakeContribution(ctx, init, outcome)
}

// defaultProcessor covers payment categories with no dedicated downstream
// operation. The payment record written by the ledger is the whole effect.
type defaultProcessor struct{}

func (p *defaultProcessor) Process(ctx context.Context, init *models.Initiation, outcome *models.Outcome) error {
	slog.Info("payment recorded without downstream processor",
		"orderID", init.OrderID,
		"paymentTypeID", init.PaymentTypeID,
	)
	return nil
}

func newProcessorRegistry(ledger Ledger) map[string]PaymentProcessor {
	return map[string]PaymentProcessor{
		models.PaymentTypeRegistration: &registrationProcessor{ledger: ledger},
		models.PaymentTypeContribution: &contributionProcessor{ledger: ledger},
	}
}
