package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Initiation statuses. "initiated" is the only non-terminal state; every
// other status is terminal and absorbs further callbacks for the order.
const (
	StatusInitiated        = "initiated"
	StatusCompleted        = "completed"
	StatusFailed           = "failed"
	StatusProcessingFailed = "processing_failed"
	StatusCallbackError    = "callback_error"
)

// Initiation represents a payment attempt started by this service. The order
// id is the caller-supplied join key between the outbound push request and
// the inbound callback. Records are never deleted.
type Initiation struct {
	OrderID           string          `json:"order_id"`
	MemberID          string          `json:"member_id"`
	Amount            decimal.Decimal `json:"amount"`
	Phone             string          `json:"phone"`
	PaymentTypeID     string          `json:"payment_type_id"`
	Status            string          `json:"status"`
	MerchantRequestID string          `json:"merchant_request_id,omitempty"`
	CheckoutRequestID string          `json:"checkout_request_id,omitempty"`
	ReceiptNumber     string          `json:"receipt_number,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// IsTerminal reports whether an initiation status admits no further
// transitions.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusProcessingFailed, StatusCallbackError:
		return true
	}
	return false
}

// IsValidTransition reports whether moving an initiation from one status to
// another is allowed. The only legal moves are from "initiated" to a
// terminal status.
func IsValidTransition(from, to string) bool {
	return from == StatusInitiated && IsTerminal(to)
}

// PaymentType categorizes an initiation and selects the domain operation to
// run once the payment succeeds.
type PaymentType struct {
	ID   string `json:"id"`
	Name string `json:"name"` // registration, monthly_contribution, ...
}

// Payment type names with dedicated success processors. Anything else falls
// through to the default processor.
const (
	PaymentTypeRegistration = "registration"
	PaymentTypeContribution = "monthly_contribution"
)

// Outcome is the reconciler's verdict for one callback: the terminal status
// the initiation moves to plus whatever metadata survived reconciliation.
type Outcome struct {
	OrderID       string           `json:"order_id"`
	Status        string           `json:"status"`
	ResultCode    int              `json:"result_code"`
	Reason        string           `json:"reason,omitempty"`
	ReceiptNumber *string          `json:"receipt_number,omitempty"`
	Amount        *decimal.Decimal `json:"amount,omitempty"`
	Phone         *string          `json:"phone,omitempty"`
	PaidAt        *time.Time       `json:"paid_at,omitempty"`

	// Degraded marks an outcome recorded with incomplete metadata or a
	// failed downstream processor. Surfaced, never hidden.
	Degraded bool `json:"degraded,omitempty"`
}

// Success reports whether the gateway marked the payment as paid.
func (o *Outcome) Success() bool {
	return o.ResultCode == 0
}
