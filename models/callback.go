package models

import (
	"bytes"
	"encoding/json"
	"regexp"
	"time"

	"github.com/shopspring/decimal"

	"mpesa-relay/internal/status"
)

// Wire format of the Daraja STK push callback. The gateway posts a nested
// JSON object whose Body.stkCallback field carries the result; optional
// metadata arrives as an unordered list of {Name, Value} pairs.
type (
	CallbackMetadataItem struct {
		Name  string `json:"Name"`
		Value any    `json:"Value,omitempty"`
	}

	CallbackMetadata struct {
		Item []CallbackMetadataItem `json:"Item"`
	}

	STKCallback struct {
		MerchantRequestID string            `json:"MerchantRequestID"`
		CheckoutRequestID string            `json:"CheckoutRequestID"`
		ResultCode        int               `json:"ResultCode"`
		ResultDesc        string            `json:"ResultDesc"`
		CallbackMetadata  *CallbackMetadata `json:"CallbackMetadata,omitempty"`
	}

	STKCallbackRequest struct {
		Body struct {
			STKCallback *STKCallback `json:"stkCallback"`
		} `json:"Body"`
	}
)

// CallbackResult is the canonical, parsed form of a gateway webhook. It is a
// transient value object: produced by ParseCallback, consumed by the
// reconciler, never persisted verbatim.
type CallbackResult struct {
	OrderID           string           `json:"order_id"`
	MerchantRequestID string           `json:"merchant_request_id"`
	CheckoutRequestID string           `json:"checkout_request_id"`
	ResultCode        int              `json:"result_code"`
	ResultDesc        string           `json:"result_desc"`
	Amount            *decimal.Decimal `json:"amount,omitempty"`
	ReceiptNumber     *string          `json:"receipt_number,omitempty"`
	TransactionTime   *time.Time       `json:"transaction_time,omitempty"`
	Phone             *string          `json:"phone,omitempty"`
}

// Complete reports whether a successful result carries its receipt number. A
// success without a receipt is incomplete and needs reconciliation, not a
// failure.
func (r *CallbackResult) Complete() bool {
	return r.ResultCode != 0 || r.ReceiptNumber != nil
}

var transactionTimePattern = regexp.MustCompile(`^\d{14}$`)

// ParseTransactionTime converts the provider's fixed 14-digit YYYYMMDDHHMMSS
// timestamp to UTC. Input not matching that exact pattern yields nil rather
// than a malformed value.
func ParseTransactionTime(s string) *time.Time {
	if !transactionTimePattern.MatchString(s) {
		return nil
	}
	t, err := time.Parse("20060102150405", s)
	if err != nil {
		return nil
	}
	return &t
}

// ParseCallback parses a raw webhook body into a CallbackResult. It is pure
// with respect to external state: no storage, no notifications. A payload
// without the Body.stkCallback structure fails with ErrMalformedCallback;
// missing metadata items map to nil and never fail the parse.
func ParseCallback(orderID string, raw []byte) (*CallbackResult, error) {
	var req STKCallbackRequest
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		return nil, status.ErrMalformedCallback
	}

	cb := req.Body.STKCallback
	if cb == nil {
		return nil, status.ErrMalformedCallback
	}

	res := &CallbackResult{
		OrderID:           orderID,
		MerchantRequestID: cb.MerchantRequestID,
		CheckoutRequestID: cb.CheckoutRequestID,
		ResultCode:        cb.ResultCode,
		ResultDesc:        cb.ResultDesc,
	}

	if cb.CallbackMetadata != nil {
		items := cb.CallbackMetadata.Item
		res.Amount = itemDecimal(items, "Amount")
		res.ReceiptNumber = itemString(items, "MpesaReceiptNumber")
		res.Phone = itemString(items, "PhoneNumber")
		if ts := itemString(items, "TransactionDate"); ts != nil {
			res.TransactionTime = ParseTransactionTime(*ts)
		}
	}

	return res, nil
}

// itemString extracts a metadata value by name. The gateway sends phone
// numbers and timestamps as JSON numbers, so both forms are accepted.
func itemString(items []CallbackMetadataItem, name string) *string {
	for _, it := range items {
		if it.Name != name || it.Value == nil {
			continue
		}
		switch v := it.Value.(type) {
		case string:
			return &v
		case json.Number:
			s := v.String()
			return &s
		}
	}
	return nil
}

func itemDecimal(items []CallbackMetadataItem, name string) *decimal.Decimal {
	s := itemString(items, name)
	if s == nil {
		return nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil
	}
	return &d
}
