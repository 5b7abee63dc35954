package status

import "errors"

var (
	// ErrInvalidRequest is returned when an initiation request fails validation.
	ErrInvalidRequest = errors.New("payment: invalid request")

	// ErrGatewayUnavailable is returned when the mpesa gateway cannot be reached
	// or rejects the push request.
	ErrGatewayUnavailable = errors.New("payment: gateway unavailable")

	// ErrMalformedCallback is returned when a webhook payload lacks the
	// expected Body.stkCallback structure.
	ErrMalformedCallback = errors.New("callback: malformed payload")

	// ErrUnknownOrder is returned when a callback references an order id
	// with no matching initiation record.
	ErrUnknownOrder = errors.New("callback: unknown order")

	// ErrStorageUnavailable is returned when the initiation record cannot be
	// written. The gateway is never called in that case.
	ErrStorageUnavailable = errors.New("ledger: storage unavailable")

	// ErrStorage is returned on ledger write failure while recording a
	// callback outcome.
	ErrStorage = errors.New("ledger: storage error")

	// ErrDuplicateCallback marks a callback for an order already in a
	// terminal state. Duplicates are acknowledged, never reprocessed.
	ErrDuplicateCallback = errors.New("callback: duplicate delivery")
)
