package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mpesa-relay/internal/status"
)

func TestParseTransactionTime(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected *time.Time
	}{
		{"Valid timestamp", "20230715123045", timePtr(2023, 7, 15, 12, 30, 45)},
		{"Midnight", "20260101000000", timePtr(2026, 1, 1, 0, 0, 0)},
		{"Empty string", "", nil},
		{"Too short", "2023071512304", nil},
		{"Too long", "202307151230450", nil},
		{"Non-numeric", "2023071512304x", nil},
		{"Impossible month", "20231315123045", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseTransactionTime(tt.input)
			if tt.expected == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, *tt.expected, got.UTC())
		})
	}
}

func timePtr(year int, month time.Month, day, hour, min, sec int) *time.Time {
	t := time.Date(year, month, day, hour, min, sec, 0, time.UTC)
	return &t
}

func TestParseCallback_Success(t *testing.T) {
	raw := []byte(`{
		"Body": {
			"stkCallback": {
				"MerchantRequestID": "29115-34620561-1",
				"CheckoutRequestID": "ws_CO_191220191020363925",
				"ResultCode": 0,
				"ResultDesc": "The service request is processed successfully.",
				"CallbackMetadata": {
					"Item": [
						{"Name": "Amount", "Value": 1500.00},
						{"Name": "MpesaReceiptNumber", "Value": "NLJ7RT61SV"},
						{"Name": "TransactionDate", "Value": 20230715123045},
						{"Name": "PhoneNumber", "Value": 254708374149}
					]
				}
			}
		}
	}`)

	result, err := ParseCallback("ORD1", raw)
	require.NoError(t, err)

	assert.Equal(t, "ORD1", result.OrderID)
	assert.Equal(t, "29115-34620561-1", result.MerchantRequestID)
	assert.Equal(t, "ws_CO_191220191020363925", result.CheckoutRequestID)
	assert.Equal(t, 0, result.ResultCode)

	require.NotNil(t, result.Amount)
	assert.Equal(t, "1500", result.Amount.String())

	require.NotNil(t, result.ReceiptNumber)
	assert.Equal(t, "NLJ7RT61SV", *result.ReceiptNumber)

	// Phone arrives as a JSON number and must keep all its digits.
	require.NotNil(t, result.Phone)
	assert.Equal(t, "254708374149", *result.Phone)

	require.NotNil(t, result.TransactionTime)
	assert.Equal(t, time.Date(2023, 7, 15, 12, 30, 45, 0, time.UTC), result.TransactionTime.UTC())

	assert.True(t, result.Complete())
}

func TestParseCallback_Failure(t *testing.T) {
	raw := []byte(`{
		"Body": {
			"stkCallback": {
				"MerchantRequestID": "29115-34620561-1",
				"CheckoutRequestID": "ws_CO_191220191020363925",
				"ResultCode": 1032,
				"ResultDesc": "Request cancelled by user."
			}
		}
	}`)

	result, err := ParseCallback("ORD2", raw)
	require.NoError(t, err)

	assert.Equal(t, 1032, result.ResultCode)
	assert.Equal(t, "Request cancelled by user.", result.ResultDesc)
	assert.Nil(t, result.Amount)
	assert.Nil(t, result.ReceiptNumber)
	assert.Nil(t, result.TransactionTime)

	// A failure is complete without any metadata.
	assert.True(t, result.Complete())
}

func TestParseCallback_SuccessWithoutReceipt(t *testing.T) {
	raw := []byte(`{
		"Body": {
			"stkCallback": {
				"MerchantRequestID": "m1",
				"CheckoutRequestID": "c1",
				"ResultCode": 0,
				"ResultDesc": "ok",
				"CallbackMetadata": {
					"Item": [
						{"Name": "Amount", "Value": 100}
					]
				}
			}
		}
	}`)

	result, err := ParseCallback("ORD3", raw)
	require.NoError(t, err)

	assert.Nil(t, result.ReceiptNumber)
	assert.False(t, result.Complete())
}

func TestParseCallback_Malformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"Not JSON", `not json at all`},
		{"Empty object", `{}`},
		{"Missing stkCallback", `{"Body": {}}`},
		{"Null stkCallback", `{"Body": {"stkCallback": null}}`},
		{"Truncated", `{"Body": {"stkCallback": {"ResultCode":`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := ParseCallback("ORD4", []byte(tt.raw))
			assert.Nil(t, result)
			assert.ErrorIs(t, err, status.ErrMalformedCallback)
		})
	}
}

func TestParseCallback_UnexpectedMetadataTypes(t *testing.T) {
	// Values of an unexpected type are dropped, never fatal.
	raw := []byte(`{
		"Body": {
			"stkCallback": {
				"MerchantRequestID": "m1",
				"CheckoutRequestID": "c1",
				"ResultCode": 0,
				"ResultDesc": "ok",
				"CallbackMetadata": {
					"Item": [
						{"Name": "Amount", "Value": {"nested": true}},
						{"Name": "MpesaReceiptNumber", "Value": ["ABC"]},
						{"Name": "TransactionDate", "Value": "not-a-date"},
						{"Name": "PhoneNumber"}
					]
				}
			}
		}
	}`)

	result, err := ParseCallback("ORD5", raw)
	require.NoError(t, err)

	assert.Nil(t, result.Amount)
	assert.Nil(t, result.ReceiptNumber)
	assert.Nil(t, result.TransactionTime)
	assert.Nil(t, result.Phone)
}
