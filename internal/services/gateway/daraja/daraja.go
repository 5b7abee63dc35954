package daraja

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type (
	Config struct {
		BaseURL        string `json:"baseUrl" mapstructure:"base_url"`
		ConsumerKey    string `json:"consumerKey" mapstructure:"consumer_key"`
		ConsumerSecret string `json:"consumerSecret" mapstructure:"consumer_secret"`

		ShortCode string `json:"shortCode" mapstructure:"short_code"`
		PassKey   string `json:"passKey" mapstructure:"pass_key"`

		CallbackBaseURL  string `json:"callbackBaseUrl" mapstructure:"callback_base_url"`
		AccountReference string `json:"accountReference" mapstructure:"account_reference"`
	}

	// Daraja is the mpesa STK push gateway.
	Daraja struct {
		shortCode        string
		passKey          string
		callbackBaseURL  string
		accountReference string

		// now is the clock used to build the password timestamp.
		now func() time.Time

		client *Client
	}
)

// STKPushRequest carries the caller-side fields of a push initiation. The
// order id names the callback room and the callback URL path segment.
type STKPushRequest struct {
	OrderID string          `json:"order_id"`
	Phone   string          `json:"phone"`
	Amount  decimal.Decimal `json:"amount"`
}

type STKPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

type QueryResponse struct {
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResultCode          string `json:"ResultCode"`
	ResultDesc          string `json:"ResultDesc"`
	ReceiptNumber       string `json:"MpesaReceiptNumber,omitempty"`
}

// New returns a new Daraja instance with a fresh access token and a
// background token refresher.
func New(ctx context.Context, cfg *Config) (*Daraja, error) {
	client := newClient(ctx, &ClientConfig{
		BaseURL:        cfg.BaseURL,
		ConsumerKey:    cfg.ConsumerKey,
		ConsumerSecret: cfg.ConsumerSecret,
	})

	// Connect to the Daraja backend. Get access token.
	token, err := client.connect(ctx)
	if err != nil {
		return nil, err
	}
	client.setAccessToken(token)

	// Notify access token expired.
	go client.notifyAccessTokenExpired(ctx)

	return &Daraja{
		shortCode:        cfg.ShortCode,
		passKey:          cfg.PassKey,
		callbackBaseURL:  cfg.CallbackBaseURL,
		accountReference: cfg.AccountReference,
		now:              time.Now,
		client:           client,
	}, nil
}

// STKPush sends a payment prompt to the customer's phone. The gateway posts
// the result asynchronously to the callback URL derived from the order id.
func (d *Daraja) STKPush(ctx context.Context, r *STKPushRequest) (*STKPushResponse, error) {
	ts := Timestamp(d.now())

	p := &pushPayload{
		BusinessShortCode: d.shortCode,
		Password:          Password(d.shortCode, d.passKey, ts),
		Timestamp:         ts,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            r.Amount.String(),
		PartyA:            r.Phone,
		PartyB:            d.shortCode,
		PhoneNumber:       r.Phone,
		CallBackURL:       fmt.Sprintf("%s/api/v1/stkPushCallback/%s", d.callbackBaseURL, r.OrderID),
		AccountReference:  d.accountReference,
		TransactionDesc:   "Paid online",
	}

	return d.client.stkPush(ctx, p)
}

// QueryStatus checks the final result of a push from the gateway's
// status-query endpoint, keyed by checkout request id.
func (d *Daraja) QueryStatus(ctx context.Context, checkoutRequestID string) (*QueryResponse, error) {
	ts := Timestamp(d.now())

	p := &queryPayload{
		BusinessShortCode: d.shortCode,
		Password:          Password(d.shortCode, d.passKey, ts),
		Timestamp:         ts,
		CheckoutRequestID: checkoutRequestID,
	}

	return d.client.queryStatus(ctx, p)
}

// Warmup refreshes the access token eagerly so the first push after a cold
// start does not pay the auth round trip.
func (d *Daraja) Warmup(ctx context.Context) error {
	token, err := d.client.connect(ctx)
	if err != nil {
		return fmt.Errorf("warmupDaraja: %w", err)
	}
	d.client.setAccessToken(token)
	return nil
}
