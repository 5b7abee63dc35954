package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mpesa-relay/internal/services/gateway/daraja"
	"mpesa-relay/internal/status"
	"mpesa-relay/models"
)

type fakeLedger struct {
	inits map[string]*models.Initiation
	types map[string]*models.PaymentType

	createErr       error
	refsErr         error
	finalizeErr     error
	forceNotApplied bool
	processorErr    error

	finalized     []*models.Outcome
	registrations []string
	contributions []string
	markedFailed  []string
	staleInits    []*models.Initiation
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		inits: map[string]*models.Initiation{},
		types: map[string]*models.PaymentType{},
	}
}

func (f *fakeLedger) CreateInitiation(ctx context.Context, init *models.Initiation) error {
	if f.createErr != nil {
		return f.createErr
	}
	init.Status = models.StatusInitiated
	f.inits[init.OrderID] = init
	return nil
}

func (f *fakeLedger) FindInitiation(ctx context.Context, orderID string) (*models.Initiation, error) {
	init, ok := f.inits[orderID]
	if !ok {
		return nil, fmt.Errorf("findInitiation: %w", status.ErrUnknownOrder)
	}
	cp := *init
	return &cp, nil
}

func (f *fakeLedger) SetGatewayRefs(ctx context.Context, orderID, merchantRequestID, checkoutRequestID string) error {
	if f.refsErr != nil {
		return f.refsErr
	}
	init, ok := f.inits[orderID]
	if !ok {
		return fmt.Errorf("setGatewayRefs: %w", status.ErrUnknownOrder)
	}
	init.MerchantRequestID = merchantRequestID
	init.CheckoutRequestID = checkoutRequestID
	return nil
}

func (f *fakeLedger) FinalizeOutcome(ctx context.Context, result *models.CallbackResult, outcome *models.Outcome) (bool, error) {
	if f.finalizeErr != nil {
		return false, fmt.Errorf("finalizeOutcome: %w: %v", status.ErrStorage, f.finalizeErr)
	}
	if f.forceNotApplied {
		return false, nil
	}
	init, ok := f.inits[outcome.OrderID]
	if !ok || init.Status != models.StatusInitiated {
		return false, nil
	}
	init.Status = outcome.Status
	if outcome.ReceiptNumber != nil {
		init.ReceiptNumber = *outcome.ReceiptNumber
	}
	f.finalized = append(f.finalized, outcome)
	return true, nil
}

func (f *fakeLedger) MarkProcessingFailed(ctx context.Context, orderID, reason string) error {
	init, ok := f.inits[orderID]
	if !ok || init.Status != models.StatusCompleted {
		return fmt.Errorf("markProcessingFailed: order %s not in completed state", orderID)
	}
	init.Status = models.StatusProcessingFailed
	f.markedFailed = append(f.markedFailed, orderID)
	return nil
}

func (f *fakeLedger) GetPaymentType(ctx context.Context, id string) (*models.PaymentType, error) {
	pt, ok := f.types[id]
	if !ok {
		return nil, fmt.Errorf("getPaymentType: %s not found", id)
	}
	return pt, nil
}

func (f *fakeLedger) ProcessRegistrationPayment(ctx context.Context, init *models.Initiation, outcome *models.Outcome) error {
	if f.processorErr != nil {
		return f.processorErr
	}
	f.registrations = append(f.registrations, init.OrderID)
	return nil
}

func (f *fakeLedger) MakeContribution(ctx context.Context, init *models.Initiation, outcome *models.Outcome) error {
	if f.processorErr != nil {
		return f.processorErr
	}
	f.contributions = append(f.contributions, init.OrderID)
	return nil
}

func (f *fakeLedger) FindStaleInitiations(ctx context.Context, olderThan time.Duration, limit int) ([]*models.Initiation, error) {
	return f.staleInits, nil
}

type fakeGateway struct {
	pushResp  *daraja.STKPushResponse
	pushErr   error
	pushCalls int

	queryResp    *daraja.QueryResponse
	queryErr     error
	queryErrOnce bool
	queryCalls   int
}

func (f *fakeGateway) STKPush(ctx context.Context, r *daraja.STKPushRequest) (*daraja.STKPushResponse, error) {
	f.pushCalls++
	if f.pushErr != nil {
		return nil, f.pushErr
	}
	return f.pushResp, nil
}

func (f *fakeGateway) QueryStatus(ctx context.Context, checkoutRequestID string) (*daraja.QueryResponse, error) {
	f.queryCalls++
	if f.queryErr != nil {
		if f.queryErrOnce {
			err := f.queryErr
			f.queryErr = nil
			return nil, err
		}
		return nil, f.queryErr
	}
	return f.queryResp, nil
}

type fakeNotifier struct {
	notified []*models.Outcome
}

func (f *fakeNotifier) Notify(orderID string, outcome *models.Outcome) {
	f.notified = append(f.notified, outcome)
}

func seedInitiation(ledger *fakeLedger, orderID, typeName string) *models.Initiation {
	typeID := "pt_" + typeName
	ledger.types[typeID] = &models.PaymentType{ID: typeID, Name: typeName}
	init := &models.Initiation{
		OrderID:           orderID,
		MemberID:          "mem1",
		Amount:            decimal.NewFromInt(1500),
		Phone:             "254708374149",
		PaymentTypeID:     typeID,
		Status:            models.StatusInitiated,
		MerchantRequestID: "m1",
		CheckoutRequestID: "c1",
	}
	ledger.inits[orderID] = init
	return init
}

func newTestCallbackService(ledger *fakeLedger, gateway *fakeGateway, notifier *fakeNotifier) *CallbackService {
	return NewCallbackService(ledger, gateway, notifier, nil, CallbackConfig{
		QueryTimeout: time.Second,
	})
}

func successResult(orderID string, receipt *string) *models.CallbackResult {
	amount := decimal.NewFromInt(1500)
	return &models.CallbackResult{
		OrderID:           orderID,
		MerchantRequestID: "m1",
		CheckoutRequestID: "c1",
		ResultCode:        0,
		ResultDesc:        "The service request is processed successfully.",
		Amount:            &amount,
		ReceiptNumber:     receipt,
	}
}

func TestReconcile_UnknownOrder(t *testing.T) {
	ledger := newFakeLedger()
	gateway := &fakeGateway{}
	notifier := &fakeNotifier{}
	svc := newTestCallbackService(ledger, gateway, notifier)

	receipt := "NLJ7RT61SV"
	_, err := svc.Reconcile(context.Background(), successResult("ghost", &receipt))

	assert.ErrorIs(t, err, status.ErrUnknownOrder)
	assert.Empty(t, ledger.finalized)
	assert.Empty(t, notifier.notified)
	assert.Zero(t, gateway.queryCalls)
}

func TestReconcile_SuccessWithReceipt(t *testing.T) {
	ledger := newFakeLedger()
	gateway := &fakeGateway{}
	notifier := &fakeNotifier{}
	svc := newTestCallbackService(ledger, gateway, notifier)
	seedInitiation(ledger, "ORD1", "event_ticket")

	receipt := "NLJ7RT61SV"
	outcome, err := svc.Reconcile(context.Background(), successResult("ORD1", &receipt))
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, outcome.Status)
	assert.False(t, outcome.Degraded)
	assert.Equal(t, models.StatusCompleted, ledger.inits["ORD1"].Status)
	assert.Equal(t, "NLJ7RT61SV", ledger.inits["ORD1"].ReceiptNumber)

	// Receipt came with the callback, no reason to hit the gateway.
	assert.Zero(t, gateway.queryCalls)

	require.Len(t, notifier.notified, 1)
	assert.Equal(t, models.StatusCompleted, notifier.notified[0].Status)
}

func TestReconcile_Failure(t *testing.T) {
	ledger := newFakeLedger()
	gateway := &fakeGateway{}
	notifier := &fakeNotifier{}
	svc := newTestCallbackService(ledger, gateway, notifier)
	seedInitiation(ledger, "ORD1", "event_ticket")

	outcome, err := svc.Reconcile(context.Background(), &models.CallbackResult{
		OrderID:    "ORD1",
		ResultCode: 1032,
		ResultDesc: "Request cancelled by user.",
	})
	require.NoError(t, err)

	assert.Equal(t, models.StatusFailed, outcome.Status)
	assert.Equal(t, "Request cancelled by user.", outcome.Reason)
	assert.Equal(t, models.StatusFailed, ledger.inits["ORD1"].Status)

	// Failures never need the status query.
	assert.Zero(t, gateway.queryCalls)

	require.Len(t, notifier.notified, 1)
	assert.Equal(t, models.StatusFailed, notifier.notified[0].Status)
}

func TestReconcile_BackfillsMissingReceipt(t *testing.T) {
	ledger := newFakeLedger()
	gateway := &fakeGateway{
		queryResp: &daraja.QueryResponse{
			ResponseCode:  "0",
			ResultCode:    "0",
			ReceiptNumber: "NLJ7RT61SV",
		},
	}
	notifier := &fakeNotifier{}
	svc := newTestCallbackService(ledger, gateway, notifier)
	seedInitiation(ledger, "ORD1", "event_ticket")

	outcome, err := svc.Reconcile(context.Background(), successResult("ORD1", nil))
	require.NoError(t, err)

	assert.Equal(t, 1, gateway.queryCalls)
	assert.Equal(t, models.StatusCompleted, outcome.Status)
	assert.False(t, outcome.Degraded)
	require.NotNil(t, outcome.ReceiptNumber)
	assert.Equal(t, "NLJ7RT61SV", *outcome.ReceiptNumber)
}

func TestReconcile_QueryLacksReceipt(t *testing.T) {
	ledger := newFakeLedger()
	gateway := &fakeGateway{
		queryResp: &daraja.QueryResponse{ResponseCode: "0", ResultCode: "0"},
	}
	notifier := &fakeNotifier{}
	svc := newTestCallbackService(ledger, gateway, notifier)
	seedInitiation(ledger, "ORD1", "event_ticket")

	outcome, err := svc.Reconcile(context.Background(), successResult("ORD1", nil))
	require.NoError(t, err)

	// Completed without a receipt, flagged rather than failed.
	assert.Equal(t, 1, gateway.queryCalls)
	assert.Equal(t, models.StatusCompleted, outcome.Status)
	assert.Nil(t, outcome.ReceiptNumber)
	assert.True(t, outcome.Degraded)
	assert.Equal(t, models.StatusCompleted, ledger.inits["ORD1"].Status)
}

func TestReconcile_QueryRetriesOnce(t *testing.T) {
	ledger := newFakeLedger()
	gateway := &fakeGateway{
		queryErr:     fmt.Errorf("connection refused"),
		queryErrOnce: true,
		queryResp: &daraja.QueryResponse{
			ResponseCode:  "0",
			ResultCode:    "0",
			ReceiptNumber: "NLJ7RT61SV",
		},
	}
	notifier := &fakeNotifier{}
	svc := newTestCallbackService(ledger, gateway, notifier)
	seedInitiation(ledger, "ORD1", "event_ticket")

	outcome, err := svc.Reconcile(context.Background(), successResult("ORD1", nil))
	require.NoError(t, err)

	assert.Equal(t, 2, gateway.queryCalls)
	assert.False(t, outcome.Degraded)
	require.NotNil(t, outcome.ReceiptNumber)
}

func TestReconcile_QueryKeepsFailing(t *testing.T) {
	ledger := newFakeLedger()
	gateway := &fakeGateway{queryErr: fmt.Errorf("connection refused")}
	notifier := &fakeNotifier{}
	svc := newTestCallbackService(ledger, gateway, notifier)
	seedInitiation(ledger, "ORD1", "event_ticket")

	outcome, err := svc.Reconcile(context.Background(), successResult("ORD1", nil))
	require.NoError(t, err)

	// One retry, then give up and record the success as degraded.
	assert.Equal(t, 2, gateway.queryCalls)
	assert.Equal(t, models.StatusCompleted, outcome.Status)
	assert.True(t, outcome.Degraded)
	assert.Nil(t, outcome.ReceiptNumber)
	assert.Equal(t, models.StatusCompleted, ledger.inits["ORD1"].Status)
	require.Len(t, notifier.notified, 1)
}

func TestReconcile_DuplicateAfterTerminal(t *testing.T) {
	ledger := newFakeLedger()
	gateway := &fakeGateway{}
	notifier := &fakeNotifier{}
	svc := newTestCallbackService(ledger, gateway, notifier)
	init := seedInitiation(ledger, "ORD1", "event_ticket")
	init.Status = models.StatusCompleted

	receipt := "NLJ7RT61SV"
	_, err := svc.Reconcile(context.Background(), successResult("ORD1", &receipt))

	assert.ErrorIs(t, err, status.ErrDuplicateCallback)
	assert.Empty(t, ledger.finalized)
	assert.Empty(t, notifier.notified)
	assert.Equal(t, models.StatusCompleted, ledger.inits["ORD1"].Status)
}

func TestReconcile_DuplicateLosesCheckAndSet(t *testing.T) {
	// Two deliveries race past the terminal check; only the storage layer
	// decides, and the loser reports a duplicate.
	ledger := newFakeLedger()
	ledger.forceNotApplied = true
	gateway := &fakeGateway{}
	notifier := &fakeNotifier{}
	svc := newTestCallbackService(ledger, gateway, notifier)
	seedInitiation(ledger, "ORD1", "event_ticket")

	receipt := "NLJ7RT61SV"
	_, err := svc.Reconcile(context.Background(), successResult("ORD1", &receipt))

	assert.ErrorIs(t, err, status.ErrDuplicateCallback)
	assert.Empty(t, notifier.notified)
}

func TestReconcile_ProcessorFailure(t *testing.T) {
	ledger := newFakeLedger()
	ledger.processorErr = fmt.Errorf("member record locked")
	gateway := &fakeGateway{}
	notifier := &fakeNotifier{}
	svc := newTestCallbackService(ledger, gateway, notifier)
	seedInitiation(ledger, "ORD1", models.PaymentTypeRegistration)

	receipt := "NLJ7RT61SV"
	outcome, err := svc.Reconcile(context.Background(), successResult("ORD1", &receipt))
	require.NoError(t, err)

	// The payment itself stays recorded; only the status reflects the
	// downstream failure.
	assert.Equal(t, models.StatusProcessingFailed, outcome.Status)
	assert.True(t, outcome.Degraded)
	assert.Equal(t, models.StatusProcessingFailed, ledger.inits["ORD1"].Status)
	assert.Equal(t, []string{"ORD1"}, ledger.markedFailed)

	require.Len(t, notifier.notified, 1)
	assert.Equal(t, models.StatusProcessingFailed, notifier.notified[0].Status)
}

func TestReconcile_RegistrationProcessorRuns(t *testing.T) {
	ledger := newFakeLedger()
	gateway := &fakeGateway{}
	notifier := &fakeNotifier{}
	svc := newTestCallbackService(ledger, gateway, notifier)
	seedInitiation(ledger, "ORD1", models.PaymentTypeRegistration)

	receipt := "NLJ7RT61SV"
	_, err := svc.Reconcile(context.Background(), successResult("ORD1", &receipt))
	require.NoError(t, err)

	assert.Equal(t, []string{"ORD1"}, ledger.registrations)
	assert.Empty(t, ledger.contributions)
}

func TestReconcile_ContributionProcessorRuns(t *testing.T) {
	ledger := newFakeLedger()
	gateway := &fakeGateway{}
	notifier := &fakeNotifier{}
	svc := newTestCallbackService(ledger, gateway, notifier)
	seedInitiation(ledger, "ORD1", models.PaymentTypeContribution)

	receipt := "NLJ7RT61SV"
	_, err := svc.Reconcile(context.Background(), successResult("ORD1", &receipt))
	require.NoError(t, err)

	assert.Equal(t, []string{"ORD1"}, ledger.contributions)
}

func TestReconcile_ProcessorSkippedOnFailure(t *testing.T) {
	ledger := newFakeLedger()
	gateway := &fakeGateway{}
	notifier := &fakeNotifier{}
	svc := newTestCallbackService(ledger, gateway, notifier)
	seedInitiation(ledger, "ORD1", models.PaymentTypeRegistration)

	_, err := svc.Reconcile(context.Background(), &models.CallbackResult{
		OrderID:    "ORD1",
		ResultCode: 1032,
		ResultDesc: "Request cancelled by user.",
	})
	require.NoError(t, err)

	assert.Empty(t, ledger.registrations)
}

func TestReconcile_StorageErrorStillNotifies(t *testing.T) {
	ledger := newFakeLedger()
	ledger.finalizeErr = fmt.Errorf("disk full")
	gateway := &fakeGateway{}
	notifier := &fakeNotifier{}
	svc := newTestCallbackService(ledger, gateway, notifier)
	seedInitiation(ledger, "ORD1", "event_ticket")

	receipt := "NLJ7RT61SV"
	outcome, err := svc.Reconcile(context.Background(), successResult("ORD1", &receipt))

	assert.ErrorIs(t, err, status.ErrStorage)
	require.NotNil(t, outcome)
	assert.True(t, outcome.Degraded)

	// Subscribers still hear about the payment even when our storage is sick.
	require.Len(t, notifier.notified, 1)
	assert.Empty(t, ledger.registrations)
}

func TestHandleCallback_EndToEnd(t *testing.T) {
	ledger := newFakeLedger()
	gateway := &fakeGateway{}
	notifier := &fakeNotifier{}
	svc := newTestCallbackService(ledger, gateway, notifier)
	seedInitiation(ledger, "ORD1", "event_ticket")

	raw := []byte(`{
		"Body": {
			"stkCallback": {
				"MerchantRequestID": "m1",
				"CheckoutRequestID": "c1",
				"ResultCode": 0,
				"ResultDesc": "The service request is processed successfully.",
				"CallbackMetadata": {
					"Item": [
						{"Name": "Amount", "Value": 1500.00},
						{"Name": "MpesaReceiptNumber", "Value": "ABC123"},
						{"Name": "TransactionDate", "Value": 20230715123045},
						{"Name": "PhoneNumber", "Value": 254708374149}
					]
				}
			}
		}
	}`)

	outcome, err := svc.HandleCallback(context.Background(), "ORD1", raw)
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, outcome.Status)
	assert.Equal(t, "ABC123", ledger.inits["ORD1"].ReceiptNumber)
	require.Len(t, notifier.notified, 1)
}

func TestHandleCallback_Malformed(t *testing.T) {
	ledger := newFakeLedger()
	svc := newTestCallbackService(ledger, &fakeGateway{}, &fakeNotifier{})
	seedInitiation(ledger, "ORD1", "event_ticket")

	_, err := svc.HandleCallback(context.Background(), "ORD1", []byte(`{"Body":{}}`))

	assert.ErrorIs(t, err, status.ErrMalformedCallback)
	assert.Equal(t, models.StatusInitiated, ledger.inits["ORD1"].Status)
}

func TestSweepOnce(t *testing.T) {
	ledger := newFakeLedger()
	gateway := &fakeGateway{
		queryResp: &daraja.QueryResponse{
			ResponseCode:  "0",
			ResultCode:    "0",
			ResultDesc:    "The service request is processed successfully.",
			ReceiptNumber: "SWP123",
		},
	}
	notifier := &fakeNotifier{}
	svc := newTestCallbackService(ledger, gateway, notifier)

	init := seedInitiation(ledger, "ORD1", "event_ticket")
	ledger.staleInits = []*models.Initiation{init}

	svc.sweepOnce(context.Background())

	assert.Equal(t, 1, gateway.queryCalls)
	assert.Equal(t, models.StatusCompleted, ledger.inits["ORD1"].Status)
	assert.Equal(t, "SWP123", ledger.inits["ORD1"].ReceiptNumber)
	require.Len(t, notifier.notified, 1)
}

func TestSweepOnce_SkipsWithoutCheckoutID(t *testing.T) {
	ledger := newFakeLedger()
	gateway := &fakeGateway{}
	svc := newTestCallbackService(ledger, gateway, &fakeNotifier{})

	init := seedInitiation(ledger, "ORD1", "event_ticket")
	init.CheckoutRequestID = ""
	ledger.staleInits = []*models.Initiation{init}

	svc.sweepOnce(context.Background())

	assert.Zero(t, gateway.queryCalls)
	assert.Equal(t, models.StatusInitiated, ledger.inits["ORD1"].Status)
}

func TestSweepOnce_FailedPayment(t *testing.T) {
	ledger := newFakeLedger()
	gateway := &fakeGateway{
		queryResp: &daraja.QueryResponse{
			ResponseCode: "0",
			ResultCode:   "1032",
			ResultDesc:   "Request cancelled by user.",
		},
	}
	notifier := &fakeNotifier{}
	svc := newTestCallbackService(ledger, gateway, notifier)

	init := seedInitiation(ledger, "ORD1", "event_ticket")
	ledger.staleInits = []*models.Initiation{init}

	svc.sweepOnce(context.Background())

	assert.Equal(t, models.StatusFailed, ledger.inits["ORD1"].Status)
	require.Len(t, notifier.notified, 1)
	assert.Equal(t, "Request cancelled by user.", notifier.notified[0].Reason)
}
