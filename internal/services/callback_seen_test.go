package services

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mpesa-relay/internal/status"
	"mpesa-relay/models"
)

func TestReconcile_SeenMarkerFastPath(t *testing.T) {
	db, mock := redismock.NewClientMock()

	ledger := newFakeLedger()
	notifier := &fakeNotifier{}
	svc := NewCallbackService(ledger, &fakeGateway{}, notifier, db, CallbackConfig{
		QueryTimeout: time.Second,
	})
	seedInitiation(ledger, "ORD1", "event_ticket")

	mock.ExpectExists("callback:seen:ORD1").SetVal(1)

	receipt := "NLJ7RT61SV"
	_, err := svc.Reconcile(context.Background(), successResult("ORD1", &receipt))

	// Marker hit short-circuits before any storage work.
	assert.ErrorIs(t, err, status.ErrDuplicateCallback)
	assert.Equal(t, models.StatusInitiated, ledger.inits["ORD1"].Status)
	assert.Empty(t, notifier.notified)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReconcile_SetsSeenMarker(t *testing.T) {
	db, mock := redismock.NewClientMock()

	ledger := newFakeLedger()
	notifier := &fakeNotifier{}
	svc := NewCallbackService(ledger, &fakeGateway{}, notifier, db, CallbackConfig{
		QueryTimeout: time.Second,
		SeenTTL:      time.Hour,
	})
	seedInitiation(ledger, "ORD1", "event_ticket")

	mock.ExpectExists("callback:seen:ORD1").SetVal(0)
	mock.ExpectSet("callback:seen:ORD1", models.StatusCompleted, time.Hour).SetVal("OK")

	receipt := "NLJ7RT61SV"
	outcome, err := svc.Reconcile(context.Background(), successResult("ORD1", &receipt))
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, outcome.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReconcile_SeenMarkerErrorIsIgnored(t *testing.T) {
	db, mock := redismock.NewClientMock()

	ledger := newFakeLedger()
	notifier := &fakeNotifier{}
	svc := NewCallbackService(ledger, &fakeGateway{}, notifier, db, CallbackConfig{
		QueryTimeout: time.Second,
		SeenTTL:      time.Hour,
	})
	seedInitiation(ledger, "ORD1", "event_ticket")

	mock.ExpectExists("callback:seen:ORD1").RedisNil()
	mock.ExpectSet("callback:seen:ORD1", models.StatusCompleted, time.Hour).RedisNil()

	// Redis being down only disables the fast path; correctness stays with
	// the storage-layer check-and-set.
	receipt := "NLJ7RT61SV"
	outcome, err := svc.Reconcile(context.Background(), successResult("ORD1", &receipt))
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, outcome.Status)
	require.Len(t, notifier.notified, 1)
}
