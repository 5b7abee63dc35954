package security

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
)

func TestRateLimiter_Allow(t *testing.T) {
	db, mock := redismock.NewClientMock()
	rl := NewRateLimiter(db, 2, time.Minute)

	key := "ratelimit:stkpush:203.0.113.7"

	// First request sets the window
	mock.ExpectIncr(key).SetVal(1)
	mock.ExpectExpire(key, time.Minute).SetVal(true)
	assert.True(t, rl.allow(context.Background(), key))

	// Second request is within the limit
	mock.ExpectIncr(key).SetVal(2)
	assert.True(t, rl.allow(context.Background(), key))

	// Third request exceeds it
	mock.ExpectIncr(key).SetVal(3)
	assert.False(t, rl.allow(context.Background(), key))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRateLimiter_FailsOpen(t *testing.T) {
	db, mock := redismock.NewClientMock()
	rl := NewRateLimiter(db, 1, time.Minute)

	key := "ratelimit:stkpush:203.0.113.7"
	mock.ExpectIncr(key).SetErr(errors.New("connection refused"))

	// A broken limiter must not block payments.
	assert.True(t, rl.allow(context.Background(), key))
}
