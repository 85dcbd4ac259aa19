package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruralpay/cardengine/internal/models"
)

func TestRedisChallengeStore(t *testing.T) {
	ctx := context.Background()
	client, mock := redismock.NewClientMock()
	store := NewRedisChallengeStore(client)

	issued := time.Date(2025, 3, 12, 9, 0, 0, 0, time.UTC)
	ch := &models.Challenge{
		ID: "ch-1", Nonce: "00ff", CardUIDHash: "h", TerminalID: "T-001",
		Purpose: models.ChallengePurposePayment, IssuedAt: issued, ExpiresAt: issued.Add(30 * time.Second),
	}
	data, err := json.Marshal(ch)
	require.NoError(t, err)

	mock.ExpectSet("nfc:challenge:ch-1", data, 30*time.Second).SetVal("OK")
	require.NoError(t, store.Put(ctx, ch, 30*time.Second))

	mock.ExpectEval(takeScript, []string{"nfc:challenge:ch-1"}).SetVal(string(data))
	got, err := store.Take(ctx, "ch-1")
	require.NoError(t, err)
	assert.Equal(t, ch.Nonce, got.Nonce)
	assert.True(t, ch.ExpiresAt.Equal(got.ExpiresAt))

	mock.ExpectEval(takeScript, []string{"nfc:challenge:ch-1"}).RedisNil()
	_, err = store.Take(ctx, "ch-1")
	assert.ErrorIs(t, err, ErrChallengeExpiredOrReused)

	mock.ExpectEval(takeScript, []string{"nfc:challenge:ch-2"}).SetErr(errors.New("connection refused"))
	_, err = store.Take(ctx, "ch-2")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrChallengeExpiredOrReused)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMemoryChallengeStore_SingleUse(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 12, 9, 0, 0, 0, time.UTC)
	store := NewMemoryChallengeStore()
	store.now = func() time.Time { return now }

	require.NoError(t, store.Put(ctx, &models.Challenge{ID: "a"}, time.Minute))
	require.NoError(t, store.Put(ctx, &models.Challenge{ID: "b"}, time.Minute))

	_, err := store.Take(ctx, "a")
	require.NoError(t, err)
	_, err = store.Take(ctx, "a")
	assert.ErrorIs(t, err, ErrChallengeExpiredOrReused)

	now = now.Add(2 * time.Minute)
	_, err = store.Take(ctx, "b")
	assert.ErrorIs(t, err, ErrChallengeExpiredOrReused)
}

func TestDistributedLock(t *testing.T) {
	ctx := context.Background()
	client, mock := redismock.NewClientMock()
	lock := NewDistributedLock(client, "nfc:lock:settle:NGN", "owner-1", time.Minute)

	mock.ExpectSetNX("nfc:lock:settle:NGN", "owner-1", time.Minute).SetVal(false)
	mock.ExpectSetNX("nfc:lock:settle:NGN", "owner-1", time.Minute).SetVal(true)
	require.NoError(t, lock.Lock(ctx, time.Millisecond, 3))

	mock.ExpectEval(unlockScript, []string{"nfc:lock:settle:NGN"}, "owner-1").SetVal(int64(1))
	require.NoError(t, lock.Unlock(ctx))

	mock.ExpectSetNX("nfc:lock:settle:NGN", "owner-1", time.Minute).SetVal(false)
	mock.ExpectSetNX("nfc:lock:settle:NGN", "owner-1", time.Minute).SetVal(false)
	assert.ErrorIs(t, lock.Lock(ctx, time.Millisecond, 2), ErrLockFailed)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLocalLocker(t *testing.T) {
	ctx := context.Background()
	l := NewLocalLocker()

	release, err := l.Acquire(ctx, "settle:NGN", time.Minute)
	require.NoError(t, err)
	_, err = l.Acquire(ctx, "settle:NGN", time.Minute)
	assert.ErrorIs(t, err, ErrLockFailed)
	_, err = l.Acquire(ctx, "settle:USD", time.Minute)
	assert.NoError(t, err)

	require.NoError(t, release(ctx))
	_, err = l.Acquire(ctx, "settle:NGN", time.Minute)
	assert.NoError(t, err)
}

func TestRedisSettlementQueue(t *testing.T) {
	ctx := context.Background()
	client, mock := redismock.NewClientMock()
	q := NewRedisSettlementQueue(client, "nfc:settlement:batches")

	mock.ExpectRPush("nfc:settlement:batches", "batch-1").SetVal(1)
	require.NoError(t, q.Publish(ctx, "batch-1"))

	mock.ExpectRPush("nfc:settlement:batches", "batch-2").SetErr(errors.New("READONLY"))
	err := q.Publish(ctx, "batch-2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "publish settlement batch")

	assert.NoError(t, mock.ExpectationsWereMet())
}
