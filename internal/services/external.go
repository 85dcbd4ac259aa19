package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-redis/redis/v8"
)

var ErrWalletInsufficientFunds = errors.New("wallet has insufficient funds")

// WalletService moves money between external wallets and the card float.
// Reference is unique per movement so retries are safe.
type WalletService interface {
	Debit(ctx context.Context, walletID string, amount int64, reference string) error
	Credit(ctx context.Context, walletID string, amount int64, reference string) error
}

// WalletDirectory resolves the wallet a card gets bound to at activation.
type WalletDirectory interface {
	PrimaryWallet(ctx context.Context, userID string) (string, error)
}

type KYCChecker interface {
	IsVerified(ctx context.Context, userID string) (bool, error)
}

// SanctionsScreener answers whether a party may transact. Screening detail stays outside the engine.
type SanctionsScreener interface {
	Screen(ctx context.Context, subjectID string, amount int64) (bool, error)
}

// SettlementQueue notifies downstream payout workers of a new batch.
type SettlementQueue interface {
	Publish(ctx context.Context, batchID string) error
}

// MemoryWallets is a development WalletService and WalletDirectory.
type MemoryWallets struct {
	mu       sync.Mutex
	balances map[string]int64
	primary  map[string]string
	applied  map[string]bool
}

func NewMemoryWallets() *MemoryWallets {
	return &MemoryWallets{
		balances: make(map[string]int64),
		primary:  make(map[string]string),
		applied:  make(map[string]bool),
	}
}

// Fund sets up a wallet for userID with an opening balance and makes it primary.
func (w *MemoryWallets) Fund(userID, walletID string, amount int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.balances[walletID] += amount
	if userID != "" {
		w.primary[userID] = walletID
	}
}

func (w *MemoryWallets) Balance(walletID string) int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.balances[walletID]
}

func (w *MemoryWallets) Debit(_ context.Context, walletID string, amount int64, reference string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.applied["D:"+reference] {
		return nil
	}
	// agent float is settled in cash and may run negative
	if !strings.HasPrefix(walletID, "agent:") && w.balances[walletID] < amount {
		return ErrWalletInsufficientFunds
	}
	w.balances[walletID] -= amount
	w.applied["D:"+reference] = true
	return nil
}

func (w *MemoryWallets) Credit(_ context.Context, walletID string, amount int64, reference string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.applied["C:"+reference] {
		return nil
	}
	w.balances[walletID] += amount
	w.applied["C:"+reference] = true
	return nil
}

func (w *MemoryWallets) PrimaryWallet(_ context.Context, userID string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	id, ok := w.primary[userID]
	if !ok {
		return "", ErrWalletNotBound
	}
	return id, nil
}

// StaticKYC treats the listed users as verified.
type StaticKYC struct {
	Verified map[string]bool
	// AllowAll short-circuits every check in development.
	AllowAll bool
}

func (k StaticKYC) IsVerified(_ context.Context, userID string) (bool, error) {
	return k.AllowAll || k.Verified[userID], nil
}

// StaticScreener denies the listed subjects.
type StaticScreener struct {
	Denied map[string]bool
}

func (s StaticScreener) Screen(_ context.Context, subjectID string, _ int64) (bool, error) {
	return !s.Denied[subjectID], nil
}

// RedisSettlementQueue pushes batch ids onto a Redis list.
type RedisSettlementQueue struct {
	client *redis.Client
	key    string
}

func NewRedisSettlementQueue(client *redis.Client, key string) *RedisSettlementQueue {
	return &RedisSettlementQueue{client: client, key: key}
}

func (q *RedisSettlementQueue) Publish(ctx context.Context, batchID string) error {
	if err := q.client.RPush(ctx, q.key, batchID).Err(); err != nil {
		return fmt.Errorf("publish settlement batch: %w", err)
	}
	return nil
}

// MemorySettlementQueue records published ids.
type MemorySettlementQueue struct {
	mu  sync.Mutex
	ids []string
}

func (q *MemorySettlementQueue) Publish(_ context.Context, batchID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ids = append(q.ids, batchID)
	return nil
}

func (q *MemorySettlementQueue) Published() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.ids...)
}
