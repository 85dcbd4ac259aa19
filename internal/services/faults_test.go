package services

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/ruralpay/cardengine/internal/hsm"
	"github.com/ruralpay/cardengine/internal/models"
	"github.com/ruralpay/cardengine/internal/repository"
)

var errInjected = errors.New("injected write failure")

// faultyStore fails the next N transaction inserts after the card has
// already been staged, which exercises rollback paths.
type faultyStore struct {
	repository.Store
	failInserts atomic.Int32
}

func (s *faultyStore) Atomic(ctx context.Context, locks []repository.LockKey, fn func(tx repository.Tx) error) error {
	return s.Store.Atomic(ctx, locks, func(tx repository.Tx) error {
		return fn(&faultyTx{Tx: tx, store: s})
	})
}

type faultyTx struct {
	repository.Tx
	store *faultyStore
}

func (t *faultyTx) InsertTransaction(ctx context.Context, txn *models.Transaction) error {
	if t.store.failInserts.Load() > 0 {
		t.store.failInserts.Add(-1)
		return errInjected
	}
	return t.Tx.InsertTransaction(ctx, txn)
}

// flakyHSM reports itself unreachable for validations while down is set.
type flakyHSM struct {
	hsm.Boundary
	down atomic.Bool
}

func (f *flakyHSM) ValidateResponse(ctx context.Context, slotID string, challenge, response []byte) (hsm.ValidationResult, error) {
	if f.down.Load() {
		return hsm.ValidationResult{}, hsm.ErrUnavailable
	}
	return f.Boundary.ValidateResponse(ctx, slotID, challenge, response)
}

func (f *flakyHSM) ValidateMAC(ctx context.Context, slotID string, payload, mac []byte) (hsm.ValidationResult, error) {
	if f.down.Load() {
		return hsm.ValidationResult{}, hsm.ErrUnavailable
	}
	return f.Boundary.ValidateMAC(ctx, slotID, payload, mac)
}
