package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ruralpay/cardengine/internal/logger"
)

// DefaultFloatAccount holds the money that backs card balances.
const DefaultFloatAccount = "card_float"

// DoubleLedgerService is the Postgres WalletService. Each movement is a
// balanced pair of ledger entries between a wallet account and the card float.
type DoubleLedgerService struct {
	db           *sql.DB
	floatAccount string
	now          func() time.Time
}

type walletAccount struct {
	ID      string
	Balance int64
	Version int
}

func NewDoubleLedgerService(db *sql.DB, floatAccount string) *DoubleLedgerService {
	if floatAccount == "" {
		floatAccount = DefaultFloatAccount
	}
	return &DoubleLedgerService{db: db, floatAccount: floatAccount, now: time.Now}
}

// Debit pulls amount from the wallet into the card float.
func (s *DoubleLedgerService) Debit(ctx context.Context, walletID string, amount int64, reference string) error {
	return s.Transfer(ctx, walletID, s.floatAccount, reference, "DEBIT", amount)
}

// Credit returns amount from the card float to the wallet.
func (s *DoubleLedgerService) Credit(ctx context.Context, walletID string, amount int64, reference string) error {
	return s.Transfer(ctx, s.floatAccount, walletID, reference, "CREDIT", amount)
}

// PrimaryWallet returns the user's primary wallet account.
func (s *DoubleLedgerService) PrimaryWallet(ctx context.Context, userID string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM wallet_accounts
		WHERE owner_id = $1 AND is_primary
		ORDER BY created_at LIMIT 1`, userID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrWalletNotBound
	}
	return id, err
}

// Transfer applies one movement. A reference that was already applied is a no-op.
func (s *DoubleLedgerService) Transfer(ctx context.Context, fromAccountID, toAccountID, reference, direction string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO wallet_movements (reference, direction, amount, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (reference, direction) DO NOTHING`,
		reference, direction, amount, s.now())
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		logger.Log.Info("[WALLET] movement already applied", zap.String("reference", reference), zap.String("direction", direction))
		return tx.Commit()
	}

	if err := s.TransferTx(ctx, tx, fromAccountID, toAccountID, reference, amount); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *DoubleLedgerService) TransferTx(ctx context.Context, tx *sql.Tx, fromAccountID, toAccountID, reference string, amount int64) error {
	// Lock accounts in consistent order to prevent deadlocks
	firstLock, secondLock := fromAccountID, toAccountID
	if fromAccountID > toAccountID {
		firstLock, secondLock = toAccountID, fromAccountID
	}

	fromAccount, err := s.lockAccount(ctx, tx, firstLock)
	if err != nil {
		return err
	}
	toAccount, err := s.lockAccount(ctx, tx, secondLock)
	if err != nil {
		return err
	}
	if firstLock != fromAccountID {
		fromAccount, toAccount = toAccount, fromAccount
	}

	if fromAccount.ID != s.floatAccount && fromAccount.Balance < amount {
		return ErrWalletInsufficientFunds
	}

	if err := s.createLedgerEntry(ctx, tx, reference, fromAccount.ID, -amount, "DEBIT", fromAccount.Balance-amount); err != nil {
		return err
	}
	if err := s.createLedgerEntry(ctx, tx, reference, toAccount.ID, amount, "CREDIT", toAccount.Balance+amount); err != nil {
		return err
	}
	if err := s.updateAccountBalance(ctx, tx, fromAccount.ID, fromAccount.Balance-amount, fromAccount.Version); err != nil {
		return err
	}
	return s.updateAccountBalance(ctx, tx, toAccount.ID, toAccount.Balance+amount, toAccount.Version)
}

func (s *DoubleLedgerService) lockAccount(ctx context.Context, tx *sql.Tx, accountID string) (*walletAccount, error) {
	var account walletAccount
	err := tx.QueryRowContext(ctx, `
		SELECT id, balance, version
		FROM wallet_accounts
		WHERE id = $1
		FOR UPDATE`, accountID).Scan(&account.ID, &account.Balance, &account.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("wallet account %s: %w", accountID, ErrWalletNotBound)
	}
	return &account, err
}

func (s *DoubleLedgerService) createLedgerEntry(ctx context.Context, tx *sql.Tx, reference, accountID string, amount int64, entryType string, balance int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO wallet_ledger_entries (reference, account_id, amount, entry_type, balance, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		reference, accountID, amount, entryType, balance, s.now())
	return err
}

func (s *DoubleLedgerService) updateAccountBalance(ctx context.Context, tx *sql.Tx, accountID string, newBalance int64, version int) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE wallet_accounts
		SET balance = $1, version = version + 1, updated_at = $2
		WHERE id = $3 AND version = $4`,
		newBalance, s.now(), accountID, version)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return fmt.Errorf("optimistic lock failed for account %s", accountID)
	}
	return nil
}
