package services

import (
	"errors"
	"fmt"
)

// DeclineCode is what a terminal or app renders to the cardholder.
type DeclineCode string

const (
	DeclineCardNotFound           DeclineCode = "CARD_NOT_FOUND"
	DeclineCardNotActivated       DeclineCode = "CARD_NOT_ACTIVATED"
	DeclineCardExpired            DeclineCode = "CARD_EXPIRED"
	DeclineInvalidStateTransition DeclineCode = "INVALID_STATE_TRANSITION"
	DeclineChallengeExpired       DeclineCode = "CHALLENGE_EXPIRED_OR_REUSED"
	DeclineCryptoFailed           DeclineCode = "CRYPTO_VALIDATION_FAILED"
	DeclineKeyRevoked             DeclineCode = "KEY_REVOKED"
	DeclineLimitExceeded          DeclineCode = "LIMIT_EXCEEDED"
	DeclineInsufficientBalance    DeclineCode = "INSUFFICIENT_BALANCE"
	DeclineMaxBalanceExceeded     DeclineCode = "MAX_BALANCE_EXCEEDED"
	DeclineFraudBlock             DeclineCode = "FRAUD_BLOCK"
	DeclineScreeningFailed        DeclineCode = "SCREENING_FAILED"
	DeclinePINInvalid             DeclineCode = "PIN_INVALID"
	DeclinePINLocked              DeclineCode = "PIN_LOCKED"
	DeclinePINRequired            DeclineCode = "PIN_REQUIRED"
	DeclineInvalidAmount          DeclineCode = "INVALID_AMOUNT"
	DeclineCurrencyMismatch       DeclineCode = "CURRENCY_MISMATCH"
	DeclineOfflineNotAllowed      DeclineCode = "OFFLINE_NOT_ALLOWED"
	DeclineSystemError            DeclineCode = "SYSTEM_ERROR"
)

var (
	ErrCardNotFound                      = errors.New("card not found")
	ErrCardNotActivated                  = errors.New("card is not activated")
	ErrCardExpired                       = errors.New("card has expired")
	ErrInvalidStateTransition            = errors.New("invalid state transition")
	ErrChallengeExpiredOrReused          = errors.New("challenge expired or already used")
	ErrCryptoValidationFailed            = errors.New("cryptographic validation failed")
	ErrHSMTimeout                        = errors.New("hsm validation timed out")
	ErrKeyRevoked                        = errors.New("card key has been revoked")
	ErrKeyInactive                       = errors.New("key is not active")
	ErrLimitExceeded                     = errors.New("limit exceeded")
	ErrInsufficientBalance               = errors.New("insufficient balance")
	ErrMaxBalanceExceeded                = errors.New("maximum balance exceeded")
	ErrFraudBlocked                      = errors.New("blocked by fraud rules")
	ErrScreeningFailed                   = errors.New("screening failed")
	ErrPINInvalid                        = errors.New("invalid PIN")
	ErrPINLocked                         = errors.New("PIN locked after too many attempts")
	ErrPINRequired                       = errors.New("PIN required")
	ErrInvalidAmount                     = errors.New("invalid amount")
	ErrCurrencyMismatch                  = errors.New("currency mismatch")
	ErrOfflineNotAllowed                 = errors.New("offline transaction not allowed")
	ErrInventoryRangeConflict            = errors.New("inventory range conflict")
	ErrReplacementBalanceExceedsOriginal = errors.New("replacement balance exceeds original balance")
	ErrCorruptedBatchRange               = errors.New("corrupted batch sequence range")
	ErrBalanceIntegrity                  = errors.New("balance integrity violation")

	ErrKYCRequired               = errors.New("KYC verification required")
	ErrWalletNotBound            = errors.New("no wallet available for binding")
	ErrActivationCodeInvalid     = errors.New("invalid activation code")
	ErrActivationLocked          = errors.New("activation locked after too many attempts")
	ErrCardOwnership             = errors.New("card is not bound to this user")
	ErrPendingBalance            = errors.New("card has an unconfirmed pending balance")
	ErrProgramNotPublished       = errors.New("card program is not published")
	ErrProgramImmutable          = errors.New("card program is published and cannot change")
	ErrInvalidProgram            = errors.New("invalid card program")
	ErrInvalidFraudRule          = errors.New("invalid fraud rule")
	ErrNotReversible             = errors.New("transaction cannot be reversed")
	ErrNotRefundable             = errors.New("transaction cannot be refunded")
	ErrRefundExceedsOriginal     = errors.New("refund exceeds refundable amount")
	ErrNotPending                = errors.New("transaction is not a pending reload")
	ErrVendorInactive            = errors.New("vendor is not active")
	ErrCardNotInInventory        = errors.New("card is not in the vendor's inventory")
	ErrSettlementInProgress      = errors.New("settlement already running")
	ErrNothingToSettle           = errors.New("no captured transactions to settle")
	ErrInvalidOfflineCertificate = errors.New("invalid offline certificate")
	ErrIdempotencyKeyReused      = errors.New("idempotency key already used by another operation")
)

var declineCodes = []struct {
	err  error
	code DeclineCode
}{
	{ErrCardNotFound, DeclineCardNotFound},
	{ErrCardNotActivated, DeclineCardNotActivated},
	{ErrCardExpired, DeclineCardExpired},
	{ErrInvalidStateTransition, DeclineInvalidStateTransition},
	{ErrChallengeExpiredOrReused, DeclineChallengeExpired},
	{ErrCryptoValidationFailed, DeclineCryptoFailed},
	{ErrKeyRevoked, DeclineKeyRevoked},
	{ErrKeyInactive, DeclineCryptoFailed},
	{ErrLimitExceeded, DeclineLimitExceeded},
	{ErrInsufficientBalance, DeclineInsufficientBalance},
	{ErrWalletInsufficientFunds, DeclineInsufficientBalance},
	{ErrMaxBalanceExceeded, DeclineMaxBalanceExceeded},
	{ErrFraudBlocked, DeclineFraudBlock},
	{ErrScreeningFailed, DeclineScreeningFailed},
	{ErrPINInvalid, DeclinePINInvalid},
	{ErrPINLocked, DeclinePINLocked},
	{ErrPINRequired, DeclinePINRequired},
	{ErrInvalidAmount, DeclineInvalidAmount},
	{ErrCurrencyMismatch, DeclineCurrencyMismatch},
	{ErrOfflineNotAllowed, DeclineOfflineNotAllowed},
	{ErrInvalidOfflineCertificate, DeclineCryptoFailed},
}

// CodeFor maps an error to the decline code callers see. Unknown errors
// become SYSTEM_ERROR so internals never leak.
func CodeFor(err error) DeclineCode {
	var de *DeclineError
	if errors.As(err, &de) {
		return de.Code
	}
	for _, dc := range declineCodes {
		if errors.Is(err, dc.err) {
			return dc.code
		}
	}
	return DeclineSystemError
}

func errorForCode(code DeclineCode) error {
	for _, dc := range declineCodes {
		if dc.code == code {
			return dc.err
		}
	}
	return errors.New("system error")
}

// DeclineError is a structured refusal. It unwraps to the underlying sentinel.
type DeclineError struct {
	Code   DeclineCode
	Reason string
	Err    error
}

func (e *DeclineError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Reason)
	}
	return string(e.Code)
}

func (e *DeclineError) Unwrap() error { return e.Err }

func decline(err error) *DeclineError {
	var de *DeclineError
	if errors.As(err, &de) {
		return de
	}
	code := CodeFor(err)
	reason := err.Error()
	if code == DeclineSystemError {
		reason = "transaction could not be processed"
	}
	return &DeclineError{Code: code, Reason: reason, Err: err}
}

type LimitType string

const (
	LimitPerTransaction     LimitType = "PER_TRANSACTION"
	LimitDailyAmount        LimitType = "DAILY_AMOUNT"
	LimitDailyCount         LimitType = "DAILY_COUNT"
	LimitWeeklyAmount       LimitType = "WEEKLY_AMOUNT"
	LimitMonthlyAmount      LimitType = "MONTHLY_AMOUNT"
	LimitOfflineTransaction LimitType = "OFFLINE_TRANSACTION"
	LimitOfflineDaily       LimitType = "OFFLINE_DAILY"
	LimitMinReload          LimitType = "MIN_RELOAD"
	LimitMaxReload          LimitType = "MAX_RELOAD"
)

// LimitExceededError identifies which limit refused the request.
type LimitExceededError struct {
	LimitType LimitType
	Limit     int64
	Attempted int64
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("%s limit exceeded: %d > %d", e.LimitType, e.Attempted, e.Limit)
}

func (e *LimitExceededError) Is(target error) bool { return target == ErrLimitExceeded }
