package models

import (
	"time"
)

type TransactionType string

const (
	TransactionTypePurchase           TransactionType = "PURCHASE"
	TransactionTypeReload             TransactionType = "RELOAD"
	TransactionTypeRefund             TransactionType = "REFUND"
	TransactionTypeReversal           TransactionType = "REVERSAL"
	TransactionTypeBalanceTransferOut TransactionType = "BALANCE_TRANSFER_OUT"
	TransactionTypeBalanceTransferIn  TransactionType = "BALANCE_TRANSFER_IN"
)

// IsCredit reports whether the type adds value to the card.
func (t TransactionType) IsCredit() bool {
	switch t {
	case TransactionTypeReload, TransactionTypeRefund, TransactionTypeReversal, TransactionTypeBalanceTransferIn:
		return true
	}
	return false
}

type TransactionState string

const (
	TransactionStatePending    TransactionState = "PENDING"
	TransactionStateAuthorized TransactionState = "AUTHORIZED"
	TransactionStateCaptured   TransactionState = "CAPTURED"
	TransactionStateSettled    TransactionState = "SETTLED"
	TransactionStateDeclined   TransactionState = "DECLINED"
	TransactionStateReversed   TransactionState = "REVERSED"
	TransactionStateFailed     TransactionState = "FAILED"
	TransactionStateExpired    TransactionState = "EXPIRED"
)

type CryptoResult string

const (
	CryptoResultValid       CryptoResult = "VALID"
	CryptoResultInvalid     CryptoResult = "INVALID"
	CryptoResultTimeout     CryptoResult = "TIMEOUT"
	CryptoResultOffline     CryptoResult = "OFFLINE"
	CryptoResultNotRequired CryptoResult = "NOT_REQUIRED"
)

type FraudResult string

const (
	FraudResultPass  FraudResult = "PASS"
	FraudResultFlag  FraudResult = "FLAG"
	FraudResultBlock FraudResult = "BLOCK"
)

type RefundStatus string

const (
	RefundStatusNone    RefundStatus = "NONE"
	RefundStatusPartial RefundStatus = "PARTIAL"
	RefundStatusFull    RefundStatus = "FULL"
)

// Transaction is an append-only ledger record against one card.
type Transaction struct {
	ID             string           `json:"id" db:"id"`
	Reference      string           `json:"transactionReference" db:"transaction_reference"`
	IdempotencyKey string           `json:"idempotencyKey" db:"idempotency_key"`
	CardID         string           `json:"cardId" db:"card_id"`
	Type           TransactionType  `json:"type" db:"type"`
	State          TransactionState `json:"state" db:"state"`
	Currency       string           `json:"currency" db:"currency"`

	Amount        int64 `json:"amount" db:"amount"`
	FeeAmount     int64 `json:"feeAmount" db:"fee_amount"`
	NetAmount     int64 `json:"netAmount" db:"net_amount"`
	BalanceBefore int64 `json:"balanceBefore" db:"balance_before"`
	BalanceAfter  int64 `json:"balanceAfter" db:"balance_after"`

	MerchantID        string    `json:"merchantId,omitempty" db:"merchant_id"`
	TerminalID        string    `json:"terminalId,omitempty" db:"terminal_id"`
	Location          *Location `json:"location,omitempty" db:"location"`
	AuthorizationCode string    `json:"authorizationCode,omitempty" db:"authorization_code"`

	CryptoResult CryptoResult `json:"cryptoResult" db:"crypto_result"`
	HSMAuditID   string       `json:"hsmAuditId,omitempty" db:"hsm_audit_id"`
	ChallengeID  string       `json:"challengeId,omitempty" db:"challenge_id"`

	IsOffline      bool       `json:"isOffline" db:"is_offline"`
	SyncedAt       *time.Time `json:"syncedAt,omitempty" db:"synced_at"`
	OfflineCounter int64      `json:"offlineCounter,omitempty" db:"offline_counter"`
	OfflineMAC     string     `json:"-" db:"offline_mac"`

	FraudScore       float64     `json:"fraudScore" db:"fraud_score"`
	FraudCheckResult FraudResult `json:"fraudCheckResult" db:"fraud_check_result"`
	ReviewRequired   bool        `json:"reviewRequired" db:"review_required"`
	ReviewReason     string      `json:"reviewReason,omitempty" db:"review_reason"`

	DeclineCode   string `json:"declineCode,omitempty" db:"decline_code"`
	DeclineReason string `json:"declineReason,omitempty" db:"decline_reason"`

	OriginalTransactionID string       `json:"originalTransactionId,omitempty" db:"original_transaction_id"`
	RefundedAmount        int64        `json:"refundedAmount" db:"refunded_amount"`
	RefundStatus          RefundStatus `json:"refundStatus" db:"refund_status"`

	SourceType     string `json:"sourceType,omitempty" db:"source_type"`
	SourceWalletID string `json:"sourceWalletId,omitempty" db:"source_wallet_id"`
	AgentID        string `json:"agentId,omitempty" db:"agent_id"`

	SettlementBatchID string   `json:"settlementBatchId,omitempty" db:"settlement_batch_id"`
	Metadata          Metadata `json:"metadata,omitempty" db:"metadata"`

	OccurredAt time.Time  `json:"occurredAt" db:"occurred_at"`
	CreatedAt  time.Time  `json:"createdAt" db:"created_at"`
	CapturedAt *time.Time `json:"capturedAt,omitempty" db:"captured_at"`
	SettledAt  *time.Time `json:"settledAt,omitempty" db:"settled_at"`
	ReversedAt *time.Time `json:"reversedAt,omitempty" db:"reversed_at"`
}

// TerminalSynced reports whether a terminal approved the spend offline and
// uploaded it later, as opposed to an online tap that fell back to the offline path.
func (t *Transaction) TerminalSynced() bool {
	return t.IsOffline && t.OfflineMAC != ""
}

// BalanceConsistent checks balanceAfter against the arithmetic for the transaction type.
// Declined and pending records carry an unchanged balance.
func (t *Transaction) BalanceConsistent() bool {
	switch t.State {
	case TransactionStateDeclined, TransactionStateFailed, TransactionStatePending:
		return t.BalanceAfter == t.BalanceBefore
	}
	if t.Type.IsCredit() {
		return t.BalanceAfter == t.BalanceBefore+t.Amount-t.FeeAmount
	}
	return t.BalanceAfter == t.BalanceBefore-t.Amount-t.FeeAmount
}

// Refundable is the amount that may still be refunded.
func (t *Transaction) Refundable() int64 {
	return t.Amount - t.RefundedAmount
}
