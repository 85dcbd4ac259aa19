package repository

import (
	"github.com/ruralpay/cardengine/internal/models"
)

var programColumns = []string{
	"id", "name", "category", "kyc_required", "currency", "price", "initial_balance", "max_balance",
	"per_transaction_limit", "daily_transaction_limit", "daily_transaction_count_limit", "weekly_limit",
	"monthly_limit", "min_reload", "max_reload", "fees", "validity_months", "security_tier",
	"offline_policy", "status", "published_at", "created_at", "updated_at",
}

func programArgs(p *models.CardProgram) []any {
	return []any{
		p.ID, p.Name, p.Category, p.KYCRequired, p.Currency, p.Price, p.InitialBalance, p.MaxBalance,
		p.PerTransactionLimit, p.DailyTransactionLimit, p.DailyTransactionCountLimit, p.WeeklyLimit,
		p.MonthlyLimit, p.MinReload, p.MaxReload, p.Fees, p.ValidityMonths, p.SecurityTier,
		p.Offline, p.Status, p.PublishedAt, p.CreatedAt, p.UpdatedAt,
	}
}

func scanProgram(row rowScanner, p *models.CardProgram) error {
	return row.Scan(
		&p.ID, &p.Name, &p.Category, &p.KYCRequired, &p.Currency, &p.Price, &p.InitialBalance, &p.MaxBalance,
		&p.PerTransactionLimit, &p.DailyTransactionLimit, &p.DailyTransactionCountLimit, &p.WeeklyLimit,
		&p.MonthlyLimit, &p.MinReload, &p.MaxReload, &p.Fees, &p.ValidityMonths, &p.SecurityTier,
		&p.Offline, &p.Status, &p.PublishedAt, &p.CreatedAt, &p.UpdatedAt,
	)
}

var batchColumns = []string{
	"id", "batch_number", "program_id", "sequence_start", "sequence_end", "card_count", "master_key_id",
	"status", "warehouse_count", "distributed_count", "sold_count", "activated_count", "defective_count",
	"version", "created_at", "updated_at",
}

func batchArgs(b *models.CardBatch) []any {
	return []any{
		b.ID, b.BatchNumber, b.ProgramID, b.SequenceStart, b.SequenceEnd, b.CardCount, b.MasterKeyID,
		b.Status, b.Warehouse, b.Distributed, b.Sold, b.Activated, b.Defective,
		b.Version, b.CreatedAt, b.UpdatedAt,
	}
}

func scanBatch(row rowScanner, b *models.CardBatch) error {
	return row.Scan(
		&b.ID, &b.BatchNumber, &b.ProgramID, &b.SequenceStart, &b.SequenceEnd, &b.CardCount, &b.MasterKeyID,
		&b.Status, &b.Warehouse, &b.Distributed, &b.Sold, &b.Activated, &b.Defective,
		&b.Version, &b.CreatedAt, &b.UpdatedAt,
	)
}

var vendorColumns = []string{
	"id", "name", "commission_rate", "status", "commission_balance", "created_at", "updated_at",
}

func vendorArgs(v *models.Vendor) []any {
	return []any{v.ID, v.Name, v.CommissionRate, v.Status, v.CommissionBalance, v.CreatedAt, v.UpdatedAt}
}

func scanVendor(row rowScanner, v *models.Vendor) error {
	return row.Scan(&v.ID, &v.Name, &v.CommissionRate, &v.Status, &v.CommissionBalance, &v.CreatedAt, &v.UpdatedAt)
}

var inventoryColumns = []string{
	"id", "vendor_id", "batch_id", "sequence_start", "sequence_end", "cards_assigned", "cards_sold",
	"cards_returned", "cards_damaged", "commission_accrued", "last_reconciled_at", "created_at", "updated_at",
}

func inventoryArgs(i *models.VendorInventory) []any {
	return []any{
		i.ID, i.VendorID, i.BatchID, i.SequenceStart, i.SequenceEnd, i.CardsAssigned, i.CardsSold,
		i.CardsReturned, i.CardsDamaged, i.CommissionAccrued, i.LastReconciledAt, i.CreatedAt, i.UpdatedAt,
	}
}

func scanInventory(row rowScanner, i *models.VendorInventory) error {
	return row.Scan(
		&i.ID, &i.VendorID, &i.BatchID, &i.SequenceStart, &i.SequenceEnd, &i.CardsAssigned, &i.CardsSold,
		&i.CardsReturned, &i.CardsDamaged, &i.CommissionAccrued, &i.LastReconciledAt, &i.CreatedAt, &i.UpdatedAt,
	)
}

var saleColumns = []string{
	"id", "vendor_id", "inventory_id", "card_id", "sale_price", "commission", "payment_method", "sold_at",
}

func saleArgs(s *models.VendorSale) []any {
	return []any{s.ID, s.VendorID, s.InventoryID, s.CardID, s.SalePrice, s.Commission, s.PaymentMethod, s.SoldAt}
}

func scanSale(row rowScanner, s *models.VendorSale) error {
	return row.Scan(&s.ID, &s.VendorID, &s.InventoryID, &s.CardID, &s.SalePrice, &s.Commission, &s.PaymentMethod, &s.SoldAt)
}

var cardColumns = []string{
	"id", "card_number", "card_uid_hash", "key_slot_id", "program_id", "batch_id", "sequence_number",
	"vendor_id", "state", "state_reason", "balance", "pending_balance", "currency",
	"daily_spent", "weekly_spent", "monthly_spent", "daily_transaction_count", "offline_daily_spent",
	"daily_reset_at", "weekly_reset_at", "monthly_reset_at",
	"pin_hash", "pin_attempts", "activation_code_hash", "activation_attempts", "limits",
	"fraud_score", "fraud_score_at", "last_used_at", "last_terminal_id", "last_location",
	"user_id", "wallet_id", "bound_at", "replaced_by_card_id", "replaces_card_id",
	"expires_at", "activated_at", "version", "created_at", "updated_at",
}

func cardArgs(c *models.PrepaidCard) []any {
	return []any{
		c.ID, c.CardNumber, c.CardUIDHash, c.KeySlotID, c.ProgramID, c.BatchID, c.SequenceNumber,
		nullable(c.VendorID), c.State, nullable(c.StateReason), c.Balance, c.PendingBalance, c.Currency,
		c.DailySpent, c.WeeklySpent, c.MonthlySpent, c.DailyTransactionCount, c.OfflineDailySpent,
		c.DailyResetAt, c.WeeklyResetAt, c.MonthlyResetAt,
		nullable(c.PINHash), c.PINAttempts, nullable(c.ActivationCodeHash), c.ActivationAttempts, c.Limits,
		c.FraudScore, c.FraudScoreAt, c.LastUsedAt, nullable(c.LastTerminalID), c.LastLocation,
		nullable(c.UserID), nullable(c.WalletID), c.BoundAt, nullable(c.ReplacedByCardID), nullable(c.ReplacesCardID),
		c.ExpiresAt, c.ActivatedAt, c.Version, c.CreatedAt, c.UpdatedAt,
	}
}

func scanCard(row rowScanner, c *models.PrepaidCard) error {
	return row.Scan(
		&c.ID, &c.CardNumber, &c.CardUIDHash, &c.KeySlotID, &c.ProgramID, &c.BatchID, &c.SequenceNumber,
		ns(&c.VendorID), &c.State, ns(&c.StateReason), &c.Balance, &c.PendingBalance, &c.Currency,
		&c.DailySpent, &c.WeeklySpent, &c.MonthlySpent, &c.DailyTransactionCount, &c.OfflineDailySpent,
		&c.DailyResetAt, &c.WeeklyResetAt, &c.MonthlyResetAt,
		ns(&c.PINHash), &c.PINAttempts, ns(&c.ActivationCodeHash), &c.ActivationAttempts, &c.Limits,
		&c.FraudScore, &c.FraudScoreAt, &c.LastUsedAt, ns(&c.LastTerminalID), &c.LastLocation,
		ns(&c.UserID), ns(&c.WalletID), &c.BoundAt, ns(&c.ReplacedByCardID), ns(&c.ReplacesCardID),
		&c.ExpiresAt, &c.ActivatedAt, &c.Version, &c.CreatedAt, &c.UpdatedAt,
	)
}

var transactionColumns = []string{
	"id", "transaction_reference", "idempotency_key", "card_id", "type", "state", "currency",
	"amount", "fee_amount", "net_amount", "balance_before", "balance_after",
	"merchant_id", "terminal_id", "location", "authorization_code",
	"crypto_result", "hsm_audit_id", "challenge_id",
	"is_offline", "synced_at", "offline_counter", "offline_mac",
	"fraud_score", "fraud_check_result", "review_required", "review_reason",
	"decline_code", "decline_reason", "original_transaction_id", "refunded_amount", "refund_status",
	"source_type", "source_wallet_id", "agent_id", "settlement_batch_id", "metadata",
	"occurred_at", "created_at", "captured_at", "settled_at", "reversed_at",
}

func transactionArgs(t *models.Transaction) []any {
	return []any{
		t.ID, t.Reference, t.IdempotencyKey, t.CardID, t.Type, t.State, t.Currency,
		t.Amount, t.FeeAmount, t.NetAmount, t.BalanceBefore, t.BalanceAfter,
		nullable(t.MerchantID), nullable(t.TerminalID), t.Location, nullable(t.AuthorizationCode),
		t.CryptoResult, nullable(t.HSMAuditID), nullable(t.ChallengeID),
		t.IsOffline, t.SyncedAt, t.OfflineCounter, nullable(t.OfflineMAC),
		t.FraudScore, t.FraudCheckResult, t.ReviewRequired, nullable(t.ReviewReason),
		nullable(t.DeclineCode), nullable(t.DeclineReason), nullable(t.OriginalTransactionID), t.RefundedAmount, t.RefundStatus,
		nullable(t.SourceType), nullable(t.SourceWalletID), nullable(t.AgentID), nullable(t.SettlementBatchID), t.Metadata,
		t.OccurredAt, t.CreatedAt, t.CapturedAt, t.SettledAt, t.ReversedAt,
	}
}

func scanTransaction(row rowScanner, t *models.Transaction) error {
	return row.Scan(
		&t.ID, &t.Reference, &t.IdempotencyKey, &t.CardID, &t.Type, &t.State, &t.Currency,
		&t.Amount, &t.FeeAmount, &t.NetAmount, &t.BalanceBefore, &t.BalanceAfter,
		ns(&t.MerchantID), ns(&t.TerminalID), &t.Location, ns(&t.AuthorizationCode),
		&t.CryptoResult, ns(&t.HSMAuditID), ns(&t.ChallengeID),
		&t.IsOffline, &t.SyncedAt, &t.OfflineCounter, ns(&t.OfflineMAC),
		&t.FraudScore, &t.FraudCheckResult, &t.ReviewRequired, ns(&t.ReviewReason),
		ns(&t.DeclineCode), ns(&t.DeclineReason), ns(&t.OriginalTransactionID), &t.RefundedAmount, &t.RefundStatus,
		ns(&t.SourceType), ns(&t.SourceWalletID), ns(&t.AgentID), ns(&t.SettlementBatchID), &t.Metadata,
		&t.OccurredAt, &t.CreatedAt, &t.CapturedAt, &t.SettledAt, &t.ReversedAt,
	)
}

var keyColumns = []string{
	"key_id", "key_type", "hsm_slot_id", "parent_key_id", "status", "key_version", "expires_at", "created_at", "updated_at",
}

func keyArgs(k *models.KeyReference) []any {
	return []any{k.KeyID, k.KeyType, k.HSMSlotID, nullable(k.ParentKeyID), k.Status, k.KeyVersion, k.ExpiresAt, k.CreatedAt, k.UpdatedAt}
}

func scanKey(row rowScanner, k *models.KeyReference) error {
	return row.Scan(&k.KeyID, &k.KeyType, &k.HSMSlotID, ns(&k.ParentKeyID), &k.Status, &k.KeyVersion, &k.ExpiresAt, &k.CreatedAt, &k.UpdatedAt)
}

var fraudRuleColumns = []string{
	"id", "name", "rule_type", "priority", "active", "score_delta", "action_on_trigger", "config", "created_at", "updated_at",
}

func fraudRuleArgs(r *models.FraudRule) []any {
	return []any{r.ID, r.Name, r.Type, r.Priority, r.Active, r.ScoreDelta, r.ActionOnTrigger, r.Config, r.CreatedAt, r.UpdatedAt}
}

func scanFraudRule(row rowScanner, r *models.FraudRule) error {
	return row.Scan(&r.ID, &r.Name, &r.Type, &r.Priority, &r.Active, &r.ScoreDelta, &r.ActionOnTrigger, &r.Config, &r.CreatedAt, &r.UpdatedAt)
}

var settlementColumns = []string{
	"id", "batch_number", "currency", "cutoff", "transaction_count", "gross", "fees", "net",
	"merchant_totals", "message_id", "created_at",
}

func settlementArgs(b *models.SettlementBatch) []any {
	return []any{
		b.ID, b.BatchNumber, b.Currency, b.Cutoff, b.TransactionCount, b.Gross, b.Fees, b.Net,
		b.Merchants, nullable(b.MessageID), b.CreatedAt,
	}
}

func scanSettlement(row rowScanner, b *models.SettlementBatch) error {
	return row.Scan(
		&b.ID, &b.BatchNumber, &b.Currency, &b.Cutoff, &b.TransactionCount, &b.Gross, &b.Fees, &b.Net,
		&b.Merchants, ns(&b.MessageID), &b.CreatedAt,
	)
}
