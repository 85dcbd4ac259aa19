package services

import (
	"github.com/shopspring/decimal"

	"github.com/ruralpay/cardengine/internal/models"
)

var hundred = decimal.NewFromInt(100)

// percentOf returns pct percent of amount rounded half-up to the minor unit.
func percentOf(amount int64, pct decimal.Decimal) int64 {
	if amount <= 0 || pct.IsZero() {
		return 0
	}
	return decimal.NewFromInt(amount).Mul(pct).Div(hundred).Round(0).IntPart()
}

// PurchaseFee is the cardholder fee charged on top of a purchase amount.
func PurchaseFee(program *models.CardProgram, amount int64) int64 {
	return program.Fees.PurchaseFixed + percentOf(amount, program.Fees.PurchasePercent)
}

// ReloadFee is deducted from the amount credited on reload.
func ReloadFee(program *models.CardProgram, amount int64) int64 {
	return program.Fees.ReloadFixed + percentOf(amount, program.Fees.ReloadPercent)
}

// Commission is the vendor's cut of a card sale.
func Commission(price int64, rate decimal.Decimal) int64 {
	return percentOf(price, rate)
}
