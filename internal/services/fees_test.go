package services

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/ruralpay/cardengine/internal/models"
)

func TestFees(t *testing.T) {
	program := &models.CardProgram{Fees: models.FeeSchedule{
		PurchaseFixed:   10,
		PurchasePercent: decimal.RequireFromString("1.5"),
		ReloadPercent:   decimal.RequireFromString("0.25"),
	}}

	tests := []struct {
		name string
		got  int64
		want int64
	}{
		{"purchase fixed plus percent", PurchaseFee(program, 1000), 25},
		{"purchase rounds half up", PurchaseFee(program, 100), 12},
		{"purchase of zero", PurchaseFee(program, 0), 10},
		{"reload percent only", ReloadFee(program, 10_000), 25},
		{"reload rounds half up", ReloadFee(program, 200), 1},
		{"commission", Commission(200, decimal.NewFromInt(5)), 10},
		{"no commission", Commission(200, decimal.Zero), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.got)
		})
	}
}
