package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruralpay/cardengine/internal/models"
)

var (
	lagos = models.Location{Latitude: 6.5244, Longitude: 3.3792}
	kano  = models.Location{Latitude: 12.0022, Longitude: 8.5920}
)

func spend(amount int64, at time.Time) models.Transaction {
	return models.Transaction{
		Type: models.TransactionTypePurchase, State: models.TransactionStateCaptured,
		Amount: amount, TerminalID: "T-001", OccurredAt: at,
	}
}

func TestFraudEngine_Evaluate(t *testing.T) {
	f := NewFraudEngine(50, 100, 24*time.Hour, time.UTC)
	rules := DefaultFraudRules()
	noon := time.Date(2025, 3, 12, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		in        FraudInput
		result    models.FraudResult
		triggered []string
	}{
		{
			name:   "quiet tap",
			in:     FraudInput{Card: &models.PrepaidCard{LastTerminalID: "T-001"}, Amount: 30, TerminalID: "T-001", At: noon},
			result: models.FraudResultPass,
		},
		{
			name: "burst of spends",
			in: FraudInput{Card: &models.PrepaidCard{LastTerminalID: "T-001"}, Amount: 12, TerminalID: "T-001", At: noon,
				History: []models.Transaction{
					spend(1, noon.Add(-time.Minute)), spend(2, noon.Add(-2*time.Minute)), spend(3, noon.Add(-3*time.Minute)),
					spend(4, noon.Add(-4*time.Minute)), spend(5, noon.Add(-5*time.Minute)),
				}},
			result:    models.FraudResultFlag,
			triggered: []string{"velocity-burst"},
		},
		{
			name: "repeated amount",
			in: FraudInput{Card: &models.PrepaidCard{LastTerminalID: "T-001"}, Amount: 20, TerminalID: "T-001", At: noon,
				History: []models.Transaction{spend(20, noon.Add(-10*time.Minute)), spend(20, noon.Add(-40*time.Minute))}},
			result:    models.FraudResultFlag,
			triggered: []string{"repeat-amount"},
		},
		{
			name:      "night at a new terminal",
			in:        FraudInput{Card: &models.PrepaidCard{LastTerminalID: "T-001"}, Amount: 30, TerminalID: "T-777", At: noon.Add(-10 * time.Hour)},
			result:    models.FraudResultPass,
			triggered: []string{"night-hours", "new-terminal"},
		},
		{
			name: "impossible travel",
			in: FraudInput{
				Card:   &models.PrepaidCard{LastTerminalID: "T-001", LastLocation: &lagos, LastUsedAt: timePtr(noon.Add(-10 * time.Minute))},
				Amount: 30, TerminalID: "T-001", Location: &kano, At: noon,
			},
			result:    models.FraudResultFlag,
			triggered: []string{"impossible-travel"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := f.Evaluate(rules, tt.in)
			assert.Equal(t, tt.result, d.Result)
			assert.Equal(t, tt.triggered, d.Triggered)
		})
	}
}

func TestFraudEngine_RunningScore(t *testing.T) {
	f := NewFraudEngine(50, 100, 24*time.Hour, time.UTC)
	now := time.Date(2025, 3, 12, 12, 0, 0, 0, time.UTC)
	card := &models.PrepaidCard{LastTerminalID: "T-001", FraudScore: 80, FraudScoreAt: timePtr(now.Add(-24 * time.Hour))}
	assert.InDelta(t, 40, f.DecayedScore(card, now), 0.0001)

	rules := []models.FraudRule{{ID: "r", Name: "amount", Type: models.FraudRuleAmount, Active: true,
		ScoreDelta: 10, ActionOnTrigger: models.FraudActionNone, Config: models.RuleConfig{"threshold": 100}}}

	d := f.Evaluate(rules, FraudInput{Card: card, Amount: 150, At: now})
	assert.InDelta(t, 50, d.RunningScore, 0.0001)
	assert.Equal(t, models.FraudResultFlag, d.Result)

	card.FraudScoreAt = timePtr(now)
	card.FraudScore = 95
	d = f.Evaluate(rules, FraudInput{Card: card, Amount: 150, At: now})
	assert.Equal(t, models.FraudResultBlock, d.Result)
	assert.Contains(t, d.Reason, "block threshold")

	disabled := NewFraudEngine(0, 0, 0, time.UTC)
	d = disabled.Evaluate(rules, FraudInput{Card: card, Amount: 150, At: now})
	assert.Equal(t, models.FraudResultPass, d.Result)
}

func TestFraudEngine_TerminatingRule(t *testing.T) {
	f := NewFraudEngine(50, 100, time.Hour, time.UTC)
	rules := []models.FraudRule{
		{ID: "late", Name: "late", Type: models.FraudRuleAmount, Priority: 20, Active: true,
			ScoreDelta: 5, ActionOnTrigger: models.FraudActionFlag, Config: models.RuleConfig{"threshold": 1}},
		{ID: "deny", Name: "deny", Type: models.FraudRuleDevice, Priority: 10, Active: true,
			ActionOnTrigger: models.FraudActionBlock, Config: models.RuleConfig{"blockedTerminals": []any{"T-BAD"}}},
		{ID: "off", Name: "off", Type: models.FraudRuleAmount, Priority: 1, Active: false,
			ScoreDelta: 99, Config: models.RuleConfig{"threshold": 1}},
	}
	d := f.Evaluate(rules, FraudInput{Card: &models.PrepaidCard{}, Amount: 10, TerminalID: "T-BAD", At: time.Now()})
	assert.Equal(t, models.FraudResultBlock, d.Result)
	assert.Equal(t, []string{"deny"}, d.Triggered)
	assert.Contains(t, d.Reason, "T-BAD")
}

func TestFraudRuleService(t *testing.T) {
	h := newHarness(t)
	svc := h.engine.FraudRules

	rules, err := svc.ListRules(h.ctx, false)
	require.NoError(t, err)
	assert.Len(t, rules, len(DefaultFraudRules()))
	require.NoError(t, svc.SeedDefaults(h.ctx))
	again, err := svc.ListRules(h.ctx, false)
	require.NoError(t, err)
	assert.Len(t, again, len(rules))

	assert.ErrorIs(t, svc.UpsertRule(h.ctx, &models.FraudRule{Name: "nameless"}, adminActor), ErrInvalidFraudRule)

	night := DefaultFraudRules()[4]
	night.Active = false
	require.NoError(t, svc.UpsertRule(h.ctx, &night, adminActor))
	active, err := svc.ListRules(h.ctx, true)
	require.NoError(t, err)
	assert.Len(t, active, len(rules)-1)
	assert.Contains(t, h.sink.Actions(night.ID), "FRAUD_RULE_UPSERTED")
}
