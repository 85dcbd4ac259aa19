package services

import (
	"time"

	"github.com/ruralpay/cardengine/internal/models"
)

// Limits are the spend limits in force for one card. Zero means unlimited.
type Limits struct {
	PerTransaction int64 `json:"perTransaction"`
	DailyAmount    int64 `json:"dailyAmount"`
	DailyCount     int64 `json:"dailyCount"`
	WeeklyAmount   int64 `json:"weeklyAmount"`
	MonthlyAmount  int64 `json:"monthlyAmount"`
}

// EffectiveLimits applies the card's overrides over the program defaults.
func EffectiveLimits(card *models.PrepaidCard, program *models.CardProgram) Limits {
	pick := func(override *int64, def int64) int64 {
		if override != nil {
			return *override
		}
		return def
	}
	o := card.Limits
	return Limits{
		PerTransaction: pick(o.PerTransactionLimit, program.PerTransactionLimit),
		DailyAmount:    pick(o.DailyLimit, program.DailyTransactionLimit),
		DailyCount:     pick(o.DailyCountLimit, program.DailyTransactionCountLimit),
		WeeklyAmount:   pick(o.WeeklyLimit, program.WeeklyLimit),
		MonthlyAmount:  pick(o.MonthlyLimit, program.MonthlyLimit),
	}
}

// Velocity enforces spend counters over calendar windows in one time zone.
// Weeks start on Monday. All methods expect the caller to hold the card lock.
type Velocity struct {
	loc *time.Location
}

func NewVelocity(loc *time.Location) *Velocity {
	if loc == nil {
		loc = time.UTC
	}
	return &Velocity{loc: loc}
}

func (v *Velocity) dayStart(t time.Time) time.Time {
	t = t.In(v.loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, v.loc)
}

func (v *Velocity) weekStart(t time.Time) time.Time {
	d := v.dayStart(t)
	offset := (int(d.Weekday()) + 6) % 7
	return d.AddDate(0, 0, -offset)
}

func (v *Velocity) monthStart(t time.Time) time.Time {
	t = t.In(v.loc)
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, v.loc)
}

// Reset zeroes every counter whose window has rolled over since the last
// reset. It reports whether anything changed.
func (v *Velocity) Reset(card *models.PrepaidCard, now time.Time) bool {
	changed := false
	if ds := v.dayStart(now); ds.After(card.DailyResetAt) {
		card.DailySpent = 0
		card.DailyTransactionCount = 0
		card.OfflineDailySpent = 0
		card.DailyResetAt = ds.UTC()
		changed = true
	}
	if ws := v.weekStart(now); ws.After(card.WeeklyResetAt) {
		card.WeeklySpent = 0
		card.WeeklyResetAt = ws.UTC()
		changed = true
	}
	if ms := v.monthStart(now); ms.After(card.MonthlyResetAt) {
		card.MonthlySpent = 0
		card.MonthlyResetAt = ms.UTC()
		changed = true
	}
	return changed
}

// Check refuses amount when it would break any effective limit.
func (v *Velocity) Check(card *models.PrepaidCard, program *models.CardProgram, amount int64) error {
	l := EffectiveLimits(card, program)
	checks := []struct {
		limitType LimitType
		limit     int64
		attempted int64
	}{
		{LimitPerTransaction, l.PerTransaction, amount},
		{LimitDailyAmount, l.DailyAmount, card.DailySpent + amount},
		{LimitDailyCount, l.DailyCount, card.DailyTransactionCount + 1},
		{LimitWeeklyAmount, l.WeeklyAmount, card.WeeklySpent + amount},
		{LimitMonthlyAmount, l.MonthlyAmount, card.MonthlySpent + amount},
	}
	for _, c := range checks {
		if c.limit > 0 && c.attempted > c.limit {
			return &LimitExceededError{LimitType: c.limitType, Limit: c.limit, Attempted: c.attempted}
		}
	}
	return nil
}

// CheckOffline applies the program's offline caps on top of Check.
func (v *Velocity) CheckOffline(card *models.PrepaidCard, program *models.CardProgram, amount int64) error {
	if !program.Offline.Allowed {
		return ErrOfflineNotAllowed
	}
	if limit := program.Offline.TransactionLimit; limit > 0 && amount > limit {
		return &LimitExceededError{LimitType: LimitOfflineTransaction, Limit: limit, Attempted: amount}
	}
	if limit := program.Offline.DailyLimit; limit > 0 && card.OfflineDailySpent+amount > limit {
		return &LimitExceededError{LimitType: LimitOfflineDaily, Limit: limit, Attempted: card.OfflineDailySpent + amount}
	}
	return v.Check(card, program, amount)
}

// Reserve counts an approved spend against the card's windows.
func (v *Velocity) Reserve(card *models.PrepaidCard, amount int64, offline bool) {
	card.DailySpent += amount
	card.WeeklySpent += amount
	card.MonthlySpent += amount
	card.DailyTransactionCount++
	if offline {
		card.OfflineDailySpent += amount
	}
}

// Release gives back a spend made at occurredAt, but only to windows that
// still contain it. Counters never drop below zero.
func (v *Velocity) Release(card *models.PrepaidCard, amount int64, occurredAt time.Time, offline bool) {
	sub := func(counter *int64, n int64) {
		*counter -= n
		if *counter < 0 {
			*counter = 0
		}
	}
	if !occurredAt.Before(card.DailyResetAt) {
		sub(&card.DailySpent, amount)
		sub(&card.DailyTransactionCount, 1)
		if offline {
			sub(&card.OfflineDailySpent, amount)
		}
	}
	if !occurredAt.Before(card.WeeklyResetAt) {
		sub(&card.WeeklySpent, amount)
	}
	if !occurredAt.Before(card.MonthlyResetAt) {
		sub(&card.MonthlySpent, amount)
	}
}

// CheckReload applies the program's reload bounds.
func CheckReload(program *models.CardProgram, amount int64) error {
	if program.MinReload > 0 && amount < program.MinReload {
		return &LimitExceededError{LimitType: LimitMinReload, Limit: program.MinReload, Attempted: amount}
	}
	if program.MaxReload > 0 && amount > program.MaxReload {
		return &LimitExceededError{LimitType: LimitMaxReload, Limit: program.MaxReload, Attempted: amount}
	}
	return nil
}
