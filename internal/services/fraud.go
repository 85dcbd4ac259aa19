package services

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sort"
	"time"

	"github.com/ruralpay/cardengine/internal/models"
	"github.com/ruralpay/cardengine/internal/repository"
)

// FraudInput is everything a rule may look at for one authorization.
type FraudInput struct {
	Card              *models.PrepaidCard
	Amount            int64
	MerchantID        string
	TerminalID        string
	DeviceFingerprint string
	Location          *models.Location
	At                time.Time
	// History holds the card's recent transactions, newest first.
	History []models.Transaction
}

// FraudDecision is the outcome of evaluating the rule set.
type FraudDecision struct {
	Score        float64            `json:"score"`
	RunningScore float64            `json:"runningScore"`
	Result       models.FraudResult `json:"result"`
	Triggered    []string           `json:"triggered,omitempty"`
	Alerts       []string           `json:"alerts,omitempty"`
	Reason       string             `json:"reason,omitempty"`
}

// FraudEngine scores authorizations against configurable rules.
type FraudEngine struct {
	flagThreshold  float64
	blockThreshold float64
	halfLife       time.Duration
	loc            *time.Location
}

func NewFraudEngine(flag, block float64, halfLife time.Duration, loc *time.Location) *FraudEngine {
	if loc == nil {
		loc = time.UTC
	}
	return &FraudEngine{flagThreshold: flag, blockThreshold: block, halfLife: halfLife, loc: loc}
}

// DecayedScore returns the card's running score aged to at.
func (f *FraudEngine) DecayedScore(card *models.PrepaidCard, at time.Time) float64 {
	if card.FraudScore == 0 || card.FraudScoreAt == nil || f.halfLife <= 0 {
		return card.FraudScore
	}
	elapsed := at.Sub(*card.FraudScoreAt)
	if elapsed <= 0 {
		return card.FraudScore
	}
	return card.FraudScore * math.Pow(0.5, float64(elapsed)/float64(f.halfLife))
}

// Evaluate runs the active rules in priority order. A triggered BLOCK or
// DECLINE rule stops evaluation.
func (f *FraudEngine) Evaluate(rules []models.FraudRule, in FraudInput) FraudDecision {
	ordered := make([]models.FraudRule, 0, len(rules))
	for _, r := range rules {
		if r.Active {
			ordered = append(ordered, r)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Priority < ordered[j].Priority })

	var d FraudDecision
	flagged, blocked := false, false
	for _, rule := range ordered {
		hit, detail := f.triggered(rule, in)
		if !hit {
			continue
		}
		d.Score += rule.ScoreDelta
		d.Triggered = append(d.Triggered, rule.Name)
		switch rule.ActionOnTrigger {
		case models.FraudActionFlag:
			flagged = true
		case models.FraudActionAlert:
			d.Alerts = append(d.Alerts, fmt.Sprintf("%s: %s", rule.Name, detail))
		}
		if rule.ActionOnTrigger.Terminates() {
			blocked = true
			d.Reason = fmt.Sprintf("%s: %s", rule.Name, detail)
			break
		}
	}

	d.RunningScore = math.Max(0, f.DecayedScore(in.Card, in.At)+d.Score)
	switch {
	case blocked:
		d.Result = models.FraudResultBlock
	case f.blockThreshold > 0 && d.RunningScore >= f.blockThreshold:
		d.Result = models.FraudResultBlock
		d.Reason = fmt.Sprintf("fraud score %.1f reached block threshold", d.RunningScore)
	case flagged || (f.flagThreshold > 0 && d.RunningScore >= f.flagThreshold):
		d.Result = models.FraudResultFlag
		d.Reason = fmt.Sprintf("flagged by %v", d.Triggered)
	default:
		d.Result = models.FraudResultPass
	}
	return d
}

func (f *FraudEngine) triggered(rule models.FraudRule, in FraudInput) (bool, string) {
	c := rule.Config
	switch rule.Type {
	case models.FraudRuleVelocity:
		window := c.Duration("window", 10*time.Minute)
		count, sum := int64(1), in.Amount
		for _, t := range spendsSince(in.History, in.At.Add(-window)) {
			count++
			sum += t.Amount
		}
		if maxCount := c.Int("maxCount", 0); maxCount > 0 && count > maxCount {
			return true, fmt.Sprintf("%d spends in %s", count, window)
		}
		if maxAmount := c.Int("maxAmount", 0); maxAmount > 0 && sum > maxAmount {
			return true, fmt.Sprintf("%d spent in %s", sum, window)
		}

	case models.FraudRuleAmount:
		if threshold := c.Int("threshold", 0); threshold > 0 && in.Amount >= threshold {
			return true, fmt.Sprintf("amount %d at or above %d", in.Amount, threshold)
		}

	case models.FraudRulePattern:
		window := c.Duration("window", time.Hour)
		repeats := c.Int("repeatCount", 3)
		same := int64(1)
		for _, t := range spendsSince(in.History, in.At.Add(-window)) {
			if t.Amount == in.Amount {
				same++
			}
		}
		if same >= repeats {
			return true, fmt.Sprintf("amount %d repeated %d times", in.Amount, same)
		}

	case models.FraudRuleTime:
		start, end := int(c.Int("startHour", 0)), int(c.Int("endHour", 0))
		if start == end {
			return false, ""
		}
		hour := in.At.In(f.loc).Hour()
		inside := hour >= start && hour < end
		if start > end {
			inside = hour >= start || hour < end
		}
		if inside {
			return true, fmt.Sprintf("hour %d inside restricted window", hour)
		}

	case models.FraudRuleDevice:
		if slices.Contains(c.Strings("blockedTerminals"), in.TerminalID) {
			return true, "terminal " + in.TerminalID + " is blocked"
		}
		if in.DeviceFingerprint != "" && slices.Contains(c.Strings("blockedDevices"), in.DeviceFingerprint) {
			return true, "device is blocked"
		}
		if c.Bool("firstSeen", false) && in.TerminalID != "" && !seenTerminal(in) {
			return true, "first use at terminal " + in.TerminalID
		}

	case models.FraudRuleGeoFence:
		if in.Location == nil {
			return false, ""
		}
		if radius := c.Float("radiusKm", 0); radius > 0 {
			center := models.Location{Latitude: c.Float("centerLat", 0), Longitude: c.Float("centerLng", 0)}
			if dist := haversineKm(center, *in.Location); dist > radius {
				return true, fmt.Sprintf("%.1fkm outside fence", dist-radius)
			}
		}
		if maxSpeed := c.Float("maxSpeedKmh", 0); maxSpeed > 0 && in.Card.LastLocation != nil && in.Card.LastUsedAt != nil {
			hours := in.At.Sub(*in.Card.LastUsedAt).Hours()
			dist := haversineKm(*in.Card.LastLocation, *in.Location)
			if dist > 1 && (hours <= 0 || dist/hours > maxSpeed) {
				return true, fmt.Sprintf("%.0fkm travelled in %.2fh", dist, hours)
			}
		}
	}
	return false, ""
}

// spendsSince filters approved purchases at or after since.
func spendsSince(history []models.Transaction, since time.Time) []models.Transaction {
	var out []models.Transaction
	for _, t := range history {
		if t.Type != models.TransactionTypePurchase || t.OccurredAt.Before(since) {
			continue
		}
		switch t.State {
		case models.TransactionStateAuthorized, models.TransactionStateCaptured, models.TransactionStateSettled:
			out = append(out, t)
		}
	}
	return out
}

func seenTerminal(in FraudInput) bool {
	if in.Card.LastTerminalID == in.TerminalID {
		return true
	}
	for _, t := range in.History {
		if t.TerminalID == in.TerminalID {
			return true
		}
	}
	return false
}

const earthRadiusKm = 6371.0

func haversineKm(a, b models.Location) float64 {
	rad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := rad(b.Latitude - a.Latitude)
	dLng := rad(b.Longitude - a.Longitude)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(a.Latitude))*math.Cos(rad(b.Latitude))*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(h))
}

// DefaultFraudRules is the rule set seeded into an empty store.
func DefaultFraudRules() []models.FraudRule {
	return []models.FraudRule{
		{ID: "velocity-burst", Name: "velocity-burst", Type: models.FraudRuleVelocity, Priority: 10, Active: true,
			ScoreDelta: 30, ActionOnTrigger: models.FraudActionFlag,
			Config: models.RuleConfig{"window": "10m", "maxCount": 5}},
		{ID: "high-amount", Name: "high-amount", Type: models.FraudRuleAmount, Priority: 20, Active: true,
			ScoreDelta: 25, ActionOnTrigger: models.FraudActionAlert,
			Config: models.RuleConfig{"threshold": 5_000_000}},
		{ID: "repeat-amount", Name: "repeat-amount", Type: models.FraudRulePattern, Priority: 30, Active: true,
			ScoreDelta: 20, ActionOnTrigger: models.FraudActionFlag,
			Config: models.RuleConfig{"window": "1h", "repeatCount": 3}},
		{ID: "impossible-travel", Name: "impossible-travel", Type: models.FraudRuleGeoFence, Priority: 40, Active: true,
			ScoreDelta: 60, ActionOnTrigger: models.FraudActionFlag,
			Config: models.RuleConfig{"maxSpeedKmh": 900}},
		{ID: "night-hours", Name: "night-hours", Type: models.FraudRuleTime, Priority: 50, Active: true,
			ScoreDelta: 10, ActionOnTrigger: models.FraudActionNone,
			Config: models.RuleConfig{"startHour": 1, "endHour": 5}},
		{ID: "new-terminal", Name: "new-terminal", Type: models.FraudRuleDevice, Priority: 60, Active: true,
			ScoreDelta: 5, ActionOnTrigger: models.FraudActionNone,
			Config: models.RuleConfig{"firstSeen": true}},
	}
}

// FraudRuleService manages the stored rule set.
type FraudRuleService struct {
	core
}

// SeedDefaults installs the default rules when none exist.
func (s *FraudRuleService) SeedDefaults(ctx context.Context) error {
	existing, err := s.store.ListFraudRules(ctx, false)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	return s.store.Atomic(ctx, nil, func(tx repository.Tx) error {
		for _, r := range DefaultFraudRules() {
			r.CreatedAt, r.UpdatedAt = s.clock(), s.clock()
			if err := tx.UpsertFraudRule(ctx, &r); err != nil {
				return err
			}
		}
		return nil
	})
}

// UpsertRule creates or replaces a rule.
func (s *FraudRuleService) UpsertRule(ctx context.Context, rule *models.FraudRule, actor models.Actor) error {
	if rule.ID == "" || rule.Type == "" {
		return fmt.Errorf("%w: id and type are required", ErrInvalidFraudRule)
	}
	if rule.ActionOnTrigger == "" {
		rule.ActionOnTrigger = models.FraudActionNone
	}
	now := s.clock()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now
	err := s.store.Atomic(ctx, nil, func(tx repository.Tx) error {
		return tx.UpsertFraudRule(ctx, rule)
	})
	if err != nil {
		return err
	}
	s.record(ctx, auditEvent(models.AuditCategorySecurity, "fraud_rule", rule.ID, actor, "FRAUD_RULE_UPSERTED", nil,
		models.Metadata{"type": rule.Type, "priority": rule.Priority, "active": rule.Active, "action": rule.ActionOnTrigger}))
	return nil
}

func (s *FraudRuleService) ListRules(ctx context.Context, activeOnly bool) ([]models.FraudRule, error) {
	return s.store.ListFraudRules(ctx, activeOnly)
}
