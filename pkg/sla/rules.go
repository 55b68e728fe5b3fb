package sla

import (
	"sort"

	"github.com/shopspring/decimal"

	"exchange-sla-tracker/pkg/models"
)

// EscalationLevel fires once elapsed time since creation reaches ThresholdMinutes
type EscalationLevel struct {
	Level            int
	ThresholdMinutes int
	NotifyRoles      []models.Role
}

// Rule is the SLA definition for one direction
type Rule struct {
	Direction             models.Direction
	BaseMinutes           int
	UrgentThresholdAmount *decimal.Decimal // in the reference currency
	UrgentMinutes         int
	BusinessHoursOnly     bool
	EscalationLevels      []EscalationLevel
}

// RuleTable is the validated, read-only rule set. Safe for concurrent reads.
type RuleTable struct {
	rules map[models.Direction]Rule
}

// NewRuleTable validates rules against the required directions and freezes them.
// Every direction must have exactly one rule.
func NewRuleTable(rules []Rule, required []models.Direction) (*RuleTable, error) {
	table := &RuleTable{rules: make(map[models.Direction]Rule, len(rules))}

	for _, rule := range rules {
		if _, dup := table.rules[rule.Direction]; dup {
			return nil, invalidRule(rule.Direction, "duplicate rule")
		}
		if err := validateRule(rule); err != nil {
			return nil, err
		}
		table.rules[rule.Direction] = copyRule(rule)
	}

	for _, direction := range required {
		if _, ok := table.rules[direction]; !ok {
			return nil, missingRule(direction)
		}
	}

	return table, nil
}

// Rule returns the rule for a direction or a *ConfigError
func (t *RuleTable) Rule(direction models.Direction) (Rule, error) {
	rule, ok := t.rules[direction]
	if !ok {
		return Rule{}, missingRule(direction)
	}
	return rule, nil
}

// Directions lists configured directions in sorted order
func (t *RuleTable) Directions() []models.Direction {
	directions := make([]models.Direction, 0, len(t.rules))
	for d := range t.rules {
		directions = append(directions, d)
	}
	sort.Slice(directions, func(i, j int) bool { return directions[i] < directions[j] })
	return directions
}

func validateRule(rule Rule) error {
	if rule.Direction == "" {
		return invalidRule("", "rule without direction")
	}
	if rule.BaseMinutes <= 0 {
		return invalidRule(rule.Direction, "base minutes must be positive, got %d", rule.BaseMinutes)
	}
	if rule.UrgentThresholdAmount != nil {
		if rule.UrgentThresholdAmount.IsNegative() {
			return invalidRule(rule.Direction, "urgent threshold must not be negative")
		}
		if rule.UrgentMinutes <= 0 {
			return invalidRule(rule.Direction, "urgent minutes must be positive when a threshold is set")
		}
	}

	prevLevel, prevThreshold := 0, -1
	for i, lvl := range rule.EscalationLevels {
		if lvl.Level < 1 {
			return invalidRule(rule.Direction, "escalation level %d must be >= 1", lvl.Level)
		}
		if i > 0 && lvl.Level <= prevLevel {
			return invalidRule(rule.Direction, "escalation levels must be strictly increasing (%d after %d)", lvl.Level, prevLevel)
		}
		if lvl.ThresholdMinutes < 0 {
			return invalidRule(rule.Direction, "escalation level %d has negative threshold", lvl.Level)
		}
		if lvl.ThresholdMinutes < prevThreshold {
			return invalidRule(rule.Direction, "escalation thresholds must be ascending (level %d)", lvl.Level)
		}
		if len(lvl.NotifyRoles) == 0 {
			return invalidRule(rule.Direction, "escalation level %d notifies nobody", lvl.Level)
		}
		prevLevel, prevThreshold = lvl.Level, lvl.ThresholdMinutes
	}
	return nil
}

func copyRule(rule Rule) Rule {
	out := rule
	if rule.UrgentThresholdAmount != nil {
		threshold := *rule.UrgentThresholdAmount
		out.UrgentThresholdAmount = &threshold
	}
	out.EscalationLevels = make([]EscalationLevel, len(rule.EscalationLevels))
	for i, lvl := range rule.EscalationLevels {
		roles := make([]models.Role, len(lvl.NotifyRoles))
		copy(roles, lvl.NotifyRoles)
		out.EscalationLevels[i] = EscalationLevel{Level: lvl.Level, ThresholdMinutes: lvl.ThresholdMinutes, NotifyRoles: roles}
	}
	return out
}

// DefaultRules is the built-in rule set used when no rules file is configured
func DefaultRules() []Rule {
	threshold := decimal.NewFromInt(1_000_000)
	standardEscalation := []EscalationLevel{
		{Level: 1, ThresholdMinutes: 45, NotifyRoles: []models.Role{models.RoleOperator}},
		{Level: 2, ThresholdMinutes: 75, NotifyRoles: []models.Role{models.RoleSeniorOperator}},
		{Level: 3, ThresholdMinutes: 90, NotifyRoles: []models.Role{models.RoleAdmin, models.RoleSeniorOperator}},
	}

	return []Rule{
		{
			Direction:             models.DirectionBuy,
			BaseMinutes:           60,
			UrgentThresholdAmount: &threshold,
			UrgentMinutes:         30,
			BusinessHoursOnly:     true,
			EscalationLevels:      standardEscalation,
		},
		{
			Direction:             models.DirectionSell,
			BaseMinutes:           60,
			UrgentThresholdAmount: &threshold,
			UrgentMinutes:         30,
			BusinessHoursOnly:     true,
			EscalationLevels:      standardEscalation,
		},
		{
			Direction:         models.DirectionConvert,
			BaseMinutes:       120,
			BusinessHoursOnly: true,
			EscalationLevels: []EscalationLevel{
				{Level: 1, ThresholdMinutes: 90, NotifyRoles: []models.Role{models.RoleOperator}},
				{Level: 2, ThresholdMinutes: 150, NotifyRoles: []models.Role{models.RoleSeniorOperator}},
				{Level: 3, ThresholdMinutes: 180, NotifyRoles: []models.Role{models.RoleAdmin}},
			},
		},
		{
			Direction:        models.DirectionTransfer,
			BaseMinutes:      240,
			EscalationLevels: []EscalationLevel{
				{Level: 1, ThresholdMinutes: 180, NotifyRoles: []models.Role{models.RoleOperator}},
				{Level: 2, ThresholdMinutes: 300, NotifyRoles: []models.Role{models.RoleAdmin}},
			},
		},
	}
}

// DefaultRuleTable builds the table from DefaultRules
func DefaultRuleTable() (*RuleTable, error) {
	return NewRuleTable(DefaultRules(), models.AllDirections)
}
