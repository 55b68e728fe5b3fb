package sla

import (
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"exchange-sla-tracker/pkg/models"
)

type ruleFile struct {
	Rules []ruleEntry `yaml:"rules"`
}

type ruleEntry struct {
	Direction             string            `yaml:"direction"`
	BaseMinutes           int               `yaml:"base_minutes"`
	UrgentThresholdAmount string            `yaml:"urgent_threshold_amount"`
	UrgentMinutes         int               `yaml:"urgent_minutes"`
	BusinessHoursOnly     bool              `yaml:"business_hours_only"`
	Escalation            []escalationEntry `yaml:"escalation"`
}

type escalationEntry struct {
	Level            int      `yaml:"level"`
	ThresholdMinutes int      `yaml:"threshold_minutes"`
	NotifyRoles      []string `yaml:"notify_roles"`
}

// LoadRuleTableFile reads a YAML rule file and validates it against all directions
func LoadRuleTableFile(path string) (*RuleTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Reason: fmt.Sprintf("read rules file %s", path), Err: err}
	}
	return ParseRuleTable(data)
}

// ParseRuleTable decodes YAML rule definitions, e.g.
//
//	rules:
//	  - direction: BUY
//	    base_minutes: 60
//	    urgent_threshold_amount: "1000000"
//	    urgent_minutes: 30
//	    business_hours_only: true
//	    escalation:
//	      - {level: 1, threshold_minutes: 45, notify_roles: [OPERATOR]}
func ParseRuleTable(data []byte) (*RuleTable, error) {
	var file ruleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, &ConfigError{Reason: "decode rules file", Err: err}
	}

	rules := make([]Rule, 0, len(file.Rules))
	for _, entry := range file.Rules {
		rule, err := entry.toRule()
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}

	return NewRuleTable(rules, models.AllDirections)
}

func (e ruleEntry) toRule() (Rule, error) {
	direction := models.Direction(strings.ToUpper(strings.TrimSpace(e.Direction)))
	rule := Rule{
		Direction:         direction,
		BaseMinutes:       e.BaseMinutes,
		UrgentMinutes:     e.UrgentMinutes,
		BusinessHoursOnly: e.BusinessHoursOnly,
	}

	if e.UrgentThresholdAmount != "" {
		threshold, err := decimal.NewFromString(e.UrgentThresholdAmount)
		if err != nil {
			return Rule{}, &ConfigError{Direction: direction, Reason: "bad urgent_threshold_amount", Err: err}
		}
		rule.UrgentThresholdAmount = &threshold
	}

	for _, esc := range e.Escalation {
		roles := make([]models.Role, 0, len(esc.NotifyRoles))
		for _, r := range esc.NotifyRoles {
			roles = append(roles, models.Role(strings.ToUpper(strings.TrimSpace(r))))
		}
		rule.EscalationLevels = append(rule.EscalationLevels, EscalationLevel{
			Level:            esc.Level,
			ThresholdMinutes: esc.ThresholdMinutes,
			NotifyRoles:      roles,
		})
	}

	return rule, nil
}
