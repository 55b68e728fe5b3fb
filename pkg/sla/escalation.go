package sla

// NextEscalation returns the lowest escalation level that is due and not yet
// notified. Only one level is returned per call, so a delayed sweep catches up
// one step at a time.
func NextEscalation(rule Rule, elapsedMinutes int, lastLevel int) (EscalationLevel, bool) {
	for _, lvl := range rule.EscalationLevels {
		if lvl.ThresholdMinutes <= elapsedMinutes && lvl.Level > lastLevel {
			return lvl, true
		}
	}
	return EscalationLevel{}, false
}

// MaxLevel is the highest level a rule can reach, 0 when it has no escalation
func (r Rule) MaxLevel() int {
	if len(r.EscalationLevels) == 0 {
		return 0
	}
	return r.EscalationLevels[len(r.EscalationLevels)-1].Level
}
