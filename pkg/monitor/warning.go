package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"exchange-sla-tracker/pkg/constants"
	"exchange-sla-tracker/pkg/models"
	"exchange-sla-tracker/pkg/sla"
)

// runWarningSweep warns assignees about deadlines inside the warning window and
// fires due escalation levels on every active request.
func (m *Monitor) runWarningSweep(ctx context.Context) error {
	now := m.now()

	warnErr := m.warnUpcoming(ctx, now)
	escErr := m.escalateActive(ctx, now)

	return errors.Join(warnErr, escErr)
}

func (m *Monitor) warnUpcoming(ctx context.Context, now time.Time) error {
	from, to := now, now.Add(m.config.WarningWindow())
	notOverdue := false

	candidates, err := m.findPending(ctx, models.Filter{
		DeadlineFrom: &from,
		DeadlineTo:   &to,
		Overdue:      &notOverdue,
	})
	if err != nil {
		return fmt.Errorf("failed to find requests near deadline: %w", err)
	}

	summary := sweepSummary{Candidates: len(candidates)}
	for _, req := range candidates {
		if ctx.Err() != nil {
			summary.Interrupted = true
			break
		}

		sent, err := m.warnAssignee(ctx, req, now)
		switch {
		case err != nil:
			m.itemFailed(constants.JobWarningSweep, req, err, &summary)
		case sent:
			summary.Notified++
		default:
			summary.Skipped++
		}
	}

	m.logger.WithFields(summary.fields()).WithField("job", constants.JobWarningSweep).Info("Deadline warning pass completed")
	return nil
}

func (m *Monitor) warnAssignee(ctx context.Context, req models.Request, now time.Time) (bool, error) {
	if req.SLADeadline == nil {
		return false, ErrMissingDeadline
	}
	if req.AssignedUserID == "" {
		return false, nil
	}

	minutesToSLA := int(req.SLADeadline.Sub(now) / time.Minute)
	severity := models.SeverityWarning
	if minutesToSLA <= m.config.CriticalWindowMinutes {
		severity = models.SeverityCritical
	}

	cctx, cancel := m.bounded(ctx)
	exists, err := m.collab.Notifications.ExistsRecent(cctx, req.AssignedUserID, models.KindSLAWarning, req.ID, m.config.WarningDedupWindow())
	cancel()
	if err != nil {
		return false, fmt.Errorf("failed to check recent warnings: %w", err)
	}
	if exists {
		return false, nil
	}

	n := m.newNotification(models.KindSLAWarning, req.AssignedUserID, req.ID, severity, map[string]interface{}{
		"minutes_to_sla": minutesToSLA,
		"sla_deadline":   req.SLADeadline.UTC().Format(time.RFC3339),
		"direction":      string(req.Direction),
	})
	if err := m.send(ctx, n); err != nil {
		return false, err
	}

	m.logger.WithFields(logrus.Fields{
		"request_id":     req.ID,
		"target_user_id": req.AssignedUserID,
		"minutes_to_sla": minutesToSLA,
		"severity":       severity,
	}).Debug("Sent SLA warning")
	return true, nil
}

func (m *Monitor) escalateActive(ctx context.Context, now time.Time) error {
	active, err := m.findPending(ctx, models.Filter{})
	if err != nil {
		return fmt.Errorf("failed to find active requests: %w", err)
	}
	m.metrics.TrackedRequestsCount.Set(float64(len(active)))

	summary := sweepSummary{Candidates: len(active)}
	for _, req := range active {
		if ctx.Err() != nil {
			summary.Interrupted = true
			break
		}

		fired, err := m.escalate(ctx, req, now)
		switch {
		case err != nil:
			m.itemFailed(constants.JobWarningSweep, req, err, &summary)
		case fired:
			summary.Notified++
		default:
			summary.Skipped++
		}
	}

	m.logger.WithFields(summary.fields()).WithField("job", constants.JobWarningSweep).Info("Escalation pass completed")
	return nil
}

// escalate fires at most one escalation level for req. The level is claimed in
// the repository before anyone is notified, so a level is never announced twice.
func (m *Monitor) escalate(ctx context.Context, req models.Request, now time.Time) (bool, error) {
	rule, err := m.rules.Rule(req.Direction)
	if err != nil {
		return false, err
	}
	if req.LastEscalationLevel >= rule.MaxLevel() {
		return false, nil
	}

	elapsed := now.Sub(req.CreatedAt)
	if elapsed < 0 {
		return false, ErrClockSkew
	}

	lvl, ok := sla.NextEscalation(rule, int(elapsed/time.Minute), req.LastEscalationLevel)
	if !ok {
		return false, nil
	}

	// resolve recipients first so a directory outage leaves the level unclaimed
	users, err := m.usersForRoles(ctx, lvl.NotifyRoles)
	if err != nil {
		return false, err
	}

	cctx, cancel := m.bounded(ctx)
	changed, err := m.collab.Requests.SetEscalationLevel(cctx, req.ID, lvl.Level)
	cancel()
	if err != nil {
		return false, fmt.Errorf("failed to store escalation level %d: %w", lvl.Level, err)
	}
	if !changed {
		return false, nil
	}
	m.metrics.EscalationsFired.WithLabelValues(fmt.Sprintf("level%d", lvl.Level)).Inc()

	log := m.logger.WithFields(logrus.Fields{
		"request_id": req.ID,
		"level":      lvl.Level,
	})
	if len(users) == 0 {
		log.Warn("No active users for escalation roles")
	}

	roles := make([]string, len(lvl.NotifyRoles))
	for i, r := range lvl.NotifyRoles {
		roles[i] = string(r)
	}

	var errs []error
	for _, userID := range users {
		n := m.newNotification(models.KindEscalation, userID, req.ID, models.SeverityCritical, map[string]interface{}{
			"level":           lvl.Level,
			"elapsed_minutes": int(elapsed / time.Minute),
			"notify_roles":    roles,
		})
		if err := m.send(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}

	errs = append(errs, m.audit(ctx, req.ID, models.ActionEscalated,
		map[string]interface{}{"last_escalation_level": req.LastEscalationLevel},
		map[string]interface{}{"last_escalation_level": lvl.Level, "notify_roles": roles},
	))

	log.WithField("recipients", len(users)).Info("Escalated request")
	return true, errors.Join(errs...)
}
