package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"exchange-sla-tracker/pkg/constants"
	"exchange-sla-tracker/pkg/models"
)

// runOverdueSweep flips isOverdue on requests past their deadline and notifies
// the assignee and staff. The stored flag, not the deadline, decides whether a
// request was already handled, so repeated runs notify once.
func (m *Monitor) runOverdueSweep(ctx context.Context) error {
	now := m.now()
	notOverdue := false

	candidates, err := m.findPending(ctx, models.Filter{
		DeadlineBefore: &now,
		Overdue:        &notOverdue,
	})
	if err != nil {
		return fmt.Errorf("failed to find overdue requests: %w", err)
	}
	if len(candidates) == 0 {
		m.logger.WithField("job", constants.JobOverdueSweep).Debug("No new overdue requests")
		return nil
	}

	// nothing is marked unless staff can be told about it
	staff, err := m.usersForRoles(ctx, m.config.OverdueNotifyRoles)
	if err != nil {
		return err
	}

	summary := sweepSummary{Candidates: len(candidates)}
	for _, req := range candidates {
		if ctx.Err() != nil {
			summary.Interrupted = true
			break
		}

		marked, err := m.markOverdue(ctx, req, now, staff)
		switch {
		case err != nil:
			m.itemFailed(constants.JobOverdueSweep, req, err, &summary)
		case marked:
			summary.Notified++
		default:
			summary.Skipped++
		}
	}

	m.logger.WithFields(summary.fields()).WithField("job", constants.JobOverdueSweep).Info("Overdue sweep completed")
	return nil
}

func (m *Monitor) markOverdue(ctx context.Context, req models.Request, now time.Time, staff []string) (bool, error) {
	if req.SLADeadline == nil {
		return false, ErrMissingDeadline
	}

	cctx, cancel := m.bounded(ctx)
	changed, err := m.collab.Requests.MarkOverdue(cctx, req.ID, now)
	cancel()
	if err != nil {
		return false, fmt.Errorf("failed to mark overdue: %w", err)
	}
	if !changed {
		// already flagged by another run, or the deadline was extended meanwhile
		m.logger.WithField("request_id", req.ID).Debug("Overdue transition not applied")
		return false, nil
	}
	m.metrics.RequestsMarkedOverdue.Inc()

	deadline := req.SLADeadline.UTC().Format(time.RFC3339)
	overdueMinutes := int(now.Sub(*req.SLADeadline) / time.Minute)

	targets := make([]string, 0, len(staff)+1)
	if req.AssignedUserID != "" {
		targets = append(targets, req.AssignedUserID)
	}
	for _, userID := range staff {
		if userID != req.AssignedUserID {
			targets = append(targets, userID)
		}
	}

	var errs []error
	for _, userID := range targets {
		n := m.newNotification(models.KindSLAOverdue, userID, req.ID, models.SeverityCritical, map[string]interface{}{
			"sla_deadline":    deadline,
			"overdue_minutes": overdueMinutes,
			"assigned":        userID == req.AssignedUserID,
		})
		if err := m.send(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}

	errs = append(errs, m.audit(ctx, req.ID, models.ActionMarkOverdue,
		map[string]interface{}{"is_overdue": false, "sla_deadline": deadline},
		map[string]interface{}{"is_overdue": true},
	))

	m.logger.WithFields(logrus.Fields{
		"request_id":      req.ID,
		"overdue_minutes": overdueMinutes,
		"recipients":      len(targets),
	}).Info("Request marked overdue")
	return true, errors.Join(errs...)
}
