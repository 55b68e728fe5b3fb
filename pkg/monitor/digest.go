package monitor

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"exchange-sla-tracker/pkg/constants"
	"exchange-sla-tracker/pkg/models"
)

// Digest aggregates the requests created in one digest window
type Digest struct {
	WindowStart      time.Time
	WindowEnd        time.Time
	Total            int
	Completed        int
	CompletedAmounts map[string]decimal.Decimal // per currency
}

func summarize(requests []models.Request, from, to time.Time) Digest {
	d := Digest{
		WindowStart:      from,
		WindowEnd:        to,
		CompletedAmounts: make(map[string]decimal.Decimal),
	}
	for _, req := range requests {
		d.Total++
		if req.Status != models.StatusCompleted {
			continue
		}
		d.Completed++
		d.CompletedAmounts[req.CurrencyCode] = d.CompletedAmounts[req.CurrencyCode].Add(req.Amount)
	}
	return d
}

func (d Digest) payload() map[string]interface{} {
	currencies := make([]string, 0, len(d.CompletedAmounts))
	for code := range d.CompletedAmounts {
		currencies = append(currencies, code)
	}
	sort.Strings(currencies)

	amounts := make(map[string]interface{}, len(currencies))
	for _, code := range currencies {
		amounts[code] = d.CompletedAmounts[code].String()
	}

	return map[string]interface{}{
		"window_start":      d.WindowStart.UTC().Format(time.RFC3339),
		"window_end":        d.WindowEnd.UTC().Format(time.RFC3339),
		"total":             d.Total,
		"completed":         d.Completed,
		"completed_amounts": amounts,
	}
}

// runDailyDigest sends one summary of the last digest window to every admin and
// operator. A user who already received a digest within half a window is skipped.
func (m *Monitor) runDailyDigest(ctx context.Context) error {
	now := m.now()
	from := now.Add(-m.config.DigestWindow())

	created, err := m.findPending(ctx, models.Filter{
		CreatedFrom:     &from,
		CreatedTo:       &now,
		IncludeTerminal: true,
	})
	if err != nil {
		return fmt.Errorf("failed to load requests for digest: %w", err)
	}

	recipients, err := m.usersForRoles(ctx, m.config.DigestNotifyRoles)
	if err != nil {
		return err
	}

	digest := summarize(created, from, now)
	payload := digest.payload()
	dedupWindow := m.config.DigestWindow() / 2

	summary := sweepSummary{Candidates: len(recipients)}
	for _, userID := range recipients {
		if ctx.Err() != nil {
			summary.Interrupted = true
			break
		}

		sent, err := m.sendDigest(ctx, userID, payload, dedupWindow)
		switch {
		case err != nil:
			summary.Failed++
			m.metrics.ItemFailures.WithLabelValues(constants.JobDailyDigest).Inc()
			m.logger.WithError(err).WithFields(logrus.Fields{
				"job":            constants.JobDailyDigest,
				"target_user_id": userID,
			}).Error("Failed to send digest")
		case sent:
			summary.Notified++
		default:
			summary.Skipped++
		}
	}

	m.logger.WithFields(summary.fields()).WithFields(logrus.Fields{
		"job":       constants.JobDailyDigest,
		"total":     digest.Total,
		"completed": digest.Completed,
	}).Info("Daily digest completed")
	return nil
}

func (m *Monitor) sendDigest(ctx context.Context, userID string, payload map[string]interface{}, dedupWindow time.Duration) (bool, error) {
	cctx, cancel := m.bounded(ctx)
	exists, err := m.collab.Notifications.ExistsRecent(cctx, userID, models.KindDailyDigest, "", dedupWindow)
	cancel()
	if err != nil {
		return false, fmt.Errorf("failed to check recent digests: %w", err)
	}
	if exists {
		return false, nil
	}

	n := m.newNotification(models.KindDailyDigest, userID, "", models.SeverityInfo, payload)
	if err := m.send(ctx, n); err != nil {
		return false, err
	}
	return true, nil
}
