package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"exchange-sla-tracker/pkg/constants"
	"exchange-sla-tracker/pkg/metrics"
	"exchange-sla-tracker/pkg/models"
)

// NotificationStore queues notifications on a Redis stream for the delivery
// consumer. Every send also writes a sent marker keyed by kind, request and
// target, which is what ExistsRecent reads.
type NotificationStore struct {
	rdb     *redis.Client
	logger  *logrus.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewNotificationStore(rdb *redis.Client, logger *logrus.Logger, metrics *metrics.Metrics) *NotificationStore {
	return &NotificationStore{
		rdb:     rdb,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

func sentMarkerKey(kind models.NotificationKind, requestID, targetUserID string) string {
	return fmt.Sprintf("%s%s:%s:%s", constants.SentMarkerKeyPrefix, kind, requestID, targetUserID)
}

func (s *NotificationStore) Send(ctx context.Context, n models.Notification) error {
	start := time.Now()
	defer func() {
		s.metrics.RedisOperationDuration.WithLabelValues("send_notification").Observe(time.Since(start).Seconds())
	}()

	payload, err := json.Marshal(n.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal notification payload: %w", err)
	}

	var messageID *redis.StringCmd
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		messageID = pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: constants.NotificationsStream,
			MaxLen: constants.NotificationStreamSize,
			Approx: true,
			Values: map[string]interface{}{
				"notification_id": n.ID,
				"kind":            string(n.Kind),
				"target_user_id":  n.TargetUserID,
				"target_role":     string(n.TargetRole),
				"request_id":      n.RequestID,
				"severity":        n.Severity,
				"created_at":      n.CreatedAt.UnixMilli(),
				"payload":         string(payload),
			},
		})
		if n.TargetUserID != "" {
			pipe.Set(ctx, sentMarkerKey(n.Kind, n.RequestID, n.TargetUserID), n.CreatedAt.UnixMilli(), constants.SentMarkerRetention)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to queue notification: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"kind":           n.Kind,
		"target_user_id": n.TargetUserID,
		"request_id":     n.RequestID,
		"message_id":     messageID.Val(),
	}).Debug("Queued notification")
	return nil
}

// ExistsRecent reports whether the same kind for the same request reached the
// user within the last `within`. Markers expire after SentMarkerRetention, so
// longer windows are not supported.
func (s *NotificationStore) ExistsRecent(ctx context.Context, targetUserID string, kind models.NotificationKind, requestID string, within time.Duration) (bool, error) {
	start := time.Now()
	defer func() {
		s.metrics.RedisOperationDuration.WithLabelValues("exists_recent").Observe(time.Since(start).Seconds())
	}()

	raw, err := s.rdb.Get(ctx, sentMarkerKey(kind, requestID, targetUserID)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read sent marker: %w", err)
	}

	sentAt, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return false, fmt.Errorf("invalid sent marker format: %w", err)
	}
	return sentAt > s.now().Add(-within).UnixMilli(), nil
}
