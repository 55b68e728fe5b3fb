package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"exchange-sla-tracker/pkg/constants"
	"exchange-sla-tracker/pkg/metrics"
	"exchange-sla-tracker/pkg/models"
)

// Dispatcher hands a notification to its final channel (mail, messenger, UI push)
type Dispatcher interface {
	Dispatch(ctx context.Context, n models.Notification) error
}

// LogDispatcher writes notifications to the log. It is the default channel
// until a real one is configured.
type LogDispatcher struct {
	Logger *logrus.Logger
}

func (d LogDispatcher) Dispatch(ctx context.Context, n models.Notification) error {
	d.Logger.WithFields(logrus.Fields{
		"notification_id": n.ID,
		"kind":            n.Kind,
		"target_user_id":  n.TargetUserID,
		"request_id":      n.RequestID,
		"severity":        n.Severity,
	}).Info("Delivering notification")
	return nil
}

const (
	readCount        = 10
	readBlock        = time.Second
	recoveryInterval = 30 * time.Second
	claimMinIdle     = time.Minute
)

// Consumer reads the notification stream as part of a consumer group. A message
// is acked after successful dispatch; failed ones stay pending and are reclaimed.
type Consumer struct {
	rdb          *redis.Client
	group        string
	consumerName string
	dispatcher   Dispatcher
	logger       *logrus.Logger
	metrics      *metrics.Metrics

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func NewConsumer(rdb *redis.Client, group, podID string, dispatcher Dispatcher, logger *logrus.Logger, metrics *metrics.Metrics) *Consumer {
	return &Consumer{
		rdb:          rdb,
		group:        group,
		consumerName: fmt.Sprintf("consumer-%s", podID),
		dispatcher:   dispatcher,
		logger:       logger,
		metrics:      metrics,
		stopCh:       make(chan struct{}),
	}
}

func (c *Consumer) Start(ctx context.Context) error {
	if err := c.createConsumerGroup(ctx); err != nil {
		return err
	}

	c.logger.WithField("consumer_name", c.consumerName).Info("Starting notification consumer")

	c.wg.Add(2)
	go c.consumeLoop(ctx)
	go c.pendingMessagesRecovery(ctx)
	return nil
}

// Stop waits for the loops to return. A blocked read returns within readBlock.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	c.wg.Wait()
}

func (c *Consumer) createConsumerGroup(ctx context.Context) error {
	// Create consumer group (idempotent operation)
	err := c.rdb.XGroupCreateMkStream(ctx, constants.NotificationsStream, c.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	c.logger.WithField("consumer_group", c.group).Info("Consumer group ready")
	return nil
}

func (c *Consumer) consumeLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
			c.consumeMessages(ctx)
		}
	}
}

func (c *Consumer) consumeMessages(ctx context.Context) {
	start := time.Now()

	streams, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.consumerName,
		Streams:  []string{constants.NotificationsStream, ">"},
		Count:    readCount,
		Block:    readBlock,
	}).Result()
	if err != nil {
		if err != redis.Nil && ctx.Err() == nil {
			c.logger.WithError(err).Error("Failed to read from notification stream")
			// avoid a hot loop while Redis is down
			select {
			case <-time.After(readBlock):
			case <-c.stopCh:
			case <-ctx.Done():
			}
		}
		return
	}

	for _, stream := range streams {
		for _, message := range stream.Messages {
			c.processMessage(ctx, message)
		}
	}

	if len(streams) > 0 {
		c.metrics.DeliveryBatchDuration.Observe(time.Since(start).Seconds())
	}
}

func (c *Consumer) processMessage(ctx context.Context, message redis.XMessage) {
	n, err := ParseNotification(message)
	if err != nil {
		c.logger.WithError(err).WithField("message_id", message.ID).Error("Failed to parse notification")
		c.metrics.DeliveryMessagesHandled.WithLabelValues("parse_error").Inc()
		// Acknowledge message to prevent reprocessing
		if err := c.acknowledgeMessage(ctx, message.ID); err != nil {
			c.logger.WithError(err).WithField("message_id", message.ID).Error("Failed to acknowledge message")
		}
		return
	}

	log := c.logger.WithFields(logrus.Fields{
		"notification_id": n.ID,
		"kind":            n.Kind,
		"target_user_id":  n.TargetUserID,
		"message_id":      message.ID,
	})

	if err := c.dispatcher.Dispatch(ctx, n); err != nil {
		log.WithError(err).Error("Failed to dispatch notification")
		c.metrics.DeliveryMessagesHandled.WithLabelValues("dispatch_error").Inc()
		// Don't acknowledge - let it retry
		return
	}

	if err := c.acknowledgeMessage(ctx, message.ID); err != nil {
		log.WithError(err).Error("Failed to acknowledge message")
		return
	}

	c.metrics.DeliveryMessagesHandled.WithLabelValues("success").Inc()
	log.Debug("Delivered notification")
}

func (c *Consumer) acknowledgeMessage(ctx context.Context, messageID string) error {
	return c.rdb.XAck(ctx, constants.NotificationsStream, c.group, messageID).Err()
}

func (c *Consumer) pendingMessagesRecovery(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(recoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.processPendingMessages(ctx, claimMinIdle)
		}
	}
}

// processPendingMessages reclaims messages another consumer (or an earlier
// attempt) left unacked for at least minIdle.
func (c *Consumer) processPendingMessages(ctx context.Context, minIdle time.Duration) {
	pending, err := c.rdb.XPending(ctx, constants.NotificationsStream, c.group).Result()
	if err != nil {
		c.logger.WithError(err).Error("Failed to get pending messages")
		return
	}
	if pending.Count == 0 {
		return
	}

	c.logger.WithField("pending_count", pending.Count).Info("Processing pending notifications")

	// walk the pending list with the XAUTOCLAIM cursor until it wraps to 0-0
	start, reclaimed := "0-0", 0
	for {
		messages, next, err := c.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   constants.NotificationsStream,
			Group:    c.group,
			Consumer: c.consumerName,
			MinIdle:  minIdle,
			Count:    readCount,
			Start:    start,
		}).Result()
		if err != nil {
			c.logger.WithError(err).Error("Failed to auto-claim pending messages")
			return
		}

		for _, message := range messages {
			c.processMessage(ctx, message)
		}
		reclaimed += len(messages)

		if next == "0-0" || next == "" || ctx.Err() != nil {
			break
		}
		start = next
	}

	c.logger.WithField("reclaimed", reclaimed).Debug("Pending notifications processed")
}

var errMissingField = errors.New("missing field")

// ParseNotification decodes a stream entry written by the notification store
func ParseNotification(message redis.XMessage) (models.Notification, error) {
	var n models.Notification

	str := func(field string, required bool) (string, error) {
		v, ok := message.Values[field].(string)
		if required && (!ok || v == "") {
			return "", fmt.Errorf("%w: %s", errMissingField, field)
		}
		return v, nil
	}

	var err error
	if n.ID, err = str("notification_id", true); err != nil {
		return n, err
	}
	kind, err := str("kind", true)
	if err != nil {
		return n, err
	}
	n.Kind = models.NotificationKind(kind)

	n.TargetUserID, _ = str("target_user_id", false)
	role, _ := str("target_role", false)
	n.TargetRole = models.Role(role)
	n.RequestID, _ = str("request_id", false)
	n.Severity, _ = str("severity", false)

	createdAt, err := str("created_at", true)
	if err != nil {
		return n, err
	}
	ms, err := strconv.ParseInt(createdAt, 10, 64)
	if err != nil {
		return n, fmt.Errorf("invalid created_at format: %w", err)
	}
	n.CreatedAt = time.UnixMilli(ms).UTC()

	if raw, _ := str("payload", false); raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &n.Payload); err != nil {
			return n, fmt.Errorf("invalid payload: %w", err)
		}
	}

	if n.TargetUserID == "" && n.TargetRole == "" {
		return n, fmt.Errorf("%w: target_user_id or target_role", errMissingField)
	}
	return n, nil
}
