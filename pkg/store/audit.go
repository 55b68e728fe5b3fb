package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"exchange-sla-tracker/pkg/constants"
	"exchange-sla-tracker/pkg/metrics"
	"exchange-sla-tracker/pkg/models"
)

// AuditStore appends audit entries to a Redis stream
type AuditStore struct {
	rdb     *redis.Client
	metrics *metrics.Metrics
}

func NewAuditStore(rdb *redis.Client, metrics *metrics.Metrics) *AuditStore {
	return &AuditStore{rdb: rdb, metrics: metrics}
}

func (s *AuditStore) Record(ctx context.Context, entry models.AuditEntry) error {
	start := time.Now()
	defer func() {
		s.metrics.RedisOperationDuration.WithLabelValues("record_audit").Observe(time.Since(start).Seconds())
	}()

	oldValues, err := json.Marshal(entry.OldValues)
	if err != nil {
		return fmt.Errorf("failed to marshal old values: %w", err)
	}
	newValues, err := json.Marshal(entry.NewValues)
	if err != nil {
		return fmt.Errorf("failed to marshal new values: %w", err)
	}

	err = s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: constants.AuditStream,
		Values: map[string]interface{}{
			"actor_id":    entry.ActorID,
			"entity_type": entry.EntityType,
			"entity_id":   entry.EntityID,
			"action":      entry.Action,
			"old_values":  string(oldValues),
			"new_values":  string(newValues),
			"created_at":  entry.CreatedAt.UnixMilli(),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// Recent returns up to count entries, newest first
func (s *AuditStore) Recent(ctx context.Context, count int64) ([]models.AuditEntry, error) {
	messages, err := s.rdb.XRevRangeN(ctx, constants.AuditStream, "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read audit stream: %w", err)
	}

	entries := make([]models.AuditEntry, 0, len(messages))
	for _, message := range messages {
		entry, err := parseAuditEntry(message)
		if err != nil {
			return nil, fmt.Errorf("message %s: %w", message.ID, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func parseAuditEntry(message redis.XMessage) (models.AuditEntry, error) {
	str := func(field string) string {
		v, _ := message.Values[field].(string)
		return v
	}

	entry := models.AuditEntry{
		ActorID:    str("actor_id"),
		EntityType: str("entity_type"),
		EntityID:   str("entity_id"),
		Action:     str("action"),
	}

	createdAt, err := strconv.ParseInt(str("created_at"), 10, 64)
	if err != nil {
		return entry, fmt.Errorf("invalid created_at format: %w", err)
	}
	entry.CreatedAt = time.UnixMilli(createdAt).UTC()

	if raw := str("old_values"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &entry.OldValues); err != nil {
			return entry, fmt.Errorf("invalid old_values: %w", err)
		}
	}
	if raw := str("new_values"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &entry.NewValues); err != nil {
			return entry, fmt.Errorf("invalid new_values: %w", err)
		}
	}
	return entry, nil
}
