package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"exchange-sla-tracker/pkg/constants"
	"exchange-sla-tracker/pkg/metrics"
	"exchange-sla-tracker/pkg/models"
)

var (
	ErrNotFound      = errors.New("request not found")
	ErrAlreadyExists = errors.New("request already exists")
)

// createRequestScript writes the hash and both indexes only when the request
// key is absent. ARGV: id, created ms, deadline ms or "", then field/value pairs.
var createRequestScript = redis.NewScript(`
	if redis.call("EXISTS", KEYS[1]) == 1 then
		return 0
	end
	redis.call("HSET", KEYS[1], unpack(ARGV, 4))
	redis.call("ZADD", KEYS[2], ARGV[2], ARGV[1])
	if ARGV[3] ~= "" then
		redis.call("ZADD", KEYS[3], ARGV[3], ARGV[1])
	end
	return 1
`)

// markOverdueScript flips is_overdue only when it is still unset and the stored
// deadline lies before ARGV[1] (unix ms).
var markOverdueScript = redis.NewScript(`
	if redis.call("EXISTS", KEYS[1]) == 0 then
		return 0
	end
	if redis.call("HGET", KEYS[1], "is_overdue") == "1" then
		return 0
	end
	local deadline = redis.call("HGET", KEYS[1], "sla_deadline")
	if not deadline or deadline == "" then
		return 0
	end
	if tonumber(deadline) >= tonumber(ARGV[1]) then
		return 0
	end
	redis.call("HSET", KEYS[1], "is_overdue", "1")
	return 1
`)

// raiseLevelScript only ever moves last_escalation_level upwards
var raiseLevelScript = redis.NewScript(`
	if redis.call("EXISTS", KEYS[1]) == 0 then
		return 0
	end
	local current = tonumber(redis.call("HGET", KEYS[1], "last_escalation_level") or "0") or 0
	if tonumber(ARGV[1]) <= current then
		return 0
	end
	redis.call("HSET", KEYS[1], "last_escalation_level", ARGV[1])
	return 1
`)

// RequestStore keeps requests as hashes with two sorted-set indexes: active
// deadlines and creation times, both scored in unix milliseconds.
type RequestStore struct {
	rdb     *redis.Client
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

func NewRequestStore(rdb *redis.Client, logger *logrus.Logger, metrics *metrics.Metrics) *RequestStore {
	return &RequestStore{
		rdb:     rdb,
		logger:  logger,
		metrics: metrics,
	}
}

func requestKey(id string) string {
	return constants.RequestKeyPrefix + id
}

func (s *RequestStore) observe(operation string, start time.Time) {
	s.metrics.RedisOperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// Create stores a new request and indexes it. The SLA state of an existing
// request is never overwritten: a known id returns ErrAlreadyExists.
func (s *RequestStore) Create(ctx context.Context, req models.Request) error {
	defer s.observe("create_request", time.Now())

	deadline := ""
	if req.SLADeadline != nil && !req.Status.IsTerminal() {
		deadline = msScore(*req.SLADeadline)
	}

	fields := encodeRequest(req)
	args := make([]interface{}, 0, 3+2*len(fields))
	args = append(args, req.ID, req.CreatedAt.UnixMilli(), deadline)
	for field, value := range fields {
		args = append(args, field, value)
	}

	keys := []string{requestKey(req.ID), constants.CreatedIndexKey, constants.DeadlineIndexKey}
	created, err := createRequestScript.Run(ctx, s.rdb, keys, args...).Int()
	if err != nil {
		s.logger.WithError(err).WithField("request_id", req.ID).Error("Failed to create request")
		return fmt.Errorf("failed to create request: %w", err)
	}
	if created == 0 {
		return ErrAlreadyExists
	}

	s.logger.WithFields(logrus.Fields{
		"request_id": req.ID,
		"direction":  req.Direction,
		"status":     req.Status,
	}).Debug("Created request")
	return nil
}

// Get loads one request
func (s *RequestStore) Get(ctx context.Context, id string) (models.Request, error) {
	defer s.observe("get_request", time.Now())

	fields, err := s.rdb.HGetAll(ctx, requestKey(id)).Result()
	if err != nil {
		return models.Request{}, fmt.Errorf("failed to load request: %w", err)
	}
	if len(fields) == 0 {
		return models.Request{}, ErrNotFound
	}
	return decodeRequest(fields)
}

// UpdateStatus changes the status. Terminal requests leave the deadline index so
// later sweeps never see them.
func (s *RequestStore) UpdateStatus(ctx context.Context, id string, status models.Status) error {
	defer s.observe("update_status", time.Now())

	exists, err := s.rdb.Exists(ctx, requestKey(id)).Result()
	if err != nil {
		return fmt.Errorf("failed to check request: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, requestKey(id), "status", string(status))
		if status.IsTerminal() {
			pipe.ZRem(ctx, constants.DeadlineIndexKey, id)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"request_id": id,
		"status":     status,
	}).Debug("Updated request status")
	return nil
}

// ActiveCount returns the number of requests in the deadline index
func (s *RequestStore) ActiveCount(ctx context.Context) (int64, error) {
	defer s.observe("active_count", time.Now())

	count, err := s.rdb.ZCard(ctx, constants.DeadlineIndexKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count active requests: %w", err)
	}
	return count, nil
}

// FindPending narrows candidates through an index and applies the full filter
// to the loaded hashes.
func (s *RequestStore) FindPending(ctx context.Context, filter models.Filter) ([]models.Request, error) {
	defer s.observe("find_pending", time.Now())

	ids, err := s.candidateIDs(ctx, filter)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.StringStringMapCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, requestKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to load requests: %w", err)
	}

	requests := make([]models.Request, 0, len(ids))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			// index entry outlived its hash
			continue
		}
		req, err := decodeRequest(fields)
		if err != nil {
			s.logger.WithError(err).WithField("request_id", ids[i]).Warn("Skipping unreadable request")
			continue
		}
		if filter.Matches(req) {
			requests = append(requests, req)
		}
	}
	return requests, nil
}

// candidateIDs picks the narrowest index. The deadline index only holds
// non-terminal requests, so it also serves unbounded scans over active ones.
func (s *RequestStore) candidateIDs(ctx context.Context, filter models.Filter) ([]string, error) {
	activeOnly := !filter.IncludeTerminal && filter.CreatedFrom == nil && filter.CreatedTo == nil
	if activeOnly || filter.DeadlineFrom != nil || filter.DeadlineTo != nil || filter.DeadlineBefore != nil {
		rng := &redis.ZRangeBy{Min: "-inf", Max: "+inf"}
		if filter.DeadlineFrom != nil {
			rng.Min = msScore(*filter.DeadlineFrom)
		}
		if filter.DeadlineTo != nil {
			rng.Max = msScore(*filter.DeadlineTo)
		}
		if filter.DeadlineBefore != nil {
			rng.Max = "(" + msScore(*filter.DeadlineBefore)
		}
		ids, err := s.rdb.ZRangeByScore(ctx, constants.DeadlineIndexKey, rng).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to query deadline index: %w", err)
		}
		return ids, nil
	}

	rng := &redis.ZRangeBy{Min: "-inf", Max: "+inf"}
	if filter.CreatedFrom != nil {
		rng.Min = msScore(*filter.CreatedFrom)
	}
	if filter.CreatedTo != nil {
		rng.Max = "(" + msScore(*filter.CreatedTo)
	}
	ids, err := s.rdb.ZRangeByScore(ctx, constants.CreatedIndexKey, rng).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to query creation index: %w", err)
	}
	return ids, nil
}

func (s *RequestStore) MarkOverdue(ctx context.Context, id string, asOf time.Time) (bool, error) {
	defer s.observe("mark_overdue", time.Now())

	changed, err := markOverdueScript.Run(ctx, s.rdb, []string{requestKey(id)}, asOf.UnixMilli()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to mark request overdue: %w", err)
	}
	return changed == 1, nil
}

func (s *RequestStore) SetEscalationLevel(ctx context.Context, id string, level int) (bool, error) {
	defer s.observe("set_escalation_level", time.Now())

	changed, err := raiseLevelScript.Run(ctx, s.rdb, []string{requestKey(id)}, level).Int()
	if err != nil {
		return false, fmt.Errorf("failed to set escalation level: %w", err)
	}
	return changed == 1, nil
}

func msScore(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func encodeRequest(req models.Request) map[string]interface{} {
	deadline := ""
	if req.SLADeadline != nil {
		deadline = msScore(*req.SLADeadline)
	}
	overdue := "0"
	if req.IsOverdue {
		overdue = "1"
	}
	return map[string]interface{}{
		"id":                    req.ID,
		"direction":             string(req.Direction),
		"priority":              string(req.Priority),
		"created_at":            req.CreatedAt.UnixMilli(),
		"status":                string(req.Status),
		"amount":                req.Amount.String(),
		"currency_code":         req.CurrencyCode,
		"assigned_user_id":      req.AssignedUserID,
		"office_id":             req.OfficeID,
		"sla_deadline":          deadline,
		"is_overdue":            overdue,
		"last_escalation_level": req.LastEscalationLevel,
	}
}

func decodeRequest(fields map[string]string) (models.Request, error) {
	req := models.Request{
		ID:             fields["id"],
		Direction:      models.Direction(fields["direction"]),
		Priority:       models.ClientPriority(fields["priority"]),
		Status:         models.Status(fields["status"]),
		CurrencyCode:   fields["currency_code"],
		AssignedUserID: fields["assigned_user_id"],
		OfficeID:       fields["office_id"],
		IsOverdue:      fields["is_overdue"] == "1",
	}

	createdAt, err := strconv.ParseInt(fields["created_at"], 10, 64)
	if err != nil {
		return req, fmt.Errorf("invalid created_at format: %w", err)
	}
	req.CreatedAt = time.UnixMilli(createdAt).UTC()

	if raw := fields["amount"]; raw != "" {
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return req, fmt.Errorf("invalid amount format: %w", err)
		}
		req.Amount = amount
	}

	if raw := fields["sla_deadline"]; raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return req, fmt.Errorf("invalid sla_deadline format: %w", err)
		}
		deadline := time.UnixMilli(ms).UTC()
		req.SLADeadline = &deadline
	}

	if raw := fields["last_escalation_level"]; raw != "" {
		level, err := strconv.Atoi(raw)
		if err != nil {
			return req, fmt.Errorf("invalid last_escalation_level format: %w", err)
		}
		req.LastEscalationLevel = level
	}

	return req, nil
}
