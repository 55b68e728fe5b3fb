package leader

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"exchange-sla-tracker/pkg/constants"
	"exchange-sla-tracker/pkg/metrics"
)

var renewScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("PEXPIRE", KEYS[1], ARGV[2])
	else
		return 0
	end
`)

var resignScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`)

// Election holds a TTL lease on a Redis key. Only the holder runs the SLA jobs;
// a crashed holder loses the lease once the TTL runs out.
type Election struct {
	rdb      *redis.Client
	podID    string
	ttl      time.Duration
	interval time.Duration
	logger   *logrus.Logger
	metrics  *metrics.Metrics

	isLeader atomic.Bool
	started  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

func NewElection(rdb *redis.Client, podID string, ttl time.Duration, logger *logrus.Logger, metrics *metrics.Metrics) *Election {
	interval := time.Duration(constants.DefaultLeaderElectionIntervalSeconds) * time.Second
	if interval >= ttl {
		interval = ttl / 2
	}
	return &Election{
		rdb:      rdb,
		podID:    podID,
		ttl:      ttl,
		interval: interval,
		logger:   logger,
		metrics:  metrics,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (e *Election) Start(ctx context.Context) {
	e.logger.WithField("pod_id", e.podID).Info("Starting leader election process")

	// Try to become leader immediately
	e.tryBecomeLeader(ctx)
	e.started.Store(true)
	go e.loop(ctx)
}

// Stop ends the campaign and releases the lease if held
func (e *Election) Stop(ctx context.Context) {
	e.stopOnce.Do(func() {
		close(e.stopCh)
		if e.started.Load() {
			<-e.done
		}
		if e.isLeader.Load() {
			e.resign(ctx)
		}
	})
}

// IsLeader reports the locally known state, refreshed every interval
func (e *Election) IsLeader() bool {
	return e.isLeader.Load()
}

func (e *Election) loop(ctx context.Context) {
	defer close(e.done)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.tryBecomeLeader(ctx)
		}
	}
}

func (e *Election) tryBecomeLeader(ctx context.Context) {
	start := time.Now()
	defer func() {
		e.metrics.LeaderElectionDuration.Observe(time.Since(start).Seconds())
	}()

	acquired, err := e.rdb.SetNX(ctx, constants.LeaderElectionKey, e.podID, e.ttl).Result()
	if err != nil {
		e.logger.WithError(err).Error("Failed to attempt leader election")
		e.setLeader(false)
		return
	}

	if acquired {
		e.setLeader(true)
		return
	}

	// someone holds the key, possibly us from the previous round
	renewed, err := renewScript.Run(ctx, e.rdb, []string{constants.LeaderElectionKey}, e.podID, e.ttl.Milliseconds()).Int()
	if err != nil {
		e.logger.WithError(err).Error("Failed to renew leadership")
		e.setLeader(false)
		return
	}
	e.setLeader(renewed == 1)
}

func (e *Election) setLeader(leader bool) {
	if e.isLeader.Swap(leader) == leader {
		return
	}
	e.metrics.LeaderChanges.Inc()
	if leader {
		e.logger.WithField("pod_id", e.podID).Info("Became leader")
	} else {
		e.logger.WithField("pod_id", e.podID).Warn("Lost leadership")
	}
}

func (e *Election) resign(ctx context.Context) {
	if err := resignScript.Run(ctx, e.rdb, []string{constants.LeaderElectionKey}, e.podID).Err(); err != nil {
		e.logger.WithError(err).Error("Failed to resign leadership")
	} else {
		e.logger.Info("Resigned leadership")
	}
	e.isLeader.Store(false)
}
