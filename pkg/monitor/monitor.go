package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"exchange-sla-tracker/pkg/config"
	"exchange-sla-tracker/pkg/constants"
	"exchange-sla-tracker/pkg/metrics"
	"exchange-sla-tracker/pkg/models"
	"exchange-sla-tracker/pkg/sla"
)

var (
	ErrJobRunning      = errors.New("job already running")
	ErrUnknownJob      = errors.New("unknown job")
	ErrNotLeader       = errors.New("not the leader")
	ErrStarted         = errors.New("monitor already started")
	ErrMissingDeadline = errors.New("request has no SLA deadline")
	ErrClockSkew       = errors.New("request created after current time")
)

// JobStatus is a snapshot of one job's last run
type JobStatus struct {
	Name          string     `json:"name"`
	Schedule      string     `json:"schedule"`
	Running       bool       `json:"running"`
	Runs          int64      `json:"runs"`
	LastStartedAt *time.Time `json:"last_started_at,omitempty"`
	LastDuration  string     `json:"last_duration,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
}

type job struct {
	name     string
	schedule string
	run      func(ctx context.Context) error

	running atomic.Bool

	mu     sync.Mutex
	status JobStatus
}

func (j *job) record(startedAt time.Time, took time.Duration, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.status.Runs++
	j.status.LastStartedAt = &startedAt
	j.status.LastDuration = took.String()
	j.status.LastError = ""
	if err != nil {
		j.status.LastError = err.Error()
	}
}

func (j *job) snapshot() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	s := j.status
	s.Name = j.name
	s.Schedule = j.schedule
	s.Running = j.running.Load()
	return s
}

type Option func(*Monitor)

// WithClock replaces time.Now as the monitor's notion of "now"
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithLeader makes every run conditional on holding leadership
func WithLeader(leader Leader) Option {
	return func(m *Monitor) { m.leader = leader }
}

// Monitor owns the three SLA jobs and their schedule. Each job guards itself
// against overlapping runs; different jobs may run concurrently.
type Monitor struct {
	collab  Collaborators
	rules   *sla.RuleTable
	config  *config.Config
	logger  *logrus.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	leader  Leader

	jobs   []*job
	byName map[string]*job

	mu        sync.Mutex
	scheduler *cron.Cron
	cancel    context.CancelFunc
}

func NewMonitor(collab Collaborators, rules *sla.RuleTable, config *config.Config, logger *logrus.Logger, metrics *metrics.Metrics, opts ...Option) *Monitor {
	m := &Monitor{
		collab:  collab,
		rules:   rules,
		config:  config,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
		byName:  make(map[string]*job),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.register(constants.JobWarningSweep, config.WarningSweepSchedule, m.runWarningSweep)
	m.register(constants.JobOverdueSweep, config.OverdueSweepSchedule, m.runOverdueSweep)
	m.register(constants.JobDailyDigest, config.DailyDigestSchedule, m.runDailyDigest)

	return m
}

func (m *Monitor) register(name, schedule string, run func(ctx context.Context) error) {
	j := &job{name: name, schedule: schedule, run: run}
	m.jobs = append(m.jobs, j)
	m.byName[name] = j
}

// Start schedules the jobs. Cancelling ctx or calling Stop ends them between items.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.scheduler != nil {
		return ErrStarted
	}

	loc, err := m.config.Location()
	if err != nil {
		return fmt.Errorf("failed to load business timezone: %w", err)
	}

	cronLogger := cron.PrintfLogger(m.logger)
	scheduler := cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger)),
	)

	jobCtx, cancel := context.WithCancel(ctx)
	for _, j := range m.jobs {
		j := j
		if _, err := scheduler.AddFunc(j.schedule, func() { _ = m.execute(jobCtx, j) }); err != nil {
			cancel()
			return fmt.Errorf("invalid schedule %q for job %s: %w", j.schedule, j.name, err)
		}
	}

	scheduler.Start()
	m.scheduler = scheduler
	m.cancel = cancel

	m.logger.WithFields(logrus.Fields{
		constants.JobWarningSweep: m.config.WarningSweepSchedule,
		constants.JobOverdueSweep: m.config.OverdueSweepSchedule,
		constants.JobDailyDigest:  m.config.DailyDigestSchedule,
		"timezone":                loc.String(),
	}).Info("SLA monitor started")
	return nil
}

// Stop prevents new runs and waits for in-flight runs to finish their current item
func (m *Monitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	scheduler, cancel := m.scheduler, m.cancel
	m.scheduler, m.cancel = nil, nil
	m.mu.Unlock()

	if scheduler == nil {
		return nil
	}

	cancel()
	done := scheduler.Stop()

	select {
	case <-done.Done():
		m.logger.Info("SLA monitor stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for running jobs: %w", ctx.Err())
	}
}

// RunJob runs a job immediately, subject to the same overlap and leader guards
// as scheduled runs.
func (m *Monitor) RunJob(ctx context.Context, name string) error {
	j, ok := m.byName[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return m.execute(ctx, j)
}

// Status reports the last run of every job
func (m *Monitor) Status() []JobStatus {
	statuses := make([]JobStatus, 0, len(m.jobs))
	for _, j := range m.jobs {
		statuses = append(statuses, j.snapshot())
	}
	return statuses
}

func (m *Monitor) execute(ctx context.Context, j *job) (err error) {
	log := m.logger.WithField("job", j.name)

	if m.leader != nil && !m.leader.IsLeader() {
		log.Debug("Not leader, skipping job run")
		return ErrNotLeader
	}

	if !j.running.CompareAndSwap(false, true) {
		m.metrics.JobSkipped.WithLabelValues(j.name).Inc()
		log.Warn("Previous run still in progress, skipping")
		return ErrJobRunning
	}
	defer j.running.Store(false)

	startedAt := m.now()
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", j.name, r)
		}

		took := time.Since(start)
		status := "success"
		if err != nil {
			status = "error"
			log.WithError(err).Error("Job run failed")
		}
		m.metrics.JobRuns.WithLabelValues(j.name, status).Inc()
		m.metrics.JobDuration.WithLabelValues(j.name).Observe(took.Seconds())
		j.record(startedAt, took, err)
	}()

	return j.run(ctx)
}

// bounded gives a single collaborator call its own deadline. Shutdown does not
// cancel it, so an item that has started is completed.
func (m *Monitor) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), m.config.SinkTimeout())
}

func (m *Monitor) findPending(ctx context.Context, filter models.Filter) ([]models.Request, error) {
	qctx, cancel := context.WithTimeout(ctx, m.config.SinkTimeout())
	defer cancel()
	return m.collab.Requests.FindPending(qctx, filter)
}

// usersForRoles resolves roles to distinct active user ids, in role order
func (m *Monitor) usersForRoles(ctx context.Context, roles []models.Role) ([]string, error) {
	seen := make(map[string]bool)
	var users []string
	for _, role := range roles {
		cctx, cancel := m.bounded(ctx)
		ids, err := m.collab.Roles.ActiveUsersWithRole(cctx, role)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve role %s: %w", role, err)
		}
		for _, id := range ids {
			if !seen[id] {
				seen[id] = true
				users = append(users, id)
			}
		}
	}
	return users, nil
}

func (m *Monitor) send(ctx context.Context, n models.Notification) error {
	cctx, cancel := m.bounded(ctx)
	defer cancel()

	if err := m.collab.Notifications.Send(cctx, n); err != nil {
		return fmt.Errorf("failed to send %s to %s: %w", n.Kind, n.TargetUserID, err)
	}
	m.metrics.NotificationsSent.WithLabelValues(string(n.Kind)).Inc()
	return nil
}

func (m *Monitor) audit(ctx context.Context, requestID, action string, oldValues, newValues map[string]interface{}) error {
	cctx, cancel := m.bounded(ctx)
	defer cancel()

	err := m.collab.Audit.Record(cctx, models.AuditEntry{
		ActorID:    models.SystemActor,
		EntityType: models.EntityRequest,
		EntityID:   requestID,
		Action:     action,
		OldValues:  oldValues,
		NewValues:  newValues,
		CreatedAt:  m.now(),
	})
	if err != nil {
		return fmt.Errorf("failed to record audit %s: %w", action, err)
	}
	return nil
}

func (m *Monitor) newNotification(kind models.NotificationKind, userID, requestID, severity string, payload map[string]interface{}) models.Notification {
	return models.Notification{
		ID:           uuid.NewString(),
		TargetUserID: userID,
		Kind:         kind,
		RequestID:    requestID,
		Severity:     severity,
		CreatedAt:    m.now(),
		Payload:      payload,
	}
}

// sweepSummary is logged at the end of every run
type sweepSummary struct {
	Candidates  int
	Notified    int
	Skipped     int
	Failed      int
	Interrupted bool
}

func (s sweepSummary) fields() logrus.Fields {
	return logrus.Fields{
		"candidates":  s.Candidates,
		"notified":    s.Notified,
		"skipped":     s.Skipped,
		"failed":      s.Failed,
		"interrupted": s.Interrupted,
	}
}

// itemFailed logs a per-request failure. Data-integrity problems are warnings;
// everything else counts as an item failure.
func (m *Monitor) itemFailed(jobName string, req models.Request, err error, summary *sweepSummary) {
	log := m.logger.WithFields(logrus.Fields{
		"job":        jobName,
		"request_id": req.ID,
	}).WithError(err)

	if errors.Is(err, ErrMissingDeadline) || errors.Is(err, ErrClockSkew) {
		summary.Skipped++
		log.Warn("Skipping request with inconsistent SLA data")
		return
	}

	summary.Failed++
	m.metrics.ItemFailures.WithLabelValues(jobName).Inc()
	log.Error("Failed to process request")
}
