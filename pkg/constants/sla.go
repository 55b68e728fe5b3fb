package constants

import "time"

// Default job schedules (robfig/cron syntax)
const (
	// DefaultWarningSweepSchedule - upcoming-deadline sweep every 5 minutes
	DefaultWarningSweepSchedule = "@every 5m"

	// DefaultOverdueSweepSchedule - overdue sweep every 60 minutes
	DefaultOverdueSweepSchedule = "@every 60m"

	// DefaultDailyDigestSchedule - daily digest at 08:00 business time
	DefaultDailyDigestSchedule = "0 8 * * *"
)

// Default SLA windows
const (
	DefaultWarningWindowMinutes  = 30
	DefaultCriticalWindowMinutes = 15
	DefaultWarningDedupMinutes   = 10
	DefaultDigestWindowHours     = 24
	DefaultSinkTimeoutMS         = 5000

	DefaultLeaderElectionTTLSeconds      = 10
	DefaultLeaderElectionIntervalSeconds = 5
)

// Default business calendar
const (
	DefaultBusinessTimezone  = "Europe/Moscow"
	DefaultBusinessOpenHour  = 9
	DefaultBusinessCloseHour = 18
	DefaultReferenceCurrency = "RUB"
)

// Job names
const (
	JobWarningSweep = "warning_sweep"
	JobOverdueSweep = "overdue_sweep"
	JobDailyDigest  = "daily_digest"
)

// Redis key prefixes and names
const (
	RequestKeyPrefix       = "sla:request:"
	DeadlineIndexKey       = "sla:deadlines"
	CreatedIndexKey        = "sla:created"
	RoleKeyPrefix          = "sla:roles:"
	InactiveUsersKey       = "sla:users:inactive"
	SentMarkerKeyPrefix    = "sla:sent:"
	NotificationsStream    = "sla:notifications"
	AuditStream            = "sla:audit"
	LeaderElectionKey      = "sla:leader"
	SentMarkerRetention    = 48 * time.Hour
	NotificationStreamSize = 100000
)

// Configuration environment variable names
const (
	EnvWarningSweepSchedule = "WARNING_SWEEP_SCHEDULE"
	EnvOverdueSweepSchedule = "OVERDUE_SWEEP_SCHEDULE"
	EnvDailyDigestSchedule  = "DAILY_DIGEST_SCHEDULE"
	EnvRulesFile            = "RULES_FILE"
	EnvFXRates              = "FX_RATES"
)
