package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"exchange-sla-tracker/pkg/constants"
	"exchange-sla-tracker/pkg/models"
)

type Config struct {
	RedisURL          string
	LeaderElectionTTL int
	PodID             string
	Port              string
	ConsumerGroupName string
	LogLevel          string

	BusinessTimezone  string
	BusinessOpenHour  int
	BusinessCloseHour int
	RulesFile         string
	ReferenceCurrency string
	FXRates           map[string]string

	WarningSweepSchedule string
	OverdueSweepSchedule string
	DailyDigestSchedule  string

	WarningWindowMinutes  int
	CriticalWindowMinutes int
	WarningDedupMinutes   int
	DigestWindowHours     int
	SinkTimeoutMS         int64

	OverdueNotifyRoles []models.Role
	DigestNotifyRoles  []models.Role
}

func Load() *Config {
	config := &Config{
		RedisURL:          getEnv("REDIS_URL", "redis://localhost:6379"),
		LeaderElectionTTL: getEnvInt("LEADER_ELECTION_TTL", constants.DefaultLeaderElectionTTLSeconds),
		PodID:             getEnv("POD_ID", generatePodID()),
		Port:              getEnv("PORT", "8080"),
		ConsumerGroupName: getEnv("CONSUMER_GROUP_NAME", "sla-notifiers"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),

		BusinessTimezone:  getEnv("BUSINESS_TIMEZONE", constants.DefaultBusinessTimezone),
		BusinessOpenHour:  getEnvInt("BUSINESS_OPEN_HOUR", constants.DefaultBusinessOpenHour),
		BusinessCloseHour: getEnvInt("BUSINESS_CLOSE_HOUR", constants.DefaultBusinessCloseHour),
		RulesFile:         getEnv(constants.EnvRulesFile, ""),
		ReferenceCurrency: getEnv("REFERENCE_CURRENCY", constants.DefaultReferenceCurrency),
		FXRates:           parsePairs(getEnv(constants.EnvFXRates, "")),

		WarningSweepSchedule: getEnv(constants.EnvWarningSweepSchedule, constants.DefaultWarningSweepSchedule),
		OverdueSweepSchedule: getEnv(constants.EnvOverdueSweepSchedule, constants.DefaultOverdueSweepSchedule),
		DailyDigestSchedule:  getEnv(constants.EnvDailyDigestSchedule, constants.DefaultDailyDigestSchedule),

		WarningWindowMinutes:  getEnvInt("WARNING_WINDOW_MINUTES", constants.DefaultWarningWindowMinutes),
		CriticalWindowMinutes: getEnvInt("CRITICAL_WINDOW_MINUTES", constants.DefaultCriticalWindowMinutes),
		WarningDedupMinutes:   getEnvInt("WARNING_DEDUP_MINUTES", constants.DefaultWarningDedupMinutes),
		DigestWindowHours:     getEnvInt("DIGEST_WINDOW_HOURS", constants.DefaultDigestWindowHours),
		SinkTimeoutMS:         getEnvInt64("SINK_TIMEOUT_MS", constants.DefaultSinkTimeoutMS),

		OverdueNotifyRoles: getEnvRoles("OVERDUE_NOTIFY_ROLES", []models.Role{models.RoleAdmin, models.RoleOperator}),
		DigestNotifyRoles:  getEnvRoles("DIGEST_NOTIFY_ROLES", []models.Role{models.RoleAdmin, models.RoleOperator}),
	}

	return config
}

// Defaults returns the configuration used when no environment is set, without a pod id
func Defaults() *Config {
	return &Config{
		ConsumerGroupName:     "sla-notifiers",
		LeaderElectionTTL:     constants.DefaultLeaderElectionTTLSeconds,
		BusinessTimezone:      constants.DefaultBusinessTimezone,
		BusinessOpenHour:      constants.DefaultBusinessOpenHour,
		BusinessCloseHour:     constants.DefaultBusinessCloseHour,
		ReferenceCurrency:     constants.DefaultReferenceCurrency,
		WarningSweepSchedule:  constants.DefaultWarningSweepSchedule,
		OverdueSweepSchedule:  constants.DefaultOverdueSweepSchedule,
		DailyDigestSchedule:   constants.DefaultDailyDigestSchedule,
		WarningWindowMinutes:  constants.DefaultWarningWindowMinutes,
		CriticalWindowMinutes: constants.DefaultCriticalWindowMinutes,
		WarningDedupMinutes:   constants.DefaultWarningDedupMinutes,
		DigestWindowHours:     constants.DefaultDigestWindowHours,
		SinkTimeoutMS:         constants.DefaultSinkTimeoutMS,
		OverdueNotifyRoles:    []models.Role{models.RoleAdmin, models.RoleOperator},
		DigestNotifyRoles:     []models.Role{models.RoleAdmin, models.RoleOperator},
	}
}

func (c *Config) WarningWindow() time.Duration {
	return time.Duration(c.WarningWindowMinutes) * time.Minute
}

func (c *Config) CriticalWindow() time.Duration {
	return time.Duration(c.CriticalWindowMinutes) * time.Minute
}

func (c *Config) WarningDedupWindow() time.Duration {
	return time.Duration(c.WarningDedupMinutes) * time.Minute
}

func (c *Config) DigestWindow() time.Duration {
	return time.Duration(c.DigestWindowHours) * time.Hour
}

func (c *Config) SinkTimeout() time.Duration {
	return time.Duration(c.SinkTimeoutMS) * time.Millisecond
}

func (c *Config) LeaderElectionTTLDuration() time.Duration {
	return time.Duration(c.LeaderElectionTTL) * time.Second
}

// Location resolves the business timezone
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.BusinessTimezone)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvRoles(key string, defaultValue []models.Role) []models.Role {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var roles []models.Role
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			roles = append(roles, models.Role(strings.ToUpper(part)))
		}
	}
	if len(roles) == 0 {
		return defaultValue
	}
	return roles
}

// parsePairs reads "USD=92.5,EUR=100" into a map keyed by upper-case code
func parsePairs(value string) map[string]string {
	pairs := make(map[string]string)
	for _, part := range strings.Split(value, ",") {
		key, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || key == "" || val == "" {
			continue
		}
		pairs[strings.ToUpper(strings.TrimSpace(key))] = strings.TrimSpace(val)
	}
	return pairs
}

func generatePodID() string {
	hostname, err := os.Hostname()
	if err != nil {
		return uuid.New().String()
	}
	return hostname + "-" + uuid.New().String()[:8]
}
