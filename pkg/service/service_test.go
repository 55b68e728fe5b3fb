package service

import (
	"testing"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exchange-sla-tracker/pkg/config"
	"exchange-sla-tracker/pkg/metrics"
	"exchange-sla-tracker/pkg/sla"
)

func newDeps(t *testing.T) (*redis.Client, *sla.RuleTable, *logrus.Logger) {
	// the client connects lazily, construction needs no server
	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 3})
	t.Cleanup(func() { rdb.Close() })

	rules, err := sla.DefaultRuleTable()
	require.NoError(t, err)

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return rdb, rules, logger
}

func TestNewService(t *testing.T) {
	rdb, rules, logger := newDeps(t)
	cfg := config.Defaults()
	cfg.BusinessTimezone = "UTC"
	cfg.PodID = "test-pod"
	cfg.Port = "0"
	cfg.FXRates = map[string]string{"USD": "92.5"}

	svc, err := NewService(rdb, rules, cfg, logger, metrics.NewMetrics(prometheus.NewRegistry()))
	require.NoError(t, err)
	assert.Equal(t, ":0", svc.server.Addr)
	assert.Len(t, svc.monitor.Status(), 3)
}

func TestNewService_InvalidSettings(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(cfg *config.Config)
	}{
		{"unknown timezone", func(cfg *config.Config) { cfg.BusinessTimezone = "Mars/Olympus" }},
		{"inverted hours", func(cfg *config.Config) { cfg.BusinessOpenHour, cfg.BusinessCloseHour = 18, 9 }},
		{"bad rate", func(cfg *config.Config) { cfg.FXRates = map[string]string{"USD": "-1"} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rdb, rules, logger := newDeps(t)
			cfg := config.Defaults()
			cfg.BusinessTimezone = "UTC"
			tt.mutate(cfg)

			_, err := NewService(rdb, rules, cfg, logger, metrics.NewMetrics(prometheus.NewRegistry()))
			assert.Error(t, err)
		})
	}
}
