package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"exchange-sla-tracker/pkg/config"
	"exchange-sla-tracker/pkg/metrics"
	redisClient "exchange-sla-tracker/pkg/redis"
	"exchange-sla-tracker/pkg/service"
	"exchange-sla-tracker/pkg/sla"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Setup logger
	logger := logrus.New()
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	logger.SetFormatter(&logrus.JSONFormatter{})

	logger.WithField("pod_id", cfg.PodID).Info("Starting SLA tracking service")

	// Rules are validated once; a bad table must stop the process
	rules, err := loadRules(cfg)
	if err != nil {
		logger.WithError(err).Fatal("Invalid SLA rule table")
	}
	logger.WithField("directions", rules.Directions()).Info("Loaded SLA rules")

	metrics := metrics.NewMetrics(prometheus.DefaultRegisterer)

	// Connect to Redis
	redis, err := redisClient.NewClient(redisClient.DefaultConnectionConfig(cfg.RedisURL), logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer redis.Close()

	svc, err := service.NewService(redis.Raw(), rules, cfg, logger, metrics)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create service")
	}

	// Setup context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := svc.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start service")
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	logger.Info("Received shutdown signal")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := svc.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Error("Error during service shutdown")
	}

	logger.Info("SLA tracking service shutdown complete")
}

func loadRules(cfg *config.Config) (*sla.RuleTable, error) {
	if cfg.RulesFile == "" {
		return sla.DefaultRuleTable()
	}
	return sla.LoadRuleTableFile(cfg.RulesFile)
}
