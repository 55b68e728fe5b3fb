package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"exchange-sla-tracker/pkg/config"
	"exchange-sla-tracker/pkg/delivery"
	"exchange-sla-tracker/pkg/handlers"
	"exchange-sla-tracker/pkg/leader"
	"exchange-sla-tracker/pkg/metrics"
	"exchange-sla-tracker/pkg/monitor"
	"exchange-sla-tracker/pkg/server"
	"exchange-sla-tracker/pkg/sla"
	"exchange-sla-tracker/pkg/store"
)

// Service runs one replica: HTTP ingestion, leader election, the SLA monitor
// and the notification consumer.
type Service struct {
	config   *config.Config
	logger   *logrus.Logger
	election *leader.Election
	monitor  *monitor.Monitor
	consumer *delivery.Consumer
	server   *http.Server
}

func NewService(rdb *redis.Client, rules *sla.RuleTable, config *config.Config, logger *logrus.Logger, metrics *metrics.Metrics) (*Service, error) {
	loc, err := config.Location()
	if err != nil {
		return nil, fmt.Errorf("failed to load business timezone: %w", err)
	}
	calendar, err := sla.NewBusinessCalendar(loc, config.BusinessOpenHour, config.BusinessCloseHour)
	if err != nil {
		return nil, err
	}
	rates, err := sla.NewStaticRates(config.ReferenceCurrency, config.FXRates)
	if err != nil {
		return nil, fmt.Errorf("failed to load FX rates: %w", err)
	}

	requests := store.NewRequestStore(rdb, logger, metrics)
	roles := store.NewRoleStore(rdb)
	audit := store.NewAuditStore(rdb, metrics)
	election := leader.NewElection(rdb, config.PodID, config.LeaderElectionTTLDuration(), logger, metrics)

	mon := monitor.NewMonitor(monitor.Collaborators{
		Requests:      requests,
		Notifications: store.NewNotificationStore(rdb, logger, metrics),
		Audit:         audit,
		Roles:         roles,
	}, rules, config, logger, metrics, monitor.WithLeader(election))

	handler := handlers.NewHandler(handlers.Dependencies{
		Requests:   requests,
		Calculator: sla.NewCalculator(rules, calendar, rates),
		Jobs:       mon,
		Roles:      roles,
		Audit:      audit,
	}, logger, election.IsLeader)

	return &Service{
		config:   config,
		logger:   logger,
		election: election,
		monitor:  mon,
		consumer: delivery.NewConsumer(rdb, config.ConsumerGroupName, config.PodID, delivery.LogDispatcher{Logger: logger}, logger, metrics),
		server:   server.NewHTTPServer(config.Port, handler, logger),
	}, nil
}

func (s *Service) Start(ctx context.Context) error {
	s.logger.Info("Starting SLA tracking service")

	s.election.Start(ctx)

	if err := s.monitor.Start(ctx); err != nil {
		return fmt.Errorf("failed to start monitor: %w", err)
	}

	if err := s.consumer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start notification consumer: %w", err)
	}

	go func() {
		s.logger.WithField("port", s.config.Port).Info("Starting HTTP server")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Fatal("HTTP server failed")
		}
	}()

	s.logger.WithField("pod_id", s.config.PodID).Info("SLA tracking service started successfully")
	return nil
}

// Stop shuts the HTTP server first so no new work arrives, then lets running
// jobs finish their current item before releasing leadership.
func (s *Service) Stop(ctx context.Context) error {
	s.logger.Info("Stopping SLA tracking service")

	var errs []error

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		s.logger.WithError(err).Error("Failed to shutdown HTTP server gracefully")
		errs = append(errs, err)
	}

	if err := s.monitor.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	s.consumer.Stop()
	s.election.Stop(ctx)

	s.logger.Info("SLA tracking service stopped")
	return errors.Join(errs...)
}
