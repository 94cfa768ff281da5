/**
 * @description
 * Cron scheduler setup for the reconciliation jobs.
 */
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hanachain/donation-service/internal/config"
)

// Scheduler manages the periodic reconciliation jobs.
type Scheduler struct {
	cron    *cron.Cron
	service *Service
	logger  *slog.Logger
	config  config.Config
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(service *Service, logger *slog.Logger, cfg config.Config) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))

	return &Scheduler{
		cron:    c,
		service: service,
		logger:  logger,
		config:  cfg,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() {
	if _, err := s.cron.AddFunc(s.config.MonitorCron, s.runMonitor); err != nil {
		s.logger.Error("failed to schedule processing-campaign monitor", "error", err)
	} else {
		s.logger.Info("scheduled processing-campaign monitor", "schedule", s.config.MonitorCron)
	}

	// The full sync ticks alongside the monitor; the service's interval guard
	// decides whether a tick actually runs a sync.
	if _, err := s.cron.AddFunc(s.config.MonitorCron, s.runFullSync); err != nil {
		s.logger.Error("failed to schedule active-campaign full sync", "error", err)
	} else {
		s.logger.Info("scheduled active-campaign full sync", "schedule", s.config.MonitorCron, "interval_minutes", s.config.FullSyncIntervalMins)
	}

	if _, err := s.cron.AddFunc("@daily", s.runPendingCleanup); err != nil {
		s.logger.Error("failed to schedule pending-donation cleanup", "error", err)
	} else {
		s.logger.Info("scheduled pending-donation cleanup", "schedule", "@daily")
	}

	if _, err := s.cron.AddFunc("@hourly", s.runCampaignExpiry); err != nil {
		s.logger.Error("failed to schedule campaign expiry finalization", "error", err)
	} else {
		s.logger.Info("scheduled campaign expiry finalization", "schedule", "@hourly")
	}

	s.cron.Start()
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) runMonitor() {
	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Minute)
	defer cancel()

	if _, err := s.service.MonitorProcessingCampaigns(ctx); err != nil {
		s.logger.Error("processing-campaign monitor run failed", "error", err)
	}
}

func (s *Scheduler) runFullSync() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	if _, err := s.service.SynchronizeActiveCampaigns(ctx); err != nil {
		s.logger.Error("active-campaign full sync run failed", "error", err)
	}
}

func (s *Scheduler) runPendingCleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	olderThan := time.Duration(s.config.PendingCleanupHours) * time.Hour
	if _, err := s.service.CleanupStalePendingDonations(ctx, olderThan); err != nil {
		s.logger.Error("pending-donation cleanup run failed", "error", err)
	}
}

func (s *Scheduler) runCampaignExpiry() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if _, err := s.service.CompleteExpiredCampaigns(ctx); err != nil {
		s.logger.Error("campaign expiry finalization run failed", "error", err)
	}
}
