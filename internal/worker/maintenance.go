package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/jobgate/shared/redisstore"
)

// Sweeper is the part of the queue the maintenance loop drives.
type Sweeper interface {
	RequeueStale(ctx context.Context, staleAfter time.Duration) (int, error)
	CleanupOldJobs(ctx context.Context, olderThan time.Duration) (int, error)
}

// Locker elects a single sweeper across worker processes. The lease is held
// until it expires so that at most one sweep runs per interval. A stopping
// process releases a lease it still holds.
type Locker interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// MaintenanceConfig holds maintenance loop configuration
type MaintenanceConfig struct {
	Logger     *slog.Logger
	Sweeper    Sweeper
	Lock       Locker // optional; without it every process sweeps
	Interval   time.Duration
	StaleAfter time.Duration
	Retention  time.Duration
}

// SweepResult reports one maintenance pass.
type SweepResult struct {
	Skipped  bool
	Requeued int
	Removed  int
}

// Maintenance periodically recovers stale processing jobs and removes old
// terminal jobs.
type Maintenance struct {
	logger     *slog.Logger
	sweeper    Sweeper
	lock       Locker
	interval   time.Duration
	staleAfter time.Duration
	retention  time.Duration
	held       bool
}

// NewMaintenance creates the maintenance loop.
func NewMaintenance(cfg MaintenanceConfig) *Maintenance {
	m := &Maintenance{
		logger:     cfg.Logger,
		sweeper:    cfg.Sweeper,
		lock:       cfg.Lock,
		interval:   cfg.Interval,
		staleAfter: cfg.StaleAfter,
		retention:  cfg.Retention,
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.interval <= 0 {
		m.interval = time.Minute
	}
	return m
}

// Run sweeps once immediately and then every interval until ctx is canceled.
func (m *Maintenance) Run(ctx context.Context) {
	m.logger.Info("Maintenance loop started",
		slog.Duration("interval", m.interval),
		slog.Duration("stale_after", m.staleAfter),
		slog.Duration("retention", m.retention),
	)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		if _, err := m.RunOnce(ctx); err != nil && ctx.Err() == nil {
			m.logger.Error("Maintenance sweep failed", slog.Any("error", err))
		}

		select {
		case <-ctx.Done():
			m.releaseLease(ctx)
			m.logger.Info("Maintenance loop stopped")
			return
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single sweep if this process wins the lease.
func (m *Maintenance) RunOnce(ctx context.Context) (SweepResult, error) {
	var res SweepResult

	if m.lock != nil {
		ok, err := m.lock.Acquire(ctx)
		if err != nil {
			return res, err
		}
		m.held = m.held || ok
		if !ok {
			m.logger.Debug("Maintenance sweep skipped, lease held elsewhere")
			res.Skipped = true
			return res, nil
		}
	}

	if m.staleAfter > 0 {
		n, err := m.sweeper.RequeueStale(ctx, m.staleAfter)
		res.Requeued = n
		if err != nil {
			return res, fmt.Errorf("failed to requeue stale jobs: %w", err)
		}
	}
	if m.retention > 0 {
		n, err := m.sweeper.CleanupOldJobs(ctx, m.retention)
		res.Removed = n
		if err != nil {
			return res, fmt.Errorf("failed to clean up old jobs: %w", err)
		}
	}

	m.logger.Info("Maintenance sweep finished",
		slog.Int("requeued", res.Requeued),
		slog.Int("removed", res.Removed),
	)
	return res, nil
}

func (m *Maintenance) releaseLease(ctx context.Context) {
	if m.lock == nil || !m.held {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()

	err := m.lock.Release(ctx)
	switch {
	case err == nil:
		m.logger.Debug("Maintenance lease released")
	case errors.Is(err, redisstore.ErrLockNotHeld):
		m.logger.Debug("Maintenance lease already expired")
	default:
		m.logger.Warn("Failed to release maintenance lease", slog.Any("error", err))
	}
	m.held = false
}
