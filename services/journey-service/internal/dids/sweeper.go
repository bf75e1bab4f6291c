package dids

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/md-rashed-zaman/reachflow/libs/clock"
)

// HeldStore lists reservations older than a cutoff.
type HeldStore interface {
	ReservedBefore(ctx context.Context, cutoff time.Time, limit int) ([]DID, error)
}

// Sweeper returns DIDs to the pool when their call outcome never arrived.
type Sweeper struct {
	store     HeldStore
	allocator *Allocator
	clock     clock.Clock
	logger    *slog.Logger
	interval  time.Duration
	maxHold   time.Duration
	batchSize int
}

type SweeperConfig struct {
	Interval  time.Duration
	MaxHold   time.Duration
	BatchSize int
}

func NewSweeper(store HeldStore, allocator *Allocator, clk clock.Clock, logger *slog.Logger, cfg SweeperConfig) *Sweeper {
	if clk == nil {
		clk = clock.Real()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.MaxHold <= 0 {
		cfg.MaxHold = 30 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Sweeper{
		store:     store,
		allocator: allocator,
		clock:     clk,
		logger:    logger,
		interval:  cfg.Interval,
		maxHold:   cfg.MaxHold,
		batchSize: cfg.BatchSize,
	}
}

func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				s.logger.Error("did sweep failed", "err", err)
			}
		}
	}
}

// SweepOnce releases one batch of stale reservations and returns how many were released.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	cutoff := s.clock.Now().Add(-s.maxHold)
	held, err := s.store.ReservedBefore(ctx, cutoff, s.batchSize)
	if err != nil {
		return 0, err
	}
	released := 0
	for _, d := range held {
		err := s.allocator.Release(ctx, d.ID, d.Reservation)
		switch {
		case err == nil:
			released++
			s.logger.Warn("released stale did reservation", "did_id", d.ID, "tenant_id", d.TenantID, "reserved_at", d.ReservedAt)
		case errors.Is(err, ErrNotReserved):
			// released by its call outcome, or already held again under a new reservation
		default:
			return released, err
		}
	}
	return released, nil
}
