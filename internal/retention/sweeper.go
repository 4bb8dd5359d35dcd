// Package retention runs the broker's periodic segment-retention sweep
// (spec §4.3's SweepRetention, driven on a schedule instead of only on
// demand). It replaces the teacher's SQL-backed, tenant-scoped
// retention-policy CRUD service: Iggy has no tenants, legal holds, or
// per-backend object-lock capability to track, only a per-partition
// retention policy that the partition itself applies (see
// internal/streaming/partition.SweepRetention, which deletes expired
// segments but none for size) — this package is just the scheduler
// that calls it.
package retention

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Result summarizes one sweep pass across every partition.
type Result struct {
	PartitionsScanned int
	PartitionsErrored int
	Duration          time.Duration
}

// SweepFunc performs one retention pass (typically System.SweepRetention)
// and reports how many partitions were scanned and how many errored.
type SweepFunc func(ctx context.Context, now time.Time) (scanned, errored int)

// Sweeper runs SweepFunc on a fixed interval until stopped.
type Sweeper struct {
	interval time.Duration
	sweep    SweepFunc
	logger   *zap.Logger

	stop chan struct{}
	done chan struct{}
}

// New builds a Sweeper. interval <= 0 defaults to one hour, matching
// the broker's default retention granularity.
func New(interval time.Duration, sweep SweepFunc, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{
		interval: interval,
		sweep:    sweep,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run blocks, sweeping on every tick until ctx is canceled or Stop is
// called. Intended to be launched with `go sweeper.Run(ctx)`.
func (s *Sweeper) Run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Sweeper) runOnce(ctx context.Context) {
	start := time.Now()
	scanned, errored := s.sweep(ctx, start)
	result := Result{PartitionsScanned: scanned, PartitionsErrored: errored, Duration: time.Since(start)}
	if result.PartitionsErrored > 0 {
		s.logger.Warn("retention sweep completed with errors",
			zap.Int("scanned", result.PartitionsScanned),
			zap.Int("errored", result.PartitionsErrored),
			zap.Duration("duration", result.Duration),
		)
		return
	}
	s.logger.Debug("retention sweep completed",
		zap.Int("scanned", result.PartitionsScanned),
		zap.Duration("duration", result.Duration),
	)
}

// Stop requests the sweep loop to exit and blocks until it does.
func (s *Sweeper) Stop() {
	close(s.stop)
	<-s.done
}
