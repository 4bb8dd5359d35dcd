package partition

import (
	"context"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/iggy-run/iggy/internal/drivers"
)

// persisterConfig mirrors the bounded exponential backoff used across
// the broker's background workers (internal/drivers's RetryPolicy),
// adapted here so a segment write failure (disk full, permission
// error) doesn't wedge the flush loop forever.
type persisterConfig struct {
	tick         time.Duration
	maxAttempts  int
	initialDelay time.Duration
	maxDelay     time.Duration
}

func defaultPersisterConfig() persisterConfig {
	return persisterConfig{
		tick:         50 * time.Millisecond,
		maxAttempts:  5,
		initialDelay: 20 * time.Millisecond,
		maxDelay:     2 * time.Second,
	}
}

// LogPersisterTask periodically drains a partition's accumulator and
// persists it to the active segment. Partition.Append (when a threshold
// is crossed) and Partition.Flush call the same flush function directly.
type LogPersisterTask struct {
	cfg    persisterConfig
	logger *zap.Logger

	flush   func(context.Context) error
	breaker *drivers.CircuitBreaker

	stop chan struct{}
	done chan struct{}
}

// NewLogPersisterTask builds a persister that calls flush every cfg.tick,
// whether or not the accumulator is due, and once more on stop. A circuit breaker
// sits in front of the segment write so a persistently failing disk
// stops being hammered every tick and instead backs off until its reset
// timeout elapses.
func NewLogPersisterTask(flush func(context.Context) error, logger *zap.Logger) *LogPersisterTask {
	return &LogPersisterTask{
		cfg:    defaultPersisterConfig(),
		logger: logger,
		flush:  flush,
		breaker: drivers.NewCircuitBreaker(
			drivers.WithFailureThreshold(5),
			drivers.WithResetTimeout(30*time.Second),
			drivers.WithTimeout(5*time.Second),
			drivers.WithCircuitLogger(logger),
		),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Run blocks, flushing on a ticker until ctx is cancelled or Stop is
// called. It is meant to run in its own goroutine per partition.
func (t *LogPersisterTask) Run(ctx context.Context) {
	defer close(t.done)
	ticker := time.NewTicker(t.cfg.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.flushWithRetry(context.Background())
			return
		case <-t.stop:
			t.flushWithRetry(context.Background())
			return
		case <-ticker.C:
			t.flushWithRetry(ctx)
		}
	}
}

// Stop requests a final flush and waits for the run loop to exit.
func (t *LogPersisterTask) Stop() {
	close(t.stop)
	<-t.done
}

func (t *LogPersisterTask) flushWithRetry(ctx context.Context) {
	var lastErr error
	for attempt := 0; attempt < t.cfg.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return
		}
		err := t.breaker.Execute(ctx, func() error { return t.flush(ctx) })
		if err == nil {
			return
		}
		lastErr = err
		if err == drivers.ErrCircuitOpen {
			break
		}
		if attempt == t.cfg.maxAttempts-1 {
			break
		}
		delay := backoffDelay(t.cfg.initialDelay, t.cfg.maxDelay, attempt)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
	if lastErr != nil {
		t.logger.Error("segment flush failed after retries", zap.Error(lastErr), zap.Int("attempts", t.cfg.maxAttempts))
	}
}

func backoffDelay(initial, max time.Duration, attempt int) time.Duration {
	delay := float64(initial) * math.Pow(2, float64(attempt))
	if delay > float64(max) {
		delay = float64(max)
	}
	jitter := 0.5 + rand.Float64()
	return time.Duration(delay * jitter)
}
