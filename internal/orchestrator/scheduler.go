package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/guild-ranksync/internal/config"
	"github.com/guild-ranksync/internal/domain"
)

// Scheduler fires the engine on a fixed interval. Manual triggers share the
// engine's run-level mutual exclusion, so an overlapping tick is skipped
// rather than interleaved.
type Scheduler struct {
	engine  *Engine
	config  *config.SyncConfig
	logger  *slog.Logger
	cancel  context.CancelFunc
	doneCh  chan struct{}
	mu      sync.Mutex
	started bool
}

// NewScheduler creates a new scheduler around the engine
func NewScheduler(engine *Engine, cfg *config.SyncConfig, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		engine: engine,
		config: cfg,
		logger: logger,
	}
}

// Start begins the periodic update loop
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.doneCh = make(chan struct{})
	s.started = true
	s.mu.Unlock()

	s.logger.Info("update scheduler started", "interval", s.config.Interval)

	go s.run(runCtx, s.doneCh)
	return nil
}

// Stop cancels the run context, so an active run stops issuing new fetches
// and applies while its in-flight account still completes, then waits for
// the loop to exit.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	cancel, done := s.cancel, s.doneCh
	s.mu.Unlock()

	cancel()
	<-done

	s.mu.Lock()
	s.started = false
	s.mu.Unlock()

	s.logger.Info("update scheduler stopped")
	return nil
}

// run is the main scheduler loop
func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	start := time.Now()
	summary, err := s.engine.Run(ctx, domain.TriggerScheduled)
	if err != nil {
		if errors.Is(err, domain.ErrRunInProgress) {
			s.logger.Warn("skipping scheduled update, run already in progress")
			return
		}
		s.logger.Error("scheduled update failed", "error", err, "duration", time.Since(start))
		return
	}
	s.logger.Info("scheduled update finished",
		"duration", time.Since(start),
		"records", len(summary.Records),
	)
}
