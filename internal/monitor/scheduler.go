package monitor

import (
	"context"
	"sort"
	"sync"
	"time"

	"perp-monitor/internal/logging"
)

// Scheduler runs one goroutine per worker. A worker's next tick is armed
// only after the previous one returned, so ticks of one symbol never
// overlap while different symbols tick independently.
type Scheduler struct {
	workers  []*Worker
	interval time.Duration
	stagger  time.Duration
	logger   *logging.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup
}

// NewScheduler creates a scheduler ticking every worker at interval, the
// i-th worker starting stagger*i after Start
func NewScheduler(workers []*Worker, interval, stagger time.Duration, logger *logging.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Second
	}
	return &Scheduler{
		workers:  workers,
		interval: interval,
		stagger:  stagger,
		logger:   logger.WithComponent("scheduler"),
	}
}

// Start launches the workers. It returns immediately; a second call is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.running = true

	s.logger.WithFields(map[string]interface{}{
		"workers":  len(s.workers),
		"interval": s.interval.String(),
		"stagger":  s.stagger.String(),
	}).Info("scheduler started")

	for i, w := range s.workers {
		s.wg.Add(1)
		go s.runWorker(ctx, w, s.stagger*time.Duration(i))
	}
}

// Stop cancels in-flight ticks and waits for every worker to return
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.running = false
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// Wait blocks until every worker has returned
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) runWorker(ctx context.Context, w *Worker, delay time.Duration) {
	defer s.wg.Done()

	timer := time.NewTimer(delay)
	defer timer.Stop()

	bootstrapped := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if !bootstrapped {
			w.Bootstrap(ctx)
			bootstrapped = true
		}

		start := time.Now()
		w.Tick(ctx)
		next := s.interval - time.Since(start)
		if next < 0 {
			s.logger.WithField("symbol", w.Symbol()).
				Warn("tick took longer than the interval (%s)", s.interval)
			next = 0
		}
		timer.Reset(next)
	}
}

// Workers returns the scheduled workers
func (s *Scheduler) Workers() []*Worker {
	return s.workers
}

// States returns the EngineState of every worker sorted by symbol
func (s *Scheduler) States() []EngineState {
	out := make([]EngineState, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, w.State())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
