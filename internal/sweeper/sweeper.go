// Package sweeper runs the decay sweep on a fixed interval in the
// background.
package sweeper

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/mnemo/internal/engine"
)

// ErrBusy is returned by RunNow while another sweep is in progress.
var ErrBusy = errors.New("sweep already running")

// runTimeout bounds a single sweep.
const runTimeout = 5 * time.Minute

// Target is what the sweeper drives. *engine.Engine implements it.
type Target interface {
	Sweep(ctx context.Context) (engine.SweepReport, error)
}

// Status describes the last completed sweep.
type Status struct {
	LastRun    time.Time          `json:"last_run,omitempty"`
	LastReport engine.SweepReport `json:"last_report"`
	LastError  string             `json:"last_error,omitempty"`
	Runs       int                `json:"runs"`
}

// Sweeper fires Target.Sweep every interval. Runs never overlap.
type Sweeper struct {
	target   Target
	interval time.Duration
	logger   *zap.Logger

	run    sync.Mutex
	mu     sync.Mutex
	status Status
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a stopped sweeper.
func New(target Target, interval time.Duration, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{target: target, interval: interval, logger: logger}
}

// Start begins the tick loop in a background goroutine. Calling Start on a
// running sweeper is a no-op.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
	s.logger.Info("decay sweeper started", zap.Duration("interval", s.interval))
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("decay sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunNow(ctx); err != nil && !errors.Is(err, ErrBusy) && ctx.Err() == nil {
				s.logger.Warn("scheduled sweep failed", zap.Error(err))
			}
		}
	}
}

// RunNow sweeps immediately. It fails with ErrBusy when a sweep is already
// running.
func (s *Sweeper) RunNow(ctx context.Context) (engine.SweepReport, error) {
	if !s.run.TryLock() {
		return engine.SweepReport{}, ErrBusy
	}
	defer s.run.Unlock()

	ctx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()

	start := time.Now()
	report, err := s.target.Sweep(ctx)

	s.mu.Lock()
	s.status.LastRun = start.UTC()
	s.status.LastReport = report
	s.status.Runs++
	s.status.LastError = ""
	if err != nil {
		s.status.LastError = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		return report, err
	}
	s.logger.Info("decay sweep finished",
		zap.Int("due", report.Due),
		zap.Int("refreshed", report.Refreshed),
		zap.Int("archived", report.Archived),
		zap.Duration("took", time.Since(start)))
	return report, nil
}

// Status returns the outcome of the last sweep.
func (s *Sweeper) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}
