// Package runner drives reconciliation cycles: one on demand, or one per
// interval, never two at the same time.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MahdiBaghbani/ldapmailsync/internal/directory"
	"github.com/MahdiBaghbani/ldapmailsync/internal/platform/logutil"
	"github.com/MahdiBaghbani/ldapmailsync/internal/reconcile"
)

// ErrCycleInProgress is returned when a cycle is requested while one runs.
var ErrCycleInProgress = errors.New("cycle already in progress")

// FetchFunc returns one directory snapshot.
type FetchFunc func(ctx context.Context) ([]directory.Entry, error)

// Engine reconciles one snapshot.
type Engine interface {
	RunCycle(ctx context.Context, snapshot []directory.Entry) (*reconcile.Report, error)
}

// Observer receives the outcome of every cycle. rep is nil when the cycle
// failed before reconciliation started.
type Observer interface {
	ObserveCycle(rep *reconcile.Report, err error)
}

// Config wires a Runner.
type Config struct {
	Fetch    FetchFunc
	Engine   Engine
	Observer Observer
	Interval time.Duration
}

// Runner serializes cycles and remembers the last outcome.
type Runner struct {
	fetch    FetchFunc
	engine   Engine
	observer Observer
	interval time.Duration
	logger   *slog.Logger

	cycle sync.Mutex

	mu      sync.RWMutex
	last    *reconcile.Report
	lastErr error
	running bool
}

// New creates a Runner.
func New(cfg Config, logger *slog.Logger) *Runner {
	logger = logutil.NoopIfNil(logger)
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Runner{
		fetch:    cfg.Fetch,
		engine:   cfg.Engine,
		observer: cfg.Observer,
		interval: interval,
		logger:   logger,
	}
}

// RunOnce fetches a snapshot and reconciles it. A snapshot failure is fatal
// for the cycle and returned as is; per-entity failures only appear in the
// report.
func (r *Runner) RunOnce(ctx context.Context) (*reconcile.Report, error) {
	if !r.cycle.TryLock() {
		return nil, ErrCycleInProgress
	}
	defer r.cycle.Unlock()
	r.setRunning(true)
	defer r.setRunning(false)

	snapshot, err := r.fetch(ctx)
	if err != nil {
		err = fmt.Errorf("fetch directory snapshot: %w", err)
		r.record(nil, err)
		return nil, err
	}

	rep, err := r.engine.RunCycle(ctx, snapshot)
	r.record(rep, err)
	return rep, err
}

// Loop runs a cycle immediately and then once per interval until ctx is
// cancelled. Cycle failures are logged and the loop continues.
func (r *Runner) Loop(ctx context.Context) error {
	r.logger.Info("sync loop started", "interval", r.interval)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			if errors.Is(err, ErrCycleInProgress) {
				r.logger.Warn("previous cycle still running, tick skipped")
			} else {
				r.logger.Error("cycle failed", "error", err)
			}
		}

		select {
		case <-ctx.Done():
			r.logger.Info("sync loop stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Last returns the outcome of the most recent finished cycle.
func (r *Runner) Last() (*reconcile.Report, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last, r.lastErr
}

// Running reports whether a cycle is in progress.
func (r *Runner) Running() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.running
}

func (r *Runner) setRunning(v bool) {
	r.mu.Lock()
	r.running = v
	r.mu.Unlock()
}

func (r *Runner) record(rep *reconcile.Report, err error) {
	r.mu.Lock()
	if rep != nil {
		r.last = rep
	}
	r.lastErr = err
	r.mu.Unlock()
	if r.observer != nil {
		r.observer.ObserveCycle(rep, err)
	}
}
