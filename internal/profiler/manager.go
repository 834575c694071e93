// Package profiler caches the latest profile report and fans run progress
// out to subscribers.
package profiler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/skobkin/gpuprof-web/internal/report"
	"github.com/skobkin/gpuprof-web/internal/runner"
)

// Pipeline produces reports.
type Pipeline interface {
	Run(ctx context.Context) (*report.ProfileReport, error)
	Reload(ctx context.Context) (*report.ProfileReport, error)
	Remember(rep *report.ProfileReport)
}

const runKey = "run"

// Manager serializes report production, keeps the latest report, and
// publishes events to subscribers.
type Manager struct {
	pipeline  Pipeline
	statePath string
	logger    *slog.Logger
	now       func() time.Time

	flight    singleflight.Group
	running   atomic.Bool
	wg        sync.WaitGroup
	completed atomic.Uint64
	failed    atomic.Uint64
	lastDurNs atomic.Int64

	mu          sync.RWMutex
	latest      *report.ProfileReport
	subscribers map[*subscriber]struct{}
	closed      bool
}

// NewManager builds a Manager. When statePath names an existing report file
// it is loaded as the initial latest report; an empty statePath disables
// persistence.
func NewManager(p Pipeline, statePath string, logger *slog.Logger) (*Manager, error) {
	if p == nil {
		return nil, errors.New("pipeline is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		pipeline:    p,
		statePath:   statePath,
		logger:      logger.With("component", "profiler_manager"),
		now:         time.Now,
		subscribers: make(map[*subscriber]struct{}),
	}

	if statePath != "" {
		rep, err := loadState(statePath)
		switch {
		case err == nil:
			m.latest = rep
			p.Remember(rep)
			m.logger.Info("restored last report", "path", statePath, "kernels", len(rep.Kernels))
		case errors.Is(err, fs.ErrNotExist):
		default:
			m.logger.Warn("ignoring unreadable state file", "path", statePath, "err", err)
		}
	}

	return m, nil
}

// Observe forwards coordinator transitions to subscribers. It is meant to be
// registered with runner.WithObserver.
func (m *Manager) Observe(tr runner.Transition) {
	var typ EventType
	switch tr.State {
	case runner.StateCapturing:
		typ = EventRunStarted
	case runner.StateSummarizing:
		typ = EventRunState
	default:
		// Completion and failure are published by Run with the full outcome.
		return
	}
	m.publish(Event{Type: typ, RunID: tr.RunID, State: tr.State, At: tr.At})
}

// Run produces a report and waits for it. Overlapping callers, a run started
// by Trigger included, share one run whose report is counted, stored and
// published once. Failures are published as EventRunFailed and returned.
//
// A caller whose ctx ends gets ctx.Err(); the run still completes and its
// outcome is published.
func (m *Manager) Run(ctx context.Context) (*report.ProfileReport, error) {
	type outcome struct {
		rep *report.ProfileReport
		err error
	}
	done := make(chan outcome, 1)
	detached := context.WithoutCancel(ctx)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		v, err, _ := m.flight.Do(runKey, func() (any, error) {
			return m.produce(detached)
		})
		rep, _ := v.(*report.ProfileReport)
		done <- outcome{rep: rep, err: err}
	}()

	select {
	case out := <-done:
		return out.rep, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) produce(ctx context.Context) (*report.ProfileReport, error) {
	started := m.now()
	rep, err := m.pipeline.Run(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		m.failed.Add(1)
		m.publish(Event{Type: EventRunFailed, State: runner.StateFailed, Err: err, Message: err.Error(), At: m.now()})
		return nil, err
	}
	m.completed.Add(1)
	m.lastDurNs.Store(int64(m.now().Sub(started)))
	m.store(rep)
	return rep, nil
}

// Stats summarizes the runs this manager has performed.
type Stats struct {
	Completed    uint64
	Failed       uint64
	LastDuration time.Duration
}

// Stats returns run counters since start.
func (m *Manager) Stats() Stats {
	return Stats{
		Completed:    m.completed.Load(),
		Failed:       m.failed.Load(),
		LastDuration: time.Duration(m.lastDurNs.Load()),
	}
}

// Trigger starts a run in the background. It returns false when a run
// started by Trigger is still in progress.
func (m *Manager) Trigger() bool {
	if !m.running.CompareAndSwap(false, true) {
		return false
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.running.Store(false)
		if _, err := m.Run(context.Background()); err != nil {
			m.logger.Warn("background run failed", "err", err)
		}
	}()
	return true
}

// Running reports whether a triggered run is in progress.
func (m *Manager) Running() bool {
	return m.running.Load()
}

// Wait blocks until every run started through Run or Trigger has finished
// or ctx ends.
func (m *Manager) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reload re-parses the last run's summary and publishes the result.
func (m *Manager) Reload(ctx context.Context) (*report.ProfileReport, error) {
	rep, err := m.pipeline.Reload(ctx)
	if err != nil {
		return nil, err
	}
	m.store(rep)
	return rep, nil
}

// Latest returns the most recent report.
func (m *Manager) Latest() (*report.ProfileReport, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest, m.latest != nil
}

// Subscribe registers a listener. The latest report, if any, is delivered
// first.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub := newSubscriber()
	if m.closed {
		sub.close()
		return sub.ch, func() {}
	}
	m.subscribers[sub] = struct{}{}

	if m.latest != nil {
		sub.send(Event{Type: EventReport, RunID: m.latest.RunID, State: runner.StateCompleted, Report: m.latest, At: m.latest.GeneratedAt})
	}

	unsubscribe := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subscribers, sub)
		sub.close()
	}
	return sub.ch, unsubscribe
}

// Close detaches all subscribers. Safe for repeated use.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for sub := range m.subscribers {
		sub.close()
		delete(m.subscribers, sub)
	}
	return nil
}

func (m *Manager) store(rep *report.ProfileReport) {
	m.mu.Lock()
	m.latest = rep
	m.mu.Unlock()

	if m.statePath != "" {
		if err := saveState(m.statePath, rep); err != nil {
			m.logger.Warn("persist report failed", "path", m.statePath, "err", err)
		}
	}

	m.publish(Event{Type: EventReport, RunID: rep.RunID, State: runner.StateCompleted, Report: rep, At: rep.GeneratedAt})
	if rep.Empty() {
		m.publish(Event{
			Type:    EventWarning,
			RunID:   rep.RunID,
			State:   runner.StateCompleted,
			Message: "profiling finished but the kernel summary has no rows",
			At:      rep.GeneratedAt,
		})
	}
}

func (m *Manager) publish(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for sub := range m.subscribers {
		sub.send(ev)
	}
}

func loadState(path string) (*report.ProfileReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rep report.ProfileReport
	if err := json.Unmarshal(data, &rep); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	if rep.Kernels == nil {
		rep.Kernels = []report.KernelRecord{}
	}
	return &rep, nil
}

func saveState(path string, rep *report.ProfileReport) error {
	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close state: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}
