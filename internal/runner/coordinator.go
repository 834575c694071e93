// Package runner drives the two-phase nsys capture and export protocol.
//
// Only one run may be in flight at a time: overlapping nsys invocations
// against the same command race on the output directory. Concurrent callers
// of Coordinator.Run therefore share the in-flight run and its outcome.
package runner

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/skobkin/gpuprof-web/internal/artifacts"
)

// ToolName is used as the artifact file name prefix.
const ToolName = "nsys"

const runKey = "run"

// State is a position in the run state machine.
type State int

const (
	StateIdle State = iota
	StateCapturing
	StateSummarizing
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCapturing:
		return "capturing"
	case StateSummarizing:
		return "summarizing"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name produced by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	for candidate := StateIdle; candidate <= StateFailed; candidate++ {
		if candidate.String() == string(text) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown run state %q", text)
}

// Running reports whether the state belongs to an in-flight run.
func (s State) Running() bool {
	return s == StateCapturing || s == StateSummarizing
}

// Artifacts describe the files a completed run produced.
type Artifacts struct {
	RunID      string
	TracePath  string
	CSVPath    string
	Command    string
	CWD        string
	OutputDir  string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Transition is emitted to observers on every state change.
type Transition struct {
	RunID   string
	State   State
	Err     error
	At      time.Time
	Elapsed time.Duration
}

// Observer receives state transitions. Observers run synchronously on the
// run goroutine and must not block.
type Observer func(Transition)

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithClock overrides the time source used for stamps and timing.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithObserver registers a transition observer.
func WithObserver(o Observer) Option {
	return func(c *Coordinator) {
		if o != nil {
			c.observers = append(c.observers, o)
		}
	}
}

// Coordinator owns the run state machine and its single-flight guard.
type Coordinator struct {
	settings  Settings
	executor  Executor
	locator   *artifacts.Locator
	logger    *slog.Logger
	now       func() time.Time
	observers []Observer

	group singleflight.Group

	mu        sync.RWMutex
	state     State
	lastErr   error
	lastStamp string
	stampSeq  int
}

// NewCoordinator builds a Coordinator. A nil executor runs real processes and
// a nil locator uses the default artifact naming rules.
func NewCoordinator(settings Settings, executor Executor, locator *artifacts.Locator, logger *slog.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if executor == nil {
		executor = ExecExecutor{}
	}
	if locator == nil {
		locator = artifacts.NewLocator(logger)
	}
	c := &Coordinator{
		settings: settings,
		executor: executor,
		locator:  locator,
		logger:   logger,
		now:      time.Now,
		state:    StateIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run submits a profiling run and waits for it. When a run is already in
// flight the caller joins it and receives the same result.
//
// The run is not tied to ctx: once started it completes for every waiter.
// A caller whose ctx ends stops waiting and receives ctx.Err().
func (c *Coordinator) Run(ctx context.Context) (Artifacts, error) {
	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(runKey, func() (any, error) {
		return c.execute(detached)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return Artifacts{}, res.Err
		}
		return res.Val.(Artifacts), nil
	case <-ctx.Done():
		return Artifacts{}, ctx.Err()
	}
}

// State returns the current state of the machine.
func (c *Coordinator) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// LastError returns the failure of the most recent run, if any.
func (c *Coordinator) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// Configured reports whether settings are complete enough to start a run.
func (c *Coordinator) Configured() error {
	_, err := c.settings.resolve()
	return err
}

func (c *Coordinator) execute(ctx context.Context) (Artifacts, error) {
	cfg, err := c.settings.resolve()
	if err != nil {
		c.setLastErr(err)
		c.logger.Warn("run rejected", "err", err)
		return Artifacts{}, err
	}

	if err := os.MkdirAll(cfg.outputDir, 0o755); err != nil {
		err = &ConfigError{Setting: "outputDir", Reason: "cannot create output directory", Err: err}
		c.setLastErr(err)
		return Artifacts{}, err
	}

	runID := uuid.NewString()
	started := c.now()
	logger := c.logger.With("run_id", runID)

	prefix := filepath.Join(cfg.outputDir, ToolName+"-"+c.nextStamp(started))
	statsPrefix := prefix + "-stats"

	c.transition(runID, StateCapturing, nil, started)
	logger.Info("capture started", "command", cfg.command, "cwd", cfg.cwd, "prefix", prefix)

	capture := Command{
		Path: cfg.toolPath,
		Args: captureArgs(cfg, prefix),
		Dir:  cfg.cwd,
	}
	logger.Debug("invoking capture", "args", strings.Join(capture.Args, " "))
	res, err := c.executor.Execute(ctx, capture)
	if err := checkResult(PhaseCapture, capture, res, err); err != nil {
		return c.fail(logger, runID, started, err)
	}

	tracePath, err := c.locator.LocateTrace(cfg.outputDir, prefix)
	if err != nil {
		return c.fail(logger, runID, started, err)
	}

	c.transition(runID, StateSummarizing, nil, started)
	logger.Info("export started", "trace", tracePath)

	export := Command{
		Path: cfg.toolPath,
		Args: exportArgs(cfg, statsPrefix, tracePath),
		Dir:  cfg.cwd,
	}
	logger.Debug("invoking export", "args", strings.Join(export.Args, " "))
	res, err = c.executor.Execute(ctx, export)
	if err := checkResult(PhaseExport, export, res, err); err != nil {
		return c.fail(logger, runID, started, err)
	}

	csvPath, err := c.locator.LocateCSV(cfg.outputDir, statsPrefix)
	if err != nil {
		return c.fail(logger, runID, started, err)
	}

	finished := c.now()
	arts := Artifacts{
		RunID:      runID,
		TracePath:  tracePath,
		CSVPath:    csvPath,
		Command:    cfg.command,
		CWD:        cfg.cwd,
		OutputDir:  cfg.outputDir,
		StartedAt:  started,
		FinishedAt: finished,
	}

	c.setLastErr(nil)
	c.transition(runID, StateCompleted, nil, started)
	logger.Info("run completed", "csv", csvPath, "duration", finished.Sub(started))
	return arts, nil
}

func (c *Coordinator) fail(logger *slog.Logger, runID string, started time.Time, err error) (Artifacts, error) {
	c.setLastErr(err)
	c.transition(runID, StateFailed, err, started)
	logger.Error("run failed", "err", err)
	return Artifacts{}, err
}

func (c *Coordinator) transition(runID string, state State, err error, started time.Time) {
	now := c.now()

	c.mu.Lock()
	c.state = state
	c.mu.Unlock()

	t := Transition{RunID: runID, State: state, Err: err, At: now, Elapsed: now.Sub(started)}
	for _, o := range c.observers {
		o(t)
	}
}

func (c *Coordinator) setLastErr(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}

// nextStamp derives a file-name-safe timestamp, appending a sequence number
// when two runs land on the same millisecond.
func (c *Coordinator) nextStamp(t time.Time) string {
	stamp := t.UTC().Format("2006-01-02T15:04:05.000Z")
	stamp = strings.NewReplacer(":", "-", ".", "-").Replace(stamp)

	c.mu.Lock()
	defer c.mu.Unlock()
	if stamp == c.lastStamp {
		c.stampSeq++
		return fmt.Sprintf("%s-%d", stamp, c.stampSeq)
	}
	c.lastStamp = stamp
	c.stampSeq = 0
	return stamp
}

func captureArgs(cfg resolvedSettings, prefix string) []string {
	args := []string{
		"profile",
		"--trace=" + cfg.trace,
		"--force-overwrite=true",
		"-o", prefix,
		cfg.shell,
	}
	args = append(args, cfg.shellArgs...)
	return append(args, cfg.command)
}

func exportArgs(cfg resolvedSettings, statsPrefix, tracePath string) []string {
	args := []string{"stats"}
	args = append(args, cfg.export...)
	return append(args, "-o", statsPrefix, tracePath)
}
