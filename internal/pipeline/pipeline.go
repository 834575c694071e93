// Package pipeline composes a profiling run with kernel summary parsing to
// produce ProfileReport values.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/skobkin/gpuprof-web/internal/gpu"
	"github.com/skobkin/gpuprof-web/internal/report"
	"github.com/skobkin/gpuprof-web/internal/runner"
)

const runKey = "run"

// ErrNoPreviousRun is returned by Reload before any run has completed.
var ErrNoPreviousRun = errors.New("no previous run to reload")

// Runner performs one profiling run and returns its artifacts.
type Runner interface {
	Run(ctx context.Context) (runner.Artifacts, error)
}

// InventoryFunc lists the GPUs to attach to each report.
type InventoryFunc func() ([]gpu.Device, error)

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithClock overrides the time source used for GeneratedAt.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// WithInventory attaches the devices returned by fn to every report.
func WithInventory(fn InventoryFunc) Option {
	return func(p *Pipeline) {
		p.inventory = fn
	}
}

// Pipeline turns runs into reports and remembers the last run's artifacts.
type Pipeline struct {
	runner    Runner
	inventory InventoryFunc
	logger    *slog.Logger
	now       func() time.Time

	group singleflight.Group

	mu   sync.Mutex
	last *runner.Artifacts
}

// New builds a Pipeline around r.
func New(r Runner, logger *slog.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	p := &Pipeline{
		runner: r,
		logger: logger.With("component", "pipeline"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run performs a profiling run and parses its kernel summary. Runner errors
// are returned unchanged. A summary without kernel rows is not an error;
// callers check ProfileReport.Empty.
//
// Overlapping callers share one run and one report. The run and its parse
// outlive ctx, so Reload sees the run even when every caller stopped waiting.
func (p *Pipeline) Run(ctx context.Context) (*report.ProfileReport, error) {
	detached := context.WithoutCancel(ctx)
	ch := p.group.DoChan(runKey, func() (any, error) {
		return p.runOnce(detached)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*report.ProfileReport), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pipeline) runOnce(ctx context.Context) (*report.ProfileReport, error) {
	arts, err := p.runner.Run(ctx)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.last = &arts
	p.mu.Unlock()

	return p.build(arts)
}

// Reload re-parses the summary of the most recent run without invoking the
// profiler again.
func (p *Pipeline) Reload(ctx context.Context) (*report.ProfileReport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	last := p.last
	p.mu.Unlock()

	if last == nil {
		return nil, ErrNoPreviousRun
	}
	return p.build(*last)
}

// Remember seeds Reload with a report restored from an earlier process.
func (p *Pipeline) Remember(rep *report.ProfileReport) {
	if rep == nil || rep.CSVPath == "" {
		return
	}
	arts := runner.Artifacts{
		RunID:     rep.RunID,
		TracePath: rep.TracePath,
		CSVPath:   rep.CSVPath,
		Command:   rep.InvokedCommand,
		CWD:       rep.WorkingDirectory,
	}

	p.mu.Lock()
	if p.last == nil {
		p.last = &arts
	}
	p.mu.Unlock()
}

// Load builds a report from an existing kernel summary export.
func (p *Pipeline) Load(csvPath string) (*report.ProfileReport, error) {
	return p.build(runner.Artifacts{CSVPath: csvPath})
}

func (p *Pipeline) build(arts runner.Artifacts) (*report.ProfileReport, error) {
	kernels, err := report.ParseFile(arts.CSVPath)
	if err != nil {
		return nil, fmt.Errorf("read kernel summary: %w", err)
	}

	rep := &report.ProfileReport{
		Tool:             report.ToolIdentifier,
		RunID:            arts.RunID,
		InvokedCommand:   arts.Command,
		WorkingDirectory: arts.CWD,
		GeneratedAt:      p.now(),
		TracePath:        arts.TracePath,
		CSVPath:          arts.CSVPath,
		Kernels:          kernels,
	}

	if p.inventory != nil {
		devices, err := p.inventory()
		if err != nil {
			p.logger.Warn("gpu inventory unavailable", "err", err)
		}
		rep.Devices = devices
	}

	logger := p.logger.With("csv", arts.CSVPath)
	if rep.Empty() {
		logger.Warn("kernel summary has no rows")
	} else {
		logger.Info("report ready", "kernels", len(rep.Kernels), "total_ms", rep.TotalTimeMs())
	}
	return rep, nil
}
