// Package app wires up and runs the application services.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/skobkin/gpuprof-web/internal/artifacts"
	"github.com/skobkin/gpuprof-web/internal/config"
	"github.com/skobkin/gpuprof-web/internal/gpu"
	"github.com/skobkin/gpuprof-web/internal/httpserver"
	"github.com/skobkin/gpuprof-web/internal/pipeline"
	"github.com/skobkin/gpuprof-web/internal/profiler"
	"github.com/skobkin/gpuprof-web/internal/runner"
	"github.com/skobkin/gpuprof-web/internal/sourcenav"
)

const shutdownTimeout = 10 * time.Second

// ProfileSettings maps the profile section of cfg onto runner settings,
// keeping platform defaults for anything left unset.
func ProfileSettings(cfg config.Config) runner.Settings {
	s := runner.DefaultSettings()
	s.Command = cfg.Profile.Command
	s.CWD = cfg.Profile.CWD
	s.WorkspaceFolder = cfg.Profile.WorkspaceFolder
	if cfg.Profile.OutputDir != "" {
		s.OutputDir = cfg.Profile.OutputDir
	}
	if cfg.Profile.NsysPath != "" {
		s.ToolPath = cfg.Profile.NsysPath
	}
	if cfg.Profile.Trace != "" {
		s.TraceSelection = cfg.Profile.Trace
	}
	return s
}

// NewPipeline assembles the coordinator and pipeline for cfg. The returned
// coordinator reports transitions to observer, which may be nil.
func NewPipeline(cfg config.Config, baseLogger *slog.Logger, observer runner.Observer) (*runner.Coordinator, *pipeline.Pipeline) {
	var opts []runner.Option
	if observer != nil {
		opts = append(opts, runner.WithObserver(observer))
	}
	coord := runner.NewCoordinator(
		ProfileSettings(cfg),
		runner.ExecExecutor{},
		artifacts.NewLocator(baseLogger.With("component", "artifacts")),
		baseLogger.With("component", "runner"),
		opts...,
	)

	inventoryLogger := baseLogger.With("component", "gpu_inventory")
	p := pipeline.New(coord, baseLogger, pipeline.WithInventory(func() ([]gpu.Device, error) {
		return gpu.Inventory(cfg.SysfsRoot, inventoryLogger)
	}))
	return coord, p
}

// Run bootstraps the application lifecycle.
func Run(ctx context.Context, baseLogger *slog.Logger, cfg config.Config) error {
	appLogger := baseLogger.With("component", "app")

	devices, err := gpu.Inventory(cfg.SysfsRoot, baseLogger.With("component", "gpu_inventory"))
	if err != nil {
		appLogger.Warn("gpu inventory unavailable", "err", err)
	}
	appLogger.Info("discovered GPUs", "count", len(devices))

	// The manager is built after the pipeline it drives; transitions are
	// forwarded once it exists.
	var manager *profiler.Manager
	coord, p := NewPipeline(cfg, baseLogger, func(tr runner.Transition) {
		if manager != nil {
			manager.Observe(tr)
		}
	})

	manager, err = profiler.NewManager(p, cfg.StateFile, baseLogger)
	if err != nil {
		return fmt.Errorf("init profiler manager: %w", err)
	}
	defer func() {
		if err := manager.Close(); err != nil {
			appLogger.Warn("profiler manager close", "err", err)
		}
	}()

	if err := coord.Configured(); err != nil {
		appLogger.Warn("profiling is not configured", "err", err)
	} else {
		appLogger.Info("profile target", "command", cfg.Profile.Command, "workspace", cfg.Profile.WorkspaceFolder)
	}

	var sources httpserver.SourceLocator
	if cfg.Profile.WorkspaceFolder != "" {
		sources = sourcenav.NewFinder(cfg.Profile.WorkspaceFolder, sourcenav.Options{
			MaxFiles: cfg.Source.MaxFiles,
			MaxBytes: cfg.Source.MaxBytes,
		}, baseLogger.With("component", "sourcenav"))
	}

	srv := httpserver.New(cfg, baseLogger.With("component", "http"), httpserver.Deps{
		Reports: manager,
		Runs:    coord,
		Sources: sources,
		Devices: devices,
	})

	appLogger.Info("starting HTTP server", "listen_addr", cfg.ListenAddr)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
		return nil
	case <-ctx.Done():
		appLogger.Info("shutdown initiated", "reason", ctx.Err())

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("http shutdown: %w", err)
		}

		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		// A capture in progress is not interrupted; give it the shutdown
		// budget to finish so its report is persisted.
		if err := manager.Wait(shutdownCtx); err != nil {
			appLogger.Warn("profiling run still in progress at exit", "err", err)
		}

		appLogger.Info("shutdown complete")
		return nil
	}
}
