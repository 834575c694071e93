// Command gpuprof-web serves the kernel summary viewer and drives nsys runs
// on request.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/skobkin/gpuprof-web/internal/app"
	"github.com/skobkin/gpuprof-web/internal/config"
	"github.com/skobkin/gpuprof-web/internal/version"
)

var (
	buildVersion = "dev"
	buildCommit  = ""
	buildTime    = ""
)

func main() {
	version.Set(version.Info{
		Version:   buildVersion,
		Commit:    buildCommit,
		BuildTime: buildTime,
	})

	fs := pflag.NewFlagSet("gpuprof-web", pflag.ContinueOnError)
	showVersion := fs.Bool("version", false, "Print version and exit")
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			fmt.Fprintln(os.Stderr, "gpuprof-web is configured through APP_* environment variables.")
			return
		}
		os.Exit(2)
	}
	if *showVersion {
		fmt.Println("gpuprof-web", version.Current())
		return
	}

	cfg, err := config.Load()
	if err != nil {
		handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})
		slog.New(handler).Error("failed to load configuration", "err", err)
		os.Exit(1)
	}

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel})
	logger := slog.New(handler)
	logger.Info("gpuprof-web starting", startupAttrs(cfg)...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = app.Run(ctx, logger, cfg)
	stop()
	if err != nil {
		logger.Error("application error", "err", err)
		os.Exit(1)
	}
}

// startupAttrs describes what this instance will profile and where it keeps
// its results.
func startupAttrs(cfg config.Config) []any {
	attrs := []any{
		"version", version.Current().String(),
		"listen_addr", cfg.ListenAddr,
		"workspace", cfg.Profile.WorkspaceFolder,
		"nsys", cfg.Profile.NsysPath,
		"trace", cfg.Profile.Trace,
	}
	if cfg.Profile.Command != "" {
		attrs = append(attrs, "command", cfg.Profile.Command)
	} else {
		attrs = append(attrs, "command", "(unset)")
	}
	if cfg.StateFile != "" {
		attrs = append(attrs, "state_file", cfg.StateFile)
	}
	return attrs
}
