// Command gpuprof profiles the configured command once, or parses an existing
// kernel summary export, and prints the kernel timing table.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/skobkin/gpuprof-web/internal/app"
	"github.com/skobkin/gpuprof-web/internal/config"
	"github.com/skobkin/gpuprof-web/internal/export"
	"github.com/skobkin/gpuprof-web/internal/report"
	"github.com/skobkin/gpuprof-web/internal/runner"
	"github.com/skobkin/gpuprof-web/internal/sourcenav"
	"github.com/skobkin/gpuprof-web/internal/version"
)

var (
	buildVersion = "dev"
	buildCommit  = ""
	buildTime    = ""
)

type options struct {
	cfg         config.Config
	csvPath     string
	jsonOutput  bool
	xlsxPath    string
	locate      string
	verbose     bool
	showVersion bool
}

// parseOptions reads flags on top of base, which carries the APP_*
// environment defaults. Single-dash long flags such as -csv are accepted.
// Flag parsing stops at the first positional argument or "--"; everything
// after it is the command to profile, its own flags included.
func parseOptions(args []string, base config.Config) (options, error) {
	opts := options{cfg: base}
	fs := pflag.NewFlagSet("gpuprof", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.SetInterspersed(false)

	fs.StringVar(&opts.csvPath, "csv", "", "Parse an existing cuda_gpu_kern_sum CSV instead of running nsys")
	fs.BoolVar(&opts.jsonOutput, "json", false, "Print the report as JSON")
	fs.StringVar(&opts.xlsxPath, "xlsx", "", "Also write the report as an Excel workbook to this path")
	fs.StringVar(&opts.locate, "locate", "", "Print the source location of a kernel and exit")
	fs.BoolVar(&opts.verbose, "verbose", false, "Enable debug logging")
	fs.BoolVar(&opts.showVersion, "version", false, "Print version and exit")

	fs.StringVar(&opts.cfg.Profile.Command, "command", base.Profile.Command, "Command line to profile")
	fs.StringVar(&opts.cfg.Profile.CWD, "cwd", base.Profile.CWD, "Working directory; may reference ${workspaceFolder}")
	fs.StringVar(&opts.cfg.Profile.WorkspaceFolder, "workspace", base.Profile.WorkspaceFolder, "Workspace folder")
	fs.StringVar(&opts.cfg.Profile.OutputDir, "out-dir", base.Profile.OutputDir, "Directory for nsys artifacts, relative to the workspace")
	fs.StringVar(&opts.cfg.Profile.NsysPath, "nsys", base.Profile.NsysPath, "Path to the nsys executable")
	fs.StringVar(&opts.cfg.Profile.Trace, "trace", base.Profile.Trace, "nsys --trace selection")
	fs.StringVar(&opts.cfg.SysfsRoot, "sysfs", base.SysfsRoot, "Path to sysfs root")

	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			fmt.Fprintln(os.Stderr, "Usage: gpuprof [flags] [--] [command...]")
			fs.SetOutput(os.Stderr)
			fs.PrintDefaults()
		}
		return options{}, err
	}
	if fs.NArg() > 0 {
		if opts.cfg.Profile.Command != "" {
			return options{}, fmt.Errorf("command given both as --command and as arguments")
		}
		opts.cfg.Profile.Command = strings.Join(fs.Args(), " ")
	}
	return opts, nil
}

// normalizeArgs rewrites -name to --name for gpuprof's own flags. Values of
// non-boolean flags are skipped, and the first positional argument or "--"
// ends the rewrite.
func normalizeArgs(fs *pflag.FlagSet, args []string) []string {
	out := slices.Clone(args)
	for i := 0; i < len(out); i++ {
		a := out[i]
		if a == "--" || len(a) < 2 || a[0] != '-' {
			return out
		}
		if len(a) > 2 && a[1] != '-' {
			a = "-" + a
			out[i] = a
		}

		name, _, hasValue := strings.Cut(strings.TrimLeft(a, "-"), "=")
		if f := fs.Lookup(name); f != nil && !hasValue && f.Value.Type() != "bool" {
			i++
		}
	}
	return out
}

func main() {
	version.Set(version.Info{
		Version:   buildVersion,
		Commit:    buildCommit,
		BuildTime: buildTime,
	})

	base, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration:", err)
		os.Exit(2)
	}
	opts, err := parseOptions(os.Args[1:], base)
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if opts.showVersion {
		fmt.Println("gpuprof", version.Current())
		return
	}

	level := opts.cfg.LogLevel
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, opts, logger, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, opts options, logger *slog.Logger, stdout, stderr io.Writer) int {
	if opts.locate != "" {
		finder := sourcenav.NewFinder(opts.cfg.Profile.WorkspaceFolder, sourcenav.Options{
			MaxFiles: opts.cfg.Source.MaxFiles,
			MaxBytes: opts.cfg.Source.MaxBytes,
		}, logger.With("component", "sourcenav"))
		loc, err := finder.Find(ctx, opts.locate)
		if err != nil {
			fmt.Fprintf(stderr, "locate %s: %v\n", opts.locate, err)
			return 1
		}
		fmt.Fprintf(stdout, "%s:%d:%d\n", loc.Path, loc.Line, loc.Column)
		return 0
	}

	coord, p := app.NewPipeline(opts.cfg, logger, nil)

	var (
		rep *report.ProfileReport
		err error
	)
	if opts.csvPath != "" {
		rep, err = p.Load(opts.csvPath)
	} else {
		if cfgErr := coord.Configured(); cfgErr != nil {
			fmt.Fprintln(stderr, cfgErr)
			fmt.Fprintln(stderr, "set APP_PROFILE_COMMAND, pass --command, or give the command as arguments")
			return 2
		}
		rep, err = p.Run(ctx)
	}
	if err != nil {
		return reportError(stderr, err)
	}

	if opts.jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rep); err != nil {
			fmt.Fprintln(stderr, "encode report:", err)
			return 1
		}
	} else if err := printTable(stdout, rep); err != nil {
		fmt.Fprintln(stderr, "print report:", err)
		return 1
	}

	if opts.xlsxPath != "" {
		if err := export.SaveXLSX(opts.xlsxPath, rep); err != nil {
			fmt.Fprintln(stderr, "write workbook:", err)
			return 1
		}
		logger.Info("workbook written", "path", opts.xlsxPath)
	}
	return 0
}

func reportError(w io.Writer, err error) int {
	var (
		cfgErr *runner.ConfigError
		subErr *runner.SubprocessError
	)
	switch {
	case errors.As(err, &cfgErr):
		fmt.Fprintln(w, err)
		return 2
	case errors.As(err, &subErr):
		fmt.Fprintf(w, "nsys %s failed with exit code %d\n", subErr.Phase, subErr.ExitCode)
		if s := strings.TrimSpace(subErr.Stdout); s != "" {
			fmt.Fprintf(w, "--- stdout ---\n%s\n", s)
		}
		if s := strings.TrimSpace(subErr.Stderr); s != "" {
			fmt.Fprintf(w, "--- stderr ---\n%s\n", s)
		}
		if subErr.Err != nil {
			fmt.Fprintln(w, subErr.Err)
		}
		return 1
	default:
		fmt.Fprintln(w, err)
		return 1
	}
}

// printTable writes the report as aligned columns with millisecond values
// to three decimals. Missing values print as "-".
func printTable(w io.Writer, rep *report.ProfileReport) error {
	if rep.InvokedCommand != "" {
		fmt.Fprintf(w, "%s • %s\n", rep.Tool, rep.InvokedCommand)
	}
	if rep.Empty() {
		_, err := fmt.Fprintln(w, "No kernels in the summary.")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "#\tTotal (ms)\tAvg (ms)\tCalls\t  Kernel")
	for i, k := range rep.Kernels {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t  %s\n", i+1, formatMs(k.TotalTimeMs), formatMs(k.AvgTimeMs), formatCalls(k.Calls), k.Name)
	}
	return tw.Flush()
}

func formatMs(v *float64) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatFloat(*v, 'f', 3, 64)
}

func formatCalls(v *int64) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatInt(*v, 10)
}
