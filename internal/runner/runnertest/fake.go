// Package runnertest provides a scripted stand-in for the nsys binary.
package runnertest

import (
	"context"
	"os"
	"sync"

	"github.com/skobkin/gpuprof-web/internal/runner"
)

// KernelSummaryCSV is a minimal cuda_gpu_kern_sum export with one kernel.
const KernelSummaryCSV = "Time (%),Total Time (ns),Instances,Avg (ns),Name\n" +
	"50.0,10000000,4,2500000,\"matmulKernel\"\n"

// FakeNsys emulates `nsys profile` and `nsys stats` by writing the files the
// real tool would produce next to the -o prefix it is given.
type FakeNsys struct {
	CSV           string
	CSVSuffix     string
	TraceExt      string
	CaptureExit   int
	CaptureStdout string
	CaptureStderr string
	ExportExit    int
	ExportStderr  string
	SkipTrace     bool
	SkipCSV       bool
	// Gate, when set, blocks every capture until it is closed.
	Gate chan struct{}
	// CaptureStarted, when set, receives a value as each capture begins.
	CaptureStarted chan struct{}

	mu       sync.Mutex
	captures int
	exports  int
	commands []runner.Command
}

// NewFakeNsys returns a fake that succeeds and exports KernelSummaryCSV.
func NewFakeNsys() *FakeNsys {
	return &FakeNsys{CSV: KernelSummaryCSV}
}

// Execute implements runner.Executor.
func (f *FakeNsys) Execute(_ context.Context, cmd runner.Command) (runner.Result, error) {
	f.mu.Lock()
	f.commands = append(f.commands, cmd)
	f.mu.Unlock()

	if len(cmd.Args) == 0 {
		return runner.Result{ExitCode: 2, Stderr: "missing subcommand"}, nil
	}

	switch cmd.Args[0] {
	case "profile":
		f.mu.Lock()
		f.captures++
		f.mu.Unlock()

		if f.CaptureStarted != nil {
			select {
			case f.CaptureStarted <- struct{}{}:
			default:
			}
		}
		if f.Gate != nil {
			<-f.Gate
		}
		if f.CaptureExit != 0 {
			return runner.Result{ExitCode: f.CaptureExit, Stdout: f.CaptureStdout, Stderr: f.CaptureStderr}, nil
		}
		if !f.SkipTrace {
			ext := f.TraceExt
			if ext == "" {
				ext = ".nsys-rep"
			}
			if err := os.WriteFile(OutputPrefix(cmd.Args)+ext, []byte("trace"), 0o600); err != nil {
				return runner.Result{ExitCode: 1, Stderr: err.Error()}, nil
			}
		}
		return runner.Result{Stdout: f.CaptureStdout}, nil
	case "stats":
		f.mu.Lock()
		f.exports++
		f.mu.Unlock()

		if f.ExportExit != 0 {
			return runner.Result{ExitCode: f.ExportExit, Stderr: f.ExportStderr}, nil
		}
		if !f.SkipCSV {
			suffix := f.CSVSuffix
			if suffix == "" {
				suffix = "_cuda_gpu_kern_sum.csv"
			}
			if err := os.WriteFile(OutputPrefix(cmd.Args)+suffix, []byte(f.CSV), 0o600); err != nil {
				return runner.Result{ExitCode: 1, Stderr: err.Error()}, nil
			}
		}
		return runner.Result{}, nil
	default:
		return runner.Result{ExitCode: 2, Stderr: "unknown subcommand " + cmd.Args[0]}, nil
	}
}

// Captures returns the number of profile invocations.
func (f *FakeNsys) Captures() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.captures
}

// Exports returns the number of stats invocations.
func (f *FakeNsys) Exports() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exports
}

// Commands returns every command received so far.
func (f *FakeNsys) Commands() []runner.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]runner.Command, len(f.commands))
	copy(out, f.commands)
	return out
}

// OutputPrefix returns the value following -o in args.
func OutputPrefix(args []string) string {
	for i := 0; i+1 < len(args); i++ {
		if args[i] == "-o" {
			return args[i+1]
		}
	}
	return ""
}
