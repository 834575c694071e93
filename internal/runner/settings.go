package runner

import (
	"path/filepath"
	"runtime"
	"strings"
)

// WorkspaceToken is substituted with the workspace folder in the cwd template.
const WorkspaceToken = "${workspaceFolder}"

// Defaults for the capture and export invocations. The trace selection and
// export flags are pinned to what nsys 2023.x and later accept.
const (
	DefaultTraceSelection = "cuda,nvtx,osrt"
	DefaultOutputDir      = ".gpuprof"
)

// DefaultExportArgs selects the CUDA kernel summary report as CSV.
var DefaultExportArgs = []string{"--report=cuda_gpu_kern_sum", "--format=csv", "--force-export=true"}

// Settings describe how to profile the target command.
type Settings struct {
	Command         string
	CWD             string
	WorkspaceFolder string
	OutputDir       string
	ToolPath        string
	Shell           string
	ShellArgs       []string
	TraceSelection  string
	ExportArgs      []string
}

// DefaultSettings returns platform-appropriate defaults without a command.
func DefaultSettings() Settings {
	s := Settings{
		CWD:            WorkspaceToken,
		OutputDir:      DefaultOutputDir,
		ToolPath:       "nsys",
		Shell:          "/bin/sh",
		ShellArgs:      []string{"-c"},
		TraceSelection: DefaultTraceSelection,
		ExportArgs:     append([]string(nil), DefaultExportArgs...),
	}
	if runtime.GOOS == "windows" {
		s.ToolPath = "nsys.exe"
		s.Shell = "cmd.exe"
		s.ShellArgs = []string{"/d", "/s", "/c"}
	}
	return s
}

type resolvedSettings struct {
	command   string
	cwd       string
	outputDir string
	toolPath  string
	shell     string
	shellArgs []string
	trace     string
	export    []string
}

func (s Settings) resolve() (resolvedSettings, error) {
	defaults := DefaultSettings()

	command := strings.TrimSpace(s.Command)
	if command == "" {
		return resolvedSettings{}, &ConfigError{Setting: "command", Reason: "no command to profile is configured"}
	}

	workspace := strings.TrimSpace(s.WorkspaceFolder)

	cwd := strings.TrimSpace(s.CWD)
	if cwd == "" {
		cwd = WorkspaceToken
	}
	if strings.Contains(cwd, WorkspaceToken) {
		if workspace == "" {
			return resolvedSettings{}, &ConfigError{Setting: "cwd", Reason: "working directory refers to " + WorkspaceToken + " but no workspace folder is set"}
		}
		cwd = strings.ReplaceAll(cwd, WorkspaceToken, workspace)
	}
	if !filepath.IsAbs(cwd) {
		if workspace != "" {
			cwd = filepath.Join(workspace, cwd)
		}
		abs, err := filepath.Abs(cwd)
		if err != nil {
			return resolvedSettings{}, &ConfigError{Setting: "cwd", Reason: "cannot make path absolute", Err: err}
		}
		cwd = abs
	}

	outputDir := strings.TrimSpace(s.OutputDir)
	if outputDir == "" {
		outputDir = defaults.OutputDir
	}
	if !filepath.IsAbs(outputDir) {
		if workspace == "" {
			return resolvedSettings{}, &ConfigError{Setting: "outputDir", Reason: "relative output directory requires a workspace folder"}
		}
		outputDir = filepath.Join(workspace, outputDir)
	}

	r := resolvedSettings{
		command:   command,
		cwd:       filepath.Clean(cwd),
		outputDir: filepath.Clean(outputDir),
		toolPath:  firstNonEmpty(s.ToolPath, defaults.ToolPath),
		shell:     firstNonEmpty(s.Shell, defaults.Shell),
		shellArgs: s.ShellArgs,
		trace:     firstNonEmpty(s.TraceSelection, defaults.TraceSelection),
		export:    s.ExportArgs,
	}
	if len(r.shellArgs) == 0 {
		args, ok := shellArgsFor(r.shell)
		if !ok {
			return resolvedSettings{}, &ConfigError{Setting: "shellArgs", Reason: "no default arguments for shell " + r.shell + "; set them explicitly"}
		}
		r.shellArgs = args
	}
	if len(r.export) == 0 {
		r.export = defaults.ExportArgs
	}
	return r, nil
}

// shellArgsFor returns the arguments that make a known shell run a single
// command string.
func shellArgsFor(shell string) ([]string, bool) {
	name := strings.ToLower(filepath.Base(strings.ReplaceAll(shell, `\`, "/")))
	name = strings.TrimSuffix(name, ".exe")
	switch name {
	case "sh", "bash", "dash", "zsh", "ksh", "ash", "fish":
		return []string{"-c"}, true
	case "cmd":
		return []string{"/d", "/s", "/c"}, true
	case "powershell", "pwsh":
		return []string{"-NoProfile", "-Command"}, true
	default:
		return nil, false
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
