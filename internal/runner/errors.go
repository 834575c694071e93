package runner

import (
	"fmt"
	"strings"
)

// ConfigError reports a missing or unusable setting. Runs that hit it never start.
type ConfigError struct {
	Setting string
	Reason  string
	Err     error
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("configuration error: %s: %s", e.Setting, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Phase names an external tool invocation within a run.
type Phase string

const (
	PhaseCapture Phase = "profile"
	PhaseExport  Phase = "stats"
)

// SubprocessError reports an external tool invocation that failed to start
// or exited non-zero. Output is kept verbatim for diagnosis.
type SubprocessError struct {
	Phase    Phase
	Path     string
	Args     []string
	ExitCode int
	Stdout   string
	Stderr   string
	Err      error
}

func (e *SubprocessError) Error() string {
	var b strings.Builder
	if e.Err != nil {
		fmt.Fprintf(&b, "%s %s could not run: %v", e.Path, e.Phase, e.Err)
	} else {
		fmt.Fprintf(&b, "%s %s failed (exit code %d)", e.Path, e.Phase, e.ExitCode)
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		b.WriteString(". stderr: ")
		b.WriteString(s)
	}
	if s := strings.TrimSpace(e.Stdout); s != "" {
		b.WriteString(". stdout: ")
		b.WriteString(s)
	}
	return b.String()
}

func (e *SubprocessError) Unwrap() error {
	return e.Err
}

func checkResult(phase Phase, cmd Command, res Result, err error) error {
	if err == nil && res.ExitCode == 0 {
		return nil
	}
	return &SubprocessError{
		Phase:    phase,
		Path:     cmd.Path,
		Args:     cmd.Args,
		ExitCode: res.ExitCode,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		Err:      err,
	}
}
