package api

import (
	"context"
	"errors"
	"time"

	"github.com/skobkin/gpuprof-web/internal/artifacts"
	"github.com/skobkin/gpuprof-web/internal/gpu"
	"github.com/skobkin/gpuprof-web/internal/profiler"
	"github.com/skobkin/gpuprof-web/internal/report"
	"github.com/skobkin/gpuprof-web/internal/runner"
	"github.com/skobkin/gpuprof-web/internal/sourcenav"
	"github.com/skobkin/gpuprof-web/internal/version"
)

// Error kinds reported to clients.
const (
	ErrorKindConfig     = "config"
	ErrorKindSubprocess = "subprocess"
	ErrorKindArtifact   = "artifact_not_found"
	ErrorKindCanceled   = "canceled"
	ErrorKindInternal   = "internal"
)

// HelloMessage is the initial payload sent on WebSocket connection.
type HelloMessage struct {
	Type     string          `json:"type"`
	Version  version.Info    `json:"version"`
	Devices  []gpu.Device    `json:"devices"`
	Features map[string]bool `json:"features"`
	State    runner.State    `json:"state"`
}

// NewHelloMessage constructs a hello payload.
func NewHelloMessage(devices []gpu.Device, features map[string]bool, state runner.State) HelloMessage {
	if devices == nil {
		devices = []gpu.Device{}
	}
	return HelloMessage{
		Type:     "hello",
		Version:  version.Current(),
		Devices:  devices,
		Features: features,
		State:    state,
	}
}

// ReportMessage carries a complete profile report.
type ReportMessage struct {
	Type   string                `json:"type"`
	Report *report.ProfileReport `json:"report"`
}

// RunStatusMessage announces a run phase change.
type RunStatusMessage struct {
	Type  string       `json:"type"`
	RunID string       `json:"run_id,omitempty"`
	State runner.State `json:"state"`
	At    time.Time    `json:"at"`
}

// RunFailedMessage carries the diagnostics of a failed run.
type RunFailedMessage struct {
	Type  string    `json:"type"`
	RunID string    `json:"run_id,omitempty"`
	Error RunError  `json:"error"`
	At    time.Time `json:"at"`
}

// RunAcceptedMessage acknowledges a run request.
type RunAcceptedMessage struct {
	Type    string `json:"type"`
	Started bool   `json:"started"`
}

// WarningMessage is a non-blocking notice, such as an empty report.
type WarningMessage struct {
	Type    string `json:"type"`
	RunID   string `json:"run_id,omitempty"`
	Message string `json:"message"`
}

// ErrorMessage communicates an error condition to the client.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ClientMessage is a generic envelope used for decoding inbound client messages.
type ClientMessage struct {
	Type string `json:"type"`
}

// LocateMessage asks for the source location of a kernel.
type LocateMessage struct {
	Type   string `json:"type"`
	Kernel string `json:"kernel"`
}

// LocationMessage answers a LocateMessage.
type LocationMessage struct {
	Type   string `json:"type"`
	Kernel string `json:"kernel"`
	sourcenav.Location
}

// PongMessage is the response to a ping.
type PongMessage struct {
	Type string `json:"type"`
}

// RunError is the transport form of a run failure. Output from the
// profiler is passed through verbatim.
type RunError struct {
	Kind     string   `json:"kind"`
	Message  string   `json:"message"`
	Setting  string   `json:"setting,omitempty"`
	Phase    string   `json:"phase,omitempty"`
	ExitCode *int     `json:"exit_code,omitempty"`
	Stdout   string   `json:"stdout,omitempty"`
	Stderr   string   `json:"stderr,omitempty"`
	Dir      string   `json:"dir,omitempty"`
	Files    []string `json:"files,omitempty"`
}

// NewRunError classifies err.
func NewRunError(err error) RunError {
	if err == nil {
		return RunError{Kind: ErrorKindInternal}
	}
	out := RunError{Kind: ErrorKindInternal, Message: err.Error()}

	var (
		cfgErr *runner.ConfigError
		subErr *runner.SubprocessError
		nfErr  *artifacts.NotFoundError
	)
	switch {
	case errors.As(err, &cfgErr):
		out.Kind = ErrorKindConfig
		out.Setting = cfgErr.Setting
	case errors.As(err, &subErr):
		out.Kind = ErrorKindSubprocess
		out.Phase = string(subErr.Phase)
		code := subErr.ExitCode
		out.ExitCode = &code
		out.Stdout = subErr.Stdout
		out.Stderr = subErr.Stderr
	case errors.As(err, &nfErr):
		out.Kind = ErrorKindArtifact
		out.Dir = nfErr.Dir
		out.Files = nfErr.Files
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		out.Kind = ErrorKindCanceled
	}
	return out
}

// FromEvent converts a manager event to its wire message.
func FromEvent(ev profiler.Event) any {
	switch ev.Type {
	case profiler.EventReport:
		return ReportMessage{Type: string(ev.Type), Report: ev.Report}
	case profiler.EventRunFailed:
		return RunFailedMessage{Type: string(ev.Type), RunID: ev.RunID, Error: NewRunError(ev.Err), At: ev.At}
	case profiler.EventWarning:
		return WarningMessage{Type: string(ev.Type), RunID: ev.RunID, Message: ev.Message}
	default:
		return RunStatusMessage{Type: string(ev.Type), RunID: ev.RunID, State: ev.State, At: ev.At}
	}
}
