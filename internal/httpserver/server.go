package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"strings"
	"sync/atomic"
	"time"

	"github.com/skobkin/gpuprof-web/internal/api"
	"github.com/skobkin/gpuprof-web/internal/config"
	"github.com/skobkin/gpuprof-web/internal/export"
	"github.com/skobkin/gpuprof-web/internal/gpu"
	"github.com/skobkin/gpuprof-web/internal/pipeline"
	"github.com/skobkin/gpuprof-web/internal/profiler"
	"github.com/skobkin/gpuprof-web/internal/report"
	"github.com/skobkin/gpuprof-web/internal/runner"
	"github.com/skobkin/gpuprof-web/internal/sourcenav"
	"github.com/skobkin/gpuprof-web/internal/version"
)

const (
	readHeaderTimeout = 5 * time.Second
	wsSendQueueSize   = 16
	locateTimeout     = 10 * time.Second
)

// Reports produces and caches profile reports.
type Reports interface {
	Run(ctx context.Context) (*report.ProfileReport, error)
	Trigger() bool
	Running() bool
	Reload(ctx context.Context) (*report.ProfileReport, error)
	Latest() (*report.ProfileReport, bool)
	Subscribe() (<-chan profiler.Event, func())
	Stats() profiler.Stats
}

// RunStatus exposes the run state machine.
type RunStatus interface {
	State() runner.State
	LastError() error
	Configured() error
}

// SourceLocator maps kernel names to source positions.
type SourceLocator interface {
	Find(ctx context.Context, kernel string) (sourcenav.Location, error)
}

// Deps are the services the HTTP surface exposes. Sources may be nil.
type Deps struct {
	Reports Reports
	Runs    RunStatus
	Sources SourceLocator
	Devices []gpu.Device
}

// Server wraps the HTTP surface area of the application.
type Server struct {
	cfg        config.Config
	logger     *slog.Logger
	httpServer *http.Server
	reports    Reports
	runs       RunStatus
	sources    SourceLocator
	devices    []gpu.Device

	maxWSClients int64
	wsActive     atomic.Int64
	wsTotal      atomic.Uint64
	wsRejected   atomic.Uint64
	wsSent       atomic.Uint64
	wsDropped    atomic.Uint64
	wsConnIDs    atomic.Uint64
	requestIDs   atomic.Uint64
}

// New assembles a Server with its handlers.
func New(cfg config.Config, logger *slog.Logger, deps Deps) *Server {
	s := &Server{
		cfg:     cfg,
		logger:  logger,
		reports: deps.Reports,
		runs:    deps.Runs,
		sources: deps.Sources,
		devices: deps.Devices,
	}

	if cfg.WS.MaxClients > 0 {
		s.maxWSClients = int64(cfg.WS.MaxClients)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.HandleFunc("/api/readyz", s.handleReadyz)
	mux.HandleFunc("/version", s.handleVersion)
	mux.HandleFunc("/api/version", s.handleVersion)
	mux.HandleFunc("/api", s.handleAPIDocs)
	mux.HandleFunc("/api/", s.handleAPIDocs)
	mux.HandleFunc("/api/gpus", s.handleAPIGPUs)
	mux.HandleFunc("/api/report", s.handleReport)
	mux.HandleFunc("/api/report.xlsx", s.handleReportXLSX)
	mux.HandleFunc("/api/report/reload", s.handleReportReload)
	mux.HandleFunc("/api/runs", s.handleRuns)
	mux.HandleFunc("/api/source", s.handleSource)
	mux.HandleFunc("/ws", s.handleWS)
	mux.Handle("/", s.staticHandler())

	if cfg.EnablePrometheus {
		s.registerPrometheus(mux)
	}
	if cfg.EnablePprof {
		registerPprof(mux)
	}

	handler := s.withRequestLogging(mux)

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return s
}

// Start begins serving HTTP until shutdown is requested.
func (s *Server) Start() error {
	s.logger.Info("listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("listener stopped")
	return nil
}

// Shutdown attempts a graceful shutdown within the supplied context.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func allowMethods(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	w.Header().Set("Allow", strings.Join(methods, ", "))
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	return false
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}

	info := s.readiness()
	statusCode := http.StatusOK
	if info.Status != "ok" {
		statusCode = http.StatusServiceUnavailable
	}
	s.writeJSON(w, r, statusCode, info)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	s.writeJSON(w, r, http.StatusOK, version.Current())
}

func (s *Server) handleAPIDocs(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}

	if r.URL.Path != "/api" && r.URL.Path != "/api/" {
		http.NotFound(w, r)
		return
	}

	logger := s.loggerFromContext(r.Context())
	data, err := embeddedAssets.ReadFile("assets/api.html")
	if err != nil {
		logger.Error("failed to read api docs asset", "err", err)
		http.Error(w, "missing api docs", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := w.Write(data); err != nil {
		logger.Warn("failed to write api docs response", "err", err)
	}
}

func (s *Server) handleAPIGPUs(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	devices := s.devices
	if devices == nil {
		devices = []gpu.Device{}
	}
	s.writeJSON(w, r, http.StatusOK, devices)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	rep, ok := s.reports.Latest()
	if !ok {
		s.writeJSON(w, r, http.StatusNotFound, api.ErrorMessage{Type: "error", Message: "no report available"})
		return
	}
	s.writeJSON(w, r, http.StatusOK, rep)
}

func (s *Server) handleReportXLSX(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	rep, ok := s.reports.Latest()
	if !ok {
		http.Error(w, "no report available", http.StatusNotFound)
		return
	}

	var buf bytes.Buffer
	if err := export.WriteXLSX(&buf, rep); err != nil {
		s.loggerFromContext(r.Context()).Error("failed to render workbook", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	name := "kernels.xlsx"
	if rep.RunID != "" {
		name = "kernels-" + rep.RunID + ".xlsx"
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) handleReportReload(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodPost) {
		return
	}
	rep, err := s.reports.Reload(r.Context())
	if err != nil {
		if errors.Is(err, pipeline.ErrNoPreviousRun) {
			s.writeJSON(w, r, http.StatusNotFound, api.ErrorMessage{Type: "error", Message: err.Error()})
			return
		}
		s.writeRunError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, rep)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet, http.MethodPost) {
		return
	}

	if r.Method == http.MethodGet {
		s.writeJSON(w, r, http.StatusOK, s.runStatus())
		return
	}

	if err := s.runs.Configured(); err != nil {
		s.writeRunError(w, r, err)
		return
	}

	if wait := r.URL.Query().Get("wait"); wait == "1" || wait == "true" {
		rep, err := s.reports.Run(r.Context())
		if err != nil {
			s.writeRunError(w, r, err)
			return
		}
		s.writeJSON(w, r, http.StatusOK, rep)
		return
	}

	started := s.reports.Trigger()
	s.writeJSON(w, r, http.StatusAccepted, api.RunAcceptedMessage{Type: "run_accepted", Started: started})
}

func (s *Server) handleSource(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	if s.sources == nil {
		http.Error(w, "source navigation unavailable", http.StatusServiceUnavailable)
		return
	}
	kernel := strings.TrimSpace(r.URL.Query().Get("kernel"))
	if kernel == "" {
		s.writeJSON(w, r, http.StatusBadRequest, api.ErrorMessage{Type: "error", Message: "kernel parameter is required"})
		return
	}

	loc, err := s.sources.Find(r.Context(), kernel)
	switch {
	case errors.Is(err, sourcenav.ErrNotFound):
		s.writeJSON(w, r, http.StatusNotFound, api.ErrorMessage{Type: "error", Message: "no call site found for kernel " + kernel})
	case err != nil:
		s.loggerFromContext(r.Context()).Warn("source lookup failed", "kernel", kernel, "err", err)
		s.writeJSON(w, r, http.StatusInternalServerError, api.ErrorMessage{Type: "error", Message: err.Error()})
	default:
		s.writeJSON(w, r, http.StatusOK, api.LocationMessage{Type: "location", Kernel: kernel, Location: loc})
	}
}

func (s *Server) writeRunError(w http.ResponseWriter, r *http.Request, err error) {
	payload := api.NewRunError(err)
	status := http.StatusInternalServerError
	switch payload.Kind {
	case api.ErrorKindConfig:
		status = http.StatusBadRequest
	case api.ErrorKindSubprocess:
		status = http.StatusBadGateway
	case api.ErrorKindCanceled:
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, r, status, api.RunFailedMessage{Type: "run_failed", Error: payload, At: time.Now()})
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.loggerFromContext(r.Context()).Error("failed to encode response", "err", err)
	}
}

func registerPprof(mux *http.ServeMux) {
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
}

func originPatterns(origins []string) []string {
	for _, origin := range origins {
		if origin == "*" {
			return nil
		}
	}
	dst := make([]string, len(origins))
	copy(dst, origins)
	return dst
}

func (s *Server) readiness() readyResponse {
	_, hasReport := s.reports.Latest()
	resp := readyResponse{
		State:     s.runs.State(),
		HasReport: hasReport,
	}

	if err := s.runs.Configured(); err != nil {
		resp.Status = "degraded"
		resp.Reason = "profile_not_configured"
		return resp
	}

	resp.Status = "ok"
	return resp
}

type readyResponse struct {
	Status    string       `json:"status"`
	State     runner.State `json:"state"`
	HasReport bool         `json:"has_report"`
	Reason    string       `json:"reason,omitempty"`
}

func (s *Server) runStatus() runStatusResponse {
	resp := runStatusResponse{
		State:   s.runs.State(),
		Running: s.reports.Running() || s.runs.State().Running(),
	}
	if err := s.runs.Configured(); err != nil {
		resp.ConfigError = err.Error()
	} else {
		resp.Configured = true
	}
	if err := s.runs.LastError(); err != nil {
		runErr := api.NewRunError(err)
		resp.LastError = &runErr
	}
	if rep, ok := s.reports.Latest(); ok {
		resp.LastRunID = rep.RunID
		resp.LastReportAt = rep.GeneratedAt
	}
	return resp
}

type runStatusResponse struct {
	State        runner.State  `json:"state"`
	Running      bool          `json:"running"`
	Configured   bool          `json:"configured"`
	ConfigError  string        `json:"config_error,omitempty"`
	LastError    *api.RunError `json:"last_error,omitempty"`
	LastRunID    string        `json:"last_run_id,omitempty"`
	LastReportAt time.Time     `json:"last_report_at,omitzero"`
}
