package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/xuri/excelize/v2"

	"github.com/skobkin/gpuprof-web/internal/api"
	"github.com/skobkin/gpuprof-web/internal/artifacts"
	"github.com/skobkin/gpuprof-web/internal/config"
	"github.com/skobkin/gpuprof-web/internal/export"
	"github.com/skobkin/gpuprof-web/internal/gpu"
	"github.com/skobkin/gpuprof-web/internal/pipeline"
	"github.com/skobkin/gpuprof-web/internal/profiler"
	"github.com/skobkin/gpuprof-web/internal/report"
	"github.com/skobkin/gpuprof-web/internal/runner"
	"github.com/skobkin/gpuprof-web/internal/runner/runnertest"
	"github.com/skobkin/gpuprof-web/internal/sourcenav"
	"github.com/skobkin/gpuprof-web/internal/version"
)

const kernelSource = `#include <cuda_runtime.h>

__global__ void matmulKernel(float *a, float *b) {}

int main() {
  matmulKernel<<<1, 1>>>(nullptr, nullptr);
}
`

func TestHealthzOK(t *testing.T) {
	t.Parallel()

	stack := newTestStack(t, "./app", runnertest.NewFakeNsys())

	for _, path := range []string{"/healthz", "/api/healthz"} {
		resp, err := http.Get(stack.ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s failed: %v", path, err)
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			t.Fatalf("read body: %v", err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected status 200 for %s, got %d", path, resp.StatusCode)
		}
		if strings.TrimSpace(string(body)) != `{"status":"ok"}` {
			t.Fatalf("unexpected body %q", string(body))
		}
	}
}

func TestReadyzStates(t *testing.T) {
	t.Parallel()

	unconfigured := newTestStack(t, "", runnertest.NewFakeNsys())
	assertReadyz(t, unconfigured.ts.URL+"/readyz", http.StatusServiceUnavailable, "degraded", "profile_not_configured")
	assertReadyz(t, unconfigured.ts.URL+"/api/readyz", http.StatusServiceUnavailable, "degraded", "profile_not_configured")

	configured := newTestStack(t, "./app", runnertest.NewFakeNsys())
	assertReadyz(t, configured.ts.URL+"/readyz", http.StatusOK, "ok", "")
}

func TestVersionEndpoint(t *testing.T) {
	t.Parallel()

	version.Set(version.Info{Version: "v0.0.1", Commit: "abc123", BuildTime: "now"})

	stack := newTestStack(t, "./app", runnertest.NewFakeNsys())

	var info version.Info
	getJSON(t, stack.ts.URL+"/api/version", http.StatusOK, &info)
	if info.Version != "v0.0.1" || info.Commit != "abc123" || info.BuildTime != "now" {
		t.Fatalf("unexpected version payload %+v", info)
	}
}

func TestStaticIndexServed(t *testing.T) {
	t.Parallel()

	stack := newTestStack(t, "./app", runnertest.NewFakeNsys())

	resp, err := http.Get(stack.ts.URL + "/")
	if err != nil {
		t.Fatalf("GET / failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Cache-Control") != "no-cache" {
		t.Fatalf("expected no-cache for index, got %q", resp.Header.Get("Cache-Control"))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(body), "<title>gpuprof") {
		t.Fatalf("viewer markup missing from response body")
	}

	missing, err := http.Get(stack.ts.URL + "/nope.js")
	if err != nil {
		t.Fatalf("GET /nope.js failed: %v", err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown asset, got %d", missing.StatusCode)
	}
}

func TestAPIDocsServed(t *testing.T) {
	t.Parallel()

	stack := newTestStack(t, "./app", runnertest.NewFakeNsys())

	resp, err := http.Get(stack.ts.URL + "/api")
	if err != nil {
		t.Fatalf("GET /api failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "/api/report.xlsx") {
		t.Fatalf("api docs do not mention the workbook endpoint")
	}
}

func TestAPIGPUs(t *testing.T) {
	t.Parallel()

	stack := newTestStack(t, "./app", runnertest.NewFakeNsys())

	var payload []gpu.Device
	getJSON(t, stack.ts.URL+"/api/gpus", http.StatusOK, &payload)
	if len(payload) != 1 || payload[0].Card != "card0" || payload[0].VendorID != gpu.VendorNVIDIA {
		t.Fatalf("unexpected gpu payload %+v", payload)
	}
}

func TestReportLifecycle(t *testing.T) {
	t.Parallel()

	stack := newTestStack(t, "./app", runnertest.NewFakeNsys())

	var missing api.ErrorMessage
	getJSON(t, stack.ts.URL+"/api/report", http.StatusNotFound, &missing)
	if missing.Type != "error" {
		t.Fatalf("unexpected 404 payload %+v", missing)
	}

	var rep report.ProfileReport
	postJSON(t, stack.ts.URL+"/api/runs?wait=true", http.StatusOK, &rep)
	assertMatmulReport(t, &rep)
	if rep.InvokedCommand != "./app" || rep.WorkingDirectory != stack.workspace {
		t.Fatalf("unexpected run metadata %+v", rep)
	}

	var latest report.ProfileReport
	getJSON(t, stack.ts.URL+"/api/report", http.StatusOK, &latest)
	if latest.RunID != rep.RunID {
		t.Fatalf("latest report %q does not match run %q", latest.RunID, rep.RunID)
	}

	var status runStatusResponse
	getJSON(t, stack.ts.URL+"/api/runs", http.StatusOK, &status)
	if status.State != runner.StateCompleted || !status.Configured || status.LastError != nil {
		t.Fatalf("unexpected run status %+v", status)
	}
	if status.LastRunID != rep.RunID || status.LastReportAt.IsZero() {
		t.Fatalf("run status does not reference the report: %+v", status)
	}

	if got := stack.fake.Captures(); got != 1 {
		t.Fatalf("expected a single capture, got %d", got)
	}
}

func TestRunFailureReportsSubprocessOutput(t *testing.T) {
	t.Parallel()

	fake := runnertest.NewFakeNsys()
	fake.CaptureExit = 1
	fake.CaptureStderr = "Illegal --trace argument 'cuda,foo'"
	stack := newTestStack(t, "./app", fake)

	var failed api.RunFailedMessage
	postJSON(t, stack.ts.URL+"/api/runs?wait=1", http.StatusBadGateway, &failed)
	if failed.Type != "run_failed" || failed.Error.Kind != api.ErrorKindSubprocess {
		t.Fatalf("unexpected failure payload %+v", failed)
	}
	if failed.Error.Phase != string(runner.PhaseCapture) || failed.Error.ExitCode == nil || *failed.Error.ExitCode != 1 {
		t.Fatalf("unexpected subprocess details %+v", failed.Error)
	}
	if failed.Error.Stderr != fake.CaptureStderr {
		t.Fatalf("stderr not passed through: %q", failed.Error.Stderr)
	}

	var status runStatusResponse
	getJSON(t, stack.ts.URL+"/api/runs", http.StatusOK, &status)
	if status.State != runner.StateFailed || status.LastError == nil || status.LastError.Kind != api.ErrorKindSubprocess {
		t.Fatalf("unexpected run status %+v", status)
	}

	resp, err := http.Get(stack.ts.URL + "/api/report")
	if err != nil {
		t.Fatalf("GET /api/report failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("failed run must not publish a report, got %d", resp.StatusCode)
	}
}

func TestRunMissingCSV(t *testing.T) {
	t.Parallel()

	fake := runnertest.NewFakeNsys()
	fake.SkipCSV = true
	stack := newTestStack(t, "./app", fake)

	var failed api.RunFailedMessage
	postJSON(t, stack.ts.URL+"/api/runs?wait=true", http.StatusInternalServerError, &failed)
	if failed.Error.Kind != api.ErrorKindArtifact || failed.Error.Dir == "" {
		t.Fatalf("unexpected failure payload %+v", failed.Error)
	}
}

func TestRunWithoutCommand(t *testing.T) {
	t.Parallel()

	stack := newTestStack(t, "", runnertest.NewFakeNsys())

	var failed api.RunFailedMessage
	postJSON(t, stack.ts.URL+"/api/runs", http.StatusBadRequest, &failed)
	if failed.Error.Kind != api.ErrorKindConfig || failed.Error.Setting != "command" {
		t.Fatalf("unexpected config failure %+v", failed.Error)
	}
	if stack.fake.Captures() != 0 {
		t.Fatalf("nsys must not be invoked without a command")
	}

	var status runStatusResponse
	getJSON(t, stack.ts.URL+"/api/runs", http.StatusOK, &status)
	if status.Configured || status.ConfigError == "" || status.State != runner.StateIdle {
		t.Fatalf("unexpected run status %+v", status)
	}
}

func TestRunAsync(t *testing.T) {
	t.Parallel()

	fake := runnertest.NewFakeNsys()
	fake.Gate = make(chan struct{})
	fake.CaptureStarted = make(chan struct{}, 1)
	stack := newTestStack(t, "./app", fake)

	var accepted api.RunAcceptedMessage
	postJSON(t, stack.ts.URL+"/api/runs", http.StatusAccepted, &accepted)
	if accepted.Type != "run_accepted" || !accepted.Started {
		t.Fatalf("unexpected acceptance %+v", accepted)
	}

	select {
	case <-fake.CaptureStarted:
	case <-time.After(2 * time.Second):
		t.Fatalf("capture did not start")
	}

	var again api.RunAcceptedMessage
	postJSON(t, stack.ts.URL+"/api/runs", http.StatusAccepted, &again)
	if again.Started {
		t.Fatalf("second trigger should join the run in progress")
	}

	var status runStatusResponse
	getJSON(t, stack.ts.URL+"/api/runs", http.StatusOK, &status)
	if !status.Running || status.State != runner.StateCapturing {
		t.Fatalf("expected capturing status, got %+v", status)
	}

	close(fake.Gate)
	waitFor(t, 2*time.Second, func() bool {
		_, ok := stack.manager.Latest()
		return ok
	})
	if fake.Captures() != 1 {
		t.Fatalf("expected one capture, got %d", fake.Captures())
	}
}

func TestReportReload(t *testing.T) {
	t.Parallel()

	stack := newTestStack(t, "./app", runnertest.NewFakeNsys())

	var none api.ErrorMessage
	postJSON(t, stack.ts.URL+"/api/report/reload", http.StatusNotFound, &none)

	var rep report.ProfileReport
	postJSON(t, stack.ts.URL+"/api/runs?wait=true", http.StatusOK, &rep)

	updated := "Time (%),Total Time (ns),Instances,Avg (ns),Name\n" +
		"60.0,6000000,3,2000000,\"matmulKernel\"\n" +
		"40.0,4000000,2,2000000,\"reduceKernel\"\n"
	if err := os.WriteFile(rep.CSVPath, []byte(updated), 0o600); err != nil {
		t.Fatalf("rewrite csv: %v", err)
	}

	var reloaded report.ProfileReport
	postJSON(t, stack.ts.URL+"/api/report/reload", http.StatusOK, &reloaded)
	if len(reloaded.Kernels) != 2 || reloaded.Kernels[1].Name != "reduceKernel" {
		t.Fatalf("reload did not pick up the new csv: %+v", reloaded.Kernels)
	}
	if reloaded.RunID != rep.RunID {
		t.Fatalf("reload should keep run id %q, got %q", rep.RunID, reloaded.RunID)
	}
	if stack.fake.Captures() != 1 {
		t.Fatalf("reload must not profile again")
	}
}

func TestReportWorkbook(t *testing.T) {
	t.Parallel()

	stack := newTestStack(t, "./app", runnertest.NewFakeNsys())

	resp, err := http.Get(stack.ts.URL + "/api/report.xlsx")
	if err != nil {
		t.Fatalf("GET /api/report.xlsx failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 before the first run, got %d", resp.StatusCode)
	}

	var rep report.ProfileReport
	postJSON(t, stack.ts.URL+"/api/runs?wait=true", http.StatusOK, &rep)

	resp, err = http.Get(stack.ts.URL + "/api/report.xlsx")
	if err != nil {
		t.Fatalf("GET /api/report.xlsx failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.Contains(cd, "kernels-"+rep.RunID+".xlsx") {
		t.Fatalf("unexpected content disposition %q", cd)
	}

	book, err := excelize.OpenReader(resp.Body)
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	defer book.Close()

	rows, err := book.GetRows(export.KernelSheet)
	if err != nil {
		t.Fatalf("read kernel sheet: %v", err)
	}
	if len(rows) != 2 || rows[1][0] != "matmulKernel" {
		t.Fatalf("unexpected kernel rows %v", rows)
	}
}

func TestSourceLookup(t *testing.T) {
	t.Parallel()

	stack := newTestStack(t, "./app", runnertest.NewFakeNsys())

	var bad api.ErrorMessage
	getJSON(t, stack.ts.URL+"/api/source", http.StatusBadRequest, &bad)

	var notFound api.ErrorMessage
	getJSON(t, stack.ts.URL+"/api/source?kernel=missingKernel", http.StatusNotFound, &notFound)

	var loc api.LocationMessage
	getJSON(t, stack.ts.URL+"/api/source?kernel="+url.QueryEscape("matmulKernel(float*, float*)"), http.StatusOK, &loc)
	if loc.Path != filepath.Join(stack.workspace, "src", "main.cu") {
		t.Fatalf("unexpected path %q", loc.Path)
	}
	if loc.Line != 6 || loc.Column != 3 || loc.Pattern != "matmulKernel<<<" {
		t.Fatalf("unexpected location %+v", loc.Location)
	}
}

func TestPrometheusExposesKernels(t *testing.T) {
	t.Parallel()

	stack := newTestStack(t, "./app", runnertest.NewFakeNsys())

	var rep report.ProfileReport
	postJSON(t, stack.ts.URL+"/api/runs?wait=true", http.StatusOK, &rep)

	resp, err := http.Get(stack.ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}

	for _, want := range []string{
		`gpuprof_kernel_total_time_ms{kernel="matmulKernel"} 10`,
		`gpuprof_kernel_calls{kernel="matmulKernel"} 4`,
		`gpuprof_runs_total{outcome="completed"} 1`,
		`gpuprof_runs_total{outcome="failed"} 0`,
		`gpuprof_report_kernels 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}

func TestMethodNotAllowed(t *testing.T) {
	t.Parallel()

	stack := newTestStack(t, "./app", runnertest.NewFakeNsys())

	testCases := []struct {
		method string
		path   string
	}{
		{http.MethodDelete, "/api/report"},
		{http.MethodGet, "/api/report/reload"},
		{http.MethodPut, "/api/runs"},
		{http.MethodPost, "/healthz"},
		{http.MethodPost, "/"},
	}
	for _, tc := range testCases {
		req, err := http.NewRequest(tc.method, stack.ts.URL+tc.path, nil)
		if err != nil {
			t.Fatalf("new request: %v", err)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("%s %s failed: %v", tc.method, tc.path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusMethodNotAllowed {
			t.Fatalf("%s %s: expected 405, got %d", tc.method, tc.path, resp.StatusCode)
		}
		if resp.Header.Get("Allow") == "" {
			t.Fatalf("%s %s: Allow header missing", tc.method, tc.path)
		}
	}
}

func TestRequestIDEchoed(t *testing.T) {
	t.Parallel()

	stack := newTestStack(t, "./app", runnertest.NewFakeNsys())

	req, err := http.NewRequest(http.MethodGet, stack.ts.URL+"/healthz", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set(requestIDHeader, "abc-123")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /healthz failed: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get(requestIDHeader); got != "abc-123" {
		t.Fatalf("expected request id to be echoed, got %q", got)
	}
}

func TestWebSocketRunFlow(t *testing.T) {
	t.Parallel()

	stack := newTestStack(t, "./app", runnertest.NewFakeNsys())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, toWebsocketURL(stack.ts.URL+"/ws"), nil)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	hello := readMessage(t, ctx, conn)
	if hello["type"] != "hello" || hello["state"] != "idle" {
		t.Fatalf("unexpected hello %v", hello)
	}
	features, ok := hello["features"].(map[string]any)
	if !ok || features["source"] != true || features["xlsx"] != true {
		t.Fatalf("unexpected features %v", hello["features"])
	}

	writeMessage(t, ctx, conn, `{"type":"ping"}`)
	if pong := readMessage(t, ctx, conn); pong["type"] != "pong" {
		t.Fatalf("expected pong, got %v", pong)
	}

	writeMessage(t, ctx, conn, `{"type":"run"}`)
	seen := map[string]bool{}
	var msg map[string]any
	for msg == nil || msg["type"] != "report" {
		msg = readMessage(t, ctx, conn)
		seen[msg["type"].(string)] = true
	}
	for _, typ := range []string{"run_accepted", "run_started", "run_state"} {
		if !seen[typ] {
			t.Fatalf("expected %s before report, saw %v", typ, seen)
		}
	}
	rep, ok := msg["report"].(map[string]any)
	if !ok {
		t.Fatalf("report payload missing: %v", msg)
	}
	kernels, ok := rep["kernels"].([]any)
	if !ok || len(kernels) != 1 {
		t.Fatalf("unexpected kernels %v", rep["kernels"])
	}

	writeMessage(t, ctx, conn, `{"type":"locate","kernel":"matmulKernel"}`)
	loc := readMessage(t, ctx, conn)
	if loc["type"] != "location" || loc["line"] != float64(6) {
		t.Fatalf("unexpected location reply %v", loc)
	}
}

func TestWebSocketReplaysLatestReport(t *testing.T) {
	t.Parallel()

	stack := newTestStack(t, "./app", runnertest.NewFakeNsys())

	var rep report.ProfileReport
	postJSON(t, stack.ts.URL+"/api/runs?wait=true", http.StatusOK, &rep)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, toWebsocketURL(stack.ts.URL+"/ws"), nil)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if hello := readMessage(t, ctx, conn); hello["type"] != "hello" || hello["state"] != "completed" {
		t.Fatalf("unexpected hello %v", hello)
	}
	msg := readMessage(t, ctx, conn)
	if msg["type"] != "report" {
		t.Fatalf("expected cached report after hello, got %v", msg)
	}
}

func TestWebSocketCapacity(t *testing.T) {
	t.Parallel()

	cfg := defaultTestConfig()
	cfg.WS.MaxClients = 1
	stack := newTestStackWithConfig(t, cfg, "./app", runnertest.NewFakeNsys())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first, _, err := websocket.Dial(ctx, toWebsocketURL(stack.ts.URL+"/ws"), nil)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	defer first.Close(websocket.StatusNormalClosure, "")
	readMessage(t, ctx, first)

	_, resp, err := websocket.Dial(ctx, toWebsocketURL(stack.ts.URL+"/ws"), nil)
	if err == nil {
		t.Fatalf("expected second connection to be rejected")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 rejection, got %v", resp)
	}
	if stack.server.wsRejected.Load() != 1 {
		t.Fatalf("rejection not counted")
	}
}

type testStack struct {
	workspace string
	fake      *runnertest.FakeNsys
	manager   *profiler.Manager
	server    *Server
	ts        *httptest.Server
}

func newTestStack(t *testing.T, command string, fake *runnertest.FakeNsys) *testStack {
	t.Helper()
	return newTestStackWithConfig(t, defaultTestConfig(), command, fake)
}

// newTestStackWithConfig wires the real coordinator, pipeline and manager
// around a scripted nsys.
func newTestStackWithConfig(t *testing.T, cfg config.Config, command string, fake *runnertest.FakeNsys) *testStack {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	workspace := t.TempDir()
	writeFile(t, filepath.Join(workspace, "src", "main.cu"), kernelSource)

	settings := runner.DefaultSettings()
	settings.Command = command
	settings.WorkspaceFolder = workspace
	settings.ToolPath = "nsys-test"
	settings.Shell = "/bin/sh"
	settings.ShellArgs = []string{"-c"}

	var manager *profiler.Manager
	coord := runner.NewCoordinator(settings, fake, artifacts.NewLocator(logger), logger,
		runner.WithObserver(func(tr runner.Transition) { manager.Observe(tr) }))

	manager, err := profiler.NewManager(pipeline.New(coord, logger), filepath.Join(workspace, "state.json"), logger)
	if err != nil {
		t.Fatalf("NewManager error: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = manager.Wait(ctx)
		_ = manager.Close()
	})

	devices := []gpu.Device{{Card: "card0", PCISlot: "0000:01:00.0", VendorID: gpu.VendorNVIDIA, DeviceID: "2684"}}
	srv := New(cfg, logger, Deps{
		Reports: manager,
		Runs:    coord,
		Sources: sourcenav.NewFinder(workspace, sourcenav.Options{}, logger),
		Devices: devices,
	})
	ts := httptest.NewServer(srv.httpServer.Handler)
	t.Cleanup(ts.Close)

	return &testStack{
		workspace: workspace,
		fake:      fake,
		manager:   manager,
		server:    srv,
		ts:        ts,
	}
}

func assertMatmulReport(t *testing.T, rep *report.ProfileReport) {
	t.Helper()
	if rep.Tool != report.ToolIdentifier || len(rep.Kernels) != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}
	k := rep.Kernels[0]
	if k.Name != "matmulKernel" || k.Calls == nil || *k.Calls != 4 {
		t.Fatalf("unexpected kernel %+v", k)
	}
	if k.TotalTimeMs == nil || *k.TotalTimeMs != 10 || k.AvgTimeMs == nil || *k.AvgTimeMs != 2.5 {
		t.Fatalf("unexpected kernel timings %+v", k)
	}
}

func assertReadyz(t *testing.T, url string, expectedStatus int, expected string, reason string) {
	t.Helper()

	var payload readyResponse
	getJSON(t, url, expectedStatus, &payload)

	if payload.Status != expected {
		t.Fatalf("expected status %q, got %q", expected, payload.Status)
	}
	if reason == "" {
		if payload.Reason != "" {
			t.Fatalf("expected empty reason, got %q", payload.Reason)
		}
	} else if payload.Reason != reason {
		t.Fatalf("expected reason %q, got %q", reason, payload.Reason)
	}
}

func getJSON(t *testing.T, url string, expectedStatus int, out any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s failed: %v", url, err)
	}
	decodeResponse(t, resp, expectedStatus, out)
}

func postJSON(t *testing.T, url string, expectedStatus int, out any) {
	t.Helper()
	resp, err := http.Post(url, "application/json", nil)
	if err != nil {
		t.Fatalf("POST %s failed: %v", url, err)
	}
	decodeResponse(t, resp, expectedStatus, out)
}

func decodeResponse(t *testing.T, resp *http.Response, expectedStatus int, out any) {
	t.Helper()
	defer resp.Body.Close()

	if resp.StatusCode != expectedStatus {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("%s %s: expected status %d, got %d: %s", resp.Request.Method, resp.Request.URL.Path, expectedStatus, resp.StatusCode, body)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode %s: %v", resp.Request.URL.Path, err)
	}
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) map[string]any {
	t.Helper()
	typ, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("websocket read: %v", err)
	}
	if typ != websocket.MessageText {
		t.Fatalf("unexpected message type %v", typ)
	}
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	return msg
}

func writeMessage(t *testing.T, ctx context.Context, conn *websocket.Conn, payload string) {
	t.Helper()
	if err := conn.Write(ctx, websocket.MessageText, []byte(payload)); err != nil {
		t.Fatalf("websocket write: %v", err)
	}
}

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not satisfied within %s", timeout)
}

func defaultTestConfig() config.Config {
	return config.Config{
		ListenAddr:       ":0",
		AllowedOrigins:   []string{"*"},
		EnablePrometheus: true,
		WS: config.WebsocketConfig{
			MaxClients:   1024,
			WriteTimeout: 3 * time.Second,
			ReadTimeout:  30 * time.Second,
		},
	}
}

func toWebsocketURL(httpURL string) string {
	u, err := url.Parse(httpURL)
	if err != nil {
		return httpURL
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	return u.String()
}
