package export

import (
	"bytes"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/skobkin/gpuprof-web/internal/gpu"
	"github.com/skobkin/gpuprof-web/internal/report"
)

func TestWriteXLSX(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	if err := WriteXLSX(&buf, sampleReport()); err != nil {
		t.Fatalf("WriteXLSX returned error: %v", err)
	}

	f, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatalf("OpenReader returned error: %v", err)
	}
	defer f.Close()

	if sheets := f.GetSheetList(); !slices.Equal(sheets, []string{KernelSheet, RunSheet}) {
		t.Fatalf("unexpected sheets %v", sheets)
	}

	rows, err := f.GetRows(KernelSheet, excelize.Options{RawCellValue: true})
	if err != nil {
		t.Fatalf("GetRows returned error: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected header plus two kernels, got %d rows", len(rows))
	}
	if !slices.Equal(rows[0], kernelHeaders) {
		t.Fatalf("unexpected header %v", rows[0])
	}
	if !slices.Equal(rows[1], []string{"matmulKernel", "4", "7.5", "2.5", "75"}) {
		t.Fatalf("unexpected first row %v", rows[1])
	}
	if !slices.Equal(rows[2], []string{"reduceKernel", "", "2.5", "", "25"}) {
		t.Fatalf("unexpected second row %v", rows[2])
	}

	cmd, err := f.GetCellValue(RunSheet, "B3")
	if err != nil || cmd != "./bench" {
		t.Fatalf("unexpected command cell %q (%v)", cmd, err)
	}
	devices, err := f.GetCellValue(RunSheet, "B8")
	if err != nil || devices != "AD102 (card0)" {
		t.Fatalf("unexpected devices cell %q (%v)", devices, err)
	}
}

func TestWriteXLSXEmptyReport(t *testing.T) {
	t.Parallel()

	rep := &report.ProfileReport{Tool: report.ToolIdentifier, Kernels: []report.KernelRecord{}}

	var buf bytes.Buffer
	if err := WriteXLSX(&buf, rep); err != nil {
		t.Fatalf("WriteXLSX returned error: %v", err)
	}

	f, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatalf("OpenReader returned error: %v", err)
	}
	defer f.Close()

	rows, err := f.GetRows(KernelSheet)
	if err != nil {
		t.Fatalf("GetRows returned error: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected only the header row, got %d", len(rows))
	}
}

func TestWriteXLSXNilReport(t *testing.T) {
	t.Parallel()

	if err := WriteXLSX(&bytes.Buffer{}, nil); err == nil {
		t.Fatalf("expected error for nil report")
	}
}

func TestSaveXLSX(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "report.xlsx")
	if err := SaveXLSX(path, sampleReport()); err != nil {
		t.Fatalf("SaveXLSX returned error: %v", err)
	}

	f, err := excelize.OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile returned error: %v", err)
	}
	defer f.Close()

	name, err := f.GetCellValue(KernelSheet, "A2")
	if err != nil || name != "matmulKernel" {
		t.Fatalf("unexpected kernel cell %q (%v)", name, err)
	}
}

func sampleReport() *report.ProfileReport {
	calls := int64(4)
	total1, avg1 := 7.5, 2.5
	total2 := 2.5
	return &report.ProfileReport{
		Tool:             report.ToolIdentifier,
		RunID:            "run-1",
		InvokedCommand:   "./bench",
		WorkingDirectory: "/work",
		GeneratedAt:      time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Devices:          []gpu.Device{{Card: "card0", VendorID: gpu.VendorNVIDIA, DeviceID: "2684", Name: "AD102"}},
		Kernels: []report.KernelRecord{
			{Name: "matmulKernel", Calls: &calls, TotalTimeMs: &total1, AvgTimeMs: &avg1},
			{Name: "reduceKernel", TotalTimeMs: &total2},
		},
	}
}
