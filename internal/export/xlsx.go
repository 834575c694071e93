// Package export renders profile reports into spreadsheet workbooks.
package export

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/skobkin/gpuprof-web/internal/report"
)

// Sheet names used in the workbook.
const (
	KernelSheet = "Kernels"
	RunSheet    = "Run"
)

// Share thresholds for the heatmap on the share column, in percent.
const (
	hotShare  = 50.0
	warmShare = 20.0
)

var kernelHeaders = []string{"Kernel", "Calls", "Total (ms)", "Avg (ms)", "Share (%)"}

// SaveXLSX writes rep as a workbook at path.
func SaveXLSX(path string, rep *report.ProfileReport) error {
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create workbook: %w", err)
	}
	if err := WriteXLSX(out, rep); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// WriteXLSX renders rep into w. The kernel sheet keeps report order and
// leaves cells blank for values the export did not carry.
func WriteXLSX(w io.Writer, rep *report.ProfileReport) error {
	if rep == nil {
		return fmt.Errorf("no report to export")
	}

	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(KernelSheet)
	if err != nil {
		return fmt.Errorf("create kernel sheet: %w", err)
	}
	f.SetActiveSheet(index)
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return fmt.Errorf("drop default sheet: %w", err)
	}

	styles, err := newStyles(f)
	if err != nil {
		return err
	}

	if err := writeKernels(f, rep, styles); err != nil {
		return err
	}
	if err := writeRunInfo(f, rep, styles); err != nil {
		return err
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

type sheetStyles struct {
	header int
	label  int
	hot    int
	warm   int
}

func newStyles(f *excelize.File) (sheetStyles, error) {
	var s sheetStyles
	var err error

	if s.header, err = f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Size: 11, Color: "#FFFFFF"},
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"#76B900"}, Pattern: 1},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	}); err != nil {
		return s, fmt.Errorf("header style: %w", err)
	}
	if s.label, err = f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
	}); err != nil {
		return s, fmt.Errorf("label style: %w", err)
	}
	if s.hot, err = f.NewStyle(&excelize.Style{
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"#FF0000"}, Pattern: 1},
		Font:      &excelize.Font{Bold: true, Color: "#FFFFFF"},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	}); err != nil {
		return s, fmt.Errorf("hot style: %w", err)
	}
	if s.warm, err = f.NewStyle(&excelize.Style{
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"#FFC000"}, Pattern: 1},
		Font:      &excelize.Font{Bold: true},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	}); err != nil {
		return s, fmt.Errorf("warm style: %w", err)
	}
	return s, nil
}

func writeKernels(f *excelize.File, rep *report.ProfileReport, styles sheetStyles) error {
	for i, h := range kernelHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		f.SetCellValue(KernelSheet, cell, h)
	}
	f.SetCellStyle(KernelSheet, "A1", "E1", styles.header)

	f.SetColWidth(KernelSheet, "A", "A", 60)
	f.SetColWidth(KernelSheet, "B", "E", 14)

	total := rep.TotalTimeMs()
	row := 2
	for _, k := range rep.Kernels {
		f.SetCellValue(KernelSheet, fmt.Sprintf("A%d", row), k.Name)
		if k.Calls != nil {
			f.SetCellValue(KernelSheet, fmt.Sprintf("B%d", row), *k.Calls)
		}
		if k.TotalTimeMs != nil {
			f.SetCellValue(KernelSheet, fmt.Sprintf("C%d", row), *k.TotalTimeMs)
		}
		if k.AvgTimeMs != nil {
			f.SetCellValue(KernelSheet, fmt.Sprintf("D%d", row), *k.AvgTimeMs)
		}

		if k.TotalTimeMs != nil && total > 0 {
			share := *k.TotalTimeMs / total * 100
			cell := fmt.Sprintf("E%d", row)
			f.SetCellValue(KernelSheet, cell, share)
			switch {
			case share >= hotShare:
				f.SetCellStyle(KernelSheet, cell, cell, styles.hot)
			case share >= warmShare:
				f.SetCellStyle(KernelSheet, cell, cell, styles.warm)
			}
		}
		row++
	}

	if row > 2 {
		if err := f.AutoFilter(KernelSheet, fmt.Sprintf("A1:E%d", row-1), nil); err != nil {
			return fmt.Errorf("kernel filter: %w", err)
		}
	}

	return f.SetPanes(KernelSheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	})
}

func writeRunInfo(f *excelize.File, rep *report.ProfileReport, styles sheetStyles) error {
	if _, err := f.NewSheet(RunSheet); err != nil {
		return fmt.Errorf("create run sheet: %w", err)
	}

	devices := make([]string, 0, len(rep.Devices))
	for _, d := range rep.Devices {
		name := d.Name
		if name == "" {
			name = d.VendorID + ":" + d.DeviceID
		}
		devices = append(devices, fmt.Sprintf("%s (%s)", name, d.Card))
	}

	rows := [][2]string{
		{"Tool", rep.Tool},
		{"Run ID", rep.RunID},
		{"Command", rep.InvokedCommand},
		{"Working directory", rep.WorkingDirectory},
		{"Generated", rep.GeneratedAt.UTC().Format(time.RFC3339)},
		{"Trace", rep.TracePath},
		{"Kernel summary", rep.CSVPath},
		{"Devices", strings.Join(devices, ", ")},
	}
	for i, r := range rows {
		f.SetCellValue(RunSheet, fmt.Sprintf("A%d", i+1), r[0])
		f.SetCellValue(RunSheet, fmt.Sprintf("B%d", i+1), r[1])
	}
	f.SetCellStyle(RunSheet, "A1", fmt.Sprintf("A%d", len(rows)), styles.label)
	f.SetColWidth(RunSheet, "A", "A", 20)
	f.SetColWidth(RunSheet, "B", "B", 80)
	return nil
}
