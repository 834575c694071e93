// Package report turns Nsight Systems kernel summary exports into a
// normalized, unit-consistent kernel timing report.
package report

import (
	"time"

	"github.com/skobkin/gpuprof-web/internal/gpu"
)

// ToolIdentifier names the profiling backend that produced a report.
const ToolIdentifier = "nsys"

// KernelRecord is one row of the normalized report. Optional fields are nil
// when the source schema does not carry them or the cell could not be read.
type KernelRecord struct {
	Name        string   `json:"name"`
	Calls       *int64   `json:"calls"`
	TotalTimeMs *float64 `json:"total_time_ms"`
	AvgTimeMs   *float64 `json:"avg_time_ms"`
}

// ProfileReport is the result of a single completed profiling run.
type ProfileReport struct {
	Tool             string         `json:"tool"`
	RunID            string         `json:"run_id,omitempty"`
	InvokedCommand   string         `json:"command"`
	WorkingDirectory string         `json:"cwd"`
	GeneratedAt      time.Time      `json:"generated_at"`
	TracePath        string         `json:"trace_path,omitempty"`
	CSVPath          string         `json:"csv_path,omitempty"`
	Devices          []gpu.Device   `json:"devices,omitempty"`
	Kernels          []KernelRecord `json:"kernels"`
}

// Empty reports whether the run produced no kernel rows.
func (r *ProfileReport) Empty() bool {
	return r == nil || len(r.Kernels) == 0
}

// TotalTimeMs sums the total time of every kernel that carries one.
func (r *ProfileReport) TotalTimeMs() float64 {
	if r == nil {
		return 0
	}
	var sum float64
	for _, k := range r.Kernels {
		if k.TotalTimeMs != nil {
			sum += *k.TotalTimeMs
		}
	}
	return sum
}
