package report

import (
	"fmt"
	"os"
	"strings"

	"github.com/skobkin/gpuprof-web/internal/csvtable"
)

// Parse converts a kernel summary CSV into records, preserving row order.
//
// Parsing never fails: input without a header plus at least one data row, or
// without a recognizable name column, yields no records, and malformed cells
// leave the corresponding fields absent.
func Parse(text string) []KernelRecord {
	lines := nonEmptyLines(text)
	if len(lines) < 2 {
		return []KernelRecord{}
	}

	cols := ResolveColumns(csvtable.TokenizeLine(lines[0]))
	if !cols.Usable() {
		return []KernelRecord{}
	}
	rawNs := cols.Scheme == SchemeRawNanoseconds

	out := make([]KernelRecord, 0, len(lines)-1)
	for _, line := range lines[1:] {
		fields := csvtable.TokenizeLine(line)

		nameCell, _ := csvtable.Field(fields, cols.Name)
		name := unquote(nameCell)
		if name == "" {
			continue
		}

		rec := KernelRecord{Name: name}
		if cell, ok := csvtable.Field(fields, cols.TotalTime); ok {
			if v, ok := ToMilliseconds(cell, rawNs); ok {
				rec.TotalTimeMs = &v
			}
		}
		if cell, ok := csvtable.Field(fields, cols.AvgTime); ok {
			if v, ok := ToMilliseconds(cell, rawNs); ok {
				rec.AvgTimeMs = &v
			}
		}
		if cell, ok := csvtable.Field(fields, cols.Calls); ok {
			if v, ok := ParseCalls(cell); ok {
				rec.Calls = &v
			}
		}
		out = append(out, rec)
	}

	return out
}

// ParseFile reads and parses the CSV at path. Only I/O failures are errors.
func ParseFile(path string) ([]KernelRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read kernel csv: %w", err)
	}
	return Parse(string(data)), nil
}

func nonEmptyLines(text string) []string {
	raw := strings.Split(strings.TrimPrefix(text, "\ufeff"), "\n")
	lines := make([]string, 0, len(raw))
	for _, line := range raw {
		line = strings.TrimSpace(strings.TrimSuffix(line, "\r"))
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
