package report

import "strings"

// Field is a logical column of the kernel summary table.
type Field int

const (
	FieldName Field = iota
	FieldTotalTime
	FieldAvgTime
	FieldCalls
)

func (f Field) String() string {
	switch f {
	case FieldName:
		return "name"
	case FieldTotalTime:
		return "total_time"
	case FieldAvgTime:
		return "avg_time"
	case FieldCalls:
		return "calls"
	default:
		return "unknown"
	}
}

// TimeScheme describes how time cells are encoded by a given export schema.
type TimeScheme int

const (
	// SchemeUnitSuffixed cells look like "2.5ms" or "120 us"; bare numbers are milliseconds.
	SchemeUnitSuffixed TimeScheme = iota
	// SchemeRawNanoseconds cells are bare nanosecond counters.
	SchemeRawNanoseconds
)

func (s TimeScheme) String() string {
	if s == SchemeRawNanoseconds {
		return "raw_ns"
	}
	return "unit_suffixed"
}

// Aliases are checked in order; the first alias that matches any header cell wins.
var columnAliases = map[Field][]string{
	FieldName:      {"name", "kernel name"},
	FieldTotalTime: {"total time (ns)", "total time", "total", "time"},
	FieldAvgTime:   {"avg (ns)", "avg", "average", "avg time"},
	FieldCalls:     {"instances", "calls", "count"},
}

// Columns maps logical fields to header positions. Absent columns are -1.
type Columns struct {
	Name      int
	TotalTime int
	AvgTime   int
	Calls     int
	Scheme    TimeScheme
}

// Usable reports whether the header meets the minimum contract of a kernel
// summary table, i.e. it has a name column.
func (c Columns) Usable() bool {
	return c.Name >= 0
}

// Index returns the header position of the given field.
func (c Columns) Index(f Field) int {
	switch f {
	case FieldName:
		return c.Name
	case FieldTotalTime:
		return c.TotalTime
	case FieldAvgTime:
		return c.AvgTime
	case FieldCalls:
		return c.Calls
	default:
		return -1
	}
}

// ResolveColumns maps an arbitrary header row onto the logical schema.
// Comparison ignores case, surrounding whitespace and one layer of quotes.
func ResolveColumns(header []string) Columns {
	normalized := make([]string, len(header))
	for i, cell := range header {
		normalized[i] = strings.ToLower(unquote(cell))
	}

	cols := Columns{
		Name:      findAlias(normalized, columnAliases[FieldName]),
		TotalTime: findAlias(normalized, columnAliases[FieldTotalTime]),
		AvgTime:   findAlias(normalized, columnAliases[FieldAvgTime]),
		Calls:     findAlias(normalized, columnAliases[FieldCalls]),
		Scheme:    SchemeUnitSuffixed,
	}

	for _, idx := range []int{cols.TotalTime, cols.AvgTime} {
		if idx >= 0 && strings.Contains(normalized[idx], "(ns)") {
			cols.Scheme = SchemeRawNanoseconds
			break
		}
	}

	return cols
}

func findAlias(header []string, aliases []string) int {
	for _, alias := range aliases {
		for i, cell := range header {
			if cell == alias {
				return i
			}
		}
	}
	return -1
}

// unquote trims whitespace and strips one pair of surrounding double quotes,
// collapsing doubled quotes inside them.
func unquote(s string) string {
	t := strings.TrimSpace(s)
	if len(t) >= 2 && t[0] == '"' && t[len(t)-1] == '"' {
		t = strings.ReplaceAll(t[1:len(t)-1], `""`, `"`)
		t = strings.TrimSpace(t)
	}
	return t
}
