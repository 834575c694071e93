// Package artifacts finds the files an nsys invocation left behind.
//
// Nsight Systems does not keep its output naming stable across releases, so
// lookups follow an explicit fallback chain and report what they did find
// when they fail.
package artifacts

import (
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultTraceExtensions lists trace file extensions in probe order.
var DefaultTraceExtensions = []string{".nsys-rep", ".qdrep"}

// DefaultPreferredTokens identify the kernel summary export among several CSVs.
var DefaultPreferredTokens = []string{"cuda", "kern"}

// Kind identifies the artifact being looked up.
type Kind string

const (
	KindTrace Kind = "trace"
	KindCSV   Kind = "csv"
)

// NotFoundError reports a missing artifact together with the files that were
// present in the output directory.
type NotFoundError struct {
	Kind   Kind
	Dir    string
	Prefix string
	Files  []string
	Err    error
}

func (e *NotFoundError) Error() string {
	files := "none"
	if len(e.Files) > 0 {
		files = strings.Join(e.Files, ", ")
	}
	msg := fmt.Sprintf("%s artifact not found for prefix %q in %s (files: %s)", e.Kind, e.Prefix, e.Dir, files)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *NotFoundError) Unwrap() error {
	return e.Err
}

// Locator resolves trace and CSV paths inside an output directory.
type Locator struct {
	TraceExtensions []string
	PreferredTokens []string
	logger          *slog.Logger
}

// NewLocator returns a Locator using the default extension and token sets.
func NewLocator(logger *slog.Logger) *Locator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Locator{
		TraceExtensions: DefaultTraceExtensions,
		PreferredTokens: DefaultPreferredTokens,
		logger:          logger,
	}
}

// LocateTrace returns the trace file written for prefix. The first existing
// file among the known extensions wins.
func (l *Locator) LocateTrace(dir, prefix string) (string, error) {
	base := filepath.Base(prefix)

	root, err := os.OpenRoot(dir)
	if err != nil {
		return "", &NotFoundError{Kind: KindTrace, Dir: dir, Prefix: base, Err: err}
	}
	defer root.Close()

	for _, ext := range l.TraceExtensions {
		name := base + ext
		info, err := root.Stat(name)
		if err == nil && info.Mode().IsRegular() {
			l.logger.Debug("trace located", "path", filepath.Join(dir, name))
			return filepath.Join(dir, name), nil
		}
	}

	var related []string
	for _, f := range listFiles(root) {
		if strings.Contains(f.name, base) {
			related = append(related, f.name)
		}
	}
	return "", &NotFoundError{Kind: KindTrace, Dir: dir, Prefix: base, Files: related}
}

// LocateCSV returns the stats export written for statsPrefix.
//
// Candidates are CSVs whose name starts with the prefix base name. A name
// carrying every preferred token wins; otherwise the newest candidate does.
// Without candidates the newest CSV in the directory is used.
func (l *Locator) LocateCSV(dir, statsPrefix string) (string, error) {
	base := strings.ToLower(filepath.Base(statsPrefix))

	root, err := os.OpenRoot(dir)
	if err != nil {
		return "", &NotFoundError{Kind: KindCSV, Dir: dir, Prefix: base, Err: err}
	}
	defer root.Close()

	files := listFiles(root)

	var csvs, candidates, preferred []fileEntry
	for _, f := range files {
		lower := strings.ToLower(f.name)
		if !strings.HasSuffix(lower, ".csv") {
			continue
		}
		csvs = append(csvs, f)
		if !strings.HasPrefix(lower, base) {
			continue
		}
		candidates = append(candidates, f)
		if containsAll(lower, l.PreferredTokens) {
			preferred = append(preferred, f)
		}
	}

	logger := l.logger.With("dir", dir, "prefix", base)

	if f, ok := newest(preferred); ok {
		logger.Debug("csv located by naming convention", "file", f.name, "candidates", len(candidates))
		return filepath.Join(dir, f.name), nil
	}
	if f, ok := newest(candidates); ok {
		logger.Debug("csv located by prefix, newest candidate", "file", f.name, "candidates", len(candidates))
		return filepath.Join(dir, f.name), nil
	}
	if f, ok := newest(csvs); ok {
		logger.Warn("no csv matched prefix, falling back to newest csv", "file", f.name, "csvs", len(csvs))
		return filepath.Join(dir, f.name), nil
	}

	names := make([]string, 0, len(files))
	for _, f := range files {
		names = append(names, f.name)
	}
	return "", &NotFoundError{Kind: KindCSV, Dir: dir, Prefix: base, Files: names}
}

type fileEntry struct {
	name    string
	modTime time.Time
}

// listFiles returns regular files in enumeration order (sorted by name).
func listFiles(root *os.Root) []fileEntry {
	entries, err := fs.ReadDir(root.FS(), ".")
	if err != nil {
		return nil
	}
	out := make([]fileEntry, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		out = append(out, fileEntry{name: entry.Name(), modTime: info.ModTime()})
	}
	return out
}

// newest picks the most recently modified entry; ties keep the earliest in
// enumeration order.
func newest(entries []fileEntry) (fileEntry, bool) {
	if len(entries) == 0 {
		return fileEntry{}, false
	}
	best := entries[0]
	for _, e := range entries[1:] {
		if e.modTime.After(best.modTime) {
			best = e
		}
	}
	return best, true
}

func containsAll(s string, tokens []string) bool {
	if len(tokens) == 0 {
		return false
	}
	for _, tok := range tokens {
		if !strings.Contains(s, strings.ToLower(tok)) {
			return false
		}
	}
	return true
}
