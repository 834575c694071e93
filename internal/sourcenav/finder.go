// Package sourcenav maps kernel names from a report back to a location in
// the workspace sources with a plain text search.
package sourcenav

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
)

// ErrNotFound is returned when no source file mentions the kernel.
var ErrNotFound = errors.New("kernel not found in sources")

// Defaults for Options.
const (
	DefaultMaxFiles = 4000
	DefaultMaxBytes = 2_000_000
)

var (
	DefaultExtensions  = []string{".cu", ".cuh", ".cpp", ".h", ".hpp"}
	DefaultExcludeDirs = []string{"node_modules", ".git", "build", "dist", "out", ".vscode"}
)

// Options bound the search.
type Options struct {
	MaxFiles    int
	MaxBytes    int64
	Extensions  []string
	ExcludeDirs []string
}

// Location is a 1-based position of a match.
type Location struct {
	Path    string `json:"path"`
	Line    int    `json:"line"`
	Column  int    `json:"column"`
	Pattern string `json:"pattern"`
}

// Finder searches source files below a root directory.
type Finder struct {
	root   string
	opts   Options
	logger *slog.Logger
}

// NewFinder builds a Finder rooted at dir. Zero option fields take defaults.
func NewFinder(dir string, opts Options, logger *slog.Logger) *Finder {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.MaxFiles <= 0 {
		opts.MaxFiles = DefaultMaxFiles
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if len(opts.Extensions) == 0 {
		opts.Extensions = DefaultExtensions
	}
	if opts.ExcludeDirs == nil {
		opts.ExcludeDirs = DefaultExcludeDirs
	}
	return &Finder{
		root:   dir,
		opts:   opts,
		logger: logger.With("component", "sourcenav"),
	}
}

// Find returns the first launch site of kernel, falling back to any mention
// of it. Decorated names are also searched by their bare identifier.
func (f *Finder) Find(ctx context.Context, kernel string) (Location, error) {
	kernel = strings.TrimSpace(kernel)
	if kernel == "" {
		return Location{}, fmt.Errorf("kernel name is empty")
	}
	if f.root == "" {
		return Location{}, fmt.Errorf("no source root configured")
	}

	root, err := os.OpenRoot(f.root)
	if err != nil {
		return Location{}, fmt.Errorf("open source root: %w", err)
	}
	defer root.Close()

	files, err := f.collect(ctx, root)
	if err != nil {
		return Location{}, err
	}

	for _, pattern := range SearchPatterns(kernel) {
		for _, name := range files {
			if err := ctx.Err(); err != nil {
				return Location{}, err
			}
			data, err := fs.ReadFile(root.FS(), name)
			if err != nil {
				f.logger.Debug("skipping unreadable file", "path", name, "err", err)
				continue
			}
			idx := bytes.Index(data, []byte(pattern))
			if idx < 0 {
				continue
			}
			line, col := position(data, idx)
			return Location{
				Path:    filepath.Join(f.root, filepath.FromSlash(name)),
				Line:    line,
				Column:  col,
				Pattern: pattern,
			}, nil
		}
	}

	f.logger.Debug("kernel not found", "kernel", kernel, "files", len(files))
	return Location{}, ErrNotFound
}

// collect lists candidate files in lexical walk order.
func (f *Finder) collect(ctx context.Context, root *os.Root) ([]string, error) {
	var files []string
	err := fs.WalkDir(root.FS(), ".", func(name string, d fs.DirEntry, err error) error {
		if err != nil {
			if name == "." {
				return err
			}
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if name != "." && slices.Contains(f.opts.ExcludeDirs, d.Name()) {
				return fs.SkipDir
			}
			return nil
		}
		if !slices.Contains(f.opts.Extensions, strings.ToLower(path.Ext(name))) {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.Size() > f.opts.MaxBytes {
			return nil
		}
		files = append(files, name)
		if len(files) >= f.opts.MaxFiles {
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan sources: %w", err)
	}
	return files, nil
}

// SearchPatterns lists the needles tried for kernel, most specific first.
func SearchPatterns(kernel string) []string {
	patterns := []string{kernel + "<<<", kernel}
	if ident := Identifier(kernel); ident != "" && ident != kernel {
		patterns = append(patterns, ident+"<<<", ident)
	}
	return patterns
}

// Identifier extracts the unqualified function name from a demangled
// kernel signature such as "void ns::gemm<float, 4>(float*, int)".
func Identifier(name string) string {
	s := strings.TrimSpace(name)
	if i := strings.IndexByte(s, '('); i >= 0 {
		s = s[:i]
	}
	s = stripTemplateArgs(s)
	if i := strings.LastIndexAny(s, " \t*&"); i >= 0 {
		s = s[i+1:]
	}
	if i := strings.LastIndex(s, "::"); i >= 0 {
		s = s[i+2:]
	}
	return strings.TrimSpace(s)
}

func stripTemplateArgs(s string) string {
	var b strings.Builder
	depth := 0
	for _, r := range s {
		switch {
		case r == '<':
			depth++
		case r == '>' && depth > 0:
			depth--
		case depth == 0:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func position(data []byte, offset int) (line, col int) {
	before := data[:offset]
	line = bytes.Count(before, []byte{'\n'}) + 1
	col = offset - (bytes.LastIndexByte(before, '\n') + 1) + 1
	return line, col
}
