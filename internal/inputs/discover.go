// Package inputs expands command-line input arguments into input files.
package inputs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/cli2rest/cli2rest/internal/transfer"
)

var (
	// ErrNoInputs is returned when an argument expands to no files.
	ErrNoInputs = errors.New("no input files")
	// ErrUnsupportedExtension is returned for an explicit file whose
	// extension the tool does not accept.
	ErrUnsupportedExtension = errors.New("unsupported input extension")
)

// Discover expands args in order. A file is taken as is, a directory
// contributes its immediate files matching exts and a glob pattern
// (doublestar syntax, ** included) contributes its matching files. Each
// expansion is sorted; duplicates keep their first position. An empty exts
// accepts every file.
func Discover(args []string, exts []string) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	add := func(p string) {
		key := filepath.Clean(p)
		if abs, err := filepath.Abs(key); err == nil {
			key = abs
		}
		if !seen[key] {
			seen[key] = true
			out = append(out, filepath.Clean(p))
		}
	}

	for _, arg := range args {
		fi, statErr := os.Stat(arg)
		switch {
		case statErr == nil && fi.Mode().IsRegular():
			if !Accepts(arg, exts) {
				return nil, fmt.Errorf("%s: %w (want one of %s)", arg, ErrUnsupportedExtension, strings.Join(exts, ", "))
			}
			add(arg)
		case statErr == nil && fi.IsDir():
			files, err := scanDir(arg, exts)
			if err != nil {
				return nil, err
			}
			for _, f := range files {
				add(f)
			}
		case hasMeta(arg):
			files, err := glob(arg, exts)
			if err != nil {
				return nil, err
			}
			for _, f := range files {
				add(f)
			}
		case statErr != nil:
			return nil, statErr
		default:
			return nil, fmt.Errorf("%s: not a regular file or directory", arg)
		}
	}
	if len(out) == 0 {
		return nil, ErrNoInputs
	}
	return out, nil
}

// Accepts reports whether name carries one of exts, also looking through a
// compression suffix (a.cif.gz matches .cif). Matching is case-insensitive.
func Accepts(name string, exts []string) bool {
	if len(exts) == 0 {
		return true
	}
	lower := strings.ToLower(name)
	inner := strings.ToLower(transfer.StripCompressionSuffix(name))
	for _, e := range exts {
		e = strings.ToLower(e)
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		if strings.HasSuffix(lower, e) || strings.HasSuffix(inner, e) {
			return true
		}
	}
	return false
}

func scanDir(dir string, exts []string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.Type().IsRegular() || !Accepts(e.Name(), exts) {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%s: %w matching %s", dir, ErrNoInputs, describe(exts))
	}
	sort.Strings(files)
	return files, nil
}

func glob(pattern string, exts []string) ([]string, error) {
	if !doublestar.ValidatePathPattern(filepath.ToSlash(pattern)) {
		return nil, fmt.Errorf("%s: %w", pattern, doublestar.ErrBadPattern)
	}
	matches, err := doublestar.FilepathGlob(pattern, doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", pattern, err)
	}
	var files []string
	for _, m := range matches {
		if Accepts(m, exts) {
			files = append(files, m)
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%s: %w matching %s", pattern, ErrNoInputs, describe(exts))
	}
	sort.Strings(files)
	return files, nil
}

func hasMeta(s string) bool { return strings.ContainsAny(s, "*?[{") }

func describe(exts []string) string {
	if len(exts) == 0 {
		return "any extension"
	}
	return strings.Join(exts, ", ")
}
