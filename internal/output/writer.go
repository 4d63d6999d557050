package output

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/cli2rest/cli2rest/internal/transfer"
)

// DefaultPrefixFormat names outputs <tool>-<input base>-<output>.
const DefaultPrefixFormat = "{{.tool_name}}-{{.input_file_base}}-"

// ErrUnsafePath is returned for output names that are absolute or climb out
// of the destination directory.
var ErrUnsafePath = errors.New("output path escapes destination")

// Writer persists one file's outputs and, when configured, its metadata.
// It holds no mutable state and is shared by all workers.
type Writer struct {
	// Dir is the destination; empty means next to the input file.
	Dir string
	// PrefixFormat is a template over the argument variables.
	PrefixFormat string
	// MetadataPath is a template; empty disables metadata output.
	MetadataPath string
	// WriteStreams also writes <prefix>stdout.txt and <prefix>stderr.txt.
	WriteStreams bool
}

// Report says what Write did.
type Report struct {
	Written      []string
	Failed       map[string]error
	MetadataFile string
}

// Err joins every per-part failure.
func (r *Report) Err() error {
	errs := make([]error, 0, len(r.Failed))
	for name, err := range r.Failed {
		errs = append(errs, fmt.Errorf("%s: %w", name, err))
	}
	return errors.Join(errs...)
}

// Write stores res's outputs using vars (see transfer.Vars) for the prefix and
// metadata path. A failed part is recorded in the report and the remaining
// parts are still written; the returned error covers prefix and metadata
// failures only.
func (w *Writer) Write(res *transfer.Result, vars map[string]string) (*Report, error) {
	rep := &Report{Failed: map[string]error{}}

	dest, prefix, err := w.layout(vars)
	if err != nil {
		return rep, err
	}

	for _, o := range res.Outputs {
		w.writePart(rep, dest, prefix, o.Name, o.Data)
	}
	if w.WriteStreams {
		if res.Stdout != nil {
			w.writePart(rep, dest, prefix, "stdout.txt", []byte(*res.Stdout))
		}
		if res.Stderr != nil {
			w.writePart(rep, dest, prefix, "stderr.txt", []byte(*res.Stderr))
		}
	}

	if w.MetadataPath != "" {
		p, err := transfer.Render(w.MetadataPath, vars)
		if err != nil {
			return rep, fmt.Errorf("metadata path: %w", err)
		}
		if err := WriteMetadata(p, res); err != nil {
			return rep, err
		}
		rep.MetadataFile = p
	}
	return rep, nil
}

// Targets returns the paths Write would use for outputs named names, plus
// the stream files when they are enabled. Nothing is written.
func (w *Writer) Targets(vars map[string]string, names []string) ([]string, error) {
	dest, prefix, err := w.layout(vars)
	if err != nil {
		return nil, err
	}
	if w.WriteStreams {
		names = append(names[:len(names):len(names)], "stdout.txt", "stderr.txt")
	}
	out := make([]string, 0, len(names))
	for _, n := range names {
		t, err := Target(dest, prefix, n)
		if err != nil {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (w *Writer) layout(vars map[string]string) (dest, prefix string, err error) {
	dest = w.Dir
	if dest == "" {
		dest = vars["input_dir"]
	}
	format := w.PrefixFormat
	if format == "" {
		format = DefaultPrefixFormat
	}
	prefix, err = transfer.Render(format, vars)
	if err != nil {
		return "", "", fmt.Errorf("output prefix: %w", err)
	}
	if strings.ContainsAny(prefix, `/\`) {
		return "", "", fmt.Errorf("output prefix %q: %w", prefix, ErrUnsafePath)
	}
	return dest, prefix, nil
}

func (w *Writer) writePart(rep *Report, dest, prefix, name string, data []byte) {
	target, err := Target(dest, prefix, name)
	if err == nil {
		err = atomicWrite(target, data)
	}
	if err != nil {
		log.Error().Err(err).Str("output", name).Msg("Failed to write output")
		rep.Failed[name] = err
		return
	}
	log.Debug().Str("path", target).Int("bytes", len(data)).Msg("Saved output")
	rep.Written = append(rep.Written, target)
}

// Target returns <dest>/<prefix><name>. The prefix goes in front of the
// whole relative name, so "sub/x.txt" lands in <dest>/<prefix>sub/x.txt.
func Target(dest, prefix, name string) (string, error) {
	if name == "" || filepath.IsAbs(name) || strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("%q: %w", name, ErrUnsafePath)
	}
	clean := filepath.Clean(filepath.FromSlash(name))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%q: %w", name, ErrUnsafePath)
	}
	return filepath.Join(dest, prefix+clean), nil
}

// WriteMetadata serializes res's metadata record as compact JSON at path,
// replacing any existing file.
func WriteMetadata(path string, res *transfer.Result) error {
	data, err := json.Marshal(res.Metadata())
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	if err := atomicWrite(path, data); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return nil
}

// atomicWrite writes via a temp file in the target directory and renames it
// into place, so a failed write never leaves a truncated file.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
