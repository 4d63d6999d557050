package toolconfig

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// configNames are the file names looked up inside a config directory, in order.
var configNames = []string{"config.yaml", "config.yml"}

// LocalFS is the subset of filesystem access the resolver needs for
// user-supplied paths.
type LocalFS interface {
	Stat(name string) (fs.FileInfo, error)
	ReadFile(name string) ([]byte, error)
}

type osFS struct{}

func (osFS) Stat(name string) (fs.FileInfo, error) { return os.Stat(name) }
func (osFS) ReadFile(name string) ([]byte, error)  { return os.ReadFile(name) }

// Resolver locates tool configs on the local filesystem and in the bundled
// resource namespace.
type Resolver struct {
	Local   LocalFS
	Bundled fs.FS
}

// Option customizes a Resolver.
type Option func(*Resolver)

// WithLocalFS replaces the local filesystem.
func WithLocalFS(l LocalFS) Option { return func(r *Resolver) { r.Local = l } }

// WithBundledFS replaces the bundled resource namespace.
func WithBundledFS(b fs.FS) Option { return func(r *Resolver) { r.Bundled = b } }

// NewResolver returns a resolver over the OS filesystem and the bundled configs.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{Local: osFS{}, Bundled: BundledFS()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve loads the tool config identified by id with the default resolver.
func Resolve(id string, opts ...Option) (*ToolConfig, error) {
	return NewResolver(opts...).Resolve(id)
}

type candidate struct {
	source string
	read   func() ([]byte, error)
}

// Resolve tries, in order: id as a local file, id as a local directory holding
// config.yaml or config.yml, then the same two checks in the bundled namespace.
// The first candidate that exists and parses is used.
func (r *Resolver) Resolve(id string) (*ToolConfig, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty config identifier", ErrConfigNotFound)
	}
	var parseErr error
	for _, c := range r.candidates(id) {
		content, err := c.read()
		if err != nil {
			continue
		}
		cfg, err := Parse(content)
		if err != nil {
			var verr ValidationError
			if errors.As(err, &verr) {
				return nil, fmt.Errorf("%s: %w", c.source, err)
			}
			if parseErr == nil {
				parseErr = fmt.Errorf("%s: %w", c.source, err)
			}
			continue
		}
		cfg.Source = c.source
		return cfg, nil
	}
	if parseErr != nil {
		return nil, parseErr
	}
	return nil, fmt.Errorf("%w: %s (looked for a file, a directory with %s, and a bundled tool)",
		ErrConfigNotFound, id, strings.Join(configNames, " or "))
}

func (r *Resolver) candidates(id string) []candidate {
	var out []candidate
	if r.Local != nil {
		if fi, err := r.Local.Stat(id); err == nil {
			if fi.Mode().IsRegular() {
				out = append(out, r.localFile(id))
			} else if fi.IsDir() {
				for _, name := range configNames {
					p := filepath.Join(id, name)
					if fi, err := r.Local.Stat(p); err == nil && fi.Mode().IsRegular() {
						out = append(out, r.localFile(p))
					}
				}
			}
		}
	}
	if r.Bundled != nil {
		name := strings.TrimPrefix(filepath.ToSlash(id), "bundled:")
		if fs.ValidPath(name) {
			if fi, err := fs.Stat(r.Bundled, name); err == nil {
				if fi.Mode().IsRegular() {
					out = append(out, r.bundledFile(name))
				} else if fi.IsDir() {
					for _, cn := range configNames {
						p := path.Join(name, cn)
						if fi, err := fs.Stat(r.Bundled, p); err == nil && fi.Mode().IsRegular() {
							out = append(out, r.bundledFile(p))
						}
					}
				}
			}
		}
	}
	return out
}

func (r *Resolver) localFile(p string) candidate {
	return candidate{source: p, read: func() ([]byte, error) { return r.Local.ReadFile(p) }}
}

func (r *Resolver) bundledFile(p string) candidate {
	return candidate{source: "bundled:" + p, read: func() ([]byte, error) { return fs.ReadFile(r.Bundled, p) }}
}
