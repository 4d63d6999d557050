package toolconfig

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mapLocal serves the resolver's local lookups from an in-memory tree.
type mapLocal fstest.MapFS

func (m mapLocal) Stat(name string) (fs.FileInfo, error) { return fs.Stat(fstest.MapFS(m), name) }
func (m mapLocal) ReadFile(name string) ([]byte, error)  { return fs.ReadFile(fstest.MapFS(m), name) }

func toolYAML(name string) []byte {
	return []byte("name: " + name + "\ninput_file: in.txt\narguments: [cat, in.txt]\noutput_files: [out.txt]\n")
}

func TestResolveOrder(t *testing.T) {
	local := mapLocal{
		"both":             {Data: toolYAML("local-file")},
		"dir/config.yaml":  {Data: toolYAML("local-dir")},
		"same/config.yaml": {Data: toolYAML("local-dir-same")},
	}
	bundled := fstest.MapFS{
		"both":              {Data: toolYAML("bundled-file-shadowed")},
		"same/config.yaml":  {Data: toolYAML("bundled-dir-shadowed")},
		"bfile":             {Data: toolYAML("bundled-file")},
		"bdir/config.yaml":  {Data: toolYAML("bundled-dir")},
		"bdir2/config.yml":  {Data: toolYAML("bundled-dir-yml")},
		"bdir2/config.json": {Data: []byte("{}")},
	}
	r := NewResolver(WithLocalFS(local), WithBundledFS(bundled))

	tests := []struct {
		id, wantName, wantSource string
	}{
		{"both", "local-file", "both"},
		{"dir", "local-dir", filepath.Join("dir", "config.yaml")},
		{"same", "local-dir-same", filepath.Join("same", "config.yaml")},
		{"bfile", "bundled-file", "bundled:bfile"},
		{"bdir", "bundled-dir", "bundled:bdir/config.yaml"},
		{"bdir2", "bundled-dir-yml", "bundled:bdir2/config.yml"},
		{"bundled:bdir", "bundled-dir", "bundled:bdir/config.yaml"},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			cfg, err := r.Resolve(tt.id)
			require.NoError(t, err)
			assert.Equal(t, tt.wantName, cfg.Name)
			assert.Equal(t, tt.wantSource, cfg.Source)
		})
	}
}

func TestResolveDirectoryWithOnlyYml(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yml")
	require.NoError(t, os.WriteFile(p, toolYAML("yml-only"), 0o644))

	cfg, err := Resolve(dir, WithBundledFS(fstest.MapFS{}))
	require.NoError(t, err)
	assert.Equal(t, "yml-only", cfg.Name)
	assert.Equal(t, p, cfg.Source)
}

func TestResolvePrefersYamlOverYml(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), toolYAML("yaml"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yml"), toolYAML("yml"), 0o644))

	cfg, err := Resolve(dir, WithBundledFS(fstest.MapFS{}))
	require.NoError(t, err)
	assert.Equal(t, "yaml", cfg.Name)
}

func TestResolveSkipsUnparsableCandidate(t *testing.T) {
	local := mapLocal{"tool/config.yaml": {Data: []byte("name: [unterminated")}}
	bundled := fstest.MapFS{"tool/config.yaml": {Data: toolYAML("bundled")}}

	cfg, err := NewResolver(WithLocalFS(local), WithBundledFS(bundled)).Resolve("tool")
	require.NoError(t, err)
	assert.Equal(t, "bundled", cfg.Name)
}

func TestResolveNotFound(t *testing.T) {
	r := NewResolver(WithLocalFS(mapLocal{}), WithBundledFS(fstest.MapFS{}))
	_, err := r.Resolve("missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfigNotFound))

	_, err = r.Resolve("")
	assert.True(t, errors.Is(err, ErrConfigNotFound))

	// A directory without config files is not a candidate.
	r = NewResolver(WithLocalFS(mapLocal{"empty/readme.md": {Data: []byte("x")}}), WithBundledFS(fstest.MapFS{}))
	_, err = r.Resolve("empty")
	assert.True(t, errors.Is(err, ErrConfigNotFound))
}

func TestResolveInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		field   string
	}{
		{"missing name", "input_file: a\n", "name"},
		{"no roles", "name: x\narguments: [a]\n", "input_file"},
		{"bad protocol", "name: x\ninput_file: a\nprotocol: grpc\n", "protocol"},
		{"bad port", "name: x\ninput_file: a\nport: 70000\n", "port"},
		{"bad parameter", "name: x\ninput_file: a\nparameters: [{name: 'a-b'}]\n", "parameters.name"},
		{"duplicate parameter", "name: x\ninput_file: a\nparameters: [{name: a}, {name: a}]\n", "parameters.name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewResolver(WithLocalFS(mapLocal{"c.yaml": {Data: []byte(tt.content)}}), WithBundledFS(fstest.MapFS{}))
			_, err := r.Resolve("c.yaml")
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrConfigInvalid))
			var verr ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestResolveInvalidYamlStopsBeforeYml(t *testing.T) {
	local := mapLocal{
		"tool/config.yaml": {Data: []byte("input_file: a\n")},
		"tool/config.yml":  {Data: toolYAML("fallback")},
	}
	_, err := NewResolver(WithLocalFS(local), WithBundledFS(fstest.MapFS{})).Resolve("tool")
	assert.True(t, errors.Is(err, ErrConfigInvalid))
	assert.ErrorContains(t, err, filepath.Join("tool", "config.yaml"))
}

func TestResolveUnparsableOnly(t *testing.T) {
	r := NewResolver(WithLocalFS(mapLocal{"c.yaml": {Data: []byte(":\n  - [")}}), WithBundledFS(fstest.MapFS{}))
	_, err := r.Resolve("c.yaml")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfigInvalid))
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
name: tool
output_files: [a.txt]
parameters:
  - name: threshold
    default: 3
  - name: mode
`))
	require.NoError(t, err)
	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, ProtocolMultipart, cfg.Protocol)
	assert.Equal(t, map[string]string{"threshold": "3"}, cfg.Defaults())
	assert.True(t, cfg.HasParameter("mode"))
	assert.False(t, cfg.HasParameter("other"))
}

func TestBundledConfigsAreValid(t *testing.T) {
	names := Bundled()
	require.NotEmpty(t, names)
	for _, name := range names {
		cfg, err := NewResolver(WithLocalFS(mapLocal{})).Resolve(name)
		require.NoError(t, err, name)
		assert.Equal(t, name, cfg.Name)
		assert.NotEmpty(t, cfg.DockerImage, name)
		assert.True(t, IsBundled(name))
	}
	assert.False(t, IsBundled("../etc"))
}
