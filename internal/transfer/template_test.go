package transfer

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cli2rest/cli2rest/internal/toolconfig"
)

func splitterConfig() *toolconfig.ToolConfig {
	def := "mmcif"
	return &toolconfig.ToolConfig{
		Name:        "splitter",
		Arguments:   []string{"split", "--format", "{{ .format }}", "{{.input_role}}", "--tag={{.input_file_base}}"},
		InputFile:   "input.cif",
		OutputFiles: []string{"out.tar.gz"},
		Parameters:  []toolconfig.Parameter{{Name: "format", Default: &def}},
	}
}

func TestVars(t *testing.T) {
	cfg := splitterConfig()
	vars := Vars(cfg, filepath.Join("data", "1abc.cif.gz"), map[string]string{"format": "pdb"}, true)
	assert.Equal(t, "splitter", vars["tool_name"])
	assert.Equal(t, "1abc.cif.gz", vars["input_file_name"])
	assert.Equal(t, "1abc", vars["input_file_base"])
	assert.Equal(t, ".cif", vars["input_file_ext"])
	assert.Equal(t, "input.cif", vars["input_role"])
	assert.Equal(t, "pdb", vars["format"])
	assert.True(t, filepath.IsAbs(vars["input_dir"]))

	// Without decompression the compression suffix is the extension.
	vars = Vars(cfg, "1abc.cif.gz", nil, false)
	assert.Equal(t, "1abc.cif", vars["input_file_base"])
	assert.Equal(t, ".gz", vars["input_file_ext"])
	assert.Equal(t, "mmcif", vars["format"])

	// Parameters cannot shadow built-ins.
	vars = Vars(cfg, "x.cif", map[string]string{"tool_name": "evil"}, true)
	assert.Equal(t, "splitter", vars["tool_name"])
}

func TestBuildRequest(t *testing.T) {
	req, err := BuildRequest(splitterConfig(), "dir/1abc.cif", nil, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"split", "--format", "mmcif", "input.cif", "--tag=1abc"}, req.Arguments)
	assert.Equal(t, "input.cif", req.InputRole)
	assert.Equal(t, []string{"out.tar.gz"}, req.OutputFiles)
	assert.True(t, req.Decompress)
}

func TestBuildRequestUnboundPlaceholder(t *testing.T) {
	cfg := splitterConfig()
	cfg.Arguments = append(cfg.Arguments, "{{ .threshold }}")
	req, err := BuildRequest(cfg, "a.cif", nil, true)
	require.Error(t, err)
	var terr *TemplateResolutionError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, "{{ .threshold }}", terr.Template)
	assert.Equal(t, "a.cif", req.InputPath)
	assert.Equal(t, []string{"out.tar.gz"}, req.OutputFiles)

	cfg.Arguments = []string{"{{ .broken"}
	_, err = BuildRequest(cfg, "a.cif", nil, true)
	assert.True(t, errors.As(err, &terr))
}

func TestUploadRoleDefaultsToInputName(t *testing.T) {
	cfg := &toolconfig.ToolConfig{Name: "t", OutputFiles: []string{"o"}}
	assert.Equal(t, "model.pdb", UploadRole(cfg, "/x/model.pdb.bz2", true))
	assert.Equal(t, "model.pdb.bz2", UploadRole(cfg, "/x/model.pdb.bz2", false))
}

func TestRenderLiteral(t *testing.T) {
	s, err := Render("--plain", nil)
	require.NoError(t, err)
	assert.Equal(t, "--plain", s)
}

func TestCompressionSuffix(t *testing.T) {
	tests := map[string]string{
		"a.cif.gz":  ".gz",
		"a.CIF.GZ":  ".GZ",
		"a.bz2":     ".bz2",
		"a.zst":     ".zst",
		"a.zstd":    ".zstd",
		"a.cif":     "",
		".gz":       "",
		"archive.z": "",
	}
	for name, want := range tests {
		assert.Equal(t, want, CompressionSuffix(name), name)
	}
	assert.Equal(t, "a.cif", StripCompressionSuffix("a.cif.gz"))
}
