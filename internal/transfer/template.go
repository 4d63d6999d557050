package transfer

import (
	"fmt"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/cli2rest/cli2rest/internal/toolconfig"
)

// Vars returns the template variables for one input file: the tool name,
// several views of the input path, the upload role and every parameter.
// Parameters never shadow the built-in names.
func Vars(cfg *toolconfig.ToolConfig, inputPath string, params map[string]string, decompress bool) map[string]string {
	vars := make(map[string]string, len(params)+8)
	for k, v := range cfg.Defaults() {
		vars[k] = v
	}
	for k, v := range params {
		vars[k] = v
	}

	name := filepath.Base(inputPath)
	logical := name
	if decompress {
		logical = StripCompressionSuffix(name)
	}
	ext := filepath.Ext(logical)
	dir, err := filepath.Abs(filepath.Dir(inputPath))
	if err != nil {
		dir = filepath.Dir(inputPath)
	}

	vars["tool_name"] = cfg.Name
	vars["input_file"] = inputPath
	vars["input_file_name"] = name
	vars["input_file_base"] = strings.TrimSuffix(logical, ext)
	vars["input_file_ext"] = ext
	vars["input_dir"] = dir
	vars["input_role"] = UploadRole(cfg, inputPath, decompress)
	return vars
}

// UploadRole is the name the input is uploaded under: the configured
// input_file, or the input's own (decompressed) base name when the tool
// declares none.
func UploadRole(cfg *toolconfig.ToolConfig, inputPath string, decompress bool) string {
	if cfg.InputFile != "" {
		return cfg.InputFile
	}
	name := filepath.Base(inputPath)
	if decompress {
		name = StripCompressionSuffix(name)
	}
	return name
}

// Render executes a single template string against vars. Strings without
// actions are returned verbatim.
func Render(text string, vars map[string]string) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}
	tmpl, err := template.New("arg").Option("missingkey=error").Parse(text)
	if err != nil {
		return "", &TemplateResolutionError{Template: text, Err: err}
	}
	var sb strings.Builder
	if err := tmpl.Execute(&sb, vars); err != nil {
		return "", &TemplateResolutionError{Template: text, Err: err}
	}
	return sb.String(), nil
}

// ResolveArguments renders every argument template in order.
func ResolveArguments(args []string, vars map[string]string) ([]string, error) {
	out := make([]string, 0, len(args))
	for _, a := range args {
		s, err := Render(a, vars)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// BuildRequest prepares the exchange for one input file. The returned error is
// a *TemplateResolutionError when an argument cannot be resolved.
func BuildRequest(cfg *toolconfig.ToolConfig, inputPath string, params map[string]string, decompress bool) (Request, error) {
	args, err := ResolveArguments(cfg.Arguments, Vars(cfg, inputPath, params, decompress))
	if err != nil {
		return Request{InputPath: inputPath, Arguments: cfg.Arguments, OutputFiles: cfg.OutputFiles},
			fmt.Errorf("%s: %w", filepath.Base(inputPath), err)
	}
	return Request{
		InputPath:   inputPath,
		InputRole:   UploadRole(cfg, inputPath, decompress),
		Arguments:   args,
		OutputFiles: append([]string(nil), cfg.OutputFiles...),
		Decompress:  decompress,
	}, nil
}
