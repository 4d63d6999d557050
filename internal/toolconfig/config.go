package toolconfig

import (
	"errors"
	"fmt"
	"regexp"

	"gopkg.in/yaml.v3"
)

var (
	// ErrConfigNotFound is returned when no resolution candidate exists.
	ErrConfigNotFound = errors.New("tool config not found")
	// ErrConfigInvalid is returned when a config exists but cannot be used.
	ErrConfigInvalid = errors.New("tool config invalid")
)

// Wire protocols understood by the transfer client.
const (
	ProtocolMultipart = "multipart"
	ProtocolJSON      = "json"
)

// DefaultPort is the container port the backing service listens on.
const DefaultPort = 8000

// ToolConfig describes one wrapped command-line tool. It is immutable once
// loaded and shared read-only by every worker of a run.
type ToolConfig struct {
	Name        string      `yaml:"name" json:"name"`
	Description string      `yaml:"description,omitempty" json:"description,omitempty"`
	Arguments   []string    `yaml:"arguments" json:"arguments"`
	InputFile   string      `yaml:"input_file,omitempty" json:"input_file,omitempty"`
	OutputFiles []string    `yaml:"output_files,omitempty" json:"output_files,omitempty"`
	DockerImage string      `yaml:"docker_image,omitempty" json:"docker_image,omitempty"`
	Port        int         `yaml:"port,omitempty" json:"port,omitempty"`
	Protocol    string      `yaml:"protocol,omitempty" json:"protocol,omitempty"`
	Extensions  []string    `yaml:"extensions,omitempty" json:"extensions,omitempty"`
	Parameters  []Parameter `yaml:"parameters,omitempty" json:"parameters,omitempty"`

	// Source is the path the config was loaded from. Bundled configs are
	// reported as "bundled:<path>".
	Source string `yaml:"-" json:"source"`
}

// Parameter is a template placeholder the tool config declares. A nil
// Default means callers must bind a value.
type Parameter struct {
	Name        string  `yaml:"name" json:"name"`
	Default     *string `yaml:"default,omitempty" json:"default,omitempty"`
	Description string  `yaml:"description,omitempty" json:"description,omitempty"`
}

// ValidationError names the offending field of an invalid config.
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s=%s: %s", e.Field, e.Value, e.Message)
}

func (e ValidationError) Unwrap() error { return ErrConfigInvalid }

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Parse decodes and validates a YAML tool config.
func Parse(content []byte) (*ToolConfig, error) {
	var cfg ToolConfig
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("%w: parse yaml: %v", ErrConfigInvalid, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *ToolConfig) validate() error {
	if c.Name == "" {
		return ValidationError{Field: "name", Message: "tool name is required"}
	}
	if c.InputFile == "" && len(c.OutputFiles) == 0 {
		return ValidationError{Field: "input_file", Message: "either input_file or output_files must be declared"}
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Port < 0 || c.Port > 65535 {
		return ValidationError{Field: "port", Value: fmt.Sprint(c.Port), Message: "port must be between 1 and 65535"}
	}
	switch c.Protocol {
	case "":
		c.Protocol = ProtocolMultipart
	case ProtocolMultipart, ProtocolJSON:
	default:
		return ValidationError{Field: "protocol", Value: c.Protocol, Message: "must be multipart or json"}
	}
	seen := make(map[string]bool, len(c.Parameters))
	for _, p := range c.Parameters {
		if !identRe.MatchString(p.Name) {
			return ValidationError{Field: "parameters.name", Value: p.Name, Message: "must be an identifier"}
		}
		if seen[p.Name] {
			return ValidationError{Field: "parameters.name", Value: p.Name, Message: "declared twice"}
		}
		seen[p.Name] = true
	}
	return nil
}

// Defaults returns the declared parameter defaults.
func (c *ToolConfig) Defaults() map[string]string {
	out := make(map[string]string, len(c.Parameters))
	for _, p := range c.Parameters {
		if p.Default != nil {
			out[p.Name] = *p.Default
		}
	}
	return out
}

// HasParameter reports whether name is a declared parameter.
func (c *ToolConfig) HasParameter(name string) bool {
	for _, p := range c.Parameters {
		if p.Name == name {
			return true
		}
	}
	return false
}
