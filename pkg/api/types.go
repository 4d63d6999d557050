package api

// v1 contains the public record types shared by the bridge and its consumers.

// Status is the terminal state of one invocation.
type Status string

const (
	StatusCompleted        Status = "COMPLETED"
	StatusFailedLocal      Status = "FAILED-locally-before-send"
	StatusFailedTransport  Status = "FAILED-transport"
	StatusFailedRemote     Status = "FAILED-remote"
	StatusFailedNoMetadata Status = "FAILED-no-metadata"
)

// Succeeded reports whether s is the only successful terminal state.
func (s Status) Succeeded() bool { return s == StatusCompleted }

// Metadata is the record written to --output-metadata for one input file.
// Pointer fields serialize as null when the remote side never supplied them.
type Metadata struct {
	InputFile      string         `json:"input_file"`
	Status         Status         `json:"status"`
	RemoteStatus   string         `json:"remote_status,omitempty"`
	Stdout         *string        `json:"stdout"`
	Stderr         *string        `json:"stderr"`
	ExecutionStats map[string]any `json:"execution_stats"`
	Arguments      []string       `json:"arguments"`
	OutputFiles    []string       `json:"output_files"`
	MissingFiles   []string       `json:"missing_files"`
	Error          string         `json:"error,omitempty"`
}

// RunRecord summarizes one bridge run.
type RunRecord struct {
	ID        string `json:"id" yaml:"id"`
	Tool      string `json:"tool" yaml:"tool"`
	Endpoint  string `json:"endpoint" yaml:"endpoint"`
	Files     int    `json:"files" yaml:"files"`
	Succeeded int    `json:"succeeded" yaml:"succeeded"`
	Failed    int    `json:"failed" yaml:"failed"`
	StartedAt string `json:"started_at" yaml:"started_at"`
}
