package transfer

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/cli2rest/cli2rest/pkg/api"
)

var tracer = otel.Tracer("github.com/cli2rest/cli2rest/internal/transfer")

// maxErrorBody caps how much of a non-2xx body is kept.
const maxErrorBody = 64 << 10

// Request is one file's exchange, built fresh per input.
type Request struct {
	InputPath   string
	InputRole   string
	Arguments   []string
	OutputFiles []string
	Decompress  bool
}

// Result is the terminal outcome of one file.
type Result struct {
	InputFile      string
	Status         api.Status
	RemoteStatus   string
	Stdout         *string
	Stderr         *string
	Outputs        []Output
	ExecutionStats map[string]any
	Arguments      []string
	MissingFiles   []string
	Elapsed        time.Duration
	Err            error
}

// Failure builds a terminal result for a file that failed with err.
func Failure(req Request, status api.Status, err error) *Result {
	return &Result{
		InputFile:    req.InputPath,
		Status:       status,
		Arguments:    req.Arguments,
		MissingFiles: append([]string(nil), req.OutputFiles...),
		Err:          err,
	}
}

// Metadata returns the record written when metadata output is requested.
func (r *Result) Metadata() api.Metadata {
	md := api.Metadata{
		InputFile:      r.InputFile,
		Status:         r.Status,
		RemoteStatus:   r.RemoteStatus,
		Stdout:         r.Stdout,
		Stderr:         r.Stderr,
		ExecutionStats: r.ExecutionStats,
		Arguments:      nonNil(r.Arguments),
		OutputFiles:    []string{},
		MissingFiles:   nonNil(r.MissingFiles),
	}
	for _, o := range r.Outputs {
		md.OutputFiles = append(md.OutputFiles, o.Name)
	}
	if r.Err != nil {
		md.Error = r.Err.Error()
	}
	return md
}

// Client performs run-command exchanges against one base URL. It is safe for
// concurrent use.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Encoder    Encoder
	// RequestTimeout bounds one exchange including the response body. Zero
	// means no limit beyond ctx.
	RequestTimeout time.Duration
}

// NewClient returns a client for baseURL using enc.
func NewClient(baseURL string, enc Encoder, timeout time.Duration) *Client {
	return &Client{
		BaseURL:        strings.TrimRight(baseURL, "/"),
		HTTPClient:     &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		Encoder:        enc,
		RequestTimeout: timeout,
	}
}

// Invoke uploads req's input and decodes the response. It always returns a
// terminal result; Result.Err carries the typed error when Status is a failure.
func (c *Client) Invoke(ctx context.Context, req Request) *Result {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "transfer.invoke")
	span.SetAttributes(attribute.String("input", req.InputPath), attribute.String("role", req.InputRole))

	res := c.invoke(ctx, req)
	res.Elapsed = time.Since(start)

	span.SetAttributes(attribute.String("status", string(res.Status)))
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
	}
	span.End()
	return res
}

func (c *Client) invoke(ctx context.Context, req Request) *Result {
	input, err := OpenInput(req.InputPath, req.Decompress)
	if err != nil {
		return Failure(req, api.StatusFailedLocal, err)
	}
	defer input.Close()

	if c.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.RequestTimeout)
		defer cancel()
	}

	enc := c.Encoder
	if enc == nil {
		enc = MultipartEncoder{}
	}
	src := &trackingReader{r: input}
	contentType, write := enc.Begin(&req, src)

	pr, pw := io.Pipe()
	var encErr error
	encDone := make(chan struct{})
	go func() {
		defer close(encDone)
		encErr = write(pw)
		pw.CloseWithError(encErr)
	}()
	// Unblocks the writer when the server answers before consuming the body.
	defer func() {
		pr.Close()
		<-encDone
	}()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/run-command", pr)
	if err != nil {
		return Failure(req, api.StatusFailedLocal, &LocalError{Op: "build request", Err: err})
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Accept", "multipart/form-data, multipart/mixed, application/json")

	hc := c.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(httpReq)
	if err != nil {
		pr.CloseWithError(err)
		<-encDone
		if encErr != nil && src.err != nil {
			return Failure(req, api.StatusFailedLocal, &LocalError{Op: "read input", Err: src.err})
		}
		return Failure(req, api.StatusFailedTransport, &RemoteInvocationError{Err: err})
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return Failure(req, api.StatusFailedRemote, &RemoteInvocationError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		})
	}

	dec, err := decodeResponse(resp.Header.Get("Content-Type"), resp.Body)
	if err != nil {
		var derr *DecodeError
		if errors.As(err, &derr) && ctx.Err() != nil {
			// A timeout mid-body is a transport failure, not a malformed body.
			return Failure(req, api.StatusFailedTransport, &RemoteInvocationError{StatusCode: resp.StatusCode, Err: ctx.Err()})
		}
		return Failure(req, api.StatusFailedRemote, err)
	}
	return c.result(req, resp.StatusCode, dec)
}

func (c *Client) result(req Request, code int, dec *decoded) *Result {
	res := &Result{
		InputFile: req.InputPath,
		Arguments: req.Arguments,
		Outputs:   dec.outputs,
	}
	res.MissingFiles = missing(req.OutputFiles, dec.outputs)

	if dec.meta == nil {
		res.Status = api.StatusFailedNoMetadata
		res.Err = &NoMetadataError{Parts: len(dec.outputs)}
		return res
	}
	md := dec.meta
	res.Stdout, res.Stderr = md.Stdout, md.Stderr
	res.ExecutionStats = md.stats()
	if md.Status != nil {
		res.RemoteStatus = *md.Status
	}

	switch {
	case md.Status != nil && successStatus(*md.Status):
		res.Status = api.StatusCompleted
	case md.Status == nil && dec.legacy && md.Error == "":
		// The legacy JSON body has no status field; absence of an error is success.
		res.Status = api.StatusCompleted
	default:
		res.Status = api.StatusFailedRemote
		msg := md.Error
		if msg == "" {
			msg = "remote status " + quoteOrNone(res.RemoteStatus)
		}
		res.Err = &RemoteInvocationError{StatusCode: code, Err: errors.New(msg)}
	}
	if res.Status == api.StatusCompleted && len(res.MissingFiles) > 0 {
		log.Warn().Str("file", req.InputPath).Strs("missing", res.MissingFiles).Msg("Expected outputs not returned")
	}
	return res
}

func successStatus(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "completed", "success", "ok":
		return true
	}
	return false
}

func quoteOrNone(s string) string {
	if s == "" {
		return "missing"
	}
	return "\"" + s + "\""
}

func missing(expected []string, got []Output) []string {
	have := make(map[string]bool, len(got))
	for _, o := range got {
		have[o.Name] = true
	}
	out := []string{}
	for _, e := range expected {
		if !have[e] {
			out = append(out, e)
		}
	}
	return out
}
