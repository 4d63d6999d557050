// Package bridgetest provides an in-process backing service speaking the
// /health and /run-command contract, for tests.
package bridgetest

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/cli2rest/cli2rest/internal/telemetry"
)

// Invocation is one decoded /run-command request.
type Invocation struct {
	Arguments   []string
	OutputFiles []string
	Files       map[string][]byte
	ContentType string
}

// Reply is what the service answers for one invocation.
type Reply struct {
	// HTTPStatus defaults to 200. Non-2xx replies send Body as text.
	HTTPStatus int
	Body       string

	Status         string
	Stdout         *string
	Stderr         *string
	ExecutionStats map[string]any
	Outputs        map[string][]byte
	// OmitMetadata leaves out the metadata part.
	OmitMetadata bool
	// Legacy answers with the JSON body and base64 output files.
	Legacy bool
}

// Handler decides the reply for an invocation.
type Handler func(inv *Invocation) Reply

// Server is the fake backing service.
type Server struct {
	Version string
	Handle  Handler
	// Metrics, when set, records request counts and durations.
	Metrics *telemetry.Collector

	healthy     atomic.Bool
	healthHits  atomic.Int64
	mu          sync.Mutex
	invocations []Invocation
	srv         *httptest.Server
}

// New starts a healthy server answering with h.
func New(h Handler) *Server {
	s := &Server{Version: "test", Handle: h}
	s.healthy.Store(true)
	s.srv = httptest.NewServer(otelhttp.NewHandler(s.Handler(), "bridgetest"))
	return s
}

// URL is the server's base URL.
func (s *Server) URL() string { return s.srv.URL }

// Close stops the server.
func (s *Server) Close() { s.srv.Close() }

// SetHealthy switches the /health answer between 200 and 503.
func (s *Server) SetHealthy(ok bool) { s.healthy.Store(ok) }

// HealthChecks returns how many /health probes arrived.
func (s *Server) HealthChecks() int64 { return s.healthHits.Load() }

// Invocations returns a copy of the requests received so far.
func (s *Server) Invocations() []Invocation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Invocation(nil), s.invocations...)
}

// Handler returns the service's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.routes(mux)
	return mux
}

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		_ = r.Body.Close()
		s.healthHits.Add(1)
		if !s.healthy.Load() {
			http.Error(w, "starting", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok", "version": s.Version})
	})
	mux.HandleFunc("/run-command", func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		inv, err := decodeInvocation(r)
		if err != nil {
			s.Metrics.Counter("bridgetest_decode_errors", 1, nil)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.invocations = append(s.invocations, *inv)
		s.mu.Unlock()

		handle := s.Handle
		if handle == nil {
			handle = Echo("echo.txt")
		}
		reply := handle(inv)
		code := reply.HTTPStatus
		if code == 0 {
			code = http.StatusOK
		}
		labels := map[string]string{"status": fmt.Sprint(code)}
		s.Metrics.Counter("bridgetest_requests", 1, labels)
		defer func() { s.Metrics.Timer("bridgetest_request_duration", time.Since(start), labels) }()

		switch {
		case code < 200 || code > 299:
			http.Error(w, reply.Body, code)
		case reply.Legacy:
			writeLegacy(w, code, reply)
		default:
			writeMultipart(w, code, reply)
		}
	})
}

func decodeInvocation(r *http.Request) (*Invocation, error) {
	inv := &Invocation{Files: map[string][]byte{}, ContentType: r.Header.Get("Content-Type")}
	mediaType, _, err := mime.ParseMediaType(inv.ContentType)
	if err != nil {
		return nil, err
	}
	if mediaType == "application/json" {
		var body struct {
			Arguments   []string `json:"arguments"`
			OutputFiles []string `json:"output_files"`
			Files       []struct {
				RelativePath  string `json:"relative_path"`
				ContentBase64 string `json:"content_base64"`
			} `json:"files"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return nil, err
		}
		inv.Arguments, inv.OutputFiles = body.Arguments, body.OutputFiles
		for _, f := range body.Files {
			data, err := base64.StdEncoding.DecodeString(f.ContentBase64)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", f.RelativePath, err)
			}
			inv.Files[f.RelativePath] = data
		}
		return inv, nil
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		return nil, err
	}
	inv.Arguments = r.MultipartForm.Value["arguments"]
	inv.OutputFiles = r.MultipartForm.Value["output_files"]
	for field, headers := range r.MultipartForm.File {
		for _, fh := range headers {
			f, err := fh.Open()
			if err != nil {
				return nil, err
			}
			data, err := io.ReadAll(f)
			f.Close()
			if err != nil {
				return nil, err
			}
			inv.Files[field] = data
		}
	}
	return inv, nil
}

func metadata(reply Reply) map[string]any {
	md := map[string]any{"status": reply.Status}
	if reply.Stdout != nil {
		md["stdout"] = *reply.Stdout
	}
	if reply.Stderr != nil {
		md["stderr"] = *reply.Stderr
	}
	if reply.ExecutionStats != nil {
		md["execution_stats"] = reply.ExecutionStats
	}
	return md
}

func sortedNames(outputs map[string][]byte) []string {
	names := make([]string, 0, len(outputs))
	for n := range outputs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func writeMultipart(w http.ResponseWriter, code int, reply Reply) {
	mw := multipart.NewWriter(w)
	w.Header().Set("Content-Type", mw.FormDataContentType())
	w.WriteHeader(code)
	if !reply.OmitMetadata {
		part, _ := mw.CreateFormField("metadata")
		_ = json.NewEncoder(part).Encode(metadata(reply))
	}
	for _, name := range sortedNames(reply.Outputs) {
		part, _ := mw.CreateFormFile(name, name)
		_, _ = part.Write(reply.Outputs[name])
	}
	_ = mw.Close()
}

func writeLegacy(w http.ResponseWriter, code int, reply Reply) {
	body := metadata(reply)
	if reply.Status == "" {
		delete(body, "status")
	}
	files := []map[string]string{}
	for _, name := range sortedNames(reply.Outputs) {
		files = append(files, map[string]string{
			"relative_path":  name,
			"content_base64": base64.StdEncoding.EncodeToString(reply.Outputs[name]),
		})
	}
	body["output_files"] = files
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// Echo returns every uploaded file's content as one output called name.
func Echo(name string) Handler {
	return func(inv *Invocation) Reply {
		var data []byte
		for _, content := range inv.Files {
			data = append(data, content...)
		}
		out := "echoed"
		return Reply{Status: "completed", Stdout: &out, Outputs: map[string][]byte{name: data},
			ExecutionStats: map[string]any{"duration": 0.01}}
	}
}

// Exec runs the invocation's arguments as a command in a scratch directory
// holding the uploaded files, then returns whichever expected outputs exist.
// It mirrors what a real backing service does.
func Exec(timeout time.Duration) Handler {
	return func(inv *Invocation) Reply {
		if len(inv.Arguments) == 0 {
			return Reply{HTTPStatus: http.StatusBadRequest, Body: "no arguments"}
		}
		dir, err := os.MkdirTemp("", "bridgetest-")
		if err != nil {
			return Reply{HTTPStatus: http.StatusInternalServerError, Body: err.Error()}
		}
		defer os.RemoveAll(dir)
		for name, data := range inv.Files {
			p := filepath.Join(dir, filepath.Clean("/"+name))
			if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
				return Reply{HTTPStatus: http.StatusInternalServerError, Body: err.Error()}
			}
			if err := os.WriteFile(p, data, 0o644); err != nil {
				return Reply{HTTPStatus: http.StatusInternalServerError, Body: err.Error()}
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		cmd := exec.CommandContext(ctx, inv.Arguments[0], inv.Arguments[1:]...)
		cmd.Dir = dir
		var stdout, stderr strings.Builder
		cmd.Stdout, cmd.Stderr = &stdout, &stderr
		start := time.Now()
		runErr := cmd.Run()

		status := "completed"
		exitCode := 0
		if runErr != nil {
			status = "failed"
			exitCode = 1
			if exit, ok := runErr.(*exec.ExitError); ok {
				exitCode = exit.ExitCode()
			}
		}
		outputs := map[string][]byte{}
		for _, name := range inv.OutputFiles {
			if data, err := os.ReadFile(filepath.Join(dir, filepath.Clean("/"+name))); err == nil {
				outputs[name] = data
			}
		}
		so, se := stdout.String(), stderr.String()
		return Reply{
			Status:  status,
			Stdout:  &so,
			Stderr:  &se,
			Outputs: outputs,
			ExecutionStats: map[string]any{
				"exit_code":        exitCode,
				"duration_seconds": time.Since(start).Seconds(),
			},
		}
	}
}
