package transfer

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cli2rest/cli2rest/internal/bridgetest"
	"github.com/cli2rest/cli2rest/pkg/api"
)

func writeInput(t *testing.T, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, data, 0o644))
	return p
}

func gzipped(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write(data)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func zstded(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	require.NoError(t, err)
	_, err = zw.Write(data)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func echoRequest(path string, decompress bool) Request {
	return Request{
		InputPath:   path,
		InputRole:   "input.cif",
		Arguments:   []string{"cat", "input.cif"},
		OutputFiles: []string{"echo.txt"},
		Decompress:  decompress,
	}
}

func TestInvokeEchoRoundTrip(t *testing.T) {
	content := bytes.Repeat([]byte("ATOM  1 N  ALA A 1\n"), 4096)
	srv := bridgetest.New(bridgetest.Echo("echo.txt"))
	defer srv.Close()

	tests := []struct {
		name     string
		file     string
		data     []byte
		protocol string
	}{
		{"plain multipart", "a.cif", content, "multipart"},
		{"gzip multipart", "a.cif.gz", gzipped(t, content), "multipart"},
		{"zstd multipart", "a.cif.zst", zstded(t, content), "multipart"},
		{"gzip json", "a.cif.gz", gzipped(t, content), "json"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc, err := EncoderFor(tt.protocol)
			require.NoError(t, err)
			c := NewClient(srv.URL()+"/", enc, 10*time.Second)

			res := c.Invoke(context.Background(), echoRequest(writeInput(t, tt.file, tt.data), true))
			require.NoError(t, res.Err)
			assert.Equal(t, api.StatusCompleted, res.Status)
			assert.Equal(t, "completed", res.RemoteStatus)
			require.Len(t, res.Outputs, 1)
			assert.Equal(t, "echo.txt", res.Outputs[0].Name)
			assert.True(t, bytes.Equal(content, res.Outputs[0].Data))
			assert.Empty(t, res.MissingFiles)
			require.NotNil(t, res.Stdout)
			assert.Equal(t, "echoed", *res.Stdout)
			assert.Equal(t, 0.01, res.ExecutionStats["duration"])
		})
	}

	invs := srv.Invocations()
	require.Len(t, invs, len(tests))
	for _, inv := range invs {
		assert.Equal(t, []string{"cat", "input.cif"}, inv.Arguments)
		assert.Equal(t, []string{"echo.txt"}, inv.OutputFiles)
		assert.Contains(t, inv.Files, "input.cif")
	}
}

func TestInvokeWithoutDecompressionSendsRawBytes(t *testing.T) {
	srv := bridgetest.New(bridgetest.Echo("echo.txt"))
	defer srv.Close()
	raw := gzipped(t, []byte("hello"))

	res := NewClient(srv.URL(), nil, 0).Invoke(context.Background(), echoRequest(writeInput(t, "a.cif.gz", raw), false))
	require.Equal(t, api.StatusCompleted, res.Status)
	assert.Equal(t, raw, res.Outputs[0].Data)
}

func TestInvokeRemoteHTTPError(t *testing.T) {
	srv := bridgetest.New(func(*bridgetest.Invocation) bridgetest.Reply {
		return bridgetest.Reply{HTTPStatus: http.StatusInternalServerError, Body: "tool crashed"}
	})
	defer srv.Close()

	req := echoRequest(writeInput(t, "b.cif", []byte("x")), true)
	req.OutputFiles = []string{"one.txt", "two.txt"}
	res := NewClient(srv.URL(), MultipartEncoder{}, 0).Invoke(context.Background(), req)

	assert.Equal(t, api.StatusFailedRemote, res.Status)
	assert.Empty(t, res.Outputs)
	assert.Equal(t, []string{"one.txt", "two.txt"}, res.MissingFiles)
	assert.Nil(t, res.ExecutionStats)
	var rerr *RemoteInvocationError
	require.True(t, errors.As(res.Err, &rerr))
	assert.Equal(t, http.StatusInternalServerError, rerr.StatusCode)
	assert.Contains(t, rerr.Body, "tool crashed")
	assert.False(t, rerr.Transport())

	md := res.Metadata()
	assert.Equal(t, api.StatusFailedRemote, md.Status)
	assert.Equal(t, []string{"one.txt", "two.txt"}, md.MissingFiles)
	assert.Equal(t, []string{"cat", "input.cif"}, md.Arguments)
	assert.Empty(t, md.OutputFiles)
}

func TestInvokeNoMetadata(t *testing.T) {
	srv := bridgetest.New(func(*bridgetest.Invocation) bridgetest.Reply {
		return bridgetest.Reply{OmitMetadata: true, Outputs: map[string][]byte{"echo.txt": []byte("partial")}}
	})
	defer srv.Close()

	res := NewClient(srv.URL(), nil, 0).Invoke(context.Background(), echoRequest(writeInput(t, "a.cif", []byte("x")), true))
	assert.Equal(t, api.StatusFailedNoMetadata, res.Status)
	assert.ErrorIs(t, res.Err, ErrNoMetadata)
	var nerr *NoMetadataError
	require.True(t, errors.As(res.Err, &nerr))
	assert.Equal(t, 1, nerr.Parts)
	require.Len(t, res.Outputs, 1)
	assert.Equal(t, []byte("partial"), res.Outputs[0].Data)
}

func TestInvokeRemoteStatusMapping(t *testing.T) {
	tests := []struct {
		remote string
		want   api.Status
	}{
		{"completed", api.StatusCompleted},
		{"SUCCESS", api.StatusCompleted},
		{"ok", api.StatusCompleted},
		{"failed", api.StatusFailedRemote},
		{"error", api.StatusFailedRemote},
		{"", api.StatusFailedRemote},
	}
	for _, tt := range tests {
		t.Run(tt.remote, func(t *testing.T) {
			srv := bridgetest.New(func(*bridgetest.Invocation) bridgetest.Reply {
				return bridgetest.Reply{Status: tt.remote}
			})
			defer srv.Close()
			res := NewClient(srv.URL(), nil, 0).Invoke(context.Background(), echoRequest(writeInput(t, "a.cif", []byte("x")), true))
			assert.Equal(t, tt.want, res.Status)
			assert.Equal(t, tt.remote, res.RemoteStatus)
			if tt.want == api.StatusCompleted {
				assert.NoError(t, res.Err)
				assert.Equal(t, []string{"echo.txt"}, res.MissingFiles)
			} else {
				assert.Error(t, res.Err)
			}
		})
	}
}

func TestInvokeLegacyJSONResponse(t *testing.T) {
	srv := bridgetest.New(func(inv *bridgetest.Invocation) bridgetest.Reply {
		out := "done"
		return bridgetest.Reply{Legacy: true, Stdout: &out, Outputs: map[string][]byte{"echo.txt": inv.Files["input.cif"]}}
	})
	defer srv.Close()

	res := NewClient(srv.URL(), JSONEncoder{}, 0).Invoke(context.Background(), echoRequest(writeInput(t, "a.cif", []byte("payload")), true))
	require.NoError(t, res.Err)
	assert.Equal(t, api.StatusCompleted, res.Status)
	assert.Equal(t, []byte("payload"), res.Outputs[0].Data)
	assert.Equal(t, "done", *res.Stdout)
}

func TestInvokeTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	res := NewClient(url, nil, 0).Invoke(context.Background(), echoRequest(writeInput(t, "a.cif", []byte("x")), true))
	assert.Equal(t, api.StatusFailedTransport, res.Status)
	var rerr *RemoteInvocationError
	require.True(t, errors.As(res.Err, &rerr))
	assert.True(t, rerr.Transport())
	assert.Equal(t, []string{"echo.txt"}, res.MissingFiles)
}

func TestInvokeRequestTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	res := NewClient(srv.URL, nil, 50*time.Millisecond).Invoke(context.Background(), echoRequest(writeInput(t, "a.cif", []byte("x")), true))
	assert.Equal(t, api.StatusFailedTransport, res.Status)
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
}

func TestInvokeLocalFailures(t *testing.T) {
	srv := bridgetest.New(bridgetest.Echo("echo.txt"))
	defer srv.Close()
	c := NewClient(srv.URL(), nil, 0)

	res := c.Invoke(context.Background(), echoRequest(filepath.Join(t.TempDir(), "missing.cif"), true))
	assert.Equal(t, api.StatusFailedLocal, res.Status)
	assert.ErrorIs(t, res.Err, os.ErrNotExist)

	res = c.Invoke(context.Background(), echoRequest(writeInput(t, "bad.cif.gz", []byte("not gzip")), true))
	assert.Equal(t, api.StatusFailedLocal, res.Status)
	var lerr *LocalError
	assert.True(t, errors.As(res.Err, &lerr))

	// A stream that is truncated mid-body fails while uploading.
	good := gzipped(t, bytes.Repeat([]byte("x"), 1<<20))
	res = c.Invoke(context.Background(), echoRequest(writeInput(t, "cut.cif.gz", good[:len(good)/2]), true))
	assert.Equal(t, api.StatusFailedLocal, res.Status)

	assert.Empty(t, srv.Invocations())
}

func TestInvokeMalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "multipart/form-data; boundary=xyz")
		_, _ = w.Write([]byte("--xyz\r\nContent-Disposition: form-data; name=\"metadata\"\r\n\r\n{not json}\r\n--xyz--\r\n"))
	}))
	defer srv.Close()

	res := NewClient(srv.URL, nil, 0).Invoke(context.Background(), echoRequest(writeInput(t, "a.cif", []byte("x")), true))
	assert.Equal(t, api.StatusFailedRemote, res.Status)
	var derr *DecodeError
	assert.True(t, errors.As(res.Err, &derr))

	srv2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html/>"))
	}))
	defer srv2.Close()
	res = NewClient(srv2.URL, nil, 0).Invoke(context.Background(), echoRequest(writeInput(t, "a.cif", []byte("x")), true))
	assert.True(t, errors.As(res.Err, &derr))
}

func TestMultipartResponseKeepsRelativeNames(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "multipart/mixed; boundary=b")
		_, _ = w.Write([]byte("--b\r\nContent-Disposition: form-data; name=\"metadata\"\r\nContent-Type: application/json\r\n\r\n" +
			`{"status":"completed","exit_code":0}` + "\r\n" +
			"--b\r\nContent-Disposition: form-data; name=\"file\"; filename=\"sub/out.txt\"\r\n\r\nDATA\r\n--b--\r\n"))
	}))
	defer srv.Close()

	req := echoRequest(writeInput(t, "a.cif", []byte("x")), true)
	req.OutputFiles = []string{"sub/out.txt"}
	res := NewClient(srv.URL, nil, 0).Invoke(context.Background(), req)
	require.NoError(t, res.Err)
	require.Len(t, res.Outputs, 1)
	assert.Equal(t, "sub/out.txt", res.Outputs[0].Name)
	assert.Equal(t, []byte("DATA"), res.Outputs[0].Data)
	assert.Empty(t, res.MissingFiles)
	// Inline statistics are kept when no execution_stats object is sent.
	assert.Equal(t, 0.0, res.ExecutionStats["exit_code"])
}

func TestEncoderFor(t *testing.T) {
	enc, err := EncoderFor("")
	require.NoError(t, err)
	assert.Equal(t, "multipart", enc.Name())
	_, err = EncoderFor("grpc")
	assert.Error(t, err)
	assert.Equal(t, []string{"json", "multipart"}, Protocols())
}
