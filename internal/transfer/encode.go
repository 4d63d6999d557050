package transfer

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"sort"

	"github.com/cli2rest/cli2rest/internal/toolconfig"
)

// Encoder turns a request and its input stream into a request body. Begin is
// called once per request; the returned write function runs on its own
// goroutine and streams the body into w.
type Encoder interface {
	Name() string
	Begin(req *Request, input io.Reader) (contentType string, write func(w io.Writer) error)
}

var encoders = map[string]Encoder{
	toolconfig.ProtocolMultipart: MultipartEncoder{},
	toolconfig.ProtocolJSON:      JSONEncoder{},
}

// EncoderFor returns the encoder registered for protocol. An empty protocol
// selects multipart.
func EncoderFor(protocol string) (Encoder, error) {
	if protocol == "" {
		protocol = toolconfig.ProtocolMultipart
	}
	enc, ok := encoders[protocol]
	if !ok {
		return nil, fmt.Errorf("unknown protocol %q (known: %v)", protocol, Protocols())
	}
	return enc, nil
}

// Protocols lists the registered protocol names.
func Protocols() []string {
	names := make([]string, 0, len(encoders))
	for n := range encoders {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// MultipartEncoder sends repeated "arguments" and "output_files" form fields
// followed by one file part named after the upload role.
type MultipartEncoder struct{}

func (MultipartEncoder) Name() string { return toolconfig.ProtocolMultipart }

func (MultipartEncoder) Begin(req *Request, input io.Reader) (string, func(io.Writer) error) {
	boundary := multipart.NewWriter(io.Discard).Boundary()
	contentType := "multipart/form-data; boundary=" + boundary
	return contentType, func(w io.Writer) error {
		mw := multipart.NewWriter(w)
		if err := mw.SetBoundary(boundary); err != nil {
			return err
		}
		for _, a := range req.Arguments {
			if err := mw.WriteField("arguments", a); err != nil {
				return err
			}
		}
		for _, o := range req.OutputFiles {
			if err := mw.WriteField("output_files", o); err != nil {
				return err
			}
		}
		part, err := mw.CreateFormFile(req.InputRole, req.InputRole)
		if err != nil {
			return err
		}
		if _, err := io.Copy(part, input); err != nil {
			return err
		}
		return mw.Close()
	}
}

// JSONEncoder sends the legacy JSON body with base64 file content.
type JSONEncoder struct{}

func (JSONEncoder) Name() string { return toolconfig.ProtocolJSON }

func (JSONEncoder) Begin(req *Request, input io.Reader) (string, func(io.Writer) error) {
	return "application/json", func(w io.Writer) error {
		args, err := json.Marshal(nonNil(req.Arguments))
		if err != nil {
			return err
		}
		outs, err := json.Marshal(nonNil(req.OutputFiles))
		if err != nil {
			return err
		}
		role, err := json.Marshal(req.InputRole)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, `{"arguments":%s,"output_files":%s,"files":[{"relative_path":%s,"content_base64":"`, args, outs, role); err != nil {
			return err
		}
		enc := base64.NewEncoder(base64.StdEncoding, w)
		if _, err := io.Copy(enc, input); err != nil {
			return err
		}
		if err := enc.Close(); err != nil {
			return err
		}
		_, err = io.WriteString(w, `"}]}`)
		return err
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
