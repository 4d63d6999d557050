package transfer

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"strings"
)

// MetadataField is the form name of the metadata part in a multipart response.
const MetadataField = "metadata"

// Output is one produced artifact.
type Output struct {
	Name string
	Data []byte
}

// remoteMetadata is the service's status record. Keys it does not name are
// kept in extra and folded into execution statistics.
type remoteMetadata struct {
	Status         *string        `json:"status"`
	Stdout         *string        `json:"stdout"`
	Stderr         *string        `json:"stderr"`
	Error          string         `json:"error"`
	ExecutionStats map[string]any `json:"execution_stats"`

	extra map[string]any
}

var knownMetadataKeys = map[string]bool{
	"status": true, "stdout": true, "stderr": true, "error": true,
	"execution_stats": true, "output_files": true,
}

func parseMetadata(raw []byte) (*remoteMetadata, error) {
	var md remoteMetadata
	if err := json.Unmarshal(raw, &md); err != nil {
		return nil, err
	}
	var all map[string]any
	if err := json.Unmarshal(raw, &all); err != nil {
		return nil, err
	}
	for k, v := range all {
		if knownMetadataKeys[k] {
			continue
		}
		if md.extra == nil {
			md.extra = make(map[string]any)
		}
		md.extra[k] = v
	}
	return &md, nil
}

// stats returns execution_stats, or the unrecognised top-level keys when the
// service reports statistics inline.
func (m *remoteMetadata) stats() map[string]any {
	if m.ExecutionStats != nil {
		return m.ExecutionStats
	}
	return m.extra
}

type decoded struct {
	meta    *remoteMetadata
	outputs []Output
	legacy  bool
}

// decodeResponse picks a decoder by content type. On error, outputs decoded
// so far are still returned.
func decodeResponse(contentType string, body io.Reader) (*decoded, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, &DecodeError{ContentType: contentType, Err: err}
	}
	switch {
	case strings.HasPrefix(mediaType, "multipart/"):
		return decodeMultipart(contentType, params["boundary"], body)
	case mediaType == "application/json" || strings.HasSuffix(mediaType, "+json"):
		return decodeLegacyJSON(contentType, body)
	default:
		return nil, &DecodeError{ContentType: contentType, Err: errors.New("unsupported content type")}
	}
}

func decodeMultipart(contentType, boundary string, body io.Reader) (*decoded, error) {
	if boundary == "" {
		return nil, &DecodeError{ContentType: contentType, Err: errors.New("missing boundary")}
	}
	out := &decoded{}
	mr := multipart.NewReader(body, boundary)
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return out, &DecodeError{ContentType: contentType, Err: err}
		}
		data, err := io.ReadAll(part)
		part.Close()
		if err != nil {
			return out, &DecodeError{ContentType: contentType, Err: err}
		}
		name := partName(part)
		if name == MetadataField && out.meta == nil {
			md, err := parseMetadata(data)
			if err != nil {
				return out, &DecodeError{ContentType: contentType, Err: fmt.Errorf("metadata part: %w", err)}
			}
			out.meta = md
			continue
		}
		if name == "" {
			return out, &DecodeError{ContentType: contentType, Err: errors.New("part without a name")}
		}
		out.outputs = append(out.outputs, Output{Name: name, Data: data})
	}
	return out, nil
}

// partName prefers the raw filename parameter so relative paths survive;
// Part.FileName would reduce it to its base name.
func partName(p *multipart.Part) string {
	if _, params, err := mime.ParseMediaType(p.Header.Get("Content-Disposition")); err == nil {
		if fn := params["filename"]; fn != "" {
			if params["name"] == MetadataField {
				return MetadataField
			}
			return fn
		}
	}
	return p.FormName()
}

type legacyFile struct {
	RelativePath  string  `json:"relative_path"`
	ContentBase64 *string `json:"content_base64"`
}

func decodeLegacyJSON(contentType string, body io.Reader) (*decoded, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, &DecodeError{ContentType: contentType, Err: err}
	}
	md, err := parseMetadata(raw)
	if err != nil {
		return nil, &DecodeError{ContentType: contentType, Err: err}
	}
	var files struct {
		OutputFiles []legacyFile `json:"output_files"`
	}
	if err := json.Unmarshal(raw, &files); err != nil {
		return nil, &DecodeError{ContentType: contentType, Err: fmt.Errorf("output_files: %w", err)}
	}
	out := &decoded{meta: md, legacy: true}
	for _, f := range files.OutputFiles {
		if f.RelativePath == "" || f.ContentBase64 == nil {
			continue
		}
		data, err := base64.StdEncoding.DecodeString(*f.ContentBase64)
		if err != nil {
			return out, &DecodeError{ContentType: contentType, Err: fmt.Errorf("%s: %w", f.RelativePath, err)}
		}
		out.outputs = append(out.outputs, Output{Name: f.RelativePath, Data: data})
	}
	return out, nil
}
