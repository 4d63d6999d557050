package transfer

import (
	"errors"
	"fmt"
)

// TemplateResolutionError is returned when an argument template references a
// variable nobody bound, or cannot be parsed.
type TemplateResolutionError struct {
	Template string
	Err      error
}

func (e *TemplateResolutionError) Error() string {
	return fmt.Sprintf("resolve argument %q: %v", e.Template, e.Err)
}

func (e *TemplateResolutionError) Unwrap() error { return e.Err }

// RemoteInvocationError describes a failed exchange with the backing service.
// StatusCode is zero when no response arrived at all.
type RemoteInvocationError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *RemoteInvocationError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("request failed: %v", e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("remote failure (HTTP %d): %v", e.StatusCode, e.Err)
	}
	if e.Body == "" {
		return fmt.Sprintf("remote returned HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("remote returned HTTP %d: %s", e.StatusCode, e.Body)
}

func (e *RemoteInvocationError) Unwrap() error { return e.Err }

// Transport reports whether the request never produced an HTTP response.
func (e *RemoteInvocationError) Transport() bool { return e.StatusCode == 0 }

// ErrNoMetadata is matched by every NoMetadataError.
var ErrNoMetadata = errors.New("response carried no metadata part")

// NoMetadataError is returned when a successful response lacks the metadata
// part. Outputs decoded before the determination are still reported.
type NoMetadataError struct {
	Parts int
}

func (e *NoMetadataError) Error() string {
	return fmt.Sprintf("%v (%d other parts)", ErrNoMetadata, e.Parts)
}

func (e *NoMetadataError) Unwrap() error { return ErrNoMetadata }

// DecodeError wraps a malformed response body.
type DecodeError struct {
	ContentType string
	Err         error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s response: %v", e.ContentType, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// LocalError wraps a failure reading or preparing the input before the
// request could complete.
type LocalError struct {
	Op  string
	Err error
}

func (e *LocalError) Error() string { return e.Op + ": " + e.Err.Error() }

func (e *LocalError) Unwrap() error { return e.Err }
