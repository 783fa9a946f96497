package ingest

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/hdmeal/hdmeal/store"
)

// UpstreamError reports a failed call against an upstream provider.
// Transient failures (timeouts, rate limits, 5xx) may be retried by the
// caller; permanent ones (bad credentials, malformed request) may not.
type UpstreamError struct {
	Service   string
	Transient bool
	Err       error
}

func (e *UpstreamError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("upstream %s: %s failure: %v", e.Service, kind, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

func transientErr(service string, err error) *UpstreamError {
	return &UpstreamError{Service: service, Transient: true, Err: err}
}

func permanentErr(service string, err error) *UpstreamError {
	return &UpstreamError{Service: service, Transient: false, Err: err}
}

// IsTransient reports whether err is a retryable upstream failure.
func IsTransient(err error) bool {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Transient
	}
	return false
}

// NormalizationError reports a raw record whose shape the normalizer does
// not recognize. Always permanent for that single cell; the caller logs
// and skips the date rather than aborting the window.
type NormalizationError struct {
	Type   store.DataType
	Reason string
	Err    error
}

func (e *NormalizationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cannot normalize %s record: %s: %v", e.Type, e.Reason, e.Err)
	}
	return fmt.Sprintf("cannot normalize %s record: %s", e.Type, e.Reason)
}

func (e *NormalizationError) Unwrap() error {
	return e.Err
}
