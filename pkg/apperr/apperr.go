// Package apperr classifies pipeline failures so stages can decide whether
// to retry and the API can report a stable error_kind.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
)

type Kind string

const (
	KindInvalidInput        Kind = "invalid_input"
	KindNotFound            Kind = "not_found"
	KindUnsupportedFormat   Kind = "unsupported_format"
	KindUpstreamTransient   Kind = "upstream_transient"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindQuotaExceeded       Kind = "quota_exceeded"
	KindUnauthorized        Kind = "unauthorized"
	KindInternal            Kind = "internal"
)

// Retryable reports whether a call failing with this kind may be attempted again.
func (k Kind) Retryable() bool {
	return k == KindUpstreamTransient || k == KindQuotaExceeded
}

// WireKind is the error_kind reported to callers.
func (k Kind) WireKind() string {
	switch k {
	case KindInvalidInput, KindNotFound, KindUnsupportedFormat, KindUpstreamUnavailable, KindQuotaExceeded:
		return string(k)
	case KindUpstreamTransient:
		return string(KindUpstreamUnavailable)
	default:
		return string(KindInternal)
	}
}

// HTTPStatus maps a kind to the status code of the structured error response.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindUnsupportedFormat:
		return http.StatusUnsupportedMediaType
	case KindNotFound:
		return http.StatusNotFound
	case KindQuotaExceeded:
		return http.StatusTooManyRequests
	case KindUpstreamTransient, KindUpstreamUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type Error struct {
	Kind     Kind
	Stage    string
	Attempts int
	// Alert marks failures an operator should hear about, such as exhausted quota.
	Alert bool
	Err   error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Stage != "" {
		msg = e.Stage + ": " + msg
	}
	if e.Attempts > 1 {
		msg = fmt.Sprintf("%s after %d attempts", msg, e.Attempts)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

func Wrap(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// AtStage wraps err for the given stage, keeping the kind of an existing
// *Error and classifying anything else.
func AtStage(stage string, err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		if e.Stage == "" {
			cp := *e
			cp.Stage = stage
			return &cp
		}
		return e
	}
	return &Error{Kind: Classify(err), Stage: stage, Err: err}
}

// Classify puts an arbitrary error into the taxonomy.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}

	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindUpstreamTransient
	}
	if errors.Is(err, context.Canceled) {
		return KindInternal
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindUpstreamTransient
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindUpstreamTransient
	}
	if errors.Is(err, os.ErrNotExist) {
		return KindNotFound
	}
	if errors.Is(err, os.ErrPermission) {
		return KindUnauthorized
	}
	return KindInternal
}

// FromHTTPStatus classifies a non-2xx response from an upstream service.
func FromHTTPStatus(code int) Kind {
	switch {
	case code == http.StatusTooManyRequests:
		return KindQuotaExceeded
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return KindUnauthorized
	case code == http.StatusNotFound:
		return KindNotFound
	case code == http.StatusUnsupportedMediaType:
		return KindUnsupportedFormat
	case code == http.StatusBadRequest || code == http.StatusRequestEntityTooLarge || code == http.StatusUnprocessableEntity:
		return KindInvalidInput
	case code == http.StatusRequestTimeout || code >= 500:
		return KindUpstreamTransient
	default:
		return KindInternal
	}
}

func KindOf(err error) Kind {
	return Classify(err)
}

// Summary is the caller-visible message: stage and kind plus the cause for
// input errors, never internal detail.
func Summary(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return "internal error"
	}
	if e.Kind == KindInternal {
		if errors.Is(e, context.Canceled) {
			return "processing cancelled"
		}
		if errors.Is(e, context.DeadlineExceeded) {
			return "processing timed out"
		}
	}

	switch e.Kind {
	case KindInvalidInput, KindUnsupportedFormat, KindNotFound:
		if e.Err != nil {
			return e.Err.Error()
		}
		return string(e.Kind)
	case KindQuotaExceeded:
		return fmt.Sprintf("%s: upstream quota exhausted after %d attempts", e.Stage, e.Attempts)
	case KindUpstreamTransient, KindUpstreamUnavailable:
		return fmt.Sprintf("%s: upstream service unavailable after %d attempts", e.Stage, e.Attempts)
	case KindUnauthorized:
		return fmt.Sprintf("%s: upstream rejected service credentials", e.Stage)
	default:
		if e.Stage != "" {
			return fmt.Sprintf("%s: internal error", e.Stage)
		}
		return "internal error"
	}
}
