// Package errs defines the error taxonomy shared by every researchd
// component. Errors carry a machine-readable Kind that decides retry
// behaviour and the payload of terminal job.failed events.
package errs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies an error for retry and reporting decisions.
type Kind string

const (
	// KindInvalidParams marks schema validation failures. Never retried.
	KindInvalidParams Kind = "invalid_params"
	// KindNotFound marks lookups of unknown job, report, or cache ids.
	KindNotFound Kind = "not_found"
	// KindUnauthorized marks requests lacking a required credential.
	KindUnauthorized Kind = "unauthorized"
	// KindTransient marks retryable failures: storage contention,
	// provider 5xx/429, connection resets.
	KindTransient Kind = "transient"
	// KindCanceled marks a cooperative cancel observed by a handler.
	KindCanceled Kind = "canceled"
	// KindPartialFailure marks a research job where fewer than half of
	// the sub-queries succeeded.
	KindPartialFailure Kind = "partial_failure"
	// KindFatal marks unrecoverable failures: schema mismatch,
	// embedding dimension mismatch, provider auth failure.
	KindFatal Kind = "fatal"
)

// Error is the taxonomy-aware error type. Stage is optional and names the
// pipeline stage that failed (plan, research, synthesis).
type Error struct {
	Kind    Kind
	Message string
	Stage   string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Stage != "" {
		b.WriteString(" [" + e.Stage + "]")
	}
	if e.Message != "" {
		b.WriteString(": " + e.Message)
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality so errors.Is(err, errs.New(kind, "")) works
// for sentinel comparisons.
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return te.Kind == e.Kind
	}
	return false
}

// New creates an Error with a kind and message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Newf creates an Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap annotates err with a kind and message, preserving the chain.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// WithStage returns a copy of the error annotated with a pipeline stage.
func WithStage(err error, stage string) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		out := *e
		out.Stage = stage
		return &out
	}
	return &Error{Kind: KindOf(err), Stage: stage, Err: err}
}

// KindOf walks the chain and returns the outermost Kind. Context
// cancellation maps to KindCanceled, deadline expiry to KindTransient,
// anything unclassified to KindFatal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return KindFatal
}

// IsTransient reports whether the error is retryable in place.
func IsTransient(err error) bool { return KindOf(err) == KindTransient }

// IsCanceled reports whether the error is a cooperative cancel.
func IsCanceled(err error) bool { return KindOf(err) == KindCanceled }

// IsNotFound reports whether the error is a missing-entity lookup.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// retryRequest wraps a handler error that explicitly asks the worker
// pool to re-queue the job for another attempt.
type retryRequest struct{ err error }

func (r *retryRequest) Error() string { return "retry requested: " + r.err.Error() }
func (r *retryRequest) Unwrap() error { return r.err }

// RequestRetry marks err as a handler-requested re-queue. The worker pool
// honours it only while attempt_count < max_attempts.
func RequestRetry(err error) error {
	if err == nil {
		return nil
	}
	return &retryRequest{err: err}
}

// RetryRequested reports whether the handler asked for a re-queue.
func RetryRequested(err error) bool {
	var r *retryRequest
	return errors.As(err, &r)
}

// HTTPStatus maps an error kind to an HTTP status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindInvalidParams:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindTransient:
		return http.StatusServiceUnavailable
	case KindCanceled:
		// Client-initiated cancels are not failures.
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}

// Record is the machine-readable error payload carried by terminal
// job.failed events.
type Record struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	Stage   string `json:"stage,omitempty"`
}

// RecordOf flattens an error into its event payload form.
func RecordOf(err error) Record {
	var e *Error
	if errors.As(err, &e) {
		msg := e.Message
		if msg == "" && e.Err != nil {
			msg = e.Err.Error()
		}
		return Record{Kind: e.Kind, Message: msg, Stage: e.Stage}
	}
	return Record{Kind: KindOf(err), Message: err.Error()}
}
