// Package errs provides structured error types and helpers shared across the
// tradebridge stack.
package errs

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

// Code identifies an error category in the bridge taxonomy.
type Code string

const (
	// CodeTimeout indicates a blocking wait exceeded its budget. Always recoverable.
	CodeTimeout Code = "timeout"
	// CodeInvalid indicates invalid arguments supplied by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeUnavailable indicates the bridge worker is down or was never started.
	CodeUnavailable Code = "unavailable"
	// CodeConflict indicates an illegal repeated operation, e.g. a second start.
	CodeConflict Code = "conflict"
	// CodeInsufficientPosition indicates a close request exceeding held lots.
	CodeInsufficientPosition Code = "insufficient_position"
	// CodeRejected indicates the exchange or gateway explicitly refused a request.
	CodeRejected Code = "rejected"
	// CodeTooManyStrategies indicates the strategy ceiling is reached.
	CodeTooManyStrategies Code = "too_many_strategies"
	// CodeInternal captures uncategorized failures inside the bridge itself.
	CodeInternal Code = "internal"
)

// E captures structured error information produced across the tradebridge stack.
type E struct {
	Op         string
	Code       Code
	Instrument string
	Message    string
	RawCode    string
	RawMsg     string
	Timeout    time.Duration

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the originating operation and code.
func New(op string, code Code, opts ...Option) *E {
	e := &E{
		Op:   strings.TrimSpace(op),
		Code: code,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithInstrument records the instrument the failed operation addressed.
func WithInstrument(id string) Option {
	trimmed := strings.TrimSpace(id)
	return func(e *E) {
		e.Instrument = trimmed
	}
}

// WithTimeout records the budget the failed wait was given.
func WithTimeout(d time.Duration) Option {
	return func(e *E) {
		e.Timeout = d
	}
}

// WithRawCode captures the raw gateway error code.
func WithRawCode(code string) Option {
	trimmed := strings.TrimSpace(code)
	return func(e *E) {
		e.RawCode = trimmed
	}
}

// WithRawMessage captures the raw gateway error message.
func WithRawMessage(msg string) Option {
	return func(e *E) {
		e.RawMsg = msg
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	op := e.Op
	if op == "" {
		op = "unknown"
	}
	parts = append(parts, "op="+op)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Instrument != "" {
		parts = append(parts, "instrument="+e.Instrument)
	}
	if e.Timeout > 0 {
		parts = append(parts, "timeout="+e.Timeout.String())
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.RawCode != "" {
		parts = append(parts, "raw_code="+strconv.Quote(e.RawCode))
	}
	if e.RawMsg != "" {
		parts = append(parts, "raw_msg="+strconv.Quote(e.RawMsg))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// Is lets errors.Is match two envelopes by code alone.
func (e *E) Is(target error) bool {
	var other *E
	if !errors.As(target, &other) {
		return false
	}
	return e != nil && other != nil && e.Code == other.Code
}

// CodeOf extracts the taxonomy code from err, or CodeInternal when err carries none.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Code
	}
	return CodeInternal
}

// IsTimeout reports whether err represents an exhausted wait budget.
func IsTimeout(err error) bool {
	return CodeOf(err) == CodeTimeout
}

// IsUnavailable reports whether err represents a dead or unstarted bridge.
func IsUnavailable(err error) bool {
	return CodeOf(err) == CodeUnavailable
}
