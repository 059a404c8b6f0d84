package datasource

import (
	"errors"
	"fmt"

	"github.com/roach88/formsql/internal/wire"
)

// ErrNotQueried is returned by Fetch before the first Query.
var ErrNotQueried = errors.New("data source has not been queried")

// ErrReadOnly is the message of responses to DML and locks on a
// query-only source.
var ErrReadOnly = errors.New("data source is read only")

// Error is a failed Query, Fetch or Flush.
//
// Failures of individual records are reported on the record itself
// (Record.Response, Record.Failed); Error summarizes the operation.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// Source names the data source.
	Source string

	// Op is the operation that failed ("query", "fetch", "flush").
	Op string

	// Response is the backend response, when there was one.
	Response *wire.Response
}

// ErrorCode categorizes data source errors.
type ErrorCode string

const (
	// ErrCodeTransport indicates the gateway could not be reached or did
	// not answer with a valid response.
	ErrCodeTransport ErrorCode = "TRANSPORT"

	// ErrCodeRejected indicates the backend refused the request.
	ErrCodeRejected ErrorCode = "REJECTED"

	// ErrCodeViolation indicates an assertion on a pre-image failed.
	ErrCodeViolation ErrorCode = "VIOLATION"

	// ErrCodeMisuse indicates a call the data source cannot honour in its
	// current state (fetch before query, unknown sort column).
	ErrCodeMisuse ErrorCode = "MISUSE"
)

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s %s: %s", e.Code, e.Source, e.Op, e.Message)
}

// IsViolation reports whether err is (or wraps) an assertion violation.
func IsViolation(err error) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Code == ErrCodeViolation
	}
	return false
}

// IsTransport reports whether err is (or wraps) a transport failure.
func IsTransport(err error) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Code == ErrCodeTransport
	}
	return false
}

// IsRejected reports whether err is (or wraps) a backend rejection.
func IsRejected(err error) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Code == ErrCodeRejected
	}
	return false
}

// responseError converts an unsuccessful response.
func responseError(source, op string, resp *wire.Response) *Error {
	if resp == nil {
		return &Error{Code: ErrCodeTransport, Message: "no response", Source: source, Op: op}
	}
	code := ErrCodeRejected
	switch resp.Outcome {
	case wire.TransportFailure:
		code = ErrCodeTransport
	case wire.Violation:
		code = ErrCodeViolation
	}
	return &Error{Code: code, Message: resp.Message, Source: source, Op: op, Response: resp}
}

func misuse(source, op string, err error) *Error {
	return &Error{Code: ErrCodeMisuse, Message: err.Error(), Source: source, Op: op}
}
