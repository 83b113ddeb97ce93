package errs

import (
	"errors"
	"fmt"
)

// AppError is the error type surfaced by the sync core. Only terminal,
// user-actionable failures carry one; internal corrections (duplicate
// suppression, ack matching) are handled silently inside the stores.
type AppError struct {
	Code    Code
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Cause }

// Constructors
func New(code Code, message string) error {
	return &AppError{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) error {
	return &AppError{Code: code, Message: message, Cause: cause}
}

func InvalidArg(msg string) error {
	return New(CodeInvalidArgument, msg)
}

func NotFound(msg string) error {
	return New(CodeNotFound, msg)
}

func GatingDenied(msg string) error {
	return New(CodeGatingDenied, msg)
}

func TransportDown(msg string, cause error) error {
	return Wrap(CodeTransportDown, msg, cause)
}

func UploadTimeout(msg string, cause error) error {
	return Wrap(CodeUploadTimeout, msg, cause)
}

func PipelineBusy(msg string) error {
	return New(CodePipelineBusy, msg)
}

func Internal(msg string) error {
	return New(CodeInternal, msg)
}

// CodeOf extracts the code from err, or CodeUnknown for foreign errors.
func CodeOf(err error) Code {
	var app *AppError
	if errors.As(err, &app) {
		return app.Code
	}
	return CodeUnknown
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}
