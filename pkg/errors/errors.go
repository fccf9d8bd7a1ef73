// Package errors provides the coded error type shared by the registry, the
// property system and the import/export pipelines.
package errors

import (
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strings"
)

// Code identifies an error kind for programmatic handling.
type Code string

const (
	// Format resolution (1xx)
	CodeUnknownFormat      Code = "E101"
	CodeUnsupportedFormat  Code = "E102"
	CodeDuplicateFormat    Code = "E103"
	CodeNoSupportingWriter Code = "E104"

	// Configuration (2xx)
	CodeInvalidValue    Code = "E201"
	CodeUnknownProperty Code = "E202"

	// File I/O (3xx)
	CodeFileReadProblem     Code = "E301"
	CodeFileTransferProblem Code = "E302"
	CodeFileWriteProblem    Code = "E303"

	// System (4xx)
	CodeCancelled Code = "E401"
	CodePanic     Code = "E403"

	CodeUnknown Code = "E999"
)

var codeNames = map[Code]string{
	CodeUnknownFormat:       "UnknownFormat",
	CodeUnsupportedFormat:   "UnsupportedFormat",
	CodeDuplicateFormat:     "DuplicateFormat",
	CodeNoSupportingWriter:  "NoSupportingWriter",
	CodeInvalidValue:        "InvalidValue",
	CodeUnknownProperty:     "UnknownProperty",
	CodeFileReadProblem:     "FileReadProblem",
	CodeFileTransferProblem: "FileTransferProblem",
	CodeFileWriteProblem:    "FileWriteProblem",
	CodeCancelled:           "Cancelled",
	CodePanic:               "Panic",
}

// Name returns the symbolic name of the code, e.g. "FileReadProblem".
func (c Code) Name() string {
	if n, ok := codeNames[c]; ok {
		return n
	}
	return "Unknown"
}

// Error is the base error type for all cadflow errors.
type Error struct {
	Code    Code
	Message string

	// Path is the file the error relates to, if any.
	Path string
	// Format is the format identifier the error relates to, if any.
	Format string
	// Partial reports that some output bytes were already flushed to the
	// destination before a write failed.
	Partial bool

	Cause      error
	Context    map[string]interface{}
	StackTrace []Frame
}

// Frame represents a stack frame.
type Frame struct {
	Function string
	File     string
	Line     int
}

// Error implements the error interface.
func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("[%s] %s", e.Code, e.Message))

	var attrs []string
	if e.Path != "" {
		attrs = append(attrs, "path="+e.Path)
	}
	if e.Format != "" {
		attrs = append(attrs, "format="+e.Format)
	}
	if e.Partial {
		attrs = append(attrs, "partial=true")
	}
	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			attrs = append(attrs, fmt.Sprintf("%s=%v", k, e.Context[k]))
		}
	}
	if len(attrs) > 0 {
		sb.WriteString(" (")
		sb.WriteString(strings.Join(attrs, ", "))
		sb.WriteString(")")
	}

	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}

	return sb.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// WithContext adds context to the error.
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithPath records the file path the error relates to.
func (e *Error) WithPath(path string) *Error {
	e.Path = path
	return e
}

// WithFormat records the format identifier the error relates to.
func (e *Error) WithFormat(format string) *Error {
	e.Format = format
	return e
}

// Reason returns a human readable cause suitable for direct display: the
// message followed by the innermost diagnostic, without code or attributes.
func (e *Error) Reason() string {
	if e.Cause == nil {
		return e.Message
	}
	return e.Message + ": " + e.Cause.Error()
}

// New creates a new Error.
func New(code Code, message string) *Error {
	return &Error{
		Code:       code,
		Message:    message,
		StackTrace: captureStack(2),
	}
}

// Newf creates a new Error with a formatted message.
func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{
		Code:       code,
		Message:    fmt.Sprintf(format, args...),
		StackTrace: captureStack(2),
	}
}

// Wrap wraps an existing error with a code and message.
func Wrap(err error, code Code, message string) *Error {
	if err == nil {
		return nil
	}

	return &Error{
		Code:       code,
		Message:    message,
		Cause:      err,
		StackTrace: captureStack(2),
	}
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, code Code, format string, args ...interface{}) *Error {
	return Wrap(err, code, fmt.Sprintf(format, args...))
}

// captureStack captures the current stack trace.
func captureStack(skip int) []Frame {
	var frames []Frame
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip+1, pcs)
	pcs = pcs[:n]

	cf := runtime.CallersFrames(pcs)
	for {
		frame, more := cf.Next()
		frames = append(frames, Frame{
			Function: frame.Function,
			File:     frame.File,
			Line:     frame.Line,
		})
		if !more || len(frames) >= 10 {
			break
		}
	}
	return frames
}

// FormatStack returns a formatted stack trace.
func (e *Error) FormatStack() string {
	var sb strings.Builder
	for _, f := range e.StackTrace {
		sb.WriteString(fmt.Sprintf("  at %s\n    %s:%d\n", f.Function, f.File, f.Line))
	}
	return sb.String()
}

// --- Convenience constructors ---

// UnknownFormat reports that no plugin matched a file by extension or content.
func UnknownFormat(path string) *Error {
	return New(CodeUnknownFormat, "no format matches the file extension or content").WithPath(path)
}

// UnsupportedFormat reports a known format without a plugin for the role.
func UnsupportedFormat(format, role string) *Error {
	return Newf(CodeUnsupportedFormat, "no %s registered for format", role).WithFormat(format)
}

// DuplicateFormat reports a second registration of a (format, role) pair.
func DuplicateFormat(format, role string) *Error {
	return Newf(CodeDuplicateFormat, "%s already registered for format", role).WithFormat(format)
}

// NoSupportingWriter reports an export to a format without a writer.
func NoSupportingWriter(format, path string) *Error {
	return New(CodeNoSupportingWriter, "no writer supports the target format").
		WithFormat(format).
		WithPath(path)
}

// InvalidValue reports a value rejected by a property's kind or constraints.
func InvalidValue(property string, value interface{}, reason string) *Error {
	return Newf(CodeInvalidValue, "invalid value for property %q: %s", property, reason).
		WithContext("value", value)
}

// UnknownProperty reports an access to an undeclared property.
func UnknownProperty(property string) *Error {
	return Newf(CodeUnknownProperty, "unknown property %q", property)
}

// FileReadProblem wraps a plugin failure while parsing a file.
func FileReadProblem(path, format string, err error) *Error {
	return Wrap(err, CodeFileReadProblem, "could not read file").WithPath(path).WithFormat(format)
}

// FileTransferProblem wraps a failure while integrating parsed data into a
// document.
func FileTransferProblem(path, format string, err error) *Error {
	return Wrap(err, CodeFileTransferProblem, "file was read but could not be transferred into the document").
		WithPath(path).
		WithFormat(format)
}

// FileWriteProblem wraps a serialization or flush failure.
func FileWriteProblem(path, format string, partial bool, err error) *Error {
	e := Wrap(err, CodeFileWriteProblem, "could not write file").WithPath(path).WithFormat(format)
	e.Partial = partial
	return e
}

// Cancelled creates a cancellation error.
func Cancelled(operation, path string) *Error {
	return New(CodeCancelled, "operation cancelled").
		WithContext("operation", operation).
		WithPath(path)
}

// --- Error checking utilities ---

// IsCode checks if an error has a specific code.
func IsCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// GetCode extracts the error code from an error.
func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// IsPartial reports whether a write error left partial output behind.
func IsPartial(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Partial
	}
	return false
}

// IsConfiguration returns true for errors raised before any I/O begins.
func IsConfiguration(err error) bool {
	switch GetCode(err) {
	case CodeInvalidValue, CodeUnknownProperty:
		return true
	default:
		return false
	}
}

// MultiError collects multiple errors.
type MultiError struct {
	Errors []error
}

// Error implements the error interface.
func (m *MultiError) Error() string {
	if len(m.Errors) == 0 {
		return "no errors"
	}
	if len(m.Errors) == 1 {
		return m.Errors[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d errors occurred:\n", len(m.Errors)))
	for i, err := range m.Errors {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Unwrap exposes the collected errors to errors.Is and errors.As.
func (m *MultiError) Unwrap() []error {
	return m.Errors
}

// Add adds an error to the collection.
func (m *MultiError) Add(err error) {
	if err != nil {
		m.Errors = append(m.Errors, err)
	}
}

// HasErrors returns true if any errors were collected.
func (m *MultiError) HasErrors() bool {
	return len(m.Errors) > 0
}

// Combined returns nil if no errors, the single error if one, or the MultiError.
func (m *MultiError) Combined() error {
	switch len(m.Errors) {
	case 0:
		return nil
	case 1:
		return m.Errors[0]
	default:
		return m
	}
}
