// Package errors provides the closed set of runtime error codes and the typed
// errors built on top of them. All error types support errors.As() and errors.Is().
package errors

import (
	"context"
	stdErrors "errors"
	"fmt"
	"time"

	"github.com/reglet-dev/filament-host/domain/entities"
)

// Code is the closed set of error codes shared by every entry point.
// The numeric values are part of the binary contract.
type Code int32

const (
	OK               Code = 0
	PermissionDenied Code = 1
	NotFound         Code = 2
	IOFailure        Code = 3
	NotConfigured    Code = 4
	DataTooLarge     Code = 5
	OutOfMemory      Code = 6
	ResourceBusy     Code = 7
	MemoryAccess     Code = 8
	InvalidArgument  Code = 9
	TimedOut         Code = 10
	Internal         Code = 11
	Padding          Code = 12
	VersionMismatch  Code = 13
)

var codeNames = [...]string{
	OK:               "ok",
	PermissionDenied: "permission_denied",
	NotFound:         "not_found",
	IOFailure:        "io_failure",
	NotConfigured:    "not_configured",
	DataTooLarge:     "data_too_large",
	OutOfMemory:      "out_of_memory",
	ResourceBusy:     "resource_busy",
	MemoryAccess:     "memory_access",
	InvalidArgument:  "invalid_argument",
	TimedOut:         "timed_out",
	Internal:         "internal",
	Padding:          "padding",
	VersionMismatch:  "version_mismatch",
}

func (c Code) String() string {
	if c < 0 || int(c) >= len(codeNames) {
		return fmt.Sprintf("code(%d)", int32(c))
	}
	return codeNames[c]
}

// Valid reports whether c belongs to the closed set.
func (c Code) Valid() bool {
	return c >= OK && c <= VersionMismatch
}

// Recoverable reports whether a caller may retry after this code.
func (c Code) Recoverable() bool {
	switch c {
	case NotFound, ResourceBusy, TimedOut:
		return true
	default:
		return false
	}
}

// ContextFatal reports whether this code quarantines the context it occurred on.
func (c Code) ContextFatal() bool {
	return c == MemoryAccess || c == VersionMismatch
}

// CodeFromInt maps a raw status value back into the closed set.
func CodeFromInt(v int64) (Code, bool) {
	c := Code(v)
	if v < 0 || v > int64(VersionMismatch) {
		return Internal, false
	}
	return c, true
}

// Error is the structured error value returned by runtime operations.
type Error struct {
	Err     error
	Op      string
	Message string
	Code    Code
}

// Sentinels for errors.Is comparisons. They match any *Error with the same code.
var (
	ErrPermissionDenied = &Error{Code: PermissionDenied}
	ErrNotFound         = &Error{Code: NotFound}
	ErrIOFailure        = &Error{Code: IOFailure}
	ErrNotConfigured    = &Error{Code: NotConfigured}
	ErrDataTooLarge     = &Error{Code: DataTooLarge}
	ErrOutOfMemory      = &Error{Code: OutOfMemory}
	ErrResourceBusy     = &Error{Code: ResourceBusy}
	ErrMemoryAccess     = &Error{Code: MemoryAccess}
	ErrInvalidArgument  = &Error{Code: InvalidArgument}
	ErrTimedOut         = &Error{Code: TimedOut}
	ErrInternal         = &Error{Code: Internal}
	ErrVersionMismatch  = &Error{Code: VersionMismatch}
)

// New creates an Error with a formatted message.
func New(code Code, op string, format string, args ...any) *Error {
	return &Error{Code: code, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and operation to an underlying error.
func Wrap(code Code, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if msg == "" {
		msg = e.Code.String()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	return fmt.Sprintf("%s [%s]", msg, e.Code)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches sentinel errors by code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Op == "" && t.Message == "" && t.Err == nil {
		return t.Code == e.Code
	}
	return t == e
}

// ErrorCode implements Coder.
func (e *Error) ErrorCode() Code {
	return e.Code
}

// ToErrorDetail implements DetailedError.
func (e *Error) ToErrorDetail() *entities.ErrorDetail {
	d := &entities.ErrorDetail{
		Message: e.Error(),
		Kind:    kindFor(e.Code),
		Reason:  e.Code.String(),
		Retry:   e.Code.Recoverable(),
	}
	if e.Err != nil {
		d.Cause = ToErrorDetail(e.Err)
	}
	return d
}

func kindFor(c Code) string {
	switch c {
	case PermissionDenied:
		return "capability"
	case TimedOut:
		return "timeout"
	case IOFailure:
		return "network"
	case InvalidArgument, DataTooLarge, VersionMismatch:
		return "validation"
	case NotConfigured:
		return "config"
	default:
		return "internal"
	}
}

// Coder is implemented by errors that carry a code from the closed set.
type Coder interface {
	ErrorCode() Code
}

// CodeOf classifies any error into the closed set.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var c Coder
	if stdErrors.As(err, &c) {
		return c.ErrorCode()
	}
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return TimedOut
	}
	if stdErrors.Is(err, context.Canceled) {
		return TimedOut
	}
	return Internal
}

// ErrorDetail is an alias to entities.ErrorDetail for convenience.
type ErrorDetail = entities.ErrorDetail

// DetailedError is an interface for custom error types that can convert themselves
// to a structured ErrorDetail.
type DetailedError interface {
	error
	ToErrorDetail() *entities.ErrorDetail
}

// ToErrorDetail converts a Go error to our structured ErrorDetail.
func ToErrorDetail(err error) *entities.ErrorDetail {
	if err == nil {
		return nil
	}

	var e *entities.ErrorDetail
	if stdErrors.As(err, &e) {
		return e
	}

	var de DetailedError
	if stdErrors.As(err, &de) {
		return de.ToErrorDetail()
	}

	return &entities.ErrorDetail{
		Message: err.Error(),
		Kind:    "internal",
		Reason:  CodeOf(err).String(),
	}
}

// NetworkError represents a failed service I/O operation.
type NetworkError struct {
	Err       error
	Operation string
	Target    string
}

func (e *NetworkError) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("network %s failed for %s: %v", e.Operation, e.Target, e.Err)
	}
	return fmt.Sprintf("network %s failed: %v", e.Operation, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

func (e *NetworkError) ErrorCode() Code {
	return IOFailure
}

// ToErrorDetail implements DetailedError.
func (e *NetworkError) ToErrorDetail() *entities.ErrorDetail {
	return &entities.ErrorDetail{Message: e.Error(), Kind: "network", Reason: e.Operation}
}

// TimeoutError represents a deadline exceeded at a checkpoint.
type TimeoutError struct {
	Operation string
	Target    string
	Duration  time.Duration
}

func (e *TimeoutError) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("%s timeout after %v (target: %s)", e.Operation, e.Duration, e.Target)
	}
	return fmt.Sprintf("%s timeout after %v", e.Operation, e.Duration)
}

func (e *TimeoutError) Timeout() bool {
	return true
}

func (e *TimeoutError) ErrorCode() Code {
	return TimedOut
}

// ToErrorDetail implements DetailedError.
func (e *TimeoutError) ToErrorDetail() *entities.ErrorDetail {
	return &entities.ErrorDetail{Message: e.Error(), Kind: "timeout", Reason: e.Operation, Retry: true}
}

// CapabilityError represents a capability check failure.
type CapabilityError struct {
	Required string // capability name, e.g. "filament.std.net.http"
	Pattern  string // optional: the specific target that was denied
}

func (e *CapabilityError) Error() string {
	if e.Pattern != "" {
		return fmt.Sprintf("missing capability: %s (pattern: %s)", e.Required, e.Pattern)
	}
	return fmt.Sprintf("missing capability: %s", e.Required)
}

func (e *CapabilityError) ErrorCode() Code {
	return PermissionDenied
}

// ToErrorDetail implements DetailedError.
func (e *CapabilityError) ToErrorDetail() *entities.ErrorDetail {
	return &entities.ErrorDetail{Message: e.Error(), Kind: "capability", Reason: e.Required}
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Err   error
	Field string
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config validation failed for field '%s': %v", e.Field, e.Err)
	}
	return fmt.Sprintf("config validation failed: %v", e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

func (e *ConfigError) ErrorCode() Code {
	return NotConfigured
}

// ToErrorDetail implements DetailedError.
func (e *ConfigError) ToErrorDetail() *entities.ErrorDetail {
	return &entities.ErrorDetail{Message: e.Error(), Kind: "config", Reason: e.Field}
}

// HTTPError represents an HTTP request failure.
type HTTPError struct {
	Err        error
	Method     string
	URL        string
	StatusCode int
}

func (e *HTTPError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("http %s %s failed with status %d: %v", e.Method, e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("http %s %s failed: %v", e.Method, e.URL, e.Err)
}

func (e *HTTPError) Unwrap() error {
	return e.Err
}

func (e *HTTPError) Timeout() bool {
	if t, ok := e.Err.(interface{ Timeout() bool }); ok {
		return t.Timeout()
	}
	return false
}

func (e *HTTPError) ErrorCode() Code {
	if e.Timeout() {
		return TimedOut
	}
	return IOFailure
}

// ToErrorDetail implements DetailedError.
func (e *HTTPError) ToErrorDetail() *entities.ErrorDetail {
	detail := &entities.ErrorDetail{Message: e.Error(), Kind: "network", Reason: fmt.Sprintf("http_%d", e.StatusCode)}
	if e.Timeout() {
		detail.Kind = "timeout"
		detail.Retry = true
	}
	return detail
}

// SchemaError represents a schema generation or validation error.
type SchemaError struct {
	Err  error
	Type string
}

func (e *SchemaError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("schema error for type %s: %v", e.Type, e.Err)
	}
	return fmt.Sprintf("schema error: %v", e.Err)
}

func (e *SchemaError) Unwrap() error {
	return e.Err
}

func (e *SchemaError) ErrorCode() Code {
	return InvalidArgument
}

// ToErrorDetail implements DetailedError.
func (e *SchemaError) ToErrorDetail() *entities.ErrorDetail {
	return &entities.ErrorDetail{Message: e.Error(), Kind: "validation", Reason: "schema"}
}

// MemoryError represents an arena reservation that would exceed a ceiling.
type MemoryError struct {
	Requested uint64
	Current   uint64
	Limit     uint64
}

func (e *MemoryError) Error() string {
	return fmt.Sprintf("memory allocation failed: requested %d bytes, current %d bytes, limit %d bytes",
		e.Requested, e.Current, e.Limit)
}

func (e *MemoryError) ErrorCode() Code {
	return OutOfMemory
}

// ToErrorDetail implements DetailedError.
func (e *MemoryError) ToErrorDetail() *entities.ErrorDetail {
	return &entities.ErrorDetail{Message: e.Error(), Kind: "internal", Reason: "memory_limit"}
}

// BudgetError reports a turn whose emitted events exceed the resource ceiling.
type BudgetError struct {
	Cost  uint64
	Used  uint64
	Limit uint64
}

func (e *BudgetError) Error() string {
	return fmt.Sprintf("resource budget exceeded: event cost %d with %d used, limit %d", e.Cost, e.Used, e.Limit)
}

func (e *BudgetError) ErrorCode() Code {
	return DataTooLarge
}

// ToErrorDetail implements DetailedError.
func (e *BudgetError) ToErrorDetail() *entities.ErrorDetail {
	return &entities.ErrorDetail{
		Message: e.Error(),
		Kind:    "validation",
		Reason:  "resource_budget",
		Attrs:   map[string]any{"cost": e.Cost, "used": e.Used, "limit": e.Limit},
	}
}

// WireFormatError represents a boundary encoding or decoding error.
type WireFormatError struct {
	Err       error
	Operation string
	Type      string
}

func (e *WireFormatError) Error() string {
	return fmt.Sprintf("wire format %s failed for %s: %v", e.Operation, e.Type, e.Err)
}

func (e *WireFormatError) Unwrap() error {
	return e.Err
}

func (e *WireFormatError) ErrorCode() Code {
	return InvalidArgument
}

// ToErrorDetail implements DetailedError.
func (e *WireFormatError) ToErrorDetail() *entities.ErrorDetail {
	return &entities.ErrorDetail{Message: e.Error(), Kind: "internal", Reason: "wire_format"}
}
