// Package errors provides structured error handling for the dataflow engine
package errors

import (
	"errors"
	"fmt"
	"runtime"
	"sort"

	"go.uber.org/zap"
)

// ErrorType represents the category of error
type ErrorType string

const (
	// ErrorTypeInternal represents internal system errors
	ErrorTypeInternal ErrorType = "internal"
	// ErrorTypeValidation represents validation errors
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeTimeout represents timeout errors
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeConnection represents connection errors
	ErrorTypeConnection ErrorType = "connection"
	// ErrorTypeConfig represents configuration errors
	ErrorTypeConfig ErrorType = "config"
	// ErrorTypeData represents data processing errors
	ErrorTypeData ErrorType = "data"
	// ErrorTypeFile represents file operation errors
	ErrorTypeFile ErrorType = "file"

	// ErrorTypeUnknownPluginURN is returned when no factory is registered for a URN
	ErrorTypeUnknownPluginURN ErrorType = "unknown_plugin_urn"
	// ErrorTypeInvalidPluginConfig is returned when a plugin rejects its config payload
	ErrorTypeInvalidPluginConfig ErrorType = "invalid_plugin_config"
	// ErrorTypePortMismatch is returned when wired ports differ from the declared port set
	ErrorTypePortMismatch ErrorType = "port_mismatch"
	// ErrorTypeUnknownDestination is returned when a port names a node that does not exist
	ErrorTypeUnknownDestination ErrorType = "unknown_destination"
	// ErrorTypeInvalidDestination is returned when a port targets a node without an input
	ErrorTypeInvalidDestination ErrorType = "invalid_destination"
	// ErrorTypeDeadEndNode is returned for receivers and processors without output ports
	ErrorTypeDeadEndNode ErrorType = "dead_end_node"
	// ErrorTypeEmptyPort is returned for a port with no destinations
	ErrorTypeEmptyPort ErrorType = "empty_port"
	// ErrorTypeDisconnectedNode is returned for processors and exporters nobody feeds
	ErrorTypeDisconnectedNode ErrorType = "disconnected_node"
	// ErrorTypeDuplicateNode is returned when two nodes share a name
	ErrorTypeDuplicateNode ErrorType = "duplicate_node"
	// ErrorTypeGraphCycle is returned for cycles not broken by a back-edge port
	ErrorTypeGraphCycle ErrorType = "graph_cycle"
	// ErrorTypeInvalidCore is returned when a node is pinned outside the executor range
	ErrorTypeInvalidCore ErrorType = "invalid_core"
)

// Error is a categorized error. Details carry the structured context of a
// build or runtime failure, e.g. the node and port a graph check rejected.
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Details map[string]interface{}

	// program counters of the creation site, resolved lazily by StackTrace
	pcs []uintptr
}

// StackFrame represents a single frame in the call stack
type StackFrame struct {
	Function string
	File     string
	Line     int
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches a target *Error of the same type with an empty message, so
// errors.Is(err, errors.Kind(errors.ErrorTypeGraphCycle)) works through
// wrapping
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Message == "" && t.Type == e.Type
}

// Kind returns a message-less error usable as an errors.Is target
func Kind(errType ErrorType) *Error {
	return &Error{Type: errType}
}

// WithDetail adds a key-value detail to the error
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Detail returns a detail set by WithDetail
func (e *Error) Detail(key string) (interface{}, bool) {
	v, ok := e.Details[key]
	return v, ok
}

// StackTrace resolves the frames recorded when the error was created
func (e *Error) StackTrace() []StackFrame {
	if len(e.pcs) == 0 {
		return nil
	}
	out := make([]StackFrame, 0, len(e.pcs))
	frames := runtime.CallersFrames(e.pcs)
	for {
		f, more := frames.Next()
		out = append(out, StackFrame{Function: f.Function, File: f.File, Line: f.Line})
		if !more {
			break
		}
	}
	return out
}

// New creates a new error with the given type and message
func New(errType ErrorType, message string) *Error {
	return &Error{Type: errType, Message: message, pcs: callers()}
}

// Newf creates a new error with a formatted message
func Newf(errType ErrorType, format string, args ...interface{}) *Error {
	return &Error{Type: errType, Message: fmt.Sprintf(format, args...), pcs: callers()}
}

// Wrap wraps err with a type and message. A wrapped *Error keeps its
// creation stack and details.
func Wrap(err error, errType ErrorType, message string) *Error {
	if err == nil {
		return nil
	}
	w := &Error{Type: errType, Message: message, Cause: err}
	var inner *Error
	if errors.As(err, &inner) {
		w.pcs = inner.pcs
		for k, v := range inner.Details {
			w.WithDetail(k, v)
		}
		return w
	}
	w.pcs = callers()
	return w
}

// IsRetryable reports whether any error in the chain is a timeout or a
// connection failure
func IsRetryable(err error) bool {
	return IsType(err, ErrorTypeTimeout) || IsType(err, ErrorTypeConnection)
}

// IsType checks if the error, or any error it wraps, is of the given type
func IsType(err error, errType ErrorType) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Type == errType {
			return true
		}
		err = e.Cause
	}
	return false
}

// TypeOf returns the outermost ErrorType of err, or an empty string
func TypeOf(err error) ErrorType {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ""
}

// LogFields renders err for structured logging: the error itself, its type
// and every detail as a details.<key> field in key order
func LogFields(err error) []zap.Field {
	fields := []zap.Field{zap.Error(err)}
	var e *Error
	if !errors.As(err, &e) {
		return fields
	}
	fields = append(fields, zap.String("error_type", string(e.Type)))
	keys := make([]string, 0, len(e.Details))
	for k := range e.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fields = append(fields, zap.Any("details."+k, e.Details[k]))
	}
	return fields
}

// callers records the stack above New, Newf or Wrap
func callers() []uintptr {
	const maxFrames = 32
	pcs := make([]uintptr, maxFrames)
	// skip runtime.Callers, callers and the constructor
	n := runtime.Callers(3, pcs)
	return pcs[:n]
}
