// Package pdata defines the pipeline data envelope: telemetry batches in one
// of two representations (Arrow columnar or encoded bytes) plus the delivery
// context used to route Ack/Nack outcomes back to the node that asked for them.
package pdata

import (
	"fmt"
	"time"
)

// Signal is the telemetry signal carried by a payload
type Signal uint8

const (
	// SignalLogs carries log records
	SignalLogs Signal = iota + 1
	// SignalMetrics carries metric data points
	SignalMetrics
	// SignalTraces carries spans
	SignalTraces
)

// Signals lists every signal in a stable order
var Signals = []Signal{SignalLogs, SignalMetrics, SignalTraces}

func (s Signal) String() string {
	switch s {
	case SignalLogs:
		return "logs"
	case SignalMetrics:
		return "metrics"
	case SignalTraces:
		return "traces"
	default:
		return fmt.Sprintf("signal(%d)", uint8(s))
	}
}

// MarshalText implements encoding.TextMarshaler
func (s Signal) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *Signal) UnmarshalText(b []byte) error {
	v, err := ParseSignal(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseSignal parses "logs", "metrics" or "traces"
func ParseSignal(s string) (Signal, error) {
	switch s {
	case "logs":
		return SignalLogs, nil
	case "metrics":
		return SignalMetrics, nil
	case "traces":
		return SignalTraces, nil
	}
	return 0, fmt.Errorf("unknown signal %q", s)
}

// LogRecord is one log entry
type LogRecord struct {
	Timestamp      time.Time         `json:"timestamp"`
	SeverityNumber int32             `json:"severity_number,omitempty"`
	SeverityText   string            `json:"severity_text,omitempty"`
	Body           string            `json:"body"`
	TraceID        string            `json:"trace_id,omitempty"`
	SpanID         string            `json:"span_id,omitempty"`
	Attributes     map[string]string `json:"attributes,omitempty"`
}

// DataPoint is one metric sample
type DataPoint struct {
	Timestamp  time.Time         `json:"timestamp"`
	Name       string            `json:"name"`
	Value      float64           `json:"value"`
	Unit       string            `json:"unit,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Span is one trace span
type Span struct {
	TraceID      string            `json:"trace_id"`
	SpanID       string            `json:"span_id"`
	ParentSpanID string            `json:"parent_span_id,omitempty"`
	Name         string            `json:"name"`
	Start        time.Time         `json:"start"`
	End          time.Time         `json:"end"`
	Status       string            `json:"status,omitempty"`
	Attributes   map[string]string `json:"attributes,omitempty"`
}

// Records is the row-oriented form of a batch. Only the slice matching Signal
// is populated.
type Records struct {
	Signal   Signal            `json:"signal"`
	Resource map[string]string `json:"resource,omitempty"`
	Logs     []LogRecord       `json:"logs,omitempty"`
	Metrics  []DataPoint       `json:"metrics,omitempty"`
	Spans    []Span            `json:"spans,omitempty"`
}

// Len returns the number of items for the batch's signal
func (r *Records) Len() int {
	switch r.Signal {
	case SignalLogs:
		return len(r.Logs)
	case SignalMetrics:
		return len(r.Metrics)
	case SignalTraces:
		return len(r.Spans)
	}
	return 0
}
