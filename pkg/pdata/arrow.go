package pdata

import (
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/goccy/go-json"
)

var allocator = memory.NewGoAllocator()

// Column layouts. Timestamps are unix nanoseconds; attributes are a JSON
// object string, null when empty.
var (
	logsSchema = arrow.NewSchema([]arrow.Field{
		{Name: "time_unix_nano", Type: arrow.PrimitiveTypes.Int64},
		{Name: "severity_number", Type: arrow.PrimitiveTypes.Int32},
		{Name: "severity_text", Type: arrow.BinaryTypes.String},
		{Name: "body", Type: arrow.BinaryTypes.String},
		{Name: "trace_id", Type: arrow.BinaryTypes.String},
		{Name: "span_id", Type: arrow.BinaryTypes.String},
		{Name: "attributes", Type: arrow.BinaryTypes.String, Nullable: true},
	}, nil)

	metricsSchema = arrow.NewSchema([]arrow.Field{
		{Name: "time_unix_nano", Type: arrow.PrimitiveTypes.Int64},
		{Name: "name", Type: arrow.BinaryTypes.String},
		{Name: "value", Type: arrow.PrimitiveTypes.Float64},
		{Name: "unit", Type: arrow.BinaryTypes.String},
		{Name: "attributes", Type: arrow.BinaryTypes.String, Nullable: true},
	}, nil)

	tracesSchema = arrow.NewSchema([]arrow.Field{
		{Name: "trace_id", Type: arrow.BinaryTypes.String},
		{Name: "span_id", Type: arrow.BinaryTypes.String},
		{Name: "parent_span_id", Type: arrow.BinaryTypes.String},
		{Name: "name", Type: arrow.BinaryTypes.String},
		{Name: "start_time_unix_nano", Type: arrow.PrimitiveTypes.Int64},
		{Name: "end_time_unix_nano", Type: arrow.PrimitiveTypes.Int64},
		{Name: "status", Type: arrow.BinaryTypes.String},
		{Name: "attributes", Type: arrow.BinaryTypes.String, Nullable: true},
	}, nil)
)

// SchemaFor returns the Arrow schema of a signal
func SchemaFor(s Signal) *arrow.Schema {
	switch s {
	case SignalLogs:
		return logsSchema
	case SignalMetrics:
		return metricsSchema
	case SignalTraces:
		return tracesSchema
	}
	return nil
}

// FromRecords builds the Arrow representation of row-oriented records
func FromRecords(r *Records) (*Columnar, error) {
	schema := SchemaFor(r.Signal)
	if schema == nil {
		return nil, fmt.Errorf("no schema for %s", r.Signal)
	}

	b := array.NewRecordBuilder(allocator, schema)
	defer b.Release()

	var err error
	switch r.Signal {
	case SignalLogs:
		err = appendLogs(b, r.Logs)
	case SignalMetrics:
		err = appendMetrics(b, r.Metrics)
	case SignalTraces:
		err = appendSpans(b, r.Spans)
	}
	if err != nil {
		return nil, err
	}

	return &Columnar{
		signal:   r.Signal,
		resource: r.Resource,
		record:   b.NewRecord(),
	}, nil
}

func appendAttributes(b *array.StringBuilder, attrs map[string]string) error {
	if len(attrs) == 0 {
		b.AppendNull()
		return nil
	}
	data, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("failed to encode attributes: %w", err)
	}
	b.Append(string(data))
	return nil
}

func appendLogs(b *array.RecordBuilder, logs []LogRecord) error {
	ts := b.Field(0).(*array.Int64Builder)
	sevNum := b.Field(1).(*array.Int32Builder)
	sevText := b.Field(2).(*array.StringBuilder)
	body := b.Field(3).(*array.StringBuilder)
	traceID := b.Field(4).(*array.StringBuilder)
	spanID := b.Field(5).(*array.StringBuilder)
	attrs := b.Field(6).(*array.StringBuilder)

	for i := range logs {
		l := &logs[i]
		ts.Append(l.Timestamp.UnixNano())
		sevNum.Append(l.SeverityNumber)
		sevText.Append(l.SeverityText)
		body.Append(l.Body)
		traceID.Append(l.TraceID)
		spanID.Append(l.SpanID)
		if err := appendAttributes(attrs, l.Attributes); err != nil {
			return err
		}
	}
	return nil
}

func appendMetrics(b *array.RecordBuilder, points []DataPoint) error {
	ts := b.Field(0).(*array.Int64Builder)
	name := b.Field(1).(*array.StringBuilder)
	value := b.Field(2).(*array.Float64Builder)
	unit := b.Field(3).(*array.StringBuilder)
	attrs := b.Field(4).(*array.StringBuilder)

	for i := range points {
		p := &points[i]
		ts.Append(p.Timestamp.UnixNano())
		name.Append(p.Name)
		value.Append(p.Value)
		unit.Append(p.Unit)
		if err := appendAttributes(attrs, p.Attributes); err != nil {
			return err
		}
	}
	return nil
}

func appendSpans(b *array.RecordBuilder, spans []Span) error {
	traceID := b.Field(0).(*array.StringBuilder)
	spanID := b.Field(1).(*array.StringBuilder)
	parent := b.Field(2).(*array.StringBuilder)
	name := b.Field(3).(*array.StringBuilder)
	start := b.Field(4).(*array.Int64Builder)
	end := b.Field(5).(*array.Int64Builder)
	status := b.Field(6).(*array.StringBuilder)
	attrs := b.Field(7).(*array.StringBuilder)

	for i := range spans {
		s := &spans[i]
		traceID.Append(s.TraceID)
		spanID.Append(s.SpanID)
		parent.Append(s.ParentSpanID)
		name.Append(s.Name)
		start.Append(s.Start.UnixNano())
		end.Append(s.End.UnixNano())
		status.Append(s.Status)
		if err := appendAttributes(attrs, s.Attributes); err != nil {
			return err
		}
	}
	return nil
}

// Records converts the Arrow batch back to row-oriented records
func (c *Columnar) Records() (*Records, error) {
	out := &Records{Signal: c.signal, Resource: c.resource}
	rec := c.record
	n := int(rec.NumRows())

	switch c.signal {
	case SignalLogs:
		ts := rec.Column(0).(*array.Int64)
		sevNum := rec.Column(1).(*array.Int32)
		sevText := rec.Column(2).(*array.String)
		body := rec.Column(3).(*array.String)
		traceID := rec.Column(4).(*array.String)
		spanID := rec.Column(5).(*array.String)
		attrs := rec.Column(6).(*array.String)
		out.Logs = make([]LogRecord, n)
		for i := 0; i < n; i++ {
			a, err := readAttributes(attrs, i)
			if err != nil {
				return nil, err
			}
			out.Logs[i] = LogRecord{
				Timestamp:      time.Unix(0, ts.Value(i)).UTC(),
				SeverityNumber: sevNum.Value(i),
				SeverityText:   sevText.Value(i),
				Body:           body.Value(i),
				TraceID:        traceID.Value(i),
				SpanID:         spanID.Value(i),
				Attributes:     a,
			}
		}
	case SignalMetrics:
		ts := rec.Column(0).(*array.Int64)
		name := rec.Column(1).(*array.String)
		value := rec.Column(2).(*array.Float64)
		unit := rec.Column(3).(*array.String)
		attrs := rec.Column(4).(*array.String)
		out.Metrics = make([]DataPoint, n)
		for i := 0; i < n; i++ {
			a, err := readAttributes(attrs, i)
			if err != nil {
				return nil, err
			}
			out.Metrics[i] = DataPoint{
				Timestamp:  time.Unix(0, ts.Value(i)).UTC(),
				Name:       name.Value(i),
				Value:      value.Value(i),
				Unit:       unit.Value(i),
				Attributes: a,
			}
		}
	case SignalTraces:
		traceID := rec.Column(0).(*array.String)
		spanID := rec.Column(1).(*array.String)
		parent := rec.Column(2).(*array.String)
		name := rec.Column(3).(*array.String)
		start := rec.Column(4).(*array.Int64)
		end := rec.Column(5).(*array.Int64)
		status := rec.Column(6).(*array.String)
		attrs := rec.Column(7).(*array.String)
		out.Spans = make([]Span, n)
		for i := 0; i < n; i++ {
			a, err := readAttributes(attrs, i)
			if err != nil {
				return nil, err
			}
			out.Spans[i] = Span{
				TraceID:      traceID.Value(i),
				SpanID:       spanID.Value(i),
				ParentSpanID: parent.Value(i),
				Name:         name.Value(i),
				Start:        time.Unix(0, start.Value(i)).UTC(),
				End:          time.Unix(0, end.Value(i)).UTC(),
				Status:       status.Value(i),
				Attributes:   a,
			}
		}
	default:
		return nil, fmt.Errorf("no schema for %s", c.signal)
	}
	return out, nil
}

func readAttributes(col *array.String, i int) (map[string]string, error) {
	if col.IsNull(i) {
		return nil, nil
	}
	var attrs map[string]string
	if err := json.Unmarshal([]byte(col.Value(i)), &attrs); err != nil {
		return nil, fmt.Errorf("failed to decode attributes at row %d: %w", i, err)
	}
	return attrs, nil
}
