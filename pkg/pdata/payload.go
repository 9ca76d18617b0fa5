package pdata

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/goccy/go-json"

	"github.com/ajitpratap0/dfengine/pkg/compression"
)

// Payload is the body of a message. Implementations are immutable once
// created so a payload may be shared by broadcast copies.
type Payload interface {
	Signal() Signal
	// Items is the number of telemetry items, used for delivery accounting
	Items() int
	Resource() map[string]string
}

// Columnar is an Arrow record batch for a single signal
type Columnar struct {
	signal   Signal
	resource map[string]string
	record   arrow.Record
}

// NewColumnar wraps an Arrow record produced elsewhere. The schema must match
// the signal's schema.
func NewColumnar(signal Signal, resource map[string]string, rec arrow.Record) (*Columnar, error) {
	want := SchemaFor(signal)
	if want == nil {
		return nil, fmt.Errorf("no schema for %s", signal)
	}
	if !rec.Schema().Equal(want) {
		return nil, fmt.Errorf("record schema does not match %s schema", signal)
	}
	return &Columnar{signal: signal, resource: resource, record: rec}, nil
}

// Signal implements Payload
func (c *Columnar) Signal() Signal { return c.signal }

// Items implements Payload
func (c *Columnar) Items() int { return int(c.record.NumRows()) }

// Resource implements Payload
func (c *Columnar) Resource() map[string]string { return c.resource }

// Record returns the underlying Arrow record. Callers must not release it.
func (c *Columnar) Record() arrow.Record { return c.record }

// Encoded is a JSON encoded, optionally compressed, batch
type Encoded struct {
	signal   Signal
	resource map[string]string
	items    int
	algo     compression.Algorithm
	data     []byte
}

// Signal implements Payload
func (e *Encoded) Signal() Signal { return e.signal }

// Items implements Payload
func (e *Encoded) Items() int { return e.items }

// Resource implements Payload
func (e *Encoded) Resource() map[string]string { return e.resource }

// Compression returns the algorithm applied to Bytes
func (e *Encoded) Compression() compression.Algorithm { return e.algo }

// Bytes returns the encoded body
func (e *Encoded) Bytes() []byte { return e.data }

// Encode serializes any payload to the encoded representation
func Encode(p Payload, algo compression.Algorithm) (*Encoded, error) {
	if e, ok := p.(*Encoded); ok && e.algo == algo {
		return e, nil
	}
	recs, err := ToRecords(p)
	if err != nil {
		return nil, err
	}
	return EncodeRecords(recs, algo)
}

// EncodeRecords serializes row-oriented records
func EncodeRecords(r *Records, algo compression.Algorithm) (*Encoded, error) {
	codec, err := compression.Get(algo)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", r.Signal, err)
	}
	data, err := codec.Compress(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to compress %s: %w", r.Signal, err)
	}
	return &Encoded{
		signal:   r.Signal,
		resource: r.Resource,
		items:    r.Len(),
		algo:     algo,
		data:     data,
	}, nil
}

// Decode parses the encoded body back into records
func (e *Encoded) Decode() (*Records, error) {
	codec, err := compression.Get(e.algo)
	if err != nil {
		return nil, err
	}
	raw, err := codec.Decompress(e.data)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress %s: %w", e.signal, err)
	}
	var r Records
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", e.signal, err)
	}
	if r.Signal != e.signal {
		return nil, fmt.Errorf("encoded body holds %s, envelope says %s", r.Signal, e.signal)
	}
	return &r, nil
}

// ToRecords converts any payload to row-oriented records
func ToRecords(p Payload) (*Records, error) {
	switch v := p.(type) {
	case *Columnar:
		return v.Records()
	case *Encoded:
		return v.Decode()
	default:
		return nil, fmt.Errorf("unsupported payload %T", p)
	}
}

// ToColumnar converts any payload to the Arrow representation
func ToColumnar(p Payload) (*Columnar, error) {
	switch v := p.(type) {
	case *Columnar:
		return v, nil
	case *Encoded:
		recs, err := v.Decode()
		if err != nil {
			return nil, err
		}
		return FromRecords(recs)
	default:
		return nil, fmt.Errorf("unsupported payload %T", p)
	}
}
