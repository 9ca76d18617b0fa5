package pdata

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
)

// Concat merges batches of the same signal into one. The resource of the
// result holds the attributes every input agrees on.
func Concat(batches []*Columnar) (*Columnar, error) {
	switch len(batches) {
	case 0:
		return nil, fmt.Errorf("nothing to concatenate")
	case 1:
		return batches[0], nil
	}

	signal := batches[0].signal
	schema := SchemaFor(signal)
	var rows int64
	for _, b := range batches {
		if b.signal != signal {
			return nil, fmt.Errorf("cannot concatenate %s with %s", signal, b.signal)
		}
		rows += b.record.NumRows()
	}

	cols := make([]arrow.Array, schema.NumFields())
	defer func() {
		for _, c := range cols {
			if c != nil {
				c.Release()
			}
		}
	}()
	parts := make([]arrow.Array, len(batches))
	for i := range cols {
		for k, b := range batches {
			parts[k] = b.record.Column(i)
		}
		merged, err := array.Concatenate(parts, allocator)
		if err != nil {
			return nil, fmt.Errorf("failed to concatenate column %s: %w", schema.Field(i).Name, err)
		}
		cols[i] = merged
	}

	return &Columnar{
		signal:   signal,
		resource: commonResource(batches),
		record:   array.NewRecord(schema, cols, rows),
	}, nil
}

func commonResource(batches []*Columnar) map[string]string {
	first := batches[0].resource
	if len(first) == 0 {
		return nil
	}
	out := make(map[string]string, len(first))
	for k, v := range first {
		shared := true
		for _, b := range batches[1:] {
			if b.resource[k] != v {
				shared = false
				break
			}
		}
		if shared {
			out[k] = v
		}
	}
	return out
}

// Slice returns rows [i, j) of the batch without copying
func (c *Columnar) Slice(i, j int) *Columnar {
	return &Columnar{
		signal:   c.signal,
		resource: c.resource,
		record:   c.record.NewSlice(int64(i), int64(j)),
	}
}

// Split cuts the batch into chunks of at most size rows
func (c *Columnar) Split(size int) []*Columnar {
	n := c.Items()
	if size <= 0 || n <= size {
		return []*Columnar{c}
	}
	out := make([]*Columnar, 0, (n+size-1)/size)
	for i := 0; i < n; i += size {
		j := i + size
		if j > n {
			j = n
		}
		out = append(out, c.Slice(i, j))
	}
	return out
}
