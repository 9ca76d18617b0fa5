package pdata

// Message is the unit flowing on every data channel: a payload plus its
// delivery context. Messages are passed by pointer and owned by whoever holds
// them; a node that forwards a message must not touch it afterwards.
type Message struct {
	payload Payload
	ctx     Context
}

// NewMessage wraps a payload with an empty delivery context
func NewMessage(p Payload) *Message {
	return &Message{payload: p}
}

// Payload returns the message body
func (m *Message) Payload() Payload { return m.payload }

// Signal returns the payload signal
func (m *Message) Signal() Signal { return m.payload.Signal() }

// Items returns the number of telemetry items in the payload
func (m *Message) Items() int { return m.payload.Items() }

// Context returns the delivery context
func (m *Message) Context() Context { return m.ctx }

// WithContext returns a message sharing the payload with a different context
func (m *Message) WithContext(c Context) *Message {
	return &Message{payload: m.payload, ctx: c}
}

// WithPayload returns a message carrying p under the same delivery context
func (m *Message) WithPayload(p Payload) *Message {
	return &Message{payload: p, ctx: m.ctx}
}

// Clone returns a shallow copy; payloads are immutable and shared
func (m *Message) Clone() *Message {
	return &Message{payload: m.payload, ctx: m.ctx}
}

// Attribute looks up a resource attribute of the payload
func (m *Message) Attribute(key string) (string, bool) {
	v, ok := m.payload.Resource()[key]
	return v, ok
}
