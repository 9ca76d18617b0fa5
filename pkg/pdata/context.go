package pdata

// Frame is one subscription on a message's delivery path: the node that wants
// the outcome, its tracking token, and the number of items it accounted for.
type Frame struct {
	Node  int32
	Token uint64
	Items int
}

// Context is the delivery context carried with a message. It is an immutable
// stack of frames: the top frame names the node that receives the next
// Ack/Nack. The zero Context is untracked.
type Context struct {
	frames []Frame
}

// Empty reports whether nobody subscribed to the outcome
func (c Context) Empty() bool {
	return len(c.frames) == 0
}

// Len returns the number of frames
func (c Context) Len() int {
	return len(c.frames)
}

// Push returns a context with f on top. The receiver is left untouched.
func (c Context) Push(f Frame) Context {
	frames := make([]Frame, len(c.frames)+1)
	copy(frames, c.frames)
	frames[len(c.frames)] = f
	return Context{frames: frames}
}

// Top returns the top frame
func (c Context) Top() (Frame, bool) {
	if len(c.frames) == 0 {
		return Frame{}, false
	}
	return c.frames[len(c.frames)-1], true
}

// Pop returns the top frame and the context below it
func (c Context) Pop() (Frame, Context, bool) {
	if len(c.frames) == 0 {
		return Frame{}, c, false
	}
	n := len(c.frames) - 1
	return c.frames[n], Context{frames: c.frames[:n:n]}, true
}

// Frames returns a copy of the frames, bottom first
func (c Context) Frames() []Frame {
	out := make([]Frame, len(c.frames))
	copy(out, c.frames)
	return out
}
