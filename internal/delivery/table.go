// Package delivery implements the bounded pending-delivery table each node
// keeps for the messages it tracks. Tokens are generational slot indices, so
// a stale token (from a resolved or expired entry) never resolves a newer
// entry that reuses the slot.
package delivery

import (
	"container/heap"
	"context"
	"time"

	"github.com/ajitpratap0/dfengine/pkg/config"
	"github.com/ajitpratap0/dfengine/pkg/connector/core"
	"github.com/ajitpratap0/dfengine/pkg/pdata"
)

// Token identifies a pending entry: generation in the high 32 bits, slot in
// the low 32 bits. The zero token is never issued.
type Token uint64

func makeToken(gen, slot uint32) Token {
	return Token(uint64(gen)<<32 | uint64(slot))
}

func (t Token) slot() uint32 { return uint32(t) }
func (t Token) gen() uint32  { return uint32(t >> 32) }

// Config sizes a table
type Config struct {
	MaxSize  int
	Timeout  time.Duration
	WhenFull config.WhenFull
}

// ConfigFrom converts the pipeline file settings
func ConfigFrom(p config.PendingConfig) Config {
	return Config{MaxSize: p.MaxSize, Timeout: p.Timeout, WhenFull: p.WhenFull}
}

type entry struct {
	gen      uint32
	live     bool
	expect   int
	err      error
	items    int
	rest     pdata.Context
	cb       core.OutcomeFunc
	deadline time.Time
	heapIdx  int
}

// Stats are cumulative table counters
type Stats struct {
	Inserted uint64
	Resolved uint64
	Acked    uint64
	Nacked   uint64
	TimedOut uint64
	Rejected uint64
	Live     int
}

// Table maps tokens to waiters. It is owned by a single node task and is not
// safe for concurrent use.
type Table struct {
	cfg   Config
	slots []entry
	free  []uint32
	live  int
	dl    deadlines
	stats Stats
	now   func() time.Time
}

// New creates an empty table
func New(cfg Config) *Table {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = config.DefaultPendingMaxSize
	}
	if cfg.WhenFull == "" {
		cfg.WhenFull = config.WhenFullReject
	}
	t := &Table{cfg: cfg, now: time.Now}
	t.dl.t = t
	return t
}

// Config returns the table settings
func (t *Table) Config() Config {
	return t.cfg
}

// Full reports whether Insert would be rejected
func (t *Table) Full() bool {
	return t.live >= t.cfg.MaxSize
}

// Insert registers a waiter expecting expect outcomes. rest is the context the
// tracked message arrived with; it is handed back with the outcome. items is
// used for accounting only.
func (t *Table) Insert(rest pdata.Context, expect, items int, cb core.OutcomeFunc) (Token, error) {
	if t.Full() {
		t.stats.Rejected++
		return 0, core.ErrPendingFull
	}
	return t.insert(rest, expect, items, cb), nil
}

// InsertJoin registers a waiter regardless of MaxSize. It backs broadcast
// joins, whose number is bounded by the tracked messages already admitted.
func (t *Table) InsertJoin(rest pdata.Context, expect, items int, cb core.OutcomeFunc) Token {
	return t.insert(rest, expect, items, cb)
}

func (t *Table) insert(rest pdata.Context, expect, items int, cb core.OutcomeFunc) Token {
	if expect < 1 {
		expect = 1
	}
	var slot uint32
	if n := len(t.free); n > 0 {
		slot = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		t.slots = append(t.slots, entry{})
		slot = uint32(len(t.slots) - 1)
	}

	e := &t.slots[slot]
	e.gen++
	if e.gen == 0 {
		e.gen = 1
	}
	e.live = true
	e.expect = expect
	e.err = nil
	e.items = items
	e.rest = rest
	e.cb = cb
	e.heapIdx = -1
	if t.cfg.Timeout > 0 {
		e.deadline = t.now().Add(t.cfg.Timeout)
		heap.Push(&t.dl, slot)
	}

	t.live++
	t.stats.Inserted++
	return makeToken(e.gen, slot)
}

func (t *Table) lookup(tok Token) *entry {
	s := tok.slot()
	if int(s) >= len(t.slots) {
		return nil
	}
	e := &t.slots[s]
	if !e.live || e.gen != tok.gen() {
		return nil
	}
	return e
}

// Contains reports whether tok is still pending
func (t *Table) Contains(tok Token) bool {
	return t.lookup(tok) != nil
}

// Resolve records one outcome for tok. The callback runs once the entry has
// seen every expected outcome; the first failure wins. It returns false for
// unknown or stale tokens.
func (t *Table) Resolve(ctx context.Context, tok Token, err error) bool {
	e := t.lookup(tok)
	if e == nil {
		return false
	}
	if err != nil && e.err == nil {
		e.err = err
	}
	e.expect--
	if e.expect > 0 {
		return true
	}
	t.finish(ctx, tok.slot(), e.err)
	return true
}

// Remove forgets a pending entry without running its callback. It is used
// when the tracked message never left the node.
func (t *Table) Remove(tok Token) bool {
	if t.lookup(tok) == nil {
		return false
	}
	slot := tok.slot()
	e := &t.slots[slot]
	if e.heapIdx >= 0 {
		heap.Remove(&t.dl, e.heapIdx)
	}
	e.live = false
	e.cb = nil
	e.rest = pdata.Context{}
	e.err = nil
	t.free = append(t.free, slot)
	t.live--
	return true
}

// Expect adds n further expected outcomes to a pending entry
func (t *Table) Expect(tok Token, n int) bool {
	e := t.lookup(tok)
	if e == nil {
		return false
	}
	e.expect += n
	return true
}

func (t *Table) finish(ctx context.Context, slot uint32, err error) {
	e := &t.slots[slot]
	if e.heapIdx >= 0 {
		heap.Remove(&t.dl, e.heapIdx)
	}
	cb, rest := e.cb, e.rest
	e.live = false
	e.cb = nil
	e.rest = pdata.Context{}
	e.err = nil
	t.free = append(t.free, slot)
	t.live--

	t.stats.Resolved++
	if err == nil {
		t.stats.Acked++
	} else {
		t.stats.Nacked++
	}
	if cb != nil {
		cb(ctx, core.Outcome{Err: err, Context: rest})
	}
}

// Sweep resolves every entry whose deadline is at or before now with
// ErrTimeout and returns how many expired
func (t *Table) Sweep(ctx context.Context, now time.Time) int {
	n := 0
	for t.dl.Len() > 0 {
		slot := t.dl.slots[0]
		if t.slots[slot].deadline.After(now) {
			break
		}
		t.stats.TimedOut++
		t.finish(ctx, slot, core.ErrTimeout)
		n++
	}
	return n
}

// NextDeadline returns the earliest pending deadline
func (t *Table) NextDeadline() (time.Time, bool) {
	if t.dl.Len() == 0 {
		return time.Time{}, false
	}
	return t.slots[t.dl.slots[0]].deadline, true
}

// Drain resolves every pending entry with err and returns how many there were
func (t *Table) Drain(ctx context.Context, err error) int {
	n := 0
	for slot := range t.slots {
		if t.slots[slot].live {
			t.finish(ctx, uint32(slot), err)
			n++
		}
	}
	return n
}

// Len returns the number of pending entries
func (t *Table) Len() int {
	return t.live
}

// Stats returns cumulative counters
func (t *Table) Stats() Stats {
	s := t.stats
	s.Live = t.live
	return s
}

// deadlines is a min-heap of slots ordered by deadline
type deadlines struct {
	t     *Table
	slots []uint32
}

func (d *deadlines) Len() int { return len(d.slots) }

func (d *deadlines) Less(i, j int) bool {
	return d.t.slots[d.slots[i]].deadline.Before(d.t.slots[d.slots[j]].deadline)
}

func (d *deadlines) Swap(i, j int) {
	d.slots[i], d.slots[j] = d.slots[j], d.slots[i]
	d.t.slots[d.slots[i]].heapIdx = i
	d.t.slots[d.slots[j]].heapIdx = j
}

func (d *deadlines) Push(x any) {
	slot := x.(uint32)
	d.t.slots[slot].heapIdx = len(d.slots)
	d.slots = append(d.slots, slot)
}

func (d *deadlines) Pop() any {
	n := len(d.slots) - 1
	slot := d.slots[n]
	d.slots = d.slots[:n]
	d.t.slots[slot].heapIdx = -1
	return slot
}
