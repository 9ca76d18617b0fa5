package pipeline

import (
	"context"
	"errors"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/ajitpratap0/dfengine/internal/channel"
	"github.com/ajitpratap0/dfengine/internal/delivery"
	"github.com/ajitpratap0/dfengine/internal/graph"
	"github.com/ajitpratap0/dfengine/pkg/config"
	"github.com/ajitpratap0/dfengine/pkg/connector/core"
	"github.com/ajitpratap0/dfengine/pkg/pdata"
)

// outPort is the node-local routing state of a wired port. Destinations whose
// receiver closed are dropped from edges the first time a send notices it.
type outPort struct {
	name     string
	strategy config.DispatchStrategy
	key      string
	backEdge bool
	edges    []*graph.Edge
	cursor   int
	closed   bool
}

func newOutPort(p *graph.Port) *outPort {
	return &outPort{
		name:     p.Name,
		strategy: p.Strategy,
		key:      p.PartitionKey,
		backEdge: p.BackEdge,
		edges:    append([]*graph.Edge(nil), p.Edges...),
	}
}

func (p *outPort) remove(i int) {
	p.edges[i].Sender.Close()
	p.edges = append(p.edges[:i], p.edges[i+1:]...)
	if p.cursor >= len(p.edges) {
		p.cursor = 0
	}
}

func (p *outPort) close() {
	if p.closed {
		return
	}
	p.closed = true
	for _, e := range p.edges {
		e.Sender.Close()
	}
	p.edges = nil
}

// port resolves a port name; "" selects the default port, or the only port
// when the node has exactly one
func (n *node) port(name string) (*outPort, error) {
	if name == "" {
		name = core.DefaultPort
		if len(n.ports) == 1 {
			return n.ports[0], nil
		}
	}
	for _, p := range n.ports {
		if p.name == name {
			return p, nil
		}
	}
	return nil, core.ErrUnknownPort
}

// route sends msg on a port according to its dispatch strategy. A nil error
// means the message's delivery context now travels downstream; on error the
// caller still owns it.
func (n *node) route(ctx context.Context, msg *pdata.Message, portName string, wait bool) error {
	p, err := n.port(portName)
	if err != nil {
		return err
	}
	if len(p.edges) == 0 {
		return core.ErrNoDestination
	}

	switch p.strategy {
	case config.DispatchBroadcast:
		err = n.broadcast(ctx, p, msg, wait)
	case config.DispatchPartition:
		err = n.partition(ctx, p, msg, wait)
	default:
		err = n.roundRobin(ctx, p, msg, wait)
	}
	if err == nil {
		n.collector.MessagesOut(1, msg.Items())
	}
	return err
}

func send(ctx context.Context, e *graph.Edge, msg *pdata.Message, wait bool) error {
	if wait {
		return e.Sender.Send(ctx, msg)
	}
	return e.Sender.TrySend(msg)
}

func (n *node) roundRobin(ctx context.Context, p *outPort, msg *pdata.Message, wait bool) error {
	for len(p.edges) > 0 {
		i := p.cursor % len(p.edges)
		err := send(ctx, p.edges[i], msg, wait)
		if errors.Is(err, channel.ErrClosed) {
			n.dropEdge(p, i)
			continue
		}
		if err != nil {
			return err
		}
		p.cursor = (i + 1) % len(p.edges)
		return nil
	}
	return core.ErrNoDestination
}

func (n *node) partition(ctx context.Context, p *outPort, msg *pdata.Message, wait bool) error {
	v, _ := msg.Attribute(p.key)
	h := xxhash.Sum64String(v)
	for len(p.edges) > 0 {
		i := int(h % uint64(len(p.edges)))
		err := send(ctx, p.edges[i], msg, wait)
		if errors.Is(err, channel.ErrClosed) {
			n.dropEdge(p, i)
			continue
		}
		return err
	}
	return core.ErrNoDestination
}

// broadcast sends a copy to every live destination. A tracked message gets a
// join entry expecting one outcome per delivered copy, so exactly one combined
// outcome reaches the inbound context. The entry holds an extra guard share
// until every copy was handed over.
func (n *node) broadcast(ctx context.Context, p *outPort, msg *pdata.Message, wait bool) error {
	tracked := !msg.Context().Empty()
	var tok delivery.Token
	out := msg
	if tracked {
		tok = n.pending.InsertJoin(msg.Context(), 1, msg.Items(), n.settleUpstream)
		out = msg.WithContext(msg.Context().Push(pdata.Frame{
			Node:  int32(n.g.ID),
			Token: uint64(tok),
			Items: msg.Items(),
		}))
	}

	sent := 0
	var lastErr error
	for i := 0; i < len(p.edges); {
		err := send(ctx, p.edges[i], out.Clone(), wait)
		if errors.Is(err, channel.ErrClosed) {
			n.dropEdge(p, i)
			continue
		}
		if err != nil {
			lastErr = err
			break
		}
		if tracked {
			n.pending.Expect(tok, 1)
		}
		sent++
		i++
	}

	if sent == 0 {
		if tracked {
			n.pending.Remove(tok)
		}
		if lastErr == nil {
			lastErr = core.ErrNoDestination
		}
		return lastErr
	}
	if tracked {
		// release the guard; a partial broadcast nacks once its copies settle
		n.pending.Resolve(ctx, tok, lastErr)
		n.syncPending()
	}
	return nil
}

func (n *node) dropEdge(p *outPort, i int) {
	n.logger.Debug("destination closed, removing from port",
		zap.String("port", p.name),
		zap.Int32("destination", int32(p.edges[i].To)))
	p.remove(i)
}

// settleUpstream propagates a join or forwarded outcome to the context the
// tracked message arrived with
func (n *node) settleUpstream(ctx context.Context, o core.Outcome) {
	n.p.resolve(o.Context, o.Err)
}

// resolve is the ack router: it pops the top frame of c and hands the outcome
// to the owning node's inbox. Inboxes never block, so a node can always
// settle deliveries even while its upstream is suspended sending to it.
func (p *Pipeline) resolve(c pdata.Context, err error) {
	f, _, ok := c.Pop()
	if !ok {
		return
	}
	if f.Node < 0 || int(f.Node) >= len(p.nodes) {
		p.logger.Warn("delivery frame names an unknown node", zap.Int32("node", f.Node))
		return
	}
	kind := core.ControlAck
	if err != nil {
		kind = core.ControlNack
	}
	// a closed inbox means the node already drained its table
	_ = p.nodes[f.Node].inbox.Push(core.ControlMsg{Kind: kind, Token: f.Token, Err: err})
}
