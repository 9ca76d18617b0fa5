// Package graph compiles pipeline node configs into an executable graph: an
// arena of nodes addressed by integer ID, each assigned to a core, with
// bounded channels wired from output ports to downstream inputs.
package graph

import (
	"sort"

	"github.com/ajitpratap0/dfengine/internal/channel"
	"github.com/ajitpratap0/dfengine/pkg/config"
	"github.com/ajitpratap0/dfengine/pkg/connector/core"
	"github.com/ajitpratap0/dfengine/pkg/pdata"
)

// NodeID indexes Graph.Nodes
type NodeID int32

// Edge is one destination of a port
type Edge struct {
	To     NodeID
	Mode   channel.Mode
	Sender *channel.Sender[*pdata.Message]
}

// Port is a wired output port
type Port struct {
	Name         string
	Strategy     config.DispatchStrategy
	PartitionKey string
	BackEdge     bool
	Edges        []*Edge
}

// Node is a compiled node
type Node struct {
	ID       NodeID
	Name     string
	Kind     core.Kind
	Config   config.NodeConfig
	Instance core.Instance
	Core     int
	// Input is nil for receivers
	Input     *channel.Receiver[*pdata.Message]
	Ports     []*Port
	Upstreams []NodeID
}

// Port returns the named port
func (n *Node) Port(name string) (*Port, bool) {
	for _, p := range n.Ports {
		if p.Name == name {
			return p, true
		}
	}
	return nil, false
}

// Graph is the executable pipeline structure
type Graph struct {
	Pipeline string
	Replica  int
	Cores    int
	Nodes    []*Node
	byName   map[string]NodeID
}

// Node looks a node up by name
func (g *Graph) Node(name string) (*Node, bool) {
	id, ok := g.byName[name]
	if !ok {
		return nil, false
	}
	return g.Nodes[id], true
}

// NodesOn returns the nodes assigned to core
func (g *Graph) NodesOn(core int) []*Node {
	var out []*Node
	for _, n := range g.Nodes {
		if n.Core == core {
			out = append(out, n)
		}
	}
	return out
}

// CoresUsed returns the sorted set of cores hosting at least one node
func (g *Graph) CoresUsed() []int {
	seen := map[int]bool{}
	for _, n := range g.Nodes {
		seen[n.Core] = true
	}
	out := make([]int, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Ints(out)
	return out
}

// Close releases every channel endpoint of the graph. Used when a built graph
// is discarded without running.
func (g *Graph) Close() {
	for _, n := range g.Nodes {
		for _, p := range n.Ports {
			for _, e := range p.Edges {
				e.Sender.Close()
			}
		}
		if n.Input != nil {
			n.Input.Close()
		}
	}
}
