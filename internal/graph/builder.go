package graph

import (
	"sort"

	"go.uber.org/zap"

	"github.com/ajitpratap0/dfengine/internal/channel"
	"github.com/ajitpratap0/dfengine/pkg/config"
	"github.com/ajitpratap0/dfengine/pkg/connector/core"
	"github.com/ajitpratap0/dfengine/pkg/connector/registry"
	"github.com/ajitpratap0/dfengine/pkg/pdata"
)

// Options controls a build
type Options struct {
	Pipeline string
	Replica  int
	// Cores is the number of executors available
	Cores int
	// FixedCore places every node on one core and ignores pins. Replicated
	// engines use it to run a full copy of the graph per core.
	FixedCore *int
	// ChannelCapacity is the default bound of node inputs
	ChannelCapacity int
	Registry        *registry.Registry
	Logger          *zap.Logger
}

func (o *Options) defaults() {
	if o.Cores < 1 {
		o.Cores = 1
	}
	if o.ChannelCapacity < 1 {
		o.ChannelCapacity = config.DefaultChannelCapacity
	}
	if o.Registry == nil {
		o.Registry = registry.Global()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Build validates cfgs, places nodes on cores, instantiates every node through
// the registry and wires the channels. No node is constructed unless the
// whole configuration is structurally valid, and nothing is started.
func Build(cfgs []config.NodeConfig, opts Options) (*Graph, error) {
	opts.defaults()
	logger := opts.Logger.With(zap.String("component", "graph_builder"), zap.String("pipeline", opts.Pipeline))

	cores := opts.Cores
	if opts.FixedCore != nil {
		cores = 0 // pins are ignored, no range check
	}
	if err := Validate(cfgs, cores, opts.Registry); err != nil {
		return nil, err
	}

	sorted := append([]config.NodeConfig(nil), cfgs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	g := &Graph{
		Pipeline: opts.Pipeline,
		Replica:  opts.Replica,
		Cores:    opts.Cores,
		Nodes:    make([]*Node, len(sorted)),
		byName:   make(map[string]NodeID, len(sorted)),
	}
	for i, cfg := range sorted {
		g.Nodes[i] = &Node{
			ID:     NodeID(i),
			Name:   cfg.Name,
			Kind:   cfg.Kind,
			Config: cfg,
		}
		g.byName[cfg.Name] = NodeID(i)
	}
	for _, n := range g.Nodes {
		for _, portName := range n.Config.PortNames() {
			for _, dest := range n.Config.OutPorts[portName].Destinations {
				to := g.byName[dest]
				g.Nodes[to].Upstreams = appendUnique(g.Nodes[to].Upstreams, n.ID)
			}
		}
	}

	if opts.FixedCore != nil {
		for _, n := range g.Nodes {
			if _, pinned := n.Config.Pinned(); pinned {
				logger.Debug("ignoring core pin in replicated mode", zap.String("node", n.Name))
			}
			n.Core = *opts.FixedCore
		}
	} else {
		place(g, opts.Cores)
	}

	for _, n := range g.Nodes {
		inst, err := opts.Registry.Build(n.Config, core.NodeContext{
			Pipeline: opts.Pipeline,
			Replica:  opts.Replica,
			Core:     n.Core,
			Logger: opts.Logger.With(
				zap.String("pipeline", opts.Pipeline),
				zap.String("node", n.Name),
				zap.Int("core", n.Core),
			),
		})
		if err != nil {
			return nil, err
		}
		n.Instance = inst
	}

	wire(g, opts.ChannelCapacity)

	logger.Info("pipeline graph built",
		zap.Int("nodes", len(g.Nodes)),
		zap.Ints("cores", g.CoresUsed()))
	return g, nil
}

// place assigns cores. Pinned nodes keep their pin; unpinned nodes take the
// core of the nearest pinned node (multi-source BFS over undirected edges, so
// directly connected chains share a core and a Local channel). Components
// without any pin go, whole, to the least-loaded core.
func place(g *Graph, cores int) {
	adj := make([][]NodeID, len(g.Nodes))
	for _, n := range g.Nodes {
		for _, up := range n.Upstreams {
			adj[n.ID] = append(adj[n.ID], up)
			adj[up] = append(adj[up], n.ID)
		}
	}

	assigned := make([]bool, len(g.Nodes))
	load := make([]int, cores)
	var queue []NodeID
	for _, n := range g.Nodes {
		if pin, ok := n.Config.Pinned(); ok {
			n.Core = pin
			assigned[n.ID] = true
			load[pin]++
			queue = append(queue, n.ID)
		}
	}

	bfs := func(queue []NodeID) {
		for len(queue) > 0 {
			id := queue[0]
			queue = queue[1:]
			for _, next := range adj[id] {
				if !assigned[next] {
					assigned[next] = true
					g.Nodes[next].Core = g.Nodes[id].Core
					load[g.Nodes[next].Core]++
					queue = append(queue, next)
				}
			}
		}
	}
	bfs(queue)

	for _, n := range g.Nodes {
		if assigned[n.ID] {
			continue
		}
		target := 0
		for c := 1; c < cores; c++ {
			if load[c] < load[target] {
				target = c
			}
		}
		n.Core = target
		assigned[n.ID] = true
		load[target]++
		bfs([]NodeID{n.ID})
	}
}

// wire creates one input channel per non-receiver node and one cloned sender
// per edge. An input is Shared as soon as one upstream lives on another core.
func wire(g *Graph, defaultCapacity int) {
	inputs := make(map[NodeID]*channel.Sender[*pdata.Message], len(g.Nodes))
	for _, n := range g.Nodes {
		if n.Kind == core.KindReceiver {
			continue
		}
		mode := channel.Local
		capacity := 0
		for _, up := range n.Upstreams {
			if g.Nodes[up].Core != n.Core {
				mode = channel.Shared
			}
			for _, p := range g.Nodes[up].Config.OutPorts {
				if p.Capacity > capacity && contains(p.Destinations, n.Name) {
					capacity = p.Capacity
				}
			}
		}
		if capacity == 0 {
			capacity = defaultCapacity
		}
		tx, rx := channel.New[*pdata.Message](capacity, mode)
		n.Input = rx
		inputs[n.ID] = tx
	}

	for _, n := range g.Nodes {
		for _, portName := range n.Config.PortNames() {
			pc := n.Config.OutPorts[portName]
			port := &Port{
				Name:         portName,
				Strategy:     pc.DispatchStrategy,
				PartitionKey: pc.PartitionKey,
				BackEdge:     pc.BackEdge,
			}
			if port.Strategy == "" {
				port.Strategy = config.DispatchRoundRobin
			}
			for _, dest := range pc.Destinations {
				to := g.byName[dest]
				tx := inputs[to]
				port.Edges = append(port.Edges, &Edge{
					To:     to,
					Mode:   tx.Mode(),
					Sender: tx.Clone(),
				})
			}
			n.Ports = append(n.Ports, port)
		}
	}

	// only the per-edge clones keep the inputs open
	for _, tx := range inputs {
		tx.Close()
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func appendUnique(ids []NodeID, id NodeID) []NodeID {
	for _, v := range ids {
		if v == id {
			return ids
		}
	}
	return append(ids, id)
}
