package config

import (
	"fmt"
	"sort"
	"time"
)

// NodeKind identifies the capability a node implements
type NodeKind string

const (
	// KindReceiver nodes ingest data and have no input channel
	KindReceiver NodeKind = "receiver"
	// KindProcessor nodes transform data between an input and output ports
	KindProcessor NodeKind = "processor"
	// KindExporter nodes are terminal and emit data out of the pipeline
	KindExporter NodeKind = "exporter"
)

// Valid reports whether k is one of the known node kinds
func (k NodeKind) Valid() bool {
	switch k {
	case KindReceiver, KindProcessor, KindExporter:
		return true
	}
	return false
}

// DispatchStrategy selects how a port spreads messages over its destinations
type DispatchStrategy string

const (
	// DispatchRoundRobin cycles through destinations
	DispatchRoundRobin DispatchStrategy = "round_robin"
	// DispatchBroadcast sends a copy to every destination
	DispatchBroadcast DispatchStrategy = "broadcast"
	// DispatchPartition routes by hashing a resource attribute
	DispatchPartition DispatchStrategy = "partition"
)

// Valid reports whether s is one of the known strategies
func (s DispatchStrategy) Valid() bool {
	switch s {
	case DispatchRoundRobin, DispatchBroadcast, DispatchPartition:
		return true
	}
	return false
}

// WhenFull is the policy applied when a pending-delivery table is at capacity
type WhenFull string

const (
	// WhenFullReject refuses new tracked work so the receiver can push back on its caller
	WhenFullReject WhenFull = "reject"
	// WhenFullUntracked lets new work through without delivery tracking
	WhenFullUntracked WhenFull = "untracked"
)

// EngineMode selects how the graph is laid out over executors
type EngineMode string

const (
	// ModeReplicated runs one shared-nothing copy of the whole graph per core
	ModeReplicated EngineMode = "replicated"
	// ModePartitioned runs a single graph whose nodes are spread over cores
	ModePartitioned EngineMode = "partitioned"
)

// PipelineConfig is the root of a pipeline file
type PipelineConfig struct {
	Engine EngineConfig          `yaml:"engine" json:"engine"`
	Nodes  map[string]NodeConfig `yaml:"nodes" json:"nodes"`
}

// EngineConfig holds engine-wide settings
type EngineConfig struct {
	// Mode is replicated (default) or partitioned
	Mode EngineMode `yaml:"mode" json:"mode"`
	// ChannelCapacity is the default bound of every data channel
	ChannelCapacity int `yaml:"channel_capacity" json:"channel_capacity"`
	// DrainTimeout bounds graceful shutdown before nodes are forced to stop
	DrainTimeout time.Duration `yaml:"drain_timeout" json:"drain_timeout"`
	// AdminAddr is the listen address of the admin HTTP surface ("" disables it)
	AdminAddr string `yaml:"admin_addr" json:"admin_addr"`
	// Tracing enables OpenTelemetry spans for pipeline lifecycle
	Tracing bool `yaml:"tracing" json:"tracing"`
}

// NodeConfig describes a single node in the pipeline
type NodeConfig struct {
	// Name is filled from the map key when loading from YAML
	Name      string                `yaml:"-" json:"name"`
	Kind      NodeKind              `yaml:"kind" json:"kind"`
	PluginURN string                `yaml:"plugin_urn" json:"plugin_urn"`
	Core      *int                  `yaml:"core,omitempty" json:"core,omitempty"`
	Pending   PendingConfig         `yaml:"pending" json:"pending"`
	Config    map[string]any        `yaml:"config" json:"config"`
	OutPorts  map[string]PortConfig `yaml:"out_ports" json:"out_ports"`
}

// PortConfig wires one output port
type PortConfig struct {
	Destinations     []string         `yaml:"destinations" json:"destinations"`
	DispatchStrategy DispatchStrategy `yaml:"dispatch_strategy" json:"dispatch_strategy"`
	// PartitionKey names the resource attribute hashed by the partition strategy
	PartitionKey string `yaml:"partition_key" json:"partition_key"`
	// BackEdge marks a feedback port; it is ignored by cycle detection and
	// closed as soon as the node is asked to shut down
	BackEdge bool `yaml:"back_edge" json:"back_edge"`
	// Capacity overrides the engine channel capacity for the destinations' inputs
	Capacity int `yaml:"capacity" json:"capacity"`
}

// PendingConfig sizes a node's pending-delivery table
type PendingConfig struct {
	MaxSize  int           `yaml:"max_size" json:"max_size"`
	Timeout  time.Duration `yaml:"timeout" json:"timeout"`
	WhenFull WhenFull      `yaml:"when_full" json:"when_full"`
}

// Default values
const (
	DefaultChannelCapacity = 128
	DefaultDrainTimeout    = 10 * time.Second
	DefaultPendingMaxSize  = 4096
	DefaultPendingTimeout  = 30 * time.Second
)

// ApplyDefaults fills zero values with engine defaults
func (c *PipelineConfig) ApplyDefaults() {
	if c.Engine.Mode == "" {
		c.Engine.Mode = ModeReplicated
	}
	if c.Engine.ChannelCapacity <= 0 {
		c.Engine.ChannelCapacity = DefaultChannelCapacity
	}
	if c.Engine.DrainTimeout <= 0 {
		c.Engine.DrainTimeout = DefaultDrainTimeout
	}
	for name, n := range c.Nodes {
		n.Name = name
		n.ApplyDefaults()
		c.Nodes[name] = n
	}
}

// ApplyDefaults fills zero values of the node with defaults
func (n *NodeConfig) ApplyDefaults() {
	n.Pending.ApplyDefaults()
	for name, p := range n.OutPorts {
		if p.DispatchStrategy == "" {
			p.DispatchStrategy = DispatchRoundRobin
			n.OutPorts[name] = p
		}
	}
}

// ApplyDefaults fills zero values of the pending table settings
func (p *PendingConfig) ApplyDefaults() {
	if p.MaxSize <= 0 {
		p.MaxSize = DefaultPendingMaxSize
	}
	if p.Timeout == 0 {
		p.Timeout = DefaultPendingTimeout
	}
	if p.WhenFull == "" {
		p.WhenFull = WhenFullReject
	}
}

// Validate checks field-level correctness. Graph-level rules (destinations,
// dead ends, cycles) are enforced by the graph builder.
func (c *PipelineConfig) Validate() error {
	switch c.Engine.Mode {
	case ModeReplicated, ModePartitioned:
	default:
		return fmt.Errorf("engine.mode %q must be %q or %q", c.Engine.Mode, ModeReplicated, ModePartitioned)
	}
	if len(c.Nodes) == 0 {
		return fmt.Errorf("pipeline declares no nodes")
	}
	for _, name := range c.NodeNames() {
		n := c.Nodes[name]
		if err := n.Validate(); err != nil {
			return fmt.Errorf("node %q: %w", name, err)
		}
	}
	return nil
}

// Validate checks field-level correctness of a single node
func (n *NodeConfig) Validate() error {
	if n.Name == "" {
		return fmt.Errorf("name is required")
	}
	if !n.Kind.Valid() {
		return fmt.Errorf("kind %q must be receiver, processor or exporter", n.Kind)
	}
	if n.PluginURN == "" {
		return fmt.Errorf("plugin_urn is required")
	}
	if n.Core != nil && *n.Core < 0 {
		return fmt.Errorf("core %d must not be negative", *n.Core)
	}
	switch n.Pending.WhenFull {
	case "", WhenFullReject, WhenFullUntracked:
	default:
		return fmt.Errorf("pending.when_full %q must be %q or %q", n.Pending.WhenFull, WhenFullReject, WhenFullUntracked)
	}
	for port, p := range n.OutPorts {
		if p.DispatchStrategy != "" && !p.DispatchStrategy.Valid() {
			return fmt.Errorf("port %q: unknown dispatch_strategy %q", port, p.DispatchStrategy)
		}
		if p.DispatchStrategy == DispatchPartition && p.PartitionKey == "" {
			return fmt.Errorf("port %q: partition dispatch requires partition_key", port)
		}
	}
	return nil
}

// NodeNames returns node names in sorted order
func (c *PipelineConfig) NodeNames() []string {
	names := make([]string, 0, len(c.Nodes))
	for name := range c.Nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NodeList returns the nodes sorted by name with Name populated
func (c *PipelineConfig) NodeList() []NodeConfig {
	names := c.NodeNames()
	out := make([]NodeConfig, 0, len(names))
	for _, name := range names {
		n := c.Nodes[name]
		n.Name = name
		out = append(out, n)
	}
	return out
}

// PortNames returns the node's port names in sorted order
func (n *NodeConfig) PortNames() []string {
	names := make([]string, 0, len(n.OutPorts))
	for name := range n.OutPorts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Pinned returns the pinned core and whether the node is pinned
func (n *NodeConfig) Pinned() (int, bool) {
	if n.Core == nil {
		return 0, false
	}
	return *n.Core, true
}

// IntPtr is a helper for building pinned node configs in code
func IntPtr(v int) *int {
	return &v
}
