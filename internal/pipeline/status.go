package pipeline

// NodeStatus is a point-in-time view of one node
type NodeStatus struct {
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	URN      string `json:"plugin_urn"`
	Core     int    `json:"core"`
	Phase    string `json:"phase"`
	Reason   string `json:"reason,omitempty"`
	Pending  int    `json:"pending"`
	InputLen int    `json:"input_len"`
	InputCap int    `json:"input_cap"`
	Forced   bool   `json:"forced,omitempty"`
}

// Status is a point-in-time view of a pipeline
type Status struct {
	Name    string       `json:"name"`
	Replica int          `json:"replica"`
	State   string       `json:"state"`
	Ready   bool         `json:"ready"`
	Forced  bool         `json:"forced,omitempty"`
	Nodes   []NodeStatus `json:"nodes"`
	Events  []Event      `json:"events"`
}

// Status snapshots the pipeline. Safe to call from any goroutine.
func (p *Pipeline) Status() Status {
	st := Status{
		Name:    p.name,
		Replica: p.replica,
		State:   p.State().String(),
		Forced:  p.forced.Load(),
	}
	select {
	case <-p.ready:
		st.Ready = true
	default:
	}

	for _, n := range p.nodes {
		ns := NodeStatus{
			Name:    n.name(),
			Kind:    string(n.g.Kind),
			URN:     n.g.Config.PluginURN,
			Core:    n.g.Core,
			Phase:   n.Phase().String(),
			Pending: int(n.pendingLen.Load()),
			Forced:  n.forced.Load(),
		}
		if err := n.Reason(); err != nil {
			ns.Reason = err.Error()
		}
		if n.g.Input != nil {
			ns.InputLen = n.g.Input.Len()
			ns.InputCap = n.g.Input.Cap()
		}
		st.Nodes = append(st.Nodes, ns)
	}

	p.mu.Lock()
	st.Events = append([]Event(nil), p.events...)
	p.mu.Unlock()
	return st
}
