package graph

import (
	"sort"
	"strings"

	"github.com/ajitpratap0/dfengine/pkg/config"
	"github.com/ajitpratap0/dfengine/pkg/connector/registry"
	"github.com/ajitpratap0/dfengine/pkg/errors"
)

// Validate runs every structural check without constructing any node. It
// returns the first problem found, naming the offending node and port.
func Validate(cfgs []config.NodeConfig, cores int, reg *registry.Registry) error {
	byName := make(map[string]config.NodeConfig, len(cfgs))
	for _, n := range cfgs {
		if _, dup := byName[n.Name]; dup {
			return errors.Newf(errors.ErrorTypeDuplicateNode, "node %q is declared twice", n.Name).
				WithDetail("node", n.Name)
		}
		if err := n.Validate(); err != nil {
			return errors.Wrap(err, errors.ErrorTypeConfig, "node "+quote(n.Name))
		}
		byName[n.Name] = n
	}
	if len(byName) == 0 {
		return errors.New(errors.ErrorTypeConfig, "pipeline declares no nodes")
	}

	names := sortedNames(byName)
	fed := make(map[string]bool, len(names))

	for _, name := range names {
		n := byName[name]
		if pin, ok := n.Pinned(); ok && cores > 0 && pin >= cores {
			return errors.Newf(errors.ErrorTypeInvalidCore, "node %q is pinned to core %d but only %d cores run", name, pin, cores).
				WithDetail("node", name).
				WithDetail("core", pin)
		}

		switch {
		case n.Kind == config.KindExporter && len(n.OutPorts) > 0:
			return errors.Newf(errors.ErrorTypePortMismatch, "exporter %q must not declare output ports", name).
				WithDetail("node", name)
		case n.Kind != config.KindExporter && len(n.OutPorts) == 0:
			return errors.Newf(errors.ErrorTypeDeadEndNode, "%s %q has no output ports", n.Kind, name).
				WithDetail("node", name)
		}

		for _, portName := range n.PortNames() {
			port := n.OutPorts[portName]
			if len(port.Destinations) == 0 {
				return errors.Newf(errors.ErrorTypeEmptyPort, "node %q port %q has no destinations", name, portName).
					WithDetail("node", name).
					WithDetail("port", portName)
			}
			seen := map[string]bool{}
			for _, dest := range port.Destinations {
				target, ok := byName[dest]
				if !ok {
					return errors.Newf(errors.ErrorTypeUnknownDestination, "node %q port %q targets unknown node %q", name, portName, dest).
						WithDetail("node", name).
						WithDetail("port", portName).
						WithDetail("destination", dest)
				}
				if target.Kind == config.KindReceiver {
					return errors.Newf(errors.ErrorTypeInvalidDestination, "node %q port %q targets receiver %q, which has no input", name, portName, dest).
						WithDetail("node", name).
						WithDetail("port", portName).
						WithDetail("destination", dest)
				}
				if seen[dest] {
					return errors.Newf(errors.ErrorTypeConfig, "node %q port %q lists %q twice", name, portName, dest).
						WithDetail("node", name).
						WithDetail("port", portName)
				}
				seen[dest] = true
				fed[dest] = true
			}
		}
	}

	for _, name := range names {
		if byName[name].Kind != config.KindReceiver && !fed[name] {
			return errors.Newf(errors.ErrorTypeDisconnectedNode, "%s %q is not fed by any port", byName[name].Kind, name).
				WithDetail("node", name)
		}
	}

	if cycle := findCycle(byName, names); cycle != nil {
		return errors.Newf(errors.ErrorTypeGraphCycle, "cycle without a back_edge port: %s", strings.Join(cycle, " -> ")).
			WithDetail("path", cycle)
	}

	if reg != nil {
		for _, name := range names {
			if err := reg.CheckPorts(byName[name]); err != nil {
				return err
			}
		}
	}
	return nil
}

// findCycle returns the node path of the first cycle over non-back-edge
// ports, closing back on its first node, or nil
func findCycle(byName map[string]config.NodeConfig, names []string) []string {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(names))
	var stack []string
	var found []string

	var visit func(name string) bool
	visit = func(name string) bool {
		color[name] = grey
		stack = append(stack, name)
		n := byName[name]
		for _, portName := range n.PortNames() {
			port := n.OutPorts[portName]
			if port.BackEdge {
				continue
			}
			for _, dest := range port.Destinations {
				switch color[dest] {
				case grey:
					for i, s := range stack {
						if s == dest {
							found = append(append([]string{}, stack[i:]...), dest)
							return true
						}
					}
				case white:
					if visit(dest) {
						return true
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[name] = black
		return false
	}

	for _, name := range names {
		if color[name] == white && visit(name) {
			return found
		}
	}
	return nil
}

func sortedNames(byName map[string]config.NodeConfig) []string {
	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func quote(s string) string {
	return `"` + s + `"`
}
