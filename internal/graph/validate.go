package graph

import "fmt"

// Validate enforces the invariants of spec §4.2: version is non-empty,
// every node has a non-empty id and type, node ids are unique, every
// connection has non-empty endpoints, and every connection endpoint's node
// id exists in the node set. Self-connections are permitted.
func Validate(g *Graph) error {
	if g == nil {
		return fmt.Errorf("graph: value is nil")
	}
	if g.Version == "" {
		return fmt.Errorf("graph: version must be a non-empty string")
	}

	seen := make(map[string]bool, len(g.Nodes))
	for i, n := range g.Nodes {
		if n.ID == "" {
			return fmt.Errorf("graph: node[%d] has an empty id", i)
		}
		if n.Type == "" {
			return fmt.Errorf("graph: node[%d] (id %q) has an empty type", i, n.ID)
		}
		if seen[n.ID] {
			return fmt.Errorf("graph: duplicate node id %q", n.ID)
		}
		seen[n.ID] = true
	}

	for i, c := range g.Connections {
		if c.Source == "" || c.SourceOutput == "" || c.Target == "" || c.TargetInput == "" {
			return fmt.Errorf("graph: connection[%d] is missing a required field", i)
		}
		if !seen[c.Source] {
			return fmt.Errorf("graph: connection[%d] references unknown source node %q", i, c.Source)
		}
		if !seen[c.Target] {
			return fmt.Errorf("graph: connection[%d] references unknown target node %q", i, c.Target)
		}
	}

	return nil
}
