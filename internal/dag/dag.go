// Package dag models the static workflow graph and derives the edge metadata
// the live run view emphasizes: traversal counts and kickback edges.
package dag

import "fmt"

// Node is one step declared by a workflow definition.
type Node struct {
	ID string `json:"id" yaml:"id"`
}

// Edge is a directed dependency between two steps.
type Edge struct {
	Source string `json:"source" yaml:"source"`
	Target string `json:"target" yaml:"target"`
}

// Definition is a workflow's static graph. It is fetched once per workflow
// and treated as read-only for the lifetime of a run view.
type Definition struct {
	Nodes []Node `json:"nodes" yaml:"nodes"`
	Edges []Edge `json:"edges" yaml:"edges"`
}

// EdgeKey is the canonical "source->target" form used to key edge metadata.
func EdgeKey(source, target string) string {
	return source + "->" + target
}

// Key returns the edge's canonical key.
func (e Edge) Key() string {
	return EdgeKey(e.Source, e.Target)
}

// Validate ensures every edge references a declared node.
func (d Definition) Validate() error {
	nodes := make(map[string]struct{}, len(d.Nodes))
	for _, n := range d.Nodes {
		if n.ID == "" {
			return fmt.Errorf("dag: node with empty id")
		}
		if _, dup := nodes[n.ID]; dup {
			return fmt.Errorf("dag: duplicate node %q", n.ID)
		}
		nodes[n.ID] = struct{}{}
	}
	for _, e := range d.Edges {
		if _, ok := nodes[e.Source]; !ok {
			return fmt.Errorf("dag: edge %s references unknown source", e.Key())
		}
		if _, ok := nodes[e.Target]; !ok {
			return fmt.Errorf("dag: edge %s references unknown target", e.Key())
		}
	}
	return nil
}
