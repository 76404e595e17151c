// Package graph implements the declarative graph model: serialized
// nodes/connections, validation, and JSON round-trip (spec §3 "Serialized
// graph", §4.2 "Graph model, validation, and round-trip").
package graph

import (
	"encoding/json"
	"time"
)

// Position is the editor-only (x, y) layout hint; ignored at runtime.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Node is one serialized graph node.
type Node struct {
	ID       string                 `json:"id"`
	Type     string                 `json:"type"`
	Config   map[string]interface{} `json:"config,omitempty"`
	Position *Position              `json:"position,omitempty"`
	Label    string                 `json:"label,omitempty"`
}

// Connection is one serialized edge between two node ports.
type Connection struct {
	ID           string `json:"id,omitempty"`
	Source       string `json:"source"`
	SourceOutput string `json:"sourceOutput"`
	Target       string `json:"target"`
	TargetInput  string `json:"targetInput"`
}

// Graph is the top-level serialized form.
type Graph struct {
	Version     string                 `json:"version"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Nodes       []Node                 `json:"nodes"`
	Connections []Connection           `json:"connections"`
}

const timeFormat = time.RFC3339

// CreateEmptyGraph returns a fresh graph: version "1.0.0", an ISO-8601
// metadata.created timestamp, and empty node/connection sequences.
func CreateEmptyGraph(now time.Time) *Graph {
	return &Graph{
		Version:     "1.0.0",
		Metadata:    map[string]interface{}{"created": now.Format(timeFormat)},
		Nodes:       []Node{},
		Connections: []Connection{},
	}
}

// Parse decodes and validates a serialized graph from JSON.
func Parse(data []byte) (*Graph, error) {
	var g Graph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, err
	}
	if err := Validate(&g); err != nil {
		return nil, err
	}
	return &g, nil
}

// Serialize renders g to JSON, stamping metadata.modified with now. The
// receiver is not mutated; the stamp is applied to a copy, and only that
// copy's encoding is returned.
func Serialize(g *Graph, now time.Time) ([]byte, error) {
	out := *g
	meta := make(map[string]interface{}, len(g.Metadata)+1)
	for k, v := range g.Metadata {
		meta[k] = v
	}
	meta["modified"] = now.Format(timeFormat)
	out.Metadata = meta
	return json.Marshal(&out)
}

// NodeByID finds a node by id, or reports ok=false.
func (g *Graph) NodeByID(id string) (Node, bool) {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}
