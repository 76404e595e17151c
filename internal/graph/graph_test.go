package graph

import (
	"testing"
	"time"
)

func TestCreateEmptyGraph(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	g := CreateEmptyGraph(now)
	if g.Version != "1.0.0" {
		t.Fatalf("expected version 1.0.0, got %q", g.Version)
	}
	if len(g.Nodes) != 0 || len(g.Connections) != 0 {
		t.Fatalf("expected empty sequences")
	}
	if g.Metadata["created"] == nil {
		t.Fatalf("expected metadata.created to be set")
	}
}

func TestValidateRejectsMissingVersion(t *testing.T) {
	g := &Graph{Nodes: []Node{}, Connections: []Connection{}}
	if err := Validate(g); err == nil {
		t.Fatalf("expected error for missing version")
	}
}

func TestValidateRejectsDuplicateNodeIDs(t *testing.T) {
	g := &Graph{
		Version: "1.0.0",
		Nodes:   []Node{{ID: "n1", Type: "Passthrough"}, {ID: "n1", Type: "Passthrough"}},
	}
	if err := Validate(g); err == nil {
		t.Fatalf("expected error for duplicate node ids")
	}
}

func TestValidateRejectsUnknownConnectionEndpoint(t *testing.T) {
	g := &Graph{
		Version: "1.0.0",
		Nodes:   []Node{{ID: "n1", Type: "Passthrough"}},
		Connections: []Connection{
			{Source: "n1", SourceOutput: "out", Target: "ghost", TargetInput: "in"},
		},
	}
	if err := Validate(g); err == nil {
		t.Fatalf("expected error for unknown connection endpoint")
	}
}

func TestValidateAllowsSelfConnection(t *testing.T) {
	g := &Graph{
		Version: "1.0.0",
		Nodes:   []Node{{ID: "n1", Type: "Router"}},
		Connections: []Connection{
			{Source: "n1", SourceOutput: "retry", Target: "n1", TargetInput: "in"},
		},
	}
	if err := Validate(g); err != nil {
		t.Fatalf("expected self-connection to be permitted, got %v", err)
	}
}

func TestParseAndSerializeRoundTrip(t *testing.T) {
	input := []byte(`{"version":"1.0.0","nodes":[{"id":"n1","type":"Passthrough"}],"connections":[]}`)
	g, err := Parse(input)
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}

	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	out, err := Serialize(g, now)
	if err != nil {
		t.Fatalf("unexpected serialize error: %v", err)
	}

	roundTripped, err := Parse(out)
	if err != nil {
		t.Fatalf("unexpected error reparsing serialized graph: %v", err)
	}
	if err := Validate(roundTripped); err != nil {
		t.Fatalf("round-tripped graph should still validate: %v", err)
	}
	if len(roundTripped.Nodes) != 1 || roundTripped.Nodes[0].ID != "n1" {
		t.Fatalf("expected node n1 to survive the round trip, got %+v", roundTripped.Nodes)
	}
	if roundTripped.Metadata["modified"] == nil {
		t.Fatalf("expected metadata.modified to be stamped by Serialize")
	}
}

func TestParseRejectsInvalidGraph(t *testing.T) {
	if _, err := Parse([]byte(`{"nodes":[],"connections":[]}`)); err == nil {
		t.Fatalf("expected error for missing version")
	}
}
