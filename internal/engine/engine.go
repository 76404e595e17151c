// Package engine implements the graph execution engine (spec §4.3): it owns
// the currently installed graph, instantiates nodes from the registry,
// wires streams between them, and drives execution from an entry node.
package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/codefionn/scriptschnell/internal/graph"
	"github.com/codefionn/scriptschnell/internal/logging"
	"github.com/codefionn/scriptschnell/internal/node"
	"github.com/codefionn/scriptschnell/internal/pipeline"
	"github.com/codefionn/scriptschnell/internal/rpcerr"
	"github.com/codefionn/scriptschnell/internal/stream"
)

// LoggerSettable is implemented by node.Base (and anything embedding it),
// letting the engine attach a per-node child logger at load time without
// widening the Node interface itself.
type LoggerSettable interface {
	SetLogger(*logging.Logger)
}

type instantiatedNode struct {
	id    string
	label string
	n     node.Node
}

type wiredConnection struct {
	id, source, sourceOutput, target, targetInput string
}

// Stats summarizes the currently installed graph.
type Stats struct {
	NodeCount       int
	ConnectionCount int
}

// Engine holds the registry (read-only after startup) and the currently
// installed, atomically-swapped graph.
type Engine struct {
	registry *node.Registry
	logger   *logging.Logger

	mu          sync.RWMutex
	nodes       map[string]*instantiatedNode
	order       []string
	connections []wiredConnection
	outgoing    map[string][]wiredConnection
	current     *graph.Graph
}

// New constructs an empty engine bound to a registry.
func New(registry *node.Registry, logger *logging.Logger) *Engine {
	if logger == nil {
		logger = logging.Global()
	}
	return &Engine{
		registry: registry,
		logger:   logger,
		nodes:    make(map[string]*instantiatedNode),
		outgoing: make(map[string][]wiredConnection),
	}
}

// LoadGraph parses (if input is a string or []byte), validates, and
// replaces the currently installed graph. A parse or validation failure
// returns before anything is torn down, so the current graph stays
// installed. A failure while creating or wiring nodes leaves the engine in
// the empty state; the previous graph is not restored.
func (e *Engine) LoadGraph(input interface{}) error {
	g, err := coerceGraph(input)
	if err != nil {
		return rpcerr.New(rpcerr.InvalidParams, fmt.Sprintf("graph: %v", err))
	}
	if err := graph.Validate(g); err != nil {
		return rpcerr.New(rpcerr.InvalidParams, fmt.Sprintf("graph: %v", err))
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.clearLocked()

	newNodes := make(map[string]*instantiatedNode, len(g.Nodes))
	order := make([]string, 0, len(g.Nodes))
	for _, sn := range g.Nodes {
		n, cerr := e.registry.Create(sn.Type, sn.Config)
		if cerr != nil {
			e.clearLocked()
			return rpcerr.New(rpcerr.InvalidParams, fmt.Sprintf("create node %q (type %q): %v", sn.ID, sn.Type, cerr))
		}
		if ls, ok := n.(LoggerSettable); ok {
			ls.SetLogger(e.logger.With(logging.F("nodeId", sn.ID), logging.F("nodeType", sn.Type)))
		}
		inst := &instantiatedNode{id: sn.ID, label: sn.Label, n: n}
		newNodes[sn.ID] = inst
		order = append(order, sn.ID)
		n.OnAdded()
	}

	conns := make([]wiredConnection, 0, len(g.Connections))
	outgoing := make(map[string][]wiredConnection, len(newNodes))
	for _, sc := range g.Connections {
		srcInst, ok := newNodes[sc.Source]
		if !ok {
			e.clearLocked()
			return rpcerr.New(rpcerr.InvalidParams, fmt.Sprintf("connection references unknown source node %q", sc.Source))
		}
		tgtInst, ok := newNodes[sc.Target]
		if !ok {
			e.clearLocked()
			return rpcerr.New(rpcerr.InvalidParams, fmt.Sprintf("connection references unknown target node %q", sc.Target))
		}
		wc := wiredConnection{id: sc.ID, source: sc.Source, sourceOutput: sc.SourceOutput, target: sc.Target, targetInput: sc.TargetInput}
		conns = append(conns, wc)
		outgoing[sc.Source] = append(outgoing[sc.Source], wc)
		srcInst.n.OnConnected(sc.SourceOutput, tgtInst.n, sc.TargetInput)
	}

	e.nodes = newNodes
	e.order = order
	e.connections = conns
	e.outgoing = outgoing
	e.current = g
	return nil
}

// Clear tears down the currently installed graph (onRemoved on every node)
// and leaves the engine empty.
func (e *Engine) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clearLocked()
}

func (e *Engine) clearLocked() {
	for _, inst := range e.nodes {
		inst.n.OnRemoved()
	}
	e.nodes = make(map[string]*instantiatedNode)
	e.order = nil
	e.connections = nil
	e.outgoing = make(map[string][]wiredConnection)
	e.current = nil
}

// ExportGraph snapshots the currently installed graph: each node's id, type,
// live config, and label; each connection's endpoints. Positions are
// preserved from the originally loaded graph, since runtime nodes do not
// themselves track layout.
func (e *Engine) ExportGraph(now time.Time) *graph.Graph {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := &graph.Graph{
		Version:     "1.0.0",
		Metadata:    map[string]interface{}{"modified": now.Format(time.RFC3339)},
		Nodes:       make([]graph.Node, 0, len(e.order)),
		Connections: make([]graph.Connection, 0, len(e.connections)),
	}
	for _, id := range e.order {
		inst := e.nodes[id]
		var pos *graph.Position
		if e.current != nil {
			if orig, ok := e.current.NodeByID(id); ok {
				pos = orig.Position
			}
		}
		out.Nodes = append(out.Nodes, graph.Node{
			ID:       id,
			Type:     inst.n.Meta().Name,
			Config:   inst.n.Config(),
			Position: pos,
			Label:    inst.label,
		})
	}
	for _, c := range e.connections {
		out.Connections = append(out.Connections, graph.Connection{
			ID: c.id, Source: c.source, SourceOutput: c.sourceOutput,
			Target: c.target, TargetInput: c.targetInput,
		})
	}
	return out
}

// GetNode returns a single instantiated node by id.
func (e *Engine) GetNode(id string) (node.Node, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	inst, ok := e.nodes[id]
	if !ok {
		return nil, false
	}
	return inst.n, true
}

// GetNodes returns a defensive copy of id → node; mutating the map does not
// affect the engine.
func (e *Engine) GetNodes() map[string]node.Node {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]node.Node, len(e.nodes))
	for id, inst := range e.nodes {
		out[id] = inst.n
	}
	return out
}

// GetStats reports the size of the currently installed graph.
func (e *Engine) GetStats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Stats{NodeCount: len(e.nodes), ConnectionCount: len(e.connections)}
}

// Execute wraps message in a one-shot stream and drives it from entryNodeID
// through the installed graph.
func (e *Engine) Execute(entryNodeID string, message *pipeline.Message, ctx *pipeline.Context) (node.MessageStream, error) {
	e.mu.RLock()
	inst, ok := e.nodes[entryNodeID]
	e.mu.RUnlock()
	if !ok {
		return node.MessageStream{}, rpcerr.New(rpcerr.InternalError, fmt.Sprintf("entry node %q not found", entryNodeID))
	}

	entryPort := "in"
	if ports := inst.n.Meta().Inputs; len(ports) > 0 {
		entryPort = ports[0].Name
	}

	oneShot := stream.Of(message)
	return e.executeNode(entryNodeID, node.Inputs{entryPort: {oneShot}}, ctx), nil
}

// executeNode implements the recursive traversal of spec §4.3 "execute":
// process the node, group its outgoing connections by target node/port,
// recurse into each unique target, and merge the results (or the node's own
// outputs, if it has no outgoing connections).
func (e *Engine) executeNode(nodeID string, inputs node.Inputs, ctx *pipeline.Context) node.MessageStream {
	e.mu.RLock()
	inst, ok := e.nodes[nodeID]
	outs := append([]wiredConnection{}, e.outgoing[nodeID]...)
	e.mu.RUnlock()

	if !ok {
		return stream.Fail[*pipeline.Message](rpcerr.New(rpcerr.InternalError, fmt.Sprintf("unknown node %q", nodeID)))
	}

	outputs := e.runProcess(inst, inputs, ctx)

	if len(outs) == 0 {
		streams := make([]node.MessageStream, 0, len(outputs))
		for _, s := range outputs {
			streams = append(streams, s)
		}
		return stream.Merge(streams...)
	}

	targetInputs := make(map[string]node.Inputs)
	var targetOrder []string
	for _, c := range outs {
		srcStream, ok := outputs[c.sourceOutput]
		if !ok {
			continue
		}
		ti, exists := targetInputs[c.target]
		if !exists {
			ti = node.Inputs{}
			targetInputs[c.target] = ti
			targetOrder = append(targetOrder, c.target)
		}
		ti[c.targetInput] = append(ti[c.targetInput], srcStream)
	}

	if len(targetInputs) == 0 {
		return stream.Empty[*pipeline.Message]()
	}

	results := make([]node.MessageStream, 0, len(targetOrder))
	for _, tid := range targetOrder {
		results = append(results, e.executeNode(tid, targetInputs[tid], ctx))
	}
	return stream.Merge(results...)
}

// runProcess calls the node's Process, recording per-node timing and
// converting a synchronous panic into a failed stream on every output port
// the node declares (spec §4.3 "If a node's process throws synchronously,
// the engine propagates the error onto every downstream stream it would
// otherwise have produced").
func (e *Engine) runProcess(inst *instantiatedNode, inputs node.Inputs, ctx *pipeline.Context) (outputs node.Outputs) {
	stopTiming := ctx.StartTiming(inst.id)
	defer stopTiming()

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("node %q panicked: %v", inst.id, r)
			ctx.AddError(inst.id, err)
			failed := make(node.Outputs, len(inst.n.Meta().Outputs))
			for _, p := range inst.n.Meta().Outputs {
				failed[p.Name] = stream.Fail[*pipeline.Message](err)
			}
			outputs = failed
		}
	}()

	return inst.n.Process(inputs, ctx)
}

func coerceGraph(input interface{}) (*graph.Graph, error) {
	switch v := input.(type) {
	case *graph.Graph:
		return v, nil
	case graph.Graph:
		return &v, nil
	case string:
		return graph.Parse([]byte(v))
	case []byte:
		return graph.Parse(v)
	default:
		return nil, fmt.Errorf("unsupported graph input type %T", input)
	}
}
