package engine

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/codefionn/scriptschnell/internal/acp"
	"github.com/codefionn/scriptschnell/internal/logging"
	"github.com/codefionn/scriptschnell/internal/meta"
	"github.com/codefionn/scriptschnell/internal/node"
	"github.com/codefionn/scriptschnell/internal/pipeline"
	"github.com/codefionn/scriptschnell/internal/stream"
)


// passthroughNode is a minimal stand-in for the reference Passthrough node,
// sufficient to exercise the engine without depending on the node library.
type passthroughNode struct {
	node.Base
}

func newPassthroughNode(config map[string]interface{}) node.Node {
	return &passthroughNode{Base: node.NewBase(config, nil)}
}

func (n *passthroughNode) Meta() node.Metadata {
	return node.Metadata{
		Name:     "Passthrough",
		Category: node.CategoryAdapter,
		Inputs:   []node.PortDef{{Name: "in", Socket: node.SocketPipeline, Required: true}},
		Outputs:  []node.PortDef{{Name: "out", Socket: node.SocketPipeline}},
	}
}

func (n *passthroughNode) Validate() []string { return nil }

func (n *passthroughNode) Process(inputs node.Inputs, ctx *pipeline.Context) node.Outputs {
	return node.RunStreaming(func(m *pipeline.Message, ctx *pipeline.Context) node.MessageStream {
		return stream.Of(m)
	})(inputs, ctx)
}

type panickingNode struct {
	node.Base
}

func newPanickingNode(config map[string]interface{}) node.Node {
	return &panickingNode{Base: node.NewBase(config, nil)}
}

func (n *panickingNode) Meta() node.Metadata {
	return node.Metadata{
		Name:    "Panicker",
		Inputs:  []node.PortDef{{Name: "in", Socket: node.SocketPipeline}},
		Outputs: []node.PortDef{{Name: "out", Socket: node.SocketPipeline}},
	}
}
func (n *panickingNode) Validate() []string { return nil }
func (n *panickingNode) Process(node.Inputs, *pipeline.Context) node.Outputs {
	panic("boom")
}

type routerNode struct {
	node.Base
}

func newRouterNode(config map[string]interface{}) node.Node {
	return &routerNode{Base: node.NewBase(config, nil)}
}

func (n *routerNode) Meta() node.Metadata {
	return node.Metadata{
		Name:    "Router",
		Inputs:  []node.PortDef{{Name: "in", Socket: node.SocketPipeline}},
		Outputs: []node.PortDef{{Name: "yes", Socket: node.SocketPipeline}, {Name: "no", Socket: node.SocketPipeline}},
	}
}
func (n *routerNode) Validate() []string { return nil }
func (n *routerNode) Process(inputs node.Inputs, ctx *pipeline.Context) node.Outputs {
	return node.RunRouter([]string{"yes", "no"}, func(m *pipeline.Message, ctx *pipeline.Context) (string, bool) {
		if m.Request.Method == "acp/yes" {
			return "yes", true
		}
		return "no", true
	})(inputs, ctx)
}

func testRegistry(t *testing.T) *node.Registry {
	t.Helper()
	r := node.NewRegistry()
	must := func(err error) {
		if err != nil {
			t.Fatalf("registry setup: %v", err)
		}
	}
	must(r.Register(node.Metadata{Name: "Passthrough", Category: node.CategoryAdapter}, newPassthroughNode))
	must(r.Register(node.Metadata{Name: "Panicker"}, newPanickingNode))
	must(r.Register(node.Metadata{Name: "Router"}, newRouterNode))
	return r
}

func collect(s node.MessageStream) ([]*pipeline.Message, error) {
	var mu sync.Mutex
	var values []*pipeline.Message
	var outErr error
	done := make(chan struct{})
	s.Subscribe(
		func(m *pipeline.Message) {
			mu.Lock()
			values = append(values, m)
			mu.Unlock()
		},
		func(err error) {
			mu.Lock()
			outErr = err
			mu.Unlock()
			close(done)
		},
		func() { close(done) },
	)
	select {
	case <-done:
	case <-time.After(time.Second):
	}
	return values, outErr
}

func newTestContext() *pipeline.Context {
	return pipeline.NewContext(context.Background(), "req-1", "", nil, nil, 0, meta.PolicyPermissive)
}

// S1 (smoke), per spec §8.
func TestExecuteSmoke(t *testing.T) {
	eng := New(testRegistry(t), nil)
	g := `{"version":"1.0.0","nodes":[{"id":"n1","type":"Passthrough"}],"connections":[]}`
	if err := eng.LoadGraph(g); err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}

	ctx := newTestContext()
	req := &acp.Request{JSONRPC: "2.0", Method: "acp/ping"}
	msg := pipeline.NewMessage(ctx, req)

	out, err := eng.Execute("n1", msg, ctx)
	if err != nil {
		t.Fatalf("unexpected execute error: %v", err)
	}
	values, execErr := collect(out)
	if execErr != nil {
		t.Fatalf("unexpected stream error: %v", execErr)
	}
	if len(values) != 1 || values[0].Request.Method != "acp/ping" {
		t.Fatalf("expected exactly one passthrough value, got %v", values)
	}
}

func TestLoadGraphFailureLeavesEngineEmpty(t *testing.T) {
	eng := New(testRegistry(t), nil)
	good := `{"version":"1.0.0","nodes":[{"id":"n1","type":"Passthrough"}],"connections":[]}`
	if err := eng.LoadGraph(good); err != nil {
		t.Fatalf("unexpected error loading good graph: %v", err)
	}
	if eng.GetStats().NodeCount != 1 {
		t.Fatalf("expected 1 node after good load")
	}

	bad := `{"version":"1.0.0","nodes":[{"id":"n2","type":"DoesNotExist"}],"connections":[]}`
	if err := eng.LoadGraph(bad); err == nil {
		t.Fatalf("expected error loading graph with unknown node type")
	}
	if eng.GetStats().NodeCount != 0 {
		t.Fatalf("expected engine to be left empty after a failed load, not the old graph")
	}
}

func TestExecutePropagatesPanicToDownstreamOutputs(t *testing.T) {
	eng := New(testRegistry(t), nil)
	g := `{"version":"1.0.0","nodes":[{"id":"p1","type":"Panicker"}],"connections":[]}`
	if err := eng.LoadGraph(g); err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	ctx := newTestContext()
	msg := pipeline.NewMessage(ctx, &acp.Request{Method: "acp/ping"})
	out, err := eng.Execute("p1", msg, ctx)
	if err != nil {
		t.Fatalf("unexpected execute error: %v", err)
	}
	_, execErr := collect(out)
	if execErr == nil {
		t.Fatalf("expected the panic to surface as a stream error")
	}
}

// S7 (router), per spec §8.
func TestExecuteRoutesMessages(t *testing.T) {
	eng := New(testRegistry(t), nil)
	g := `{"version":"1.0.0","nodes":[{"id":"r1","type":"Router"}],"connections":[]}`
	if err := eng.LoadGraph(g); err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}

	ctx := newTestContext()

	// Routing output selection (picking the "yes" vs "no" port) is
	// exercised at the node level in package node; here we only assert the
	// engine wires a Router node's declared output ports through Execute.
	noMsg := pipeline.NewMessage(ctx, &acp.Request{Method: "acp/no"})
	out, err := eng.Execute("r1", noMsg, ctx)
	if err != nil {
		t.Fatalf("unexpected execute error: %v", err)
	}
	values, execErr := collect(out)
	if execErr != nil {
		t.Fatalf("unexpected stream error: %v", execErr)
	}
	if len(values) != 1 {
		t.Fatalf("expected router's merged own-output fallback to carry exactly one message, got %v", values)
	}
}

func TestExportGraphRoundTrip(t *testing.T) {
	eng := New(testRegistry(t), nil)
	g := `{"version":"1.0.0","nodes":[{"id":"n1","type":"Passthrough","label":"front door"}],"connections":[]}`
	if err := eng.LoadGraph(g); err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	exported := eng.ExportGraph(time.Now())
	if len(exported.Nodes) != 1 || exported.Nodes[0].Type != "Passthrough" || exported.Nodes[0].Label != "front door" {
		t.Fatalf("unexpected export: %+v", exported.Nodes)
	}
}

func TestGetNodesIsDefensiveCopy(t *testing.T) {
	eng := New(testRegistry(t), nil)
	g := `{"version":"1.0.0","nodes":[{"id":"n1","type":"Passthrough"}],"connections":[]}`
	if err := eng.LoadGraph(g); err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	nodes := eng.GetNodes()
	delete(nodes, "n1")
	if eng.GetStats().NodeCount != 1 {
		t.Fatalf("mutating the returned node map must not affect the engine")
	}
}

func TestWatcherHotReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "graph.json")
	initial := `{"version":"1.0.0","nodes":[{"id":"n1","type":"Passthrough"}],"connections":[]}`
	if err := os.WriteFile(path, []byte(initial), 0o644); err != nil {
		t.Fatalf("write initial graph: %v", err)
	}

	eng := New(testRegistry(t), nil)
	if err := eng.LoadGraph(initial); err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}

	logger, _ := logging.New(logging.LevelNone, "", false)
	w, err := NewWatcher(path, eng, logger, 30*time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected watcher error: %v", err)
	}
	w.Start()
	defer w.Stop()

	updated := `{"version":"1.0.0","nodes":[{"id":"n1","type":"Passthrough"},{"id":"n2","type":"Passthrough"}],"connections":[]}`
	time.Sleep(20 * time.Millisecond)
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("write updated graph: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if eng.GetStats().NodeCount == 2 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("expected hot reload to install the 2-node graph, got %d nodes", eng.GetStats().NodeCount)
}
