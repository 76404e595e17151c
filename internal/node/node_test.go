package node

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/codefionn/scriptschnell/internal/acp"
	"github.com/codefionn/scriptschnell/internal/meta"
	"github.com/codefionn/scriptschnell/internal/pipeline"
	"github.com/codefionn/scriptschnell/internal/stream"
)

func testCtx() *pipeline.Context {
	return pipeline.NewContext(context.Background(), "req-1", "", nil, nil, 0, meta.PolicyPermissive)
}

func collectMessages(s MessageStream) []*pipeline.Message {
	var mu sync.Mutex
	var out []*pipeline.Message
	done := make(chan struct{})
	s.Subscribe(
		func(m *pipeline.Message) {
			mu.Lock()
			out = append(out, m)
			mu.Unlock()
		},
		func(error) { close(done) },
		func() { close(done) },
	)
	select {
	case <-done:
	case <-time.After(time.Second):
	}
	return out
}

type echoNode struct {
	Base
}

func newEchoNode(config map[string]interface{}) Node {
	return &echoNode{Base: NewBase(config, nil)}
}

func (n *echoNode) Meta() Metadata {
	return Metadata{
		Name:     "Echo",
		Category: CategoryUtility,
		Inputs:   []PortDef{{Name: "in", Socket: SocketPipeline, Required: true}},
		Outputs:  []PortDef{{Name: "out", Socket: SocketPipeline}},
	}
}

func (n *echoNode) Validate() []string { return nil }

func (n *echoNode) Process(inputs Inputs, ctx *pipeline.Context) Outputs {
	return RunStreaming(func(m *pipeline.Message, ctx *pipeline.Context) MessageStream {
		return stream.Of(m)
	})(inputs, ctx)
}

func TestRegistryRegisterCreateRoundTrip(t *testing.T) {
	r := NewRegistry()
	meta := Metadata{Name: "Echo", Category: CategoryUtility}
	if err := r.Register(meta, newEchoNode); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	n, err := r.Create("Echo", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n.Meta().Name != "Echo" {
		t.Fatalf("expected created node's meta name to match registered type name, got %q", n.Meta().Name)
	}
}

func TestRegistryRejectsDuplicateRegistration(t *testing.T) {
	r := NewRegistry()
	meta := Metadata{Name: "Echo"}
	if err := r.Register(meta, newEchoNode); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := r.Register(meta, newEchoNode); err == nil {
		t.Fatalf("expected error on duplicate registration")
	}
}

func TestRegistryRejectsMissingMeta(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(Metadata{}, newEchoNode); err != ErrMissingMeta {
		t.Fatalf("expected ErrMissingMeta, got %v", err)
	}
}

func TestRegistryCreateUnknownFails(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Create("Nope", nil); err == nil {
		t.Fatalf("expected error creating unregistered type")
	}
}

func TestRegistryListPreservesRegistrationOrder(t *testing.T) {
	r := NewRegistry()
	r.Register(Metadata{Name: "B"}, newEchoNode)
	r.Register(Metadata{Name: "A"}, newEchoNode)
	got := r.List()
	if len(got) != 2 || got[0] != "B" || got[1] != "A" {
		t.Fatalf("expected registration order [B A], got %v", got)
	}
}

func TestStreamingNodeFlatMapsInputToOutput(t *testing.T) {
	ctx := testCtx()
	req := &acp.Request{JSONRPC: "2.0", Method: "acp/ping"}
	msg := pipeline.NewMessage(ctx, req)

	n := newEchoNode(nil)
	outputs := n.Process(Inputs{"in": {stream.Of(msg)}}, ctx)
	out, ok := outputs["out"]
	if !ok {
		t.Fatalf("expected 'out' port in outputs")
	}
	got := collectMessages(out)
	if len(got) != 1 || got[0] != msg {
		t.Fatalf("expected echo to pass the message through unchanged, got %v", got)
	}
}

func TestRouterNodeRoutesByField(t *testing.T) {
	ctx := testCtx()
	routeByMethod := func(m *pipeline.Message, ctx *pipeline.Context) (string, bool) {
		if m.Request.Method == "acp/yes" {
			return "yes", true
		}
		return "no", true
	}
	process := RunRouter([]string{"yes", "no"}, routeByMethod)

	yesMsg := pipeline.NewMessage(ctx, &acp.Request{Method: "acp/yes"})
	noMsg := pipeline.NewMessage(ctx, &acp.Request{Method: "acp/no"})

	outputs := process(Inputs{"in": {stream.Of(yesMsg, noMsg)}}, ctx)

	yes := collectMessages(outputs["yes"])
	no := collectMessages(outputs["no"])
	if len(yes) != 1 || yes[0] != yesMsg {
		t.Fatalf("expected yes port to carry only the yes message, got %v", yes)
	}
	if len(no) != 1 || no[0] != noMsg {
		t.Fatalf("expected no port to carry only the no message, got %v", no)
	}
}

func TestBaseConfigIsDefensivelyCopied(t *testing.T) {
	b := NewBase(map[string]interface{}{"a": 1}, nil)
	got := b.Config()
	got["a"] = 2
	if v, _ := b.ConfigFloat("a"); v != 1 {
		t.Fatalf("mutating the returned config copy must not affect the node, got %v", v)
	}
}
