package nodes

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/codefionn/scriptschnell/internal/acp"
	"github.com/codefionn/scriptschnell/internal/meta"
	"github.com/codefionn/scriptschnell/internal/node"
	"github.com/codefionn/scriptschnell/internal/pipeline"
	"github.com/codefionn/scriptschnell/internal/stream"
)

func testCtx() *pipeline.Context {
	return pipeline.NewContext(context.Background(), "req-1", "sess-1", nil, nil, 0, meta.PolicyPermissive)
}

func collect(s node.MessageStream) ([]*pipeline.Message, error) {
	var mu sync.Mutex
	var out []*pipeline.Message
	var streamErr error
	done := make(chan struct{})
	s.Subscribe(
		func(m *pipeline.Message) {
			mu.Lock()
			out = append(out, m)
			mu.Unlock()
		},
		func(err error) { streamErr = err; close(done) },
		func() { close(done) },
	)
	select {
	case <-done:
	case <-time.After(time.Second):
	}
	return out, streamErr
}

func requestWithParams(t *testing.T, params interface{}) *acp.Request {
	t.Helper()
	raw, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	return &acp.Request{JSONRPC: "2.0", Method: "acp/prompt", Params: raw, ID: &acp.RequestID{Value: "r1"}}
}

func runSingle(n node.Node, msg *pipeline.Message, ctx *pipeline.Context) node.Outputs {
	return n.Process(node.Inputs{"in": {stream.Of(msg)}}, ctx)
}

// TestAnthropicTranslatorChain covers spec scenario S2 (translator chain):
// a request with an explicit max_tokens carries through to the translated
// shape, the backend tag is set, and streaming defaults to true.
func TestAnthropicTranslatorChain(t *testing.T) {
	req := requestWithParams(t, map[string]interface{}{
		"system":     "be terse",
		"max_tokens": 2048,
		"messages":   []map[string]interface{}{{"role": "user", "content": "hi"}},
	})
	ctx := testCtx()
	msg := pipeline.NewMessage(ctx, req)

	translator := NewAnthropicTranslator(nil)
	out, err := collect(runSingle(translator, msg, ctx)["out"])
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected 1 message, got %d", len(out))
	}
	if out[0].Backend != "anthropic" {
		t.Fatalf("expected backend anthropic, got %q", out[0].Backend)
	}
	translated, ok := out[0].Translated.(AnthropicTranslatedRequest)
	if !ok {
		t.Fatalf("expected AnthropicTranslatedRequest, got %T", out[0].Translated)
	}
	if !translated.Stream {
		t.Fatalf("expected stream=true")
	}
	if translated.MaxTokens != 2048 {
		t.Fatalf("expected max_tokens 2048, got %d", translated.MaxTokens)
	}
}

// TestAnthropicTranslatorPreservesMeta covers spec scenario S3 (metadata
// preservation): anthropic-namespaced _meta hints survive into the
// translated request untouched.
func TestAnthropicTranslatorPreservesMeta(t *testing.T) {
	req := requestWithParams(t, map[string]interface{}{
		"messages": []map[string]interface{}{{"role": "user", "content": "hi"}},
		"_meta": map[string]interface{}{
			"anthropic": map[string]interface{}{
				"stop_sequences": []interface{}{"STOP"},
				"top_p":          0.9,
				"top_k":          40,
			},
		},
	})
	ctx := testCtx()
	msg := pipeline.NewMessage(ctx, req)

	translator := NewAnthropicTranslator(nil)
	out, err := collect(runSingle(translator, msg, ctx)["out"])
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	translated := out[0].Translated.(AnthropicTranslatedRequest)
	if translated.TopK != float64(40) {
		t.Fatalf("expected top_k 40 preserved, got %v", translated.TopK)
	}
	if translated.TopP != 0.9 {
		t.Fatalf("expected top_p 0.9 preserved, got %v", translated.TopP)
	}
	seqs, ok := translated.StopSequences.([]interface{})
	if !ok || len(seqs) != 1 || seqs[0] != "STOP" {
		t.Fatalf("expected stop_sequences [STOP] preserved, got %v", translated.StopSequences)
	}
}

func TestOpenAITranslatorPrependsSystemMessage(t *testing.T) {
	req := requestWithParams(t, map[string]interface{}{
		"system":   "be terse",
		"messages": []map[string]interface{}{{"role": "user", "content": "hi"}},
	})
	ctx := testCtx()
	msg := pipeline.NewMessage(ctx, req)

	translator := NewOpenAITranslator(nil)
	out, _ := collect(runSingle(translator, msg, ctx)["out"])
	translated := out[0].Translated.(OpenAITranslatedRequest)
	if len(translated.Messages) != 2 {
		t.Fatalf("expected system message prepended, got %d messages", len(translated.Messages))
	}
	if translated.Messages[0]["role"] != "system" {
		t.Fatalf("expected first message role=system, got %v", translated.Messages[0]["role"])
	}
}

func TestPiTranslatorJoinsTextBlocksAndCollectsAttachments(t *testing.T) {
	req := requestWithParams(t, map[string]interface{}{
		"prompt": []acp.ContentBlock{
			acp.Text("line one"),
			acp.Text("line two"),
			acp.Image("ZGF0YQ==", "image/png"),
		},
	})
	ctx := testCtx()
	msg := pipeline.NewMessage(ctx, req)

	translator := NewPiTranslator(nil)
	out, _ := collect(runSingle(translator, msg, ctx)["out"])
	translated := out[0].Translated.(PiTranslatedRequest)
	if translated.Message != "line one\nline two" {
		t.Fatalf("expected joined text, got %q", translated.Message)
	}
	if len(translated.Attachments) != 1 {
		t.Fatalf("expected 1 attachment, got %d", len(translated.Attachments))
	}
}

func TestPassthroughForwardsUnchangedWhenNotWebsocket(t *testing.T) {
	req := &acp.Request{JSONRPC: "2.0", Method: "acp/prompt", ID: &acp.RequestID{Value: "r1"}}
	ctx := testCtx()
	msg := pipeline.NewMessage(ctx, req)

	p := NewPassthrough(map[string]interface{}{"endpoint": "stdio://x", "type": "stdio"})
	out, err := collect(runSingle(p, msg, ctx)["out"])
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 1 || out[0].Request != req {
		t.Fatalf("expected the same request forwarded unchanged")
	}
}

func TestPassthroughValidate(t *testing.T) {
	p := NewPassthrough(map[string]interface{}{"type": "carrier-pigeon"})
	problems := p.Validate()
	if len(problems) != 2 {
		t.Fatalf("expected 2 validation problems (missing endpoint, bad type), got %v", problems)
	}
}

func TestSplitterFansOutToEveryPort(t *testing.T) {
	req := &acp.Request{JSONRPC: "2.0", Method: "acp/prompt"}
	ctx := testCtx()
	msg := pipeline.NewMessage(ctx, req)

	s := NewSplitter(map[string]interface{}{"outputCount": float64(3)})
	outputs := s.Process(node.Inputs{"in": {stream.Of(msg)}}, ctx)
	if len(outputs) != 3 {
		t.Fatalf("expected 3 output ports, got %d", len(outputs))
	}
	for name, out := range outputs {
		msgs, err := collect(out)
		if err != nil {
			t.Fatalf("port %s: unexpected error %v", name, err)
		}
		if len(msgs) != 1 {
			t.Fatalf("port %s: expected 1 message, got %d", name, len(msgs))
		}
	}
}

func TestSplitterClampsOutputCount(t *testing.T) {
	s := NewSplitter(map[string]interface{}{"outputCount": float64(99)}).(*Splitter)
	if len(s.outputs) != maxSplitterOutputs {
		t.Fatalf("expected clamp to %d, got %d", maxSplitterOutputs, len(s.outputs))
	}
}

func TestCombinerMergesBothBranchesByArrival(t *testing.T) {
	ctx := testCtx()
	req := &acp.Request{JSONRPC: "2.0", Method: "acp/prompt"}
	m1 := pipeline.NewMessage(ctx, req).WithBackend("a")
	m2 := pipeline.NewMessage(ctx, req).WithBackend("b")

	c := NewCombiner(nil)
	out := c.Process(node.Inputs{"in1": {stream.Of(m1)}, "in2": {stream.Of(m2)}}, ctx)
	msgs, err := collect(out["out"])
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 merged messages, got %d", len(msgs))
	}
}

func TestBackendRouterRoutesByBackendField(t *testing.T) {
	ctx := testCtx()
	req := &acp.Request{JSONRPC: "2.0", Method: "acp/prompt"}
	anthropicMsg := pipeline.NewMessage(ctx, req).WithBackend("anthropic")
	unknownMsg := pipeline.NewMessage(ctx, req).WithBackend("mystery")

	r := NewBackendRouter(nil)
	outputs := r.Process(node.Inputs{"in": {stream.Of(anthropicMsg), stream.Of(unknownMsg)}}, ctx)

	anthropicOut, _ := collect(outputs["anthropic"])
	if len(anthropicOut) != 1 {
		t.Fatalf("expected 1 message on anthropic port, got %d", len(anthropicOut))
	}
	defaultOut, _ := collect(outputs["default"])
	if len(defaultOut) != 1 {
		t.Fatalf("expected 1 message on default port, got %d", len(defaultOut))
	}
}

func TestAnalyzedCombinerSynthesizesFromBothBranches(t *testing.T) {
	ctx := testCtx()
	req := &acp.Request{JSONRPC: "2.0", Method: "acp/prompt"}
	left := pipeline.NewMessage(ctx, req).WithResponse(canonicalResponse{
		Content: []acp.ContentBlock{acp.Text("left answer")},
		Backend: "anthropic",
	})
	right := pipeline.NewMessage(ctx, req).WithResponse(canonicalResponse{
		Content: []acp.ContentBlock{acp.Text("right answer")},
		Backend: "openai",
	})

	combiner := NewAnalyzedCombiner(nil)
	out := combiner.Process(node.Inputs{"in1": {stream.Of(left)}, "in2": {stream.Of(right)}}, ctx)
	msgs, err := collect(out["out"])
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 synthesized message, got %d", len(msgs))
	}
	resp := msgs[0].Response.(canonicalResponse)
	if resp.Backend != "analyzed" {
		t.Fatalf("expected backend=analyzed, got %q", resp.Backend)
	}
	if resp.Content[0].Text != "left answer\nright answer" {
		t.Fatalf("expected joined analysis text, got %q", resp.Content[0].Text)
	}
}

func TestACPInputNodeForwardsSeededMessage(t *testing.T) {
	req := &acp.Request{JSONRPC: "2.0", Method: "acp/prompt"}
	ctx := testCtx()
	msg := pipeline.NewMessage(ctx, req)

	n := NewACPInputNode(nil)
	out, err := collect(runSingle(n, msg, ctx)["out"])
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 1 || out[0].Request != req {
		t.Fatalf("expected the seeded request forwarded unchanged")
	}
}

func TestACPOutputNodePassesThrough(t *testing.T) {
	req := &acp.Request{JSONRPC: "2.0", Method: "acp/prompt"}
	ctx := testCtx()
	msg := pipeline.NewMessage(ctx, req)

	n := NewACPOutputNode(nil)
	out, err := collect(runSingle(n, msg, ctx)["out"])
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected 1 message, got %d", len(out))
	}
}

func TestAnthropicNormalizerBuildsCanonicalShape(t *testing.T) {
	ctx := testCtx()
	req := &acp.Request{JSONRPC: "2.0", Method: "acp/prompt"}
	msg := pipeline.NewMessage(ctx, req).WithResponse(map[string]interface{}{
		"id":          "msg_1",
		"model":       "claude-sonnet-4-20250514",
		"stop_reason": "end_turn",
		"content":     []map[string]string{{"type": "text", "text": "hello"}},
		"usage":       &acp.Usage{InputTokens: 10, OutputTokens: 2},
	})

	n := NewAnthropicNormalizer(nil)
	out, err := collect(runSingle(n, msg, ctx)["out"])
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp := out[0].Response.(canonicalResponse)
	if resp.Backend != "anthropic" || resp.Model != "claude-sonnet-4-20250514" || resp.ID != "msg_1" {
		t.Fatalf("unexpected canonical response: %+v", resp)
	}
	if resp.Content[0].Text != "hello" {
		t.Fatalf("expected content text 'hello', got %q", resp.Content[0].Text)
	}
}

func TestNormalizerPassesThroughWithoutResponse(t *testing.T) {
	ctx := testCtx()
	req := &acp.Request{JSONRPC: "2.0", Method: "acp/prompt"}
	msg := pipeline.NewMessage(ctx, req)

	n := NewOpenAINormalizer(nil)
	out, err := collect(runSingle(n, msg, ctx)["out"])
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 1 || out[0].Response != nil {
		t.Fatalf("expected message passed through with no response set")
	}
}

func TestRegisterInstallsEveryReferenceNode(t *testing.T) {
	r := node.NewRegistry()
	if err := Register(r, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, name := range []string{
		"ACPInput", "ACPOutput", "Passthrough",
		"AnthropicTranslator", "OpenAITranslator", "OllamaTranslator", "PiTranslator",
		"AnthropicClient", "OpenAIClient", "OllamaClient", "PiClient",
		"AnthropicNormalizer", "OpenAINormalizer", "OllamaNormalizer", "PiNormalizer",
		"Splitter", "Combiner", "AnalyzedCombiner", "BackendRouter", "MetaRouter",
	} {
		if _, err := r.Create(name, nil); err != nil {
			t.Fatalf("expected %s registered: %v", name, err)
		}
	}
}
