package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/codefionn/scriptschnell/internal/acp"
	"github.com/codefionn/scriptschnell/internal/meta"
)

func testContext() *Context {
	return NewContext(context.Background(), "req-1", "", nil, nil, 0, meta.PolicyPermissive)
}

func TestMessageSharesContextAcrossClones(t *testing.T) {
	ctx := testContext()
	req := &acp.Request{JSONRPC: "2.0", Method: "acp/ping"}
	m1 := NewMessage(ctx, req)
	m2 := m1.WithBackend("anthropic")
	m3 := m2.WithTranslated(map[string]string{"model": "x"})

	if m1.Ctx != m2.Ctx || m2.Ctx != m3.Ctx {
		t.Fatalf("expected all derived messages to share the same context reference")
	}
	if m1.Backend != "" {
		t.Fatalf("expected WithBackend to not mutate the receiver")
	}
	if m3.Backend != "anthropic" {
		t.Fatalf("expected backend to propagate through the clone chain")
	}
}

func TestContextErrorsAccumulate(t *testing.T) {
	ctx := testContext()
	ctx.AddError("n1", errString("boom"))
	ctx.AddError("n2", errString("bang"))

	errs := ctx.Errors()
	if len(errs) != 2 {
		t.Fatalf("expected 2 errors, got %d", len(errs))
	}
	if errs[0].NodeID != "n1" || errs[1].NodeID != "n2" {
		t.Fatalf("unexpected error ordering: %+v", errs)
	}
}

func TestContextTiming(t *testing.T) {
	ctx := testContext()
	stop := ctx.StartTiming("n1")
	time.Sleep(time.Millisecond)
	stop()

	timings := ctx.Timings()
	tm, ok := timings["n1"]
	if !ok {
		t.Fatalf("expected timing recorded for n1")
	}
	if tm.Duration <= 0 {
		t.Fatalf("expected positive duration, got %v", tm.Duration)
	}
}

func TestContextEmitWithoutCallback(t *testing.T) {
	ctx := testContext()
	if err := ctx.Emit(&acp.Notification{JSONRPC: "2.0", Method: "session/update"}); err != nil {
		t.Fatalf("expected nil OnUpdate to be a no-op, got %v", err)
	}
}

func TestContextEmitDeliversToCallback(t *testing.T) {
	var got *acp.Notification
	ctx := NewContext(context.Background(), "req-2", "", nil, func(n *acp.Notification) error {
		got = n
		return nil
	}, 0, meta.PolicyPermissive)

	note := &acp.Notification{JSONRPC: "2.0", Method: "session/update"}
	if err := ctx.Emit(note); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != note {
		t.Fatalf("expected OnUpdate to receive the emitted notification")
	}
}

func TestContextTimeoutCancels(t *testing.T) {
	ctx := NewContext(context.Background(), "req-3", "", nil, nil, 10*time.Millisecond, meta.PolicyPermissive)
	select {
	case <-ctx.Done():
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("expected context to be cancelled by its timeout")
	}
}

type errString string

func (e errString) Error() string { return string(e) }
