// Package pipeline defines the value objects carried on every graph edge:
// the pipeline message and its shared context (spec §3 "Pipeline message",
// "Pipeline context").
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/codefionn/scriptschnell/internal/acp"
	"github.com/codefionn/scriptschnell/internal/logging"
	"github.com/codefionn/scriptschnell/internal/meta"
)

// UpdateFunc delivers a streaming notification toward the client that
// originated a request. The transport supplies the concrete implementation.
type UpdateFunc func(*acp.Notification) error

// Error is an append-only entry in a Context's error list (spec §5
// "cancellation", §7 "propagation policy").
type Error struct {
	NodeID string
	Err    error
	At     time.Time
}

// Timing records a node's execution window within one request.
type Timing struct {
	NodeID   string
	Start    time.Time
	End      time.Time
	Duration time.Duration
}

// Context is shared by reference among every Message derived from one
// incoming request. It is created by the transport at request arrival and
// lives until the response stream completes or is cancelled.
type Context struct {
	RequestID string
	SessionID string
	StartTime time.Time
	TraceID   string
	SpanID    string

	Logger   *logging.Logger
	OnUpdate UpdateFunc

	// MetaPolicy governs how this request's params._meta is validated (spec
	// §3 "Metadata", strict/strip/permissive). Set once at construction from
	// the process-wide configured policy.
	MetaPolicy meta.Policy

	// GoContext carries cancellation and deadline. It is derived from the
	// parent context supplied at construction; cancelling it is how the
	// engine propagates a client disconnect or the 30s hard timeout down to
	// every node holding a suspension point open for this request.
	GoContext context.Context
	Cancel    context.CancelFunc

	mu     sync.Mutex
	meta   map[string]interface{}
	errors []Error
	timing map[string]*Timing
}

// NewContext constructs a fresh per-request Context. parent supplies the
// cancellation ancestry (typically the transport's own lifetime context);
// timeout, if > 0, derives a deadline (spec §5 "30s hard upper bound").
func NewContext(parent context.Context, requestID, sessionID string, logger *logging.Logger, onUpdate UpdateFunc, timeout time.Duration, metaPolicy meta.Policy) *Context {
	if parent == nil {
		parent = context.Background()
	}
	var goCtx context.Context
	var cancel context.CancelFunc
	if timeout > 0 {
		goCtx, cancel = context.WithTimeout(parent, timeout)
	} else {
		goCtx, cancel = context.WithCancel(parent)
	}
	return &Context{
		RequestID:  requestID,
		SessionID:  sessionID,
		StartTime:  time.Now(),
		Logger:     logger,
		OnUpdate:   onUpdate,
		MetaPolicy: metaPolicy,
		GoContext:  goCtx,
		Cancel:     cancel,
		meta:       make(map[string]interface{}),
		timing:     make(map[string]*Timing),
	}
}

// SetMeta stores a value in the context's free-form mutable bag. This is
// distinct from a request's validated params._meta (see package meta); it is
// scratch space nodes use to pass data to later stages of the same request.
func (c *Context) SetMeta(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.meta[key] = value
}

// GetMeta reads a value previously stored with SetMeta.
func (c *Context) GetMeta(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.meta[key]
	return v, ok
}

// AddError appends a non-fatal or fatal error observation to the context's
// error list without ending any stream.
func (c *Context) AddError(nodeID string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors = append(c.errors, Error{NodeID: nodeID, Err: err, At: time.Now()})
}

// Errors returns a defensive copy of the recorded errors.
func (c *Context) Errors() []Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Error, len(c.errors))
	copy(out, c.errors)
	return out
}

// StartTiming records the start of nodeID's execution and returns a func
// that, called at completion, records the end time and duration.
func (c *Context) StartTiming(nodeID string) func() {
	start := time.Now()
	return func() {
		end := time.Now()
		c.mu.Lock()
		defer c.mu.Unlock()
		c.timing[nodeID] = &Timing{NodeID: nodeID, Start: start, End: end, Duration: end.Sub(start)}
	}
}

// Timings returns a defensive copy of the per-node timing map.
func (c *Context) Timings() map[string]Timing {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]Timing, len(c.timing))
	for k, v := range c.timing {
		out[k] = *v
	}
	return out
}

// TotalDuration is the wall-clock elapsed since the context was created.
func (c *Context) TotalDuration() time.Duration {
	return time.Since(c.StartTime)
}

// Emit delivers a notification to the client via OnUpdate, if configured.
// It is safe to call from any of a request's concurrent branches; the
// transport is responsible for serializing the underlying writes (spec §5).
func (c *Context) Emit(n *acp.Notification) error {
	if c.OnUpdate == nil {
		return nil
	}
	return c.OnUpdate(n)
}

// Done reports whether the context has been cancelled or its deadline has
// passed.
func (c *Context) Done() <-chan struct{} {
	return c.GoContext.Done()
}
