package pipeline

import "github.com/codefionn/scriptschnell/internal/acp"

// Message is the unit carried on every graph edge. All fields except Ctx
// and Request are optional; nodes progressively enrich the message as it
// flows through translate → dispatch → normalize stages.
type Message struct {
	// Ctx is shared by reference among all messages derived from the same
	// request (spec §3 invariant); never replace it with a new value, only
	// mutate through its own methods.
	Ctx *Context

	// Request is the original ACP request: id, method, params.
	Request *acp.Request

	// Backend is set by a translator node, e.g. "anthropic".
	Backend string

	// Translated is the opaque per-backend request structure produced by a
	// translator node.
	Translated interface{}

	// Response is the opaque per-backend or normalized response.
	Response interface{}
}

// NewMessage constructs the message seeded at transport ingress.
func NewMessage(ctx *Context, request *acp.Request) *Message {
	return &Message{Ctx: ctx, Request: request}
}

// Clone returns a shallow copy suitable for fan-out (e.g. a splitter node):
// it keeps the same Ctx reference so that updates on any branch reach the
// same client, while letting each branch enrich Backend/Translated/Response
// independently.
func (m *Message) Clone() *Message {
	clone := *m
	return &clone
}

// WithBackend returns a clone with Backend set, leaving the receiver
// untouched.
func (m *Message) WithBackend(backend string) *Message {
	clone := m.Clone()
	clone.Backend = backend
	return clone
}

// WithTranslated returns a clone with Translated set.
func (m *Message) WithTranslated(translated interface{}) *Message {
	clone := m.Clone()
	clone.Translated = translated
	return clone
}

// WithResponse returns a clone with Response set.
func (m *Message) WithResponse(response interface{}) *Message {
	clone := m.Clone()
	clone.Response = response
	return clone
}
