// Package node defines the uniform node contract (spec §4.1 "Node contract
// & registry"): static metadata, mutable config, validation, and the
// stream-in/stream-out process method that every translator, client,
// normalizer, router, splitter, combiner, and passthrough node implements.
package node

import (
	"sync"

	"github.com/codefionn/scriptschnell/internal/logging"
	"github.com/codefionn/scriptschnell/internal/pipeline"
	"github.com/codefionn/scriptschnell/internal/stream"
)

// SocketTag is the connectability class of a port. Two ports are
// connectable only when their tags match.
type SocketTag string

const (
	SocketPipeline SocketTag = "pipeline"
	SocketControl  SocketTag = "control"
	SocketConfig   SocketTag = "config"
)

// Category groups nodes for the editor's palette. It is informational and
// has no effect on execution.
type Category string

const (
	CategoryInput     Category = "input"
	CategoryOutput    Category = "output"
	CategoryRouting   Category = "routing"
	CategoryTransform Category = "transform"
	CategoryAdapter   Category = "adapter"
	CategoryUtility   Category = "utility"
)

// PortDef describes one input or output port.
type PortDef struct {
	Name     string
	Socket   SocketTag
	Required bool
}

// Metadata is a node type's static description.
type Metadata struct {
	Name         string
	Category     Category
	Description  string
	Inputs       []PortDef
	Outputs      []PortDef
	ConfigSchema map[string]interface{}
}

// MessageStream is the concrete stream type every port carries.
type MessageStream = stream.Stream[*pipeline.Message]

// Inputs is the fan-in view handed to Process: for each input port name,
// the ordered sequence of upstream streams connected to it.
type Inputs map[string][]MessageStream

// Outputs is the view returned by Process: one stream per output port name
// that actually produced a value. A node may emit fewer ports than
// declared, never more.
type Outputs map[string]MessageStream

// Node is the uniform contract every node type implements.
type Node interface {
	Meta() Metadata
	Config() map[string]interface{}
	UpdateConfig(config map[string]interface{})
	Validate() []string
	Process(inputs Inputs, ctx *pipeline.Context) Outputs

	OnAdded()
	OnRemoved()
	OnConnected(portName string, peer Node, peerPort string)
	OnDisconnected(portName string)
}

// Base provides the bookkeeping every node needs (config storage, a bound
// logger, no-op lifecycle hooks) so concrete node types only need to
// implement Meta, Validate, and Process.
type Base struct {
	mu     sync.RWMutex
	config map[string]interface{}
	Logger *logging.Logger
}

// NewBase constructs a Base with the given initial config (copied).
func NewBase(config map[string]interface{}, logger *logging.Logger) Base {
	cfg := make(map[string]interface{}, len(config))
	for k, v := range config {
		cfg[k] = v
	}
	return Base{config: cfg, Logger: logger}
}

// Config returns a defensive copy of the node's current config.
func (b *Base) Config() map[string]interface{} {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]interface{}, len(b.config))
	for k, v := range b.config {
		out[k] = v
	}
	return out
}

// UpdateConfig merges the given fields into the node's config.
func (b *Base) UpdateConfig(config map[string]interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.config == nil {
		b.config = make(map[string]interface{})
	}
	for k, v := range config {
		b.config[k] = v
	}
}

// ConfigString reads a string config field, or "" if absent/wrong type.
func (b *Base) ConfigString(key string) string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if v, ok := b.config[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// ConfigFloat reads a numeric config field as float64, with ok=false if
// absent or of an unsupported type.
func (b *Base) ConfigFloat(key string) (float64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.config[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

// SetLogger binds the node's logger, normally called once by the engine at
// loadGraph time with a child logger scoped to {nodeId, nodeType}.
func (b *Base) SetLogger(l *logging.Logger) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Logger = l
}

func (b *Base) OnAdded()                         {}
func (b *Base) OnRemoved()                        {}
func (b *Base) OnConnected(string, Node, string)  {}
func (b *Base) OnDisconnected(string)             {}
