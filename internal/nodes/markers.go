package nodes

import (
	"github.com/codefionn/scriptschnell/internal/logging"
	"github.com/codefionn/scriptschnell/internal/node"
	"github.com/codefionn/scriptschnell/internal/pipeline"
)

// ACPInputNode marks a graph's entry point. It declares no input ports, so
// Engine.Execute defaults to seeding the incoming request on its "in" port
// (spec §4.1 "entry port defaulting"); Process then just forwards that
// single message to "out" like any other passthrough stage.
type ACPInputNode struct {
	node.Base
}

func ACPInputNodeMeta() node.Metadata {
	return node.Metadata{
		Name:        "ACPInput",
		Category:    node.CategoryInput,
		Description: "Marks the graph's entry point; the engine seeds the incoming request here.",
		Outputs:     []node.PortDef{{Name: "out", Socket: node.SocketPipeline}},
	}
}

func NewACPInputNode(config map[string]interface{}) node.Node {
	return &ACPInputNode{Base: node.NewBase(config, logging.Global())}
}

func (n *ACPInputNode) Meta() node.Metadata { return ACPInputNodeMeta() }
func (n *ACPInputNode) Validate() []string  { return nil }

func (n *ACPInputNode) Process(inputs node.Inputs, ctx *pipeline.Context) node.Outputs {
	return node.RunStreaming(func(msg *pipeline.Message, ctx *pipeline.Context) node.MessageStream {
		return streamOf(msg)
	})(inputs, ctx)
}

// ACPOutputNode marks a graph's exit point: one input, no declared outputs.
// Process logs arrival for observability and forwards each message on an
// "out" stream; since the node has no outgoing connections, the engine
// returns that stream as the request's final response.
type ACPOutputNode struct {
	node.Base
}

func ACPOutputNodeMeta() node.Metadata {
	return node.Metadata{
		Name:        "ACPOutput",
		Category:    node.CategoryOutput,
		Description: "Marks the graph's exit point; the engine reads the request's final response here.",
		Inputs:      []node.PortDef{{Name: "in", Socket: node.SocketPipeline, Required: true}},
	}
}

func NewACPOutputNode(config map[string]interface{}) node.Node {
	return &ACPOutputNode{Base: node.NewBase(config, logging.Global())}
}

func (n *ACPOutputNode) Meta() node.Metadata { return ACPOutputNodeMeta() }
func (n *ACPOutputNode) Validate() []string  { return nil }

func (n *ACPOutputNode) Process(inputs node.Inputs, ctx *pipeline.Context) node.Outputs {
	return node.RunStreaming(func(msg *pipeline.Message, ctx *pipeline.Context) node.MessageStream {
		n.Logger.Debug("ACPOutput: request %s reached the exit node", ctx.RequestID)
		return streamOf(msg)
	})(inputs, ctx)
}
