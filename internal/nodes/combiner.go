package nodes

import (
	"github.com/codefionn/scriptschnell/internal/logging"
	"github.com/codefionn/scriptschnell/internal/node"
	"github.com/codefionn/scriptschnell/internal/pipeline"
	"github.com/codefionn/scriptschnell/internal/stream"
)

// Combiner merges in1 and in2 by arrival order onto a single out port (spec
// §4.5 "Combiner"). With only one input port connected it behaves as a
// passthrough.
type Combiner struct {
	node.Base
}

func CombinerMeta() node.Metadata {
	return node.Metadata{
		Name:        "Combiner",
		Category:    node.CategoryRouting,
		Description: "Merges two input branches, by arrival order, onto one output.",
		Inputs: []node.PortDef{
			{Name: "in1", Socket: node.SocketPipeline},
			{Name: "in2", Socket: node.SocketPipeline},
		},
		Outputs: []node.PortDef{{Name: "out", Socket: node.SocketPipeline}},
	}
}

func NewCombiner(config map[string]interface{}) node.Node {
	return &Combiner{Base: node.NewBase(config, logging.Global())}
}

func (c *Combiner) Meta() node.Metadata { return CombinerMeta() }
func (c *Combiner) Validate() []string  { return nil }

func (c *Combiner) Process(inputs node.Inputs, ctx *pipeline.Context) node.Outputs {
	var branches []node.MessageStream
	branches = append(branches, inputs["in1"]...)
	branches = append(branches, inputs["in2"]...)
	return node.Outputs{"out": stream.Merge(branches...)}
}
