package nodes

import (
	"fmt"

	"github.com/codefionn/scriptschnell/internal/logging"
	"github.com/codefionn/scriptschnell/internal/node"
	"github.com/codefionn/scriptschnell/internal/pipeline"
	"github.com/codefionn/scriptschnell/internal/stream"
)

const (
	defaultSplitterOutputs = 2
	minSplitterOutputs     = 2
	maxSplitterOutputs     = 10
)

// Splitter fans one input message out to every declared output port
// unchanged (spec §4.5 "Splitter"). outputCount is fixed at construction
// time; reconfiguring it requires recreating the node.
type Splitter struct {
	node.Base
	outputs []string
}

func SplitterMeta() node.Metadata {
	return node.Metadata{
		Name:        "Splitter",
		Category:    node.CategoryRouting,
		Description: "Fans one message out to N output ports unchanged.",
		Inputs:      []node.PortDef{{Name: "in", Socket: node.SocketPipeline, Required: true}},
		Outputs:     splitterPorts(defaultSplitterOutputs),
		ConfigSchema: map[string]interface{}{
			"outputCount": "number, 2-10, default 2",
		},
	}
}

func splitterPorts(n int) []node.PortDef {
	ports := make([]node.PortDef, n)
	for i := range ports {
		ports[i] = node.PortDef{Name: fmt.Sprintf("out%d", i+1), Socket: node.SocketPipeline}
	}
	return ports
}

func NewSplitter(config map[string]interface{}) node.Node {
	base := node.NewBase(config, logging.Global())
	n := defaultSplitterOutputs
	if v, ok := base.ConfigFloat("outputCount"); ok {
		n = int(v)
	}
	if n < minSplitterOutputs {
		n = minSplitterOutputs
	}
	if n > maxSplitterOutputs {
		n = maxSplitterOutputs
	}
	ports := make([]string, n)
	for i := range ports {
		ports[i] = fmt.Sprintf("out%d", i+1)
	}
	return &Splitter{Base: base, outputs: ports}
}

func (s *Splitter) Meta() node.Metadata {
	m := SplitterMeta()
	m.Outputs = splitterPorts(len(s.outputs))
	return m
}

func (s *Splitter) Validate() []string {
	n, ok := s.ConfigFloat("outputCount")
	if ok && (n < minSplitterOutputs || n > maxSplitterOutputs) {
		return []string{fmt.Sprintf("outputCount must be between %d and %d", minSplitterOutputs, maxSplitterOutputs)}
	}
	return nil
}

func (s *Splitter) Process(inputs node.Inputs, ctx *pipeline.Context) node.Outputs {
	in := stream.Merge(inputs["in"]...)
	out := make(node.Outputs, len(s.outputs))
	for _, port := range s.outputs {
		out[port] = in
	}
	return out
}
