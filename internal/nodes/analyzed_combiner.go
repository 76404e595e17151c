package nodes

import (
	"strings"

	"github.com/codefionn/scriptschnell/internal/acp"
	"github.com/codefionn/scriptschnell/internal/logging"
	"github.com/codefionn/scriptschnell/internal/node"
	"github.com/codefionn/scriptschnell/internal/pipeline"
	"github.com/codefionn/scriptschnell/internal/stream"
)

// AnalyzedCombiner pairs the latest message from in1 and in2 and emits a
// single synthesized message whose response text is produced by an
// analyzer function over both branches (spec §4.5 "Analyzed combiner").
// The default analyzer concatenates both branches' response text; a graph
// wanting an LLM-backed comparison wires an analyzer backend in front of
// this node and reads its answer back out of _meta instead of replacing
// this field, keeping the combiner itself backend-agnostic.
type AnalyzedCombiner struct {
	node.Base
}

func AnalyzedCombinerMeta() node.Metadata {
	return node.Metadata{
		Name:        "AnalyzedCombiner",
		Category:    node.CategoryRouting,
		Description: "Pairs the latest message from two branches and emits one synthesized analysis message.",
		Inputs: []node.PortDef{
			{Name: "in1", Socket: node.SocketPipeline, Required: true},
			{Name: "in2", Socket: node.SocketPipeline, Required: true},
		},
		Outputs: []node.PortDef{{Name: "out", Socket: node.SocketPipeline}},
		ConfigSchema: map[string]interface{}{
			"separator": "string inserted between the two branches' text, default newline",
		},
	}
}

func NewAnalyzedCombiner(config map[string]interface{}) node.Node {
	return &AnalyzedCombiner{Base: node.NewBase(config, logging.Global())}
}

func (a *AnalyzedCombiner) Meta() node.Metadata { return AnalyzedCombinerMeta() }
func (a *AnalyzedCombiner) Validate() []string  { return nil }

func (a *AnalyzedCombiner) Process(inputs node.Inputs, ctx *pipeline.Context) node.Outputs {
	in1 := stream.Merge(inputs["in1"]...)
	in2 := stream.Merge(inputs["in2"]...)
	paired := stream.CombineLatest(in1, in2)

	sep := a.ConfigString("separator")
	if sep == "" {
		sep = "\n"
	}

	out := stream.FlatMap(paired, func(pair []*pipeline.Message) node.MessageStream {
		if len(pair) != 2 || pair[0] == nil || pair[1] == nil {
			return stream.Empty[*pipeline.Message]()
		}
		left := responseText(pair[0].Response)
		right := responseText(pair[1].Response)
		answer := strings.Join([]string{left, right}, sep)

		synthesized := pair[0].WithResponse(canonicalResponse{
			Content: []acp.ContentBlock{acp.Text(answer)},
			Backend: "analyzed",
		})
		return stream.Of(synthesized)
	})

	return node.Outputs{"out": out}
}

func responseText(response interface{}) string {
	switch r := response.(type) {
	case canonicalResponse:
		var parts []string
		for _, block := range r.Content {
			if block.Kind == acp.BlockText {
				parts = append(parts, block.Text)
			}
		}
		return strings.Join(parts, "")
	case nil:
		return ""
	default:
		return ""
	}
}
