package nodes

import (
	"fmt"

	"github.com/codefionn/scriptschnell/internal/logging"
	"github.com/codefionn/scriptschnell/internal/node"
	"github.com/codefionn/scriptschnell/internal/pipeline"
)

// BackendRouter routes a message by its already-assigned Backend field
// (spec §4.5 "Router (abstract base)" concrete instance): one output port
// per configured backend name, plus a "default" port for anything that
// doesn't match.
type BackendRouter struct {
	node.Base
	ports []string
}

func BackendRouterMeta() node.Metadata {
	return node.Metadata{
		Name:        "BackendRouter",
		Category:    node.CategoryRouting,
		Description: "Routes a message to the output port named after message.Backend.",
		Inputs:      []node.PortDef{{Name: "in", Socket: node.SocketPipeline, Required: true}},
		Outputs: []node.PortDef{
			{Name: "anthropic", Socket: node.SocketPipeline},
			{Name: "openai", Socket: node.SocketPipeline},
			{Name: "ollama", Socket: node.SocketPipeline},
			{Name: "pi", Socket: node.SocketPipeline},
			{Name: "default", Socket: node.SocketPipeline},
		},
		ConfigSchema: map[string]interface{}{
			"ports": "array of backend names this router declares ports for; default anthropic, openai, ollama, pi",
		},
	}
}

var defaultRouterPorts = []string{"anthropic", "openai", "ollama", "pi"}

func NewBackendRouter(config map[string]interface{}) node.Node {
	base := node.NewBase(config, logging.Global())
	ports := defaultRouterPorts
	if raw, ok := config["ports"].([]interface{}); ok && len(raw) > 0 {
		ports = make([]string, 0, len(raw))
		for _, v := range raw {
			if s, ok := v.(string); ok {
				ports = append(ports, s)
			}
		}
	}
	return &BackendRouter{Base: base, ports: append(append([]string{}, ports...), "default")}
}

func (r *BackendRouter) Meta() node.Metadata { return BackendRouterMeta() }
func (r *BackendRouter) Validate() []string  { return nil }

func (r *BackendRouter) Process(inputs node.Inputs, ctx *pipeline.Context) node.Outputs {
	known := make(map[string]bool, len(r.ports))
	for _, p := range r.ports {
		known[p] = true
	}
	return node.RunRouter(r.ports, func(msg *pipeline.Message, ctx *pipeline.Context) (string, bool) {
		if known[msg.Backend] {
			return msg.Backend, true
		}
		return "default", true
	})(inputs, ctx)
}

// MetaRouter routes a message by a dotted _meta path read off the original
// request (spec §4.5 "Router (abstract base)" getMeta helper), comparing
// the value against the single configured "value". A match goes to
// "match"; unmatched messages go to "default".
type MetaRouter struct {
	node.Base
	path  string
	cases map[string]string
}

func MetaRouterMeta() node.Metadata {
	return node.Metadata{
		Name:        "MetaRouter",
		Category:    node.CategoryRouting,
		Description: "Routes a message by comparing a params._meta dotted path against configured cases.",
		Inputs:      []node.PortDef{{Name: "in", Socket: node.SocketPipeline, Required: true}},
		Outputs: []node.PortDef{
			{Name: "match", Socket: node.SocketPipeline},
			{Name: "default", Socket: node.SocketPipeline},
		},
		ConfigSchema: map[string]interface{}{
			"path":  "dotted _meta path to compare, e.g. \"proxy.route\"",
			"value": "string this path must equal to route to \"match\"",
		},
	}
}

func NewMetaRouter(config map[string]interface{}) node.Node {
	base := node.NewBase(config, logging.Global())
	return &MetaRouter{Base: base, path: base.ConfigString("path")}
}

func (r *MetaRouter) Meta() node.Metadata { return MetaRouterMeta() }

func (r *MetaRouter) Validate() []string {
	if r.ConfigString("path") == "" {
		return []string{validationError("path")}
	}
	return nil
}

func (r *MetaRouter) Process(inputs node.Inputs, ctx *pipeline.Context) node.Outputs {
	want := r.ConfigString("value")
	path := r.ConfigString("path")
	return node.RunRouter([]string{"match", "default"}, func(msg *pipeline.Message, ctx *pipeline.Context) (string, bool) {
		got := fmt.Sprintf("%v", getMeta(msg.Request, path))
		if got == want {
			return "match", true
		}
		return "default", true
	})(inputs, ctx)
}
