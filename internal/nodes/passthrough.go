package nodes

import (
	"encoding/json"

	"github.com/gorilla/websocket"

	"github.com/codefionn/scriptschnell/internal/logging"
	"github.com/codefionn/scriptschnell/internal/node"
	"github.com/codefionn/scriptschnell/internal/pipeline"
	"github.com/codefionn/scriptschnell/internal/stream"
)

// Passthrough forwards its single input unchanged (spec §4.5 "Passthrough
// adapter"), except for the "websocket" type, which relays the request to
// the endpoint and attaches the reply as the message's response.
type Passthrough struct {
	node.Base
}

// PassthroughMeta describes the Passthrough node type.
func PassthroughMeta() node.Metadata {
	return node.Metadata{
		Name:        "Passthrough",
		Category:    node.CategoryAdapter,
		Description: "Forwards its input unchanged; used to expose a raw transport endpoint.",
		Inputs:      []node.PortDef{{Name: "in", Socket: node.SocketPipeline, Required: true}},
		Outputs:     []node.PortDef{{Name: "out", Socket: node.SocketPipeline}},
		ConfigSchema: map[string]interface{}{
			"endpoint": "string, required",
			"type":     "one of stdio|http|websocket",
			"timeout":  "duration in ms, optional",
		},
	}
}

// NewPassthrough constructs a Passthrough node.
func NewPassthrough(config map[string]interface{}) node.Node {
	return &Passthrough{Base: node.NewBase(config, logging.Global())}
}

func (p *Passthrough) Meta() node.Metadata { return PassthroughMeta() }

func (p *Passthrough) Validate() []string {
	var problems []string
	if p.ConfigString("endpoint") == "" {
		problems = append(problems, validationError("endpoint"))
	}
	switch p.ConfigString("type") {
	case "stdio", "http", "websocket":
	default:
		problems = append(problems, "type must be one of stdio, http, websocket")
	}
	return problems
}

var websocketDialer = websocket.DefaultDialer

func (p *Passthrough) Process(inputs node.Inputs, ctx *pipeline.Context) node.Outputs {
	return node.RunStreaming(func(msg *pipeline.Message, ctx *pipeline.Context) node.MessageStream {
		if p.ConfigString("type") != "websocket" {
			return streamOf(msg)
		}
		return p.forwardOverWebsocket(msg)
	})(inputs, ctx)
}

// forwardOverWebsocket dials the configured endpoint, writes the request
// frame, and reads a single response frame back, for the "websocket"
// endpoint type (spec §4.5 "Passthrough adapter").
func (p *Passthrough) forwardOverWebsocket(msg *pipeline.Message) node.MessageStream {
	conn, _, err := websocketDialer.Dial(p.ConfigString("endpoint"), nil)
	if err != nil {
		return stream.Fail[*pipeline.Message](backendError(err.Error(), true))
	}
	defer conn.Close()

	if err := conn.WriteJSON(msg.Request); err != nil {
		return stream.Fail[*pipeline.Message](backendError(err.Error(), true))
	}

	var raw json.RawMessage
	if err := conn.ReadJSON(&raw); err != nil {
		return stream.Fail[*pipeline.Message](backendError(err.Error(), true))
	}

	var response interface{}
	if err := json.Unmarshal(raw, &response); err != nil {
		return stream.Fail[*pipeline.Message](backendError(err.Error(), false))
	}
	return streamOf(msg.WithResponse(response))
}
