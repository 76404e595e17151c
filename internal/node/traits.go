package node

import (
	"github.com/codefionn/scriptschnell/internal/pipeline"
	"github.com/codefionn/scriptschnell/internal/stream"
)

// StreamProcessor is the inner function a streaming node supplies: given one
// input message, produce its (possibly multi-valued) output stream.
type StreamProcessor func(msg *pipeline.Message, ctx *pipeline.Context) MessageStream

// RunStreaming builds a standard Process over a StreamProcessor (spec §4.1
// "Streaming node", §9 "prefer composition over deep inheritance"). It reads
// the "in" port (merging fan-in connections), flat-maps each message through
// fn, and publishes the result on "out".
func RunStreaming(fn StreamProcessor) func(Inputs, *pipeline.Context) Outputs {
	return func(inputs Inputs, ctx *pipeline.Context) Outputs {
		in := stream.Merge(inputs["in"]...)
		out := stream.FlatMap(in, func(m *pipeline.Message) MessageStream {
			return fn(m, ctx)
		})
		return Outputs{"out": out}
	}
}

// RouteFunc decides which named output port a message belongs on, or ok=false
// to drop it.
type RouteFunc func(msg *pipeline.Message, ctx *pipeline.Context) (port string, ok bool)

// RunRouter builds a standard Process over a RouteFunc (spec §4.1 "Router
// node"). It produces one output stream per declared port name; each stream,
// when subscribed, independently consumes "in" and forwards only the
// messages routed to its own port.
//
// Each output port subscribes to its own cold copy of the merged input. This
// keeps the primitive simple and correct for the common case of one
// downstream consumer per port; a node whose "in" wraps a side-effecting
// source (e.g. a live backend call) and which is wired to more than one
// downstream target per port should insert an explicit fan-out (Splitter)
// upstream rather than rely on sharing.
func RunRouter(ports []string, route RouteFunc) func(Inputs, *pipeline.Context) Outputs {
	return func(inputs Inputs, ctx *pipeline.Context) Outputs {
		out := make(Outputs, len(ports))
		for _, port := range ports {
			port := port
			merged := stream.Merge(inputs["in"]...)
			filtered := stream.FlatMap(merged, func(m *pipeline.Message) MessageStream {
				target, ok := route(m, ctx)
				if !ok || target != port {
					return stream.Empty[*pipeline.Message]()
				}
				return stream.Of(m)
			})
			out[port] = filtered
		}
		return out
	}
}
