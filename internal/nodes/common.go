// Package nodes is the reference node library (spec §4.5): the standard
// set of translators, backend clients, normalizers, and structural nodes
// (splitter, combiner, router, passthrough) that ship registered for every
// graph, plus the ACP entry/exit markers.
package nodes

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/codefionn/scriptschnell/internal/acp"
	"github.com/codefionn/scriptschnell/internal/meta"
	"github.com/codefionn/scriptschnell/internal/pipeline"
	"github.com/codefionn/scriptschnell/internal/rpcerr"
	"github.com/codefionn/scriptschnell/internal/stream"
)

// streamOf wraps a single message as a one-shot stream, the common shape
// most streaming nodes return from their StreamProcessor.
func streamOf(msg *pipeline.Message) stream.Stream[*pipeline.Message] {
	return stream.Of(msg)
}

// acpRequestParams is the generic decoded shape of an ACP request's params
// object, used by translators to read the common fields before backend-
// specific mapping.
type acpRequestParams struct {
	Model       string                   `json:"model,omitempty"`
	MaxTokens   *int                     `json:"max_tokens,omitempty"`
	Temperature *float64                 `json:"temperature,omitempty"`
	System      string                   `json:"system,omitempty"`
	Messages    []map[string]interface{} `json:"messages,omitempty"`
	Prompt      []acp.ContentBlock       `json:"prompt,omitempty"`
	Meta        map[string]interface{}   `json:"_meta,omitempty"`
}

func decodeParams(req *acp.Request) (*acpRequestParams, error) {
	var p acpRequestParams
	if len(req.Params) == 0 {
		return &p, nil
	}
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// getMeta reads a dotted path ("anthropic.top_p") out of a request's
// decoded params._meta (spec §4.5 "Router (abstract base)" getMeta helper,
// reused here by translators to read provider-specific hints).
func getMeta(req *acp.Request, dottedPath string) interface{} {
	if req == nil || len(req.Params) == 0 {
		return nil
	}
	var generic struct {
		Meta map[string]interface{} `json:"_meta"`
	}
	if err := json.Unmarshal(req.Params, &generic); err != nil {
		return nil
	}
	parts := strings.SplitN(dottedPath, ".", 2)
	if len(parts) != 2 {
		return nil
	}
	ns, ok := generic.Meta[parts[0]].(map[string]interface{})
	if !ok {
		return nil
	}
	return ns[parts[1]]
}

// requestMeta decodes and validates a request's params._meta into a
// meta.Meta under the process-wide policy (default permissive here; the
// proxy's cmd wiring decides the effective policy).
func requestMeta(req *acp.Request, policy meta.Policy) (meta.Meta, error) {
	if req == nil || len(req.Params) == 0 {
		return nil, nil
	}
	var generic struct {
		Meta map[string]interface{} `json:"_meta"`
	}
	if err := json.Unmarshal(req.Params, &generic); err != nil {
		return nil, err
	}
	id := ""
	if req.ID != nil {
		id = req.ID.String()
	}
	return meta.Validate(generic.Meta, policy, id)
}

// canonicalResponse is the normalized shape every Normalizer writes back to
// message.Response (spec §4.5 "Normalizer (per backend)").
type canonicalResponse struct {
	Content    []acp.ContentBlock `json:"content"`
	StopReason interface{}        `json:"stop_reason"`
	Usage      *acp.Usage         `json:"usage,omitempty"`
	Backend    string             `json:"backend"`
	Model      string             `json:"model,omitempty"`
	ID         string             `json:"id,omitempty"`
	Meta       json.RawMessage    `json:"_meta,omitempty"`
}

// requestMetaKey is the pipeline.Context scratch-space key a Translator
// stashes its validated request meta.Meta under (via ctx.SetMeta), for a
// Normalizer further down the same request to pick back up.
const requestMetaKey = "requestMeta"

// attachResponseMeta merges the request's validated _meta (stashed by a
// Translator under requestMetaKey) with this request's accumulated per-node
// timing breakdown under the proxy namespace, and attaches the result to
// resp (spec §3 "Metadata" merge rules; SPEC_FULL "_meta.proxy.timing").
func attachResponseMeta(ctx *pipeline.Context, resp *canonicalResponse) {
	proxyMeta := meta.Meta{string(meta.NamespaceProxy): map[string]interface{}{"timing": ctx.Timings()}}

	merged := proxyMeta
	if v, ok := ctx.GetMeta(requestMetaKey); ok {
		if reqMeta, ok := v.(meta.Meta); ok && reqMeta != nil {
			merged = meta.Merge(reqMeta, proxyMeta)
		}
	}

	raw, err := meta.ToJSON(merged)
	if err != nil {
		return
	}
	resp.Meta = raw
}

// invalidMetaError wraps a _meta validation failure (PolicyStrict rejecting
// an unknown namespace, or a malformed namespace value) as the InvalidParams
// error the JSON-RPC layer expects.
func invalidMetaError(err error) *rpcerr.Error {
	return rpcerr.New(rpcerr.InvalidParams, err.Error())
}

// backendError builds the error a Client fails its stream with (spec §4.5
// "Client (per backend)"): BackendUnavailable when transient, BackendError
// otherwise, with data.transient carrying the hint.
func backendError(message string, transient bool) *rpcerr.Error {
	code := rpcerr.BackendError
	if transient {
		code = rpcerr.BackendUnavailable
	}
	return rpcerr.WithData(code, message, map[string]bool{"transient": transient})
}

func missingTranslatedError() *rpcerr.Error {
	return rpcerr.New(rpcerr.InvalidParams, "no translated request attached to message")
}

func intOr(v *int, fallback int) int {
	if v == nil {
		return fallback
	}
	return *v
}

func floatPtrOr(v *float64, fallback *float64) *float64 {
	if v == nil {
		return fallback
	}
	return v
}

func validationError(field string) string {
	return fmt.Sprintf("%s must be set", field)
}
