package nodes

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	acpsdk "github.com/coder/acp-go-sdk"
	"github.com/pkoukk/tiktoken-go"
	godiff "github.com/sourcegraph/go-diff/diff"

	"github.com/codefionn/scriptschnell/internal/acp"
	"github.com/codefionn/scriptschnell/internal/logging"
	"github.com/codefionn/scriptschnell/internal/node"
	"github.com/codefionn/scriptschnell/internal/pipeline"
)

const (
	systemMessageOverhead = 2
	perMessageOverhead    = 4
)

func encodingForModel(modelID string) (*tiktoken.Tiktoken, bool) {
	if enc, err := tiktoken.EncodingForModel(modelID); err == nil {
		return enc, false
	}
	if enc, err := tiktoken.GetEncoding("cl100k_base"); err == nil {
		return enc, true
	}
	return nil, true
}

func tokenCount(encoder *tiktoken.Tiktoken, text string) int {
	if text == "" {
		return 0
	}
	if encoder != nil {
		return len(encoder.Encode(text, nil, nil))
	}
	runes := utf8.RuneCountInString(text)
	if runes == 0 {
		return 0
	}
	return (runes + 3) / 4
}

// estimateUsage reconstructs a Usage when a backend's final event omitted
// one (spec §4.5 "Normalizer (per backend)" usage fallback).
func estimateUsage(model, system, output string) *acp.Usage {
	encoder, _ := encodingForModel(model)
	in := tokenCount(encoder, system)
	if system != "" {
		in += systemMessageOverhead
	}
	return &acp.Usage{InputTokens: in, OutputTokens: tokenCount(encoder, output) + perMessageOverhead}
}

// normalizeDiffText turns a unified diff returned by a backend's file-edit
// tool into diff-aware content blocks, re-reading the file on disk when
// possible so the client sees the post-edit content rather than the raw
// patch text (mirrors the teacher's tool-result formatting). The per-file
// diff content is built through the ACP SDK's own ToolDiffContent so its
// wire shape stays in lockstep with whatever ACP clients expect, rather
// than a hand-rolled equivalent.
func normalizeDiffText(diffText, workingDir string) []acp.ContentBlock {
	fileDiffs, err := godiff.ParseMultiFileDiff([]byte(diffText))
	if err != nil {
		return nil
	}

	var blocks []acp.ContentBlock
	for _, fd := range fileDiffs {
		if fd == nil {
			continue
		}
		path := resolveDiffPath(fd, workingDir)
		if path == "" {
			continue
		}
		newContent, readErr := os.ReadFile(path)
		finalText := string(newContent)
		if fd.NewName == "/dev/null" {
			finalText = ""
		} else if finalText == "" && readErr != nil {
			finalText = diffText
		}

		sdkContent := acpsdk.ToolDiffContent(path, finalText)
		raw, err := json.Marshal(sdkContent)
		if err != nil {
			blocks = append(blocks, acp.Text(finalText))
			continue
		}
		blocks = append(blocks, acp.ContentBlock{Kind: acp.BlockResource, URI: "file://" + path, InlineText: string(raw)})
	}
	return blocks
}

func resolveDiffPath(fd *godiff.FileDiff, workingDir string) string {
	candidate := strings.TrimSpace(fd.NewName)
	if candidate == "" || candidate == "/dev/null" {
		candidate = strings.TrimSpace(fd.OrigName)
	}
	candidate = strings.Trim(candidate, "\"")
	candidate = strings.TrimPrefix(candidate, "a/")
	candidate = strings.TrimPrefix(candidate, "b/")
	if candidate == "" {
		return ""
	}
	if !filepath.IsAbs(candidate) && workingDir != "" {
		candidate = filepath.Join(workingDir, candidate)
	}
	return filepath.Clean(candidate)
}

func baseNormalizerMeta(name, description string) node.Metadata {
	return node.Metadata{
		Name:        name,
		Category:    node.CategoryTransform,
		Description: description,
		Inputs:      []node.PortDef{{Name: "in", Socket: node.SocketPipeline, Required: true}},
		Outputs:     []node.PortDef{{Name: "out", Socket: node.SocketPipeline}},
		ConfigSchema: map[string]interface{}{
			"includeModel": "bool, default true",
			"includeId":    "bool, default true",
			"workingDir":   "string, used to resolve diff-aware tool results",
		},
	}
}

func normalizerFlags(n *node.Base) (includeModel, includeID bool) {
	includeModel, includeID = true, true
	cfg := n.Config()
	if v, ok := cfg["includeModel"].(bool); ok {
		includeModel = v
	}
	if v, ok := cfg["includeId"].(bool); ok {
		includeID = v
	}
	return
}

// AnthropicNormalizer converts an Anthropic raw response into the canonical
// shape.
type AnthropicNormalizer struct{ node.Base }

func AnthropicNormalizerMeta() node.Metadata {
	return baseNormalizerMeta("AnthropicNormalizer", "Converts an Anthropic raw response into the canonical content/usage shape.")
}

func NewAnthropicNormalizer(config map[string]interface{}) node.Node {
	return &AnthropicNormalizer{Base: node.NewBase(config, logging.Global())}
}

func (n *AnthropicNormalizer) Meta() node.Metadata { return AnthropicNormalizerMeta() }
func (n *AnthropicNormalizer) Validate() []string  { return nil }

func (n *AnthropicNormalizer) Process(inputs node.Inputs, ctx *pipeline.Context) node.Outputs {
	return node.RunStreaming(func(msg *pipeline.Message, ctx *pipeline.Context) node.MessageStream {
		if msg.Response == nil {
			n.Logger.Warn("AnthropicNormalizer: message has no response, passing through unchanged")
			return streamOf(msg)
		}
		raw, ok := msg.Response.(map[string]interface{})
		if !ok {
			n.Logger.Warn("AnthropicNormalizer: unexpected response shape %T", msg.Response)
			return streamOf(msg)
		}
		includeModel, includeID := normalizerFlags(&n.Base)

		var text string
		if content, ok := raw["content"].([]map[string]string); ok {
			for _, block := range content {
				text += block["text"]
			}
		}
		usage, _ := raw["usage"].(*acp.Usage)
		if usage == nil {
			usage = estimateUsage(stringField(raw, "model"), "", text)
		}

		out := canonicalResponse{
			Content:    []acp.ContentBlock{acp.Text(text)},
			StopReason: raw["stop_reason"],
			Usage:      usage,
			Backend:    "anthropic",
		}
		if includeModel {
			out.Model = stringField(raw, "model")
		}
		if includeID {
			out.ID = stringField(raw, "id")
		}
		attachResponseMeta(ctx, &out)
		return streamOf(msg.WithResponse(out))
	})(inputs, ctx)
}

// OpenAINormalizer converts an OpenAI raw response into the canonical shape.
type OpenAINormalizer struct{ node.Base }

func OpenAINormalizerMeta() node.Metadata {
	return baseNormalizerMeta("OpenAINormalizer", "Converts an OpenAI raw response into the canonical content/usage shape.")
}

func NewOpenAINormalizer(config map[string]interface{}) node.Node {
	return &OpenAINormalizer{Base: node.NewBase(config, logging.Global())}
}

func (n *OpenAINormalizer) Meta() node.Metadata { return OpenAINormalizerMeta() }
func (n *OpenAINormalizer) Validate() []string  { return nil }

func (n *OpenAINormalizer) Process(inputs node.Inputs, ctx *pipeline.Context) node.Outputs {
	return node.RunStreaming(func(msg *pipeline.Message, ctx *pipeline.Context) node.MessageStream {
		if msg.Response == nil {
			n.Logger.Warn("OpenAINormalizer: message has no response, passing through unchanged")
			return streamOf(msg)
		}
		raw, ok := msg.Response.(map[string]interface{})
		if !ok {
			n.Logger.Warn("OpenAINormalizer: unexpected response shape %T", msg.Response)
			return streamOf(msg)
		}
		includeModel, includeID := normalizerFlags(&n.Base)

		var text, stopReason string
		if choices, ok := raw["choices"].([]map[string]interface{}); ok && len(choices) > 0 {
			stopReason, _ = choices[0]["finish_reason"].(string)
			if m, ok := choices[0]["message"].(map[string]string); ok {
				text = m["content"]
			}
		}
		usage, _ := raw["usage"].(*acp.Usage)
		if usage == nil {
			usage = estimateUsage(stringField(raw, "model"), "", text)
		}

		out := canonicalResponse{
			Content:    []acp.ContentBlock{acp.Text(text)},
			StopReason: stopReason,
			Usage:      usage,
			Backend:    "openai",
		}
		if includeModel {
			out.Model = stringField(raw, "model")
		}
		if includeID {
			out.ID = stringField(raw, "id")
		}
		attachResponseMeta(ctx, &out)
		return streamOf(msg.WithResponse(out))
	})(inputs, ctx)
}

// OllamaNormalizer converts an Ollama raw response into the canonical shape.
type OllamaNormalizer struct{ node.Base }

func OllamaNormalizerMeta() node.Metadata {
	return baseNormalizerMeta("OllamaNormalizer", "Converts an Ollama raw response into the canonical content/usage shape.")
}

func NewOllamaNormalizer(config map[string]interface{}) node.Node {
	return &OllamaNormalizer{Base: node.NewBase(config, logging.Global())}
}

func (n *OllamaNormalizer) Meta() node.Metadata { return OllamaNormalizerMeta() }
func (n *OllamaNormalizer) Validate() []string  { return nil }

func (n *OllamaNormalizer) Process(inputs node.Inputs, ctx *pipeline.Context) node.Outputs {
	return node.RunStreaming(func(msg *pipeline.Message, ctx *pipeline.Context) node.MessageStream {
		if msg.Response == nil {
			n.Logger.Warn("OllamaNormalizer: message has no response, passing through unchanged")
			return streamOf(msg)
		}
		raw, ok := msg.Response.(map[string]interface{})
		if !ok {
			n.Logger.Warn("OllamaNormalizer: unexpected response shape %T", msg.Response)
			return streamOf(msg)
		}
		includeModel, includeID := normalizerFlags(&n.Base)

		var text string
		if m, ok := raw["message"].(map[string]string); ok {
			text = m["content"]
		}
		usage, _ := raw["usage"].(*acp.Usage)
		if usage == nil {
			usage = estimateUsage(stringField(raw, "model"), "", text)
		}

		out := canonicalResponse{
			Content: []acp.ContentBlock{acp.Text(text)},
			Usage:   usage,
			Backend: "ollama",
		}
		if includeModel {
			out.Model = stringField(raw, "model")
		}
		_ = includeID
		attachResponseMeta(ctx, &out)
		return streamOf(msg.WithResponse(out))
	})(inputs, ctx)
}

// PiNormalizer converts a Pi CLI raw response into the canonical shape,
// upgrading any embedded unified diff into diff-aware content blocks.
type PiNormalizer struct{ node.Base }

func PiNormalizerMeta() node.Metadata {
	return baseNormalizerMeta("PiNormalizer", "Converts a Pi CLI raw response into the canonical content/usage shape.")
}

func NewPiNormalizer(config map[string]interface{}) node.Node {
	return &PiNormalizer{Base: node.NewBase(config, logging.Global())}
}

func (n *PiNormalizer) Meta() node.Metadata { return PiNormalizerMeta() }
func (n *PiNormalizer) Validate() []string  { return nil }

func (n *PiNormalizer) Process(inputs node.Inputs, ctx *pipeline.Context) node.Outputs {
	return node.RunStreaming(func(msg *pipeline.Message, ctx *pipeline.Context) node.MessageStream {
		if msg.Response == nil {
			n.Logger.Warn("PiNormalizer: message has no response, passing through unchanged")
			return streamOf(msg)
		}
		raw, ok := msg.Response.(map[string]interface{})
		if !ok {
			n.Logger.Warn("PiNormalizer: unexpected response shape %T", msg.Response)
			return streamOf(msg)
		}

		text, _ := raw["message"].(string)
		content := []acp.ContentBlock{acp.Text(text)}
		if strings.Contains(text, "@@") && strings.Contains(text, "---") {
			if diffBlocks := normalizeDiffText(text, n.ConfigString("workingDir")); len(diffBlocks) > 0 {
				content = diffBlocks
			}
		}

		out := canonicalResponse{
			Content: content,
			Usage:   estimateUsage("", "", text),
			Backend: "pi",
		}
		attachResponseMeta(ctx, &out)
		return streamOf(msg.WithResponse(out))
	})(inputs, ctx)
}

func stringField(raw map[string]interface{}, key string) string {
	s, _ := raw[key].(string)
	return s
}
