package nodes

import (
	"github.com/codefionn/scriptschnell/internal/acp"
	"github.com/codefionn/scriptschnell/internal/logging"
	"github.com/codefionn/scriptschnell/internal/meta"
	"github.com/codefionn/scriptschnell/internal/node"
	"github.com/codefionn/scriptschnell/internal/pipeline"
	"github.com/codefionn/scriptschnell/internal/stream"
)

// AnthropicTranslatedRequest is the translated shape attached to
// message.Translated by AnthropicTranslator (spec §4.5 "Translator (per
// backend)", Anthropic field mapping rules).
type AnthropicTranslatedRequest struct {
	Model         string                   `json:"model"`
	MaxTokens     int                      `json:"max_tokens"`
	Temperature   *float64                 `json:"temperature,omitempty"`
	System        string                   `json:"system,omitempty"`
	Messages      []map[string]interface{} `json:"messages"`
	Stream        bool                     `json:"stream"`
	Metadata      interface{}              `json:"metadata,omitempty"`
	StopSequences interface{}              `json:"stop_sequences,omitempty"`
	TopP          interface{}              `json:"top_p,omitempty"`
	TopK          interface{}              `json:"top_k,omitempty"`
}

const defaultAnthropicModel = "claude-sonnet-4-20250514"

// AnthropicTranslator implements the Anthropic branch of the Translator
// contract.
type AnthropicTranslator struct {
	node.Base
}

func AnthropicTranslatorMeta() node.Metadata {
	return node.Metadata{
		Name:        "AnthropicTranslator",
		Category:    node.CategoryTransform,
		Description: "Maps an ACP request onto the Anthropic Messages API shape.",
		Inputs:      []node.PortDef{{Name: "in", Socket: node.SocketPipeline, Required: true}},
		Outputs:     []node.PortDef{{Name: "out", Socket: node.SocketPipeline}},
		ConfigSchema: map[string]interface{}{
			"defaultModel":       "string",
			"defaultMaxTokens":   "number",
			"defaultTemperature": "number",
		},
	}
}

func NewAnthropicTranslator(config map[string]interface{}) node.Node {
	return &AnthropicTranslator{Base: node.NewBase(config, logging.Global())}
}

func (t *AnthropicTranslator) Meta() node.Metadata { return AnthropicTranslatorMeta() }
func (t *AnthropicTranslator) Validate() []string  { return nil }

func (t *AnthropicTranslator) Process(inputs node.Inputs, ctx *pipeline.Context) node.Outputs {
	return node.RunStreaming(func(msg *pipeline.Message, ctx *pipeline.Context) node.MessageStream {
		params, err := decodeParams(msg.Request)
		if err != nil {
			return stream.Fail[*pipeline.Message](err)
		}
		reqMeta, err := requestMeta(msg.Request, ctx.MetaPolicy)
		if err != nil {
			return stream.Fail[*pipeline.Message](invalidMetaError(err))
		}
		ctx.SetMeta(requestMetaKey, reqMeta)

		defaultModel := t.ConfigString("defaultModel")
		if defaultModel == "" {
			defaultModel = defaultAnthropicModel
		}
		defaultMaxTokens, _ := t.ConfigFloat("defaultMaxTokens")
		if defaultMaxTokens == 0 {
			defaultMaxTokens = 4096
		}
		var defaultTemp *float64
		if dt, ok := t.ConfigFloat("defaultTemperature"); ok {
			defaultTemp = &dt
		}

		model := params.Model
		if model == "" {
			model = defaultModel
		}
		maxTokens := intOr(params.MaxTokens, int(defaultMaxTokens))
		temp := floatPtrOr(params.Temperature, defaultTemp)

		translated := AnthropicTranslatedRequest{
			Model:         model,
			MaxTokens:     maxTokens,
			Temperature:   temp,
			System:        params.System,
			Messages:      params.Messages,
			Stream:        true,
			Metadata:      reqMeta.Get(string(meta.NamespaceAnthropic), "metadata"),
			StopSequences: reqMeta.Get(string(meta.NamespaceAnthropic), "stop_sequences"),
			TopP:          reqMeta.Get(string(meta.NamespaceAnthropic), "top_p"),
			TopK:          reqMeta.Get(string(meta.NamespaceAnthropic), "top_k"),
		}
		if translated.Messages == nil {
			translated.Messages = []map[string]interface{}{}
		}

		return streamOf(msg.WithTranslated(translated).WithBackend("anthropic"))
	})(inputs, ctx)
}

// OpenAITranslatedRequest is the translated shape for OpenAI Chat
// Completions.
type OpenAITranslatedRequest struct {
	Model             string                   `json:"model"`
	MaxTokens         int                      `json:"max_tokens"`
	Temperature       *float64                 `json:"temperature,omitempty"`
	Messages          []map[string]interface{} `json:"messages"`
	Stream            bool                     `json:"stream"`
	FrequencyPenalty  interface{}              `json:"frequency_penalty,omitempty"`
	PresencePenalty   interface{}              `json:"presence_penalty,omitempty"`
	TopP              interface{}              `json:"top_p,omitempty"`
	Stop              interface{}              `json:"stop,omitempty"`
	User              interface{}              `json:"user,omitempty"`
}

const defaultOpenAIModel = "gpt-4o"

type OpenAITranslator struct {
	node.Base
}

func OpenAITranslatorMeta() node.Metadata {
	return node.Metadata{
		Name:        "OpenAITranslator",
		Category:    node.CategoryTransform,
		Description: "Maps an ACP request onto the OpenAI Chat Completions shape.",
		Inputs:      []node.PortDef{{Name: "in", Socket: node.SocketPipeline, Required: true}},
		Outputs:     []node.PortDef{{Name: "out", Socket: node.SocketPipeline}},
		ConfigSchema: map[string]interface{}{
			"defaultModel":       "string",
			"defaultMaxTokens":   "number",
			"defaultTemperature": "number",
		},
	}
}

func NewOpenAITranslator(config map[string]interface{}) node.Node {
	return &OpenAITranslator{Base: node.NewBase(config, logging.Global())}
}

func (t *OpenAITranslator) Meta() node.Metadata { return OpenAITranslatorMeta() }
func (t *OpenAITranslator) Validate() []string  { return nil }

func (t *OpenAITranslator) Process(inputs node.Inputs, ctx *pipeline.Context) node.Outputs {
	return node.RunStreaming(func(msg *pipeline.Message, ctx *pipeline.Context) node.MessageStream {
		params, err := decodeParams(msg.Request)
		if err != nil {
			return stream.Fail[*pipeline.Message](err)
		}
		reqMeta, err := requestMeta(msg.Request, ctx.MetaPolicy)
		if err != nil {
			return stream.Fail[*pipeline.Message](invalidMetaError(err))
		}
		ctx.SetMeta(requestMetaKey, reqMeta)

		defaultModel := t.ConfigString("defaultModel")
		if defaultModel == "" {
			defaultModel = defaultOpenAIModel
		}
		defaultMaxTokens, _ := t.ConfigFloat("defaultMaxTokens")
		if defaultMaxTokens == 0 {
			defaultMaxTokens = 4096
		}
		var defaultTemp *float64
		if dt, ok := t.ConfigFloat("defaultTemperature"); ok {
			defaultTemp = &dt
		}

		messages := append([]map[string]interface{}{}, params.Messages...)
		if params.System != "" {
			messages = append([]map[string]interface{}{{"role": "system", "content": params.System}}, messages...)
		}

		translated := OpenAITranslatedRequest{
			Model:            firstNonEmpty(params.Model, defaultModel),
			MaxTokens:        intOr(params.MaxTokens, int(defaultMaxTokens)),
			Temperature:      floatPtrOr(params.Temperature, defaultTemp),
			Messages:         messages,
			Stream:           true,
			FrequencyPenalty: reqMeta.Get(string(meta.NamespaceOpenAI), "frequency_penalty"),
			PresencePenalty:  reqMeta.Get(string(meta.NamespaceOpenAI), "presence_penalty"),
			TopP:             reqMeta.Get(string(meta.NamespaceOpenAI), "top_p"),
			Stop:             reqMeta.Get(string(meta.NamespaceOpenAI), "stop"),
			User:             reqMeta.Get(string(meta.NamespaceOpenAI), "user"),
		}

		return streamOf(msg.WithTranslated(translated).WithBackend("openai"))
	})(inputs, ctx)
}

// OllamaTranslatedRequest is the translated shape for the Ollama chat
// API.
type OllamaTranslatedRequest struct {
	Model       string                   `json:"model"`
	Messages    []map[string]interface{} `json:"messages"`
	Stream      bool                     `json:"stream"`
	Options     map[string]interface{}   `json:"options,omitempty"`
	System      string                   `json:"system,omitempty"`
}

const defaultOllamaModel = "llama3"

type OllamaTranslator struct {
	node.Base
}

func OllamaTranslatorMeta() node.Metadata {
	return node.Metadata{
		Name:        "OllamaTranslator",
		Category:    node.CategoryTransform,
		Description: "Maps an ACP request onto the Ollama chat shape.",
		Inputs:      []node.PortDef{{Name: "in", Socket: node.SocketPipeline, Required: true}},
		Outputs:     []node.PortDef{{Name: "out", Socket: node.SocketPipeline}},
		ConfigSchema: map[string]interface{}{
			"defaultModel":       "string",
			"defaultMaxTokens":   "number",
			"defaultTemperature": "number",
		},
	}
}

func NewOllamaTranslator(config map[string]interface{}) node.Node {
	return &OllamaTranslator{Base: node.NewBase(config, logging.Global())}
}

func (t *OllamaTranslator) Meta() node.Metadata { return OllamaTranslatorMeta() }
func (t *OllamaTranslator) Validate() []string  { return nil }

func (t *OllamaTranslator) Process(inputs node.Inputs, ctx *pipeline.Context) node.Outputs {
	return node.RunStreaming(func(msg *pipeline.Message, ctx *pipeline.Context) node.MessageStream {
		params, err := decodeParams(msg.Request)
		if err != nil {
			return stream.Fail[*pipeline.Message](err)
		}
		reqMeta, err := requestMeta(msg.Request, ctx.MetaPolicy)
		if err != nil {
			return stream.Fail[*pipeline.Message](invalidMetaError(err))
		}
		ctx.SetMeta(requestMetaKey, reqMeta)

		defaultModel := t.ConfigString("defaultModel")
		if defaultModel == "" {
			defaultModel = defaultOllamaModel
		}

		options := map[string]interface{}{}
		if extra, ok := reqMeta.Get(string(meta.NamespaceOllama), "options").(map[string]interface{}); ok {
			for k, v := range extra {
				options[k] = v
			}
		}
		if v, ok := t.ConfigFloat("defaultMaxTokens"); ok {
			options["num_predict"] = intOr(params.MaxTokens, int(v))
		} else if params.MaxTokens != nil {
			options["num_predict"] = *params.MaxTokens
		}
		if v, ok := t.ConfigFloat("defaultTemperature"); ok {
			temp := floatPtrOr(params.Temperature, &v)
			options["temperature"] = *temp
		} else if params.Temperature != nil {
			options["temperature"] = *params.Temperature
		}

		translated := OllamaTranslatedRequest{
			Model:    firstNonEmpty(params.Model, defaultModel),
			Messages: params.Messages,
			Stream:   true,
			Options:  options,
			System:   params.System,
		}

		return streamOf(msg.WithTranslated(translated).WithBackend("ollama"))
	})(inputs, ctx)
}

// PiTranslatedRequest is the translated shape for the Pi CLI backend (spec
// §4.5 "Pi" field mapping).
type PiTranslatedRequest struct {
	Message       string             `json:"message"`
	Attachments   []acp.ContentBlock `json:"attachments,omitempty"`
	ThinkingLevel string             `json:"thinkingLevel,omitempty"`
	Model         interface{}        `json:"model,omitempty"`
}

var validThinkingLevels = map[string]bool{
	"off": true, "minimal": true, "low": true, "medium": true, "high": true, "xhigh": true,
}

type PiTranslator struct {
	node.Base
}

func PiTranslatorMeta() node.Metadata {
	return node.Metadata{
		Name:        "PiTranslator",
		Category:    node.CategoryTransform,
		Description: "Maps an ACP request onto the Pi CLI prompt shape.",
		Inputs:      []node.PortDef{{Name: "in", Socket: node.SocketPipeline, Required: true}},
		Outputs:     []node.PortDef{{Name: "out", Socket: node.SocketPipeline}},
	}
}

func NewPiTranslator(config map[string]interface{}) node.Node {
	return &PiTranslator{Base: node.NewBase(config, logging.Global())}
}

func (t *PiTranslator) Meta() node.Metadata { return PiTranslatorMeta() }
func (t *PiTranslator) Validate() []string  { return nil }

func (t *PiTranslator) Process(inputs node.Inputs, ctx *pipeline.Context) node.Outputs {
	return node.RunStreaming(func(msg *pipeline.Message, ctx *pipeline.Context) node.MessageStream {
		params, err := decodeParams(msg.Request)
		if err != nil {
			return stream.Fail[*pipeline.Message](err)
		}

		var text []byte
		var attachments []acp.ContentBlock
		for _, block := range params.Prompt {
			switch block.Kind {
			case acp.BlockText:
				if len(text) > 0 {
					text = append(text, '\n')
				}
				text = append(text, []byte(block.Text)...)
			case acp.BlockImage, acp.BlockResource:
				attachments = append(attachments, block)
			}
		}

		// Pi isn't one of the four known _meta namespaces (spec §3), so its
		// hints stay on the raw getMeta path rather than requestMeta/Validate.
		level, _ := getMeta(msg.Request, "pi.thinkingLevel").(string)
		if !validThinkingLevels[level] {
			level = ""
		}

		translated := PiTranslatedRequest{
			Message:       string(text),
			Attachments:   attachments,
			ThinkingLevel: level,
			Model:         getMeta(msg.Request, "pi.model"),
		}

		return streamOf(msg.WithTranslated(translated).WithBackend("pi"))
	})(inputs, ctx)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
