package nodes

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strings"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
	"github.com/openai/openai-go/shared"

	"github.com/codefionn/scriptschnell/internal/acp"
	"github.com/codefionn/scriptschnell/internal/consts"
	"github.com/codefionn/scriptschnell/internal/logging"
	"github.com/codefionn/scriptschnell/internal/node"
	"github.com/codefionn/scriptschnell/internal/pipeline"
	"github.com/codefionn/scriptschnell/internal/stream"
)

// streamEvent is the backend-agnostic shape a client's wire-level SSE/NDJSON
// parser reduces every event down to, before it is re-emitted as a
// session/update notification (spec §4.5 "Client (per backend)").
type streamEvent struct {
	textDelta    string
	thoughtDelta string
	model        string
	messageID    string
	stopReason   string
	usage        *acp.Usage
	done         bool
}

// drive turns a sequence of streamEvents into session/update
// notifications on ctx, accumulating the full text and final usage, and
// returns the accumulated text, model/message id, stop reason and usage once
// the stream is exhausted.
func drive(ctx *pipeline.Context, requestID, sessionID string, events <-chan streamEvent, errCh <-chan error) (string, string, string, string, *acp.Usage, error) {
	var fullText, model, messageID, stopReason string
	var usage *acp.Usage

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return fullText, model, messageID, stopReason, usage, nil
			}
			if ev.textDelta != "" {
				fullText += ev.textDelta
				n, _ := acp.NewSessionUpdateNotification(requestID, sessionID, acp.SessionUpdate{
					Kind:  acp.UpdateContentChunk,
					Block: &acp.ContentBlock{Kind: acp.BlockText, Text: ev.textDelta},
				})
				ctx.Emit(n)
			}
			if ev.thoughtDelta != "" {
				n, _ := acp.NewSessionUpdateNotification(requestID, sessionID, acp.SessionUpdate{
					Kind:  acp.UpdateThoughtChunk,
					Block: &acp.ContentBlock{Kind: acp.BlockText, Text: ev.thoughtDelta},
				})
				ctx.Emit(n)
			}
			if ev.model != "" {
				model = ev.model
			}
			if ev.messageID != "" {
				messageID = ev.messageID
			}
			if ev.stopReason != "" {
				stopReason = ev.stopReason
			}
			if ev.usage != nil {
				usage = ev.usage
				n, _ := acp.NewSessionUpdateNotification(requestID, sessionID, acp.SessionUpdate{
					Kind:  acp.UpdateUsage,
					Usage: ev.usage,
				})
				ctx.Emit(n)
			}
			if ev.done {
				return fullText, model, messageID, stopReason, usage, nil
			}
		case err := <-errCh:
			return fullText, model, messageID, stopReason, usage, err
		case <-ctx.Done():
			return fullText, model, messageID, stopReason, usage, ctx.GoContext.Err()
		}
	}
}

func sseScan(ctx context.Context, body *http.Response, onData func(data string) bool) error {
	defer body.Body.Close()
	scanner := bufio.NewScanner(body.Body)
	scanner.Buffer(make([]byte, 0, consts.BufferSize256KB), consts.BufferSize1MB)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			return nil
		}
		if !onData(data) {
			return nil
		}
	}
	return scanner.Err()
}

// AnthropicClient streams against the Anthropic Messages API.
type AnthropicClient struct {
	node.Base
	httpClient *http.Client
}

func AnthropicClientMeta() node.Metadata {
	return node.Metadata{
		Name:        "AnthropicClient",
		Category:    node.CategoryAdapter,
		Description: "Streams a translated request against the Anthropic Messages API.",
		Inputs:      []node.PortDef{{Name: "in", Socket: node.SocketPipeline, Required: true}},
		Outputs:     []node.PortDef{{Name: "out", Socket: node.SocketPipeline}},
		ConfigSchema: map[string]interface{}{
			"apiKey":  "string, falls back to ANTHROPIC_API_KEY",
			"baseURL": "string, default https://api.anthropic.com",
		},
	}
}

func NewAnthropicClient(config map[string]interface{}) node.Node {
	return &AnthropicClient{Base: node.NewBase(config, logging.Global()), httpClient: &http.Client{Timeout: consts.Timeout5Minutes}}
}

func (c *AnthropicClient) Meta() node.Metadata { return AnthropicClientMeta() }

func (c *AnthropicClient) apiKey() string {
	if k := c.ConfigString("apiKey"); k != "" {
		return k
	}
	return os.Getenv("ANTHROPIC_API_KEY")
}

func (c *AnthropicClient) Validate() []string {
	if c.apiKey() == "" {
		return []string{"ANTHROPIC_API_KEY must be set, either in config or the environment"}
	}
	return nil
}

func (c *AnthropicClient) baseURL() string {
	if u := c.ConfigString("baseURL"); u != "" {
		return u
	}
	return "https://api.anthropic.com"
}

func (c *AnthropicClient) Process(inputs node.Inputs, ctx *pipeline.Context) node.Outputs {
	return node.RunStreaming(func(msg *pipeline.Message, ctx *pipeline.Context) node.MessageStream {
		if msg.Translated == nil {
			return stream.Fail[*pipeline.Message](missingTranslatedError())
		}
		translated, ok := msg.Translated.(AnthropicTranslatedRequest)
		if !ok {
			return stream.Fail[*pipeline.Message](missingTranslatedError())
		}

		return stream.New(func(sink *stream.Sink[*pipeline.Message]) stream.Cancel {
			go func() {
				body, err := json.Marshal(translated)
				if err != nil {
					sink.Error(backendError(err.Error(), false))
					return
				}

				req, err := http.NewRequestWithContext(ctx.GoContext, http.MethodPost, c.baseURL()+"/v1/messages", bytes.NewReader(body))
				if err != nil {
					sink.Error(backendError(err.Error(), false))
					return
				}
				req.Header.Set("content-type", "application/json")
				req.Header.Set("x-api-key", c.apiKey())
				req.Header.Set("anthropic-version", "2023-06-01")

				resp, err := c.httpClient.Do(req)
				if err != nil {
					sink.Error(backendError(err.Error(), true))
					return
				}
				if resp.StatusCode != http.StatusOK {
					buf, _ := bufio.NewReader(resp.Body).Peek(512)
					resp.Body.Close()
					transient := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
					sink.Error(backendError(fmt.Sprintf("anthropic: status %d: %s", resp.StatusCode, string(buf)), transient))
					return
				}

				events := make(chan streamEvent, 8)
				errCh := make(chan error, 1)
				go func() {
					defer close(events)
					err := sseScan(ctx.GoContext, resp, func(data string) bool {
						var raw map[string]interface{}
						if err := json.Unmarshal([]byte(data), &raw); err != nil {
							return true
						}
						events <- decodeAnthropicEvent(raw)
						return true
					})
					if err != nil {
						errCh <- err
					}
				}()

				fullText, model, messageID, stopReason, usage, err := drive(ctx, ctx.RequestID, ctx.SessionID, events, errCh)
				if err != nil {
					sink.Error(backendError(err.Error(), true))
					return
				}

				sink.Next(msg.WithResponse(map[string]interface{}{
					"id":          messageID,
					"model":       model,
					"stop_reason": stopReason,
					"content":     []map[string]string{{"type": "text", "text": fullText}},
					"usage":       usage,
				}))
				sink.Complete()
			}()
			return func() {}
		})
	})(inputs, ctx)
}

func decodeAnthropicEvent(raw map[string]interface{}) streamEvent {
	var ev streamEvent
	switch raw["type"] {
	case "content_block_delta":
		if delta, ok := raw["delta"].(map[string]interface{}); ok {
			switch delta["type"] {
			case "text_delta":
				ev.textDelta, _ = delta["text"].(string)
			case "thinking_delta":
				ev.thoughtDelta, _ = delta["thinking"].(string)
			}
		}
	case "message_start":
		if m, ok := raw["message"].(map[string]interface{}); ok {
			ev.model, _ = m["model"].(string)
			ev.messageID, _ = m["id"].(string)
		}
	case "message_delta":
		if d, ok := raw["delta"].(map[string]interface{}); ok {
			ev.stopReason, _ = d["stop_reason"].(string)
		}
		if u, ok := raw["usage"].(map[string]interface{}); ok {
			ev.usage = &acp.Usage{
				InputTokens:  intFromJSON(u["input_tokens"]),
				OutputTokens: intFromJSON(u["output_tokens"]),
			}
		}
	case "message_stop":
		ev.done = true
	}
	return ev
}

func intFromJSON(v interface{}) int {
	if f, ok := v.(float64); ok {
		return int(f)
	}
	return 0
}

// OpenAIClient streams against the OpenAI Responses API through the
// openai-go SDK, the same client and streaming idiom the teacher's own
// internal/llm/openai_client.go drives (client.Responses.NewStreaming,
// consuming response.output_text.delta events off the returned stream).
type OpenAIClient struct {
	node.Base
	apiClient *openai.Client
}

func OpenAIClientMeta() node.Metadata {
	return node.Metadata{
		Name:        "OpenAIClient",
		Category:    node.CategoryAdapter,
		Description: "Streams a translated request against the OpenAI Responses API; the Chat Completions endpoint is not used.",
		Inputs:      []node.PortDef{{Name: "in", Socket: node.SocketPipeline, Required: true}},
		Outputs:     []node.PortDef{{Name: "out", Socket: node.SocketPipeline}},
		ConfigSchema: map[string]interface{}{
			"apiKey":  "string, falls back to OPENAI_API_KEY",
			"baseURL": "string, default https://api.openai.com/v1",
		},
	}
}

func NewOpenAIClient(config map[string]interface{}) node.Node {
	c := &OpenAIClient{Base: node.NewBase(config, logging.Global())}
	if key := c.apiKey(); key != "" {
		opts := []option.RequestOption{option.WithAPIKey(key)}
		if u := c.baseURL(); u != "" && u != "https://api.openai.com/v1" {
			opts = append(opts, option.WithBaseURL(u))
		}
		apiClient := openai.NewClient(opts...)
		c.apiClient = &apiClient
	}
	return c
}

func (c *OpenAIClient) Meta() node.Metadata { return OpenAIClientMeta() }

func (c *OpenAIClient) apiKey() string {
	if k := c.ConfigString("apiKey"); k != "" {
		return k
	}
	return os.Getenv("OPENAI_API_KEY")
}

func (c *OpenAIClient) Validate() []string {
	if c.apiKey() == "" {
		return []string{"OPENAI_API_KEY must be set, either in config or the environment"}
	}
	return nil
}

func (c *OpenAIClient) baseURL() string {
	if u := c.ConfigString("baseURL"); u != "" {
		return u
	}
	return "https://api.openai.com/v1"
}

func (c *OpenAIClient) Process(inputs node.Inputs, ctx *pipeline.Context) node.Outputs {
	return node.RunStreaming(func(msg *pipeline.Message, ctx *pipeline.Context) node.MessageStream {
		if msg.Translated == nil {
			return stream.Fail[*pipeline.Message](missingTranslatedError())
		}
		translated, ok := msg.Translated.(OpenAITranslatedRequest)
		if !ok {
			return stream.Fail[*pipeline.Message](missingTranslatedError())
		}
		if c.apiClient == nil {
			return stream.Fail[*pipeline.Message](backendError("openai: no API key configured", false))
		}
		params := buildResponsesParams(translated)

		return stream.New(func(sink *stream.Sink[*pipeline.Message]) stream.Cancel {
			go func() {
				events := make(chan streamEvent, 8)
				errCh := make(chan error, 1)
				go func() {
					defer close(events)
					if err := driveResponsesStream(ctx.GoContext, c.apiClient, params, events); err != nil {
						errCh <- err
					}
				}()

				fullText, model, messageID, stopReason, usage, err := drive(ctx, ctx.RequestID, ctx.SessionID, events, errCh)
				if err != nil {
					sink.Error(backendError(err.Error(), true))
					return
				}

				sink.Next(msg.WithResponse(map[string]interface{}{
					"id":      messageID,
					"model":   model,
					"choices": []map[string]interface{}{{"finish_reason": stopReason, "message": map[string]string{"role": "assistant", "content": fullText}}},
					"usage":   usage,
				}))
				sink.Complete()
			}()
			return func() {}
		})
	})(inputs, ctx)
}

// buildResponsesParams maps an OpenAITranslatedRequest onto the Responses
// API request shape, mirroring the teacher's own
// OpenAIClient.buildResponsesParams (internal/llm/openai_client.go).
func buildResponsesParams(translated OpenAITranslatedRequest) responses.ResponseNewParams {
	input := make(responses.ResponseInputParam, 0, len(translated.Messages))
	for _, m := range translated.Messages {
		role, _ := m["role"].(string)
		content, _ := m["content"].(string)
		if content == "" {
			continue
		}
		switch role {
		case "system":
			input = append(input, responses.ResponseInputItemParamOfMessage(content, responses.EasyInputMessageRoleSystem))
		case "assistant":
			input = append(input, responses.ResponseInputItemParamOfMessage(content, responses.EasyInputMessageRoleAssistant))
		default:
			input = append(input, responses.ResponseInputItemParamOfMessage(content, responses.EasyInputMessageRoleUser))
		}
	}

	params := responses.ResponseNewParams{
		Model: shared.ResponsesModel(translated.Model),
		Input: responses.ResponseNewParamsInputUnion{OfInputItemList: input},
	}
	if translated.MaxTokens > 0 {
		params.MaxOutputTokens = openai.Int(int64(translated.MaxTokens))
	}
	if translated.Temperature != nil {
		params.Temperature = openai.Float(*translated.Temperature)
	}
	return params
}

// driveResponsesStream pumps an SDK Responses stream into the backend-agnostic
// streamEvent channel, following the teacher's performResponsesStream
// (internal/llm/openai_helpers.go) Next/Current/Err idiom.
func driveResponsesStream(ctx context.Context, client *openai.Client, params responses.ResponseNewParams, events chan<- streamEvent) error {
	s := client.Responses.NewStreaming(ctx, params)
	for s.Next() {
		event := s.Current()
		switch event.Type {
		case "response.output_text.delta":
			if delta := event.AsResponseOutputTextDelta().Delta; delta != "" {
				events <- streamEvent{textDelta: delta}
			}
		case "response.completed":
			resp := event.AsResponseCompletedEvent().Response
			events <- streamEvent{
				model:      string(resp.Model),
				messageID:  resp.ID,
				stopReason: string(resp.Status),
				usage: &acp.Usage{
					InputTokens:  int(resp.Usage.InputTokens),
					OutputTokens: int(resp.Usage.OutputTokens),
				},
				done: true,
			}
		}
	}
	return s.Err()
}

// OllamaClient streams against a local or remote Ollama server's NDJSON
// chat endpoint (one JSON object per line, no "data:" framing).
type OllamaClient struct {
	node.Base
	httpClient *http.Client
}

func OllamaClientMeta() node.Metadata {
	return node.Metadata{
		Name:        "OllamaClient",
		Category:    node.CategoryAdapter,
		Description: "Streams a translated request against an Ollama server.",
		Inputs:      []node.PortDef{{Name: "in", Socket: node.SocketPipeline, Required: true}},
		Outputs:     []node.PortDef{{Name: "out", Socket: node.SocketPipeline}},
		ConfigSchema: map[string]interface{}{
			"baseURL": "string, default http://localhost:11434",
		},
	}
}

func NewOllamaClient(config map[string]interface{}) node.Node {
	return &OllamaClient{Base: node.NewBase(config, logging.Global()), httpClient: &http.Client{Timeout: consts.Timeout5Minutes}}
}

func (c *OllamaClient) Meta() node.Metadata { return OllamaClientMeta() }
func (c *OllamaClient) Validate() []string  { return nil }

func (c *OllamaClient) baseURL() string {
	if u := c.ConfigString("baseURL"); u != "" {
		return u
	}
	return "http://localhost:11434"
}

func (c *OllamaClient) Process(inputs node.Inputs, ctx *pipeline.Context) node.Outputs {
	return node.RunStreaming(func(msg *pipeline.Message, ctx *pipeline.Context) node.MessageStream {
		if msg.Translated == nil {
			return stream.Fail[*pipeline.Message](missingTranslatedError())
		}
		translated, ok := msg.Translated.(OllamaTranslatedRequest)
		if !ok {
			return stream.Fail[*pipeline.Message](missingTranslatedError())
		}

		return stream.New(func(sink *stream.Sink[*pipeline.Message]) stream.Cancel {
			go func() {
				body, err := json.Marshal(translated)
				if err != nil {
					sink.Error(backendError(err.Error(), false))
					return
				}

				req, err := http.NewRequestWithContext(ctx.GoContext, http.MethodPost, c.baseURL()+"/api/chat", bytes.NewReader(body))
				if err != nil {
					sink.Error(backendError(err.Error(), false))
					return
				}
				req.Header.Set("Content-Type", "application/json")

				resp, err := c.httpClient.Do(req)
				if err != nil {
					sink.Error(backendError(err.Error(), true))
					return
				}
				defer resp.Body.Close()
				if resp.StatusCode != http.StatusOK {
					transient := resp.StatusCode >= 500
					sink.Error(backendError(fmt.Sprintf("ollama: status %d", resp.StatusCode), transient))
					return
				}

				var fullText, model string
				var usage *acp.Usage
				decoder := json.NewDecoder(resp.Body)
				for {
					var line map[string]interface{}
					if err := decoder.Decode(&line); err != nil {
						break
					}
					if m, ok := line["message"].(map[string]interface{}); ok {
						if text, ok := m["content"].(string); ok && text != "" {
							fullText += text
							n, _ := acp.NewSessionUpdateNotification(ctx.RequestID, ctx.SessionID, acp.SessionUpdate{
								Kind:  acp.UpdateContentChunk,
								Block: &acp.ContentBlock{Kind: acp.BlockText, Text: text},
							})
							ctx.Emit(n)
						}
					}
					if mv, ok := line["model"].(string); ok {
						model = mv
					}
					if done, _ := line["done"].(bool); done {
						usage = &acp.Usage{
							InputTokens:  intFromJSON(line["prompt_eval_count"]),
							OutputTokens: intFromJSON(line["eval_count"]),
						}
						break
					}
				}

				sink.Next(msg.WithResponse(map[string]interface{}{
					"model":   model,
					"message": map[string]string{"role": "assistant", "content": fullText},
					"usage":   usage,
					"done":    true,
				}))
				sink.Complete()
			}()
			return func() {}
		})
	})(inputs, ctx)
}

// PiClient talks to the Pi CLI sub-agent by starting a fresh child process
// for each request, using the line-delimited Pi dialect (spec §4.4
// "Alternate framing").
type PiClient struct {
	node.Base
}

func PiClientMeta() node.Metadata {
	return node.Metadata{
		Name:        "PiClient",
		Category:    node.CategoryAdapter,
		Description: "Submits a translated prompt to the Pi CLI sub-agent and streams its events.",
		Inputs:      []node.PortDef{{Name: "in", Socket: node.SocketPipeline, Required: true}},
		Outputs:     []node.PortDef{{Name: "out", Socket: node.SocketPipeline}},
		ConfigSchema: map[string]interface{}{
			"command": "string, path to the pi CLI binary",
		},
	}
}

func NewPiClient(config map[string]interface{}) node.Node {
	return &PiClient{Base: node.NewBase(config, logging.Global())}
}

func (c *PiClient) Meta() node.Metadata { return PiClientMeta() }

func (c *PiClient) Validate() []string {
	if c.ConfigString("command") == "" {
		return []string{validationError("command")}
	}
	return nil
}

func (c *PiClient) Process(inputs node.Inputs, ctx *pipeline.Context) node.Outputs {
	return node.RunStreaming(func(msg *pipeline.Message, ctx *pipeline.Context) node.MessageStream {
		if msg.Translated == nil {
			return stream.Fail[*pipeline.Message](missingTranslatedError())
		}
		translated, ok := msg.Translated.(PiTranslatedRequest)
		if !ok {
			return stream.Fail[*pipeline.Message](missingTranslatedError())
		}

		return stream.New(func(sink *stream.Sink[*pipeline.Message]) stream.Cancel {
			// A fresh child process per request keeps the reference
			// implementation simple; a longer-lived pooled connection is a
			// named extension point, not built here.
			cmd := exec.CommandContext(ctx.GoContext, c.ConfigString("command"))
			stdin, err := cmd.StdinPipe()
			if err != nil {
				sink.Error(backendError(err.Error(), false))
				return func() {}
			}
			stdout, err := cmd.StdoutPipe()
			if err != nil {
				sink.Error(backendError(err.Error(), false))
				return func() {}
			}
			if err := cmd.Start(); err != nil {
				sink.Error(backendError(err.Error(), true))
				return func() {}
			}

			envelope, err := json.Marshal(map[string]interface{}{
				"type":          "prompt",
				"prompt":        translated.Message,
				"thinkingLevel": translated.ThinkingLevel,
			})
			if err != nil {
				sink.Error(backendError(err.Error(), false))
				return func() {}
			}

			go func() {
				defer cmd.Wait()

				if _, err := stdin.Write(append(envelope, '\n')); err != nil {
					sink.Error(backendError(err.Error(), true))
					return
				}
				stdin.Close()

				var fullText string
				scanner := bufio.NewScanner(stdout)
				scanner.Buffer(make([]byte, 0, consts.BufferSize256KB), consts.BufferSize1MB)
				for scanner.Scan() {
					line := scanner.Bytes()
					if len(bytes.TrimSpace(line)) == 0 {
						continue
					}
					var envelope map[string]interface{}
					if err := json.Unmarshal(line, &envelope); err != nil {
						continue
					}
					switch envelope["type"] {
					case "event":
						data, _ := envelope["data"].(map[string]interface{})
						if text, ok := data["text"].(string); ok {
							fullText += text
							n, _ := acp.NewSessionUpdateNotification(ctx.RequestID, ctx.SessionID, acp.SessionUpdate{
								Kind:  acp.UpdateContentChunk,
								Block: &acp.ContentBlock{Kind: acp.BlockText, Text: text},
							})
							ctx.Emit(n)
						}
					case "response":
						if result, ok := envelope["result"].(map[string]interface{}); ok {
							if text, ok := result["message"].(string); ok {
								fullText = text
							}
						}
					}
				}
				if err := scanner.Err(); err != nil {
					sink.Error(backendError(err.Error(), true))
					return
				}

				sink.Next(msg.WithResponse(map[string]interface{}{
					"message": fullText,
					"done":    true,
				}))
				sink.Complete()
			}()

			return func() {
				_ = cmd.Process.Kill()
			}
		})
	})(inputs, ctx)
}
