package acp

import "encoding/json"

// BlockKind discriminates ContentBlock variants (spec §3 "Content block").
type BlockKind string

const (
	BlockText       BlockKind = "text"
	BlockImage      BlockKind = "image"
	BlockResource   BlockKind = "resource"
	BlockToolUse    BlockKind = "tool_use"
	BlockToolResult BlockKind = "tool_result"
)

// ContentBlock is the variant type carried in prompt and response content.
// Only the fields relevant to Kind are populated; the rest are zero values.
type ContentBlock struct {
	Kind BlockKind `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// image
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`

	// resource
	URI          string `json:"uri,omitempty"`
	InlineText   string `json:"inlineText,omitempty"`

	// tool_use
	ToolUseID string                 `json:"id,omitempty"`
	ToolName  string                 `json:"name,omitempty"`
	ToolInput map[string]interface{} `json:"input,omitempty"`

	// tool_result
	ToolCallID string         `json:"toolCallId,omitempty"`
	Content    []ContentBlock `json:"content,omitempty"`
	IsError    bool           `json:"isError,omitempty"`

	Meta map[string]map[string]interface{} `json:"_meta,omitempty"`
}

// Text constructs a text content block.
func Text(text string) ContentBlock { return ContentBlock{Kind: BlockText, Text: text} }

// Image constructs an image content block.
func Image(data, mime string) ContentBlock {
	return ContentBlock{Kind: BlockImage, Data: data, MimeType: mime}
}

// ToolResult constructs a tool_result content block.
func ToolResult(toolCallID string, content []ContentBlock, isError bool) ContentBlock {
	return ContentBlock{Kind: BlockToolResult, ToolCallID: toolCallID, Content: content, IsError: isError}
}

// UpdateKind discriminates SessionUpdate variants (spec §3 "Session update").
type UpdateKind string

const (
	UpdateContentChunk UpdateKind = "content_chunk"
	UpdateThoughtChunk UpdateKind = "thought_chunk"
	UpdateToolCall     UpdateKind = "tool_call"
	UpdateToolResult   UpdateKind = "tool_result"
	UpdateUsage        UpdateKind = "usage"
)

// Usage reports token accounting for a completed or in-flight turn.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// SessionUpdate is the payload of a `session/update` notification.
type SessionUpdate struct {
	Kind UpdateKind `json:"kind"`

	Block    *ContentBlock `json:"block,omitempty"`    // content_chunk, thought_chunk
	ToolCall *ContentBlock `json:"toolCall,omitempty"` // tool_call (tool_use block)
	Usage    *Usage        `json:"usage,omitempty"`    // usage
}

// SessionUpdateParams wraps a SessionUpdate into the params object of a
// `session/update` notification, attaching the requestId correlation field
// that HTTP+SSE transports filter on (spec §4.4).
type SessionUpdateParams struct {
	RequestID string        `json:"requestId"`
	SessionID string        `json:"sessionId,omitempty"`
	Update    SessionUpdate `json:"update"`
}

func (u SessionUpdate) marshalParams(requestID, sessionID string) (json.RawMessage, error) {
	return json.Marshal(SessionUpdateParams{RequestID: requestID, SessionID: sessionID, Update: u})
}

// NewSessionUpdateNotification builds the `session/update` Notification a
// Client node emits for each streaming event (spec §4.5 "Client (per
// backend)").
func NewSessionUpdateNotification(requestID, sessionID string, update SessionUpdate) (*Notification, error) {
	raw, err := update.marshalParams(requestID, sessionID)
	if err != nil {
		return nil, err
	}
	return &Notification{JSONRPC: "2.0", Method: "acp/session/update", Params: raw}, nil
}
