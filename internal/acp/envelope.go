// Package acp implements the data model of the Agent Client Protocol (ACP)
// dialect this proxy speaks: JSON-RPC 2.0 envelopes, content blocks, and
// session update variants (spec §3 "ACP request / response / notification",
// "Content block", "Session update"). Method names are conventionally
// prefixed "acp/".
package acp

import (
	"encoding/json"

	"github.com/codefionn/scriptschnell/internal/rpcerr"
)

// RequestID is a JSON-RPC id: string, number, or null. A *RequestID value of
// nil represents an id field that was entirely absent (notification); a
// non-nil RequestID wrapping a nil Value represents an explicit `"id":
// null`, which spec §6 requires transports to accept and echo back.
type RequestID struct {
	Value interface{} // string, float64/json.Number, or nil
}

// MarshalJSON renders the id's underlying value verbatim.
func (r RequestID) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Value)
}

// UnmarshalJSON accepts string, number, or null.
func (r *RequestID) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	r.Value = v
	return nil
}

// String renders the id for use as a map key (e.g. correlating SSE clients
// to a numeric request id per spec §9 "Open questions").
func (r RequestID) String() string {
	switch v := r.Value.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		b, _ := json.Marshal(v)
		return string(b)
	}
}

// Request is an inbound or outbound JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      *RequestID      `json:"id"`
}

// HasID reports whether this envelope carries an id field at all (as
// opposed to a notification, which omits it entirely).
func (r *Request) HasID() bool { return r.ID != nil }

// Response is a JSON-RPC 2.0 response: exactly one of Result or Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcerr.Error   `json:"error,omitempty"`
	ID      *RequestID      `json:"id"`
}

// NewResult builds a successful Response.
func NewResult(id *RequestID, result interface{}) (*Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &Response{JSONRPC: "2.0", Result: raw, ID: id}, nil
}

// NewError builds an error Response.
func NewError(id *RequestID, err *rpcerr.Error) *Response {
	return &Response{JSONRPC: "2.0", Error: err, ID: id}
}

// Notification is a JSON-RPC 2.0 notification: same shape as Request minus id.
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// NewNotification builds a Notification with marshaled params.
func NewNotification(method string, params interface{}) (*Notification, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return &Notification{JSONRPC: "2.0", Method: method, Params: raw}, nil
}
