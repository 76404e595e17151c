// Package transport implements the three JSON-RPC framings the proxy
// accepts connections on (spec §4.4 "JSON-RPC transports", §6 "External
// interfaces"): line-delimited stdio, HTTP+SSE, and the Pi dialect used to
// wrap a specific child-process sub-agent.
package transport

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/codefionn/scriptschnell/internal/acp"
)

// ErrAlreadyRunning is returned by Start when the transport is already
// running.
var ErrAlreadyRunning = errors.New("transport: already running")

// ErrNotRunning is returned by operations that require a running transport.
var ErrNotRunning = errors.New("transport: not running")

// classifyLine decodes one inbound JSON frame and classifies it per spec
// §4.4: a well-formed request (jsonrpc:"2.0", string method, an id field
// even if null) is returned as req with ok=true. A frame that looks like it
// was meant to be a request but has a structural defect returns
// malformedID so the caller can answer with ParseError. Malformed JSON
// returns the decode error in err, with no id. Anything else (a
// response/notification arriving inbound) returns ok=false,
// malformedID=nil, err=nil — a warning, not an error, per spec.
func classifyLine(data []byte) (req *acp.Request, malformedID *acp.RequestID, ok bool, err error) {
	var generic map[string]interface{}
	if jsonErr := json.Unmarshal(data, &generic); jsonErr != nil {
		return nil, nil, false, jsonErr
	}

	methodVal, hasMethod := generic["method"]
	if !hasMethod {
		// Response-shaped or otherwise unrecognized; a warning, not an error.
		return nil, nil, false, nil
	}

	idVal, hasID := generic["id"]
	methodStr, methodIsString := methodVal.(string)
	jsonrpcStr, _ := generic["jsonrpc"].(string)

	if methodIsString && hasID && jsonrpcStr == "2.0" {
		var r acp.Request
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, nil, false, err
		}
		return &r, nil, true, nil
	}

	if hasID {
		return nil, &acp.RequestID{Value: idVal}, false, nil
	}

	// Method present but no id at all: notification-shaped, not a malformed
	// request (nothing to answer).
	return nil, nil, false, nil
}

func methodRejection(method string) error {
	return fmt.Errorf("method %q must be prefixed %q", method, "acp/")
}
