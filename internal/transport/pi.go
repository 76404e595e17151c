package transport

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/codefionn/scriptschnell/internal/acp"
	"github.com/codefionn/scriptschnell/internal/logging"
	"github.com/codefionn/scriptschnell/internal/rpcerr"
	"github.com/codefionn/scriptschnell/internal/stream"
)

// Pi is the line-delimited "Pi" dialect framing used to wrap one specific
// sub-agent child process (spec §4.4 "Alternate framing for wrapping child
// processes"). Inbound `{"type": "<command>"}` envelopes are synthesized
// into `acp/<command>` JSON-RPC requests with `params._meta.pi` carrying
// the original command name; outbound responses and events are translated
// back into `type:"response"` / `type:"event"` envelopes.
type Pi struct {
	in     io.Reader
	out    io.Writer
	errOut io.Writer
	logger *logging.Logger

	mu      sync.Mutex
	running bool
	reqCh   chan *acp.Request
	doneCh  chan struct{}
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]string // request id -> original Pi command
}

// NewPi constructs a Pi-dialect transport over the given streams.
func NewPi(in io.Reader, out, errOut io.Writer, logger *logging.Logger) *Pi {
	if logger == nil {
		logger = logging.Global()
	}
	return &Pi{in: in, out: out, errOut: errOut, logger: logger, pending: make(map[string]string)}
}

// Start begins the read loop.
func (p *Pi) Start() error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return ErrAlreadyRunning
	}
	p.running = true
	p.reqCh = make(chan *acp.Request)
	p.doneCh = make(chan struct{})
	p.mu.Unlock()

	go p.readLoop()
	return nil
}

// Stop ends the read loop.
func (p *Pi) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return ErrNotRunning
	}
	p.running = false
	close(p.doneCh)
	p.mu.Unlock()
	return nil
}

// Requests returns the lazy stream of synthesized inbound requests.
func (p *Pi) Requests() stream.Stream[*acp.Request] {
	return stream.New(func(sink *stream.Sink[*acp.Request]) stream.Cancel {
		go func() {
			for req := range p.reqCh {
				sink.Next(req)
			}
			sink.Complete()
		}()
		return func() {}
	})
}

func (p *Pi) readLoop() {
	defer close(p.reqCh)

	scanner := bufio.NewScanner(p.in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for scanner.Scan() {
		select {
		case <-p.doneCh:
			return
		default:
		}

		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}

		var envelope map[string]interface{}
		if err := json.Unmarshal(line, &envelope); err != nil {
			// Malformed JSON: ignore, per the shared S5 behavior.
			continue
		}

		command, ok := envelope["type"].(string)
		if !ok || command == "" {
			p.logger.Warn("pi: ignoring envelope with missing or non-string type")
			continue
		}

		req, id := p.synthesize(command, envelope)

		p.pendingMu.Lock()
		p.pending[id] = command
		p.pendingMu.Unlock()

		select {
		case p.reqCh <- req:
		case <-p.doneCh:
			return
		}
	}
}

func (p *Pi) synthesize(command string, envelope map[string]interface{}) (*acp.Request, string) {
	id := uuid.New().String()

	params := make(map[string]interface{}, len(envelope))
	for k, v := range envelope {
		if k == "type" {
			continue
		}
		params[k] = v
	}
	params["_meta"] = map[string]interface{}{
		"pi": map[string]interface{}{
			"originalCommand": command,
		},
	}

	raw, _ := json.Marshal(params)
	return &acp.Request{
		JSONRPC: "2.0",
		Method:  "acp/" + command,
		Params:  raw,
		ID:      &acp.RequestID{Value: id},
	}, id
}

// SendResponse translates resp back into a type:"response" Pi envelope,
// keyed by the original command recorded at synthesis time.
func (p *Pi) SendResponse(resp *acp.Response) error {
	key := ""
	if resp.ID != nil {
		key = resp.ID.String()
	}

	p.pendingMu.Lock()
	command, known := p.pending[key]
	delete(p.pending, key)
	p.pendingMu.Unlock()
	if !known {
		command = ""
	}

	envelope := map[string]interface{}{
		"type":    "response",
		"command": command,
	}
	if resp.Error != nil {
		envelope["error"] = resp.Error
	} else if len(resp.Result) > 0 {
		var result interface{}
		if err := json.Unmarshal(resp.Result, &result); err == nil {
			envelope["result"] = result
		}
	}

	return p.writeEnvelope(envelope)
}

// SendError is a convenience wrapper building an error Response.
func (p *Pi) SendError(id *acp.RequestID, rpcErr *rpcerr.Error) error {
	return p.SendResponse(acp.NewError(id, rpcErr))
}

// SendNotification translates note into a type:"event" Pi envelope.
func (p *Pi) SendNotification(note *acp.Notification) error {
	var data interface{}
	if len(note.Params) > 0 {
		if err := json.Unmarshal(note.Params, &data); err != nil {
			return err
		}
	}

	envelope := map[string]interface{}{
		"type":  "event",
		"event": strings.TrimPrefix(note.Method, "acp/"),
		"data":  data,
	}
	return p.writeEnvelope(envelope)
}

func (p *Pi) writeEnvelope(envelope map[string]interface{}) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	data, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	if _, err := p.out.Write(data); err != nil {
		return err
	}
	_, err = p.out.Write([]byte("\n"))
	return err
}
