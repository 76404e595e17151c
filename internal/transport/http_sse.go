package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/codefionn/scriptschnell/internal/acp"
	"github.com/codefionn/scriptschnell/internal/logging"
	"github.com/codefionn/scriptschnell/internal/rpcerr"
	"github.com/codefionn/scriptschnell/internal/stream"
)

// DefaultAddr is the spec's default HTTP+SSE bind address.
const DefaultAddr = "localhost:6809"

// HTTPSSE is the HTTP + Server-Sent-Events framing (spec §4.4, §6).
type HTTPSSE struct {
	addr       string
	allowCORS  bool
	logger     *logging.Logger
	StatusFunc func() string
	NodesFunc  func() string

	mu      sync.Mutex
	running bool
	server  *http.Server
	reqCh   chan *acp.Request
	doneCh  chan struct{}

	pendingMu sync.Mutex
	pending   map[string]chan *acp.Response

	sseMu   sync.Mutex
	clients map[string]map[int]chan *acp.Notification
	nextSub int
}

// NewHTTPSSE constructs an HTTP+SSE transport. allowCORS controls whether
// OPTIONS/CORS headers are emitted (spec default: on).
func NewHTTPSSE(addr string, allowCORS bool, logger *logging.Logger) *HTTPSSE {
	if addr == "" {
		addr = DefaultAddr
	}
	if logger == nil {
		logger = logging.Global()
	}
	return &HTTPSSE{
		addr:      addr,
		allowCORS: allowCORS,
		logger:    logger,
		pending:   make(map[string]chan *acp.Response),
		clients:   make(map[string]map[int]chan *acp.Notification),
	}
}

// Start begins listening. Fails with ErrAlreadyRunning if already started.
func (h *HTTPSSE) Start() error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return ErrAlreadyRunning
	}
	h.running = true
	h.reqCh = make(chan *acp.Request)
	h.doneCh = make(chan struct{})
	h.mu.Unlock()

	router := httprouter.New()
	router.POST("/rpc", h.handleRPC)
	router.GET("/events/:requestId", h.handleEvents)
	router.GET("/", h.handleStatus)
	router.GET("/nodes", h.handleNodes)
	if h.allowCORS {
		router.GlobalOPTIONS = http.HandlerFunc(h.handleOptions)
	}

	h.server = &http.Server{Addr: h.addr, Handler: router}

	ln, err := listen(h.addr)
	if err != nil {
		h.mu.Lock()
		h.running = false
		h.mu.Unlock()
		return err
	}

	go func() {
		if err := h.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			h.logger.Error("http+sse: serve failed: %v", err)
		}
	}()
	return nil
}

// Stop shuts the HTTP server down and closes the request stream.
func (h *HTTPSSE) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrNotRunning
	}
	h.running = false
	close(h.doneCh)
	server := h.server
	h.mu.Unlock()

	close(h.reqCh)
	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(ctx)
	}
	return nil
}

// Requests returns the lazy stream of inbound requests.
func (h *HTTPSSE) Requests() stream.Stream[*acp.Request] {
	return stream.New(func(sink *stream.Sink[*acp.Request]) stream.Cancel {
		go func() {
			for req := range h.reqCh {
				sink.Next(req)
			}
			sink.Complete()
		}()
		return func() {}
	})
}

func (h *HTTPSSE) handleOptions(w http.ResponseWriter, r *http.Request) {
	h.writeCORS(w)
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPSSE) writeCORS(w http.ResponseWriter) {
	if !h.allowCORS {
		return
	}
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

func (h *HTTPSSE) handleStatus(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	h.writeCORS(w)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if h.StatusFunc != nil {
		fmt.Fprintln(w, h.StatusFunc())
		return
	}
	fmt.Fprintln(w, "ok")
}

// handleNodes exposes each registered node type's static metadata as JSON
// (the GET /nodes endpoint listed under SPEC_FULL.md's supplemented
// features), grounded on
// the teacher's GetAvailableCommands() pattern of exposing static capability
// metadata over the wire.
func (h *HTTPSSE) handleNodes(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	h.writeCORS(w)
	w.Header().Set("Content-Type", "application/json")
	if h.NodesFunc != nil {
		fmt.Fprintln(w, h.NodesFunc())
		return
	}
	fmt.Fprintln(w, "{}")
}

func (h *HTTPSSE) handleRPC(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	h.writeCORS(w)
	w.Header().Set("Content-Type", "application/json")

	var body []byte
	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 4096)
	for {
		n, err := r.Body.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		if err != nil {
			break
		}
	}
	body = buf

	req, malformedID, ok, err := classifyLine(body)
	if err != nil {
		h.logger.Warn("http+sse: malformed request body, no id recoverable")
		if hj, ok := w.(http.Hijacker); ok {
			if conn, _, herr := hj.Hijack(); herr == nil {
				conn.Close()
				return
			}
		}
		return
	}
	if !ok {
		if malformedID != nil {
			h.writeJSON(w, acp.NewError(malformedID, rpcerr.New(rpcerr.ParseError, "malformed request")))
			return
		}
		h.logger.Warn("http+sse: ignoring non-request inbound message")
		return
	}
	if len(req.Method) < 4 || req.Method[:4] != "acp/" {
		h.writeJSON(w, acp.NewError(req.ID, rpcerr.New(rpcerr.MethodNotFound, methodRejection(req.Method).Error())))
		return
	}

	key := req.ID.String()
	h.pendingMu.Lock()
	if _, dup := h.pending[key]; dup {
		h.pendingMu.Unlock()
		h.writeJSON(w, acp.NewError(req.ID, rpcerr.New(rpcerr.InvalidRequest, "duplicate request id")))
		return
	}
	respCh := make(chan *acp.Response, 1)
	h.pending[key] = respCh
	h.pendingMu.Unlock()
	defer func() {
		h.pendingMu.Lock()
		delete(h.pending, key)
		h.pendingMu.Unlock()
	}()

	select {
	case h.reqCh <- req:
	case <-r.Context().Done():
		return
	case <-h.doneCh:
		return
	}

	select {
	case resp := <-respCh:
		h.writeJSON(w, resp)
	case <-r.Context().Done():
	case <-h.doneCh:
	}
}

func (h *HTTPSSE) writeJSON(w http.ResponseWriter, resp *acp.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Write(data)
}

func (h *HTTPSSE) handleEvents(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	requestID := params.ByName("requestId")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	h.writeCORS(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ch := make(chan *acp.Notification, 16)
	sub := h.registerClient(requestID, ch)
	defer h.unregisterClient(requestID, sub)

	connectedPayload, _ := json.Marshal(map[string]string{"requestId": requestID})
	fmt.Fprintf(w, "event: connected\ndata: %s\n\n", connectedPayload)
	flusher.Flush()

	for {
		select {
		case note := <-ch:
			data, err := json.Marshal(note)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: notification\ndata: %s\n\n", data)
			flusher.Flush()
		case <-r.Context().Done():
			return
		case <-h.doneCh:
			return
		}
	}
}

func (h *HTTPSSE) registerClient(requestID string, ch chan *acp.Notification) int {
	h.sseMu.Lock()
	defer h.sseMu.Unlock()
	h.nextSub++
	id := h.nextSub
	if h.clients[requestID] == nil {
		h.clients[requestID] = make(map[int]chan *acp.Notification)
	}
	h.clients[requestID][id] = ch
	return id
}

func (h *HTTPSSE) unregisterClient(requestID string, sub int) {
	h.sseMu.Lock()
	defer h.sseMu.Unlock()
	if subs, ok := h.clients[requestID]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.clients, requestID)
		}
	}
}

// SendResponse delivers resp to the POST /rpc handler awaiting it, keyed by
// resp's id.
func (h *HTTPSSE) SendResponse(resp *acp.Response) error {
	key := ""
	if resp.ID != nil {
		key = resp.ID.String()
	}
	h.pendingMu.Lock()
	ch, ok := h.pending[key]
	h.pendingMu.Unlock()
	if !ok {
		return fmt.Errorf("http+sse: no pending request for id %q", key)
	}
	select {
	case ch <- resp:
	default:
	}
	return nil
}

// SendError is a convenience wrapper building an error Response.
func (h *HTTPSSE) SendError(id *acp.RequestID, rpcErr *rpcerr.Error) error {
	return h.SendResponse(acp.NewError(id, rpcErr))
}

// SendNotification fans a notification out to every SSE client subscribed
// to its params.requestId.
func (h *HTTPSSE) SendNotification(note *acp.Notification) error {
	var withID struct {
		RequestID string `json:"requestId"`
	}
	if err := json.Unmarshal(note.Params, &withID); err != nil {
		return err
	}

	h.sseMu.Lock()
	subs := h.clients[withID.RequestID]
	chans := make([]chan *acp.Notification, 0, len(subs))
	for _, ch := range subs {
		chans = append(chans, ch)
	}
	h.sseMu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- note:
		default:
		}
	}
	return nil
}
