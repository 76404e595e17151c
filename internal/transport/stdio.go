package transport

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/codefionn/scriptschnell/internal/acp"
	"github.com/codefionn/scriptschnell/internal/logging"
	"github.com/codefionn/scriptschnell/internal/rpcerr"
	"github.com/codefionn/scriptschnell/internal/stream"
)

// maxLineBytes bounds a single inbound JSON-RPC line (spec places no
// explicit ceiling; this guards against an unbounded-length attack on the
// trusted-local stdio transport).
const maxLineBytes = 16 * 1024 * 1024

// Stdio is the line-delimited JSON-RPC framing over a byte stream (spec
// §4.4 "Line-delimited framing", §6). One JSON value per line on in;
// one line per message on out; diagnostics go to the logger.
type Stdio struct {
	in     io.Reader
	out    io.Writer
	errOut io.Writer
	logger *logging.Logger

	mu      sync.Mutex
	running bool
	reqCh   chan *acp.Request
	doneCh  chan struct{}
	writeMu sync.Mutex
}

// NewStdio constructs a stdio transport over the given streams.
func NewStdio(in io.Reader, out, errOut io.Writer, logger *logging.Logger) *Stdio {
	if logger == nil {
		logger = logging.Global()
	}
	return &Stdio{in: in, out: out, errOut: errOut, logger: logger}
}

// Start begins the read loop. Calling Start twice fails with
// ErrAlreadyRunning.
func (s *Stdio) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	s.reqCh = make(chan *acp.Request)
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	go s.readLoop()
	return nil
}

// Stop ends the read loop and closes the request stream.
func (s *Stdio) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.running = false
	close(s.doneCh)
	s.mu.Unlock()
	return nil
}

// Requests returns the lazy stream of inbound requests. In normal use
// Start is called first and Requests is subscribed by the dispatcher
// immediately after; the returned stream simply drains s.reqCh, which
// Start's read loop populates.
func (s *Stdio) Requests() stream.Stream[*acp.Request] {
	return stream.New(func(sink *stream.Sink[*acp.Request]) stream.Cancel {
		go func() {
			for req := range s.reqCh {
				sink.Next(req)
			}
			sink.Complete()
		}()
		return func() {}
	})
}

func (s *Stdio) readLoop() {
	defer close(s.reqCh)

	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for scanner.Scan() {
		select {
		case <-s.doneCh:
			return
		default:
		}

		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}

		req, malformedID, ok, err := classifyLine(line)
		if err != nil {
			// Malformed JSON, no id recoverable: ignore (spec S5).
			continue
		}
		if !ok {
			if malformedID != nil {
				s.writeResponse(acp.NewError(malformedID, rpcerr.New(rpcerr.ParseError, "malformed request")))
			} else {
				s.logger.Warn("stdio: ignoring non-request inbound message")
			}
			continue
		}

		if !strings.HasPrefix(req.Method, "acp/") {
			s.writeResponse(acp.NewError(req.ID, rpcerr.New(rpcerr.MethodNotFound, methodRejection(req.Method).Error())))
			continue
		}

		select {
		case s.reqCh <- req:
		case <-s.doneCh:
			return
		}
	}
}

// SendResponse writes resp as one JSON line to out.
func (s *Stdio) SendResponse(resp *acp.Response) error {
	return s.writeResponse(resp)
}

// SendError is a convenience wrapper building an error Response.
func (s *Stdio) SendError(id *acp.RequestID, rpcErr *rpcerr.Error) error {
	return s.writeResponse(acp.NewError(id, rpcErr))
}

// SendNotification writes note as one JSON line to out.
func (s *Stdio) SendNotification(note *acp.Notification) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	data, err := json.Marshal(note)
	if err != nil {
		return err
	}
	return s.writeLine(data)
}

func (s *Stdio) writeResponse(resp *acp.Response) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return s.writeLine(data)
}

func (s *Stdio) writeLine(data []byte) error {
	if _, err := s.out.Write(data); err != nil {
		return err
	}
	_, err := s.out.Write([]byte("\n"))
	return err
}

func (s *Stdio) logDiagnostic(format string, args ...interface{}) {
	fmt.Fprintf(s.errOut, format+"\n", args...)
}
