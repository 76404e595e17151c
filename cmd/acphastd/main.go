// Command acphastd is the thin launcher wiring transport selection to the
// graph engine (spec §6 "External interfaces"): it loads configuration and
// the graph file, registers the reference node library, starts whichever
// framings are enabled, and dispatches every inbound request through the
// engine until shutdown.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/codefionn/scriptschnell/internal/acp"
	"github.com/codefionn/scriptschnell/internal/config"
	"github.com/codefionn/scriptschnell/internal/consts"
	"github.com/codefionn/scriptschnell/internal/engine"
	"github.com/codefionn/scriptschnell/internal/logging"
	"github.com/codefionn/scriptschnell/internal/meta"
	"github.com/codefionn/scriptschnell/internal/node"
	"github.com/codefionn/scriptschnell/internal/nodes"
	"github.com/codefionn/scriptschnell/internal/pipeline"
	"github.com/codefionn/scriptschnell/internal/rpcerr"
	"github.com/codefionn/scriptschnell/internal/session"
	"github.com/codefionn/scriptschnell/internal/stream"
	"github.com/codefionn/scriptschnell/internal/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to config.json (default: "+config.GetConfigPath()+")")
	graphPathFlag := flag.String("graph", "", "path to the graph file (overrides config)")
	httpAddrFlag := flag.String("http", "", "HTTP+SSE bind address, e.g. localhost:6809 (overrides config; empty keeps the config value)")
	noStdio := flag.Bool("no-stdio", false, "disable the stdio transport")
	flag.Parse()

	path := *configPath
	if path == "" {
		path = config.GetConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if *graphPathFlag != "" {
		cfg.GraphPath = *graphPathFlag
	}
	if *httpAddrFlag != "" {
		cfg.Transports.HTTPAddr = *httpAddrFlag
	}
	if *noStdio {
		cfg.Transports.Stdio = false
	}

	logger, err := logging.New(logging.ParseLevel(cfg.LogLevel), cfg.LogPath, cfg.LogToConsole)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Close()
	logger.Info("acphastd starting, graph=%s", cfg.GraphPath)

	registry := node.NewRegistry()
	if err := nodes.Register(registry, cfg); err != nil {
		return fmt.Errorf("failed to register node library: %w", err)
	}

	eng := engine.New(registry, logger)
	graphData, err := os.ReadFile(cfg.GraphPath)
	if err != nil {
		return fmt.Errorf("failed to read graph file %s: %w", cfg.GraphPath, err)
	}
	if err := eng.LoadGraph(graphData); err != nil {
		return fmt.Errorf("failed to load graph: %w", err)
	}

	watcher, err := engine.NewWatcher(cfg.GraphPath, eng, logger.With(logging.F("component", "watcher")), cfg.HotReloadDebounce)
	if err != nil {
		return fmt.Errorf("failed to start graph watcher: %w", err)
	}
	watcher.Start()
	defer watcher.Stop()

	sessions := session.NewRepository(cfg.Session.MaxSessions, time.Duration(cfg.Session.TTLSeconds)*time.Second, logger.With(logging.F("component", "sessions")))
	sessions.StartCleanup()
	defer sessions.StopCleanup()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var transports []namedTransport
	if cfg.Transports.Stdio {
		transports = append(transports, namedTransport{"stdio", transport.NewStdio(os.Stdin, os.Stdout, os.Stderr, logger.With(logging.F("transport", "stdio")))})
	}
	if cfg.Transports.HTTPAddr != "" {
		httpT := transport.NewHTTPSSE(cfg.Transports.HTTPAddr, true, logger.With(logging.F("transport", "http")))
		httpT.StatusFunc = func() string { return statusLine(eng) }
		httpT.NodesFunc = func() string { return nodesJSON(registry) }
		transports = append(transports, namedTransport{"http+sse", httpT})
	}
	var piProc *exec.Cmd
	if cfg.Transports.PiEnabled {
		piT, proc, err := newPiTransport(cfg.Transports.PiCommand, logger.With(logging.F("transport", "pi")))
		if err != nil {
			return fmt.Errorf("failed to start pi transport: %w", err)
		}
		piProc = proc
		transports = append(transports, namedTransport{"pi", piT})
	}
	if piProc != nil {
		defer func() { _ = piProc.Process.Kill() }()
	}
	if len(transports) == 0 {
		return errors.New("no transport enabled; enable stdio, http, or pi")
	}

	d := &dispatcher{
		engine:     eng,
		sessions:   sessions,
		logger:     logger,
		timeout:    consts.Timeout30Seconds,
		metaPolicy: meta.ParsePolicy(cfg.MetaPolicy),
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, t := range transports {
		t := t
		if err := t.transport.Start(); err != nil {
			return fmt.Errorf("failed to start %s transport: %w", t.name, err)
		}
		logger.Info("%s transport started", t.name)
		g.Go(func() error {
			return d.serve(gctx, t.transport)
		})
	}

	<-gctx.Done()
	logger.Info("shutdown signal received")

	var stopErrs []error
	for _, t := range transports {
		if err := t.transport.Stop(); err != nil {
			stopErrs = append(stopErrs, fmt.Errorf("%s: %w", t.name, err))
		}
	}

	waitDone := make(chan error, 1)
	go func() { waitDone <- g.Wait() }()
	select {
	case err := <-waitDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			stopErrs = append(stopErrs, err)
		}
	case <-time.After(time.Duration(cfg.ShutdownTimeoutSec) * time.Second):
		logger.Warn("shutdown grace period elapsed with requests still in flight")
	}
	if len(stopErrs) > 0 {
		return errors.Join(stopErrs...)
	}
	logger.Info("acphastd stopped cleanly")
	return nil
}

type namedTransport struct {
	name      string
	transport requestTransport
}

// requestTransport is the shape common to every framing this proxy speaks
// (spec §4.4): a lazy stream of inbound requests, and methods to deliver a
// response, an error, or a streaming notification back to the client that
// issued it.
type requestTransport interface {
	Start() error
	Stop() error
	Requests() stream.Stream[*acp.Request]
	SendResponse(*acp.Response) error
	SendError(*acp.RequestID, *rpcerr.Error) error
	SendNotification(*acp.Notification) error
}

// newPiTransport builds the Pi-dialect transport. When piCommand names a
// sub-agent binary (config's Transports.piCommand), acphastd spawns it and
// wires the Pi framing (transport.Pi, spec §4.4 "wrap one specific sub-agent
// child process") to the child's own stdio, acting as its driver; the
// returned *exec.Cmd is non-nil so the caller can tear it down on shutdown.
// With piCommand unset, the framing instead reads/writes this process's own
// stdio, letting an external driver talk Pi-dialect to acphastd directly.
func newPiTransport(piCommand string, logger *logging.Logger) (requestTransport, *exec.Cmd, error) {
	if piCommand == "" {
		return transport.NewPi(os.Stdin, os.Stdout, os.Stderr, logger), nil, nil
	}

	cmd := exec.Command(piCommand)
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("pi sub-agent stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("pi sub-agent stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("start pi sub-agent %q: %w", piCommand, err)
	}
	return transport.NewPi(stdout, stdin, os.Stderr, logger), cmd, nil
}

func statusLine(eng *engine.Engine) string {
	stats := eng.GetStats()
	return fmt.Sprintf("ok nodes=%d connections=%d", stats.NodeCount, stats.ConnectionCount)
}

func nodesJSON(registry *node.Registry) string {
	data, err := json.Marshal(registry.GetAllMetadata())
	if err != nil {
		return "{}"
	}
	return string(data)
}

// dispatcher drives every transport's request stream through the engine and
// relays responses/notifications back, independently per request (spec §5
// "concurrency model": requests on one connection never block each other).
type dispatcher struct {
	engine     *engine.Engine
	sessions   *session.Repository
	logger     *logging.Logger
	timeout    time.Duration
	metaPolicy meta.Policy
}

func (d *dispatcher) serve(ctx context.Context, t requestTransport) error {
	done := make(chan error, 1)
	cancel := t.Requests().Subscribe(
		func(req *acp.Request) {
			go d.handle(ctx, t, req)
		},
		func(err error) { done <- err },
		func() { done <- nil },
	)
	select {
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func (d *dispatcher) handle(ctx context.Context, t requestTransport, req *acp.Request) {
	entryID, err := d.findEntryNode()
	if err != nil {
		if req.HasID() {
			_ = t.SendError(req.ID, rpcerr.New(rpcerr.InternalError, err.Error()))
		}
		return
	}

	sessionID := extractSessionID(req)
	pctx := pipeline.NewContext(ctx, req.ID.String(), sessionID, d.logger, func(n *acp.Notification) error {
		return t.SendNotification(n)
	}, d.timeout, d.metaPolicy)
	defer pctx.Cancel()
	defer meta.ForgetRequest(pctx.RequestID)

	msg := pipeline.NewMessage(pctx, req)
	out, err := d.engine.Execute(entryID, msg, pctx)
	if err != nil {
		d.respondError(t, req, err)
		return
	}

	var final *pipeline.Message
	doneCh := make(chan error, 1)
	out.Subscribe(
		func(m *pipeline.Message) { final = m },
		func(err error) { doneCh <- err },
		func() { doneCh <- nil },
	)

	select {
	case err := <-doneCh:
		if err != nil {
			d.respondError(t, req, err)
			return
		}
	case <-pctx.Done():
		d.respondError(t, req, rpcerr.New(rpcerr.InternalError, "request cancelled or timed out"))
		return
	}

	if !req.HasID() {
		return
	}
	if final == nil || final.Response == nil {
		_ = t.SendError(req.ID, rpcerr.New(rpcerr.InternalError, "graph produced no response"))
		return
	}
	resp, err := acp.NewResult(req.ID, final.Response)
	if err != nil {
		_ = t.SendError(req.ID, rpcerr.New(rpcerr.InternalError, err.Error()))
		return
	}
	d.recordTurn(sessionID, req, final.Response)
	_ = t.SendResponse(resp)
}

// recordTurn appends the request/response pair to the session's history
// (spec §3 "Session" history field). Requests naming a sessionId the
// repository does not hold are not silently adopted into a new session.
// The dispatcher has no "session/new" handler, so it never creates
// sessions itself.
func (d *dispatcher) recordTurn(sessionID string, req *acp.Request, response interface{}) {
	if sessionID == "" {
		return
	}
	var params interface{}
	_ = json.Unmarshal(req.Params, &params)
	if _, err := d.sessions.Update(sessionID, func(s *session.Session) {
		s.AppendTurn(session.Turn{Request: params, Response: response, At: time.Now()})
	}); err != nil {
		d.logger.Debug("session %s history append skipped: %v", sessionID, err)
	}
}

func (d *dispatcher) respondError(t requestTransport, req *acp.Request, err error) {
	if !req.HasID() {
		return
	}
	var rpcErr *rpcerr.Error
	if errors.As(err, &rpcErr) {
		_ = t.SendError(req.ID, rpcErr)
		return
	}
	_ = t.SendError(req.ID, rpcerr.New(rpcerr.InternalError, err.Error()))
}

// findEntryNode locates the single ACPInput-typed node in the currently
// loaded graph. It is recomputed on every request since hot reload can swap
// the graph out from under a running dispatcher.
func (d *dispatcher) findEntryNode() (string, error) {
	for id, n := range d.engine.GetNodes() {
		if n.Meta().Name == "ACPInput" {
			return id, nil
		}
	}
	return "", errors.New("graph has no ACPInput entry node")
}

func extractSessionID(req *acp.Request) string {
	if len(req.Params) == 0 {
		return ""
	}
	var generic struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(req.Params, &generic); err != nil {
		return ""
	}
	return strings.TrimSpace(generic.SessionID)
}
