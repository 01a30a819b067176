// ichigyo/lsp_server.go
// Implements the Language Server Protocol (LSP) server logic.
package ichigyo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"runtime/debug" // For panic recovery
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sourcegraph/jsonrpc2"
)

// ============================================================================
// LSP Server Implementation
// ============================================================================

// sessionState is fixed once initialize has been answered.
type sessionState struct {
	encoding PositionEncoding
	rootDir  string
}

// Server represents the LSP server instance.
type Server struct {
	conn           atomic.Pointer[jsonrpc2.Conn]
	logger         *slog.Logger
	levelVar       *slog.LevelVar // Optional; adjusted on log_level changes.
	linter         *Linter
	store          *DocumentStore
	configMu       sync.RWMutex
	config         Config
	session        atomic.Pointer[sessionState]
	serverInfo     *ServerInfo
	requestTracker *RequestTracker
	metrics        *Metrics
	watcherMu      sync.Mutex
	watcher        *ConfigWatcher
	shutdown       atomic.Bool
	lints          sync.WaitGroup
	publishMu      sync.Mutex // Orders lint commits against didClose.
}

// ServerOption customizes a Server.
type ServerOption func(*Server)

// WithMetrics publishes server state on m.
func WithMetrics(m *Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// WithLevelVar lets workspace/didChangeConfiguration change the log level.
func WithLevelVar(lv *slog.LevelVar) ServerOption {
	return func(s *Server) { s.levelVar = lv }
}

// NewServer creates a new LSP server instance.
func NewServer(linter *Linter, cfg Config, logger *slog.Logger, version string, opts ...ServerOption) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Server{
		logger: logger,
		linter: linter,
		store:  NewDocumentStore(cfg.StoreShards),
		config: cfg,
		serverInfo: &ServerInfo{
			Name:    "ichigyo-ls",
			Version: version,
		},
		requestTracker: NewRequestTracker(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.metrics.registerServerGauges(s.store.Len, s.requestTracker.Count)
	return s
}

// Run starts the LSP server on r and w and blocks until the connection closes.
func (s *Server) Run(r io.Reader, w io.Writer) {
	s.logger.Info("Starting LSP server run loop")

	stream := jsonrpc2.NewBufferedStream(&stdrwc{r: r, w: w}, jsonrpc2.VSCodeObjectCodec{})
	handler := jsonrpc2.HandlerWithError(s.handle)

	conn := jsonrpc2.NewConn(context.Background(), stream, handler)
	s.conn.Store(conn)
	s.logger.Info("JSON-RPC connection established")

	<-conn.DisconnectNotify() // Block until connection closes
	s.logger.Info("JSON-RPC connection closed")

	s.stopWatcher()
	s.lints.Wait()
}

// stdrwc is a simple ReadWriteCloser that wraps stdin/stdout without closing them.
type stdrwc struct {
	r io.Reader
	w io.Writer
}

func (s *stdrwc) Read(p []byte) (int, error)  { return s.r.Read(p) }
func (s *stdrwc) Write(p []byte) (int, error) { return s.w.Write(p) }
func (s *stdrwc) Close() error                { return nil } // Do nothing

// currentConfig returns a copy of the effective configuration.
func (s *Server) currentConfig() Config {
	s.configMu.RLock()
	defer s.configMu.RUnlock()
	return s.config
}

// encoding returns the negotiated position encoding, utf-16 before initialize.
func (s *Server) encoding() PositionEncoding {
	if st := s.session.Load(); st != nil {
		return st.encoding
	}
	return PositionEncodingUTF16
}

func (s *Server) rootDir() string {
	if st := s.session.Load(); st != nil {
		return st.rootDir
	}
	return ""
}

// handle routes incoming LSP requests/notifications to appropriate methods.
func (s *Server) handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) (result any, err error) {
	methodLogger := s.logger.With("method", req.Method, "is_notification", req.Notif)
	isRequest := !req.Notif
	if isRequest {
		methodLogger = methodLogger.With("req_id", req.ID)
	}
	methodLogger.Debug("Received request/notification")

	// Panic recovery
	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			methodLogger.Error("Panic recovered in handler", "panic_value", r, "stack", stack)

			panicData, marshalErr := json.Marshal(fmt.Sprintf("Panic: %v", r))
			if marshalErr != nil {
				panicData = json.RawMessage(`"failed to marshal panic data"`)
			}
			rawPanicData := json.RawMessage(panicData)

			err = &jsonrpc2.Error{
				Code:    int64(JsonRpcInternalError),
				Message: fmt.Sprintf("Internal server error in method %s", req.Method),
				Data:    &rawPanicData,
			}
			result = nil
		}
	}()

	// Request Cancellation Handling
	if isRequest {
		ctx = s.requestTracker.Add(req.ID, ctx)
		defer s.requestTracker.Remove(req.ID)
	}
	select {
	case <-ctx.Done():
		methodLogger.Warn("Request context cancelled before processing started", "error", ctx.Err())
		return nil, &jsonrpc2.Error{Code: int64(JsonRpcRequestCancelled), Message: "Request cancelled"}
	default: // Continue processing
	}

	if isRequest && req.Method != "initialize" && s.session.Load() == nil {
		methodLogger.Warn("Request received before initialize")
		return nil, &jsonrpc2.Error{Code: int64(JsonRpcServerNotInitialized), Message: "Server not initialized"}
	}
	if isRequest && req.Method != "shutdown" && s.shutdown.Load() {
		return nil, &jsonrpc2.Error{Code: int64(JsonRpcInvalidRequest), Message: "Server is shutting down"}
	}

	// Helper to unmarshal params
	unmarshalParams := func(target any) error {
		if req.Params == nil {
			return errors.New("params field is null")
		}
		return json.Unmarshal(*req.Params, target)
	}

	switch req.Method {
	case "initialize":
		var params InitializeParams
		if err := unmarshalParams(&params); err != nil {
			methodLogger.Error("Failed to unmarshal initialize params", "error", err)
			return nil, &jsonrpc2.Error{Code: int64(JsonRpcInvalidParams), Message: fmt.Sprintf("Invalid initialize params: %v", err)}
		}
		return s.handleInitialize(ctx, conn, req, params, methodLogger)

	case "initialized":
		methodLogger.Info("Client initialized notification received")
		return nil, nil

	case "shutdown":
		return s.handleShutdown(ctx, conn, req, methodLogger)

	case "exit":
		return s.handleExit(ctx, conn, req, methodLogger)

	case "textDocument/didOpen":
		var params DidOpenTextDocumentParams
		if err := unmarshalParams(&params); err != nil {
			methodLogger.Error("Failed to unmarshal didOpen params", "error", err)
			return nil, nil // Ignore notification errors
		}
		return s.handleDidOpen(ctx, conn, req, params, methodLogger)

	case "textDocument/didChange":
		var params DidChangeTextDocumentParams
		if err := unmarshalParams(&params); err != nil {
			methodLogger.Error("Failed to unmarshal didChange params", "error", err)
			return nil, nil // Ignore notification errors
		}
		return s.handleDidChange(ctx, conn, req, params, methodLogger)

	case "textDocument/didSave":
		var params DidSaveTextDocumentParams
		if err := unmarshalParams(&params); err != nil {
			methodLogger.Error("Failed to unmarshal didSave params", "error", err)
			return nil, nil // Ignore notification errors
		}
		return s.handleDidSave(ctx, conn, req, params, methodLogger)

	case "textDocument/didClose":
		var params DidCloseTextDocumentParams
		if err := unmarshalParams(&params); err != nil {
			methodLogger.Error("Failed to unmarshal didClose params", "error", err)
			return nil, nil // Ignore notification errors
		}
		return s.handleDidClose(ctx, conn, req, params, methodLogger)

	case "textDocument/codeAction":
		var params CodeActionParams
		if err := unmarshalParams(&params); err != nil {
			methodLogger.Error("Failed to unmarshal codeAction params", "error", err)
			return nil, &jsonrpc2.Error{Code: int64(JsonRpcInvalidParams), Message: fmt.Sprintf("Invalid codeAction params: %v", err)}
		}
		return s.handleCodeAction(ctx, conn, req, params, methodLogger)

	case "workspace/didChangeConfiguration":
		var params DidChangeConfigurationParams
		if err := unmarshalParams(&params); err != nil {
			methodLogger.Error("Failed to unmarshal didChangeConfiguration params", "error", err)
			return nil, nil // Ignore notification errors
		}
		return s.handleDidChangeConfiguration(ctx, conn, req, params, methodLogger)

	case "$/cancelRequest":
		var params CancelParams
		if err := unmarshalParams(&params); err != nil {
			methodLogger.Error("Failed to unmarshal cancelRequest params", "error", err)
			return nil, nil // Ignore notification errors
		}
		cancelID, ok := cancelRequestID(params.ID)
		if !ok {
			methodLogger.Warn("Invalid cancel request ID", "id_value", params.ID, "id_type", fmt.Sprintf("%T", params.ID))
			return nil, nil
		}
		s.requestTracker.Cancel(cancelID)
		methodLogger.Info("Cancellation request processed", "cancelled_id", cancelID)
		return nil, nil

	default:
		if req.Notif {
			methodLogger.Debug("Ignoring unhandled notification")
			return nil, nil
		}
		methodLogger.Warn("Unhandled LSP method")
		return nil, &jsonrpc2.Error{Code: int64(JsonRpcMethodNotFound), Message: fmt.Sprintf("Method not supported: %s", req.Method)}
	}
}

// cancelRequestID converts a decoded $/cancelRequest id. Numeric ids must be
// non-negative integers that a float64 represents exactly.
func cancelRequestID(v any) (jsonrpc2.ID, bool) {
	switch id := v.(type) {
	case float64:
		if id < 0 || id != math.Trunc(id) || id > 1<<53 {
			return jsonrpc2.ID{}, false
		}
		return jsonrpc2.ID{Num: uint64(id)}, true
	case string:
		return jsonrpc2.ID{Str: id, IsString: true}, true
	default:
		return jsonrpc2.ID{}, false
	}
}

// ============================================================================
// Lint Pipeline
// ============================================================================

// scheduleLint lints the document in the background and publishes the result.
// fallback is used as the lint snapshot when the file cannot be read.
func (s *Server) scheduleLint(uri DocumentURI, session uint64, version int, fallback string) {
	s.lints.Add(1)
	go func() {
		defer s.lints.Done()
		s.lintAndPublish(context.Background(), uri, session, version, fallback)
	}()
}

// lintAndPublish lints the on-disk file behind uri, commits the result with
// the file content as its snapshot and publishes diagnostics. Failures publish
// nothing and leave the store untouched so earlier diagnostics stay visible.
func (s *Server) lintAndPublish(ctx context.Context, uri DocumentURI, session uint64, version int, fallback string) {
	lintLogger := s.logger.With("uri", uri, "version", version, "run_id", uuid.NewString())

	filePath, err := ValidateAndGetFilePath(string(uri), lintLogger)
	if err != nil {
		lintLogger.Warn("Dropping lint for invalid URI", "error", err)
		return
	}
	workDir := s.rootDir()
	if workDir == "" {
		workDir = filepath.Dir(filePath)
	}
	lintLogger = lintLogger.With("file", filePath, "work_dir", workDir)

	// The runner reads the file, so the file is what the messages index into.
	text := fallback
	if data, readErr := os.ReadFile(filePath); readErr == nil {
		text = string(data)
	} else {
		lintLogger.Debug("File not readable, using buffer as lint snapshot", "error", readErr)
	}
	lintLogger.Debug("Starting lint", "size", len(text))

	messages, err := s.linter.Lint(ctx, filePath, workDir, text)
	if err != nil {
		lintLogger.Error("Lint failed", "error", err)
		if errors.Is(err, ErrLinterUnavailable) {
			s.sendShowMessage(MessageTypeError, fmt.Sprintf("textlint is unavailable: %v", err))
		}
		return
	}

	diagnostics := BuildDiagnostics(messages, s.encoding(), text)
	s.publishMu.Lock()
	defer s.publishMu.Unlock()
	if !s.store.CommitLint(uri, session, version, text, messages) {
		lintLogger.Debug("Discarding lint result for closed or newer document")
		return
	}
	s.publishDiagnostics(uri, &version, diagnostics)
}

// lintDocument schedules a lint of the tracked document at uri.
func (s *Server) lintDocument(uri DocumentURI, fallback string) {
	entry, ok := s.store.Get(uri)
	if !ok {
		return
	}
	s.scheduleLint(uri, entry.Session, entry.Version, fallback)
}

// relintAll invalidates cached results and lints every tracked document again.
func (s *Server) relintAll(reason string) {
	s.linter.Invalidate()
	uris := s.store.URIs()
	s.logger.Info("Re-linting open documents", "reason", reason, "count", len(uris))
	for _, uri := range uris {
		entry, ok := s.store.Get(uri)
		if !ok {
			continue
		}
		fallback := entry.Live
		if entry.Linted {
			fallback = entry.Text
		}
		s.scheduleLint(uri, entry.Session, entry.Version, fallback)
	}
}

// ============================================================================
// LSP Notification Sending Helpers
// ============================================================================

func (s *Server) sendShowMessage(msgType MessageType, message string) {
	conn := s.conn.Load()
	if conn == nil {
		s.logger.Warn("Cannot send showMessage: connection is nil")
		return
	}
	params := ShowMessageParams{Type: msgType, Message: message}
	if err := conn.Notify(context.Background(), "window/showMessage", params); err != nil {
		s.logger.Error("Failed to send window/showMessage notification", "error", err, "message_type", msgType)
	} else {
		s.logger.Debug("Sent window/showMessage notification", "message_type", msgType)
	}
}

func (s *Server) publishDiagnostics(uri DocumentURI, version *int, diagnostics []LspDiagnostic) {
	conn := s.conn.Load()
	if conn == nil {
		s.logger.Warn("Cannot publish diagnostics: connection is nil", "uri", uri)
		return
	}
	params := PublishDiagnosticsParams{
		URI:         uri,
		Version:     version,
		Diagnostics: diagnostics,
	}
	if err := conn.Notify(context.Background(), "textDocument/publishDiagnostics", params); err != nil {
		s.logger.Error("Failed to send textDocument/publishDiagnostics notification", "error", err, "uri", uri, "diagnostic_count", len(diagnostics))
	} else {
		s.logger.Info("Published diagnostics", "uri", uri, "diagnostic_count", len(diagnostics))
	}
}

// ============================================================================
// Request Cancellation Tracker
// ============================================================================

// RequestTracker manages cancellation contexts for ongoing LSP requests.
type RequestTracker struct {
	mu       sync.Mutex
	requests map[jsonrpc2.ID]context.CancelFunc
}

// NewRequestTracker creates a new tracker.
func NewRequestTracker() *RequestTracker {
	return &RequestTracker{
		requests: make(map[jsonrpc2.ID]context.CancelFunc),
	}
}

// Add registers a request ID and returns the context the handler must use;
// it is cancelled by Cancel or Remove.
func (rt *RequestTracker) Add(id jsonrpc2.ID, ctx context.Context) context.Context {
	reqCtx, cancel := context.WithCancel(ctx)
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if prev, found := rt.requests[id]; found {
		prev()
	}
	rt.requests[id] = cancel
	return reqCtx
}

// Remove deregisters a request ID and releases its context.
func (rt *RequestTracker) Remove(id jsonrpc2.ID) {
	rt.mu.Lock()
	cancel, found := rt.requests[id]
	delete(rt.requests, id)
	rt.mu.Unlock()
	if found {
		cancel()
	}
}

// Cancel finds the cancel function for a request ID and calls it.
// Reports whether the request was still pending.
func (rt *RequestTracker) Cancel(id jsonrpc2.ID) bool {
	rt.mu.Lock()
	cancel, found := rt.requests[id]
	if found {
		delete(rt.requests, id) // Remove immediately
	}
	rt.mu.Unlock()

	if found {
		cancel() // Call outside lock
	}
	return found
}

// Count returns the number of currently tracked requests.
func (rt *RequestTracker) Count() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.requests)
}
