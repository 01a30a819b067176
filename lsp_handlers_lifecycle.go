// ichigyo/lsp_handlers_lifecycle.go
// Contains LSP method handlers related to the server lifecycle (initialize, shutdown, exit).
package ichigyo

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/sourcegraph/jsonrpc2"
)

// ============================================================================
// LSP Lifecycle Method Handlers
// ============================================================================

// handleInitialize handles the 'initialize' request.
// It fixes the position encoding and workspace root for the session and
// returns server capabilities.
func (s *Server) handleInitialize(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, params InitializeParams, logger *slog.Logger) (any, error) {
	if params.ClientInfo != nil {
		logger = logger.With("client_name", params.ClientInfo.Name, "client_version", params.ClientInfo.Version)
	}
	logger.Info("Handling initialize request")

	if s.session.Load() != nil {
		logger.Warn("Duplicate initialize request")
		return nil, &jsonrpc2.Error{Code: int64(JsonRpcInvalidRequest), Message: "Server already initialized"}
	}

	cfg := s.currentConfig()
	var clientEncodings []string
	if params.Capabilities.General != nil {
		clientEncodings = params.Capabilities.General.PositionEncodings
	}
	encoding := NegotiatePositionEncoding(clientEncodings, cfg.PreferredEncodings())
	rootDir := resolveRootDir(params, logger)

	if !s.session.CompareAndSwap(nil, &sessionState{encoding: encoding, rootDir: rootDir}) {
		return nil, &jsonrpc2.Error{Code: int64(JsonRpcInvalidRequest), Message: "Server already initialized"}
	}

	if cfg.WatchConfig {
		s.startWatcher(rootDir)
	}

	result := InitializeResult{
		Capabilities: ServerCapabilities{
			PositionEncoding: encoding,
			TextDocumentSync: &TextDocumentSyncOptions{
				OpenClose: true,
				Change:    TextDocumentSyncKindFull, // Only support full document sync
				Save:      &SaveOptions{IncludeText: true},
			},
			CodeActionProvider: &CodeActionOptions{
				CodeActionKinds: []CodeActionKind{CodeActionKindQuickFix},
			},
		},
		ServerInfo: s.serverInfo,
	}

	logger.Info("Initialization successful", "position_encoding", encoding, "root_dir", rootDir)
	return result, nil
}

// resolveRootDir picks the workspace root from rootUri, then rootPath.
// An unusable root is logged and treated as absent.
func resolveRootDir(params InitializeParams, logger *slog.Logger) string {
	if params.RootURI != "" {
		dir, err := ValidateAndGetFilePath(string(params.RootURI), logger)
		if err == nil {
			return dir
		}
		logger.Warn("Ignoring unusable rootUri", "root_uri", params.RootURI, "error", err)
	}
	if params.RootPath != "" {
		if dir, err := filepath.Abs(params.RootPath); err == nil {
			return dir
		}
	}
	return ""
}

// handleShutdown handles the 'shutdown' request.
// The server stops watching files and refuses further requests, but keeps the
// connection open until 'exit'.
func (s *Server) handleShutdown(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, logger *slog.Logger) (any, error) {
	logger.Info("Handling shutdown request")
	s.shutdown.Store(true)
	s.stopWatcher()
	return nil, nil
}

// handleExit handles the 'exit' notification.
// Closing the connection signals the Run loop to return.
func (s *Server) handleExit(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, logger *slog.Logger) (any, error) {
	logger.Info("Handling exit notification", "clean_shutdown", s.shutdown.Load())
	if err := conn.Close(); err != nil {
		logger.Debug("Connection already closed", "error", err)
	}
	return nil, nil
}

// ShutdownRequested reports whether the client sent 'shutdown' before exiting.
func (s *Server) ShutdownRequested() bool {
	return s.shutdown.Load()
}
