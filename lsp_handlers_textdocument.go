// ichigyo/lsp_handlers_textdocument.go
// Contains LSP method handlers related to text document synchronization and quick fixes
// (didOpen, didChange, didSave, didClose, codeAction).
package ichigyo

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/sourcegraph/jsonrpc2"
)

// ============================================================================
// LSP Text Document Method Handlers
// ============================================================================

// handleDidOpen handles the 'textDocument/didOpen' notification.
// It records the buffer and lints it in the background.
func (s *Server) handleDidOpen(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, params DidOpenTextDocumentParams, logger *slog.Logger) (any, error) {
	uri := params.TextDocument.URI
	version := params.TextDocument.Version
	text := params.TextDocument.Text
	openLogger := logger.With("uri", uri, "version", version, "size", len(text))
	openLogger.Info("Handling textDocument/didOpen")

	// Validate URI before touching the store.
	if _, pathErr := ValidateAndGetFilePath(string(uri), openLogger); pathErr != nil {
		openLogger.Error("Invalid URI in didOpen, ignoring document", "error", pathErr)
		s.sendShowMessage(MessageTypeError, fmt.Sprintf("Invalid document URI: %v", pathErr))
		return nil, nil
	}

	s.store.UpdateText(uri, version, text)
	s.lintDocument(uri, text)
	return nil, nil
}

// handleDidChange handles the 'textDocument/didChange' notification.
// Only full sync is supported, so the last change carries the whole buffer.
// Edits are not linted: the linter reads the file from disk, which only
// matches the buffer after a save.
func (s *Server) handleDidChange(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, params DidChangeTextDocumentParams, logger *slog.Logger) (any, error) {
	uri := params.TextDocument.URI
	version := params.TextDocument.Version
	changeLogger := logger.With("uri", uri, "new_version", version)

	if len(params.ContentChanges) == 0 {
		changeLogger.Warn("Received didChange notification with no content changes")
		return nil, nil
	}
	if _, pathErr := ValidateAndGetFilePath(string(uri), changeLogger); pathErr != nil {
		changeLogger.Error("Invalid URI in didChange", "error", pathErr)
		return nil, nil
	}

	text := params.ContentChanges[len(params.ContentChanges)-1].Text
	changeLogger.Debug("Handling textDocument/didChange", "new_size", len(text))
	if !s.store.UpdateText(uri, version, text) {
		changeLogger.Warn("Ignoring out-of-order didChange notification")
	}
	return nil, nil
}

// handleDidSave handles the 'textDocument/didSave' notification.
// The saved text comes from the notification when the client includes it,
// otherwise from the last buffer content seen for the document.
func (s *Server) handleDidSave(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, params DidSaveTextDocumentParams, logger *slog.Logger) (any, error) {
	uri := params.TextDocument.URI
	saveLogger := logger.With("uri", uri)
	saveLogger.Info("Handling textDocument/didSave")

	if _, pathErr := ValidateAndGetFilePath(string(uri), saveLogger); pathErr != nil {
		saveLogger.Error("Invalid URI in didSave", "error", pathErr)
		return nil, nil
	}

	entry, known := s.store.Get(uri)
	var text string
	switch {
	case params.Text != nil:
		text = *params.Text
	case known:
		text = entry.Live
	default:
		saveLogger.Warn("didSave for unknown document without text, ignoring")
		return nil, nil
	}

	if params.Text != nil {
		s.store.UpdateText(uri, entry.Version, text)
	}
	s.lintDocument(uri, text)
	return nil, nil
}

// handleDidClose handles the 'textDocument/didClose' notification.
// It forgets the document and clears its diagnostics. Lints still in flight
// for the document are discarded when they finish.
func (s *Server) handleDidClose(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, params DidCloseTextDocumentParams, logger *slog.Logger) (any, error) {
	uri := params.TextDocument.URI
	closeLogger := logger.With("uri", uri)
	closeLogger.Info("Handling textDocument/didClose")

	s.publishMu.Lock()
	defer s.publishMu.Unlock()
	s.store.Remove(uri)
	s.publishDiagnostics(uri, nil, []LspDiagnostic{}) // Clear diagnostics
	return nil, nil
}

// handleCodeAction handles the 'textDocument/codeAction' request.
// It offers one quick fix per linter fix on the requested lines, computed
// against the last linted snapshot. Returns null when there is nothing to offer.
func (s *Server) handleCodeAction(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, params CodeActionParams, logger *slog.Logger) (any, error) {
	uri := params.TextDocument.URI
	actionLogger := logger.With("uri", uri, "start_line", params.Range.Start.Line, "end_line", params.Range.End.Line)
	actionLogger.Info("Handling textDocument/codeAction")

	if !wantsQuickFix(params.Context.Only) {
		actionLogger.Debug("Client filtered out quick fixes", "only", params.Context.Only)
		return nil, nil
	}

	entry, ok := s.store.Get(uri)
	if !ok || !entry.Linted {
		actionLogger.Debug("No lint result for document")
		return nil, nil
	}

	enc := s.encoding()
	lines := LineRange{Start: int(params.Range.Start.Line), End: int(params.Range.End.Line)}
	fixes := BuildFixes(entry.Text, entry.Messages, lines, enc)
	if len(fixes) == 0 {
		return nil, nil
	}

	actions := make([]CodeAction, 0, len(fixes))
	for _, fix := range fixes {
		actions = append(actions, CodeAction{
			Title:       fix.Title,
			Kind:        CodeActionKindQuickFix,
			Diagnostics: []LspDiagnostic{messageToDiagnostic(fix.Message, enc, entry.Text)},
			Edit: &WorkspaceEdit{
				Changes: map[DocumentURI][]TextEdit{
					uri: {{Range: fix.Range, NewText: fix.NewText}},
				},
			},
		})
	}
	s.metrics.addCodeActions(len(actions))
	actionLogger.Debug("Offering quick fixes", "count", len(actions))
	return actions, nil
}

// wantsQuickFix reports whether a context.only filter admits quick fixes.
// An empty filter admits every kind.
func wantsQuickFix(only []CodeActionKind) bool {
	if len(only) == 0 {
		return true
	}
	return slices.Contains(only, CodeActionKindQuickFix)
}
