// ichigyo/lsp_server_test.go
package ichigyo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sourcegraph/jsonrpc2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testDocText     = "hello world\nsecond line\n"
	testEditedText  = "well, hello world\nsecond line\n"
	waitForNotify   = 5 * time.Second
	quietPeriod     = 200 * time.Millisecond
	testServerLabel = "test"
)

// testLinterResults carries one fixable warning on line 1 and one plain error on line 2.
var testLinterResults = []LinterResult{{
	FilePath: "doc.md",
	Messages: []LinterMessage{
		{RuleID: "r1", Message: "say there", Line: 1, Column: 7, Severity: SeverityWarning, Fix: &LinterFix{Range: [2]int{6, 11}, Text: "there"}},
		{RuleID: "r2", Message: "no fix here", Line: 2, Column: 1, Severity: SeverityError},
	},
}}

// diskRunner reports the content of the linted file as the message of its
// only finding, so tests can tell which text a lint result came from.
func diskRunner() Runner {
	return RunnerFunc(func(ctx context.Context, filePath, workDir string) ([]LinterResult, error) {
		data, err := os.ReadFile(filePath)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrLinterFailed, err)
		}
		return []LinterResult{{
			FilePath: filePath,
			Messages: []LinterMessage{{RuleID: "disk", Message: string(data), Line: 1, Column: 1, Severity: SeverityError}},
		}}, nil
	})
}

// lspClient drives a Server over an in-memory pipe.
type lspClient struct {
	conn    *jsonrpc2.Conn
	server  *Server
	metrics *Metrics
	diags   chan PublishDiagnosticsParams
	shown   chan ShowMessageParams
	done    chan struct{} // Closed when Server.Run returns.
	rootDir string
}

type testServerOptions struct {
	runner   Runner
	cfg      *Config
	levelVar *slog.LevelVar
	cache    bool
}

func newTestClient(t *testing.T, opts testServerOptions) *lspClient {
	t.Helper()
	if opts.runner == nil {
		opts.runner = StaticRunner{Results: testLinterResults}
	}
	cfg := getDefaultConfig()
	cfg.WatchConfig = false
	if opts.cfg != nil {
		cfg = *opts.cfg
	}

	var cache *LintCache
	if opts.cache {
		var err error
		cache, err = NewLintCache(0, 0)
		require.NoError(t, err)
		t.Cleanup(cache.Close)
	}

	metrics := NewMetrics()
	linter := NewLinter(opts.runner, cache, metrics, quietLogger())
	serverOpts := []ServerOption{WithMetrics(metrics)}
	if opts.levelVar != nil {
		serverOpts = append(serverOpts, WithLevelVar(opts.levelVar))
	}
	server := NewServer(linter, cfg, quietLogger(), testServerLabel, serverOpts...)

	serverSide, clientSide := net.Pipe()
	c := &lspClient{
		server:  server,
		metrics: metrics,
		diags:   make(chan PublishDiagnosticsParams, 64),
		shown:   make(chan ShowMessageParams, 64),
		done:    make(chan struct{}),
		rootDir: t.TempDir(),
	}
	go func() {
		defer close(c.done)
		server.Run(serverSide, serverSide)
	}()

	handler := jsonrpc2.HandlerWithError(func(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) (any, error) {
		if req.Params == nil {
			return nil, nil
		}
		switch req.Method {
		case "textDocument/publishDiagnostics":
			var p PublishDiagnosticsParams
			if err := json.Unmarshal(*req.Params, &p); err == nil {
				c.diags <- p
			}
		case "window/showMessage":
			var p ShowMessageParams
			if err := json.Unmarshal(*req.Params, &p); err == nil {
				c.shown <- p
			}
		}
		return nil, nil
	})
	c.conn = jsonrpc2.NewConn(context.Background(), jsonrpc2.NewBufferedStream(clientSide, jsonrpc2.VSCodeObjectCodec{}), handler)

	t.Cleanup(func() {
		c.conn.Close()
		clientSide.Close()
		serverSide.Close()
		select {
		case <-c.done:
		case <-time.After(waitForNotify):
			t.Error("server did not stop after the connection closed")
		}
	})
	return c
}

func (c *lspClient) call(t *testing.T, method string, params any) (json.RawMessage, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitForNotify)
	defer cancel()
	var result json.RawMessage
	err := c.conn.Call(ctx, method, params, &result)
	return result, err
}

func (c *lspClient) notify(t *testing.T, method string, params any) {
	t.Helper()
	require.NoError(t, c.conn.Notify(context.Background(), method, params))
}

func (c *lspClient) initialize(t *testing.T, encodings ...string) InitializeResult {
	t.Helper()
	params := InitializeParams{
		RootURI:    PathToURI(c.rootDir),
		ClientInfo: &ClientInfo{Name: "test-client", Version: "0.0.1"},
	}
	if len(encodings) > 0 {
		params.Capabilities.General = &GeneralClientCapabilities{PositionEncodings: encodings}
	}
	raw, err := c.call(t, "initialize", params)
	require.NoError(t, err)
	var result InitializeResult
	require.NoError(t, json.Unmarshal(raw, &result))
	c.notify(t, "initialized", struct{}{})
	return result
}

// docURI returns the URI of a document inside the workspace root.
func (c *lspClient) docURI(name string) DocumentURI {
	return PathToURI(filepath.Join(c.rootDir, name))
}

func (c *lspClient) open(t *testing.T, uri DocumentURI, version int, text string) {
	t.Helper()
	c.notify(t, "textDocument/didOpen", DidOpenTextDocumentParams{
		TextDocument: TextDocumentItem{URI: uri, LanguageID: "markdown", Version: version, Text: text},
	})
}

func (c *lspClient) codeActions(t *testing.T, uri DocumentURI, startLine, endLine uint32, only ...CodeActionKind) []CodeAction {
	t.Helper()
	raw, err := c.call(t, "textDocument/codeAction", CodeActionParams{
		TextDocument: TextDocumentIdentifier{URI: uri},
		Range:        LSPRange{Start: LSPPosition{Line: startLine}, End: LSPPosition{Line: endLine}},
		Context:      CodeActionContext{Diagnostics: []LspDiagnostic{}, Only: only},
	})
	require.NoError(t, err)
	if string(raw) == "null" {
		return nil
	}
	var actions []CodeAction
	require.NoError(t, json.Unmarshal(raw, &actions))
	require.NotEmpty(t, actions, "an empty array should have been null")
	return actions
}

func (c *lspClient) waitDiagnostics(t *testing.T) PublishDiagnosticsParams {
	t.Helper()
	select {
	case p := <-c.diags:
		return p
	case <-time.After(waitForNotify):
		t.Fatal("timed out waiting for publishDiagnostics")
		return PublishDiagnosticsParams{}
	}
}

func (c *lspClient) expectNoDiagnostics(t *testing.T) {
	t.Helper()
	select {
	case p := <-c.diags:
		t.Fatalf("unexpected publishDiagnostics: %+v", p)
	case <-time.After(quietPeriod):
	}
}

func (c *lspClient) waitShowMessage(t *testing.T) ShowMessageParams {
	t.Helper()
	select {
	case p := <-c.shown:
		return p
	case <-time.After(waitForNotify):
		t.Fatal("timed out waiting for window/showMessage")
		return ShowMessageParams{}
	}
}

func rpcCode(t *testing.T, err error) int64 {
	t.Helper()
	var rpcErr *jsonrpc2.Error
	require.True(t, errors.As(err, &rpcErr), "expected a JSON-RPC error, got %v", err)
	return rpcErr.Code
}

// =============================================================================
// Lifecycle
// =============================================================================

func TestServer_RequestBeforeInitialize(t *testing.T) {
	c := newTestClient(t, testServerOptions{})

	_, err := c.call(t, "textDocument/codeAction", CodeActionParams{TextDocument: TextDocumentIdentifier{URI: c.docURI("a.md")}})
	assert.EqualValues(t, JsonRpcServerNotInitialized, rpcCode(t, err))

	_, err = c.call(t, "shutdown", nil)
	assert.EqualValues(t, JsonRpcServerNotInitialized, rpcCode(t, err))
}

func TestServer_InitializeNegotiatesEncoding(t *testing.T) {
	tests := []struct {
		name   string
		client []string
		want   PositionEncoding
	}{
		{"No client preference", nil, PositionEncodingUTF16},
		{"Server preference wins", []string{"utf-8", "utf-16"}, PositionEncodingUTF16},
		{"Client only offers utf-8", []string{"utf-8"}, PositionEncodingUTF8},
		{"Client only offers utf-32", []string{"utf-32"}, PositionEncodingUTF32},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, testServerOptions{})
			result := c.initialize(t, tt.client...)
			assert.Equal(t, tt.want, result.Capabilities.PositionEncoding)
			assert.Equal(t, tt.want, c.server.encoding())
		})
	}
}

func TestServer_InitializeCapabilities(t *testing.T) {
	c := newTestClient(t, testServerOptions{})
	result := c.initialize(t)

	require.NotNil(t, result.Capabilities.TextDocumentSync)
	assert.True(t, result.Capabilities.TextDocumentSync.OpenClose)
	assert.Equal(t, TextDocumentSyncKindFull, result.Capabilities.TextDocumentSync.Change)
	require.NotNil(t, result.Capabilities.TextDocumentSync.Save)
	assert.True(t, result.Capabilities.TextDocumentSync.Save.IncludeText)
	require.NotNil(t, result.Capabilities.CodeActionProvider)
	assert.Equal(t, []CodeActionKind{CodeActionKindQuickFix}, result.Capabilities.CodeActionProvider.CodeActionKinds)
	require.NotNil(t, result.ServerInfo)
	assert.Equal(t, "ichigyo-ls", result.ServerInfo.Name)
	assert.Equal(t, testServerLabel, result.ServerInfo.Version)

	wantRoot, _ := filepath.Abs(c.rootDir)
	assert.Equal(t, wantRoot, c.server.rootDir())

	_, err := c.call(t, "initialize", InitializeParams{})
	assert.EqualValues(t, JsonRpcInvalidRequest, rpcCode(t, err), "initialize is accepted once")
}

func TestServer_ShutdownAndExit(t *testing.T) {
	c := newTestClient(t, testServerOptions{})
	c.initialize(t)

	raw, err := c.call(t, "shutdown", nil)
	require.NoError(t, err)
	assert.Equal(t, "null", string(raw))
	assert.True(t, c.server.ShutdownRequested())

	_, err = c.call(t, "textDocument/codeAction", CodeActionParams{TextDocument: TextDocumentIdentifier{URI: c.docURI("a.md")}})
	assert.EqualValues(t, JsonRpcInvalidRequest, rpcCode(t, err))

	c.notify(t, "exit", nil)
	select {
	case <-c.done:
	case <-time.After(waitForNotify):
		t.Fatal("Run did not return after exit")
	}
}

func TestServer_UnknownMethods(t *testing.T) {
	c := newTestClient(t, testServerOptions{})
	c.initialize(t)

	_, err := c.call(t, "textDocument/hover", map[string]any{})
	assert.EqualValues(t, JsonRpcMethodNotFound, rpcCode(t, err))

	c.notify(t, "$/setTrace", map[string]string{"value": "off"})
	_, err = c.call(t, "shutdown", nil)
	assert.NoError(t, err, "server keeps serving after an unknown notification")
}

// =============================================================================
// Document Synchronization
// =============================================================================

func TestServer_DidOpenPublishesDiagnostics(t *testing.T) {
	c := newTestClient(t, testServerOptions{})
	c.initialize(t)
	uri := c.docURI("doc.md")

	c.open(t, uri, 1, testDocText)
	p := c.waitDiagnostics(t)

	assert.Equal(t, uri, p.URI)
	require.NotNil(t, p.Version)
	assert.Equal(t, 1, *p.Version)
	require.Len(t, p.Diagnostics, 2)

	first := p.Diagnostics[0]
	assert.Equal(t, LspSeverityWarning, first.Severity)
	assert.Equal(t, LSPRange{Start: LSPPosition{0, 6}, End: LSPPosition{0, 6}}, first.Range)
	assert.Equal(t, "r1", first.Code)
	assert.Equal(t, "textlint", first.Source)
	assert.Equal(t, "say there", first.Message)

	second := p.Diagnostics[1]
	assert.Equal(t, LspSeverityError, second.Severity)
	assert.Equal(t, LSPPosition{1, 0}, second.Range.Start)

	entry, ok := c.server.store.Get(uri)
	require.True(t, ok)
	assert.Equal(t, testDocText, entry.Text)
	assert.True(t, entry.Linted)
}

func TestServer_InvalidURIIsRejected(t *testing.T) {
	c := newTestClient(t, testServerOptions{})
	c.initialize(t)

	c.open(t, "http://example.com/doc.md", 1, testDocText)
	msg := c.waitShowMessage(t)
	assert.Equal(t, MessageTypeError, msg.Type)
	c.expectNoDiagnostics(t)
	assert.Zero(t, c.server.store.Len())

	c.notify(t, "textDocument/didChange", DidChangeTextDocumentParams{
		TextDocument:   VersionedTextDocumentIdentifier{TextDocumentIdentifier: TextDocumentIdentifier{URI: "http://example.com/doc.md"}, Version: 2},
		ContentChanges: []TextDocumentContentChangeEvent{{Text: "x"}},
	})
	c.expectNoDiagnostics(t)
	assert.Zero(t, c.server.store.Len())
}

func TestServer_DidChangeKeepsLintSnapshot(t *testing.T) {
	c := newTestClient(t, testServerOptions{})
	c.initialize(t)
	uri := c.docURI("doc.md")

	c.open(t, uri, 1, testDocText)
	c.waitDiagnostics(t)

	c.notify(t, "textDocument/didChange", DidChangeTextDocumentParams{
		TextDocument:   VersionedTextDocumentIdentifier{TextDocumentIdentifier: TextDocumentIdentifier{URI: uri}, Version: 2},
		ContentChanges: []TextDocumentContentChangeEvent{{Text: testEditedText}},
	})
	c.expectNoDiagnostics(t)

	entry, ok := c.server.store.Get(uri)
	require.True(t, ok)
	assert.Equal(t, testDocText, entry.Text, "fixes stay anchored to the linted text")
	assert.Equal(t, testEditedText, entry.Live)
	assert.Equal(t, 2, entry.Version)

	// Quick fixes are still computed against the linted snapshot.
	actions := c.codeActions(t, uri, 0, 0)
	require.Len(t, actions, 1)
	edit := actions[0].Edit.Changes[uri][0]
	assert.Equal(t, LSPRange{Start: LSPPosition{0, 6}, End: LSPPosition{0, 11}}, edit.Range)

	// Saving lints the edited buffer at the new version.
	c.notify(t, "textDocument/didSave", DidSaveTextDocumentParams{TextDocument: TextDocumentIdentifier{URI: uri}})
	p := c.waitDiagnostics(t)
	require.NotNil(t, p.Version)
	assert.Equal(t, 2, *p.Version)
	entry, _ = c.server.store.Get(uri)
	assert.Equal(t, testEditedText, entry.Text)
}

func TestServer_DidSave(t *testing.T) {
	t.Run("Unknown document without text is ignored", func(t *testing.T) {
		c := newTestClient(t, testServerOptions{})
		c.initialize(t)
		c.notify(t, "textDocument/didSave", DidSaveTextDocumentParams{TextDocument: TextDocumentIdentifier{URI: c.docURI("doc.md")}})
		c.expectNoDiagnostics(t)
		assert.Zero(t, c.server.store.Len())
	})

	t.Run("Included text is linted", func(t *testing.T) {
		c := newTestClient(t, testServerOptions{})
		c.initialize(t)
		uri := c.docURI("doc.md")
		text := "saved text\n"
		c.notify(t, "textDocument/didSave", DidSaveTextDocumentParams{TextDocument: TextDocumentIdentifier{URI: uri}, Text: &text})
		p := c.waitDiagnostics(t)
		assert.Equal(t, uri, p.URI)

		entry, ok := c.server.store.Get(uri)
		require.True(t, ok)
		assert.Equal(t, text, entry.Text)
	})
}

func TestServer_DidClose(t *testing.T) {
	c := newTestClient(t, testServerOptions{})
	c.initialize(t)
	uri := c.docURI("doc.md")

	c.open(t, uri, 1, testDocText)
	c.waitDiagnostics(t)

	c.notify(t, "textDocument/didClose", DidCloseTextDocumentParams{TextDocument: TextDocumentIdentifier{URI: uri}})
	p := c.waitDiagnostics(t)
	assert.Equal(t, uri, p.URI)
	assert.Nil(t, p.Version)
	assert.NotNil(t, p.Diagnostics)
	assert.Empty(t, p.Diagnostics)
	assert.Zero(t, c.server.store.Len())

	assert.Nil(t, c.codeActions(t, uri, 0, 10), "closed documents offer no fixes")
}

func TestServer_LintFailures(t *testing.T) {
	t.Run("Unavailable linter is reported", func(t *testing.T) {
		runner := RunnerFunc(func(ctx context.Context, filePath, workDir string) ([]LinterResult, error) {
			return nil, ErrLinterUnavailable
		})
		c := newTestClient(t, testServerOptions{runner: runner})
		c.initialize(t)
		c.open(t, c.docURI("doc.md"), 1, testDocText)

		msg := c.waitShowMessage(t)
		assert.Equal(t, MessageTypeError, msg.Type)
		c.expectNoDiagnostics(t)
	})

	t.Run("Failed run publishes nothing", func(t *testing.T) {
		runner := RunnerFunc(func(ctx context.Context, filePath, workDir string) ([]LinterResult, error) {
			return nil, ErrLinterFailed
		})
		c := newTestClient(t, testServerOptions{runner: runner})
		c.initialize(t)
		uri := c.docURI("doc.md")
		c.open(t, uri, 1, testDocText)

		c.expectNoDiagnostics(t)
		entry, ok := c.server.store.Get(uri)
		require.True(t, ok)
		assert.False(t, entry.Linted)
	})
}

func TestServer_LintsFromWorkspaceRoot(t *testing.T) {
	var gotFile, gotDir string
	seen := make(chan struct{}, 1)
	runner := RunnerFunc(func(ctx context.Context, filePath, workDir string) ([]LinterResult, error) {
		gotFile, gotDir = filePath, workDir
		seen <- struct{}{}
		return nil, nil
	})
	c := newTestClient(t, testServerOptions{runner: runner})
	c.initialize(t)
	uri := c.docURI(filepath.Join("docs", "guide.md"))
	c.open(t, uri, 1, "")

	p := c.waitDiagnostics(t)
	<-seen
	assert.Empty(t, p.Diagnostics)
	wantRoot, _ := filepath.Abs(c.rootDir)
	assert.Equal(t, wantRoot, gotDir)
	assert.Equal(t, filepath.Join(wantRoot, "docs", "guide.md"), gotFile)
}

func TestServer_LintSnapshotIsFileContent(t *testing.T) {
	c := newTestClient(t, testServerOptions{runner: diskRunner(), cache: true})
	c.initialize(t)
	path := filepath.Join(c.rootDir, "doc.md")
	require.NoError(t, os.WriteFile(path, []byte("X"), 0o644))
	uri := c.docURI("doc.md")

	c.open(t, uri, 1, "X")
	p := c.waitDiagnostics(t)
	require.Len(t, p.Diagnostics, 1)
	assert.Equal(t, "X", p.Diagnostics[0].Message)

	// Unsaved edit, then a settings change re-lints every open document.
	c.notify(t, "textDocument/didChange", DidChangeTextDocumentParams{
		TextDocument:   VersionedTextDocumentIdentifier{TextDocumentIdentifier: TextDocumentIdentifier{URI: uri}, Version: 2},
		ContentChanges: []TextDocumentContentChangeEvent{{Text: "Y"}},
	})
	c.notify(t, "workspace/didChangeConfiguration", DidChangeConfigurationParams{
		Settings: json.RawMessage(`{"ichigyo": {"log_level": "info"}}`),
	})
	p = c.waitDiagnostics(t)
	require.Len(t, p.Diagnostics, 1)
	assert.Equal(t, "X", p.Diagnostics[0].Message)

	entry, ok := c.server.store.Get(uri)
	require.True(t, ok)
	assert.Equal(t, "X", entry.Text, "the snapshot is the file the linter read")
	assert.Equal(t, "X", entry.Messages[0].Message)
	assert.Equal(t, "Y", entry.Live)

	// Saving the edit must not reuse the result computed for the old file.
	require.NoError(t, os.WriteFile(path, []byte("Y"), 0o644))
	c.notify(t, "textDocument/didSave", DidSaveTextDocumentParams{TextDocument: TextDocumentIdentifier{URI: uri}})
	p = c.waitDiagnostics(t)
	require.Len(t, p.Diagnostics, 1)
	assert.Equal(t, "Y", p.Diagnostics[0].Message)

	entry, _ = c.server.store.Get(uri)
	assert.Equal(t, "Y", entry.Text)
	assert.Equal(t, "Y", entry.Messages[0].Message)
}

func TestServer_CloseDuringLint(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	var releaseOnce sync.Once
	runner := RunnerFunc(func(ctx context.Context, filePath, workDir string) ([]LinterResult, error) {
		started <- struct{}{}
		<-release
		return testLinterResults, nil
	})
	c := newTestClient(t, testServerOptions{runner: runner})
	t.Cleanup(func() { releaseOnce.Do(func() { close(release) }) })
	c.initialize(t)
	uri := c.docURI("doc.md")

	c.open(t, uri, 1, testDocText)
	select {
	case <-started:
	case <-time.After(waitForNotify):
		t.Fatal("lint did not start")
	}

	c.notify(t, "textDocument/didClose", DidCloseTextDocumentParams{TextDocument: TextDocumentIdentifier{URI: uri}})
	p := c.waitDiagnostics(t)
	assert.Empty(t, p.Diagnostics)

	releaseOnce.Do(func() { close(release) })
	c.server.lints.Wait()

	c.expectNoDiagnostics(t)
	assert.Zero(t, c.server.store.Len(), "a finished lint must not reopen the document")
	assert.Nil(t, c.codeActions(t, uri, 0, 10))
}

// =============================================================================
// Code Actions
// =============================================================================

func TestServer_CodeAction(t *testing.T) {
	c := newTestClient(t, testServerOptions{})
	c.initialize(t)
	uri := c.docURI("doc.md")

	assert.Nil(t, c.codeActions(t, uri, 0, 0), "unknown document")

	c.open(t, uri, 1, testDocText)
	c.waitDiagnostics(t)

	tests := []struct {
		name      string
		start     uint32
		end       uint32
		only      []CodeActionKind
		wantCount int
	}{
		{"Line with fix", 0, 0, nil, 1},
		{"Whole document", 0, 5, nil, 1},
		{"Line without fix", 1, 1, nil, 0},
		{"Outside document", 10, 20, nil, 0},
		{"Only quickfix", 0, 0, []CodeActionKind{CodeActionKindQuickFix}, 1},
		{"Only refactor", 0, 0, []CodeActionKind{"refactor"}, 0},
		{"Only source", 0, 0, []CodeActionKind{"source.fixAll"}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			actions := c.codeActions(t, uri, tt.start, tt.end, tt.only...)
			assert.Len(t, actions, tt.wantCount)
		})
	}

	actions := c.codeActions(t, uri, 0, 0)
	require.Len(t, actions, 1)
	action := actions[0]
	assert.Equal(t, "Fix: say there (r1)", action.Title)
	assert.Equal(t, CodeActionKindQuickFix, action.Kind)
	require.Len(t, action.Diagnostics, 1)
	assert.Equal(t, "r1", action.Diagnostics[0].Code)
	require.NotNil(t, action.Edit)
	require.Len(t, action.Edit.Changes[uri], 1)
	assert.Equal(t, TextEdit{
		Range:   LSPRange{Start: LSPPosition{0, 6}, End: LSPPosition{0, 11}},
		NewText: "there",
	}, action.Edit.Changes[uri][0])

	assert.Positive(t, testutil.ToFloat64(c.metrics.codeActions))
}

// =============================================================================
// Workspace
// =============================================================================

func TestServer_DidChangeConfiguration(t *testing.T) {
	levelVar := new(slog.LevelVar)
	c := newTestClient(t, testServerOptions{levelVar: levelVar})
	c.initialize(t)
	uri := c.docURI("doc.md")
	c.open(t, uri, 1, testDocText)
	c.waitDiagnostics(t)

	c.notify(t, "workspace/didChangeConfiguration", DidChangeConfigurationParams{
		Settings: json.RawMessage(`{"ichigyo": {"log_level": "debug", "textlint_args": ["--rule", "preset-ja"]}}`),
	})
	p := c.waitDiagnostics(t)
	assert.Equal(t, uri, p.URI, "documents are re-linted after a settings change")
	assert.Equal(t, slog.LevelDebug, levelVar.Level())
	assert.Equal(t, []string{"--rule", "preset-ja"}, c.server.currentConfig().TextlintArgs)

	c.notify(t, "workspace/didChangeConfiguration", DidChangeConfigurationParams{
		Settings: json.RawMessage(`{"log_level": "error"}`),
	})
	c.waitDiagnostics(t)
	assert.Equal(t, slog.LevelError, levelVar.Level())

	c.notify(t, "workspace/didChangeConfiguration", DidChangeConfigurationParams{
		Settings: json.RawMessage(`{"unrelated": {"enabled": true}}`),
	})
	c.expectNoDiagnostics(t)

	c.notify(t, "workspace/didChangeConfiguration", DidChangeConfigurationParams{
		Settings: json.RawMessage(`{"ichigyo": {"log_level": "shouting"}}`),
	})
	msg := c.waitShowMessage(t)
	assert.Equal(t, MessageTypeWarning, msg.Type)
	c.waitDiagnostics(t)
	assert.Equal(t, defaultLogLevel, c.server.currentConfig().LogLevel)
}

func TestServer_ConfigWatcherRelints(t *testing.T) {
	cfg := getDefaultConfig()
	cfg.WatchConfig = true
	c := newTestClient(t, testServerOptions{cfg: &cfg})
	c.initialize(t)
	uri := c.docURI("doc.md")
	c.open(t, uri, 1, testDocText)
	c.waitDiagnostics(t)

	require.NoError(t, os.WriteFile(filepath.Join(c.rootDir, ".textlintrc.json"), []byte(`{"rules": {}}`), 0o644))
	p := c.waitDiagnostics(t)
	assert.Equal(t, uri, p.URI)
}

func TestDecodeSettings(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
		check   func(t *testing.T, fc FileConfig)
	}{
		{name: "Null", raw: "null", check: func(t *testing.T, fc FileConfig) { assert.Zero(t, mergeFileConfig(new(Config), fc)) }},
		{name: "Empty", raw: "", check: func(t *testing.T, fc FileConfig) { assert.Nil(t, fc.LogLevel) }},
		{
			name: "Nested section",
			raw:  `{"ichigyo": {"textlint_command": "/bin/textlint"}, "other": {"log_level": "debug"}}`,
			check: func(t *testing.T, fc FileConfig) {
				require.NotNil(t, fc.TextlintCommand)
				assert.Equal(t, "/bin/textlint", *fc.TextlintCommand)
				assert.Nil(t, fc.LogLevel)
			},
		},
		{
			name: "Flat settings",
			raw:  `{"lint_timeout_seconds": 12, "watch_config": false}`,
			check: func(t *testing.T, fc FileConfig) {
				require.NotNil(t, fc.LintTimeoutSeconds)
				assert.Equal(t, 12, *fc.LintTimeoutSeconds)
				require.NotNil(t, fc.WatchConfig)
				assert.False(t, *fc.WatchConfig)
			},
		},
		{name: "Not an object", raw: `[1, 2]`, wantErr: true},
		{name: "Wrong field type", raw: `{"ichigyo": {"lint_timeout_seconds": "soon"}}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc, err := decodeSettings(json.RawMessage(tt.raw))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.check(t, fc)
		})
	}
}

func TestWantsQuickFix(t *testing.T) {
	tests := []struct {
		only []CodeActionKind
		want bool
	}{
		{nil, true},
		{[]CodeActionKind{}, true},
		{[]CodeActionKind{"quickfix"}, true},
		{[]CodeActionKind{"refactor", "quickfix"}, true},
		{[]CodeActionKind{"refactor"}, false},
		{[]CodeActionKind{"quickfix.ichigyo"}, false},
		{[]CodeActionKind{"quick"}, false},
		{[]CodeActionKind{"source"}, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, wantsQuickFix(tt.only), "%v", tt.only)
	}
}

func TestCancelRequestID(t *testing.T) {
	tests := []struct {
		name   string
		id     any
		want   jsonrpc2.ID
		wantOK bool
	}{
		{"Integer", float64(7), jsonrpc2.ID{Num: 7}, true},
		{"Zero", float64(0), jsonrpc2.ID{Num: 0}, true},
		{"String", "abc", jsonrpc2.ID{Str: "abc", IsString: true}, true},
		{"Negative", float64(-1), jsonrpc2.ID{}, false},
		{"Fractional", 1.5, jsonrpc2.ID{}, false},
		{"Too large", float64(1 << 60), jsonrpc2.ID{}, false},
		{"Null", nil, jsonrpc2.ID{}, false},
		{"Bool", true, jsonrpc2.ID{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := cancelRequestID(tt.id)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

// =============================================================================
// Request Tracking
// =============================================================================

func TestRequestTracker(t *testing.T) {
	rt := NewRequestTracker()
	id1 := jsonrpc2.ID{Num: 1}
	id2 := jsonrpc2.ID{Str: "two", IsString: true}

	ctx1 := rt.Add(id1, context.Background())
	ctx2 := rt.Add(id2, context.Background())
	assert.Equal(t, 2, rt.Count())

	assert.True(t, rt.Cancel(id1))
	assert.ErrorIs(t, ctx1.Err(), context.Canceled)
	assert.NoError(t, ctx2.Err())
	assert.False(t, rt.Cancel(id1), "already cancelled")
	assert.Equal(t, 1, rt.Count())

	rt.Remove(id2)
	assert.ErrorIs(t, ctx2.Err(), context.Canceled, "remove releases the context")
	assert.Zero(t, rt.Count())
	rt.Remove(id2)

	reused := rt.Add(id1, context.Background())
	replacement := rt.Add(id1, context.Background())
	assert.ErrorIs(t, reused.Err(), context.Canceled, "a reused id cancels the earlier request")
	assert.NoError(t, replacement.Err())
	assert.Equal(t, 1, rt.Count())
}
