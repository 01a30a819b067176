// ichigyo/lsp_handlers_workspace.go
// Contains LSP method handlers related to workspace events (configuration and linter config changes).
package ichigyo

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/sourcegraph/jsonrpc2"
)

// ============================================================================
// LSP Workspace Method Handlers
// ============================================================================

// handleDidChangeConfiguration handles configuration changes from the client.
// Settings may be nested under the "ichigyo" key or sent flat.
func (s *Server) handleDidChangeConfiguration(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, params DidChangeConfigurationParams, logger *slog.Logger) (any, error) {
	configLogger := logger.With("settings_size", len(params.Settings))
	configLogger.Info("Handling workspace/didChangeConfiguration")

	fileCfg, err := decodeSettings(params.Settings)
	if err != nil {
		configLogger.Error("Failed to unmarshal workspace/didChangeConfiguration settings", "error", err, "raw_settings", string(params.Settings))
		return nil, nil
	}

	s.configMu.Lock()
	newConfig := s.config
	newConfig.TextlintArgs = append([]string(nil), s.config.TextlintArgs...)
	mergedFields := mergeFileConfig(&newConfig, fileCfg)
	if mergedFields == 0 {
		s.configMu.Unlock()
		configLogger.Debug("No relevant configuration changes found in workspace/didChangeConfiguration notification")
		return nil, nil
	}
	configLogger.Info("Applying configuration changes from client", "fields_merged", mergedFields)
	if err := newConfig.Validate(configLogger); err != nil {
		// Validate already replaced the offending values with defaults.
		configLogger.Warn("Client configuration had invalid values", "error", err)
		s.sendShowMessage(MessageTypeWarning, fmt.Sprintf("Invalid ichigyo settings, defaults applied: %v", err))
	}
	s.config = newConfig
	s.configMu.Unlock()

	if s.levelVar != nil {
		if newLevel, parseErr := ParseLogLevel(newConfig.LogLevel); parseErr == nil {
			s.levelVar.Set(newLevel)
			configLogger.Info("Updated server log level", "new_level", newLevel)
		}
	}

	s.linter.Configure(newConfig)
	if newConfig.WatchConfig {
		s.startWatcher(s.rootDir())
	} else {
		s.stopWatcher()
	}
	s.relintAll("configuration changed")
	return nil, nil
}

// decodeSettings extracts the ichigyo section from a settings payload.
func decodeSettings(raw json.RawMessage) (FileConfig, error) {
	var fileCfg FileConfig
	if len(raw) == 0 || string(raw) == "null" {
		return fileCfg, nil
	}
	var sections map[string]json.RawMessage
	if err := json.Unmarshal(raw, &sections); err != nil {
		return fileCfg, err
	}
	if nested, ok := sections[configSettingsSection]; ok {
		err := json.Unmarshal(nested, &fileCfg)
		return fileCfg, err
	}
	err := json.Unmarshal(raw, &fileCfg)
	return fileCfg, err
}

// ============================================================================
// Linter Config Watching
// ============================================================================

// startWatcher watches dir for textlint config changes. No-op when dir is
// empty or a watcher is already running.
func (s *Server) startWatcher(dir string) {
	if dir == "" {
		return
	}
	s.watcherMu.Lock()
	defer s.watcherMu.Unlock()
	if s.watcher != nil {
		return
	}
	w, err := NewConfigWatcher(dir, watchDebounce, s.onLinterConfigChange, s.logger)
	if err != nil {
		s.logger.Warn("Could not watch linter configuration", "dir", dir, "error", err)
		return
	}
	s.watcher = w
}

func (s *Server) stopWatcher() {
	s.watcherMu.Lock()
	w := s.watcher
	s.watcher = nil
	s.watcherMu.Unlock()
	if w != nil {
		w.Stop()
	}
}

// onLinterConfigChange re-lints everything once a textlint config file changed.
func (s *Server) onLinterConfigChange(path string) {
	if s.shutdown.Load() {
		return
	}
	s.relintAll("linter config changed: " + path)
}
