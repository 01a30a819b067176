// ichigyo/ichigyo_utils.go
package ichigyo

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// ============================================================================
// URI Helpers
// ============================================================================

// ValidateAndGetFilePath resolves a file:// URI (or a bare path) to an absolute
// filesystem path. Any other scheme is rejected with ErrInvalidURI.
func ValidateAndGetFilePath(uri string, logger *slog.Logger) (string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if strings.TrimSpace(uri) == "" {
		return "", fmt.Errorf("%w: empty URI", ErrInvalidURI)
	}
	parsed, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidURI, err)
	}

	var path string
	switch parsed.Scheme {
	case "file":
		if parsed.Host != "" && parsed.Host != "localhost" {
			return "", fmt.Errorf("%w: remote host %q not supported", ErrInvalidURI, parsed.Host)
		}
		path = parsed.Path
		// file:///C:/dir parses with a leading slash before the drive letter.
		if runtime.GOOS == "windows" && len(path) >= 3 && path[0] == '/' && path[2] == ':' {
			path = path[1:]
		}
	case "":
		path = uri
	default:
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURI, parsed.Scheme)
	}
	if path == "" {
		return "", fmt.Errorf("%w: URI has no path", ErrInvalidURI)
	}

	absPath, err := filepath.Abs(filepath.FromSlash(path))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidURI, err)
	}
	logger.Debug("Resolved document URI", "uri", uri, "path", absPath)
	return absPath, nil
}

// PathToURI converts a filesystem path to a file:// URI.
func PathToURI(path string) DocumentURI {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	slashed := filepath.ToSlash(path)
	if !strings.HasPrefix(slashed, "/") {
		slashed = "/" + slashed
	}
	u := url.URL{Scheme: "file", Path: slashed}
	return DocumentURI(u.String())
}

// ============================================================================
// Logging Helpers
// ============================================================================

// ParseLogLevel converts a level name into a slog.Level.
func ParseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", level)
	}
}

// ============================================================================
// Config File Helpers
// ============================================================================

// GetConfigPaths returns the primary (XDG/user config dir) and secondary
// (~/.config) locations of the config file. secondary is empty when both match.
func GetConfigPaths(logger *slog.Logger) (primary string, secondary string, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	var errs []error
	if dir, dirErr := os.UserConfigDir(); dirErr == nil {
		primary = filepath.Join(dir, configDirName, defaultConfigFileName)
	} else {
		errs = append(errs, fmt.Errorf("user config dir: %w", dirErr))
	}
	if home, homeErr := os.UserHomeDir(); homeErr == nil {
		secondary = filepath.Join(home, ".config", configDirName, defaultConfigFileName)
	} else {
		errs = append(errs, fmt.Errorf("user home dir: %w", homeErr))
	}
	if secondary == primary {
		secondary = ""
	}
	if primary == "" && secondary == "" {
		return "", "", fmt.Errorf("%w: %w", ErrConfig, errors.Join(errs...))
	}
	logger.Debug("Resolved config paths", "primary", primary, "secondary", secondary)
	return primary, secondary, nil
}

// WriteDefaultConfig writes cfg as indented JSON, creating parent directories.
func WriteDefaultConfig(path string, cfg Config, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o640); err != nil {
		return fmt.Errorf("writing default config: %w", err)
	}
	logger.Info("Wrote default config file", "path", path)
	return nil
}

// ============================================================================
// Hashing Helpers
// ============================================================================

// hashText returns a short stable digest of document content.
func hashText(text string) string {
	return strconv.FormatUint(xxhash.Sum64String(text), 16)
}
