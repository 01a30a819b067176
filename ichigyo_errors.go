// ichigyo/ichigyo_errors.go
// Contains exported error definitions for the ichigyo package.
package ichigyo

import "errors"

// =============================================================================
// Exported Errors
// =============================================================================

var (
	// ErrConfig indicates non-fatal errors during config loading or processing.
	ErrConfig = errors.New("configuration error")

	// ErrInvalidConfig indicates a configuration value is invalid after validation.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrInvalidURI indicates a document URI is invalid or uses an unsupported scheme.
	ErrInvalidURI = errors.New("invalid document URI")

	// ErrLinterUnavailable indicates the linter executable could not be started.
	ErrLinterUnavailable = errors.New("linter unavailable")

	// ErrLinterTimeout indicates the linter did not finish within the configured timeout.
	ErrLinterTimeout = errors.New("linter timed out")

	// ErrLinterFailed indicates the linter exited unsuccessfully without producing output.
	ErrLinterFailed = errors.New("linter failed")

	// ErrLinterOutput indicates the linter produced output that is not valid UTF-8 JSON.
	ErrLinterOutput = errors.New("malformed linter output")

	// ErrWatcher indicates the linter config watcher could not be started.
	ErrWatcher = errors.New("config watcher error")
)
