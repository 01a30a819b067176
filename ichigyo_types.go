// ichigyo/ichigyo_types.go
// Contains core type definitions used throughout the ichigyo package.
package ichigyo

import (
	"errors"
	"fmt"
	stdslog "log/slog"
	"slices"
	"time"
)

// =============================================================================
// Configuration Types & Constants
// =============================================================================

const (
	defaultLogLevel        = "info"        // Default log level.
	defaultLintTimeoutSecs = 30            // Default timeout for a single linter run.
	defaultCacheTTLSecs    = 300           // Default TTL for cached lint results (5 minutes).
	defaultCacheMaxCost    = 64 << 20      // Default ristretto budget in bytes.
	defaultStoreShards     = 32            // Default number of document store shards.
	defaultConfigFileName  = "config.json" // Default config file name.
	configDirName          = "ichigyo"     // Subdirectory name for config.
	configSettingsSection  = "ichigyo"     // Key used by clients in workspace/didChangeConfiguration.
	envPrefix              = "ICHIGYO"     // Prefix for environment overrides.
	maxStoreShards         = 4096

	diagnosticSource    = "textlint"
	defaultLinterBinary = "textlint"
	watchDebounce       = 250 * time.Millisecond
)

// Config holds the active configuration for the language server and CLI.
type Config struct {
	LogLevel           string        `json:"log_level" mapstructure:"log_level"`                       // Log level (debug, info, warn, error).
	TextlintCommand    string        `json:"textlint_command" mapstructure:"textlint_command"`         // Explicit linter binary; empty resolves automatically.
	TextlintArgs       []string      `json:"textlint_args" mapstructure:"textlint_args"`               // Extra arguments placed before --format json.
	LintTimeoutSeconds int           `json:"lint_timeout_seconds" mapstructure:"lint_timeout_seconds"` // Timeout for a single linter run.
	CacheTTLSeconds    int           `json:"cache_ttl_seconds" mapstructure:"cache_ttl_seconds"`       // TTL for cached lint results.
	CacheMaxCost       int64         `json:"cache_max_cost" mapstructure:"cache_max_cost"`             // Ristretto budget in bytes.
	PositionEncodings  []string      `json:"position_encodings" mapstructure:"position_encodings"`     // Server preference order for negotiation.
	WatchConfig        bool          `json:"watch_config" mapstructure:"watch_config"`                 // Re-lint when textlint config files change.
	StoreShards        int           `json:"store_shards" mapstructure:"store_shards"`                 // Number of document store shards.
	LintTimeout        time.Duration `json:"-" mapstructure:"-"`                                       // Derived, not from file.
	CacheTTL           time.Duration `json:"-" mapstructure:"-"`                                       // Derived, not from file.
}

// FileConfig represents the settings object sent by clients.
// Uses pointers to distinguish between unset fields and zero-value fields.
type FileConfig struct {
	LogLevel           *string   `json:"log_level"`
	TextlintCommand    *string   `json:"textlint_command"`
	TextlintArgs       *[]string `json:"textlint_args"`
	LintTimeoutSeconds *int      `json:"lint_timeout_seconds"`
	CacheTTLSeconds    *int      `json:"cache_ttl_seconds"`
	WatchConfig        *bool     `json:"watch_config"`
}

// getDefaultConfig returns a new instance of the default configuration.
func getDefaultConfig() Config {
	return Config{
		LogLevel:           defaultLogLevel,
		TextlintArgs:       []string{},
		LintTimeoutSeconds: defaultLintTimeoutSecs,
		CacheTTLSeconds:    defaultCacheTTLSecs,
		CacheMaxCost:       defaultCacheMaxCost,
		PositionEncodings:  []string{string(PositionEncodingUTF16), string(PositionEncodingUTF8), string(PositionEncodingUTF32)},
		WatchConfig:        true,
		StoreShards:        defaultStoreShards,
		LintTimeout:        defaultLintTimeoutSecs * time.Second,
		CacheTTL:           defaultCacheTTLSecs * time.Second,
	}
}

// DefaultConfig is the configuration used when nothing else is provided.
var DefaultConfig = getDefaultConfig()

// Validate checks if configuration values are valid, applying defaults for some fields.
func (c *Config) Validate(logger *stdslog.Logger) error {
	var validationErrors []error
	if logger == nil {
		logger = stdslog.Default()
	}
	tempDefault := getDefaultConfig()

	if c.LintTimeoutSeconds <= 0 {
		logger.Warn("Config validation: lint_timeout_seconds is not positive, applying default.", "configured_value", c.LintTimeoutSeconds, "default", tempDefault.LintTimeoutSeconds)
		c.LintTimeoutSeconds = tempDefault.LintTimeoutSeconds
	}
	if c.CacheTTLSeconds <= 0 {
		logger.Warn("Config validation: cache_ttl_seconds is not positive, applying default.", "configured_value", c.CacheTTLSeconds, "default", tempDefault.CacheTTLSeconds)
		c.CacheTTLSeconds = tempDefault.CacheTTLSeconds
	}
	if c.CacheMaxCost <= 0 {
		logger.Warn("Config validation: cache_max_cost is not positive, applying default.", "configured_value", c.CacheMaxCost, "default", tempDefault.CacheMaxCost)
		c.CacheMaxCost = tempDefault.CacheMaxCost
	}
	if c.StoreShards <= 0 {
		logger.Warn("Config validation: store_shards is not positive, applying default.", "configured_value", c.StoreShards, "default", tempDefault.StoreShards)
		c.StoreShards = tempDefault.StoreShards
	} else if c.StoreShards > maxStoreShards {
		validationErrors = append(validationErrors, fmt.Errorf("store_shards %d exceeds maximum %d", c.StoreShards, maxStoreShards))
		c.StoreShards = tempDefault.StoreShards
	}

	// Derive durations after defaulting.
	c.LintTimeout = time.Duration(c.LintTimeoutSeconds) * time.Second
	c.CacheTTL = time.Duration(c.CacheTTLSeconds) * time.Second

	if c.LogLevel == "" {
		logger.Warn("Config validation: log_level is empty, applying default.", "default", defaultLogLevel)
		c.LogLevel = defaultLogLevel
	} else if _, err := ParseLogLevel(c.LogLevel); err != nil {
		logger.Warn("Config validation: Invalid log_level found, applying default.", "configured_value", c.LogLevel, "default", defaultLogLevel, "error", err)
		validationErrors = append(validationErrors, fmt.Errorf("invalid log_level '%s': %w", c.LogLevel, err))
		c.LogLevel = defaultLogLevel
	}

	validEncodings := make([]string, 0, len(c.PositionEncodings))
	for _, name := range c.PositionEncodings {
		enc, ok := ParsePositionEncoding(name)
		if !ok {
			validationErrors = append(validationErrors, fmt.Errorf("unknown position encoding '%s'", name))
			continue
		}
		if !slices.Contains(validEncodings, string(enc)) {
			validEncodings = append(validEncodings, string(enc))
		}
	}
	if len(validEncodings) == 0 {
		if len(c.PositionEncodings) == 0 {
			logger.Warn("Config validation: position_encodings is empty, applying default.", "default", tempDefault.PositionEncodings)
		}
		validEncodings = slices.Clone(tempDefault.PositionEncodings)
	}
	c.PositionEncodings = validEncodings

	if c.TextlintArgs == nil {
		c.TextlintArgs = []string{}
	}

	if len(validationErrors) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(validationErrors...))
	}
	return nil
}

// PreferredEncodings returns the validated preference list as typed encodings.
func (c Config) PreferredEncodings() []PositionEncoding {
	out := make([]PositionEncoding, 0, len(c.PositionEncodings))
	for _, name := range c.PositionEncodings {
		if enc, ok := ParsePositionEncoding(name); ok {
			out = append(out, enc)
		}
	}
	return out
}

// =============================================================================
// Linter Output Types
// =============================================================================

// Severity is the linter's severity ordinal. Only SeverityWarning is special;
// every other value is reported as an error.
type Severity int

const (
	SeverityWarning Severity = 1
	SeverityError   Severity = 2
)

// LinterFix is a replacement proposed by the linter. Range is a half-open
// [start, end) pair of UTF-16 code unit offsets into the full linted text.
type LinterFix struct {
	Range [2]int `json:"range"`
	Text  string `json:"text"`
}

// LinterMessage is a single finding as reported by `textlint --format json`.
// Line and Column are 1-based; Column is measured in UTF-16 code units.
type LinterMessage struct {
	RuleID   string     `json:"ruleId"`
	Message  string     `json:"message"`
	Line     int        `json:"line"`
	Column   int        `json:"column"`
	Severity Severity   `json:"severity"`
	Fix      *LinterFix `json:"fix,omitempty"`
}

// LinterResult groups the messages reported for one file.
type LinterResult struct {
	FilePath string          `json:"filePath"`
	Messages []LinterMessage `json:"messages"`
}

// flattenMessages concatenates the messages of all results, preserving order.
func flattenMessages(results []LinterResult) []LinterMessage {
	total := 0
	for _, r := range results {
		total += len(r.Messages)
	}
	messages := make([]LinterMessage, 0, total)
	for _, r := range results {
		messages = append(messages, r.Messages...)
	}
	return messages
}

// =============================================================================
// Fix Types
// =============================================================================

// LineRange is an inclusive, 0-based range of lines.
type LineRange struct {
	Start int
	End   int
}

// Contains reports whether line falls within the range. An inverted range is
// treated as if its bounds were swapped.
func (r LineRange) Contains(line int) bool {
	lo, hi := min(r.Start, r.End), max(r.Start, r.End)
	return line >= lo && line <= hi
}

// FixEdit is a single quick fix ready to be offered to the client.
type FixEdit struct {
	Range   LSPRange
	NewText string
	Title   string
	RuleID  string
	Message LinterMessage // Originating message, used to attach the matching diagnostic.
}
