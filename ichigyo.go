// ichigyo/ichigyo.go
// Core service: configuration loading and the cached, coalesced linter.
package ichigyo

import (
	"context"
	"errors"
	"fmt"
	"io"
	stdslog "log/slog"
	"os"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/sync/singleflight"
)

// =============================================================================
// Configuration Loading
// =============================================================================

// LoadConfig builds the effective configuration from defaults, the config file
// and ICHIGYO_* environment variables. explicitPath, when set, replaces the
// standard search locations. A default file is written when no file exists.
// Non-fatal problems are returned wrapped in ErrConfig alongside a usable config.
func LoadConfig(logger *stdslog.Logger, explicitPath string) (Config, error) {
	if logger == nil {
		logger = stdslog.Default()
	}
	var loadErrors []error

	v := viper.New()
	registerDefaults(v, getDefaultConfig())
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	var candidates []string
	if explicitPath != "" {
		candidates = []string{explicitPath}
	} else {
		primaryPath, secondaryPath, pathErr := GetConfigPaths(logger)
		if pathErr != nil {
			loadErrors = append(loadErrors, pathErr)
			logger.Warn("Could not determine config paths, using defaults", "error", pathErr)
		}
		for _, p := range []string{primaryPath, secondaryPath} {
			if p != "" {
				candidates = append(candidates, p)
			}
		}
	}

	loaded := false
	for _, path := range candidates {
		if _, statErr := os.Stat(path); statErr != nil {
			if !errors.Is(statErr, os.ErrNotExist) {
				loadErrors = append(loadErrors, fmt.Errorf("checking %s failed: %w", path, statErr))
			}
			continue
		}
		logger.Debug("Attempting to load config", "path", path)
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			loadErrors = append(loadErrors, fmt.Errorf("loading %s failed: %w", path, err))
			logger.Warn("Failed to load config", "path", path, "error", err)
			continue
		}
		loaded = true
		logger.Info("Loaded config", "path", path)
		break
	}

	if !loaded && len(candidates) > 0 && explicitPath == "" {
		writePath := candidates[0]
		if _, statErr := os.Stat(writePath); errors.Is(statErr, os.ErrNotExist) {
			logger.Info("No config file found. Attempting to write default.", "path", writePath)
			if err := WriteDefaultConfig(writePath, getDefaultConfig(), logger); err != nil {
				logger.Warn("Failed to write default config", "path", writePath, "error", err)
				loadErrors = append(loadErrors, fmt.Errorf("writing default config failed: %w", err))
			}
		}
	}

	cfg := getDefaultConfig()
	if err := v.Unmarshal(&cfg); err != nil {
		loadErrors = append(loadErrors, fmt.Errorf("decoding config failed: %w", err))
		logger.Warn("Failed to decode config, using defaults", "error", err)
		cfg = getDefaultConfig()
	}

	if err := cfg.Validate(logger); err != nil {
		logger.Error("Final configuration is invalid, falling back to pure defaults.", "error", err)
		loadErrors = append(loadErrors, fmt.Errorf("post-load config validation failed: %w", err))
		cfg = getDefaultConfig()
		if valErr := cfg.Validate(logger); valErr != nil {
			return cfg, fmt.Errorf("default config definition is invalid: %w", valErr)
		}
	}

	if len(loadErrors) > 0 {
		return cfg, fmt.Errorf("%w: %w", ErrConfig, errors.Join(loadErrors...))
	}
	return cfg, nil
}

// registerDefaults seeds viper with every file-backed key so that environment
// overrides work even when no config file exists.
func registerDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("textlint_command", cfg.TextlintCommand)
	v.SetDefault("textlint_args", cfg.TextlintArgs)
	v.SetDefault("lint_timeout_seconds", cfg.LintTimeoutSeconds)
	v.SetDefault("cache_ttl_seconds", cfg.CacheTTLSeconds)
	v.SetDefault("cache_max_cost", cfg.CacheMaxCost)
	v.SetDefault("position_encodings", cfg.PositionEncodings)
	v.SetDefault("watch_config", cfg.WatchConfig)
	v.SetDefault("store_shards", cfg.StoreShards)
}

// mergeFileConfig applies the non-nil fields of fc to cfg and reports how many changed.
func mergeFileConfig(cfg *Config, fc FileConfig) int {
	merged := 0
	if fc.LogLevel != nil {
		cfg.LogLevel = *fc.LogLevel
		merged++
	}
	if fc.TextlintCommand != nil {
		cfg.TextlintCommand = *fc.TextlintCommand
		merged++
	}
	if fc.TextlintArgs != nil {
		cfg.TextlintArgs = append([]string(nil), (*fc.TextlintArgs)...)
		merged++
	}
	if fc.LintTimeoutSeconds != nil {
		cfg.LintTimeoutSeconds = *fc.LintTimeoutSeconds
		merged++
	}
	if fc.CacheTTLSeconds != nil {
		cfg.CacheTTLSeconds = *fc.CacheTTLSeconds
		merged++
	}
	if fc.WatchConfig != nil {
		cfg.WatchConfig = *fc.WatchConfig
		merged++
	}
	return merged
}

// =============================================================================
// Linter Service
// =============================================================================

// Linter runs a Runner behind a result cache and coalesces concurrent
// requests for identical input into a single subprocess.
type Linter struct {
	runner  Runner
	cache   *LintCache
	group   singleflight.Group
	metrics *Metrics
	logger  *stdslog.Logger
}

// NewLinter wires runner to an optional cache and metrics.
func NewLinter(runner Runner, cache *LintCache, metrics *Metrics, logger *stdslog.Logger) *Linter {
	if logger == nil {
		logger = stdslog.New(stdslog.NewTextHandler(io.Discard, nil))
	}
	return &Linter{runner: runner, cache: cache, metrics: metrics, logger: logger}
}

// Lint returns the messages for filePath as linted from workDir. text must be
// the file content the runner will read: it keys the cache, and callers pair
// the returned messages with it.
func (l *Linter) Lint(ctx context.Context, filePath, workDir, text string) ([]LinterMessage, error) {
	key := filePath + "\x00" + workDir + "\x00" + hashText(text)
	if l.cache != nil {
		key = l.cache.Key(filePath, workDir, text)
	}
	lintLogger := l.logger.With("file", filePath)
	// The shared run outlives any single caller; the runner enforces its own timeout.
	runCtx := context.WithoutCancel(ctx)

	ch := l.group.DoChan(key, func() (any, error) {
		start := time.Now()
		messages, hit, err := withLintCache(l.cache, key, func() ([]LinterMessage, error) {
			results, err := l.runner.Run(runCtx, filePath, workDir)
			if err != nil {
				return nil, err
			}
			return flattenMessages(results), nil
		}, lintLogger)
		switch {
		case err != nil:
			l.metrics.observeLint(lintResultError, time.Since(start))
		case hit:
			l.metrics.observeLint(lintResultCached, 0)
		default:
			l.metrics.observeLint(lintResultOK, time.Since(start))
		}
		return messages, err
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			lintLogger.Debug("Shared lint result with concurrent caller")
		}
		return res.Val.([]LinterMessage), nil
	}
}

// Invalidate discards cached results, e.g. after the linter config changed.
func (l *Linter) Invalidate() {
	if l.cache != nil {
		l.cache.Invalidate()
	}
}

// Configure applies cfg to the runner (when it supports reconfiguration) and
// the cache, then drops cached results computed under the old settings.
func (l *Linter) Configure(cfg Config) {
	if r, ok := l.runner.(interface{ Configure(Config) }); ok {
		r.Configure(cfg)
	}
	if l.cache != nil {
		l.cache.SetTTL(cfg.CacheTTL)
	}
	l.Invalidate()
}

// Runner returns the underlying runner.
func (l *Linter) Runner() Runner {
	return l.runner
}

// Close releases cache resources.
func (l *Linter) Close() {
	if l.cache != nil {
		l.cache.Close()
	}
}
