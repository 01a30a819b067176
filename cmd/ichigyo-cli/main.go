package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	ichigyo "github.com/Xantibody/ichigyo-ls"
)

// Set at build time
var version = "dev"

var (
	logLevelArg string
	configPath  string
	encodingArg string
	rootDir     string
	jobs        int
	fromLine    int
	toLine      int
)

// errFindings makes `check` exit non-zero without printing an extra error.
var errFindings = errors.New("error-severity findings reported")

var rootCmd = &cobra.Command{
	Use:           "ichigyo-cli",
	Short:         "Run textlint through the ichigyo diagnostic pipeline",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var checkCmd = &cobra.Command{
	Use:   "check <files...>",
	Short: "Lint files and print diagnostics",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCheck(cmd.Context(), args)
	},
}

var fixesCmd = &cobra.Command{
	Use:   "fixes <file>",
	Short: "Print the quick fixes available on a range of lines",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFixes(cmd.Context(), args[0])
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevelArg, "log-level", "", "Log level (debug, info, warn, error); overrides config")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file to load instead of the standard locations")
	rootCmd.PersistentFlags().StringVar(&encodingArg, "encoding", string(ichigyo.PositionEncodingUTF16), "Position encoding for reported columns (utf-8, utf-16, utf-32)")
	rootCmd.PersistentFlags().StringVar(&rootDir, "root", "", "Directory textlint runs in (defaults to each file's directory)")

	checkCmd.Flags().IntVarP(&jobs, "jobs", "j", 4, "Maximum number of concurrent linter processes")
	fixesCmd.Flags().IntVar(&fromLine, "from", 1, "First line (1-based, inclusive)")
	fixesCmd.Flags().IntVar(&toLine, "to", 0, "Last line (1-based, inclusive); defaults to --from")

	rootCmd.AddCommand(checkCmd, fixesCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errFindings) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

// ============================================================================
// Setup
// ============================================================================

// setup loads configuration, configures the default logger and builds a linter.
func setup() (*ichigyo.Linter, ichigyo.PositionEncoding, error) {
	tempLogger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg, cfgErr := ichigyo.LoadConfig(tempLogger, configPath)
	if cfgErr != nil && !errors.Is(cfgErr, ichigyo.ErrConfig) {
		return nil, "", cfgErr
	}

	chosenLevel := cfg.LogLevel
	if logLevelArg != "" {
		chosenLevel = logLevelArg
	}
	logLevel, parseLevelErr := ichigyo.ParseLogLevel(chosenLevel)
	if parseLevelErr != nil {
		tempLogger.Warn("Invalid log level specified, using default 'info'", "specified_level", chosenLevel, "error", parseLevelErr)
		logLevel = slog.LevelInfo
	}
	// Keep CLI logs concise unless asked otherwise; findings go to stdout.
	if logLevelArg == "" {
		logLevel = max(logLevel, slog.LevelWarn)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)
	if cfgErr != nil {
		slog.Warn("Configuration loaded with warnings", "error", cfgErr)
	}

	enc, ok := ichigyo.ParsePositionEncoding(encodingArg)
	if !ok {
		return nil, "", fmt.Errorf("unknown position encoding %q", encodingArg)
	}
	// One-shot runs gain nothing from the result cache.
	linter := ichigyo.NewLinter(ichigyo.NewCommandRunnerFromConfig(cfg, logger), nil, nil, logger)
	return linter, enc, nil
}

// loadFile resolves path and returns its absolute path, working directory and content.
func loadFile(path string) (string, string, string, error) {
	absPath, err := ichigyo.ValidateAndGetFilePath(path, slog.Default())
	if err != nil {
		return "", "", "", err
	}
	content, err := os.ReadFile(absPath)
	if err != nil {
		return "", "", "", err
	}
	workDir := rootDir
	if workDir == "" {
		workDir = filepath.Dir(absPath)
	}
	return absPath, workDir, string(content), nil
}

// ============================================================================
// Output Styling
// ============================================================================

type printer struct {
	out     io.Writer
	path    lipgloss.Style
	errSev  lipgloss.Style
	warnSev lipgloss.Style
	rule    lipgloss.Style
	title   lipgloss.Style
}

func newPrinter(out *os.File) printer {
	p := printer{out: out}
	if !isatty.IsTerminal(out.Fd()) && !isatty.IsCygwinTerminal(out.Fd()) {
		return p
	}
	p.path = lipgloss.NewStyle().Bold(true)
	p.errSev = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	p.warnSev = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("11"))
	p.rule = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	p.title = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	return p
}

func (p printer) diagnostic(path string, d ichigyo.LspDiagnostic) {
	sev := p.errSev.Render("error")
	if d.Severity == ichigyo.LspSeverityWarning {
		sev = p.warnSev.Render("warning")
	}
	rule := ""
	if code, ok := d.Code.(string); ok {
		rule = " " + p.rule.Render("["+code+"]")
	}
	fmt.Fprintf(p.out, "%s:%d:%d: %s %s%s\n",
		p.path.Render(path), d.Range.Start.Line+1, d.Range.Start.Character+1, sev, d.Message, rule)
}

func (p printer) fix(path string, f ichigyo.FixEdit) {
	fmt.Fprintf(p.out, "%s:%d:%d-%d:%d: %s\n",
		p.path.Render(path),
		f.Range.Start.Line+1, f.Range.Start.Character+1,
		f.Range.End.Line+1, f.Range.End.Character+1,
		p.title.Render(f.Title))
	fmt.Fprintf(p.out, "    replace with %q\n", f.NewText)
}

// ============================================================================
// Commands
// ============================================================================

type checkResult struct {
	path        string
	diagnostics []ichigyo.LspDiagnostic
	err         error
}

func runCheck(ctx context.Context, files []string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	linter, enc, err := setup()
	if err != nil {
		return err
	}
	defer linter.Close()

	results := make([]checkResult, len(files))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(max(jobs, 1))
	for i, file := range files {
		g.Go(func() error {
			results[i].path = file
			absPath, workDir, text, err := loadFile(file)
			if err != nil {
				results[i].err = err
				return nil
			}
			messages, err := linter.Lint(gCtx, absPath, workDir, text)
			if err != nil {
				results[i].err = err
				return nil
			}
			results[i].diagnostics = ichigyo.BuildDiagnostics(messages, enc, text)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	p := newPrinter(os.Stdout)
	var failures []error
	errorCount, warningCount := 0, 0
	for _, r := range results {
		if r.err != nil {
			failures = append(failures, fmt.Errorf("%s: %w", r.path, r.err))
			continue
		}
		for _, d := range r.diagnostics {
			p.diagnostic(r.path, d)
			if d.Severity == ichigyo.LspSeverityWarning {
				warningCount++
			} else {
				errorCount++
			}
		}
	}
	slog.Info("Check finished", "files", len(files), "errors", errorCount, "warnings", warningCount)

	if len(failures) > 0 {
		return errors.Join(failures...)
	}
	if errorCount > 0 {
		fmt.Fprintf(os.Stderr, "%d error(s), %d warning(s)\n", errorCount, warningCount)
		return errFindings
	}
	return nil
}

func runFixes(ctx context.Context, file string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if fromLine <= 0 {
		return fmt.Errorf("--from must be positive, got %d", fromLine)
	}
	last := toLine
	if last == 0 {
		last = fromLine
	}
	linter, enc, err := setup()
	if err != nil {
		return err
	}
	defer linter.Close()

	absPath, workDir, text, err := loadFile(file)
	if err != nil {
		return err
	}
	messages, err := linter.Lint(ctx, absPath, workDir, text)
	if err != nil {
		return err
	}

	fixes := ichigyo.BuildFixes(text, messages, ichigyo.LineRange{Start: fromLine - 1, End: last - 1}, enc)
	if len(fixes) == 0 {
		fmt.Fprintf(os.Stderr, "no fixes available on lines %d-%d\n", fromLine, last)
		return nil
	}
	p := newPrinter(os.Stdout)
	for _, f := range fixes {
		p.fix(file, f)
	}
	return nil
}
