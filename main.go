// squadtrans — SQuAD dataset translation pipeline (English to Sinhala).
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/j-ranasinghe/SQuAD-Translation/checkpoint"
	"github.com/j-ranasinghe/SQuAD-Translation/clean"
	"github.com/j-ranasinghe/SQuAD-Translation/config"
	"github.com/j-ranasinghe/SQuAD-Translation/i18n"
	"github.com/j-ranasinghe/SQuAD-Translation/settings"
	"github.com/j-ranasinghe/SQuAD-Translation/squad"
	"github.com/j-ranasinghe/SQuAD-Translation/translate"
)

// Version information (set via -ldflags during build)
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// ANSI colors
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[0;31m"
	colorGreen  = "\033[0;32m"
	colorYellow = "\033[1;33m"
	colorBlue   = "\033[0;34m"
)

func logInfo(format string, args ...any) {
	fmt.Fprintf(os.Stderr, colorBlue+"[INFO]"+colorReset+" "+format+"\n", args...)
}

func logSuccess(format string, args ...any) {
	fmt.Fprintf(os.Stderr, colorGreen+"[OK]"+colorReset+" "+format+"\n", args...)
}

func logWarning(format string, args ...any) {
	fmt.Fprintf(os.Stderr, colorYellow+"[WARN]"+colorReset+" "+format+"\n", args...)
}

func logError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, colorRed+"[ERROR]"+colorReset+" "+format+"\n", args...)
}

// ---------------------------------------------------------------------------
// Global flag
// ---------------------------------------------------------------------------

var cfgPath string

// ---------------------------------------------------------------------------
// Root command
// ---------------------------------------------------------------------------

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "squadtrans",
		Short: "SQuAD dataset translation pipeline (English to Sinhala)",
		Long: `squadtrans — translate SQuAD v1.0 reading-comprehension datasets.

The pipeline has two stages:

  translate   Machine-translate contexts, questions, and answers via the
              Google Cloud Translation API, recomputing answer offsets
              against the translated context.
  clean       Repair answer offsets by substring search, drop QA items
              whose answers cannot be located, and write an error report.

Commands:
  status      Show dataset and pipeline progress information
  translate   Run the translation stage
  clean       Run the cleaning stage
  run         Run both stages back to back
  auth        Manage the translation API key`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global persistent flag — inherited by all subcommands
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "Config file (default squadtrans.yaml if present)")

	root.AddCommand(
		newStatusCmd(),
		newTranslateCmd(),
		newCleanCmd(),
		newRunCmd(),
		newAuthCmd(),
		newVersionCmd(),
	)

	return root
}

func main() {
	i18n.Init("")

	if err := newRootCmd().Execute(); err != nil {
		logError("%v", err)
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// version (display version information)
// ---------------------------------------------------------------------------

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Long:  `Display version, commit hash, and build date.`,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("squadtrans version %s\n", version)
			fmt.Printf("  commit:    %s\n", commit)
			fmt.Printf("  built:     %s\n", date)
		},
	}
}

// ---------------------------------------------------------------------------
// status (read-only: dataset info + pipeline progress)
// ---------------------------------------------------------------------------

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show dataset and pipeline progress information",
		Long: `Show the configured files, dataset sizes, translation checkpoint
progress, and answer offset statistics. Does not modify any files.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			runStatus(cfg)
			return nil
		},
	}
}

func runStatus(cfg *config.Config) {
	fmt.Fprintf(os.Stderr, "\n%sPipeline%s\n", colorBlue, colorReset)
	fmt.Fprintln(os.Stderr, strings.Repeat("─", 60))
	fmt.Fprintf(os.Stderr, "  Input:      %s\n", orUnset(cfg.InputFile))
	fmt.Fprintf(os.Stderr, "  Output:     %s\n", orUnset(cfg.OutputFile))
	fmt.Fprintf(os.Stderr, "  Cleaned:    %s\n", orUnset(cfg.CleanedOutputFile))
	fmt.Fprintf(os.Stderr, "  Report:     %s\n", orUnset(cfg.ErrorReportFile))
	fmt.Fprintf(os.Stderr, "  Languages:  %s -> %s\n", cfg.SourceLang, cfg.TargetLang)
	fmt.Fprintln(os.Stderr)

	showDatasetStatus("Source dataset", cfg.InputFile)
	showDatasetStatus("Translated dataset", cfg.OutputFile)
	showDatasetStatus("Cleaned dataset", cfg.CleanedOutputFile)

	if cfg.OutputFile != "" {
		lockPath := checkpoint.PathFor(cfg.OutputFile)
		if fileExists(lockPath) {
			if cp, err := checkpoint.Load(lockPath); err == nil {
				logInfo("Checkpoint: %d paragraphs completed (%s)", cp.Count(), lockPath)
				logInfo("Run 'squadtrans translate' to resume, or 'squadtrans translate --fresh' to start over")
			}
		}
	}
	fmt.Fprintln(os.Stderr)
}

func showDatasetStatus(label, path string) {
	if path == "" || !fileExists(path) {
		return
	}
	ds, err := squad.ParseFile(path)
	if err != nil {
		logWarning("%s: %v", label, err)
		return
	}

	stats := ds.CollectStats()

	fmt.Fprintf(os.Stderr, "  %s (%s)\n", label, path)
	fmt.Fprintf(os.Stderr, "    articles: %d  paragraphs: %d  QA pairs: %d\n",
		stats.Articles, stats.Paragraphs, stats.QAs)
	fmt.Fprintf(os.Stderr, "    offsets: %d resolved, %d unresolved, %d mismatched\n",
		stats.Resolved, stats.Unresolved, stats.Mismatched)
}

func orUnset(s string) string {
	if s == "" {
		return "(not set)"
	}
	return s
}

// ---------------------------------------------------------------------------
// translate (stage one)
// ---------------------------------------------------------------------------

func newTranslateCmd() *cobra.Command {
	var a translateArgs

	cmd := &cobra.Command{
		Use:   "translate",
		Short: "Translate the dataset via the Google Cloud Translation API",
		Long: `Translate contexts, questions, and answer texts of a SQuAD dataset.

Answer offsets are recomputed by locating the translated answer in the
translated context; answers that cannot be located get offset -1 and are
repaired or dropped by the clean stage.

Progress is checkpointed next to the output file. An interrupted run
resumes automatically: paragraphs already translated are copied from the
previous partial output instead of being sent to the API again.

Examples:
  # Translate using the configured files
  squadtrans translate

  # Explicit files and a smaller trial run
  squadtrans translate --input train-v1.0.json --output train_si.json --max-contexts 50

  # Start over, ignoring the checkpoint
  squadtrans translate --fresh

  # Show what would be translated without calling the API
  squadtrans translate --dry-run`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			a.applyTo(cmd, cfg)
			return runTranslate(cfg, a)
		},
	}

	a.register(cmd)
	return cmd
}

// translateArgs carries the translate command's flag values.
type translateArgs struct {
	input, output string
	apiKey        string
	sourceLang    string
	targetLang    string
	maxContexts   int
	batchSize     int
	maxConcurrent int
	requestDelay  time.Duration
	timeout       time.Duration
	proxy         string
	maxRetries    int
	fresh         bool
	dryRun        bool
	verbose       bool
}

func (a *translateArgs) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&a.input, "input", "", "Source SQuAD JSON file")
	cmd.Flags().StringVar(&a.output, "output", "", "Translated output JSON file")
	cmd.Flags().StringVar(&a.apiKey, "api-key", "", "API key (or "+settings.EnvAPIKey+" env var)")
	cmd.Flags().StringVar(&a.sourceLang, "source-lang", "", "Source language code")
	cmd.Flags().StringVar(&a.targetLang, "target-lang", "", "Target language code")
	cmd.Flags().IntVar(&a.maxContexts, "max-contexts", 0, "Paragraph cap per run (-1 = unlimited)")
	cmd.Flags().IntVar(&a.batchSize, "batch-size", 0, "Paragraphs per context request")
	cmd.Flags().IntVar(&a.maxConcurrent, "max-concurrent", 0, "Parallel batch workers")
	cmd.Flags().DurationVar(&a.requestDelay, "request-delay", 0, "Delay between launching batches")
	cmd.Flags().DurationVar(&a.timeout, "timeout", 0, "Request timeout")
	cmd.Flags().StringVar(&a.proxy, "proxy", "", "HTTP/HTTPS proxy URL")
	cmd.Flags().IntVar(&a.maxRetries, "max-retries", 0, "Maximum retries on transient API errors")
	cmd.Flags().BoolVar(&a.fresh, "fresh", false, "Discard the checkpoint and translate from scratch")
	cmd.Flags().BoolVar(&a.dryRun, "dry-run", false, "Show what would be translated without calling the API")
	cmd.Flags().BoolVar(&a.verbose, "verbose", false, "Enable detailed logging")
}

// applyTo folds explicitly set flags into the loaded config. Flags always
// win over file values.
func (a *translateArgs) applyTo(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if a.input != "" {
		cfg.InputFile = a.input
	}
	if a.output != "" {
		cfg.OutputFile = a.output
	}
	if a.sourceLang != "" {
		cfg.SourceLang = a.sourceLang
	}
	if a.targetLang != "" {
		cfg.TargetLang = a.targetLang
	}
	if f.Changed("max-contexts") {
		cfg.MaxContexts = a.maxContexts
	}
	if f.Changed("batch-size") {
		cfg.BatchSize = a.batchSize
	}
	if f.Changed("max-concurrent") {
		cfg.MaxConcurrent = a.maxConcurrent
	}
	if f.Changed("request-delay") {
		cfg.RequestDelay = config.Duration(a.requestDelay)
	}
	if f.Changed("timeout") {
		cfg.Timeout = config.Duration(a.timeout)
	}
	if a.proxy != "" {
		cfg.Proxy = a.proxy
	}
	if f.Changed("max-retries") {
		cfg.MaxRetries = a.maxRetries
	}
}

func runTranslate(cfg *config.Config, a translateArgs) error {
	if cfg.InputFile == "" {
		return fmt.Errorf("no input file: use --input or set input_file in %s", config.FileName)
	}
	if cfg.OutputFile == "" {
		return fmt.Errorf("no output file: use --output or set output_file in %s", config.FileName)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ds, err := squad.ParseFile(cfg.InputFile)
	if err != nil {
		return err
	}

	if a.dryRun {
		showTranslatePlan(cfg, ds)
		return nil
	}

	key := settings.ResolveAPIKey(a.apiKey)
	if key == "" {
		logError("%s", i18n.T("No API key configured"))
		logInfo("Run 'squadtrans auth login', or set %s", settings.EnvAPIKey)
		os.Exit(1)
	}

	// Checkpoint sits next to the output file.
	lockPath := checkpoint.PathFor(cfg.OutputFile)
	cp, err := checkpoint.Load(lockPath)
	if err != nil {
		return err
	}
	if a.fresh && cp.Count() > 0 {
		logInfo("Discarding checkpoint with %d completed paragraphs", cp.Count())
		if err := cp.Discard(); err != nil {
			return err
		}
	}

	// A previous partial output enables resume.
	var previous *squad.Dataset
	if cp.Count() > 0 && fileExists(cfg.OutputFile) {
		previous, err = squad.ParseFile(cfg.OutputFile)
		if err != nil {
			logWarning("Previous output unreadable, translating from scratch: %v", err)
			previous = nil
		} else {
			logInfo("Resuming: %d paragraphs already translated", cp.Count())
		}
	}

	// Graceful cancellation: on interrupt the partial dataset is still
	// written so the next run resumes from it.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		logWarning("%s", i18n.T("Interrupted, saving partial output"))
		cancel()
	}()

	client := translate.NewGoogleClient(key, cfg.Proxy, cfg.Timeout.Std(), cfg.MaxRetries)
	client.Verbose = a.verbose

	logInfo("Translating %s -> %s (%s)", cfg.SourceLang, cfg.TargetLang, cfg.InputFile)

	out, res, runErr := translate.Run(ctx, ds, translate.Options{
		Client:        client,
		SourceLang:    cfg.SourceLang,
		TargetLang:    cfg.TargetLang,
		MaxContexts:   cfg.ContextCap(),
		BatchSize:     cfg.BatchSize,
		MaxConcurrent: cfg.MaxConcurrent,
		RequestDelay:  cfg.RequestDelay.Std(),
		Checkpoint:    cp,
		Previous:      previous,
		OnProgress: func(done, total int) {
			logInfo("  %d/%d paragraphs", done, total)
		},
		OnLog: func(format string, args ...any) {
			if a.verbose {
				logInfo(format, args...)
			}
		},
		OnError: func(format string, args ...any) {
			logError(format, args...)
		},
	})
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}

	if out != nil {
		if err := out.WriteFile(cfg.OutputFile); err != nil {
			return err
		}
	}

	if errors.Is(runErr, context.Canceled) {
		logWarning("Translation interrupted, partial output saved to %s", cfg.OutputFile)
		logInfo("Run 'squadtrans translate' again to resume")
		os.Exit(0)
	}

	logInfo("Translated %d paragraphs, %d QA pairs (%d resumed)", res.Contexts, res.QAPairs, res.Resumed)
	if res.SkippedQAs > 0 {
		logWarning("Skipped %d QA pairs in %d failed paragraphs; re-run to retry them", res.SkippedQAs, res.FailedParagraphs)
	} else if err := cp.Discard(); err != nil {
		logWarning("Removing checkpoint: %v", err)
	}

	logSuccess("%s", i18n.T("Translation complete"))
	logInfo("Output written to %s", cfg.OutputFile)
	return nil
}

func showTranslatePlan(cfg *config.Config, ds *squad.Dataset) {
	limit := cfg.ContextCap()
	paragraphs, qas := 0, 0
	for _, article := range ds.Data {
		for _, para := range article.Paragraphs {
			if limit > 0 && paragraphs >= limit {
				break
			}
			paragraphs++
			qas += len(para.QAs)
		}
	}

	logInfo("Would translate %d paragraphs and %d QA pairs (%s -> %s)",
		paragraphs, qas, cfg.SourceLang, cfg.TargetLang)
	if limit > 0 && paragraphs == limit {
		logInfo("Paragraph cap %d reached; raise max_contexts to translate more", limit)
	}
	logInfo("Output would be written to %s", cfg.OutputFile)
}

// ---------------------------------------------------------------------------
// clean (stage two)
// ---------------------------------------------------------------------------

func newCleanCmd() *cobra.Command {
	var (
		input       string
		output      string
		report      string
		keepEmpty   bool
		keepEnglish bool
		dryRun      bool
	)

	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Repair answer offsets and drop unlocatable QA items",
		Long: `Clean a translated SQuAD dataset.

For every answer, the translated context is searched for the answer text
and the offset corrected to the first occurrence. QA items whose answers
cannot be located are dropped and recorded in the error report, as are
answers left untranslated (still containing Latin script).

Examples:
  # Clean the configured translation output
  squadtrans clean

  # Explicit files
  squadtrans clean --input train_si.json --output train_si_cleaned.json

  # Keep untranslated English leftovers instead of dropping them
  squadtrans clean --keep-english`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if input != "" {
				cfg.OutputFile = input
			}
			if output != "" {
				cfg.CleanedOutputFile = output
			}
			if report != "" {
				cfg.ErrorReportFile = report
			}
			return runClean(cfg, clean.Options{KeepEmpty: keepEmpty, KeepEnglish: keepEnglish}, dryRun)
		},
	}

	cmd.Flags().StringVar(&input, "input", "", "Translated JSON file to clean")
	cmd.Flags().StringVar(&output, "output", "", "Cleaned output JSON file")
	cmd.Flags().StringVar(&report, "report", "", "Error report JSON file")
	cmd.Flags().BoolVar(&keepEmpty, "keep-empty", false, "Keep paragraphs and articles emptied by cleaning")
	cmd.Flags().BoolVar(&keepEnglish, "keep-english", false, "Keep QA items that still contain Latin script")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report what cleaning would change without writing files")

	return cmd
}

func runClean(cfg *config.Config, opts clean.Options, dryRun bool) error {
	if cfg.OutputFile == "" {
		return fmt.Errorf("no input file: use --input or set output_file in %s", config.FileName)
	}
	if cfg.CleanedOutputFile == "" {
		return fmt.Errorf("no output file: use --output or set cleaned_output_file in %s", config.FileName)
	}

	ds, err := squad.ParseFile(cfg.OutputFile)
	if err != nil {
		return err
	}

	logInfo("Cleaning %s", cfg.OutputFile)
	cleaned, report, stats := clean.Run(ds, opts)

	if !dryRun {
		if err := cleaned.WriteFile(cfg.CleanedOutputFile); err != nil {
			return err
		}
		if cfg.ErrorReportFile != "" && len(report) > 0 {
			if err := clean.WriteReport(cfg.ErrorReportFile, report); err != nil {
				return err
			}
			logInfo("Error report written to %s", cfg.ErrorReportFile)
		}
	}

	logInfo("Retained %d of %d QA pairs, corrected %d offsets",
		stats.RetainedQAs, stats.InputQAs, stats.CorrectedOffsets)
	dropped := stats.InputQAs - stats.RetainedQAs
	if dropped > 0 {
		logWarning(i18n.N("Dropped %d item", "Dropped %d items", dropped), dropped)
		logInfo("  unlocatable answers: %d, untranslated leftovers: %d",
			stats.DroppedNotFound, stats.DroppedResidue)
	}
	if stats.DroppedParagraphs > 0 || stats.DroppedArticles > 0 {
		logInfo("Removed %d emptied paragraphs and %d emptied articles",
			stats.DroppedParagraphs, stats.DroppedArticles)
	}

	if dryRun {
		logInfo("Dry run, nothing written")
		return nil
	}
	logSuccess("%s", i18n.T("Cleaning complete"))
	logInfo("Output written to %s", cfg.CleanedOutputFile)
	return nil
}

// ---------------------------------------------------------------------------
// run (both stages)
// ---------------------------------------------------------------------------

func newRunCmd() *cobra.Command {
	var a translateArgs
	var keepEmpty, keepEnglish bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run translation and cleaning back to back",
		Long: `Run the full pipeline: translate the dataset, then clean the result.

Equivalent to 'squadtrans translate' followed by 'squadtrans clean' with
the same configuration.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			a.applyTo(cmd, cfg)
			if err := runTranslate(cfg, a); err != nil {
				return err
			}
			if a.dryRun {
				return nil
			}
			return runClean(cfg, clean.Options{KeepEmpty: keepEmpty, KeepEnglish: keepEnglish}, false)
		},
	}

	a.register(cmd)
	cmd.Flags().BoolVar(&keepEmpty, "keep-empty", false, "Keep paragraphs and articles emptied by cleaning")
	cmd.Flags().BoolVar(&keepEnglish, "keep-english", false, "Keep QA items that still contain Latin script")

	return cmd
}

// ---------------------------------------------------------------------------
// auth (API key management)
// ---------------------------------------------------------------------------

func newAuthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage the translation API key",
		Long: `Manage the Google Cloud Translation API key.

The key is stored in ` + settings.FilePath() + ` with 0600 permissions.
Lookup order at runtime: --api-key flag, ` + settings.EnvAPIKey + ` environment
variable, then the stored key.

Examples:
  squadtrans auth login     Store an API key
  squadtrans auth list      Show the stored key (masked)
  squadtrans auth logout    Remove the stored key`,
	}

	cmd.AddCommand(
		newAuthLoginCmd(),
		newAuthLogoutCmd(),
		newAuthListCmd(),
	)

	return cmd
}

func newAuthLoginCmd() *cobra.Command {
	var apiKey string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store the translation API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			key := apiKey
			if key == "" {
				fmt.Fprint(os.Stderr, "Enter Google Cloud Translation API key: ")
				reader := bufio.NewReader(os.Stdin)
				line, err := reader.ReadString('\n')
				if err != nil {
					return fmt.Errorf("reading API key: %w", err)
				}
				key = strings.TrimSpace(line)
			}
			if key == "" {
				return fmt.Errorf("no API key entered")
			}

			if err := settings.SetAPIKey(settings.ProviderGoogle, key); err != nil {
				return err
			}
			logSuccess("API key stored in %s", settings.FilePath())
			return nil
		},
	}

	cmd.Flags().StringVar(&apiKey, "api-key", "", "API key (prompted if omitted)")
	return cmd
}

func newAuthLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the stored API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if settings.GetAPIKey(settings.ProviderGoogle) == "" {
				logInfo("No API key stored")
				return nil
			}
			if err := settings.Remove(settings.ProviderGoogle); err != nil {
				return err
			}
			logSuccess("API key removed")
			return nil
		},
	}
}

func newAuthListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Show stored credentials",
		Run: func(cmd *cobra.Command, args []string) {
			key := settings.GetAPIKey(settings.ProviderGoogle)
			if key == "" {
				logInfo("No API key stored (file: %s)", settings.FilePath())
				return
			}
			fmt.Fprintf(os.Stderr, "  google: %s\n", settings.MaskKey(key))
			if os.Getenv(settings.EnvAPIKey) != "" {
				logInfo("%s is set and takes priority over the stored key", settings.EnvAPIKey)
			}
		},
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
