package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// defaultIDFile is the shard ID file used when no positional argument is given
const defaultIDFile = "arxiv-shards.txt"

var (
	// Version information - set via ldflags during build
	// Example: go build -ldflags "-X github.com/kaieberl/common-pile/cmd.Version=1.2.3"
	Version = "dev" // Default to "dev" if not set during build

	// signalContext is set by main() before Cobra initialization
	// This ensures signal handling is set up before any library can interfere
	signalContext context.Context

	// versionCheckResult stores the result of the background version check
	// This is shared between the startup check and TUI display
	versionCheckResult *VersionCheckResult

	cfgFile          string
	debug            bool
	logFormat        string
	dryRun           bool
	repo             string
	workDir          string
	s3Bucket         string
	s3Prefix         string
	s3Region         string
	remoteDir        string
	compression      string
	compressionLevel int
	orderCheck       bool
	workers          int
	manifestFetch    bool
	manifestFrom     string
	manifestTo       string
	manifestOutput   string

	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#7D56F4")).
			Bold(true).
			Underline(true)

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#00D9FF"))

	logger *slog.Logger
)

// SetSignalContext stores the signal-aware context created in main()
// This must be called before Execute() to ensure proper signal handling
func SetSignalContext(ctx context.Context) {
	signalContext = ctx
}

// textOnlyHandler is a custom slog handler that outputs human-readable text
// without key=value pairs, suitable for interactive terminal usage
type textOnlyHandler struct {
	opts   slog.HandlerOptions
	writer io.Writer
}

func newTextOnlyHandler(w io.Writer, opts *slog.HandlerOptions) *textOnlyHandler {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	return &textOnlyHandler{
		opts:   *opts,
		writer: w,
	}
}

func (h *textOnlyHandler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}
	return level >= minLevel
}

func (h *textOnlyHandler) Handle(_ context.Context, r slog.Record) error {
	// Format: YYYY-MM-DD HH:MM:SS LEVEL message
	timestamp := r.Time.Format("2006-01-02 15:04:05")
	level := r.Level.String()

	// Write the log entry
	_, err := fmt.Fprintf(h.writer, "%s %s %s\n", timestamp, level, r.Message)
	return err
}

func (h *textOnlyHandler) WithAttrs(_ []slog.Attr) slog.Handler {
	// For simplicity, we ignore attributes in text-only mode
	return h
}

func (h *textOnlyHandler) WithGroup(_ string) slog.Handler {
	// For simplicity, we ignore groups in text-only mode
	return h
}

// initLogger initializes the slog logger based on debug flag and log format
func initLogger(isDebug bool, format string) {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	if isDebug {
		opts.Level = slog.LevelDebug
	}

	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	case "logfmt":
		// logfmt uses slog.TextHandler which outputs key=value pairs
		handler = slog.NewTextHandler(os.Stdout, opts)
	default: // "text" or anything else
		// For human-readable text output, we'll use a custom handler
		// that formats messages more naturally without key=value pairs
		handler = newTextOnlyHandler(os.Stdout, opts)
	}

	logger = slog.New(handler)
}

var rootCmd = &cobra.Command{
	Use:     "arxiv-tex",
	Version: Version,
	Short:   "📦 Build a TeX-only dataset from arXiv source shards",
	Long: titleStyle.Render("arXiv TeX Extractor") + `

A CLI tool to build a TeX-only arXiv source dataset.
Downloads source shards from the arXiv requester-pays S3 bucket, extracts the
TeX files from every submission, and uploads the packaged archives to a
Hugging Face dataset repository.`,
	Run: func(cmd *cobra.Command, _ []string) {
		// Show help when no subcommand is specified
		cmd.Help()
	},
}

var reduceCmd = &cobra.Command{
	Use:   "reduce [id-file]",
	Short: "Extract TeX from shards and upload one archive per month",
	Long: `Process shards strictly in file order, extracting TeX sources into one
directory per submission month. Whenever the month changes, the finished
directory is packaged and uploaded to the dataset repository, so each month's
shards must be contiguous in the ID file. Any failure ends the run.`,
	Args: cobra.MaximumNArgs(1),
	PreRun: func(cmd *cobra.Command, _ []string) {
		bindPipelineFlags(cmd)
	},
	Run: func(_ *cobra.Command, args []string) {
		runReduce(args)
	},
}

var shardsCmd = &cobra.Command{
	Use:   "shards [id-file]",
	Short: "Process shards in parallel, one uploaded archive per shard",
	Long: `Process every shard independently with a pool of workers. Each shard's TeX
is packaged and uploaded as its own archive, so order does not matter and a
failed shard does not stop the others.`,
	Args: cobra.MaximumNArgs(1),
	PreRun: func(cmd *cobra.Command, _ []string) {
		bindPipelineFlags(cmd)
		_ = viper.BindPFlag("workers", cmd.Flags().Lookup("workers"))
	},
	Run: func(_ *cobra.Command, args []string) {
		runShards(args)
	},
}

var manifestCmd = &cobra.Command{
	Use:   "manifest [manifest.xml]",
	Short: "Generate a shard ID file from the arXiv source manifest",
	Long: `Read the arXiv bulk-source manifest, by default from a local
arXiv_src_manifest.xml (--fetch downloads it from the source bucket instead),
and write the shard IDs whose month falls inside the window to an ID file for
reduce and shards.`,
	Args: cobra.MaximumNArgs(1),
	PreRun: func(cmd *cobra.Command, _ []string) {
		_ = viper.BindPFlag("s3.bucket", cmd.Flags().Lookup("s3-bucket"))
		_ = viper.BindPFlag("s3.prefix", cmd.Flags().Lookup("s3-prefix"))
		_ = viper.BindPFlag("s3.region", cmd.Flags().Lookup("s3-region"))
		_ = viper.BindPFlag("manifest.fetch", cmd.Flags().Lookup("fetch"))
		_ = viper.BindPFlag("manifest.from", cmd.Flags().Lookup("from"))
		_ = viper.BindPFlag("manifest.to", cmd.Flags().Lookup("to"))
		_ = viper.BindPFlag("manifest.output", cmd.Flags().Lookup("output"))
	},
	Run: func(_ *cobra.Command, args []string) {
		runManifestCmd(args)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version and check for updates",
	Run: func(_ *cobra.Command, _ []string) {
		runVersion()
	},
}

func Execute() error {
	return rootCmd.Execute()
}

// registerPipelineFlags adds the flags shared by reduce and shards. Both
// commands deliberately expose the same surface; only ordering semantics and
// the worker count differ.
func registerPipelineFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&repo, "repo", "kai271/arxiv-papers", "Hugging Face dataset repository (owner/name)")
	cmd.Flags().StringVar(&workDir, "work-dir", "data", "working directory for extraction and packaging")
	cmd.Flags().StringVar(&s3Bucket, "s3-bucket", "arxiv", "source S3 bucket")
	cmd.Flags().StringVar(&s3Prefix, "s3-prefix", "src", "key prefix of the source tars")
	cmd.Flags().StringVar(&s3Region, "s3-region", "us-east-1", "region of the source bucket")
	cmd.Flags().StringVar(&remoteDir, "remote-dir", "shards", "remote directory template: {month}, {shard}, {YYYY}, {MM}")
	cmd.Flags().StringVar(&compression, "compression", "gzip", "compression type: gzip, zstd, lz4, none")
	cmd.Flags().IntVar(&compressionLevel, "compression-level", 6, "compression level (zstd: 1-22, lz4/gzip: 1-9, none: 0)")
}

// bindPipelineFlags binds the running command's flags into viper. Binding at
// init time would not work here: reduce and shards register the same keys,
// and with viper only the last bound command's flags would ever be read.
func bindPipelineFlags(cmd *cobra.Command) {
	_ = viper.BindPFlag("repo", cmd.Flags().Lookup("repo"))
	_ = viper.BindPFlag("work_dir", cmd.Flags().Lookup("work-dir"))
	_ = viper.BindPFlag("s3.bucket", cmd.Flags().Lookup("s3-bucket"))
	_ = viper.BindPFlag("s3.prefix", cmd.Flags().Lookup("s3-prefix"))
	_ = viper.BindPFlag("s3.region", cmd.Flags().Lookup("s3-region"))
	_ = viper.BindPFlag("remote_dir", cmd.Flags().Lookup("remote-dir"))
	_ = viper.BindPFlag("compression", cmd.Flags().Lookup("compression"))
	_ = viper.BindPFlag("compression_level", cmd.Flags().Lookup("compression-level"))

	if f := cmd.Flags().Lookup("order-check"); f != nil {
		_ = viper.BindPFlag("order_check", f)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.AddCommand(reduceCmd)
	rootCmd.AddCommand(shardsCmd)
	rootCmd.AddCommand(manifestCmd)
	rootCmd.AddCommand(versionCmd)

	// Persistent flags (available to all subcommands)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.arxiv-tex.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug output")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, logfmt, json)")
	rootCmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "log planned work without downloading or uploading")

	registerPipelineFlags(reduceCmd)
	reduceCmd.Flags().BoolVar(&orderCheck, "order-check", true, "verify that same-month shards are contiguous before starting")

	registerPipelineFlags(shardsCmd)
	shardsCmd.Flags().IntVar(&workers, "workers", 4, "number of parallel workers")

	manifestCmd.Flags().StringVar(&s3Bucket, "s3-bucket", "arxiv", "source S3 bucket")
	manifestCmd.Flags().StringVar(&s3Prefix, "s3-prefix", "src", "key prefix of the source tars")
	manifestCmd.Flags().StringVar(&s3Region, "s3-region", "us-east-1", "region of the source bucket")
	manifestCmd.Flags().BoolVar(&manifestFetch, "fetch", false, "download the manifest from the source bucket instead of reading a local file")
	manifestCmd.Flags().StringVar(&manifestFrom, "from", "1501", "first month to include (YYMM, empty for no lower bound)")
	manifestCmd.Flags().StringVar(&manifestTo, "to", "3000", "last month to include (YYMM, empty for no upper bound)")
	manifestCmd.Flags().StringVar(&manifestOutput, "output", defaultIDFile, "path of the shard ID file to write")

	// Note: We don't use MarkFlagRequired because it checks before viper loads
	// the config file. Validation happens in config.Validate() after all
	// config sources are loaded.

	// Persistent flags live on the root command only, so binding them once
	// at init time is safe. Command flags are bound in PreRun instead.
	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	_ = viper.BindPFlag("log_format", rootCmd.PersistentFlags().Lookup("log-format"))
	_ = viper.BindPFlag("dry_run", rootCmd.PersistentFlags().Lookup("dry-run"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".arxiv-tex")
	}

	viper.SetDefault("id_file", defaultIDFile)

	viper.SetEnvPrefix("ARXIV")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil && debug {
		// Initialize logger early if reading config in debug mode
		if logger == nil {
			initLogger(debug, logFormat)
		}
		logger.Debug(fmt.Sprintf("📄 Using config file: %s", viper.ConfigFileUsed()))
	}
}

// pipelineConfig assembles the shared configuration for reduce and shards.
// The positional ID file argument wins over config and environment.
func pipelineConfig(args []string, workerCount int) *Config {
	idFile := viper.GetString("id_file")
	if len(args) > 0 {
		idFile = args[0]
	}

	return &Config{
		Debug:     viper.GetBool("debug"),
		LogFormat: viper.GetString("log_format"),
		DryRun:    viper.GetBool("dry_run"),
		Workers:   workerCount,
		IDFile:    idFile,
		WorkDir:   viper.GetString("work_dir"),
		Repo:      viper.GetString("repo"),
		S3: S3Config{
			Bucket: viper.GetString("s3.bucket"),
			Prefix: viper.GetString("s3.prefix"),
			Region: viper.GetString("s3.region"),
		},
		RemoteDir:        viper.GetString("remote_dir"),
		Compression:      viper.GetString("compression"),
		CompressionLevel: viper.GetInt("compression_level"),
		OrderCheck:       viper.GetBool("order_check"),
	}
}

func runReduce(args []string) {
	// Add panic recovery to catch any unexpected crashes
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "\n❌ PANIC: %v\n", r)
			os.Exit(1)
		}
	}()

	// The reducer is strictly sequential; a single worker keeps month
	// buckets contiguous
	config := pipelineConfig(args, 1)

	// Initialize logger
	initLogger(config.Debug, config.LogFormat)

	// Log startup banner
	logger.Info("")
	logger.Info(fmt.Sprintf("🚀 arXiv TeX Extractor v%s", Version))
	logger.Info("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")

	logger.Debug("Validating configuration...")
	if err := config.Validate(); err != nil {
		logger.Error(fmt.Sprintf("❌ Configuration error: %s", err.Error()))
		os.Exit(1)
	}
	logger.Debug("Configuration validated successfully")

	// Check for updates in background (non-blocking)
	updateCheckDone := make(chan struct{})
	go func() {
		defer close(updateCheckDone)
		result := checkForUpdates(context.Background(), Version)
		versionCheckResult = &result

		if result.UpdateAvailable {
			logger.Info("")
			logger.Info(fmt.Sprintf("💡 %s", formatUpdateMessage(result)))
		} else if result.Error != nil && config.Debug {
			logger.Debug(fmt.Sprintf("Version check failed: %v", result.Error))
		}
	}()

	// Give version check a short time to complete, but don't block startup
	select {
	case <-updateCheckDone:
		// Version check completed quickly
	case <-time.After(2 * time.Second):
		// Continue without waiting further
		logger.Debug("Version check taking longer than expected, continuing...")
	}

	ctx := signalCtx()

	// Set up a goroutine to force-exit if graceful shutdown takes too long
	exited := make(chan struct{})
	go watchForShutdown(ctx, exited)

	logger.Debug("Creating reducer...")
	reducer, err := NewReducer(config, logger)
	if err != nil {
		logger.Error(fmt.Sprintf("❌ Setup failed: %s", err.Error()))
		os.Exit(1)
	}

	logger.Debug("Starting reduce process...")
	err = reducer.Run(ctx)
	close(exited) // Signal that the pipeline has exited

	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("")
			logger.Info("⚠️  Reduce cancelled by user")
			os.Exit(130)
		}
		logger.Error(fmt.Sprintf("❌ Reduce failed: %s", err.Error()))
		os.Exit(1)
	}

	logger.Info("")
	logger.Info("✅ Reduce completed successfully!")
}

func runShards(args []string) {
	// Add panic recovery to catch any unexpected crashes
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "\n❌ PANIC: %v\n", r)
			os.Exit(1)
		}
	}()

	config := pipelineConfig(args, viper.GetInt("workers"))
	// Per-shard archives never span months, so input order is irrelevant
	config.OrderCheck = false

	// Initialize logger
	initLogger(config.Debug, config.LogFormat)

	// Log startup banner
	logger.Info("")
	logger.Info(fmt.Sprintf("🚀 arXiv TeX Extractor v%s - per-shard mode", Version))
	logger.Info("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")

	logger.Debug("Validating configuration...")
	if err := config.Validate(); err != nil {
		logger.Error(fmt.Sprintf("❌ Configuration error: %s", err.Error()))
		os.Exit(1)
	}
	logger.Debug("Configuration validated successfully")

	ctx := signalCtx()

	// Set up a goroutine to force-exit if graceful shutdown takes too long
	exited := make(chan struct{})
	go watchForShutdown(ctx, exited)

	logger.Debug("Creating shard pool...")
	pool, err := NewShardPool(config, logger)
	if err != nil {
		logger.Error(fmt.Sprintf("❌ Setup failed: %s", err.Error()))
		os.Exit(1)
	}

	logger.Debug("Starting shard pool...")
	err = pool.Run(ctx)
	close(exited) // Signal that the pipeline has exited

	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("")
			logger.Info("⚠️  Run cancelled by user")
			os.Exit(130)
		}
		logger.Error(fmt.Sprintf("❌ Shard processing failed: %s", err.Error()))
		os.Exit(1)
	}

	logger.Info("")
	logger.Info("✅ All shards completed successfully!")
}

func runManifestCmd(args []string) {
	// Add panic recovery to catch any unexpected crashes
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "\n❌ PANIC: %v\n", r)
			os.Exit(1)
		}
	}()

	config := &Config{
		Debug:     viper.GetBool("debug"),
		LogFormat: viper.GetString("log_format"),
		S3: S3Config{
			Bucket: viper.GetString("s3.bucket"),
			Prefix: viper.GetString("s3.prefix"),
			Region: viper.GetString("s3.region"),
		},
	}

	// Initialize logger
	initLogger(config.Debug, config.LogFormat)

	// Log startup banner
	logger.Info("")
	logger.Info(fmt.Sprintf("🚀 arXiv TeX Extractor v%s - manifest mode", Version))
	logger.Info("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")

	// The default input matches what a bulk-data mirror leaves behind; an
	// empty path below means the manifest is fetched from S3 instead
	manifestPath := manifestName
	if len(args) > 0 {
		manifestPath = args[0]
	}
	if viper.GetBool("manifest.fetch") {
		manifestPath = ""
	}

	// Only the S3 settings matter here, and only when fetching
	if manifestPath == "" && config.S3.Bucket == "" {
		logger.Error(fmt.Sprintf("❌ Configuration error: %s", ErrS3BucketRequired.Error()))
		os.Exit(1)
	}

	ctx := signalCtx()

	err := runManifest(ctx, logger, config, manifestPath,
		viper.GetString("manifest.from"),
		viper.GetString("manifest.to"),
		viper.GetString("manifest.output"))
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("")
			logger.Info("⚠️  Manifest generation cancelled by user")
			os.Exit(130)
		}
		logger.Error(fmt.Sprintf("❌ Manifest generation failed: %s", err.Error()))
		os.Exit(1)
	}
}

func runVersion() {
	fmt.Printf("arxiv-tex v%s\n", Version)

	result := checkForUpdates(context.Background(), Version)
	switch {
	case result.UpdateAvailable:
		fmt.Println(infoStyle.Render("💡 " + formatUpdateMessage(result)))
	case result.Error != nil:
		fmt.Printf("Update check failed: %v\n", result.Error)
	case result.LatestVersion != "":
		fmt.Println("You are running the latest version")
	}
}

// signalCtx returns the signal-aware context created in main(), falling back
// to a fresh one if SetSignalContext was never called
func signalCtx() context.Context {
	if signalContext != nil {
		return signalContext
	}

	logger.Warn("Signal context not set, creating fallback...")
	ctx, _ := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	return ctx
}

// watchForShutdown force-exits the process if graceful shutdown stalls after
// an interrupt. exited must be closed when the pipeline returns.
func watchForShutdown(ctx context.Context, exited chan struct{}) {
	<-ctx.Done()

	select {
	case <-exited:
		// Pipeline already finished; nothing to interrupt
		return
	default:
	}

	logger.Info("")
	logger.Info("⚠️  Interrupt signal received, shutting down...")

	// Wait for graceful shutdown, but force exit after 2 seconds
	select {
	case <-exited:
		// Graceful shutdown completed
	case <-time.After(2 * time.Second):
		logger.Error("⚠️  Graceful shutdown timed out, forcing exit...")
		os.Exit(130)
	}
}
