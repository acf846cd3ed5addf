package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// Version information - set via ldflags during build
	// Example: go build -ldflags "-X github.com/airframesio/snapshot-pipeline/cmd.Version=1.2.3"
	Version = "dev"

	// signalContext is set by main() before Cobra initialization
	signalContext context.Context

	cfgFile   string
	debug     bool
	logFormat string

	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#7D56F4")).
			Bold(true).
			Underline(true)

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#00D9FF"))

	logger *slog.Logger
)

// SetSignalContext stores the signal-aware context created in main().
// It must be called before Execute.
func SetSignalContext(ctx context.Context) {
	signalContext = ctx
}

// baseContext returns the signal context, or a fresh one if main did not set it
func baseContext() (context.Context, context.CancelFunc) {
	if signalContext != nil {
		return signalContext, func() {}
	}
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// textOnlyHandler writes one human-readable line per record. Attributes
// are appended in key=value form after the message.
type textOnlyHandler struct {
	opts   slog.HandlerOptions
	writer io.Writer
	attrs  []slog.Attr
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
	var b strings.Builder
	// Format: YYYY-MM-DD HH:MM:SS LEVEL message [key=value ...]
	b.WriteString(r.Time.Format("2006-01-02 15:04:05"))
	b.WriteByte(' ')
	b.WriteString(r.Level.String())
	b.WriteByte(' ')
	b.WriteString(r.Message)

	writeAttr := func(a slog.Attr) bool {
		if a.Equal(slog.Attr{}) {
			return true
		}
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value.Resolve())
		return true
	}
	for _, a := range h.attrs {
		writeAttr(a)
	}
	r.Attrs(writeAttr)
	b.WriteByte('\n')

	_, err := io.WriteString(h.writer, b.String())
	return err
}

func (h *textOnlyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &textOnlyHandler{opts: h.opts, writer: h.writer, attrs: merged}
}

func (h *textOnlyHandler) WithGroup(_ string) slog.Handler {
	// Groups are flattened in text-only mode
	return h
}

// initLogger initializes the slog logger based on debug flag and log format
func initLogger(isDebug bool, format string, w io.Writer) {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	if isDebug {
		opts.Level = slog.LevelDebug
	}

	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	case "logfmt":
		// logfmt uses slog.TextHandler which outputs key=value pairs
		handler = slog.NewTextHandler(w, opts)
	default: // "text" or anything else
		handler = newTextOnlyHandler(w, opts)
	}

	logger = slog.New(handler)
}

var rootCmd = &cobra.Command{
	Use:     "snapshot-pipeline",
	Version: Version,
	Short:   "🗂️  Convert daily parquet snapshots into per-category JSON",
	Long: titleStyle.Render("Snapshot Pipeline") + `

Fetches the dated insights snapshot (a zip of parquet files), groups the files
by category, converts every category to a JSON array with an embedded DuckDB
engine, writes a manifest of row counts and packages the output directory.
Runs on demand, on a cron schedule, from a drop directory or over HTTP.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	Run: func(cmd *cobra.Command, _ []string) {
		// Show help when no subcommand is specified
		cmd.Help()
	},
}

func Execute() error {
	return rootCmd.Execute()
}

// setDefaults registers the default for every configuration key
func setDefaults() {
	viper.SetDefault("log_format", "text")
	viper.SetDefault("source.timeout", "10m")
	viper.SetDefault("download_dir", ".")
	viper.SetDefault("output.daily_dir", "Json_filtered")
	viper.SetDefault("output.initial_dir", "Json_InitialLoad")
	viper.SetDefault("date_offset", 4)
	viper.SetDefault("engine.memory_limit", "4GB")
	viper.SetDefault("engine.threads", 8)
	viper.SetDefault("engine.small_batch_limit", 10)
	viper.SetDefault("engine.mode", "copy")
	viper.SetDefault("workers", 1)
	viper.SetDefault("package.format", "zip")
	viper.SetDefault("s3.region", regionAuto)
	viper.SetDefault("s3.path_template", "{dir}/{YYYY}/{MM}/{DD}")
	viper.SetDefault("ledger.port", 5432)
	viper.SetDefault("ledger.sslmode", "disable")
	viper.SetDefault("ledger.table", "snapshot_runs")
	viper.SetDefault("schedule.cron", "0 6 * * *")
	viper.SetDefault("serve.addr", ":8080")
}

func init() {
	cobra.OnInitialize(initConfig)
	setDefaults()

	rootCmd.AddCommand(processCmd)
	rootCmd.AddCommand(initialLoadCmd)
	rootCmd.AddCommand(scheduleCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(inspectCmd)

	// Persistent flags (available to all subcommands)
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.snapshot-pipeline.yaml)")
	flags.BoolVarP(&debug, "debug", "d", false, "enable debug output (disables the progress view)")
	flags.StringVar(&logFormat, "log-format", "text", "log format (text, logfmt, json)")
	flags.String("state-dir", "", "directory for the PID, task and log files (default $HOME/.snapshot-pipeline)")

	flags.String("source-url", "", "snapshot endpoint; the date and &format=zip are appended")
	flags.String("download-dir", ".", "directory for downloaded archives and packages")
	flags.String("daily-dir", "Json_filtered", "output directory of the process profile")
	flags.String("initial-dir", "Json_InitialLoad", "output directory of the initial-load profile")
	flags.Int("date-offset", 4, "days subtracted from today to get the as-of date")
	flags.Int("workers", 1, "categories converted in parallel")
	flags.String("engine-mode", "copy", "how results leave the engine: copy (COPY TO file) or materialize (rows in memory)")
	flags.String("memory-limit", "4GB", "DuckDB memory limit")
	flags.Int("threads", 8, "DuckDB worker threads")
	flags.Int("small-batch-limit", 10, "largest category converted with a single UNION ALL query")
	flags.String("package-format", "zip", "package format: zip, tar.zst, tar.gz, tar.lz4")
	flags.Int("compression-level", 0, "package compression level (0 = codec default)")

	bindings := map[string]string{
		"debug":                     "debug",
		"log_format":                "log-format",
		"state_dir":                 "state-dir",
		"source.url":                "source-url",
		"download_dir":              "download-dir",
		"output.daily_dir":          "daily-dir",
		"output.initial_dir":        "initial-dir",
		"date_offset":               "date-offset",
		"workers":                   "workers",
		"engine.mode":               "engine-mode",
		"engine.memory_limit":       "memory-limit",
		"engine.threads":            "threads",
		"engine.small_batch_limit":  "small-batch-limit",
		"package.format":            "package-format",
		"package.compression_level": "compression-level",
	}
	for key, flag := range bindings {
		_ = viper.BindPFlag(key, flags.Lookup(flag))
	}
}

// loadEnvFiles loads credentials from .env files. Variables already set in
// the environment win, and .env.local is read before .env so it takes
// precedence over it.
func loadEnvFiles() {
	files := []string{".env.local", ".env"}
	if extra := os.Getenv("ENV_FILE"); extra != "" {
		files = append([]string{extra}, files...)
	}
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			_ = godotenv.Load(f)
		}
	}
}

func initConfig() {
	loadEnvFiles()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".snapshot-pipeline")
	}

	viper.SetEnvPrefix("SNAPSHOT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil && debug {
		// Initialize logger early if reading config in debug mode
		if logger == nil {
			initLogger(debug, logFormat, os.Stdout)
		}
		logger.Debug(fmt.Sprintf("📄 Using config file: %s", viper.ConfigFileUsed()))
	}
}
