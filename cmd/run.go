package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/airframesio/snapshot-pipeline/cmd/fetcher"
	"github.com/airframesio/snapshot-pipeline/cmd/ledger"
	"github.com/airframesio/snapshot-pipeline/cmd/output"
	"github.com/airframesio/snapshot-pipeline/cmd/publish"
	"github.com/airframesio/snapshot-pipeline/cmd/telemetry"
)

var (
	archivePath string
	noPackage   bool

	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#04B575")).Bold(true)
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFAA00"))
)

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Convert the daily snapshot into the daily output directory",
	Long: `Fetch the snapshot dated today minus date_offset, convert every category
to JSON in output.daily_dir, write the manifest and package the directory.`,
	RunE: func(_ *cobra.Command, _ []string) error {
		return runProfile(ProfileProcess)
	},
}

var initialLoadCmd = &cobra.Command{
	Use:   "initial-load",
	Short: "Convert a snapshot into the initial-load output directory",
	RunE: func(_ *cobra.Command, _ []string) error {
		return runProfile(ProfileInitialLoad)
	},
}

func init() {
	for _, c := range []*cobra.Command{processCmd, initialLoadCmd} {
		c.Flags().StringVar(&archivePath, "archive", "", "use a local snapshot zip instead of downloading")
		c.Flags().BoolVar(&noPackage, "no-package", false, "skip packaging the output directory")
	}
}

// prepare loads and validates the configuration and initializes logging to w
func prepare(w io.Writer) (*Config, error) {
	config := loadConfig()
	if noPackage {
		config.Package.Skip = true
	}
	stateDirOverride = config.StateDir

	initLogger(config.Debug, config.LogFormat, w)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}
	logger.Debug("Configuration validated successfully")
	return config, nil
}

// newSource returns the archive source for a run: a local file when one is
// given, the configured HTTP endpoint otherwise
func newSource(config *Config, local string) (fetcher.Fetcher, error) {
	if local != "" {
		return fetcher.LocalFetcher{Path: local}, nil
	}
	if err := config.ValidateSource(); err != nil {
		return nil, err
	}
	return fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		URL:         config.Source.URL,
		Username:    config.Source.Username,
		Password:    config.Source.Password,
		Timeout:     config.Source.Timeout,
		DownloadDir: config.DownloadDir,
	}, logger), nil
}

// buildPipeline wires the optional publisher, ledger and metrics into a
// pipeline. The returned cleanup func closes what was opened.
func buildPipeline(ctx context.Context, config *Config, profile Profile, src fetcher.Fetcher, metrics *telemetry.Provider) (*Pipeline, func(), error) {
	p := NewPipeline(config, profile, src, logger)
	p.SetMetrics(metrics)
	cleanup := func() {}

	if config.S3.Enabled {
		pub, err := publish.New(publish.Options{
			Endpoint:     config.S3.Endpoint,
			Region:       config.S3.Region,
			Bucket:       config.S3.Bucket,
			AccessKey:    config.S3.AccessKey,
			SecretKey:    config.S3.SecretKey,
			PathTemplate: config.S3.PathTemplate,
		}, logger)
		if err != nil {
			return nil, cleanup, fmt.Errorf("failed to create publisher: %w", err)
		}
		p.SetPublisher(pub)
	}

	if config.Ledger.Enabled {
		l, err := ledger.Open(ctx, ledger.Connection{
			Host:     config.Ledger.Host,
			Port:     config.Ledger.Port,
			User:     config.Ledger.User,
			Password: config.Ledger.Password,
			Name:     config.Ledger.Name,
			SSLMode:  config.Ledger.SSLMode,
		}, config.Ledger.Table, logger)
		if err != nil {
			return nil, cleanup, fmt.Errorf("failed to open ledger: %w", err)
		}
		if err := l.EnsureTable(ctx); err != nil {
			l.Close()
			return nil, cleanup, err
		}
		p.SetRecorder(l)
		cleanup = func() { l.Close() }
	}

	return p, cleanup, nil
}

// useProgressView reports whether the run should draw the terminal UI
func useProgressView(config *Config) bool {
	return !config.Debug && config.LogFormat == "text" && isatty.IsTerminal(os.Stdout.Fd())
}

// openLogFile opens the log file used while the progress view owns the terminal
func openLogFile() (*os.File, error) {
	dir := GetStateDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(filepath.Join(dir, "pipeline.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

func runProfile(profile Profile) error {
	// The progress decision needs the config before logging is set up
	stateDirOverride = viper.GetString("state_dir")
	tui := useProgressView(loadConfig())

	var out io.Writer = os.Stdout
	if tui {
		f, err := openLogFile()
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		defer f.Close()
		out = f
	}

	config, err := prepare(out)
	if err != nil {
		return err
	}

	logger.Info("")
	logger.Info(fmt.Sprintf("🚀 Snapshot Pipeline v%s (%s)", Version, profile))
	logger.Info("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")

	src, err := newSource(config, archivePath)
	if err != nil {
		return err
	}

	ctx, stop := baseContext()
	defer stop()

	p, cleanup, err := buildPipeline(ctx, config, profile, src, nil)
	if err != nil {
		return err
	}
	defer cleanup()

	var report *RunReport
	if tui {
		report, err = runWithProgress(ctx, p, profile)
	} else {
		report, err = p.Run(ctx)
	}

	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("⚠️  Run cancelled by signal")
		}
		return err
	}

	printReport(os.Stdout, report)
	return nil
}

// printReport writes a short human summary of a run
func printReport(w io.Writer, report *RunReport) {
	fmt.Fprintln(w, successStyle.Render(fmt.Sprintf("✅ %s run for %s completed in %s",
		report.Profile, report.AsOf.Format(output.ISODate), report.Duration.Round(time.Millisecond))))
	fmt.Fprintln(w, infoStyle.Render(fmt.Sprintf("   %d categories, %d rows → %s", len(report.Results), report.TotalRows(), report.OutputDir)))
	if report.Archive != nil {
		fmt.Fprintln(w, infoStyle.Render(fmt.Sprintf("   📦 %s (%d bytes)", report.Archive.Path, report.Archive.Bytes)))
	}
	if report.Published != nil {
		fmt.Fprintln(w, infoStyle.Render(fmt.Sprintf("   ☁️  s3 key %s", report.Published.Key)))
	}
	if degraded := report.DegradedCategories(); len(degraded) > 0 {
		fmt.Fprintln(w, warnStyle.Render(fmt.Sprintf("   ⚠️  degraded categories: %v", degraded)))
	}
	for _, err := range report.Errors {
		fmt.Fprintln(w, warnStyle.Render(fmt.Sprintf("   ⚠️  %v", err)))
	}
}
