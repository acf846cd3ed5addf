package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/airframesio/snapshot-pipeline/cmd/fetcher"
	"github.com/airframesio/snapshot-pipeline/cmd/telemetry"
)

var (
	ErrWatchDirRequired = errors.New("schedule.watch_dir is required with --watch")

	watchMode bool
)

// defaultSettleDelay lets a copy into the drop directory finish before the run starts
const defaultSettleDelay = 2 * time.Second

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run the process profile on a cron schedule",
	Long: `Run the process profile every time schedule.cron fires (default 06:00 daily).
With --watch, a run also starts for every .zip file created in schedule.watch_dir,
using that file instead of downloading.`,
	RunE: func(_ *cobra.Command, _ []string) error {
		return runSchedule()
	},
}

func init() {
	scheduleCmd.Flags().String("cron", "0 6 * * *", "cron expression (minute hour dom month dow)")
	scheduleCmd.Flags().BoolVar(&watchMode, "watch", false, "also run for zip files dropped into schedule.watch_dir")
	scheduleCmd.Flags().String("watch-dir", "", "drop directory watched with --watch")
	scheduleCmd.Flags().String("metrics-addr", "", "serve /metrics on this address while scheduling")
	_ = viper.BindPFlag("schedule.cron", scheduleCmd.Flags().Lookup("cron"))
	_ = viper.BindPFlag("schedule.watch_dir", scheduleCmd.Flags().Lookup("watch-dir"))
	_ = viper.BindPFlag("schedule.metrics_addr", scheduleCmd.Flags().Lookup("metrics-addr"))
}

// cronLogger adapts slog to the cron.Logger interface
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(fmt.Sprintf("❌ cron: %s: %v", msg, err), keysAndValues...)
}

// scheduler starts pipeline runs from cron ticks and dropped archives. Runs
// never overlap: a trigger that fires while a run is active is skipped.
type scheduler struct {
	config  *Config
	metrics *telemetry.Provider
	logger  *slog.Logger
	settle  time.Duration
	mu      sync.Mutex

	// run is replaced in tests
	run func(ctx context.Context, src fetcher.Fetcher) error
}

func newScheduler(config *Config, metrics *telemetry.Provider, logger *slog.Logger) *scheduler {
	s := &scheduler{config: config, metrics: metrics, logger: logger, settle: defaultSettleDelay}
	s.run = s.runPipeline
	return s
}

func (s *scheduler) runPipeline(ctx context.Context, src fetcher.Fetcher) error {
	p, cleanup, err := buildPipeline(ctx, s.config, ProfileProcess, src, s.metrics)
	if err != nil {
		return err
	}
	defer cleanup()
	_, err = p.Run(ctx)
	return err
}

// trigger runs the pipeline unless a run is already active
func (s *scheduler) trigger(ctx context.Context, reason string, src fetcher.Fetcher) bool {
	if !s.mu.TryLock() {
		s.logger.Warn(fmt.Sprintf("⏭  Skipping %s trigger, a run is still active", reason))
		return false
	}
	defer s.mu.Unlock()

	s.logger.Info(fmt.Sprintf("⏰ Run triggered by %s", reason))
	if err := s.run(ctx, src); err != nil {
		s.logger.Error(fmt.Sprintf("❌ Scheduled run failed: %v", err))
	}
	return true
}

// newCron builds the cron runner with the standard five-field parser
func (s *scheduler) newCron(ctx context.Context, src fetcher.Fetcher) (*cron.Cron, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	cl := cronLogger{logger: s.logger}
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cl)), cron.WithLogger(cl))

	if _, err := c.AddFunc(s.config.Schedule.Cron, func() {
		s.trigger(ctx, "schedule", src)
	}); err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", s.config.Schedule.Cron, err)
	}
	return c, nil
}

// isSnapshotArchive reports whether a watch event announces a new zip file
func isSnapshotArchive(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return false
	}
	name := filepath.Base(event.Name)
	if strings.HasPrefix(name, ".") {
		return false
	}
	return strings.EqualFold(filepath.Ext(name), ".zip")
}

// watch triggers a run for every archive dropped into dir until ctx is done
func (s *scheduler) watch(ctx context.Context, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create watch directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	s.logger.Info(fmt.Sprintf("👀 Watching %s for snapshot archives", dir))

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isSnapshotArchive(event) {
				continue
			}
			path := event.Name
			go func() {
				select {
				case <-ctx.Done():
					return
				case <-time.After(s.settle):
				}
				s.trigger(ctx, "archive "+filepath.Base(path), fetcher.LocalFetcher{Path: path})
			}()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn(fmt.Sprintf("⚠️  Watcher error: %v", err))
		}
	}
}

// metricsRouter exposes the scheduler's registry, the runs it records would
// otherwise stay in-process
func (s *scheduler) metricsRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	return r
}

// serveMetrics runs the metrics listener until ctx is done
func (s *scheduler) serveMetrics(ctx context.Context, addr string) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.metricsRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info(fmt.Sprintf("📈 Metrics on %s/metrics", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error(fmt.Sprintf("❌ Metrics listener stopped: %v", err))
	}
}

func runSchedule() error {
	config, err := prepare(os.Stdout)
	if err != nil {
		return err
	}
	if watchMode && config.Schedule.WatchDir == "" {
		return ErrWatchDirRequired
	}

	src, err := newSource(config, "")
	if err != nil {
		return err
	}

	ctx, stop := baseContext()
	defer stop()

	s := newScheduler(config, telemetry.NewProvider(), logger)
	c, err := s.newCron(ctx, src)
	if err != nil {
		return err
	}
	c.Start()
	logger.Info(fmt.Sprintf("🗓️  Scheduler started (%s)", config.Schedule.Cron))

	if config.Schedule.MetricsAddr != "" {
		go s.serveMetrics(ctx, config.Schedule.MetricsAddr)
	}

	if watchMode {
		go func() {
			if err := s.watch(ctx, config.Schedule.WatchDir); err != nil {
				logger.Error(fmt.Sprintf("❌ Watcher stopped: %v", err))
			}
		}()
	}

	<-ctx.Done()
	logger.Info("⚠️  Interrupt signal received, waiting for the active run...")
	<-c.Stop().Done()
	logger.Info("✅ Scheduler stopped")
	return nil
}
