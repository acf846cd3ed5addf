package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/airframesio/snapshot-pipeline/cmd/output"
	"github.com/airframesio/snapshot-pipeline/cmd/telemetry"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Expose the pipeline over HTTP",
	Long: `Start an HTTP server with trigger endpoints:

  GET /api/parquet/process      run the process profile
  GET /api/parquet/initialLoad  run the initial-load profile
  GET /api/parquet/status       current task and the last run
  GET /metrics                  Prometheus metrics
  GET /healthz                  liveness`,
	RunE: func(_ *cobra.Command, _ []string) error {
		return runServe()
	},
}

func init() {
	serveCmd.Flags().String("addr", ":8080", "listen address")
	_ = viper.BindPFlag("serve.addr", serveCmd.Flags().Lookup("addr"))
}

// runSummary is the JSON view of the last finished run
type runSummary struct {
	RunID      string    `json:"run_id"`
	Profile    string    `json:"profile"`
	AsOf       string    `json:"as_of"`
	Categories int       `json:"categories"`
	TotalRows  int64     `json:"total_rows"`
	Degraded   []string  `json:"degraded,omitempty"`
	Archive    string    `json:"archive,omitempty"`
	Errors     []string  `json:"errors,omitempty"`
	Duration   string    `json:"duration"`
	FinishedAt time.Time `json:"finished_at"`
}

func summarize(report *RunReport, finished time.Time) *runSummary {
	s := &runSummary{
		RunID:      report.RunID,
		Profile:    string(report.Profile),
		AsOf:       report.AsOf.Format(output.ISODate),
		Categories: len(report.Results),
		TotalRows:  report.TotalRows(),
		Degraded:   report.DegradedCategories(),
		Duration:   report.Duration.Round(time.Millisecond).String(),
		FinishedAt: finished,
	}
	if report.Archive != nil {
		s.Archive = report.Archive.Path
	}
	for _, err := range report.Errors {
		s.Errors = append(s.Errors, err.Error())
	}
	return s
}

// server triggers pipeline runs over HTTP, one at a time
type server struct {
	ctx     context.Context
	config  *Config
	metrics *telemetry.Provider
	logger  *slog.Logger
	started time.Time
	running atomic.Bool

	mu   sync.Mutex
	last *runSummary

	// run is replaced in tests
	run func(ctx context.Context, profile Profile) (*RunReport, error)
}

func newServer(ctx context.Context, config *Config, metrics *telemetry.Provider, logger *slog.Logger) *server {
	s := &server{ctx: ctx, config: config, metrics: metrics, logger: logger, started: time.Now()}
	s.run = s.runPipeline
	return s
}

func (s *server) runPipeline(ctx context.Context, profile Profile) (*RunReport, error) {
	src, err := newSource(s.config, "")
	if err != nil {
		return nil, err
	}
	p, cleanup, err := buildPipeline(ctx, s.config, profile, src, s.metrics)
	if err != nil {
		return nil, err
	}
	defer cleanup()
	return p.Run(ctx)
}

// requestLogger logs one line per request
func (s *server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug(fmt.Sprintf("🌐 %s %s %d (%s)", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start).Round(time.Millisecond)))
	}
}

func (s *server) router() *gin.Engine {
	if s.config.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	api := r.Group("/api/parquet")
	api.GET("/process", s.handleRun(ProfileProcess))
	api.GET("/initialLoad", s.handleRun(ProfileInitialLoad))
	api.GET("/status", s.handleStatus)

	r.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	r.GET("/healthz", s.handleHealth)
	return r
}

// handleRun runs a profile synchronously and answers with a plain-text outcome
func (s *server) handleRun(profile Profile) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.running.CompareAndSwap(false, true) {
			c.String(http.StatusConflict, "Error: %v", ErrRunInProgress)
			return
		}
		defer s.running.Store(false)

		// The run outlives a dropped client connection
		report, err := s.run(s.ctx, profile)
		if report != nil {
			s.mu.Lock()
			s.last = summarize(report, time.Now())
			s.mu.Unlock()
		}
		if err != nil {
			s.logger.Error(fmt.Sprintf("❌ %s run failed: %v", profile, err))
			c.String(http.StatusInternalServerError, "Error: %v", err)
			return
		}
		c.String(http.StatusOK, "Processing completed!")
	}
}

func (s *server) handleStatus(c *gin.Context) {
	s.mu.Lock()
	last := s.last
	s.mu.Unlock()

	resp := gin.H{"running": s.running.Load(), "last_run": last}
	if task, err := ReadTaskInfo(); err == nil {
		resp["task"] = task
	}
	c.JSON(http.StatusOK, resp)
}

func (s *server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"version": Version,
		"uptime":  time.Since(s.started).Round(time.Second).String(),
	})
}

func runServe() error {
	config, err := prepare(os.Stdout)
	if err != nil {
		return err
	}
	if config.Serve.Addr == "" {
		return ErrServeAddrRequired
	}
	if err := config.ValidateSource(); err != nil {
		return err
	}

	ctx, stop := baseContext()
	defer stop()

	s := newServer(ctx, config, telemetry.NewProvider(), logger)
	httpServer := &http.Server{
		Addr:              config.Serve.Addr,
		Handler:           s.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(fmt.Sprintf("🌐 Listening on %s", config.Serve.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("⚠️  Interrupt signal received, shutting down...")
	}

	// The signal context is already cancelled
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}
	logger.Info("✅ Server stopped")
	return nil
}
