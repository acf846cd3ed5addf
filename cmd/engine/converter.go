package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/airframesio/snapshot-pipeline/cmd/output"
)

// DefaultSmallBatchLimit is the largest file count converted with a single
// UNION ALL query
const DefaultSmallBatchLimit = 10

// Opener opens a fresh engine handle for one conversion run
type Opener func(ctx context.Context) (*sql.DB, error)

// Options configures a Converter
type Options struct {
	OutputDir       string
	AsOf            time.Time
	SmallBatchLimit int
	Mode            Mode
	TempDir         string
	Workers         int
	RunID           string
	// Encoding is used by the per-file fallback when it writes retained rows
	Encoding output.Encoding
	// OnResult is called once per category as soon as it finishes. It may be
	// called from several goroutines at once.
	OnResult func(*Result)
	// OnStart is called when a category begins converting
	OnStart func(category string, files int)
}

// Converter turns category batches into JSON output and row counts
type Converter struct {
	open   Opener
	opts   Options
	logger *slog.Logger
}

// NewConverter creates a converter; zero options take their defaults
func NewConverter(open Opener, opts Options, logger *slog.Logger) *Converter {
	if opts.SmallBatchLimit <= 0 {
		opts.SmallBatchLimit = DefaultSmallBatchLimit
	}
	if opts.Mode == "" {
		opts.Mode = ModeCopy
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Converter{open: open, opts: opts, logger: logger}
}

// OutputPath returns where the JSON array for category is written
func (c *Converter) OutputPath(category string) string {
	return filepath.Join(c.opts.OutputDir, output.FileName(category, c.opts.AsOf))
}

// ConvertAll converts every batch and returns one result per batch, in input
// order. It never fails as a whole: a category that cannot be converted comes
// back with Err set and zero rows.
func (c *Converter) ConvertAll(ctx context.Context, batches []Batch) []*Result {
	results := make([]*Result, len(batches))
	if len(batches) == 0 {
		return results
	}

	if err := os.MkdirAll(c.opts.OutputDir, 0o755); err != nil {
		return c.failAll(batches, fmt.Errorf("failed to create output directory: %w", err))
	}

	db, err := c.open(ctx)
	if err != nil {
		c.logger.Error(fmt.Sprintf("❌ Failed to open analytical engine: %v", err))
		return c.failAll(batches, fmt.Errorf("%w: %v", ErrEngineUnavailable, err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			c.logger.Warn(fmt.Sprintf("⚠️  Failed to close analytical engine: %v", err))
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Workers)
	for i, batch := range batches {
		g.Go(func() error {
			results[i] = c.Convert(gctx, db, batch)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (c *Converter) failAll(batches []Batch, err error) []*Result {
	results := make([]*Result, len(batches))
	for i, batch := range batches {
		res := c.newResult(batch.Category)
		res.fail(err)
		c.finish(res, time.Now())
		results[i] = res
	}
	return results
}

func (c *Converter) newResult(category string) *Result {
	return &Result{
		Category:   category,
		AsOf:       c.opts.AsOf,
		OutputPath: c.OutputPath(category),
		Strategy:   StrategyNone,
	}
}

func (c *Converter) finish(res *Result, start time.Time) {
	res.Duration = time.Since(start)
	if c.opts.OnResult != nil {
		c.opts.OnResult(res)
	}
}

// Convert processes one category on its own engine connection
func (c *Converter) Convert(ctx context.Context, db *sql.DB, batch Batch) *Result {
	start := time.Now()
	res := c.newResult(batch.Category)
	defer c.finish(res, start)

	if c.opts.OnStart != nil {
		c.opts.OnStart(batch.Category, len(batch.Blobs))
	}

	// Output from an earlier run must never survive next to a new manifest
	if err := removeIfExists(res.OutputPath); err != nil {
		res.fail(err)
		return res
	}

	if len(batch.Blobs) == 0 {
		res.fail(ErrEmptyBatch)
		return res
	}

	if err := ctx.Err(); err != nil {
		res.fail(err)
		return res
	}

	conn, err := db.Conn(ctx)
	if err != nil {
		c.logger.Error(fmt.Sprintf("❌ %s: failed to acquire engine connection: %v", batch.Category, err))
		res.fail(fmt.Errorf("%w: %v", ErrEngineUnavailable, err))
		return res
	}
	defer conn.Close()

	area, err := newScratch(c.opts.TempDir, c.opts.RunID, batch.Category)
	if err != nil {
		res.fail(err)
		return res
	}
	defer func() {
		if err := area.release(); err != nil {
			c.logger.Warn(fmt.Sprintf("⚠️  Failed to remove scratch directory %s: %v", area.dir, err))
		}
	}()

	files, err := area.materialize(batch.Blobs)
	if err != nil {
		res.fail(err)
		return res
	}

	var out bulkOutcome
	if len(files) <= c.opts.SmallBatchLimit {
		out = c.convertUnion(ctx, conn, files, res.OutputPath)
	} else {
		out = c.convertStaging(ctx, conn, batch.Category, files, res.OutputPath)
	}

	if out.err == nil {
		res.Strategy = out.strategy
		res.addFile(batch.Category, out.rows)
		res.Rows = out.data
		res.Exported = c.opts.Mode == ModeCopy
		c.logger.Debug(fmt.Sprintf("✅ %s: %d records from %d files (%s)", batch.Category, out.rows, len(files), out.strategy))
		return res
	}

	c.logger.Warn(fmt.Sprintf("⚠️  %s conversion failed, retrying file by file: %v", out.strategy, out.err),
		"category", batch.Category, "strategy", string(out.strategy))
	res.FallbackReason = out.err
	if err := removeIfExists(res.OutputPath); err != nil {
		res.fail(err)
		return res
	}

	if err := c.convertPerFile(ctx, conn, area, batch, files, res); err != nil {
		c.logger.Error(fmt.Sprintf("❌ Per-file conversion failed: %v", err),
			"category", batch.Category, "strategy", string(StrategyPerFile))
		_ = removeIfExists(res.OutputPath)
		res.fail(err)
	}
	return res
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}
