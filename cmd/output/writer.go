// Package output writes converted categories to disk: one JSON document per
// category plus the pipe-delimited manifest that audits every run.
package output

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/airframesio/snapshot-pipeline/cmd/record"
)

var ErrRecordCountMismatch = errors.New("record count does not match manifest")

// Dataset is one category as handed over by the conversion stage
type Dataset struct {
	Category  string
	AsOf      time.Time
	TotalRows int64
	// Rows holds the records when they were materialized in memory
	Rows     []record.Row
	Retained bool
	// Exported is set when the engine wrote the category's file during this run
	Exported bool
}

// Entry is one manifest line
type Entry struct {
	Category  string
	AsOf      time.Time
	TotalRows int64
}

// String renders the entry as category|YYYYMMDD|rows
func (e Entry) String() string {
	return e.Category + "|" + e.AsOf.Format(CompactDate) + "|" + strconv.FormatInt(e.TotalRows, 10)
}

// Options configures a Writer
type Options struct {
	Dir           string
	Encoding      Encoding
	DatedManifest bool
	VerifyRecords bool
}

// Summary lists what a Write call produced
type Summary struct {
	Files    []string
	Manifest string
	Entries  []Entry
}

// Writer serializes datasets and the manifest into a directory
type Writer struct {
	opts   Options
	logger *slog.Logger
}

// NewWriter creates a new writer
func NewWriter(opts Options, logger *slog.Logger) *Writer {
	return &Writer{opts: opts, logger: logger}
}

// Dir returns the output directory
func (w *Writer) Dir() string {
	return w.opts.Dir
}

// Path returns the JSON output path for a category
func (w *Writer) Path(category string, asOf time.Time) string {
	return filepath.Join(w.opts.Dir, FileName(category, asOf))
}

// Write writes one JSON file per dataset and the manifest. A failure on one
// file is logged and collected; the remaining files are still written.
func (w *Writer) Write(datasets []Dataset, asOf time.Time) (Summary, error) {
	var summary Summary

	if err := os.MkdirAll(w.opts.Dir, 0o755); err != nil {
		return summary, fmt.Errorf("failed to create output directory: %w", err)
	}

	sorted := make([]Dataset, len(datasets))
	copy(sorted, datasets)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Category < sorted[j].Category })

	var errs []error
	for _, ds := range sorted {
		path, err := w.writeDataset(ds)
		if err != nil {
			w.logger.Error(fmt.Sprintf("❌ Error writing JSON file %s: %v", filepath.Base(path), err),
				"category", ds.Category)
			errs = append(errs, fmt.Errorf("%s: %w", ds.Category, err))
		} else {
			w.logger.Debug(fmt.Sprintf("  💾 JSON saved: %s", path))
			summary.Files = append(summary.Files, path)
		}
		summary.Entries = append(summary.Entries, Entry{Category: ds.Category, AsOf: ds.AsOf, TotalRows: ds.TotalRows})
	}

	manifest, err := w.writeManifest(summary.Entries, asOf)
	if err != nil {
		w.logger.Error(fmt.Sprintf("❌ Error writing manifest: %v", err))
		errs = append(errs, err)
	} else {
		summary.Manifest = manifest
		w.logger.Debug(fmt.Sprintf("  📄 Manifest saved: %s", manifest))
	}

	return summary, errors.Join(errs...)
}

func (w *Writer) writeDataset(ds Dataset) (string, error) {
	path := w.Path(ds.Category, ds.AsOf)

	switch {
	case ds.Retained:
		app, err := NewArrayAppender(path, w.opts.Encoding)
		if err != nil {
			return path, err
		}
		if err := app.AppendRows(ds.Rows); err != nil {
			app.Abort()
			return path, err
		}
		if err := app.Close(); err != nil {
			return path, err
		}
	case ds.Exported:
		if _, err := os.Stat(path); err == nil {
			break
		}
		// engine reported an export but nothing is on disk
		fallthrough
	default:
		if err := writeEmptyArray(path); err != nil {
			return path, err
		}
	}

	if w.opts.VerifyRecords {
		n, err := CountRecords(path)
		if err != nil {
			return path, fmt.Errorf("failed to verify records: %w", err)
		}
		if n != ds.TotalRows {
			w.logger.Warn(fmt.Sprintf("⚠️  %s: file holds %d records, manifest reports %d", filepath.Base(path), n, ds.TotalRows),
				"category", ds.Category)
			return path, fmt.Errorf("%w: file %d, manifest %d", ErrRecordCountMismatch, n, ds.TotalRows)
		}
	}
	return path, nil
}

func writeEmptyArray(path string) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte("[]\n"), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (w *Writer) writeManifest(entries []Entry, asOf time.Time) (string, error) {
	path := filepath.Join(w.opts.Dir, ManifestName(asOf, w.opts.DatedManifest))

	f, err := os.Create(path)
	if err != nil {
		return path, err
	}

	bw := bufio.NewWriter(f)
	for _, e := range entries {
		if _, err := bw.WriteString(e.String() + "\n"); err != nil {
			f.Close()
			return path, err
		}
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return path, err
	}
	return path, f.Close()
}
