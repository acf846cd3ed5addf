// Package engine converts each category's parquet blobs into one JSON array
// and an authoritative row count, using an embedded analytical engine reached
// through database/sql.
//
// Small batches are exported with a single UNION ALL query, large batches go
// through a staging table. When either bulk attempt fails, the category is
// reprocessed file by file and unreadable files are skipped, so one bad input
// never costs more than its own rows.
package engine

import (
	"errors"
	"time"

	"github.com/airframesio/snapshot-pipeline/cmd/record"
)

var (
	ErrEngineUnavailable = errors.New("analytical engine unavailable")
	ErrEmptyBatch        = errors.New("category has no files")
)

// Strategy names the path that produced a category's output
type Strategy string

const (
	StrategyNone    Strategy = "none"
	StrategyUnion   Strategy = "union"
	StrategyStaging Strategy = "staging"
	StrategyPerFile Strategy = "per-file"
)

// Mode selects where converted rows go
type Mode string

const (
	// ModeCopy lets the engine write the JSON file directly
	ModeCopy Mode = "copy"
	// ModeMaterialize pulls rows into memory; the output writer serializes them
	ModeMaterialize Mode = "materialize"
)

// Blob is the raw content of one parquet file from the source archive
type Blob struct {
	Name string
	Data []byte
}

// Batch groups the blobs of one category, in archive order
type Batch struct {
	Category string
	Blobs    []Blob
}

// FileCount is the record count attributed to one source (or to the whole
// category when a bulk strategy succeeded)
type FileCount struct {
	File    string
	Records int64
}

// SkippedFile is a source file the per-file fallback could not convert
type SkippedFile struct {
	File string
	Err  error
}

// Result is the outcome of converting one category
type Result struct {
	Category   string
	AsOf       time.Time
	TotalRows  int64
	Files      []FileCount
	Rows       []record.Row // set in ModeMaterialize
	OutputPath string
	Strategy   Strategy
	// Exported is set when the engine wrote OutputPath itself
	Exported bool
	// FallbackReason is the bulk failure that triggered per-file processing
	FallbackReason error
	Skipped        []SkippedFile
	// Err is set when the category could not be converted at all
	Err      error
	Duration time.Duration
}

// Degraded reports whether the category lost data: a fatal error or at least
// one skipped file
func (r *Result) Degraded() bool {
	return r.Err != nil || len(r.Skipped) > 0
}

// Retained reports whether rows were materialized in memory
func (r *Result) Retained() bool {
	return r.Rows != nil
}

func (r *Result) addFile(file string, records int64) {
	r.Files = append(r.Files, FileCount{File: file, Records: records})
	r.TotalRows += records
}

func (r *Result) reset() {
	r.Files = nil
	r.TotalRows = 0
	r.Rows = nil
	r.Exported = false
}

func (r *Result) fail(err error) {
	r.reset()
	r.Err = err
}
