package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/airframesio/snapshot-pipeline/cmd/engine"
	"github.com/airframesio/snapshot-pipeline/cmd/fetcher"
	"github.com/airframesio/snapshot-pipeline/cmd/ledger"
	"github.com/airframesio/snapshot-pipeline/cmd/output"
	"github.com/airframesio/snapshot-pipeline/cmd/packager"
	"github.com/airframesio/snapshot-pipeline/cmd/partition"
	"github.com/airframesio/snapshot-pipeline/cmd/publish"
	"github.com/airframesio/snapshot-pipeline/cmd/telemetry"
)

var (
	ErrFetchFailed     = errors.New("failed to fetch snapshot archive")
	ErrPartitionFailed = errors.New("failed to partition snapshot archive")
)

// Run steps, as shown in the task file and the progress view
const (
	StepFetching     = "Fetching archive"
	StepPartitioning = "Partitioning"
	StepConverting   = "Converting"
	StepWriting      = "Writing output"
	StepPackaging    = "Packaging"
	StepPublishing   = "Publishing"
	StepRecording    = "Recording ledger"
	StepDone         = "Done"
)

type archivePublisher interface {
	Publish(ctx context.Context, dir, archivePath string, asOf time.Time) (*publish.Result, error)
}

type runRecorder interface {
	Record(ctx context.Context, entries []ledger.Entry) error
}

// Hooks receive run progress. Category callbacks may be invoked from several
// goroutines at once.
type Hooks struct {
	OnStep          func(step string)
	OnCategories    func(stats partition.Stats)
	OnCategoryStart func(category string, files int)
	OnCategoryDone  func(res *engine.Result)
}

// RunReport describes a finished run
type RunReport struct {
	RunID     string
	Profile   Profile
	AsOf      time.Time
	Source    string
	OutputDir string
	Results   []*engine.Result
	Summary   output.Summary
	Archive   *packager.Archive
	Published *publish.Result
	// Errors holds the failures of stages that degrade instead of aborting
	Errors   []error
	Duration time.Duration
}

// TotalRows sums the row counts of every category
func (r *RunReport) TotalRows() int64 {
	var total int64
	for _, res := range r.Results {
		total += res.TotalRows
	}
	return total
}

// DegradedCategories returns the categories that failed or lost files
func (r *RunReport) DegradedCategories() []string {
	var names []string
	for _, res := range r.Results {
		if res.Degraded() {
			names = append(names, res.Category)
		}
	}
	return names
}

// Pipeline runs one snapshot: fetch, partition, convert, write, package and
// the optional publish and ledger steps
type Pipeline struct {
	config  *Config
	profile Profile
	source  fetcher.Fetcher
	logger  *slog.Logger

	open      engine.Opener
	publisher archivePublisher
	recorder  runRecorder
	metrics   *telemetry.Provider
	hooks     Hooks
	now       func() time.Time

	taskMu sync.Mutex
	task   *TaskInfo
}

// NewPipeline creates a pipeline backed by DuckDB and the given archive source
func NewPipeline(config *Config, profile Profile, source fetcher.Fetcher, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		config:  config,
		profile: profile,
		source:  source,
		logger:  logger,
		open:    newDuckDBOpener(config.Engine, logger),
		now:     time.Now,
	}
}

// SetPublisher enables uploading the package after a run
func (p *Pipeline) SetPublisher(pub archivePublisher) { p.publisher = pub }

// SetRecorder enables writing ledger entries after a run
func (p *Pipeline) SetRecorder(rec runRecorder) { p.recorder = rec }

// SetMetrics sets the telemetry provider; nil disables metrics
func (p *Pipeline) SetMetrics(m *telemetry.Provider) { p.metrics = m }

// SetHooks installs progress callbacks
func (p *Pipeline) SetHooks(h Hooks) { p.hooks = h }

// Run executes the pipeline once. Only fetch and partition failures (and an
// overlapping run) are returned as errors; every later stage degrades and
// records its failure in the report.
func (p *Pipeline) Run(ctx context.Context) (*RunReport, error) {
	start := p.now()
	report := &RunReport{
		RunID:     uuid.NewString(),
		Profile:   p.profile,
		AsOf:      p.config.AsOf(start),
		OutputDir: p.config.OutputDir(p.profile),
	}

	if err := AcquireRunLock(); err != nil {
		return nil, err
	}
	defer ReleaseRunLock()

	if p.config.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.RunTimeout)
		defer cancel()
	}

	p.task = &TaskInfo{
		PID:       os.Getpid(),
		RunID:     report.RunID,
		Profile:   string(p.profile),
		AsOfDate:  report.AsOf.Format(output.ISODate),
		StartTime: start,
	}
	defer p.clearTask()

	p.logger.Info(fmt.Sprintf("🚀 Starting %s run %s for %s", p.profile, report.RunID, report.AsOf.Format(output.ISODate)))

	err := p.run(ctx, report)
	report.Duration = time.Since(start)

	p.metrics.RecordRun(string(p.profile), err == nil, report.Duration, outcomes(report.Results))

	if err != nil {
		p.logger.Error(fmt.Sprintf("❌ Run %s failed: %v", report.RunID, err))
		return report, err
	}

	p.step(StepDone)
	if degraded := report.DegradedCategories(); len(degraded) > 0 {
		p.logger.Warn(fmt.Sprintf("⚠️  Run completed with %d degraded categories", len(degraded)), "categories", degraded)
	}
	p.logger.Info(fmt.Sprintf("✅ Run %s completed: %d categories, %d rows in %s",
		report.RunID, len(report.Results), report.TotalRows(), report.Duration.Round(time.Millisecond)))
	return report, nil
}

func (p *Pipeline) run(ctx context.Context, report *RunReport) error {
	p.step(StepFetching)
	path, err := p.source.Fetch(ctx, report.AsOf)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}
	report.Source = path

	p.step(StepPartitioning)
	batches, err := partition.Partition(path)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPartitionFailed, err)
	}
	stats := partition.Summarize(batches)
	p.logger.Info(fmt.Sprintf("🗂️  Found %d categories (%d files, %d bytes)", stats.Categories, stats.Files, stats.Bytes))
	if p.hooks.OnCategories != nil {
		p.hooks.OnCategories(stats)
	}

	p.step(StepConverting)
	p.updateTask(func(t *TaskInfo) { t.TotalItems = len(batches) })
	report.Results = p.convert(ctx, report, batches)

	p.step(StepWriting)
	writer := output.NewWriter(output.Options{
		Dir:           report.OutputDir,
		Encoding:      p.encoding(),
		DatedManifest: p.config.Output.ManifestDateSuffix,
		VerifyRecords: p.config.Output.VerifyRecords,
	}, p.logger)
	summary, err := writer.Write(datasets(report.Results), report.AsOf)
	report.Summary = summary
	if err != nil {
		report.Errors = append(report.Errors, err)
	}

	if !p.config.Package.Skip {
		p.step(StepPackaging)
		if err := p.pack(report); err != nil {
			p.logger.Error(fmt.Sprintf("❌ Packaging failed: %v", err))
			report.Errors = append(report.Errors, err)
		}
	}

	if p.publisher != nil && report.Archive != nil {
		p.step(StepPublishing)
		res, err := p.publisher.Publish(ctx, string(p.profile), report.Archive.Path, report.AsOf)
		if err != nil {
			p.logger.Error(fmt.Sprintf("❌ Publishing failed: %v", err))
			report.Errors = append(report.Errors, err)
		} else {
			report.Published = res
		}
	}

	if p.recorder != nil {
		p.step(StepRecording)
		if err := p.recorder.Record(ctx, p.ledgerEntries(report)); err != nil {
			p.logger.Error(fmt.Sprintf("❌ Ledger update failed: %v", err))
			report.Errors = append(report.Errors, err)
		}
	}

	return nil
}

func (p *Pipeline) convert(ctx context.Context, report *RunReport, batches []engine.Batch) []*engine.Result {
	converter := engine.NewConverter(p.open, engine.Options{
		OutputDir:       report.OutputDir,
		AsOf:            report.AsOf,
		SmallBatchLimit: p.config.Engine.SmallBatchLimit,
		Mode:            engine.Mode(p.config.Engine.Mode),
		TempDir:         p.config.Engine.TempDir,
		Workers:         p.config.Workers,
		RunID:           report.RunID,
		Encoding:        p.encoding(),
		OnStart: func(category string, files int) {
			p.updateTask(func(t *TaskInfo) { t.CurrentCategory = category })
			if p.hooks.OnCategoryStart != nil {
				p.hooks.OnCategoryStart(category, files)
			}
		},
		OnResult: func(res *engine.Result) {
			p.updateTask(func(t *TaskInfo) { t.CompletedItems++ })
			if p.hooks.OnCategoryDone != nil {
				p.hooks.OnCategoryDone(res)
			}
		},
	}, p.logger)

	return converter.ConvertAll(ctx, batches)
}

func (p *Pipeline) pack(report *RunReport) error {
	format, err := packager.ParseFormat(p.config.Package.Format)
	if err != nil {
		return err
	}
	pkg := packager.New(format, p.config.Package.CompressionLevel, p.logger)
	// A package missing unreadable files is still kept and published
	archive, err := pkg.Package(report.OutputDir, pkg.ArchivePath(p.config.DownloadDir, report.OutputDir, report.AsOf))
	report.Archive = archive
	return err
}

func (p *Pipeline) encoding() output.Encoding {
	return output.Encoding{Indent: p.config.Output.Indent, OmitNull: p.config.Output.OmitNull}
}

func (p *Pipeline) ledgerEntries(report *RunReport) []ledger.Entry {
	entries := make([]ledger.Entry, 0, len(report.Results))
	for _, res := range report.Results {
		entries = append(entries, ledger.Entry{
			RunID:     report.RunID,
			Profile:   string(report.Profile),
			Category:  res.Category,
			AsOf:      res.AsOf,
			TotalRows: res.TotalRows,
			Strategy:  string(res.Strategy),
			Degraded:  res.Degraded(),
		})
	}
	return entries
}

func (p *Pipeline) step(step string) {
	p.updateTask(func(t *TaskInfo) { t.CurrentStep = step })
	if p.hooks.OnStep != nil {
		p.hooks.OnStep(step)
	}
}

// updateTask applies fn to the task status and persists it. Status writes
// are best effort.
func (p *Pipeline) updateTask(fn func(*TaskInfo)) {
	p.taskMu.Lock()
	defer p.taskMu.Unlock()
	if p.task == nil {
		return
	}
	fn(p.task)
	if err := WriteTaskInfo(p.task); err != nil {
		p.logger.Debug(fmt.Sprintf("Failed to write task info: %v", err))
	}
}

func (p *Pipeline) clearTask() {
	p.taskMu.Lock()
	defer p.taskMu.Unlock()
	p.task = nil
	_ = RemoveTaskFile()
}

func datasets(results []*engine.Result) []output.Dataset {
	out := make([]output.Dataset, 0, len(results))
	for _, res := range results {
		out = append(out, output.Dataset{
			Category:  res.Category,
			AsOf:      res.AsOf,
			TotalRows: res.TotalRows,
			Rows:      res.Rows,
			Retained:  res.Retained(),
			Exported:  res.Exported,
		})
	}
	return out
}

func outcomes(results []*engine.Result) []telemetry.CategoryOutcome {
	out := make([]telemetry.CategoryOutcome, 0, len(results))
	for _, res := range results {
		out = append(out, telemetry.CategoryOutcome{
			Category: res.Category,
			Strategy: string(res.Strategy),
			Rows:     res.TotalRows,
			Skipped:  len(res.Skipped),
			Degraded: res.Degraded(),
		})
	}
	return out
}
