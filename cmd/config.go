package cmd

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/spf13/viper"

	"github.com/airframesio/snapshot-pipeline/cmd/engine"
	"github.com/airframesio/snapshot-pipeline/cmd/ledger"
	"github.com/airframesio/snapshot-pipeline/cmd/packager"
)

// Static errors for configuration validation
var (
	ErrSourceURLRequired       = errors.New("source url is required")
	ErrSourceTimeoutInvalid    = errors.New("source timeout must be >= 0")
	ErrDownloadDirRequired     = errors.New("download directory is required")
	ErrOutputDirRequired       = errors.New("output directories are required")
	ErrOutputDirsCollide       = errors.New("daily and initial-load output directories must differ")
	ErrDateOffsetInvalid       = errors.New("date offset must be between 0 and 365 days")
	ErrMemoryLimitInvalid      = errors.New("engine memory limit must look like 4GB, 512MB or 2GiB")
	ErrThreadsInvalid          = errors.New("engine threads must be between 1 and 256")
	ErrSmallBatchLimitInvalid  = errors.New("engine small batch limit must be at least 1")
	ErrEngineModeInvalid       = errors.New("engine mode must be one of: copy, materialize")
	ErrWorkersMinimum          = errors.New("workers must be at least 1")
	ErrWorkersMaximum          = errors.New("workers must not exceed 64")
	ErrRunTimeoutInvalid       = errors.New("run timeout must be >= 0")
	ErrPackageFormatInvalid    = errors.New("package format must be one of: zip, tar.zst, tar.gz, tar.lz4")
	ErrCompressionLevelInvalid = errors.New("compression level must be between 0 and 22 (zstd), 0-9 (zip/lz4/gzip)")
	ErrS3EndpointRequired      = errors.New("S3 endpoint is required")
	ErrS3BucketRequired        = errors.New("S3 bucket is required")
	ErrS3AccessKeyRequired     = errors.New("S3 access key is required")
	ErrS3SecretKeyRequired     = errors.New("S3 secret key is required")
	ErrS3RegionInvalid         = errors.New("S3 region contains invalid characters or is too long")
	ErrLedgerUserRequired      = errors.New("ledger database user is required")
	ErrLedgerNameRequired      = errors.New("ledger database name is required")
	ErrLedgerPortInvalid       = errors.New("ledger database port must be between 1 and 65535")
	ErrLedgerTableInvalid      = errors.New("ledger table name is invalid: must be 1-63 characters, start with a letter or underscore, and contain only letters, numbers, and underscores")
	ErrServeAddrRequired       = errors.New("serve address is required")
)

const regionAuto = "auto"

// Profile selects which output directory a run writes to
type Profile string

const (
	ProfileProcess     Profile = "process"
	ProfileInitialLoad Profile = "initial-load"
)

type Config struct {
	Debug       bool
	LogFormat   string
	StateDir    string
	Source      SourceConfig
	DownloadDir string
	Output      OutputConfig
	DateOffset  int // days subtracted from today to get the as-of date
	Engine      EngineConfig
	Workers     int
	RunTimeout  time.Duration
	Package     PackageConfig
	S3          S3Config
	Ledger      LedgerConfig
	Schedule    ScheduleConfig
	Serve       ServeConfig
}

type SourceConfig struct {
	URL      string
	Username string
	Password string
	Timeout  time.Duration
}

type OutputConfig struct {
	DailyDir           string
	InitialDir         string
	Indent             bool
	OmitNull           bool
	ManifestDateSuffix bool
	VerifyRecords      bool
}

type EngineConfig struct {
	Path            string // empty for an in-memory database
	MemoryLimit     string
	Threads         int
	SmallBatchLimit int
	Mode            string
	TempDir         string
}

type PackageConfig struct {
	Skip             bool
	Format           string
	CompressionLevel int
}

type S3Config struct {
	Enabled      bool
	Endpoint     string
	Bucket       string
	AccessKey    string
	SecretKey    string
	Region       string
	PathTemplate string
}

type LedgerConfig struct {
	Enabled  bool
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
	Table    string
}

type ScheduleConfig struct {
	Cron        string
	WatchDir    string
	MetricsAddr string // empty keeps metrics in-process only
}

type ServeConfig struct {
	Addr string
}

// OutputDir returns the output directory for a profile
func (c *Config) OutputDir(p Profile) string {
	if p == ProfileInitialLoad {
		return c.Output.InitialDir
	}
	return c.Output.DailyDir
}

// AsOf returns the reference date for a run started at now
func (c *Config) AsOf(now time.Time) time.Time {
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return day.AddDate(0, 0, -c.DateOffset)
}

var memoryLimitPattern = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?\s*(B|KB|MB|GB|TB|KiB|MiB|GiB|TiB)$`)

// isValidRegion validates that an S3 region is reasonable
func isValidRegion(region string) bool {
	if region == "" || len(region) > 50 {
		return false
	}
	matched, _ := regexp.MatchString(`^[a-zA-Z0-9_-]+$`, region)
	return matched
}

// isValidCompressionLevel validates compression level based on package format
func isValidCompressionLevel(format string, level int) bool {
	switch packager.Format(format) {
	case packager.FormatTarZst:
		return level >= 0 && level <= 22
	default:
		return level >= 0 && level <= 9
	}
}

func (c *Config) Validate() error {
	if c.Source.Timeout < 0 {
		return fmt.Errorf("%w, got %s", ErrSourceTimeoutInvalid, c.Source.Timeout)
	}
	if c.DownloadDir == "" {
		return ErrDownloadDirRequired
	}
	if c.Output.DailyDir == "" || c.Output.InitialDir == "" {
		return ErrOutputDirRequired
	}
	if c.Output.DailyDir == c.Output.InitialDir {
		return fmt.Errorf("%w: %s", ErrOutputDirsCollide, c.Output.DailyDir)
	}
	if c.DateOffset < 0 || c.DateOffset > 365 {
		return fmt.Errorf("%w, got %d", ErrDateOffsetInvalid, c.DateOffset)
	}

	// Engine tuning
	if c.Engine.MemoryLimit != "" && !memoryLimitPattern.MatchString(c.Engine.MemoryLimit) {
		return fmt.Errorf("%w: '%s'", ErrMemoryLimitInvalid, c.Engine.MemoryLimit)
	}
	if c.Engine.Threads < 1 || c.Engine.Threads > 256 {
		return fmt.Errorf("%w, got %d", ErrThreadsInvalid, c.Engine.Threads)
	}
	if c.Engine.SmallBatchLimit < 1 {
		return fmt.Errorf("%w, got %d", ErrSmallBatchLimitInvalid, c.Engine.SmallBatchLimit)
	}
	switch engine.Mode(c.Engine.Mode) {
	case engine.ModeCopy, engine.ModeMaterialize:
	default:
		return fmt.Errorf("%w: '%s'", ErrEngineModeInvalid, c.Engine.Mode)
	}

	if c.Workers < 1 {
		return ErrWorkersMinimum
	}
	if c.Workers > 64 {
		return fmt.Errorf("%w, got %d", ErrWorkersMaximum, c.Workers)
	}
	if c.RunTimeout < 0 {
		return fmt.Errorf("%w, got %s", ErrRunTimeoutInvalid, c.RunTimeout)
	}

	if _, err := packager.ParseFormat(c.Package.Format); err != nil {
		return fmt.Errorf("%w: '%s'", ErrPackageFormatInvalid, c.Package.Format)
	}
	if !isValidCompressionLevel(c.Package.Format, c.Package.CompressionLevel) {
		return fmt.Errorf("%w for format %s: got %d", ErrCompressionLevelInvalid, c.Package.Format, c.Package.CompressionLevel)
	}

	if c.S3.Enabled {
		if err := c.S3.validate(); err != nil {
			return err
		}
	}
	if c.Ledger.Enabled {
		if err := c.Ledger.validate(); err != nil {
			return err
		}
	}

	return nil
}

// ValidateSource checks the settings needed to download archives
func (c *Config) ValidateSource() error {
	if c.Source.URL == "" {
		return ErrSourceURLRequired
	}
	return nil
}

func (s *S3Config) validate() error {
	if s.Endpoint == "" {
		return ErrS3EndpointRequired
	}
	if s.Bucket == "" {
		return ErrS3BucketRequired
	}
	if s.AccessKey == "" {
		return ErrS3AccessKeyRequired
	}
	if s.SecretKey == "" {
		return ErrS3SecretKeyRequired
	}
	if s.Region != "" && s.Region != regionAuto && !isValidRegion(s.Region) {
		return fmt.Errorf("%w: %s", ErrS3RegionInvalid, s.Region)
	}
	return nil
}

func (l *LedgerConfig) validate() error {
	if l.User == "" {
		return ErrLedgerUserRequired
	}
	if l.Name == "" {
		return ErrLedgerNameRequired
	}
	if l.Port < 1 || l.Port > 65535 {
		return fmt.Errorf("%w, got %d", ErrLedgerPortInvalid, l.Port)
	}
	if !ledger.ValidTableName(l.Table) {
		return fmt.Errorf("%w: '%s'", ErrLedgerTableInvalid, l.Table)
	}
	return nil
}

// loadConfig builds a Config from every bound source (flags, env, file)
func loadConfig() *Config {
	return &Config{
		Debug:     viper.GetBool("debug"),
		LogFormat: viper.GetString("log_format"),
		StateDir:  viper.GetString("state_dir"),
		Source: SourceConfig{
			URL:      viper.GetString("source.url"),
			Username: viper.GetString("source.username"),
			Password: viper.GetString("source.password"),
			Timeout:  viper.GetDuration("source.timeout"),
		},
		DownloadDir: viper.GetString("download_dir"),
		Output: OutputConfig{
			DailyDir:           viper.GetString("output.daily_dir"),
			InitialDir:         viper.GetString("output.initial_dir"),
			Indent:             viper.GetBool("output.indent"),
			OmitNull:           viper.GetBool("output.omit_null"),
			ManifestDateSuffix: viper.GetBool("output.manifest_date_suffix"),
			VerifyRecords:      viper.GetBool("output.verify_records"),
		},
		DateOffset: viper.GetInt("date_offset"),
		Engine: EngineConfig{
			Path:            viper.GetString("engine.path"),
			MemoryLimit:     viper.GetString("engine.memory_limit"),
			Threads:         viper.GetInt("engine.threads"),
			SmallBatchLimit: viper.GetInt("engine.small_batch_limit"),
			Mode:            viper.GetString("engine.mode"),
			TempDir:         viper.GetString("engine.temp_dir"),
		},
		Workers:    viper.GetInt("workers"),
		RunTimeout: viper.GetDuration("run_timeout"),
		Package: PackageConfig{
			Skip:             viper.GetBool("package.skip"),
			Format:           viper.GetString("package.format"),
			CompressionLevel: viper.GetInt("package.compression_level"),
		},
		S3: S3Config{
			Enabled:      viper.GetBool("s3.enabled"),
			Endpoint:     viper.GetString("s3.endpoint"),
			Bucket:       viper.GetString("s3.bucket"),
			AccessKey:    viper.GetString("s3.access_key"),
			SecretKey:    viper.GetString("s3.secret_key"),
			Region:       viper.GetString("s3.region"),
			PathTemplate: viper.GetString("s3.path_template"),
		},
		Ledger: LedgerConfig{
			Enabled:  viper.GetBool("ledger.enabled"),
			Host:     viper.GetString("ledger.host"),
			Port:     viper.GetInt("ledger.port"),
			User:     viper.GetString("ledger.user"),
			Password: viper.GetString("ledger.password"),
			Name:     viper.GetString("ledger.name"),
			SSLMode:  viper.GetString("ledger.sslmode"),
			Table:    viper.GetString("ledger.table"),
		},
		Schedule: ScheduleConfig{
			Cron:        viper.GetString("schedule.cron"),
			WatchDir:    viper.GetString("schedule.watch_dir"),
			MetricsAddr: viper.GetString("schedule.metrics_addr"),
		},
		Serve: ServeConfig{
			Addr: viper.GetString("serve.addr"),
		},
	}
}
