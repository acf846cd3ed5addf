package cmd

import (
	"errors"
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		Source: SourceConfig{
			URL:      "https://insights.example.com/export?date=",
			Username: "reader",
			Password: "secret",
			Timeout:  5 * time.Minute,
		},
		DownloadDir: "/var/lib/snapshots",
		Output: OutputConfig{
			DailyDir:   "/var/lib/snapshots/Json_filtered",
			InitialDir: "/var/lib/snapshots/Json_InitialLoad",
		},
		DateOffset: 4,
		Engine: EngineConfig{
			MemoryLimit:     "4GB",
			Threads:         8,
			SmallBatchLimit: 10,
			Mode:            "copy",
		},
		Workers: 1,
		Package: PackageConfig{Format: "zip"},
	}
}

func TestConfigValidation(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		if err := validConfig().Validate(); err != nil {
			t.Fatalf("valid config should not return error: %v", err)
		}
	})

	tests := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{"MissingDownloadDir", func(c *Config) { c.DownloadDir = "" }, ErrDownloadDirRequired},
		{"MissingDailyDir", func(c *Config) { c.Output.DailyDir = "" }, ErrOutputDirRequired},
		{"SameOutputDirs", func(c *Config) { c.Output.InitialDir = c.Output.DailyDir }, ErrOutputDirsCollide},
		{"NegativeDateOffset", func(c *Config) { c.DateOffset = -1 }, ErrDateOffsetInvalid},
		{"NegativeSourceTimeout", func(c *Config) { c.Source.Timeout = -time.Second }, ErrSourceTimeoutInvalid},
		{"BadMemoryLimit", func(c *Config) { c.Engine.MemoryLimit = "lots" }, ErrMemoryLimitInvalid},
		{"ZeroThreads", func(c *Config) { c.Engine.Threads = 0 }, ErrThreadsInvalid},
		{"ZeroSmallBatchLimit", func(c *Config) { c.Engine.SmallBatchLimit = 0 }, ErrSmallBatchLimitInvalid},
		{"UnknownEngineMode", func(c *Config) { c.Engine.Mode = "stream" }, ErrEngineModeInvalid},
		{"ZeroWorkers", func(c *Config) { c.Workers = 0 }, ErrWorkersMinimum},
		{"TooManyWorkers", func(c *Config) { c.Workers = 65 }, ErrWorkersMaximum},
		{"NegativeRunTimeout", func(c *Config) { c.RunTimeout = -time.Minute }, ErrRunTimeoutInvalid},
		{"UnknownPackageFormat", func(c *Config) { c.Package.Format = "rar" }, ErrPackageFormatInvalid},
		{"ZipLevelTooHigh", func(c *Config) { c.Package.CompressionLevel = 12 }, ErrCompressionLevelInvalid},
		{"S3MissingBucket", func(c *Config) {
			c.S3 = S3Config{Enabled: true, Endpoint: "https://s3.example.com", AccessKey: "a", SecretKey: "s"}
		}, ErrS3BucketRequired},
		{"S3BadRegion", func(c *Config) {
			c.S3 = S3Config{Enabled: true, Endpoint: "e", Bucket: "b", AccessKey: "a", SecretKey: "s", Region: "us east!"}
		}, ErrS3RegionInvalid},
		{"LedgerMissingUser", func(c *Config) {
			c.Ledger = LedgerConfig{Enabled: true, Name: "audit", Port: 5432, Table: "snapshot_runs"}
		}, ErrLedgerUserRequired},
		{"LedgerBadTable", func(c *Config) {
			c.Ledger = LedgerConfig{Enabled: true, User: "u", Name: "audit", Port: 5432, Table: "runs;drop"}
		}, ErrLedgerTableInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := validConfig()
			tt.mutate(config)

			err := config.Validate()
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}

	t.Run("DisabledS3IsNotValidated", func(t *testing.T) {
		config := validConfig()
		config.S3 = S3Config{Bucket: ""}
		if err := config.Validate(); err != nil {
			t.Fatalf("disabled S3 should not be validated: %v", err)
		}
	})

	t.Run("ZstdAllowsHighLevels", func(t *testing.T) {
		config := validConfig()
		config.Package = PackageConfig{Format: "tar.zst", CompressionLevel: 19}
		if err := config.Validate(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("SourceURLRequiredForDownload", func(t *testing.T) {
		config := validConfig()
		config.Source.URL = ""
		if err := config.Validate(); err != nil {
			t.Fatalf("source url is only needed for downloads: %v", err)
		}
		if err := config.ValidateSource(); !errors.Is(err, ErrSourceURLRequired) {
			t.Fatalf("expected ErrSourceURLRequired, got %v", err)
		}
	})
}

func TestConfigAsOf(t *testing.T) {
	config := validConfig()
	now := time.Date(2024, 3, 19, 23, 45, 0, 0, time.UTC)

	if got := config.AsOf(now); !got.Equal(time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected 2024-03-15, got %s", got)
	}

	config.DateOffset = 0
	if got := config.AsOf(now); got.Format("2006-01-02") != "2024-03-19" {
		t.Fatalf("expected today with zero offset, got %s", got)
	}

	// Crossing a month boundary
	config.DateOffset = 4
	if got := config.AsOf(time.Date(2024, 3, 2, 1, 0, 0, 0, time.UTC)); got.Format("2006-01-02") != "2024-02-27" {
		t.Fatalf("expected 2024-02-27, got %s", got)
	}
}

func TestConfigOutputDir(t *testing.T) {
	config := validConfig()
	if config.OutputDir(ProfileProcess) != config.Output.DailyDir {
		t.Error("process profile should use the daily directory")
	}
	if config.OutputDir(ProfileInitialLoad) != config.Output.InitialDir {
		t.Error("initial-load profile should use the initial directory")
	}
}
