// Package fetcher retrieves the dated snapshot archive
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

var (
	ErrUnexpectedStatus = errors.New("unexpected response status")
	ErrArchiveMissing   = errors.New("archive not found")
	ErrSourceURLMissing = errors.New("source url is not configured")
)

const (
	defaultTimeout = 10 * time.Minute
	// maxErrorBody bounds how much of a failed response ends up in the error
	maxErrorBody = 4 << 10
)

// Fetcher returns the local path of the archive for a date
type Fetcher interface {
	Fetch(ctx context.Context, asOf time.Time) (string, error)
}

// HTTPOptions configures an HTTPFetcher
type HTTPOptions struct {
	// URL is the source endpoint; the date and "&format=zip" are appended to it
	URL         string
	Username    string
	Password    string
	Timeout     time.Duration
	DownloadDir string
}

// HTTPFetcher downloads archives over HTTP with basic auth
type HTTPFetcher struct {
	opts       HTTPOptions
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPFetcher creates a fetcher for the configured source
func NewHTTPFetcher(opts HTTPOptions, logger *slog.Logger) *HTTPFetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	return &HTTPFetcher{
		opts:       opts,
		httpClient: &http.Client{Timeout: opts.Timeout},
		logger:     logger,
	}
}

// RequestURL returns the download URL for a date
func (f *HTTPFetcher) RequestURL(asOf time.Time) string {
	return f.opts.URL + asOf.Format("2006-01-02") + "&format=zip"
}

// ArchivePath returns where the archive for a date is stored
func ArchivePath(downloadDir string, asOf time.Time) string {
	return filepath.Join(downloadDir, "insights_"+asOf.Format("2006-01-02")+".zip")
}

// Fetch downloads the archive for asOf into the download directory
func (f *HTTPFetcher) Fetch(ctx context.Context, asOf time.Time) (string, error) {
	if f.opts.URL == "" {
		return "", ErrSourceURLMissing
	}

	url := f.RequestURL(asOf)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.SetBasicAuth(f.opts.Username, f.opts.Password)
	req.Header.Set("Accept", "application/zip")

	f.logger.Info(fmt.Sprintf("🌐 Downloading snapshot for %s", asOf.Format("2006-01-02")))
	start := time.Now()

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", fmt.Errorf("%w: %d %s", ErrUnexpectedStatus, resp.StatusCode, string(body))
	}

	dest := ArchivePath(f.opts.DownloadDir, asOf)
	n, err := saveBody(resp.Body, dest)
	if err != nil {
		return "", err
	}

	f.logger.Info(fmt.Sprintf("✅ Downloaded %d bytes to %s in %s", n, dest, time.Since(start).Round(time.Millisecond)))
	return dest, nil
}

// saveBody streams r into dest through a temporary file in the same directory
func saveBody(r io.Reader, dest string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create download directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".*.tmp")
	if err != nil {
		return 0, fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		return 0, fmt.Errorf("failed to save archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("failed to close archive: %w", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return 0, fmt.Errorf("failed to move archive into place: %w", err)
	}
	return n, nil
}

// LocalFetcher serves an archive that is already on disk
type LocalFetcher struct {
	Path string
}

// Fetch returns the configured path once it is known to exist
func (f LocalFetcher) Fetch(_ context.Context, _ time.Time) (string, error) {
	info, err := os.Stat(f.Path)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrArchiveMissing, f.Path)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%w: %s is a directory", ErrArchiveMissing, f.Path)
	}
	return f.Path, nil
}
