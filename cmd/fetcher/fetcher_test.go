package fetcher

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var testDate = time.Date(2024, 3, 19, 0, 0, 0, 0, time.UTC)

func TestHTTPFetcher(t *testing.T) {
	t.Run("downloads with basic auth", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			if !ok || user != "reader" || pass != "secret" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			if r.URL.Query().Get("date") != "2024-03-19" || r.URL.Query().Get("format") != "zip" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			if r.Header.Get("Accept") != "application/zip" {
				w.WriteHeader(http.StatusNotAcceptable)
				return
			}
			_, _ = w.Write([]byte("PK\x03\x04archive"))
		}))
		defer server.Close()

		dir := t.TempDir()
		f := NewHTTPFetcher(HTTPOptions{
			URL:         server.URL + "/export?date=",
			Username:    "reader",
			Password:    "secret",
			DownloadDir: dir,
		}, newTestLogger())

		path, err := f.Fetch(context.Background(), testDate)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if filepath.Base(path) != "insights_2024-03-19.zip" {
			t.Errorf("unexpected archive name %s", path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatal(err)
		}
		if string(data) != "PK\x03\x04archive" {
			t.Errorf("unexpected archive content %q", data)
		}

		entries, _ := os.ReadDir(dir)
		if len(entries) != 1 {
			t.Errorf("expected only the archive in the download directory, got %d entries", len(entries))
		}
	})

	t.Run("non-200 status", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte("no snapshot for this date"))
		}))
		defer server.Close()

		dir := t.TempDir()
		f := NewHTTPFetcher(HTTPOptions{URL: server.URL + "/?date=", DownloadDir: dir}, newTestLogger())

		_, err := f.Fetch(context.Background(), testDate)
		if !errors.Is(err, ErrUnexpectedStatus) {
			t.Fatalf("expected ErrUnexpectedStatus, got %v", err)
		}
		if _, statErr := os.Stat(ArchivePath(dir, testDate)); !os.IsNotExist(statErr) {
			t.Error("no archive should be written for a failed download")
		}
	})

	t.Run("missing url", func(t *testing.T) {
		f := NewHTTPFetcher(HTTPOptions{DownloadDir: t.TempDir()}, newTestLogger())
		if _, err := f.Fetch(context.Background(), testDate); !errors.Is(err, ErrSourceURLMissing) {
			t.Fatalf("expected ErrSourceURLMissing, got %v", err)
		}
	})
}

func TestLocalFetcher(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "drop.zip")
	if err := os.WriteFile(path, []byte("PK"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := LocalFetcher{Path: path}.Fetch(context.Background(), testDate)
	if err != nil || got != path {
		t.Fatalf("expected %s, got %s (%v)", path, got, err)
	}

	if _, err := (LocalFetcher{Path: dir}).Fetch(context.Background(), testDate); !errors.Is(err, ErrArchiveMissing) {
		t.Errorf("expected ErrArchiveMissing for a directory, got %v", err)
	}
	if _, err := (LocalFetcher{Path: filepath.Join(dir, "nope.zip")}).Fetch(context.Background(), testDate); !errors.Is(err, ErrArchiveMissing) {
		t.Errorf("expected ErrArchiveMissing, got %v", err)
	}
}
