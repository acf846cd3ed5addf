package output

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/airframesio/snapshot-pipeline/cmd/record"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

var testAsOf = time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)

func sampleRows(n int) []record.Row {
	rows := make([]record.Row, n)
	for i := range rows {
		rows[i] = record.NewRow([]string{"id", "name"}, []any{int64(i + 1), "row"})
	}
	return rows
}

func TestFileNames(t *testing.T) {
	if got := FileName("view_events", testAsOf); got != "view_events-20240315.json" {
		t.Fatalf("unexpected file name %s", got)
	}
	if got := ManifestName(testAsOf, false); got != "manifest.txt" {
		t.Fatalf("unexpected manifest name %s", got)
	}
	if got := ManifestName(testAsOf, true); got != "manifest-20240315.txt" {
		t.Fatalf("unexpected dated manifest name %s", got)
	}
}

func TestWriterWrite(t *testing.T) {
	t.Run("retained rows and empty categories", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "Json_filtered")
		w := NewWriter(Options{Dir: dir, VerifyRecords: true}, newTestLogger())

		summary, err := w.Write([]Dataset{
			{Category: "view_events", AsOf: testAsOf, TotalRows: 3, Rows: sampleRows(3), Retained: true},
			{Category: "asset", AsOf: testAsOf, TotalRows: 0},
		}, testAsOf)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if len(summary.Files) != 2 {
			t.Fatalf("expected 2 files, got %d", len(summary.Files))
		}

		n, err := CountRecords(filepath.Join(dir, "view_events-20240315.json"))
		if err != nil || n != 3 {
			t.Fatalf("expected 3 records, got %d (%v)", n, err)
		}

		empty, err := os.ReadFile(filepath.Join(dir, "asset-20240315.json"))
		if err != nil {
			t.Fatal(err)
		}
		if strings.TrimSpace(string(empty)) != "[]" {
			t.Fatalf("empty category should produce an empty array, got %q", empty)
		}

		manifest, err := os.ReadFile(summary.Manifest)
		if err != nil {
			t.Fatal(err)
		}
		want := "asset|20240315|0\nview_events|20240315|3\n"
		if string(manifest) != want {
			t.Fatalf("expected manifest %q, got %q", want, manifest)
		}
	})

	t.Run("zero categories", func(t *testing.T) {
		dir := t.TempDir()
		w := NewWriter(Options{Dir: dir, DatedManifest: true}, newTestLogger())

		summary, err := w.Write(nil, testAsOf)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		entries, err := os.ReadDir(dir)
		if err != nil {
			t.Fatal(err)
		}
		if len(entries) != 1 || entries[0].Name() != "manifest-20240315.txt" {
			t.Fatalf("expected only the manifest, got %v", entries)
		}
		info, err := os.Stat(summary.Manifest)
		if err != nil || info.Size() != 0 {
			t.Fatalf("expected empty manifest, got size %d (%v)", info.Size(), err)
		}
	})

	t.Run("exported file is kept", func(t *testing.T) {
		dir := t.TempDir()
		w := NewWriter(Options{Dir: dir, VerifyRecords: true}, newTestLogger())

		exported := `[{"id":1},{"id":2}]`
		if err := os.WriteFile(w.Path("asset", testAsOf), []byte(exported), 0o644); err != nil {
			t.Fatal(err)
		}

		if _, err := w.Write([]Dataset{{Category: "asset", AsOf: testAsOf, TotalRows: 2, Exported: true}}, testAsOf); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		data, _ := os.ReadFile(w.Path("asset", testAsOf))
		if string(data) != exported {
			t.Fatalf("exported file was rewritten: %s", data)
		}
	})

	t.Run("stale file replaced when nothing was exported", func(t *testing.T) {
		dir := t.TempDir()
		w := NewWriter(Options{Dir: dir}, newTestLogger())

		if err := os.WriteFile(w.Path("asset", testAsOf), []byte(`[{"id":1}]`), 0o644); err != nil {
			t.Fatal(err)
		}

		if _, err := w.Write([]Dataset{{Category: "asset", AsOf: testAsOf}}, testAsOf); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		n, err := CountRecords(w.Path("asset", testAsOf))
		if err != nil || n != 0 {
			t.Fatalf("expected stale file to be replaced by an empty array, got %d (%v)", n, err)
		}
	})

	t.Run("count mismatch is reported", func(t *testing.T) {
		dir := t.TempDir()
		w := NewWriter(Options{Dir: dir, VerifyRecords: true}, newTestLogger())

		summary, err := w.Write([]Dataset{
			{Category: "asset", AsOf: testAsOf, TotalRows: 5, Rows: sampleRows(2), Retained: true},
			{Category: "zone", AsOf: testAsOf, TotalRows: 1, Rows: sampleRows(1), Retained: true},
		}, testAsOf)
		if !errors.Is(err, ErrRecordCountMismatch) {
			t.Fatalf("expected ErrRecordCountMismatch, got %v", err)
		}
		if summary.Manifest == "" {
			t.Fatal("manifest should still be written")
		}
		if len(summary.Files) != 1 {
			t.Fatalf("sibling category should still be written, got %v", summary.Files)
		}
	})
}

func TestWriterIdempotent(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(Options{Dir: dir, Encoding: Encoding{Indent: true}}, newTestLogger())
	datasets := []Dataset{{Category: "asset", AsOf: testAsOf, TotalRows: 4, Rows: sampleRows(4), Retained: true}}

	if _, err := w.Write(datasets, testAsOf); err != nil {
		t.Fatal(err)
	}
	first, _ := os.ReadFile(w.Path("asset", testAsOf))

	if _, err := w.Write(datasets, testAsOf); err != nil {
		t.Fatal(err)
	}
	second, _ := os.ReadFile(w.Path("asset", testAsOf))

	if string(first) != string(second) {
		t.Fatal("rewriting identical input should produce identical bytes")
	}
}
