package partition

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/parquet-go/parquet-go"
)

type assetRow struct {
	AssetID int64  `parquet:"asset_id"`
	Name    string `parquet:"name"`
}

func parquetBytes(t *testing.T, n int) []byte {
	t.Helper()
	rows := make([]assetRow, n)
	for i := range rows {
		rows[i] = assetRow{AssetID: int64(i), Name: "tower"}
	}
	var buf bytes.Buffer
	if err := parquet.Write(&buf, rows); err != nil {
		t.Fatalf("failed to write parquet: %v", err)
	}
	return buf.Bytes()
}

type zipEntry struct {
	name string
	data []byte
}

func writeZip(t *testing.T, entries []zipEntry) string {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		w, err := zw.Create(e.name)
		if err != nil {
			t.Fatal(err)
		}
		if e.data != nil {
			if _, err := w.Write(e.data); err != nil {
				t.Fatal(err)
			}
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "insights_2024-03-19.zip")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestCategoryOf(t *testing.T) {
	tests := []struct {
		name     string
		category string
		ok       bool
	}{
		{"view_events/part-0.parquet", "view_events", true},
		{"view_events/2024/03/part-1.PARQUET", "view_events", true},
		{"./asset/a.parquet", "asset", true},
		{"zone.parquet", "zone", true},
		{"asset/readme.txt", "", false},
		{"__MACOSX/asset/._a.parquet", "", false},
		{".parquet", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			category, ok := CategoryOf(tt.name)
			if category != tt.category || ok != tt.ok {
				t.Errorf("expected (%q, %v), got (%q, %v)", tt.category, tt.ok, category, ok)
			}
		})
	}
}

func TestPartition(t *testing.T) {
	path := writeZip(t, []zipEntry{
		{name: "view_events/"},
		{name: "view_events/b.parquet", data: parquetBytes(t, 2)},
		{name: "asset/a.parquet", data: parquetBytes(t, 3)},
		{name: "view_events/a.parquet", data: parquetBytes(t, 1)},
		{name: "asset/notes.txt", data: []byte("ignored")},
		{name: "zone.parquet", data: parquetBytes(t, 4)},
	})

	batches, err := Partition(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var categories []string
	for _, b := range batches {
		categories = append(categories, b.Category)
	}
	if !slices.Equal(categories, []string{"asset", "view_events", "zone"}) {
		t.Fatalf("unexpected categories %v", categories)
	}

	views := batches[1]
	if len(views.Blobs) != 2 || views.Blobs[0].Name != "view_events/b.parquet" {
		t.Errorf("archive order should be preserved within a category, got %+v", views.Blobs)
	}

	stats := Summarize(batches)
	if stats.Categories != 3 || stats.Files != 4 {
		t.Errorf("unexpected stats %+v", stats)
	}

	infos := Inspect(batches)
	if infos[0].Rows != 3 || infos[1].Rows != 3 || infos[2].Rows != 4 {
		t.Errorf("unexpected row counts: %d %d %d", infos[0].Rows, infos[1].Rows, infos[2].Rows)
	}
	if !slices.Equal(infos[0].Files[0].Columns, []string{"asset_id", "name"}) {
		t.Errorf("unexpected columns %v", infos[0].Files[0].Columns)
	}
}

func TestPartitionEdgeCases(t *testing.T) {
	t.Run("no parquet entries", func(t *testing.T) {
		path := writeZip(t, []zipEntry{{name: "readme.md", data: []byte("hi")}})
		batches, err := Partition(path)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(batches) != 0 {
			t.Errorf("expected no categories, got %d", len(batches))
		}
	})

	t.Run("not a zip", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "broken.zip")
		if err := os.WriteFile(path, []byte("definitely not a zip"), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := Partition(path); !errors.Is(err, ErrInvalidArchive) {
			t.Errorf("expected ErrInvalidArchive, got %v", err)
		}
	})

	t.Run("corrupt parquet is reported by inspect", func(t *testing.T) {
		path := writeZip(t, []zipEntry{{name: "asset/bad.parquet", data: []byte("garbage")}})
		batches, err := Partition(path)
		if err != nil {
			t.Fatal(err)
		}
		infos := Inspect(batches)
		if infos[0].Invalid != 1 || infos[0].Files[0].Err == nil {
			t.Errorf("expected the blob to be flagged invalid, got %+v", infos[0])
		}
	})
}
