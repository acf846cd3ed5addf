package output

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestArrayAppender(t *testing.T) {
	t.Run("merges documents and rows", func(t *testing.T) {
		dir := t.TempDir()
		out := filepath.Join(dir, "out.json")

		part := filepath.Join(dir, "part.json")
		if err := os.WriteFile(part, []byte("[\n\t{\"id\":1},\n\t{\"id\":2}\n]\n"), 0o644); err != nil {
			t.Fatal(err)
		}

		app, err := NewArrayAppender(out, Encoding{})
		if err != nil {
			t.Fatal(err)
		}
		if err := app.AppendFile(part); err != nil {
			t.Fatal(err)
		}
		if err := app.AppendDocument([]byte("[]")); err != nil {
			t.Fatal(err)
		}
		if err := app.AppendRows(sampleRows(2)); err != nil {
			t.Fatal(err)
		}
		if err := app.Close(); err != nil {
			t.Fatal(err)
		}

		data, err := os.ReadFile(out)
		if err != nil {
			t.Fatal(err)
		}
		var decoded []map[string]any
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("merged output is not valid JSON: %v\n%s", err, data)
		}
		if len(decoded) != 4 {
			t.Fatalf("expected 4 records, got %d", len(decoded))
		}
	})

	t.Run("documents share one element layout", func(t *testing.T) {
		tests := []struct {
			name string
			enc  Encoding
			want string
		}{
			{"compact", Encoding{}, "[\n\t{\"id\":1,\"tags\":[\"a\"]},\n\t{\"id\":2},\n\t{\"id\":3}\n]\n"},
			{"indented", Encoding{Indent: true}, "[\n\t{\n\t\t\"id\": 1,\n\t\t\"tags\": [\n\t\t\t\"a\"\n\t\t]\n\t},\n\t{\n\t\t\"id\": 2\n\t},\n\t{\n\t\t\"id\": 3\n\t}\n]\n"},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				out := filepath.Join(t.TempDir(), "mixed.json")
				app, err := NewArrayAppender(out, tt.enc)
				if err != nil {
					t.Fatal(err)
				}
				if err := app.AppendDocument([]byte("[\n\t{\"id\": 1, \"tags\": [\"a\"]},\n\t{\"id\":2}\n]\n")); err != nil {
					t.Fatal(err)
				}
				if err := app.AppendDocument([]byte(`[{"id":3}]`)); err != nil {
					t.Fatal(err)
				}
				if err := app.Close(); err != nil {
					t.Fatal(err)
				}

				data, err := os.ReadFile(out)
				if err != nil {
					t.Fatal(err)
				}
				if string(data) != tt.want {
					t.Errorf("unexpected layout:\n%s\nwant:\n%s", data, tt.want)
				}
			})
		}
	})

	t.Run("rejects corrupt piece without touching output", func(t *testing.T) {
		dir := t.TempDir()
		out := filepath.Join(dir, "out.json")

		app, err := NewArrayAppender(out, Encoding{})
		if err != nil {
			t.Fatal(err)
		}
		if err := app.AppendDocument([]byte(`[{"id":1}]`)); err != nil {
			t.Fatal(err)
		}
		if err := app.AppendDocument([]byte(`[{"id":`)); !errors.Is(err, ErrNotJSONArray) {
			t.Fatalf("expected ErrNotJSONArray, got %v", err)
		}
		if err := app.AppendDocument([]byte(`{"id":1}`)); !errors.Is(err, ErrNotJSONArray) {
			t.Fatalf("expected ErrNotJSONArray for object, got %v", err)
		}
		if err := app.AppendDocument([]byte(`[{"id":2}] [{"id":3}]`)); !errors.Is(err, ErrNotJSONArray) {
			t.Fatalf("expected ErrNotJSONArray for trailing data, got %v", err)
		}
		if err := app.Close(); err != nil {
			t.Fatal(err)
		}

		n, err := CountRecords(out)
		if err != nil || n != 1 {
			t.Fatalf("expected 1 record, got %d (%v)", n, err)
		}
	})

	t.Run("abort removes temporary file", func(t *testing.T) {
		dir := t.TempDir()
		out := filepath.Join(dir, "out.json")

		app, err := NewArrayAppender(out, Encoding{})
		if err != nil {
			t.Fatal(err)
		}
		_ = app.AppendRows(sampleRows(1))
		app.Abort()

		entries, _ := os.ReadDir(dir)
		if len(entries) != 0 {
			t.Fatalf("expected empty directory after abort, got %d entries", len(entries))
		}
	})

	t.Run("empty array", func(t *testing.T) {
		out := filepath.Join(t.TempDir(), "out.json")
		app, err := NewArrayAppender(out, Encoding{})
		if err != nil {
			t.Fatal(err)
		}
		if err := app.Close(); err != nil {
			t.Fatal(err)
		}
		data, _ := os.ReadFile(out)
		if strings.TrimSpace(string(data)) != "[]" {
			t.Fatalf("expected [], got %q", data)
		}
	})
}

func TestCountRecords(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    int64
		wantErr bool
	}{
		{"empty file", "", 0, false},
		{"empty array", "[]", 0, false},
		{"nested values", `[{"a":[1,2,3]},{"b":{"c":[{}]}}]`, 2, false},
		{"object", `{"a":1}`, 0, true},
		{"truncated", `[{"a":1},`, 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "doc.json")
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatal(err)
			}
			n, err := CountRecords(path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("expected error=%v, got %v", tt.wantErr, err)
			}
			if n != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, n)
			}
		})
	}
}
