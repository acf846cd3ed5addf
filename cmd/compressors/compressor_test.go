package compressors

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestGetCompressor(t *testing.T) {
	tests := []struct {
		name      string
		extension string
	}{
		{"zstd", ".zst"},
		{"lz4", ".lz4"},
		{"gzip", ".gz"},
		{"none", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := GetCompressor(tt.name)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if c.Extension() != tt.extension {
				t.Errorf("expected extension %q, got %q", tt.extension, c.Extension())
			}
		})
	}

	if _, err := GetCompressor("brotli"); !errors.Is(err, ErrUnsupportedCompression) {
		t.Errorf("expected ErrUnsupportedCompression, got %v", err)
	}
}

func TestStreamingRoundTrip(t *testing.T) {
	payload := []byte(strings.Repeat(`{"id":1,"category":"view_events"},`, 500))

	for _, name := range []string{"zstd", "lz4", "gzip", "none"} {
		t.Run(name, func(t *testing.T) {
			c, err := GetCompressor(name)
			if err != nil {
				t.Fatal(err)
			}

			var buf bytes.Buffer
			w, err := c.NewWriter(&buf, c.DefaultLevel())
			if err != nil {
				t.Fatal(err)
			}
			if _, err := w.Write(payload); err != nil {
				t.Fatal(err)
			}
			if err := w.Close(); err != nil {
				t.Fatal(err)
			}

			r, err := c.NewReader(&buf)
			if err != nil {
				t.Fatal(err)
			}
			defer r.Close()

			got, err := io.ReadAll(r)
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(got, payload) {
				t.Errorf("round trip mismatch: got %d bytes, want %d", len(got), len(payload))
			}
		})
	}
}
