package engine

import (
	"fmt"
	"os"
	"path/filepath"
)

// scratch is the transient on-disk area for one conversion call. The engine
// reads parquet by path, so every blob is written here first. release removes
// the whole area and must run on every exit path.
type scratch struct {
	dir string
}

func newScratch(tempDir, runID, category string) (*scratch, error) {
	if tempDir != "" {
		if err := os.MkdirAll(tempDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create temp directory: %w", err)
		}
	}

	pattern := "convert-" + safeName(category) + "-"
	if runID != "" {
		pattern = "convert-" + safeName(runID) + "-" + safeName(category) + "-"
	}
	dir, err := os.MkdirTemp(tempDir, pattern+"*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}
	return &scratch{dir: dir}, nil
}

// materialize writes each blob to its own parquet file, in order
func (s *scratch) materialize(blobs []Blob) ([]string, error) {
	paths := make([]string, len(blobs))
	for i, blob := range blobs {
		path := filepath.Join(s.dir, fmt.Sprintf("part-%04d.parquet", i))
		if err := os.WriteFile(path, blob.Data, 0o600); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", blob.Name, err)
		}
		paths[i] = path
	}
	return paths, nil
}

// piecePath names the per-file JSON export used by the fallback
func (s *scratch) piecePath(i int) string {
	return filepath.Join(s.dir, fmt.Sprintf("piece-%04d.json", i))
}

func (s *scratch) release() error {
	return os.RemoveAll(s.dir)
}
