// Package partition groups the parquet entries of a snapshot archive by
// category
package partition

import (
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/airframesio/snapshot-pipeline/cmd/engine"
)

var ErrInvalidArchive = errors.New("invalid snapshot archive")

const parquetExt = ".parquet"

// CategoryOf returns the category for an archive entry name. Entries inside a
// directory belong to their first path segment; root-level entries use their
// base name without extension.
func CategoryOf(name string) (string, bool) {
	name = strings.TrimPrefix(path.Clean(strings.ReplaceAll(name, "\\", "/")), "./")
	if !strings.HasSuffix(strings.ToLower(name), parquetExt) {
		return "", false
	}
	if strings.HasPrefix(name, "__MACOSX/") {
		return "", false
	}

	if i := strings.Index(name, "/"); i > 0 {
		return name[:i], true
	}
	base := path.Base(name)
	category := base[:len(base)-len(parquetExt)]
	if category == "" {
		return "", false
	}
	return category, true
}

// Partition reads every parquet entry of the zip at archivePath into memory
func Partition(archivePath string) ([]engine.Batch, error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}
	defer zr.Close()

	return partition(&zr.Reader)
}

func partition(zr *zip.Reader) ([]engine.Batch, error) {
	index := map[string]int{}
	var batches []engine.Batch

	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		category, ok := CategoryOf(f.Name)
		if !ok {
			continue
		}

		data, err := readEntry(f)
		if err != nil {
			return nil, err
		}

		i, seen := index[category]
		if !seen {
			i = len(batches)
			index[category] = i
			batches = append(batches, engine.Batch{Category: category})
		}
		batches[i].Blobs = append(batches[i].Blobs, engine.Blob{Name: f.Name, Data: data})
	}

	sort.SliceStable(batches, func(i, j int) bool {
		return batches[i].Category < batches[j].Category
	})
	return batches, nil
}

func readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", f.Name, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", f.Name, err)
	}
	return data, nil
}

// Stats summarizes a partitioned archive
type Stats struct {
	Categories int
	Files      int
	Bytes      int64
}

// Summarize counts categories, files and bytes
func Summarize(batches []engine.Batch) Stats {
	s := Stats{Categories: len(batches)}
	for _, b := range batches {
		s.Files += len(b.Blobs)
		for _, blob := range b.Blobs {
			s.Bytes += int64(len(blob.Data))
		}
	}
	return s
}
