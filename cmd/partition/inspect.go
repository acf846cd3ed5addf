package partition

import (
	"bytes"
	"fmt"

	"github.com/parquet-go/parquet-go"

	"github.com/airframesio/snapshot-pipeline/cmd/engine"
)

// FileInfo is the footer metadata of one parquet blob
type FileInfo struct {
	Name    string
	Size    int64
	Rows    int64
	Columns []string
	Err     error
}

// CategoryInfo collects FileInfo for one category
type CategoryInfo struct {
	Category string
	Files    []FileInfo
	Rows     int64
	Invalid  int
}

// Inspect reads the parquet footer of every blob without decoding row data
func Inspect(batches []engine.Batch) []CategoryInfo {
	out := make([]CategoryInfo, 0, len(batches))
	for _, b := range batches {
		info := CategoryInfo{Category: b.Category}
		for _, blob := range b.Blobs {
			fi := inspectBlob(blob)
			if fi.Err != nil {
				info.Invalid++
			} else {
				info.Rows += fi.Rows
			}
			info.Files = append(info.Files, fi)
		}
		out = append(out, info)
	}
	return out
}

func inspectBlob(blob engine.Blob) FileInfo {
	fi := FileInfo{Name: blob.Name, Size: int64(len(blob.Data))}

	f, err := parquet.OpenFile(bytes.NewReader(blob.Data), fi.Size)
	if err != nil {
		fi.Err = fmt.Errorf("failed to read parquet footer: %w", err)
		return fi
	}

	fi.Rows = f.NumRows()
	for _, field := range f.Schema().Fields() {
		fi.Columns = append(fi.Columns, field.Name())
	}
	return fi
}
