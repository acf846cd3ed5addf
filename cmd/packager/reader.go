package packager

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/airframesio/snapshot-pipeline/cmd/compressors"
)

// DetectFormat infers the format from an archive file name
func DetectFormat(path string) (Format, error) {
	for _, f := range Formats {
		if strings.HasSuffix(path, f.Extension()) {
			return f, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
}

// List returns the file names stored in an archive, in archive order
func List(path string) ([]string, error) {
	format, err := DetectFormat(path)
	if err != nil {
		return nil, err
	}

	if format == FormatZip {
		zr, err := zip.OpenReader(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", path, err)
		}
		defer zr.Close()

		names := make([]string, 0, len(zr.File))
		for _, f := range zr.File {
			names = append(names, f.Name)
		}
		return names, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	compressor, err := compressors.GetCompressor(format.compression())
	if err != nil {
		return nil, err
	}
	cr, err := compressor.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer cr.Close()

	var names []string
	tr := tar.NewReader(cr)
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return names, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		names = append(names, header.Name)
	}
}
