// Package packager bundles an output directory into a single archive
package packager

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/airframesio/snapshot-pipeline/cmd/compressors"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported package format")
	ErrSourceNotDir      = errors.New("package source is not a directory")
	ErrFilesSkipped      = errors.New("files left out of package")
)

// Format names an archive layout
type Format string

const (
	FormatZip    Format = "zip"
	FormatTarZst Format = "tar.zst"
	FormatTarGz  Format = "tar.gz"
	FormatTarLz4 Format = "tar.lz4"
)

// Formats lists every supported format
var Formats = []Format{FormatZip, FormatTarZst, FormatTarGz, FormatTarLz4}

// ParseFormat validates a format name
func ParseFormat(s string) (Format, error) {
	for _, f := range Formats {
		if string(f) == s {
			return f, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, s)
}

// Extension returns the file extension, including the leading dot
func (f Format) Extension() string {
	return "." + string(f)
}

func (f Format) compression() string {
	switch f {
	case FormatTarZst:
		return "zstd"
	case FormatTarGz:
		return "gzip"
	case FormatTarLz4:
		return "lz4"
	default:
		return "none"
	}
}

// Archive describes a written package
type Archive struct {
	Path  string
	Files []string
	Bytes int64
}

// Packager writes archives of one format
type Packager struct {
	format Format
	level  int
	logger *slog.Logger
}

// New creates a packager. A level of 0 uses the codec default.
func New(format Format, level int, logger *slog.Logger) *Packager {
	if format == "" {
		format = FormatZip
	}
	return &Packager{format: format, level: level, logger: logger}
}

// ArchivePath returns {dir}/{base of srcDir}-{YYYYMMDD}{ext}
func (p *Packager) ArchivePath(dir, srcDir string, asOf time.Time) string {
	name := filepath.Base(filepath.Clean(srcDir)) + "-" + asOf.Format("20060102") + p.format.Extension()
	return filepath.Join(dir, name)
}

type entry struct {
	abs  string
	rel  string
	info fs.FileInfo
}

// Package writes every regular file under srcDir into dest. Paths inside the
// archive are relative to srcDir and slash separated; directories get no
// entries of their own. srcDir is left untouched.
//
// A file that cannot be read is logged and left out while the rest are still
// packaged; the archive is returned together with an ErrFilesSkipped error.
func (p *Packager) Package(srcDir, dest string) (*Archive, error) {
	info, err := os.Stat(srcDir)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", srcDir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrSourceNotDir, srcDir)
	}

	entries, err := collect(srcDir, dest)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".*.tmp")
	if err != nil {
		return nil, fmt.Errorf("failed to create temporary archive: %w", err)
	}
	defer os.Remove(tmp.Name())

	var written []entry
	var skipped []error
	if p.format == FormatZip {
		written, skipped, err = p.writeZip(tmp, entries)
	} else {
		written, skipped, err = p.writeTar(tmp, entries)
	}
	if err != nil {
		tmp.Close()
		return nil, err
	}

	stat, err := tmp.Stat()
	if err != nil {
		tmp.Close()
		return nil, fmt.Errorf("failed to stat archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("failed to close archive: %w", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return nil, fmt.Errorf("failed to move archive into place: %w", err)
	}

	archive := &Archive{Path: dest, Bytes: stat.Size()}
	for _, e := range written {
		archive.Files = append(archive.Files, e.rel)
	}

	p.logger.Info(fmt.Sprintf("📦 Packaged %d files into %s (%d bytes)", len(written), dest, stat.Size()))
	if len(skipped) > 0 {
		return archive, fmt.Errorf("%w: %d of %d: %w", ErrFilesSkipped, len(skipped), len(entries), errors.Join(skipped...))
	}
	return archive, nil
}

func collect(srcDir, dest string) ([]entry, error) {
	destAbs, _ := filepath.Abs(dest)

	var entries []entry
	err := filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if abs, _ := filepath.Abs(path); abs == destAbs {
			return nil
		}
		// Temporary files from an interrupted write
		if strings.HasPrefix(d.Name(), ".") && strings.HasSuffix(d.Name(), ".tmp") {
			return nil
		}

		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		entries = append(entries, entry{abs: path, rel: filepath.ToSlash(rel), info: info})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", srcDir, err)
	}
	return entries, nil
}

// open opens an entry and stats the open file, so the size in the header
// matches what gets copied. Failures are logged here.
func (p *Packager) open(e entry) (*os.File, fs.FileInfo, error) {
	f, err := os.Open(e.abs)
	if err != nil {
		err = fmt.Errorf("failed to open %s: %w", e.rel, err)
		p.logger.Warn(fmt.Sprintf("⚠️  Skipping %s: %v", e.rel, err), "file", e.rel)
		return nil, nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		err = fmt.Errorf("failed to stat %s: %w", e.rel, err)
		p.logger.Warn(fmt.Sprintf("⚠️  Skipping %s: %v", e.rel, err), "file", e.rel)
		return nil, nil, err
	}
	return f, info, nil
}

// writeZip returns the entries it stored, the errors of the files it had to
// skip, and a fatal error when the archive itself cannot be finished.
// Files are opened before their header is written so a skipped file leaves
// no trace in the archive.
func (p *Packager) writeZip(w io.Writer, entries []entry) ([]entry, []error, error) {
	var written []entry
	var skipped []error

	zw := zip.NewWriter(w)
	for _, e := range entries {
		f, info, err := p.open(e)
		if err != nil {
			skipped = append(skipped, err)
			continue
		}

		header, err := zip.FileInfoHeader(info)
		if err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("failed to build zip header for %s: %w", e.rel, err)
		}
		header.Name = e.rel
		header.Method = zip.Deflate

		fw, err := zw.CreateHeader(header)
		if err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("failed to add %s: %w", e.rel, err)
		}
		_, err = io.Copy(fw, f)
		f.Close()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to copy %s: %w", e.rel, err)
		}
		written = append(written, e)
	}
	if err := zw.Close(); err != nil {
		return nil, nil, fmt.Errorf("failed to finish zip: %w", err)
	}
	return written, skipped, nil
}

// writeTar follows writeZip. The header carries the size seen on the open
// file, so exactly that many bytes are copied.
func (p *Packager) writeTar(w io.Writer, entries []entry) ([]entry, []error, error) {
	compressor, err := compressors.GetCompressor(p.format.compression())
	if err != nil {
		return nil, nil, err
	}
	level := p.level
	if level == 0 {
		level = compressor.DefaultLevel()
	}
	cw, err := compressor.NewWriter(w, level)
	if err != nil {
		return nil, nil, err
	}

	var written []entry
	var skipped []error

	tw := tar.NewWriter(cw)
	for _, e := range entries {
		f, info, err := p.open(e)
		if err != nil {
			skipped = append(skipped, err)
			continue
		}

		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("failed to build tar header for %s: %w", e.rel, err)
		}
		header.Name = e.rel
		if err := tw.WriteHeader(header); err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("failed to add %s: %w", e.rel, err)
		}
		_, err = io.CopyN(tw, f, info.Size())
		f.Close()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to copy %s: %w", e.rel, err)
		}
		written = append(written, e)
	}
	if err := tw.Close(); err != nil {
		return nil, nil, fmt.Errorf("failed to finish tar: %w", err)
	}
	if err := cw.Close(); err != nil {
		return nil, nil, fmt.Errorf("failed to flush compressor: %w", err)
	}
	return written, skipped, nil
}
