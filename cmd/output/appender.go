package output

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"

	"github.com/airframesio/snapshot-pipeline/cmd/record"
)

// ArrayAppender assembles one JSON array out of several pieces: whole array
// documents exported by the engine, or rows held in memory. The first piece
// initializes the file and every later piece is appended to it.
type ArrayAppender struct {
	path    string
	tmpPath string
	file    *os.File
	w       *bufio.Writer
	enc     Encoding
	pieces  int
	done    bool
}

// NewArrayAppender starts a new array at path. Content goes to a sibling
// temporary file and only replaces path on Close.
func NewArrayAppender(path string, enc Encoding) (*ArrayAppender, error) {
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return nil, fmt.Errorf("failed to create output file: %w", err)
	}

	a := &ArrayAppender{
		path:    path,
		tmpPath: f.Name(),
		file:    f,
		w:       bufio.NewWriter(f),
		enc:     enc,
	}
	if _, err := a.w.WriteString("["); err != nil {
		a.Abort()
		return nil, err
	}
	return a, nil
}

// AppendFile appends the elements of a JSON array document. The document is
// validated before anything is written, so a corrupt piece leaves the array
// untouched.
func (a *ArrayAppender) AppendFile(piece string) error {
	data, err := os.ReadFile(piece)
	if err != nil {
		return err
	}
	return a.AppendDocument(data)
}

// AppendDocument appends the elements of an in-memory JSON array document.
// Elements are re-encoded one per line, the same way AppendRows lays out
// records, whatever the layout of the source document.
func (a *ArrayAppender) AppendDocument(data []byte) error {
	elems, err := a.enc.elements(data)
	if err != nil {
		return err
	}
	if len(elems) == 0 {
		return nil
	}
	return a.writePiece(func() error {
		_, err := a.w.Write(elems)
		return err
	})
}

// AppendRows appends rows held in memory
func (a *ArrayAppender) AppendRows(rows []record.Row) error {
	if len(rows) == 0 {
		return nil
	}
	return a.writePiece(func() error {
		return a.enc.writeElements(a.w, rows)
	})
}

func (a *ArrayAppender) writePiece(write func() error) error {
	sep := "\n"
	if a.pieces > 0 {
		sep = ",\n"
	}
	if _, err := a.w.WriteString(sep); err != nil {
		return err
	}
	if err := write(); err != nil {
		return err
	}
	a.pieces++
	return nil
}

// Close terminates the array and moves it into place
func (a *ArrayAppender) Close() error {
	if a.done {
		return nil
	}
	a.done = true

	tail := "]\n"
	if a.pieces > 0 {
		tail = "\n]\n"
	}
	if _, err := a.w.WriteString(tail); err != nil {
		a.cleanup()
		return err
	}
	if err := a.w.Flush(); err != nil {
		a.cleanup()
		return err
	}
	if err := a.file.Close(); err != nil {
		_ = os.Remove(a.tmpPath)
		return err
	}
	if err := os.Rename(a.tmpPath, a.path); err != nil {
		_ = os.Remove(a.tmpPath)
		return fmt.Errorf("failed to move output into place: %w", err)
	}
	return nil
}

// Abort discards everything written so far
func (a *ArrayAppender) Abort() {
	if a.done {
		return
	}
	a.done = true
	a.cleanup()
}

func (a *ArrayAppender) cleanup() {
	_ = a.file.Close()
	_ = os.Remove(a.tmpPath)
}
