package output

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/airframesio/snapshot-pipeline/cmd/record"
)

var ErrNotJSONArray = errors.New("document is not a JSON array")

// Encoding controls how retained rows are serialized. It carries no state
// between calls and is safe to share across categories.
type Encoding struct {
	Indent   bool // one field per line instead of one record per line
	OmitNull bool // drop NULL columns from each record
}

func (e Encoding) writeElements(w *bufio.Writer, rows []record.Row) error {
	var scratch []byte
	var pretty bytes.Buffer
	for i, row := range rows {
		var err error
		scratch, err = row.AppendJSON(scratch[:0], e.OmitNull)
		if err != nil {
			return fmt.Errorf("failed to encode record %d: %w", i, err)
		}
		if i > 0 {
			if _, err := w.WriteString(",\n"); err != nil {
				return err
			}
		}

		if e.Indent {
			pretty.Reset()
			if err := json.Indent(&pretty, scratch, "\t", "\t"); err != nil {
				return fmt.Errorf("failed to indent record %d: %w", i, err)
			}
			_ = w.WriteByte('\t')
			if _, err := w.Write(pretty.Bytes()); err != nil {
				return err
			}
			continue
		}

		_ = w.WriteByte('\t')
		if _, err := w.Write(scratch); err != nil {
			return err
		}
	}
	return nil
}

// elements re-encodes the elements of a JSON array document in the layout of
// writeElements. Nothing is returned for an empty document or an empty array.
func (e Encoding) elements(data []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotJSONArray, err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '[' {
		return nil, ErrNotJSONArray
	}

	var out bytes.Buffer
	var raw json.RawMessage
	for n := 0; dec.More(); n++ {
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("%w: record %d: %v", ErrNotJSONArray, n, err)
		}
		if n > 0 {
			out.WriteString(",\n")
		}
		out.WriteByte('\t')
		if e.Indent {
			err = json.Indent(&out, raw, "\t", "\t")
		} else {
			err = json.Compact(&out, raw)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: record %d: %v", ErrNotJSONArray, n, err)
		}
	}
	// closing bracket, then nothing else
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotJSONArray, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data", ErrNotJSONArray)
	}
	return out.Bytes(), nil
}

// CountRecords returns the number of top-level elements in a JSON array file.
// An empty file counts as zero records.
func CountRecords(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	return countArray(bufio.NewReader(f))
}

func countArray(r io.Reader) (int64, error) {
	dec := json.NewDecoder(r)
	tok, err := dec.Token()
	if errors.Is(err, io.EOF) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '[' {
		return 0, ErrNotJSONArray
	}

	var n int64
	var skip json.RawMessage
	for dec.More() {
		if err := dec.Decode(&skip); err != nil {
			return n, fmt.Errorf("record %d: %w", n, err)
		}
		n++
	}

	if _, err := dec.Token(); err != nil {
		return n, fmt.Errorf("unterminated array: %w", err)
	}
	return n, nil
}
