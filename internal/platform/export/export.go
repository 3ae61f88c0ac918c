// Package export writes extraction results as CSV or JSON Lines.
package export

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ehr/phiextract/internal/platform/schema"
)

// Format is an output encoding.
type Format string

const (
	FormatCSV   Format = "csv"
	FormatJSONL Format = "jsonl"
)

// ErrUnknownFormat is returned for unsupported formats or file suffixes.
var ErrUnknownFormat = errors.New("unknown export format")

// ParseFormat accepts csv, jsonl and ndjson, case-insensitively.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "csv":
		return FormatCSV, nil
	case "jsonl", "ndjson":
		return FormatJSONL, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
}

// FormatFromPath derives the format from the file suffix.
func FormatFromPath(path string) (Format, error) {
	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	if ext == "" {
		return "", fmt.Errorf("%w: %s has no suffix", ErrUnknownFormat, filepath.Base(path))
	}
	return ParseFormat(ext)
}

// Write encodes rows to w in the given format, columns in order.
func Write(w io.Writer, format Format, columns []string, rows []schema.Row) error {
	switch format {
	case FormatCSV:
		return WriteCSV(w, columns, rows)
	case FormatJSONL:
		return WriteJSONL(w, columns, rows)
	}
	return fmt.Errorf("%w: %q", ErrUnknownFormat, format)
}

// WriteCSV writes a header line followed by one record per row. Nulls are
// empty cells. The header is written even when rows is empty.
func WriteCSV(w io.Writer, columns []string, rows []schema.Row) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(columns); err != nil {
		return err
	}
	record := make([]string, len(columns))
	for i, row := range rows {
		for j, col := range columns {
			cell, err := formatCell(row[col])
			if err != nil {
				return fmt.Errorf("row %d, column %s: %w", i, col, err)
			}
			record[j] = cell
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatCell(v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "", nil
	case string:
		return x, nil
	case bool:
		return strconv.FormatBool(x), nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return "", fmt.Errorf("non-finite number")
		}
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	}
	return "", fmt.Errorf("unsupported value type %T", v)
}

// WriteJSONL writes one JSON object per line with keys in column order.
func WriteJSONL(w io.Writer, columns []string, rows []schema.Row) error {
	bw := bufio.NewWriter(w)
	var line bytes.Buffer
	for i, row := range rows {
		line.Reset()
		line.WriteByte('{')
		for j, col := range columns {
			if j > 0 {
				line.WriteByte(',')
			}
			key, err := json.Marshal(col)
			if err != nil {
				return err
			}
			val, err := json.Marshal(row[col])
			if err != nil {
				return fmt.Errorf("row %d, column %s: %w", i, col, err)
			}
			line.Write(key)
			line.WriteByte(':')
			line.Write(val)
		}
		line.WriteString("}\n")
		if _, err := bw.Write(line.Bytes()); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// FileExporter replaces a file with the encoded result. The file appears
// only once it is complete.
type FileExporter struct {
	path   string
	format Format
}

// NewFileExporter returns an exporter for path. An empty format is derived
// from the path suffix.
func NewFileExporter(path, format string) (*FileExporter, error) {
	if path == "" {
		return nil, errors.New("export path is required")
	}
	var (
		f   Format
		err error
	)
	if format == "" {
		f, err = FormatFromPath(path)
	} else {
		f, err = ParseFormat(format)
	}
	if err != nil {
		return nil, err
	}
	return &FileExporter{path: path, format: f}, nil
}

// Path returns the destination file.
func (e *FileExporter) Path() string { return e.path }

// Format returns the output encoding.
func (e *FileExporter) Format() Format { return e.format }

// Export writes the result, creating parent directories as needed.
func (e *FileExporter) Export(ctx context.Context, columns []string, rows []schema.Row) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := filepath.Dir(e.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(e.path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := Write(tmp, e.format, columns, rows); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o640); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), e.path)
}

// StreamExporter writes the result to an already open writer.
type StreamExporter struct {
	w      io.Writer
	format Format
}

// NewStreamExporter returns an exporter writing format to w.
func NewStreamExporter(w io.Writer, format Format) *StreamExporter {
	return &StreamExporter{w: w, format: format}
}

// Export encodes the result to the writer.
func (e *StreamExporter) Export(ctx context.Context, columns []string, rows []schema.Row) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return Write(e.w, e.format, columns, rows)
}
