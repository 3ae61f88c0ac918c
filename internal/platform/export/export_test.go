package export

import (
	"bytes"
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/ehr/phiextract/internal/platform/schema"
)

var (
	testColumns = []string{"case_number", "patient_sex", "patient_body_weight", "case_admission_time"}
	testRows    = []schema.Row{
		{"case_number": "abc", "patient_sex": "M", "patient_body_weight": 72.5, "case_admission_time": "2025-06-15T12:00:00+02:00"},
		{"case_number": "def", "patient_sex": "F", "patient_body_weight": nil, "case_admission_time": nil},
	}
)

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"csv", FormatCSV, false},
		{"CSV", FormatCSV, false},
		{"jsonl", FormatJSONL, false},
		{"ndjson", FormatJSONL, false},
		{"parquet", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseFormat(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseFormat(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatFromPath(t *testing.T) {
	if f, err := FormatFromPath("out/demographics.jsonl"); err != nil || f != FormatJSONL {
		t.Errorf("unexpected %q, %v", f, err)
	}
	if _, err := FormatFromPath("out/demographics"); !errors.Is(err, ErrUnknownFormat) {
		t.Errorf("expected ErrUnknownFormat, got %v", err)
	}
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteCSV(&buf, testColumns, testRows); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "case_number,patient_sex,patient_body_weight,case_admission_time\n" +
		"abc,M,72.5,2025-06-15T12:00:00+02:00\n" +
		"def,F,,\n"
	if buf.String() != want {
		t.Errorf("got\n%s\nwant\n%s", buf.String(), want)
	}
}

func TestWriteCSV_HeaderOnlyWhenEmpty(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteCSV(&buf, []string{"patient_id"}, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if buf.String() != "patient_id\n" {
		t.Errorf("expected header only, got %q", buf.String())
	}
}

func TestWriteCSV_RejectsNonFinite(t *testing.T) {
	var buf bytes.Buffer
	err := WriteCSV(&buf, []string{"w"}, []schema.Row{{"w": math.Inf(1)}})
	if err == nil {
		t.Error("expected error for infinite value")
	}
}

func TestWriteJSONL_KeepsColumnOrder(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteJSONL(&buf, testColumns, testRows); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := `{"case_number":"abc","patient_sex":"M","patient_body_weight":72.5,"case_admission_time":"2025-06-15T12:00:00+02:00"}` + "\n" +
		`{"case_number":"def","patient_sex":"F","patient_body_weight":null,"case_admission_time":null}` + "\n"
	if buf.String() != want {
		t.Errorf("got\n%s\nwant\n%s", buf.String(), want)
	}
}

func TestWriteJSONL_EmptyWritesNothing(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteJSONL(&buf, testColumns, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if buf.Len() != 0 {
		t.Errorf("expected no output, got %q", buf.String())
	}
}

func TestFileExporter_CreatesParentDirs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "out", "demo.csv")
	e, err := NewFileExporter(path, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.Format() != FormatCSV {
		t.Errorf("expected csv from suffix, got %q", e.Format())
	}
	if err := e.Export(context.Background(), testColumns, testRows); err != nil {
		t.Fatalf("export: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("case_number,")) {
		t.Errorf("unexpected content %q", data)
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("expected only the output file, found %d entries", len(entries))
	}
}

func TestFileExporter_FlagOverridesSuffix(t *testing.T) {
	path := filepath.Join(t.TempDir(), "demo.txt")
	e, err := NewFileExporter(path, "jsonl")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := e.Export(context.Background(), []string{"a"}, []schema.Row{{"a": true}}); err != nil {
		t.Fatalf("export: %v", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "{\"a\":true}\n" {
		t.Errorf("unexpected content %q", data)
	}
}

func TestNewFileExporter_Errors(t *testing.T) {
	if _, err := NewFileExporter("", "csv"); err == nil {
		t.Error("expected error for empty path")
	}
	if _, err := NewFileExporter("out.xlsx", ""); !errors.Is(err, ErrUnknownFormat) {
		t.Errorf("expected ErrUnknownFormat, got %v", err)
	}
}

func TestStreamExporter_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var buf bytes.Buffer
	if err := NewStreamExporter(&buf, FormatCSV).Export(ctx, testColumns, testRows); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if buf.Len() != 0 {
		t.Error("expected nothing written")
	}
}
