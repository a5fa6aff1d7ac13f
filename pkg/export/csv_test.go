package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/subgraph-backfill/pkg/model"
)

func TestColumns(t *testing.T) {
	docs := []model.Document{
		{ID: "1", Fields: map[string]any{"id": "1", "pair": "A/B", "amount0": 1.5}},
		{ID: "2", Fields: map[string]any{"id": "2", "tick": int64(3)}},
	}

	want := []string{"id", "amount0", "pair", "tick"}
	if got := Columns(docs); !reflect.DeepEqual(got, want) {
		t.Errorf("Columns() = %v, want %v", got, want)
	}
}

func TestWriteCSV(t *testing.T) {
	docs := []model.Document{
		{ID: "1", Fields: map[string]any{"id": "1", "pair": "WETH/USDC", "amount0": -1.25, "tick": int64(-7)}},
		{ID: "2", Fields: map[string]any{"id": "2", "pair": nil, "note": "has,comma"}},
	}

	var buf bytes.Buffer
	if err := WriteCSV(&buf, docs); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}

	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("read back: %v", err)
	}

	want := [][]string{
		{"id", "amount0", "note", "pair", "tick"},
		{"1", "-1.25", "", "WETH/USDC", "-7"},
		{"2", "", "has,comma", "", ""},
	}
	if !reflect.DeepEqual(rows, want) {
		t.Errorf("rows = %v, want %v", rows, want)
	}
}

func TestFormatValue(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{nil, ""},
		{"x", "x"},
		{0.1, "0.1"},
		{float64(1e21), "1000000000000000000000"},
		{int64(42), "42"},
		{7, "7"},
		{true, "true"},
	}

	for _, tt := range tests {
		if got := formatValue(tt.in); got != tt.want {
			t.Errorf("formatValue(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCSVSink_Consume(t *testing.T) {
	dir := t.TempDir()
	sink := CSVSink{Dir: filepath.Join(dir, "out"), Logger: zerolog.Nop()}

	docs := []model.Document{{ID: "1", Fields: map[string]any{"id": "1"}}}
	if err := sink.Consume(context.Background(), "token_swaps", docs); err != nil {
		t.Fatalf("Consume: %v", err)
	}

	data, err := os.ReadFile(sink.Path("token_swaps"))
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	if string(data) != "id\n1\n" {
		t.Errorf("export = %q", data)
	}
}

func TestCSVSink_PathSanitizesCollection(t *testing.T) {
	sink := CSVSink{Dir: "/tmp/x"}
	if got := sink.Path("token-days:0xabc/1"); got != "/tmp/x/token-days_0xabc_1.csv" {
		t.Errorf("Path() = %q", got)
	}

	sink.Prefix = "0xabc_"
	if got := sink.Path("token_day_data"); got != "/tmp/x/0xabc_token_day_data.csv" {
		t.Errorf("Path() with prefix = %q", got)
	}
}
