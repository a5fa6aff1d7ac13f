// Package export writes normalized documents to CSV files.
package export

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/subgraph-backfill/pkg/model"
)

// Columns returns the union of field names across docs, sorted, with "id"
// first.
func Columns(docs []model.Document) []string {
	seen := map[string]struct{}{"id": {}}
	for _, d := range docs {
		for k := range d.Fields {
			seen[k] = struct{}{}
		}
	}
	delete(seen, "id")

	cols := make([]string, 0, len(seen)+1)
	for k := range seen {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return append([]string{"id"}, cols...)
}

// WriteCSV writes docs as CSV with a header row. Missing and nil fields are
// empty cells.
func WriteCSV(w io.Writer, docs []model.Document) error {
	cols := Columns(docs)

	cw := csv.NewWriter(w)
	if err := cw.Write(cols); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	row := make([]string, len(cols))
	for _, d := range docs {
		row[0] = d.ID
		for i, col := range cols[1:] {
			row[i+1] = formatValue(d.Fields[col])
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write document %s: %w", d.ID, err)
		}
	}

	cw.Flush()
	return cw.Error()
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(x, 10)
	case int:
		return strconv.Itoa(x)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339)
	default:
		return fmt.Sprint(x)
	}
}

// CSVSink writes each collection to <Dir>/<Prefix><collection>.csv,
// replacing any existing file.
type CSVSink struct {
	Dir    string
	Prefix string
	Logger zerolog.Logger
}

// Name identifies the sink in logs.
func (s CSVSink) Name() string { return "csv" }

// Path returns the file a collection is written to.
func (s CSVSink) Path(collection string) string {
	name := strings.NewReplacer("/", "_", ":", "_", string(os.PathSeparator), "_").Replace(s.Prefix + collection)
	return filepath.Join(s.Dir, name+".csv")
}

// Consume writes docs to the collection's file.
func (s CSVSink) Consume(_ context.Context, collection string, docs []model.Document) error {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return fmt.Errorf("create export dir: %w", err)
	}

	path := s.Path(collection)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	bufw := bufio.NewWriterSize(f, 1<<20)
	if err := WriteCSV(bufw, docs); err != nil {
		return fmt.Errorf("export %s: %w", path, err)
	}
	if err := bufw.Flush(); err != nil {
		return fmt.Errorf("flush %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}

	s.Logger.Info().
		Str("collection", collection).
		Str("path", path).
		Int("documents", len(docs)).
		Msg("Exported CSV")
	return nil
}
