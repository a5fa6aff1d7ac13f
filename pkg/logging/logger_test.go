package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != LevelInfo || cfg.Pretty || cfg.File != "" {
		t.Errorf("DefaultConfig() = %+v", cfg)
	}
	if cfg.MaxSizeMB <= 0 || cfg.MaxBackups <= 0 || cfg.MaxAgeDays <= 0 {
		t.Errorf("rotation limits not set: %+v", cfg)
	}
}

func TestSetup_LevelFiltering(t *testing.T) {
	tests := []struct {
		level LogLevel
		want  []string
		drop  []string
	}{
		{LevelDebug, []string{"page", "window", "retry", "exhausted"}, nil},
		{LevelInfo, []string{"window", "retry", "exhausted"}, []string{"page"}},
		{LevelWarn, []string{"retry", "exhausted"}, []string{"page", "window"}},
		{LevelError, []string{"exhausted"}, []string{"page", "window", "retry"}},
	}

	for _, tt := range tests {
		t.Run(string(tt.level), func(t *testing.T) {
			buf := &bytes.Buffer{}
			Setup(Config{Level: tt.level, Output: buf})

			logger := NewLogger("fetch")
			logger.Debug().Msg("page")
			logger.Info().Msg("window")
			logger.Warn().Msg("retry")
			logger.Error().Msg("exhausted")

			out := buf.String()
			for _, msg := range tt.want {
				if !strings.Contains(out, `"message":"`+msg+`"`) {
					t.Errorf("missing %q in %s", msg, out)
				}
			}
			for _, msg := range tt.drop {
				if strings.Contains(out, `"message":"`+msg+`"`) {
					t.Errorf("%q should be filtered at %s", msg, tt.level)
				}
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input LogLevel
		want  zerolog.Level
	}{
		{LevelDebug, zerolog.DebugLevel},
		{"INFO", zerolog.InfoLevel},
		{"warning", zerolog.WarnLevel},
		{LevelError, zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
		{"verbose", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(string(tt.input), func(t *testing.T) {
			if got := parseLevel(tt.input); got != tt.want {
				t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestNewLogger_JSONFields(t *testing.T) {
	buf := &bytes.Buffer{}
	Setup(Config{Level: LevelInfo, Output: buf})

	logger := NewLogger("upload")
	logger.Info().
		Str("collection", "token_swaps").
		Int("batch", 3).
		Msg("Batch committed")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("output is not one JSON line: %v: %q", err, buf.String())
	}
	if line["component"] != "upload" || line["collection"] != "token_swaps" || line["batch"] != float64(3) {
		t.Errorf("line = %v", line)
	}
	if _, ok := line["time"]; !ok {
		t.Error("missing timestamp")
	}
}

func TestSetup_Pretty(t *testing.T) {
	buf := &bytes.Buffer{}
	Setup(Config{Level: LevelInfo, Pretty: true, Output: buf})

	logger := NewLogger("scheduler")
	logger.Info().Msg("Fetch complete")

	out := buf.String()
	if strings.HasPrefix(strings.TrimSpace(out), "{") {
		t.Errorf("pretty output looks like JSON: %q", out)
	}
	if !strings.Contains(out, "Fetch complete") {
		t.Errorf("output = %q", out)
	}
}

func TestSetup_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "backfill.log")
	buf := &bytes.Buffer{}

	cfg := DefaultConfig()
	cfg.Output = buf
	cfg.File = path

	logger, closer := Setup(cfg)
	logger.Info().Str("collection", "token_swaps").Msg("file message")
	if err := closer.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "file message") || !strings.Contains(string(data), "token_swaps") {
		t.Errorf("log file = %q", data)
	}
	if !strings.Contains(buf.String(), "file message") {
		t.Errorf("console output = %q", buf.String())
	}
}

func TestSetup_NilOutput(t *testing.T) {
	_, closer := Setup(Config{Level: LevelError})
	if err := closer.Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}
}
