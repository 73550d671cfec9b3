package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":        slog.LevelInfo,
		"DEBUG":   slog.LevelDebug,
		"warning": slog.LevelWarn,
		" error ": slog.LevelError,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Fatalf("ParseLevel(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestNewJSONRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	l, closer, err := New(Config{Level: "warn", Format: "json"}, &buf)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer closer.Close()

	l.Info("hidden")
	l.Warn("device lost", "device_id", "dmm1")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line, got %q", buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("not json: %v", err)
	}
	if rec["msg"] != "device lost" || rec["device_id"] != "dmm1" {
		t.Fatalf("unexpected record: %v", rec)
	}
}

func TestNewWritesRotatedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalytic.log")
	var console bytes.Buffer
	l, closer, err := New(Config{File: FileConfig{Path: path}}, &console)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	l.Info("hello")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("log file not created: %v", err)
	}
	if !strings.Contains(string(b), "msg=hello") || !strings.Contains(console.String(), "msg=hello") {
		t.Fatalf("expected message in both outputs: file=%q console=%q", b, console.String())
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, _, err := New(Config{Format: "xml"}, &bytes.Buffer{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestColorHandlerKeepsAttrsAndDropsTime(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(NewColorTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}, false))
	l.With("driver", "catalytic.serial").Error("port failed")

	out := buf.String()
	if !strings.HasPrefix(out, "\033[31mERROR\033[0m msg=") {
		t.Fatalf("missing color tag: %q", out)
	}
	if strings.Contains(out, `\x1b`) || strings.Contains(out, "level=") {
		t.Fatalf("tag escaped or level duplicated: %q", out)
	}
	if !strings.Contains(out, "driver=catalytic.serial") {
		t.Fatalf("WithAttrs lost: %q", out)
	}
	if strings.Contains(out, "time=") {
		t.Fatalf("time should be dropped: %q", out)
	}
}

func TestColorHandlerLinesStayWhole(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(NewColorTextHandler(&buf, nil, false))
	loggers := []*slog.Logger{base, base.With("session", "s1"), base.WithGroup("net")}

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			loggers[i%len(loggers)].Warn("chunk received", "n", i)
		}(i)
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	if len(lines) != 30 {
		t.Fatalf("expected 30 lines, got %d: %q", len(lines), buf.String())
	}
	for _, line := range lines {
		if !strings.HasPrefix(line, "\033[33mWARN\033[0m msg=") {
			t.Fatalf("interleaved or untagged line: %q", line)
		}
	}
}

func TestFileWriterDefaults(t *testing.T) {
	if (Config{}).FileWriter() != nil {
		t.Fatal("no path should mean no writer")
	}
	w := Config{File: FileConfig{Path: filepath.Join(t.TempDir(), "x.log")}}.FileWriter()
	if w == nil {
		t.Fatal("expected writer")
	}
	_ = w.Close()
}
