package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Pequito/sessionvault/internal/config"
)

func TestNewStructuredHonoursLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "structured", "error")
	logger.Info("dropped")
	logger.Error("kept", "session", "s1")

	line := strings.TrimSpace(buf.String())
	if strings.Contains(line, "dropped") {
		t.Fatalf("info entry should be filtered: %q", line)
	}
	entry := map[string]any{}
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("parse log entry %q: %v", line, err)
	}
	if entry["session"] != "s1" {
		t.Fatalf("expected session field, got %+v", entry)
	}
}

func TestReadTailAndClear(t *testing.T) {
	dir := t.TempDir()
	config.Cfg.LogPath = filepath.Join(dir, "test.log")
	if err := os.WriteFile(config.Cfg.LogPath, []byte("a\nb\nc\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	tail, err := ReadTail(2)
	if err != nil {
		t.Fatalf("ReadTail: %v", err)
	}
	if tail != "b\nc" {
		t.Fatalf("ReadTail = %q, want %q", tail, "b\nc")
	}

	if err := Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	tail, err = ReadTail(10)
	if err != nil {
		t.Fatalf("ReadTail after clear: %v", err)
	}
	if tail != "" {
		t.Fatalf("expected empty log, got %q", tail)
	}
}

func TestReadTailMissingFile(t *testing.T) {
	config.Cfg.LogPath = filepath.Join(t.TempDir(), "missing.log")
	tail, err := ReadTail(5)
	if err != nil || tail != "" {
		t.Fatalf("ReadTail = %q, %v", tail, err)
	}
}

func TestInitWritesFileAndFileOnly(t *testing.T) {
	config.Cfg.LogPath = filepath.Join(t.TempDir(), "logs", "app.log")
	config.Cfg.LogMode = "structured"
	config.Cfg.LogLevel = "info"
	t.Cleanup(func() {
		Close()
		config.Cfg.LogMode = ""
		config.Cfg.LogLevel = ""
	})

	Init()
	FileOnly().Info("only in file", "session", "s2")

	tail, err := ReadTail(10)
	if err != nil {
		t.Fatalf("ReadTail: %v", err)
	}
	if !strings.Contains(tail, "only in file") || !strings.Contains(tail, "s2") {
		t.Fatalf("expected entry in log file, got %q", tail)
	}
}

func TestLogFileRotates(t *testing.T) {
	dir := t.TempDir()
	config.Cfg.LogPath = filepath.Join(dir, "app.log")
	config.Cfg.LogMaxSizeMB = 1
	config.Cfg.LogMaxBackups = 3
	t.Cleanup(func() {
		Close()
		config.Cfg.LogMaxSizeMB = 0
		config.Cfg.LogMaxBackups = 0
	})

	Init()
	logger := FileOnly()
	filler := strings.Repeat("x", 1000)
	for i := 0; i < 1500; i++ {
		logger.Info("filler", "n", i, "pad", filler)
	}

	backups, err := filepath.Glob(filepath.Join(dir, "app-*.log"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(backups) == 0 {
		t.Fatal("log file was not rotated")
	}
	info, err := os.Stat(config.Cfg.LogPath)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() > 1024*1024 {
		t.Fatalf("current log is %d bytes, want at most 1 MiB", info.Size())
	}
}
