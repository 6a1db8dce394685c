package logging

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Pequito/sessionvault/internal/config"
	"gopkg.in/natefinch/lumberjack.v2"
	"pkt.systems/pslog"
)

var (
	logFile *lumberjack.Logger
	mu      sync.Mutex
)

// Init builds the process logger writing to stderr and the log file.
// Must be called after config.Load(). The file rotates at LogMaxSizeMB and
// keeps LogMaxBackups old copies. If the log file cannot be opened the
// logger falls back to stderr only.
func Init() pslog.Logger {
	mu.Lock()
	defer mu.Unlock()

	var w io.Writer = os.Stderr
	var fileErr error
	path := config.Cfg.LogPath
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			fileErr = fmt.Errorf("create log directory: %w", err)
		} else if f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600); err != nil {
			fileErr = fmt.Errorf("open log file %s: %w", path, err)
		} else {
			f.Close()
			logFile = &lumberjack.Logger{
				Filename:   path,
				MaxSize:    max(config.Cfg.LogMaxSizeMB, 1),
				MaxBackups: config.Cfg.LogMaxBackups,
			}
			w = io.MultiWriter(os.Stderr, logFile)
		}
	}

	logger := New(w, config.Cfg.LogMode, config.Cfg.LogLevel)
	log.SetOutput(pslog.LogLogger(logger).Writer())
	log.SetFlags(0)
	if fileErr != nil {
		logger.Warn("file logging disabled", "err", fileErr)
	}
	return logger
}

// New returns a logger for w. mode is "console" or "structured"; level is
// one of trace, debug, info, error (anything else means info).
func New(w io.Writer, mode, level string) pslog.Logger {
	opts := pslog.Options{Mode: pslog.ModeConsole, MinLevel: pslog.InfoLevel}
	if strings.EqualFold(mode, "structured") || strings.EqualFold(mode, "json") {
		opts.Mode = pslog.ModeStructured
		opts.NoColor = true
	}
	if w != os.Stderr {
		opts.NoColor = true
	}
	switch strings.ToLower(level) {
	case "trace":
		opts.MinLevel = pslog.TraceLevel
	case "debug":
		opts.MinLevel = pslog.DebugLevel
	case "error":
		opts.MinLevel = pslog.ErrorLevel
	}
	return pslog.NewWithOptions(w, opts)
}

// FileOnly returns a logger writing only to the log file opened by Init,
// for commands that own the terminal. Without a log file it discards.
func FileOnly() pslog.Logger {
	mu.Lock()
	defer mu.Unlock()
	var w io.Writer = io.Discard
	if logFile != nil {
		w = logFile
	}
	return New(w, config.Cfg.LogMode, config.Cfg.LogLevel)
}

// Close releases the log file.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if logFile == nil {
		return nil
	}
	err := logFile.Close()
	logFile = nil
	return err
}

// ReadTail returns the last n lines from the log file.
func ReadTail(n int) (string, error) {
	mu.Lock()
	defer mu.Unlock()

	f, err := os.Open(config.Cfg.LogPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("scan log file: %w", err)
	}

	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n"), nil
}

// Clear truncates the current log file. Rotated backups are left alone.
func Clear() error {
	mu.Lock()
	defer mu.Unlock()

	if logFile != nil {
		// The rotator reopens the file on its next write.
		if err := logFile.Close(); err != nil {
			return fmt.Errorf("close log file: %w", err)
		}
	}
	if err := os.Truncate(config.Cfg.LogPath, 0); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("truncate log file: %w", err)
	}
	return nil
}
