package logger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Config describes the application-wide logging behaviour. The zero value
// yields JSON logs at info level on stdout with no separate audit stream.
type Config struct {
	Level       string
	Format      string
	OutputPaths []string
	Audit       AuditConfig
}

// AuditConfig controls the dedicated audit stream. Audit entries record
// money movement and settlement outcomes, so they go to their own rotated
// file instead of being interleaved with operational logs.
type AuditConfig struct {
	Enabled    bool
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

var (
	mu         sync.Mutex
	rootLogger *slog.Logger
	auditOut   *slog.Logger
	sinks      []io.Closer
)

// Init configures the global loggers. The first call wins; later calls are
// no-ops so package-level loggers handed out earlier stay valid.
func Init(cfg Config) error {
	mu.Lock()
	defer mu.Unlock()
	if rootLogger != nil {
		return nil
	}

	handler, err := newHandler(cfg.Format, cfg.OutputPaths, &slog.HandlerOptions{
		Level:     levelOf(cfg.Level),
		AddSource: true,
	})
	if err != nil {
		return err
	}
	rootLogger = slog.New(handler)
	auditOut = rootLogger

	if cfg.Audit.Enabled {
		audit, err := newAuditLogger(cfg.Audit)
		if err != nil {
			rootLogger = nil
			auditOut = nil
			return err
		}
		auditOut = audit
	}
	return nil
}

// L returns the operational logger, initialising defaults on first use.
func L() *slog.Logger {
	mu.Lock()
	ready := rootLogger != nil
	mu.Unlock()
	if !ready {
		_ = Init(Config{})
	}
	mu.Lock()
	defer mu.Unlock()
	return rootLogger
}

// Audit returns the audit logger.
func Audit() *slog.Logger {
	mu.Lock()
	audit := auditOut
	mu.Unlock()
	if audit == nil {
		return L()
	}
	return audit
}

// Named returns a logger tagged with a component name.
func Named(name string) *slog.Logger {
	return L().With(slog.String("component", name))
}

// Sync closes every file-backed sink opened by Init.
func Sync() error {
	mu.Lock()
	defer mu.Unlock()
	var err error
	for _, sink := range sinks {
		err = errors.Join(err, sink.Close())
	}
	sinks = nil
	return err
}

func newHandler(format string, outputs []string, opts *slog.HandlerOptions) (slog.Handler, error) {
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}
	writers := make([]io.Writer, 0, len(outputs))
	for _, out := range outputs {
		writer, err := sinkFor(out)
		if err != nil {
			return nil, err
		}
		writers = append(writers, writer)
	}

	writer := writers[0]
	if len(writers) > 1 {
		writer = io.MultiWriter(writers...)
	}
	if strings.EqualFold(format, "text") {
		return slog.NewTextHandler(writer, opts), nil
	}
	return slog.NewJSONHandler(writer, opts), nil
}

func newAuditLogger(cfg AuditConfig) (*slog.Logger, error) {
	if cfg.Path == "" {
		return nil, errors.New("audit log path cannot be empty when enabled")
	}
	writer, err := newRotatingWriter(cfg.Path, cfg.MaxSizeMB, cfg.MaxBackups, cfg.MaxAgeDays)
	if err != nil {
		return nil, err
	}
	sinks = append(sinks, writer)
	return slog.New(slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: slog.LevelInfo})), nil
}

func sinkFor(path string) (io.Writer, error) {
	switch strings.ToLower(path) {
	case "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", path, err)
	}
	sinks = append(sinks, file)
	return file, nil
}

func levelOf(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
