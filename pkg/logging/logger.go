// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logging builds the slog loggers used by the model server and its
// CLI.
//
// Output goes to stderr by default, following Unix conventions for command
// line tools. A log directory may be configured as well, in which case every
// record is also appended as JSON to "{service}_{YYYY-MM-DD}.log":
//
//	┌──────────────────────────────────────────┐
//	│                 Logger                   │
//	│  ┌──────────────┐   ┌─────────────────┐  │
//	│  │ stderr/text  │   │  log file/JSON  │  │
//	│  │  (default)   │   │   (optional)    │  │
//	│  └──────────────┘   └─────────────────┘  │
//	└──────────────────────────────────────────┘
//
// Basic usage:
//
//	logger, err := logging.New(logging.Config{Level: "debug", Service: "modelquery"})
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//	logger.Slog().Info("query finished", "objects", n)
//
// # Thread Safety
//
// Logger is safe for concurrent use. The file handle is guarded by a mutex
// and the underlying slog.Logger is thread-safe.
//
// This package does NOT redact anything. Do not log raw object payloads.
package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ErrInvalidLevel is returned for a level name that is not recognised.
var ErrInvalidLevel = errors.New("invalid log level")

// Level names accepted in configuration.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// ParseLevel converts a level name to a slog.Level.
//
// Description:
//
//	Matching is case-insensitive and "warning" is accepted for "warn".
//	The empty string means info.
//
// Outputs:
//
//	slog.Level - The parsed level.
//	error - ErrInvalidLevel for unknown names.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case LevelDebug:
		return slog.LevelDebug, nil
	case LevelInfo, "":
		return slog.LevelInfo, nil
	case LevelWarn, "warning":
		return slog.LevelWarn, nil
	case LevelError:
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("%w: %q", ErrInvalidLevel, name)
	}
}

// Config configures a Logger. The zero value writes info and above to
// stderr as text.
type Config struct {
	// Level is the minimum level: debug, info, warn or error.
	Level string `yaml:"level" json:"level" validate:"omitempty,oneof=debug info warn warning error"`

	// LogDir enables JSON file logging into this directory. A leading ~
	// expands to the home directory. The directory is created with 0750.
	LogDir string `yaml:"log_dir" json:"log_dir"`

	// Service is attached to every record as the "service" attribute and
	// names the log file.
	Service string `yaml:"service" json:"service"`

	// JSON switches the console output from text to JSON. File output is
	// always JSON.
	JSON bool `yaml:"json" json:"json"`

	// Quiet disables console output.
	Quiet bool `yaml:"quiet" json:"quiet"`

	// Output replaces stderr as the console destination.
	Output io.Writer `yaml:"-" json:"-"`
}

// Logger wraps an slog.Logger together with the file it may own.
type Logger struct {
	slog *slog.Logger
	file *os.File
	path string

	// owner is false for loggers derived with With; only the owner closes
	// the file.
	owner bool
	mu    *sync.Mutex
}

// New builds a Logger from cfg.
//
// Description:
//
//	Creates the console handler unless Quiet is set and a JSON file
//	handler when LogDir is set. With neither, records go to stderr so
//	nothing is silently lost. The returned Logger must be closed to
//	release the file.
//
// Outputs:
//
//	*Logger - The configured logger.
//	error - ErrInvalidLevel, or a failure creating the log directory or file.
func New(cfg Config) (*Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	var handlers []slog.Handler
	if !cfg.Quiet {
		if cfg.JSON {
			handlers = append(handlers, slog.NewJSONHandler(out, opts))
		} else {
			handlers = append(handlers, slog.NewTextHandler(out, opts))
		}
	}

	logger := &Logger{owner: true, mu: &sync.Mutex{}}

	if cfg.LogDir != "" {
		dir := expandPath(cfg.LogDir)
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		service := cfg.Service
		if service == "" {
			service = "modelserver"
		}
		logger.path = filepath.Join(dir, fmt.Sprintf("%s_%s.log", service, time.Now().Format("2006-01-02")))
		file, err := os.OpenFile(logger.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		logger.file = file
		handlers = append(handlers, slog.NewJSONHandler(file, opts))
	}

	var handler slog.Handler
	switch len(handlers) {
	case 0:
		handler = slog.NewTextHandler(os.Stderr, opts)
	case 1:
		handler = handlers[0]
	default:
		handler = &multiHandler{handlers: handlers}
	}

	if cfg.Service != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("service", cfg.Service)})
	}

	logger.slog = slog.New(handler)
	return logger, nil
}

// Default returns an info-level stderr logger for the given service.
func Default(service string) *Logger {
	logger, err := New(Config{Service: service})
	if err != nil {
		// Only reachable through an invalid level, which Default never sets.
		panic(err)
	}
	return logger
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return &Logger{slog: slog.New(slog.NewTextHandler(io.Discard, nil)), mu: &sync.Mutex{}}
}

// Slog returns the underlying slog.Logger.
func (l *Logger) Slog() *slog.Logger {
	return l.slog
}

// Path returns the log file path, or "" when file logging is off.
func (l *Logger) Path() string {
	return l.path
}

// With returns a child logger carrying args on every record. The child
// shares the parent's file; closing it is a no-op.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		slog: l.slog.With(args...),
		file: l.file,
		path: l.path,
		mu:   l.mu,
	}
}

// Close syncs and closes the log file. Safe to call more than once.
func (l *Logger) Close() error {
	if !l.owner {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	var errs []error
	if err := l.file.Sync(); err != nil {
		errs = append(errs, fmt.Errorf("sync log file: %w", err))
	}
	if err := l.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close log file: %w", err))
	}
	l.file = nil
	return errors.Join(errs...)
}

// multiHandler fans records out to several handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			if err := handler.Handle(ctx, r.Clone()); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
