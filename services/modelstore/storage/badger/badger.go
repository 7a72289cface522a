// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badger opens the BadgerDB instance behind the model object store.
//
// The object store keys every object version by revision itself, so
// BadgerDB's own MVCC is only used for isolation: a read-only transaction
// is the snapshot a traversal reads through, and it never observes a
// revision committed after it was opened.
package badger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

var (
	// ErrNoPath is returned by Open for an on-disk config without a path.
	ErrNoPath = errors.New("store path is required unless in_memory is set")

	// ErrGCSettings is returned by NewGCRunner for unusable settings.
	ErrGCSettings = errors.New("invalid value log gc settings")
)

// Config describes where the object store lives and how it is maintained.
type Config struct {
	// Path is the BadgerDB directory. Created on Open if missing.
	Path string `json:"path" yaml:"path"`

	// InMemory keeps the store in RAM; Path is ignored.
	InMemory bool `json:"in_memory" yaml:"in_memory"`

	// SyncWrites makes a revision commit durable before Load returns.
	SyncWrites bool `json:"sync_writes" yaml:"sync_writes"`

	// NumVersionsToKeep is BadgerDB's per-key version count. Object
	// history lives in distinct keys, so 1 loses nothing.
	NumVersionsToKeep int `json:"num_versions_to_keep" yaml:"num_versions_to_keep"`

	// GCInterval is the value log GC period. Zero disables it.
	GCInterval time.Duration `json:"gc_interval" yaml:"gc_interval"`

	// GCDiscardRatio is the garbage fraction that makes a value log file
	// worth rewriting.
	GCDiscardRatio float64 `json:"gc_discard_ratio" yaml:"gc_discard_ratio"`

	// Logger receives BadgerDB's own messages. Nil drops them.
	Logger *slog.Logger `json:"-" yaml:"-"`
}

// DefaultConfig returns the on-disk defaults: durable commits and value
// log GC every five minutes. Path is left for the caller.
func DefaultConfig() Config {
	return Config{
		SyncWrites:        true,
		NumVersionsToKeep: 1,
		GCInterval:        5 * time.Minute,
		GCDiscardRatio:    0.5,
	}
}

// InMemoryConfig returns a RAM-only store without GC.
func InMemoryConfig() Config {
	return Config{InMemory: true, NumVersionsToKeep: 1}
}

// badgerLogger forwards BadgerDB's printf-style messages to slog. Badger
// terminates most messages with a newline, which is dropped.
type badgerLogger struct {
	logger *slog.Logger
}

func newBadgerLogger(l *slog.Logger) *badgerLogger {
	return &badgerLogger{logger: l.With(slog.String("component", "badger"))}
}

func (b *badgerLogger) log(level slog.Level, format string, args []any) {
	msg := strings.TrimRight(fmt.Sprintf(format, args...), "\n")
	b.logger.Log(context.Background(), level, msg)
}

func (b *badgerLogger) Errorf(format string, args ...any)   { b.log(slog.LevelError, format, args) }
func (b *badgerLogger) Warningf(format string, args ...any) { b.log(slog.LevelWarn, format, args) }
func (b *badgerLogger) Infof(format string, args ...any)    { b.log(slog.LevelInfo, format, args) }
func (b *badgerLogger) Debugf(format string, args ...any)   { b.log(slog.LevelDebug, format, args) }

func options(cfg Config) (badger.Options, error) {
	var opts badger.Options
	switch {
	case cfg.InMemory:
		opts = badger.DefaultOptions("").WithInMemory(true)
	case cfg.Path == "":
		return opts, ErrNoPath
	default:
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return opts, fmt.Errorf("create store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}

	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(max(cfg.NumVersionsToKeep, 1)).
		WithLogger(nil)
	if cfg.Logger != nil {
		opts = opts.WithLogger(newBadgerLogger(cfg.Logger))
	}
	return opts, nil
}

// Open opens a bare BadgerDB instance.
//
// Description:
//
//	In-memory configs ignore Path. On-disk configs need Path, and the
//	directory is created when it does not exist.
//
// Outputs:
//
//	*badger.DB - The database; the caller closes it.
//	error - ErrNoPath, or a wrapped directory or BadgerDB failure.
func Open(cfg Config) (*badger.DB, error) {
	opts, err := options(cfg)
	if err != nil {
		return nil, err
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return db, nil
}

// GCRunner rewrites value log files on a fixed period.
//
// Thread Safety: Start once; Stop may be called any number of times.
type GCRunner struct {
	db       *badger.DB
	interval time.Duration
	ratio    float64
	logger   *slog.Logger

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewGCRunner validates the settings and returns an idle runner.
//
// Inputs:
//
//	db - The database to collect. Must not be nil.
//	interval - Period between passes. Must be positive.
//	ratio - Discard ratio in [0, 1].
//	logger - Receives per-pass results. Nil drops them.
func NewGCRunner(db *badger.DB, interval time.Duration, ratio float64, logger *slog.Logger) (*GCRunner, error) {
	switch {
	case db == nil:
		return nil, fmt.Errorf("%w: nil database", ErrGCSettings)
	case interval <= 0:
		return nil, fmt.Errorf("%w: interval %s", ErrGCSettings, interval)
	case ratio < 0 || ratio > 1:
		return nil, fmt.Errorf("%w: discard ratio %g", ErrGCSettings, ratio)
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &GCRunner{
		db:       db,
		interval: interval,
		ratio:    ratio,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Start launches the GC goroutine.
func (r *GCRunner) Start() {
	go r.loop()
}

// Stop ends the GC goroutine and waits for a running pass to finish.
func (r *GCRunner) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done
}

func (r *GCRunner) loop() {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.pass()
		}
	}
}

// pass rewrites files until BadgerDB reports nothing left to reclaim or
// the runner is stopped.
func (r *GCRunner) pass() {
	rewrites := 0
	for {
		select {
		case <-r.stop:
			return
		default:
		}

		err := r.db.RunValueLogGC(r.ratio)
		switch {
		case err == nil:
			rewrites++
			continue
		case errors.Is(err, badger.ErrNoRewrite):
		default:
			r.logger.Warn("value log gc failed", slog.String("error", err.Error()))
		}
		break
	}
	if rewrites > 0 {
		r.logger.Debug("value log gc pass", slog.Int("rewrites", rewrites))
	}
}

// DB is a BadgerDB instance together with its GC runner.
type DB struct {
	*badger.DB
	gc       *GCRunner
	path     string
	inMemory bool
}

// OpenDB opens the database and, for on-disk stores with a positive
// GCInterval, starts value log GC. Close stops both.
func OpenDB(cfg Config) (*DB, error) {
	db, err := Open(cfg)
	if err != nil {
		return nil, err
	}
	d := &DB{DB: db, path: cfg.Path, inMemory: cfg.InMemory}
	if cfg.InMemory {
		d.path = ""
	}

	if cfg.GCInterval > 0 && !cfg.InMemory {
		gc, err := NewGCRunner(db, cfg.GCInterval, cfg.GCDiscardRatio, cfg.Logger)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		d.gc = gc
		gc.Start()
	}
	return d, nil
}

// Close stops GC and closes the database.
func (d *DB) Close() error {
	if d.gc != nil {
		d.gc.Stop()
	}
	return d.DB.Close()
}

// Path returns the store directory, or "" when in memory.
func (d *DB) Path() string { return d.path }

// InMemory reports whether the store lives only in RAM.
func (d *DB) InMemory() bool { return d.inMemory }

// WithTxn runs fn in a read-write transaction, committing when fn
// succeeds. A conflicting concurrent commit surfaces as badger.ErrConflict.
func (d *DB) WithTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	return d.run(ctx, true, fn)
}

// WithReadTxn runs fn in a short read-only transaction.
func (d *DB) WithReadTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	return d.run(ctx, false, fn)
}

func (d *DB) run(ctx context.Context, update bool, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("store transaction: %w", err)
	}
	txn := d.DB.NewTransaction(update)
	defer txn.Discard()

	if err := fn(txn); err != nil {
		return err
	}
	if !update {
		return nil
	}
	return txn.Commit()
}

// NewReadTxn opens a read-only transaction the caller must Discard.
// Snapshots are built on it.
func (d *DB) NewReadTxn() *badger.Txn {
	return d.DB.NewTransaction(false)
}
