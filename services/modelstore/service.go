// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package modelstore ties the object store, the type registry and the query
// engine into one service.
//
// A Service owns the BadgerDB instance. Each query runs against its own
// snapshot with its own engine, so queries never observe a revision
// committed while they run and never share traversal state:
//
//	Request ──► querydoc.Parse ──► Snapshot ──► engine.Engine ──► Sink
//	                                   ▲
//	Load ──► schema check ──► Commit ──┘
package modelstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianModelServer/services/modelstore/config"
	"github.com/AleutianAI/AleutianModelServer/services/modelstore/engine"
	"github.com/AleutianAI/AleutianModelServer/services/modelstore/objectstore"
	"github.com/AleutianAI/AleutianModelServer/services/modelstore/querydoc"
	"github.com/AleutianAI/AleutianModelServer/services/modelstore/schema"
	badgerstore "github.com/AleutianAI/AleutianModelServer/services/modelstore/storage/badger"
	"github.com/AleutianAI/AleutianModelServer/services/modelstore/telemetry"
)

const tracerName = "modelstore"

var (
	// ErrInvalidRequest is returned for a request that names neither a
	// query document nor a parsed one.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrClosed is returned by every method after Close.
	ErrClosed = errors.New("service closed")
)

// Request describes one query.
type Request struct {
	// Revision scopes type scans and, when Roots is nil, supplies the
	// root identifier set. Zero means the whole store.
	Revision int64

	// Roots is the root identifier set. Nil means the members of Revision
	// (or no roots when Revision is zero). An empty non-nil slice means
	// no roots, and then the document's queries do not run either.
	//
	// Every root is emitted. With Roots nil and Revision set, the whole
	// revision is therefore in the result no matter what the document's
	// queries select; a "types" query narrows nothing. To get just the
	// objects a query selects, pass a small explicit root set.
	Roots []objectstore.OID

	// Query is the JSON query document. Ignored when Document is set.
	Query []byte

	// Document is an already parsed query document.
	Document *querydoc.Document
}

// Result summarizes one finished query.
type Result struct {
	QueryID     string
	Revision    int64
	Roots       int
	Objects     int
	Elapsed     time.Duration
	Diagnostics *engine.Diagnostics
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger. The engine and the object store log
// through it as well.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMeter sets the meter for query metrics. Defaults to the global
// meter provider.
func WithMeter(meter metric.Meter) Option {
	return func(s *Service) {
		if meter != nil {
			s.meter = meter
		}
	}
}

// WithRegistry supplies the type registry instead of loading cfg.Schema.
func WithRegistry(reg *schema.Registry) Option {
	return func(s *Service) {
		s.registry = reg
	}
}

// WithClock overrides the clock used for query timing.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// Service answers queries over the object store.
//
// Thread Safety: Safe for concurrent use. Each query gets its own snapshot
// and engine.
type Service struct {
	cfg     config.Config
	db      *badgerstore.DB
	store   *objectstore.Store
	metrics *telemetry.QueryMetrics
	meter   metric.Meter
	limiter *rate.Limiter
	logger  *slog.Logger
	now     func() time.Time

	// registry is swapped by the schema watcher; regMu guards the pointer.
	regMu    sync.RWMutex
	registry *schema.Registry
	watcher  *schemaWatcher

	mu     sync.RWMutex
	closed bool
}

// New opens the store and loads the type registry.
//
// Description:
//
//	Opens BadgerDB from cfg.Store, loads the registry from cfg.Schema
//	unless WithRegistry was given, and registers the query metrics.
//	On any failure the database is closed again.
//
// Inputs:
//
//	cfg - Validated configuration.
//	opts - Optional overrides.
//
// Outputs:
//
//	*Service - Ready to serve. Call Close when done.
//	error - Non-nil if the store, registry or metrics cannot be set up.
func New(cfg config.Config, opts ...Option) (*Service, error) {
	s := &Service{
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.meter == nil {
		s.meter = otel.Meter(tracerName)
	}

	if s.registry == nil {
		reg, err := schema.LoadFile(cfg.Schema)
		if err != nil {
			return nil, fmt.Errorf("load schema: %w", err)
		}
		s.registry = reg
	}

	metrics, err := telemetry.NewQueryMetrics(s.meter)
	if err != nil {
		return nil, fmt.Errorf("create metrics: %w", err)
	}
	s.metrics = metrics

	if cfg.BatchRate > 0 {
		burst := cfg.BatchBurst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.BatchRate), burst)
	}

	storeCfg := cfg.Store
	storeCfg.Logger = s.logger
	db, err := badgerstore.OpenDB(storeCfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	s.db = db

	store, err := objectstore.New(db, objectstore.WithLogger(s.logger))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create object store: %w", err)
	}
	s.store = store

	s.logger.Info("model store opened",
		slog.String("path", db.Path()),
		slog.Bool("in_memory", db.InMemory()),
		slog.Int("types", len(s.registry.Types())),
	)
	return s, nil
}

// Registry returns the current type registry.
func (s *Service) Registry() *schema.Registry {
	s.regMu.RLock()
	defer s.regMu.RUnlock()
	return s.registry
}

func (s *Service) setRegistry(reg *schema.Registry) {
	s.regMu.Lock()
	s.registry = reg
	s.regMu.Unlock()
}

// Load validates objs against the registry and commits them as a new
// revision.
//
// Outputs:
//
//	int64 - The new revision id.
//	error - Wraps schema.ErrSchemaViolation for an invalid object, or the
//	        commit failure.
func (s *Service) Load(ctx context.Context, comment string, objs []*objectstore.Object) (int64, error) {
	if err := s.acquire(); err != nil {
		return 0, err
	}
	defer s.mu.RUnlock()

	ctx, span := telemetry.StartSpan(ctx, tracerName, "Service.Load")
	defer span.End()

	reg := s.Registry()
	for _, o := range objs {
		if err := reg.ValidateObject(o); err != nil {
			telemetry.RecordError(span, err)
			return 0, err
		}
	}

	rid, err := s.store.Commit(ctx, comment, objs)
	if err != nil {
		telemetry.RecordError(span, err)
		return 0, err
	}
	telemetry.SetSpanAttributes(span,
		attribute.Int64("revision", rid),
		attribute.Int("objects", len(objs)),
	)
	telemetry.SetSpanOK(span)
	return rid, nil
}

// Revisions lists committed revisions, oldest first.
func (s *Service) Revisions(ctx context.Context) ([]objectstore.Revision, error) {
	if err := s.acquire(); err != nil {
		return nil, err
	}
	defer s.mu.RUnlock()
	return s.store.Revisions(ctx)
}

// Query evaluates one query and streams its objects into sink.
//
// Description:
//
//	Parses the document (unless pre-parsed), opens a snapshot scoped to
//	req.Revision, resolves the root set and pulls the engine until it is
//	exhausted. Every object reaches sink exactly once, in traversal order.
//	The run is tagged with a fresh query id in logs and its span.
//
// Inputs:
//
//	ctx - Cancels the query between objects and during store reads.
//	req - The query.
//	sink - Receives the objects.
//
// Outputs:
//
//	Result - Counters for the run. Filled as far as the run got, even on
//	         error.
//	error - Wraps querydoc.ErrMalformedQuery for a bad document,
//	        engine.ErrQueryEvaluation for a traversal failure, or the sink,
//	        store or context error.
func (s *Service) Query(ctx context.Context, req Request, sink Sink) (Result, error) {
	if err := s.acquire(); err != nil {
		return Result{}, err
	}
	defer s.mu.RUnlock()

	res := Result{QueryID: uuid.NewString(), Revision: req.Revision}
	start := s.now()

	ctx, span := telemetry.StartSpan(ctx, tracerName, "Service.Query")
	defer span.End()
	logger := telemetry.LoggerWithQuery(ctx, s.logger, res.QueryID)
	telemetry.SetSpanAttributes(span,
		attribute.String("query_id", res.QueryID),
		attribute.Int64("revision", req.Revision),
	)

	err := s.runQuery(ctx, req, sink, logger, &res)
	res.Elapsed = s.now().Sub(start)

	status := telemetry.StatusOK
	switch {
	case err == nil:
		telemetry.SetSpanOK(span)
		logger.Debug("query finished",
			slog.Int("roots", res.Roots),
			slog.Int("objects", res.Objects),
			slog.Duration("elapsed", res.Elapsed),
		)
	case errors.Is(err, querydoc.ErrMalformedQuery):
		status = telemetry.StatusMalformed
		telemetry.RecordError(span, err)
		logger.Warn("query rejected", slog.String("error", err.Error()))
	default:
		status = telemetry.StatusFailed
		telemetry.RecordError(span, err, attribute.String("code", engine.CodeOf(err)))
		logger.Error("query failed",
			slog.String("error", err.Error()),
			slog.Int("objects", res.Objects),
		)
	}
	telemetry.SetSpanAttributes(span,
		attribute.Int("roots", res.Roots),
		attribute.Int("objects", res.Objects),
	)
	s.metrics.RecordQuery(ctx, status, res.Elapsed)
	return res, err
}

func (s *Service) runQuery(ctx context.Context, req Request, sink Sink, logger *slog.Logger, res *Result) error {
	if sink == nil {
		return fmt.Errorf("%w: nil sink", ErrInvalidRequest)
	}

	doc := req.Document
	if doc == nil {
		if req.Query == nil {
			return fmt.Errorf("%w: no query document", ErrInvalidRequest)
		}
		parsed, err := querydoc.Parse(req.Query)
		if err != nil {
			return err
		}
		doc = parsed
	}

	roots := req.Roots
	if roots == nil && req.Revision > 0 {
		oids, err := s.store.RevisionOIDs(ctx, req.Revision)
		if err != nil {
			return err
		}
		roots = oids
	}

	var snapOpts []objectstore.SnapshotOption
	if req.Revision > 0 {
		snapOpts = append(snapOpts, objectstore.InRevision(req.Revision))
	}
	snap := s.store.Snapshot(snapOpts...)
	defer snap.Close()

	e, err := engine.New(doc, roots, snap, s.Registry(),
		engine.WithLimits(s.cfg.Limits),
		engine.WithLogger(logger),
		engine.WithMetrics(s.metrics),
	)
	if err != nil {
		return err
	}
	res.Roots = len(e.Roots())

	defer func() { res.Diagnostics = e.Diagnostics() }()
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("query cancelled: %w", err)
		}
		obj, err := e.Next(ctx)
		if errors.Is(err, engine.ErrExhausted) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := sink.Emit(obj); err != nil {
			return fmt.Errorf("sink: %w", err)
		}
		res.Objects++
	}
}

// QueryBatch runs several queries concurrently.
//
// Description:
//
//	At most cfg.BatchConcurrency queries run at once, and when cfg.BatchRate
//	is set queries start no faster than that many per second. sinkFor(i)
//	supplies the sink of reqs[i]. The first failure cancels the queries
//	still running and is returned.
//
// Outputs:
//
//	[]Result - One entry per request, index-aligned with reqs.
//	error - The first query error, if any.
func (s *Service) QueryBatch(ctx context.Context, reqs []Request, sinkFor func(i int) Sink) ([]Result, error) {
	results := make([]Result, len(reqs))
	if sinkFor == nil {
		return results, fmt.Errorf("%w: nil sink factory", ErrInvalidRequest)
	}

	g, gctx := errgroup.WithContext(ctx)
	limit := s.cfg.BatchConcurrency
	if limit < 1 {
		limit = 1
	}
	g.SetLimit(limit)

	for i := range reqs {
		g.Go(func() error {
			if s.limiter != nil {
				if err := s.limiter.Wait(gctx); err != nil {
					return fmt.Errorf("query %d: %w", i, err)
				}
			}
			res, err := s.Query(gctx, reqs[i], sinkFor(i))
			results[i] = res
			if err != nil {
				return fmt.Errorf("query %d: %w", i, err)
			}
			return nil
		})
	}
	return results, g.Wait()
}

// Close closes the database. Calls after the first are no-ops.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.watcher != nil {
		s.watcher.stop()
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	return nil
}

// acquire takes the read lock unless the service is closed. The caller
// releases it.
func (s *Service) acquire() error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	return nil
}
