// Package engine ties the storage pieces together: writes land in a
// memtable, flushes produce segments, and reads merge every live source
// through a combined reader behind the admission semaphore.
package engine

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/flynnfc/mithrildb/internal/admission"
	"github.com/flynnfc/mithrildb/internal/config"
	"github.com/flynnfc/mithrildb/internal/memtable"
	"github.com/flynnfc/mithrildb/internal/mutation"
	"github.com/flynnfc/mithrildb/internal/reader"
	"github.com/flynnfc/mithrildb/internal/segment"
	"github.com/flynnfc/mithrildb/internal/truetime"
)

// ReaderBaseCost is the admission charge for opening one reader.
const ReaderBaseCost = 16 * 1024

// Engine is one table's storage engine.
type Engine struct {
	logger *zap.Logger
	cfg    config.Engine
	schema *mutation.Schema
	clock  *truetime.Clock
	sem    *admission.Semaphore

	mu       sync.Mutex
	mem      *memtable.Memtable
	segments *segment.Set
}

// New builds an engine for schema from cfg.
func New(logger *zap.Logger, cfg config.Engine, schema *mutation.Schema, reg prometheus.Registerer) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := truetime.New(logger)
	if cfg.NTPHost != "" {
		// Best effort; the clock stays monotonic on the local clock.
		_ = clock.Sync(cfg.NTPHost)
	}
	sem := admission.NewSemaphore(admission.Config{
		MaxCount:    cfg.ReaderSemaphore.MaxCount,
		MaxMemory:   cfg.ReaderSemaphore.MaxMemory,
		MaxQueue:    cfg.ReaderSemaphore.MaxQueue,
		OverflowErr: func() error { return ErrTooManyReads },
		Logger:      logger,
		Registerer:  reg,
	})
	return &Engine{
		logger:   logger,
		cfg:      cfg,
		schema:   schema,
		clock:    clock,
		sem:      sem,
		mem:      memtable.New(schema, clock, logger),
		segments: segment.NewSet(logger),
	}
}

// Schema returns the engine's table schema.
func (e *Engine) Schema() *mutation.Schema { return e.schema }

// Semaphore exposes the admission semaphore, mostly for observability.
func (e *Engine) Semaphore() *admission.Semaphore { return e.sem }

// Put writes one cell and flushes the memtable when it crosses the
// threshold.
func (e *Engine) Put(pk []byte, ck mutation.ClusteringKey, column string, value []byte) error {
	e.mem.Put(pk, ck, column, value)
	if e.mem.Len() >= e.cfg.FlushThreshold {
		return e.Flush()
	}
	return nil
}

// Apply merges a prepared mutation into the memtable.
func (e *Engine) Apply(m *mutation.Mutation) error {
	e.mem.Apply(m)
	if e.mem.Len() >= e.cfg.FlushThreshold {
		return e.Flush()
	}
	return nil
}

// Flush writes the memtable out as a segment and swaps in a fresh one.
func (e *Engine) Flush() error {
	e.mu.Lock()
	old := e.mem
	e.mem = memtable.New(e.schema, e.clock, e.logger)
	e.mu.Unlock()

	muts := old.Mutations()
	if len(muts) == 0 {
		return nil
	}
	sg, err := segment.Write(e.cfg.SegmentDir, muts, e.logger)
	if err != nil {
		e.logger.Error("flush failed", zap.Error(err))
		return err
	}
	e.segments.Add(sg)
	e.logger.Info("memtable flushed", zap.Int("partitions", len(muts)), zap.String("segment", sg.Path()))
	return nil
}

// MakeReader opens an admission-restricted merged reader over the memtable
// and every segment.
func (e *Engine) MakeReader(
	pr mutation.PartitionRange,
	slice *mutation.Slice,
	smFwd, mrFwd bool,
) reader.FragmentReader {
	e.mu.Lock()
	mem := e.mem
	e.mu.Unlock()
	src := reader.CombinedSource(mem.Source(), e.segments.Source())
	return reader.Restricted(e.sem, ReaderBaseCost, src, e.schema, pr, slice, smFwd, mrFwd)
}

// ReadPartition collects one partition through a short-lived reader.
func (e *Engine) ReadPartition(ctx context.Context, pk []byte) (*mutation.Mutation, error) {
	dk := e.schema.DecorateKey(pk)
	r := e.MakeReader(mutation.SingularPartitionRange(dk), mutation.FullSlice(), false, false)
	defer r.Close()

	var frags []*mutation.Fragment
	for {
		if r.IsBufferEmpty() {
			if r.IsEndOfStream() {
				break
			}
			if err := r.FillBuffer(ctx); err != nil {
				return nil, err
			}
			if r.IsBufferEmpty() {
				break
			}
		}
		frags = append(frags, r.PopFragment())
	}
	if len(frags) == 0 {
		return nil, nil
	}
	return mutation.FromFragments(e.schema, frags)
}
