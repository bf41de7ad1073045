// Package memtable is the in-memory mutation store. It indexes partitions
// on a skiplist keyed by ring order and exposes them through the standard
// reader factory, so memtable contents merge with on-disk sources through
// the combined reader like any other stream.
package memtable

import (
	"bytes"
	"context"
	"encoding/binary"
	"sync"

	"github.com/zhangyunhao116/skipmap"
	"go.uber.org/zap"

	"github.com/flynnfc/mithrildb/internal/admission"
	"github.com/flynnfc/mithrildb/internal/mutation"
	"github.com/flynnfc/mithrildb/internal/reader"
	"github.com/flynnfc/mithrildb/internal/truetime"
)

// Memtable holds one table's recent writes.
type Memtable struct {
	schema *mutation.Schema
	parts  *skipmap.FuncMap[[]byte, *mutation.Mutation]
	mu     sync.RWMutex
	clock  *truetime.Clock
	logger *zap.Logger
	size   int
}

// New builds an empty memtable. clock may be nil when the caller stamps
// timestamps itself.
func New(s *mutation.Schema, clock *truetime.Clock, logger *zap.Logger) *Memtable {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Memtable{
		schema: s,
		parts: skipmap.NewFunc[[]byte, *mutation.Mutation](func(a, b []byte) bool {
			return bytes.Compare(a, b) < 0
		}),
		clock:  clock,
		logger: logger,
	}
}

// ringKey encodes a decorated key so that lexicographic byte order equals
// ring order: big-endian token, then raw key bytes.
func ringKey(dk mutation.DecoratedKey) []byte {
	b := make([]byte, 8+len(dk.Key))
	binary.BigEndian.PutUint64(b, uint64(dk.Token))
	copy(b[8:], dk.Key)
	return b
}

// Apply merges m into the table.
func (t *Memtable) Apply(m *mutation.Mutation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := ringKey(m.Key)
	if existing, ok := t.parts.Load(key); ok {
		existing.Apply(m)
	} else {
		t.parts.Store(key, m.Clone())
	}
	t.size++
}

// Put writes one cell, stamped by the memtable's clock.
func (t *Memtable) Put(pk []byte, ck mutation.ClusteringKey, column string, value []byte) {
	m := mutation.NewMutation(t.schema, pk)
	m.SetCell(ck, column, value, t.clock.Now())
	t.Apply(m)
}

// Delete writes a partition tombstone for pk.
func (t *Memtable) Delete(pk []byte) {
	m := mutation.NewMutation(t.schema, pk)
	m.ApplyPartitionTombstone(mutation.Tombstone{Timestamp: t.clock.Now(), DeletionTime: t.clock.Now()})
	t.Apply(m)
}

// Len returns the number of writes applied since creation. Flush decisions
// key off this.
func (t *Memtable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.size
}

// snapshot returns the partitions in ring order. Mutations are cloned so
// readers observe a stable snapshot.
func (t *Memtable) snapshot() []*mutation.Mutation {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*mutation.Mutation, 0, t.parts.Len())
	t.parts.Range(func(_ []byte, m *mutation.Mutation) bool {
		out = append(out, m.Clone())
		return true
	})
	return out
}

// Mutations returns the current contents in ring order.
func (t *Memtable) Mutations() []*mutation.Mutation {
	return t.snapshot()
}

// MakeReader opens a reader over a stable snapshot of the table.
func (t *Memtable) MakeReader(
	_ context.Context,
	s *mutation.Schema,
	pr mutation.PartitionRange,
	slice *mutation.Slice,
	smFwd, mrFwd bool,
	_ *admission.ResourceTracker,
) (reader.FragmentReader, error) {
	return reader.FromMutations(s, t.snapshot(), pr, slice, smFwd, mrFwd), nil
}

// Source exposes the memtable through the standard factory signature.
func (t *Memtable) Source() reader.Source {
	return t.MakeReader
}
