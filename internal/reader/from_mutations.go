package reader

import (
	"context"
	"sort"

	"github.com/pkg/errors"

	"github.com/flynnfc/mithrildb/internal/mutation"
)

// mutationsReader streams a fixed, sorted set of mutations as fragments. It
// backs tests and the in-memory sources and honours the full reader
// contract: partition ranges, slices and both forwarding modes.
type mutationsReader struct {
	base
	muts  []*mutation.Mutation
	idx   int
	pr    mutation.PartitionRange
	slice *mutation.Slice
	smFwd bool
	mrFwd bool

	inPartition bool
	pending     []*mutation.Fragment
	window      *mutation.PositionRange
	cursor      mutation.RingPosition
	lastWindow  *mutation.PositionInPartition
}

// FromMutations builds a reader over muts restricted to pr and slice, with
// the two forwarding capabilities fixed at creation.
func FromMutations(s *mutation.Schema, muts []*mutation.Mutation, pr mutation.PartitionRange, slice *mutation.Slice, smFwd, mrFwd bool) FragmentReader {
	sorted := append([]*mutation.Mutation(nil), muts...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Key.Compare(sorted[j].Key) < 0
	})
	if slice == nil {
		slice = mutation.FullSlice()
	}
	return &mutationsReader{
		base:   newBase(s),
		muts:   sorted,
		pr:     pr,
		slice:  slice,
		smFwd:  smFwd,
		mrFwd:  mrFwd,
		cursor: pr.StartPosition(),
	}
}

// FromMutationsSimple reads every mutation with no forwarding and no slicing.
func FromMutationsSimple(s *mutation.Schema, muts []*mutation.Mutation) FragmentReader {
	return FromMutations(s, muts, mutation.FullPartitionRange(), nil, false, false)
}

func (r *mutationsReader) FillBuffer(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for !r.bufferFull() && !r.eos {
		if !r.inPartition {
			for r.idx < len(r.muts) && r.pr.Before(r.muts[r.idx].Key) {
				r.idx++
			}
			if r.idx >= len(r.muts) || r.pr.After(r.muts[r.idx].Key) {
				r.eos = true
				return nil
			}
			m := r.muts[r.idx]
			r.idx++
			r.inPartition = true
			r.lastWindow = nil
			r.push(mutation.NewPartitionStart(m.Key, m.PartitionTombstone))
			if m.Static != nil {
				if row := filterColumns(m.Static, r.slice); row != nil {
					r.push(mutation.NewStaticRow(row))
				}
			}
			r.pending = m.ClusteredFragments(r.slice)
			if r.smFwd {
				r.window = nil
				r.eos = true
				return nil
			}
			all := mutation.AllClusteredRows()
			r.window = &all
		}
		if done := r.emitPending(); done {
			if r.smFwd {
				// The window is drained; the partition stays open for the
				// next fast-forward.
				r.eos = true
				return nil
			}
			r.push(mutation.NewPartitionEnd())
			r.inPartition = false
			r.pending = nil
			r.window = nil
		}
	}
	return nil
}

// emitPending moves pending clustered fragments that fall inside the active
// window into the buffer. It reports whether the window is drained.
func (r *mutationsReader) emitPending() bool {
	if r.window == nil {
		return true
	}
	for len(r.pending) > 0 && !r.bufferFull() {
		f := r.pending[0]
		if f.Kind == mutation.FragmentRangeTombstone {
			if r.schema.ComparePositions(f.RT.End, r.window.Start) < 0 {
				r.pending = r.pending[1:]
				continue
			}
			if r.schema.ComparePositions(f.RT.Start, r.window.End) >= 0 {
				return true
			}
			rt := f.RT
			if r.schema.ComparePositions(rt.Start, r.window.Start) < 0 {
				rt.Start = r.window.Start
			}
			if r.schema.ComparePositions(r.window.End, rt.End) < 0 {
				// Emit the part inside the window, keep the remainder for a
				// later fast-forward.
				remainder := f.RT
				remainder.Start = r.window.End
				rt.End = r.window.End
				r.pending[0] = mutation.NewRangeTombstoneFragment(remainder)
			} else {
				r.pending = r.pending[1:]
			}
			r.push(mutation.NewRangeTombstoneFragment(rt))
			continue
		}
		pos := f.Position()
		if r.schema.ComparePositions(pos, r.window.Start) < 0 {
			r.pending = r.pending[1:]
			continue
		}
		if r.schema.ComparePositions(pos, r.window.End) >= 0 {
			return true
		}
		if f.Kind == mutation.FragmentClusteringRow {
			if row := filterColumns(f.Row, r.slice); row != nil {
				r.push(mutation.NewClusteringRow(f.Clustering, row))
			}
		} else {
			r.push(f)
		}
		r.pending = r.pending[1:]
	}
	return len(r.pending) == 0 && !r.bufferFull()
}

func (r *mutationsReader) NextPartition() {
	if sawNext := r.clearBufferToNextPartition(); !sawNext && r.inPartition {
		r.inPartition = false
		r.pending = nil
		r.window = nil
		r.lastWindow = nil
	}
	r.eos = false
	if r.IsBufferEmpty() && !r.inPartition && r.exhausted() {
		r.eos = true
	}
}

func (r *mutationsReader) exhausted() bool {
	i := r.idx
	for i < len(r.muts) && r.pr.Before(r.muts[i].Key) {
		i++
	}
	return i >= len(r.muts) || r.pr.After(r.muts[i].Key)
}

func (r *mutationsReader) FastForwardTo(ctx context.Context, pr mutation.PartitionRange) error {
	if !r.mrFwd {
		return errors.Wrap(ErrProtocolMisuse, "fast-forward on a non-forwarding reader")
	}
	if pr.StartPosition().Compare(r.cursor) < 0 {
		return errors.Wrap(ErrProtocolMisuse, "fast-forward moved backwards")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	r.cursor = pr.StartPosition()
	r.pr = pr
	r.clearBuffer()
	r.inPartition = false
	r.pending = nil
	r.window = nil
	r.lastWindow = nil
	r.eos = false
	return nil
}

func (r *mutationsReader) FastForwardToPosition(ctx context.Context, pr mutation.PositionRange) error {
	if !r.smFwd {
		return errors.Wrap(ErrProtocolMisuse, "position fast-forward on a non-forwarding reader")
	}
	if !r.inPartition {
		return errors.Wrap(ErrProtocolMisuse, "position fast-forward outside a partition")
	}
	if r.lastWindow != nil && r.schema.ComparePositions(pr.Start, *r.lastWindow) < 0 {
		return errors.Wrap(ErrProtocolMisuse, "position fast-forward moved backwards")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	start := pr.Start
	r.lastWindow = &start
	window := pr
	r.window = &window
	r.forwardBufferTo(pr.Start)
	r.eos = false
	return nil
}

func (r *mutationsReader) Close() error { return nil }

// filterColumns applies the slice's column selection to a row. Returns nil
// when nothing survives.
func filterColumns(row mutation.Row, slice *mutation.Slice) mutation.Row {
	if len(slice.Columns) == 0 {
		return row.Clone()
	}
	out := mutation.Row{}
	for _, name := range row.Columns() {
		if slice.SelectsColumn(name) {
			out[name] = row[name]
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// emptyReader is a reader over nothing, end-of-stream from birth.
type emptyReader struct {
	base
}

// Empty returns a reader that produces no fragments.
func Empty(s *mutation.Schema) FragmentReader {
	r := &emptyReader{base: newBase(s)}
	r.eos = true
	return r
}

func (r *emptyReader) FillBuffer(ctx context.Context) error { return ctx.Err() }
func (r *emptyReader) NextPartition()                       {}

func (r *emptyReader) FastForwardTo(ctx context.Context, _ mutation.PartitionRange) error {
	return ctx.Err()
}

func (r *emptyReader) FastForwardToPosition(ctx context.Context, _ mutation.PositionRange) error {
	return ctx.Err()
}

func (r *emptyReader) Close() error { return nil }
