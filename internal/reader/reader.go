// Package reader implements the pull-based mutation fragment streams of the
// storage engine: the reader contract every source honours, the combined
// (merging) reader, reader selectors, and the decorators that filter, batch,
// trace and admission-restrict streams.
package reader

import (
	"context"
	"errors"

	"github.com/flynnfc/mithrildb/internal/mutation"
)

// ErrProtocolMisuse reports a violated reader precondition: forwarding
// without the matching creation flag, non-monotonic fast-forwards, or a
// selector handing out a reader behind the merge cursor. These are caller
// bugs, never data-dependent conditions.
var ErrProtocolMisuse = errors.New("reader: protocol misuse")

// FragmentReader is a pull-based, bufferable, forward-only stream of
// mutation fragments. FillBuffer and the fast-forward calls honour ctx
// deadlines and report expiry as context.DeadlineExceeded; everything else
// is non-suspending.
type FragmentReader interface {
	Schema() *mutation.Schema

	// FillBuffer produces fragments into the internal buffer until it is
	// full, the stream ends, or ctx expires.
	FillBuffer(ctx context.Context) error

	// PopFragment removes and returns the next buffered fragment. Calling it
	// on an empty buffer is a bug; implementations return nil.
	PopFragment() *mutation.Fragment

	IsBufferEmpty() bool
	IsEndOfStream() bool

	// NextPartition drops everything buffered up to and including the next
	// partition end, skipping within the underlying source if the buffer was
	// already consumed past it. Clears end-of-stream unless the source is
	// exhausted too.
	NextPartition()

	// FastForwardTo repositions the reader to pr. Requires partition
	// forwarding enabled at creation; pr must begin at or after the current
	// cursor.
	FastForwardTo(ctx context.Context, pr mutation.PartitionRange) error

	// FastForwardToPosition reveals the clustered fragments of the current
	// partition falling in pr. Requires position forwarding enabled at
	// creation; successive calls must not move the start backwards.
	FastForwardToPosition(ctx context.Context, pr mutation.PositionRange) error

	Close() error
}

// maxBufferedBytes is the byte budget after which FillBuffer stops
// producing. Coarse accounting; it is not charged to admission permits.
const maxBufferedBytes = 8 * 1024

// fragmentSize is the coarse in-memory footprint of a fragment used for
// buffer budgets.
func fragmentSize(f *mutation.Fragment) int {
	size := 64
	size += len(f.Key.Key)
	for _, c := range f.Clustering {
		size += len(c) + 8
	}
	for _, cell := range f.Row {
		size += len(cell.Value) + 40
	}
	for _, c := range f.RT.Start.Key {
		size += len(c) + 8
	}
	for _, c := range f.RT.End.Key {
		size += len(c) + 8
	}
	return size
}

// base carries the buffer machinery shared by every reader implementation.
type base struct {
	schema   *mutation.Schema
	buf      []*mutation.Fragment
	bufBytes int
	eos      bool
}

func newBase(s *mutation.Schema) base {
	return base{schema: s}
}

func (b *base) Schema() *mutation.Schema { return b.schema }

func (b *base) push(f *mutation.Fragment) {
	b.buf = append(b.buf, f)
	b.bufBytes += fragmentSize(f)
}

// PopFragment removes the buffer head. The fragment is moved out: the
// producer keeps no reference to it.
func (b *base) PopFragment() *mutation.Fragment {
	if len(b.buf) == 0 {
		return nil
	}
	f := b.buf[0]
	b.buf[0] = nil
	b.buf = b.buf[1:]
	b.bufBytes -= fragmentSize(f)
	if len(b.buf) == 0 {
		b.buf = nil
		b.bufBytes = 0
	}
	return f
}

func (b *base) IsBufferEmpty() bool { return len(b.buf) == 0 }
func (b *base) IsEndOfStream() bool { return b.eos && len(b.buf) == 0 }
func (b *base) bufferFull() bool    { return b.bufBytes >= maxBufferedBytes }

func (b *base) clearBuffer() {
	b.buf = nil
	b.bufBytes = 0
}

// clearBufferToNextPartition drops buffered fragments up to and including
// the next partition end. It reports whether a partition end was found; if
// not, the whole buffer was mid-partition and the caller must skip within
// its source.
func (b *base) clearBufferToNextPartition() bool {
	if len(b.buf) > 0 && b.buf[0].Kind == mutation.FragmentPartitionStart {
		// Already positioned at a fresh partition.
		return true
	}
	for i, f := range b.buf {
		if f.Kind == mutation.FragmentPartitionEnd {
			rest := b.buf[i+1:]
			b.buf = append([]*mutation.Fragment(nil), rest...)
			b.recountBuffer()
			return true
		}
	}
	b.clearBuffer()
	return false
}

// forwardBufferTo drops buffered clustered fragments positioned before pos.
// Range tombstones straddling pos are trimmed to start at it.
func (b *base) forwardBufferTo(pos mutation.PositionInPartition) {
	kept := b.buf[:0]
	for _, f := range b.buf {
		if f.Kind == mutation.FragmentRangeTombstone {
			if b.schema.ComparePositions(f.RT.End, pos) < 0 {
				continue
			}
			if b.schema.ComparePositions(f.RT.Start, pos) < 0 {
				f.RT.Start = pos
			}
			kept = append(kept, f)
			continue
		}
		if f.Kind == mutation.FragmentClusteringRow && b.schema.ComparePositions(f.Position(), pos) < 0 {
			continue
		}
		kept = append(kept, f)
	}
	b.buf = kept
	b.recountBuffer()
}

func (b *base) recountBuffer() {
	b.bufBytes = 0
	for _, f := range b.buf {
		b.bufBytes += fragmentSize(f)
	}
	if len(b.buf) == 0 {
		b.buf = nil
	}
}
