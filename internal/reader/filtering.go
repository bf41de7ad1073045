package reader

import (
	"context"

	"github.com/flynnfc/mithrildb/internal/mutation"
)

// PartitionFilter decides whether a partition is read or dropped whole.
type PartitionFilter func(dk mutation.DecoratedKey) bool

// filteringReader drops whole partitions based on a decorated-key
// predicate. Semantics are equivalent to reading everything and filtering
// afterwards, but rejected partitions are skipped at the source.
type filteringReader struct {
	base
	inner    FragmentReader
	filter   PartitionFilter
	skipping bool
}

// Filtering decorates inner with a partition predicate.
func Filtering(inner FragmentReader, filter PartitionFilter) FragmentReader {
	return &filteringReader{base: newBase(inner.Schema()), inner: inner, filter: filter}
}

func (r *filteringReader) FillBuffer(ctx context.Context) error {
	for !r.bufferFull() && !r.eos {
		if r.inner.IsBufferEmpty() {
			if r.inner.IsEndOfStream() {
				r.eos = true
				return nil
			}
			if err := r.inner.FillBuffer(ctx); err != nil {
				return err
			}
			if r.inner.IsBufferEmpty() {
				r.eos = true
				return nil
			}
		}
		f := r.inner.PopFragment()
		if f.Kind == mutation.FragmentPartitionStart {
			r.skipping = !r.filter(f.Key)
			if r.skipping {
				// Skip the rest of this partition at the source.
				r.inner.NextPartition()
				continue
			}
		}
		if r.skipping {
			continue
		}
		r.push(f)
	}
	return nil
}

func (r *filteringReader) NextPartition() {
	if sawNext := r.clearBufferToNextPartition(); !sawNext {
		r.inner.NextPartition()
	}
	r.eos = false
}

func (r *filteringReader) FastForwardTo(ctx context.Context, pr mutation.PartitionRange) error {
	if err := r.inner.FastForwardTo(ctx, pr); err != nil {
		return err
	}
	r.clearBuffer()
	r.skipping = false
	r.eos = false
	return nil
}

func (r *filteringReader) FastForwardToPosition(ctx context.Context, pr mutation.PositionRange) error {
	if err := r.inner.FastForwardToPosition(ctx, pr); err != nil {
		return err
	}
	r.forwardBufferTo(pr.Start)
	r.eos = false
	return nil
}

func (r *filteringReader) Close() error { return r.inner.Close() }
