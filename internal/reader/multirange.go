package reader

import (
	"context"

	"github.com/pkg/errors"

	"github.com/flynnfc/mithrildb/internal/admission"
	"github.com/flynnfc/mithrildb/internal/mutation"
)

// multiRangeReader walks a vector of partition ranges by fast-forwarding a
// single underlying reader from one to the next as each drains.
type multiRangeReader struct {
	inner  FragmentReader
	ranges []mutation.PartitionRange
	cur    int
	eos    bool
}

// MultiRange opens src over the first of ranges and serves the rest through
// partition fast-forwards. Ranges must be non-overlapping and ascending.
func MultiRange(
	ctx context.Context,
	src Source,
	s *mutation.Schema,
	ranges []mutation.PartitionRange,
	slice *mutation.Slice,
	smFwd, mrFwd bool,
	tracker *admission.ResourceTracker,
) (FragmentReader, error) {
	if len(ranges) == 0 {
		return Empty(s), nil
	}
	innerFwd := mrFwd || len(ranges) > 1
	inner, err := src(ctx, s, ranges[0], slice, smFwd, innerFwd, tracker)
	if err != nil {
		return nil, errors.Wrap(err, "multi-range reader: opening source")
	}
	return &multiRangeReader{inner: inner, ranges: ranges}, nil
}

func (r *multiRangeReader) Schema() *mutation.Schema { return r.inner.Schema() }

func (r *multiRangeReader) FillBuffer(ctx context.Context) error {
	for {
		if err := r.inner.FillBuffer(ctx); err != nil {
			return err
		}
		if !r.inner.IsBufferEmpty() || !r.inner.IsEndOfStream() {
			return nil
		}
		if r.cur+1 >= len(r.ranges) {
			r.eos = true
			return nil
		}
		r.cur++
		if err := r.inner.FastForwardTo(ctx, r.ranges[r.cur]); err != nil {
			return err
		}
	}
}

func (r *multiRangeReader) PopFragment() *mutation.Fragment { return r.inner.PopFragment() }
func (r *multiRangeReader) IsBufferEmpty() bool             { return r.inner.IsBufferEmpty() }
func (r *multiRangeReader) IsEndOfStream() bool {
	return r.eos || r.inner.IsEndOfStream() && r.cur+1 >= len(r.ranges)
}
func (r *multiRangeReader) NextPartition() { r.inner.NextPartition() }

func (r *multiRangeReader) FastForwardTo(ctx context.Context, pr mutation.PartitionRange) error {
	// The caller takes over range selection; when pr drains the walk ends.
	r.cur = len(r.ranges) - 1
	r.eos = false
	return r.inner.FastForwardTo(ctx, pr)
}

func (r *multiRangeReader) FastForwardToPosition(ctx context.Context, pr mutation.PositionRange) error {
	return r.inner.FastForwardToPosition(ctx, pr)
}

func (r *multiRangeReader) Close() error { return r.inner.Close() }
