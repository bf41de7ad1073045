package reader

import (
	"context"

	"github.com/pkg/errors"

	"github.com/flynnfc/mithrildb/internal/admission"
	"github.com/flynnfc/mithrildb/internal/mutation"
)

// restrictedReader defers opening its underlying reader until the first
// operation that needs it, and gates that opening on semaphore admission.
// The admission cost is paid once; buffers the underlying reader allocates
// are charged to the same permit through the tracker it is given.
type restrictedReader struct {
	sem      *admission.Semaphore
	baseCost int64
	schema   *mutation.Schema
	src      Source
	pr       mutation.PartitionRange
	slice    *mutation.Slice
	smFwd    bool
	mrFwd    bool

	permit *admission.Permit
	inner  FragmentReader
	closed bool
}

// Restricted wraps src behind sem. The underlying reader is created on the
// first FillBuffer or fast-forward, after admission is granted.
func Restricted(
	sem *admission.Semaphore,
	baseCost int64,
	src Source,
	s *mutation.Schema,
	pr mutation.PartitionRange,
	slice *mutation.Slice,
	smFwd, mrFwd bool,
) FragmentReader {
	return &restrictedReader{
		sem:      sem,
		baseCost: baseCost,
		schema:   s,
		src:      src,
		pr:       pr,
		slice:    slice,
		smFwd:    smFwd,
		mrFwd:    mrFwd,
	}
}

func (r *restrictedReader) admit(ctx context.Context) error {
	if r.inner != nil {
		return nil
	}
	if r.closed {
		return errors.Wrap(ErrProtocolMisuse, "restricted reader used after close")
	}
	permit, err := r.sem.WaitAdmission(ctx, r.baseCost)
	if err != nil {
		return err
	}
	inner, err := r.src(ctx, r.schema, r.pr, r.slice, r.smFwd, r.mrFwd, admission.NewResourceTracker(permit))
	if err != nil {
		permit.Release()
		return errors.Wrap(err, "restricted reader: opening source")
	}
	r.permit = permit
	r.inner = inner
	return nil
}

func (r *restrictedReader) Schema() *mutation.Schema { return r.schema }

func (r *restrictedReader) FillBuffer(ctx context.Context) error {
	if err := r.admit(ctx); err != nil {
		return err
	}
	return r.inner.FillBuffer(ctx)
}

func (r *restrictedReader) PopFragment() *mutation.Fragment {
	if r.inner == nil {
		return nil
	}
	return r.inner.PopFragment()
}

func (r *restrictedReader) IsBufferEmpty() bool {
	return r.inner == nil || r.inner.IsBufferEmpty()
}

func (r *restrictedReader) IsEndOfStream() bool {
	return r.inner != nil && r.inner.IsEndOfStream()
}

func (r *restrictedReader) NextPartition() {
	if r.inner != nil {
		r.inner.NextPartition()
	}
}

func (r *restrictedReader) FastForwardTo(ctx context.Context, pr mutation.PartitionRange) error {
	// Forwarding before the first fill still has to pay for admission.
	if err := r.admit(ctx); err != nil {
		return err
	}
	return r.inner.FastForwardTo(ctx, pr)
}

func (r *restrictedReader) FastForwardToPosition(ctx context.Context, pr mutation.PositionRange) error {
	if err := r.admit(ctx); err != nil {
		return err
	}
	return r.inner.FastForwardToPosition(ctx, pr)
}

func (r *restrictedReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	var err error
	if r.inner != nil {
		err = r.inner.Close()
		r.inner = nil
	}
	if r.permit != nil {
		r.permit.Release()
		r.permit = nil
	}
	return err
}
