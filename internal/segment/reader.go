package segment

import (
	"context"
	"os"

	"github.com/klauspost/compress/s2"
	"github.com/pkg/errors"

	"github.com/flynnfc/mithrildb/internal/admission"
	"github.com/flynnfc/mithrildb/internal/mutation"
	"github.com/flynnfc/mithrildb/internal/reader"
)

// segmentReader streams one segment's partitions. Blocks are fetched through
// a tracked file, decompressed, and served through a per-partition
// sub-reader that implements slicing and position forwarding.
type segmentReader struct {
	schema *mutation.Schema
	seg    *Segment
	pr     mutation.PartitionRange
	slice  *mutation.Slice
	smFwd  bool
	mrFwd  bool
	tf     *admission.TrackedFile

	idx    int
	sub    reader.FragmentReader
	eos    bool
	cursor mutation.RingPosition
}

// MakeReader opens a reader over the segment restricted to pr and slice.
func (sg *Segment) MakeReader(
	_ context.Context,
	s *mutation.Schema,
	pr mutation.PartitionRange,
	slice *mutation.Slice,
	smFwd, mrFwd bool,
	tracker *admission.ResourceTracker,
) (reader.FragmentReader, error) {
	if tracker == nil {
		tracker = admission.NoResourceTracking()
	}
	f, err := os.Open(sg.path)
	if err != nil {
		return nil, errors.Wrap(err, "segment: opening for read")
	}
	return &segmentReader{
		schema: s,
		seg:    sg,
		pr:     pr,
		slice:  slice,
		smFwd:  smFwd,
		mrFwd:  mrFwd,
		tf:     tracker.Track(admission.OSFile{File: f}),
		cursor: pr.StartPosition(),
	}, nil
}

// Source exposes the segment through the standard factory signature.
func (sg *Segment) Source() reader.Source {
	return sg.MakeReader
}

func (r *segmentReader) Schema() *mutation.Schema { return r.schema }

func (r *segmentReader) FillBuffer(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for {
		if r.sub != nil {
			if err := r.sub.FillBuffer(ctx); err != nil {
				return err
			}
			if !r.sub.IsBufferEmpty() {
				return nil
			}
			if !r.sub.IsEndOfStream() {
				return nil
			}
			if r.smFwd {
				// The window is drained; the partition stays open for the
				// next fast-forward.
				return nil
			}
			r.sub = nil
		}
		if err := r.openNextPartition(ctx); err != nil {
			return err
		}
		if r.sub == nil {
			r.eos = true
			return nil
		}
	}
}

// openNextPartition loads the next indexed partition inside the range.
func (r *segmentReader) openNextPartition(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for r.idx < len(r.seg.index) && r.pr.Before(r.seg.index[r.idx].key) {
		r.idx++
	}
	if r.idx >= len(r.seg.index) || r.pr.After(r.seg.index[r.idx].key) {
		return nil
	}
	e := r.seg.index[r.idx]
	r.idx++

	buf, err := r.tf.ReadDMA(e.offset, e.length)
	if err != nil {
		return errors.Wrap(err, "segment: reading block")
	}
	payload, err := s2.Decode(nil, buf.Data)
	buf.Release()
	if err != nil {
		return errors.Wrapf(err, "segment: decompressing block of %q", e.key.Key)
	}
	m, err := decodePartition(r.schema, e.key, payload)
	if err != nil {
		return err
	}
	r.sub = reader.FromMutations(r.schema, []*mutation.Mutation{m}, mutation.FullPartitionRange(), r.slice, r.smFwd, false)
	return nil
}

func (r *segmentReader) PopFragment() *mutation.Fragment {
	if r.sub == nil {
		return nil
	}
	return r.sub.PopFragment()
}

func (r *segmentReader) IsBufferEmpty() bool {
	return r.sub == nil || r.sub.IsBufferEmpty()
}

func (r *segmentReader) IsEndOfStream() bool {
	if r.sub != nil {
		if !r.sub.IsEndOfStream() {
			return false
		}
		if r.smFwd {
			return true
		}
		return r.exhausted()
	}
	return r.eos
}

func (r *segmentReader) exhausted() bool {
	i := r.idx
	for i < len(r.seg.index) && r.pr.Before(r.seg.index[i].key) {
		i++
	}
	return i >= len(r.seg.index) || r.pr.After(r.seg.index[i].key)
}

func (r *segmentReader) NextPartition() {
	if r.sub != nil {
		r.sub.NextPartition()
		if r.sub.IsBufferEmpty() && r.sub.IsEndOfStream() {
			r.sub = nil
		}
	}
	r.eos = false
}

func (r *segmentReader) FastForwardTo(ctx context.Context, pr mutation.PartitionRange) error {
	if !r.mrFwd {
		return errors.Wrap(reader.ErrProtocolMisuse, "fast-forward on a non-forwarding segment reader")
	}
	if pr.StartPosition().Compare(r.cursor) < 0 {
		return errors.Wrap(reader.ErrProtocolMisuse, "fast-forward moved backwards")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	r.cursor = pr.StartPosition()
	r.pr = pr
	r.sub = nil
	r.eos = false
	return nil
}

func (r *segmentReader) FastForwardToPosition(ctx context.Context, pr mutation.PositionRange) error {
	if !r.smFwd {
		return errors.Wrap(reader.ErrProtocolMisuse, "position fast-forward on a non-forwarding segment reader")
	}
	if r.sub == nil {
		return errors.Wrap(reader.ErrProtocolMisuse, "position fast-forward outside a partition")
	}
	return r.sub.FastForwardToPosition(ctx, pr)
}

func (r *segmentReader) Close() error {
	r.sub = nil
	return r.tf.Close()
}
