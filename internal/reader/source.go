package reader

import (
	"context"

	"github.com/flynnfc/mithrildb/internal/admission"
	"github.com/flynnfc/mithrildb/internal/mutation"
)

// Source is the factory signature every underlying store exposes: it opens
// a fragment reader over a partition range and slice, with the forwarding
// capabilities fixed at creation and buffers accounted through tracker.
type Source func(
	ctx context.Context,
	s *mutation.Schema,
	pr mutation.PartitionRange,
	slice *mutation.Slice,
	smFwd, mrFwd bool,
	tracker *admission.ResourceTracker,
) (FragmentReader, error)

// EmptySource is a source over nothing.
func EmptySource() Source {
	return func(_ context.Context, s *mutation.Schema, _ mutation.PartitionRange, _ *mutation.Slice, _, _ bool, _ *admission.ResourceTracker) (FragmentReader, error) {
		return Empty(s), nil
	}
}

// CombinedSource merges the readers of several sources into one. Readers
// opened through it are created partition-forwarding so the combined reader
// can be re-aimed as one unit.
func CombinedSource(addends ...Source) Source {
	return func(ctx context.Context, s *mutation.Schema, pr mutation.PartitionRange, slice *mutation.Slice, smFwd, _ bool, tracker *admission.ResourceTracker) (FragmentReader, error) {
		readers := make([]FragmentReader, 0, len(addends))
		for _, src := range addends {
			r, err := src(ctx, s, pr, slice, smFwd, true, tracker)
			if err != nil {
				for _, opened := range readers {
					_ = opened.Close()
				}
				return nil, err
			}
			readers = append(readers, r)
		}
		return Combine(s, smFwd, true, readers...), nil
	}
}
