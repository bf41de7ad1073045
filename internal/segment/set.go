package segment

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/flynnfc/mithrildb/internal/admission"
	"github.com/flynnfc/mithrildb/internal/mutation"
	"github.com/flynnfc/mithrildb/internal/reader"
)

// Set owns the segments of one table, sorted by first key. It feeds the
// combined reader through an incremental selector so a segment is only
// opened once the merge cursor reaches its key range.
type Set struct {
	mu       sync.RWMutex
	segments []*Segment
	logger   *zap.Logger
}

// NewSet builds an empty segment set.
func NewSet(logger *zap.Logger) *Set {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Set{logger: logger}
}

// Add inserts a segment, keeping the set sorted by first key.
func (set *Set) Add(sg *Segment) {
	set.mu.Lock()
	defer set.mu.Unlock()
	set.segments = append(set.segments, sg)
	sort.SliceStable(set.segments, func(i, j int) bool {
		return set.segments[i].First().Compare(set.segments[j].First()) < 0
	})
}

// Len returns the number of segments.
func (set *Set) Len() int {
	set.mu.RLock()
	defer set.mu.RUnlock()
	return len(set.segments)
}

// Selector returns an incremental selector over the segments intersecting
// pr. Readers are created with the given slice and forwarding flags, and
// their buffers are charged through tracker.
func (set *Set) Selector(
	s *mutation.Schema,
	pr mutation.PartitionRange,
	slice *mutation.Slice,
	smFwd bool,
	tracker *admission.ResourceTracker,
) reader.ReaderSelector {
	set.mu.RLock()
	defer set.mu.RUnlock()
	pending := make([]reader.PendingReader, 0, len(set.segments))
	for _, sg := range set.segments {
		sg := sg
		if pr.After(sg.First()) || pr.Before(sg.Last()) {
			continue
		}
		pending = append(pending, reader.PendingReader{
			First: sg.First(),
			Last:  sg.Last(),
			Open: func(ctx context.Context, rpr mutation.PartitionRange) (reader.FragmentReader, error) {
				return sg.MakeReader(ctx, s, rpr, slice, smFwd, true, tracker)
			},
		})
	}
	return reader.NewIncrementalSelector(pending, pr)
}

// MakeReader merges every intersecting segment into one stream,
// materialising segment readers incrementally.
func (set *Set) MakeReader(
	_ context.Context,
	s *mutation.Schema,
	pr mutation.PartitionRange,
	slice *mutation.Slice,
	smFwd, mrFwd bool,
	tracker *admission.ResourceTracker,
) (reader.FragmentReader, error) {
	return reader.NewCombined(s, set.Selector(s, pr, slice, smFwd, tracker), smFwd, mrFwd), nil
}

// Source exposes the whole set through the standard factory signature.
func (set *Set) Source() reader.Source {
	return set.MakeReader
}
