package reader

import (
	"context"

	"github.com/flynnfc/mithrildb/internal/mutation"
)

// ReaderSelector lazily produces the readers a combined reader should be
// merging. It maintains a monotonically increasing selector position: the
// lowest partition for which no reader has been handed out yet. Every
// reader it produces must begin at or after the merge cursor it was asked
// for, and no reader is produced twice.
type ReaderSelector interface {
	// HasNewReaders reports whether CreateNewReaders would return anything
	// for the cursor token t (nil means "seed the merge").
	HasNewReaders(t *mutation.Token) bool

	// CreateNewReaders returns the pending readers whose first partition is
	// at or below t. With a nil t it returns the earliest pending reader to
	// seed the merge.
	CreateNewReaders(ctx context.Context, t *mutation.Token) ([]FragmentReader, error)

	// FastForwardTo discards pending readers that end before pr and returns
	// the pending readers intersecting it.
	FastForwardTo(ctx context.Context, pr mutation.PartitionRange) ([]FragmentReader, error)
}

// listSelector hands its fixed list of readers over in one batch. It is the
// selector used when the caller already owns all the readers to merge.
type listSelector struct {
	readers []FragmentReader
}

// NewListSelector wraps an eagerly built reader list.
func NewListSelector(readers []FragmentReader) ReaderSelector {
	return &listSelector{readers: readers}
}

func (s *listSelector) HasNewReaders(*mutation.Token) bool {
	return len(s.readers) > 0
}

func (s *listSelector) CreateNewReaders(_ context.Context, _ *mutation.Token) ([]FragmentReader, error) {
	rs := s.readers
	s.readers = nil
	return rs, nil
}

func (s *listSelector) FastForwardTo(context.Context, mutation.PartitionRange) ([]FragmentReader, error) {
	return nil, nil
}

// PendingReader is one not-yet-opened source for an incremental selector:
// the key range it may produce plus the factory that opens it over a
// partition range.
type PendingReader struct {
	First mutation.DecoratedKey
	Last  mutation.DecoratedKey
	Open  func(ctx context.Context, pr mutation.PartitionRange) (FragmentReader, error)
}

// incrementalSelector materialises pending readers as the merge cursor
// reaches their first key. Pending readers must be sorted by First.
type incrementalSelector struct {
	pending []PendingReader
	pr      mutation.PartitionRange
	pos     mutation.RingPosition
}

// NewIncrementalSelector builds a selector over sources sorted by their
// first possible partition key. Readers are opened restricted to pr.
func NewIncrementalSelector(pending []PendingReader, pr mutation.PartitionRange) ReaderSelector {
	s := &incrementalSelector{pending: pending, pr: pr, pos: mutation.MinRingPosition()}
	s.advancePosition()
	return s
}

func (s *incrementalSelector) advancePosition() {
	if len(s.pending) == 0 {
		s.pos = mutation.MaxRingPosition()
		return
	}
	s.pos = mutation.RingPositionStartingAt(s.pending[0].First.Token)
}

func (s *incrementalSelector) HasNewReaders(t *mutation.Token) bool {
	if len(s.pending) == 0 {
		return false
	}
	if t == nil {
		return true
	}
	return s.pos.Compare(mutation.RingPosition{Token: *t, Weight: 1}) <= 0
}

func (s *incrementalSelector) CreateNewReaders(ctx context.Context, t *mutation.Token) ([]FragmentReader, error) {
	if len(s.pending) == 0 {
		return nil, nil
	}
	var out []FragmentReader
	pop := func() error {
		r, err := s.pending[0].Open(ctx, s.pr)
		if err != nil {
			return err
		}
		s.pending = s.pending[1:]
		s.advancePosition()
		out = append(out, r)
		return nil
	}
	if t == nil {
		if err := pop(); err != nil {
			return nil, err
		}
		return out, nil
	}
	for len(s.pending) > 0 && s.pending[0].First.Token <= *t {
		if err := pop(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *incrementalSelector) FastForwardTo(ctx context.Context, pr mutation.PartitionRange) ([]FragmentReader, error) {
	// Drop sources that end before the range.
	for len(s.pending) > 0 && pr.Before(s.pending[0].Last) {
		s.pending = s.pending[1:]
	}
	s.advancePosition()
	s.pr = pr
	var out []FragmentReader
	for len(s.pending) > 0 && !pr.After(s.pending[0].First) {
		r, err := s.pending[0].Open(ctx, pr)
		if err != nil {
			return nil, err
		}
		s.pending = s.pending[1:]
		s.advancePosition()
		out = append(out, r)
	}
	return out, nil
}
