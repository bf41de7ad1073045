package reader

import (
	"github.com/flynnfc/mithrildb/internal/mutation"
)

// tombstoneAccumulator folds the range tombstones of the readers being
// merged into non-overlapping output fragments. Inputs arrive in start
// order. The accumulator keeps the set of live input tombstones and the
// currently open output piece; pieces are closed at every boundary where
// the strongest live tombstone changes, where a live tombstone expires, or
// where a clustering row must be emitted (so that every emitted piece fully
// covers the rows it shadows and never trails behind the output position).
// Adjacent pieces carrying the same tombstone are re-merged before emission,
// except across an emitted row: coverRow emits the piece ending after that
// row, and the piece that follows it is emitted separately.
type tombstoneAccumulator struct {
	s    *mutation.Schema
	emit func(*mutation.Fragment)

	live    []mutation.RangeTombstone
	cur     mutation.RangeTombstone
	open    bool
	pending *mutation.RangeTombstone
}

func newTombstoneAccumulator(s *mutation.Schema, push func(*mutation.Fragment)) *tombstoneAccumulator {
	return &tombstoneAccumulator{s: s, emit: push}
}

func (a *tombstoneAccumulator) strongest() (mutation.Tombstone, bool) {
	if len(a.live) == 0 {
		return mutation.Tombstone{}, false
	}
	t := a.live[0].Tombstone
	for _, rt := range a.live[1:] {
		t = t.Apply(rt.Tombstone)
	}
	return t, true
}

func (a *tombstoneAccumulator) minEnd() mutation.PositionInPartition {
	end := a.live[0].End
	for _, rt := range a.live[1:] {
		if a.s.ComparePositions(rt.End, end) < 0 {
			end = rt.End
		}
	}
	return end
}

// closePiece finishes the open piece at end, buffering it for emission so
// that contiguous equal-tombstone pieces merge back together.
func (a *tombstoneAccumulator) closePiece(end mutation.PositionInPartition) {
	if !a.open || a.s.ComparePositions(a.cur.Start, end) >= 0 {
		a.cur.Start = end
		return
	}
	piece := a.cur
	piece.End = end
	if a.pending != nil &&
		a.pending.Tombstone == piece.Tombstone &&
		a.s.ComparePositions(a.pending.End, piece.Start) == 0 {
		a.pending.End = piece.End
	} else {
		a.flushPending()
		a.pending = &piece
	}
	a.cur.Start = end
}

func (a *tombstoneAccumulator) flushPending() {
	if a.pending != nil {
		a.emit(mutation.NewRangeTombstoneFragment(*a.pending))
		a.pending = nil
	}
}

// dropExpired removes live tombstones ending at or before bound and reopens
// the piece from the remaining set.
func (a *tombstoneAccumulator) dropExpired(bound mutation.PositionInPartition) {
	kept := a.live[:0]
	for _, rt := range a.live {
		if a.s.ComparePositions(rt.End, bound) > 0 {
			kept = append(kept, rt)
		}
	}
	a.live = kept
	if t, ok := a.strongest(); ok {
		a.cur = mutation.RangeTombstone{Start: bound, End: bound, Tombstone: t}
		a.open = true
	} else {
		a.open = false
	}
}

// advanceTo processes expirations strictly before pos.
func (a *tombstoneAccumulator) advanceTo(pos mutation.PositionInPartition) {
	for len(a.live) > 0 {
		end := a.minEnd()
		if a.s.ComparePositions(end, pos) >= 0 {
			return
		}
		a.closePiece(end)
		a.dropExpired(end)
	}
}

// add folds one input range tombstone into the active set.
func (a *tombstoneAccumulator) add(rt mutation.RangeTombstone) {
	a.advanceTo(rt.Start)
	if !a.open {
		a.live = append(a.live, rt)
		t, _ := a.strongest()
		a.cur = mutation.RangeTombstone{Start: rt.Start, End: rt.End, Tombstone: t}
		a.open = true
		return
	}
	a.live = append(a.live, rt)
	t, _ := a.strongest()
	if t != a.cur.Tombstone {
		// A stronger tombstone takes over from here.
		a.closePiece(rt.Start)
		a.cur.Tombstone = t
		a.open = true
	}
}

// coverRow is called just before the merge emits the row at ck. Any open
// piece is closed right after the row so the emitted piece both covers the
// row and precedes it in position order.
func (a *tombstoneAccumulator) coverRow(ck mutation.ClusteringKey) {
	at := mutation.PositionAtKey(ck)
	a.advanceTo(at)
	if !a.open {
		a.flushPending()
		return
	}
	bound := mutation.PositionAfterKey(ck)
	if end := a.minEnd(); a.s.ComparePositions(end, bound) < 0 {
		bound = end
	}
	a.closePiece(bound)
	a.dropExpired(bound)
	a.flushPending()
}

// flush closes everything at partition end.
func (a *tombstoneAccumulator) flush() {
	for len(a.live) > 0 {
		end := a.minEnd()
		a.closePiece(end)
		a.dropExpired(end)
	}
	a.flushPending()
}
