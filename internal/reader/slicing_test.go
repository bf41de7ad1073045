package reader

import (
	"testing"

	"github.com/flynnfc/mithrildb/internal/mutation"
)

// Two readers with overlapping range tombstones, sliced to a clustering
// range that ends before the only live row: the merge must produce a single
// coverage equivalent to the union of the deletes restricted to the slice,
// and no clustering row.
func TestCombinedSlicingWithOverlappingRangeTombstones(t *testing.T) {
	s := simpleSchema(t)

	rt1 := mutation.RangeTombstone{
		Start:     mutation.PositionBeforeKey(ck("01")),
		End:       mutation.PositionAfterKey(ck("10")),
		Tombstone: mutation.Tombstone{Timestamp: 5, DeletionTime: 5},
	}
	rt2 := mutation.RangeTombstone{
		Start:     mutation.PositionBeforeKey(ck("01")),
		End:       mutation.PositionAfterKey(ck("05")),
		Tombstone: mutation.Tombstone{Timestamp: 7, DeletionTime: 7},
	}

	m1 := mutation.NewMutation(s, []byte("pk"))
	m1.DeleteRange(rt1)

	m2 := m1.Clone()
	m2.DeleteRange(rt2)
	// Position after rt2's start but before its end.
	m2.SetCell(ck("04"), "v", []byte("v2"), 6)

	slice := mutation.SingleRange(mutation.ClusteringRange{
		Start: &mutation.ClusteringBound{Key: ck("00"), Inclusive: true},
		End:   &mutation.ClusteringBound{Key: ck("03"), Inclusive: true},
	})

	r := Combine(s, false, false,
		FromMutations(s, []*mutation.Mutation{m1}, mutation.FullPartitionRange(), slice, false, false),
		FromMutations(s, []*mutation.Mutation{m2}, mutation.FullPartitionRange(), slice, false, false))
	defer r.Close()

	got := assertThat(t, r).collectPartition()

	// The row at 04 lies outside the slice.
	if len(got.Rows) != 0 {
		t.Fatalf("expected no rows, got %d", len(got.Rows))
	}
	if len(got.RangeTombstones) == 0 {
		t.Fatal("expected range tombstone coverage")
	}

	// Expected: both deletes applied, restricted to the slice. rt2 dominates
	// rt1 everywhere inside it, so coverage is one piece from the deletes'
	// shared start to the slice end.
	expected := mutation.NewMutation(s, []byte("pk"))
	prange := slice.Ranges[0].PositionRange()
	expected.DeleteRange(mutation.RangeTombstone{
		Start: rt2.Start, End: prange.End, Tombstone: rt2.Tombstone,
	})
	if d := diffMutations(expected, got); d != "" {
		t.Fatalf("sliced tombstone coverage mismatch:\n%s", d)
	}

	// Every emitted piece must stay inside the slice.
	for _, rt := range got.RangeTombstones {
		if s.ComparePositions(rt.Start, prange.Start) < 0 || s.ComparePositions(prange.End, rt.End) < 0 {
			t.Errorf("tombstone %+v escaped the slice", rt)
		}
	}
}

// A range tombstone shadows older rows inside its extent once the collected
// partition is compacted.
func TestTombstoneDominance(t *testing.T) {
	s := simpleSchema(t)

	m1 := mutation.NewMutation(s, []byte("pk"))
	m1.DeleteRange(mutation.RangeTombstone{
		Start:     mutation.PositionBeforeKey(ck("01")),
		End:       mutation.PositionAfterKey(ck("09")),
		Tombstone: mutation.Tombstone{Timestamp: 10, DeletionTime: 10},
	})

	m2 := mutation.NewMutation(s, []byte("pk"))
	m2.SetCell(ck("03"), "v", []byte("dead"), 9)
	m2.SetCell(ck("05"), "v", []byte("alive"), 11)

	r := Combine(s, false, false,
		FromMutationsSimple(s, []*mutation.Mutation{m1}),
		FromMutationsSimple(s, []*mutation.Mutation{m2}))
	defer r.Close()

	got := assertThat(t, r).collectPartition()
	got.Compact()

	if len(got.Rows) != 1 {
		t.Fatalf("expected one surviving row, got %d", len(got.Rows))
	}
	if s.CompareClustering(got.Rows[0].Key, ck("05")) != 0 {
		t.Errorf("wrong row survived: %v", got.Rows[0].Key)
	}
}

// The merge interleaves rows and tombstones without emitting overlapping
// pieces or out-of-order positions.
func TestMergedStreamOrderInvariants(t *testing.T) {
	s := simpleSchema(t)

	m1 := mutation.NewMutation(s, []byte("pk"))
	m1.SetStaticCell("s1", []byte("st"), 1)
	m1.SetCell(ck("02"), "v", []byte("a"), 1)
	m1.SetCell(ck("06"), "v", []byte("b"), 1)
	m1.DeleteRange(mutation.RangeTombstone{
		Start:     mutation.PositionBeforeKey(ck("01")),
		End:       mutation.PositionAfterKey(ck("08")),
		Tombstone: mutation.Tombstone{Timestamp: 2, DeletionTime: 2},
	})

	m2 := mutation.NewMutation(s, []byte("pk"))
	m2.SetCell(ck("04"), "v", []byte("c"), 3)
	m2.DeleteRange(mutation.RangeTombstone{
		Start:     mutation.PositionBeforeKey(ck("03")),
		End:       mutation.PositionAfterKey(ck("05")),
		Tombstone: mutation.Tombstone{Timestamp: 4, DeletionTime: 4},
	})

	r := Combine(s, false, false,
		FromMutationsSimple(s, []*mutation.Mutation{m1}),
		FromMutationsSimple(s, []*mutation.Mutation{m2}))
	defer r.Close()

	a := assertThat(t, r)
	var frags []*mutation.Fragment
	for {
		f := a.nextFragment()
		if f == nil {
			break
		}
		frags = append(frags, f)
	}

	if frags[0].Kind != mutation.FragmentPartitionStart {
		t.Fatal("stream does not open with partition_start")
	}
	if frags[1].Kind != mutation.FragmentStaticRow {
		t.Fatal("static row must precede clustering fragments")
	}
	if frags[len(frags)-1].Kind != mutation.FragmentPartitionEnd {
		t.Fatal("stream does not close with partition_end")
	}

	var lastRT *mutation.RangeTombstone
	for i := 1; i < len(frags)-1; i++ {
		prev, cur := frags[i-1], frags[i]
		if prev.Kind != mutation.FragmentPartitionStart && prev.Kind != mutation.FragmentStaticRow {
			if s.ComparePositions(prev.Position(), cur.Position()) > 0 {
				t.Errorf("fragment %d out of order: %s then %s", i, prev, cur)
			}
		}
		if cur.Kind == mutation.FragmentRangeTombstone {
			if lastRT != nil && s.ComparePositions(lastRT.End, cur.RT.Start) > 0 {
				t.Errorf("overlapping tombstone pieces: %+v then %+v", *lastRT, cur.RT)
			}
			rt := cur.RT
			lastRT = &rt
		}
	}

	// The collected result equals the cell-wise merge of the inputs.
	expected := m1.Clone()
	expected.Apply(m2)
	got, err := mutation.FromFragments(s, frags)
	if err != nil {
		t.Fatalf("collecting stream: %v", err)
	}
	if d := diffMutations(expected, got); d != "" {
		t.Fatalf("merge mismatch:\n%s", d)
	}
}
