package segment

import (
	"context"
	"fmt"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/flynnfc/mithrildb/internal/admission"
	"github.com/flynnfc/mithrildb/internal/mutation"
	"github.com/flynnfc/mithrildb/internal/reader"
)

func testSchema(t *testing.T) *mutation.Schema {
	t.Helper()
	s, err := mutation.NewSchemaBuilder("ks", "cf").
		WithColumn("pk", mutation.BytesType, mutation.PartitionKeyColumn).
		WithColumn("ck", mutation.TextType, mutation.ClusteringColumn).
		WithColumn("s1", mutation.TextType, mutation.StaticColumn).
		WithColumn("v", mutation.TextType, mutation.RegularColumn).
		Build()
	if err != nil {
		t.Fatalf("building schema: %v", err)
	}
	return s
}

func ck(k string) mutation.ClusteringKey {
	return mutation.ClusteringKey{[]byte(k)}
}

func testMutations(t *testing.T, s *mutation.Schema, n int) []*mutation.Mutation {
	t.Helper()
	muts := make([]*mutation.Mutation, 0, n)
	for i := 0; i < n; i++ {
		m := mutation.NewMutation(s, []byte(fmt.Sprintf("pk_%02d", i)))
		m.SetStaticCell("s1", []byte(fmt.Sprintf("static_%d", i)), 1)
		for c := 0; c < 3; c++ {
			m.SetCell(ck(fmt.Sprintf("ck_%d", c)), "v", []byte(fmt.Sprintf("val_%d_%d", i, c)), int64(c+1))
		}
		m.DeleteRange(mutation.RangeTombstone{
			Start:     mutation.PositionBeforeKey(ck("ck_8")),
			End:       mutation.PositionAfterKey(ck("ck_9")),
			Tombstone: mutation.Tombstone{Timestamp: 2, DeletionTime: 2},
		})
		muts = append(muts, m)
	}
	sort.SliceStable(muts, func(i, j int) bool { return muts[i].Key.Compare(muts[j].Key) < 0 })
	return muts
}

func collect(t *testing.T, r reader.FragmentReader) []*mutation.Mutation {
	t.Helper()
	ctx := context.Background()
	var out []*mutation.Mutation
	var frags []*mutation.Fragment
	for {
		if r.IsBufferEmpty() {
			if r.IsEndOfStream() {
				break
			}
			if err := r.FillBuffer(ctx); err != nil {
				t.Fatalf("fill failed: %v", err)
			}
			if r.IsBufferEmpty() && r.IsEndOfStream() {
				break
			}
			continue
		}
		f := r.PopFragment()
		frags = append(frags, f)
		if f.Kind == mutation.FragmentPartitionEnd {
			m, err := mutation.FromFragments(r.Schema(), frags)
			if err != nil {
				t.Fatalf("collecting partition: %v", err)
			}
			out = append(out, m)
			frags = nil
		}
	}
	if len(frags) != 0 {
		t.Fatalf("stream ended mid-partition with %d fragments", len(frags))
	}
	return out
}

func diffMutations(a, b *mutation.Mutation) string {
	return cmp.Diff(a, b, cmpopts.IgnoreFields(mutation.Mutation{}, "Schema"))
}

func TestSegmentRoundtrip(t *testing.T) {
	s := testSchema(t)
	muts := testMutations(t, s, 16)

	sg, err := Write(t.TempDir(), muts, nil)
	if err != nil {
		t.Fatalf("writing segment: %v", err)
	}
	if sg.Partitions() != len(muts) {
		t.Fatalf("expected %d partitions, got %d", len(muts), sg.Partitions())
	}

	loaded, err := Load(sg.Path(), nil)
	if err != nil {
		t.Fatalf("loading segment: %v", err)
	}
	if loaded.Partitions() != len(muts) {
		t.Fatalf("index length mismatch: %d vs %d", loaded.Partitions(), len(muts))
	}
	if !loaded.First().Equal(sg.First()) || !loaded.Last().Equal(sg.Last()) {
		t.Error("key bounds changed across load")
	}

	r, err := loaded.MakeReader(context.Background(), s, mutation.FullPartitionRange(), nil, false, false, nil)
	if err != nil {
		t.Fatalf("opening reader: %v", err)
	}
	defer r.Close()
	got := collect(t, r)
	if len(got) != len(muts) {
		t.Fatalf("expected %d partitions, got %d", len(muts), len(got))
	}
	for i := range muts {
		if d := diffMutations(muts[i], got[i]); d != "" {
			t.Fatalf("partition %d mismatch:\n%s", i, d)
		}
	}
}

func TestSegmentBloomFilter(t *testing.T) {
	s := testSchema(t)
	muts := testMutations(t, s, 8)

	sg, err := Write(t.TempDir(), muts, nil)
	if err != nil {
		t.Fatalf("writing segment: %v", err)
	}
	for _, m := range muts {
		if !sg.MayContain(m.Key.Key) {
			t.Errorf("bloom filter rejects stored key %q", m.Key.Key)
		}
	}
}

func TestSegmentReaderChargesBuffers(t *testing.T) {
	s := testSchema(t)
	muts := testMutations(t, s, 4)

	sg, err := Write(t.TempDir(), muts, nil)
	if err != nil {
		t.Fatalf("writing segment: %v", err)
	}

	sem := admission.NewSemaphore(admission.Config{MaxCount: 1, MaxMemory: 1 << 20})
	permit, err := sem.WaitAdmission(context.Background(), 0)
	if err != nil {
		t.Fatalf("admission failed: %v", err)
	}
	tracker := admission.NewResourceTracker(permit)

	r, err := sg.MakeReader(context.Background(), s, mutation.FullPartitionRange(), nil, false, false, tracker)
	if err != nil {
		t.Fatalf("opening reader: %v", err)
	}
	collect(t, r)
	r.Close()
	permit.Release()

	// Block buffers are transient; everything must be returned by now.
	if avail := sem.Available(); avail.Memory != 1<<20 || avail.Count != 1 {
		t.Fatalf("budget not conserved: %+v", avail)
	}
}

func TestSegmentSetIncrementalRead(t *testing.T) {
	s := testSchema(t)
	muts := testMutations(t, s, 12)

	dir := t.TempDir()
	set := NewSet(nil)
	// Spread partitions over three segments with overlap.
	groups := [][]*mutation.Mutation{muts[0:5], muts[3:9], muts[8:12]}
	for _, g := range groups {
		sg, err := Write(dir, g, nil)
		if err != nil {
			t.Fatalf("writing segment: %v", err)
		}
		set.Add(sg)
	}
	if set.Len() != 3 {
		t.Fatalf("expected 3 segments, got %d", set.Len())
	}

	r, err := set.MakeReader(context.Background(), s, mutation.FullPartitionRange(), nil, false, false, nil)
	if err != nil {
		t.Fatalf("opening set reader: %v", err)
	}
	defer r.Close()

	got := collect(t, r)
	if len(got) != len(muts) {
		t.Fatalf("expected %d partitions, got %d", len(muts), len(got))
	}
	for i := range muts {
		// Overlapping segments hold identical copies, so the merge must
		// reproduce the originals.
		if d := diffMutations(muts[i], got[i]); d != "" {
			t.Fatalf("partition %d mismatch:\n%s", i, d)
		}
	}
}

func TestSegmentReaderSlice(t *testing.T) {
	s := testSchema(t)
	muts := testMutations(t, s, 2)

	sg, err := Write(t.TempDir(), muts, nil)
	if err != nil {
		t.Fatalf("writing segment: %v", err)
	}

	slice := mutation.SingleRange(mutation.ClusteringRange{
		Start: &mutation.ClusteringBound{Key: ck("ck_1"), Inclusive: true},
		End:   &mutation.ClusteringBound{Key: ck("ck_1"), Inclusive: true},
	})
	r, err := sg.MakeReader(context.Background(), s, mutation.FullPartitionRange(), slice, false, false, nil)
	if err != nil {
		t.Fatalf("opening reader: %v", err)
	}
	defer r.Close()

	for _, m := range collect(t, r) {
		if len(m.Rows) != 1 {
			t.Fatalf("expected one sliced row, got %d", len(m.Rows))
		}
		if s.CompareClustering(m.Rows[0].Key, ck("ck_1")) != 0 {
			t.Errorf("wrong row survived the slice: %v", m.Rows[0].Key)
		}
	}
}

func TestSegmentFastForward(t *testing.T) {
	s := testSchema(t)
	muts := testMutations(t, s, 6)

	sg, err := Write(t.TempDir(), muts, nil)
	if err != nil {
		t.Fatalf("writing segment: %v", err)
	}

	ctx := context.Background()
	r, err := sg.MakeReader(ctx, s, mutation.SingularPartitionRange(muts[0].Key), nil, false, true, nil)
	if err != nil {
		t.Fatalf("opening reader: %v", err)
	}
	defer r.Close()

	got := collect(t, r)
	if len(got) != 1 || !got[0].Key.Equal(muts[0].Key) {
		t.Fatalf("expected only the first partition, got %d partitions", len(got))
	}

	if err := r.FastForwardTo(ctx, mutation.SingularPartitionRange(muts[4].Key)); err != nil {
		t.Fatalf("fast forward failed: %v", err)
	}
	got = collect(t, r)
	if len(got) != 1 || !got[0].Key.Equal(muts[4].Key) {
		t.Fatalf("expected only partition 4 after fast forward, got %d partitions", len(got))
	}
}
