package reader

import (
	"context"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/flynnfc/mithrildb/internal/mutation"
)

// Schema with a bytes partition key and one regular column, mirroring the
// simplest table the merge tests need.
func flatSchema(t *testing.T) *mutation.Schema {
	t.Helper()
	s, err := mutation.NewSchemaBuilder("ks", "cf").
		WithColumn("pk", mutation.BytesType, mutation.PartitionKeyColumn).
		WithColumn("v", mutation.BytesType, mutation.RegularColumn).
		Build()
	if err != nil {
		t.Fatalf("building schema: %v", err)
	}
	return s
}

// Schema with a clustering column and a static column.
func simpleSchema(t *testing.T) *mutation.Schema {
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

func ck(parts ...string) mutation.ClusteringKey {
	out := make(mutation.ClusteringKey, 0, len(parts))
	for _, p := range parts {
		out = append(out, []byte(p))
	}
	return out
}

// flatMutation is a single cell at an empty clustering key, the shape the
// two-reader merge scenarios use.
func flatMutation(s *mutation.Schema, key, value string, ts int64) *mutation.Mutation {
	m := mutation.NewMutation(s, []byte(key))
	m.SetCell(mutation.ClusteringKey{}, "v", []byte(value), ts)
	return m
}

// sortedKeys decorates the given raw keys and returns them in ring order.
func sortedKeys(s *mutation.Schema, raw ...string) []mutation.DecoratedKey {
	keys := make([]mutation.DecoratedKey, 0, len(raw))
	for _, r := range raw {
		keys = append(keys, s.DecorateKey([]byte(r)))
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Compare(keys[j]) < 0 })
	return keys
}

func diffMutations(a, b *mutation.Mutation) string {
	return cmp.Diff(a, b, cmpopts.IgnoreFields(mutation.Mutation{}, "Schema"))
}

// readerAssertions walks a reader the way the merge tests expect to observe
// it, failing the test on the first divergence.
type readerAssertions struct {
	t   *testing.T
	ctx context.Context
	r   FragmentReader
	s   *mutation.Schema
}

func assertThat(t *testing.T, r FragmentReader) *readerAssertions {
	t.Helper()
	return &readerAssertions{t: t, ctx: context.Background(), r: r, s: r.Schema()}
}

// nextFragment fills as needed and pops one fragment, nil at end-of-stream.
func (a *readerAssertions) nextFragment() *mutation.Fragment {
	a.t.Helper()
	for a.r.IsBufferEmpty() {
		if a.r.IsEndOfStream() {
			return nil
		}
		if err := a.r.FillBuffer(a.ctx); err != nil {
			a.t.Fatalf("fill buffer: %v", err)
		}
		if a.r.IsBufferEmpty() && a.r.IsEndOfStream() {
			return nil
		}
	}
	return a.r.PopFragment()
}

// collectPartition reads one whole partition into a mutation.
func (a *readerAssertions) collectPartition() *mutation.Mutation {
	a.t.Helper()
	f := a.nextFragment()
	if f == nil {
		a.t.Fatal("expected a partition, got end of stream")
	}
	if f.Kind != mutation.FragmentPartitionStart {
		a.t.Fatalf("expected partition_start, got %s", f.Kind)
	}
	frags := []*mutation.Fragment{f}
	for {
		f = a.nextFragment()
		if f == nil {
			a.t.Fatal("stream ended mid-partition")
		}
		frags = append(frags, f)
		if f.Kind == mutation.FragmentPartitionEnd {
			break
		}
	}
	m, err := mutation.FromFragments(a.s, frags)
	if err != nil {
		a.t.Fatalf("collecting partition: %v", err)
	}
	return m
}

// produces asserts the next partition equals expected.
func (a *readerAssertions) produces(expected *mutation.Mutation) *readerAssertions {
	a.t.Helper()
	got := a.collectPartition()
	if d := diffMutations(expected, got); d != "" {
		a.t.Fatalf("partition %q mismatch:\n%s", expected.Key.Key, d)
	}
	return a
}

// producesKey asserts the next partition has the given key, ignoring its
// content.
func (a *readerAssertions) producesKey(dk mutation.DecoratedKey) *readerAssertions {
	a.t.Helper()
	got := a.collectPartition()
	if !got.Key.Equal(dk) {
		a.t.Fatalf("expected partition %q, got %q", dk.Key, got.Key.Key)
	}
	return a
}

func (a *readerAssertions) producesEndOfStream() *readerAssertions {
	a.t.Helper()
	if f := a.nextFragment(); f != nil {
		a.t.Fatalf("expected end of stream, got %s", f)
	}
	return a
}

func (a *readerAssertions) producesPartitionStart(dk mutation.DecoratedKey) *readerAssertions {
	a.t.Helper()
	f := a.nextFragment()
	if f == nil {
		a.t.Fatal("expected partition_start, got end of stream")
	}
	if f.Kind != mutation.FragmentPartitionStart {
		a.t.Fatalf("expected partition_start, got %s", f)
	}
	if !f.Key.Equal(dk) {
		a.t.Fatalf("expected partition %q, got %q", dk.Key, f.Key.Key)
	}
	return a
}

func (a *readerAssertions) producesRowWithKey(k mutation.ClusteringKey) *readerAssertions {
	a.t.Helper()
	f := a.nextFragment()
	if f == nil {
		a.t.Fatal("expected a clustering row, got end of stream")
	}
	if f.Kind != mutation.FragmentClusteringRow {
		a.t.Fatalf("expected a clustering row, got %s", f)
	}
	if a.s.CompareClustering(f.Clustering, k) != 0 {
		a.t.Fatalf("expected row %v, got %v", k, f.Clustering)
	}
	return a
}

func (a *readerAssertions) fastForwardTo(pr mutation.PartitionRange) *readerAssertions {
	a.t.Helper()
	if err := a.r.FastForwardTo(a.ctx, pr); err != nil {
		a.t.Fatalf("fast forward: %v", err)
	}
	return a
}

func (a *readerAssertions) fastForwardToPosition(pr mutation.PositionRange) *readerAssertions {
	a.t.Helper()
	if err := a.r.FastForwardToPosition(a.ctx, pr); err != nil {
		a.t.Fatalf("position fast forward: %v", err)
	}
	return a
}

func (a *readerAssertions) nextPartition() *readerAssertions {
	a.t.Helper()
	a.r.NextPartition()
	return a
}

// singular builds the one-key range used all over the forwarding tests.
func singular(dk mutation.DecoratedKey) mutation.PartitionRange {
	return mutation.SingularPartitionRange(dk)
}
