package mutation

import "testing"

func clusteredSchema(t *testing.T) *Schema {
	t.Helper()
	s, err := NewSchemaBuilder("ks", "cf").
		WithColumn("pk", BytesType, PartitionKeyColumn).
		WithColumn("ck", TextType, ClusteringColumn).
		WithColumn("s1", TextType, StaticColumn).
		WithColumn("v", TextType, RegularColumn).
		Build()
	if err != nil {
		t.Fatalf("building schema: %v", err)
	}
	return s
}

func ck(parts ...string) ClusteringKey {
	out := make(ClusteringKey, 0, len(parts))
	for _, p := range parts {
		out = append(out, []byte(p))
	}
	return out
}

func TestPositionOrdering(t *testing.T) {
	s := clusteredSchema(t)

	ordered := []PositionInPartition{
		PartitionStartPosition(),
		StaticRowPosition(),
		BeforeAllClusteredRows(),
		PositionBeforeKey(ck("a")),
		PositionAtKey(ck("a")),
		PositionAfterKey(ck("a")),
		PositionBeforeKey(ck("b")),
		PositionAtKey(ck("b")),
		AfterAllClusteredRows(),
		PartitionEndPosition(),
	}
	for i := 1; i < len(ordered); i++ {
		if s.ComparePositions(ordered[i-1], ordered[i]) >= 0 {
			t.Errorf("position %d does not sort before position %d", i-1, i)
		}
	}
	for _, p := range ordered {
		if s.ComparePositions(p, p) != 0 {
			t.Errorf("position %v not equal to itself", p)
		}
	}
}

func TestFragmentKindTiebreak(t *testing.T) {
	s := clusteredSchema(t)

	rt := NewRangeTombstoneFragment(RangeTombstone{
		Start:     PositionAtKey(ck("a")),
		End:       PositionAfterKey(ck("c")),
		Tombstone: Tombstone{Timestamp: 1, DeletionTime: 1},
	})
	row := NewClusteringRow(ck("a"), Row{"v": {Value: []byte("x"), Timestamp: 1}})

	// A range tombstone opening at a row's position sorts before the row.
	if ComparePositionAndKind(s, rt, row) >= 0 {
		t.Error("range tombstone does not precede a row at the same position")
	}
	if ComparePositionAndKind(s, row, rt) <= 0 {
		t.Error("comparison is not antisymmetric")
	}
}

func TestClusteringPrefixOrdering(t *testing.T) {
	s, err := NewSchemaBuilder("ks", "cf").
		WithColumn("pk", BytesType, PartitionKeyColumn).
		WithColumn("ck1", TextType, ClusteringColumn).
		WithColumn("ck2", TextType, ClusteringColumn).
		Build()
	if err != nil {
		t.Fatalf("building schema: %v", err)
	}
	if s.CompareClustering(ck("a"), ck("a", "b")) >= 0 {
		t.Error("prefix does not sort before its extension")
	}
	if s.CompareClustering(ck("a", "b"), ck("b")) >= 0 {
		t.Error("component comparison not leading")
	}
	if s.CompareClustering(ck("a", "b"), ck("a", "b")) != 0 {
		t.Error("equal keys do not compare equal")
	}
}
