package mutation

import "fmt"

// FragmentKind discriminates the fragment variants of a partition stream.
type FragmentKind int

const (
	FragmentPartitionStart FragmentKind = iota
	FragmentStaticRow
	FragmentClusteringRow
	FragmentRangeTombstone
	FragmentPartitionEnd
)

func (k FragmentKind) String() string {
	switch k {
	case FragmentPartitionStart:
		return "partition_start"
	case FragmentStaticRow:
		return "static_row"
	case FragmentClusteringRow:
		return "clustering_row"
	case FragmentRangeTombstone:
		return "range_tombstone"
	case FragmentPartitionEnd:
		return "partition_end"
	default:
		return fmt.Sprintf("fragment(%d)", int(k))
	}
}

// kindRank is the tie-break between fragments at equal positions:
// range tombstones open before static rows, which precede clustering rows.
func kindRank(k FragmentKind) int {
	switch k {
	case FragmentPartitionStart:
		return 0
	case FragmentRangeTombstone:
		return 1
	case FragmentStaticRow:
		return 2
	case FragmentClusteringRow:
		return 3
	default:
		return 4
	}
}

// Fragment is one atomic unit of a reader stream. Which fields are set
// depends on Kind:
//
//	PartitionStart: Key, PartitionTombstone
//	StaticRow:      Row
//	ClusteringRow:  Clustering, Row
//	RangeTombstone: RT
//	PartitionEnd:   nothing
type Fragment struct {
	Kind               FragmentKind
	Key                DecoratedKey
	PartitionTombstone Tombstone
	Clustering         ClusteringKey
	Row                Row
	RT                 RangeTombstone
}

// NewPartitionStart opens a partition.
func NewPartitionStart(key DecoratedKey, tomb Tombstone) *Fragment {
	return &Fragment{Kind: FragmentPartitionStart, Key: key, PartitionTombstone: tomb}
}

// NewStaticRow carries the partition's static cells.
func NewStaticRow(row Row) *Fragment {
	return &Fragment{Kind: FragmentStaticRow, Row: row}
}

// NewClusteringRow carries one clustered row.
func NewClusteringRow(ck ClusteringKey, row Row) *Fragment {
	return &Fragment{Kind: FragmentClusteringRow, Clustering: ck, Row: row}
}

// NewRangeTombstoneFragment carries one range tombstone.
func NewRangeTombstoneFragment(rt RangeTombstone) *Fragment {
	return &Fragment{Kind: FragmentRangeTombstone, RT: rt}
}

// NewPartitionEnd closes a partition.
func NewPartitionEnd() *Fragment {
	return &Fragment{Kind: FragmentPartitionEnd}
}

// Position places the fragment in the in-partition order. Range tombstones
// sort at their start bound.
func (f *Fragment) Position() PositionInPartition {
	switch f.Kind {
	case FragmentPartitionStart:
		return PartitionStartPosition()
	case FragmentStaticRow:
		return StaticRowPosition()
	case FragmentClusteringRow:
		return PositionAtKey(f.Clustering)
	case FragmentRangeTombstone:
		return f.RT.Start
	default:
		return PartitionEndPosition()
	}
}

// ComparePositionAndKind orders two fragments of the same partition:
// position first, kind rank as the tie-break.
func ComparePositionAndKind(s *Schema, a, b *Fragment) int {
	if c := s.ComparePositions(a.Position(), b.Position()); c != 0 {
		return c
	}
	return cmpInt(kindRank(a.Kind), kindRank(b.Kind))
}

func (f *Fragment) String() string {
	switch f.Kind {
	case FragmentPartitionStart:
		return fmt.Sprintf("partition_start(%q)", f.Key.Key)
	case FragmentClusteringRow:
		return fmt.Sprintf("clustering_row(%v)", f.Clustering)
	default:
		return f.Kind.String()
	}
}
