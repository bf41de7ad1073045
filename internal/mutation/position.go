package mutation

// ClusteringKey orders rows within a partition. Components are compared with
// the schema's clustering column types.
type ClusteringKey [][]byte

// Region partitions the in-partition position space. Every fragment lives in
// exactly one region and regions are ordered the way fragments appear in a
// partition stream.
type Region int

const (
	RegionPartitionStart Region = iota
	RegionStatic
	RegionClustered
	RegionPartitionEnd
)

// PositionInPartition is the total order for in-partition fragments.
// Within the clustered region a nil Key with Weight -1 sits before all
// clustered rows and with Weight +1 after all of them; with a Key present,
// Weight -1/0/+1 means just-before/at/just-after that clustering key.
type PositionInPartition struct {
	Region Region
	Key    ClusteringKey
	Weight int
}

// PartitionStartPosition sits before everything in a partition.
func PartitionStartPosition() PositionInPartition {
	return PositionInPartition{Region: RegionPartitionStart}
}

// StaticRowPosition is the position of the static row.
func StaticRowPosition() PositionInPartition {
	return PositionInPartition{Region: RegionStatic}
}

// PartitionEndPosition sits after everything in a partition.
func PartitionEndPosition() PositionInPartition {
	return PositionInPartition{Region: RegionPartitionEnd}
}

// BeforeAllClusteredRows sits before the first clustered row.
func BeforeAllClusteredRows() PositionInPartition {
	return PositionInPartition{Region: RegionClustered, Weight: -1}
}

// AfterAllClusteredRows sits after the last clustered row.
func AfterAllClusteredRows() PositionInPartition {
	return PositionInPartition{Region: RegionClustered, Weight: 1}
}

// PositionBeforeKey sits immediately before ck.
func PositionBeforeKey(ck ClusteringKey) PositionInPartition {
	return PositionInPartition{Region: RegionClustered, Key: ck, Weight: -1}
}

// PositionAtKey is the position of the row with key ck.
func PositionAtKey(ck ClusteringKey) PositionInPartition {
	return PositionInPartition{Region: RegionClustered, Key: ck, Weight: 0}
}

// PositionAfterKey sits immediately after ck.
func PositionAfterKey(ck ClusteringKey) PositionInPartition {
	return PositionInPartition{Region: RegionClustered, Key: ck, Weight: 1}
}

// HasClusteringKey reports whether the position names a concrete row key.
func (p PositionInPartition) HasClusteringKey() bool {
	return p.Region == RegionClustered && p.Key != nil
}

// PositionRange is a half-open [Start, End) range of in-partition positions.
type PositionRange struct {
	Start PositionInPartition
	End   PositionInPartition
}

// AllClusteredRows covers every clustered row of a partition.
func AllClusteredRows() PositionRange {
	return PositionRange{Start: BeforeAllClusteredRows(), End: AfterAllClusteredRows()}
}
