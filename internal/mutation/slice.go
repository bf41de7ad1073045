package mutation

// ClusteringBound is one end of a clustering range. Nil bounds are open.
type ClusteringBound struct {
	Key       ClusteringKey
	Inclusive bool
}

// ClusteringRange is a range of clustering keys a caller cares about.
type ClusteringRange struct {
	Start *ClusteringBound
	End   *ClusteringBound
}

// PositionRange renders the clustering range as in-partition positions.
func (cr ClusteringRange) PositionRange() PositionRange {
	start := BeforeAllClusteredRows()
	if cr.Start != nil {
		if cr.Start.Inclusive {
			start = PositionBeforeKey(cr.Start.Key)
		} else {
			start = PositionAfterKey(cr.Start.Key)
		}
	}
	end := AfterAllClusteredRows()
	if cr.End != nil {
		if cr.End.Inclusive {
			end = PositionAfterKey(cr.End.Key)
		} else {
			end = PositionBeforeKey(cr.End.Key)
		}
	}
	return PositionRange{Start: start, End: end}
}

// Slice restricts what a reader must emit: the clustering ranges of interest
// and, optionally, a column selection. Fragments outside the slice may be
// elided by sources.
type Slice struct {
	Ranges  []ClusteringRange
	Columns []string
}

// FullSlice selects every row and every column.
func FullSlice() *Slice {
	return &Slice{}
}

// SingleRange selects one clustering range and every column.
func SingleRange(cr ClusteringRange) *Slice {
	return &Slice{Ranges: []ClusteringRange{cr}}
}

// PositionRanges renders the slice's clustering ranges as position ranges.
// An empty range list selects all clustered rows.
func (sl *Slice) PositionRanges() []PositionRange {
	if len(sl.Ranges) == 0 {
		return []PositionRange{AllClusteredRows()}
	}
	out := make([]PositionRange, len(sl.Ranges))
	for i, cr := range sl.Ranges {
		out[i] = cr.PositionRange()
	}
	return out
}

// ContainsClustering reports whether ck falls inside any selected range.
func (sl *Slice) ContainsClustering(s *Schema, ck ClusteringKey) bool {
	if len(sl.Ranges) == 0 {
		return true
	}
	pos := PositionAtKey(ck)
	for _, pr := range sl.PositionRanges() {
		if s.ComparePositions(pr.Start, pos) <= 0 && s.ComparePositions(pos, pr.End) < 0 {
			return true
		}
	}
	return false
}

// SelectsColumn reports whether the slice includes the named column.
func (sl *Slice) SelectsColumn(name string) bool {
	if len(sl.Columns) == 0 {
		return true
	}
	for _, c := range sl.Columns {
		if c == name {
			return true
		}
	}
	return false
}
