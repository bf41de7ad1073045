package mutation

import (
	"fmt"
	"sort"
)

// RowEntry is one clustered row of a partition.
type RowEntry struct {
	Key ClusteringKey
	Row Row
}

// Mutation is the state of a single partition: a partition tombstone, an
// optional static row, clustered rows in clustering order, and range
// tombstones kept normalized (sorted, non-overlapping, maximal pieces).
type Mutation struct {
	Schema             *Schema
	Key                DecoratedKey
	PartitionTombstone Tombstone
	Static             Row
	Rows               []RowEntry
	RangeTombstones    []RangeTombstone
}

// NewMutation starts an empty mutation for the partition of key.
func NewMutation(s *Schema, key []byte) *Mutation {
	return &Mutation{Schema: s, Key: s.DecorateKey(key)}
}

// NewMutationWithKey starts an empty mutation for an already decorated key.
func NewMutationWithKey(s *Schema, dk DecoratedKey) *Mutation {
	return &Mutation{Schema: s, Key: dk}
}

// SetCell writes one regular cell into the row at ck.
func (m *Mutation) SetCell(ck ClusteringKey, column string, value []byte, ts int64) {
	row := m.rowFor(ck)
	row[column] = Reconcile(row[column], Cell{Value: value, Timestamp: ts})
}

// SetStaticCell writes one static cell.
func (m *Mutation) SetStaticCell(column string, value []byte, ts int64) {
	if m.Static == nil {
		m.Static = Row{}
	}
	m.Static[column] = Reconcile(m.Static[column], Cell{Value: value, Timestamp: ts})
}

// ApplyPartitionTombstone deletes the whole partition at ts.
func (m *Mutation) ApplyPartitionTombstone(t Tombstone) {
	m.PartitionTombstone = m.PartitionTombstone.Apply(t)
}

// DeleteRange applies a range tombstone over [start, end].
func (m *Mutation) DeleteRange(rt RangeTombstone) {
	m.RangeTombstones = normalizeRangeTombstones(m.Schema, append(m.RangeTombstones, rt))
}

func (m *Mutation) rowFor(ck ClusteringKey) Row {
	i := sort.Search(len(m.Rows), func(i int) bool {
		return m.Schema.CompareClustering(m.Rows[i].Key, ck) >= 0
	})
	if i < len(m.Rows) && m.Schema.CompareClustering(m.Rows[i].Key, ck) == 0 {
		return m.Rows[i].Row
	}
	entry := RowEntry{Key: ck, Row: Row{}}
	m.Rows = append(m.Rows, RowEntry{})
	copy(m.Rows[i+1:], m.Rows[i:])
	m.Rows[i] = entry
	return entry.Row
}

// Apply merges other into m cell-wise. Both mutations must address the same
// partition.
func (m *Mutation) Apply(other *Mutation) {
	if !m.Key.Equal(other.Key) {
		panic(fmt.Sprintf("mutation: applying partition %q onto %q", other.Key.Key, m.Key.Key))
	}
	m.PartitionTombstone = m.PartitionTombstone.Apply(other.PartitionTombstone)
	m.Static = m.Static.Apply(other.Static)
	for _, entry := range other.Rows {
		m.rowFor(entry.Key).Apply(entry.Row)
	}
	if len(other.RangeTombstones) > 0 {
		m.RangeTombstones = normalizeRangeTombstones(m.Schema,
			append(append([]RangeTombstone{}, m.RangeTombstones...), other.RangeTombstones...))
	}
}

// Clone deep-copies the mutation.
func (m *Mutation) Clone() *Mutation {
	out := &Mutation{
		Schema:             m.Schema,
		Key:                m.Key,
		PartitionTombstone: m.PartitionTombstone,
		Static:             m.Static.Clone(),
	}
	if m.Rows != nil {
		out.Rows = make([]RowEntry, len(m.Rows))
		for i, entry := range m.Rows {
			out.Rows[i] = RowEntry{Key: entry.Key, Row: entry.Row.Clone()}
		}
	}
	if m.RangeTombstones != nil {
		out.RangeTombstones = append(make([]RangeTombstone, 0, len(m.RangeTombstones)), m.RangeTombstones...)
	}
	return out
}

// TombstoneAt returns the strongest tombstone covering pos, including the
// partition tombstone.
func (m *Mutation) TombstoneAt(pos PositionInPartition) Tombstone {
	t := m.PartitionTombstone
	for _, rt := range m.RangeTombstones {
		if rt.Covers(m.Schema, pos) {
			t = t.Apply(rt.Tombstone)
		}
	}
	return t
}

// Compact drops rows and cells shadowed by tombstones. The result is what a
// reader of this partition would observe as live data.
func (m *Mutation) Compact() {
	if m.Static != nil {
		m.Static = compactRow(m.Static, m.PartitionTombstone)
	}
	rows := m.Rows[:0]
	for _, entry := range m.Rows {
		t := m.TombstoneAt(PositionAtKey(entry.Key))
		row := compactRow(entry.Row, t)
		if row != nil {
			rows = append(rows, RowEntry{Key: entry.Key, Row: row})
		}
	}
	m.Rows = rows
}

func compactRow(r Row, t Tombstone) Row {
	if !t.Defined() {
		if len(r) == 0 {
			return nil
		}
		return r
	}
	out := Row{}
	for name, cell := range r {
		if !t.ShadowsTimestamp(cell.Timestamp) {
			out[name] = cell
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Fragments renders the mutation as its canonical stream: partition start,
// optional static row, clustered fragments in position order, partition end.
func (m *Mutation) Fragments() []*Fragment {
	out := []*Fragment{NewPartitionStart(m.Key, m.PartitionTombstone)}
	if m.Static != nil {
		out = append(out, NewStaticRow(m.Static.Clone()))
	}
	out = append(out, m.ClusteredFragments(nil)...)
	return append(out, NewPartitionEnd())
}

// ClusteredFragments renders only the clustered region, optionally restricted
// to a slice. Rows and range tombstones are interleaved in position order;
// range tombstones that straddle a slice bound are trimmed to it.
func (m *Mutation) ClusteredFragments(slice *Slice) []*Fragment {
	var out []*Fragment
	rts := m.RangeTombstones
	if slice != nil {
		rts = trimRangeTombstones(m.Schema, rts, slice)
	}
	ri, ti := 0, 0
	for ri < len(m.Rows) || ti < len(rts) {
		if ri < len(m.Rows) && (slice != nil && !slice.ContainsClustering(m.Schema, m.Rows[ri].Key)) {
			ri++
			continue
		}
		emitRow := ti >= len(rts)
		if !emitRow && ri < len(m.Rows) {
			emitRow = m.Schema.ComparePositions(PositionAtKey(m.Rows[ri].Key), rts[ti].Start) < 0
		}
		if emitRow && ri >= len(m.Rows) {
			break
		}
		if emitRow {
			entry := m.Rows[ri]
			out = append(out, NewClusteringRow(entry.Key, entry.Row.Clone()))
			ri++
		} else {
			out = append(out, NewRangeTombstoneFragment(rts[ti]))
			ti++
		}
	}
	return out
}

// FromFragments collects one partition's fragment stream back into a
// Mutation. The stream must be exactly partition_start .. partition_end.
func FromFragments(s *Schema, frags []*Fragment) (*Mutation, error) {
	if len(frags) < 2 || frags[0].Kind != FragmentPartitionStart {
		return nil, fmt.Errorf("mutation: stream does not begin with partition_start")
	}
	if frags[len(frags)-1].Kind != FragmentPartitionEnd {
		return nil, fmt.Errorf("mutation: stream does not end with partition_end")
	}
	m := NewMutationWithKey(s, frags[0].Key)
	m.PartitionTombstone = frags[0].PartitionTombstone
	for _, f := range frags[1 : len(frags)-1] {
		if err := m.ApplyFragment(f); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ApplyFragment folds one in-partition fragment into the mutation.
func (m *Mutation) ApplyFragment(f *Fragment) error {
	switch f.Kind {
	case FragmentStaticRow:
		m.Static = m.Static.Apply(f.Row)
	case FragmentClusteringRow:
		m.rowFor(f.Clustering).Apply(f.Row)
	case FragmentRangeTombstone:
		m.DeleteRange(f.RT)
	case FragmentPartitionStart:
		m.PartitionTombstone = m.PartitionTombstone.Apply(f.PartitionTombstone)
	case FragmentPartitionEnd:
	default:
		return fmt.Errorf("mutation: unexpected fragment %s", f.Kind)
	}
	return nil
}

// normalizeRangeTombstones rewrites a set of possibly overlapping range
// tombstones into the canonical form: sorted by start, non-overlapping, each
// piece carrying the strongest tombstone covering it, adjacent pieces with
// equal tombstones merged.
func normalizeRangeTombstones(s *Schema, rts []RangeTombstone) []RangeTombstone {
	if len(rts) <= 1 {
		return rts
	}
	sort.SliceStable(rts, func(i, j int) bool {
		if c := s.ComparePositions(rts[i].Start, rts[j].Start); c != 0 {
			return c < 0
		}
		return s.ComparePositions(rts[i].End, rts[j].End) < 0
	})

	// Sweep over start/end boundaries keeping the active set.
	var out []RangeTombstone
	type active struct {
		end  PositionInPartition
		tomb Tombstone
	}
	var live []active
	var cur RangeTombstone
	open := false

	flushTo := func(end PositionInPartition) {
		if open && s.ComparePositions(cur.Start, end) < 0 {
			piece := cur
			piece.End = end
			out = append(out, piece)
			cur.Start = end
		}
	}
	strongest := func() (Tombstone, PositionInPartition, bool) {
		if len(live) == 0 {
			return Tombstone{}, PositionInPartition{}, false
		}
		t := live[0].tomb
		minEnd := live[0].end
		for _, a := range live[1:] {
			t = t.Apply(a.tomb)
			if s.ComparePositions(a.end, minEnd) < 0 {
				minEnd = a.end
			}
		}
		return t, minEnd, true
	}

	i := 0
	for i < len(rts) || len(live) > 0 {
		var nextStart *PositionInPartition
		if i < len(rts) {
			nextStart = &rts[i].Start
		}
		_, minEnd, ok := strongest()
		if ok && (nextStart == nil || s.ComparePositions(minEnd, *nextStart) < 0) {
			// An active tombstone expires before the next one starts.
			flushTo(minEnd)
			kept := live[:0]
			for _, a := range live {
				if s.ComparePositions(a.end, minEnd) > 0 {
					kept = append(kept, a)
				}
			}
			live = kept
			if t, _, ok := strongest(); ok {
				cur = RangeTombstone{Start: minEnd, End: minEnd, Tombstone: t}
				open = true
			} else {
				open = false
			}
			continue
		}
		rt := rts[i]
		i++
		flushTo(rt.Start)
		live = append(live, active{end: rt.End, tomb: rt.Tombstone})
		t, _, _ := strongest()
		if !open || t != cur.Tombstone {
			cur = RangeTombstone{Start: rt.Start, End: rt.End, Tombstone: t}
			open = true
		}
	}

	// Merge adjacent pieces with identical tombstones.
	merged := out[:0]
	for _, rt := range out {
		if n := len(merged); n > 0 &&
			merged[n-1].Tombstone == rt.Tombstone &&
			s.ComparePositions(merged[n-1].End, rt.Start) == 0 {
			merged[n-1].End = rt.End
			continue
		}
		merged = append(merged, rt)
	}
	return merged
}

func trimRangeTombstones(s *Schema, rts []RangeTombstone, slice *Slice) []RangeTombstone {
	var out []RangeTombstone
	for _, pr := range slice.PositionRanges() {
		for _, rt := range rts {
			if s.ComparePositions(rt.End, pr.Start) < 0 || s.ComparePositions(rt.Start, pr.End) >= 0 {
				continue
			}
			trimmed := rt
			if s.ComparePositions(trimmed.Start, pr.Start) < 0 {
				trimmed.Start = pr.Start
			}
			if s.ComparePositions(pr.End, trimmed.End) < 0 {
				trimmed.End = pr.End
			}
			out = append(out, trimmed)
		}
	}
	return normalizeRangeTombstones(s, out)
}
