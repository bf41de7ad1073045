package reader

import (
	"container/heap"
	"context"
	goerrors "errors"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/flynnfc/mithrildb/internal/mutation"
)

// readerEntry tracks one reader owned by a combined reader together with its
// peeked head fragment. Entries never mutate in place while on the heap:
// they are popped, advanced, and re-inserted.
type readerEntry struct {
	reader FragmentReader
	seq    int
	key    mutation.DecoratedKey
	head   *mutation.Fragment
	done   bool
	fresh  bool
}

// entryHeap is a min-heap over between-partition entries, keyed by the
// decorated key of each entry's head partition. seq keeps ordering fully
// deterministic.
type entryHeap struct {
	entries []*readerEntry
}

func (h *entryHeap) Len() int { return len(h.entries) }

func (h *entryHeap) Less(i, j int) bool {
	if c := h.entries[i].key.Compare(h.entries[j].key); c != 0 {
		return c < 0
	}
	return h.entries[i].seq < h.entries[j].seq
}

func (h *entryHeap) Swap(i, j int) { h.entries[i], h.entries[j] = h.entries[j], h.entries[i] }

func (h *entryHeap) Push(x any) { h.entries = append(h.entries, x.(*readerEntry)) }

func (h *entryHeap) Pop() any {
	n := len(h.entries)
	e := h.entries[n-1]
	h.entries[n-1] = nil
	h.entries = h.entries[:n-1]
	return e
}

// Combined heap-merges the readers produced by a selector into a single
// ordered fragment stream with conflict resolution, range-tombstone
// coalescing and both fast-forward protocols.
type Combined struct {
	base
	selector ReaderSelector
	smFwd    bool
	mrFwd    bool

	h        entryHeap
	toRefill []*readerEntry
	parked   []*readerEntry

	cur    []*readerEntry
	curKey *mutation.DecoratedKey
	splice bool
	acc    *tombstoneAccumulator

	started bool
	nextSeq int
	lastKey *mutation.DecoratedKey
	lastFF  *mutation.RingPosition
	lastPos *mutation.PositionInPartition
}

// NewCombined builds a combined reader fed by selector. The forwarding flags
// must match those of every reader the selector will produce.
func NewCombined(s *mutation.Schema, selector ReaderSelector, smFwd, mrFwd bool) *Combined {
	return &Combined{base: newBase(s), selector: selector, smFwd: smFwd, mrFwd: mrFwd}
}

// Combine merges an eagerly built list of readers.
func Combine(s *mutation.Schema, smFwd, mrFwd bool, readers ...FragmentReader) *Combined {
	return NewCombined(s, NewListSelector(readers), smFwd, mrFwd)
}

func (c *Combined) addReaders(rs []FragmentReader) {
	for _, r := range rs {
		c.toRefill = append(c.toRefill, &readerEntry{reader: r, seq: c.nextSeq, fresh: true})
		c.nextSeq++
	}
}

func (c *Combined) FillBuffer(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for !c.bufferFull() && !c.eos {
		if c.curKey == nil {
			if err := c.prepareNext(ctx); err != nil {
				return err
			}
			if c.curKey == nil {
				c.eos = true
				return nil
			}
			c.beginPartition()
			continue
		}
		if err := c.mergeStep(ctx); err != nil {
			return err
		}
	}
	return nil
}

// refill tops up every reader waiting for a new peek, in parallel, then
// either re-inserts it into the heap or parks/drops it on end-of-stream.
func (c *Combined) refill(ctx context.Context) error {
	if len(c.toRefill) == 0 {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, e := range c.toRefill {
		if e.reader.IsBufferEmpty() && !e.reader.IsEndOfStream() {
			e := e
			g.Go(func() error { return e.reader.FillBuffer(gctx) })
		}
	}
	if err := g.Wait(); err != nil {
		return err
	}
	entries := c.toRefill
	c.toRefill = nil
	for _, e := range entries {
		if e.reader.IsBufferEmpty() {
			if c.mrFwd {
				c.parked = append(c.parked, e)
			} else if err := e.reader.Close(); err != nil {
				return err
			}
			continue
		}
		f := e.reader.PopFragment()
		if f.Kind != mutation.FragmentPartitionStart {
			return errors.Wrapf(ErrProtocolMisuse, "reader emitted %s between partitions", f.Kind)
		}
		if e.fresh {
			if c.lastKey != nil && f.Key.Compare(*c.lastKey) <= 0 {
				return errors.Wrap(ErrProtocolMisuse, "selector produced a reader behind the merge cursor")
			}
			e.fresh = false
		}
		e.key = f.Key
		e.head = f
		e.done = false
		heap.Push(&c.h, e)
	}
	return nil
}

// prepareNext refills pending readers, reaches a fixpoint with the selector
// for the upcoming merge cursor, and gathers the set of readers positioned
// at the minimal decorated key.
func (c *Combined) prepareNext(ctx context.Context) error {
	if !c.started {
		c.started = true
		rs, err := c.selector.CreateNewReaders(ctx, nil)
		if err != nil {
			return err
		}
		c.addReaders(rs)
	}
	for {
		if err := c.refill(ctx); err != nil {
			return err
		}
		if c.h.Len() == 0 {
			if !c.selector.HasNewReaders(nil) {
				return nil
			}
			rs, err := c.selector.CreateNewReaders(ctx, nil)
			if err != nil {
				return err
			}
			if len(rs) == 0 {
				return nil
			}
			c.addReaders(rs)
			continue
		}
		minTok := c.h.entries[0].key.Token
		if !c.selector.HasNewReaders(&minTok) {
			break
		}
		rs, err := c.selector.CreateNewReaders(ctx, &minTok)
		if err != nil {
			return err
		}
		if len(rs) == 0 {
			break
		}
		c.addReaders(rs)
	}

	top := heap.Pop(&c.h).(*readerEntry)
	key := top.key
	c.cur = append(c.cur, top)
	for c.h.Len() > 0 && c.h.entries[0].key.Equal(key) {
		c.cur = append(c.cur, heap.Pop(&c.h).(*readerEntry))
	}
	c.curKey = &key
	c.splice = len(c.cur) == 1 && !c.smFwd && !c.selector.HasNewReaders(&key.Token)
	return nil
}

// beginPartition emits the partition start synthesised as the tombstone join
// of all readers opening this partition.
func (c *Combined) beginPartition() {
	var tomb mutation.Tombstone
	for _, e := range c.cur {
		tomb = tomb.Apply(e.head.PartitionTombstone)
		e.head = nil
		e.done = false
	}
	c.push(mutation.NewPartitionStart(*c.curKey, tomb))
	c.lastKey = c.curKey
	c.lastPos = nil
	c.acc = newTombstoneAccumulator(c.schema, c.push)
}

// mergeStep advances the within-partition merge by one event: it tops up
// reader heads, then emits the minimal-position fragment (reconciling rows,
// merging static rows, folding range tombstones through the accumulator),
// or closes the partition once every reader reached its end.
func (c *Combined) mergeStep(ctx context.Context) error {
	allDone := true
	anyHead := false
	for _, e := range c.cur {
		if !e.done && e.head == nil {
			if err := c.advanceHead(ctx, e); err != nil {
				return err
			}
		}
		if !e.done {
			allDone = false
		}
		if e.head != nil {
			anyHead = true
		}
	}

	if allDone {
		c.closePartition()
		return nil
	}
	if !anyHead {
		// Remaining readers are dormant: end-of-stream inside the current
		// position window. Only position forwarding can wake them.
		c.eos = true
		return nil
	}

	var best *readerEntry
	for _, e := range c.cur {
		if e.head == nil {
			continue
		}
		if best == nil || mutation.ComparePositionAndKind(c.schema, e.head, best.head) < 0 {
			best = e
		}
	}

	if c.splice {
		c.push(best.head)
		best.head = nil
		return nil
	}

	switch best.head.Kind {
	case mutation.FragmentStaticRow:
		row := mutation.Row{}
		for _, e := range c.cur {
			if e.head != nil && e.head.Kind == mutation.FragmentStaticRow {
				row = row.Apply(e.head.Row)
				e.head = nil
			}
		}
		c.push(mutation.NewStaticRow(row))
	case mutation.FragmentRangeTombstone:
		rt := best.head.RT
		best.head = nil
		c.acc.add(rt)
	case mutation.FragmentClusteringRow:
		ck := best.head.Clustering
		row := mutation.Row{}
		for _, e := range c.cur {
			if e.head != nil && e.head.Kind == mutation.FragmentClusteringRow &&
				c.schema.CompareClustering(e.head.Clustering, ck) == 0 {
				row = row.Apply(e.head.Row)
				e.head = nil
			}
		}
		c.acc.coverRow(ck)
		c.push(mutation.NewClusteringRow(ck, row))
	default:
		return errors.Wrapf(ErrProtocolMisuse, "unexpected %s inside a partition", best.head.Kind)
	}
	return nil
}

// advanceHead establishes the next head of e, consuming its partition end.
func (c *Combined) advanceHead(ctx context.Context, e *readerEntry) error {
	for e.head == nil && !e.done {
		if e.reader.IsBufferEmpty() {
			if e.reader.IsEndOfStream() {
				return nil
			}
			if err := e.reader.FillBuffer(ctx); err != nil {
				return err
			}
			if e.reader.IsBufferEmpty() {
				return nil
			}
		}
		f := e.reader.PopFragment()
		if f.Kind == mutation.FragmentPartitionEnd {
			e.done = true
			return nil
		}
		e.head = f
	}
	return nil
}

func (c *Combined) closePartition() {
	c.acc.flush()
	c.push(mutation.NewPartitionEnd())
	c.toRefill = append(c.toRefill, c.cur...)
	c.cur = nil
	c.curKey = nil
	c.acc = nil
	c.splice = false
}

func (c *Combined) NextPartition() {
	if sawNext := c.clearBufferToNextPartition(); !sawNext && c.curKey != nil {
		for _, e := range c.cur {
			e.head = nil
			e.done = false
			e.reader.NextPartition()
			c.toRefill = append(c.toRefill, e)
		}
		c.cur = nil
		c.curKey = nil
		c.acc = nil
		c.splice = false
	}
	c.eos = false
}

func (c *Combined) FastForwardTo(ctx context.Context, pr mutation.PartitionRange) error {
	if !c.mrFwd {
		return errors.Wrap(ErrProtocolMisuse, "fast-forward on a non-forwarding combined reader")
	}
	start := pr.StartPosition()
	if c.lastFF != nil && start.Compare(*c.lastFF) < 0 {
		return errors.Wrap(ErrProtocolMisuse, "fast-forward moved backwards")
	}
	c.lastFF = &start

	var all []*readerEntry
	all = append(all, c.h.entries...)
	all = append(all, c.cur...)
	all = append(all, c.toRefill...)
	all = append(all, c.parked...)
	c.h.entries = nil
	c.cur = nil
	c.parked = nil
	c.toRefill = nil
	c.curKey = nil
	c.acc = nil
	c.splice = false

	for _, e := range all {
		if err := e.reader.FastForwardTo(ctx, pr); err != nil {
			return err
		}
		e.head = nil
		e.done = false
		c.toRefill = append(c.toRefill, e)
	}

	rs, err := c.selector.FastForwardTo(ctx, pr)
	if err != nil {
		return err
	}
	c.addReaders(rs)

	c.clearBuffer()
	c.eos = false
	return nil
}

func (c *Combined) FastForwardToPosition(ctx context.Context, pr mutation.PositionRange) error {
	if !c.smFwd {
		return errors.Wrap(ErrProtocolMisuse, "position fast-forward on a non-forwarding combined reader")
	}
	if c.curKey == nil {
		return errors.Wrap(ErrProtocolMisuse, "position fast-forward outside a partition")
	}
	if c.lastPos != nil && c.schema.ComparePositions(pr.Start, *c.lastPos) < 0 {
		return errors.Wrap(ErrProtocolMisuse, "position fast-forward moved backwards")
	}
	start := pr.Start
	c.lastPos = &start

	for _, e := range c.cur {
		if err := e.reader.FastForwardToPosition(ctx, pr); err != nil {
			return err
		}
		e.head = trimHead(c.schema, e.head, pr.Start)
	}
	c.forwardBufferTo(pr.Start)
	c.acc = newTombstoneAccumulator(c.schema, c.push)
	c.eos = false
	return nil
}

// trimHead drops or trims an already peeked head that fell behind the new
// position window.
func trimHead(s *mutation.Schema, f *mutation.Fragment, pos mutation.PositionInPartition) *mutation.Fragment {
	if f == nil {
		return nil
	}
	if f.Kind == mutation.FragmentRangeTombstone {
		if s.ComparePositions(f.RT.End, pos) < 0 {
			return nil
		}
		if s.ComparePositions(f.RT.Start, pos) < 0 {
			f.RT.Start = pos
		}
		return f
	}
	if f.Kind == mutation.FragmentClusteringRow && s.ComparePositions(f.Position(), pos) < 0 {
		return nil
	}
	return f
}

func (c *Combined) Close() error {
	var errs []error
	closeAll := func(entries []*readerEntry) {
		for _, e := range entries {
			if err := e.reader.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	closeAll(c.h.entries)
	closeAll(c.cur)
	closeAll(c.toRefill)
	closeAll(c.parked)
	c.h.entries = nil
	c.cur = nil
	c.toRefill = nil
	c.parked = nil
	return goerrors.Join(errs...)
}
