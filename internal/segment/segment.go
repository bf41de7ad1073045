// Package segment stores flushed partitions as sorted, per-partition
// compressed runs on disk. Segments are immutable once written; reads go
// through tracked files so that every block buffer is charged to the
// reading permit.
package segment

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/google/uuid"
	"github.com/klauspost/compress/s2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/flynnfc/mithrildb/internal/mutation"
)

const footerMagic = uint64(0x6d697468e5e66d74)

type indexEntry struct {
	key    mutation.DecoratedKey
	offset int64
	length int64
}

// Segment is one immutable sorted run of partitions.
type Segment struct {
	path   string
	index  []indexEntry
	filter *bloom.BloomFilter
	logger *zap.Logger
}

// Write flushes mutations into a new segment file under dir. Partitions are
// written in ring order, one s2-compressed block each, followed by the
// partition index and a bloom filter over partition keys.
func Write(dir string, muts []*mutation.Mutation, logger *zap.Logger) (*Segment, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(muts) == 0 {
		return nil, errors.New("segment: nothing to write")
	}
	sorted := append([]*mutation.Mutation(nil), muts...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Key.Compare(sorted[j].Key) < 0
	})

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "segment: creating directory")
	}
	path := filepath.Join(dir, fmt.Sprintf("segment-%s.seg", uuid.NewString()))
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrap(err, "segment: creating file")
	}
	defer f.Close()

	filter := bloom.NewWithEstimates(uint(len(sorted)), 0.01)

	var index []indexEntry
	var off int64
	for _, m := range sorted {
		block := s2.Encode(nil, encodePartition(m))
		n, err := f.WriteAt(block, off)
		if err != nil {
			return nil, errors.Wrap(err, "segment: writing block")
		}
		index = append(index, indexEntry{key: m.Key, offset: off, length: int64(n)})
		filter.Add(m.Key.Key)
		off += int64(n)
	}

	var tail bytes.Buffer
	indexOff := off
	writeUint32(&tail, uint32(len(index)))
	for _, e := range index {
		writeInt64(&tail, int64(e.key.Token))
		writeBytesPrefixed(&tail, e.key.Key)
		writeInt64(&tail, e.offset)
		writeInt64(&tail, e.length)
	}
	bloomOff := indexOff + int64(tail.Len())
	if _, err := filter.WriteTo(&tail); err != nil {
		return nil, errors.Wrap(err, "segment: encoding bloom filter")
	}
	writeInt64(&tail, indexOff)
	writeInt64(&tail, bloomOff)
	writeInt64(&tail, int64(footerMagic))
	if _, err := f.WriteAt(tail.Bytes(), indexOff); err != nil {
		return nil, errors.Wrap(err, "segment: writing index")
	}
	if err := f.Sync(); err != nil {
		return nil, errors.Wrap(err, "segment: sync")
	}

	logger.Info("segment written",
		zap.String("path", path),
		zap.Int("partitions", len(index)),
		zap.Int64("bytes", indexOff+int64(tail.Len())))

	return &Segment{path: path, index: index, filter: filter, logger: logger}, nil
}

// Load opens an existing segment file and reads its index and bloom filter.
func Load(path string, logger *zap.Logger) (*Segment, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "segment: opening file")
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, errors.Wrap(err, "segment: stat")
	}
	if st.Size() < 24 {
		return nil, errors.Errorf("segment: %s truncated", path)
	}
	footer := make([]byte, 24)
	if _, err := f.ReadAt(footer, st.Size()-24); err != nil {
		return nil, errors.Wrap(err, "segment: reading footer")
	}
	indexOff := int64(binary.BigEndian.Uint64(footer[0:]))
	bloomOff := int64(binary.BigEndian.Uint64(footer[8:]))
	if binary.BigEndian.Uint64(footer[16:]) != footerMagic {
		return nil, errors.Errorf("segment: %s has a bad footer", path)
	}

	tail := make([]byte, st.Size()-24-indexOff)
	if _, err := f.ReadAt(tail, indexOff); err != nil {
		return nil, errors.Wrap(err, "segment: reading index")
	}
	d := &decoder{buf: tail}
	n, err := d.uint32()
	if err != nil {
		return nil, errors.Wrap(err, "segment: index count")
	}
	index := make([]indexEntry, 0, n)
	for i := uint32(0); i < n; i++ {
		tok, err := d.int64()
		if err != nil {
			return nil, errors.Wrap(err, "segment: index token")
		}
		key, err := d.bytesPrefixed()
		if err != nil {
			return nil, errors.Wrap(err, "segment: index key")
		}
		off, err := d.int64()
		if err != nil {
			return nil, errors.Wrap(err, "segment: index offset")
		}
		length, err := d.int64()
		if err != nil {
			return nil, errors.Wrap(err, "segment: index length")
		}
		index = append(index, indexEntry{
			key:    mutation.DecoratedKey{Token: mutation.Token(tok), Key: key},
			offset: off,
			length: length,
		})
	}

	filter := &bloom.BloomFilter{}
	if _, err := filter.ReadFrom(bytes.NewReader(tail[bloomOff-indexOff:])); err != nil {
		return nil, errors.Wrap(err, "segment: reading bloom filter")
	}

	return &Segment{path: path, index: index, filter: filter, logger: logger}, nil
}

// Path returns the backing file path.
func (sg *Segment) Path() string { return sg.path }

// Partitions returns the number of partitions in the segment.
func (sg *Segment) Partitions() int { return len(sg.index) }

// First returns the lowest decorated key in the segment.
func (sg *Segment) First() mutation.DecoratedKey { return sg.index[0].key }

// Last returns the highest decorated key in the segment.
func (sg *Segment) Last() mutation.DecoratedKey { return sg.index[len(sg.index)-1].key }

// MayContain consults the bloom filter for a partition key.
func (sg *Segment) MayContain(pk []byte) bool { return sg.filter.Test(pk) }
