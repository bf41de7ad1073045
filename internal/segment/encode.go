package segment

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/flynnfc/mithrildb/internal/mutation"
)

// The on-disk payload of one partition. Everything is big-endian with
// length-prefixed byte strings, so that encodings are deterministic and
// self-delimiting.

func writeBytesPrefixed(w *bytes.Buffer, b []byte) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(b)))
	w.Write(n[:])
	w.Write(b)
}

func writeUint32(w *bytes.Buffer, v uint32) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], v)
	w.Write(n[:])
}

func writeInt64(w *bytes.Buffer, v int64) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(v))
	w.Write(n[:])
}

type decoder struct {
	buf []byte
	off int
}

func (d *decoder) bytesPrefixed() ([]byte, error) {
	n, err := d.uint32()
	if err != nil {
		return nil, err
	}
	if d.off+int(n) > len(d.buf) {
		return nil, io.ErrUnexpectedEOF
	}
	out := append([]byte(nil), d.buf[d.off:d.off+int(n)]...)
	d.off += int(n)
	return out, nil
}

func (d *decoder) uint32() (uint32, error) {
	if d.off+4 > len(d.buf) {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.BigEndian.Uint32(d.buf[d.off:])
	d.off += 4
	return v, nil
}

func (d *decoder) int64() (int64, error) {
	if d.off+8 > len(d.buf) {
		return 0, io.ErrUnexpectedEOF
	}
	v := int64(binary.BigEndian.Uint64(d.buf[d.off:]))
	d.off += 8
	return v, nil
}

func (d *decoder) byte() (byte, error) {
	if d.off >= len(d.buf) {
		return 0, io.ErrUnexpectedEOF
	}
	b := d.buf[d.off]
	d.off++
	return b, nil
}

func encodeRow(w *bytes.Buffer, row mutation.Row) {
	names := row.Columns()
	writeUint32(w, uint32(len(names)))
	for _, name := range names {
		cell := row[name]
		writeBytesPrefixed(w, []byte(name))
		writeBytesPrefixed(w, cell.Value)
		writeInt64(w, cell.Timestamp)
		writeInt64(w, cell.TTL)
		writeInt64(w, cell.DeletionTime)
		if cell.Tombstoned {
			w.WriteByte(1)
		} else {
			w.WriteByte(0)
		}
	}
}

func decodeRow(d *decoder) (mutation.Row, error) {
	n, err := d.uint32()
	if err != nil {
		return nil, err
	}
	row := mutation.Row{}
	for i := uint32(0); i < n; i++ {
		name, err := d.bytesPrefixed()
		if err != nil {
			return nil, err
		}
		value, err := d.bytesPrefixed()
		if err != nil {
			return nil, err
		}
		ts, err := d.int64()
		if err != nil {
			return nil, err
		}
		ttl, err := d.int64()
		if err != nil {
			return nil, err
		}
		dt, err := d.int64()
		if err != nil {
			return nil, err
		}
		tomb, err := d.byte()
		if err != nil {
			return nil, err
		}
		row[string(name)] = mutation.Cell{
			Value: value, Timestamp: ts, TTL: ttl, DeletionTime: dt, Tombstoned: tomb == 1,
		}
	}
	return row, nil
}

func encodeClustering(w *bytes.Buffer, ck mutation.ClusteringKey) {
	writeUint32(w, uint32(len(ck)))
	for _, c := range ck {
		writeBytesPrefixed(w, c)
	}
}

func decodeClustering(d *decoder) (mutation.ClusteringKey, error) {
	n, err := d.uint32()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return mutation.ClusteringKey{}, nil
	}
	ck := make(mutation.ClusteringKey, 0, n)
	for i := uint32(0); i < n; i++ {
		c, err := d.bytesPrefixed()
		if err != nil {
			return nil, err
		}
		ck = append(ck, c)
	}
	return ck, nil
}

func encodePosition(w *bytes.Buffer, p mutation.PositionInPartition) {
	w.WriteByte(byte(p.Region))
	w.WriteByte(byte(int8(p.Weight)))
	if p.Key == nil {
		w.WriteByte(0)
		return
	}
	w.WriteByte(1)
	encodeClustering(w, p.Key)
}

func decodePosition(d *decoder) (mutation.PositionInPartition, error) {
	var p mutation.PositionInPartition
	region, err := d.byte()
	if err != nil {
		return p, err
	}
	weight, err := d.byte()
	if err != nil {
		return p, err
	}
	hasKey, err := d.byte()
	if err != nil {
		return p, err
	}
	p.Region = mutation.Region(region)
	p.Weight = int(int8(weight))
	if hasKey == 1 {
		if p.Key, err = decodeClustering(d); err != nil {
			return p, err
		}
	}
	return p, nil
}

// encodePartition renders one mutation as a block payload.
func encodePartition(m *mutation.Mutation) []byte {
	var w bytes.Buffer
	writeInt64(&w, m.PartitionTombstone.Timestamp)
	writeInt64(&w, m.PartitionTombstone.DeletionTime)
	if m.Static != nil {
		w.WriteByte(1)
		encodeRow(&w, m.Static)
	} else {
		w.WriteByte(0)
	}
	writeUint32(&w, uint32(len(m.Rows)))
	for _, entry := range m.Rows {
		encodeClustering(&w, entry.Key)
		encodeRow(&w, entry.Row)
	}
	writeUint32(&w, uint32(len(m.RangeTombstones)))
	for _, rt := range m.RangeTombstones {
		encodePosition(&w, rt.Start)
		encodePosition(&w, rt.End)
		writeInt64(&w, rt.Timestamp)
		writeInt64(&w, rt.DeletionTime)
	}
	return w.Bytes()
}

// decodePartition rebuilds a mutation from a block payload.
func decodePartition(s *mutation.Schema, dk mutation.DecoratedKey, payload []byte) (*mutation.Mutation, error) {
	d := &decoder{buf: payload}
	m := mutation.NewMutationWithKey(s, dk)

	ts, err := d.int64()
	if err != nil {
		return nil, errors.Wrap(err, "segment: partition tombstone")
	}
	dt, err := d.int64()
	if err != nil {
		return nil, errors.Wrap(err, "segment: partition tombstone")
	}
	m.PartitionTombstone = mutation.Tombstone{Timestamp: ts, DeletionTime: dt}

	hasStatic, err := d.byte()
	if err != nil {
		return nil, errors.Wrap(err, "segment: static row")
	}
	if hasStatic == 1 {
		if m.Static, err = decodeRow(d); err != nil {
			return nil, errors.Wrap(err, "segment: static row")
		}
	}

	nRows, err := d.uint32()
	if err != nil {
		return nil, errors.Wrap(err, "segment: row count")
	}
	for i := uint32(0); i < nRows; i++ {
		ck, err := decodeClustering(d)
		if err != nil {
			return nil, errors.Wrap(err, "segment: clustering key")
		}
		row, err := decodeRow(d)
		if err != nil {
			return nil, errors.Wrap(err, "segment: row")
		}
		m.Rows = append(m.Rows, mutation.RowEntry{Key: ck, Row: row})
	}

	nRTs, err := d.uint32()
	if err != nil {
		return nil, errors.Wrap(err, "segment: tombstone count")
	}
	for i := uint32(0); i < nRTs; i++ {
		start, err := decodePosition(d)
		if err != nil {
			return nil, errors.Wrap(err, "segment: tombstone start")
		}
		end, err := decodePosition(d)
		if err != nil {
			return nil, errors.Wrap(err, "segment: tombstone end")
		}
		ts, err := d.int64()
		if err != nil {
			return nil, errors.Wrap(err, "segment: tombstone")
		}
		dt, err := d.int64()
		if err != nil {
			return nil, errors.Wrap(err, "segment: tombstone")
		}
		m.RangeTombstones = append(m.RangeTombstones, mutation.RangeTombstone{
			Start: start, End: end,
			Tombstone: mutation.Tombstone{Timestamp: ts, DeletionTime: dt},
		})
	}
	return m, nil
}
