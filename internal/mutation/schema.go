package mutation

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// ColumnKind says which part of the data model a column belongs to.
type ColumnKind int

const (
	PartitionKeyColumn ColumnKind = iota
	ClusteringColumn
	StaticColumn
	RegularColumn
)

// ColumnType compares serialized column values. Types are stateless and
// shared between schemas.
type ColumnType interface {
	Name() string
	Compare(a, b []byte) int
}

type bytesType struct{}

func (bytesType) Name() string            { return "bytes" }
func (bytesType) Compare(a, b []byte) int { return bytes.Compare(a, b) }

type int32Type struct{}

func (int32Type) Name() string { return "int32" }

func (int32Type) Compare(a, b []byte) int {
	av := int32(binary.BigEndian.Uint32(a))
	bv := int32(binary.BigEndian.Uint32(b))
	switch {
	case av < bv:
		return -1
	case av > bv:
		return 1
	default:
		return 0
	}
}

// The concrete column types. Text shares the bytes comparator.
var (
	BytesType ColumnType = bytesType{}
	TextType  ColumnType = bytesType{}
	Int32Type ColumnType = int32Type{}
)

// EncodeInt32 serializes v the way Int32Type expects it.
func EncodeInt32(v int32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(v))
	return b
}

// ColumnDef describes one column of a schema.
type ColumnDef struct {
	Name string
	Type ColumnType
	Kind ColumnKind
}

// Schema exposes the column layout, the clustering comparator and the
// partitioner for one table. Schemas are immutable once built; readers hold
// them for their whole lifetime.
type Schema struct {
	keyspace   string
	table      string
	partKey    ColumnDef
	clustering []ColumnDef
	static     []ColumnDef
	regular    []ColumnDef
}

// SchemaBuilder accumulates columns before freezing them into a Schema.
type SchemaBuilder struct {
	s   Schema
	err error
}

// NewSchemaBuilder starts a schema for keyspace.table.
func NewSchemaBuilder(keyspace, table string) *SchemaBuilder {
	return &SchemaBuilder{s: Schema{keyspace: keyspace, table: table}}
}

// WithColumn adds a column of the given kind.
func (b *SchemaBuilder) WithColumn(name string, typ ColumnType, kind ColumnKind) *SchemaBuilder {
	def := ColumnDef{Name: name, Type: typ, Kind: kind}
	switch kind {
	case PartitionKeyColumn:
		if b.s.partKey.Name != "" {
			b.err = fmt.Errorf("schema %s.%s: multiple partition key columns", b.s.keyspace, b.s.table)
			return b
		}
		b.s.partKey = def
	case ClusteringColumn:
		b.s.clustering = append(b.s.clustering, def)
	case StaticColumn:
		b.s.static = append(b.s.static, def)
	case RegularColumn:
		b.s.regular = append(b.s.regular, def)
	}
	return b
}

// Build freezes the schema.
func (b *SchemaBuilder) Build() (*Schema, error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.s.partKey.Name == "" {
		return nil, fmt.Errorf("schema %s.%s: no partition key column", b.s.keyspace, b.s.table)
	}
	s := b.s
	return &s, nil
}

// MustBuild is Build for schemas known statically to be valid.
func (b *SchemaBuilder) MustBuild() *Schema {
	s, err := b.Build()
	if err != nil {
		panic(err)
	}
	return s
}

func (s *Schema) Keyspace() string { return s.keyspace }
func (s *Schema) Table() string    { return s.table }

// ClusteringColumns returns the clustering column definitions in order.
func (s *Schema) ClusteringColumns() []ColumnDef { return s.clustering }

// DecorateKey runs the partitioner over raw partition-key bytes.
func (s *Schema) DecorateKey(key []byte) DecoratedKey {
	return DecoratedKey{Token: HashToken(key), Key: key}
}

// CompareClustering orders two clustering keys with the schema's column
// types. A key that is a strict prefix of another sorts before it.
func (s *Schema) CompareClustering(a, b ClusteringKey) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		typ := BytesType
		if i < len(s.clustering) {
			typ = s.clustering[i].Type
		}
		if c := typ.Compare(a[i], b[i]); c != 0 {
			return c
		}
	}
	return cmpInt(len(a), len(b))
}

// ComparePositions gives the total in-partition order of positions.
func (s *Schema) ComparePositions(a, b PositionInPartition) int {
	if a.Region != b.Region {
		return cmpInt(int(a.Region), int(b.Region))
	}
	if a.Region != RegionClustered {
		return 0
	}
	if a.Key == nil || b.Key == nil {
		if a.Key == nil && b.Key == nil {
			return cmpInt(a.Weight, b.Weight)
		}
		if a.Key == nil {
			if a.Weight < 0 {
				return -1
			}
			return 1
		}
		if b.Weight < 0 {
			return 1
		}
		return -1
	}
	if c := s.CompareClustering(a.Key, b.Key); c != 0 {
		return c
	}
	return cmpInt(a.Weight, b.Weight)
}
