package engine

import (
	"bytes"
	"context"
	"testing"

	"github.com/flynnfc/mithrildb/internal/config"
	"github.com/flynnfc/mithrildb/internal/mutation"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	s, err := mutation.NewSchemaBuilder("ks", "cf").
		WithColumn("pk", mutation.BytesType, mutation.PartitionKeyColumn).
		WithColumn("ck", mutation.TextType, mutation.ClusteringColumn).
		WithColumn("v", mutation.TextType, mutation.RegularColumn).
		Build()
	if err != nil {
		t.Fatalf("building schema: %v", err)
	}
	cfg := config.Default()
	cfg.SegmentDir = t.TempDir()
	cfg.FlushThreshold = 1 << 20
	return New(nil, cfg, s, nil)
}

func TestEngineReadMergesMemtableAndSegments(t *testing.T) {
	eng := testEngine(t)
	ctx := context.Background()

	ckey := mutation.ClusteringKey{[]byte("row")}
	if err := eng.Put([]byte("pk1"), ckey, "v", []byte("old")); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	// Push the first write to disk, then overwrite in the fresh memtable.
	if err := eng.Flush(); err != nil {
		t.Fatalf("flush failed: %v", err)
	}
	if err := eng.Put([]byte("pk1"), ckey, "v", []byte("new")); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	m, err := eng.ReadPartition(ctx, []byte("pk1"))
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if m == nil {
		t.Fatal("partition missing")
	}
	if len(m.Rows) != 1 {
		t.Fatalf("expected one row, got %d", len(m.Rows))
	}
	if got := m.Rows[0].Row["v"].Value; !bytes.Equal(got, []byte("new")) {
		t.Errorf("memtable write did not win over the segment: %q", got)
	}

	// The admission budget is whole once the read finished.
	avail := eng.Semaphore().Available()
	if avail.Count != config.Default().ReaderSemaphore.MaxCount {
		t.Errorf("reader slots leaked: %+v", avail)
	}
}

func TestEngineReadMissingPartition(t *testing.T) {
	eng := testEngine(t)
	m, err := eng.ReadPartition(context.Background(), []byte("absent"))
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if m != nil {
		t.Fatalf("expected no partition, got %q", m.Key.Key)
	}
}
