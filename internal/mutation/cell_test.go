package mutation

import (
	"bytes"
	"testing"
)

func TestReconcileTimestampWins(t *testing.T) {
	older := Cell{Value: []byte("v1"), Timestamp: 1}
	newer := Cell{Value: []byte("v2"), Timestamp: 2}

	if got := Reconcile(older, newer); !bytes.Equal(got.Value, []byte("v2")) {
		t.Errorf("expected newer cell to win, got %q", got.Value)
	}
	if got := Reconcile(newer, older); !bytes.Equal(got.Value, []byte("v2")) {
		t.Errorf("reconciliation is order dependent, got %q", got.Value)
	}
}

func TestReconcileTieBreaks(t *testing.T) {
	a := Cell{Value: []byte("aa"), Timestamp: 5}
	b := Cell{Value: []byte("bb"), Timestamp: 5}
	if got := Reconcile(a, b); !bytes.Equal(got.Value, []byte("bb")) {
		t.Errorf("value tie-break picked %q", got.Value)
	}

	// A tombstone beats a live cell at the same timestamp.
	dead := Cell{Timestamp: 5, DeletionTime: 7, Tombstoned: true}
	if got := Reconcile(a, dead); !got.Tombstoned {
		t.Error("tombstone lost an equal-timestamp tie")
	}
	if got := Reconcile(dead, a); !got.Tombstoned {
		t.Error("tombstone tie-break is order dependent")
	}

	// But a newer write resurrects.
	newer := Cell{Value: []byte("cc"), Timestamp: 6}
	if got := Reconcile(dead, newer); got.Tombstoned {
		t.Error("newer write lost to an older tombstone")
	}
}

func TestTombstoneSupersedes(t *testing.T) {
	if (Tombstone{}).Defined() {
		t.Error("zero tombstone claims to delete")
	}
	weak := Tombstone{Timestamp: 1, DeletionTime: 10}
	strong := Tombstone{Timestamp: 2, DeletionTime: 5}
	if !strong.Supersedes(weak) {
		t.Error("higher timestamp does not supersede")
	}
	// Equal timestamps resolve on deletion time.
	a := Tombstone{Timestamp: 2, DeletionTime: 5}
	b := Tombstone{Timestamp: 2, DeletionTime: 9}
	if !b.Supersedes(a) || a.Supersedes(b) {
		t.Error("equal-timestamp tombstones do not resolve on deletion time")
	}
	if got := a.Apply(b); got != b {
		t.Errorf("apply picked %+v", got)
	}

	if !strong.ShadowsTimestamp(2) {
		t.Error("tombstone does not shadow an equal-timestamp write")
	}
	if strong.ShadowsTimestamp(3) {
		t.Error("tombstone shadows a newer write")
	}
}

func TestRowApply(t *testing.T) {
	r1 := Row{
		"a": {Value: []byte("1"), Timestamp: 1},
		"b": {Value: []byte("2"), Timestamp: 2},
	}
	r2 := Row{
		"b": {Value: []byte("9"), Timestamp: 3},
		"c": {Value: []byte("3"), Timestamp: 1},
	}
	merged := r1.Apply(r2)
	if !bytes.Equal(merged["a"].Value, []byte("1")) {
		t.Errorf("column a corrupted: %q", merged["a"].Value)
	}
	if !bytes.Equal(merged["b"].Value, []byte("9")) {
		t.Errorf("column b did not take the newer write: %q", merged["b"].Value)
	}
	if !bytes.Equal(merged["c"].Value, []byte("3")) {
		t.Errorf("column c missing: %q", merged["c"].Value)
	}

	var nilRow Row
	if got := nilRow.Apply(r2); len(got) != 2 {
		t.Errorf("nil row apply produced %d columns", len(got))
	}
}
