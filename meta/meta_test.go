package meta

import (
	"errors"
	"testing"
)

func TestAdvanceTruncation(t *testing.T) {
	st := RaftLocalState{ReplicaID: 1}

	if err := st.AdvanceTruncation(EntryID{Index: 10, Term: 2}); err != nil {
		t.Fatalf("advance to 10 failed: %v", err)
	}
	if st.LastTruncated.Index != 10 {
		t.Errorf("expected boundary 10, got %d", st.LastTruncated.Index)
	}

	// Same index is allowed (re-persist after restart).
	if err := st.AdvanceTruncation(EntryID{Index: 10, Term: 3}); err != nil {
		t.Errorf("re-advance to same index failed: %v", err)
	}

	err := st.AdvanceTruncation(EntryID{Index: 9, Term: 3})
	if !errors.Is(err, ErrInvalidOrdering) {
		t.Errorf("expected ErrInvalidOrdering, got %v", err)
	}
	if st.LastTruncated.Index != 10 {
		t.Errorf("boundary changed on failed advance: %d", st.LastTruncated.Index)
	}
}

func TestIsCovered(t *testing.T) {
	st := RaftLocalState{ReplicaID: 1}
	if err := st.AdvanceTruncation(EntryID{Index: 100, Term: 3}); err != nil {
		t.Fatal(err)
	}

	if !st.IsCovered(EntryID{Index: 100, Term: 3}) {
		t.Error("index 100 should be covered")
	}
	if !st.IsCovered(EntryID{Index: 1, Term: 1}) {
		t.Error("index 1 should be covered")
	}
	if st.IsCovered(EntryID{Index: 101, Term: 3}) {
		t.Error("index 101 should not be covered")
	}
}

func TestShardDescContains(t *testing.T) {
	d := ShardDesc{ShardID: 1, Start: "a", End: "m"}

	cases := []struct {
		key  string
		want bool
	}{
		{"a", true},
		{"abc", true},
		{"lzz", true},
		{"m", false},
		{"z", false},
		{"", false},
	}
	for _, c := range cases {
		if got := d.Contains(c.key); got != c.want {
			t.Errorf("Contains(%q) = %v, want %v", c.key, got, c.want)
		}
	}

	unbounded := ShardDesc{ShardID: 2, Start: "m"}
	if !unbounded.Contains("zzz") {
		t.Error("unbounded range should contain zzz")
	}
	if unbounded.Contains("a") {
		t.Error("unbounded range should not contain a")
	}
}

func TestShardDescOverlaps(t *testing.T) {
	a := ShardDesc{ShardID: 1, Start: "a", End: "m"}
	b := ShardDesc{ShardID: 2, Start: "m", End: "z"}
	c := ShardDesc{ShardID: 3, Start: "k", End: "p"}
	open := ShardDesc{ShardID: 4, Start: "x"}

	if a.Overlaps(b) {
		t.Error("adjacent ranges should not overlap")
	}
	if !a.Overlaps(c) || !b.Overlaps(c) {
		t.Error("intersecting ranges should overlap")
	}
	if !open.Overlaps(b) {
		t.Error("unbounded range should overlap [m, z)")
	}
	if open.Overlaps(a) {
		t.Error("unbounded range above m should not overlap [a, m)")
	}
}
