package msgstore

import (
	"path/filepath"
	"testing"
	"time"
)

func TestLogOpenEmptyThenAppendAndReplay(t *testing.T) {
	dir := t.TempDir()

	l, snap, err := OpenLog(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Msgs) != 0 || len(snap.Expunges) != 0 {
		t.Fatalf("expected empty snapshot, got %+v", snap)
	}

	if err := l.SetUIDValidities(100, 1); err != nil {
		t.Fatal(err)
	}
	if err := l.SetHimodseqUp(5); err != nil {
		t.Fatal(err)
	}

	m := &Msg{
		Key:          MsgKey{UIDUp: 7},
		UIDDn:        1,
		State:        Filled,
		InternalDate: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Flags:        Flags{Seen: true},
		Mod:          Mod{ModSeq: 6},
	}
	if err := l.UpdateMsg(m); err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	l2, snap2, err := OpenLog(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer l2.Close()

	up, dn := l2.UIDValidities()
	if up != 100 || dn != 1 {
		t.Errorf("uidvalidities = %d, %d, want 100, 1", up, dn)
	}
	if l2.HimodseqUp() != 5 {
		t.Errorf("himodseq_up = %d, want 5", l2.HimodseqUp())
	}
	got, ok := snap2.Msgs[MsgKey{UIDUp: 7}]
	if !ok {
		t.Fatal("replayed snapshot missing msg")
	}
	if got.UIDDn != 1 || got.Mod.ModSeq != 6 || !got.Flags.Seen {
		t.Errorf("replayed msg mismatch: %+v", got)
	}
	if snap2.HimodseqDn != 6 {
		t.Errorf("himodseq_dn = %d, want 6", snap2.HimodseqDn)
	}
}

func TestLogCompactionDropsTombstonesAndIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	l, _, err := OpenLog(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	key := MsgKey{UIDUp: 1}
	// Force many superseding writes to the same key, well past the
	// 1000-line / 75%-updates compaction threshold.
	for i := 0; i < 1100; i++ {
		m := &Msg{
			Key:          key,
			UIDDn:        1,
			State:        Filled,
			InternalDate: time.Unix(int64(i), 0).UTC(),
			Mod:          Mod{ModSeq: uint64(i + 1)},
		}
		if err := l.UpdateMsg(m); err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
	}

	// After heavy compaction, the file should hold far fewer lines than
	// were written, since all 1100 writes supersede the same key.
	if l.lines >= 1100 {
		t.Errorf("expected compaction to shrink lines, got %d", l.lines)
	}

	// Reopen and confirm the final state survived compaction.
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
	l2, snap, err := OpenLog(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer l2.Close()
	got, ok := snap.Msgs[key]
	if !ok {
		t.Fatal("compacted snapshot missing msg")
	}
	if got.Mod.ModSeq != 1100 {
		t.Errorf("final modseq = %d, want 1100", got.Mod.ModSeq)
	}

	if _, err := filepath.Abs(dir); err != nil {
		t.Fatal(err)
	}
}

func TestMarkAndClearInvalid(t *testing.T) {
	dir := t.TempDir()
	ok, err := IsInvalid(dir)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected no .invalid marker initially")
	}
	if err := MarkInvalid(dir); err != nil {
		t.Fatal(err)
	}
	ok, err = IsInvalid(dir)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected .invalid marker to be present")
	}
	if err := ClearInvalid(dir); err != nil {
		t.Fatal(err)
	}
	ok, err = IsInvalid(dir)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected .invalid marker to be cleared")
	}
}
