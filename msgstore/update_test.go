package msgstore

import "testing"

func TestGatherDropsMetaWhenNewPresent(t *testing.T) {
	g := NewGather()
	g.Add(Update{Kind: UpdateNew, Msg: Msg{UIDDn: 1}})
	g.Add(Update{Kind: UpdateMeta, Msg: Msg{UIDDn: 1, Flags: Flags{Seen: true}}})

	if len(g.MetaBatch()) != 0 {
		t.Errorf("expected META dropped when NEW present, got %v", g.MetaBatch())
	}
	if len(g.NewBatch()) != 1 {
		t.Errorf("expected 1 NEW entry, got %v", g.NewBatch())
	}
}

func TestGatherDropsNewAndMetaWhenExpunged(t *testing.T) {
	g := NewGather()
	g.Add(Update{Kind: UpdateNew, Msg: Msg{UIDDn: 2}})
	g.Add(Update{Kind: UpdateExpungeKind, Expunge: Expunge{UIDDn: 2}})

	if len(g.NewBatch()) != 0 {
		t.Errorf("expected NEW dropped once expunged, got %v", g.NewBatch())
	}

	g2 := NewGather()
	g2.Add(Update{Kind: UpdateMeta, Msg: Msg{UIDDn: 3}})
	g2.Add(Update{Kind: UpdateExpungeKind, Expunge: Expunge{UIDDn: 3}})
	if len(g2.MetaBatch()) != 0 {
		t.Errorf("expected META dropped once expunged, got %v", g2.MetaBatch())
	}
}

func TestViewInsertSeqNumAndRemove(t *testing.T) {
	v := NewView(nil)
	v.Insert(Msg{UIDDn: 5})
	v.Insert(Msg{UIDDn: 1})
	v.Insert(Msg{UIDDn: 3})

	if seq, ok := v.SeqNum(3); !ok || seq != 2 {
		t.Errorf("SeqNum(3) = %d, %v, want 2, true", seq, ok)
	}
	if v.MaxUIDDn() != 5 {
		t.Errorf("MaxUIDDn() = %d, want 5", v.MaxUIDDn())
	}

	seq, ok := v.Remove(3)
	if !ok || seq != 2 {
		t.Fatalf("Remove(3) = %d, %v, want 2, true", seq, ok)
	}
	if _, ok := v.SeqNum(3); ok {
		t.Error("expected uid_dn 3 to be gone after Remove")
	}
	if seq, ok := v.SeqNum(5); !ok || seq != 2 {
		t.Errorf("SeqNum(5) after remove = %d, %v, want 2, true", seq, ok)
	}
}
