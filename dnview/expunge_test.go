package dnview

import (
	"testing"

	"citm/imap/imapparser"
	"citm/msgstore"
)

func TestExpungeRemovesDeletedOnly(t *testing.T) {
	m := newTestMailbox(t)
	addFilledMsg(t, m, 1, msgstore.Flags{}, sampleMsg1)
	addFilledMsg(t, m, 2, msgstore.Flags{Deleted: true}, sampleMsg2)
	addFilledMsg(t, m, 3, msgstore.Flags{}, sampleMsg1)

	d := openSelectedDn(t, m)
	res, err := d.Expunge(nil, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != 1 {
		t.Fatalf("expected 1 expunged message, got %d", len(res))
	}
	if res[0].SeqNum != 2 || res[0].UIDDn != 2 {
		t.Fatalf("unexpected expunge result: %+v", res[0])
	}

	d.mu.Lock()
	n := d.view.Len()
	d.mu.Unlock()
	if n != 2 {
		t.Fatalf("expected 2 messages left in view, got %d", n)
	}
}

func TestExpungeDescendingOrder(t *testing.T) {
	m := newTestMailbox(t)
	addFilledMsg(t, m, 1, msgstore.Flags{Deleted: true}, sampleMsg1)
	addFilledMsg(t, m, 2, msgstore.Flags{Deleted: true}, sampleMsg2)
	addFilledMsg(t, m, 3, msgstore.Flags{Deleted: true}, sampleMsg1)

	d := openSelectedDn(t, m)
	res, err := d.Expunge(nil, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != 3 {
		t.Fatalf("expected 3 expunged, got %d", len(res))
	}
	for i := 1; i < len(res); i++ {
		if res[i].SeqNum >= res[i-1].SeqNum {
			t.Fatalf("expected strictly descending sequence numbers, got %+v", res)
		}
	}
}

func TestExpungeOnReadOnlyMailboxFails(t *testing.T) {
	m := newTestMailbox(t)
	addFilledMsg(t, m, 1, msgstore.Flags{Deleted: true}, sampleMsg1)

	d := Open(m)
	d.Select(true, false)

	if _, err := d.Expunge(nil, false); err == nil {
		t.Fatal("expected EXPUNGE on an EXAMINEd mailbox to fail")
	}
}

func TestUIDExpungeRestrictsToGivenUIDs(t *testing.T) {
	m := newTestMailbox(t)
	addFilledMsg(t, m, 1, msgstore.Flags{Deleted: true}, sampleMsg1)
	addFilledMsg(t, m, 2, msgstore.Flags{Deleted: true}, sampleMsg2)

	d := openSelectedDn(t, m)
	res, err := d.Expunge([]imapparser.SeqRange{{Min: 1, Max: 1}}, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != 1 || res[0].UIDDn != 1 {
		t.Fatalf("expected only uid_dn 1 expunged, got %+v", res)
	}
}
