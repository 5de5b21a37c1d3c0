package dnview

import (
	"testing"

	"citm/imap/imapparser"
	"citm/msgstore"
)

func TestSearchUnseen(t *testing.T) {
	m := newTestMailbox(t)
	addFilledMsg(t, m, 1, msgstore.Flags{Seen: true}, sampleMsg1)
	addFilledMsg(t, m, 2, msgstore.Flags{}, sampleMsg2)

	d := openSelectedDn(t, m)
	got, err := d.Search(imapparser.Search{Op: &imapparser.SearchOp{Key: "UNSEEN"}}, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != 2 {
		t.Fatalf("expected seq 2 to match UNSEEN, got %+v", got)
	}
}

func TestSearchByUIDReturnsUIDDn(t *testing.T) {
	m := newTestMailbox(t)
	addFilledMsg(t, m, 1, msgstore.Flags{Flagged: true}, sampleMsg1)
	addFilledMsg(t, m, 2, msgstore.Flags{}, sampleMsg2)

	d := openSelectedDn(t, m)
	got, err := d.Search(imapparser.Search{Op: &imapparser.SearchOp{Key: "FLAGGED"}}, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != 1 {
		t.Fatalf("expected uid_dn 1 to match FLAGGED, got %+v", got)
	}
}

func TestSearchHeaderSubject(t *testing.T) {
	m := newTestMailbox(t)
	addFilledMsg(t, m, 1, msgstore.Flags{}, sampleMsg1)
	addFilledMsg(t, m, 2, msgstore.Flags{}, sampleMsg2)

	d := openSelectedDn(t, m)
	got, err := d.Search(imapparser.Search{Op: &imapparser.SearchOp{Key: "SUBJECT", Value: "hello"}}, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != 1 {
		t.Fatalf("expected seq 1 to match SUBJECT hello, got %+v", got)
	}
}

func TestSearchAndCombinesKeys(t *testing.T) {
	m := newTestMailbox(t)
	addFilledMsg(t, m, 1, msgstore.Flags{Seen: true}, sampleMsg1)
	addFilledMsg(t, m, 2, msgstore.Flags{}, sampleMsg2)

	op := &imapparser.SearchOp{
		Key: "AND",
		Children: []imapparser.SearchOp{
			{Key: "SEEN"},
			{Key: "SUBJECT", Value: "hello"},
		},
	}
	d := openSelectedDn(t, m)
	got, err := d.Search(imapparser.Search{Op: op}, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != 1 {
		t.Fatalf("expected seq 1 to match AND(SEEN, SUBJECT hello), got %+v", got)
	}
}
