package dnview

import (
	"strings"
	"testing"

	"citm/imap/imapparser"
	"citm/msgstore"
)

func containsLine(lines []string, substr string) bool {
	for _, l := range lines {
		if strings.Contains(l, substr) {
			return true
		}
	}
	return false
}

func TestDrainReportsExpungeFromAnotherDn(t *testing.T) {
	m := newTestMailbox(t)
	addFilledMsg(t, m, 1, msgstore.Flags{Deleted: true}, sampleMsg1)
	addFilledMsg(t, m, 2, msgstore.Flags{}, sampleMsg2)

	watcher := openSelectedDn(t, m)
	actor := openSelectedDn(t, m)

	if _, err := actor.Expunge(nil, false); err != nil {
		t.Fatal(err)
	}

	lines := watcher.Drain()
	if !containsLine(lines, "* 1 EXPUNGE") {
		t.Fatalf("expected watcher to see '* 1 EXPUNGE', got %+v", lines)
	}
}

func TestDrainReportsFlagChangeAsUnsolicitedFetch(t *testing.T) {
	m := newTestMailbox(t)
	addFilledMsg(t, m, 1, msgstore.Flags{}, sampleMsg1)

	watcher := openSelectedDn(t, m)
	actor := openSelectedDn(t, m)

	_, err := actor.Store([]imapparser.SeqRange{{Min: 1, Max: 1}}, false, imapparser.Store{
		Mode:  imapparser.StoreAdd,
		Flags: [][]byte{[]byte(`\Seen`)},
	})
	if err != nil {
		t.Fatal(err)
	}

	lines := watcher.Drain()
	if !containsLine(lines, "* 1 FETCH (FLAGS") || !containsLine(lines, `\Seen`) {
		t.Fatalf("expected unsolicited FETCH with \\Seen, got %+v", lines)
	}
}

func TestDrainWithNoPendingIsEmpty(t *testing.T) {
	m := newTestMailbox(t)
	d := openSelectedDn(t, m)
	lines := d.Drain()
	if len(lines) != 0 {
		t.Fatalf("expected no unsolicited lines, got %+v", lines)
	}
}
