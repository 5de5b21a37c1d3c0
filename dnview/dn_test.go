package dnview

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"citm/mailbox"
	"citm/msgstore"
)

func newTestMailbox(t *testing.T) *mailbox.Mailbox {
	t.Helper()
	dir := t.TempDir()
	for _, sub := range []string{"cur", "tmp", "new"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0777); err != nil {
			t.Fatal(err)
		}
	}
	m, err := mailbox.Open(dir, "INBOX", nil)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

// addFilledMsg creates and fills a message with the given upstream UID
// and raw RFC 5322 content, making it visible in any Dn's view seeded
// after this call.
func addFilledMsg(t *testing.T, m *mailbox.Mailbox, uidUp uint32, flags msgstore.Flags, raw string) *msgstore.Msg {
	t.Helper()
	if _, err := m.NewUnfilledMsg(uidUp, flags, 0); err != nil {
		t.Fatal(err)
	}
	msg, err := m.FillMessage(msgstore.MsgKey{UIDUp: uidUp}, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), flags, "testhost.example", strings.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	return msg
}

const sampleMsg1 = "From: alice@example.com\r\nTo: bob@example.com\r\nSubject: hello\r\nDate: Mon, 02 Jan 2026 03:04:05 +0000\r\n\r\nbody text\r\n"

const sampleMsg2 = "From: carol@example.com\r\nTo: bob@example.com\r\nSubject: second\r\n\r\nmore body\r\n"

func openSelectedDn(t *testing.T, m *mailbox.Mailbox) *Dn {
	t.Helper()
	d := Open(m)
	d.Select(false, false)
	return d
}
