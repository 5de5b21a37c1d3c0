package citmserver

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"crawshaw.io/iox"
	"github.com/hashicorp/go-hclog"

	"citm/dnview"
	"citm/mailbox"
	"citm/msgstore"
)

// fakeSession is the minimal Session a test LOGIN produces: one
// INBOX backed by a real mailbox.Mailbox so Dn's FETCH/STORE/SEARCH
// machinery runs unmodified.
type fakeSession struct {
	mboxes map[string]*mailbox.Mailbox
}

func (s *fakeSession) OpenMailbox(name string) (*dnview.Dn, error) {
	m, ok := s.mboxes[name]
	if !ok {
		return nil, fmt.Errorf("no such mailbox: %s", name)
	}
	return dnview.Open(m), nil
}

func (s *fakeSession) Mailboxes() ([]MailboxAttrs, error) {
	var out []MailboxAttrs
	for name := range s.mboxes {
		out = append(out, MailboxAttrs{Name: name})
	}
	return out, nil
}

func (s *fakeSession) CreateMailbox(name string) error        { return nil }
func (s *fakeSession) DeleteMailbox(name string) error         { return nil }
func (s *fakeSession) RenameMailbox(old, new string) error     { return nil }
func (s *fakeSession) StatusMailbox(name string) (StatusInfo, error) {
	return StatusInfo{}, nil
}
func (s *fakeSession) Close() error { return nil }

type fakeBackend struct {
	session *fakeSession
}

func (b *fakeBackend) Login(c *Conn, username, password []byte) (Session, error) {
	if string(username) != "alice" || string(password) != "secret" {
		return nil, fmt.Errorf("invalid credentials")
	}
	return b.session, nil
}

func mkTestMailbox(t *testing.T) *mailbox.Mailbox {
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

const testMsg = "From: alice@example.com\r\nTo: bob@example.com\r\nSubject: hello\r\n\r\nbody text\r\n"

func addTestMsg(t *testing.T, m *mailbox.Mailbox, uidUp uint32, flags msgstore.Flags) {
	t.Helper()
	if _, err := m.NewUnfilledMsg(uidUp, flags, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := m.FillMessage(msgstore.MsgKey{UIDUp: uidUp}, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), flags, "testhost.example", strings.NewReader(testMsg)); err != nil {
		t.Fatal(err)
	}
}

// testConn wires a Server to one end of a net.Pipe and returns the
// client's reader/writer, draining Server.HandleConn in the background.
func testConn(t *testing.T, backend Backend) (*bufio.Reader, net.Conn) {
	t.Helper()
	client, server := net.Pipe()

	filer := iox.NewFiler(0)
	s := &Server{
		Filer:   filer,
		Log:     hclog.NewNullLogger(),
		Backend: backend,
		Version: "test",
	}
	go s.HandleConn(server)

	t.Cleanup(func() { client.Close() })
	return bufio.NewReader(client), client
}

// readUntilTagged reads lines until one starts with tag+" ", returning
// every line read including the tagged one.
func readUntilTagged(t *testing.T, r *bufio.Reader, tag string) []string {
	t.Helper()
	var lines []string
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("reading response: %v (so far: %q)", err, lines)
		}
		lines = append(lines, line)
		if strings.HasPrefix(line, tag+" ") {
			return lines
		}
	}
}

func containsPrefix(lines []string, prefix string) bool {
	for _, l := range lines {
		if strings.HasPrefix(l, prefix) {
			return true
		}
	}
	return false
}

func TestLoginSelectFetchStoreLogout(t *testing.T) {
	m := mkTestMailbox(t)
	addTestMsg(t, m, 1, msgstore.Flags{})

	backend := &fakeBackend{session: &fakeSession{mboxes: map[string]*mailbox.Mailbox{"INBOX": m}}}
	r, client := testConn(t, backend)
	defer client.Close()

	greeting, err := r.ReadString('\n')
	if err != nil || !strings.HasPrefix(greeting, "* OK") {
		t.Fatalf("unexpected greeting: %q (err %v)", greeting, err)
	}

	fmt.Fprintf(client, "a LOGIN alice secret\r\n")
	resp := readUntilTagged(t, r, "a")
	if !strings.Contains(resp[len(resp)-1], "OK") {
		t.Fatalf("LOGIN failed: %q", resp)
	}

	fmt.Fprintf(client, "b SELECT INBOX\r\n")
	resp = readUntilTagged(t, r, "b")
	if !containsPrefix(resp, "* 1 EXISTS") {
		t.Fatalf("SELECT missing EXISTS: %q", resp)
	}
	if !strings.Contains(resp[len(resp)-1], "READ-WRITE") {
		t.Fatalf("SELECT not READ-WRITE: %q", resp)
	}

	fmt.Fprintf(client, "c FETCH 1 (FLAGS UID)\r\n")
	resp = readUntilTagged(t, r, "c")
	if !containsPrefix(resp, "* 1 FETCH") {
		t.Fatalf("FETCH missing response: %q", resp)
	}

	fmt.Fprintf(client, "d STORE 1 +FLAGS (\\Seen)\r\n")
	resp = readUntilTagged(t, r, "d")
	if !containsPrefix(resp, "* 1 FETCH") || !strings.Contains(strings.Join(resp, ""), `\Seen`) {
		t.Fatalf("STORE missing FLAGS update: %q", resp)
	}

	fmt.Fprintf(client, "e LOGOUT\r\n")
	resp = readUntilTagged(t, r, "e")
	if !containsPrefix(resp, "* BYE") {
		t.Fatalf("LOGOUT missing BYE: %q", resp)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	backend := &fakeBackend{session: &fakeSession{mboxes: map[string]*mailbox.Mailbox{}}}
	r, client := testConn(t, backend)
	defer client.Close()

	if _, err := r.ReadString('\n'); err != nil {
		t.Fatalf("reading greeting: %v", err)
	}

	fmt.Fprintf(client, "a LOGIN alice wrong\r\n")
	resp := readUntilTagged(t, r, "a")
	if !strings.Contains(resp[len(resp)-1], "NO") {
		t.Fatalf("expected NO for bad credentials, got %q", resp)
	}
}

func TestSelectUnknownMailboxFails(t *testing.T) {
	backend := &fakeBackend{session: &fakeSession{mboxes: map[string]*mailbox.Mailbox{}}}
	r, client := testConn(t, backend)
	defer client.Close()

	if _, err := r.ReadString('\n'); err != nil {
		t.Fatalf("reading greeting: %v", err)
	}
	fmt.Fprintf(client, "a LOGIN alice secret\r\n")
	readUntilTagged(t, r, "a")

	fmt.Fprintf(client, "b SELECT NOSUCHBOX\r\n")
	resp := readUntilTagged(t, r, "b")
	if !strings.Contains(resp[len(resp)-1], "NO") {
		t.Fatalf("expected NO for unknown mailbox, got %q", resp)
	}
}
