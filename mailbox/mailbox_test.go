package mailbox

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"citm/msgstore"
)

func mkMailboxDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for _, sub := range []string{"cur", "tmp", "new"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0777); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestOpenEmptyMailbox(t *testing.T) {
	dir := mkMailboxDir(t)
	m, err := Open(dir, "INBOX", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(m.msgs) != 0 || len(m.expunges) != 0 {
		t.Fatalf("expected empty mailbox, got %d msgs %d expunges", len(m.msgs), len(m.expunges))
	}
}

func TestReconcileTransitionsUnfilledToFilled(t *testing.T) {
	dir := mkMailboxDir(t)
	m, err := Open(dir, "INBOX", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.NewUnfilledMsg(7, msgstore.Flags{}, 0); err != nil {
		t.Fatal(err)
	}
	if err := m.log.Close(); err != nil {
		t.Fatal(err)
	}

	name := msgstore.MaildirNameWrite(msgstore.MaildirName{Epoch: 1700000000, UIDUp: 7, Length: 3, Host: "myhost.example"})
	if err := os.WriteFile(filepath.Join(dir, "cur", name), []byte("abc"), 0644); err != nil {
		t.Fatal(err)
	}

	m2, err := Open(dir, "INBOX", nil)
	if err != nil {
		t.Fatal(err)
	}
	msg, ok := m2.msgs[msgstore.MsgKey{UIDUp: 7}]
	if !ok {
		t.Fatal("expected msg to survive reconcile")
	}
	if msg.State != msgstore.Filled {
		t.Errorf("expected state Filled after reconcile, got %v", msg.State)
	}
	if msg.Filename != name {
		t.Errorf("expected filename %q, got %q", name, msg.Filename)
	}
}

func TestReconcileTreatsMissingFileAsUserDeletion(t *testing.T) {
	dir := mkMailboxDir(t)
	m, err := Open(dir, "INBOX", nil)
	if err != nil {
		t.Fatal(err)
	}
	msg, err := m.NewUnfilledMsg(9, msgstore.Flags{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	msg.State = msgstore.Filled
	msg.Filename = "doesnotexist"
	msg.Mod.ModSeq = 1
	if err := m.log.UpdateMsg(msg); err != nil {
		t.Fatal(err)
	}
	if err := m.log.Close(); err != nil {
		t.Fatal(err)
	}

	m2, err := Open(dir, "INBOX", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, stillPresent := m2.msgs[msgstore.MsgKey{UIDUp: 9}]; stillPresent {
		t.Error("expected the stale msg entry to be dropped")
	}
	exp, ok := m2.expunges[msgstore.MsgKey{UIDUp: 9}]
	if !ok {
		t.Fatal("expected an Unpushed expunge to be created for the missing file")
	}
	if exp.State != msgstore.ExpungeUnpushed {
		t.Errorf("expected ExpungeUnpushed, got %v", exp.State)
	}
}

func TestFillMessageWritesAndRenames(t *testing.T) {
	dir := mkMailboxDir(t)
	m, err := Open(dir, "INBOX", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.NewUnfilledMsg(3, msgstore.Flags{}, 0); err != nil {
		t.Fatal(err)
	}

	msg, err := m.FillMessage(msgstore.MsgKey{UIDUp: 3}, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), msgstore.Flags{Seen: true}, "myhost", bytes.NewReader([]byte("hello world")))
	if err != nil {
		t.Fatal(err)
	}
	if msg.State != msgstore.Filled {
		t.Errorf("expected Filled, got %v", msg.State)
	}
	if _, err := os.Stat(filepath.Join(dir, "cur", msg.Filename)); err != nil {
		t.Errorf("expected %s to exist in cur/: %v", msg.Filename, err)
	}
}

func TestApplyUpdateReqStoreDispatchesMeta(t *testing.T) {
	dir := mkMailboxDir(t)
	m, err := Open(dir, "INBOX", nil)
	if err != nil {
		t.Fatal(err)
	}
	key := msgstore.MsgKey{UIDUp: 1}
	if _, err := m.NewUnfilledMsg(1, msgstore.Flags{}, 0); err != nil {
		t.Fatal(err)
	}

	sink := &captureSink{}
	m.RegisterDn(sink)

	err = m.ApplyUpdateReq(sink, msgstore.UpdateReq{
		Kind:       msgstore.ReqStore,
		Keys:       []msgstore.MsgKey{key},
		StoreFlags: msgstore.Flags{Seen: true},
		StoreMode:  msgstore.StoreAdd,
	})
	if err != nil {
		t.Fatal(err)
	}

	var sawMeta, sawSync bool
	for _, u := range sink.updates {
		if u.Kind == msgstore.UpdateMeta && u.Msg.Flags.Seen {
			sawMeta = true
		}
		if u.Kind == msgstore.UpdateSync {
			sawSync = true
		}
	}
	if !sawMeta {
		t.Error("expected a META update with Seen=true")
	}
	if !sawSync {
		t.Error("expected a terminal SYNC update")
	}
}

func TestApplyCopyLockedRecordsPendingCopy(t *testing.T) {
	dir := mkMailboxDir(t)
	m, err := Open(dir, "INBOX", nil)
	if err != nil {
		t.Fatal(err)
	}
	srcKey := msgstore.MsgKey{UIDUp: 5}
	if _, err := m.NewUnfilledMsg(5, msgstore.Flags{}, 0); err != nil {
		t.Fatal(err)
	}

	sink := &captureSink{}
	m.RegisterDn(sink)

	err = m.ApplyUpdateReq(sink, msgstore.UpdateReq{
		Kind:       msgstore.ReqCopy,
		CopyKeys:   []msgstore.MsgKey{srcKey},
		CopyTarget: "Archive",
	})
	if err != nil {
		t.Fatal(err)
	}

	pending := m.PendingCopies()
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending copy, got %d", len(pending))
	}
	pc := pending[0]
	if pc.SrcUIDUp != 5 || pc.Target != "Archive" {
		t.Errorf("unexpected pending copy: %+v", pc)
	}
	if _, ok := m.msgs[pc.Key]; !ok {
		t.Fatal("expected the placeholder Msg to exist in msgs")
	}

	if err := m.ResolveCopy(pc.Key); err != nil {
		t.Fatal(err)
	}
	if len(m.PendingCopies()) != 0 {
		t.Error("expected ResolveCopy to clear the pending copy")
	}
	if _, ok := m.msgs[pc.Key]; ok {
		t.Error("expected ResolveCopy to remove the placeholder from msgs")
	}
}

func TestApplyCopyLockedSkipsSourceWithoutUpstreamUID(t *testing.T) {
	dir := mkMailboxDir(t)
	m, err := Open(dir, "INBOX", nil)
	if err != nil {
		t.Fatal(err)
	}
	// a COPY request naming a key this mailbox doesn't recognize (e.g.
	// a source that only exists as another local-only placeholder) has
	// nothing to push upstream and is silently skipped.
	err = m.ApplyUpdateReq(&captureSink{}, msgstore.UpdateReq{
		Kind:       msgstore.ReqCopy,
		CopyKeys:   []msgstore.MsgKey{{UIDLocal: 1}},
		CopyTarget: "Archive",
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(m.PendingCopies()) != 0 {
		t.Error("expected no pending copy for an unknown source key")
	}
}

type captureSink struct {
	updates []msgstore.Update
}

func (c *captureSink) Deliver(u msgstore.Update) {
	c.updates = append(c.updates, u)
}

