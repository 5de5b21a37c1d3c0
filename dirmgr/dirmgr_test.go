package dirmgr

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNameValid(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"INBOX", true},
		{"Work/Todo", true},
		{"a/b/c", true},
		{"", false},
		{"/leading", false},
		{"trailing/", false},
		{"a//b", false},
		{".", false},
		{"..", false},
		{"cur", false},
		{"tmp", false},
		{"new", false},
		{"Work/cur", false},
		{"x\x00y", false},
	}
	for _, tt := range tests {
		if got := NameValid(tt.name); got != tt.want {
			t.Errorf("NameValid(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
	long := make([]byte, 256)
	for i := range long {
		long[i] = 'a'
	}
	if NameValid(string(long)) {
		t.Error("NameValid should reject a 256-byte segment")
	}
}

type fakeMbx struct {
	forceClosed bool
	ups, dns    map[any]bool
}

func newFakeMbx() *fakeMbx {
	return &fakeMbx{ups: make(map[any]bool), dns: make(map[any]bool)}
}

func (f *fakeMbx) RegisterUp(a any)      { f.ups[a] = true }
func (f *fakeMbx) RegisterDn(a any)      { f.dns[a] = true }
func (f *fakeMbx) ForceClose()           { f.forceClosed = true }
func (f *fakeMbx) UnregisterUp(a any) int { delete(f.ups, a); return len(f.ups) + len(f.dns) }
func (f *fakeMbx) UnregisterDn(a any) int { delete(f.dns, a); return len(f.ups) + len(f.dns) }

func newTestDirMgr(t *testing.T) (*DirMgr, map[string]*fakeMbx) {
	t.Helper()
	dir := t.TempDir()
	opened := make(map[string]*fakeMbx)
	dm, err := New(dir, func(mbxDir, name string) (Mailbox, error) {
		m := newFakeMbx()
		opened[name] = m
		return m, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return dm, opened
}

func TestOpenUpCreatesCtnAndRegisters(t *testing.T) {
	dm, opened := newTestDirMgr(t)

	m, err := dm.OpenUp("INBOX", "accessor1")
	if err != nil {
		t.Fatal(err)
	}
	for _, sub := range []string{"cur", "tmp", "new"} {
		if fi, err := os.Stat(filepath.Join(dm.path, "INBOX", sub)); err != nil || !fi.IsDir() {
			t.Errorf("expected INBOX/%s to exist", sub)
		}
	}
	if opened["INBOX"] == nil {
		t.Fatal("expected open func to be invoked for INBOX")
	}
	if !opened["INBOX"].ups["accessor1"] {
		t.Error("expected accessor1 registered as an Up accessor")
	}

	// opening again with a second accessor should reuse the mailbox,
	// not invoke the open func a second time.
	m2, err := dm.OpenDn("INBOX", "accessor2")
	if err != nil {
		t.Fatal(err)
	}
	if m != m2 {
		t.Error("expected the same Mailbox instance on second open")
	}
}

func TestOpenFrozenFails(t *testing.T) {
	dm, _ := newTestDirMgr(t)

	freeze, err := dm.NewFreeze("INBOX")
	if err != nil {
		t.Fatal(err)
	}
	defer freeze.Release()

	if _, err := dm.OpenUp("INBOX", "a"); err == nil {
		t.Fatal("expected frozen mailbox open to fail")
	}
}

func TestFreezeForceClosesOpenMailbox(t *testing.T) {
	dm, opened := newTestDirMgr(t)

	if _, err := dm.OpenUp("INBOX", "a"); err != nil {
		t.Fatal(err)
	}

	freeze, err := dm.NewFreeze("INBOX")
	if err != nil {
		t.Fatal(err)
	}
	if !opened["INBOX"].forceClosed {
		t.Error("expected freeze to force-close the open mailbox")
	}
	freeze.Release()

	// a second freeze attempt while still held should fail
	if _, err := dm.NewFreeze("INBOX"); err != nil {
		t.Fatal("expected freeze to succeed after release")
	}
}

func TestHoldGatesAllowDownload(t *testing.T) {
	dm, _ := newTestDirMgr(t)

	if !dm.AllowDownload("INBOX") {
		t.Fatal("expected downloads allowed with no hold")
	}

	h := dm.NewHold("INBOX")
	if dm.AllowDownload("INBOX") {
		t.Fatal("expected downloads blocked while held")
	}

	h2 := dm.NewHold("INBOX")
	h.Release()
	if dm.AllowDownload("INBOX") {
		t.Fatal("expected downloads still blocked while second hold outstanding")
	}
	h2.Release()
	if !dm.AllowDownload("INBOX") {
		t.Fatal("expected downloads allowed once all holds released")
	}
}

func TestDeleteAndRename(t *testing.T) {
	dm, _ := newTestDirMgr(t)

	if _, err := dm.OpenUp("Archive", "a"); err != nil {
		t.Fatal(err)
	}
	dm.CloseUp("Archive", "a")

	freeze, err := dm.NewFreeze("Archive")
	if err != nil {
		t.Fatal(err)
	}
	if err := dm.Delete(freeze); err != nil {
		t.Fatal(err)
	}
	freeze.Release()

	if _, err := os.Stat(filepath.Join(dm.path, "Archive")); !os.IsNotExist(err) {
		t.Error("expected Archive directory to be removed")
	}

	if _, err := dm.OpenUp("Src", "a"); err != nil {
		t.Fatal(err)
	}
	dm.CloseUp("Src", "a")

	src, err := dm.NewFreeze("Src")
	if err != nil {
		t.Fatal(err)
	}
	dst, err := dm.NewFreeze("Dst")
	if err != nil {
		t.Fatal(err)
	}
	if err := dm.Rename(src, dst); err != nil {
		t.Fatal(err)
	}
	src.Release()
	dst.Release()

	if _, err := os.Stat(filepath.Join(dm.path, "Dst", "cur")); err != nil {
		t.Error("expected Dst/cur to exist after rename")
	}
	if _, err := os.Stat(filepath.Join(dm.path, "Src")); !os.IsNotExist(err) {
		t.Error("expected Src directory to be gone after rename")
	}
}

func TestPruneEmptyDirsRemovesOptimisticTrees(t *testing.T) {
	dir := t.TempDir()

	// an optimistically-created, never-populated mailbox
	if err := makeCtn(filepath.Join(dir, "Empty")); err != nil {
		t.Fatal(err)
	}
	// a real mailbox with a message under cur/
	realDir := filepath.Join(dir, "Real")
	if err := makeCtn(realDir); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(realDir, "cur", "msg1"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	// an optimistic parent with one optimistic and one real child
	if err := makeCtn(filepath.Join(dir, "Parent", "EmptyChild")); err != nil {
		t.Fatal(err)
	}

	PruneEmptyDirs(dir)

	if _, err := os.Stat(filepath.Join(dir, "Empty")); !os.IsNotExist(err) {
		t.Error("expected Empty to be pruned")
	}
	if _, err := os.Stat(filepath.Join(realDir, "cur", "msg1")); err != nil {
		t.Error("expected Real/cur/msg1 to survive pruning")
	}
	if _, err := os.Stat(filepath.Join(dir, "Parent")); !os.IsNotExist(err) {
		t.Error("expected Parent to be pruned once its only child was pruned")
	}
}

func TestForEachMbx(t *testing.T) {
	dm, _ := newTestDirMgr(t)

	if _, err := dm.OpenUp("INBOX", "a"); err != nil {
		t.Fatal(err)
	}
	if _, err := dm.OpenUp("Work/Todo", "a"); err != nil {
		t.Fatal(err)
	}

	seen := make(map[string]bool)
	err := dm.ForEachMbx("", func(name string, hasCtn, hasChild bool) error {
		seen[name] = hasCtn
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if !seen["INBOX"] {
		t.Error("expected INBOX to be visited with hasCtn=true")
	}
	if !seen["Work/Todo"] {
		t.Error("expected Work/Todo to be visited with hasCtn=true")
	}
	if _, ok := seen["Work"]; !ok {
		t.Error("expected Work (parent of Todo) to be visited too")
	}
}
