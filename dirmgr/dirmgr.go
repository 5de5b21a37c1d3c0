// Package dirmgr tracks which mailboxes are open, on disk, held, or
// frozen underneath a single CITM account directory (spec.md §4.2).
// It owns no IMAP or message semantics itself; it only arbitrates
// access to the per-mailbox directories that the mailbox package
// manages.
package dirmgr

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"citm/msgstore"
)

// Mailbox is the subset of a mailbox package's Mailbox type that
// DirMgr needs in order to track accessor counts and force-close a
// mailbox out from under its Up/Dn accessors during a freeze. It lets
// dirmgr and mailbox avoid importing each other.
type Mailbox interface {
	// RegisterUp/RegisterDn record a new accessor; UnregisterUp/
	// UnregisterDn drop one and return the number remaining.
	RegisterUp(accessor any)
	UnregisterUp(accessor any) int
	RegisterDn(accessor any)
	UnregisterDn(accessor any) int

	// ForceClose tears down the mailbox immediately, for Freeze.
	ForceClose()
}

// OpenFunc constructs a Mailbox backed by dir, which is guaranteed to
// exist (with cur/tmp/new already created) by the time it is called.
type OpenFunc func(dir string, name string) (Mailbox, error)

type managedDir struct {
	name string
	dir  string
	m    Mailbox
}

// Hold suppresses new-message downloads into a mailbox without
// blocking opens, so that a client can run UIDPLUS-sensitive commands
// (e.g. APPEND immediately followed by a SELECT) without racing the
// upward synchronizer's own ingestion of the same message.
type Hold struct {
	dm    *DirMgr
	name  string
	count int
}

// Release drops one reference to the hold; once the count reaches
// zero the name is no longer held and downloads resume.
func (h *Hold) Release() {
	h.dm.mu.Lock()
	defer h.dm.mu.Unlock()
	h.count--
	if h.count > 0 {
		return
	}
	delete(h.dm.holds, h.name)
}

// Freeze blocks all opens of a name and force-closes any mailbox
// already open under it, for the duration of a DELETE or RENAME.
type Freeze struct {
	dm   *DirMgr
	name string
}

// Release un-freezes the name, allowing opens to resume.
func (f *Freeze) Release() {
	f.dm.mu.Lock()
	defer f.dm.mu.Unlock()
	delete(f.dm.freezes, f.name)
}

// Name returns the frozen mailbox name, for DirMgr.Delete/Rename.
func (f *Freeze) Name() string { return f.name }

// DirMgr is the per-account registry of managed mailbox directories.
type DirMgr struct {
	path string
	open OpenFunc

	mu       sync.Mutex
	dirs     map[string]*managedDir
	holds    map[string]*Hold
	freezes  map[string]*Freeze
	tmpCount uint64
}

// New creates a DirMgr rooted at path. path's tmp/ subdirectory is
// created and emptied immediately, mirroring dirmgr_init's startup
// cleanup of any scratch files left behind by a prior crash.
func New(path string, open OpenFunc) (*DirMgr, error) {
	tmpPath := filepath.Join(path, "tmp")
	if err := os.MkdirAll(tmpPath, 0700); err != nil {
		return nil, msgstore.WrapError(msgstore.KindOS, "mkdir tmp", err)
	}
	if err := emptyDir(tmpPath); err != nil {
		return nil, msgstore.WrapError(msgstore.KindOS, "empty tmp", err)
	}
	return &DirMgr{
		path:    path,
		open:    open,
		dirs:    make(map[string]*managedDir),
		holds:   make(map[string]*Hold),
		freezes: make(map[string]*Freeze),
	}, nil
}

// NewTmpID returns a monotonically increasing scratch-file id, used to
// name temporary files under tmp/ before they are linked into cur/new.
// The first id is 1.
func (dm *DirMgr) NewTmpID() uint64 {
	return atomic.AddUint64(&dm.tmpCount, 1)
}

func (dm *DirMgr) dirPath(name string) string {
	return filepath.Join(dm.path, filepath.FromSlash(name))
}

func makeCtn(dir string) error {
	for _, sub := range []string{"cur", "tmp", "new"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0777); err != nil {
			return err
		}
	}
	return nil
}

// OpenUp opens (or attaches to an already-open) mailbox for the
// upward synchronizer named accessor. It fails with ErrFrozen if the
// name is currently frozen for DELETE/RENAME.
func (dm *DirMgr) OpenUp(name string, accessor any) (Mailbox, error) {
	return dm.openAccessor(name, accessor, true)
}

// OpenDn opens (or attaches to an already-open) mailbox for a
// downward client session named accessor.
func (dm *DirMgr) OpenDn(name string, accessor any) (Mailbox, error) {
	return dm.openAccessor(name, accessor, false)
}

func (dm *DirMgr) openAccessor(name string, accessor any, up bool) (Mailbox, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if _, frozen := dm.freezes[name]; frozen {
		return nil, msgstore.ErrFrozen
	}

	if mgd, ok := dm.dirs[name]; ok {
		if up {
			mgd.m.RegisterUp(accessor)
		} else {
			mgd.m.RegisterDn(accessor)
		}
		return mgd.m, nil
	}

	dir := dm.dirPath(name)
	if err := os.MkdirAll(dir, 0777); err != nil {
		return nil, msgstore.WrapError(msgstore.KindOS, "mkdir mailbox", err)
	}
	if err := makeCtn(dir); err != nil {
		return nil, msgstore.WrapError(msgstore.KindOS, "make cur/tmp/new", err)
	}

	m, err := dm.open(dir, name)
	if err != nil {
		return nil, err
	}
	mgd := &managedDir{name: name, dir: dir, m: m}
	dm.dirs[name] = mgd
	if up {
		m.RegisterUp(accessor)
	} else {
		m.RegisterDn(accessor)
	}
	return m, nil
}

// CloseUp drops accessor's Up registration on name's mailbox, freeing
// the managed directory once the last accessor (Up or Dn) is gone.
func (dm *DirMgr) CloseUp(name string, accessor any) {
	dm.closeAccessor(name, accessor, true)
}

// CloseDn drops accessor's Dn registration on name's mailbox.
func (dm *DirMgr) CloseDn(name string, accessor any) {
	dm.closeAccessor(name, accessor, false)
}

func (dm *DirMgr) closeAccessor(name string, accessor any, up bool) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	mgd, ok := dm.dirs[name]
	if !ok {
		return
	}
	var remaining int
	if up {
		remaining = mgd.m.UnregisterUp(accessor)
	} else {
		remaining = mgd.m.UnregisterDn(accessor)
	}
	if remaining > 0 {
		return
	}
	delete(dm.dirs, name)
}

// AllowDownload reports whether the mailbox named name is free to
// ingest new messages from upstream; it is false while a Hold is
// outstanding on that name.
func (dm *DirMgr) AllowDownload(name string) bool {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	_, held := dm.holds[name]
	return !held
}

// NewHold acquires (or adds a reference to) a download-suppressing
// hold on name.
func (dm *DirMgr) NewHold(name string) *Hold {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if h, ok := dm.holds[name]; ok {
		h.count++
		return h
	}
	h := &Hold{dm: dm, name: name, count: 1}
	dm.holds[name] = h
	return h
}

// NewFreeze exclusively locks name against further opens and
// force-closes any mailbox currently open under it. It fails if name
// is already frozen by someone else.
func (dm *DirMgr) NewFreeze(name string) (*Freeze, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if _, ok := dm.freezes[name]; ok {
		return nil, msgstore.NewError(msgstore.KindValue, "mailbox \""+name+"\" is frozen by another operation")
	}

	if mgd, ok := dm.dirs[name]; ok {
		mgd.m.ForceClose()
		delete(dm.dirs, name)
	}

	f := &Freeze{dm: dm, name: name}
	dm.freezes[name] = f
	return f, nil
}

// Delete removes a frozen mailbox's directory tree entirely. freeze
// must hold the mailbox's name.
func (dm *DirMgr) Delete(freeze *Freeze) error {
	if !NameValid(freeze.name) {
		return msgstore.NewError(msgstore.KindValue, "invalid name in dirmgr delete: "+freeze.name)
	}
	dir := dm.dirPath(freeze.name)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return msgstore.WrapError(msgstore.KindOS, "stat", err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return msgstore.WrapError(msgstore.KindOS, "remove mailbox dir", err)
	}
	return nil
}

// Rename moves src's directory tree onto dst's, clobbering any
// existing dst tree first. Both src and dst must be frozen.
func (dm *DirMgr) Rename(src, dst *Freeze) error {
	if !NameValid(src.name) {
		return msgstore.NewError(msgstore.KindValue, "invalid src name in dirmgr rename: "+src.name)
	}
	if !NameValid(dst.name) {
		return msgstore.NewError(msgstore.KindValue, "invalid dst name in dirmgr rename: "+dst.name)
	}

	srcPath := dm.dirPath(src.name)
	dstPath := dm.dirPath(dst.name)

	if _, err := os.Stat(dstPath); err == nil {
		if err := os.RemoveAll(dstPath); err != nil {
			return msgstore.WrapError(msgstore.KindOS, "remove dst dir", err)
		}
	}
	if _, err := os.Stat(srcPath); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return msgstore.WrapError(msgstore.KindOS, "stat src", err)
	}
	if err := os.MkdirAll(filepath.Dir(dstPath), 0777); err != nil {
		return msgstore.WrapError(msgstore.KindOS, "mkdir dst parent", err)
	}
	if err := os.Rename(srcPath, dstPath); err != nil {
		return msgstore.WrapError(msgstore.KindOS, "rename mailbox dir", err)
	}
	return nil
}

// Close tears down the registry at shutdown: empties tmp/ and prunes
// any empty mailbox directories left over from optimistic creation.
func (dm *DirMgr) Close() {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	_ = emptyDir(filepath.Join(dm.path, "tmp"))
	PruneEmptyDirs(dm.path)
}

func emptyDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}
