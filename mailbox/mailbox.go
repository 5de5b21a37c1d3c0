// Package mailbox implements the per-mailbox cache engine: startup
// reconcile against the maildir on disk, the UID-validity wipe
// sequence, new-message decryption, and update-request application
// that drives NEW/META/EXPUNGE/SYNC events out to registered Dns
// (spec.md §4.3).
package mailbox

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/btree"

	"citm/msgstore"
)

// UpSink is the subset of Up that a Mailbox needs in order to gate
// downloads and report a broken upstream.
type UpSink interface {
	Broken() bool
}

// DnSink receives the ordered update stream a Dn observes. Delivered
// strictly in the order Gather would assemble them for a single
// UpdateReq/ingest pass: NEW, then META, then EXPUNGE, then SYNC.
type DnSink interface {
	Deliver(msgstore.Update)
}

// modEntry is the btree element for the modseq-ordered index; it
// lets Up/Dn ask "everything since modseq X" in order without a full
// scan, mirroring the original's jsw_atree keyed by modseq.
type modEntry struct {
	modSeq uint64
	key    msgstore.MsgKey
	expunge bool
}

func (a modEntry) Less(than btree.Item) bool {
	b := than.(modEntry)
	return a.modSeq < b.modSeq
}

// Mailbox is one account's cached view of a single upstream mailbox.
type Mailbox struct {
	mu sync.Mutex

	dir  string
	name string

	log *msgstore.Log

	msgs     map[msgstore.MsgKey]*msgstore.Msg
	expunges map[msgstore.MsgKey]*msgstore.Expunge
	mods     *btree.BTree

	// pendingCopies tracks COPY requests a Dn has submitted that Up has
	// not yet pushed upstream (spec.md §4.5 COPY). Keyed by the
	// UIDLocal-only placeholder Msg recorded in msgs; memory-only, since
	// losing a not-yet-pushed COPY request across a crash just means the
	// client has to retry it, same as any other in-flight IMAP command.
	pendingCopies map[msgstore.MsgKey]pendingCopy

	uidvldUp uint32
	uidvldDn uint32

	himodseqUp uint64
	himodseqDn uint64

	tmpCount uint64

	ups map[any]UpSink
	dns map[any]DnSink

	allowDownload func() bool

	broken    bool
	breakCond error
}

// Open reconciles and returns the mailbox rooted at dir. If a
// .invalid marker is present, the UID-validity wipe sequence is
// resumed first (spec.md §4.3's crash-idempotence guarantee).
// allowDownload reports whether a Hold currently suppresses new
// downloads (dirmgr.DirMgr.AllowDownload bound to this mailbox's
// name); it may be nil, which is treated as "always allowed".
func Open(dir, name string, allowDownload func() bool) (*Mailbox, error) {
	invalid, err := msgstore.IsInvalid(dir)
	if err != nil {
		return nil, err
	}
	if invalid {
		if err := wipe(dir); err != nil {
			return nil, err
		}
		if err := msgstore.ClearInvalid(dir); err != nil {
			return nil, err
		}
	}

	log, snap, err := msgstore.OpenLog(dir)
	if err != nil {
		return nil, err
	}
	uidvldUp, uidvldDn := log.UIDValidities()

	m := &Mailbox{
		dir:           dir,
		name:          name,
		log:           log,
		msgs:          snap.Msgs,
		expunges:      snap.Expunges,
		mods:          btree.New(32),
		uidvldUp:      uidvldUp,
		uidvldDn:      uidvldDn,
		himodseqUp:    log.HimodseqUp(),
		himodseqDn:    snap.HimodseqDn,
		ups:           make(map[any]UpSink),
		dns:           make(map[any]DnSink),
		pendingCopies: make(map[msgstore.MsgKey]pendingCopy),
		allowDownload: allowDownload,
	}
	for k, msg := range m.msgs {
		if msg.Mod.ModSeq != 0 {
			m.mods.ReplaceOrInsert(modEntry{modSeq: msg.Mod.ModSeq, key: k})
		}
	}
	for k, exp := range m.expunges {
		if exp.Mod.ModSeq != 0 {
			m.mods.ReplaceOrInsert(modEntry{modSeq: exp.Mod.ModSeq, key: k, expunge: true})
		}
	}

	if err := m.reconcile(); err != nil {
		log.Close()
		return nil, err
	}

	return m, nil
}

// reconcile walks cur/ and new/ against the log's idea of msgs, per
// spec.md §4.3's four numbered rules, then wipes tmp/.
func (m *Mailbox) reconcile() error {
	seen := make(map[msgstore.MsgKey]bool)

	for _, subdir := range []msgstore.Subdir{msgstore.SubdirCur, msgstore.SubdirNew} {
		subpath := filepath.Join(m.dir, subdir.String())
		entries, err := os.ReadDir(subpath)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return msgstore.WrapError(msgstore.KindOS, "read "+subdir.String(), err)
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			mn, ok, err := msgstore.MaildirNameParse(e.Name())
			if err != nil || !ok {
				// malformed filename: ignored rather than treated as fatal,
				// consistent with the original's "don't ignore" TODO left
				// as future work, not a crash.
				continue
			}
			key := msgstore.MsgKey{UIDUp: mn.UIDUp}

			if msg, ok := m.msgs[key]; ok {
				seen[key] = true
				msg.Filename = e.Name()
				msg.Length = int64(mn.Length)
				msg.Subdir = subdir
				if msg.State == msgstore.Unfilled {
					msg.State = msgstore.Filled
					if err := m.log.UpdateMsg(msg); err != nil {
						return err
					}
				}
				continue
			}
			if _, ok := m.expunges[key]; ok {
				// crashed before every accessor acknowledged the expunge;
				// the file is stale, delete it.
				_ = os.Remove(filepath.Join(subpath, e.Name()))
				continue
			}
			return msgstore.NewError(msgstore.KindImaildirFailed, "UID on file not present in cache: "+e.Name())
		}
	}

	for key, msg := range m.msgs {
		if seen[key] || msg.Filename != "" {
			continue
		}
		switch msg.State {
		case msgstore.Unfilled:
			// nothing wrong, Up will fill it in later
		case msgstore.Filled:
			m.himodseqDn++
			exp := &msgstore.Expunge{
				Key:   key,
				UIDDn: msg.UIDDn,
				State: msgstore.ExpungeUnpushed,
				Mod:   msgstore.Mod{ModSeq: m.himodseqDn},
			}
			if err := m.log.UpdateExpunge(exp); err != nil {
				return err
			}
			m.expunges[key] = exp
			m.mods.ReplaceOrInsert(modEntry{modSeq: exp.Mod.ModSeq, key: key, expunge: true})
			delete(m.msgs, key)
		}
	}

	tmpPath := filepath.Join(m.dir, "tmp")
	entries, err := os.ReadDir(tmpPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return msgstore.WrapError(msgstore.KindOS, "read tmp", err)
	}
	for _, e := range entries {
		_ = os.RemoveAll(filepath.Join(tmpPath, e.Name()))
	}
	return nil
}

// wipe performs the UID-validity-change tear-down: remove .cache and
// every message file, leaving an empty cur/tmp/new behind. The
// .invalid marker must already have been written by the caller before
// invoking this, and is cleared by the caller after it returns
// successfully.
func wipe(dir string) error {
	cache := filepath.Join(dir, ".cache")
	if err := os.Remove(cache); err != nil && !os.IsNotExist(err) {
		return msgstore.WrapError(msgstore.KindOS, "remove .cache", err)
	}
	for _, subdir := range []string{"cur", "new", "tmp"} {
		sub := filepath.Join(dir, subdir)
		entries, err := os.ReadDir(sub)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return msgstore.WrapError(msgstore.KindOS, "read "+subdir, err)
		}
		for _, e := range entries {
			if err := os.RemoveAll(filepath.Join(sub, e.Name())); err != nil {
				return msgstore.WrapError(msgstore.KindOS, "remove stale file", err)
			}
		}
	}
	return nil
}

// SetUIDValidityUp is called by Up once it knows the server's current
// UIDVALIDITY. If it differs from the log's, the full wipe sequence
// runs and a fresh uidvld_dn is minted.
func (m *Mailbox) SetUIDValidityUp(uidvldUp uint32, newUIDVldDn func() uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.uidvldUp != 0 && m.uidvldUp == uidvldUp {
		return nil
	}

	if err := msgstore.MarkInvalid(m.dir); err != nil {
		return err
	}
	if err := m.log.Close(); err != nil {
		return err
	}
	if err := wipe(m.dir); err != nil {
		return err
	}
	if err := msgstore.ClearInvalid(m.dir); err != nil {
		return err
	}

	log, snap, err := msgstore.OpenLog(m.dir)
	if err != nil {
		return err
	}
	m.log = log
	m.msgs = snap.Msgs
	m.expunges = snap.Expunges
	m.mods = btree.New(32)
	m.himodseqUp = 0
	m.himodseqDn = 0

	m.uidvldDn = newUIDVldDn()
	if err := m.log.SetUIDValidities(uidvldUp, m.uidvldDn); err != nil {
		return err
	}
	m.uidvldUp = uidvldUp
	return nil
}

// RegisterUp, UnregisterUp, RegisterDn, UnregisterDn, and ForceClose
// implement dirmgr.Mailbox, letting DirMgr track accessor counts and
// force-close this mailbox during a Freeze without importing mailbox
// itself.
func (m *Mailbox) RegisterUp(accessor any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sink, ok := accessor.(UpSink); ok {
		m.ups[accessor] = sink
	} else {
		m.ups[accessor] = nil
	}
}

func (m *Mailbox) UnregisterUp(accessor any) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.ups, accessor)
	return len(m.ups) + len(m.dns)
}

func (m *Mailbox) RegisterDn(accessor any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sink, ok := accessor.(DnSink); ok {
		m.dns[accessor] = sink
	} else {
		m.dns[accessor] = nil
	}
}

func (m *Mailbox) UnregisterDn(accessor any) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.dns, accessor)
	return len(m.ups) + len(m.dns)
}

// ForceClose tears the mailbox down immediately: closes the log and
// marks it broken, without waiting for accessors to detach. Used by
// dirmgr.Freeze ahead of a DELETE/RENAME.
func (m *Mailbox) ForceClose() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.broken = true
	m.breakCond = msgstore.ErrImaildirFailed
	if m.log != nil {
		_ = m.log.Close()
	}
}

// Fail marks the mailbox broken following a protocol error from Up,
// per spec.md §4.4's failure semantics: every subsequent Up/Dn
// healthcheck observes KindImaildirFailed until the mailbox is
// reopened.
func (m *Mailbox) Fail(cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.broken = true
	m.breakCond = msgstore.WrapError(msgstore.KindImaildirFailed, "mailbox failed", cause)
}

// Broken reports whether the mailbox has been marked failed, and the
// recorded cause if so.
func (m *Mailbox) Broken() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.broken, m.breakCond
}

// AllowDownload reports whether Up may start new fetches into this
// mailbox right now.
func (m *Mailbox) AllowDownload() bool {
	if m.allowDownload == nil {
		return true
	}
	return m.allowDownload()
}

// NextTmpID returns a monotonically increasing scratch-file id scoped
// to this mailbox, used to stage decrypted plaintext before it is
// linked into cur/.
func (m *Mailbox) NextTmpID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tmpCount++
	return m.tmpCount
}

// FillMessage streams a decrypted message body (already passed
// through the crypto decrypter) into cur/, completing an Unfilled
// message. It stages the write under tmp/ using a tmpCount-based name
// and renames into place only once the write is durable, so a crash
// mid-write never leaves a corrupt file claiming to be the message.
func (m *Mailbox) FillMessage(key msgstore.MsgKey, internalDate time.Time, flags msgstore.Flags, host string, plaintext io.Reader) (*msgstore.Msg, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.msgs[key]
	if !ok || msg.State != msgstore.Unfilled {
		return nil, msgstore.NewError(msgstore.KindValue, "FillMessage on a message not in Unfilled state")
	}

	tmpID := m.tmpCount + 1
	m.tmpCount = tmpID
	tmpPath := filepath.Join(m.dir, "tmp", tmpName(tmpID))

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, msgstore.WrapError(msgstore.KindOS, "create tmp file", err)
	}
	n, err := io.Copy(f, plaintext)
	if err == nil {
		err = f.Sync()
	}
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpPath)
		return nil, msgstore.WrapError(msgstore.KindOS, "write tmp file", err)
	}

	mn := msgstore.MaildirName{
		Epoch:  internalDate.Unix(),
		UIDUp:  key.UIDUp,
		Length: n,
		Host:   host,
	}
	finalName := msgstore.MaildirNameWrite(mn)
	finalPath := filepath.Join(m.dir, "cur", finalName)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return nil, msgstore.WrapError(msgstore.KindOS, "rename into cur", err)
	}

	msg.Filename = finalName
	msg.Length = n
	msg.Subdir = msgstore.SubdirCur
	msg.State = msgstore.Filled
	msg.InternalDate = internalDate
	msg.Flags = flags
	if msg.UIDDn == 0 {
		msg.UIDDn = m.nextUIDDnLocked()
	}
	if msg.Mod.ModSeq == 0 {
		m.himodseqDn++
		msg.Mod.ModSeq = m.himodseqDn
	}
	if err := m.log.UpdateMsg(msg); err != nil {
		return nil, err
	}
	m.mods.ReplaceOrInsert(modEntry{modSeq: msg.Mod.ModSeq, key: key})
	return msg, nil
}

func tmpName(id uint64) string {
	return "tmp." + itoa(id)
}

func itoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
