package mailbox

import "citm/msgstore"

// UIDValidities returns the mailbox's current (uidvld_up, uidvld_dn)
// pair, for Up's boot-sequence SELECT/QRESYNC decision.
func (m *Mailbox) UIDValidities() (up, dn uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.uidvldUp, m.uidvldDn
}

// HimodseqUpCommitted returns the last himodseq_up value durably
// written to the log, used both for the QRESYNC SELECT parameter and
// for the bootstrap detection fetch's CHANGEDSINCE value.
func (m *Mailbox) HimodseqUpCommitted() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.himodseqUp
}

// UnfilledUIDs returns the upstream UIDs of every message this
// mailbox knows about but has not yet downloaded, for Up to seed
// fetch.uids_up before SELECT (spec.md §4.4 step 2).
func (m *Mailbox) UnfilledUIDs() []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []uint32
	for key, msg := range m.msgs {
		if msg.State == msgstore.Unfilled && key.UIDUp != 0 {
			out = append(out, key.UIDUp)
		}
	}
	return out
}

// UnpushedExpungeUIDs returns the upstream UIDs of every expunge this
// mailbox has recorded locally but not yet pushed upstream, for Up to
// seed deletions.uids_up before SELECT.
func (m *Mailbox) UnpushedExpungeUIDs() []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []uint32
	for key, exp := range m.expunges {
		if exp.State == msgstore.ExpungeUnpushed && key.UIDUp != 0 {
			out = append(out, key.UIDUp)
		}
	}
	return out
}

// MarkExpungePushed records that the upstream UID STORE+EXPUNGE for
// uidUp succeeded, transitioning its expunge record to Pushed.
func (m *Mailbox) MarkExpungePushed(uidUp uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := msgstore.MsgKey{UIDUp: uidUp}
	exp, ok := m.expunges[key]
	if !ok {
		return nil
	}
	exp.State = msgstore.ExpungePushed
	return m.log.UpdateExpunge(exp)
}

// PendingCopy is one COPY a Dn has requested that Up still needs to
// push upstream: Key is the local-only placeholder recorded in msgs,
// SrcUIDUp is the message to copy, and Target is the destination
// mailbox name.
type PendingCopy struct {
	Key      msgstore.MsgKey
	SrcUIDUp uint32
	Target   string
}

// PendingCopies returns every COPY request not yet pushed upstream,
// for Up to issue during its steady-state loop (spec.md §4.5 COPY).
func (m *Mailbox) PendingCopies() []PendingCopy {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PendingCopy, 0, len(m.pendingCopies))
	for key, pc := range m.pendingCopies {
		out = append(out, PendingCopy{Key: key, SrcUIDUp: pc.srcUIDUp, Target: pc.target})
	}
	return out
}

// ResolveCopy discards a pending copy's bookkeeping placeholder once
// Up has issued the real upstream COPY. The copied message itself will
// surface through ordinary NEW-message detection in whichever mailbox
// it landed in (this one, if Target equals its own name, or the
// target mailbox's own Up once it next runs detection), so the
// placeholder is tombstoned rather than promoted: it was never visible
// to any Dn and never will be.
func (m *Mailbox) ResolveCopy(key msgstore.MsgKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pendingCopies, key)
	if _, ok := m.msgs[key]; !ok {
		return nil
	}
	delete(m.msgs, key)
	return m.log.UpdateExpunge(&msgstore.Expunge{Key: key, State: msgstore.ExpungePushed})
}

// NewUnfilledMsg registers a message whose existence has been learned
// from upstream (SELECT/QRESYNC VANISHED+FETCH data or the bootstrap
// detection fetch) but whose body has not yet been downloaded.
// Unfilled messages carry uid_dn=0 and modseq=0: per spec.md §3 a
// message only becomes observable to a Dn's view once it is Filled,
// since its View only holds entries with a nonzero uid_dn.
func (m *Mailbox) NewUnfilledMsg(uidUp uint32, flags msgstore.Flags, modSeqUp uint64) (*msgstore.Msg, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := msgstore.MsgKey{UIDUp: uidUp}
	if existing, ok := m.msgs[key]; ok {
		return existing, nil
	}

	msg := &msgstore.Msg{
		Key:   key,
		State: msgstore.Unfilled,
		Flags: flags,
	}
	if err := m.log.UpdateMsg(msg); err != nil {
		return nil, err
	}
	m.msgs[key] = msg
	return msg, nil
}

// nextUIDDnLocked hands out the next downward UID; uid_dn is a
// monotonic counter scoped to uidvld_dn's lifetime, so it is simply
// one more than the highest uid_dn seen so far.
func (m *Mailbox) nextUIDDnLocked() uint32 {
	var max uint32
	for _, msg := range m.msgs {
		if msg.UIDDn > max {
			max = msg.UIDDn
		}
	}
	for _, exp := range m.expunges {
		if exp.UIDDn > max {
			max = exp.UIDDn
		}
	}
	return max + 1
}

// RecordUpstreamExpunge handles a VANISHED/EXPUNGE learned from
// upstream: the message (if still present locally) is moved to the
// Pushed expunge set directly, since the server has already forgotten
// it.
func (m *Mailbox) RecordUpstreamExpunge(uidUp uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := msgstore.MsgKey{UIDUp: uidUp}
	msg, ok := m.msgs[key]
	if !ok {
		return nil
	}
	m.himodseqDn++
	exp := &msgstore.Expunge{
		Key:   key,
		UIDDn: msg.UIDDn,
		State: msgstore.ExpungePushed,
		Mod:   msgstore.Mod{ModSeq: m.himodseqDn},
	}
	if err := m.log.UpdateExpunge(exp); err != nil {
		return err
	}
	m.expunges[key] = exp
	m.mods.ReplaceOrInsert(modEntry{modSeq: exp.Mod.ModSeq, key: key, expunge: true})
	delete(m.msgs, key)
	return nil
}

// CommitHimodseqUp writes seen to the log as the new committed
// himodseq_up, per spec.md §4.4's modseq-commit rule. Callers
// (upsync.Up) are responsible for only calling this when neither
// bootstrap nor an in-flight detection fetch is pending.
func (m *Mailbox) CommitHimodseqUp(seen uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if seen <= m.himodseqUp {
		return nil
	}
	return m.log.SetHimodseqUp(seen)
}
