package mailbox

import "citm/msgstore"

// ApplyUpdateReq applies one Dn-submitted UpdateReq to the mailbox's
// msgs/expunges sets and logs the result, then dispatches the
// resulting NEW/META/EXPUNGE events to every registered Dn (including
// the submitter), finishing with an UPDATE_SYNC delivered only to the
// submitter carrying reqErr (spec.md §4.3's "update requests" and
// "update ordering guarantee").
func (m *Mailbox) ApplyUpdateReq(submitter any, req msgstore.UpdateReq) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	g := msgstore.NewGather()
	var reqErr error

	switch req.Kind {
	case msgstore.ReqStore:
		reqErr = m.applyStoreLocked(g, req)
	case msgstore.ReqExpunge:
		reqErr = m.applyExpungeLocked(g, req)
	case msgstore.ReqCopy:
		reqErr = m.applyCopyLocked(g, req)
	}

	m.dispatchLocked(g)

	if sink, ok := m.dns[submitter]; ok && sink != nil {
		sink.Deliver(msgstore.Update{Kind: msgstore.UpdateSync, SyncErr: reqErr})
	}

	return reqErr
}

func (m *Mailbox) applyStoreLocked(g *msgstore.Gather, req msgstore.UpdateReq) error {
	for _, key := range req.Keys {
		msg, ok := m.msgs[key]
		if !ok {
			continue
		}
		newFlags := msg.Flags
		switch req.StoreMode {
		case msgstore.StoreReplace:
			newFlags = req.StoreFlags
		case msgstore.StoreAdd:
			newFlags = orFlags(newFlags, req.StoreFlags)
		case msgstore.StoreRemove:
			newFlags = andNotFlags(newFlags, req.StoreFlags)
		}
		if newFlags == msg.Flags {
			continue
		}
		msg.Flags = newFlags
		m.himodseqDn++
		msg.Mod.ModSeq = m.himodseqDn
		if err := m.log.UpdateMsg(msg); err != nil {
			return err
		}
		m.mods.ReplaceOrInsert(modEntry{modSeq: msg.Mod.ModSeq, key: key})
		g.Add(msgstore.Update{Kind: msgstore.UpdateMeta, Msg: *msg})
	}
	return nil
}

func (m *Mailbox) applyExpungeLocked(g *msgstore.Gather, req msgstore.UpdateReq) error {
	for _, key := range req.ExpungeKeys {
		msg, ok := m.msgs[key]
		if !ok {
			continue
		}
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
		g.Add(msgstore.Update{Kind: msgstore.UpdateExpungeKind, Expunge: *exp})
	}
	return nil
}

// pendingCopy is the in-memory half of a COPY bookkeeping entry: the
// upstream UID to copy and the destination mailbox name, keyed by the
// UIDLocal placeholder Msg recorded alongside it in msgs.
type pendingCopy struct {
	srcUIDUp uint32
	target   string
}

// applyCopyLocked records each source message's COPY as a pending,
// local-only placeholder keyed by UIDLocal (spec.md's Msg.UIDLocal
// lifetime: "while the message exists only as a pending local
// APPEND/COPY"), for Up to push upstream as a real UID COPY. A source
// message that hasn't itself reached upstream yet (no uid_up) has
// nothing to COPY, so it is skipped. The placeholder starts Unfilled
// with uid_dn=0/modseq=0 like any other not-yet-downloaded message, so
// it stays invisible to every Dn's view; no NEW update is emitted
// here. target empty or equal to this mailbox's own name means the
// copy targets the mailbox the client currently has SELECTed.
func (m *Mailbox) applyCopyLocked(g *msgstore.Gather, req msgstore.UpdateReq) error {
	target := req.CopyTarget
	if target == "" {
		target = m.name
	}
	for _, key := range req.CopyKeys {
		src, ok := m.msgs[key]
		if !ok || src.Key.UIDUp == 0 {
			continue
		}
		var localID uint32
		for {
			localID++
			if _, exists := m.msgs[msgstore.MsgKey{UIDLocal: localID}]; !exists {
				break
			}
		}
		newKey := msgstore.MsgKey{UIDLocal: localID}
		copied := &msgstore.Msg{
			Key:          newKey,
			State:        msgstore.Unfilled,
			InternalDate: src.InternalDate,
			Flags:        src.Flags,
		}
		if err := m.log.UpdateMsg(copied); err != nil {
			return err
		}
		m.msgs[newKey] = copied
		m.pendingCopies[newKey] = pendingCopy{srcUIDUp: src.Key.UIDUp, target: target}
	}
	return nil
}

func (m *Mailbox) dispatchLocked(g *msgstore.Gather) {
	for _, sink := range m.dns {
		if sink == nil {
			continue
		}
		for _, msg := range g.NewBatch() {
			sink.Deliver(msgstore.Update{Kind: msgstore.UpdateNew, Msg: msg})
		}
		for _, msg := range g.MetaBatch() {
			sink.Deliver(msgstore.Update{Kind: msgstore.UpdateMeta, Msg: msg})
		}
		for _, exp := range g.Expunges {
			sink.Deliver(msgstore.Update{Kind: msgstore.UpdateExpungeKind, Expunge: exp})
		}
	}
}

func orFlags(a, b msgstore.Flags) msgstore.Flags {
	return msgstore.Flags{
		Answered: a.Answered || b.Answered,
		Flagged:  a.Flagged || b.Flagged,
		Seen:     a.Seen || b.Seen,
		Draft:    a.Draft || b.Draft,
		Deleted:  a.Deleted || b.Deleted,
	}
}

func andNotFlags(a, b msgstore.Flags) msgstore.Flags {
	return msgstore.Flags{
		Answered: a.Answered && !b.Answered,
		Flagged:  a.Flagged && !b.Flagged,
		Seen:     a.Seen && !b.Seen,
		Draft:    a.Draft && !b.Draft,
		Deleted:  a.Deleted && !b.Deleted,
	}
}
