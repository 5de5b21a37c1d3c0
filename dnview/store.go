package dnview

import (
	"citm/imap/imapparser"
	"citm/msgstore"
)

// StoreResult is one message's FLAGS to report back after a STORE;
// citmserver skips emitting it when the command was STORE .SILENT and
// the message's flags weren't also changed externally since this Dn
// last saw it.
type StoreResult struct {
	SeqNum uint32
	UIDDn  uint32
	Flags  []string
}

// Store applies a flag change to every message seqs resolves to and
// returns the post-change FLAGS for messages that should be reported:
// always for a non-.SILENT STORE, and for a .SILENT one only the
// caller decides to suppress (citmserver compares against what it
// already pushed via unsolicited FETCH).
func (d *Dn) Store(seqs []imapparser.SeqRange, byUID bool, store imapparser.Store) ([]StoreResult, error) {
	d.mu.Lock()
	if d.view == nil {
		d.mu.Unlock()
		return nil, msgstore.NewError(msgstore.KindValue, "STORE before SELECT")
	}
	if d.readOnly {
		d.mu.Unlock()
		return nil, msgstore.NewError(msgstore.KindValue, "mailbox is read-only")
	}
	matched := d.resolveLocked(seqs, byUID)
	d.mu.Unlock()

	if len(matched) == 0 {
		return nil, nil
	}

	if store.UnchangedSince != 0 {
		for _, m := range matched {
			if m.Mod.ModSeq > uint64(store.UnchangedSince) {
				return nil, msgstore.NewError(msgstore.KindValue, "[MODIFIED] message changed since UNCHANGEDSINCE")
			}
		}
	}

	mode, err := storeModeFrom(store.Mode)
	if err != nil {
		return nil, err
	}

	storeFlags := flagsFromNames(store.Flags)
	keys := make([]msgstore.MsgKey, len(matched))
	expected := make(map[msgstore.MsgKey]msgstore.Flags, len(matched))
	for i, m := range matched {
		keys[i] = m.Key
		expected[m.Key] = applyStoreMode(m.Flags, mode, storeFlags)
	}
	req := msgstore.UpdateReq{
		Kind:       msgstore.ReqStore,
		Keys:       keys,
		StoreMode:  mode,
		StoreFlags: storeFlags,
	}
	reqErr := d.mbox.ApplyUpdateReq(d, req)
	events, drainErr := d.drainPendingThroughSync()
	if reqErr != nil {
		return nil, reqErr
	}
	if drainErr != nil {
		return nil, drainErr
	}

	wanted := make(map[msgstore.MsgKey]bool, len(keys))
	for _, k := range keys {
		wanted[k] = true
	}

	var out []StoreResult
	for _, u := range events {
		if u.Kind != msgstore.UpdateMeta || !wanted[u.Msg.Key] {
			continue
		}
		// A concurrent external change (another client, or upstream)
		// landing between resolveLocked and this update means the
		// actual post-store flags can differ from what our own STORE
		// requested; report FLAGS even for .SILENT so the client
		// still learns about it.
		if store.Silent && flagsEqual(u.Msg.Flags, expected[u.Msg.Key]) {
			continue
		}
		out = append(out, StoreResult{
			SeqNum: uint32(seqNumOf(d, u.Msg)),
			UIDDn:  u.Msg.UIDDn,
			Flags:  splitFlags(flagsToIMAP(u.Msg.Flags)),
		})
	}
	return out, nil
}

// applyStoreMode computes the flags a STORE is expected to produce,
// mirroring mailbox.applyStoreLocked's merge so Store can tell a clean
// result (matches what we asked for) from one a concurrent change
// altered underneath us.
func applyStoreMode(cur msgstore.Flags, mode msgstore.StoreMode, flags msgstore.Flags) msgstore.Flags {
	switch mode {
	case msgstore.StoreReplace:
		return flags
	case msgstore.StoreAdd:
		return msgstore.Flags{
			Answered: cur.Answered || flags.Answered,
			Flagged:  cur.Flagged || flags.Flagged,
			Seen:     cur.Seen || flags.Seen,
			Draft:    cur.Draft || flags.Draft,
			Deleted:  cur.Deleted || flags.Deleted,
		}
	case msgstore.StoreRemove:
		return msgstore.Flags{
			Answered: cur.Answered && !flags.Answered,
			Flagged:  cur.Flagged && !flags.Flagged,
			Seen:     cur.Seen && !flags.Seen,
			Draft:    cur.Draft && !flags.Draft,
			Deleted:  cur.Deleted && !flags.Deleted,
		}
	default:
		return cur
	}
}

func flagsEqual(a, b msgstore.Flags) bool {
	return a.Answered == b.Answered &&
		a.Flagged == b.Flagged &&
		a.Seen == b.Seen &&
		a.Draft == b.Draft &&
		a.Deleted == b.Deleted
}

func storeModeFrom(m imapparser.StoreMode) (msgstore.StoreMode, error) {
	switch m {
	case imapparser.StoreAdd:
		return msgstore.StoreAdd, nil
	case imapparser.StoreRemove:
		return msgstore.StoreRemove, nil
	case imapparser.StoreReplace:
		return msgstore.StoreReplace, nil
	default:
		return 0, msgstore.NewError(msgstore.KindValue, "unknown STORE mode")
	}
}

func flagsFromNames(names [][]byte) msgstore.Flags {
	var f msgstore.Flags
	for _, n := range names {
		switch string(n) {
		case `\Answered`:
			f.Answered = true
		case `\Flagged`:
			f.Flagged = true
		case `\Deleted`:
			f.Deleted = true
		case `\Seen`:
			f.Seen = true
		case `\Draft`:
			f.Draft = true
		}
	}
	return f
}

func splitFlags(joined string) []string {
	if joined == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(joined); i++ {
		if i == len(joined) || joined[i] == ' ' {
			if i > start {
				out = append(out, joined[start:i])
			}
			start = i + 1
		}
	}
	return out
}

